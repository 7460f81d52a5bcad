// Package blendtest builds small synthetic blend files for tests: a schema
// catalog with one pointer-bearing struct, data blocks, and a terminator.
package blendtest

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Instance is one struct value inside a data block. Next and Prev land in
// pointer fields and are canonicalized away by the parser.
type Instance struct {
	Next  uint64
	Prev  uint64
	ID    int32
	Value float32
}

// Block describes one data block.
type Block struct {
	Code string // 4 ASCII characters
	// SDNAIndex defaults to 0, the catalog's only struct. Set another
	// value to exercise unknown-schema handling.
	SDNAIndex uint32
	Instances []Instance
}

// instanceSize is the laid-out struct size with 64-bit pointers.
const instanceSize = 8 + 8 + 4 + 4

// File builds a little-endian 64-bit blend file containing the given data
// blocks, the schema catalog, and a terminator, in that order.
func File(blocks ...Block) []byte {
	var out bytes.Buffer
	out.WriteString("BLENDER-v303")

	for i, b := range blocks {
		payload := make([]byte, 0, len(b.Instances)*instanceSize)
		for _, inst := range b.Instances {
			payload = binary.LittleEndian.AppendUint64(payload, inst.Next)
			payload = binary.LittleEndian.AppendUint64(payload, inst.Prev)
			payload = binary.LittleEndian.AppendUint32(payload, uint32(inst.ID))
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(inst.Value))
		}
		writeBlock(&out, b.Code, uint64(0x10000000+i*0x10), b.SDNAIndex, uint32(len(b.Instances)), payload)
	}

	writeBlock(&out, "DNA1", 0x20000000, 0, 1, sdnaPayload())
	writeBlock(&out, "ENDB", 0, 0, 0, nil)
	return out.Bytes()
}

func writeBlock(out *bytes.Buffer, code string, addr uint64, sdnaIndex, count uint32, payload []byte) {
	out.WriteString(code)
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(payload)))
	out.Write(scratch[:4])
	binary.LittleEndian.PutUint64(scratch[:8], addr)
	out.Write(scratch[:8])
	binary.LittleEndian.PutUint32(scratch[:4], sdnaIndex)
	out.Write(scratch[:4])
	binary.LittleEndian.PutUint32(scratch[:4], count)
	out.Write(scratch[:4])
	out.Write(payload)
}

// sdnaPayload encodes the catalog: struct Scene { Scene *next; Scene *prev;
// int id; float value; }.
func sdnaPayload() []byte {
	var out bytes.Buffer
	out.WriteString("SDNA")

	out.WriteString("NAME")
	writeI32(&out, 4)
	for _, name := range []string{"*next", "*prev", "id", "value"} {
		out.WriteString(name)
		out.WriteByte(0)
	}
	pad(&out)

	out.WriteString("TYPE")
	writeI32(&out, 3)
	for _, typ := range []string{"Scene", "int", "float"} {
		out.WriteString(typ)
		out.WriteByte(0)
	}
	pad(&out)

	out.WriteString("TLEN")
	for _, length := range []int16{instanceSize, 4, 4} {
		writeI16(&out, length)
	}
	pad(&out)

	out.WriteString("STRC")
	writeI32(&out, 1)
	writeI16(&out, 0) // type Scene
	writeI16(&out, 4) // four fields
	for _, f := range [][2]int16{{0, 0}, {0, 1}, {1, 2}, {2, 3}} {
		writeI16(&out, f[0])
		writeI16(&out, f[1])
	}
	return out.Bytes()
}

func writeI32(out *bytes.Buffer, v int32) {
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(v))
	out.Write(scratch[:])
}

func writeI16(out *bytes.Buffer, v int16) {
	var scratch [2]byte
	binary.LittleEndian.PutUint16(scratch[:], uint16(v))
	out.Write(scratch[:])
}

func pad(out *bytes.Buffer) {
	for out.Len()%4 != 0 {
		out.WriteByte(0)
	}
}
