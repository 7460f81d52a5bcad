// Package blend decomposes Blender project files into typed blocks and
// reassembles them. Address-valued fields are rewritten to zero during
// parsing so that block contents are stable across editor sessions; the
// original values are recorded as fixups and written back on reassembly.
package blend

import (
	"encoding/binary"
	"errors"
)

// PointerSize is the width of in-file pointers, taken from the file header.
type PointerSize int

const (
	Bits32 PointerSize = 4
	Bits64 PointerSize = 8
)

// Endianness of all multi-byte fields in the file.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) order() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

const (
	magic = "BLENDER"

	// HeaderSize is the fixed length of the file header: 7-byte magic,
	// pointer-size byte, endianness byte, 3-byte version.
	HeaderSize = 12
)

var (
	codeDNA1 = [4]byte{'D', 'N', 'A', '1'}
	codeENDB = [4]byte{'E', 'N', 'D', 'B'}
)

var (
	ErrNotBlendFile = errors.New("not a blend file")
	ErrTruncated    = errors.New("unexpected end of input")
	ErrNoSDNA       = errors.New("no DNA1 block found")
	ErrBadFixup     = errors.New("fixup outside block payload")
	ErrBadBlockSize = errors.New("block length is negative or exceeds input")
	ErrBadSDNA      = errors.New("malformed SDNA block")
)

// Header is the 12-byte file header.
type Header struct {
	PointerSize PointerSize
	Endianness  Endianness
	Version     [3]byte
}

// Block is one file-block. After Parse, address-valued content is
// canonicalized: OldAddr is zero and every pointer slot in Data is zeroed.
type Block struct {
	Code      [4]byte
	Size      int32
	OldAddr   uint64
	SDNAIndex uint32
	Count     uint32
	Data      []byte
}

// Fixup records one zeroed address slot inside a block payload.
type Fixup struct {
	// Offset of the slot within the payload.
	Offset uint32
	// Value is the original address read from the slot.
	Value uint64
	// Width of the slot in bytes, 4 or 8.
	Width uint8
}

// BlockWithFixups pairs a canonicalized block with the data needed to
// reproduce its original bytes.
type BlockWithFixups struct {
	Block Block
	// OldAddr is the block header's original in-memory address.
	OldAddr uint64
	Fixups  []Fixup
}

// ParsedFile is the full decomposition of a blend file. Blocks appear in
// file order; the terminator block is the final element.
type ParsedFile struct {
	Header Header
	Blocks []BlockWithFixups
}

// CanonicalBytes renders the identity-bearing form of a block: the header
// without the old address, followed by the canonicalized payload. Block
// hashes are computed over this representation.
func (b *Block) CanonicalBytes(endian Endianness) []byte {
	ord := endian.order()
	out := make([]byte, 16, 16+len(b.Data))
	copy(out[0:4], b.Code[:])
	ord.PutUint32(out[4:8], uint32(b.Size))
	ord.PutUint32(out[8:12], b.SDNAIndex)
	ord.PutUint32(out[12:16], b.Count)
	return append(out, b.Data...)
}
