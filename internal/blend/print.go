package blend

import (
	"bytes"
	"fmt"
)

// PrintHeader renders the 12-byte file header.
func PrintHeader(h Header, out *bytes.Buffer) {
	out.WriteString(magic)
	if h.PointerSize == Bits32 {
		out.WriteByte('_')
	} else {
		out.WriteByte('-')
	}
	if h.Endianness == LittleEndian {
		out.WriteByte('v')
	} else {
		out.WriteByte('V')
	}
	out.Write(h.Version[:])
}

// printBlock renders one block: header, then payload.
func printBlock(b Block, h Header, out *bytes.Buffer) {
	ord := h.Endianness.order()
	out.Write(b.Code[:])

	var scratch [8]byte
	ord.PutUint32(scratch[:4], uint32(b.Size))
	out.Write(scratch[:4])

	if h.PointerSize == Bits32 {
		ord.PutUint32(scratch[:4], uint32(b.OldAddr))
		out.Write(scratch[:4])
	} else {
		ord.PutUint64(scratch[:8], b.OldAddr)
		out.Write(scratch[:8])
	}

	ord.PutUint32(scratch[:4], b.SDNAIndex)
	out.Write(scratch[:4])
	ord.PutUint32(scratch[:4], b.Count)
	out.Write(scratch[:4])
	out.Write(b.Data)
}

// ApplyFixups writes recorded address values back into a canonicalized
// payload, returning a restored copy. The input payload is not modified.
func ApplyFixups(data []byte, fixups []Fixup, endian Endianness) ([]byte, error) {
	restored := append([]byte(nil), data...)
	ord := endian.order()
	for _, f := range fixups {
		end := int(f.Offset) + int(f.Width)
		if end > len(restored) {
			return nil, fmt.Errorf("%w: offset %d width %d in %d-byte payload",
				ErrBadFixup, f.Offset, f.Width, len(restored))
		}
		switch f.Width {
		case 4:
			ord.PutUint32(restored[f.Offset:end], uint32(f.Value))
		case 8:
			ord.PutUint64(restored[f.Offset:end], f.Value)
		default:
			return nil, fmt.Errorf("%w: width %d", ErrBadFixup, f.Width)
		}
	}
	return restored, nil
}

// Print is the inverse of Parse: it reassembles the original byte stream
// from canonicalized blocks and their recorded fixups. The result is
// byte-identical to the parsed input.
func Print(f *ParsedFile, out *bytes.Buffer) error {
	PrintHeader(f.Header, out)
	for i := range f.Blocks {
		entry := &f.Blocks[i]
		restored, err := ApplyFixups(entry.Block.Data, entry.Fixups, f.Header.Endianness)
		if err != nil {
			return err
		}
		b := entry.Block
		b.OldAddr = entry.OldAddr
		b.Data = restored
		printBlock(b, f.Header, out)
	}
	return nil
}
