package blend

import (
	"bytes"
	"fmt"
)

// cursor is a bounds-checked reader over the input bytes.
type cursor struct {
	data   []byte
	pos    int
	endian Endianness
}

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, c.pos)
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) tag(t string) error {
	b, err := c.take(len(t))
	if err != nil {
		return err
	}
	if string(b) != t {
		return fmt.Errorf("%w: expected %q", ErrBadSDNA, t)
	}
	return nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return c.endian.order().Uint32(b), nil
}

func (c *cursor) i32() (int32, error) {
	v, err := c.u32()
	return int32(v), err
}

func (c *cursor) i16() (int16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return int16(c.endian.order().Uint16(b)), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return c.endian.order().Uint64(b), nil
}

// cstring consumes a NUL-terminated string including its terminator.
func (c *cursor) cstring() (string, error) {
	rel := bytes.IndexByte(c.data[c.pos:], 0)
	if rel < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrTruncated, c.pos)
	}
	s := string(c.data[c.pos : c.pos+rel])
	c.pos += rel + 1
	return s, nil
}

func (c *cursor) cstrings(n int) ([]string, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative string count", ErrBadSDNA)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := c.cstring()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// skipZeros consumes alignment padding up to the next nonzero byte.
func (c *cursor) skipZeros() {
	for c.pos < len(c.data) && c.data[c.pos] == 0 {
		c.pos++
	}
}

// ParseHeader decodes the 12-byte file header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header", ErrTruncated)
	}
	if string(data[:7]) != magic {
		return Header{}, ErrNotBlendFile
	}

	var h Header
	switch data[7] {
	case '_':
		h.PointerSize = Bits32
	case '-':
		h.PointerSize = Bits64
	default:
		return Header{}, fmt.Errorf("%w: unknown pointer size %q", ErrNotBlendFile, data[7])
	}
	switch data[8] {
	case 'v':
		h.Endianness = LittleEndian
	case 'V':
		h.Endianness = BigEndian
	default:
		return Header{}, fmt.Errorf("%w: unknown endianness %q", ErrNotBlendFile, data[8])
	}
	copy(h.Version[:], data[9:12])
	return h, nil
}

// parseBlock reads one file-block at the cursor, payload included.
func parseBlock(c *cursor, ptrSize PointerSize) (Block, error) {
	var b Block
	code, err := c.take(4)
	if err != nil {
		return b, err
	}
	copy(b.Code[:], code)

	size, err := c.i32()
	if err != nil {
		return b, err
	}
	if size < 0 || int(size) > c.remaining() {
		return b, fmt.Errorf("%w: block %q declares %d bytes, %d remain",
			ErrBadBlockSize, b.Code[:], size, c.remaining())
	}
	b.Size = size

	if ptrSize == Bits32 {
		addr, err := c.u32()
		if err != nil {
			return b, err
		}
		b.OldAddr = uint64(addr)
	} else {
		b.OldAddr, err = c.u64()
		if err != nil {
			return b, err
		}
	}

	if b.SDNAIndex, err = c.u32(); err != nil {
		return b, err
	}
	if b.Count, err = c.u32(); err != nil {
		return b, err
	}

	data, err := c.take(int(size))
	if err != nil {
		return b, err
	}
	b.Data = append([]byte(nil), data...)
	return b, nil
}

// Parse decomposes a blend file into canonicalized blocks plus the fixups
// needed to reproduce the original bytes. Blocks whose SDNA index does not
// name a known struct, or whose declared geometry does not fit the payload,
// are retained verbatim with no fixups.
func Parse(data []byte) (*ParsedFile, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	c := &cursor{data: data, pos: HeaderSize, endian: header.Endianness}

	var raw []Block
	for {
		if c.remaining() == 0 {
			return nil, fmt.Errorf("%w: no terminator block", ErrTruncated)
		}
		b, err := parseBlock(c, header.PointerSize)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
		if b.Code == codeENDB {
			break
		}
	}
	if c.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes after terminator", ErrBadBlockSize, c.remaining())
	}

	sdna, err := findSDNA(raw, header.Endianness)
	if err != nil {
		return nil, err
	}
	layouts := sdna.layouts(header.PointerSize)

	parsed := &ParsedFile{Header: header}
	for _, b := range raw {
		entry, err := canonicalize(b, header, layouts)
		if err != nil {
			return nil, err
		}
		parsed.Blocks = append(parsed.Blocks, entry)
	}
	return parsed, nil
}

func findSDNA(blocks []Block, endian Endianness) (*SDNA, error) {
	for i := range blocks {
		if blocks[i].Code == codeDNA1 {
			return ParseSDNA(blocks[i].Data, endian)
		}
	}
	return nil, ErrNoSDNA
}

// canonicalize zeroes the block's address fields, recording each original
// value. The schema catalog and the terminator are never introspected.
func canonicalize(b Block, header Header, layouts []structLayout) (BlockWithFixups, error) {
	entry := BlockWithFixups{Block: b, OldAddr: b.OldAddr}
	entry.Block.OldAddr = 0

	if b.Code == codeDNA1 || b.Code == codeENDB {
		return entry, nil
	}
	if int(b.SDNAIndex) >= len(layouts) {
		return entry, nil
	}
	layout := layouts[b.SDNAIndex]
	if len(layout.ptrOffsets) == 0 {
		return entry, nil
	}
	// A payload that does not hold count instances of the struct is opaque
	// data reusing the index; leave it untouched.
	if layout.size <= 0 || int(b.Count)*layout.size > len(b.Data) {
		return entry, nil
	}

	ord := header.Endianness.order()
	width := int(header.PointerSize)
	for inst := 0; inst < int(b.Count); inst++ {
		base := inst * layout.size
		for _, off := range layout.ptrOffsets {
			slot := base + off
			if slot+width > len(entry.Block.Data) {
				return entry, fmt.Errorf("%w: block %q offset %d", ErrBadFixup, b.Code[:], slot)
			}
			var value uint64
			if width == 4 {
				value = uint64(ord.Uint32(entry.Block.Data[slot:]))
			} else {
				value = ord.Uint64(entry.Block.Data[slot:])
			}
			entry.Fixups = append(entry.Fixups, Fixup{
				Offset: uint32(slot),
				Value:  value,
				Width:  uint8(width),
			})
			for i := 0; i < width; i++ {
				entry.Block.Data[slot+i] = 0
			}
		}
	}
	return entry, nil
}
