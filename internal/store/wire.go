package store

import (
	"encoding/binary"
	"fmt"

	"github.com/bkrmendy/cg-timeline/internal/blend"
	"github.com/bkrmendy/cg-timeline/internal/cas"
)

// Entry is one element of a checkpoint's blocks-and-pointers list: the hash
// of a canonicalized block plus the per-checkpoint data needed to restore
// its original bytes.
type Entry struct {
	Hash    []byte
	OldAddr uint64
	Fixups  []blend.Fixup
}

// Wire format, all integers big-endian:
// [4 bytes: entry count]
// per entry:
//   [32 bytes: block hash]
//   [8 bytes: old address]
//   [4 bytes: fixup count]
//   per fixup: [4 bytes offset][8 bytes value][1 byte width]

// EncodeEntries serializes a checkpoint's ordered blocks-and-pointers list.
func EncodeEntries(entries []Entry) ([]byte, error) {
	size := 4
	for _, e := range entries {
		size += cas.HashSize + 8 + 4 + len(e.Fixups)*13
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(len(entries)))
	for _, e := range entries {
		if len(e.Hash) != cas.HashSize {
			return nil, fmt.Errorf("encoding entries: hash is %d bytes, want %d", len(e.Hash), cas.HashSize)
		}
		out = append(out, e.Hash...)
		out = binary.BigEndian.AppendUint64(out, e.OldAddr)
		out = binary.BigEndian.AppendUint32(out, uint32(len(e.Fixups)))
		for _, f := range e.Fixups {
			out = binary.BigEndian.AppendUint32(out, f.Offset)
			out = binary.BigEndian.AppendUint64(out, f.Value)
			out = append(out, f.Width)
		}
	}
	return out, nil
}

// DecodeEntries parses a blocks-and-pointers blob back into its entries.
func DecodeEntries(data []byte) ([]Entry, error) {
	pos := 0
	need := func(n int) error {
		if len(data)-pos < n {
			return fmt.Errorf("decoding entries: truncated at offset %d", pos)
		}
		return nil
	}

	if err := need(4); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(data[pos:])
	pos += 4

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e Entry
		if err := need(cas.HashSize + 8 + 4); err != nil {
			return nil, err
		}
		e.Hash = append([]byte(nil), data[pos:pos+cas.HashSize]...)
		pos += cas.HashSize
		e.OldAddr = binary.BigEndian.Uint64(data[pos:])
		pos += 8
		fixups := binary.BigEndian.Uint32(data[pos:])
		pos += 4

		if fixups > 0 {
			if err := need(int(fixups) * 13); err != nil {
				return nil, err
			}
			e.Fixups = make([]blend.Fixup, fixups)
			for j := range e.Fixups {
				e.Fixups[j].Offset = binary.BigEndian.Uint32(data[pos:])
				e.Fixups[j].Value = binary.BigEndian.Uint64(data[pos+4:])
				e.Fixups[j].Width = data[pos+12]
				pos += 13
			}
		}
		entries = append(entries, e)
	}
	if pos != len(data) {
		return nil, fmt.Errorf("decoding entries: %d trailing bytes", len(data)-pos)
	}
	return entries, nil
}
