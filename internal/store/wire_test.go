package store

import (
	"bytes"
	"testing"

	"github.com/bkrmendy/cg-timeline/internal/blend"
)

func TestEntriesRoundTrip(t *testing.T) {
	entries := []Entry{
		{
			Hash:    bytes.Repeat([]byte{0x01}, 32),
			OldAddr: 0x7FFF00001234,
			Fixups: []blend.Fixup{
				{Offset: 0, Value: 0xDEADBEEF, Width: 8},
				{Offset: 16, Value: 0, Width: 4},
			},
		},
		{
			Hash:    bytes.Repeat([]byte{0x02}, 32),
			OldAddr: 0,
			Fixups:  nil,
		},
	}

	encoded, err := EncodeEntries(entries)
	if err != nil {
		t.Fatalf("EncodeEntries failed: %v", err)
	}
	decoded, err := DecodeEntries(encoded)
	if err != nil {
		t.Fatalf("DecodeEntries failed: %v", err)
	}

	if len(decoded) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(decoded), len(entries))
	}
	for i, want := range entries {
		got := decoded[i]
		if !bytes.Equal(got.Hash, want.Hash) || got.OldAddr != want.OldAddr {
			t.Errorf("entry %d header differs: %+v", i, got)
		}
		if len(got.Fixups) != len(want.Fixups) {
			t.Fatalf("entry %d fixup count = %d, want %d", i, len(got.Fixups), len(want.Fixups))
		}
		for j := range want.Fixups {
			if got.Fixups[j] != want.Fixups[j] {
				t.Errorf("entry %d fixup %d = %+v, want %+v", i, j, got.Fixups[j], want.Fixups[j])
			}
		}
	}
}

func TestEncodeEntriesRejectsBadHash(t *testing.T) {
	if _, err := EncodeEntries([]Entry{{Hash: []byte{1, 2, 3}}}); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestDecodeEntriesRejectsTruncation(t *testing.T) {
	encoded, err := EncodeEntries([]Entry{{
		Hash:   bytes.Repeat([]byte{0x01}, 32),
		Fixups: []blend.Fixup{{Offset: 1, Value: 2, Width: 8}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeEntries(encoded[:len(encoded)-5]); err == nil {
		t.Error("expected error for truncated blob")
	}
	if _, err := DecodeEntries(append(encoded, 0)); err == nil {
		t.Error("expected error for trailing bytes")
	}
}
