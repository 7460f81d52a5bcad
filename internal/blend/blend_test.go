package blend_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bkrmendy/cg-timeline/internal/blend"
	"github.com/bkrmendy/cg-timeline/internal/blend/blendtest"
)

func fixture() []byte {
	return blendtest.File(
		blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{
			{Next: 0xDEADBEEF00, Prev: 0xCAFEBABE00, ID: 1, Value: 1.5},
			{Next: 0x1122334455, Prev: 0, ID: 2, Value: -2.25},
		}},
		blendtest.Block{Code: "TST1", Instances: []blendtest.Instance{
			{Next: 0x77, Prev: 0x88, ID: 3, Value: 0.5},
		}},
	)
}

func TestParseHeader(t *testing.T) {
	data := fixture()
	h, err := blend.ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if h.PointerSize != blend.Bits64 {
		t.Errorf("pointer size = %d, want 64-bit", h.PointerSize)
	}
	if h.Endianness != blend.LittleEndian {
		t.Errorf("endianness = %d, want little", h.Endianness)
	}
	if string(h.Version[:]) != "303" {
		t.Errorf("version = %q, want 303", h.Version[:])
	}
}

func TestParseHeaderRejectsOtherFormats(t *testing.T) {
	_, err := blend.ParseHeader([]byte("GLTF2.0-v001"))
	if !errors.Is(err, blend.ErrNotBlendFile) {
		t.Errorf("expected ErrNotBlendFile, got %v", err)
	}
	_, err = blend.ParseHeader([]byte("BLEND"))
	if !errors.Is(err, blend.ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestParseCanonicalizesPointers(t *testing.T) {
	parsed, err := blend.Parse(fixture())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// data blocks, DNA1, ENDB
	if len(parsed.Blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(parsed.Blocks))
	}

	first := parsed.Blocks[0]
	if string(first.Block.Code[:]) != "TST0" {
		t.Fatalf("first block code = %q", first.Block.Code[:])
	}
	if first.Block.OldAddr != 0 {
		t.Errorf("canonicalized block keeps old address %#x", first.Block.OldAddr)
	}
	if first.OldAddr == 0 {
		t.Error("original address not recorded")
	}

	// Two instances, two pointer fields each.
	wantFixups := []blend.Fixup{
		{Offset: 0, Value: 0xDEADBEEF00, Width: 8},
		{Offset: 8, Value: 0xCAFEBABE00, Width: 8},
		{Offset: 24, Value: 0x1122334455, Width: 8},
		{Offset: 32, Value: 0, Width: 8},
	}
	if len(first.Fixups) != len(wantFixups) {
		t.Fatalf("got %d fixups, want %d", len(first.Fixups), len(wantFixups))
	}
	for i, want := range wantFixups {
		if first.Fixups[i] != want {
			t.Errorf("fixup %d = %+v, want %+v", i, first.Fixups[i], want)
		}
	}

	// Every pointer slot is zeroed; non-pointer fields survive.
	for _, f := range first.Fixups {
		for i := 0; i < int(f.Width); i++ {
			if first.Block.Data[int(f.Offset)+i] != 0 {
				t.Errorf("pointer slot at %d not zeroed", f.Offset)
			}
		}
	}
	if first.Block.Data[16] != 1 { // id of the first instance
		t.Error("non-pointer field clobbered")
	}
}

func TestRoundTrip(t *testing.T) {
	original := fixture()
	parsed, err := blend.Parse(original)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	var out bytes.Buffer
	if err := blend.Print(parsed, &out); err != nil {
		t.Fatalf("Print failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), original) {
		t.Fatalf("round trip differs: got %d bytes, want %d", out.Len(), len(original))
	}
}

func TestCanonicalBytesIgnorePointerValues(t *testing.T) {
	build := func(next, prev uint64) []byte {
		return blendtest.File(blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{
			{Next: next, Prev: prev, ID: 42, Value: 3.5},
		}})
	}

	a, err := blend.Parse(build(0x1111, 0x2222))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	b, err := blend.Parse(build(0x9999, 0x8888))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ca := a.Blocks[0].Block.CanonicalBytes(a.Header.Endianness)
	cb := b.Blocks[0].Block.CanonicalBytes(b.Header.Endianness)
	if !bytes.Equal(ca, cb) {
		t.Error("canonical bytes differ across pointer values")
	}
}

func TestCanonicalBytesSeeContentChanges(t *testing.T) {
	a, _ := blend.Parse(blendtest.File(blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{{ID: 1}}}))
	b, _ := blend.Parse(blendtest.File(blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{{ID: 2}}}))
	ca := a.Blocks[0].Block.CanonicalBytes(a.Header.Endianness)
	cb := b.Blocks[0].Block.CanonicalBytes(b.Header.Endianness)
	if bytes.Equal(ca, cb) {
		t.Error("canonical bytes identical despite content change")
	}
}

func TestUnknownSDNAIndexKeptVerbatim(t *testing.T) {
	data := blendtest.File(blendtest.Block{
		Code:      "MYST",
		SDNAIndex: 99,
		Instances: []blendtest.Instance{{Next: 0xAAAA, Prev: 0xBBBB, ID: 7}},
	})
	parsed, err := blend.Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	block := parsed.Blocks[0]
	if len(block.Fixups) != 0 {
		t.Errorf("opaque block got %d fixups", len(block.Fixups))
	}
	// Pointer bytes survive untouched.
	if block.Block.Data[0] != 0xAA {
		t.Error("opaque payload was modified")
	}
}

func TestParseTruncatedBlock(t *testing.T) {
	data := fixture()
	_, err := blend.Parse(data[:len(data)-10])
	if err == nil {
		t.Fatal("expected error for truncated input")
	}
}

func TestParseMissingTerminator(t *testing.T) {
	data := fixture()
	// Drop the terminator block (4 code + 4 size + 8 addr + 4 + 4 = 24 bytes).
	_, err := blend.Parse(data[:len(data)-24])
	if !errors.Is(err, blend.ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestParseOversizedBlockLength(t *testing.T) {
	data := fixture()
	// Corrupt the first data block's length field (right after its code).
	data[blend.HeaderSize+4] = 0xFF
	data[blend.HeaderSize+5] = 0xFF
	data[blend.HeaderSize+6] = 0xFF
	data[blend.HeaderSize+7] = 0x7F
	_, err := blend.Parse(data)
	if !errors.Is(err, blend.ErrBadBlockSize) {
		t.Errorf("expected ErrBadBlockSize, got %v", err)
	}
}

func TestApplyFixupsOutOfBounds(t *testing.T) {
	_, err := blend.ApplyFixups(make([]byte, 8), []blend.Fixup{{Offset: 4, Value: 1, Width: 8}}, blend.LittleEndian)
	if !errors.Is(err, blend.ErrBadFixup) {
		t.Errorf("expected ErrBadFixup, got %v", err)
	}
}

func TestParseDeterministic(t *testing.T) {
	data := fixture()
	first, err := blend.Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := blend.Parse(data)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		for j := range first.Blocks {
			a := first.Blocks[j].Block.CanonicalBytes(first.Header.Endianness)
			b := again.Blocks[j].Block.CanonicalBytes(again.Header.Endianness)
			if !bytes.Equal(a, b) {
				t.Fatalf("canonical bytes of block %d unstable", j)
			}
		}
	}
}
