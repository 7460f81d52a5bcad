package engine_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bkrmendy/cg-timeline/internal/blend/blendtest"
	"github.com/bkrmendy/cg-timeline/internal/engine"
)

// fileV1 has two data blocks; the schema catalog and terminator bring the
// distinct block count to four.
func fileV1() []byte {
	return blendtest.File(
		blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{
			{Next: 0xA100, Prev: 0xA200, ID: 1, Value: 1.0},
		}},
		blendtest.Block{Code: "TST1", Instances: []blendtest.Instance{
			{Next: 0xB100, Prev: 0xB200, ID: 2, Value: 2.0},
		}},
	)
}

// fileV2 differs from fileV1 in one block's content.
func fileV2() []byte {
	return blendtest.File(
		blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{
			{Next: 0xA100, Prev: 0xA200, ID: 1, Value: 1.0},
		}},
		blendtest.Block{Code: "TST1", Instances: []blendtest.Instance{
			{Next: 0xB100, Prev: 0xB200, ID: 2, Value: 99.0},
		}},
	)
}

// fileV3 differs from fileV2 in the other block.
func fileV3() []byte {
	return blendtest.File(
		blendtest.Block{Code: "TST0", Instances: []blendtest.Instance{
			{Next: 0xA100, Prev: 0xA200, ID: 42, Value: 1.0},
		}},
		blendtest.Block{Code: "TST1", Instances: []blendtest.Instance{
			{Next: 0xB100, Prev: 0xB200, ID: 2, Value: 99.0},
		}},
	)
}

func createTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Create(filepath.Join(t.TempDir(), "test.timeline"), engine.Options{Author: "tester"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func kindOf(t *testing.T, err error) engine.Kind {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return engine.KindOf(err)
}

func TestEmptyStoreBoot(t *testing.T) {
	eng := createTestEngine(t)

	branches, err := eng.ListBranches()
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(branches) != 1 || branches[0].Name != "main" || branches[0].TipID != "" {
		t.Errorf("fresh store branches = %+v, want main with no tip", branches)
	}

	state, err := eng.CurrentState()
	if err != nil {
		t.Fatalf("CurrentState failed: %v", err)
	}
	if state.Branch != "main" || state.CheckpointID != "" {
		t.Errorf("fresh state = %+v, want main with no checkpoint", state)
	}
}

func TestFirstCheckpoint(t *testing.T) {
	eng := createTestEngine(t)

	info, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if info.ParentID != "" {
		t.Errorf("initial checkpoint has parent %q", info.ParentID)
	}
	if info.Branch != "main" || info.Author != "tester" {
		t.Errorf("checkpoint metadata = %+v", info)
	}

	list, err := eng.ListCheckpoints("main")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != info.ID {
		t.Errorf("list = %+v, want the one checkpoint", list)
	}

	count, err := eng.CountBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("block rows = %d, want 4 (two data blocks, catalog, terminator)", count)
	}

	state, _ := eng.CurrentState()
	if state.CheckpointID != info.ID {
		t.Error("current checkpoint not moved to the new checkpoint")
	}
}

func TestDeduplication(t *testing.T) {
	eng := createTestEngine(t)

	if _, err := eng.CreateCheckpoint("v1", fileV1()); err != nil {
		t.Fatal(err)
	}
	before, _ := eng.CountBlocks()

	if _, err := eng.CreateCheckpoint("v2", fileV2()); err != nil {
		t.Fatal(err)
	}
	after, _ := eng.CountBlocks()

	if after-before != 1 {
		t.Errorf("second checkpoint added %d block rows, want exactly 1", after-before)
	}
}

func TestCreateCheckpointIdempotent(t *testing.T) {
	eng := createTestEngine(t)

	first, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.CreateCheckpoint("again", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if second.Name != "v1" {
		t.Errorf("second create renamed the checkpoint to %q", second.Name)
	}

	list, _ := eng.ListCheckpoints("main")
	if len(list) != 1 {
		t.Errorf("checkpoint rows = %d, want 1", len(list))
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	eng := createTestEngine(t)
	original := fileV1()

	info, err := eng.CreateCheckpoint("v1", original)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateCheckpoint("v2", fileV2()); err != nil {
		t.Fatal(err)
	}

	restored, err := eng.RestoreCheckpoint(info.ID)
	if err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatal("restored bytes differ from the original file")
	}

	state, _ := eng.CurrentState()
	if state.CheckpointID != info.ID {
		t.Error("current checkpoint not moved by restore")
	}
}

func TestExportDoesNotMoveCurrent(t *testing.T) {
	eng := createTestEngine(t)

	v1, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	v2, err := eng.CreateCheckpoint("v2", fileV2())
	if err != nil {
		t.Fatal(err)
	}

	exported, err := eng.ExportCheckpoint(v1.ID)
	if err != nil {
		t.Fatalf("ExportCheckpoint failed: %v", err)
	}
	if !bytes.Equal(exported, fileV1()) {
		t.Error("exported bytes differ from the original file")
	}

	state, _ := eng.CurrentState()
	if state.CheckpointID != v2.ID {
		t.Error("export moved the current checkpoint")
	}
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	eng := createTestEngine(t)
	_, err := eng.RestoreCheckpoint("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	if kind := kindOf(t, err); kind != engine.KindNotFound {
		t.Errorf("kind = %s, want NotFound", kind)
	}
}

func TestMalformedFileRejected(t *testing.T) {
	eng := createTestEngine(t)

	_, err := eng.CreateCheckpoint("bad", []byte("definitely not a blend file"))
	if kind := kindOf(t, err); kind != engine.KindMalformedFile {
		t.Errorf("kind = %s, want MalformedFile", kind)
	}

	list, err := eng.ListCheckpoints("main")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Error("rejected file left a checkpoint behind")
	}
	count, _ := eng.CountBlocks()
	if count != 0 {
		t.Error("rejected file left block rows behind")
	}
}

func TestBranchFork(t *testing.T) {
	eng := createTestEngine(t)

	if _, err := eng.CreateCheckpoint("v1", fileV1()); err != nil {
		t.Fatal(err)
	}
	v2, err := eng.CreateCheckpoint("v2", fileV2())
	if err != nil {
		t.Fatal(err)
	}

	alt, err := eng.CreateBranch("alt")
	if err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if alt.TipID != v2.ID {
		t.Errorf("alt tip = %s, want fork point %s", alt.TipID, v2.ID)
	}

	state, _ := eng.CurrentState()
	if state.Branch != "alt" || state.CheckpointID != v2.ID {
		t.Errorf("state after fork = %+v", state)
	}

	v3, err := eng.CreateCheckpoint("v3", fileV3())
	if err != nil {
		t.Fatal(err)
	}
	if v3.ParentID != v2.ID {
		t.Errorf("v3 parent = %s, want %s", v3.ParentID, v2.ID)
	}
	if v3.Branch != "alt" {
		t.Errorf("v3 branch = %s, want alt", v3.Branch)
	}

	branches, _ := eng.ListBranches()
	for _, b := range branches {
		switch b.Name {
		case "main":
			if b.TipID != v2.ID {
				t.Errorf("main tip moved to %s", b.TipID)
			}
		case "alt":
			if b.TipID != v3.ID {
				t.Errorf("alt tip = %s, want %s", b.TipID, v3.ID)
			}
		}
	}

	// The fork lists its inherited history through parent links.
	list, err := eng.ListCheckpoints("alt")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("alt lineage length = %d, want 3", len(list))
	}
	if list[0].ID != v3.ID || list[0].Branch != "alt" {
		t.Errorf("newest entry = %+v, want v3 on alt", list[0])
	}
	if list[1].ID != v2.ID || list[1].Branch != "main" {
		t.Errorf("inherited entry = %+v, want v2 on main", list[1])
	}
}

func TestDuplicateBranchName(t *testing.T) {
	eng := createTestEngine(t)
	if _, err := eng.CreateBranch("alt"); err != nil {
		t.Fatal(err)
	}
	_, err := eng.CreateBranch("alt")
	if kind := kindOf(t, err); kind != engine.KindConflict {
		t.Errorf("kind = %s, want Conflict", kind)
	}
	_, err = eng.CreateBranch("main")
	if kind := kindOf(t, err); kind != engine.KindConflict {
		t.Errorf("kind = %s, want Conflict", kind)
	}
}

func TestSwitchBranch(t *testing.T) {
	eng := createTestEngine(t)

	v1, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateBranch("alt"); err != nil {
		t.Fatal(err)
	}
	v2, err := eng.CreateCheckpoint("v2", fileV2())
	if err != nil {
		t.Fatal(err)
	}

	tip, err := eng.SwitchBranch("main")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if tip != v1.ID {
		t.Errorf("main tip = %s, want %s", tip, v1.ID)
	}
	state, _ := eng.CurrentState()
	if state.Branch != "main" || state.CheckpointID != v1.ID {
		t.Errorf("state after switch = %+v", state)
	}

	tip, err = eng.SwitchBranch("alt")
	if err != nil {
		t.Fatal(err)
	}
	if tip != v2.ID {
		t.Errorf("alt tip = %s, want %s", tip, v2.ID)
	}

	_, err = eng.SwitchBranch("nope")
	if kind := kindOf(t, err); kind != engine.KindNotFound {
		t.Errorf("kind = %s, want NotFound", kind)
	}
}

func TestDeleteBranchIsolation(t *testing.T) {
	eng := createTestEngine(t)

	v1, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateBranch("alt"); err != nil {
		t.Fatal(err)
	}
	v2, err := eng.CreateCheckpoint("v2", fileV2())
	if err != nil {
		t.Fatal(err)
	}

	blocksBefore, _ := eng.CountBlocks()

	if _, err := eng.SwitchBranch("main"); err != nil {
		t.Fatal(err)
	}
	if err := eng.DeleteBranch("alt"); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	branches, _ := eng.ListBranches()
	if len(branches) != 1 || branches[0].Name != "main" {
		t.Errorf("branches after delete = %+v", branches)
	}

	// alt's checkpoint is gone; main's survives.
	_, err = eng.ExportCheckpoint(v2.ID)
	if kind := kindOf(t, err); kind != engine.KindNotFound {
		t.Errorf("kind = %s, want NotFound for deleted checkpoint", kind)
	}
	if _, err := eng.ExportCheckpoint(v1.ID); err != nil {
		t.Errorf("main checkpoint lost: %v", err)
	}

	// Blocks unique to the deleted checkpoint stay in the store.
	blocksAfter, _ := eng.CountBlocks()
	if blocksAfter != blocksBefore {
		t.Errorf("block rows changed from %d to %d on branch delete", blocksBefore, blocksAfter)
	}
}

func TestDeleteMainForbidden(t *testing.T) {
	eng := createTestEngine(t)
	if _, err := eng.CreateCheckpoint("v1", fileV1()); err != nil {
		t.Fatal(err)
	}

	err := eng.DeleteBranch("main")
	if kind := kindOf(t, err); kind != engine.KindForbidden {
		t.Errorf("kind = %s, want Forbidden", kind)
	}

	// Nothing mutated.
	list, _ := eng.ListCheckpoints("main")
	if len(list) != 1 {
		t.Error("forbidden delete mutated checkpoints")
	}
	branches, _ := eng.ListBranches()
	if len(branches) != 1 {
		t.Error("forbidden delete mutated branches")
	}
}

func TestDeleteActiveBranchRejected(t *testing.T) {
	eng := createTestEngine(t)
	if _, err := eng.CreateBranch("alt"); err != nil {
		t.Fatal(err)
	}
	err := eng.DeleteBranch("alt")
	if kind := kindOf(t, err); kind != engine.KindConflict {
		t.Errorf("kind = %s, want Conflict for deleting the active branch", kind)
	}
}

func TestDeleteUnknownBranch(t *testing.T) {
	eng := createTestEngine(t)
	err := eng.DeleteBranch("ghost")
	if kind := kindOf(t, err); kind != engine.KindNotFound {
		t.Errorf("kind = %s, want NotFound", kind)
	}
}

func TestRestoreSwitchesToOwningBranch(t *testing.T) {
	eng := createTestEngine(t)

	v1, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateBranch("alt"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateCheckpoint("v2", fileV2()); err != nil {
		t.Fatal(err)
	}

	// v1 is owned by main; restoring it moves the active branch back.
	if _, err := eng.RestoreCheckpoint(v1.ID); err != nil {
		t.Fatal(err)
	}
	state, _ := eng.CurrentState()
	if state.Branch != "main" || state.CheckpointID != v1.ID {
		t.Errorf("state after restore = %+v, want main at v1", state)
	}
}

func TestOpenMissingStore(t *testing.T) {
	_, err := engine.Open(filepath.Join(t.TempDir(), "ghost.timeline"), engine.Options{})
	if kind := kindOf(t, err); kind != engine.KindNotFound {
		t.Errorf("kind = %s, want NotFound", kind)
	}
}

func TestReopenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.timeline")
	eng, err := engine.Create(path, engine.Options{Author: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	v1, err := eng.CreateCheckpoint("v1", fileV1())
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := engine.Open(path, engine.Options{Author: "tester"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()

	restored, err := reopened.ExportCheckpoint(v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, fileV1()) {
		t.Error("restored bytes differ after reopen")
	}
	state, _ := reopened.CurrentState()
	if state.CheckpointID != v1.ID {
		t.Errorf("persisted state = %+v", state)
	}
}

func TestErrorKinds(t *testing.T) {
	err := engine.E(engine.KindForbidden, "nope", nil)
	if engine.KindOf(err) != engine.KindForbidden {
		t.Error("KindOf lost the kind")
	}
	wrapped := errors.Join(errors.New("outer"), err)
	if engine.KindOf(wrapped) != engine.KindForbidden {
		t.Error("KindOf does not see through wrapping")
	}
	if engine.KindOf(errors.New("plain")) != engine.KindStorageError {
		t.Error("unclassified errors should default to StorageError")
	}
}
