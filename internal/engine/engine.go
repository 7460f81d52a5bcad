// Package engine orchestrates checkpoint creation and restoration, branch
// management, and ancestry traversal over a timeline store.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bkrmendy/cg-timeline/internal/blend"
	"github.com/bkrmendy/cg-timeline/internal/cas"
	"github.com/bkrmendy/cg-timeline/internal/store"
)

// Engine runs all timeline operations against one open store. Operations
// are synchronous and serialized by the single caller.
type Engine struct {
	db     *store.DB
	log    *logrus.Logger
	author string
}

// Options configure an Engine.
type Options struct {
	// Author is recorded on every checkpoint this engine creates.
	Author string
	// Logger receives structured progress events; nil means a silent logger.
	Logger *logrus.Logger
	// Store options are passed through on open/create.
	Store store.Options
}

func (o Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// Open opens an existing store at path.
func Open(path string, opts Options) (*Engine, error) {
	db, err := store.Open(path, opts.Store)
	if err != nil {
		return nil, wrapStore(err, "opening store")
	}
	return &Engine{db: db, log: opts.logger(), author: opts.Author}, nil
}

// Create initializes a new store at path.
func Create(path string, opts Options) (*Engine, error) {
	db, err := store.Create(path, opts.Store)
	if err != nil {
		return nil, wrapStore(err, "creating store")
	}
	return &Engine{db: db, log: opts.logger(), author: opts.Author}, nil
}

// Close releases the store connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

// CheckpointInfo is checkpoint metadata returned to callers.
type CheckpointInfo struct {
	ID        string
	Name      string
	Author    string
	ParentID  string // empty for an initial checkpoint
	Branch    string
	CreatedAt int64
}

// BranchInfo is branch metadata returned to callers.
type BranchInfo struct {
	ID    string
	Name  string
	TipID string // empty when the branch has no checkpoints
}

// State is the active branch and checkpoint.
type State struct {
	Branch       string
	CheckpointID string // empty in a fresh store
}

// CreateCheckpoint snapshots the given project file bytes under the active
// branch. Creating a checkpoint of a file already checkpointed anywhere in
// the store returns the existing checkpoint unchanged.
func (e *Engine) CreateCheckpoint(name string, data []byte) (*CheckpointInfo, error) {
	start := time.Now()
	fileHash := cas.Hash(data)

	exists, err := e.db.HasCheckpoint(fileHash)
	if err != nil {
		return nil, wrapStore(err, "checking checkpoint")
	}
	if exists {
		e.log.WithField("id", cas.BytesToHex(fileHash)).Debug("checkpoint already exists")
		summary, err := e.db.GetCheckpointSummary(fileHash)
		if err != nil {
			return nil, wrapStore(err, "reading existing checkpoint")
		}
		return e.summaryInfo(summary)
	}

	parsed, err := blend.Parse(data)
	if err != nil {
		return nil, wrapParse(err)
	}

	var header bytes.Buffer
	blend.PrintHeader(parsed.Header, &header)

	entries := make([]store.Entry, 0, len(parsed.Blocks))
	rows := make([]*store.BlockRow, 0, len(parsed.Blocks))
	for i := range parsed.Blocks {
		b := &parsed.Blocks[i].Block
		hash := cas.Hash(b.CanonicalBytes(parsed.Header.Endianness))
		entries = append(entries, store.Entry{
			Hash:    hash,
			OldAddr: parsed.Blocks[i].OldAddr,
			Fixups:  parsed.Blocks[i].Fixups,
		})
		rows = append(rows, &store.BlockRow{
			Hash:      hash,
			Code:      b.Code[:],
			Size:      b.Size,
			SDNAIndex: b.SDNAIndex,
			Count:     b.Count,
			Payload:   b.Data,
		})
	}

	cur, err := e.db.GetCurrent()
	if err != nil {
		return nil, wrapStore(err, "reading current state")
	}
	branch, err := e.db.GetBranchByID(cur.BranchID)
	if err != nil {
		return nil, wrapStore(err, "reading active branch")
	}

	// Skip blocks already referenced by the parent before hitting the
	// store; INSERT OR IGNORE remains the backstop.
	known := make(map[string]bool)
	if len(branch.TipHash) > 0 {
		parent, err := e.db.GetCheckpoint(branch.TipHash)
		if err != nil && !errors.Is(err, store.ErrCheckpointNotFound) {
			return nil, wrapStore(err, "reading parent checkpoint")
		}
		if parent != nil {
			for _, entry := range parent.Entries {
				known[string(entry.Hash)] = true
			}
		}
	}

	tx, err := e.db.BeginTx()
	if err != nil {
		return nil, wrapStore(err, "beginning transaction")
	}
	defer tx.Rollback()

	inserted := 0
	for _, row := range rows {
		if known[string(row.Hash)] {
			continue
		}
		if err := e.db.InsertBlock(tx, row); err != nil {
			return nil, wrapStore(err, "writing block")
		}
		inserted++
	}

	now := cas.NowMs()
	row := &store.CheckpointRow{
		Hash:       fileHash,
		Name:       name,
		Author:     e.author,
		ParentHash: branch.TipHash,
		BranchID:   branch.ID,
		CreatedAt:  now,
		Header:     header.Bytes(),
		Entries:    entries,
	}
	if err := e.db.InsertCheckpoint(tx, row); err != nil {
		return nil, wrapStore(err, "writing checkpoint")
	}
	if err := e.db.SetBranchTip(tx, branch.ID, fileHash); err != nil {
		return nil, wrapStore(err, "moving branch tip")
	}
	if err := e.db.SetCurrent(tx, branch.ID, fileHash); err != nil {
		return nil, wrapStore(err, "updating current state")
	}
	if err := e.db.SetLastModTime(tx, now/1000); err != nil {
		return nil, wrapStore(err, "recording modification time")
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStore(err, "committing checkpoint")
	}

	e.log.WithFields(logrus.Fields{
		"id":         cas.BytesToHex(fileHash),
		"branch":     branch.Name,
		"blocks":     len(rows),
		"new_blocks": inserted,
		"took":       time.Since(start),
	}).Info("checkpoint created")

	return &CheckpointInfo{
		ID:        cas.BytesToHex(fileHash),
		Name:      name,
		Author:    e.author,
		ParentID:  cas.BytesToHex(branch.TipHash),
		Branch:    branch.Name,
		CreatedAt: now,
	}, nil
}

// RestoreCheckpoint rebuilds the project file bytes of a checkpoint and
// makes it the current state, switching the active branch to the
// checkpoint's owning branch.
func (e *Engine) RestoreCheckpoint(id string) ([]byte, error) {
	data, row, err := e.rebuild(id)
	if err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx()
	if err != nil {
		return nil, wrapStore(err, "beginning transaction")
	}
	defer tx.Rollback()
	if err := e.db.SetCurrent(tx, row.BranchID, row.Hash); err != nil {
		return nil, wrapStore(err, "updating current state")
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStore(err, "committing current state")
	}
	return data, nil
}

// ExportCheckpoint rebuilds the project file bytes of a checkpoint without
// touching the current state.
func (e *Engine) ExportCheckpoint(id string) ([]byte, error) {
	data, _, err := e.rebuild(id)
	return data, err
}

func (e *Engine) rebuild(id string) ([]byte, *store.CheckpointRow, error) {
	start := time.Now()
	hash, err := cas.HexToBytes(id)
	if err != nil {
		return nil, nil, E(KindNotFound, fmt.Sprintf("invalid checkpoint id %q", id), err)
	}

	row, err := e.db.GetCheckpoint(hash)
	if err != nil {
		return nil, nil, wrapStore(err, "reading checkpoint")
	}

	header, err := blend.ParseHeader(row.Header)
	if err != nil {
		return nil, nil, E(KindCorruptStore, "decoding stored file header", err)
	}

	parsed := &blend.ParsedFile{Header: header}
	for _, entry := range row.Entries {
		block, err := e.db.GetBlock(entry.Hash)
		if err != nil {
			if errors.Is(err, store.ErrBlockNotFound) {
				return nil, nil, E(KindCorruptStore,
					fmt.Sprintf("checkpoint %s references missing block %s", id, cas.BytesToHex(entry.Hash)), err)
			}
			return nil, nil, wrapStore(err, "reading block")
		}
		var code [4]byte
		copy(code[:], block.Code)
		parsed.Blocks = append(parsed.Blocks, blend.BlockWithFixups{
			Block: blend.Block{
				Code:      code,
				Size:      block.Size,
				SDNAIndex: block.SDNAIndex,
				Count:     block.Count,
				Data:      block.Payload,
			},
			OldAddr: entry.OldAddr,
			Fixups:  entry.Fixups,
		})
	}

	var out bytes.Buffer
	if err := blend.Print(parsed, &out); err != nil {
		return nil, nil, E(KindCorruptStore, "reassembling project file", err)
	}

	e.log.WithFields(logrus.Fields{
		"id":     id,
		"blocks": len(row.Entries),
		"bytes":  out.Len(),
		"took":   time.Since(start),
	}).Info("checkpoint rebuilt")

	return out.Bytes(), row, nil
}

// ListCheckpoints walks a branch's lineage from its tip through parent
// links, newest first. Parents are followed across branch boundaries, so a
// forked branch lists its inherited history too.
func (e *Engine) ListCheckpoints(branchName string) ([]*CheckpointInfo, error) {
	branch, err := e.db.GetBranchByName(branchName)
	if err != nil {
		return nil, wrapStore(err, "reading branch")
	}

	var result []*CheckpointInfo
	seen := make(map[string]bool)
	next := branch.TipHash
	for len(next) > 0 {
		if seen[string(next)] {
			return nil, E(KindCorruptStore,
				fmt.Sprintf("checkpoint ancestry cycles at %s", cas.BytesToHex(next)), nil)
		}
		seen[string(next)] = true

		summary, err := e.db.GetCheckpointSummary(next)
		if err != nil {
			if errors.Is(err, store.ErrCheckpointNotFound) {
				return nil, E(KindCorruptStore,
					fmt.Sprintf("ancestry references missing checkpoint %s", cas.BytesToHex(next)), err)
			}
			return nil, wrapStore(err, "reading checkpoint")
		}
		info, err := e.summaryInfo(summary)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
		next = summary.ParentHash
	}
	return result, nil
}

func (e *Engine) summaryInfo(summary *store.CheckpointSummary) (*CheckpointInfo, error) {
	branch, err := e.db.GetBranchByID(summary.BranchID)
	if err != nil {
		return nil, wrapStore(err, "reading owning branch")
	}
	return &CheckpointInfo{
		ID:        cas.BytesToHex(summary.Hash),
		Name:      summary.Name,
		Author:    summary.Author,
		ParentID:  cas.BytesToHex(summary.ParentHash),
		Branch:    branch.Name,
		CreatedAt: summary.CreatedAt,
	}, nil
}

// ListBranches returns all branches ordered by name.
func (e *Engine) ListBranches() ([]*BranchInfo, error) {
	branches, err := e.db.ListBranches()
	if err != nil {
		return nil, wrapStore(err, "listing branches")
	}
	result := make([]*BranchInfo, 0, len(branches))
	for _, b := range branches {
		result = append(result, &BranchInfo{
			ID:    b.ID,
			Name:  b.Name,
			TipID: cas.BytesToHex(b.TipHash),
		})
	}
	return result, nil
}

// CreateBranch forks a new branch from the active branch's position and
// switches to it. The active checkpoint is unchanged.
func (e *Engine) CreateBranch(name string) (*BranchInfo, error) {
	if _, err := e.db.GetBranchByName(name); err == nil {
		return nil, E(KindConflict, fmt.Sprintf("branch %q already exists", name), nil)
	} else if !errors.Is(err, store.ErrBranchNotFound) {
		return nil, wrapStore(err, "checking branch name")
	}

	cur, err := e.db.GetCurrent()
	if err != nil {
		return nil, wrapStore(err, "reading current state")
	}
	active, err := e.db.GetBranchByID(cur.BranchID)
	if err != nil {
		return nil, wrapStore(err, "reading active branch")
	}

	branch := &store.Branch{ID: uuid.NewString(), Name: name, TipHash: active.TipHash}

	tx, err := e.db.BeginTx()
	if err != nil {
		return nil, wrapStore(err, "beginning transaction")
	}
	defer tx.Rollback()
	if err := e.db.InsertBranch(tx, branch); err != nil {
		return nil, wrapStore(err, "creating branch")
	}
	if err := e.db.SetCurrent(tx, branch.ID, cur.CheckpointHash); err != nil {
		return nil, wrapStore(err, "updating current state")
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStore(err, "committing branch")
	}

	e.log.WithFields(logrus.Fields{"branch": name, "fork_of": active.Name}).Info("branch created")
	return &BranchInfo{ID: branch.ID, Name: name, TipID: cas.BytesToHex(branch.TipHash)}, nil
}

// SwitchBranch makes a branch active and moves the current checkpoint to
// its tip. The returned tip id is empty for an empty branch.
func (e *Engine) SwitchBranch(name string) (string, error) {
	branch, err := e.db.GetBranchByName(name)
	if err != nil {
		return "", wrapStore(err, "reading branch")
	}

	tx, err := e.db.BeginTx()
	if err != nil {
		return "", wrapStore(err, "beginning transaction")
	}
	defer tx.Rollback()
	if err := e.db.SetCurrent(tx, branch.ID, branch.TipHash); err != nil {
		return "", wrapStore(err, "updating current state")
	}
	if err := tx.Commit(); err != nil {
		return "", wrapStore(err, "committing switch")
	}
	return cas.BytesToHex(branch.TipHash), nil
}

// DeleteBranch removes a branch and every checkpoint it owns. Blocks stay;
// a later compaction may sweep unreferenced ones. The main branch and the
// active branch cannot be deleted.
func (e *Engine) DeleteBranch(name string) error {
	if name == store.MainBranchName {
		return E(KindForbidden, "the main branch cannot be deleted", nil)
	}

	branch, err := e.db.GetBranchByName(name)
	if err != nil {
		return wrapStore(err, "reading branch")
	}

	cur, err := e.db.GetCurrent()
	if err != nil {
		return wrapStore(err, "reading current state")
	}
	if cur.BranchID == branch.ID {
		return E(KindConflict, fmt.Sprintf("branch %q is active; switch away before deleting", name), nil)
	}

	tx, err := e.db.BeginTx()
	if err != nil {
		return wrapStore(err, "beginning transaction")
	}
	defer tx.Rollback()
	if err := e.db.DeleteCheckpointsForBranch(tx, branch.ID); err != nil {
		return wrapStore(err, "deleting checkpoints")
	}
	if err := e.db.DeleteBranch(tx, branch.ID); err != nil {
		return wrapStore(err, "deleting branch")
	}
	if err := tx.Commit(); err != nil {
		return wrapStore(err, "committing delete")
	}

	e.log.WithField("branch", name).Info("branch deleted")
	return nil
}

// CurrentState reports the active branch and checkpoint.
func (e *Engine) CurrentState() (*State, error) {
	cur, err := e.db.GetCurrent()
	if err != nil {
		return nil, wrapStore(err, "reading current state")
	}
	branch, err := e.db.GetBranchByID(cur.BranchID)
	if err != nil {
		return nil, wrapStore(err, "reading active branch")
	}
	return &State{
		Branch:       branch.Name,
		CheckpointID: cas.BytesToHex(cur.CheckpointHash),
	}, nil
}

// CountBlocks reports the number of stored block rows.
func (e *Engine) CountBlocks() (int64, error) {
	count, err := e.db.CountBlocks()
	if err != nil {
		return 0, wrapStore(err, "counting blocks")
	}
	return count, nil
}
