// Package command exposes the engine as a flat set of named operations with
// structured payloads, for the host-application plugin to invoke.
package command

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bkrmendy/cg-timeline/internal/config"
	"github.com/bkrmendy/cg-timeline/internal/engine"
	"github.com/bkrmendy/cg-timeline/internal/store"
)

// Request is one command invocation: a tag plus command-specific arguments.
type Request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the command result envelope.
type Response struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody reports a failed command.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ----- Argument and result DTOs -----

type PathArgs struct {
	Path string `json:"path"`
}

type CreateCheckpointArgs struct {
	Name string `json:"name"`
	// Bytes is the raw project file, base64 inside JSON.
	Bytes []byte `json:"bytes"`
}

type CheckpointIDArgs struct {
	ID string `json:"id"`
}

type BranchNameArgs struct {
	Name string `json:"name"`
}

type ListCheckpointsArgs struct {
	Branch string `json:"branch"`
}

type CheckpointEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Author    string `json:"author"`
	Parent    string `json:"parent,omitempty"`
	Branch    string `json:"branch"`
	CreatedAt int64  `json:"createdAt"`
}

type BranchEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tip  string `json:"tip,omitempty"`
}

type CreateCheckpointResult struct {
	ID string `json:"id"`
}

type BytesResult struct {
	Bytes []byte `json:"bytes"`
}

type SwitchBranchResult struct {
	TipID string `json:"tipId,omitempty"`
}

type CurrentStateResult struct {
	Branch     string `json:"branch"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

// ConnectResult summarizes the store after open/create, mirroring what the
// host plugin renders on connect.
type ConnectResult struct {
	Branches          []BranchEntry     `json:"branches"`
	CurrentBranch     string            `json:"currentBranch"`
	CurrentCheckpoint string            `json:"currentCheckpoint,omitempty"`
	Checkpoints       []CheckpointEntry `json:"checkpoints"`
}

// Dispatcher routes requests to an engine. A store must be opened or
// created before any other command.
type Dispatcher struct {
	cfg *config.Config
	log *logrus.Logger
	eng *engine.Engine
}

// NewDispatcher creates a Dispatcher with no open store.
func NewDispatcher(cfg *config.Config, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, log: log}
}

// Close releases the open engine, if any.
func (d *Dispatcher) Close() error {
	if d.eng == nil {
		return nil
	}
	err := d.eng.Close()
	d.eng = nil
	return err
}

// Handle decodes a JSON request, runs it, and encodes the response.
func (d *Dispatcher) Handle(payload []byte) []byte {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return mustMarshal(errResponse(engine.KindMalformedFile, fmt.Sprintf("decoding request: %v", err)))
	}
	return mustMarshal(d.Do(req))
}

// Do runs one decoded request.
func (d *Dispatcher) Do(req Request) Response {
	switch req.Command {
	case "open_store":
		return d.openStore(req.Args, false)
	case "create_store":
		return d.openStore(req.Args, true)
	}

	if d.eng == nil {
		return errResponse(engine.KindNotFound, "no store is open")
	}

	switch req.Command {
	case "create_checkpoint":
		return d.createCheckpoint(req.Args)
	case "list_checkpoints":
		return d.listCheckpoints(req.Args)
	case "restore_checkpoint":
		return d.restoreCheckpoint(req.Args)
	case "export_checkpoint":
		return d.exportCheckpoint(req.Args)
	case "list_branches":
		return d.listBranches()
	case "create_branch":
		return d.createBranch(req.Args)
	case "switch_branch":
		return d.switchBranch(req.Args)
	case "delete_branch":
		return d.deleteBranch(req.Args)
	case "current_state":
		return d.currentState()
	default:
		return errResponse(engine.KindNotFound, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (d *Dispatcher) engineOptions() engine.Options {
	return engine.Options{
		Author: d.cfg.Author,
		Logger: d.log,
		Store:  store.Options{CompressionLevel: d.cfg.CompressionLevel},
	}
}

func (d *Dispatcher) openStore(args json.RawMessage, create bool) Response {
	var a PathArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}

	var (
		eng *engine.Engine
		err error
	)
	if create {
		eng, err = engine.Create(a.Path, d.engineOptions())
	} else {
		eng, err = engine.Open(a.Path, d.engineOptions())
	}
	if err != nil {
		return errFrom(err)
	}

	if d.eng != nil {
		d.eng.Close()
	}
	d.eng = eng

	state, err := eng.CurrentState()
	if err != nil {
		return errFrom(err)
	}
	branches, err := eng.ListBranches()
	if err != nil {
		return errFrom(err)
	}
	checkpoints, err := eng.ListCheckpoints(state.Branch)
	if err != nil {
		return errFrom(err)
	}

	result := ConnectResult{
		CurrentBranch:     state.Branch,
		CurrentCheckpoint: state.CheckpointID,
		Checkpoints:       checkpointEntries(checkpoints),
	}
	for _, b := range branches {
		result.Branches = append(result.Branches, BranchEntry{ID: b.ID, Name: b.Name, Tip: b.TipID})
	}
	return okResponse(result)
}

func (d *Dispatcher) createCheckpoint(args json.RawMessage) Response {
	var a CreateCheckpointArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	info, err := d.eng.CreateCheckpoint(a.Name, a.Bytes)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(CreateCheckpointResult{ID: info.ID})
}

func (d *Dispatcher) listCheckpoints(args json.RawMessage) Response {
	var a ListCheckpointsArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	infos, err := d.eng.ListCheckpoints(a.Branch)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(checkpointEntries(infos))
}

func (d *Dispatcher) restoreCheckpoint(args json.RawMessage) Response {
	var a CheckpointIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	data, err := d.eng.RestoreCheckpoint(a.ID)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(BytesResult{Bytes: data})
}

func (d *Dispatcher) exportCheckpoint(args json.RawMessage) Response {
	var a CheckpointIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	data, err := d.eng.ExportCheckpoint(a.ID)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(BytesResult{Bytes: data})
}

func (d *Dispatcher) listBranches() Response {
	branches, err := d.eng.ListBranches()
	if err != nil {
		return errFrom(err)
	}
	entries := make([]BranchEntry, 0, len(branches))
	for _, b := range branches {
		entries = append(entries, BranchEntry{ID: b.ID, Name: b.Name, Tip: b.TipID})
	}
	return okResponse(entries)
}

func (d *Dispatcher) createBranch(args json.RawMessage) Response {
	var a BranchNameArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	info, err := d.eng.CreateBranch(a.Name)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(BranchEntry{ID: info.ID, Name: info.Name, Tip: info.TipID})
}

func (d *Dispatcher) switchBranch(args json.RawMessage) Response {
	var a BranchNameArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	tip, err := d.eng.SwitchBranch(a.Name)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(SwitchBranchResult{TipID: tip})
}

func (d *Dispatcher) deleteBranch(args json.RawMessage) Response {
	var a BranchNameArgs
	if err := decodeArgs(args, &a); err != nil {
		return errFrom(err)
	}
	if err := d.eng.DeleteBranch(a.Name); err != nil {
		return errFrom(err)
	}
	return okResponse(struct{}{})
}

func (d *Dispatcher) currentState() Response {
	state, err := d.eng.CurrentState()
	if err != nil {
		return errFrom(err)
	}
	return okResponse(CurrentStateResult{Branch: state.Branch, Checkpoint: state.CheckpointID})
}

// ----- Helpers -----

func checkpointEntries(infos []*engine.CheckpointInfo) []CheckpointEntry {
	entries := make([]CheckpointEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, CheckpointEntry{
			ID:        info.ID,
			Name:      info.Name,
			Author:    info.Author,
			Parent:    info.ParentID,
			Branch:    info.Branch,
			CreatedAt: info.CreatedAt,
		})
	}
	return entries
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return engine.E(engine.KindMalformedFile, "missing command arguments", nil)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return engine.E(engine.KindMalformedFile, "decoding command arguments", err)
	}
	return nil
}

func okResponse(result any) Response {
	return Response{OK: true, Result: result}
}

func errResponse(kind engine.Kind, message string) Response {
	return Response{OK: false, Error: &ErrorBody{Kind: string(kind), Message: message}}
}

func errFrom(err error) Response {
	return errResponse(engine.KindOf(err), err.Error())
}

func mustMarshal(resp Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// Responses are built from plain structs; this cannot fail.
		return []byte(`{"ok":false,"error":{"kind":"StorageError","message":"encoding response"}}`)
	}
	return out
}
