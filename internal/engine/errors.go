package engine

import (
	"errors"
	"fmt"

	"github.com/bkrmendy/cg-timeline/internal/blend"
	"github.com/bkrmendy/cg-timeline/internal/store"
)

// Kind classifies engine failures for callers. The command surface reports
// kinds verbatim.
type Kind string

const (
	// KindMalformedFile is a parse failure, bounds violation, or unknown
	// pointer width in the project file.
	KindMalformedFile Kind = "MalformedFile"
	// KindNotFound is a missing checkpoint, branch, or store.
	KindNotFound Kind = "NotFound"
	// KindConflict is a duplicate branch name or a delete of the branch in use.
	KindConflict Kind = "Conflict"
	// KindForbidden is an attempt to delete the main branch.
	KindForbidden Kind = "Forbidden"
	// KindCorruptStore is a checkpoint referencing an absent block, or a
	// parent chain that cycles. Not recoverable within a session.
	KindCorruptStore Kind = "CorruptStore"
	// KindStorageError is an underlying I/O or transaction failure.
	KindStorageError Kind = "StorageError"
	// KindSchemaMismatch is an incompatible store version.
	KindSchemaMismatch Kind = "SchemaMismatch"
)

// Error carries a failure kind plus a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// StorageError for unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageError
}

// wrapStore classifies an error coming out of the persistence layer.
func wrapStore(err error, message string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrBlockNotFound):
		return E(KindCorruptStore, message, err)
	case errors.Is(err, store.ErrCheckpointNotFound),
		errors.Is(err, store.ErrBranchNotFound),
		errors.Is(err, store.ErrNotInitialized):
		return E(KindNotFound, message, err)
	case errors.Is(err, store.ErrBranchExists):
		return E(KindConflict, message, err)
	case errors.Is(err, store.ErrSchemaMismatch):
		return E(KindSchemaMismatch, message, err)
	default:
		return E(KindStorageError, message, err)
	}
}

// wrapParse classifies a codec failure.
func wrapParse(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, blend.ErrBadFixup) {
		// Recorded fixups that no longer fit their block indicate store
		// corruption on restore; during parse they reject the input file.
		return E(KindMalformedFile, "canonicalizing project file", err)
	}
	return E(KindMalformedFile, "parsing project file", err)
}
