// Package store provides SQLite-backed storage for a timeline: blocks,
// checkpoints, branches, the current-state row and store metadata.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// SchemaVersion is bumped on incompatible schema changes.
const SchemaVersion = "1"

// MainBranchName is the distinguished branch every store carries.
const MainBranchName = "main"

const (
	metaSchemaVersion = "schema_version"
	metaProjectID     = "project_id"
	metaLastModTime   = "last_mod_time"
)

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrBranchExists       = errors.New("branch name already exists")
	ErrNotInitialized     = errors.New("store not initialized")
	ErrSchemaMismatch     = errors.New("incompatible store schema version")
)

// Options tune a store connection.
type Options struct {
	// CompressionLevel is the zstd level for block payloads and
	// blocks-and-pointers blobs. Zero means the zstd default.
	CompressionLevel int
}

// DB wraps a SQLite connection for one timeline store.
type DB struct {
	conn *sql.DB
	path string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// BlockRow is a stored canonicalized block. Payload is uncompressed in
// memory; compression is applied transparently at the table boundary.
type BlockRow struct {
	Hash      []byte
	Code      []byte
	Size      int32
	SDNAIndex uint32
	Count     uint32
	Payload   []byte
}

// CheckpointRow is a stored checkpoint.
type CheckpointRow struct {
	Hash       []byte
	Name       string
	Author     string
	ParentHash []byte // nil for the first checkpoint of a lineage
	BranchID   string
	CreatedAt  int64
	Header     []byte
	Entries    []Entry
}

// Branch is a named lineage.
type Branch struct {
	ID      string
	Name    string
	TipHash []byte // nil when the branch is empty
}

// Current is the singleton active-state row.
type Current struct {
	BranchID       string
	CheckpointHash []byte // nil in a fresh store
}

// Create initializes a store at path and returns an open connection. A
// fresh store carries the main branch and an empty current row. Creating
// over an already-initialized store is an error.
func Create(path string, opts Options) (*DB, error) {
	db, err := open(path, opts)
	if err != nil {
		return nil, err
	}

	var existing string
	err = db.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaSchemaVersion).Scan(&existing)
	if err == nil {
		db.Close()
		return nil, fmt.Errorf("store already initialized at %s", path)
	}
	if err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("checking store version: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("beginning init transaction: %w", err)
	}
	defer tx.Rollback()

	mainID := uuid.NewString()
	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, metaSchemaVersion, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("writing schema version: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, metaProjectID, uuid.NewString()); err != nil {
		db.Close()
		return nil, fmt.Errorf("writing project id: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO branches (id, name, tip_hash) VALUES (?, ?, NULL)`, mainID, MainBranchName); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating main branch: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO current (id, branch_id, checkpoint_hash) VALUES (1, ?, NULL)`, mainID); err != nil {
		db.Close()
		return nil, fmt.Errorf("writing current state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fmt.Errorf("committing init: %w", err)
	}
	return db, nil
}

// Open opens an existing store, verifying its schema version.
func Open(path string, opts Options) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, path)
	}
	db, err := open(path, opts)
	if err != nil {
		return nil, err
	}

	var version string
	err = db.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaSchemaVersion).Scan(&version)
	if err == sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, path)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("%w: store has %s, supported is %s", ErrSchemaMismatch, version, SchemaVersion)
	}
	return db, nil
}

func open(path string, opts Options) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	level := zstd.SpeedDefault
	if opts.CompressionLevel != 0 {
		level = zstd.EncoderLevelFromZstd(opts.CompressionLevel)
	}
	// Zero frames make an empty payload (the terminator block) encode to a
	// non-empty blob, so it is stored rather than bound as NULL.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithZeroFrames(true))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &DB{conn: conn, path: path, enc: enc, dec: dec}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.enc.Close()
	db.dec.Close()
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// BeginTx starts a new transaction.
func (db *DB) BeginTx() (*sql.Tx, error) {
	return db.conn.Begin()
}

func (db *DB) compress(data []byte) []byte {
	return db.enc.EncodeAll(data, nil)
}

func (db *DB) decompress(data []byte) ([]byte, error) {
	return db.dec.DecodeAll(data, nil)
}

// ----- Blocks -----

// InsertBlock stores a canonicalized block. Re-inserting an existing hash
// is a no-op.
func (db *DB) InsertBlock(tx *sql.Tx, row *BlockRow) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO blocks (hash, code, size, sdna_index, count, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.Hash, row.Code, row.Size, row.SDNAIndex, row.Count, db.compress(row.Payload),
	)
	if err != nil {
		return fmt.Errorf("inserting block: %w", err)
	}
	return nil
}

// HasBlock checks whether a block hash is present.
func (db *DB) HasBlock(hash []byte) (bool, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM blocks WHERE hash = ?`, hash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking block: %w", err)
	}
	return count > 0, nil
}

// GetBlock retrieves a block by hash, decompressing its payload.
func (db *DB) GetBlock(hash []byte) (*BlockRow, error) {
	var row BlockRow
	var compressed []byte
	err := db.conn.QueryRow(
		`SELECT hash, code, size, sdna_index, count, payload FROM blocks WHERE hash = ?`, hash,
	).Scan(&row.Hash, &row.Code, &row.Size, &row.SDNAIndex, &row.Count, &compressed)
	if err == sql.ErrNoRows {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying block: %w", err)
	}
	row.Payload, err = db.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing block payload: %w", err)
	}
	return &row, nil
}

// CountBlocks returns the number of stored block rows.
func (db *DB) CountBlocks() (int64, error) {
	var count int64
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM blocks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting blocks: %w", err)
	}
	return count, nil
}

// ----- Checkpoints -----

// InsertCheckpoint stores a checkpoint row.
func (db *DB) InsertCheckpoint(tx *sql.Tx, row *CheckpointRow) error {
	encoded, err := EncodeEntries(row.Entries)
	if err != nil {
		return fmt.Errorf("encoding blocks and pointers: %w", err)
	}
	var parent any
	if len(row.ParentHash) > 0 {
		parent = row.ParentHash
	}
	_, err = tx.Exec(
		`INSERT INTO checkpoints (hash, name, author, parent_hash, branch_id, created_at, header, blocks_and_pointers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Hash, row.Name, row.Author, parent, row.BranchID, row.CreatedAt, row.Header, db.compress(encoded),
	)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by hash, decoding its
// blocks-and-pointers list.
func (db *DB) GetCheckpoint(hash []byte) (*CheckpointRow, error) {
	var row CheckpointRow
	var compressed []byte
	err := db.conn.QueryRow(
		`SELECT hash, name, author, parent_hash, branch_id, created_at, header, blocks_and_pointers
		 FROM checkpoints WHERE hash = ?`, hash,
	).Scan(&row.Hash, &row.Name, &row.Author, &row.ParentHash, &row.BranchID, &row.CreatedAt, &row.Header, &compressed)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	encoded, err := db.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing blocks and pointers: %w", err)
	}
	row.Entries, err = DecodeEntries(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding blocks and pointers: %w", err)
	}
	return &row, nil
}

// HasCheckpoint checks whether a checkpoint hash is present.
func (db *DB) HasCheckpoint(hash []byte) (bool, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE hash = ?`, hash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking checkpoint: %w", err)
	}
	return count > 0, nil
}

// CheckpointSummary is checkpoint metadata without the block list.
type CheckpointSummary struct {
	Hash       []byte
	Name       string
	Author     string
	ParentHash []byte
	BranchID   string
	CreatedAt  int64
}

// GetCheckpointSummary retrieves checkpoint metadata without decoding the
// blocks-and-pointers blob.
func (db *DB) GetCheckpointSummary(hash []byte) (*CheckpointSummary, error) {
	var row CheckpointSummary
	err := db.conn.QueryRow(
		`SELECT hash, name, author, parent_hash, branch_id, created_at FROM checkpoints WHERE hash = ?`, hash,
	).Scan(&row.Hash, &row.Name, &row.Author, &row.ParentHash, &row.BranchID, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	return &row, nil
}

// DeleteCheckpointsForBranch removes every checkpoint owned by a branch.
// Blocks are never deleted.
func (db *DB) DeleteCheckpointsForBranch(tx *sql.Tx, branchID string) error {
	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE branch_id = ?`, branchID); err != nil {
		return fmt.Errorf("deleting checkpoints of branch: %w", err)
	}
	return nil
}

// ----- Branches -----

// InsertBranch creates a branch row. A duplicate name is ErrBranchExists.
func (db *DB) InsertBranch(tx *sql.Tx, b *Branch) error {
	var tip any
	if len(b.TipHash) > 0 {
		tip = b.TipHash
	}
	_, err := tx.Exec(`INSERT INTO branches (id, name, tip_hash) VALUES (?, ?, ?)`, b.ID, b.Name, tip)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrBranchExists, b.Name)
		}
		return fmt.Errorf("inserting branch: %w", err)
	}
	return nil
}

// GetBranchByName retrieves a branch by its display name.
func (db *DB) GetBranchByName(name string) (*Branch, error) {
	return db.getBranch(`SELECT id, name, tip_hash FROM branches WHERE name = ?`, name)
}

// GetBranchByID retrieves a branch by id.
func (db *DB) GetBranchByID(id string) (*Branch, error) {
	return db.getBranch(`SELECT id, name, tip_hash FROM branches WHERE id = ?`, id)
}

func (db *DB) getBranch(query string, arg any) (*Branch, error) {
	var b Branch
	err := db.conn.QueryRow(query, arg).Scan(&b.ID, &b.Name, &b.TipHash)
	if err == sql.ErrNoRows {
		return nil, ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch: %w", err)
	}
	return &b, nil
}

// ListBranches returns all branches ordered by name.
func (db *DB) ListBranches() ([]*Branch, error) {
	rows, err := db.conn.Query(`SELECT id, name, tip_hash FROM branches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.TipHash); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		branches = append(branches, &b)
	}
	return branches, rows.Err()
}

// SetBranchTip moves a branch tip.
func (db *DB) SetBranchTip(tx *sql.Tx, branchID string, tip []byte) error {
	var value any
	if len(tip) > 0 {
		value = tip
	}
	res, err := tx.Exec(`UPDATE branches SET tip_hash = ? WHERE id = ?`, value, branchID)
	if err != nil {
		return fmt.Errorf("updating branch tip: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBranchNotFound
	}
	return nil
}

// DeleteBranch removes a branch row.
func (db *DB) DeleteBranch(tx *sql.Tx, branchID string) error {
	if _, err := tx.Exec(`DELETE FROM branches WHERE id = ?`, branchID); err != nil {
		return fmt.Errorf("deleting branch: %w", err)
	}
	return nil
}

// ----- Current state -----

// SetCurrent updates the singleton active-state row.
func (db *DB) SetCurrent(tx *sql.Tx, branchID string, checkpointHash []byte) error {
	var cp any
	if len(checkpointHash) > 0 {
		cp = checkpointHash
	}
	_, err := tx.Exec(
		`INSERT INTO current (id, branch_id, checkpoint_hash) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET branch_id=excluded.branch_id, checkpoint_hash=excluded.checkpoint_hash`,
		branchID, cp,
	)
	if err != nil {
		return fmt.Errorf("updating current state: %w", err)
	}
	return nil
}

// GetCurrent reads the singleton active-state row.
func (db *DB) GetCurrent() (*Current, error) {
	var cur Current
	err := db.conn.QueryRow(`SELECT branch_id, checkpoint_hash FROM current WHERE id = 1`).
		Scan(&cur.BranchID, &cur.CheckpointHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("querying current state: %w", err)
	}
	return &cur, nil
}

// ----- Meta -----

// SetMeta upserts a metadata key.
func (db *DB) SetMeta(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// GetMeta reads a metadata key; ok is false when absent.
func (db *DB) GetMeta(key string) (value string, ok bool, err error) {
	err = db.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, true, nil
}

// ProjectID returns the store's project identifier.
func (db *DB) ProjectID() (string, error) {
	id, ok, err := db.GetMeta(metaProjectID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return id, nil
}

// SetLastModTime records when the timeline was last modified, in Unix seconds.
func (db *DB) SetLastModTime(tx *sql.Tx, unixSeconds int64) error {
	return db.SetMeta(tx, metaLastModTime, fmt.Sprintf("%d", unixSeconds))
}
