// Package meta is the transactional metadata store backing locks, block
// lifecycle status, block references and folder indices.
//
// It is built on SQLite. Conditional single-row writes stand in for the
// compare-and-swap primitive the design requires: an
// INSERT ... ON CONFLICT DO NOTHING or a state-guarded UPDATE reports
// whether it was applied through the affected row count, so concurrent
// writers and the reclaimer can race safely on the same rows.
package meta

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver for sql.Open
)

// Schema is the SQL that Open executes. It creates the logical tables if
// they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS block_status (
  block  BLOB PRIMARY KEY NOT NULL,
  status TEXT NOT NULL,
  ts     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS locks (
  parent     TEXT NOT NULL,
  name       TEXT NOT NULL,
  holder     TEXT NOT NULL,
  expires_at TIMESTAMP NOT NULL,
  PRIMARY KEY (parent, name)
);

CREATE TABLE IF NOT EXISTS block_references (
  block   BLOB NOT NULL,
  bucket  TEXT NOT NULL,
  name    TEXT NOT NULL,
  session TEXT NOT NULL,
  part    INTEGER NOT NULL,
  PRIMARY KEY (block, bucket, name, session, part)
);

CREATE INDEX IF NOT EXISTS object_refs_idx ON block_references (bucket, name);

CREATE TABLE IF NOT EXISTS object_folders (
  parent TEXT NOT NULL,
  child  TEXT NOT NULL,
  ts     TIMESTAMP NOT NULL,
  PRIMARY KEY (parent, child)
);

CREATE TABLE IF NOT EXISTS version_folders (
  parent TEXT NOT NULL,
  child  TEXT NOT NULL,
  ts     TIMESTAMP NOT NULL,
  PRIMARY KEY (parent, child)
);

CREATE TABLE IF NOT EXISTS upload_folders (
  parent TEXT NOT NULL,
  child  TEXT NOT NULL,
  ts     TIMESTAMP NOT NULL,
  PRIMARY KEY (parent, child)
);
`

// DB is a handle to the metadata store. It is safe for concurrent use; all
// coordination between request workers happens through its conditional
// writes, never through in-process shared memory.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata store at path.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Tx is a transaction over the metadata store, used where a reference
// mutation and the folder-index entries mirroring it must commit as one
// unit.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// applied converts an exec result into the "was the conditional write
// applied" flag.
func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("counting affected rows: %w", err)
	}
	return aff > 0, nil
}
