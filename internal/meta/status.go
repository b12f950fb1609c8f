package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/castore/castore/internal/block"
)

// BlockStatus is the lifecycle state of a block. "Absent" is represented by
// the row not existing at all, meaning the block is fully reclaimed.
type BlockStatus string

const (
	StatusUploading BlockStatus = "UPLOADING"
	StatusOnline    BlockStatus = "ONLINE"
	StatusRemoving  BlockStatus = "REMOVING"
)

// RegisterBlock performs the absent -> UPLOADING transition. It reports
// false without error when a status row already exists: a second writer of
// the same content observes the existing record and proceeds to add its own
// reference instead of recreating the block.
func (d *DB) RegisterBlock(ctx context.Context, id block.ID) (bool, error) {
	const q = `INSERT INTO block_status (block, status, ts) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	ok, err := applied(d.db.ExecContext(ctx, q, id[:], StatusUploading, time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("register block: %w", err)
	}
	return ok, nil
}

// TransitionBlock performs a conditional status update guarded on the
// current state, reporting whether it was applied.
func (d *DB) TransitionBlock(ctx context.Context, id block.ID, from, to BlockStatus) (bool, error) {
	const q = `UPDATE block_status SET status = ?, ts = ? WHERE block = ? AND status = ?`
	ok, err := applied(d.db.ExecContext(ctx, q, to, time.Now().UTC(), id[:], from))
	if err != nil {
		return false, fmt.Errorf("transition block %s -> %s: %w", from, to, err)
	}
	return ok, nil
}

// BlockState returns the current status of a block, with found=false when
// no record exists (the block is absent).
func (d *DB) BlockState(ctx context.Context, id block.ID) (BlockStatus, bool, error) {
	const q = `SELECT status FROM block_status WHERE block = ?`
	var status BlockStatus
	err := d.db.QueryRowContext(ctx, q, id[:]).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query block status: %w", err)
	}
	return status, true, nil
}

// DeleteBlockStatus removes the status record, completing the
// REMOVING -> absent transition. Called only after the physical bytes are
// gone.
func (d *DB) DeleteBlockStatus(ctx context.Context, id block.ID) error {
	const q = `DELETE FROM block_status WHERE block = ?`
	if _, err := d.db.ExecContext(ctx, q, id[:]); err != nil {
		return fmt.Errorf("delete block status: %w", err)
	}
	return nil
}

// StaleUploading returns blocks that have been sitting in UPLOADING since
// before the cutoff. These are the leftovers of writers that crashed or
// disconnected mid-upload.
func (d *DB) StaleUploading(ctx context.Context, cutoff time.Time) ([]block.ID, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT block FROM block_status WHERE status = ? AND ts <= ?`,
		StatusUploading, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale uploading blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []block.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan block id: %w", err)
		}
		id, err := block.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
