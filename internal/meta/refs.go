package meta

import (
	"context"
	"fmt"

	"github.com/castore/castore/internal/block"
)

// Reference records that a block is part number Part of the object
// (Bucket, Name) uploaded under Session. Many references may point at the
// same block; that is the whole point of deduplication.
type Reference struct {
	Block   block.ID
	Bucket  string
	Name    string // full object key, parent path included
	Session string
	Part    int
}

// UpsertReference records ref, replacing any reference previously recorded
// for the same (bucket, name, session, part). It returns the IDs of blocks
// the replaced references pointed at (excluding ref.Block itself) so the
// caller can reclaim them if they became unreferenced.
//
// Re-uploading the same part must replace, not accumulate: a duplicate
// reference row would duplicate the part's bytes on reassembly.
func (t *Tx) UpsertReference(ctx context.Context, ref Reference) ([]block.ID, error) {
	const sel = `SELECT DISTINCT block FROM block_references
		WHERE bucket = ? AND name = ? AND session = ? AND part = ? AND block <> ?`

	rows, err := t.tx.QueryContext(ctx, sel, ref.Bucket, ref.Name, ref.Session, ref.Part, ref.Block[:])
	if err != nil {
		return nil, fmt.Errorf("query replaced references: %w", err)
	}
	var replaced []block.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan block id: %w", err)
		}
		id, err := block.FromBytes(raw)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		replaced = append(replaced, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	const del = `DELETE FROM block_references
		WHERE bucket = ? AND name = ? AND session = ? AND part = ? AND block <> ?`
	if _, err := t.tx.ExecContext(ctx, del, ref.Bucket, ref.Name, ref.Session, ref.Part, ref.Block[:]); err != nil {
		return nil, fmt.Errorf("delete replaced references: %w", err)
	}

	// Re-uploading the identical bytes for the same part is a no-op.
	const ins = `INSERT INTO block_references (block, bucket, name, session, part)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, ins, ref.Block[:], ref.Bucket, ref.Name, ref.Session, ref.Part); err != nil {
		return nil, fmt.Errorf("insert reference: %w", err)
	}

	return replaced, nil
}

// ObjectReferences returns every reference for (bucket, name) in reassembly
// order: ascending part number, ties broken by session for determinism.
// Part numbers need not be contiguous or start at 1.
func (d *DB) ObjectReferences(ctx context.Context, bucket, name string) ([]Reference, error) {
	const q = `SELECT block, session, part FROM block_references
		WHERE bucket = ? AND name = ? ORDER BY part ASC, session ASC`

	rows, err := d.db.QueryContext(ctx, q, bucket, name)
	if err != nil {
		return nil, fmt.Errorf("query object references: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []Reference
	for rows.Next() {
		ref := Reference{Bucket: bucket, Name: name}
		var raw []byte
		if err := rows.Scan(&raw, &ref.Session, &ref.Part); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		ref.Block, err = block.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteReference removes a single reference row.
func (d *DB) DeleteReference(ctx context.Context, ref Reference) error {
	const q = `DELETE FROM block_references
		WHERE block = ? AND bucket = ? AND name = ? AND session = ? AND part = ?`
	if _, err := d.db.ExecContext(ctx, q, ref.Block[:], ref.Bucket, ref.Name, ref.Session, ref.Part); err != nil {
		return fmt.Errorf("delete reference: %w", err)
	}
	return nil
}

// CountBlockReferences returns how many references remain to the block
// across all objects and buckets.
func (d *DB) CountBlockReferences(ctx context.Context, id block.ID) (int, error) {
	const q = `SELECT COUNT(*) FROM block_references WHERE block = ?`
	var n int
	if err := d.db.QueryRowContext(ctx, q, id[:]).Scan(&n); err != nil {
		return 0, fmt.Errorf("count block references: %w", err)
	}
	return n, nil
}
