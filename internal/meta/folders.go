package meta

import (
	"context"
	"fmt"
	"time"
)

// FolderKind selects one of the folder-index variants. Object folders are
// the durable child listing; version folders mark uploads in progress;
// upload folders record that an upload touched the path.
type FolderKind string

const (
	FolderObjects  FolderKind = "object_folders"
	FolderVersions FolderKind = "version_folders"
	FolderUploads  FolderKind = "upload_folders"
)

// Kinds lists every folder-index variant, in the order deletions are
// applied.
var Kinds = []FolderKind{FolderObjects, FolderVersions, FolderUploads}

// FolderEntry is one child of a folder listing.
type FolderEntry struct {
	Child      string
	ModifiedAt time.Time
}

// TouchFolder inserts or refreshes the (parent, child) entry in the given
// folder index, as part of the surrounding transaction. Keeping the index
// mutation in the same transaction as the reference mutation it mirrors is
// what keeps listings consistent with reference state.
func (t *Tx) TouchFolder(ctx context.Context, kind FolderKind, parent, child string, ts time.Time) error {
	q := fmt.Sprintf(`INSERT INTO %s (parent, child, ts) VALUES (?, ?, ?)
		ON CONFLICT (parent, child) DO UPDATE SET ts = excluded.ts`, kind)
	if _, err := t.tx.ExecContext(ctx, q, parent, child, ts.UTC()); err != nil {
		return fmt.Errorf("touch %s entry: %w", kind, err)
	}
	return nil
}

// DeleteFolderEntry removes the (parent, child) entry from the given folder
// index. Removing an absent entry is a no-op.
func (d *DB) DeleteFolderEntry(ctx context.Context, kind FolderKind, parent, child string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE parent = ? AND child = ?`, kind)
	if _, err := d.db.ExecContext(ctx, q, parent, child); err != nil {
		return fmt.Errorf("delete %s entry: %w", kind, err)
	}
	return nil
}

// ListFolder returns the children of parent in the given folder index,
// ordered by child name.
func (d *DB) ListFolder(ctx context.Context, kind FolderKind, parent string) ([]FolderEntry, error) {
	q := fmt.Sprintf(`SELECT child, ts FROM %s WHERE parent = ? ORDER BY child ASC`, kind)

	rows, err := d.db.QueryContext(ctx, q, parent)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []FolderEntry
	for rows.Next() {
		var e FolderEntry
		if err := rows.Scan(&e.Child, &e.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan folder entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
