package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/castore/castore/internal/block"
	"github.com/castore/castore/internal/meta"
)

// BlockOutcome is the fate of one reference processed during object
// deletion.
type BlockOutcome struct {
	Block     block.ID
	Reclaimed bool // physical bytes and status record removed
	Err       error
}

// ReclaimResult carries per-block outcomes of a DeleteObject call. The
// metadata store offers single-row atomicity only, so reclamation across
// blocks is best effort, not a transaction.
type ReclaimResult struct {
	Outcomes []BlockOutcome
}

// Reclaimed returns how many blocks were physically reclaimed.
func (r ReclaimResult) Reclaimed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Reclaimed {
			n++
		}
	}
	return n
}

// FirstErr returns the first per-block error, or nil.
func (r ReclaimResult) FirstErr() error {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// DeleteObject removes every reference for (bucket, parent/name),
// recomputes each touched block's remaining reference count, and reclaims
// blocks that reached zero. Each reference is processed independently:
// failing to reclaim one block does not stop the remaining references from
// being deleted. The first error is reported after all work is attempted.
// Folder-index entries for the path are removed across all variants last.
func (e *Engine) DeleteObject(ctx context.Context, bucket, parent, name string) (ReclaimResult, error) {
	var result ReclaimResult

	refs, err := e.meta.ObjectReferences(ctx, bucket, FullKey(parent, name))
	if err != nil {
		return result, fmt.Errorf("resolve references: %w", err)
	}
	if len(refs) == 0 {
		return result, ErrObjectNotFound
	}

	for _, ref := range refs {
		outcome := BlockOutcome{Block: ref.Block}
		if err := e.meta.DeleteReference(ctx, ref); err != nil {
			outcome.Err = fmt.Errorf("delete reference: %w", err)
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		outcome.Reclaimed, outcome.Err = e.reclaimIfUnreferenced(ctx, ref.Block)
		result.Outcomes = append(result.Outcomes, outcome)
	}

	for _, kind := range meta.Kinds {
		if err := e.meta.DeleteFolderEntry(ctx, kind, parent, name); err != nil {
			log.Warn().Err(err).Str("parent", parent).Str("name", name).
				Msg("Failed to delete folder entry")
		}
	}

	return result, result.FirstErr()
}

// reclaimIfUnreferenced physically deletes a block when no reference to it
// remains. The ONLINE -> REMOVING transition is conditional, so losing the
// race to another reclaimer, or to a writer that still has the block in
// UPLOADING, backs off without error.
func (e *Engine) reclaimIfUnreferenced(ctx context.Context, id block.ID) (bool, error) {
	n, err := e.meta.CountBlockReferences(ctx, id)
	if err != nil {
		return false, fmt.Errorf("count references: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	ok, err := e.meta.TransitionBlock(ctx, id, meta.StatusOnline, meta.StatusRemoving)
	if err != nil {
		return false, fmt.Errorf("mark block removing: %w", err)
	}
	if !ok {
		return false, nil
	}

	// Blob deletion tolerates already-absent bytes, so a reclamation
	// interrupted between these two steps can be completed by a retry.
	if err := e.blobs.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("delete blob: %w", err)
	}
	if err := e.meta.DeleteBlockStatus(ctx, id); err != nil {
		return false, fmt.Errorf("delete block status: %w", err)
	}

	log.Debug().Stringer("block", id).Msg("Block reclaimed")
	return true, nil
}
