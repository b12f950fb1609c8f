package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/castore/castore/internal/block"
	"github.com/castore/castore/internal/meta"
)

// WritePart stores data as part number part of the object (bucket,
// parent/name) under the given upload session and returns the block ID the
// part deduplicated to. The ID doubles as the part's integrity tag (ETag).
//
// The sequence is: validate, lock, derive identity, register the block
// (absent -> UPLOADING, no-op when the content already exists), persist the
// bytes idempotently, record the reference and folder entries in one
// transaction, mark the block ONLINE, and release the lock. The lock and
// the in-progress version marker are cleaned up on every exit path.
func (e *Engine) WritePart(ctx context.Context, bucket, parent, name, session string, part int, data []byte) (block.ID, error) {
	var id block.ID

	if _, err := uuid.Parse(session); err != nil {
		return id, fmt.Errorf("%w: malformed upload session id", ErrInvalidRequest)
	}
	if part < 0 {
		return id, fmt.Errorf("%w: negative part number", ErrInvalidRequest)
	}
	if len(data) == 0 {
		return id, fmt.Errorf("%w: empty part body", ErrInvalidRequest)
	}

	holder := uuid.NewString()
	ok, err := e.meta.AcquireLock(ctx, parent, name, holder, e.lockLease)
	if err != nil {
		return id, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return id, ErrLocked
	}
	defer func() {
		// Cleanup must run even when the request context is already
		// canceled: a held lock blocks every later writer of this path.
		cleanupCtx := context.WithoutCancel(ctx)
		if err := e.meta.DeleteFolderEntry(cleanupCtx, meta.FolderVersions, parent, name); err != nil {
			log.Warn().Err(err).Str("parent", parent).Str("name", name).
				Msg("Failed to clear in-progress version marker")
		}
		if err := e.meta.ReleaseLock(cleanupCtx, parent, name, holder); err != nil {
			log.Error().Err(err).Str("parent", parent).Str("name", name).
				Msg("Failed to release object lock")
		}
	}()

	id = block.Identify(data)

	fresh, err := e.meta.RegisterBlock(ctx, id)
	if err != nil {
		return id, fmt.Errorf("register block: %w", err)
	}
	if !fresh {
		log.Debug().Stringer("block", id).Msg("Block already registered, deduplicating")
	}

	if err := e.blobs.Put(ctx, id, data); err != nil {
		return id, fmt.Errorf("persist block: %w", err)
	}

	fullKey := FullKey(parent, name)
	now := time.Now().UTC()
	var replaced []block.ID
	err = e.meta.WithTx(ctx, func(tx *meta.Tx) error {
		replaced, err = tx.UpsertReference(ctx, meta.Reference{
			Block:   id,
			Bucket:  bucket,
			Name:    fullKey,
			Session: session,
			Part:    part,
		})
		if err != nil {
			return err
		}
		for _, kind := range []meta.FolderKind{meta.FolderUploads, meta.FolderVersions, meta.FolderObjects} {
			if err := tx.TouchFolder(ctx, kind, parent, name, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return id, fmt.Errorf("record reference: %w", err)
	}

	if err := e.markOnline(ctx, id); err != nil {
		return id, err
	}

	// A replaced part may have held the last reference to its old block.
	for _, old := range replaced {
		if _, err := e.reclaimIfUnreferenced(ctx, old); err != nil {
			log.Warn().Err(err).Stringer("block", old).
				Msg("Failed to reclaim block displaced by part re-upload")
		}
	}

	return id, nil
}

// markOnline drives UPLOADING -> ONLINE. When the guarded update does not
// apply because a concurrent writer of the same content already finished,
// the block being ONLINE is success; any other state is fatal to the
// request.
func (e *Engine) markOnline(ctx context.Context, id block.ID) error {
	ok, err := e.meta.TransitionBlock(ctx, id, meta.StatusUploading, meta.StatusOnline)
	if err != nil {
		return fmt.Errorf("mark block online: %w", err)
	}
	if ok {
		return nil
	}

	state, found, err := e.meta.BlockState(ctx, id)
	if err != nil {
		return fmt.Errorf("check block state: %w", err)
	}
	if found && state == meta.StatusOnline {
		return nil
	}
	return fmt.Errorf("block %s cannot go online from state %q", id, state)
}
