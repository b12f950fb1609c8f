// Package engine coordinates the content-addressed block pipeline:
// per-object locking, block lifecycle transitions, upload assembly,
// reference-counted reclamation and the folder index.
//
// All shared state lives in the metadata store; workers coordinate only
// through its conditional writes. Within one (parent, name) lock holder the
// steps of a part write run sequentially; across different paths operations
// are fully concurrent.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castore/castore/internal/blob"
	"github.com/castore/castore/internal/meta"
)

// DefaultLockLease bounds how long a crashed writer can keep an object
// locked or a block stuck in UPLOADING before the sweeper reclaims it.
const DefaultLockLease = time.Minute

// Engine ties the metadata store and the blob store together.
type Engine struct {
	meta      *meta.DB
	blobs     *blob.Store
	lockLease time.Duration
}

// New creates an engine. A lockLease of zero selects DefaultLockLease.
func New(m *meta.DB, blobs *blob.Store, lockLease time.Duration) *Engine {
	if lockLease <= 0 {
		lockLease = DefaultLockLease
	}
	return &Engine{
		meta:      m,
		blobs:     blobs,
		lockLease: lockLease,
	}
}

// BeginSession allocates a fresh, time-ordered upload session identifier.
// Sessions are cheap: no lock, no metadata writes, abandoning one costs
// nothing.
func (e *Engine) BeginSession(bucket, parent, name string) (string, error) {
	id, err := uuid.NewUUID() // version 1, time-ordered
	if err != nil {
		return "", fmt.Errorf("allocate session id: %w", err)
	}
	return id.String(), nil
}

// CompleteSession acknowledges the end of a multipart upload. It is a
// protocol formality: the part list is not verified against recorded
// references and no storage is mutated. Returns the full object key.
func (e *Engine) CompleteSession(bucket, parent, name, session string) (string, error) {
	if _, err := uuid.Parse(session); err != nil {
		return "", fmt.Errorf("%w: malformed upload session id", ErrInvalidRequest)
	}
	return FullKey(parent, name), nil
}

// ListFolder returns the durable child listing for parent.
func (e *Engine) ListFolder(ctx context.Context, parent string) ([]meta.FolderEntry, error) {
	return e.meta.ListFolder(ctx, meta.FolderObjects, parent)
}

// FullKey builds the full object key from a parent path and a name.
func FullKey(parent, name string) string {
	if parent == "" {
		return name
	}
	return strings.TrimRight(parent, "/") + "/" + name
}
