package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/castore/castore/internal/blob"
)

// ReadObject reassembles the full content of (bucket, parent/name): every
// reference for the key, ascending by part number, concatenated. Part
// numbers need not be contiguous; gaps are simply skipped over.
//
// A reference whose blob is gone is a metadata/blob-store divergence and is
// reported as ErrBlockMissing, never as a silent partial result.
func (e *Engine) ReadObject(ctx context.Context, bucket, parent, name string) ([]byte, error) {
	refs, err := e.meta.ObjectReferences(ctx, bucket, FullKey(parent, name))
	if err != nil {
		return nil, fmt.Errorf("resolve references: %w", err)
	}
	if len(refs) == 0 {
		return nil, ErrObjectNotFound
	}

	var buf bytes.Buffer
	for _, ref := range refs {
		data, err := e.blobs.Get(ctx, ref.Block)
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBlockMissing, ref.Block)
		}
		if err != nil {
			return nil, fmt.Errorf("read block %s: %w", ref.Block, err)
		}
		buf.Write(data)
	}

	return buf.Bytes(), nil
}

// StatObject reports whether the object exists and, when it does, the
// total size of its parts as recorded in their block IDs.
func (e *Engine) StatObject(ctx context.Context, bucket, parent, name string) (int64, error) {
	refs, err := e.meta.ObjectReferences(ctx, bucket, FullKey(parent, name))
	if err != nil {
		return 0, fmt.Errorf("resolve references: %w", err)
	}
	if len(refs) == 0 {
		return 0, ErrObjectNotFound
	}

	var size int64
	for _, ref := range refs {
		size += int64(ref.Block.Length())
	}
	return size, nil
}
