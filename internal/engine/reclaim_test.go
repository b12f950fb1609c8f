package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castore/castore/internal/block"
	"github.com/castore/castore/internal/meta"
)

func TestDeleteObjectNotFound(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.DeleteObject(context.Background(), "b", "a/d", "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteObjectReclaimsSoleBlock(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	data := []byte("only referenced once")
	id, err := e.WritePart(ctx, "b", "a/d", "f", newSession(t, e), 1, data)
	require.NoError(t, err)

	result, err := e.DeleteObject(ctx, "b", "a/d", "f")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed())

	// Physical bytes and status record are both gone.
	assert.False(t, e.blobs.Exists(id))
	_, found, err := e.meta.BlockState(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	// The object no longer resolves.
	_, err = e.ReadObject(ctx, "b", "a/d", "f")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteObjectSharedBlockSurvives(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	data := []byte("shared between two objects")
	id := block.Identify(data)
	_, err := e.WritePart(ctx, "b", "a", "one", newSession(t, e), 1, data)
	require.NoError(t, err)
	_, err = e.WritePart(ctx, "b", "a", "two", newSession(t, e), 1, data)
	require.NoError(t, err)

	result, err := e.DeleteObject(ctx, "b", "a", "one")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Reclaimed())

	// The other object still holds a reference, so the block stays ONLINE
	// and its bytes remain.
	assert.True(t, e.blobs.Exists(id))
	state, found, err := e.meta.BlockState(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, meta.StatusOnline, state)

	got, err := e.ReadObject(ctx, "b", "a", "two")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Deleting the second object reclaims the block.
	result, err = e.DeleteObject(ctx, "b", "a", "two")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed())
	assert.False(t, e.blobs.Exists(id))
}

func TestDeleteObjectMultiPart(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := newSession(t, e)

	var ids []block.ID
	for part, content := range map[int]string{1: "alpha", 2: "beta", 3: "gamma"} {
		id, err := e.WritePart(ctx, "b", "a/d", "f", session, part, []byte(content))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	result, err := e.DeleteObject(ctx, "b", "a/d", "f")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Reclaimed())
	assert.Len(t, result.Outcomes, 3)

	for _, id := range ids {
		assert.False(t, e.blobs.Exists(id))
	}
}

func TestDeleteObjectClearsFolderIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.WritePart(ctx, "b", "a/d", "f", newSession(t, e), 1, []byte("x"))
	require.NoError(t, err)

	_, err = e.DeleteObject(ctx, "b", "a/d", "f")
	require.NoError(t, err)

	for _, kind := range meta.Kinds {
		entries, err := e.meta.ListFolder(ctx, kind, "a/d")
		require.NoError(t, err)
		assert.Empty(t, entries, "folder index %s not cleaned", kind)
	}
}

func TestDeleteObjectAlreadyMissingBlob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.WritePart(ctx, "b", "a/d", "f", newSession(t, e), 1, []byte("x"))
	require.NoError(t, err)

	// The physical file vanished out of band; reclamation must still
	// succeed and clean up the metadata.
	require.NoError(t, e.blobs.Delete(ctx, id))

	result, err := e.DeleteObject(ctx, "b", "a/d", "f")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed())

	_, found, err := e.meta.BlockState(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScenarioUploadDownloadDelete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	session, err := e.BeginSession("b", "a/d", "book.pdf")
	require.NoError(t, err)

	data := []byte("hello")
	id, err := e.WritePart(ctx, "b", "a/d", "book.pdf", session, 1, data)
	require.NoError(t, err)
	assert.Equal(t, block.Identify(data).Hex(), id.Hex())

	got, err := e.ReadObject(ctx, "b", "a/d", "book.pdf")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = e.DeleteObject(ctx, "b", "a/d", "book.pdf")
	require.NoError(t, err)

	_, err = e.ReadObject(ctx, "b", "a/d", "book.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
