package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castore/castore/internal/block"
	"github.com/castore/castore/internal/meta"
)

func TestWritePartValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := newSession(t, e)

	_, err := e.WritePart(ctx, "b", "a/d", "f", "not-a-uuid", 1, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.WritePart(ctx, "b", "a/d", "f", session, -1, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.WritePart(ctx, "b", "a/d", "f", session, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Validation failures must not leave a lock behind.
	held, err := e.meta.LockHeld(ctx, "a/d", "f")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWritePartReturnsContentID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	data := []byte("hello")
	id, err := e.WritePart(ctx, "b", "a/d", "book.pdf", newSession(t, e), 1, data)
	require.NoError(t, err)
	assert.Equal(t, block.Identify(data), id)

	// The block went ONLINE and the lock is gone.
	state, found, err := e.meta.BlockState(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, meta.StatusOnline, state)

	held, err := e.meta.LockHeld(ctx, "a/d", "book.pdf")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWritePartConcurrentWritersExcludeEachOther(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := newSession(t, e)

	// Race several writers on the same (parent, name). A loser must fail
	// with ErrLocked, never block or corrupt state, and the winners'
	// references must be exactly what survives.
	const writers = 4
	start := make(chan struct{})
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			<-start
			_, errs[part] = e.WritePart(ctx, "b", "a/d", "f", session, part+1, []byte("racing part"))
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrLocked)
	}
	require.GreaterOrEqual(t, successes, 1)

	// Only winners recorded a reference, and the lock is released.
	refs, err := e.meta.ObjectReferences(ctx, "b", "a/d/f")
	require.NoError(t, err)
	assert.Len(t, refs, successes)

	held, err := e.meta.LockHeld(ctx, "a/d", "f")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWritePartConflictWhenLocked(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := newSession(t, e)

	// Another operation holds the path.
	ok, err := e.meta.AcquireLock(ctx, "a/d", "f", "other-op", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.WritePart(ctx, "b", "a/d", "f", session, 1, []byte("x"))
	assert.ErrorIs(t, err, ErrLocked)

	// A different path is unaffected.
	_, err = e.WritePart(ctx, "b", "a/d", "g", session, 1, []byte("x"))
	require.NoError(t, err)

	// Once released, the path is writable again.
	require.NoError(t, e.meta.ReleaseLock(ctx, "a/d", "f", "other-op"))
	_, err = e.WritePart(ctx, "b", "a/d", "f", session, 1, []byte("x"))
	require.NoError(t, err)

	held, err := e.meta.LockHeld(ctx, "a/d", "f")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDedupAcrossObjects(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	data := []byte("identical bytes in two objects")
	id := block.Identify(data)

	_, err := e.WritePart(ctx, "b", "a", "one", newSession(t, e), 1, data)
	require.NoError(t, err)
	_, err = e.WritePart(ctx, "b", "a", "two", newSession(t, e), 1, data)
	require.NoError(t, err)

	// Exactly one physical blob, two independent reference rows.
	assert.True(t, e.blobs.Exists(id))
	n, err := e.meta.CountBlockReferences(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	state, found, err := e.meta.BlockState(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, meta.StatusOnline, state)
}

func TestRoundTripOutOfOrderParts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := newSession(t, e)

	// Parts written out of order, with a gap in the numbering.
	parts := map[int][]byte{
		4: []byte(" world"),
		1: []byte("hello"),
		2: []byte(","),
	}
	for _, part := range []int{4, 1, 2} {
		_, err := e.WritePart(ctx, "b", "a/d", "greeting", session, part, parts[part])
		require.NoError(t, err)
	}

	got, err := e.ReadObject(ctx, "b", "a/d", "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello, world"), got)

	size, err := e.StatObject(ctx, "b", "a/d", "greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello, world")), size)
}

func TestReadObjectNotFound(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ReadObject(context.Background(), "b", "a/d", "nothing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestReadObjectMissingBlock(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	data := []byte("soon to vanish")
	id, err := e.WritePart(ctx, "b", "a/d", "f", newSession(t, e), 1, data)
	require.NoError(t, err)

	// Simulate blob-store divergence: the bytes disappear underneath the
	// metadata.
	require.NoError(t, e.blobs.Delete(ctx, id))

	_, err = e.ReadObject(ctx, "b", "a/d", "f")
	assert.ErrorIs(t, err, ErrBlockMissing)
}

func TestWritePartReuploadReplaces(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	session := newSession(t, e)

	oldData := []byte("first attempt")
	newData := []byte("second attempt")
	oldID := block.Identify(oldData)

	_, err := e.WritePart(ctx, "b", "a/d", "f", session, 1, oldData)
	require.NoError(t, err)
	_, err = e.WritePart(ctx, "b", "a/d", "f", session, 1, newData)
	require.NoError(t, err)

	// The re-upload replaced the reference rather than accumulating a
	// duplicate, so reassembly returns only the new bytes.
	got, err := e.ReadObject(ctx, "b", "a/d", "f")
	require.NoError(t, err)
	assert.Equal(t, newData, got)

	// The displaced block lost its last reference and was reclaimed.
	assert.False(t, e.blobs.Exists(oldID))
	_, found, err := e.meta.BlockState(ctx, oldID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWritePartUpdatesFolderIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.WritePart(ctx, "b", "a/d", "file.txt", newSession(t, e), 1, []byte("x"))
	require.NoError(t, err)

	entries, err := e.ListFolder(ctx, "a/d")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file.txt", entries[0].Child)
	assert.False(t, entries[0].ModifiedAt.IsZero())

	// The in-progress version marker is cleared with the lock.
	versions, err := e.meta.ListFolder(ctx, meta.FolderVersions, "a/d")
	require.NoError(t, err)
	assert.Empty(t, versions)

	// The upload marker persists.
	uploads, err := e.meta.ListFolder(ctx, meta.FolderUploads, "a/d")
	require.NoError(t, err)
	assert.Len(t, uploads, 1)
}
