package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsguard/rs-guard/internal/config"
	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/engine"
	"github.com/rsguard/rs-guard/internal/metastore"
	"github.com/rsguard/rs-guard/internal/shardstore"
)

func newTestEngine(t *testing.T, root string, dataShards, parityShards int, stripeSize int64) (*engine.Engine, *metastore.Store, *shardstore.Store) {
	t.Helper()
	cfg := &config.Config{
		WatchedRoots: []string{root},
		DataShards:   dataShards,
		ParityShards: parityShards,
		StripeSize:   stripeSize,
	}
	meta, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	shards, err := shardstore.Open(filepath.Join(t.TempDir(), "shards"))
	require.NoError(t, err)
	e, err := engine.New(cfg, shards, meta, nil)
	require.NoError(t, err)
	return e, meta, shards
}

func TestEncodeFileProtectsAndCommits(t *testing.T) {
	root := t.TempDir()
	e, meta, _ := newTestEngine(t, root, 4, 2, 16)

	path := filepath.Join(root, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef0123456789abcdef"), 0o644))

	require.NoError(t, e.EncodeFile(context.Background(), path))

	fileID, _, ok := e.CanonicalID(path)
	require.True(t, ok)

	rec, found, err := meta.GetFile(fileID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StatusProtected, rec.Status)
	require.Equal(t, int64(32), rec.Size)
	require.NotEmpty(t, rec.Stripes)
	for _, st := range rec.Stripes {
		require.Len(t, st.ShardHashes, 6)
		require.Len(t, st.ShardLocations, 6)
	}
}

func TestEncodeFileIdempotentOnUnchangedFile(t *testing.T) {
	root := t.TempDir()
	e, meta, shards := newTestEngine(t, root, 2, 1, 8)

	path := filepath.Join(root, "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcdefgh"), 0o644))
	require.NoError(t, e.EncodeFile(context.Background(), path))

	fileID, _, _ := e.CanonicalID(path)
	before, _, err := meta.GetFile(fileID)
	require.NoError(t, err)

	var blobKeys []string
	for _, st := range before.Stripes {
		for _, loc := range st.ShardLocations {
			if loc.Kind == domain.LocationBlob {
				blobKeys = append(blobKeys, loc.Key)
			}
		}
	}
	require.NotEmpty(t, blobKeys)
	for _, k := range blobKeys {
		count, err := meta.Refcount(k)
		require.NoError(t, err)
		require.Equal(t, uint32(1), count)
	}

	// Re-encoding without touching the file must be a no-op: no new
	// blobs, no refcount deltas (spec.md §8 property 3).
	require.NoError(t, e.EncodeFile(context.Background(), path))
	after, _, err := meta.GetFile(fileID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	for _, k := range blobKeys {
		count, err := meta.Refcount(k)
		require.NoError(t, err)
		require.Equal(t, uint32(1), count)
	}
	require.True(t, shards.Exists(blobKeys[0]))
}

func TestEncodeFileShortStripeIsZeroPadded(t *testing.T) {
	root := t.TempDir()
	e, meta, _ := newTestEngine(t, root, 4, 2, 16)

	path := filepath.Join(root, "tiny.bin")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	require.NoError(t, e.EncodeFile(context.Background(), path))

	fileID, _, _ := e.CanonicalID(path)
	rec, found, err := meta.GetFile(fileID)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rec.Stripes, 1)
	require.Equal(t, int64(2), rec.Stripes[0].Range.Len)
}

func TestEncodeFileSkipsPathOutsideWatchedRoots(t *testing.T) {
	root := t.TempDir()
	e, meta, _ := newTestEngine(t, root, 2, 1, 8)

	outside := filepath.Join(t.TempDir(), "elsewhere.bin")
	require.NoError(t, os.WriteFile(outside, []byte("irrelevant"), 0o644))

	require.NoError(t, e.EncodeFile(context.Background(), outside))
	all, err := meta.ListAll()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDeleteFileRemovesRecordAndGCsBlobs(t *testing.T) {
	root := t.TempDir()
	e, meta, shards := newTestEngine(t, root, 2, 1, 8)

	path := filepath.Join(root, "gone.bin")
	require.NoError(t, os.WriteFile(path, []byte("deleteme"), 0o644))
	require.NoError(t, e.EncodeFile(context.Background(), path))

	fileID, _, _ := e.CanonicalID(path)
	rec, found, err := meta.GetFile(fileID)
	require.NoError(t, err)
	require.True(t, found)
	var blobKey string
	for _, st := range rec.Stripes {
		for _, loc := range st.ShardLocations {
			if loc.Kind == domain.LocationBlob {
				blobKey = loc.Key
			}
		}
	}
	require.NotEmpty(t, blobKey)
	require.True(t, shards.Exists(blobKey))

	require.NoError(t, os.Remove(path))
	require.NoError(t, e.DeleteFile(context.Background(), path))

	_, found, err = meta.GetFile(fileID)
	require.NoError(t, err)
	require.False(t, found)
	require.False(t, shards.Exists(blobKey))
}

func TestRenameFilePreservesRecordUnderNewID(t *testing.T) {
	root := t.TempDir()
	e, meta, _ := newTestEngine(t, root, 2, 1, 8)

	oldPath := filepath.Join(root, "old.bin")
	newPath := filepath.Join(root, "new.bin")
	require.NoError(t, os.WriteFile(oldPath, []byte("renameme"), 0o644))
	require.NoError(t, e.EncodeFile(context.Background(), oldPath))

	oldID, _, _ := e.CanonicalID(oldPath)
	require.NoError(t, os.Rename(oldPath, newPath))
	require.NoError(t, e.RenameFile(context.Background(), oldPath, newPath))

	_, found, err := meta.GetFile(oldID)
	require.NoError(t, err)
	require.False(t, found)

	newID, _, _ := e.CanonicalID(newPath)
	rec, found, err := meta.GetFile(newID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, newPath, rec.Path)
	require.NotEmpty(t, rec.Stripes)
}

func TestEncodeFileFlagsPendingReencodeWhenAlreadyLocked(t *testing.T) {
	root := t.TempDir()
	e, meta, _ := newTestEngine(t, root, 2, 1, 8)

	path := filepath.Join(root, "busy.bin")
	require.NoError(t, os.WriteFile(path, []byte("v1v1v1v1"), 0o644))

	fileID, _, _ := e.CanonicalID(path)
	held := e.Locks().Lock(fileID)

	// EncodeFile must not block behind an already-held work lock; it
	// should simply flag a pending re-encode and return (spec.md §4.4
	// step 2).
	done := make(chan struct{})
	go func() {
		_ = e.EncodeFile(context.Background(), path)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EncodeFile should return promptly when it cannot acquire the work lock")
	}

	require.True(t, held.TakePendingReencode())
	held.Unlock()

	_, found, err := meta.GetFile(fileID)
	require.NoError(t, err)
	require.False(t, found, "EncodeFile only flags pending when TryLock fails; it does not itself encode")
}
