package metastore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/metastore"
)

func openTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func noUnlink(key string) error { return nil }

func sampleRecord(id domain.FileID, blobKeys ...string) domain.FileRecord {
	rec := domain.FileRecord{
		FileID:       id,
		Path:         "/watched/" + string(id),
		Size:         100,
		ContentHash:  "deadbeef",
		Status:       domain.StatusProtected,
		DataShards:   4,
		ParityShards: 2,
	}
	stripe := domain.StripeDescriptor{Index: 0, Range: domain.ByteRange{Offset: 0, Len: 100}}
	for _, k := range blobKeys {
		stripe.ShardHashes = append(stripe.ShardHashes, k)
		stripe.ShardLocations = append(stripe.ShardLocations, domain.Blob(k))
	}
	rec.Stripes = []domain.StripeDescriptor{stripe}
	return rec
}

func TestCommitAndGet(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord("file-1", "aabb", "ccdd")
	require.NoError(t, s.CommitFile(rec, noUnlink))

	got, found, err := s.GetFile("file-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StatusProtected, got.Status)

	count, err := s.Refcount("aabb")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestListAllSnapshot(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CommitFile(sampleRecord("a", "k1"), noUnlink))
	require.NoError(t, s.CommitFile(sampleRecord("b", "k2"), noUnlink))

	all, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCommitReplacesRefcounts(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CommitFile(sampleRecord("f", "k1", "k2"), noUnlink))

	// Re-encode with a different shard set: k1 dropped, k3 introduced.
	var unlinked []string
	require.NoError(t, s.CommitFile(sampleRecord("f", "k2", "k3"), func(key string) error {
		unlinked = append(unlinked, key)
		return nil
	}))

	c1, _ := s.Refcount("k1")
	c2, _ := s.Refcount("k2")
	c3, _ := s.Refcount("k3")
	require.EqualValues(t, 0, c1)
	require.EqualValues(t, 1, c2)
	require.EqualValues(t, 1, c3)

	require.Equal(t, []string{"k1"}, unlinked, "the orphaned blob must be unlinked from C2, not just have its refcount dropped")
}

// TestCommitKeepsSharedBlobWhenReused guards against unlinking a blob
// that the new record still references: k1 is carried over unchanged,
// so even though its refcount transiently drops to zero mid-transaction
// it must not be unlinked.
func TestCommitKeepsSharedBlobWhenReused(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CommitFile(sampleRecord("f", "k1", "k2"), noUnlink))

	var unlinked []string
	require.NoError(t, s.CommitFile(sampleRecord("f", "k1", "k3"), func(key string) error {
		unlinked = append(unlinked, key)
		return nil
	}))

	require.Equal(t, []string{"k2"}, unlinked)
	c1, _ := s.Refcount("k1")
	require.EqualValues(t, 1, c1, "k1 is still referenced by the new record and must keep its blob")
}

func TestDeleteFileTriggersGC(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CommitFile(sampleRecord("f", "k1", "k2"), noUnlink))

	var unlinked []string
	err := s.DeleteFile("f", func(key string) error {
		unlinked = append(unlinked, key)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"k1", "k2"}, unlinked)

	_, found, err := s.GetFile("f")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRenameFilePreservesStripes(t *testing.T) {
	s := openTestStore(t)
	rec := sampleRecord("old-id", "k1")
	require.NoError(t, s.CommitFile(rec, noUnlink))

	require.NoError(t, s.RenameFile("old-id", "new-id", "/watched/new-path"))

	_, found, err := s.GetFile("old-id")
	require.NoError(t, err)
	require.False(t, found)

	got, found, err := s.GetFile("new-id")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "/watched/new-path", got.Path)
	require.Len(t, got.Stripes, 1)

	// Refcount is untouched by a rename.
	count, err := s.Refcount("k1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestSetStatusLeavesRefcountsUntouched(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CommitFile(sampleRecord("f", "k1"), noUnlink))

	require.NoError(t, s.SetStatus("f", domain.StatusDamaged))

	got, found, err := s.GetFile("f")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StatusDamaged, got.Status)

	count, err := s.Refcount("k1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestRecoverDropsStaleEncodingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.db")

	s, err := metastore.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutEncoding("stuck", "/watched/stuck"))
	require.NoError(t, s.Close())

	s2, err := metastore.Open(path)
	require.NoError(t, err)
	defer s2.Close()

	_, found, err := s2.GetFile("stuck")
	require.NoError(t, err)
	require.False(t, found, "recovery must drop records stuck in Encoding state")
}
