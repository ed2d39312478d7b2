// Package shardstore implements the content-addressed blob store (C2)
// that holds parity shards (and, after repair, any data shard that had
// to be materialized because its original inline location was lost).
//
// Durability follows the write-path idiom the teacher uses for its own
// object writes (internal/repository in ateneo-connect-zstore): write
// to a tempfile in the same directory, fsync it, then rename into
// place. The directory's own fsync is not required for correctness
// because the metadata store (C3) is the source of truth for which
// blobs are live.
package shardstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/rgerrors"
)

// Store is a directory-rooted blob store. Blobs are named by the hex of
// their BLAKE3 content hash (the same hash recorded as the stripe's
// shard_hash), fanned out by the hash's first byte to keep any one
// directory's entry count bounded (spec.md §6: shard_dir/<2-hex>/<rest>).
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rgerrors.IOError("shardstore.Open", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) pathFor(key string) (string, error) {
	if len(key) < 2 {
		return "", fmt.Errorf("shardstore: key %q too short", key)
	}
	return filepath.Join(s.root, key[:2], key[2:]), nil
}

// Put writes bytes to the store under the key derived from the data's
// content hash (domain.HashBytes) and returns that key. Concurrent Puts
// of identical content are safe: they race to write the same bytes to
// the same final path, and rename is atomic.
func (s *Store) Put(data []byte) (string, error) {
	key := domain.HashBytes(data)
	if err := s.putAt(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// PutAt writes bytes under an already-known key (used by the repair
// engine when the authoritative shard_hash was computed elsewhere and
// must be preserved verbatim even if, due to a coding bug, it didn't
// match a fresh hash of data — callers are expected to have already
// verified data hashes to key).
func (s *Store) PutAt(key string, data []byte) error {
	return s.putAt(key, data)
}

func (s *Store) putAt(key string, data []byte) error {
	dir := filepath.Join(s.root, key[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rgerrors.IOError("shardstore.Put.mkdir", err)
	}
	final := filepath.Join(dir, key[2:])

	if _, err := os.Stat(final); err == nil {
		// Content-addressed: identical key implies identical (or colliding,
		// per spec.md §4.2 — treated as equality) content already durable.
		return nil
	}

	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return rgerrors.IOError("shardstore.Put.create", err)
	}
	defer os.Remove(tmp) // no-op once renamed away

	sum := xxhash.New()
	mw := io.MultiWriter(f, sum)
	if _, err := mw.Write(data); err != nil {
		f.Close()
		return rgerrors.IOError("shardstore.Put.write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return rgerrors.IOError("shardstore.Put.fsync", err)
	}
	if err := f.Close(); err != nil {
		return rgerrors.IOError("shardstore.Put.close", err)
	}

	// Fast post-write recheck: read the bytes we just fsynced back and
	// compare their xxhash to what we streamed in, before the rename
	// that makes the blob visible to readers. Cheaper than a second
	// BLAKE3 pass over a potentially large shard.
	written, err := os.ReadFile(tmp)
	if err != nil {
		return rgerrors.IOError("shardstore.Put.reread", err)
	}
	if xxhash.Sum64(written) != sum.Sum64() {
		return rgerrors.IOError("shardstore.Put.verify", fmt.Errorf("tempfile content mismatch after write"))
	}

	if err := os.Rename(tmp, final); err != nil {
		return rgerrors.IOError("shardstore.Put.rename", err)
	}
	return nil
}

// Get reads the blob stored under key. Returns rgerrors.ErrShardMissing
// if no blob exists, or rgerrors.ErrShardCorrupt if the blob's content
// hash no longer matches key; the caller decides which is fatal.
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rgerrors.ErrShardMissing
		}
		return nil, rgerrors.IOError("shardstore.Get", err)
	}
	if domain.HashBytes(data) != key {
		return nil, rgerrors.ErrShardCorrupt
	}
	return data, nil
}

// Exists reports whether a blob is present under key, without verifying its content hash.
func (s *Store) Exists(key string) bool {
	path, err := s.pathFor(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete best-effort unlinks the blob under key. A missing blob is not an error.
func (s *Store) Delete(key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rgerrors.IOError("shardstore.Delete", err)
	}
	return nil
}
