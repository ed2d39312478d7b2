// Package metastore implements the metadata store (C3): a durable,
// crash-safe, ordered key-value index mapping file identity to
// stripe/shard descriptors, backed by go.etcd.io/bbolt.
//
// Bolt's transaction model maps directly onto spec.md §4.3's contract:
// a bolt.Update is exactly the "atomic per-file commit" the spec
// requires (single writer, durable on commit), and a bolt.View is the
// "consistent snapshot" every reader observes — torn records are
// structurally impossible because a reader's transaction sees either
// all of a writer's changes or none of them.
package metastore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/logging"
	"github.com/rsguard/rs-guard/internal/rgerrors"
)

var (
	bucketFiles     = []byte("files")
	bucketShardsRef = []byte("shards_ref")
)

// Store is the embedded KV metadata store. All exported methods are
// safe for concurrent use; bolt serializes writers internally and
// allows unlimited concurrent readers against a consistent snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the metadata store at path and
// runs the crash-recovery pass (see recover): every FileRecord left in
// StatusEncoding is dropped. A prior committed record is not restored,
// even when the Encoding record still carries its stripes.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketShardsRef); err != nil {
			return err
		}
		return nil
	})
}

// recover scans for FileRecords left in StatusEncoding by a process
// that died mid-encode. Because every commit replaces the whole
// FileRecord value atomically, any record bolt can read back is either
// a committed record (if the transaction never committed, in which case
// recovery has nothing to do) or a committed-but-stale Encoding marker
// the protection engine wrote as a preliminary step. Every record in
// StatusEncoding is deleted and the shards_ref entries of any stripes
// it still carries are decremented; the blobs themselves are not
// unlinked here, and the prior status is not restored.
func (s *Store) recover() error {
	var stale []domain.FileID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.ForEach(func(k, v []byte) error {
			var rec domain.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: decoding %s: %v", rgerrors.ErrMetadataCorrupt, k, err)
			}
			if rec.Status == domain.StatusEncoding {
				stale = append(stale, rec.FileID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		refs := tx.Bucket(bucketShardsRef)
		for _, id := range stale {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var rec domain.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			logging.ForFile(string(id)).Warn("metastore: dropping stale Encoding record found at startup")
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			if err := decrementRefs(refs, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// GetFile returns the FileRecord for id, or (zero, false) if none exists.
func (s *Store) GetFile(id domain.FileID) (domain.FileRecord, bool, error) {
	var rec domain.FileRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFiles).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// ListAll returns a snapshot of every FileRecord currently stored, safe
// against concurrent writers: the whole scan runs inside one bolt.View
// transaction, so it observes one consistent point in time (spec.md
// §4.3's "no torn records").
func (s *Store) ListAll() ([]domain.FileRecord, error) {
	var out []domain.FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.ForEach(func(_, v []byte) error {
			var rec domain.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutEncoding publishes a transient StatusEncoding marker for id before
// the protection engine starts reading the file, per spec.md §4.4 step 3.
// Readers must not rely on shard presence while a record holds this status.
// A prior committed record is kept with only its Status changed, so the
// next CommitFile still sees (and releases) the shards it referenced;
// with no prior record a bare marker holding just id and path is written.
func (s *Store) PutEncoding(id domain.FileID, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := domain.FileRecord{FileID: id, Path: path}
		if v := tx.Bucket(bucketFiles).Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
		}
		rec.Status = domain.StatusEncoding
		return putFile(tx, rec)
	})
}

// CommitFile atomically publishes a complete new FileRecord and applies
// the shards_ref delta implied by replacing any prior record for the
// same FileID with this one. Any shards_ref entry that reaches zero as
// a result (e.g. a parity blob orphaned by a re-encode) is unlinked
// from the shard store via unlink once the transaction commits, per
// spec.md §4.3's GC invariant. A writer that crashes mid-transaction
// leaves the store in its pre-transaction state (bolt's own guarantee).
func (s *Store) CommitFile(rec domain.FileRecord, unlink func(key string) error) error {
	var toUnlink []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		refs := tx.Bucket(bucketShardsRef)

		var prior domain.FileRecord
		if v := files.Get([]byte(rec.FileID)); v != nil {
			if err := json.Unmarshal(v, &prior); err != nil {
				return err
			}
			zeroed, err := decrementRefsCollect(refs, prior)
			if err != nil {
				return err
			}
			toUnlink = zeroed
		}
		if err := incrementRefs(refs, rec); err != nil {
			return err
		}
		// A key reused by the new record (an unchanged shard carried over
		// across a re-encode) was just re-incremented above, so it must
		// not be unlinked even though the decrement pass momentarily
		// dropped it to zero.
		if len(toUnlink) > 0 {
			kept := blobKeysOf(rec)
			toUnlink = subtract(toUnlink, kept)
		}
		return putFile(tx, rec)
	})
	if err != nil {
		return err
	}
	for _, key := range toUnlink {
		if err := unlink(key); err != nil {
			return err
		}
	}
	return nil
}

// SetStatus updates only the Status field of id's FileRecord, touching
// no refcounts — used by the integrity checker (C6) and repair engine
// (C7) to publish a status transition without re-running the
// shards_ref delta a full re-encode commit would apply.
func (s *Store) SetStatus(id domain.FileID, status domain.Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		v := files.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("metastore: set status: no record for %s", id)
		}
		var rec domain.FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.Status = status
		return putFile(tx, rec)
	})
}

// RenameFile moves a FileRecord to a new FileID/path without touching
// its stripes or shard refcounts, per spec.md §4.5: a rename within
// watched territory whose content hash is unchanged is a metadata-only
// update, not a re-encode.
func (s *Store) RenameFile(oldID domain.FileID, newID domain.FileID, newPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		v := files.Get([]byte(oldID))
		if v == nil {
			return fmt.Errorf("metastore: rename: no record for %s", oldID)
		}
		var rec domain.FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if err := files.Delete([]byte(oldID)); err != nil {
			return err
		}
		rec.FileID = newID
		rec.Path = newPath
		return putFile(tx, rec)
	})
}

// DeleteFile removes id's FileRecord and decrements the shards_ref
// entries for every shard it referenced; any refcount that reaches
// zero triggers GC via the callback (the shard store unlink), matching
// spec.md §4.3 ("any shards_ref entry that reached zero has its blob
// unlinked... GC proceeds even if the blob is already missing").
func (s *Store) DeleteFile(id domain.FileID, unlink func(key string) error) error {
	var toUnlink []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		refs := tx.Bucket(bucketShardsRef)
		v := files.Get([]byte(id))
		if v == nil {
			return nil
		}
		var rec domain.FileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		zeroed, err := decrementRefsCollect(refs, rec)
		if err != nil {
			return err
		}
		toUnlink = zeroed
		return files.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	for _, key := range toUnlink {
		if err := unlink(key); err != nil {
			return err
		}
	}
	return nil
}

func putFile(tx *bolt.Tx, rec domain.FileRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketFiles).Put([]byte(rec.FileID), b)
}

// subtract returns the keys in a that do not appear in b.
func subtract(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	skip := make(map[string]struct{}, len(b))
	for _, k := range b {
		skip[k] = struct{}{}
	}
	out := a[:0]
	for _, k := range a {
		if _, ok := skip[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// blobKeysOf returns every Blob()-located shard key referenced by rec,
// i.e. every shard that lives in the shard store and therefore holds a refcount.
func blobKeysOf(rec domain.FileRecord) []string {
	var keys []string
	for _, st := range rec.Stripes {
		for _, loc := range st.ShardLocations {
			if loc.Kind == domain.LocationBlob {
				keys = append(keys, loc.Key)
			}
		}
	}
	return keys
}

func incrementRefs(refs *bolt.Bucket, rec domain.FileRecord) error {
	for _, key := range blobKeysOf(rec) {
		count := getRefcount(refs, key)
		if err := putRefcount(refs, key, count+1); err != nil {
			return err
		}
	}
	return nil
}

func decrementRefs(refs *bolt.Bucket, rec domain.FileRecord) error {
	_, err := decrementRefsCollect(refs, rec)
	return err
}

// decrementRefsCollect decrements every shard key rec referenced and
// returns the keys whose refcount reached zero (GC candidates).
func decrementRefsCollect(refs *bolt.Bucket, rec domain.FileRecord) ([]string, error) {
	var zeroed []string
	for _, key := range blobKeysOf(rec) {
		count := getRefcount(refs, key)
		if count <= 1 {
			if err := refs.Delete([]byte(key)); err != nil {
				return nil, err
			}
			zeroed = append(zeroed, key)
			continue
		}
		if err := putRefcount(refs, key, count-1); err != nil {
			return nil, err
		}
	}
	return zeroed, nil
}

func getRefcount(refs *bolt.Bucket, key string) uint32 {
	v := refs.Get([]byte(key))
	if v == nil || len(v) != 4 {
		return 0
	}
	return beUint32(v)
}

func putRefcount(refs *bolt.Bucket, key string, count uint32) error {
	return refs.Put([]byte(key), beBytes(count))
}

// Refcount exposes the current shards_ref count for key, for tests and
// the façade's diagnostics.
func (s *Store) Refcount(key string) (uint32, error) {
	var count uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		count = getRefcount(tx.Bucket(bucketShardsRef), key)
		return nil
	})
	return count, err
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
