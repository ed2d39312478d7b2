// Package domain holds the data model shared by every rs-guard
// component: the stripe/shard descriptors, file records, and the
// damage reports the integrity checker hands to the repair engine.
package domain

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// FileID is a stable identifier for a protected file, derived from its
// canonicalized absolute path. It is stable as long as the path does
// not change; a rename within watched territory produces a new FileID
// and the metadata store moves the record under the new key.
type FileID string

// NewFileID derives a FileID from a canonicalized absolute path.
func NewFileID(canonicalPath string) FileID {
	sum := blake3.Sum256([]byte(canonicalPath))
	return FileID(hex.EncodeToString(sum[:]))
}

// Status is the lifecycle state of a FileRecord.
type Status int

const (
	// StatusProtected means every shard of every stripe verifies against its recorded hash.
	StatusProtected Status = iota
	// StatusEncoding is transient: no reader may rely on shard presence while it holds.
	StatusEncoding
	// StatusDamaged means at least one shard fails verification, but every stripe's
	// losses are within the parity budget (recoverable).
	StatusDamaged
	// StatusUnrecoverable means at least one stripe has more missing/corrupt shards than parity allows.
	StatusUnrecoverable
)

func (s Status) String() string {
	switch s {
	case StatusProtected:
		return "Protected"
	case StatusEncoding:
		return "Encoding"
	case StatusDamaged:
		return "Damaged"
	case StatusUnrecoverable:
		return "Unrecoverable"
	default:
		return "Unknown"
	}
}

// LocationKind distinguishes where a shard's bytes live.
type LocationKind int

const (
	// LocationInline means the shard is a byte range of the original file.
	LocationInline LocationKind = iota
	// LocationBlob means the shard lives in the shard store under a content-addressed key.
	LocationBlob
)

// ShardLocation records where one shard's bytes are currently stored.
// Exactly one of (Offset,Length) or Key is meaningful, selected by Kind —
// an explicit tagged struct rather than an interface, since both
// variants share the same zero-allocation representation and are
// persisted directly as metadata.
type ShardLocation struct {
	Kind   LocationKind
	Offset int64  // valid when Kind == LocationInline
	Length int64  // valid when Kind == LocationInline
	Key    string // valid when Kind == LocationBlob
}

// Inline builds an inline shard location referencing a byte range of the original file.
func Inline(offset, length int64) ShardLocation {
	return ShardLocation{Kind: LocationInline, Offset: offset, Length: length}
}

// Blob builds a shard-store-backed shard location.
func Blob(key string) ShardLocation {
	return ShardLocation{Kind: LocationBlob, Key: key}
}

func (l ShardLocation) String() string {
	switch l.Kind {
	case LocationInline:
		return fmt.Sprintf("inline[%d,%d)", l.Offset, l.Offset+l.Length)
	case LocationBlob:
		return fmt.Sprintf("blob(%s)", l.Key)
	default:
		return "unknown-location"
	}
}

// ByteRange is the half-open byte range [Offset, Offset+Len) a stripe covers in the original file.
type ByteRange struct {
	Offset int64
	Len    int64
}

// StripeDescriptor is one codec unit: a contiguous byte range of the
// original file, its D+P shard hashes (positionally ordered: data
// shards first, then parity shards), and where each shard currently lives.
type StripeDescriptor struct {
	Index          int
	Range          ByteRange
	ShardHashes    []string        // len == DataShards+ParityShards
	ShardLocations []ShardLocation // len == DataShards+ParityShards, same order
}

// TotalShards returns the number of shards (D+P) recorded for this stripe.
func (s StripeDescriptor) TotalShards() int { return len(s.ShardHashes) }

// FileRecord is the durable metadata entry describing one protected file.
type FileRecord struct {
	FileID      FileID
	Path        string // canonicalized
	Size        int64
	ModTime     int64 // unix nanoseconds, matches os.FileInfo.ModTime().UnixNano()
	ContentHash string
	Stripes     []StripeDescriptor
	Status      Status
	DataShards  int
	ParityShards int
}

// HashBytes returns the hex-encoded BLAKE3 hash of b, the algorithm used
// for every content_hash and shard_hash in the metadata store.
func HashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DamagedStripe is one stripe's classification from an integrity sweep.
type DamagedStripe struct {
	Index          int
	BadShardIndexes []int // indexes into [0, DataShards+ParityShards)
}

// Unrecoverable reports whether this stripe's losses exceed the file's parity budget.
func (d DamagedStripe) Unrecoverable(parityShards int) bool {
	return len(d.BadShardIndexes) > parityShards
}

// DamageReport is the integrity checker's classification of one file,
// handed to the repair engine. It is a first-class value (rather than
// being re-derived from FileRecord.Status alone) so checker and repair
// share one wire shape.
type DamageReport struct {
	FileID  FileID
	Stripes []DamagedStripe
}

// DeriveStatus derives the FileRecord.Status implied by this report, per spec.md §4.6:
// all shards good -> Protected; any stripe with more bad shards than parity -> Unrecoverable;
// otherwise -> Damaged.
func (r DamageReport) DeriveStatus(parityShards int) Status {
	if len(r.Stripes) == 0 {
		return StatusProtected
	}
	for _, st := range r.Stripes {
		if st.Unrecoverable(parityShards) {
			return StatusUnrecoverable
		}
	}
	return StatusDamaged
}

// IsClean reports whether the report found no damage at all.
func (r DamageReport) IsClean() bool { return len(r.Stripes) == 0 }
