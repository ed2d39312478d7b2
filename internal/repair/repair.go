// Package repair implements the repair engine (C7): it consumes
// DamageReports from the integrity checker, reconstructs missing or
// corrupt shards through the codec, and either patches the original
// file in place or rebuilds it entirely when it has vanished.
package repair

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rsguard/rs-guard/internal/codec"
	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/filelock"
	"github.com/rsguard/rs-guard/internal/logging"
	"github.com/rsguard/rs-guard/internal/metastore"
	"github.com/rsguard/rs-guard/internal/metrics"
	"github.com/rsguard/rs-guard/internal/rgerrors"
	"github.com/rsguard/rs-guard/internal/shardstore"
)

// collaborators is the minimal surface the repair engine needs from
// the protection engine: the same codec instance, shard store,
// metadata store, and per-file lock map, so the two engines never
// race over one file (spec.md §5).
type collaborators interface {
	Codec() *codec.Codec
	Shards() *shardstore.Store
	Meta() *metastore.Store
	Locks() *filelock.Map
}

// Repairer drives damage reports to either Protected or Unrecoverable.
type Repairer struct {
	c       collaborators
	metrics *metrics.Collectors
}

// New builds a Repairer sharing the given engine's codec/shard
// store/metadata store/lock map.
func New(c collaborators, m *metrics.Collectors) *Repairer {
	return &Repairer{c: c, metrics: m}
}

// Repair attempts to recover every stripe named in report. It acquires
// the file's work lock for the duration, so it never races a concurrent
// re-encode of the same file.
func (r *Repairer) Repair(report domain.DamageReport) error {
	meta := r.c.Meta()
	lockHandle := r.c.Locks().Lock(report.FileID)
	defer lockHandle.Unlock()

	rec, found, err := meta.GetFile(report.FileID)
	if err != nil {
		return rgerrors.New(rgerrors.KindMetadataCorrupt, "repair.Repair.GetFile", err)
	}
	if !found || rec.Status == domain.StatusEncoding {
		// Deleted, or a fresh encode superseded the damage this report
		// described; nothing left to repair.
		return nil
	}

	logger := logging.ForFile(string(rec.FileID))

	fileExists := true
	if _, statErr := os.Stat(rec.Path); statErr != nil {
		if !os.IsNotExist(statErr) {
			return rgerrors.IOError("repair.Repair.Stat", statErr)
		}
		fileExists = false
	}

	if !fileExists {
		if err := r.reconstructWholeFile(&rec); err != nil {
			logger.WithError(err).Warn("repair: whole-file reconstruction failed")
			return r.markUnrecoverable(rec, logger)
		}
		fileExists = true
	}

	unrecoverable := false
	for i := range rec.Stripes {
		ok, err := r.repairStripe(&rec.Stripes[i], rec.Path)
		if err != nil {
			logger.WithError(err).WithField("stripe", rec.Stripes[i].Index).Error("repair: stripe repair failed")
			unrecoverable = true
			break
		}
		if !ok {
			unrecoverable = true
			break
		}
	}

	if unrecoverable {
		return r.markUnrecoverable(rec, logger)
	}

	rec.Status = domain.StatusProtected
	shards := r.c.Shards()
	if err := meta.CommitFile(rec, func(key string) error { return shards.Delete(key) }); err != nil {
		return rgerrors.New(rgerrors.KindMetadataCorrupt, "repair.Repair.CommitFile", err)
	}
	if r.metrics != nil {
		r.metrics.RepairsSucceeded.Inc()
	}
	logger.Info("repair: file restored to Protected")
	return nil
}

func (r *Repairer) markUnrecoverable(rec domain.FileRecord, logger interface {
	Warn(args ...interface{})
}) error {
	if err := r.c.Meta().SetStatus(rec.FileID, domain.StatusUnrecoverable); err != nil {
		return rgerrors.New(rgerrors.KindMetadataCorrupt, "repair.markUnrecoverable.SetStatus", err)
	}
	if r.metrics != nil {
		r.metrics.RepairsFailed.Inc()
	}
	logger.Warn("repair: file declared Unrecoverable")
	return rgerrors.ErrFileUnrecoverable
}

// repairStripe re-verifies every shard of one stripe (defense in
// depth — a shard the checker saw as good may have changed since), and
// reconstructs any that are missing or corrupt. It returns ok=false
// when fewer than D shards survive re-verification.
func (r *Repairer) repairStripe(stripe *domain.StripeDescriptor, path string) (ok bool, err error) {
	cd := r.c.Codec()
	total := cd.TotalShards()
	dataShards := cd.DataShards()
	shardSize := cd.ShardSize(int(stripe.Range.Len))

	buf := make([][]byte, total)
	present := make([]bool, total)

	f, openErr := os.Open(path)
	if openErr != nil {
		return false, fmt.Errorf("repair: open %s: %w", path, openErr)
	}
	defer f.Close()

	for i, loc := range stripe.ShardLocations {
		switch loc.Kind {
		case domain.LocationInline:
			b := readInlineShard(f, loc, shardSize)
			if b != nil && domain.HashBytes(b) == stripe.ShardHashes[i] {
				buf[i] = b
				present[i] = true
			}
		case domain.LocationBlob:
			b, getErr := r.c.Shards().Get(loc.Key)
			if getErr == nil && domain.HashBytes(b) == stripe.ShardHashes[i] {
				buf[i] = b
				present[i] = true
			}
		}
	}

	goodCount := 0
	for _, ok := range present {
		if ok {
			goodCount++
		}
	}
	if goodCount == total {
		return true, nil // fully intact, nothing to reconstruct
	}
	if goodCount < dataShards {
		return false, nil
	}

	if err := cd.Reconstruct(buf, present); err != nil {
		return false, nil
	}

	for i := range stripe.ShardLocations {
		if present[i] {
			continue
		}
		if i < dataShards {
			if err := r.patchInlineShard(path, stripe.ShardLocations[i], buf[i]); err != nil {
				// The original file couldn't be patched in place (e.g. no
				// longer writable); fall back to materializing the shard
				// into the blob store and repointing its location, per
				// spec.md's allowance for a data shard losing its inline home.
				key, putErr := r.c.Shards().Put(buf[i])
				if putErr != nil {
					return false, fmt.Errorf("repair: materialize data shard %d: %w", i, putErr)
				}
				stripe.ShardLocations[i] = domain.Blob(key)
			}
		} else {
			if err := r.c.Shards().PutAt(stripe.ShardHashes[i], buf[i]); err != nil {
				return false, fmt.Errorf("repair: restore parity shard %d: %w", i, err)
			}
		}
	}
	return true, nil
}

func readInlineShard(f *os.File, loc domain.ShardLocation, shardSize int) []byte {
	b := make([]byte, shardSize)
	if loc.Length == 0 {
		return b
	}
	if loc.Length > int64(shardSize) {
		return nil
	}
	if _, err := f.ReadAt(b[:loc.Length], loc.Offset); err != nil {
		return nil
	}
	return b
}

// patchInlineShard writes the real (unpadded) bytes of a reconstructed
// data shard back into the original file at its recorded offset.
func (r *Repairer) patchInlineShard(path string, loc domain.ShardLocation, fullShard []byte) error {
	if loc.Length == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(fullShard[:loc.Length], loc.Offset); err != nil {
		return err
	}
	return f.Sync()
}

// reconstructWholeFile rebuilds rec's entire content from its stripes'
// surviving shards and writes it to rec.Path via the durable
// write-tempfile-then-rename pattern, for the case where the original
// file itself has vanished.
func (r *Repairer) reconstructWholeFile(rec *domain.FileRecord) error {
	cd := r.c.Codec()
	dataShards := cd.DataShards()

	dir := filepath.Dir(rec.Path)
	tmp := filepath.Join(dir, ".rsguard-restore-"+uuid.NewString())
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("repair: create restore tempfile: %w", err)
	}
	defer os.Remove(tmp)

	for _, stripe := range rec.Stripes {
		total := cd.TotalShards()
		buf := make([][]byte, total)
		present := make([]bool, total)
		for i, loc := range stripe.ShardLocations {
			if loc.Kind != domain.LocationBlob {
				continue // the file we're rebuilding has no inline bytes to read from
			}
			b, getErr := r.c.Shards().Get(loc.Key)
			if getErr == nil && domain.HashBytes(b) == stripe.ShardHashes[i] {
				buf[i] = b
				present[i] = true
			}
		}
		good := 0
		for _, ok := range present {
			if ok {
				good++
			}
		}
		if good < dataShards {
			out.Close()
			return fmt.Errorf("repair: stripe %d has insufficient surviving shards to rebuild the file: %w", stripe.Index, rgerrors.ErrInsufficientShards)
		}
		if err := cd.Reconstruct(buf, present); err != nil {
			out.Close()
			return fmt.Errorf("repair: reconstruct stripe %d: %w", stripe.Index, err)
		}
		stripeBytes, err := cd.Join(buf, int(stripe.Range.Len))
		if err != nil {
			out.Close()
			return fmt.Errorf("repair: join stripe %d: %w", stripe.Index, err)
		}
		if _, err := out.WriteAt(stripeBytes, stripe.Range.Offset); err != nil {
			out.Close()
			return fmt.Errorf("repair: write stripe %d: %w", stripe.Index, err)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("repair: fsync restored file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("repair: close restored file: %w", err)
	}
	if err := os.Rename(tmp, rec.Path); err != nil {
		return fmt.Errorf("repair: rename restored file into place: %w", err)
	}
	return nil
}
