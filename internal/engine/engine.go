// Package engine implements the protection engine (C4): the hottest
// path in rs-guard. It turns a file-change event into stripes, drives
// codec -> shard store -> metadata store atomically, and implements
// the coalescing rules of spec.md §4.4.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rsguard/rs-guard/internal/codec"
	"github.com/rsguard/rs-guard/internal/config"
	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/filelock"
	"github.com/rsguard/rs-guard/internal/logging"
	"github.com/rsguard/rs-guard/internal/metastore"
	"github.com/rsguard/rs-guard/internal/metrics"
	"github.com/rsguard/rs-guard/internal/rgerrors"
	"github.com/rsguard/rs-guard/internal/shardstore"
	"github.com/rsguard/rs-guard/internal/watcher"
)

// ReadTimeout bounds a single stripe read (spec.md §5: "Individual I/O
// reads have a soft deadline; expiry fails the encode for that file
// without affecting others").
const ReadTimeout = 30 * time.Second

// Engine is C4: shared, process-wide state constructed once at startup
// and passed by reference to every consumer, per spec.md §9 ("no global
// mutable singletons").
type Engine struct {
	cfg     *config.Config
	codec   *codec.Codec
	shards  *shardstore.Store
	meta    *metastore.Store
	locks   *filelock.Map
	metrics *metrics.Collectors

	// cpuSem bounds concurrent CPU-bound codec work to runtime.NumCPU()
	// (logical CPUs), independent of the I/O-bound worker pool that
	// drains the event queue.
	cpuSem chan struct{}
}

// New builds an Engine over already-opened collaborators.
func New(cfg *config.Config, shards *shardstore.Store, meta *metastore.Store, m *metrics.Collectors) (*Engine, error) {
	c, err := codec.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return &Engine{
		cfg:     cfg,
		codec:   c,
		shards:  shards,
		meta:    meta,
		locks:   filelock.New(),
		metrics: m,
		cpuSem:  make(chan struct{}, runtime.NumCPU()),
	}, nil
}

// Codec exposes the engine's codec instance, reused by the repair engine
// (C7) so the Vandermonde/Cauchy matrix is computed exactly once per process.
func (e *Engine) Codec() *codec.Codec { return e.codec }

// Locks exposes the per-file lock map, the only coordination point
// between the protection engine and the repair engine (spec.md §5).
func (e *Engine) Locks() *filelock.Map { return e.locks }

// Meta exposes the metadata store for components that read but do not duplicate engine logic.
func (e *Engine) Meta() *metastore.Store { return e.meta }

// Shards exposes the shard store, shared with the integrity checker and repair engine.
func (e *Engine) Shards() *shardstore.Store { return e.shards }

// Config exposes the loaded configuration for components that need D/P
// or the watched roots without re-deriving them.
func (e *Engine) Config() *config.Config { return e.cfg }

// CanonicalID canonicalizes path and returns (fileID, canonicalPath, ok).
// ok is false if path does not fall under any watched root.
func (e *Engine) CanonicalID(path string) (domain.FileID, string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", false
	}
	abs = filepath.Clean(abs)
	for _, root := range e.cfg.WatchedRoots {
		if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return domain.NewFileID(abs), abs, true
		}
	}
	return "", "", false
}

// Run drains events from the watcher with a bounded pool of I/O-bound
// workers until ctx is cancelled or events closes.
func (e *Engine) Run(ctx context.Context, events <-chan watcher.Event, workers int) {
	if workers < 1 {
		workers = 1
	}
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					e.Handle(ctx, ev)
				}
			}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

// Handle dispatches one watcher event to the appropriate operation.
func (e *Engine) Handle(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.Create, watcher.Modify:
		if err := e.EncodeFile(ctx, ev.Path); err != nil && !rgerrors.Is(err, rgerrors.KindIO) {
			log.WithError(err).WithField("path", ev.Path).Error("engine: encode failed")
		}
	case watcher.Delete:
		if err := e.DeleteFile(ctx, ev.Path); err != nil {
			log.WithError(err).WithField("path", ev.Path).Error("engine: delete failed")
		}
	case watcher.Rename:
		if err := e.RenameFile(ctx, ev.OldPath, ev.Path); err != nil {
			log.WithError(err).WithField("path", ev.Path).Error("engine: rename failed")
		}
	case watcher.Overflow:
		log.WithField("root", ev.Root).Warn("engine: event queue overflowed, caller should trigger a full walk")
	}
}

// EncodeFile implements spec.md §4.4's encode pipeline (steps 1-7) for
// a single Create/Modify event on path.
func (e *Engine) EncodeFile(ctx context.Context, path string) error {
	fileID, canonical, ok := e.CanonicalID(path)
	if !ok {
		return nil // dropped: not under any watched root (step 1)
	}

	lockHandle, ok := e.locks.TryLock(fileID)
	if !ok {
		// Someone is already encoding this file; flag a re-encode and return (step 2).
		e.locks.SetPendingReencode(fileID)
		return nil
	}
	defer lockHandle.Unlock()

	for {
		// encodeOnce's committed return is immaterial here: whether it
		// committed, skipped (idempotent no-op), or discarded a stale
		// pass, the pending flag is what decides whether to loop.
		if _, err := e.encodeOnce(ctx, fileID, canonical); err != nil {
			return err
		}
		if !lockHandle.TakePendingReencode() {
			return nil
		}
		logging.ForFile(string(fileID)).Debug("engine: re-encoding due to pending flag (step 7)")
	}
}

// encodeOnce performs one pass of steps 3-6. It returns committed=false
// (with no error) when the file changed out from under the encode and
// the caller's step-7 loop should simply try again.
func (e *Engine) encodeOnce(ctx context.Context, fileID domain.FileID, path string) (committed bool, err error) {
	logger := logging.ForFile(string(fileID))

	prior, found, err := e.meta.GetFile(fileID)
	if err != nil {
		return false, rgerrors.New(rgerrors.KindMetadataCorrupt, "engine.encodeOnce.GetFile", err)
	}

	startInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil // a delete event will follow; nothing to encode
		}
		return false, rgerrors.IOError("engine.encodeOnce.Stat", err)
	}

	// Encode idempotence (spec.md §8 property 3): if the previously
	// committed record already reflects this exact size+mtime, skip
	// entirely — no Encoding transition, no shard store writes, no
	// refcount deltas.
	if found && prior.Status == domain.StatusProtected &&
		prior.Size == startInfo.Size() && prior.ModTime == startInfo.ModTime().UnixNano() {
		return false, nil
	}

	if err := e.meta.PutEncoding(fileID, path); err != nil {
		return false, rgerrors.New(rgerrors.KindMetadataCorrupt, "engine.encodeOnce.PutEncoding", err)
	}
	// Any exit before a successful commit puts the prior record's status
	// back, so a failed or discarded pass leaves the prior committed state.
	defer func() {
		if !committed && found {
			if serr := e.meta.SetStatus(fileID, prior.Status); serr != nil {
				logger.WithError(serr).Warn("engine: failed to restore prior status")
			}
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		logger.WithError(err).Warn("engine: unreadable mid-stream, leaving prior state")
		return false, rgerrors.IOError("engine.encodeOnce.Open", err)
	}
	defer f.Close()

	rec, err := e.buildRecord(ctx, fileID, path, startInfo, f)
	if err != nil {
		logger.WithError(err).Warn("engine: encode failed, file remains in prior committed state")
		return false, err
	}

	// Modify-during-encode: re-stat right before commit (spec.md §4.4 edge policy).
	finalInfo, err := os.Stat(path)
	if err != nil || finalInfo.Size() != startInfo.Size() || finalInfo.ModTime().UnixNano() != startInfo.ModTime().UnixNano() {
		logger.Debug("engine: file changed during encode, discarding and flagging re-encode")
		e.locks.SetPendingReencode(fileID)
		return false, nil
	}

	if err := e.meta.CommitFile(rec, func(key string) error { return e.shards.Delete(key) }); err != nil {
		return false, rgerrors.New(rgerrors.KindMetadataCorrupt, "engine.encodeOnce.CommitFile", err)
	}
	if e.metrics != nil {
		e.metrics.FilesEncoded.Inc()
	}
	logger.WithField("stripes", len(rec.Stripes)).Info("engine: file protected")
	return true, nil
}

func (e *Engine) buildRecord(ctx context.Context, fileID domain.FileID, path string, info os.FileInfo, f *os.File) (domain.FileRecord, error) {
	size := info.Size()
	stripeSize := e.cfg.StripeSize
	numStripes := 1
	if size > 0 {
		numStripes = int((size + stripeSize - 1) / stripeSize)
	}

	stripes := make([]domain.StripeDescriptor, numStripes)
	fullHash := newIncrementalHash()

	for i := 0; i < numStripes; i++ {
		offset := int64(i) * stripeSize
		length := stripeSize
		if offset+length > size {
			length = size - offset
		}
		if size == 0 {
			length = 0
		}

		readCtx, cancel := context.WithTimeout(ctx, ReadTimeout)
		buf, err := readStripe(readCtx, f, offset, length)
		cancel()
		if err != nil {
			return domain.FileRecord{}, rgerrors.IOError("engine.buildRecord.readStripe", err)
		}
		fullHash.Write(buf)

		desc, err := e.encodeStripe(i, offset, length, buf)
		if err != nil {
			return domain.FileRecord{}, err
		}
		stripes[i] = desc
	}

	return domain.FileRecord{
		FileID:       fileID,
		Path:         path,
		Size:         size,
		ModTime:      info.ModTime().UnixNano(),
		ContentHash:  fullHash.Sum(),
		Stripes:      stripes,
		Status:       domain.StatusProtected,
		DataShards:   e.cfg.DataShards,
		ParityShards: e.cfg.ParityShards,
	}, nil
}

// encodeStripe implements step 5 of spec.md §4.4 for one stripe.
func (e *Engine) encodeStripe(index int, offset, length int64, stripeBytes []byte) (domain.StripeDescriptor, error) {
	e.cpuSem <- struct{}{}
	defer func() { <-e.cpuSem }()

	dataShards, err := e.codec.Split(stripeBytes)
	if err != nil {
		return domain.StripeDescriptor{}, fmt.Errorf("engine: split stripe %d: %w", index, err)
	}
	all := make([][]byte, e.codec.TotalShards())
	copy(all, dataShards)
	if err := e.codec.Encode(all); err != nil {
		return domain.StripeDescriptor{}, fmt.Errorf("engine: encode stripe %d: %w", index, err)
	}

	shardSize := e.codec.ShardSize(int(length))
	hashes := make([]string, len(all))
	locations := make([]domain.ShardLocation, len(all))

	for i, shard := range all {
		hashes[i] = domain.HashBytes(shard)
		if i < e.codec.DataShards() {
			realLen := length - int64(i)*int64(shardSize)
			if realLen < 0 {
				realLen = 0
			}
			if realLen > int64(shardSize) {
				realLen = int64(shardSize)
			}
			locations[i] = domain.Inline(offset+int64(i)*int64(shardSize), realLen)
			continue
		}
		key, err := e.shards.Put(shard)
		if err != nil {
			return domain.StripeDescriptor{}, fmt.Errorf("engine: persist parity shard %d of stripe %d: %w", i, index, err)
		}
		locations[i] = domain.Blob(key)
	}

	return domain.StripeDescriptor{
		Index:          index,
		Range:          domain.ByteRange{Offset: offset, Len: length},
		ShardHashes:    hashes,
		ShardLocations: locations,
	}, nil
}

func readStripe(ctx context.Context, f *os.File, offset, length int64) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, length)
		if length > 0 {
			if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
				ch <- result{nil, err}
				return
			}
		}
		ch <- result{buf, nil}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.buf, r.err
	}
}

// DeleteFile commits the removal of fileID's record and GCs any blobs
// whose refcount reaches zero, per spec.md §4.4's delete-event policy.
func (e *Engine) DeleteFile(ctx context.Context, path string) error {
	fileID, _, ok := e.CanonicalID(path)
	if !ok {
		return nil
	}
	lockHandle := e.locks.Lock(fileID)
	defer lockHandle.Unlock()

	return e.meta.DeleteFile(fileID, func(key string) error {
		if err := e.shards.Delete(key); err != nil {
			return err
		}
		return nil
	})
}

// RenameFile implements the metadata-only path update of spec.md §4.5:
// when both endpoints fall under watched territory, the stripes are
// preserved and only the path/FileID move. The file is not re-read and
// its content hash is not re-checked.
func (e *Engine) RenameFile(ctx context.Context, oldPath, newPath string) error {
	oldID, _, oldOK := e.CanonicalID(oldPath)
	newID, newCanonical, newOK := e.CanonicalID(newPath)

	switch {
	case oldOK && newOK:
		lockHandle := e.locks.Lock(oldID)
		defer lockHandle.Unlock()
		if err := e.meta.RenameFile(oldID, newID, newCanonical); err != nil {
			return fmt.Errorf("engine: rename: %w", err)
		}
		return nil
	case oldOK && !newOK:
		// Moved out of watched territory: treated as a delete (spec.md §4.5).
		return e.DeleteFile(ctx, oldPath)
	case !oldOK && newOK:
		// Moved into watched territory: treated as a create.
		return e.EncodeFile(ctx, newPath)
	default:
		return nil
	}
}
