// Package facade implements the engine façade (C8): a small, read-only
// surface over the running engine's state, meant to be mounted behind
// whatever transport an operator chooses (a CLI subcommand, an HTTP
// handler) — rs-guard's core never binds a socket itself.
package facade

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rsguard/rs-guard/internal/checker"
	"github.com/rsguard/rs-guard/internal/config"
	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/metastore"
)

// Snapshot is the process-wide status summary spec.md §4.8's status()
// operation returns.
type Snapshot struct {
	DataShards         int
	ParityShards       int
	WatchedDirectories []string
	TotalFiles         int
	Protected          int
	Damaged            int
	Unrecoverable      int
	LastCheckEpoch     int64
}

// FileSummary is one row of spec.md §4.8's list_files() operation.
type FileSummary struct {
	Path         string
	Size         int64
	Status       string
	StripeCount  int
	LastModified int64
}

// Facade is the read-only front door onto a running engine. All
// methods take a snapshot of the metadata store; none block on, or
// interfere with, the protection engine or repair engine.
type Facade struct {
	cfg     *config.Config
	meta    *metastore.Store
	checker *checker.Checker

	lastCheckEpoch atomic.Int64
}

// New builds a Facade. checker may be nil if CheckNow will never be called.
func New(cfg *config.Config, meta *metastore.Store, c *checker.Checker) *Facade {
	return &Facade{cfg: cfg, meta: meta, checker: c}
}

// Status reports aggregate counts across every tracked file, per spec.md §4.8.
func (f *Facade) Status() (Snapshot, error) {
	records, err := f.meta.ListAll()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		DataShards:         f.cfg.DataShards,
		ParityShards:       f.cfg.ParityShards,
		WatchedDirectories: append([]string(nil), f.cfg.WatchedRoots...),
		LastCheckEpoch:     f.lastCheckEpoch.Load(),
	}
	for _, rec := range records {
		if rec.Status == domain.StatusEncoding {
			continue // transient; not counted as any settled state
		}
		snap.TotalFiles++
		switch rec.Status {
		case domain.StatusProtected:
			snap.Protected++
		case domain.StatusDamaged:
			snap.Damaged++
		case domain.StatusUnrecoverable:
			snap.Unrecoverable++
		}
	}
	return snap, nil
}

// ListFiles returns one summary row per tracked file, per spec.md §4.8.
func (f *Facade) ListFiles() ([]FileSummary, error) {
	records, err := f.meta.ListAll()
	if err != nil {
		return nil, err
	}
	out := make([]FileSummary, 0, len(records))
	for _, rec := range records {
		if rec.Status == domain.StatusEncoding {
			continue
		}
		out = append(out, FileSummary{
			Path:         rec.Path,
			Size:         rec.Size,
			Status:       rec.Status.String(),
			StripeCount:  len(rec.Stripes),
			LastModified: rec.ModTime,
		})
	}
	return out, nil
}

// CheckNow triggers an out-of-band integrity sweep and blocks until it
// completes, returning the resulting status snapshot, per spec.md §4.8.
func (f *Facade) CheckNow(ctx context.Context) (Snapshot, error) {
	if f.checker != nil {
		f.checker.Sweep(ctx)
	}
	f.lastCheckEpoch.Store(time.Now().Unix())
	return f.Status()
}
