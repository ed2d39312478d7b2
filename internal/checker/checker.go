// Package checker implements the integrity checker (C6): a periodic
// sweep over every protected file that re-verifies every shard against
// its recorded hash and classifies damage for the repair engine.
package checker

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/logging"
	"github.com/rsguard/rs-guard/internal/metastore"
	"github.com/rsguard/rs-guard/internal/metrics"
	"github.com/rsguard/rs-guard/internal/ratelimit"
	"github.com/rsguard/rs-guard/internal/shardstore"
)

// Checker periodically re-verifies every committed FileRecord's shards.
type Checker struct {
	meta    *metastore.Store
	shards  *shardstore.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Collectors
	workers int

	// OnDamage is invoked once per sweep for every file with a non-clean
	// DamageReport, handing it to the repair engine (C7). May be nil.
	OnDamage func(domain.DamageReport)
}

// New builds a Checker. workers bounds how many files are checked
// concurrently; limiter throttles the I/O those workers issue,
// independent of the protection engine's own I/O (spec.md §4.6).
func New(meta *metastore.Store, shards *shardstore.Store, limiter *ratelimit.Limiter, m *metrics.Collectors, workers int) *Checker {
	if workers < 1 {
		workers = 1
	}
	return &Checker{meta: meta, shards: shards, limiter: limiter, metrics: m, workers: workers}
}

// Run performs sweeps on interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep checks every committed file once and returns the damage reports found.
func (c *Checker) Sweep(ctx context.Context) []domain.DamageReport {
	start := time.Now()
	records, err := c.meta.ListAll()
	if err != nil {
		log.WithError(err).Error("checker: failed to list files for sweep")
		return nil
	}

	jobs := make(chan domain.FileRecord)
	results := make(chan *domain.DamageReport, len(records))
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				results <- c.checkOne(ctx, rec)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, rec := range records {
			select {
			case jobs <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var reports []domain.DamageReport
	for report := range results {
		if report == nil {
			continue
		}
		reports = append(reports, *report)
	}

	if c.metrics != nil {
		c.metrics.CheckDuration.Observe(time.Since(start).Seconds())
	}
	return reports
}

// checkOne verifies one file's shards. It returns nil when the file is
// skipped (still Encoding, or its size or mtime differs from the
// values recorded at encode time — left for the protection engine to
// re-encode) or when it verified clean.
func (c *Checker) checkOne(ctx context.Context, rec domain.FileRecord) *domain.DamageReport {
	if rec.Status == domain.StatusEncoding {
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
	if c.metrics != nil {
		c.metrics.ChecksRun.Inc()
	}

	info, err := os.Stat(rec.Path)
	if err != nil {
		// The file vanished outside a watched event (or is mid-delete);
		// the watcher's own Delete handling owns this case, not the checker.
		logging.ForFile(string(rec.FileID)).WithError(err).Debug("checker: stat failed, skipping")
		return nil
	}
	if info.ModTime().UnixNano() != rec.ModTime || info.Size() != rec.Size {
		logging.ForFile(string(rec.FileID)).Debug("checker: file changed since last encode, deferring to protection engine")
		return nil
	}

	f, err := os.Open(rec.Path)
	if err != nil {
		logging.ForFile(string(rec.FileID)).WithError(err).Warn("checker: cannot open file for verification")
		return nil
	}
	defer f.Close()

	var damaged []domain.DamagedStripe
	for _, stripe := range rec.Stripes {
		bad := c.checkStripe(f, stripe, rec.DataShards)
		if len(bad) > 0 {
			damaged = append(damaged, domain.DamagedStripe{Index: stripe.Index, BadShardIndexes: bad})
		}
	}

	report := domain.DamageReport{FileID: rec.FileID, Stripes: damaged}
	newStatus := report.DeriveStatus(rec.ParityShards)
	if newStatus != rec.Status {
		if err := c.meta.SetStatus(rec.FileID, newStatus); err != nil {
			logging.ForFile(string(rec.FileID)).WithError(err).Error("checker: failed to publish status transition")
		} else {
			logging.ForFile(string(rec.FileID)).WithField("status", newStatus.String()).Info("checker: status transition")
		}
	}
	if c.metrics != nil && len(damaged) > 0 {
		for _, st := range damaged {
			c.metrics.ShardsDamaged.Add(float64(len(st.BadShardIndexes)))
		}
		if newStatus == domain.StatusUnrecoverable {
			c.metrics.FilesUnrecoverable.Inc()
		}
	}

	if report.IsClean() {
		return nil
	}
	if c.OnDamage != nil {
		c.OnDamage(report)
	}
	return &report
}

// checkStripe verifies every shard of one stripe and returns the
// indexes that fail verification. dataShards is the file's configured
// D, needed (not re-derived from the stripe) because repair may have
// materialized a data shard into the blob store, which would otherwise
// undercount D and miscompute the padded size of the remaining inline shards.
func (c *Checker) checkStripe(f *os.File, stripe domain.StripeDescriptor, dataShards int) []int {
	var bad []int
	for i, loc := range stripe.ShardLocations {
		ok := c.checkShard(f, stripe, i, loc, dataShards)
		if !ok {
			bad = append(bad, i)
		}
	}
	return bad
}

func (c *Checker) checkShard(f *os.File, stripe domain.StripeDescriptor, index int, loc domain.ShardLocation, dataShards int) bool {
	expected := stripe.ShardHashes[index]
	switch loc.Kind {
	case domain.LocationInline:
		shardSize := inlineShardSize(stripe, dataShards)
		buf := make([]byte, shardSize)
		if loc.Length > 0 {
			if _, err := f.ReadAt(buf[:loc.Length], loc.Offset); err != nil {
				return false
			}
		}
		return domain.HashBytes(buf) == expected
	case domain.LocationBlob:
		data, err := c.shards.Get(loc.Key)
		if err != nil {
			return false
		}
		return domain.HashBytes(data) == expected
	default:
		return false
	}
}

// inlineShardSize derives a shard's padded size from its stripe's
// range and the file's configured data-shard count, matching
// codec.Codec.ShardSize's own rounding.
func inlineShardSize(stripe domain.StripeDescriptor, dataShards int) int64 {
	if dataShards == 0 || stripe.Range.Len == 0 {
		return 0
	}
	size := stripe.Range.Len / int64(dataShards)
	if stripe.Range.Len%int64(dataShards) != 0 {
		size++
	}
	return size
}
