// Package metrics holds the prometheus collectors shared by the
// protection engine, checker, and repair engine. Grounded on
// rpcpool-yellowstone-faithful's metrics/metrics.go: package-level
// collectors registered against an injected prometheus.Registerer, with
// no package-level default registry and no HTTP handler — mounting
// /metrics is the external HTTP layer's job (out of scope per spec.md §1).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric rs-guard's core emits.
type Collectors struct {
	FilesEncoded      prometheus.Counter
	EncodeFailures    prometheus.Counter
	ChecksRun         prometheus.Counter
	ShardsDamaged     prometheus.Counter
	FilesUnrecoverable prometheus.Counter
	RepairsSucceeded  prometheus.Counter
	RepairsFailed     prometheus.Counter
	EncodeDuration    prometheus.Histogram
	CheckDuration     prometheus.Histogram
}

// New builds and registers the collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		FilesEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "files_encoded_total",
			Help: "Number of successful file encodes committed to the metadata store.",
		}),
		EncodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "encode_failures_total",
			Help: "Number of encode attempts that failed due to transient I/O.",
		}),
		ChecksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "integrity_checks_total",
			Help: "Number of per-file integrity checks performed.",
		}),
		ShardsDamaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "shards_damaged_total",
			Help: "Number of shards found to mismatch their recorded hash.",
		}),
		FilesUnrecoverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "files_unrecoverable_total",
			Help: "Number of files classified Unrecoverable by the integrity checker.",
		}),
		RepairsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "repairs_succeeded_total",
			Help: "Number of files returned to Protected by the repair engine.",
		}),
		RepairsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rsguard", Name: "repairs_failed_total",
			Help: "Number of repair attempts that left a file Damaged or Unrecoverable.",
		}),
		EncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rsguard", Name: "encode_duration_seconds",
			Help:    "Time to encode and commit one file.",
			Buckets: prometheus.DefBuckets,
		}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rsguard", Name: "check_duration_seconds",
			Help:    "Time to run one full integrity sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.FilesEncoded, c.EncodeFailures, c.ChecksRun, c.ShardsDamaged,
		c.FilesUnrecoverable, c.RepairsSucceeded, c.RepairsFailed,
		c.EncodeDuration, c.CheckDuration,
	)
	return c
}
