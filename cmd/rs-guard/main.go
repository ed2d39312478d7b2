package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rsguard/rs-guard/internal/checker"
	"github.com/rsguard/rs-guard/internal/config"
	"github.com/rsguard/rs-guard/internal/domain"
	"github.com/rsguard/rs-guard/internal/engine"
	"github.com/rsguard/rs-guard/internal/facade"
	"github.com/rsguard/rs-guard/internal/logging"
	"github.com/rsguard/rs-guard/internal/metastore"
	"github.com/rsguard/rs-guard/internal/metrics"
	"github.com/rsguard/rs-guard/internal/ratelimit"
	"github.com/rsguard/rs-guard/internal/repair"
	"github.com/rsguard/rs-guard/internal/shardstore"
	"github.com/rsguard/rs-guard/internal/watcher"

	"github.com/prometheus/client_golang/prometheus"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rs-guard",
	Short: "Reed-Solomon file protection daemon",
	Long:  "rs-guard watches a set of directories, erasure-codes their files, and self-heals bit rot and missing shards.",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("config", "", "config file path (default ./rs-guard.toml)")
	rootCmd.AddCommand(runCmd, statusCmd, checkCmd, debugCmd)
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(rootCmd)
	if err != nil {
		log.Fatalf("rs-guard: failed to load configuration: %v", err)
	}
	logging.Init(cfg)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the protection daemon: watch, encode, check, and repair",
	Run:   runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a summary of protected/damaged/unrecoverable files",
	Run:   runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Trigger an out-of-band integrity sweep and print the result",
	Run:   runCheck,
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Print the loaded configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Configuration:\n")
		fmt.Printf("  Log level: %s\n", cfg.LogLevel)
		fmt.Printf("  Watched directories: %v\n", cfg.WatchedRoots)
		fmt.Printf("  Data shards: %d\n", cfg.DataShards)
		fmt.Printf("  Parity shards: %d\n", cfg.ParityShards)
		fmt.Printf("  Stripe size: %d bytes\n", cfg.StripeSize)
		fmt.Printf("  Check interval: %s\n", cfg.CheckInterval)
		fmt.Printf("  Metadata dir: %s\n", cfg.MetadataDir)
		fmt.Printf("  Shard dir: %s\n", cfg.ShardDir)
	},
}

// buildEngine wires C1-C4 together over the loaded configuration. It
// is shared by every subcommand that needs a live view of the
// metadata store.
func buildEngine() (*engine.Engine, *metastore.Store, *shardstore.Store, func(), error) {
	if err := os.MkdirAll(cfg.MetadataDir, 0o755); err != nil {
		return nil, nil, nil, nil, err
	}
	meta, err := metastore.Open(filepath.Join(cfg.MetadataDir, "rs-guard.db"))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	shards, err := shardstore.Open(cfg.ShardDir)
	if err != nil {
		meta.Close()
		return nil, nil, nil, nil, err
	}
	e, err := engine.New(cfg, shards, meta, nil)
	if err != nil {
		meta.Close()
		return nil, nil, nil, nil, err
	}
	return e, meta, shards, func() { meta.Close() }, nil
}

func runStatus(cmd *cobra.Command, args []string) {
	_, meta, _, closeFn, err := buildEngine()
	if err != nil {
		log.Fatalf("rs-guard: %v", err)
	}
	defer closeFn()

	f := facade.New(cfg, meta, nil)
	snap, err := f.Status()
	if err != nil {
		log.Fatalf("rs-guard: status: %v", err)
	}
	fmt.Printf("Protected: %d  Damaged: %d  Unrecoverable: %d  Total: %d\n",
		snap.Protected, snap.Damaged, snap.Unrecoverable, snap.TotalFiles)
}

func runCheck(cmd *cobra.Command, args []string) {
	e, meta, shards, closeFn, err := buildEngine()
	if err != nil {
		log.Fatalf("rs-guard: %v", err)
	}
	defer closeFn()

	limiter := ratelimit.New(checkerRateLimit, checkerBurst)
	c := checker.New(meta, shards, limiter, nil, checkerWorkers)
	rp := repair.New(e, nil)
	c.OnDamage = func(report domain.DamageReport) {
		if err := rp.Repair(report); err != nil {
			log.WithField("file_id", report.FileID).WithError(err).Warn("rs-guard: repair did not fully succeed")
		}
	}

	f := facade.New(cfg, meta, c)
	snap, err := f.CheckNow(context.Background())
	if err != nil {
		log.Fatalf("rs-guard: check: %v", err)
	}
	fmt.Printf("Protected: %d  Damaged: %d  Unrecoverable: %d  Total: %d\n",
		snap.Protected, snap.Damaged, snap.Unrecoverable, snap.TotalFiles)
}

const (
	checkerRateLimit = 200.0
	checkerBurst     = 64
	checkerWorkers   = 4
	encodeWorkers    = 4
	watcherDebounce  = 500 * time.Millisecond
	watcherQueueCap  = 4 * encodeWorkers
)

func runDaemon(cmd *cobra.Command, args []string) {
	e, meta, shards, closeFn, err := buildEngine()
	if err != nil {
		log.Fatalf("rs-guard: %v", err)
	}
	defer closeFn()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	w, err := watcher.New(cfg.WatchedRoots, watcherDebounce, watcherQueueCap)
	if err != nil {
		log.Fatalf("rs-guard: failed to start watcher: %v", err)
	}
	defer w.Close()

	limiter := ratelimit.New(checkerRateLimit, checkerBurst)
	c := checker.New(meta, shards, limiter, m, checkerWorkers)
	rp := repair.New(e, m)
	c.OnDamage = func(report domain.DamageReport) {
		if err := rp.Repair(report); err != nil {
			log.WithField("file_id", report.FileID).WithError(err).Warn("rs-guard: repair did not fully succeed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go w.Run(ctx)
	go e.Run(ctx, w.Events(), encodeWorkers)
	go c.Run(ctx, cfg.CheckInterval)

	log.WithField("roots", cfg.WatchedRoots).Info("rs-guard: running")
	<-ctx.Done()
	log.Info("rs-guard: shutting down")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
