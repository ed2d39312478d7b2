// Package config loads and validates rs-guard's process configuration.
//
// Configuration is TOML (the config type is fixed to TOML, whatever the
// file's extension), loaded with github.com/spf13/viper the way the teacher repo
// loads its own config: environment variables as an override layer, a
// typed struct as the result, and a LoadConfig entry point bound to a
// --config flag on the root cobra command.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rsguard/rs-guard/internal/rgerrors"
)

// Config holds rs-guard's process-wide, immutable-after-load configuration.
// See spec.md §6 for the on-disk key names.
type Config struct {
	LogLevel         string        `mapstructure:"log_level"`
	WatchedRoots     []string      `mapstructure:"watched_directories"`
	DataShards       int           `mapstructure:"data_shards"`
	ParityShards     int           `mapstructure:"parity_shards"`
	StripeSize       int64         `mapstructure:"stripe_size"`
	CheckInterval    time.Duration `mapstructure:"-"`
	CheckIntervalSecs int          `mapstructure:"check_interval_secs"`
	MetadataDir      string        `mapstructure:"metadata_dir"`
	ShardDir         string        `mapstructure:"shard_dir"`
}

const (
	defaultStripeSize    = 1 << 20 // 1 MiB
	defaultCheckInterval = 3600
)

// LoadConfig reads configuration from the path bound to --config on cmd
// (or well-known default locations/names if unset), overlays environment
// variables, and validates the result. Invalid configuration is a fatal
// startup error per spec.md §6.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetConfigName("rs-guard")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rs-guard")

	if cmd != nil {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
	}

	v.SetEnvPrefix("RSGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("stripe_size", defaultStripeSize)
	v.SetDefault("check_interval_secs", defaultCheckInterval)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, rgerrors.ConfigError("read_config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, rgerrors.ConfigError("unmarshal_config", err)
	}
	cfg.CheckInterval = time.Duration(cfg.CheckIntervalSecs) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, rgerrors.ConfigError("validate_config", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.WatchedRoots) == 0 {
		return fmt.Errorf("watched_directories must not be empty")
	}
	cleaned := make([]string, len(c.WatchedRoots))
	for i, root := range c.WatchedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("watched_directories[%d] %q must be an absolute path", i, root)
		}
		cleaned[i] = filepath.Clean(root)
	}
	c.WatchedRoots = cleaned

	for i := 0; i < len(cleaned); i++ {
		for j := i + 1; j < len(cleaned); j++ {
			if overlaps(cleaned[i], cleaned[j]) {
				return fmt.Errorf("%w: %q and %q", rgerrors.ErrOverlappingRoots, cleaned[i], cleaned[j])
			}
		}
	}

	if c.DataShards < 1 {
		return fmt.Errorf("data_shards must be >= 1, got %d", c.DataShards)
	}
	if c.ParityShards < 1 {
		return fmt.Errorf("parity_shards must be >= 1, got %d", c.ParityShards)
	}
	if c.DataShards+c.ParityShards > 255 {
		return fmt.Errorf("%w: got %d", rgerrors.ErrTooManyShards, c.DataShards+c.ParityShards)
	}
	if c.StripeSize <= 0 {
		return fmt.Errorf("stripe_size must be > 0, got %d", c.StripeSize)
	}
	if c.StripeSize%int64(c.DataShards) != 0 {
		return fmt.Errorf("stripe_size (%d) must be a multiple of data_shards (%d)", c.StripeSize, c.DataShards)
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("metadata_dir must be set")
	}
	if c.ShardDir == "" {
		return fmt.Errorf("shard_dir must be set")
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval * time.Second
	}
	return nil
}

// ShardSize returns the byte length of a single data (or parity) shard: stripe_size / data_shards.
func (c *Config) ShardSize() int64 {
	return c.StripeSize / int64(c.DataShards)
}

// overlaps reports whether one of the two cleaned, absolute directory paths is an ancestor of the other.
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	rel, err := filepath.Rel(a, b)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	rel2, err := filepath.Rel(b, a)
	if err == nil && rel2 != ".." && !strings.HasPrefix(rel2, ".."+string(filepath.Separator)) {
		return true
	}
	return false
}
