package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	BackendFile   = "file"
	BackendPebble = "pebble"

	envPrefix = "LOGDEV"
)

type Config struct {
	Dir     string `mapstructure:"dir"`
	Backend string `mapstructure:"backend"`

	Store  StoreOptions  `mapstructure:"store"`
	LogDev LogDevOptions `mapstructure:"logdev"`
	Bench  BenchOptions  `mapstructure:"bench"`
}

type StoreOptions struct {
	SegmentSize int64 `mapstructure:"segment_size"`
	// Fsync applies to the pebble backend only: "always" or "never".
	Fsync string `mapstructure:"fsync"`
}

type LogDevOptions struct {
	FlushThresholdSize   int64 `mapstructure:"flush_threshold_size"`
	TruncateIdxFrequency int64 `mapstructure:"truncate_idx_frequency"`
}

// BenchOptions drive the appenders started by the logdev command.
type BenchOptions struct {
	Writers     int `mapstructure:"writers"`
	Records     int `mapstructure:"records"`
	PayloadSize int `mapstructure:"payload_size"`
}

var defaults = map[string]interface{}{
	"dir":                           "data",
	"backend":                       BackendFile,
	"store.segment_size":            64 * 1024 * 1024,
	"store.fsync":                   "always",
	"logdev.flush_threshold_size":   4096,
	"logdev.truncate_idx_frequency": 640,
	"bench.writers":                 4,
	"bench.records":                 100000,
	"bench.payload_size":            100,
}

// Load reads the config file at path, if any, and overlays LOGDEV_* env
// variables, e.g. LOGDEV_LOGDEV_FLUSH_THRESHOLD_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendPebble:
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Store.Fsync {
	case "always", "never":
	default:
		return errors.Errorf("unknown fsync mode %q", c.Store.Fsync)
	}

	if c.Dir == "" {
		return errors.New("dir is required")
	}

	if c.Bench.Writers <= 0 {
		return errors.New("bench.writers must be positive")
	}

	if c.Bench.PayloadSize < 0 {
		return errors.New("bench.payload_size must not be negative")
	}

	return nil
}
