package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shardmig/shardmig/pkg/types"
)

// Defaults carried over from the service's historical tuning.
const (
	DefaultBatchSize        = 1000
	DefaultMinBatch         = 50
	DefaultMaxBatch         = 10000
	DefaultParallelism      = 10
	DefaultMaxRetries       = 3
	DefaultBackoffFactor    = 1.5
	DefaultLockTTL          = 30 * time.Second
	DefaultLockGrace        = 10 * time.Second
	DefaultHighWatermark    = 2 * time.Second
	DefaultLowWatermark     = 500 * time.Millisecond
	DefaultAdjustEvery      = 5
	DefaultThrottleRate     = 100
)

// TopologySource selects how shards are discovered.
type TopologySource string

const (
	TopologyStatic    TopologySource = "static"
	TopologyDiscovery TopologySource = "discovery"
)

// BusKind selects the event bus back-end.
type BusKind string

const (
	BusMemory   BusKind = "memory"
	BusOutboxed BusKind = "outboxed"
)

// RollbackPolicy decides what a step failure does to the migration.
type RollbackPolicy string

const (
	RollbackCompensate RollbackPolicy = "compensate"
	RollbackHalt       RollbackPolicy = "halt"
)

// StoreConnections lists per-shard DSNs for one store class.
type StoreConnections struct {
	// Shards maps shard id to its DSN.
	Shards map[string]string `yaml:"shards"`
}

// Config is the full structured configuration of the coordinator.
type Config struct {
	DataDir string `yaml:"dataDir"`
	APIAddr string `yaml:"apiAddr"`

	LogLevel string `yaml:"logLevel"`
	JSONLogs bool   `yaml:"jsonLogs"`

	// Store connections per back-end class.
	Document   StoreConnections `yaml:"document"`
	Relational StoreConnections `yaml:"relational"`

	TopologySource TopologySource `yaml:"topologySource"`
	// DiscoveryFile is watched for shard membership when
	// TopologySource is "discovery".
	DiscoveryFile string `yaml:"discoveryFile"`

	PerStoreClassParallelism int `yaml:"perStoreClassParallelism"`

	DefaultBatch int           `yaml:"defaultBatch"`
	MinBatch     int           `yaml:"minBatch"`
	MaxBatch     int           `yaml:"maxBatch"`
	ThrottleRate int           `yaml:"throttleRate"`
	LockTTL      time.Duration `yaml:"lockTTL"`
	LockGrace    time.Duration `yaml:"lockGrace"`

	MaxRetries    int     `yaml:"maxRetries"`
	BackoffFactor float64 `yaml:"backoffFactor"`

	EventBusKind   BusKind        `yaml:"eventBusKind"`
	RollbackPolicy RollbackPolicy `yaml:"rollbackPolicy"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		DataDir:                  "/var/lib/shardmig",
		APIAddr:                  ":8080",
		LogLevel:                 "info",
		JSONLogs:                 true,
		TopologySource:           TopologyStatic,
		PerStoreClassParallelism: DefaultParallelism,
		DefaultBatch:             DefaultBatchSize,
		MinBatch:                 DefaultMinBatch,
		MaxBatch:                 DefaultMaxBatch,
		ThrottleRate:             DefaultThrottleRate,
		LockTTL:                  DefaultLockTTL,
		LockGrace:                DefaultLockGrace,
		MaxRetries:               DefaultMaxRetries,
		BackoffFactor:            DefaultBackoffFactor,
		EventBusKind:             BusOutboxed,
		RollbackPolicy:           RollbackCompensate,
	}
}

// Load reads a YAML config file, applies SHARDMIG_* environment
// overrides, validates and returns the result. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHARDMIG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHARDMIG_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("SHARDMIG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHARDMIG_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PerStoreClassParallelism = n
		}
	}
	if v := os.Getenv("SHARDMIG_DEFAULT_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultBatch = n
		}
	}
	if v := os.Getenv("SHARDMIG_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTTL = d
		}
	}
	if v := os.Getenv("SHARDMIG_EVENT_BUS"); v != "" {
		cfg.EventBusKind = BusKind(v)
	}
	if v := os.Getenv("SHARDMIG_ROLLBACK_POLICY"); v != "" {
		cfg.RollbackPolicy = RollbackPolicy(v)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.PerStoreClassParallelism <= 0 {
		return fmt.Errorf("perStoreClassParallelism must be positive, got %d", c.PerStoreClassParallelism)
	}
	if c.MinBatch <= 0 || c.MaxBatch < c.MinBatch {
		return fmt.Errorf("invalid batch bounds [%d, %d]", c.MinBatch, c.MaxBatch)
	}
	if c.DefaultBatch < c.MinBatch || c.DefaultBatch > c.MaxBatch {
		return fmt.Errorf("defaultBatch %d outside bounds [%d, %d]", c.DefaultBatch, c.MinBatch, c.MaxBatch)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lockTTL must be positive")
	}
	switch c.TopologySource {
	case TopologyStatic, TopologyDiscovery:
	default:
		return fmt.Errorf("unknown topology source: %q", c.TopologySource)
	}
	switch c.EventBusKind {
	case BusMemory, BusOutboxed:
	default:
		return fmt.Errorf("unknown event bus kind: %q", c.EventBusKind)
	}
	switch c.RollbackPolicy {
	case RollbackCompensate, RollbackHalt:
	default:
		return fmt.Errorf("unknown rollback policy: %q", c.RollbackPolicy)
	}
	if c.BackoffFactor < 1.0 {
		return fmt.Errorf("backoffFactor must be >= 1.0, got %v", c.BackoffFactor)
	}
	return nil
}

// Connections returns the configured DSN map for a store class.
func (c *Config) Connections(class types.StoreClass) map[string]string {
	switch class {
	case types.StoreClassDocument:
		return c.Document.Shards
	case types.StoreClassRelational:
		return c.Relational.Shards
	}
	return nil
}
