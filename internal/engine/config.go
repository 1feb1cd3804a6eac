package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Config is the engine deployment configuration, loaded from YAML.
// Duration fields are integer nanoseconds in the file.
type Config struct {
	Storage     StorageConfig    `yaml:"storage"`
	RegistryDir string           `yaml:"registry_dir"`
	Weights     CoherenceWeights `yaml:"coherence_weights"`
	Buckets     BucketThresholds `yaml:"severity_buckets"`
	LockWait    time.Duration    `yaml:"lock_wait"`
	ProposalTTL time.Duration    `yaml:"proposal_ttl"`
	SweepEvery  time.Duration    `yaml:"sweep_every"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		Storage:     StorageConfig{Driver: "memory"},
		Weights:     DefaultCoherenceWeights(),
		Buckets:     DefaultBucketThresholds(),
		LockWait:    DefaultLockWait,
		ProposalTTL: DefaultProposalTTL,
		SweepEvery:  time.Hour,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) // #nosec G304 -- config path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithEnvOverrides overlays COHERENCECORE_* environment variables on top of
// the loaded configuration. Unset variables leave the value alone.
func (c Config) WithEnvOverrides() Config {
	if v := os.Getenv("COHERENCECORE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("COHERENCECORE_SQLITE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("COHERENCECORE_POSTGRES_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("COHERENCECORE_REGISTRY_DIR"); v != "" {
		c.RegistryDir = v
	}
	return c
}

// Validate rejects configurations the engine cannot honor.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	for _, w := range []float64{c.Weights.Conflict, c.Weights.Constraint, c.Weights.Drift} {
		if w < 0 {
			return fmt.Errorf("coherence weights must be non-negative")
		}
	}
	if c.Buckets.Medium <= 0 || c.Buckets.High <= c.Buckets.Medium || c.Buckets.Existential <= c.Buckets.High {
		return fmt.Errorf("severity buckets must be strictly increasing")
	}
	if c.Buckets.Existential > 1 {
		return fmt.Errorf("severity buckets must stay within [0,1]")
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("lock_wait must be positive")
	}
	return nil
}
