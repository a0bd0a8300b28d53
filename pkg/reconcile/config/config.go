// Package config loads reconciler settings from defaults, an optional YAML
// file and the environment, and builds the stores they describe.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Port:               "8080",
		Environment:        "development",
		StorageURL:         "memory://",
		DatabaseURL:        "memory",
		LeaseURL:           "memory",
		NATSSubjectPrefix:  "reconcile",
		GracePeriod:        reconcile.DefaultGracePeriod,
		LeaseTTL:           reconcile.DefaultLeaseTTL,
		Workers:            reconcile.DefaultWorkers,
		MaxAttempts:        reconcile.DefaultMaxAttempts,
		EnableEventLogging: true,
		EnableMetrics:      true,
	}
}

// Config is the reconciler configuration. Every field can be set from YAML
// and from the environment variable named in its env tag.
type Config struct {
	Port        string `yaml:"port" env:"PORT"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"` // development, production, testing

	// Blob storage: memory://, file:///path or s3://bucket?region=...
	StorageURL  string `yaml:"storage_url" env:"STORAGE_URL"`
	FailoverURL string `yaml:"failover_url" env:"FAILOVER_URL"`

	// Metadata: "memory" or postgres://...
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	// Plans, reports and policies. Empty keeps them in the database;
	// badger:///path (or badger:// for in-memory) uses an embedded store.
	StateURL string `yaml:"state_url" env:"STATE_URL"`

	// Leases: "memory" or redis://...
	LeaseURL string `yaml:"lease_url" env:"LEASE_URL"`

	// Events: empty disables NATS publishing
	NATSURL           string `yaml:"nats_url" env:"NATS_URL"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix" env:"NATS_SUBJECT_PREFIX"`

	GracePeriod     time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	LeaseTTL        time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RestoreMetadata bool          `yaml:"restore_metadata" env:"RESTORE_METADATA"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"MIGRATE_ON_START"`

	EnableEventLogging bool `yaml:"enable_event_logging" env:"ENABLE_EVENT_LOGGING"`
	EnableMetrics      bool `yaml:"enable_metrics" env:"ENABLE_METRICS"`

	Schedules []tasks.Schedule `yaml:"schedules"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if err := checkScheme("storage_url", c.StorageURL, "memory", "file", "s3"); err != nil {
		return err
	}
	if c.FailoverURL != "" {
		if err := checkScheme("failover_url", c.FailoverURL, "memory", "file", "s3"); err != nil {
			return err
		}
	}
	if c.DatabaseURL != "memory" {
		if err := checkScheme("database_url", c.DatabaseURL, "postgres", "postgresql"); err != nil {
			return err
		}
	}
	if c.StateURL != "" {
		if err := checkScheme("state_url", c.StateURL, "badger"); err != nil {
			return err
		}
	}
	if c.LeaseURL != "memory" {
		if err := checkScheme("lease_url", c.LeaseURL, "redis", "rediss"); err != nil {
			return err
		}
	}
	if c.GracePeriod < 0 {
		return errors.New("grace_period must not be negative")
	}
	if c.LeaseTTL <= 0 {
		return errors.New("lease_ttl must be positive")
	}
	if c.Workers <= 0 || c.MaxAttempts <= 0 {
		return errors.New("workers and max_attempts must be positive")
	}
	for _, s := range c.Schedules {
		if s.Every <= 0 {
			return fmt.Errorf("schedule %s: every must be positive", s.Task)
		}
	}
	return nil
}

// ReconcileOptions returns the engine options the configuration implies.
func (c *Config) ReconcileOptions() []reconcile.Option {
	return []reconcile.Option{
		reconcile.WithGracePeriod(c.GracePeriod),
		reconcile.WithLeaseTTL(c.LeaseTTL),
		reconcile.WithWorkers(c.Workers),
		reconcile.WithMaxAttempts(c.MaxAttempts),
		reconcile.WithRestoreMetadata(c.RestoreMetadata),
	}
}

func checkScheme(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("unsupported %s %q (use %s)", field, raw, strings.Join(schemes, ", "))
}
