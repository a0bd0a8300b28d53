package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	natssink "github.com/tendant/blob-reconcile/pkg/reconcile/events/nats"
	"github.com/tendant/blob-reconcile/pkg/reconcile/lease"
	redislease "github.com/tendant/blob-reconcile/pkg/reconcile/lease/redis"
	badgerrepo "github.com/tendant/blob-reconcile/pkg/reconcile/repo/badger"
	memoryrepo "github.com/tendant/blob-reconcile/pkg/reconcile/repo/memory"
	repopg "github.com/tendant/blob-reconcile/pkg/reconcile/repo/postgres"
	fsstorage "github.com/tendant/blob-reconcile/pkg/reconcile/storage/fs"
	memorystorage "github.com/tendant/blob-reconcile/pkg/reconcile/storage/memory"
	s3storage "github.com/tendant/blob-reconcile/pkg/reconcile/storage/s3"
)

// Stores are the metadata, plan and policy stores built from a Config.
type Stores struct {
	Metadata reconcile.MetadataStore
	Plans    reconcile.PlanStore
	Policies reconcile.PolicyStore

	closers []func() error
}

// Close releases every connection the stores hold.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// BuildBlobStore creates the primary blob store.
func (c *Config) BuildBlobStore() (reconcile.BlobStore, error) {
	return BlobStoreFromURL(c.StorageURL)
}

// BuildFailover creates the failover blob store, or returns nil when none is configured.
func (c *Config) BuildFailover() (reconcile.BlobStore, error) {
	if c.FailoverURL == "" {
		return nil, nil
	}
	return BlobStoreFromURL(c.FailoverURL)
}

// BlobStoreFromURL creates a blob store from memory://, file:///path or
// s3://bucket?region=&endpoint=&prefix=&path_style=&create_bucket= URLs.
// S3 credentials come from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY when set.
func BlobStoreFromURL(raw string) (reconcile.BlobStore, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse storage url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return memorystorage.New(), nil
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + u.Path
		}
		if dir == "" {
			return nil, fmt.Errorf("filesystem path cannot be empty in storage url")
		}
		return fsstorage.New(fsstorage.Config{BaseDir: dir})
	case "s3":
		cfg, err := S3Config(u)
		if err != nil {
			return nil, err
		}
		return s3storage.New(cfg)
	}
	return nil, fmt.Errorf("unsupported storage url %q (use memory://, file://... or s3://...)", raw)
}

// S3Config maps an s3:// URL to a backend configuration.
func S3Config(u *url.URL) (s3storage.Config, error) {
	q := u.Query()
	cfg := s3storage.Config{
		Bucket:   u.Host,
		Region:   q.Get("region"),
		Prefix:   strings.TrimPrefix(q.Get("prefix"), "/"),
		Endpoint: q.Get("endpoint"),
	}
	if cfg.Bucket == "" {
		return cfg, fmt.Errorf("S3 bucket name cannot be empty in storage url")
	}
	if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" && cfg.Region == "" {
		cfg.Region = region
	}
	cfg.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	cfg.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")

	var err error
	if cfg.UsePathStyle, err = queryBool(q, "path_style"); err != nil {
		return cfg, err
	}
	if cfg.CreateBucketIfNotExist, err = queryBool(q, "create_bucket"); err != nil {
		return cfg, err
	}
	if v := q.Get("sse"); v != "" {
		cfg.EnableSSE = true
		cfg.SSEAlgorithm = v
		cfg.SSEKMSKeyID = q.Get("kms_key_id")
	}
	return cfg, nil
}

func queryBool(q url.Values, key string) (bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}

// BuildStores creates the metadata, plan and policy stores. A postgres
// database is migrated first when MigrateOnStart is set.
func (c *Config) BuildStores(ctx context.Context, logger *slog.Logger) (*Stores, error) {
	s := &Stores{}
	switch {
	case c.DatabaseURL == "" || c.DatabaseURL == "memory":
		repo := memoryrepo.New()
		s.Metadata, s.Plans, s.Policies = repo, repo, repo
	default:
		if c.MigrateOnStart {
			if err := repopg.Migrate(ctx, c.DatabaseURL, logger); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pool, err := pgxpool.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		repo := repopg.NewWithPool(pool)
		s.Metadata, s.Plans, s.Policies = repo, repo, repo
	}

	if c.StateURL != "" {
		u, err := url.Parse(c.StateURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse state url: %w", err)
		}
		store, err := badgerrepo.Open(u.Host + u.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.Plans, s.Policies = store, store
	}
	return s, nil
}

// BuildLeases creates the lease manager. The returned close function is never nil.
func (c *Config) BuildLeases() (reconcile.LeaseManager, func() error, error) {
	if c.LeaseURL == "" || c.LeaseURL == "memory" {
		return lease.NewMemory(), func() error { return nil }, nil
	}
	m, err := redislease.New(c.LeaseURL)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}

// BuildEventSink creates the event sink: NATS when NATSURL is set, otherwise
// a logging or no-op sink. The returned close function is never nil.
func (c *Config) BuildEventSink(logger *slog.Logger) (reconcile.EventSink, func() error, error) {
	if c.NATSURL != "" {
		sink, err := natssink.Dial(c.NATSURL, logger, natssink.WithSubjectPrefix(c.NATSSubjectPrefix))
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	}
	if c.EnableEventLogging {
		return reconcile.NewLoggingEventSink(logger), func() error { return nil }, nil
	}
	return reconcile.NewNoopEventSink(), func() error { return nil }, nil
}
