package reconcile

import (
	"log/slog"
	"time"
)

const (
	// DefaultGracePeriod protects blobs written by in-flight ingestion.
	DefaultGracePeriod = 24 * time.Hour
	// DefaultLeaseTTL bounds how long a crashed executor blocks a plan.
	DefaultLeaseTTL     = 30 * time.Second
	DefaultWorkers      = 4
	DefaultMaxAttempts  = 3
	defaultProgressStep = 1000
)

type options struct {
	failover    BlobStore
	grace       time.Duration
	clock       func() time.Time
	progress    func(scanned int64)
	restore     bool
	identity    Identity
	leaseTTL    time.Duration
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	events      EventSink
	metrics     Metrics
}

func defaultOptions() options {
	return options{
		grace:       DefaultGracePeriod,
		clock:       time.Now,
		leaseTTL:    DefaultLeaseTTL,
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  100 * time.Millisecond,
		logger:      slog.Default(),
		events:      NewNoopEventSink(),
	}
}

// Option configures a Planner or an Executor.
type Option func(*options)

// WithFailover sets the secondary store consulted for dangling references
func WithFailover(store BlobStore) Option {
	return func(o *options) {
		o.failover = store
	}
}

// WithGracePeriod sets the minimum age before an unreferenced blob is an orphan
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithProgress registers a callback invoked periodically with the number of
// listing entries scanned so far.
func WithProgress(fn func(scanned int64)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithRestoreMetadata makes the planner propose asset records for blobs
// whose properties still name the scanned repository.
func WithRestoreMetadata(enabled bool) Option {
	return func(o *options) {
		o.restore = enabled
	}
}

// WithIdentity sets the lease owner identity of this process. Executors
// require it; generate it once per process with NewIdentity.
func WithIdentity(id Identity) Option {
	return func(o *options) {
		if id != "" {
			o.identity = id
		}
	}
}

// WithLeaseTTL sets the lease duration; leases are renewed every ttl/3
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithWorkers sets the number of executor partitions
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxAttempts bounds attempts per action on transient errors
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the initial backoff interval between attempts
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventSink sets the lifecycle event sink
func WithEventSink(sink EventSink) Option {
	return func(o *options) {
		if sink != nil {
			o.events = sink
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func (o *options) now() time.Time {
	return o.clock().UTC()
}
