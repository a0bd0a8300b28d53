// Package redis implements reconcile.LeaseManager on Redis with Lua scripts,
// so executors on different hosts agree on who owns a plan.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultPrefix   = "reconcile:lease:"
	storeName       = "redis"
)

// Manager is a Redis-backed reconcile.LeaseManager
type Manager struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

var _ reconcile.LeaseManager = (*Manager)(nil)

// Option configures the manager
type Option func(*Manager)

// WithPrefix sets the key prefix under which leases are stored
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithClock replaces time.Now for the timestamps recorded in a lease
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// New connects to url and verifies the connection with PING
func New(url string, opts ...Option) (*Manager, error) {
	if url == "" {
		url = defaultRedisURL
	}
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, opts ...Option) *Manager {
	m := &Manager{client: client, prefix: defaultPrefix, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close shuts down the Redis client.
func (m *Manager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *Manager) Acquire(ctx context.Context, resource string, owner reconcile.Identity, ttl time.Duration) (*reconcile.Lease, error) {
	if err := validate(resource, owner); err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	res, err := m.client.Eval(ctx, acquireScript, []string{m.key(resource)},
		string(owner), ttl.Milliseconds(), now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, classify("acquire", resource, err)
	}
	payload, _ := res.(string)
	if payload == "" {
		return nil, reconcile.ErrLeaseHeld
	}
	return parseLease(payload, resource)
}

func (m *Manager) Renew(ctx context.Context, resource string, owner reconcile.Identity, ttl time.Duration) (*reconcile.Lease, error) {
	if err := validate(resource, owner); err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	res, err := m.client.Eval(ctx, renewScript, []string{m.key(resource)},
		string(owner), ttl.Milliseconds(), now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, classify("renew", resource, err)
	}
	payload, _ := res.(string)
	if payload == "" {
		return nil, reconcile.ErrLeaseLost
	}
	return parseLease(payload, resource)
}

func (m *Manager) Release(ctx context.Context, resource string, owner reconcile.Identity) error {
	if err := validate(resource, owner); err != nil {
		return err
	}
	if err := m.client.Eval(ctx, releaseScript, []string{m.key(resource)}, string(owner)).Err(); err != nil {
		return classify("release", resource, err)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, resource string) (*reconcile.Lease, error) {
	payload, err := m.client.Get(ctx, m.key(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", resource, err)
	}
	return parseLease(payload, resource)
}

func (m *Manager) key(resource string) string {
	return m.prefix + resource
}

// Lua numbers are doubles; cjson may render large integers in exponent form.
type leasePayload struct {
	Owner      string  `json:"owner"`
	AcquiredAt float64 `json:"acquired_at"`
	ExpiresAt  float64 `json:"expires_at"`
}

func parseLease(payload, resource string) (*reconcile.Lease, error) {
	var decoded leasePayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return &reconcile.Lease{
		Resource:   resource,
		Owner:      reconcile.Identity(decoded.Owner),
		AcquiredAt: time.UnixMilli(int64(decoded.AcquiredAt)).UTC(),
		ExpiresAt:  time.UnixMilli(int64(decoded.ExpiresAt)).UTC(),
	}, nil
}

func validate(resource string, owner reconcile.Identity) error {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(string(owner)) == "" {
		return fmt.Errorf("resource and owner required")
	}
	return nil
}

// classify marks connection-level failures as transient.
func classify(op, resource string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return reconcile.NewTransientError(storeName, op, resource, err)
	}
	return fmt.Errorf("redis %s %s: %w", op, resource, err)
}

const acquireScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
local acquired = now
if payload then
  local lease = cjson.decode(payload)
  if lease["owner"] ~= owner then
    return ""
  end
  acquired = lease["acquired_at"]
end
local encoded = cjson.encode({owner = owner, acquired_at = acquired, expires_at = now + ttl})
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`

const renewScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lease = cjson.decode(payload)
if lease["owner"] ~= owner then
  return ""
end
lease["expires_at"] = now + ttl
local encoded = cjson.encode(lease)
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`

const releaseScript = `
local key = KEYS[1]
local owner = ARGV[1]
local payload = redis.call("GET", key)
if not payload then
  return 0
end
local lease = cjson.decode(payload)
if lease["owner"] ~= owner then
  return 0
end
redis.call("DEL", key)
return 1
`
