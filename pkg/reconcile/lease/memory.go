// Package lease provides reconcile.LeaseManager implementations. The memory
// manager serves single-process deployments and tests; the redis subpackage
// coordinates clustered executors.
package lease

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

// Manager is an in-process reconcile.LeaseManager
type Manager struct {
	mu     sync.Mutex
	leases map[string]reconcile.Lease
	clock  func() time.Time
}

var _ reconcile.LeaseManager = (*Manager)(nil)

// Option configures the manager
type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// NewMemory creates an in-process lease manager
func NewMemory(opts ...Option) *Manager {
	m := &Manager{leases: make(map[string]reconcile.Lease), clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Acquire(ctx context.Context, resource string, owner reconcile.Identity, ttl time.Duration) (*reconcile.Lease, error) {
	if err := validate(resource, owner); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	current, ok := m.leases[resource]
	if ok && !current.Expired(now) && current.Owner != owner {
		return nil, reconcile.ErrLeaseHeld
	}
	l := reconcile.Lease{Resource: resource, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if ok && current.Owner == owner && !current.Expired(now) {
		l.AcquiredAt = current.AcquiredAt
	}
	m.leases[resource] = l
	return &l, nil
}

func (m *Manager) Renew(ctx context.Context, resource string, owner reconcile.Identity, ttl time.Duration) (*reconcile.Lease, error) {
	if err := validate(resource, owner); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	current, ok := m.leases[resource]
	if !ok || !current.HeldBy(owner, now) {
		return nil, reconcile.ErrLeaseLost
	}
	current.ExpiresAt = now.Add(ttl)
	m.leases[resource] = current
	return &current, nil
}

func (m *Manager) Release(ctx context.Context, resource string, owner reconcile.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.leases[resource]; ok && current.Owner == owner {
		delete(m.leases, resource)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, resource string) (*reconcile.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[resource]
	if !ok || current.Expired(m.clock()) {
		return nil, nil
	}
	return &current, nil
}

// Expire drops a lease regardless of owner, as if its ttl had lapsed
func (m *Manager) Expire(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, resource)
}

func validate(resource string, owner reconcile.Identity) error {
	if strings.TrimSpace(resource) == "" || strings.TrimSpace(string(owner)) == "" {
		return errResourceOwner
	}
	return nil
}
