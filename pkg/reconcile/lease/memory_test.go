package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestMemoryManager_Contention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()
	a, b := reconcile.Identity("host-a"), reconcile.Identity("host-b")

	l, err := m.Acquire(ctx, "plan:1", a, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, l.HeldBy(a, clock.now))

	_, err = m.Acquire(ctx, "plan:1", b, 30*time.Second)
	assert.ErrorIs(t, err, reconcile.ErrLeaseHeld)

	// re-acquire by the holder extends
	clock.now = clock.now.Add(10 * time.Second)
	l, err = m.Acquire(ctx, "plan:1", a, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(30*time.Second), l.ExpiresAt)

	_, err = m.Renew(ctx, "plan:1", b, 30*time.Second)
	assert.ErrorIs(t, err, reconcile.ErrLeaseLost)

	// expiry hands the lease over
	clock.now = clock.now.Add(31 * time.Second)
	got, err := m.Get(ctx, "plan:1")
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = m.Renew(ctx, "plan:1", a, 30*time.Second)
	assert.ErrorIs(t, err, reconcile.ErrLeaseLost)
	l, err = m.Acquire(ctx, "plan:1", b, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, b, l.Owner)

	// release by a non-holder is ignored
	require.NoError(t, m.Release(ctx, "plan:1", a))
	got, err = m.Get(ctx, "plan:1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b, got.Owner)

	require.NoError(t, m.Release(ctx, "plan:1", b))
	got, err = m.Get(ctx, "plan:1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryManager_RequiresOwner(t *testing.T) {
	m := NewMemory()
	_, err := m.Acquire(context.Background(), "plan:1", "", time.Second)
	assert.Error(t, err)
	_, err = m.Acquire(context.Background(), " ", "host-a", time.Second)
	assert.Error(t, err)
}
