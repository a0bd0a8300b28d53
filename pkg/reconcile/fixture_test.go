package reconcile_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/lease"
	memoryrepo "github.com/tendant/blob-reconcile/pkg/reconcile/repo/memory"
	memorystorage "github.com/tendant/blob-reconcile/pkg/reconcile/storage/memory"
)

const testRepo = "maven-releases"

// fixture wires the in-memory stores. Blobs are written at created and the
// engine clock reads now, two days later, so every blob is past the grace period.
type fixture struct {
	blobs    *memorystorage.Backend
	failover *memorystorage.Backend
	repo     *memoryrepo.Repository
	leases   *lease.Manager
	created  time.Time
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	f := &fixture{
		repo:    memoryrepo.New(),
		created: created,
		now:     created.Add(48 * time.Hour),
	}
	f.blobs = memorystorage.New(memorystorage.WithClock(func() time.Time { return f.created }))
	f.failover = memorystorage.New(memorystorage.WithClock(func() time.Time { return f.created }))
	f.leases = lease.NewMemory(lease.WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (f *fixture) put(t *testing.T, store *memorystorage.Backend, id, content string, props map[string]string) {
	t.Helper()
	_, err := store.Put(context.Background(), reconcile.BlobID(id), strings.NewReader(content), props)
	require.NoError(t, err)
}

func (f *fixture) asset(t *testing.T, blob string) *reconcile.Asset {
	t.Helper()
	a := &reconcile.Asset{
		ID:         uuid.New(),
		Repository: testRepo,
		Path:       "org/example/" + blob + ".jar",
		Format:     "maven2",
		BlobRef:    reconcile.BlobID(blob),
	}
	require.NoError(t, f.repo.CreateAsset(context.Background(), a))
	return a
}

func (f *fixture) planner(t *testing.T, opts ...reconcile.Option) *reconcile.Planner {
	t.Helper()
	base := []reconcile.Option{reconcile.WithClock(f.clock), reconcile.WithFailover(f.failover)}
	p, err := reconcile.NewPlanner(f.blobs, f.repo, f.repo, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func (f *fixture) executor(t *testing.T, opts ...reconcile.Option) *reconcile.Executor {
	t.Helper()
	base := []reconcile.Option{
		reconcile.WithClock(f.clock),
		reconcile.WithFailover(f.failover),
		reconcile.WithIdentity("test-executor"),
		reconcile.WithRetryDelay(time.Millisecond),
	}
	e, err := reconcile.NewExecutor(f.blobs, f.repo, f.repo, f.leases, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func (f *fixture) read(t *testing.T, store *memorystorage.Backend, id string) string {
	t.Helper()
	rc, err := store.Open(context.Background(), reconcile.BlobID(id))
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func kinds(plan *reconcile.Plan) []string {
	var out []string
	for _, a := range plan.Actions {
		out = append(out, a.String())
	}
	return out
}

// flakyBlobs fails the first n calls to Delete with a transient error.
type flakyBlobs struct {
	*memorystorage.Backend
	failures int
	calls    int
}

func (b *flakyBlobs) Delete(ctx context.Context, id reconcile.BlobID) error {
	b.calls++
	if b.calls <= b.failures {
		return reconcile.NewTransientError("memory", "delete", string(id), io.ErrUnexpectedEOF)
	}
	return b.Backend.Delete(ctx, id)
}

// blockingBlobs never completes a Delete until ctx ends.
type blockingBlobs struct {
	*memorystorage.Backend
	started chan struct{}
}

func (b *blockingBlobs) Delete(ctx context.Context, id reconcile.BlobID) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

// losingLeases grants leases but refuses every renewal.
type losingLeases struct {
	*lease.Manager
}

func (l losingLeases) Renew(ctx context.Context, resource string, owner reconcile.Identity, ttl time.Duration) (*reconcile.Lease, error) {
	return nil, reconcile.ErrLeaseLost
}
