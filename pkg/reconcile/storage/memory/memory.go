package memory

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

type entry struct {
	data  []byte
	attrs reconcile.BlobAttributes
}

// Backend is an in-memory implementation of the reconcile.BlobStore interface
type Backend struct {
	mu    sync.RWMutex
	blobs map[reconcile.BlobID]*entry
	clock func() time.Time
}

// Option configures the backend
type Option func(*Backend)

// WithClock sets the clock used to stamp blob creation times
func WithClock(clock func() time.Time) Option {
	return func(b *Backend) {
		b.clock = clock
	}
}

// New creates a new in-memory storage backend
func New(opts ...Option) *Backend {
	b := &Backend{
		blobs: make(map[reconcile.BlobID]*entry),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ListBlobIDs yields stored ids in ascending order from a snapshot taken on
// the first pull.
func (b *Backend) ListBlobIDs(ctx context.Context, after reconcile.BlobID) iter.Seq2[reconcile.BlobID, error] {
	return func(yield func(reconcile.BlobID, error) bool) {
		b.mu.RLock()
		ids := slices.Sorted(maps.Keys(b.blobs))
		b.mu.RUnlock()

		start, _ := slices.BinarySearch(ids, after)
		for _, id := range ids[start:] {
			if id <= after {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Exists reports whether a blob is stored
func (b *Backend) Exists(ctx context.Context, id reconcile.BlobID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.blobs[id]
	return ok, nil
}

// GetAttributes returns a copy of the stored attributes
func (b *Backend) GetAttributes(ctx context.Context, id reconcile.BlobID) (*reconcile.BlobAttributes, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.blobs[id]
	if !ok {
		return nil, reconcile.ErrBlobNotFound
	}
	attrs := e.attrs
	attrs.Properties = maps.Clone(e.attrs.Properties)
	return &attrs, nil
}

// Open returns the blob payload
func (b *Backend) Open(ctx context.Context, id reconcile.BlobID) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.blobs[id]
	if !ok {
		return nil, reconcile.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

// Put stores a payload, replacing any previous blob with the same id
func (b *Backend) Put(ctx context.Context, id reconcile.BlobID, r io.Reader, props map[string]string) (*reconcile.BlobAttributes, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	e := &entry{
		data: data,
		attrs: reconcile.BlobAttributes{
			ID:         id,
			Size:       int64(len(data)),
			CreatedAt:  b.clock().UTC(),
			Checksum:   hex.EncodeToString(sum[:]),
			Properties: maps.Clone(props),
		},
	}
	b.blobs[id] = e
	attrs := e.attrs
	attrs.Properties = maps.Clone(props)
	return &attrs, nil
}

// Delete removes a blob
func (b *Backend) Delete(ctx context.Context, id reconcile.BlobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.blobs[id]; !ok {
		return reconcile.ErrBlobNotFound
	}
	delete(b.blobs, id)
	return nil
}

// MarkDeleted sets the soft-delete flag on a blob, keeping its payload
func (b *Backend) MarkDeleted(id reconcile.BlobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.blobs[id]
	if !ok {
		return reconcile.ErrBlobNotFound
	}
	e.attrs.Deleted = true
	return nil
}

// Undelete clears the soft-delete flag on a blob
func (b *Backend) Undelete(ctx context.Context, id reconcile.BlobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.blobs[id]
	if !ok {
		return reconcile.ErrBlobNotFound
	}
	e.attrs.Deleted = false
	return nil
}

// Len returns the number of stored blobs
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
