package fs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
)

const (
	bytesExt      = ".bytes"
	propertiesExt = ".properties"
)

// Backend is a filesystem implementation of the reconcile.BlobStore interface.
//
// Blobs live at <BaseDir>/<first two characters of id>/<id>.bytes with their
// attributes in a JSON sidecar <id>.properties next to the payload.
type Backend struct {
	baseDir string
	clock   func() time.Time
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing blobs
	// Clock stamps creation times; defaults to time.Now
	Clock func() time.Time
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Backend{baseDir: config.BaseDir, clock: clock}, nil
}

func shard(id reconcile.BlobID) string {
	if len(id) < 2 {
		return string(id)
	}
	return string(id[:2])
}

func validID(id reconcile.BlobID) error {
	s := string(id)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid blob id %q", s)
	}
	return nil
}

func (b *Backend) paths(id reconcile.BlobID) (data, props string) {
	dir := filepath.Join(b.baseDir, shard(id))
	return filepath.Join(dir, string(id)+bytesExt), filepath.Join(dir, string(id)+propertiesExt)
}

// ListBlobIDs walks the shard directories in order. Ids inside a shard are
// sorted before they are yielded, so the sequence is globally ascending.
func (b *Backend) ListBlobIDs(ctx context.Context, after reconcile.BlobID) iter.Seq2[reconcile.BlobID, error] {
	return func(yield func(reconcile.BlobID, error) bool) {
		shards, err := os.ReadDir(b.baseDir)
		if err != nil {
			yield("", fmt.Errorf("failed to list base directory: %w", err))
			return
		}
		for _, s := range shards {
			if !s.IsDir() {
				continue
			}
			if after != "" && s.Name() < shard(after) && !strings.HasPrefix(string(after), s.Name()) {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(b.baseDir, s.Name()))
			if err != nil {
				yield("", fmt.Errorf("failed to list shard %s: %w", s.Name(), err))
				return
			}
			var ids []reconcile.BlobID
			for _, e := range entries {
				name, ok := strings.CutSuffix(e.Name(), bytesExt)
				if ok && reconcile.BlobID(name) > after {
					ids = append(ids, reconcile.BlobID(name))
				}
			}
			slices.Sort(ids)
			for _, id := range ids {
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
}

// Exists reports whether the payload file is present
func (b *Backend) Exists(ctx context.Context, id reconcile.BlobID) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	data, _ := b.paths(id)
	_, err := os.Stat(data)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// GetAttributes reads the properties sidecar
func (b *Backend) GetAttributes(ctx context.Context, id reconcile.BlobID) (*reconcile.BlobAttributes, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, props := b.paths(id)
	info, err := os.Stat(data)
	if os.IsNotExist(err) {
		return nil, reconcile.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}

	raw, err := os.ReadFile(props)
	if os.IsNotExist(err) {
		// Payload without sidecar: report what the file system knows.
		return &reconcile.BlobAttributes{ID: id, Size: info.Size(), CreatedAt: info.ModTime().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read properties: %w", err)
	}
	var attrs reconcile.BlobAttributes
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, &reconcile.CorruptReferenceError{BlobID: id, Reason: "unreadable properties", Err: err}
	}
	attrs.ID = id
	attrs.Size = info.Size()
	return &attrs, nil
}

// Open opens the payload file
func (b *Backend) Open(ctx context.Context, id reconcile.BlobID) (io.ReadCloser, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, _ := b.paths(id)
	file, err := os.Open(data)
	if os.IsNotExist(err) {
		return nil, reconcile.ErrBlobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Put writes the payload and its sidecar through temporary files
func (b *Backend) Put(ctx context.Context, id reconcile.BlobID, r io.Reader, props map[string]string) (*reconcile.BlobAttributes, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	dataPath, propsPath := b.paths(id)
	dir := filepath.Dir(dataPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha1.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	attrs := &reconcile.BlobAttributes{
		ID:         id,
		Size:       n,
		CreatedAt:  b.clock().UTC(),
		Checksum:   hex.EncodeToString(h.Sum(nil)),
		Properties: props,
	}
	if err := writeSidecar(propsPath, attrs); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}
	return attrs, nil
}

// Delete removes the payload and its sidecar
func (b *Backend) Delete(ctx context.Context, id reconcile.BlobID) error {
	if err := validID(id); err != nil {
		return err
	}
	dataPath, propsPath := b.paths(id)
	if err := os.Remove(dataPath); os.IsNotExist(err) {
		return reconcile.ErrBlobNotFound
	} else if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if err := os.Remove(propsPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete properties: %w", err)
	}
	b.cleanupEmptyDirectory(filepath.Dir(dataPath))
	return nil
}

// MarkDeleted sets the soft-delete flag in the sidecar, keeping the payload
func (b *Backend) MarkDeleted(ctx context.Context, id reconcile.BlobID) error {
	return b.setDeleted(ctx, id, true)
}

// Undelete clears the soft-delete flag in the sidecar
func (b *Backend) Undelete(ctx context.Context, id reconcile.BlobID) error {
	return b.setDeleted(ctx, id, false)
}

func (b *Backend) setDeleted(ctx context.Context, id reconcile.BlobID, deleted bool) error {
	attrs, err := b.GetAttributes(ctx, id)
	if err != nil {
		return err
	}
	attrs.Deleted = deleted
	_, propsPath := b.paths(id)
	return writeSidecar(propsPath, attrs)
}

func writeSidecar(path string, attrs *reconcile.BlobAttributes) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write properties: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write properties: %w", err)
	}
	return nil
}

// cleanupEmptyDirectory removes a shard directory once it holds nothing
func (b *Backend) cleanupEmptyDirectory(dir string) {
	if dir == b.baseDir {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
