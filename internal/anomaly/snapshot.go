package anomaly

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sentinel-siem/internal/encryption"
	"sentinel-siem/internal/storage/s3"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("anomaly: no snapshot")

// SnapshotStore persists the serialized model between restarts.
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// FileSnapshots keeps the snapshot in a local file.
type FileSnapshots struct {
	path string
}

// NewFileSnapshots creates a file snapshot store at path.
func NewFileSnapshots(path string) *FileSnapshots {
	return &FileSnapshots{path: path}
}

// Save writes data through a temporary file so readers never see a
// partial snapshot.
func (f *FileSnapshots) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

// Load reads the snapshot file.
func (f *FileSnapshots) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	return data, err
}

// objectStore is the subset of the S3 client used for snapshots.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// S3Snapshots keeps the snapshot as one object.
type S3Snapshots struct {
	client objectStore
	key    string
}

// NewS3Snapshots creates an S3 snapshot store writing to key.
func NewS3Snapshots(client objectStore, key string) *S3Snapshots {
	return &S3Snapshots{client: client, key: key}
}

// Save uploads data.
func (s *S3Snapshots) Save(ctx context.Context, data []byte) error {
	return s.client.Put(ctx, s.key, data, "application/json")
}

// Load downloads the snapshot.
func (s *S3Snapshots) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key)
	if errors.Is(err, s3.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	return data, err
}

// SealedSnapshots encrypts snapshots before they reach the wrapped store.
type SealedSnapshots struct {
	inner  SnapshotStore
	engine *encryption.Engine
}

// NewSealedSnapshots wraps inner with engine.
func NewSealedSnapshots(inner SnapshotStore, engine *encryption.Engine) *SealedSnapshots {
	return &SealedSnapshots{inner: inner, engine: engine}
}

// Save seals data and stores it.
func (s *SealedSnapshots) Save(ctx context.Context, data []byte) error {
	sealed, err := s.engine.Seal(data)
	if err != nil {
		return fmt.Errorf("seal snapshot: %w", err)
	}
	return s.inner.Save(ctx, sealed)
}

// Load opens the stored snapshot. A plaintext snapshot written before
// encryption was enabled is returned unchanged; the next Save seals it.
func (s *SealedSnapshots) Load(ctx context.Context) ([]byte, error) {
	data, err := s.inner.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !encryption.IsSealed(data) {
		return data, nil
	}
	plain, err := s.engine.Open(data)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return plain, nil
}
