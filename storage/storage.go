// Package storage handles persistence of subscribers and digest state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// ErrNotFound is returned when a document or subscriber does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Backend reads and writes whole JSON documents by key.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// LocalBackend stores documents as files in a directory.
type LocalBackend struct {
	logger *slog.Logger
	dir    string
}

// NewLocalBackend creates a file backend rooted at dir, creating dir if needed.
func NewLocalBackend(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &LocalBackend{dir: dir, logger: logger}, nil
}

// Read returns the document stored under key.
func (b *LocalBackend) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, filepath.Base(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

// Write replaces the document under key. The write goes through a temp file
// and a rename so a crash never leaves a half-written document behind.
func (b *LocalBackend) Write(_ context.Context, key string, data []byte) error {
	path := filepath.Join(b.dir, filepath.Base(key))
	tmp, err := os.CreateTemp(b.dir, ".tmp-"+filepath.Base(key)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		b.logger.Warn("Failed to chmod document", "path", tmpName, "error", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	b.logger.Debug("Document saved to local storage", "path", path, "bytes", len(data))
	return nil
}

// Close is a no-op for local storage.
func (*LocalBackend) Close() error { return nil }

// GCSBackend stores documents as objects in a Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

// NewGCSBackend creates a Cloud Storage backend. The backend owns client.
func NewGCSBackend(client *storage.Client, bucket string, logger *slog.Logger) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket, logger: logger}
}

// Read returns the object stored under key.
func (b *GCSBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Write replaces the object under key.
func (b *GCSBackend) Write(ctx context.Context, key string, data []byte) error {
	err := retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	b.logger.Debug("Document saved", "bucket", b.bucket, "key", key, "bytes", len(data))
	return nil
}

// Close releases the storage client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

// IsNotFound checks if an error indicates a missing document or subscriber.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
