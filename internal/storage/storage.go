// Package storage resolves save targets into blob stores for transcript and
// audio artifacts.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/postreader/internal/storage/gcs"
	"github.com/JakeFAU/postreader/internal/storage/local"
)

// BlobStore writes an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Target is a resolved save destination.
type Target struct {
	Store BlobStore
	// Object is the path to pass to Store.PutObject.
	Object string
	// Close releases clients held by Store.
	Close func() error
}

// ForTarget resolves raw into a store. "gs://bucket/path/file.wav" uploads to
// Cloud Storage; anything else is a filesystem path whose directory becomes
// the local store root.
func ForTarget(ctx context.Context, raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("save target is required")
	}
	if strings.HasPrefix(raw, "gs://") {
		return gcsTarget(ctx, raw)
	}
	abs, err := filepath.Abs(strings.TrimPrefix(raw, "file://"))
	if err != nil {
		return Target{}, fmt.Errorf("resolve save path: %w", err)
	}
	store, err := local.New(local.Config{BaseDir: filepath.Dir(abs)})
	if err != nil {
		return Target{}, fmt.Errorf("open local store: %w", err)
	}
	return Target{Store: store, Object: filepath.Base(abs), Close: func() error { return nil }}, nil
}

func gcsTarget(ctx context.Context, raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse gcs target: %w", err)
	}
	object := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return Target{}, fmt.Errorf("gcs target must look like gs://bucket/object, got %q", raw)
	}
	store, err := gcs.Open(ctx, gcs.Config{Bucket: u.Host})
	if err != nil {
		return Target{}, err
	}
	return Target{Store: store, Object: object, Close: store.Close}, nil
}
