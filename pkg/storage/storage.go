// Package storage defines the object-store abstraction backup artifacts are
// written to. Backends are addressed by opaque keys; the worker derives keys
// from job identity so a retried job overwrites its own partial artifact
// instead of leaving strays.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stackwatch/dbsentry/pkg/config"
)

// ObjectInfo describes one stored artifact.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the backend interface. Upload consumes the reader fully and
// returns the stored size; Delete of a missing key is not an error.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) (int64, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a time-limited download URL. Backends without URL
	// support return an error.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Name() string
}

// ArtifactKey builds the canonical object key for a backup job. The key is a
// pure function of database and job identity, which is what makes uploads
// idempotent under queue redelivery.
func ArtifactKey(prefix, databaseID, jobID string, compressed bool) string {
	ext := ".sql"
	if compressed {
		ext = ".sql.gz"
	}
	if prefix != "" {
		return fmt.Sprintf("%s/%s/%s%s", prefix, databaseID, jobID, ext)
	}
	return fmt.Sprintf("%s/%s%s", databaseID, jobID, ext)
}

// DatabasePrefix returns the listing prefix for one database's artifacts.
func DatabasePrefix(prefix, databaseID string) string {
	if prefix != "" {
		return fmt.Sprintf("%s/%s/", prefix, databaseID)
	}
	return databaseID + "/"
}

// NewFromConfig builds the configured backend.
func NewFromConfig(cfg *config.AppConfig) (ObjectStore, error) {
	switch {
	case cfg.S3.Enabled:
		return newS3FromConfig(cfg)
	case cfg.Local.Enabled:
		return newLocalFromConfig(cfg)
	default:
		return nil, fmt.Errorf("no storage backend enabled; set S3_ENABLED or LOCAL_STORAGE_ENABLED")
	}
}
