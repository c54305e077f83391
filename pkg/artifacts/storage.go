// Package artifacts is the content-addressed blob store for built wheels.
// Backends are selected by DSN scheme: s3:// for object storage (MinIO or
// AWS) and file:// for a local directory. Writers overwrite by path; an
// existing blob at the same path is replaced, never duplicated.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Storage is the blob store contract.
type Storage interface {
	// Save stores content under path, replacing any existing blob, and
	// returns the number of bytes written.
	Save(ctx context.Context, path string, content io.Reader) (int64, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// URL returns the public URL installers download the blob from.
	URL(path string) string
	HealthCheck(ctx context.Context) error
}

// FromDSN builds the backend matching the DSN scheme. publicBaseURL is the
// externally visible prefix blob URLs are issued under; the s3 backend
// falls back to its endpoint URL when it is empty.
func FromDSN(ctx context.Context, dsn, publicBaseURL string) (Storage, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid builds storage DSN: %w", err)
	}
	switch u.Scheme {
	case "s3":
		return newS3Storage(ctx, u, publicBaseURL)
	case "file":
		return NewFilesystemStorage(u.Path, publicBaseURL)
	default:
		return nil, fmt.Errorf("unsupported builds storage scheme: %q", u.Scheme)
	}
}

// ExternalBuildPath returns the blob path for a wheel built from a bare URL:
// the URL is hashed so that arbitrary upstream paths cannot collide.
func ExternalBuildPath(platformSlug, externalURL, filename string) string {
	digest := sha256.Sum256([]byte(externalURL))
	return fmt.Sprintf("__external__/%s/%s/%s", platformSlug, hex.EncodeToString(digest[:]), filename)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
