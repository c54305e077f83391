// Package upstream talks to the heterogeneous upstream package indexes the
// proxy replicates. Both variants expose the same capability set: a change
// log cursor, full package listings and per-package release maps.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
)

// Release types yielded by upstream listings.
const (
	TypeSdist = "sdist"
	TypeWheel = "bdist_wheel"
)

var (
	// ErrPackageNotFound means the upstream answered 404 for a package.
	ErrPackageNotFound = errors.New("upstream: package not found")
	// ErrIndexUnavailable means a transport failure or a non-404 error
	// response; callers retry these.
	ErrIndexUnavailable = errors.New("upstream: index unavailable")
)

// Release describes one downloadable artifact of a (package, version).
type Release struct {
	URL       string
	MD5Digest string
	Type      string
}

// UpdateFunc receives change-log events. name is empty for events whose
// package was already seen in the current pass: callers still advance their
// serial cursor but skip the import.
type UpdateFunc func(name string, serial int64) error

// Client is the capability set shared by all upstream index protocols.
type Client interface {
	// LastSerial returns the upstream's current change-log serial.
	LastSerial(ctx context.Context) (int64, error)
	// ListPackages enumerates every package name the index carries.
	ListPackages(ctx context.Context) ([]string, error)
	// IterUpdates walks the change log from (exclusive) since, deduplicating
	// package names within each pass over the log, and keeps going until no
	// newer events remain. The DevPI client bounds each pass by the serial
	// observed at its start and then re-checks; the PyPI client re-polls
	// from the last seen serial until a call returns no events.
	IterUpdates(ctx context.Context, since int64, fn UpdateFunc) error
	// GetPackageReleases returns the version → release-descriptor map for a
	// package, with unusable artifact types already filtered out.
	GetPackageReleases(ctx context.Context, name string) (map[string][]Release, error)
}

// Options tune the HTTP behavior of a client.
type Options struct {
	Timeout time.Duration
	Retries int
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Retries == 0 {
		o.Retries = 3
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// New returns the client variant matching the index's backend tag.
func New(index *catalog.Index, opts Options) (Client, error) {
	switch index.Backend {
	case catalog.BackendPyPI:
		return NewPyPIClient(index.URL, opts)
	case catalog.BackendDevPI:
		return NewDevPIClient(index.URL, opts)
	default:
		return nil, fmt.Errorf("unknown index backend: %q", index.Backend)
	}
}

// GuessReleaseType classifies an artifact URL by extension. The second
// return value is false for types the proxy cannot use (eggs, installers).
func GuessReleaseType(url string) (string, bool, error) {
	switch {
	case strings.HasSuffix(url, ".tar.gz"),
		strings.HasSuffix(url, ".tgz"),
		strings.HasSuffix(url, ".tar.bz2"),
		strings.HasSuffix(url, ".zip"):
		return TypeSdist, true, nil
	case strings.HasSuffix(url, ".whl"):
		return TypeWheel, true, nil
	case strings.HasSuffix(url, ".egg"),
		strings.HasSuffix(url, ".rpm"),
		strings.HasSuffix(url, ".exe"),
		strings.HasSuffix(url, ".msi"),
		strings.HasSuffix(url, ".dmg"):
		return "", false, nil
	}
	return "", false, fmt.Errorf("cannot guess package type of %q", url)
}

// retryCall retries fn up to times+1 attempts, returning the last error.
// 404s are terminal and never retried.
func retryCall(ctx context.Context, times int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= times; attempt++ {
		if err = fn(); err == nil || errors.Is(err, ErrPackageNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return err
}
