package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/kolo/xmlrpc"
)

// PyPIClient speaks the PyPI protocol pair: the XML-RPC change-log API and
// the per-package JSON detail endpoint.
type PyPIClient struct {
	url  string
	rpc  *xmlrpc.Client
	http *http.Client
	opts Options
}

// NewPyPIClient builds a client for a PyPI style index rooted at rawURL
// (e.g. https://pypi.org/pypi).
func NewPyPIClient(rawURL string, opts Options) (*PyPIClient, error) {
	opts = opts.withDefaults()
	rpc, err := xmlrpc.NewClient(rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create XML-RPC client for %s: %w", rawURL, err)
	}
	return &PyPIClient{
		url:  strings.TrimRight(rawURL, "/"),
		rpc:  rpc,
		http: opts.HTTPClient,
		opts: opts,
	}, nil
}

func (c *PyPIClient) LastSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := retryCall(ctx, c.opts.Retries, func() error {
		if err := c.rpc.Call("changelog_last_serial", nil, &serial); err != nil {
			return fmt.Errorf("%w: changelog_last_serial: %v", ErrIndexUnavailable, err)
		}
		return nil
	})
	return serial, err
}

func (c *PyPIClient) ListPackages(ctx context.Context) ([]string, error) {
	var packages []string
	err := retryCall(ctx, c.opts.Retries, func() error {
		if err := c.rpc.Call("list_packages", nil, &packages); err != nil {
			return fmt.Errorf("%w: list_packages: %v", ErrIndexUnavailable, err)
		}
		return nil
	})
	return packages, err
}

func (c *PyPIClient) changelogSince(ctx context.Context, since int64) ([]changelogEvent, error) {
	var raw []interface{}
	err := retryCall(ctx, c.opts.Retries, func() error {
		if err := c.rpc.Call("changelog_since_serial", since, &raw); err != nil {
			return fmt.Errorf("%w: changelog_since_serial: %v", ErrIndexUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]changelogEvent, 0, len(raw))
	for _, entry := range raw {
		fields, ok := entry.([]interface{})
		if !ok || len(fields) < 5 {
			return nil, fmt.Errorf("%w: malformed changelog event %v", ErrIndexUnavailable, entry)
		}
		name, _ := fields[0].(string)
		serial, ok := toInt64(fields[4])
		if !ok {
			return nil, fmt.Errorf("%w: malformed changelog serial %v", ErrIndexUnavailable, fields[4])
		}
		events = append(events, changelogEvent{name: name, serial: serial})
	}
	return events, nil
}

type changelogEvent struct {
	name   string
	serial int64
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (c *PyPIClient) IterUpdates(ctx context.Context, since int64, fn UpdateFunc) error {
	events, err := c.changelogSince(ctx, since)
	if err != nil {
		return err
	}
	for len(events) > 0 {
		seen := map[string]bool{}
		last := since
		for _, event := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := event.name
			if seen[name] {
				// Already updated once during this loop; only the serial
				// needs advancing.
				name = ""
			} else {
				seen[name] = true
			}
			if err := fn(name, event.serial); err != nil {
				return err
			}
			last = event.serial
		}
		// Events may have arrived while we were processing this batch.
		events, err = c.changelogSince(ctx, last)
		if err != nil {
			return err
		}
	}
	return nil
}

type pypiReleaseFile struct {
	URL         string `json:"url"`
	MD5Digest   string `json:"md5_digest"`
	PackageType string `json:"packagetype"`
}

type pypiProject struct {
	Releases map[string][]pypiReleaseFile `json:"releases"`
}

func (c *PyPIClient) GetPackageReleases(ctx context.Context, name string) (map[string][]Release, error) {
	detailURL := fmt.Sprintf("%s/%s/json", c.url, url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, detailURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d from %s: %s",
			ErrIndexUnavailable, resp.StatusCode, c.url, body)
	}

	var project pypiProject
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON from %s: %v", ErrIndexUnavailable, c.url, err)
	}

	releases := make(map[string][]Release, len(project.Releases))
	for version, files := range project.Releases {
		cleaned := make([]Release, 0, len(files))
		for _, file := range files {
			if file.PackageType != TypeSdist && file.PackageType != TypeWheel {
				continue
			}
			cleaned = append(cleaned, Release{
				URL:       file.URL,
				MD5Digest: file.MD5Digest,
				Type:      file.PackageType,
			})
		}
		releases[version] = cleaned
	}
	return releases, nil
}
