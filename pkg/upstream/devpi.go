package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DevPIClient speaks the devpi JSON API: per-stage project listings, the
// serial headers on every response and the per-serial change-log endpoint.
type DevPIClient struct {
	url  string
	http *http.Client
	opts Options
}

// NewDevPIClient builds a client for a devpi stage rooted at rawURL
// (e.g. https://devpi.example.com/root/pypi).
func NewDevPIClient(rawURL string, opts Options) (*DevPIClient, error) {
	opts = opts.withDefaults()
	return &DevPIClient{
		url:  strings.TrimRight(rawURL, "/"),
		http: opts.HTTPClient,
		opts: opts,
	}, nil
}

func (c *DevPIClient) get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return resp, nil
}

// rootURL strips the user/stage segments off the API URL.
func (c *DevPIClient) rootURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) >= 2 {
		u.Path = "/" + strings.Join(segments[:len(segments)-2], "/")
	}
	return strings.TrimRight(u.String(), "/")
}

func (c *DevPIClient) head(ctx context.Context) (http.Header, error) {
	resp, err := c.get(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d from %s", ErrIndexUnavailable, resp.StatusCode, c.url)
	}
	return resp.Header, nil
}

func (c *DevPIClient) LastSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := retryCall(ctx, c.opts.Retries, func() error {
		headers, err := c.head(ctx)
		if err != nil {
			return err
		}
		raw := headers.Get("X-Devpi-Serial")
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid X-Devpi-Serial %q", ErrIndexUnavailable, raw)
		}
		serial = n - 1
		return nil
	})
	return serial, err
}

func (c *DevPIClient) masterUUID(ctx context.Context) (string, error) {
	headers, err := c.head(ctx)
	if err != nil {
		return "", err
	}
	return headers.Get("X-Devpi-Master-Uuid"), nil
}

type devpiStage struct {
	Result struct {
		Type     string   `json:"type"`
		Bases    []string `json:"bases"`
		Projects []string `json:"projects"`
	} `json:"result"`
}

func (c *DevPIClient) stagePackages(ctx context.Context, stageURL string, into map[string]bool) error {
	resp, err := c.get(ctx, stageURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d from %s", ErrIndexUnavailable, resp.StatusCode, stageURL)
	}

	var stage devpiStage
	if err := json.NewDecoder(resp.Body).Decode(&stage); err != nil {
		return fmt.Errorf("%w: invalid JSON from %s: %v", ErrIndexUnavailable, stageURL, err)
	}
	// Mirror stages proxy an external index; their contents are not ours.
	if stage.Result.Type == "mirror" {
		return nil
	}

	root := c.rootURL()
	for _, base := range stage.Result.Bases {
		baseURL := root + "/" + strings.Trim(base, "/")
		if err := c.stagePackages(ctx, baseURL, into); err != nil {
			return err
		}
	}
	for _, project := range stage.Result.Projects {
		into[project] = true
	}
	return nil
}

func (c *DevPIClient) ListPackages(ctx context.Context) ([]string, error) {
	names := map[string]bool{}
	err := retryCall(ctx, c.opts.Retries, func() error {
		for k := range names {
			delete(names, k)
		}
		return c.stagePackages(ctx, c.url, names)
	})
	if err != nil {
		return nil, err
	}
	packages := make([]string, 0, len(names))
	for name := range names {
		packages = append(packages, name)
	}
	sort.Strings(packages)
	return packages, nil
}

type devpiLink struct {
	Href string `json:"href"`
	MD5  string `json:"md5"`
}

type devpiProject struct {
	Result map[string]struct {
		Links []devpiLink `json:"+links"`
	} `json:"result"`
}

func (c *DevPIClient) GetPackageReleases(ctx context.Context, name string) (map[string][]Release, error) {
	resp, err := c.get(ctx, c.url+"/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
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

	var project devpiProject
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON from %s: %v", ErrIndexUnavailable, c.url, err)
	}

	releases := make(map[string][]Release, len(project.Result))
	for version, details := range project.Result {
		var cleaned []Release
		for _, link := range details.Links {
			typ, usable, err := GuessReleaseType(link.Href)
			if err != nil || !usable {
				continue
			}
			cleaned = append(cleaned, Release{
				URL:       link.Href,
				MD5Digest: link.MD5,
				Type:      typ,
			})
		}
		releases[version] = cleaned
	}
	return releases, nil
}

// devpiEvent is one change-log entry: the key identifies the mutated record,
// the value is the [type, backserial, payload] triple devpi stores.
type devpiChangelog map[string][]json.RawMessage

// eventPackage classifies a change-log entry and extracts the affected
// package name, or "" when the event carries nothing relevant.
func eventPackage(key string, value []json.RawMessage) string {
	if len(value) < 1 {
		return ""
	}
	var eventType string
	if err := json.Unmarshal(value[0], &eventType); err != nil {
		return ""
	}

	segments := strings.Split(key, "/")
	switch strings.ToUpper(eventType) {
	case "PROJVERSION", "PROJVERSIONS", "PROJSIMPLELINKS":
		if len(segments) > 2 {
			return segments[2]
		}
	case "STAGEFILE":
		if len(value) < 3 {
			return ""
		}
		var payload struct {
			ProjectName string `json:"projectname"`
		}
		if err := json.Unmarshal(value[2], &payload); err == nil {
			return payload.ProjectName
		}
	}
	return ""
}

func (c *DevPIClient) changelogEvent(ctx context.Context, serial int64, headers map[string]string) (devpiChangelog, error) {
	eventURL := fmt.Sprintf("%s/+changelog/%d", c.rootURL(), serial)
	var changelog devpiChangelog
	err := retryCall(ctx, c.opts.Retries, func() error {
		resp, err := c.get(ctx, eventURL, headers)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%w: status %d from %s", ErrIndexUnavailable, resp.StatusCode, eventURL)
		}
		changelog = devpiChangelog{}
		if err := json.NewDecoder(resp.Body).Decode(&changelog); err != nil {
			return fmt.Errorf("%w: invalid JSON from %s: %v", ErrIndexUnavailable, eventURL, err)
		}
		return nil
	})
	return changelog, err
}

func (c *DevPIClient) IterUpdates(ctx context.Context, since int64, fn UpdateFunc) error {
	current, err := c.LastSerial(ctx)
	if err != nil {
		return err
	}
	uuid, err := c.masterUUID(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if uuid != "" {
		// Fail loudly if the master changed underneath us; serials are only
		// comparable within one master's history.
		headers["X-Devpi-Expected-Master-Id"] = uuid
	}

	for since < current {
		seen := map[string]bool{}
		for serial := since + 1; serial <= current; serial++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			changelog, err := c.changelogEvent(ctx, serial, headers)
			if err != nil {
				return err
			}
			if len(changelog) == 0 {
				if err := fn("", serial); err != nil {
					return err
				}
				continue
			}
			for key, value := range changelog {
				name := eventPackage(key, value)
				if name == "" || seen[name] {
					name = ""
				} else {
					seen[name] = true
				}
				if err := fn(name, serial); err != nil {
					return err
				}
			}
		}
		// Re-check: the log may have grown while we traversed it.
		since = current
		if current, err = c.LastSerial(ctx); err != nil {
			return err
		}
	}
	return nil
}
