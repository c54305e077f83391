package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
)

func TestGuessReleaseType(t *testing.T) {
	for url, want := range map[string]string{
		"https://x/p-1.0.tar.gz":          TypeSdist,
		"https://x/p-1.0.tgz":             TypeSdist,
		"https://x/p-1.0.zip":             TypeSdist,
		"https://x/p-1.0.tar.bz2":         TypeSdist,
		"https://x/p-1.0-py3-none-any.whl": TypeWheel,
	} {
		typ, usable, err := GuessReleaseType(url)
		require.NoError(t, err, url)
		assert.True(t, usable, url)
		assert.Equal(t, want, typ, url)
	}

	for _, url := range []string{"https://x/p-1.0.egg", "https://x/p.exe", "https://x/p.dmg"} {
		_, usable, err := GuessReleaseType(url)
		require.NoError(t, err, url)
		assert.False(t, usable, url)
	}

	_, _, err := GuessReleaseType("https://x/p.unknown")
	assert.Error(t, err)
}

func TestNewDispatch(t *testing.T) {
	client, err := New(&catalog.Index{Backend: catalog.BackendPyPI, URL: "https://pypi.org/pypi"}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &PyPIClient{}, client)

	client, err = New(&catalog.Index{Backend: catalog.BackendDevPI, URL: "https://devpi/root/pypi"}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &DevPIClient{}, client)

	_, err = New(&catalog.Index{Backend: "gopher"}, Options{})
	assert.Error(t, err)
}

// xmlrpcValue renders a Go value as an XML-RPC <value> element, enough for
// the fake changelog server below.
func xmlrpcValue(v interface{}) string {
	switch val := v.(type) {
	case int:
		return fmt.Sprintf("<value><int>%d</int></value>", val)
	case int64:
		return fmt.Sprintf("<value><int>%d</int></value>", val)
	case string:
		return fmt.Sprintf("<value><string>%s</string></value>", val)
	case []interface{}:
		var b strings.Builder
		b.WriteString("<value><array><data>")
		for _, item := range val {
			b.WriteString(xmlrpcValue(item))
		}
		b.WriteString("</data></array></value>")
		return b.String()
	}
	panic("unsupported xmlrpc test value")
}

func xmlrpcResponse(v interface{}) string {
	return `<?xml version="1.0"?><methodResponse><params><param>` +
		xmlrpcValue(v) + `</param></params></methodResponse>`
}

func fakePyPI(t *testing.T) *httptest.Server {
	t.Helper()
	event := func(name string, serial int) interface{} {
		return []interface{}{name, "1.0", 0, "new release", serial}
	}

	mux := http.NewServeMux()
	calls := 0
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			payload := string(body)
			w.Header().Set("Content-Type", "text/xml")
			switch {
			case strings.Contains(payload, "changelog_last_serial"):
				fmt.Fprint(w, xmlrpcResponse(1000))
			case strings.Contains(payload, "list_packages"):
				fmt.Fprint(w, xmlrpcResponse([]interface{}{"dist-a", "dist-b"}))
			case strings.Contains(payload, "changelog_since_serial"):
				calls++
				if calls == 1 {
					fmt.Fprint(w, xmlrpcResponse([]interface{}{
						event("dist-a", 996),
						event("dist-b", 997),
						event("dist-a", 998),
					}))
				} else {
					fmt.Fprint(w, xmlrpcResponse([]interface{}{}))
				}
			default:
				http.Error(w, "unknown method", http.StatusBadRequest)
			}
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/dist-a/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"releases": {
			"1.0": [
				{"url": "https://files/dist-a-1.0-py3-none-any.whl", "md5_digest": "aa", "packagetype": "bdist_wheel"},
				{"url": "https://files/dist-a-1.0.tar.gz", "md5_digest": "bb", "packagetype": "sdist"},
				{"url": "https://files/dist-a-1.0.egg", "md5_digest": "cc", "packagetype": "bdist_egg"}
			]
		}}`)
	})
	mux.HandleFunc("/gone/json", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/broken/json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestPyPIClient(t *testing.T) {
	server := fakePyPI(t)
	client, err := NewPyPIClient(server.URL, Options{Retries: 1})
	require.NoError(t, err)
	ctx := context.Background()

	serial, err := client.LastSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), serial)

	packages, err := client.ListPackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dist-a", "dist-b"}, packages)

	t.Run("iter updates dedups", func(t *testing.T) {
		type update struct {
			name   string
			serial int64
		}
		var got []update
		require.NoError(t, client.IterUpdates(ctx, 995, func(name string, serial int64) error {
			got = append(got, update{name, serial})
			return nil
		}))
		assert.Equal(t, []update{
			{"dist-a", 996},
			{"dist-b", 997},
			// Repeated package: empty name, serial still advances.
			{"", 998},
		}, got)
	})

	t.Run("releases", func(t *testing.T) {
		releases, err := client.GetPackageReleases(ctx, "dist-a")
		require.NoError(t, err)
		require.Len(t, releases["1.0"], 2)
		for _, release := range releases["1.0"] {
			assert.Contains(t, []string{TypeSdist, TypeWheel}, release.Type)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.GetPackageReleases(ctx, "gone")
		assert.ErrorIs(t, err, ErrPackageNotFound)
	})

	t.Run("unavailable", func(t *testing.T) {
		_, err := client.GetPackageReleases(ctx, "broken")
		assert.ErrorIs(t, err, ErrIndexUnavailable)
	})
}

func fakeDevPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	withSerial := func(w http.ResponseWriter) {
		w.Header().Set("X-Devpi-Serial", "11") // last serial 10
		w.Header().Set("X-Devpi-Master-Uuid", "master-1")
		w.Header().Set("Content-Type", "application/json")
	}
	mux.HandleFunc("/root/dev", func(w http.ResponseWriter, r *http.Request) {
		withSerial(w)
		fmt.Fprint(w, `{"result": {"type": "stage", "bases": ["root/base"], "projects": ["dist-a"]}}`)
	})
	mux.HandleFunc("/root/base", func(w http.ResponseWriter, r *http.Request) {
		withSerial(w)
		fmt.Fprint(w, `{"result": {"type": "stage", "bases": [], "projects": ["dist-b", "dist-a"]}}`)
	})
	mux.HandleFunc("/root/dev/dist-a", func(w http.ResponseWriter, r *http.Request) {
		withSerial(w)
		fmt.Fprint(w, `{"result": {
			"1.0": {"+links": [
				{"href": "https://files/dist-a-1.0.tar.gz", "md5": "aa"},
				{"href": "https://files/dist-a-1.0.egg", "md5": "bb"}
			]}
		}}`)
	})
	mux.HandleFunc("/+changelog/", func(w http.ResponseWriter, r *http.Request) {
		withSerial(w)
		serial := strings.TrimPrefix(r.URL.Path, "/+changelog/")
		switch serial {
		case "10":
			fmt.Fprint(w, `{"root/dev/dist-a/1.0": ["PROJVERSION", 9, null]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDevPIClient(t *testing.T) {
	server := fakeDevPI(t)
	client, err := NewDevPIClient(server.URL+"/root/dev", Options{Retries: 1})
	require.NoError(t, err)
	ctx := context.Background()

	serial, err := client.LastSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), serial)

	packages, err := client.ListPackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dist-a", "dist-b"}, packages)

	releases, err := client.GetPackageReleases(ctx, "dist-a")
	require.NoError(t, err)
	require.Len(t, releases["1.0"], 1)
	assert.Equal(t, TypeSdist, releases["1.0"][0].Type)

	var names []string
	var serials []int64
	require.NoError(t, client.IterUpdates(ctx, 8, func(name string, serial int64) error {
		names = append(names, name)
		serials = append(serials, serial)
		return nil
	}))
	assert.Equal(t, []string{"", "dist-a"}, names)
	assert.Equal(t, []int64{9, 10}, serials)
}

func TestEventPackage(t *testing.T) {
	raw := func(parts ...string) []json.RawMessage {
		out := make([]json.RawMessage, len(parts))
		for i, p := range parts {
			out[i] = json.RawMessage(p)
		}
		return out
	}

	assert.Equal(t, "dist-a", eventPackage("root/dev/dist-a/1.0", raw(`"PROJVERSION"`, `1`, `null`)))
	assert.Equal(t, "dist-b", eventPackage("root/dev/dist-b", raw(`"PROJSIMPLELINKS"`, `1`, `null`)))
	assert.Equal(t, "dist-c", eventPackage("root/dev/+f/abc", raw(`"STAGEFILE"`, `1`, `{"projectname": "dist-c"}`)))
	assert.Equal(t, "", eventPackage("user/alice", raw(`"USER"`, `1`, `null`)))
	assert.Equal(t, "", eventPackage("root/dev/+f/abc", raw(`"STAGEFILE"`, `1`, `null`)))
}
