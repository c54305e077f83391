package pypi

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "a-b-c-d", NormalizeName("A.B-C_D"))
	assert.Equal(t, "django-cms", NormalizeName("Django_CMS"))
	assert.Equal(t, "foo-bar", NormalizeName("foo...---___bar"))
	// Idempotence
	assert.Equal(t, NormalizeName("A.B-C_D"), NormalizeName(NormalizeName("A.B-C_D")))
}

func TestNormalizeVersion(t *testing.T) {
	assert.Equal(t, "1.0", NormalizeVersion("1.0"))
	assert.Equal(t, "1.0", NormalizeVersion("v1.0"))
	assert.Equal(t, "1.0rc1", NormalizeVersion("1.0.pre1"))
	assert.Equal(t, "2.1.post0", NormalizeVersion("2.1-post"))
}

func TestVersionOrdering(t *testing.T) {
	ordered := []string{
		"0.9",
		"1.0.dev1",
		"1.0a1",
		"1.0a2",
		"1.0b1",
		"1.0rc1",
		"1.0",
		"1.0+local",
		"1.0.post1",
		"1.1",
		"2!0.1",
	}
	for i := 0; i < len(ordered)-1; i++ {
		lo := MustParseVersion(ordered[i])
		hi := MustParseVersion(ordered[i+1])
		assert.Equal(t, -1, lo.Compare(hi), "%s < %s", ordered[i], ordered[i+1])
		assert.Equal(t, 1, hi.Compare(lo), "%s > %s", ordered[i+1], ordered[i])
	}

	assert.Equal(t, 0, MustParseVersion("1.0").Compare(MustParseVersion("1.0.0")))
	assert.True(t, MustParseVersion("1.0rc1").IsPrerelease())
	assert.True(t, MustParseVersion("1.0.dev2").IsPrerelease())
	assert.False(t, MustParseVersion("1.0.post1").IsPrerelease())
}

func TestSpecifierSet(t *testing.T) {
	set, err := ParseSpecifierSet(">=1.0,<2.0")
	require.NoError(t, err)
	assert.True(t, set.Contains(MustParseVersion("1.5")))
	assert.False(t, set.Contains(MustParseVersion("2.0")))
	assert.False(t, set.Contains(MustParseVersion("0.9")))

	wildcard, err := ParseSpecifierSet("==2.1.*")
	require.NoError(t, err)
	assert.True(t, wildcard.Contains(MustParseVersion("2.1.4")))
	assert.False(t, wildcard.Contains(MustParseVersion("2.2")))

	compatible, err := ParseSpecifierSet("~=1.4.2")
	require.NoError(t, err)
	assert.True(t, compatible.Contains(MustParseVersion("1.4.7")))
	assert.False(t, compatible.Contains(MustParseVersion("1.5")))

	pinned, err := ParseSpecifierSet("==1.0rc1")
	require.NoError(t, err)
	assert.True(t, pinned.Pins(MustParseVersion("1.0rc1")))
	assert.False(t, pinned.Pins(MustParseVersion("1.0")))

	empty, err := ParseSpecifierSet("")
	require.NoError(t, err)
	assert.True(t, empty.Contains(MustParseVersion("42")))
}

func TestSpecifierSetIntersect(t *testing.T) {
	a, err := ParseSpecifierSet(">=1.0")
	require.NoError(t, err)
	b, err := ParseSpecifierSet("<=2.0,>=1.0")
	require.NoError(t, err)
	merged := a.Intersect(b)
	assert.Len(t, merged, 2)
	assert.True(t, merged.Contains(MustParseVersion("1.5")))
	assert.False(t, merged.Contains(MustParseVersion("2.5")))
}

func TestParseRequirement(t *testing.T) {
	req, err := ParseRequirement("Django>=1.8,<2.0")
	require.NoError(t, err)
	assert.Equal(t, "Django", req.Name)
	assert.Equal(t, "django", req.Key())
	assert.True(t, req.Specifier.Contains(MustParseVersion("1.9")))

	req, err = ParseRequirement("requests[security,socks]>=2.0; python_version >= '2.7'")
	require.NoError(t, err)
	assert.Equal(t, []string{"security", "socks"}, req.Extras)
	assert.Equal(t, `python_version >= '2.7'`, req.Marker)

	req, err = ParseRequirement("pkg @ https://ex/pkg-1.2.tar.gz#egg=pkg==1.2")
	require.NoError(t, err)
	assert.Equal(t, "https://ex/pkg-1.2.tar.gz#egg=pkg==1.2", req.URL)
	assert.Equal(t, "pkg", EggName(req.URL))
	assert.Equal(t, "1.2", EggVersion(req.URL))

	_, err = ParseRequirement("=== nonsense ===")
	assert.Error(t, err)
}

func TestParseMetadataRequirement(t *testing.T) {
	req, err := ParseMetadataRequirement("dist-c (<=2.0)")
	require.NoError(t, err)
	assert.Equal(t, "dist-c", req.Key())
	assert.True(t, req.Specifier.Contains(MustParseVersion("1.0")))
	assert.False(t, req.Specifier.Contains(MustParseVersion("3.0")))

	req, err = ParseMetadataRequirement("dist-d >= 1.0")
	require.NoError(t, err)
	assert.Equal(t, "dist-d", req.Key())
	assert.True(t, req.Specifier.Contains(MustParseVersion("1.0")))

	req, err = ParseMetadataRequirement("dist-e")
	require.NoError(t, err)
	assert.Empty(t, req.Specifier)
}

func TestSplitLines(t *testing.T) {
	lines := SplitLines("a==1.0  # pinned\n\n# comment\nb>=2.0 \\\n,<3.0\n")
	assert.Equal(t, []string{"a==1.0", "b>=2.0,<3.0"}, lines)
}

func TestParseRequirements(t *testing.T) {
	reqs, err := ParseRequirements("dist-a\nhttps://ex/pkg-1.2.tar.gz#egg=pkg==1.2\n")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "dist-a", reqs[0].Name)
	assert.Equal(t, "pkg", reqs[1].Name)
	assert.NotEmpty(t, reqs[1].URL)

	_, err = ParseRequirements("https://ex/no-egg-fragment.tar.gz\n")
	assert.Error(t, err)
}

func TestEvaluateMarker(t *testing.T) {
	env := map[string]string{
		"python_version": "3.8",
		"sys_platform":   "linux",
		"os_name":        "posix",
		"extra":          "",
	}

	for marker, want := range map[string]bool{
		`python_version >= '2.7'`:                            true,
		`python_version < '3.0'`:                             false,
		`sys_platform == 'linux'`:                            true,
		`sys_platform == 'win32' or os_name == 'posix'`:      true,
		`sys_platform == 'win32' and os_name == 'posix'`:     false,
		`(sys_platform == 'win32' or os_name == 'posix')`:    true,
		`'linux' in sys_platform`:                            true,
		`'win' not in sys_platform`:                          true,
		`python_version == '3.8' and sys_platform != 'win32'`: true,
	} {
		got, err := EvaluateMarker(marker, env)
		require.NoError(t, err, marker)
		assert.Equal(t, want, got, marker)
	}

	_, err := EvaluateMarker(`unknown_variable == 'x'`, env)
	assert.Error(t, err)
	_, err = EvaluateMarker(`python_version `, env)
	assert.Error(t, err)
}

func wheelArchive(t *testing.T, metadata string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"dist_a-1.0.dist-info/metadata.json": metadata,
		"dist_a/__init__.py":                 "",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractWheelMetadata(t *testing.T) {
	data := wheelArchive(t, `{
		"name": "dist-a",
		"version": "1.0",
		"run_requires": [
			{"requires": ["dist-c (<=2.0)"]},
			{"extra": "fast", "requires": ["dist-d"]},
			{"environment": "sys_platform == 'win32'", "requires": ["dist-win"]}
		]
	}`)

	meta, err := ExtractWheelMetadata(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "dist-a", meta.Name)

	env := map[string]string{"sys_platform": "linux"}

	reqs, err := meta.Requirements(nil, env)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "dist-c", reqs[0].Key())

	reqs, err = meta.Requirements([]string{"fast"}, env)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

func TestExtractWheelMetadataMissing(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("dist_a/__init__.py")
	require.NoError(t, err)
	_, err = w.Write([]byte(""))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	meta, err := ExtractWheelMetadata(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Nil(t, meta)
}
