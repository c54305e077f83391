package pypi

import (
	"regexp"
	"strings"
)

var (
	nameSeparators = regexp.MustCompile(`[._-]+`)
	unsafeVersion  = regexp.MustCompile(`[^A-Za-z0-9.]+`)
	unsafeExtra    = regexp.MustCompile(`[^A-Za-z0-9.-]+`)
)

// NormalizeName returns the canonical form of a package name: lowercase with
// runs of dots, dashes and underscores collapsed to a single dash.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(name), "-")
}

// NormalizeVersion returns the canonical rendering of a version string. A
// version that parses as PEP 440 is rendered in its normalized form; anything
// else is sanitized the way setuptools does (spaces become dots, remaining
// illegal runs become dashes) so that it can still act as a stable key.
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if v, err := ParseVersion(version); err == nil {
		return v.String()
	}
	version = strings.ReplaceAll(version, " ", ".")
	return unsafeVersion.ReplaceAllString(version, "-")
}

// SafeExtra normalizes an extra name the way pkg_resources does: lowercase,
// with runs of illegal characters replaced by a single underscore.
func SafeExtra(extra string) string {
	return strings.ToLower(unsafeExtra.ReplaceAllString(extra, "_"))
}
