package pypi

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Requirement is a parsed dependency specification. URL requirements carry
// the bare URL (with its #egg=name==version fragment) in URL and an empty
// specifier set.
type Requirement struct {
	Name      string
	Extras    []string
	Specifier SpecifierSet
	Marker    string
	URL       string
}

var requirementRe = regexp.MustCompile(
	`^\s*(?P<name>[A-Za-z0-9][A-Za-z0-9._-]*)` +
		`\s*(?:\[(?P<extras>[^\]]*)\])?` +
		`\s*(?:@\s*(?P<url>\S+))?` +
		`\s*(?P<spec>[^;]*?)` +
		`\s*(?:;\s*(?P<marker>.+?))?\s*$`)

// Legacy metadata dependency forms: "name (>=1.0,<2.0)" and "name >= 1.0".
var metadataReqRes = []*regexp.Regexp{
	regexp.MustCompile(`^(?P<name>\S+)(?: \((?P<spec>[^)]+)\))?$`),
	regexp.MustCompile(`^(?P<name>\S+) (?P<op>\S+) (?P<version>\S+)$`),
}

// ParseRequirement parses a single PEP 508 style requirement line.
func ParseRequirement(line string) (Requirement, error) {
	m := requirementRe.FindStringSubmatch(line)
	if m == nil {
		return Requirement{}, fmt.Errorf("invalid requirement: %q", line)
	}
	group := func(name string) string {
		return m[requirementRe.SubexpIndex(name)]
	}

	req := Requirement{
		Name:   group("name"),
		URL:    group("url"),
		Marker: strings.TrimSpace(group("marker")),
	}
	if extras := group("extras"); extras != "" {
		for _, extra := range strings.Split(extras, ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, SafeExtra(extra))
			}
		}
		sort.Strings(req.Extras)
	}
	if spec := strings.TrimSpace(group("spec")); spec != "" {
		if req.URL != "" {
			return Requirement{}, fmt.Errorf("invalid requirement: %q combines a URL with version specifiers", line)
		}
		set, err := ParseSpecifierSet(spec)
		if err != nil {
			return Requirement{}, fmt.Errorf("invalid requirement %q: %w", line, err)
		}
		req.Specifier = set
	}
	return req, nil
}

// ParseMetadataRequirement parses a dependency string as found in wheel
// metadata, accepting both the modern PEP 508 form and the two legacy forms.
func ParseMetadataRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	for _, re := range metadataReqRes {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		joined := strings.Join(m[1:], "")
		if req, err := ParseRequirement(joined); err == nil {
			return req, nil
		}
	}
	return ParseRequirement(s)
}

// Key returns the normalized package name the requirement refers to.
func (r Requirement) Key() string {
	return NormalizeName(r.Name)
}

// String renders the requirement back into its canonical single-line form.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteByte(']')
	}
	if r.URL != "" {
		b.WriteString("@ ")
		b.WriteString(r.URL)
	} else if len(r.Specifier) > 0 {
		b.WriteString(r.Specifier.String())
	}
	if r.Marker != "" {
		b.WriteString("; ")
		b.WriteString(r.Marker)
	}
	return b.String()
}

// SplitLines splits a requirements file body into logical lines: trailing
// " #" comments are stripped (a bare hash may be part of a URL), backslash
// continuations are joined and blank lines are dropped.
func SplitLines(text string) []string {
	raw := strings.Split(text, "\n")
	var lines []string
	for i := 0; i < len(raw); i++ {
		line := strings.TrimSpace(raw[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		for strings.HasSuffix(line, `\`) && i+1 < len(raw) {
			i++
			line = strings.TrimSpace(strings.TrimSuffix(line, `\`)) + strings.TrimSpace(raw[i])
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseRequirements parses a requirements file body. Lines that are bare
// URLs are turned into URL requirements named after their egg fragment.
func ParseRequirements(text string) ([]Requirement, error) {
	var reqs []Requirement
	for _, line := range SplitLines(text) {
		if u, err := url.Parse(line); err == nil && u.Scheme != "" && u.Host != "" {
			name := EggName(line)
			if name == "" {
				return nil, fmt.Errorf("URL requirement without an egg fragment: %q", line)
			}
			reqs = append(reqs, Requirement{Name: name, URL: line})
			continue
		}
		req, err := ParseRequirement(line)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// eggFragment returns the egg argument of a URL's fragment, e.g.
// "pkg==1.2" for "...#egg=pkg==1.2".
func eggFragment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	values, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return ""
	}
	return values.Get("egg")
}

// EggName extracts the package name from a URL's egg fragment.
func EggName(rawURL string) string {
	name, _, _ := strings.Cut(eggFragment(rawURL), "==")
	return name
}

// EggVersion extracts the pinned version from a URL's egg fragment, or "".
func EggVersion(rawURL string) string {
	_, version, _ := strings.Cut(eggFragment(rawURL), "==")
	return version
}
