package pypi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PreRelease is the pre-release segment of a version: one of the canonical
// letters "a", "b" or "rc" plus a number.
type PreRelease struct {
	L string
	N int
}

// Version is a parsed PEP 440 version.
type Version struct {
	Epoch   int
	Release []int
	Pre     *PreRelease
	Post    *int
	Dev     *int
	Local   []string
}

// The appendix-A grammar from the PEP 440 specification, collapsed into a
// single-line Go regexp.
var versionRe = regexp.MustCompile(`(?i)^\s*v?` +
	`(?:(?P<epoch>[0-9]+)!)?` +
	`(?P<release>[0-9]+(?:\.[0-9]+)*)` +
	`(?P<pre>[-_.]?(?P<pre_l>a|b|c|rc|alpha|beta|pre|preview)[-_.]?(?P<pre_n>[0-9]+)?)?` +
	`(?P<post>(?:-(?P<post_n1>[0-9]+))|(?:[-_.]?(?P<post_l>post|rev|r)[-_.]?(?P<post_n2>[0-9]+)?))?` +
	`(?P<dev>[-_.]?dev[-_.]?(?P<dev_n>[0-9]+)?)?` +
	`(?:\+(?P<local>[a-z0-9]+(?:[-_.][a-z0-9]+)*))?` +
	`\s*$`)

var preLetters = map[string]string{
	"a": "a", "alpha": "a",
	"b": "b", "beta": "b",
	"c": "rc", "rc": "rc", "pre": "rc", "preview": "rc",
}

// ParseVersion parses a PEP 440 version string.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version: %q", s)
	}
	group := func(name string) string {
		return m[versionRe.SubexpIndex(name)]
	}

	var v Version
	if epoch := group("epoch"); epoch != "" {
		n, err := strconv.Atoi(epoch)
		if err != nil {
			return Version{}, fmt.Errorf("invalid epoch in %q: %w", s, err)
		}
		v.Epoch = n
	}
	for _, seg := range strings.Split(group("release"), ".") {
		n, err := strconv.Atoi(seg)
		if err != nil {
			return Version{}, fmt.Errorf("invalid release segment in %q: %w", s, err)
		}
		v.Release = append(v.Release, n)
	}
	if group("pre") != "" {
		n := 0
		if preN := group("pre_n"); preN != "" {
			n, _ = strconv.Atoi(preN)
		}
		v.Pre = &PreRelease{L: preLetters[strings.ToLower(group("pre_l"))], N: n}
	}
	if group("post") != "" {
		n := 0
		if postN := group("post_n1") + group("post_n2"); postN != "" {
			n, _ = strconv.Atoi(postN)
		}
		v.Post = &n
	}
	if group("dev") != "" {
		n := 0
		if devN := group("dev_n"); devN != "" {
			n, _ = strconv.Atoi(devN)
		}
		v.Dev = &n
	}
	if local := group("local"); local != "" {
		v.Local = strings.FieldsFunc(strings.ToLower(local), func(r rune) bool {
			return r == '-' || r == '_' || r == '.'
		})
	}
	return v, nil
}

// MustParseVersion is ParseVersion for statically known inputs.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsPrerelease reports whether the version is a pre-release or dev release.
func (v Version) IsPrerelease() bool {
	return v.Pre != nil || v.Dev != nil
}

// String renders the version in its canonical PEP 440 form.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.Epoch)
	}
	for i, seg := range v.Release {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(seg))
	}
	if v.Pre != nil {
		fmt.Fprintf(&b, "%s%d", v.Pre.L, v.Pre.N)
	}
	if v.Post != nil {
		fmt.Fprintf(&b, ".post%d", *v.Post)
	}
	if v.Dev != nil {
		fmt.Fprintf(&b, ".dev%d", *v.Dev)
	}
	if len(v.Local) > 0 {
		b.WriteByte('+')
		b.WriteString(strings.Join(v.Local, "."))
	}
	return b.String()
}

// Compare returns -1, 0 or 1 ordering v against o per PEP 440.
func (v Version) Compare(o Version) int {
	if v.Epoch != o.Epoch {
		return cmpInt(v.Epoch, o.Epoch)
	}
	if c := compareRelease(v.Release, o.Release); c != 0 {
		return c
	}
	if c := comparePre(v, o); c != 0 {
		return c
	}
	if c := compareOptional(v.Post, o.Post, -1); c != 0 {
		return c
	}
	if c := compareOptional(v.Dev, o.Dev, 1); c != 0 {
		return c
	}
	return compareLocal(v.Local, o.Local)
}

// Equal reports whether the two versions compare as the same release,
// ignoring the local segment (the `==` semantics of PEP 440).
func (v Version) Equal(o Version) bool {
	v.Local, o.Local = nil, nil
	return v.Compare(o) == 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareRelease compares release tuples with implicit zero padding, so that
// 1.0 == 1.0.0.
func compareRelease(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if c := cmpInt(av, bv); c != 0 {
			return c
		}
	}
	return 0
}

// comparePre orders the pre-release segment. A dev-only release sorts before
// any pre-release of the same release tuple, which sorts before the final
// release.
func comparePre(a, b Version) int {
	rank := func(v Version) int {
		switch {
		case v.Pre == nil && v.Post == nil && v.Dev != nil:
			return -1
		case v.Pre != nil:
			return 0
		default:
			return 1
		}
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	if ra != 0 {
		return 0
	}
	if a.Pre.L != b.Pre.L {
		if a.Pre.L < b.Pre.L {
			return -1
		}
		return 1
	}
	return cmpInt(a.Pre.N, b.Pre.N)
}

// compareOptional orders optional numeric segments; missing sorts according
// to the sign of missingRank (-1 for post releases, +1 for dev releases).
func compareOptional(a, b *int, missingRank int) int {
	rank := func(p *int) int {
		if p == nil {
			return missingRank
		}
		return 0
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	if a == nil || b == nil {
		return 0
	}
	return cmpInt(*a, *b)
}

func compareLocal(a, b []string) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		an, aIsNum := atoi(a[i])
		bn, bIsNum := atoi(b[i])
		switch {
		case aIsNum && bIsNum:
			if c := cmpInt(an, bn); c != 0 {
				return c
			}
		case aIsNum != bIsNum:
			// Numeric segments sort after alphanumeric ones.
			if aIsNum {
				return 1
			}
			return -1
		default:
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
	}
	return cmpInt(len(a), len(b))
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
