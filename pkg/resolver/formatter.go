package resolver

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultUnsafePackages are dependencies whose pinning in a lock file would
// be dangerous; they are emitted commented out.
var DefaultUnsafePackages = map[string]bool{
	"setuptools": true,
}

const unsafeExplanation = "The following packages are commented out because they " +
	"are considered to be unsafe in a requirements file:"

// Formatter renders a compiled graph into requirements.txt form: one block
// of URL requirements, a blank line, then the alphabetized pins with
// `# via` annotations, and finally the commented unsafe packages.
type Formatter struct {
	// ShowParents is the column the `# via` comments align to; 0 selects
	// the default column 28 and a negative value disables them.
	ShowParents int
	// UnsafePackages overrides DefaultUnsafePackages when non-nil.
	UnsafePackages map[string]bool
	// HeaderComment is written verbatim at the top when set.
	HeaderComment string
}

func (f Formatter) unsafe() map[string]bool {
	if f.UnsafePackages != nil {
		return f.UnsafePackages
	}
	return DefaultUnsafePackages
}

func (f Formatter) showParents() int {
	if f.ShowParents == 0 {
		return 28
	}
	return f.ShowParents
}

func (f Formatter) writeComment(b *strings.Builder, comment string) {
	line := "#"
	for _, word := range strings.Fields(comment) {
		if len(line)+1+len(word) > 70 {
			b.WriteString(line)
			b.WriteByte('\n')
			line = "#"
		}
		line += " " + word
	}
	if line != "#" {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func (f Formatter) writeRequirement(b *strings.Builder, node *DependencyNode) {
	var line string
	if node.IsURL() {
		line = node.Build.External.ExternalURL
	} else {
		line = fmt.Sprintf("%s==%s", node.Build.Package.Name, node.Build.Release.Version)
	}

	if width := f.showParents(); width > 0 && !node.Declared && len(node.RequiredBy) > 0 {
		parents := map[string]bool{}
		for _, build := range node.RequiredBy {
			parents[build.PackageName()] = true
		}
		names := make([]string, 0, len(parents))
		for name := range parents {
			names = append(names, name)
		}
		sort.Strings(names)

		for len(line) < width-2 {
			line += " "
		}
		line += "  # via " + strings.Join(names, ", ")
	}
	b.WriteString(line)
	b.WriteByte('\n')
}

// Format renders the graph.
func (f Formatter) Format(g *Graph) string {
	var b strings.Builder
	if f.HeaderComment != "" {
		b.WriteString(f.HeaderComment)
		if !strings.HasSuffix(f.HeaderComment, "\n") {
			b.WriteByte('\n')
		}
	}

	nodes := g.Nodes()

	// URL requirements first, in discovery order.
	wroteURLBlock := false
	for _, node := range nodes {
		if node.IsURL() {
			f.writeRequirement(&b, node)
			wroteURLBlock = true
		}
	}

	ordered := make([]*DependencyNode, 0, len(nodes))
	for _, node := range nodes {
		if !node.IsURL() {
			ordered = append(ordered, node)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.ToLower(ordered[i].Build.Package.Name) <
			strings.ToLower(ordered[j].Build.Package.Name)
	})

	unsafe := f.unsafe()
	var unsafeNodes []*DependencyNode
	for _, node := range ordered {
		if unsafe[node.Key()] {
			unsafeNodes = append(unsafeNodes, node)
			continue
		}
		if wroteURLBlock {
			wroteURLBlock = false
			b.WriteByte('\n')
		}
		f.writeRequirement(&b, node)
	}

	if len(unsafeNodes) > 0 {
		b.WriteByte('\n')
		f.writeComment(&b, unsafeExplanation)
		for _, node := range unsafeNodes {
			fmt.Fprintf(&b, "# %s\n", node.Build.Package.Name)
		}
	}
	return b.String()
}
