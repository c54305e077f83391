package pypi

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Metadata is the structured wheel metadata extracted from the
// *.dist-info/metadata.json member of a built wheel.
type Metadata struct {
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	RunRequires  []RequirementSet `json:"run_requires,omitempty"`
	MetaRequires []RequirementSet `json:"meta_requires,omitempty"`
}

// RequirementSet groups dependency strings under an optional extra and an
// optional environment marker, as laid out in metadata 2.0 JSON.
type RequirementSet struct {
	Extra       string   `json:"extra,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Requires    []string `json:"requires"`
}

// ExtractWheelMetadata opens a wheel (a zip archive) and decodes the
// metadata.json member of its dist-info directory. It returns nil without an
// error if the wheel carries no JSON metadata.
func ExtractWheelMetadata(r io.ReaderAt, size int64) (*Metadata, error) {
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open wheel archive: %w", err)
	}
	for _, member := range archive.File {
		dirname, basename, ok := strings.Cut(member.Name, "/")
		if !ok || !strings.HasSuffix(dirname, ".dist-info") || basename != "metadata.json" {
			continue
		}
		fh, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", member.Name, err)
		}
		defer fh.Close()
		var meta Metadata
		if err := json.NewDecoder(fh).Decode(&meta); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member.Name, err)
		}
		return &meta, nil
	}
	return nil, nil
}

// Requirements flattens the metadata's dependency sets into requirements,
// keeping only the sets whose extra is requested and whose environment
// marker evaluates true. The requested extras are attached to every yielded
// requirement, mirroring how pip propagates them down the graph.
func (m *Metadata) Requirements(extras []string, env map[string]string) ([]Requirement, error) {
	wanted := make(map[string]bool, len(extras))
	for _, extra := range extras {
		wanted[SafeExtra(extra)] = true
	}

	var reqs []Requirement
	process := func(sets []RequirementSet) error {
		for _, set := range sets {
			if set.Extra != "" && !wanted[SafeExtra(set.Extra)] {
				continue
			}
			if set.Environment != "" {
				ok, err := EvaluateMarker(set.Environment, env)
				if err != nil {
					return fmt.Errorf("invalid environment marker %q: %w", set.Environment, err)
				}
				if !ok {
					continue
				}
			}
			for _, raw := range set.Requires {
				req, err := ParseMetadataRequirement(raw)
				if err != nil {
					return fmt.Errorf("invalid dependency %q: %w", raw, err)
				}
				req.Extras = append([]string(nil), extras...)
				reqs = append(reqs, req)
			}
		}
		return nil
	}

	if err := process(m.RunRequires); err != nil {
		return nil, err
	}
	if err := process(m.MetaRequires); err != nil {
		return nil, err
	}
	return reqs, nil
}
