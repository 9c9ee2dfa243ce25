package fsck

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Report is what a check found and what it changed.
type Report struct {
	Label       string    `yaml:"label"`
	Revision    string    `yaml:"revision"`
	Nodes       int       `yaml:"objects"`
	Files       uint32    `yaml:"files"`
	Directories uint32    `yaml:"directories"`
	Problems    []Problem `yaml:"problems,omitempty"`
	Overlaps    []Overlap `yaml:"overlaps,omitempty"`
	Modified    bool      `yaml:"modified"`
}

// Problem is one finding about one object or volume structure.
type Problem struct {
	Path   string `yaml:"path"`
	Detail string `yaml:"detail"`
	Fixed  bool   `yaml:"fixed"`
	// Structural problems break the shape of the tree rather than a count.
	Structural bool `yaml:"structural,omitempty"`
}

// Overlap names two owners of the same blocks.
type Overlap struct {
	First     string `yaml:"first"`
	Second    string `yaml:"second"`
	Partition uint16 `yaml:"partition"`
	Start     uint32 `yaml:"start"`
	Blocks    uint32 `yaml:"blocks"`
}

// Clean reports whether nothing was found.
func (r *Report) Clean() bool {
	return len(r.Problems) == 0 && len(r.Overlaps) == 0
}

// Unfixed counts the problems still on the volume.
func (r *Report) Unfixed() int {
	n := len(r.Overlaps)
	for _, p := range r.Problems {
		if !p.Fixed {
			n++
		}
	}
	return n
}

// WriteYAML writes the report as a YAML document.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	enc.SetIndent(2)
	return enc.Encode(r)
}

// WriteText writes the report for a terminal.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Volume:      %s (UDF %s)\n", r.Label, r.Revision)
	fmt.Fprintf(&b, "Objects:     %d\n", r.Nodes)
	fmt.Fprintf(&b, "Files:       %d\n", r.Files)
	fmt.Fprintf(&b, "Directories: %d\n", r.Directories)
	for _, p := range r.Problems {
		state := "found"
		if p.Fixed {
			state = "fixed"
		}
		fmt.Fprintf(&b, "  [%s] %s: %s\n", state, p.Path, p.Detail)
	}
	for _, o := range r.Overlaps {
		fmt.Fprintf(&b, "  [overlap] %s and %s share %d blocks from %d:%d\n",
			o.First, o.Second, o.Blocks, o.Partition, o.Start)
	}
	switch {
	case r.Clean():
		b.WriteString("No problems found.\n")
	case r.Unfixed() > 0:
		fmt.Fprintf(&b, "%d problems left.\n", r.Unfixed())
	default:
		b.WriteString("All problems fixed.\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
