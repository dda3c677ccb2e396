package signature

import (
	_ "embed"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed siglists.yaml
var defaultSigLists []byte

type Sentinel struct {
	Name string `yaml:"name"`
	// Requires names a frame that must be in the stack for the sentinel
	// to count.
	Requires string `yaml:"requires,omitempty"`
}

// Applies reports whether the sentinel counts for the frame list.
func (s Sentinel) Applies(frames []string) bool {
	return s.Requires == "" || slices.Contains(frames, s.Requires)
}

// SigLists are the regular expressions and sentinels that drive C/C++/Rust
// signature generation.
type SigLists struct {
	Irrelevant  []string   `yaml:"irrelevant"`
	Prefix      []string   `yaml:"prefix"`
	LineNumbers []string   `yaml:"line_numbers"`
	Sentinels   []Sentinel `yaml:"sentinels"`
}

func ParseSigLists(data []byte) (*SigLists, error) {
	var l SigLists
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// DefaultSigLists returns the lists shipped with the binary.
func DefaultSigLists() *SigLists {
	l, err := ParseSigLists(defaultSigLists)
	if err != nil {
		panic(err)
	}
	return l
}
