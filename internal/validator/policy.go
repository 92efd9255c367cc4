package validator

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultPolicies []byte

// MediaPolicy holds the per-media-type rejection rules.
type MediaPolicy struct {
	WantedFiletypes []string `yaml:"wanted_filetypes"`
	BannedWords     []string `yaml:"banned_words"`
	MinSizeMB       float64  `yaml:"min_size_mb"`
	MaxSizeMB       float64  `yaml:"max_size_mb"`
}

// Policies is the full rejection policy set.
type Policies struct {
	BannedExtensions []string               `yaml:"banned_extensions"`
	Media            map[string]MediaPolicy `yaml:"media"`
}

// DefaultPolicies returns the embedded policy set.
func DefaultPolicies() (*Policies, error) {
	return parsePolicies(defaultPolicies)
}

// LoadPolicies reads a policy file, falling back to the embedded
// defaults when path is empty or the file does not exist.
func LoadPolicies(path string) (*Policies, error) {
	if path == "" {
		return DefaultPolicies()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicies()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file: %w", err)
	}
	return parsePolicies(data)
}

func parsePolicies(data []byte) (*Policies, error) {
	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	if p.Media == nil {
		p.Media = map[string]MediaPolicy{}
	}
	return &p, nil
}
