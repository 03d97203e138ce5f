package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"trading-control-core/internal/preset"
)

// presetFile is the on-disk layout of a preset catalogue:
//
//	presets:
//	  - name: balanced
//	    weights: {ml: 0.35, technical: 0.25, ...}
//	    min_consensus_score: 80
type presetFile struct {
	Presets []preset.Preset `yaml:"presets"`
}

// LoadPresets reads a YAML preset catalogue. An empty path yields the
// built-in catalogue.
func LoadPresets(path string) (*preset.Catalogue, error) {
	if path == "" {
		return preset.NewCatalogue(preset.Builtin())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading presets file: %w", err)
	}
	return ParsePresets(data)
}

// ParsePresets decodes and validates a YAML preset catalogue
func ParsePresets(data []byte) (*preset.Catalogue, error) {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing presets file: %w", err)
	}
	return preset.NewCatalogue(f.Presets)
}
