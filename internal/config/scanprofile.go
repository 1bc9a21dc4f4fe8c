package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScanProfile is an optional, source-tracked YAML file describing which paths
// of the target repository to analyze. It never carries secrets.
type ScanProfile struct {
	Include []string `yaml:"include"`
	Ignore  []string `yaml:"ignore"`
}

// DefaultIgnorePatterns are applied when neither env nor profile provide any.
var DefaultIgnorePatterns = []string{
	"node_modules", ".git", "vendor", "dist", "build", "target",
	"*.min.js", "*.lock", "*.sum",
}

// LoadScanProfile reads a profile from path. A missing path yields the zero
// profile without error so callers can fall back to defaults.
func LoadScanProfile(path string) (ScanProfile, error) {
	if path == "" {
		return ScanProfile{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ScanProfile{}, nil
		}
		return ScanProfile{}, fmt.Errorf("op=config.LoadScanProfile: %w", err)
	}
	var p ScanProfile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return ScanProfile{}, fmt.Errorf("op=config.LoadScanProfile: %w", err)
	}
	return p, nil
}

// ResolvePatterns merges env-provided patterns with the scan profile. Env
// patterns win; profile fills the gaps; ignore defaults apply last.
func (c Config) ResolvePatterns(p ScanProfile) (include, ignore []string) {
	include = c.GlobPatterns
	if len(include) == 0 {
		include = p.Include
	}
	ignore = c.IgnorePatterns
	if len(ignore) == 0 {
		ignore = p.Ignore
	}
	if len(ignore) == 0 {
		ignore = DefaultIgnorePatterns
	}
	return include, ignore
}
