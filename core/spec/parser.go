package spec

import (
	"errors"
	"fmt"

	"upgrade-orchestrator/core/upgrades"

	"gopkg.in/yaml.v3"
)

// ErrEmptyManifest is returned when a manifest lists no upgrades
var ErrEmptyManifest = errors.New("manifest contains no upgrades")

// MaxEntries bounds the size of a single manifest
const MaxEntries = 100

// Manifest represents the YAML upgrade manifest
type Manifest struct {
	// Repository is the default for entries that omit one
	Repository string          `yaml:"repository"`
	Upgrades   []ManifestEntry `yaml:"upgrades"`
}

// ManifestEntry represents one upgrade in the manifest
type ManifestEntry struct {
	Repository string                 `yaml:"repository"`
	Ecosystem  string                 `yaml:"ecosystem"`
	Package    string                 `yaml:"package"`
	From       string                 `yaml:"from"`
	To         string                 `yaml:"to"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty"`
}

// ParseManifest parses a YAML manifest. Entries are not validated here;
// each one goes through intake validation on its own.
func ParseManifest(manifestYAML []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(manifestYAML, &m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(m.Upgrades) == 0 {
		return nil, ErrEmptyManifest
	}
	if len(m.Upgrades) > MaxEntries {
		return nil, fmt.Errorf("manifest has %d upgrades, at most %d allowed", len(m.Upgrades), MaxEntries)
	}

	return &m, nil
}

// Requests converts the manifest into intake requests, in order
func (m *Manifest) Requests() []upgrades.CreateRequest {
	reqs := make([]upgrades.CreateRequest, len(m.Upgrades))
	for i, e := range m.Upgrades {
		repo := e.Repository
		if repo == "" {
			repo = m.Repository
		}
		reqs[i] = upgrades.CreateRequest{
			Repository:     repo,
			Ecosystem:      e.Ecosystem,
			PackageName:    e.Package,
			CurrentVersion: e.From,
			TargetVersion:  e.To,
			Metadata:       normalizeMetadata(e.Metadata),
		}
	}
	return reqs
}

// normalizeMetadata converts nested map[interface{}]interface{} values that
// some YAML shapes produce into JSON-encodable maps
func normalizeMetadata(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalizeMetadata(t)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
