package convert

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceFallback is the source format that maps to itself when the map has no entry.
const SourceFallback = "gpx"

// FormatMap maps a device format key to the converter's format name.
// Lookups are case-sensitive.
type FormatMap map[string]string

type formatEntry struct {
	FormatName string `yaml:"format_name" json:"format_name"`
}

// LoadFormatMap reads a mapping resource of the form
//
//	{"usr": {"format_name": "lowranceusr"}, "hwr": {"format_name": "humminbird"}}
//
// JSON and YAML are both accepted.
func LoadFormatMap(path string) (FormatMap, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading format map: %w", err)
	}
	return ParseFormatMap(data)
}

// ParseFormatMap decodes a mapping resource.
func ParseFormatMap(data []byte) (FormatMap, error) {
	var raw map[string]formatEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormatMap, err)
	}

	out := make(FormatMap, len(raw))
	var bad []string
	for key, entry := range raw {
		name := strings.TrimSpace(entry.FormatName)
		if key == "" || name == "" {
			bad = append(bad, key)
			continue
		}
		out[key] = name
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("%w: missing format_name for %s", ErrInvalidFormatMap, strings.Join(bad, ", "))
	}
	return out, nil
}

// Lookup returns the external format for key.
func (m FormatMap) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Keys returns the format keys in sorted order.
func (m FormatMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (m FormatMap) Clone() FormatMap {
	out := make(FormatMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
