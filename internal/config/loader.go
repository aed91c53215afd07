package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey pulls additional files into a config document. The value is
// a path or list of paths, relative to the including file. A bare
// "include" key is accepted as an alias.
const includeKey = "$include"

// envRef matches the braced ${VAR} form only, so directive keys like
// $include pass through expansion untouched.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// LoadRaw reads a config file into a generic map, expanding environment
// variables and resolving $include directives. Included files merge
// under the including file: the includer's keys win.
func LoadRaw(path string) (map[string]any, error) {
	seen := make(map[string]bool)
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("include cycle at %s", path)
	}
	seen[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	data = expandEnv(data)

	doc, err := parseRawBytes(abs, data)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(includes) == 0 {
		return doc, nil
	}

	merged := make(map[string]any)
	base := filepath.Dir(abs)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(base, inc)
		}
		sub, err := loadRawRecursive(inc, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, doc), nil
}

// parseRawBytes decodes by extension: .yaml/.yml as YAML, everything
// else as JSON5 (a superset of JSON).
func parseRawBytes(path string, data []byte) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		dec := json5.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

// extractIncludes removes the include directive and returns its paths.
func extractIncludes(doc map[string]any) ([]string, error) {
	raw, ok := doc[includeKey]
	if ok {
		delete(doc, includeKey)
	} else if raw, ok = doc["include"]; ok {
		delete(doc, "include")
	}
	if !ok {
		return nil, nil
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings, got %T", includeKey, raw)
	}
}

// mergeMaps deep-merges override onto base. Nested maps merge key by
// key; any other value in override replaces the base value.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeRaw converts a raw document into a Config, rejecting unknown
// keys. The round trip through YAML keeps one set of field tags
// authoritative regardless of the source format.
func decodeRaw(raw map[string]any) (*Config, error) {
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
