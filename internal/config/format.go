package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FormatFromPath returns the config format implied by a file extension,
// defaulting to yaml
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Marshal encodes cfg as yaml, json or toml. The toml keys follow the yaml
// field names so every format loads back through viper.
func Marshal(cfg *Config, format string) ([]byte, error) {
	switch format {
	case "yaml", "yml", "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "toml":
		tree, err := toTree(cfg)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		if err := enc.Encode(tree); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (use yaml, json or toml)", format)
	}
}

// toTree converts cfg to generic maps keyed by the yaml field names
func toTree(cfg *Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return pruneNil(tree).(map[string]interface{}), nil
}

// pruneNil drops null values, which toml cannot represent
func pruneNil(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if child == nil {
				delete(t, k)
				continue
			}
			t[k] = pruneNil(child)
		}
		return t
	case []interface{}:
		out := t[:0]
		for _, child := range t {
			if child != nil {
				out = append(out, pruneNil(child))
			}
		}
		return out
	default:
		return v
	}
}
