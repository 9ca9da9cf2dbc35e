package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// IsYAML reports whether path has a YAML extension.
func IsYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// decode parses a config document. YAML is converted to JSON first so
// both formats share one strict decoder: unknown keys and anything after
// the first document are errors.
func decode(path string, data []byte) (*Config, error) {
	format := "json"
	if IsYAML(path) {
		format = "yaml"
		var err error
		if data, err = YAMLToJSON(data); err != nil {
			return nil, err
		}
	}
	var cfg Config
	if err := DecodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	return &cfg, nil
}

// DecodeStrict decodes exactly one JSON value into v.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return errors.New("trailing data")
	default:
		return err
	}
}

// YAMLToJSON converts one YAML document to JSON. An empty document becomes {}.
func YAMLToJSON(data []byte) ([]byte, error) {
	var root any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if root == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(jsonable(root))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// jsonable replaces map[any]any nodes, produced for non-string YAML keys,
// with string-keyed maps.
func jsonable(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = jsonable(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = jsonable(v)
		}
	case []any:
		for i, v := range n {
			n[i] = jsonable(v)
		}
	}
	return node
}
