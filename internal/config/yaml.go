package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

var errEmptyConfig = errors.New("config file is empty")

// sourceJSON returns the config file as JSON so Parse can run one strict
// decoder for both formats. Files ending in .yaml or .yml are YAML; anything
// else is taken as JSON. Errors name the file.
func sourceJSON(path string, data []byte) ([]byte, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errEmptyConfig)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: yaml: %w", path, err)
	}
	root, ok := stringKeys(doc).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: top level must be a mapping of sections (telegram, dispatch, ...), got %T", path, doc)
	}
	out, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("%s: yaml to json: %w", path, err)
	}
	return out, nil
}

// stringKeys rewrites YAML maps with non-string keys (owner ids written as
// bare numbers, say) so encoding/json accepts them.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
