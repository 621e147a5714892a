package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns the config as JSON so one strict decoder serves both
// formats, along with the detected format ("json" or "yaml"). Files are
// treated as YAML by extension only.
func toJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("parse yaml: %w", err)
	}
	doc = stringKeys(doc)
	quoteSeedIntervals(doc)

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "yaml", fmt.Errorf("convert yaml: %w", err)
	}
	return out, "yaml", nil
}

// stringKeys rewrites YAML mappings so encoding/json can marshal them.
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
	}
	return in
}

// quoteSeedIntervals turns `interval: 60` in an automation seed into the
// string "60". In JSON the field is always a string, but YAML reads a bare
// number as an int.
func quoteSeedIntervals(doc any) {
	root, ok := doc.(map[string]any)
	if !ok {
		return
	}
	seeds, _ := root["automations"].([]any)
	for _, s := range seeds {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		switch v := m["interval"].(type) {
		case int:
			m["interval"] = strconv.Itoa(v)
		case float64:
			m["interval"] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
}
