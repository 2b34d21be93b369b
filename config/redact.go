package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every string tagged
// `redact:"true"` replaced by RedactedValue. cfg is not mutated.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	walkStrings(reflect.ValueOf(&cp).Elem(), "", func(_ string, _ string, tag reflect.StructTag) (string, bool) {
		return RedactedValue, tag.Get("redact") == "true"
	})
	return &cp, nil
}
