package file

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/prefsync/internal/settings"
)

// Format selects the on-disk encoding for the settings file.
type Format string

const (
	// FormatYAML is the default structured text encoding.
	FormatYAML Format = "yaml"

	// FormatTOML is an alternate structured text encoding.
	FormatTOML Format = "toml"

	// FormatJSON stores settings as indented JSON.
	FormatJSON Format = "json"

	// FormatEnv stores settings as flattened KEY=VALUE lines.
	// Nesting is lost on read-back; keys stay in flattened form.
	FormatEnv Format = "env"
)

// ext returns the conventional file extension for the format.
func (f Format) ext() string {
	switch f {
	case FormatTOML:
		return ".toml"
	case FormatJSON:
		return ".json"
	case FormatEnv:
		return ".env"
	default:
		return ".yaml"
	}
}

// encode marshals a settings document in the given format.
func encode(f Format, data settings.Settings) ([]byte, error) {
	switch f {
	case FormatYAML:
		return yaml.Marshal(map[string]any(data))
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(map[string]any(data)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON:
		return json.MarshalIndent(data, "", "  ")
	case FormatEnv:
		return []byte(settings.Flatten(data)), nil
	default:
		return nil, fmt.Errorf("unknown settings format: %s", f)
	}
}

// decode unmarshals a settings document in the given format.
// An empty input decodes to an empty document in every format.
func decode(f Format, raw []byte) (settings.Settings, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return settings.Settings{}, nil
	}

	switch f {
	case FormatYAML:
		out := map[string]any{}
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to parse yaml settings: %w", err)
		}
		return out, nil
	case FormatTOML:
		out := map[string]any{}
		if err := toml.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to parse toml settings: %w", err)
		}
		return out, nil
	case FormatJSON:
		out := map[string]any{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to parse json settings: %w", err)
		}
		return out, nil
	case FormatEnv:
		return settings.Unflatten(string(raw)), nil
	default:
		return nil, fmt.Errorf("unknown settings format: %s", f)
	}
}
