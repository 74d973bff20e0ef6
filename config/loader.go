package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/dataflow/errors"
)

// Format is a configuration document format.
type Format string

// Supported formats
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// EnvPrefix prefixes the environment overrides read by Load.
const EnvPrefix = "DATAFLOW"

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Schema returns the JSON schema configuration documents are checked against.
func Schema() []byte {
	return bytes.Clone(schemaJSON)
}

// Load reads a .json, .yaml or .yml file, applies environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "detect format")
	}
	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read "+path)
	}
	return Parse(data, format)
}

// Parse decodes a document, checks it against the schema, fills defaults, applies
// environment overrides and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode "+string(format))
	}
	if err := validateJSONDepth(doc); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "check structure")
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode configuration")
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "apply environment overrides")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return data, nil
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return json.Marshal(normalizeYAML(doc))
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

// normalizeYAML turns the map[any]any yaml.v3 produces for non-string keys into maps
// encoding/json accepts.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeYAML(item)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = normalizeYAML(item)
		}
		return t
	}
	return v
}

func validateSchema(doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Parse", "schema validation")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
		"Config", "Parse", "schema validation")
}

// applyEnvOverrides applies DATAFLOW_* variables on top of the document.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	overrides := []struct {
		key   string
		apply func(string)
	}{
		{"NATS_URL", func(v string) { cfg.NATS.URL = v }},
		{"NATS_USERNAME", func(v string) { cfg.NATS.Username = v }},
		{"NATS_PASSWORD", func(v string) { cfg.NATS.Password = v }},
		{"NATS_TOKEN", func(v string) { cfg.NATS.Token = v }},
		{"SERVER_ADDR", func(v string) { cfg.Server.Addr = v }},
	}
	for _, o := range overrides {
		key := EnvPrefix + "_" + o.key
		val, ok := lookup(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		o.apply(val)
	}
	return nil
}
