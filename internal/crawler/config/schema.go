package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema mirrors the field bounds in validate(), expressed as JSON
// Schema so the same constraints are enforced whether the document came
// from YAML or, eventually, any other structured config source.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "redis": {
      "type": "object",
      "properties": {
        "addr": {"type": "string", "minLength": 1}
      },
      "required": ["addr"]
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "rate": {"type": "number", "minimum": 0},
        "burst": {"type": "number", "minimum": 0}
      }
    },
    "crawler": {
      "type": "object",
      "properties": {
        "max_concurrent_tasks": {"type": "integer", "minimum": 1},
        "pop_timeout": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    },
    "health": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", bytes.NewReader([]byte(configSchema))); err != nil {
		return nil, fmt.Errorf("config: add schema resource: %w", err)
	}
	return compiler.Compile("config.schema.json")
}

// validateSchema re-validates the resolved configuration against the JSON
// Schema above, catching shapes that pass validate()'s Go-level checks but
// would confuse a config loaded by a cooperating non-Go worker sharing the
// same YAML file (e.g. a string where a number belongs).
func validateSchema(cfg Config) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	// pop_timeout here is a time.Duration; re-encode it in seconds so the
	// schema (which knows nothing of Go duration strings) can check it.
	doc := map[string]any{
		"redis": map[string]any{"addr": cfg.Redis.Addr},
		"rate_limit": map[string]any{
			"rate":  cfg.RateLimit.Rate,
			"burst": cfg.RateLimit.Burst,
		},
		"crawler": map[string]any{
			"max_concurrent_tasks": cfg.Crawler.MaxConcurrentTasks,
			"pop_timeout":          cfg.Crawler.PopTimeout.Seconds(),
		},
		"metrics": map[string]any{"port": cfg.Metrics.Port},
		"health":  map[string]any{"port": cfg.Health.Port},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: encode document for validation: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("config: decode document for validation: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config: schema validation failed: %w", err)
	}
	return nil
}
