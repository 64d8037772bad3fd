package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a JSON Schema from a parameter struct. Built-in
// tools declare their arguments as typed structs and derive the schema
// instead of hand-writing it.
func GenerateSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	// The $schema marker confuses some providers' tool validators.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		delete(m, "$schema")
		delete(m, "$id")
		if cleaned, err := json.Marshal(m); err == nil {
			return cleaned
		}
	}
	return raw
}
