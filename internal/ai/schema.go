package ai

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects T into an inline JSON schema suitable for
// structured-output APIs.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// SchemaJSON renders the schema of T for inclusion in a prompt.
func SchemaJSON[T any]() string {
	data, err := json.MarshalIndent(GenerateSchema[T](), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
