package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a JSON schema from a typed argument struct. Fields
// without omitempty are required; descriptions come from jsonschema tags.
func SchemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	var v T
	schema := r.Reflect(&v)
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
