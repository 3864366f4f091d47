package state

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/agent_state.schema.json
var agentStateSchemaJSON []byte

//go:embed schemas/task_store.schema.json
var taskStoreSchemaJSON []byte

// compileSchema compiles an embedded schema document. Use
// jsonschema.UnmarshalJSON for correct number handling (json.Number).
func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validateDocument checks a decoded JSON document against a compiled
// schema, mapping failures onto the ValidationError kind so callers can
// tell a corrupt file from an absent one.
func validateDocument(schema *jsonschema.Schema, doc any) error {
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
