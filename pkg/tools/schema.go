package tools

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NatalExportFull is the only tool on the allow-list.
const NatalExportFull = "natal_export_full"

// natalExportSchema constrains the tool arguments. The backend performs its
// own domain validation; this layer only rejects obviously malformed calls.
const natalExportSchema = `{
	"type": "object",
	"properties": {
		"include_aspects": {"type": "boolean"},
		"house_system": {"type": "string"},
		"format": {"type": "string", "enum": ["full", "compact"]}
	},
	"additionalProperties": true
}`

var argSchemas = map[string]*jsonschema.Schema{
	NatalExportFull: jsonschema.MustCompileString("natal_export_full.json", natalExportSchema),
}

// ValidateArgs checks the tool name against the allow-list and the arguments
// against the tool's schema. Args must already be an object.
func ValidateArgs(name string, args map[string]any) error {
	schema, ok := argSchemas[name]
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	// Schema validation wants generic JSON values; args already are.
	if err := schema.Validate(anyMap(args)); err != nil {
		return fmt.Errorf("tools: invalid arguments: %w", err)
	}
	return nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
