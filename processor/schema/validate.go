package schema

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// keywords shared with JSON Schema; socorro specific ones are left out
var jsonSchemaKeywords = []string{"type", "description", "enum", "required", "minimum", "maximum", "minItems", "maxItems", "additionalProperties"}

// Validator checks documents against a schema compiled once.
type Validator struct {
	resolved *jsonschema.Resolved
}

// NewValidator compiles a resolved schema.
func NewValidator(s Schema) (*Validator, error) {
	js := toJSONSchema(map[string]any(s))
	data, err := json.Marshal(js)
	if err != nil {
		return nil, &InvalidSchemaError{Msg: err.Error()}
	}
	var sch jsonschema.Schema
	if err := json.Unmarshal(data, &sch); err != nil {
		return nil, &InvalidSchemaError{Msg: err.Error()}
	}
	resolved, err := sch.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, &InvalidSchemaError{Msg: err.Error()}
	}
	return &Validator{resolved: resolved}, nil
}

func (v *Validator) Validate(doc any) error {
	// plain JSON values only
	raw, err := json.Marshal(doc)
	if err != nil {
		return &InvalidDocumentError{Path: ".", Msg: err.Error()}
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return &InvalidDocumentError{Path: ".", Msg: err.Error()}
	}

	if err := v.resolved.Validate(instance); err != nil {
		return &InvalidDocumentError{Path: ".", Msg: err.Error()}
	}
	return nil
}

// ValidateInstance checks doc against a resolved schema.
func ValidateInstance(doc any, s Schema) error {
	v, err := NewValidator(s)
	if err != nil {
		return err
	}
	return v.Validate(doc)
}

func toJSONSchema(node map[string]any) map[string]any {
	out := make(map[string]any)
	for _, k := range jsonSchemaKeywords {
		if v, ok := node[k]; ok {
			out[k] = v
		}
	}
	if props, ok := node["properties"].(map[string]any); ok {
		converted := make(map[string]any, len(props))
		for name, child := range props {
			if c, ok := child.(map[string]any); ok {
				converted[name] = toJSONSchema(c)
			}
		}
		out["properties"] = converted
	}
	if patterns, ok := node["pattern_properties"].(map[string]any); ok {
		converted := make(map[string]any, len(patterns))
		for pattern, child := range patterns {
			if c, ok := child.(map[string]any); ok {
				converted[pattern] = toJSONSchema(c)
			}
		}
		out["patternProperties"] = converted
	}
	if items, ok := node["items"].(map[string]any); ok {
		out["items"] = toJSONSchema(items)
	}
	return out
}
