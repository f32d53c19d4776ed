package toolspec

// InputSchema exports the parameter tree as a JSON Schema document
// (map form). The export is lossless: every parameter name, nesting level,
// description and default in the descriptor appears in the schema. It
// feeds both call-argument validation and the tool catalogue sent to the
// model.
func (d *Descriptor) InputSchema() map[string]any {
	return objectSchema(d.Params)
}

func objectSchema(params []ParameterSpec) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}

	for _, p := range params {
		properties[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func paramSchema(p ParameterSpec) map[string]any {
	var schema map[string]any

	switch p.Type {
	case TypeObject:
		if len(p.Fields) > 0 {
			schema = objectSchema(p.Fields)
		} else {
			// Open object (map parameter): keys are not enumerable
			schema = map[string]any{"type": "object"}
		}
	case TypeArray:
		schema = map[string]any{"type": "array"}
		if p.Items != nil {
			schema["items"] = paramSchema(*p.Items)
		}
	default:
		schema = map[string]any{"type": string(p.Type)}
	}

	if p.Description != "" {
		schema["description"] = p.Description
	}
	if p.Default != nil {
		schema["default"] = p.Default
	}
	return schema
}
