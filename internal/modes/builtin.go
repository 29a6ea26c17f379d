package modes

// Builtin returns the modes available without a modes file.
func Builtin() []Mode {
	return []Mode{
		{
			Name:        "echo",
			Description: "Print the task description and return it",
			Task:        "echo",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"lines":     map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
					"delay_ms":  map[string]any{"type": "integer", "minimum": 0},
					"marker":    map[string]any{"type": "string"},
					"fail":      map[string]any{"type": "string"},
					"panic":     map[string]any{"type": "boolean"},
					"exit_code": map[string]any{"type": "integer", "minimum": 0, "maximum": 255},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "plan",
			Description: "Draft a step plan, wait for approval, then execute it step by step",
			Task:        "plan",
			Defaults:    map[string]any{"delay_ms": 200},
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type":     "array",
						"items":    map[string]any{"type": "string", "minLength": 1},
						"minItems": 1,
					},
					"auto_approve":     map[string]any{"type": "boolean"},
					"approval_timeout": map[string]any{"type": "integer", "minimum": 1},
					"delay_ms":         map[string]any{"type": "integer", "minimum": 0},
					"tokens_per_step":  map[string]any{"type": "integer", "minimum": 0},
				},
				"additionalProperties": false,
			},
		},
	}
}
