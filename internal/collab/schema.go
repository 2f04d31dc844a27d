package collab

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Collaborator responses are validated at the boundary before anything is
// folded into a case, so a malformed payload surfaces as a contract error
// instead of corrupting the projection.

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func mustSchema(params map[string]any) *jsonschema.Schema {
	s, err := compileSchema(params)
	if err != nil {
		panic(fmt.Sprintf("collab: bad response schema: %v", err))
	}
	return s
}

var diagnosisSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"root_cause", "confidence"},
	"properties": map[string]any{
		"root_cause": map[string]any{
			"type": "string",
			"enum": []any{
				"dep_upgrade", "api_change", "flaky_test", "config_error",
				"env_issue", "permission_error", "timeout", "unknown",
			},
		},
		"confidence":            map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"patch":                 map[string]any{"type": "string"},
		"explanation":           map[string]any{"type": "string"},
		"suggested_actions":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"estimated_fix_minutes": map[string]any{"type": "integer", "minimum": 0},
	},
})

var patchSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"patch_ref"},
	"properties": map[string]any{
		"patch_ref":     map[string]any{"type": "string", "minLength": 1},
		"files_changed": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
})

var testSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"verdict", "flakiness_score"},
	"properties": map[string]any{
		"verdict":         map[string]any{"type": "string", "enum": []any{"pass", "fail", "flaky"}},
		"flakiness_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"retry_outcomes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"attempt", "success"},
				"properties": map[string]any{
					"attempt":     map[string]any{"type": "integer", "minimum": 1},
					"success":     map[string]any{"type": "boolean"},
					"duration_ms": map[string]any{"type": "integer", "minimum": 0},
					"error":       map[string]any{"type": "string"},
				},
			},
		},
		"trace": map[string]any{"type": "string"},
	},
})

var proofSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"theorems"},
	"properties": map[string]any{
		"theorems": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name", "verdict"},
				"properties": map[string]any{
					"name":        map[string]any{"type": "string", "minLength": 1},
					"verdict":     map[string]any{"type": "string", "enum": []any{"proven", "unproven", "sorry", "error"}},
					"duration_ms": map[string]any{"type": "integer", "minimum": 0},
					"error":       map[string]any{"type": "string"},
				},
			},
		},
		"summary": map[string]any{"type": "object"},
	},
})

var mergeSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"merged"},
	"properties": map[string]any{
		"merged":    map[string]any{"type": "boolean"},
		"merge_sha": map[string]any{"type": "string"},
		"pr_number": map[string]any{"type": "integer", "minimum": 0},
		"reason":    map[string]any{"type": "string"},
	},
})
