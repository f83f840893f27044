// Package goal defines the immutable run goal, the registry of supported goal
// types, and evaluation of free-text success criteria against run metrics.
package goal

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownGoalType  = errors.New("unknown goal type")
	ErrMissingParameter = errors.New("missing required goal parameter")
)

// Goal describes what a run is trying to achieve. Created once at run start
// and never mutated afterwards.
type Goal struct {
	ID              uuid.UUID      `json:"id"`
	Type            string         `json:"type"`
	Params          map[string]any `json:"params"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	TriggeredBy     string         `json:"triggered_by"`
}

// typeSpec declares what a goal type needs at start and what its actions are
// allowed to produce.
type typeSpec struct {
	requiredParams []string
	// productSchemas maps work-product name to a compiled JSON schema. A
	// product with no declared schema is rejected for this goal type.
	productSchemas map[string]*gojsonschema.Schema
}

var goalTypes = map[string]*typeSpec{
	"test_generation": {
		requiredParams: []string{"ticket_id", "language"},
		productSchemas: compileSchemas(map[string]string{
			"test_case": `{
				"type": "object",
				"required": ["name", "steps"],
				"properties": {
					"name":  {"type": "string", "minLength": 1},
					"steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"code":  {"type": "string"}
				}
			}`,
			"coverage_report": `{
				"type": "object",
				"required": ["coverage"],
				"properties": {
					"coverage": {"type": "number", "minimum": 0, "maximum": 100}
				}
			}`,
		}),
	},
	"test_review": {
		requiredParams: []string{"test_case_id"},
		productSchemas: compileSchemas(map[string]string{
			"review": `{
				"type": "object",
				"required": ["verdict"],
				"properties": {
					"verdict":  {"type": "string", "enum": ["pass", "fail", "needs_work"]},
					"comments": {"type": "array", "items": {"type": "string"}}
				}
			}`,
		}),
	},
	"suite_maintenance": {
		requiredParams: []string{"suite_id"},
		productSchemas: compileSchemas(map[string]string{
			"change_set": `{
				"type": "object",
				"required": ["updated", "removed"],
				"properties": {
					"updated": {"type": "array", "items": {"type": "string"}},
					"removed": {"type": "array", "items": {"type": "string"}}
				}
			}`,
		}),
	},
}

func compileSchemas(raw map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(raw))
	for name, src := range raw {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("goal: bad schema for product %q: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// Validate checks that the goal names a known type and carries every required
// parameter for it. Called before a run is created so malformed goals fail
// synchronously with no run record behind them.
func Validate(g Goal) error {
	spec, ok := goalTypes[g.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGoalType, g.Type)
	}
	for _, p := range spec.requiredParams {
		v, present := g.Params[p]
		if !present || v == nil || v == "" {
			return fmt.Errorf("%w: %q for goal type %q", ErrMissingParameter, p, g.Type)
		}
	}
	return nil
}

// ValidateProduct checks a single work-product against the schema declared for
// it under the goal's type. Unknown product names are rejected so actions
// cannot smuggle untyped values into run state.
func ValidateProduct(goalType, name string, value any) error {
	spec, ok := goalTypes[goalType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGoalType, goalType)
	}
	schema, ok := spec.productSchemas[name]
	if !ok {
		return fmt.Errorf("goal type %q declares no work-product %q", goalType, name)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("validate work-product %q: %w", name, err)
	}
	if !result.Valid() {
		return fmt.Errorf("work-product %q invalid: %s", name, firstSchemaError(result))
	}
	return nil
}

func firstSchemaError(result *gojsonschema.Result) string {
	for _, e := range result.Errors() {
		return e.String()
	}
	return "unknown schema violation"
}

// Types returns the registered goal type names, for surfacing in API errors.
func Types() []string {
	names := make([]string, 0, len(goalTypes))
	for name := range goalTypes {
		names = append(names, name)
	}
	return names
}
