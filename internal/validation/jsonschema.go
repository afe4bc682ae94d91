// Package validation checks source map documents supplied by external
// generators before the consumer trusts them.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/ruledbg/pkg/schema"
)

// sourceMapSchemaJSON is the JSON Schema for source map documents.
// Embedded as a constant to avoid filesystem dependencies.
const sourceMapSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ruledbg.dev/schemas/sourcemap.json",
  "type": "object",
  "required": ["version", "statements"],
  "properties": {
    "version": { "type": "integer", "minimum": 1 },
    "fidelity": {
      "type": "string",
      "enum": ["enhanced", "simple", "direct"]
    },
    "statements": {
      "type": "array",
      "items": { "$ref": "#/$defs/statement" }
    },
    "global_scope": {
      "type": "array",
      "items": { "type": "string" }
    },
    "variable_lifetimes": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/lifetime" }
    },
    "control_flow": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": { "type": "string" }
      }
    },
    "generated_hash": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false,
  "$defs": {
    "statement": {
      "type": "object",
      "required": ["id", "original", "segments"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["assignment", "conditional", "expression", "call"]
        },
        "original": { "$ref": "#/$defs/location" },
        "segments": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/segment" }
        },
        "loop": { "$ref": "#/$defs/loop" },
        "scope_chain": {
          "type": "array",
          "items": { "type": "string" }
        },
        "control_flow_paths": {
          "type": "array",
          "items": { "type": "string" }
        },
        "variable_lifetimes": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/lifetime" }
        },
        "expansion": {
          "type": "string",
          "enum": ["direct", "each_iteration", "all_branches"]
        }
      },
      "additionalProperties": false
    },
    "location": {
      "type": "object",
      "required": ["line"],
      "properties": {
        "line": { "type": "integer", "minimum": 1 },
        "start_column": { "type": "integer", "minimum": 0 },
        "end_column": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "segment": {
      "type": "object",
      "required": ["start_line", "end_line"],
      "properties": {
        "start_line": { "type": "integer", "minimum": 1 },
        "end_line": { "type": "integer", "minimum": 1 },
        "start_column": { "type": "integer", "minimum": 0 },
        "end_column": { "type": "integer", "minimum": 0 },
        "branch_id": { "type": "string" },
        "iteration": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["iteration_type"],
      "properties": {
        "iteration_type": {
          "type": "string",
          "enum": ["for_each", "while", "until"]
        },
        "collection_path": { "type": "string" },
        "iterator_var": { "type": "string" },
        "break_condition": { "type": "string" },
        "state_vars": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "lifetime": {
      "type": "object",
      "required": ["declared_line", "last_use_line"],
      "properties": {
        "declared_line": { "type": "integer", "minimum": 1 },
        "last_use_line": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// SourceMapValidator validates raw source map documents against the JSON
// Schema before they are handed to the consumer. Safe for concurrent use.
type SourceMapValidator struct {
	compiled *jsonschema.Schema
}

// NewSourceMapValidator compiles the embedded source map schema.
func NewSourceMapValidator() (*SourceMapValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(sourceMapSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal source map schema: %w", err)
	}
	if err := c.AddResource("https://ruledbg.dev/schemas/sourcemap.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add source map schema resource: %w", err)
	}

	compiled, err := c.Compile("https://ruledbg.dev/schemas/sourcemap.json")
	if err != nil {
		return nil, fmt.Errorf("compile source map schema: %w", err)
	}

	return &SourceMapValidator{compiled: compiled}, nil
}

// Validate checks a raw source map document and decodes it on success.
// Structural rules JSON Schema cannot express (duplicate statement ids,
// inverted segment ranges) are checked afterwards.
func (v *SourceMapValidator) Validate(raw []byte) (*schema.SourceMap, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "source map is not valid JSON").WithCause(err)
	}

	if err := v.compiled.Validate(doc); err != nil {
		return nil, toDebugError(err)
	}

	var sm schema.SourceMap
	if err := json.Unmarshal(raw, &sm); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode source map").WithCause(err)
	}

	seen := make(map[string]struct{}, len(sm.Statements))
	for _, stmt := range sm.Statements {
		if _, exists := seen[stmt.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate statement id %q", stmt.ID).WithStatement(stmt.ID)
		}
		seen[stmt.ID] = struct{}{}

		for _, seg := range stmt.Segments {
			if seg.EndLine < seg.StartLine {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"segment range inverted: %d-%d", seg.StartLine, seg.EndLine).
					WithStatement(stmt.ID)
			}
		}
	}

	return &sm, nil
}

// toDebugError converts a jsonschema.ValidationError into a DebugError with
// one message per leaf violation.
func toDebugError(err error) *schema.DebugError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("source map validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
