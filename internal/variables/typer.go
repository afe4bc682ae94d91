package variables

import "github.com/rendis/ruledbg/pkg/schema"

// TypeInferer is the pluggable type-inference strategy. Implementations may
// load richer detection (domain types like currency) at construction; the
// structural fallback below is always safe.
type TypeInferer interface {
	InferType(name string, value any, staticHint string) string
}

// StructuralInferer infers a type from the value's JSON shape, preferring
// the parser's static hint when one exists. A runtime value alone cannot
// recover domain intent, which is exactly what the hint carries.
type StructuralInferer struct{}

func (StructuralInferer) InferType(name string, value any, staticHint string) string {
	if staticHint != "" {
		return staticHint
	}
	return structuralType(value)
}

func structuralType(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// Annotate filters a raw snapshot and attaches inferred types, producing the
// typed variable map carried on enriched steps and state snapshots.
func Annotate(vars map[string]any, deny DenyFunc, inferer TypeInferer, hints map[string]string) map[string]schema.TypedVariable {
	if inferer == nil {
		inferer = StructuralInferer{}
	}
	filtered := Filter(vars, deny)
	typed := make(map[string]schema.TypedVariable, len(filtered))
	for name, value := range filtered {
		typed[name] = schema.TypedVariable{
			Value: value,
			Type:  inferer.InferType(name, value, hints[name]),
		}
	}
	return typed
}
