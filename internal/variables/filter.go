// Package variables strips target-language internals from raw variable
// snapshots and infers a semantic type for what remains.
package variables

import "strings"

// DenyFunc reports whether a variable should be hidden from the user.
// The predicate is injectable: different execution engines leak different
// internals into their snapshots.
type DenyFunc func(name string, value any) bool

// exception internals and host-object markers that the reference execution
// engine leaks into flat snapshots.
var denylistedNames = map[string]bool{
	"__builtins__":  true,
	"__exception__": true,
	"__traceback__": true,
	"__name__":      true,
	"__doc__":       true,
}

// DefaultDeny hides underscore-prefixed names, known exception internals,
// and opaque host-object string forms.
func DefaultDeny(name string, value any) bool {
	if denylistedNames[name] {
		return true
	}
	if strings.HasPrefix(name, "_") {
		return true
	}
	if s, ok := value.(string); ok && isOpaqueHostObject(s) {
		return true
	}
	return false
}

// isOpaqueHostObject recognizes stringified runtime objects like
// "<function log at 0x7f...>" or "<module 'json'>" that carry no user value.
func isOpaqueHostObject(s string) bool {
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return false
	}
	for _, marker := range []string{"<function ", "<module ", "<class ", "<built-in ", "<bound method ", "<object "} {
		if strings.HasPrefix(s, marker) {
			return true
		}
	}
	return strings.Contains(s, " at 0x")
}

// Filter returns a copy of the snapshot without denied entries. The input
// map is never mutated; snapshots cross a language boundary and may be
// shared with the raw trace.
func Filter(vars map[string]any, deny DenyFunc) map[string]any {
	if deny == nil {
		deny = DefaultDeny
	}
	filtered := make(map[string]any, len(vars))
	for name, value := range vars {
		if deny(name, value) {
			continue
		}
		filtered[name] = value
	}
	return filtered
}
