package trace

import (
	"encoding/json"
	"sort"

	"github.com/rendis/ruledbg/pkg/schema"
)

// Diff computes the change set between two consecutive filtered snapshots.
// Values cross a language boundary and are freshly (de)serialized on every
// trace, so reference identity is meaningless; equality is deep and
// structural via canonical JSON (map keys marshal sorted).
func Diff(prev, curr map[string]any) schema.VariableChanges {
	changes := schema.VariableChanges{
		Added:    []string{},
		Modified: []string{},
		Removed:  []string{},
	}

	for name, value := range curr {
		prevValue, existed := prev[name]
		if !existed {
			changes.Added = append(changes.Added, name)
			continue
		}
		if !deepEqual(prevValue, value) {
			changes.Modified = append(changes.Modified, name)
		}
	}
	for name := range prev {
		if _, exists := curr[name]; !exists {
			changes.Removed = append(changes.Removed, name)
		}
	}

	sort.Strings(changes.Added)
	sort.Strings(changes.Modified)
	sort.Strings(changes.Removed)
	return changes
}

// deepEqual compares two values by their canonical JSON encoding. This
// deliberately treats int(1) and float64(1) as equal: both sides of the
// comparison may have taken different (de)serialization paths.
func deepEqual(a, b any) bool {
	ab, aErr := json.Marshal(a)
	bb, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return aErr == nil && bErr == nil
	}
	return string(ab) == string(bb)
}
