// Package twin turns digital-twin telemetry documents into the flat
// key/value view consumed by publishers and the CLI.
package twin

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Separator joins path segments in flattened keys.
const Separator = "_"

// Flat maps a synthesized key path to a scalar leaf value.
type Flat map[string]any

// Flatten walks doc depth-first and records every scalar leaf under a key
// made of its object keys and array indices joined with Separator.
//
//	{"battery": {"state_of_charge": 80}, "tires": [{"psi": 40}]}
//
// becomes
//
//	{"battery_state_of_charge": 80, "tires_0_psi": 40}
//
// Empty objects and arrays contribute no keys.
//
// Distinct paths can produce the same key, as in {"a_b": 1, "a": {"b": 2}}.
// Only one leaf survives such a collision, so len(Flatten(doc)) is then
// smaller than LeafCount(doc). Object keys are walked in sorted order and
// the path reached last wins, which here keeps "a_b": 1.
func Flatten(doc map[string]any) Flat {
	out := make(Flat)
	flatten(out, doc, "")
	return out
}

func flatten(out Flat, node any, prefix string) {
	switch v := node.(type) {
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(v)) {
			flatten(out, v[key], prefix+key+Separator)
		}
	case []any:
		for i, child := range v {
			flatten(out, child, prefix+strconv.Itoa(i)+Separator)
		}
	default:
		out[strings.TrimSuffix(prefix, Separator)] = v
	}
}

// LeafCount returns the number of scalar leaves in doc.
func LeafCount(doc map[string]any) int {
	return leafCount(doc)
}

func leafCount(node any) int {
	switch v := node.(type) {
	case map[string]any:
		n := 0
		for _, child := range v {
			n += leafCount(child)
		}
		return n
	case []any:
		n := 0
		for _, child := range v {
			n += leafCount(child)
		}
		return n
	default:
		return 1
	}
}
