package bridge

import (
	"encoding/json"
)

// CanonicalizeSchema returns a canonical textual form of a JSON Schema for
// structural comparison: deep-equal documents yield identical strings
// regardless of key order. The second result reports presence; an absent
// schema is distinct from every present one, including {}.
func CanonicalizeSchema(schema json.RawMessage) (string, bool) {
	if len(schema) == 0 {
		return "", false
	}

	var decoded any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		// Not valid JSON; compare the raw bytes as an opaque value.
		return string(schema), true
	}

	// encoding/json emits object keys sorted, which canonicalizes the
	// re-encoded form.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return string(schema), true
	}
	return string(canonical), true
}

// SchemasEqual reports structural equality of two JSON Schemas, treating
// absence as a distinct value.
func SchemasEqual(a, b json.RawMessage) bool {
	ca, okA := CanonicalizeSchema(a)
	cb, okB := CanonicalizeSchema(b)
	return okA == okB && ca == cb
}

// ToolSchemaKey derives a comparison key for a tool's schema pair. Two tools
// agree exactly when their keys match.
func ToolSchemaKey(input, output json.RawMessage) string {
	ci, okI := CanonicalizeSchema(input)
	co, okO := CanonicalizeSchema(output)
	key := "in:"
	if okI {
		key += "1:" + ci
	} else {
		key += "0:"
	}
	key += "|out:"
	if okO {
		key += "1:" + co
	} else {
		key += "0:"
	}
	return key
}
