// Package expr implements Trinity's expression language: a small, total
// interpreter for the {{ ... }} templates used throughout process
// definitions (messages, gateway conditions, step conditions, outputs).
//
// The language is deliberately purpose-built rather than a general
// templating engine — per the design notes, missing-vs-null distinction is
// load-bearing for gateway correctness, and a total interpreter (no panics,
// no side effects, failure only on unparseable syntax) is what lets the
// scheduler and output capture call it without a surrounding recover().
package expr

// missingType is the sentinel type for an unresolved reference. It is
// distinct from untyped nil (JSON null) everywhere in this package.
type missingType struct{}

// Missing is the value resolution yields for any path that does not
// resolve: unknown identifiers, out-of-range indices, or traversal through
// nil/missing.
var Missing = missingType{}

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v any) bool {
	_, ok := v.(missingType)
	return ok
}

// IsNull reports whether v is JSON null (Go nil), as distinct from Missing.
func IsNull(v any) bool {
	return v == nil
}

// Truthy implements the condition/gateway truthiness rule: Missing, null,
// boolean false, and the empty string are false; everything else
// (including zero numbers and empty collections) is true. Comparison
// expressions already yield a real bool, which passes through unchanged.
func Truthy(v any) bool {
	switch t := v.(type) {
	case missingType:
		return false
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}
