package expr

import (
	"strings"

	"github.com/trinity-platform/process-engine/internal/enginerr"
)

// interpolationStart/End are the template delimiters recognized inside
// strings (messages, titles, recipients, ...).
const (
	interpolationStart = "{{"
	interpolationEnd   = "}}"
)

// Eval parses and evaluates a single bare expression (no {{ }} delimiters),
// such as a gateway condition or a step `condition`. It returns an
// ExpressionError only for unparseable syntax, never for missing data.
func Eval(expression string, ctx *Context) (any, error) {
	n, err := Parse(strings.TrimSpace(expression))
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindExpressionError, "failed to parse expression", err)
	}
	return n.Eval(ctx), nil
}

// EvalCondition evaluates a bare expression and coerces the result to a
// bool via the Truthy rule, used for step `condition` and gateway
// `conditions[].expression`.
func EvalCondition(expression string, ctx *Context) (bool, error) {
	v, err := Eval(expression, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Interpolate scans s for {{ expr }} occurrences and replaces each with the
// string form of its evaluated value. Text outside {{ }} passes through
// unchanged. A string with no {{ }} markers is returned unchanged without
// reparsing anything.
func Interpolate(s string, ctx *Context) (string, error) {
	if !strings.Contains(s, interpolationStart) {
		return s, nil
	}

	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, interpolationStart)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		afterStart := rest[start+len(interpolationStart):]

		end := strings.Index(afterStart, interpolationEnd)
		if end < 0 {
			return "", enginerr.New(enginerr.KindExpressionError, "unterminated {{ ... }} interpolation")
		}

		exprSrc := strings.TrimSpace(afterStart[:end])
		v, err := Eval(exprSrc, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(toDisplayString(v))

		rest = afterStart[end+len(interpolationEnd):]
	}
	return out.String(), nil
}

// Validate reports whether expression parses, without evaluating it. Used
// by the definition validator (rule 6: "every {{expression}} parses").
func Validate(expression string) error {
	_, err := Parse(strings.TrimSpace(expression))
	if err != nil {
		return enginerr.Wrap(enginerr.KindExpressionError, "failed to parse expression", err)
	}
	return nil
}

// ExtractInterpolations returns every {{ ... }} expression body found in s,
// in order, without evaluating them. Used by the validator to check
// identifier references (rule 6) against known step ids.
func ExtractInterpolations(s string) []string {
	var out []string
	rest := s
	for {
		start := strings.Index(rest, interpolationStart)
		if start < 0 {
			return out
		}
		afterStart := rest[start+len(interpolationStart):]
		end := strings.Index(afterStart, interpolationEnd)
		if end < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(afterStart[:end]))
		rest = afterStart[end+len(interpolationEnd):]
	}
}

// ReferencedStepIDs returns every "steps.<id>" identifier referenced in the
// expression's path nodes, used by the validator to confirm identifiers
// only reference input, trigger, or declared steps.
func ReferencedStepIDs(expression string) ([]string, error) {
	n, err := Parse(strings.TrimSpace(expression))
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindExpressionError, "failed to parse expression", err)
	}
	var ids []string
	collectStepRefs(n, &ids)
	return ids, nil
}

// ReferencedRoots returns the root identifiers (first path segment) used
// anywhere within the expression, e.g. "input", "trigger", "steps".
func ReferencedRoots(expression string) ([]string, error) {
	n, err := Parse(strings.TrimSpace(expression))
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindExpressionError, "failed to parse expression", err)
	}
	var roots []string
	collectRoots(n, &roots)
	return roots, nil
}

func collectStepRefs(n node, out *[]string) {
	switch t := n.(type) {
	case *pathNode:
		if len(t.segments) >= 2 && t.segments[0].name == "steps" {
			*out = append(*out, t.segments[1].name)
		}
	case *filterNode:
		collectStepRefs(t.inner, out)
		collectStepRefs(t.defaultVal, out)
	case *comparisonNode:
		collectStepRefs(t.left, out)
		collectStepRefs(t.right, out)
	}
}

func collectRoots(n node, out *[]string) {
	switch t := n.(type) {
	case *pathNode:
		if len(t.segments) > 0 {
			*out = append(*out, t.segments[0].name)
		}
	case *filterNode:
		collectRoots(t.inner, out)
		collectRoots(t.defaultVal, out)
	case *comparisonNode:
		collectRoots(t.left, out)
		collectRoots(t.right, out)
	}
}
