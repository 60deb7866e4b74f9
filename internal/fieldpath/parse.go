package fieldpath

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// SyntaxError describes a malformed namespace expression. It identifies the
// offending part of the expression so configuration mistakes are actionable.
type SyntaxError struct {
	Expression string
	Segment    string
	Reason     string
}

func (e *SyntaxError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("invalid namespace expression %q: %s", e.Expression, e.Reason)
	}
	return fmt.Sprintf("invalid namespace expression %q: %s (at %q)", e.Expression, e.Reason, e.Segment)
}

func syntaxErr(expr, segment, reason string) error {
	return &SyntaxError{Expression: expr, Segment: segment, Reason: reason}
}

// Parse compiles a namespace expression into a FieldPath. Parsing is pure:
// the same expression always yields a structurally equal path, and any input
// outside the grammar fails with a *SyntaxError rather than being defaulted.
func Parse(expression string) (FieldPath, error) {
	raw := strings.TrimSpace(expression)
	if raw == "" {
		return FieldPath{}, syntaxErr(expression, "", "expression is empty")
	}

	path := FieldPath{Projects: sets.New[string](), raw: raw}

	head := raw
	if colon := strings.Index(raw, ":"); colon >= 0 {
		head = raw[:colon]
		pred, extractor, err := parsePredicate(raw, raw[colon+1:])
		if err != nil {
			return FieldPath{}, err
		}
		path.Predicate = pred
		path.Extractor = extractor
	}

	segments := strings.Split(head, ".")
	for _, segment := range segments {
		if segment == "" {
			return FieldPath{}, syntaxErr(raw, head, "empty path segment")
		}
	}

	if isProjectFilter(segments[0]) {
		projects, err := parseProjectFilter(raw, segments[0])
		if err != nil {
			return FieldPath{}, err
		}
		path.Projects = projects
		segments = segments[1:]
	}

	if len(segments) == 0 {
		return FieldPath{}, syntaxErr(raw, head, "missing field name after project filter")
	}

	if path.Predicate != nil {
		// The predicate watches a single field; nested properties make no
		// sense in front of it.
		if len(segments) != 1 {
			return FieldPath{}, syntaxErr(raw, head, "changelog predicate must follow a single field name")
		}
		path.Predicate.Field = segments[0]
	}
	path.Segments = segments

	return path, nil
}

// MustParse is Parse for expressions known to be valid, such as compiled-in
// defaults. It panics on malformed input.
func MustParse(expression string) FieldPath {
	path, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return path
}

// parsePredicate parses everything after the ":". The extractor is the text
// after the final ".", so the matched value may itself contain dots and
// spaces (fixVersion:4.1.DateTime watches the value "4.1").
func parsePredicate(expr, rest string) (*ChangePredicate, Extractor, error) {
	dot := strings.LastIndex(rest, ".")
	if dot < 0 {
		return nil, ExtractorNone, syntaxErr(expr, rest, "unterminated predicate: expected .DateTime or .Occurred after the value")
	}

	value := rest[:dot]
	if value == "" {
		return nil, ExtractorNone, syntaxErr(expr, rest, "empty predicate value")
	}

	switch name := rest[dot+1:]; Extractor(name) {
	case ExtractorDateTime:
		return &ChangePredicate{Value: value}, ExtractorDateTime, nil
	case ExtractorOccurred:
		return &ChangePredicate{Value: value}, ExtractorOccurred, nil
	default:
		return nil, ExtractorNone, syntaxErr(expr, name, "unknown extractor")
	}
}

// parseProjectFilter parses the leading project filter segment. Multiple keys
// joined by "|" form a set; matching later on is membership, not order.
func parseProjectFilter(expr, segment string) (sets.Set[string], error) {
	projects := sets.New[string]()
	if segment == "*" {
		return projects, nil
	}

	for _, key := range strings.Split(segment, "|") {
		if !isProjectKey(key) {
			return nil, syntaxErr(expr, key, "invalid project key")
		}
		projects.Insert(key)
	}

	return projects, nil
}
