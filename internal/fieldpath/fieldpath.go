// Package fieldpath compiles namespace expressions into immutable field paths.
//
// A namespace expression identifies a single value on a Jira issue, optionally
// scoped to one or more projects and optionally derived from the issue's change
// history instead of its current field content:
//
//	status                          current status of any issue
//	OCPBUGS.status                  current status, OCPBUGS issues only
//	release.releaseDate             property of the (first) release entry
//	OPS|DEPLOY.status:Done.DateTime timestamp of the first transition to Done
//	*.status:In Progress.Occurred   whether the issue ever entered In Progress
package fieldpath

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Extractor selects how a changelog match is turned into a value.
type Extractor string

const (
	// ExtractorNone means the path reads current field content directly.
	ExtractorNone Extractor = ""
	// ExtractorDateTime yields the timestamp of the earliest matching transition.
	ExtractorDateTime Extractor = "DateTime"
	// ExtractorOccurred yields whether any matching transition exists.
	ExtractorOccurred Extractor = "Occurred"
)

// ChangePredicate matches change-history entries whose field transitioned to
// the given value. Matching on the value is case-sensitive and exact.
type ChangePredicate struct {
	Field string
	Value string
}

// FieldPath is the compiled, immutable form of a namespace expression.
type FieldPath struct {
	// Projects holds the project keys the path applies to. An empty set is
	// the wildcard and matches every project.
	Projects sets.Set[string]
	// Segments is the field name followed by nested property names. When
	// Predicate is set, Segments holds only the watched field name.
	Segments []string
	// Predicate, when non-nil, switches resolution to the change history.
	Predicate *ChangePredicate
	// Extractor is set exactly when Predicate is set.
	Extractor Extractor

	raw string
}

// MatchesProject reports whether the path applies to issues of the given
// project. The wildcard filter matches everything.
func (p FieldPath) MatchesProject(projectKey string) bool {
	return p.Projects.Len() == 0 || p.Projects.Has(projectKey)
}

// String returns the expression the path was compiled from.
func (p FieldPath) String() string {
	return p.raw
}

// Equal reports structural equality of two compiled paths.
func (p FieldPath) Equal(other FieldPath) bool {
	if !p.Projects.Equal(other.Projects) {
		return false
	}
	if len(p.Segments) != len(other.Segments) {
		return false
	}
	for i := range p.Segments {
		if p.Segments[i] != other.Segments[i] {
			return false
		}
	}
	if (p.Predicate == nil) != (other.Predicate == nil) {
		return false
	}
	if p.Predicate != nil && *p.Predicate != *other.Predicate {
		return false
	}
	return p.Extractor == other.Extractor
}

// isProjectKey reports whether the segment looks like a Jira project key:
// uppercase ASCII letters and digits, starting with a letter.
func isProjectKey(segment string) bool {
	if segment == "" {
		return false
	}
	for i, r := range segment {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isProjectFilter reports whether the leading segment of an expression is a
// project filter rather than a field name. A segment is a filter when it is
// the wildcard, joins multiple keys with "|", or matches the project key
// convention on its own.
func isProjectFilter(segment string) bool {
	return segment == "*" || strings.Contains(segment, "|") || isProjectKey(segment)
}
