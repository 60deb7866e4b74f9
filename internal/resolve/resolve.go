// Package resolve evaluates compiled field paths against issue records.
//
// Resolution is total for well-formed paths: missing fields, missing
// properties and type mismatches all produce Absent, never an error or a
// panic.
package resolve

import (
	"strings"

	"github.com/petr-muller/pace/internal/fieldpath"
	"github.com/petr-muller/pace/internal/snapshot"
)

// Resolve evaluates a field path against one issue record.
//
// The project gate runs first: an issue whose project is outside the path's
// filter yields Absent regardless of field content. Paths with a changelog
// predicate are evaluated against the issue's change history; all other
// paths walk the issue's field map directly.
func Resolve(path fieldpath.FieldPath, issue snapshot.IssueRecord) Value {
	if !path.MatchesProject(issue.Project) {
		return Absent
	}

	if path.Predicate != nil {
		return resolveChangelog(path, issue)
	}

	return resolveDirect(path, issue)
}

// resolveChangelog scans the issue's change history for entries whose field
// matches the predicate and whose new value equals the predicate literal
// exactly (case-sensitive).
//
// DateTime answers "when did it first transition": the earliest matching
// timestamp wins, so the scan tracks the minimum over the full sequence
// rather than trusting entry order. Occurred answers existence and exits on
// the first match. No match yields Absent for DateTime and false for
// Occurred.
func resolveChangelog(path fieldpath.FieldPath, issue snapshot.IssueRecord) Value {
	pred := path.Predicate

	switch path.Extractor {
	case fieldpath.ExtractorOccurred:
		for _, change := range issue.Changes {
			if matchesPredicate(change, pred) {
				return Bool(true)
			}
		}
		return Bool(false)

	case fieldpath.ExtractorDateTime:
		earliest := Absent
		for _, change := range issue.Changes {
			if !matchesPredicate(change, pred) {
				continue
			}
			if t, ok := earliest.AsTime(); !ok || change.At.Before(t) {
				earliest = Time(change.At)
			}
		}
		return earliest

	default:
		return Absent
	}
}

// matchesPredicate compares the change entry against the predicate. Field
// names are matched case-insensitively because Jira reports native fields in
// lowercase while expressions commonly name them as displayed; the value
// comparison stays exact.
func matchesPredicate(change snapshot.ChangeEntry, pred *fieldpath.ChangePredicate) bool {
	return strings.EqualFold(change.Field, pred.Field) && change.To == pred.Value
}

// resolveDirect walks the path segments through the issue's field map.
// Arrays implicitly select their first element before any trailing property
// access; explicit indexing is deliberately unsupported.
func resolveDirect(path fieldpath.FieldPath, issue snapshot.IssueRecord) Value {
	current, ok := issue.Fields[path.Segments[0]]
	if !ok {
		return Absent
	}

	for _, property := range path.Segments[1:] {
		if array, isArray := current.([]any); isArray {
			if len(array) == 0 {
				return Absent
			}
			current = array[0]
		}

		object, isObject := current.(map[string]any)
		if !isObject {
			return Absent
		}
		current, ok = object[property]
		if !ok {
			return Absent
		}
	}

	if array, isArray := current.([]any); isArray {
		if len(array) == 0 {
			return Absent
		}
		current = array[0]
	}

	return fromAny(current)
}
