package fieldpath

import (
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/util/sets"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		expected   FieldPath
	}{
		{
			name:       "bare field defaults to wildcard projects",
			expression: "status",
			expected: FieldPath{
				Projects: sets.New[string](),
				Segments: []string{"status"},
			},
		},
		{
			name:       "single project filter",
			expression: "OCPBUGS.status",
			expected: FieldPath{
				Projects: sets.New("OCPBUGS"),
				Segments: []string{"status"},
			},
		},
		{
			name:       "explicit wildcard filter",
			expression: "*.summary",
			expected: FieldPath{
				Projects: sets.New[string](),
				Segments: []string{"summary"},
			},
		},
		{
			name:       "multiple project keys form a set",
			expression: "OPS|DEPLOY|SRE.status",
			expected: FieldPath{
				Projects: sets.New("OPS", "DEPLOY", "SRE"),
				Segments: []string{"status"},
			},
		},
		{
			name:       "nested properties",
			expression: "release.releaseDate",
			expected: FieldPath{
				Projects: sets.New[string](),
				Segments: []string{"release", "releaseDate"},
			},
		},
		{
			name:       "lowercase leading segment is a field, not a filter",
			expression: "customfield_10001.value",
			expected: FieldPath{
				Projects: sets.New[string](),
				Segments: []string{"customfield_10001", "value"},
			},
		},
		{
			name:       "changelog DateTime extractor",
			expression: "status:Done.DateTime",
			expected: FieldPath{
				Projects:  sets.New[string](),
				Segments:  []string{"status"},
				Predicate: &ChangePredicate{Field: "status", Value: "Done"},
				Extractor: ExtractorDateTime,
			},
		},
		{
			name:       "changelog Occurred extractor with project filter",
			expression: "OPS|DEPLOY.status:In Progress.Occurred",
			expected: FieldPath{
				Projects:  sets.New("OPS", "DEPLOY"),
				Segments:  []string{"status"},
				Predicate: &ChangePredicate{Field: "status", Value: "In Progress"},
				Extractor: ExtractorOccurred,
			},
		},
		{
			name:       "predicate value may contain dots",
			expression: "fixVersion:4.1.DateTime",
			expected: FieldPath{
				Projects:  sets.New[string](),
				Segments:  []string{"fixVersion"},
				Predicate: &ChangePredicate{Field: "fixVersion", Value: "4.1"},
				Extractor: ExtractorDateTime,
			},
		},
		{
			name:       "surrounding whitespace is trimmed",
			expression: "  OCPBUGS.status  ",
			expected: FieldPath{
				Projects: sets.New("OCPBUGS"),
				Segments: []string{"status"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.expression)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !parsed.Equal(tt.expected) {
				t.Errorf("parsed %q into %#v, expected %#v", tt.expression, parsed, tt.expected)
			}
		})
	}
}

func TestParseIsDeterministicAndIdempotent(t *testing.T) {
	expressions := []string{
		"status",
		"OCPBUGS.status",
		"OPS|DEPLOY.status:In Progress.Occurred",
		"release.releaseDate",
		"fixVersion:4.1.DateTime",
	}

	for _, expression := range expressions {
		first, err := Parse(expression)
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", expression, err)
		}
		second, err := Parse(expression)
		if err != nil {
			t.Fatalf("unexpected error parsing %q again: %v", expression, err)
		}
		if !first.Equal(second) {
			t.Errorf("parsing %q twice yielded different paths: %#v vs %#v", expression, first, second)
		}
		reparsed, err := Parse(first.String())
		if err != nil {
			t.Fatalf("unexpected error reparsing %q: %v", first.String(), err)
		}
		if !first.Equal(reparsed) {
			t.Errorf("reparsing String() of %q yielded a different path", expression)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name       string
		expression string
	}{
		{name: "empty expression", expression: ""},
		{name: "whitespace only", expression: "   "},
		{name: "empty segment", expression: "release..releaseDate"},
		{name: "trailing dot", expression: "status."},
		{name: "filter without field", expression: "OCPBUGS"},
		{name: "wildcard without field", expression: "*"},
		{name: "invalid key in filter set", expression: "OPS|bad.status"},
		{name: "predicate without extractor", expression: "status:Done"},
		{name: "predicate with empty value", expression: "status:.DateTime"},
		{name: "unknown extractor", expression: "status:Done.Timestamp"},
		{name: "predicate after nested property", expression: "release.name:4.1.DateTime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expression)
			if err == nil {
				t.Fatalf("expected error for %q but got none", tt.expression)
			}
			var syntaxError *SyntaxError
			if !errors.As(err, &syntaxError) {
				t.Errorf("expected *SyntaxError for %q, got %T: %v", tt.expression, err, err)
			}
		})
	}
}

func TestMatchesProject(t *testing.T) {
	wildcard := MustParse("status")
	if !wildcard.MatchesProject("ANYTHING") {
		t.Error("wildcard path should match any project")
	}

	scoped := MustParse("OPS|DEPLOY.status")
	if !scoped.MatchesProject("OPS") || !scoped.MatchesProject("DEPLOY") {
		t.Error("scoped path should match projects in its filter set")
	}
	if scoped.MatchesProject("OCPBUGS") {
		t.Error("scoped path should not match projects outside its filter set")
	}
}
