// Package varmap maps logical variable names to prioritized lists of field
// paths. A metric variable such as "deployment_timestamp" can be sourced from
// different fields per project; the table tries each candidate in priority
// order and the first one that produces a value wins.
package varmap

import (
	"fmt"
	"sort"

	"github.com/petr-muller/pace/internal/fieldpath"
	"github.com/petr-muller/pace/internal/resolve"
	"github.com/petr-muller/pace/internal/snapshot"
)

// Rule is one candidate source for a variable.
type Rule struct {
	// Priority orders candidates; lower evaluates first.
	Priority int
	// Path is the compiled namespace expression to evaluate.
	Path fieldpath.FieldPath
	// Type is the declared value type; the resolved leaf is coerced to it.
	Type resolve.Kind
}

// Mapping is the ordered candidate list for one variable name.
type Mapping struct {
	Name  string
	rules []Rule
}

// NewMapping builds a mapping from candidate rules. Rules are ordered by
// ascending priority; equal priorities keep their given order.
func NewMapping(name string, rules ...Rule) *Mapping {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return &Mapping{Name: name, rules: ordered}
}

// Rules returns the rules in evaluation order.
func (m *Mapping) Rules() []Rule {
	return m.rules
}

// Resolve evaluates the mapping against one issue: rules run in priority
// order and the first non-Absent result wins. A mapping may legally resolve
// to Absent; callers treat that as "this issue does not contribute", not as
// an error.
func (m *Mapping) Resolve(issue snapshot.IssueRecord) resolve.Value {
	for _, rule := range m.rules {
		value := resolve.Coerce(resolve.Resolve(rule.Path, issue), rule.Type)
		if !value.IsAbsent() {
			return value
		}
	}
	return resolve.Absent
}

// Table holds the active variable mappings. Resolution is always computed
// fresh per issue and per call, so replacing rules takes effect immediately
// with nothing to invalidate.
type Table struct {
	mappings map[string]*Mapping
}

// NewTable builds a table from mappings.
func NewTable(mappings ...*Mapping) *Table {
	table := &Table{mappings: make(map[string]*Mapping, len(mappings))}
	for _, mapping := range mappings {
		table.mappings[mapping.Name] = mapping
	}
	return table
}

// ResolveVariable resolves a variable for one issue. An unknown variable
// name resolves to Absent like an exhausted mapping does.
func (t *Table) ResolveVariable(name string, issue snapshot.IssueRecord) resolve.Value {
	mapping, ok := t.mappings[name]
	if !ok {
		return resolve.Absent
	}
	return mapping.Resolve(issue)
}

// Variables returns the mapped variable names, sorted.
func (t *Table) Variables() []string {
	names := make([]string, 0, len(t.mappings))
	for name := range t.mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the table maps the given variable name.
func (t *Table) Has(name string) bool {
	_, ok := t.mappings[name]
	return ok
}

// parseKind maps the declared type names used in mapping files.
func parseKind(name string) (resolve.Kind, error) {
	switch name {
	case "datetime":
		return resolve.KindTime, nil
	case "string":
		return resolve.KindString, nil
	case "number":
		return resolve.KindNumber, nil
	case "boolean":
		return resolve.KindBool, nil
	default:
		return resolve.KindAbsent, fmt.Errorf("unknown value type %q (want datetime, string, number or boolean)", name)
	}
}
