package varmap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petr-muller/pace/internal/fieldpath"
	"github.com/petr-muller/pace/internal/resolve"
	"github.com/petr-muller/pace/internal/snapshot"
)

func opsIssue() snapshot.IssueRecord {
	return snapshot.IssueRecord{
		Key:     "OPS-4",
		Project: "OPS",
		Fields: map[string]any{
			"deployedAt": "2026-08-10T12:00:00Z",
			"fixVersions": []any{
				map[string]any{"name": "4.1", "releaseDate": "2026-08-17"},
			},
		},
		Changes: []snapshot.ChangeEntry{
			{At: time.Date(2026, 8, 9, 8, 0, 0, 0, time.UTC), Field: "status", To: "Deployed"},
		},
	}
}

func TestMappingRespectsPriorityOrder(t *testing.T) {
	// Both rules produce a distinct value for this issue: the changelog
	// transition happened on Aug 9, the direct field says Aug 10. The
	// priority-1 rule must supply the result even though the file order
	// lists it second.
	issue := opsIssue()

	mapping := NewMapping("deployment_timestamp",
		Rule{Priority: 2, Path: fieldpath.MustParse("deployedAt"), Type: resolve.KindTime},
		Rule{Priority: 1, Path: fieldpath.MustParse("status:Deployed.DateTime"), Type: resolve.KindTime},
	)

	value := mapping.Resolve(issue)
	expected := time.Date(2026, 8, 9, 8, 0, 0, 0, time.UTC)
	if got, ok := value.AsTime(); !ok || !got.Equal(expected) {
		t.Fatalf("expected priority-1 changelog value %v, got %s", expected, value.Display())
	}

	rules := mapping.Rules()
	if len(rules) != 2 || rules[0].Priority != 1 || rules[1].Priority != 2 {
		t.Errorf("rules are not ordered by ascending priority: %+v", rules)
	}
}

func TestMappingFallsBackInPriorityOrder(t *testing.T) {
	issue := opsIssue()

	// Priority 1 watches a transition this issue never had; priority 2
	// reads the direct field and must supply the value.
	mapping := NewMapping("deployment_timestamp",
		Rule{Priority: 1, Path: fieldpath.MustParse("status:Released.DateTime"), Type: resolve.KindTime},
		Rule{Priority: 2, Path: fieldpath.MustParse("deployedAt"), Type: resolve.KindTime},
	)

	value := mapping.Resolve(issue)
	expected := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	if got, ok := value.AsTime(); !ok || !got.Equal(expected) {
		t.Fatalf("expected fallback value %v, got %s", expected, value.Display())
	}
}

func TestMappingExhaustionIsAbsent(t *testing.T) {
	issue := opsIssue()

	mapping := NewMapping("incident_timestamp",
		Rule{Priority: 1, Path: fieldpath.MustParse("status:Incident.DateTime"), Type: resolve.KindTime},
		Rule{Priority: 2, Path: fieldpath.MustParse("incidentAt"), Type: resolve.KindTime},
	)

	if value := mapping.Resolve(issue); !value.IsAbsent() {
		t.Errorf("exhausted mapping should resolve to Absent, got %s", value.Display())
	}
}

func TestMappingProjectScopedRules(t *testing.T) {
	issue := opsIssue()

	// A rule scoped to another project never fires for this issue even at
	// higher priority.
	mapping := NewMapping("deployment_timestamp",
		Rule{Priority: 1, Path: fieldpath.MustParse("DEPLOY.deployedAt"), Type: resolve.KindTime},
		Rule{Priority: 2, Path: fieldpath.MustParse("OPS.fixVersions.releaseDate"), Type: resolve.KindTime},
	)

	value := mapping.Resolve(issue)
	expected := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	if got, ok := value.AsTime(); !ok || !got.Equal(expected) {
		t.Fatalf("expected project-scoped fallback %v, got %s", expected, value.Display())
	}
}

func TestTableResolveVariable(t *testing.T) {
	issue := opsIssue()
	table := NewTable(
		NewMapping("deployment_timestamp",
			Rule{Priority: 1, Path: fieldpath.MustParse("deployedAt"), Type: resolve.KindTime},
		),
	)

	if value := table.ResolveVariable("deployment_timestamp", issue); value.IsAbsent() {
		t.Error("expected mapped variable to resolve")
	}
	if value := table.ResolveVariable("unknown_variable", issue); !value.IsAbsent() {
		t.Errorf("unknown variable should resolve to Absent, got %s", value.Display())
	}
}

func TestLoadTableFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.yaml")
	content := `variables:
  deployment_timestamp:
    - priority: 2
      path: "*.deployedAt"
      type: datetime
    - priority: 1
      path: "OPS.status:Deployed.DateTime"
      type: datetime
  story_points:
    - priority: 1
      path: "storyPoints"
      type: number
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write mappings file: %v", err)
	}

	table, err := LoadTableFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	variables := table.Variables()
	if len(variables) != 2 || variables[0] != "deployment_timestamp" || variables[1] != "story_points" {
		t.Errorf("unexpected variables: %v", variables)
	}

	// Priority 1 is the changelog rule even though the file lists it second.
	value := table.ResolveVariable("deployment_timestamp", opsIssue())
	expected := time.Date(2026, 8, 9, 8, 0, 0, 0, time.UTC)
	if got, ok := value.AsTime(); !ok || !got.Equal(expected) {
		t.Fatalf("expected changelog-sourced value %v, got %s", expected, value.Display())
	}
}

func TestLoadTableFromFileMissingIsEmpty(t *testing.T) {
	table, err := LoadTableFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table.Variables()) != 0 {
		t.Errorf("missing file should yield an empty table, got %v", table.Variables())
	}
}

func TestLoadTableFromFileSurfacesSyntaxErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mappings.yaml")
	content := `variables:
  deployment_timestamp:
    - priority: 1
      path: "status:Done"
      type: datetime
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write mappings file: %v", err)
	}

	if _, err := LoadTableFromFile(path); err == nil {
		t.Fatal("expected malformed expression to fail at load time")
	}
}
