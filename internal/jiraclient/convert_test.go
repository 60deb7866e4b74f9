package jiraclient

import (
	"testing"
	"time"

	"github.com/andygrunwald/go-jira"
	"github.com/trivago/tgo/tcontainer"

	"github.com/petr-muller/pace/internal/snapshot"
)

func TestConvertIssue(t *testing.T) {
	released := true
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)

	issue := jira.Issue{
		Key: "OCPBUGS-1234",
		Fields: &jira.IssueFields{
			Summary:        "Fix the flaky watcher",
			Project:        jira.Project{Key: "OCPBUGS"},
			Type:           jira.IssueType{Name: "Bug"},
			Status:         &jira.Status{Name: "In Progress"},
			Created:        jira.Time(created),
			Updated:        jira.Time(updated),
			Labels:         []string{"triaged"},
			Priority:       &jira.Priority{Name: "Critical"},
			Assignee:       &jira.User{Name: "dev", DisplayName: "Developer"},
			Components:     []*jira.Component{{Name: "networking"}},
			FixVersions:    []*jira.FixVersion{{Name: "4.22.0", ReleaseDate: "2026-10-01", Released: &released}},
			Unknowns:       tcontainer.MarshalMap{"customfield_12345": "sprint-42"},
		},
		Changelog: &jira.Changelog{
			Histories: []jira.ChangelogHistory{
				{
					Created: "2026-08-15T12:00:00.000+0200",
					Items: []jira.ChangelogItems{
						{Field: "status", FieldType: "jira", FromString: "New", ToString: "In Progress"},
						{Field: "Target Version", FieldType: "custom", FromString: "", ToString: "4.22.0"},
					},
				},
				{
					Created: "2026-08-10T08:00:00.000+0000",
					Items: []jira.ChangelogItems{
						{Field: "assignee", FieldType: "jira", FromString: "", ToString: "Developer"},
					},
				},
			},
		},
	}

	record, err := convertIssue(issue)
	if err != nil {
		t.Fatalf("convertIssue() returned unexpected error: %v", err)
	}

	if record.Key != "OCPBUGS-1234" {
		t.Errorf("expected key OCPBUGS-1234, got %q", record.Key)
	}
	if record.Project != "OCPBUGS" {
		t.Errorf("expected project OCPBUGS, got %q", record.Project)
	}
	if record.Status != "In Progress" {
		t.Errorf("expected status In Progress, got %q", record.Status)
	}
	if !record.Created.Equal(created) {
		t.Errorf("expected created %v, got %v", created, record.Created)
	}
	if !record.Resolved.IsZero() {
		t.Errorf("expected unresolved issue, got resolved at %v", record.Resolved)
	}

	if record.Fields["summary"] != "Fix the flaky watcher" {
		t.Errorf("expected summary in fields, got %v", record.Fields["summary"])
	}
	if record.Fields["customfield_12345"] != "sprint-42" {
		t.Errorf("expected custom field to pass through, got %v", record.Fields["customfield_12345"])
	}

	versions, ok := record.Fields["fixVersions"].([]any)
	if !ok || len(versions) != 1 {
		t.Fatalf("expected one fix version, got %v", record.Fields["fixVersions"])
	}
	version, ok := versions[0].(map[string]any)
	if !ok {
		t.Fatalf("expected fix version to be a map, got %T", versions[0])
	}
	if version["name"] != "4.22.0" || version["releaseDate"] != "2026-10-01" || version["released"] != true {
		t.Errorf("unexpected fix version contents: %v", version)
	}

	if len(record.Changes) != 3 {
		t.Fatalf("expected 3 change entries, got %d", len(record.Changes))
	}
	// Entries must come out chronological even though the histories arrived
	// out of order.
	if record.Changes[0].Field != "assignee" {
		t.Errorf("expected earliest change to be assignee, got %q", record.Changes[0].Field)
	}
	if record.Changes[1].Field != "status" || record.Changes[1].To != "In Progress" {
		t.Errorf("unexpected second change: %+v", record.Changes[1])
	}
	wantAt := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	if !record.Changes[1].At.Equal(wantAt) {
		t.Errorf("expected change timestamp normalized to %v, got %v", wantAt, record.Changes[1].At)
	}
	if record.Changes[2].FieldKind != snapshot.FieldKindCustom {
		t.Errorf("expected custom field kind, got %q", record.Changes[2].FieldKind)
	}
}

func TestConvertIssueNoFields(t *testing.T) {
	if _, err := convertIssue(jira.Issue{Key: "OCPBUGS-1"}); err == nil {
		t.Error("expected an error for an issue without fields")
	}
}

func TestConvertChangelogNil(t *testing.T) {
	entries, err := convertChangelog(nil)
	if err != nil {
		t.Fatalf("convertChangelog(nil) returned unexpected error: %v", err)
	}
	if entries != nil {
		t.Errorf("expected no entries, got %v", entries)
	}
}
