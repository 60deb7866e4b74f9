package jiraclient

import (
	"fmt"
	"sort"
	"time"

	"github.com/andygrunwald/go-jira"

	"github.com/petr-muller/pace/internal/snapshot"
)

// convertIssue converts a go-jira Issue into a snapshot record. Typed
// well-known fields land on the record itself; everything else, custom
// fields included, goes into the open field map in its JSON shape so field
// paths can address it uniformly.
func convertIssue(issue jira.Issue) (snapshot.IssueRecord, error) {
	if issue.Fields == nil {
		return snapshot.IssueRecord{}, fmt.Errorf("issue has no fields")
	}

	record := snapshot.IssueRecord{
		Key:      issue.Key,
		Project:  issue.Fields.Project.Key,
		Type:     issue.Fields.Type.Name,
		Created:  time.Time(issue.Fields.Created),
		Updated:  time.Time(issue.Fields.Updated),
		Resolved: time.Time(issue.Fields.Resolutiondate),
		Fields:   convertFields(issue.Fields),
	}

	if issue.Fields.Status != nil {
		record.Status = issue.Fields.Status.Name
	}

	changes, err := convertChangelog(issue.Changelog)
	if err != nil {
		return snapshot.IssueRecord{}, err
	}
	record.Changes = changes

	return record, nil
}

// convertFields flattens the issue fields into a JSON-shaped map. Custom
// fields arrive through the Unknowns map already JSON-shaped and are copied
// as-is.
func convertFields(fields *jira.IssueFields) map[string]any {
	out := make(map[string]any, len(fields.Unknowns)+8)
	for name, value := range fields.Unknowns {
		out[name] = value
	}

	out["summary"] = fields.Summary
	if fields.Description != "" {
		out["description"] = fields.Description
	}

	if len(fields.Labels) > 0 {
		labels := make([]any, len(fields.Labels))
		for i, label := range fields.Labels {
			labels[i] = label
		}
		out["labels"] = labels
	}

	if len(fields.Components) > 0 {
		components := make([]any, 0, len(fields.Components))
		for _, component := range fields.Components {
			if component != nil {
				components = append(components, map[string]any{"name": component.Name})
			}
		}
		out["components"] = components
	}

	if len(fields.FixVersions) > 0 {
		releases := make([]any, 0, len(fields.FixVersions))
		for _, version := range fields.FixVersions {
			if version == nil {
				continue
			}
			release := map[string]any{"name": version.Name}
			if version.ReleaseDate != "" {
				release["releaseDate"] = version.ReleaseDate
			}
			if version.Released != nil {
				release["released"] = *version.Released
			}
			releases = append(releases, release)
		}
		out["fixVersions"] = releases
	}

	if fields.Priority != nil {
		out["priority"] = map[string]any{"name": fields.Priority.Name}
	}
	if fields.Resolution != nil {
		out["resolution"] = map[string]any{"name": fields.Resolution.Name}
	}
	if fields.Assignee != nil {
		out["assignee"] = map[string]any{
			"name":        fields.Assignee.Name,
			"displayName": fields.Assignee.DisplayName,
		}
	}
	if fields.Reporter != nil {
		out["reporter"] = map[string]any{
			"name":        fields.Reporter.Name,
			"displayName": fields.Reporter.DisplayName,
		}
	}

	return out
}

// convertChangelog flattens changelog histories into change entries ordered
// by timestamp. Jira groups simultaneous item changes under one history;
// each item becomes its own entry carrying the history's timestamp.
func convertChangelog(changelog *jira.Changelog) ([]snapshot.ChangeEntry, error) {
	if changelog == nil {
		return nil, nil
	}

	var entries []snapshot.ChangeEntry
	for _, history := range changelog.Histories {
		created, err := history.CreatedTime()
		if err != nil {
			return nil, fmt.Errorf("failed to parse changelog timestamp %q: %w", history.Created, err)
		}

		for _, item := range history.Items {
			entries = append(entries, snapshot.ChangeEntry{
				At:        created.UTC(),
				Field:     item.Field,
				FieldKind: fieldKind(item.FieldType),
				From:      item.FromString,
				To:        item.ToString,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})

	return entries, nil
}

func fieldKind(fieldType string) snapshot.FieldKind {
	if fieldType == "custom" {
		return snapshot.FieldKindCustom
	}
	return snapshot.FieldKindNative
}
