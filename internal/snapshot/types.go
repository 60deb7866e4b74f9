package snapshot

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/pace/internal/bucket"
	"github.com/petr-muller/pace/internal/fingerprint"
)

// FieldKind distinguishes native Jira fields from custom fields in change
// history entries.
type FieldKind string

const (
	// FieldKindNative marks built-in Jira fields (status, assignee, ...).
	FieldKindNative FieldKind = "jira"
	// FieldKindCustom marks customer-defined fields.
	FieldKindCustom FieldKind = "custom"
)

// ChangeEntry is one historical field transition of an issue. Entries are
// immutable once stored and the per-issue sequence is append-only across
// re-fetches.
type ChangeEntry struct {
	At        time.Time `json:"at"`
	Field     string    `json:"field"`
	FieldKind FieldKind `json:"fieldKind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// IssueRecord is one unit of tracked work. Fields holds the open set of named
// fields as JSON-shaped values: scalars, map[string]any objects, or []any
// arrays. Changes is the ordered change history, earliest first.
type IssueRecord struct {
	Key      string         `json:"key"`
	Project  string         `json:"project"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Created  time.Time      `json:"created"`
	Updated  time.Time      `json:"updated"`
	Resolved time.Time      `json:"resolved,omitempty"` // zero when unresolved
	Fields   map[string]any `json:"fields,omitempty"`

	Changes []ChangeEntry `json:"changes,omitempty"`
}

// Snapshot is the full persisted state for one (scope, fingerprint): the
// issue corpus, its change histories, the last successful sync time and the
// time buckets whose aggregates are pending recomputation.
type Snapshot struct {
	Scope        string
	Fingerprint  fingerprint.Key
	Issues       []IssueRecord
	LastSynced   time.Time
	DirtyBuckets sets.Set[bucket.Key]
}

// Issue returns the record with the given key, if present.
func (s *Snapshot) Issue(key string) (IssueRecord, bool) {
	for _, issue := range s.Issues {
		if issue.Key == key {
			return issue, true
		}
	}
	return IssueRecord{}, false
}
