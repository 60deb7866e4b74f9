// Package snapshot persists cached issue corpora keyed by (scope, fingerprint).
//
// A scope is a profile name; a fingerprint identifies the query definition.
// Writes are transactional per key, so readers always observe the last fully
// committed state and never a partially merged delta.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/petr-muller/pace/internal/bucket"
	"github.com/petr-muller/pace/internal/fingerprint"
)

// ErrNotFound is returned by Load when no snapshot exists for the key.
var ErrNotFound = errors.New("snapshot not found")

// storeTimeLayout keeps stored timestamps fixed-width UTC so that string
// ordering equals chronological ordering.
const storeTimeLayout = "2006-01-02T15:04:05.000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	scope       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	last_synced TEXT NOT NULL,
	PRIMARY KEY (scope, fingerprint)
);

CREATE TABLE IF NOT EXISTS issues (
	scope       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	issue_key   TEXT NOT NULL,
	project     TEXT NOT NULL,
	issue_type  TEXT NOT NULL,
	status      TEXT NOT NULL,
	created     TEXT NOT NULL,
	updated     TEXT NOT NULL,
	resolved    TEXT,
	fields      TEXT NOT NULL,
	PRIMARY KEY (scope, fingerprint, issue_key)
);

CREATE TABLE IF NOT EXISTS change_entries (
	scope       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	issue_key   TEXT NOT NULL,
	at          TEXT NOT NULL,
	field       TEXT NOT NULL,
	field_kind  TEXT NOT NULL,
	old_value   TEXT NOT NULL,
	new_value   TEXT NOT NULL,
	UNIQUE (scope, fingerprint, issue_key, at, field, old_value, new_value)
);

CREATE INDEX IF NOT EXISTS idx_change_entries_issue
	ON change_entries (scope, fingerprint, issue_key, at);

CREATE TABLE IF NOT EXISTS dirty_buckets (
	scope       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	bucket      TEXT NOT NULL,
	marked_at   TEXT NOT NULL,
	PRIMARY KEY (scope, fingerprint, bucket)
);

CREATE TABLE IF NOT EXISTS aggregates (
	scope       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	bucket      TEXT NOT NULL,
	metric      TEXT NOT NULL,
	value       REAL NOT NULL,
	computed_at TEXT NOT NULL,
	PRIMARY KEY (scope, fingerprint, bucket, metric)
);
`

// Store is the durable snapshot database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the snapshot database at the given path, creating
// parent directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",   // readers proceed while a sync commits
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the full snapshot for (scope, fingerprint), or ErrNotFound.
func (s *Store) Load(ctx context.Context, scope string, fp fingerprint.Key) (*Snapshot, error) {
	snap := &Snapshot{Scope: scope, Fingerprint: fp}

	var lastSynced string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced FROM snapshots WHERE scope = ? AND fingerprint = ?`,
		scope, string(fp)).Scan(&lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot header: %w", err)
	}
	if snap.LastSynced, err = parseStoredTime(lastSynced); err != nil {
		return nil, err
	}

	changes, err := s.loadChangeEntries(ctx, scope, fp)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_key, project, issue_type, status, created, updated, resolved, fields
		FROM issues WHERE scope = ? AND fingerprint = ?
		ORDER BY issue_key`,
		scope, string(fp))
	if err != nil {
		return nil, fmt.Errorf("failed to load issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var issue IssueRecord
		var created, updated string
		var resolved sql.NullString
		var fields string
		if err := rows.Scan(&issue.Key, &issue.Project, &issue.Type, &issue.Status,
			&created, &updated, &resolved, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		if issue.Created, err = parseStoredTime(created); err != nil {
			return nil, err
		}
		if issue.Updated, err = parseStoredTime(updated); err != nil {
			return nil, err
		}
		if resolved.Valid {
			if issue.Resolved, err = parseStoredTime(resolved.String); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal([]byte(fields), &issue.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields of %s: %w", issue.Key, err)
		}
		issue.Changes = changes[issue.Key]
		snap.Issues = append(snap.Issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issue rows: %w", err)
	}

	if snap.DirtyBuckets, err = s.DirtyBuckets(ctx, scope, fp); err != nil {
		return nil, err
	}

	return snap, nil
}

// loadChangeEntries returns all change histories for the key, grouped by
// issue and ordered by timestamp.
func (s *Store) loadChangeEntries(ctx context.Context, scope string, fp fingerprint.Key) (map[string][]ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_key, at, field, field_kind, old_value, new_value
		FROM change_entries WHERE scope = ? AND fingerprint = ?
		ORDER BY issue_key, at`,
		scope, string(fp))
	if err != nil {
		return nil, fmt.Errorf("failed to load change entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	changes := make(map[string][]ChangeEntry)
	for rows.Next() {
		var issueKey, at string
		var entry ChangeEntry
		var kind string
		if err := rows.Scan(&issueKey, &at, &entry.Field, &kind, &entry.From, &entry.To); err != nil {
			return nil, fmt.Errorf("failed to scan change entry row: %w", err)
		}
		if entry.At, err = parseStoredTime(at); err != nil {
			return nil, err
		}
		entry.FieldKind = FieldKind(kind)
		changes[issueKey] = append(changes[issueKey], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change entry rows: %w", err)
	}

	return changes, nil
}

// Issue returns a single stored record with its change history. The boolean
// reports presence; an absent issue is not an error.
func (s *Store) Issue(ctx context.Context, scope string, fp fingerprint.Key, key string) (IssueRecord, bool, error) {
	var issue IssueRecord
	var created, updated string
	var resolved sql.NullString
	var fields string

	err := s.db.QueryRowContext(ctx, `
		SELECT issue_key, project, issue_type, status, created, updated, resolved, fields
		FROM issues WHERE scope = ? AND fingerprint = ? AND issue_key = ?`,
		scope, string(fp), key).Scan(&issue.Key, &issue.Project, &issue.Type, &issue.Status,
		&created, &updated, &resolved, &fields)
	if errors.Is(err, sql.ErrNoRows) {
		return IssueRecord{}, false, nil
	}
	if err != nil {
		return IssueRecord{}, false, fmt.Errorf("failed to load issue %s: %w", key, err)
	}

	if issue.Created, err = parseStoredTime(created); err != nil {
		return IssueRecord{}, false, err
	}
	if issue.Updated, err = parseStoredTime(updated); err != nil {
		return IssueRecord{}, false, err
	}
	if resolved.Valid {
		if issue.Resolved, err = parseStoredTime(resolved.String); err != nil {
			return IssueRecord{}, false, err
		}
	}
	if err := json.Unmarshal([]byte(fields), &issue.Fields); err != nil {
		return IssueRecord{}, false, fmt.Errorf("failed to unmarshal fields of %s: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, field, field_kind, old_value, new_value
		FROM change_entries WHERE scope = ? AND fingerprint = ? AND issue_key = ?
		ORDER BY at`,
		scope, string(fp), key)
	if err != nil {
		return IssueRecord{}, false, fmt.Errorf("failed to load change entries of %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var at, kind string
		var entry ChangeEntry
		if err := rows.Scan(&at, &entry.Field, &kind, &entry.From, &entry.To); err != nil {
			return IssueRecord{}, false, fmt.Errorf("failed to scan change entry row: %w", err)
		}
		if entry.At, err = parseStoredTime(at); err != nil {
			return IssueRecord{}, false, err
		}
		entry.FieldKind = FieldKind(kind)
		issue.Changes = append(issue.Changes, entry)
	}
	if err := rows.Err(); err != nil {
		return IssueRecord{}, false, fmt.Errorf("failed to iterate change entry rows: %w", err)
	}

	return issue, true, nil
}

// Save merges issues into the snapshot in one transaction: issue fields are
// replaced wholesale by issue key, change entries are appended (never
// replaced, so history accumulated before the issue's latest known state
// survives), and the last-synchronized timestamp is advanced. Saving with no
// issues just advances the timestamp.
func (s *Store) Save(ctx context.Context, scope string, fp fingerprint.Key, issues []IssueRecord, syncedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertIssues(ctx, tx, scope, fp, issues); err != nil {
			return err
		}
		return touchSnapshot(ctx, tx, scope, fp, syncedAt)
	})
}

// Replace atomically substitutes the whole corpus for (scope, fingerprint):
// the previous issue set, histories, dirty buckets and aggregates are
// dropped and the given issues become the snapshot. Used by full refreshes
// so that a fetched corpus lands in a single commit.
func (s *Store) Replace(ctx context.Context, scope string, fp fingerprint.Key, issues []IssueRecord, syncedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteSnapshot(ctx, tx, scope, fp); err != nil {
			return err
		}
		if err := upsertIssues(ctx, tx, scope, fp, issues); err != nil {
			return err
		}
		return touchSnapshot(ctx, tx, scope, fp, syncedAt)
	})
}

// Delete removes the snapshot and everything keyed under it.
func (s *Store) Delete(ctx context.Context, scope string, fp fingerprint.Key) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return deleteSnapshot(ctx, tx, scope, fp)
	})
}

// LastSynced returns the last successful sync time, or ErrNotFound.
func (s *Store) LastSynced(ctx context.Context, scope string, fp fingerprint.Key) (time.Time, error) {
	var lastSynced string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced FROM snapshots WHERE scope = ? AND fingerprint = ?`,
		scope, string(fp)).Scan(&lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last sync time: %w", err)
	}
	return parseStoredTime(lastSynced)
}

// MarkDirty flags buckets as pending aggregate recomputation.
func (s *Store) MarkDirty(ctx context.Context, scope string, fp fingerprint.Key, buckets sets.Set[bucket.Key]) error {
	if buckets.Len() == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(storeTimeLayout)
		for _, key := range sets.List(buckets) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dirty_buckets (scope, fingerprint, bucket, marked_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (scope, fingerprint, bucket) DO UPDATE SET marked_at = excluded.marked_at`,
				scope, string(fp), string(key), now); err != nil {
				return fmt.Errorf("failed to mark bucket %s dirty: %w", key, err)
			}
		}
		return nil
	})
}

// ClearDirty removes buckets from the dirty set.
func (s *Store) ClearDirty(ctx context.Context, scope string, fp fingerprint.Key, buckets sets.Set[bucket.Key]) error {
	if buckets.Len() == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range sets.List(buckets) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dirty_buckets WHERE scope = ? AND fingerprint = ? AND bucket = ?`,
				scope, string(fp), string(key)); err != nil {
				return fmt.Errorf("failed to clear dirty bucket %s: %w", key, err)
			}
		}
		return nil
	})
}

// DirtyBuckets returns the buckets pending recomputation.
func (s *Store) DirtyBuckets(ctx context.Context, scope string, fp fingerprint.Key) (sets.Set[bucket.Key], error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket FROM dirty_buckets WHERE scope = ? AND fingerprint = ?`,
		scope, string(fp))
	if err != nil {
		return nil, fmt.Errorf("failed to load dirty buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	dirty := sets.New[bucket.Key]()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan dirty bucket row: %w", err)
		}
		dirty.Insert(bucket.Key(key))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dirty bucket rows: %w", err)
	}

	return dirty, nil
}

// SaveAggregates upserts the aggregate rows computed for one bucket.
func (s *Store) SaveAggregates(ctx context.Context, scope string, fp fingerprint.Key, key bucket.Key, values map[string]float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(storeTimeLayout)
		for metric, value := range values {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO aggregates (scope, fingerprint, bucket, metric, value, computed_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (scope, fingerprint, bucket, metric) DO UPDATE
					SET value = excluded.value, computed_at = excluded.computed_at`,
				scope, string(fp), string(key), metric, value, now); err != nil {
				return fmt.Errorf("failed to save aggregate %s/%s: %w", key, metric, err)
			}
		}
		return nil
	})
}

// Aggregates returns the stored aggregate rows for one bucket.
func (s *Store) Aggregates(ctx context.Context, scope string, fp fingerprint.Key, key bucket.Key) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric, value FROM aggregates WHERE scope = ? AND fingerprint = ? AND bucket = ?`,
		scope, string(fp), string(key))
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]float64)
	for rows.Next() {
		var metric string
		var value float64
		if err := rows.Scan(&metric, &value); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		values[metric] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate aggregate rows: %w", err)
	}

	return values, nil
}

func upsertIssues(ctx context.Context, tx *sql.Tx, scope string, fp fingerprint.Key, issues []IssueRecord) error {
	for _, issue := range issues {
		fields, err := json.Marshal(issue.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields of %s: %w", issue.Key, err)
		}

		var resolved any
		if !issue.Resolved.IsZero() {
			resolved = issue.Resolved.UTC().Format(storeTimeLayout)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (scope, fingerprint, issue_key, project, issue_type, status, created, updated, resolved, fields)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope, fingerprint, issue_key) DO UPDATE SET
				project = excluded.project,
				issue_type = excluded.issue_type,
				status = excluded.status,
				created = excluded.created,
				updated = excluded.updated,
				resolved = excluded.resolved,
				fields = excluded.fields`,
			scope, string(fp), issue.Key, issue.Project, issue.Type, issue.Status,
			issue.Created.UTC().Format(storeTimeLayout),
			issue.Updated.UTC().Format(storeTimeLayout),
			resolved, string(fields)); err != nil {
			return fmt.Errorf("failed to upsert issue %s: %w", issue.Key, err)
		}

		for _, entry := range issue.Changes {
			// Conflict-ignore keeps the sequence append-only: re-fetched
			// history never duplicates, reorders or drops stored entries.
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO change_entries (scope, fingerprint, issue_key, at, field, field_kind, old_value, new_value)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				scope, string(fp), issue.Key,
				entry.At.UTC().Format(storeTimeLayout),
				entry.Field, string(entry.FieldKind), entry.From, entry.To); err != nil {
				return fmt.Errorf("failed to append change entry of %s: %w", issue.Key, err)
			}
		}
	}
	return nil
}

func touchSnapshot(ctx context.Context, tx *sql.Tx, scope string, fp fingerprint.Key, syncedAt time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (scope, fingerprint, last_synced)
		VALUES (?, ?, ?)
		ON CONFLICT (scope, fingerprint) DO UPDATE SET last_synced = excluded.last_synced`,
		scope, string(fp), syncedAt.UTC().Format(storeTimeLayout)); err != nil {
		return fmt.Errorf("failed to update snapshot header: %w", err)
	}
	return nil
}

func deleteSnapshot(ctx context.Context, tx *sql.Tx, scope string, fp fingerprint.Key) error {
	for _, table := range []string{"aggregates", "dirty_buckets", "change_entries", "issues", "snapshots"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE scope = ? AND fingerprint = ?", table),
			scope, string(fp)); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func parseStoredTime(value string) (time.Time, error) {
	t, err := time.Parse(storeTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", value, err)
	}
	return t, nil
}
