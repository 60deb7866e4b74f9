// Package syncer implements incremental synchronization of issue snapshots.
// Each sync invocation moves one (scope, fingerprint) snapshot through a
// fetch/merge cycle: a full fetch when no snapshot exists or a refresh is
// forced, a delta fetch of recently updated issues otherwise. Merges mark
// the time buckets whose aggregates the changed issues invalidate.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/pace/internal/bucket"
	"github.com/petr-muller/pace/internal/fingerprint"
	"github.com/petr-muller/pace/internal/snapshot"
	"github.com/petr-muller/pace/internal/varmap"
)

// DefaultDeltaRatioThreshold is the fraction of the stored corpus at which a
// delta merge is abandoned in favor of a full refetch.
const DefaultDeltaRatioThreshold = 0.2

// IssueSource produces issue records with complete change histories. Both
// calls return the full matching set in one slice; pagination and retry are
// the source's concern.
type IssueSource interface {
	FetchAll(ctx context.Context, filter string, lookbackDays int) ([]snapshot.IssueRecord, error)
	FetchUpdatedSince(ctx context.Context, filter string, since time.Time) ([]snapshot.IssueRecord, error)
}

// Recomputer recomputes the aggregates of one dirty bucket over a consistent
// snapshot. The engine persists the returned values and clears the bucket
// only when the call succeeds.
type Recomputer interface {
	Recompute(ctx context.Context, snap *snapshot.Snapshot, key bucket.Key) (map[string]float64, error)
}

// FetchError wraps an upstream failure during fetch. It is retryable: the
// stored snapshot is unchanged and a later invocation may succeed.
type FetchError struct {
	Operation string
	Cause     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch issues (%s): %v", e.Operation, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ErrMergeConflict indicates the stored snapshot changed underneath an
// in-flight merge. Under the per-key lock this cannot happen; seeing it means
// another process wrote the same database.
var ErrMergeConflict = errors.New("snapshot changed during merge")

// State describes where a (scope, fingerprint) snapshot is in its lifecycle.
type State string

const (
	StateNoSnapshot         State = "NoSnapshot"
	StateFullFetchInFlight  State = "FullFetchInFlight"
	StateDeltaFetchInFlight State = "DeltaFetchInFlight"
	StateReady              State = "Ready"
)

// Query identifies what to synchronize: the profile scope plus the filter
// and lookback window that determine the snapshot fingerprint.
type Query struct {
	Scope        string
	Filter       string
	LookbackDays int
}

// Result summarizes one sync invocation.
type Result struct {
	InvocationID uuid.UUID
	Scope        string
	Fingerprint  fingerprint.Key
	Full         bool
	Fetched      int
	DirtyBuckets sets.Set[bucket.Key]
	SyncedAt     time.Time
}

// Config carries the tunables of the engine.
type Config struct {
	// DeltaRatioThreshold is the changed-to-stored issue ratio at or above
	// which a delta is discarded for a full refetch. Zero means the default.
	DeltaRatioThreshold float64
	// BucketVariables names the mapped variables whose resolved timestamps
	// place an issue into time buckets.
	BucketVariables []string
}

// Engine drives snapshot synchronization. Safe for concurrent use; writes to
// a single (scope, fingerprint) snapshot are serialized by a per-key lock.
type Engine struct {
	store  *snapshot.Store
	source IssueSource
	table  *varmap.Table
	rec    Recomputer
	cfg    Config
	logger *logrus.Entry

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRecomputer installs the aggregate recompute hook run after a merge.
// Without it dirty buckets stay marked for an external calculator to consume.
func WithRecomputer(rec Recomputer) Option {
	return func(e *Engine) { e.rec = rec }
}

// WithLogger replaces the default logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an engine over the given store, issue source and variable
// mapping table.
func NewEngine(store *snapshot.Store, source IssueSource, table *varmap.Table, cfg Config, opts ...Option) *Engine {
	if cfg.DeltaRatioThreshold <= 0 {
		cfg.DeltaRatioThreshold = DefaultDeltaRatioThreshold
	}
	engine := &Engine{
		store:  store,
		source: source,
		table:  table,
		cfg:    cfg,
		logger: logrus.NewEntry(logrus.StandardLogger()),
		locks:  map[string]*sync.Mutex{},
		states: map[string]State{},
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func lockKey(scope string, fp fingerprint.Key) string {
	return scope + "\x00" + string(fp)
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

func (e *Engine) setState(key string, state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[key] = state
}

// Sync brings the snapshot for the query up to date. With force it discards
// the stored snapshot and repopulates from a full fetch regardless of
// freshness. The returned result reports what was fetched and which buckets
// were marked dirty.
func (e *Engine) Sync(ctx context.Context, query Query, force bool) (*Result, error) {
	fp := fingerprint.Compute(query.Filter, query.LookbackDays)
	key := lockKey(query.Scope, fp)

	result := &Result{
		InvocationID: uuid.New(),
		Scope:        query.Scope,
		Fingerprint:  fp,
		DirtyBuckets: sets.New[bucket.Key](),
	}
	logger := e.logger.WithFields(logrus.Fields{
		"invocation":  result.InvocationID,
		"scope":       query.Scope,
		"fingerprint": fp,
	})

	lock := e.lockFor(key)
	lock.Lock()
	err := e.syncLocked(ctx, query, fp, force, result, logger)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	// Recompute runs outside the lock over the committed snapshot; readers
	// and other syncs are not blocked by aggregate arithmetic.
	if e.rec != nil && result.DirtyBuckets.Len() > 0 {
		if err := e.recompute(ctx, query.Scope, fp, logger); err != nil {
			logger.WithError(err).Warn("aggregate recompute incomplete, buckets stay dirty")
		}
	}

	return result, nil
}

func (e *Engine) syncLocked(ctx context.Context, query Query, fp fingerprint.Key, force bool, result *Result, logger *logrus.Entry) error {
	prior, err := e.store.Load(ctx, query.Scope, fp)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		prior = nil
	case err != nil:
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	if prior == nil {
		e.setState(lockKey(query.Scope, fp), StateNoSnapshot)
	}

	if prior == nil || force {
		return e.fullFetch(ctx, query, fp, prior != nil, result, logger)
	}

	return e.deltaFetch(ctx, query, fp, prior, result, logger)
}

// fullFetch retrieves the whole corpus and replaces the stored snapshot in
// one transaction. The fetch happens before anything is deleted, so a failed
// or cancelled fetch leaves any prior snapshot servable.
func (e *Engine) fullFetch(ctx context.Context, query Query, fp fingerprint.Key, replacing bool, result *Result, logger *logrus.Entry) error {
	key := lockKey(query.Scope, fp)
	e.setState(key, StateFullFetchInFlight)
	restore := StateNoSnapshot
	if replacing {
		restore = StateReady
	}

	logger.WithField("lookbackDays", query.LookbackDays).Info("performing full fetch")
	issues, err := e.source.FetchAll(ctx, query.Filter, query.LookbackDays)
	if err != nil {
		e.setState(key, restore)
		if ctx.Err() != nil {
			return fmt.Errorf("sync cancelled: %w", ctx.Err())
		}
		return &FetchError{Operation: "full", Cause: err}
	}

	now := time.Now().UTC()
	if replacing {
		if err := e.store.Replace(ctx, query.Scope, fp, issues, now); err != nil {
			return fmt.Errorf("failed to replace snapshot: %w", err)
		}
	} else {
		if err := e.store.Save(ctx, query.Scope, fp, issues, now); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}

	dirty := sets.New[bucket.Key]()
	for _, issue := range issues {
		dirty = dirty.Union(e.bucketsOf(issue))
	}
	if err := e.store.MarkDirty(ctx, query.Scope, fp, dirty); err != nil {
		return fmt.Errorf("failed to mark dirty buckets: %w", err)
	}

	e.setState(key, StateReady)
	result.Full = true
	result.Fetched = len(issues)
	result.DirtyBuckets = dirty
	result.SyncedAt = now
	logger.WithFields(logrus.Fields{"issues": len(issues), "dirtyBuckets": dirty.Len()}).Info("full fetch complete")
	return nil
}

// deltaFetch retrieves issues updated since the last sync and merges them.
// It falls back to a full fetch when the delta is large enough that a clean
// refresh is more reliable than a merge.
func (e *Engine) deltaFetch(ctx context.Context, query Query, fp fingerprint.Key, prior *snapshot.Snapshot, result *Result, logger *logrus.Entry) error {
	key := lockKey(query.Scope, fp)
	e.setState(key, StateDeltaFetchInFlight)

	logger.WithField("since", prior.LastSynced).Info("performing delta fetch")
	issues, err := e.source.FetchUpdatedSince(ctx, query.Filter, prior.LastSynced)
	if err != nil {
		e.setState(key, StateReady)
		if ctx.Err() != nil {
			return fmt.Errorf("sync cancelled: %w", ctx.Err())
		}
		return &FetchError{Operation: "delta", Cause: err}
	}

	now := time.Now().UTC()
	if len(issues) == 0 {
		if err := e.store.Save(ctx, query.Scope, fp, nil, now); err != nil {
			return fmt.Errorf("failed to advance sync timestamp: %w", err)
		}
		e.setState(key, StateReady)
		result.SyncedAt = now
		logger.Info("no updated issues, advanced sync timestamp")
		return nil
	}

	if len(prior.Issues) == 0 || float64(len(issues)) >= e.cfg.DeltaRatioThreshold*float64(len(prior.Issues)) {
		logger.WithFields(logrus.Fields{
			"delta":    len(issues),
			"existing": len(prior.Issues),
		}).Info("delta too large, falling back to full fetch")
		return e.fullFetch(ctx, query, fp, true, result, logger)
	}

	// Single-writer discipline makes a concurrent write impossible; a moved
	// timestamp means another process owns this database.
	lastSynced, err := e.store.LastSynced(ctx, query.Scope, fp)
	if err != nil {
		return fmt.Errorf("failed to recheck snapshot timestamp: %w", err)
	}
	if !lastSynced.Equal(prior.LastSynced) {
		return fmt.Errorf("%w: scope %s", ErrMergeConflict, query.Scope)
	}

	// An issue's bucket may move when its timestamps change, so both the
	// previously stored placement and the incoming one are invalidated.
	dirty := sets.New[bucket.Key]()
	for _, issue := range issues {
		if stored, ok := prior.Issue(issue.Key); ok {
			dirty = dirty.Union(e.bucketsOf(stored))
		}
		dirty = dirty.Union(e.bucketsOf(issue))
	}

	if err := e.store.Save(ctx, query.Scope, fp, issues, now); err != nil {
		return fmt.Errorf("failed to merge delta: %w", err)
	}
	if err := e.store.MarkDirty(ctx, query.Scope, fp, dirty); err != nil {
		return fmt.Errorf("failed to mark dirty buckets: %w", err)
	}

	e.setState(key, StateReady)
	result.Fetched = len(issues)
	result.DirtyBuckets = dirty
	result.SyncedAt = now
	logger.WithFields(logrus.Fields{"issues": len(issues), "dirtyBuckets": dirty.Len()}).Info("delta merge complete")
	return nil
}

// bucketsOf resolves the configured bucket variables against an issue and
// returns the buckets of every timestamp value produced.
func (e *Engine) bucketsOf(issue snapshot.IssueRecord) sets.Set[bucket.Key] {
	buckets := sets.New[bucket.Key]()
	for _, variable := range e.cfg.BucketVariables {
		value := e.table.ResolveVariable(variable, issue)
		if at, ok := value.AsTime(); ok {
			buckets.Insert(bucket.ForTime(at))
		}
	}
	return buckets
}

// recompute runs the hook over each dirty bucket against a freshly loaded
// snapshot, persisting aggregates and clearing buckets one by one so a
// mid-way failure leaves the remainder marked.
func (e *Engine) recompute(ctx context.Context, scope string, fp fingerprint.Key, logger *logrus.Entry) error {
	snap, err := e.store.Load(ctx, scope, fp)
	if err != nil {
		return fmt.Errorf("failed to load snapshot for recompute: %w", err)
	}

	for _, key := range sets.List(snap.DirtyBuckets) {
		values, err := e.rec.Recompute(ctx, snap, key)
		if err != nil {
			return fmt.Errorf("failed to recompute bucket %s: %w", key, err)
		}
		if err := e.store.SaveAggregates(ctx, scope, fp, key, values); err != nil {
			return fmt.Errorf("failed to save aggregates for bucket %s: %w", key, err)
		}
		if err := e.store.ClearDirty(ctx, scope, fp, sets.New(key)); err != nil {
			return fmt.Errorf("failed to clear bucket %s: %w", key, err)
		}
		logger.WithField("bucket", key).Debug("recomputed aggregates")
	}
	return nil
}

// Status reports the lifecycle state and stored footprint of the snapshot a
// query addresses, for staleness display.
type Status struct {
	Scope        string
	Fingerprint  fingerprint.Key
	State        State
	LastSynced   time.Time
	IssueCount   int
	DirtyBuckets sets.Set[bucket.Key]
}

// SnapshotStatus inspects the stored snapshot for the query without
// synchronizing anything.
func (e *Engine) SnapshotStatus(ctx context.Context, query Query) (*Status, error) {
	fp := fingerprint.Compute(query.Filter, query.LookbackDays)
	status := &Status{Scope: query.Scope, Fingerprint: fp, State: StateNoSnapshot}

	snap, err := e.store.Load(ctx, query.Scope, fp)
	if errors.Is(err, snapshot.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	status.State = StateReady
	e.mu.Lock()
	if state, ok := e.states[lockKey(query.Scope, fp)]; ok {
		status.State = state
	}
	e.mu.Unlock()

	status.LastSynced = snap.LastSynced
	status.IssueCount = len(snap.Issues)
	status.DirtyBuckets = snap.DirtyBuckets
	return status, nil
}
