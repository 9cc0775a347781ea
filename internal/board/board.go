// Package board declares the abstract jobboard contract (spec.md §4.1).
// Two realizations exist: zkboard (an ephemeral-node / ZooKeeper-style
// store) and redisboard (a Redis-backed, leased-lock equivalent).
package board

import (
	"context"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
)

// Notifier events (spec.md §4.1).
const (
	EventPosted  = "POSTED"
	EventRemoval = "REMOVAL"
)

// PostOptions carries the optional arguments shared by post/post_delayed/
// post_scheduled.
type PostOptions struct {
	Store    map[string]any
	Priority domain.Priority
}

func (o PostOptions) priorityOrDefault() domain.Priority {
	if o.Priority == "" {
		return domain.PriorityNormal
	}
	return o.Priority
}

// ScheduleSpec is one entry of the map passed to ResetSchedule: the
// reconciled state a named scheduled job should have.
type ScheduleSpec struct {
	Schedule string
	Factory  engine.FlowFactory
	Store    map[string]any
}

// SearchOptions configures Search (spec.md §4.1: "store_filter matches
// when every key/value in the filter is present in details.store with
// equal value").
type SearchOptions struct {
	StoreFilter   map[string]any
	Exclude       []string // book uuids to skip
	OnlyUnclaimed bool
}

// Board is the abstract protocol every backend implements.
type Board interface {
	Name() string

	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool

	// Ping performs a lightweight round trip against the backing client,
	// used by the ambient health checker's readiness probe.
	Ping(ctx context.Context) error

	Post(ctx context.Context, name string, factory engine.FlowFactory, opts PostOptions) (*domain.Job, error)
	PostDelayed(ctx context.Context, delay time.Duration, name string, factory engine.FlowFactory, opts PostOptions) (*domain.Job, error)
	PostScheduled(ctx context.Context, cronExpr string, name string, factory engine.FlowFactory, opts PostOptions) (*domain.Job, error)
	ResetSchedule(ctx context.Context, specs map[string]ScheduleSpec) ([]*domain.Job, error)

	// IterJobs yields eligible jobs ordered by (priority, created_on).
	// ensureFresh forces a full re-scan instead of any cached view.
	IterJobs(ctx context.Context, onlyUnclaimed, ensureFresh bool) ([]*domain.Job, error)
	Search(ctx context.Context, opts SearchOptions) ([]*domain.Job, error)

	Claim(ctx context.Context, job *domain.Job, owner string) error
	Consume(ctx context.Context, job *domain.Job, owner string) error
	Abandon(ctx context.Context, job *domain.Job, owner string) error
	Trash(ctx context.Context, job *domain.Job, owner string) error
	Killall(ctx context.Context) ([]*domain.Job, error)

	RegisterEntity(ctx context.Context, e domain.Entity) error

	// JobCount reports the number of live (non-trashed) job records.
	JobCount(ctx context.Context) (int, error)

	Notifier() *notifier.Notifier
}

// SortKey returns the sort key used for lexicographic (priority,
// created_on, tiebreak) ordering (spec.md invariant I6): lower keys sort
// first. tiebreak should be a monotonically increasing, globally unique
// value (a sequence number or zxid) to break ties between jobs created in
// the same millisecond.
func SortKey(p domain.Priority, createdOnMillis int64, tiebreak uint64) (rank int, created int64, tie uint64) {
	return p.Rank(), createdOnMillis, tiebreak
}

// StoreSuperset reports whether store contains every key/value pair in
// filter (spec.md §4.1 search semantics / P7).
func StoreSuperset(store, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := store[k]
		if !ok {
			return false
		}
		if !deepEqual(got, want) {
			return false
		}
	}
	return true
}

func deepEqual(a, b any) bool {
	// Store values round-trip through JSON, so comparisons are done on
	// their JSON-native shapes (numbers, strings, bools, slices, maps).
	return jsonEqual(a, b)
}
