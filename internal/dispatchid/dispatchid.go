// Package dispatchid formats and carries the identifier of the dispatch
// sequence currently running on a goroutine's context, so log lines
// emitted deep inside flow/task execution can be correlated back to
// "which conductor, which dispatch" without a side lookup. Unlike a
// random per-request token, a dispatch ID is derived from the
// conductor's own identity plus the monotonically increasing sequence
// number of its dispatch loop (spec.md §4.2: conductors number their own
// dispatch sequence; "name@hostname:pid" is already that conductor's
// identity) — two conductors racing the same job never collide, and the
// ID alone tells you which conductor process emitted it.
package dispatchid

import (
	"context"
	"fmt"
)

type ctxKey struct{}

// New formats a dispatch ID from a conductor's identity and the
// sequence number of this particular dispatch (its position in that
// conductor's own claim-to-resolve history, 1-indexed).
func New(identity string, seq int64) string {
	return fmt.Sprintf("%s#%d", identity, seq)
}

// WithDispatchID returns a copy of ctx with the dispatch ID attached.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the dispatch ID from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
