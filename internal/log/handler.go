package log

import (
	"context"
	"log/slog"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/dispatchid"
)

// ContextHandler wraps an slog.Handler and stamps every record with the
// dispatch_id carried on its context, so a single claim-to-resolve
// sequence's log lines (running_start through consume/abandon/trash) can
// be grepped out of a shared log stream by "<identity>#<seq>" even when
// several conductors are dispatching concurrently.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler returns a handler that enriches every record with
// context values (currently dispatch_id) before delegating to inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := dispatchid.FromContext(ctx); id != "" {
		r.AddAttrs(slog.String("dispatch_id", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
