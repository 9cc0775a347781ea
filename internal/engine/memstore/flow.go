package memstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
)

// Step is one unit of work inside a flow built by a FlowFactory that
// targets memstore's engine_kind.
type Step func(ctx context.Context, store engine.Store) error

// Flow is the opaque object a FlowFactory.Build returns for this loader.
type Flow struct {
	Steps []Step
}

// Engine runs a Flow's steps sequentially on the calling goroutine,
// reverting the flow (not failing the engine) when a step returns an
// error, and aborting the engine itself on Suspend or ctx cancellation
// (spec.md §4.2 step 6 / scenario S3).
type Engine struct {
	flow  *Flow
	store engine.Store

	mu        sync.Mutex
	cancel    context.CancelFunc
	suspended atomic.Bool
}

func newEngine(flow *Flow, store engine.Store) *Engine {
	return &Engine{flow: flow, store: store}
}

func (e *Engine) RegisterListener(engine.Listener) {
	// memstore doesn't drive any listener behavior of its own; callers
	// that need listener side effects supply them via conductor.Options
	// and attach to the flow's own store instead.
}

func (e *Engine) Suspend() {
	e.suspended.Store(true)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var errEngineAborted = errors.New("engine suspended")

func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	for _, step := range e.flow.Steps {
		if e.suspended.Load() {
			return errEngineAborted
		}
		if err := step(runCtx, e.store); err != nil {
			if errors.Is(err, context.Canceled) {
				return errEngineAborted
			}
			// A task inside the flow failed: the flow reverts itself,
			// but that's a clean engine outcome, not an engine failure.
			return nil
		}
	}
	return nil
}
