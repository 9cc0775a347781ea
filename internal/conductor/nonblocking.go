package conductor

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
)

// defaultPoolSize bounds a NonBlocking conductor's worker pool when no
// ExecutorFactory is supplied.
const defaultPoolSize = 8

// ExecutorFactory builds the worker pool a non-blocking conductor submits
// jobs to (spec.md §4.2.1: "executor_factory must be callable and return
// an executor with a submit(fn) -> future contract and shutdown(wait)").
// Go's conc.Pool already satisfies that contract (Go/Wait), so the
// factory just returns one, sized however the caller likes — e.g. the
// source's own single_factory test scenario becomes
// `func() *pool.Pool { return pool.New().WithMaxGoroutines(1) }`.
type ExecutorFactory func() *pool.Pool

// NonBlocking submits each prepared job to a bounded worker pool and keeps
// finding more jobs while they run (spec.md §4.2 step 5: "Non-blocking:
// submit to an executor; the conductor tracks an in-flight set and
// continues finding more jobs concurrently"). Grounded on the teacher's
// scheduler.Worker.processBatch (claim a batch, one goroutine per job,
// sync.WaitGroup to drain), generalized to conc's pool.Pool so the
// concurrency is bounded instead of one goroutine per claimed job.
type NonBlocking struct {
	*Base
	executorFactory ExecutorFactory
}

// NewNonBlocking builds a non-blocking conductor. If executorFactory is
// nil, a pool bounded to defaultPoolSize is used.
func NewNonBlocking(name string, b board.Board, opts Options, executorFactory ExecutorFactory) (*NonBlocking, error) {
	base, err := NewBase(name, b, opts)
	if err != nil {
		return nil, err
	}
	if executorFactory == nil {
		executorFactory = func() *pool.Pool {
			return pool.New().WithMaxGoroutines(defaultPoolSize)
		}
	}
	return &NonBlocking{Base: base, executorFactory: executorFactory}, nil
}

// Run dispatches jobs onto the worker pool until stopped, maxDispatches
// is reached, or the board reports a fatal error. Stopping cancels
// further finding and signals in-flight engines to abort; Run still
// blocks until the pool drains (spec.md §4.2.1: "wait() returns only
// after the pool is drained").
func (c *NonBlocking) Run(ctx context.Context, maxDispatches int) error {
	runCtx, done := c.beginRun(ctx)
	defer done()

	p := c.executorFactory()
	var runErr error

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		default:
		}

		res, err := c.prepare(runCtx)
		if err != nil {
			runErr = err
			break loop
		}

		switch {
		case res.noJob, res.skipped:
			select {
			case <-runCtx.Done():
				break loop
			case <-time.After(c.waitTimeout):
			}
			continue
		case res.compileFailed:
			if c.recordDispatch(maxDispatches) {
				break loop
			}
			continue
		}

		job, eng := res.job, res.eng
		c.markInFlight(job.UUID, eng)
		p.Go(func() {
			defer c.unmarkInFlight(job.UUID)
			c.execute(runCtx, job, eng)
		})

		if c.recordDispatch(maxDispatches) {
			break loop
		}
	}

	p.Wait()
	return runErr
}
