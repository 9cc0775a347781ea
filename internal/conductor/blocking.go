package conductor

import (
	"context"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
)

// Blocking runs the dispatch sequence synchronously: one job is claimed,
// built, run, and resolved before the next find begins (spec.md §4.2 step
// 5: "Blocking: run synchronously on the dispatch thread"). Grounded on
// the teacher's scheduler.Worker, stripped of its batching/goroutine-per-
// job machinery since a blocking conductor never overlaps jobs.
type Blocking struct {
	*Base
}

// NewBlocking builds a blocking conductor over b.
func NewBlocking(name string, b board.Board, opts Options) (*Blocking, error) {
	base, err := NewBase(name, b, opts)
	if err != nil {
		return nil, err
	}
	return &Blocking{Base: base}, nil
}

// Run dispatches jobs one at a time until stopped, maxDispatches is
// reached (maxDispatches <= 0 means unbounded), or the board reports a
// fatal error (spec.md §4.2: "run(max_dispatches?)").
func (c *Blocking) Run(ctx context.Context, maxDispatches int) error {
	runCtx, done := c.beginRun(ctx)
	defer done()

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}

		res, err := c.prepare(runCtx)
		if err != nil {
			return err
		}

		switch {
		case res.noJob, res.skipped:
			select {
			case <-runCtx.Done():
				return nil
			case <-time.After(c.waitTimeout):
			}
			continue
		case res.compileFailed:
			if c.recordDispatch(maxDispatches) {
				return nil
			}
			continue
		}

		c.markInFlight(res.job.UUID, res.eng)
		c.execute(runCtx, res.job, res.eng)
		c.unmarkInFlight(res.job.UUID)

		if c.recordDispatch(maxDispatches) {
			return nil
		}
	}
}
