package conductor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/zkboard"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/zkboard/zkfake"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/conductor"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine/engtest"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
)

// eventRecorder collects every (event, details) pair a notifier emits,
// safe for concurrent use by a non-blocking conductor's pool goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) handler(event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func newBoard(t *testing.T) (board.Board, *engtest.Persistence) {
	t.Helper()
	persistence := engtest.NewPersistence()
	b := zkboard.NewWithConn(zkfake.New(), "/jobboard", persistence, nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b, persistence
}

func newBlocking(t *testing.T, b board.Board, opts conductor.Options) *conductor.Blocking {
	t.Helper()
	c, err := conductor.NewBlocking("test-conductor", b, opts)
	if err != nil {
		t.Fatalf("new blocking conductor: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect conductor: %v", err)
	}
	return c
}

// S1: post then consume.
func TestPostThenConsume(t *testing.T) {
	b, persistence := newBoard(t)
	rec := &eventRecorder{}
	c := newBlocking(t, b, conductor.Options{
		Persistence: persistence,
		Loader:      engtest.NewLoader(),
		WaitTimeout: 10 * time.Millisecond,
	})
	c.Notifier().Register(notifier.Wildcard, rec.handler)

	if _, err := b.Post(context.Background(), "poke", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{}); err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := c.Run(context.Background(), 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.count(conductor.EventJobConsumed) != 1 {
		t.Fatalf("expected 1 job_consumed, got events %v", rec.events)
	}
	if rec.count(conductor.EventJobAbandoned) != 0 {
		t.Fatalf("expected no job_abandoned, got events %v", rec.events)
	}
	count, err := b.JobCount(context.Background())
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected board empty after consume, got %d", count)
	}
}

// S2: a flow whose only task fails still resolves as consumed (the
// engine reverted it internally; that's a clean outcome, not a failure).
func TestFailingFlowStillConsumed(t *testing.T) {
	b, persistence := newBoard(t)
	rec := &eventRecorder{}
	c := newBlocking(t, b, conductor.Options{
		Persistence: persistence,
		Loader:      engtest.NewLoader(),
		WaitTimeout: 10 * time.Millisecond,
	})
	c.Notifier().Register(notifier.Wildcard, rec.handler)

	if _, err := b.Post(context.Background(), "poke", engine.FromFunc(engtest.FailingFactory), board.PostOptions{}); err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := c.Run(context.Background(), 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.count(conductor.EventJobConsumed) != 1 {
		t.Fatalf("expected job_consumed despite reverted task, got events %v", rec.events)
	}
	if rec.count(conductor.EventJobAbandoned) != 0 {
		t.Fatalf("expected no job_abandoned, got events %v", rec.events)
	}
}

// S3: stop() aborts an in-flight engine; it resolves as abandoned, never
// consumed.
func TestStopAbortsEngine(t *testing.T) {
	b, persistence := newBoard(t)
	rec := &eventRecorder{}
	c := newBlocking(t, b, conductor.Options{
		Persistence: persistence,
		Loader:      engtest.NewLoader(),
		WaitTimeout: 5 * time.Millisecond,
	})
	c.Notifier().Register(conductor.EventRunningStart, func(string, map[string]any) {
		c.Stop()
	})
	c.Notifier().Register(notifier.Wildcard, rec.handler)

	if _, err := b.Post(context.Background(), "sleeper", engtest.SleepFactory(2*time.Second), board.PostOptions{}); err != nil {
		t.Fatalf("post: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), 0) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stop")
	}

	if rec.count(conductor.EventJobAbandoned) != 1 {
		t.Fatalf("expected job_abandoned, got events %v", rec.events)
	}
	if rec.count(conductor.EventJobConsumed) != 0 {
		t.Fatalf("expected no job_consumed, got events %v", rec.events)
	}
}

// S4: a job whose factory can't compile is abandoned, then (once the
// per-process counter reaches job_compiler_error_limit) trashed.
func TestCompileFailureTrashed(t *testing.T) {
	b, persistence := newBoard(t)
	rec := &eventRecorder{}
	c := newBlocking(t, b, conductor.Options{
		Persistence:        persistence,
		Loader:             engtest.NewLoader(),
		WaitTimeout:        5 * time.Millisecond,
		CompilerErrorLimit: 1,
	})
	c.Notifier().Register(notifier.Wildcard, rec.handler)

	if _, err := b.Post(context.Background(), "bad", engine.FromFunc(engtest.CompilerFailureFactory), board.PostOptions{}); err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := c.Run(context.Background(), 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.count(conductor.EventJobAbandoned) != 1 {
		t.Fatalf("expected job_abandoned, got events %v", rec.events)
	}
	if rec.count(conductor.EventJobTrashed) != 1 {
		t.Fatalf("expected job_trashed, got events %v", rec.events)
	}
	count, err := b.JobCount(context.Background())
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected board empty after trash, got %d", count)
	}
}

// S6: run(max_dispatches=5) with 6 posted jobs consumes exactly 5; the
// 6th stays unclaimed.
func TestMaxDispatches(t *testing.T) {
	b, persistence := newBoard(t)
	rec := &eventRecorder{}
	c := newBlocking(t, b, conductor.Options{
		Persistence: persistence,
		Loader:      engtest.NewLoader(),
		WaitTimeout: 5 * time.Millisecond,
	})
	c.Notifier().Register(notifier.Wildcard, rec.handler)

	for i := 0; i < 6; i++ {
		if _, err := b.Post(context.Background(), "poke", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	if err := c.Run(context.Background(), 5); err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.count(conductor.EventJobConsumed) != 5 {
		t.Fatalf("expected exactly 5 job_consumed, got events %v", rec.events)
	}
	jobs, err := b.IterJobs(context.Background(), true, true)
	if err != nil {
		t.Fatalf("iterjobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job left unclaimed, got %d", len(jobs))
	}
}

// invalid listener factory must be rejected at construction.
func TestInvalidListenerFactoryRejected(t *testing.T) {
	b, persistence := newBoard(t)
	_, err := conductor.NewBlocking("test-conductor", b, conductor.Options{
		Persistence:       persistence,
		Loader:            engtest.NewLoader(),
		ListenerFactories: []engine.ListenerFactory{nil},
	})
	if !domain.IsKind(err, domain.KindInvalid) {
		t.Fatalf("expected KindInvalid, got %v", err)
	}
}
