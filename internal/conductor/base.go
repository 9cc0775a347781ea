// Package conductor implements the distributed dispatch loop spec.md §4.2
// describes: a process that pulls jobs off a board, builds a runnable
// engine for each, executes it, and reports the outcome back to the board
// and to its own notifier. Base holds everything the blocking and
// non-blocking variants share; Blocking and NonBlocking supply only the
// step 5 execution strategy (spec.md §4.2 step 5).
//
// Grounded on the teacher's internal/scheduler.Worker (claim a batch, run
// each job, report success/failure) generalized from an HTTP-call executor
// to an engine.Engine, and on zag/conductors/base.py's Conductor (identity,
// connect/close, _engine_from_job, notifier) for the parts the teacher
// doesn't have an analogue for.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
)

// Notifier events emitted by the dispatch loop (spec.md §4.2).
const (
	EventJobClaimed         = "job_claimed"
	EventRunningStart       = "running_start"
	EventJobConsumed        = "job_consumed"
	EventJobAbandoned       = "job_abandoned"
	EventJobTrashed         = "job_trashed"
	EventCompilationFailure = "compilation_failure"
)

// defaultWaitTimeout is the poll interval used when a find comes back
// empty (spec.md §4.2 step 1: "wait ... up to wait_timeout seconds").
const defaultWaitTimeout = 50 * time.Millisecond

// defaultCompilerErrorLimit is the threshold at which a job that keeps
// failing to compile gets trashed instead of re-abandoned forever
// (spec.md §4.2 step 3d: "default 1").
const defaultCompilerErrorLimit = 1

// Options configures a Base. Board is required; everything else has a
// workable default.
type Options struct {
	Persistence        engine.Persistence
	Loader             engine.Loader
	EngineKind         string
	EngineOptions      map[string]any
	ListenerFactories  []engine.ListenerFactory
	WaitTimeout        time.Duration
	CompilerErrorLimit int
	Logger             *slog.Logger
}

// Base is the shared machinery every conductor variant embeds: identity,
// connect/close, the notifier, and the per-job dispatch sequence up to
// (but not including) step 5's execution strategy.
type Base struct {
	name        string
	board       board.Board
	persistence engine.Persistence
	loader      engine.Loader
	engineKind  string
	engineOpts  map[string]any
	listeners   []engine.ListenerFactory
	waitTimeout time.Duration
	errorLimit  int
	logger      *slog.Logger

	identity string
	notifier *notifier.Notifier

	mu              sync.Mutex
	cond            *sync.Cond
	inFlight        map[string]engine.Engine
	dispatchCount   int
	dispatchSeq     int64
	compileFailures map[string]int
	runCancel       context.CancelFunc
	running         bool
	registered      bool

	stopOnce sync.Once
}

// NewBase validates opts and builds the shared dispatch machinery
// (spec.md §4.2 construction: "validates each listener factory is
// callable" — in Go that's a nil check, since a typed ListenerFactory
// can't be anything else).
func NewBase(name string, b board.Board, opts Options) (*Base, error) {
	if name == "" {
		return nil, domain.New(domain.KindInvalid, "conductor: name must not be empty")
	}
	if b == nil {
		return nil, domain.New(domain.KindInvalid, "conductor: board must not be nil")
	}
	for i, factory := range opts.ListenerFactories {
		if factory == nil {
			return nil, domain.Newf(domain.KindInvalid, "conductor: listener factory at index %d must be callable", i)
		}
	}

	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	errorLimit := opts.CompilerErrorLimit
	if errorLimit <= 0 {
		errorLimit = defaultCompilerErrorLimit
	}
	loader := opts.Loader
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := &Base{
		name:            name,
		board:           b,
		persistence:     opts.Persistence,
		loader:          loader,
		engineKind:      opts.EngineKind,
		engineOpts:      opts.EngineOptions,
		listeners:       opts.ListenerFactories,
		waitTimeout:     waitTimeout,
		errorLimit:      errorLimit,
		logger:          logger,
		identity:        computeIdentity(name),
		inFlight:        make(map[string]engine.Engine),
		compileFailures: make(map[string]int),
	}
	base.cond = sync.NewCond(&base.mu)
	base.notifier = notifier.New(func(event string, r any) {
		base.logger.Error("conductor notifier handler panicked", "event", event, "recover", r)
	})
	return base, nil
}

// computeIdentity builds the <name>@hostname:pid identity spec.md §4.2
// calls for.
func computeIdentity(name string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s@%s:%d", name, hostname, os.Getpid())
}

// Identity returns the conductor's entity name, <name>@hostname:pid.
func (b *Base) Identity() string { return b.identity }

// Notifier returns the conductor's event bus.
func (b *Base) Notifier() *notifier.Notifier { return b.notifier }

// Connect is idempotent: it connects the board (a no-op if some other
// caller already did) and registers this conductor as an Entity exactly
// once (spec.md §4.2: "registered as an Entity on connect()").
func (b *Base) Connect(ctx context.Context) error {
	if err := b.board.Connect(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if b.registered {
		b.mu.Unlock()
		return nil
	}
	b.registered = true
	b.mu.Unlock()

	entity := domain.NewEntity(domain.EntityKindConductor, b.identity, map[string]any{
		"hostname": hostnameOf(b.identity),
		"pid":      os.Getpid(),
	})
	return b.board.RegisterEntity(ctx, entity)
}

func hostnameOf(identity string) string {
	at, colon := -1, -1
	for i, r := range identity {
		if r == '@' && at == -1 {
			at = i
		}
		if r == ':' {
			colon = i
		}
	}
	if at == -1 || colon == -1 || colon < at {
		return ""
	}
	return identity[at+1 : colon]
}

// Close is idempotent.
func (b *Base) Close(ctx context.Context) error {
	return b.board.Close(ctx)
}

// Dispatching reports whether at least one job is currently executing
// (spec.md §4.2: "dispatching: bool").
func (b *Base) Dispatching() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight) > 0
}

// Wait blocks until no dispatches are in flight and the run loop has
// exited, or timeout elapses (<=0 means wait forever). Returns whether
// that happened within timeout.
func (b *Base) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		for b.running || len(b.inFlight) > 0 {
			b.cond.Wait()
		}
		b.mu.Unlock()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop requests graceful shutdown (spec.md §4.2: "signals the engine of
// any in-flight job to abort; returns immediately"). Safe to call more
// than once and safe to call before Run.
func (b *Base) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		cancel := b.runCancel
		for _, eng := range b.inFlight {
			eng.Suspend()
		}
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// beginRun marks the loop as running and returns a context derived from
// ctx that Stop() can cancel, plus a cleanup func to call on the way out
// of Run().
func (b *Base) beginRun(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.running = true
	b.runCancel = cancel
	b.stopOnce = sync.Once{}
	b.mu.Unlock()
	return runCtx, func() {
		cancel()
		b.mu.Lock()
		b.running = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

func (b *Base) markInFlight(uuid string, eng engine.Engine) {
	b.mu.Lock()
	b.inFlight[uuid] = eng
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Base) unmarkInFlight(uuid string) {
	b.mu.Lock()
	delete(b.inFlight, uuid)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// recordDispatch increments the dispatch counter and reports whether
// maxDispatches has now been reached (spec.md §4.2 step 7). maxDispatches
// <= 0 means unbounded.
func (b *Base) recordDispatch(maxDispatches int) (reached bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchCount++
	return maxDispatches > 0 && b.dispatchCount >= maxDispatches
}

// nextDispatchSeq returns this conductor's next dispatch sequence number
// (1-indexed), used by dispatchid.New to build an identifier that is
// unique per conductor process without needing a random source.
func (b *Base) nextDispatchSeq() int64 {
	return atomic.AddInt64(&b.dispatchSeq, 1)
}

func (b *Base) notify(event string, details map[string]any) {
	b.notifier.Notify(event, details)
}

func jobDetails(job *domain.Job, extra map[string]any) map[string]any {
	out := map[string]any{
		"job_uuid": job.UUID,
		"job_name": job.Name,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
