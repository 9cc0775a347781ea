// Package engtest is an in-memory stand-in for the out-of-scope flow
// engine and persistence backend (spec.md §1), grounded on zag's own test
// helpers (test_factory, FailingTask, SleepTask, TaskMultiArg,
// impl_memory.MemoryBackend — see zag/tests/unit/test_conductors.py). It
// exists only to exercise the conductor dispatch loop in tests; production
// code never imports it.
package engtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
)

// Step is one unit of work inside a test flow.
type Step func(ctx context.Context, store engine.Store) error

// Flow is the opaque object a test FlowFactory.Build returns.
type Flow struct {
	Steps []Step
}

// SuccessFactory builds a flow with a single no-op task (mirrors
// test_utils.test_factory).
func SuccessFactory(args map[string]any) (any, error) {
	return &Flow{Steps: []Step{func(context.Context, engine.Store) error { return nil }}}, nil
}

// FailingFactory builds a flow whose only task errors, so the engine
// reverts it internally (mirrors test_utils.FailingTask /
// test_blowup_factory — spec.md scenario S2).
func FailingFactory(args map[string]any) (any, error) {
	return &Flow{Steps: []Step{func(context.Context, engine.Store) error {
		return errors.New("task deliberately failed")
	}}}, nil
}

// SleepFactory builds a flow that sleeps for d, honoring cooperative
// cancellation (mirrors test_utils.SleepTask — spec.md scenario S3).
func SleepFactory(d time.Duration) engine.FlowFactory {
	return engine.FromFunc(func(args map[string]any) (any, error) {
		return &Flow{Steps: []Step{func(ctx context.Context, store engine.Store) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}}, nil
	})
}

// RequiredStoreFactory builds a flow whose task fails unless every key in
// required is present in the merged store (mirrors test_utils.TaskMultiArg).
func RequiredStoreFactory(required ...string) engine.FlowFactory {
	return engine.FromFunc(func(args map[string]any) (any, error) {
		return &Flow{Steps: []Step{func(_ context.Context, store engine.Store) error {
			for _, k := range required {
				if _, ok := store[k]; !ok {
					return fmt.Errorf("missing required store key %q", k)
				}
			}
			return nil
		}}}, nil
	})
}

// CompilerFailureFactory always fails to even build a Flow (mirrors
// test_utils.compiler_failure_factory — spec.md scenario S4).
func CompilerFailureFactory(args map[string]any) (any, error) {
	return nil, errors.New("I can't compile this flow!")
}

// ClassBasedFactory demonstrates the Generator variant of FlowFactory
// (spec.md §9's class-based-factory redesign; mirrors
// test_conductors.ClassBasedFactory).
type ClassBasedFactory struct {
	Required []string
}

func (c ClassBasedFactory) Generate(args map[string]any) (any, error) {
	built, err := RequiredStoreFactory(c.Required...).Build(args)
	return built, err
}

// flowDetail is the Persistence-owned record backing engine.FlowDetail.
type flowDetail struct {
	mu      sync.Mutex
	uuid    string
	meta    map[string]any
	state   engine.State
	factory engine.FlowFactory
}

func (d *flowDetail) UUID() string { return d.uuid }
func (d *flowDetail) Meta() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meta
}
func (d *flowDetail) State() engine.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
func (d *flowDetail) SetState(s engine.State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}
func (d *flowDetail) Factory() engine.FlowFactory {
	return d.factory
}

// Persistence is an in-memory stand-in grouping flow details, keyed by
// uuid (mirrors zag.persistence.backends.impl_memory.MemoryBackend closely
// enough for dispatch-loop tests; it does not model logbooks).
type Persistence struct {
	mu      sync.Mutex
	details map[string]*flowDetail
}

func NewPersistence() *Persistence {
	return &Persistence{details: make(map[string]*flowDetail)}
}

func (p *Persistence) CreateFlowDetail(name string, factory engine.FlowFactory, store engine.Store) (engine.FlowDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := &flowDetail{
		uuid:    uuid.NewString(),
		meta:    map[string]any{"name": name, "store": map[string]any(store)},
		factory: factory,
	}
	p.details[fd.uuid] = fd
	return fd, nil
}

func (p *Persistence) LoadFlowDetail(flowUUID string) (engine.FlowDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd, ok := p.details[flowUUID]
	if !ok {
		return nil, fmt.Errorf("flow detail %s: %w", flowUUID, errNotFound)
	}
	return fd, nil
}

var errNotFound = errors.New("not found")

// Loader builds Engines by invoking a FlowDetail's retained factory.
type Loader struct{}

func NewLoader() *Loader { return &Loader{} }

func (Loader) LoadFromDetail(detail engine.FlowDetail, store engine.Store, engineKind string, options map[string]any) (engine.Engine, error) {
	built, err := detail.Factory().Build(store)
	if err != nil {
		return nil, fmt.Errorf("compile flow: %w", err)
	}
	flow, ok := built.(*Flow)
	if !ok {
		return nil, fmt.Errorf("compile flow: factory returned %T, want *engtest.Flow", built)
	}
	return &Engine{flow: flow, detail: detail, store: store}, nil
}

// Engine runs a Flow's steps sequentially on the calling goroutine.
type Engine struct {
	flow      *Flow
	detail    engine.FlowDetail
	store     engine.Store
	listeners []engine.Listener

	mu        sync.Mutex
	cancel    context.CancelFunc
	suspended atomic.Bool
}

func (e *Engine) RegisterListener(l engine.Listener) {
	e.listeners = append(e.listeners, l)
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

// errEngineAborted is returned by Run only when the engine itself was
// suspended mid-flow — distinct from a task inside the flow failing and
// being internally reverted (spec.md scenario S2 vs S3).
var errEngineAborted = errors.New("engine suspended")

func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.detail.SetState(engine.StateRunning)
	for _, step := range e.flow.Steps {
		if e.suspended.Load() {
			e.detail.SetState(engine.StateReverted)
			return errEngineAborted
		}
		if err := step(runCtx, e.store); err != nil {
			if errors.Is(err, context.Canceled) {
				e.detail.SetState(engine.StateReverted)
				return errEngineAborted
			}
			// A task inside the flow failed: the flow reverts itself,
			// but that is a clean engine outcome, not an engine failure.
			e.detail.SetState(engine.StateReverted)
			return nil
		}
	}
	e.detail.SetState(engine.StateSuccess)
	return nil
}
