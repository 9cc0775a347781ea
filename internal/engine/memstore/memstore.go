// Package memstore is the default production Persistence/Loader pair for
// cmd/conductor. engine.FlowFactory carries a Go closure (or Generator),
// which cannot round-trip through an external store the way the source's
// importable-by-path callables can — so unlike the teacher's Postgres
// repositories, a durable, cross-process FlowDetail backend isn't a
// meaningful thing to build here. memstore keeps the factory in the same
// process that registered it, same as engtest, but drops engtest's
// canned test flows and lives outside _test.go files so production
// binaries have something real to import.
package memstore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
)

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

func (d *flowDetail) Factory() engine.FlowFactory { return d.factory }

// Persistence groups flow details in process memory, keyed by uuid.
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

var errNotFound = fmt.Errorf("not found")

// Loader builds Engines by invoking a FlowDetail's retained factory. It
// expects the factory to return a *Flow (see flow.go); callers that need
// a different engine_kind provide their own Loader via conductor.Options.
func NewLoader() *Loader { return &Loader{} }

type Loader struct{}

func (Loader) LoadFromDetail(detail engine.FlowDetail, store engine.Store, engineKind string, options map[string]any) (engine.Engine, error) {
	built, err := detail.Factory().Build(store)
	if err != nil {
		return nil, fmt.Errorf("compile flow: %w", err)
	}
	flow, ok := built.(*Flow)
	if !ok {
		return nil, fmt.Errorf("compile flow: factory returned %T, want *memstore.Flow", built)
	}
	return newEngine(flow, store), nil
}
