// Package zkboard realizes board.Board against a hierarchical,
// ephemeral-node store (spec.md §4.1.1), grounded on
// github.com/go-zookeeper/zk — the ZooKeeper client exercising the exact
// primitives the spec names: atomic create-if-absent, ephemeral nodes tied
// to the client session, and children listings ordered so that sequential
// node names sort lexicographically.
package zkboard

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/codec"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/schedule"
)

const trashDir = ".trash"
const entityDir = ".entity"

// Board realizes board.Board over a ZooKeeper-style store.
type Board struct {
	root        string
	dialServers []string
	dialTimeout time.Duration

	persistence engine.Persistence
	codec       *codec.Codec
	notif       *notifier.Notifier

	mu        sync.Mutex
	conn      conn
	connected bool
}

// New builds a Board that dials a real ZooKeeper ensemble on Connect.
func New(servers []string, sessionTimeout time.Duration, root string, persistence engine.Persistence, c *codec.Codec) *Board {
	if c == nil {
		c = codec.New()
	}
	return &Board{
		root:        strings.TrimSuffix(root, "/"),
		dialServers: servers,
		dialTimeout: sessionTimeout,
		persistence: persistence,
		codec:       c,
		notif:       notifier.New(nil),
	}
}

// NewWithConn builds a Board around an already-connected client — the
// project's own test seam (zkfake satisfies conn without a real ensemble).
func NewWithConn(c conn, root string, persistence engine.Persistence, codecInst *codec.Codec) *Board {
	if codecInst == nil {
		codecInst = codec.New()
	}
	return &Board{
		root:        strings.TrimSuffix(root, "/"),
		conn:        c,
		connected:   c != nil,
		persistence: persistence,
		codec:       codecInst,
		notif:       notifier.New(nil),
	}
}

func (b *Board) Name() string { return "zookeeper" }

func (b *Board) Notifier() *notifier.Notifier { return b.notif }

func (b *Board) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.conn == nil {
		c, err := dial(b.dialServers, b.dialTimeout)
		if err != nil {
			return domain.Wrap(domain.KindDisconnected, "zkboard: connect", err)
		}
		b.conn = c
	}
	for _, p := range []string{b.root, b.root + "/" + trashDir, b.root + "/" + entityDir} {
		if err := b.ensurePersistent(p); err != nil {
			return err
		}
	}
	b.connected = true
	return nil
}

func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.conn.Close()
	b.connected = false
	return nil
}

func (b *Board) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Ping checks the session is alive by asking for the root node, the
// cheapest round trip the conn interface exposes.
func (b *Board) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return domain.New(domain.KindDisconnected, "zkboard: not connected")
	}
	if _, _, err := b.conn.Exists(b.root); err != nil {
		return domain.Wrap(domain.KindDisconnected, "zkboard: ping", err)
	}
	return nil
}

// ensurePersistent idempotently creates p and every missing ancestor as a
// persistent (non-ephemeral) node.
func (b *Board) ensurePersistent(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	if parent := path.Dir(p); parent != "/" && parent != "." {
		if err := b.ensurePersistent(parent); err != nil {
			return err
		}
	}
	_, err := b.conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return domain.Wrap(domain.KindDisconnected, "zkboard: create "+p, err)
	}
	return nil
}

func priorityPrefix(p domain.Priority) string {
	return fmt.Sprintf("job-%d-", p.Rank())
}

func isJobNode(name string) bool {
	return strings.HasPrefix(name, "job-")
}

// newJob registers a flow detail and writes the job record, returning the
// fully populated domain.Job (spec.md §4.1 post: "failure must leave no
// partial state").
func (b *Board) newJob(ctx context.Context, name string, factory engine.FlowFactory, opts board.PostOptions, runAt *int64, cronExpr, scheduleName string) (*domain.Job, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, domain.New(domain.KindDisconnected, "zkboard: not connected")
	}
	b.mu.Unlock()

	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, domain.Newf(domain.KindJobFailure, "zkboard: invalid priority %q", priority)
	}

	detail, err := b.persistence.CreateFlowDetail(name, factory, engine.Store(opts.Store))
	if err != nil {
		return nil, domain.Wrap(domain.KindCompilationFailure, "zkboard: create flow detail", err)
	}

	job := &domain.Job{
		UUID:     uuid.NewString(),
		Name:     name,
		Priority: priority,
		Book:     domain.Book{Name: name, UUID: detail.UUID()},
		Details: domain.Details{
			Store:        opts.Store,
			FlowUUID:     detail.UUID(),
			RunAt:        runAt,
			Schedule:     cronExpr,
			ScheduleName: scheduleName,
		},
	}

	data, err := b.codec.Dumps(job)
	if err != nil {
		return nil, domain.Wrap(domain.KindJobFailure, "zkboard: marshal job", err)
	}

	nodePath := b.root + "/" + priorityPrefix(priority)
	created, err := b.conn.Create(nodePath, data, zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "zkboard: create job node", err)
	}
	job.Path = created
	job.BoardName = b.Name()

	if _, stat, err := b.conn.Get(created); err == nil && stat != nil {
		job.CreatedOn = stat.Ctime
		job.LastModified = stat.Mtime
	}

	b.notif.Notify(board.EventPosted, map[string]any{"job": job})
	return job, nil
}

func (b *Board) Post(ctx context.Context, name string, factory engine.FlowFactory, opts board.PostOptions) (*domain.Job, error) {
	return b.newJob(ctx, name, factory, opts, nil, "", "")
}

func (b *Board) PostDelayed(ctx context.Context, delay time.Duration, name string, factory engine.FlowFactory, opts board.PostOptions) (*domain.Job, error) {
	runAt := time.Now().Add(delay).Unix()
	return b.newJob(ctx, name, factory, opts, &runAt, "", "")
}

func (b *Board) PostScheduled(ctx context.Context, cronExpr string, name string, factory engine.FlowFactory, opts board.PostOptions) (*domain.Job, error) {
	now := time.Now()
	next, err := schedule.NextFromExpr(cronExpr, now, now)
	if err != nil {
		return nil, domain.Wrap(domain.KindJobFailure, "zkboard: post_scheduled", err)
	}
	runAt := next.Unix()
	return b.newJob(ctx, name, factory, opts, &runAt, cronExpr, name)
}

// sameScheduleSpec reports whether an existing scheduled job already
// matches spec closely enough that reset_schedule should leave it alone
// (spec.md P6 idempotency). It compares the schedule text and store
// equality only; the flow factory is not compared, so a spec that changes
// only its factory keeps the existing job.
func sameScheduleSpec(existing *domain.Job, spec board.ScheduleSpec) bool {
	if existing.Details.Schedule != spec.Schedule {
		return false
	}
	return board.StoreSuperset(existing.Details.Store, spec.Store) && board.StoreSuperset(spec.Store, existing.Details.Store)
}

func (b *Board) ResetSchedule(ctx context.Context, specs map[string]board.ScheduleSpec) ([]*domain.Job, error) {
	existing, err := b.rawJobs(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*domain.Job, len(existing))
	for _, j := range existing {
		if j.Details.ScheduleName != "" {
			byName[j.Details.ScheduleName] = j
		}
	}

	results := make([]*domain.Job, 0, len(specs))
	for name, spec := range specs {
		prior, ok := byName[name]
		if ok && sameScheduleSpec(prior, spec) {
			results = append(results, prior)
			continue
		}
		if ok {
			claimed, err := b.isClaimed(prior)
			if err != nil {
				return nil, err
			}
			if claimed {
				return nil, domain.Newf(domain.KindUnclaimableJob, "zkboard: reset_schedule %q: matching job is claimed", name)
			}
			if err := b.deleteNode(prior.Path); err != nil {
				return nil, err
			}
			b.notif.Notify(board.EventRemoval, map[string]any{"job": prior})
		}
		job, err := b.PostScheduled(ctx, spec.Schedule, name, spec.Factory, board.PostOptions{Store: spec.Store})
		if err != nil {
			return nil, err
		}
		results = append(results, job)
	}
	return results, nil
}

// rawJobs lists every live job node under root (not .trash/.entity),
// unmarshaled, with state derived but without any run_at/claim filtering.
func (b *Board) rawJobs(ctx context.Context) ([]*domain.Job, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, domain.New(domain.KindDisconnected, "zkboard: not connected")
	}
	b.mu.Unlock()

	children, _, err := b.conn.Children(b.root)
	if err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "zkboard: list jobs", err)
	}
	sort.Strings(children)

	jobs := make([]*domain.Job, 0, len(children))
	for _, name := range children {
		if !isJobNode(name) {
			continue
		}
		jobPath := b.root + "/" + name
		job, err := b.loadJob(jobPath)
		if err != nil {
			continue // deleted between Children and Get; skip
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *Board) loadJob(jobPath string) (*domain.Job, error) {
	data, stat, err := b.conn.Get(jobPath)
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := b.codec.Loads(data, &job); err != nil {
		return nil, domain.Wrap(domain.KindJobFailure, "zkboard: unmarshal job", err)
	}
	job.Path = jobPath
	job.BoardName = b.Name()
	job.CreatedOn = stat.Ctime
	job.LastModified = stat.Mtime

	claimed, err := b.isClaimedPath(jobPath)
	if err != nil {
		return nil, err
	}
	if claimed {
		job.State = domain.StateClaimed
	} else {
		job.State = domain.StateUnclaimed
	}
	return &job, nil
}

func lockPath(jobPath string) string { return jobPath + ".lock" }

// isClaimedPath implements the read-path state derivation: CLAIMED iff the
// lock node exists and its payload decodes with a non-empty owner
// (spec.md §4.1.1 "State derivation" / I2). Recomputing this on every read
// serves the same purpose as installing a persistent watch on the lock
// without the lifecycle cost of managing long-lived watch goroutines.
func (b *Board) isClaimedPath(jobPath string) (bool, error) {
	data, _, err := b.conn.Get(lockPath(jobPath))
	if err == zk.ErrNoNode {
		return false, nil
	}
	if err != nil {
		return false, domain.Wrap(domain.KindDisconnected, "zkboard: read lock", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	var payload struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false, nil
	}
	return payload.Owner != "", nil
}

func (b *Board) isClaimed(job *domain.Job) (bool, error) { return b.isClaimedPath(job.Path) }

func (b *Board) IterJobs(ctx context.Context, onlyUnclaimed, ensureFresh bool) ([]*domain.Job, error) {
	jobs, err := b.rawJobs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Details.RunAt != nil && *j.Details.RunAt > now {
			continue // I5: future run_at is ineligible
		}
		if onlyUnclaimed && j.State != domain.StateUnclaimed {
			continue
		}
		out = append(out, j)
	}
	sort.SliceStable(out, func(i, k int) bool {
		ri, ci, _ := board.SortKey(out[i].Priority, out[i].CreatedOn, 0)
		rk, ck, _ := board.SortKey(out[k].Priority, out[k].CreatedOn, 0)
		if ri != rk {
			return ri < rk
		}
		return ci < ck
	})
	return out, nil
}

func (b *Board) Search(ctx context.Context, opts board.SearchOptions) ([]*domain.Job, error) {
	jobs, err := b.rawJobs(ctx)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]struct{}, len(opts.Exclude))
	for _, u := range opts.Exclude {
		excluded[u] = struct{}{}
	}
	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if _, skip := excluded[j.BookUUID()]; skip {
			continue
		}
		if opts.OnlyUnclaimed && j.State != domain.StateUnclaimed {
			continue
		}
		if opts.StoreFilter != nil && !board.StoreSuperset(j.Details.Store, opts.StoreFilter) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (b *Board) Claim(ctx context.Context, job *domain.Job, owner string) error {
	if _, _, err := b.conn.Get(job.Path); err != nil {
		if err == zk.ErrNoNode {
			return domain.New(domain.KindNotFound, "zkboard: claim: job not found")
		}
		return domain.Wrap(domain.KindDisconnected, "zkboard: claim", err)
	}

	payload, err := json.Marshal(map[string]string{"owner": owner})
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "zkboard: marshal lock", err)
	}

	lp := lockPath(job.Path)
	_, err = b.conn.Create(lp, payload, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == nil {
		return nil
	}
	if err != zk.ErrNodeExists {
		return domain.Wrap(domain.KindDisconnected, "zkboard: claim", err)
	}

	// Lock exists: a stale, ownerless lock left by admin override may be
	// reclaimed once (spec.md §4.1.1 claim algorithm step 2).
	data, stat, getErr := b.conn.Get(lp)
	if getErr == zk.ErrNoNode {
		_, err = b.conn.Create(lp, payload, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err != nil {
			return domain.Newf(domain.KindUnclaimableJob, "zkboard: claim: lost the race for %s", job.UUID)
		}
		return nil
	}
	if getErr != nil {
		return domain.Wrap(domain.KindDisconnected, "zkboard: claim", getErr)
	}
	var owned struct {
		Owner string `json:"owner"`
	}
	_ = json.Unmarshal(data, &owned)
	if owned.Owner != "" {
		return domain.Newf(domain.KindUnclaimableJob, "zkboard: claim: %s already owned", job.UUID)
	}
	if delErr := b.conn.Delete(lp, stat.Version); delErr != nil && delErr != zk.ErrNoNode {
		return domain.Newf(domain.KindUnclaimableJob, "zkboard: claim: lost the race for %s", job.UUID)
	}
	if _, err := b.conn.Create(lp, payload, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		return domain.Newf(domain.KindUnclaimableJob, "zkboard: claim: lost the race for %s", job.UUID)
	}
	return nil
}

func (b *Board) verifyOwner(job *domain.Job, owner string) error {
	data, _, err := b.conn.Get(lockPath(job.Path))
	if err == zk.ErrNoNode {
		return domain.New(domain.KindNotClaimed, "zkboard: lock not held")
	}
	if err != nil {
		return domain.Wrap(domain.KindDisconnected, "zkboard: verify owner", err)
	}
	var payload struct {
		Owner string `json:"owner"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.Owner != owner {
		return domain.New(domain.KindNotClaimed, "zkboard: lock held by another owner")
	}
	return nil
}

func (b *Board) deleteNode(p string) error {
	if err := b.conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
		return domain.Wrap(domain.KindDisconnected, "zkboard: delete "+p, err)
	}
	return nil
}

// deleteJob removes a job's lock then its record, best-effort and
// idempotent (spec.md I3: deleting a job record must delete its lock).
func (b *Board) deleteJob(job *domain.Job) error {
	if err := b.deleteNode(lockPath(job.Path)); err != nil {
		return err
	}
	return b.deleteNode(job.Path)
}

func (b *Board) Consume(ctx context.Context, job *domain.Job, owner string) error {
	if err := b.verifyOwner(job, owner); err != nil {
		return err
	}
	if job.Details.Schedule != "" {
		if err := b.repostScheduled(ctx, job); err != nil {
			return err
		}
	}
	if err := b.deleteJob(job); err != nil {
		return err
	}
	b.notif.Notify(board.EventRemoval, map[string]any{"job": job, "reason": "consumed"})
	return nil
}

// repostScheduled creates the next occurrence before the current one is
// removed (spec.md I4).
func (b *Board) repostScheduled(ctx context.Context, job *domain.Job) error {
	detail, err := b.persistence.LoadFlowDetail(job.Details.FlowUUID)
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "zkboard: repost scheduled: load flow detail", err)
	}
	_, err = b.PostScheduled(ctx, job.Details.Schedule, job.Name, detail.Factory(), board.PostOptions{
		Store:    job.Details.Store,
		Priority: job.Priority,
	})
	return err
}

func (b *Board) Abandon(ctx context.Context, job *domain.Job, owner string) error {
	if err := b.verifyOwner(job, owner); err != nil {
		return err
	}
	if err := b.deleteNode(lockPath(job.Path)); err != nil {
		return err
	}
	return nil
}

func (b *Board) Trash(ctx context.Context, job *domain.Job, owner string) error {
	if err := b.verifyOwner(job, owner); err != nil {
		return err
	}
	return b.moveToTrash(job)
}

func (b *Board) moveToTrash(job *domain.Job) error {
	data, err := b.codec.Dumps(job)
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "zkboard: trash: marshal job", err)
	}
	trashPath := b.root + "/" + trashDir + "/" + job.UUID
	if _, err := b.conn.Create(trashPath, data, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
		return domain.Wrap(domain.KindDisconnected, "zkboard: trash: create", err)
	}
	if err := b.deleteJob(job); err != nil {
		return err
	}
	b.notif.Notify(board.EventRemoval, map[string]any{"job": job, "reason": "trashed"})
	return nil
}

func (b *Board) Killall(ctx context.Context) ([]*domain.Job, error) {
	jobs, err := b.rawJobs(ctx)
	if err != nil {
		return nil, err
	}
	trashed := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if err := b.moveToTrash(j); err != nil {
			return trashed, err
		}
		trashed = append(trashed, j)
	}
	return trashed, nil
}

func (b *Board) RegisterEntity(ctx context.Context, e domain.Entity) error {
	if e.Kind != domain.EntityKindConductor {
		return domain.Newf(domain.KindNotImplemented, "zkboard: register_entity: unsupported kind %q", e.Kind)
	}
	kindDir := b.root + "/" + entityDir + "/" + string(e.Kind)
	if err := b.ensurePersistent(kindDir); err != nil {
		return err
	}
	data, err := b.codec.Dumps(e)
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "zkboard: marshal entity", err)
	}
	_, err = b.conn.Create(kindDir+"/"+e.Name, data, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return domain.Wrap(domain.KindDisconnected, "zkboard: register_entity", err)
	}
	return nil
}

func (b *Board) JobCount(ctx context.Context) (int, error) {
	jobs, err := b.rawJobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}
