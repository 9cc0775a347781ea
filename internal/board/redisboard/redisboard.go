// Package redisboard realizes board.Board against a Redis-backed,
// leased-lock equivalent of the ephemeral-node store (spec.md §4.1.2),
// grounded on github.com/redis/go-redis/v9 — the standard Go Redis
// client, used the way the spec's own wording points at directly: a
// sorted-set index, per-job blob keys, per-job lock keys with TTL, and
// scripted compare-owner-then-act consume/abandon.
package redisboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/codec"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/schedule"
)

// consumeScript atomically verifies ownership, then deletes the lock and
// job blob and removes the job from the index — single round trip
// (spec.md §4.1.2 "scripted compare-owner-then-act").
const consumeScript = `
local lockKey, jobKey, indexKey = KEYS[1], KEYS[2], KEYS[3]
local owner, member = ARGV[1], ARGV[2]
if redis.call('GET', lockKey) ~= owner then
  return 0
end
redis.call('DEL', lockKey)
redis.call('DEL', jobKey)
redis.call('ZREM', indexKey, member)
return 1
`

// abandonScript atomically verifies ownership, then deletes only the lock.
const abandonScript = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) ~= owner then
  return 0
end
redis.call('DEL', lockKey)
return 1
`

// Board realizes board.Board over Redis.
type Board struct {
	root        string
	lease       time.Duration
	dialAddr    string
	persistence engine.Persistence
	codec       *codec.Codec
	notif       *notifier.Notifier

	mu        sync.Mutex
	conn      conn
	connected bool

	hbMu       sync.Mutex
	heartbeats map[string]context.CancelFunc
}

// New builds a Board that dials a real Redis server on Connect.
func New(addr string, lease time.Duration, root string, persistence engine.Persistence, c *codec.Codec) *Board {
	if c == nil {
		c = codec.New()
	}
	return &Board{
		root:        root,
		lease:       lease,
		dialAddr:    addr,
		persistence: persistence,
		codec:       c,
		notif:       notifier.New(nil),
		heartbeats:  make(map[string]context.CancelFunc),
	}
}

// NewWithConn builds a Board around an already-connected client — the
// project's own test seam (redisfake satisfies conn without a real server).
func NewWithConn(c conn, lease time.Duration, root string, persistence engine.Persistence, codecInst *codec.Codec) *Board {
	if codecInst == nil {
		codecInst = codec.New()
	}
	return &Board{
		root:        root,
		lease:       lease,
		conn:        c,
		connected:   c != nil,
		persistence: persistence,
		codec:       codecInst,
		notif:       notifier.New(nil),
		heartbeats:  make(map[string]context.CancelFunc),
	}
}

func (b *Board) Name() string { return "redis" }

func (b *Board) Notifier() *notifier.Notifier { return b.notif }

func (b *Board) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.conn == nil {
		b.conn = dial(b.dialAddr)
	}
	if err := b.conn.Get(ctx, b.root+":ping").Err(); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Wrap(domain.KindDisconnected, "redisboard: connect", err)
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
	b.hbMu.Lock()
	for _, cancel := range b.heartbeats {
		cancel()
	}
	b.heartbeats = make(map[string]context.CancelFunc)
	b.hbMu.Unlock()
	err := b.conn.Close()
	b.connected = false
	if err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: close", err)
	}
	return nil
}

func (b *Board) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Ping checks the client is reachable via a cheap EXISTS round trip.
func (b *Board) Ping(ctx context.Context) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return domain.New(domain.KindDisconnected, "redisboard: not connected")
	}
	if err := b.conn.Exists(ctx, b.indexKey()).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: ping", err)
	}
	return nil
}

func (b *Board) indexKey() string               { return b.root + ":index" }
func (b *Board) jobKey(jobUUID string) string   { return b.root + ":job:" + jobUUID }
func (b *Board) lockKey(jobUUID string) string  { return b.root + ":lock:" + jobUUID }
func (b *Board) trashKey(jobUUID string) string { return b.root + ":trash:" + jobUUID }
func (b *Board) trashIndexKey() string          { return b.root + ":trash:index" }
func (b *Board) entityKey(kind string) string   { return b.root + ":entity:" + kind }
func (b *Board) scheduleKey() string            { return b.root + ":schedule" }

// score encodes (priority_rank, created_on) into a single sortable float so
// ZRANGE's natural ascending order matches spec.md I6.
func score(p domain.Priority, createdOnMillis int64) float64 {
	return float64(p.Rank())*1e13 + float64(createdOnMillis)
}

func (b *Board) newJob(ctx context.Context, name string, factory engine.FlowFactory, opts board.PostOptions, runAt *int64, cronExpr, scheduleName string) (*domain.Job, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, domain.New(domain.KindDisconnected, "redisboard: not connected")
	}
	b.mu.Unlock()

	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, domain.Newf(domain.KindJobFailure, "redisboard: invalid priority %q", priority)
	}

	detail, err := b.persistence.CreateFlowDetail(name, factory, engine.Store(opts.Store))
	if err != nil {
		return nil, domain.Wrap(domain.KindCompilationFailure, "redisboard: create flow detail", err)
	}

	now := time.Now().UnixMilli()
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
		CreatedOn:    now,
		LastModified: now,
		BoardName:    b.Name(),
	}

	data, err := b.codec.Dumps(job)
	if err != nil {
		return nil, domain.Wrap(domain.KindJobFailure, "redisboard: marshal job", err)
	}

	if err := b.conn.Set(ctx, b.jobKey(job.UUID), data, 0).Err(); err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "redisboard: write job blob", err)
	}
	if err := b.conn.ZAdd(ctx, b.indexKey(), redis.Z{Score: score(priority, now), Member: job.UUID}).Err(); err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "redisboard: index job", err)
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
		return nil, domain.Wrap(domain.KindJobFailure, "redisboard: post_scheduled", err)
	}
	runAt := next.Unix()
	job, err := b.newJob(ctx, name, factory, opts, &runAt, cronExpr, name)
	if err != nil {
		return nil, err
	}
	if err := b.conn.HSet(ctx, b.scheduleKey(), name, job.UUID).Err(); err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "redisboard: record schedule mapping", err)
	}
	return job, nil
}

func sameScheduleSpec(existing *domain.Job, spec board.ScheduleSpec) bool {
	if existing.Details.Schedule != spec.Schedule {
		return false
	}
	return board.StoreSuperset(existing.Details.Store, spec.Store) && board.StoreSuperset(spec.Store, existing.Details.Store)
}

func (b *Board) ResetSchedule(ctx context.Context, specs map[string]board.ScheduleSpec) ([]*domain.Job, error) {
	mapping, err := b.conn.HGetAll(ctx, b.scheduleKey()).Result()
	if err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "redisboard: reset_schedule: read mapping", err)
	}

	results := make([]*domain.Job, 0, len(specs))
	for name, spec := range specs {
		jobUUID, ok := mapping[name]
		var prior *domain.Job
		if ok {
			prior, err = b.getJob(ctx, jobUUID)
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
		}

		if prior != nil && sameScheduleSpec(prior, spec) {
			results = append(results, prior)
			continue
		}
		if prior != nil {
			claimed, err := b.isClaimed(ctx, prior.UUID)
			if err != nil {
				return nil, err
			}
			if claimed {
				return nil, domain.Newf(domain.KindUnclaimableJob, "redisboard: reset_schedule %q: matching job is claimed", name)
			}
			if err := b.purge(ctx, prior); err != nil {
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

func (b *Board) getJob(ctx context.Context, jobUUID string) (*domain.Job, error) {
	data, err := b.conn.Get(ctx, b.jobKey(jobUUID)).Bytes()
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := b.codec.Loads(data, &job); err != nil {
		return nil, domain.Wrap(domain.KindJobFailure, "redisboard: unmarshal job", err)
	}
	job.BoardName = b.Name()
	claimed, err := b.isClaimed(ctx, jobUUID)
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

func (b *Board) isClaimed(ctx context.Context, jobUUID string) (bool, error) {
	n, err := b.conn.Exists(ctx, b.lockKey(jobUUID)).Result()
	if err != nil {
		return false, domain.Wrap(domain.KindDisconnected, "redisboard: check lock", err)
	}
	return n > 0, nil
}

// purge removes a job's blob, lock and index entry unconditionally
// (no ownership check) — used by reset_schedule's claim-and-replace path.
func (b *Board) purge(ctx context.Context, job *domain.Job) error {
	if err := b.conn.Del(ctx, b.lockKey(job.UUID), b.jobKey(job.UUID)).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: purge", err)
	}
	if err := b.conn.ZRem(ctx, b.indexKey(), job.UUID).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: purge index", err)
	}
	return nil
}

func (b *Board) rawJobs(ctx context.Context) ([]*domain.Job, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, domain.New(domain.KindDisconnected, "redisboard: not connected")
	}
	b.mu.Unlock()

	uuids, err := b.conn.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, domain.Wrap(domain.KindDisconnected, "redisboard: list jobs", err)
	}
	jobs := make([]*domain.Job, 0, len(uuids))
	for _, u := range uuids {
		job, err := b.getJob(ctx, u)
		if err != nil {
			continue // deleted between ZRANGE and GET; skip
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *Board) IterJobs(ctx context.Context, onlyUnclaimed, ensureFresh bool) ([]*domain.Job, error) {
	jobs, err := b.rawJobs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Details.RunAt != nil && *j.Details.RunAt > now {
			continue
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
	if err := b.conn.Get(ctx, b.jobKey(job.UUID)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.New(domain.KindNotFound, "redisboard: claim: job not found")
		}
		return domain.Wrap(domain.KindDisconnected, "redisboard: claim", err)
	}

	ok, err := b.conn.SetNX(ctx, b.lockKey(job.UUID), owner, b.lease).Result()
	if err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: claim", err)
	}
	if !ok {
		return domain.Newf(domain.KindUnclaimableJob, "redisboard: claim: %s already owned", job.UUID)
	}
	b.startHeartbeat(job.UUID)
	return nil
}

// startHeartbeat renews the lock TTL at lease/3 (spec.md §9 Open Question
// resolution), stopped by stopHeartbeat on consume/abandon/trash or Close.
func (b *Board) startHeartbeat(jobUUID string) {
	hbCtx, cancel := context.WithCancel(context.Background())
	b.hbMu.Lock()
	if old, ok := b.heartbeats[jobUUID]; ok {
		old()
	}
	b.heartbeats[jobUUID] = cancel
	b.hbMu.Unlock()

	interval := b.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = b.conn.Expire(context.Background(), b.lockKey(jobUUID), b.lease).Err()
			}
		}
	}()
}

func (b *Board) stopHeartbeat(jobUUID string) {
	b.hbMu.Lock()
	defer b.hbMu.Unlock()
	if cancel, ok := b.heartbeats[jobUUID]; ok {
		cancel()
		delete(b.heartbeats, jobUUID)
	}
}

func (b *Board) Consume(ctx context.Context, job *domain.Job, owner string) error {
	if err := b.verifyOwner(ctx, job.UUID, owner); err != nil {
		return err
	}
	if job.Details.Schedule != "" {
		if err := b.repostScheduled(ctx, job); err != nil {
			return err
		}
	}
	res, err := b.conn.Eval(ctx, consumeScript,
		[]string{b.lockKey(job.UUID), b.jobKey(job.UUID), b.indexKey()},
		owner, job.UUID,
	).Int()
	if err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: consume", err)
	}
	if res == 0 {
		return domain.New(domain.KindNotClaimed, "redisboard: consume: lock missing or foreign")
	}
	b.stopHeartbeat(job.UUID)
	b.notif.Notify(board.EventRemoval, map[string]any{"job": job, "reason": "consumed"})
	return nil
}

func (b *Board) repostScheduled(ctx context.Context, job *domain.Job) error {
	detail, err := b.persistence.LoadFlowDetail(job.Details.FlowUUID)
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "redisboard: repost scheduled: load flow detail", err)
	}
	_, err = b.PostScheduled(ctx, job.Details.Schedule, job.Name, detail.Factory(), board.PostOptions{
		Store:    job.Details.Store,
		Priority: job.Priority,
	})
	return err
}

// verifyOwner reads the lock directly, ahead of any scripted action that
// follows — used where a non-owner call must be rejected before any other
// side effect (e.g. consume's schedule repost) runs.
func (b *Board) verifyOwner(ctx context.Context, jobUUID, owner string) error {
	data, err := b.conn.Get(ctx, b.lockKey(jobUUID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.New(domain.KindNotClaimed, "redisboard: lock not held")
		}
		return domain.Wrap(domain.KindDisconnected, "redisboard: verify owner", err)
	}
	if data != owner {
		return domain.New(domain.KindNotClaimed, "redisboard: lock held by another owner")
	}
	return nil
}

func (b *Board) Abandon(ctx context.Context, job *domain.Job, owner string) error {
	res, err := b.conn.Eval(ctx, abandonScript, []string{b.lockKey(job.UUID)}, owner).Int()
	if err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: abandon", err)
	}
	if res == 0 {
		return domain.New(domain.KindNotClaimed, "redisboard: abandon: lock missing or foreign")
	}
	b.stopHeartbeat(job.UUID)
	return nil
}

func (b *Board) Trash(ctx context.Context, job *domain.Job, owner string) error {
	if err := b.verifyOwner(ctx, job.UUID, owner); err != nil {
		return err
	}
	if err := b.moveToTrash(ctx, job); err != nil {
		return err
	}
	b.stopHeartbeat(job.UUID)
	return nil
}

func (b *Board) moveToTrash(ctx context.Context, job *domain.Job) error {
	blob, err := b.codec.Dumps(job)
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "redisboard: trash: marshal job", err)
	}
	if err := b.conn.Set(ctx, b.trashKey(job.UUID), blob, 0).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: trash: write", err)
	}
	if err := b.conn.HSet(ctx, b.trashIndexKey(), job.UUID, "1").Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: trash: index", err)
	}
	if err := b.conn.Del(ctx, b.lockKey(job.UUID), b.jobKey(job.UUID)).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: trash: delete original", err)
	}
	if err := b.conn.ZRem(ctx, b.indexKey(), job.UUID).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: trash: unindex", err)
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
		if err := b.moveToTrash(ctx, j); err != nil {
			return trashed, err
		}
		b.stopHeartbeat(j.UUID)
		trashed = append(trashed, j)
	}
	return trashed, nil
}

func (b *Board) RegisterEntity(ctx context.Context, e domain.Entity) error {
	if e.Kind != domain.EntityKindConductor {
		return domain.Newf(domain.KindNotImplemented, "redisboard: register_entity: unsupported kind %q", e.Kind)
	}
	data, err := b.codec.Dumps(e)
	if err != nil {
		return domain.Wrap(domain.KindJobFailure, "redisboard: marshal entity", err)
	}
	if err := b.conn.HSet(ctx, b.entityKey(string(e.Kind)), e.Name, data).Err(); err != nil {
		return domain.Wrap(domain.KindDisconnected, "redisboard: register_entity", err)
	}
	return nil
}

func (b *Board) JobCount(ctx context.Context) (int, error) {
	n, err := b.conn.ZCard(ctx, b.indexKey()).Result()
	if err != nil {
		return 0, domain.Wrap(domain.KindDisconnected, "redisboard: job count", err)
	}
	return int(n), nil
}
