package conductor

import (
	"context"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/dispatchid"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
)

// prepared is the outcome of steps 1-4 of the dispatch sequence
// (spec.md §4.2): either a job with a ready-to-run engine (Job/Engine
// set), or a signal that nothing needs running right now.
type prepared struct {
	job *domain.Job
	eng engine.Engine

	noJob         bool // step 1 found nothing
	skipped       bool // step 2: UnclaimableJob, try another job
	compileFailed bool // step 3d: already resolved (abandoned or trashed)
}

// prepare runs steps 1-4: find an unclaimed job, claim it, build its
// engine, and attach listeners. It never runs the engine itself — that is
// step 5, the part blocking and non-blocking disagree on.
func (b *Base) prepare(ctx context.Context) (prepared, error) {
	jobs, err := b.board.IterJobs(ctx, true, true)
	if err != nil {
		return prepared{}, err
	}
	if len(jobs) == 0 {
		return prepared{noJob: true}, nil
	}
	job := jobs[0]

	if err := b.board.Claim(ctx, job, b.identity); err != nil {
		if domain.IsKind(err, domain.KindUnclaimableJob) {
			return prepared{skipped: true}, nil
		}
		return prepared{}, err
	}
	b.notify(EventJobClaimed, jobDetails(job, map[string]any{
		"owner":             b.identity,
		"created_on_millis": job.CreatedOn,
	}))

	eng, err := b.buildEngine(job)
	if err != nil {
		b.handleCompileFailure(ctx, job, err)
		return prepared{compileFailed: true}, nil
	}

	for _, factory := range b.listeners {
		eng.RegisterListener(factory(job.UUID, eng))
	}

	return prepared{job: job, eng: eng}, nil
}

// buildEngine is spec.md §4.2 step 3a-3c: load the flow detail, merge
// stores (job overrides flow), and compile an engine from it.
func (b *Base) buildEngine(job *domain.Job) (engine.Engine, error) {
	detail, err := b.persistence.LoadFlowDetail(job.Details.FlowUUID)
	if err != nil {
		return nil, err
	}

	flowStore, _ := detail.Meta()["store"].(map[string]any)
	store := engine.Merge(engine.Store(flowStore), engine.Store(job.Details.Store))

	return b.loader.LoadFromDetail(detail, store, b.engineKind, b.engineOpts)
}

// handleCompileFailure is spec.md §4.2 step 3d: increment the job's
// compile-failure counter; once it reaches the limit, trash the job
// instead of abandoning it forever. The conductor always emits
// job_abandoned first — even a job about to be trashed failed its
// in-flight attempt before disposal decided what to do about it next
// (spec.md scenario S4: "expect job_abandoned then job_trashed"). A job
// being trashed keeps its lock until Trash, which needs the claim held.
func (b *Base) handleCompileFailure(ctx context.Context, job *domain.Job, cause error) {
	count := b.incrementCompileFailures(job.UUID)
	job.CompileFailures = count

	b.notify(EventCompilationFailure, jobDetails(job, map[string]any{
		"error": cause.Error(),
		"count": count,
	}))

	if count < b.errorLimit {
		if err := b.board.Abandon(ctx, job, b.identity); err != nil {
			b.logger.Error("conductor: abandon after compile failure", "job_uuid", job.UUID, "error", err)
		}
		b.notify(EventJobAbandoned, jobDetails(job, map[string]any{"owner": b.identity, "reason": "compile_failure"}))
		return
	}
	b.notify(EventJobAbandoned, jobDetails(job, map[string]any{"owner": b.identity, "reason": "compile_failure"}))
	if err := b.board.Trash(ctx, job, b.identity); err != nil {
		b.logger.Error("conductor: trash after repeated compile failure", "job_uuid", job.UUID, "error", err)
		if aerr := b.board.Abandon(ctx, job, b.identity); aerr != nil {
			b.logger.Error("conductor: abandon after failed trash", "job_uuid", job.UUID, "error", aerr)
		}
		return
	}
	b.notify(EventJobTrashed, jobDetails(job, map[string]any{"owner": b.identity, "count": count}))
}

func (b *Base) incrementCompileFailures(uuid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compileFailures[uuid]++
	return b.compileFailures[uuid]
}

// execute is spec.md §4.2 steps 5-6: run the already-built engine, emit
// running_start immediately beforehand, and resolve (consume/abandon)
// based on the outcome. Shared by both the blocking and non-blocking
// variants so the resolve semantics can't drift between them.
func (b *Base) execute(ctx context.Context, job *domain.Job, eng engine.Engine) {
	ctx = dispatchid.WithDispatchID(ctx, dispatchid.New(b.identity, b.nextDispatchSeq()))
	b.notify(EventRunningStart, jobDetails(job, map[string]any{"owner": b.identity}))

	err := eng.Run(ctx)

	if err == nil {
		if cerr := b.board.Consume(ctx, job, b.identity); cerr != nil {
			b.logger.ErrorContext(ctx, "conductor: consume after successful run", "job_uuid", job.UUID, "error", cerr)
		}
		b.notify(EventJobConsumed, jobDetails(job, map[string]any{"owner": b.identity}))
		return
	}

	if aerr := b.board.Abandon(ctx, job, b.identity); aerr != nil {
		b.logger.ErrorContext(ctx, "conductor: abandon after failed run", "job_uuid", job.UUID, "error", aerr)
	}
	b.notify(EventJobAbandoned, jobDetails(job, map[string]any{"owner": b.identity, "reason": err.Error()}))
}
