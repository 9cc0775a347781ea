package redisboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/redisboard"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/redisboard/redisfake"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine/engtest"
)

func newTestBoard(t *testing.T) *redisboard.Board {
	t.Helper()
	client := redisfake.New()
	b := redisboard.NewWithConn(client, 30*time.Second, "jobboard", engtest.NewPersistence(), nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b
}

func TestPostThenClaimThenConsume(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	job, err := b.Post(ctx, "greet", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	jobs, err := b.IterJobs(ctx, true, true)
	if err != nil {
		t.Fatalf("iterjobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 unclaimed job, got %d", len(jobs))
	}

	if err := b.Claim(ctx, job, "owner-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	jobs, err = b.IterJobs(ctx, true, true)
	if err != nil {
		t.Fatalf("iterjobs after claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected 0 unclaimed jobs after claim, got %d", len(jobs))
	}

	if err := b.Consume(ctx, job, "owner-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	count, err := b.JobCount(ctx)
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 jobs after consume, got %d", count)
	}
}

func TestDoubleClaimFails(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	job, err := b.Post(ctx, "greet", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := b.Claim(ctx, job, "owner-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err = b.Claim(ctx, job, "owner-2")
	if !domain.IsKind(err, domain.KindUnclaimableJob) {
		t.Fatalf("expected UnclaimableJob, got %v", err)
	}
}

func TestConsumeByNonOwnerFails(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	job, err := b.Post(ctx, "greet", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := b.Claim(ctx, job, "owner-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err = b.Consume(ctx, job, "owner-2")
	if !domain.IsKind(err, domain.KindNotClaimed) {
		t.Fatalf("expected NotClaimed, got %v", err)
	}
}

func TestAbandonReleasesLockRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	job, err := b.Post(ctx, "greet", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := b.Claim(ctx, job, "owner-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Abandon(ctx, job, "owner-1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	jobs, err := b.IterJobs(ctx, true, true)
	if err != nil {
		t.Fatalf("iterjobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].UUID != job.UUID {
		t.Fatalf("expected same job to be unclaimed again, got %+v", jobs)
	}
}

func TestTrashAndKillall(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	job, err := b.Post(ctx, "bad", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := b.Claim(ctx, job, "owner-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Trash(ctx, job, "owner-1"); err != nil {
		t.Fatalf("trash: %v", err)
	}
	count, err := b.JobCount(ctx)
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 jobs after trash, got %d", count)
	}

	for i := 0; i < 2; i++ {
		if _, err := b.Post(ctx, "x", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	trashed, err := b.Killall(ctx)
	if err != nil {
		t.Fatalf("killall: %v", err)
	}
	if len(trashed) != 2 {
		t.Fatalf("expected 2 trashed jobs, got %d", len(trashed))
	}
}

func TestSearchMatchesStoreSuperset(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	if _, err := b.Post(ctx, "a", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{Store: map[string]any{"tenant": "acme"}}); err != nil {
		t.Fatalf("post a: %v", err)
	}
	if _, err := b.Post(ctx, "b", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{Store: map[string]any{"tenant": "other"}}); err != nil {
		t.Fatalf("post b: %v", err)
	}

	results, err := b.Search(ctx, board.SearchOptions{StoreFilter: map[string]any{"tenant": "acme"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "a" {
		t.Fatalf("expected exactly job %q, got %+v", "a", results)
	}
}

func TestResetScheduleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	specs := map[string]board.ScheduleSpec{
		"nightly": {Schedule: "0 0 * * *", Factory: engine.FromFunc(engtest.SuccessFactory)},
	}
	first, err := b.ResetSchedule(ctx, specs)
	if err != nil {
		t.Fatalf("first reset_schedule: %v", err)
	}
	second, err := b.ResetSchedule(ctx, specs)
	if err != nil {
		t.Fatalf("second reset_schedule: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0].UUID != second[0].UUID {
		t.Fatalf("reset_schedule must be idempotent, got %+v then %+v", first, second)
	}
	count, err := b.JobCount(ctx)
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 scheduled job, got %d", count)
	}
}

func TestConsumeScheduledJobRepostsExactlyOne(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	job, err := b.PostScheduled(ctx, "0 0 * * *", "nightly", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post_scheduled: %v", err)
	}
	if err := b.Claim(ctx, job, "owner-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Consume(ctx, job, "owner-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	count, err := b.JobCount(ctx)
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 job after consuming a scheduled job (the repost), got %d", count)
	}

	jobs, err := b.Search(ctx, board.SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 live job, got %d", len(jobs))
	}
	if jobs[0].UUID == job.UUID {
		t.Fatalf("expected the repost to be a fresh job record, got the same uuid %s", job.UUID)
	}
	if jobs[0].Details.ScheduleName != "nightly" {
		t.Fatalf("expected the repost to carry the same schedule name, got %q", jobs[0].Details.ScheduleName)
	}
}

func TestPostDelayedJobExcludedUntilDelayElapses(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	_, err := b.PostDelayed(ctx, time.Hour, "later", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{})
	if err != nil {
		t.Fatalf("post_delayed: %v", err)
	}

	jobs, err := b.IterJobs(ctx, true, true)
	if err != nil {
		t.Fatalf("iterjobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected a future-run_at job to be excluded from iter_jobs, got %d", len(jobs))
	}

	count, err := b.JobCount(ctx)
	if err != nil {
		t.Fatalf("job count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the delayed job to still exist on the board, got %d", count)
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	b := newTestBoard(t)

	if _, err := b.Post(ctx, "low", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{Priority: domain.PriorityLow}); err != nil {
		t.Fatalf("post low: %v", err)
	}
	if _, err := b.Post(ctx, "high", engine.FromFunc(engtest.SuccessFactory), board.PostOptions{Priority: domain.PriorityHigh}); err != nil {
		t.Fatalf("post high: %v", err)
	}
	jobs, err := b.IterJobs(ctx, true, true)
	if err != nil {
		t.Fatalf("iterjobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Name != "high" || jobs[1].Name != "low" {
		t.Fatalf("expected high before low, got %+v", jobs)
	}
}
