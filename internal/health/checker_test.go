package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

type mockBoard struct {
	name     string
	pingErr  error
	jobCount int
	countErr error
}

func (m *mockBoard) Name() string                            { return m.name }
func (m *mockBoard) Ping(_ context.Context) error             { return m.pingErr }
func (m *mockBoard) JobCount(_ context.Context) (int, error) { return m.jobCount, m.countErr }

func newTestChecker(b health.Board) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(b, logger, reg), reg
}

func TestLiveness_AlwaysUp(t *testing.T) {
	c, _ := newTestChecker(&mockBoard{name: "zkboard", pingErr: errors.New("board down")})

	result := c.Liveness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	if result.Checks != nil {
		t.Fatalf("expected no checks, got %v", result.Checks)
	}
}

func TestReadiness_BoardUp(t *testing.T) {
	c, reg := newTestChecker(&mockBoard{name: "zkboard", jobCount: 7})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	check, ok := result.Checks["zkboard"]
	if !ok {
		t.Fatal("missing zkboard check")
	}
	if check.Status != "up" {
		t.Fatalf("expected zkboard up, got %s", check.Status)
	}
	if check.JobCount != 7 {
		t.Fatalf("expected job count 7, got %d", check.JobCount)
	}

	gauge := testGauge(t, reg, "conductor_health_check_up", "zkboard")
	if gauge != 1 {
		t.Fatalf("expected gauge 1, got %f", gauge)
	}
}

func TestReadiness_BoardDown(t *testing.T) {
	c, reg := newTestChecker(&mockBoard{name: "redisboard", pingErr: errors.New("connection refused")})

	result := c.Readiness(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	check := result.Checks["redisboard"]
	if check.Status != "down" {
		t.Fatalf("expected redisboard down, got %s", check.Status)
	}
	if check.Error == "" {
		t.Fatal("expected error message")
	}

	gauge := testGauge(t, reg, "conductor_health_check_up", "redisboard")
	if gauge != 0 {
		t.Fatalf("expected gauge 0, got %f", gauge)
	}
}

func TestReadiness_JobCountErrorStillReportsUp(t *testing.T) {
	c, _ := newTestChecker(&mockBoard{name: "zkboard", countErr: errors.New("count unavailable")})

	result := c.Readiness(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	check := result.Checks["zkboard"]
	if check.Status != "up" {
		t.Fatalf("expected zkboard up despite count error, got %s", check.Status)
	}
	if check.JobCount != 0 {
		t.Fatalf("expected zero job count on count error, got %d", check.JobCount)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
