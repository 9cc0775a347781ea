package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Board is the slice of board.Board the health checker depends on. It is
// declared locally (rather than importing the board package) so this
// package stays decoupled from the jobboard implementation, but unlike a
// bare Pinger it asks for the two calls that distinguish a distributed
// lock store from a generic dependency: Name identifies which backend is
// being probed, and JobCount gives the readiness response a live detail
// a DB connection pool's Ping never could.
type Board interface {
	Name() string
	Ping(ctx context.Context) error
	JobCount(ctx context.Context) (int, error)
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	JobCount int    `json:"job_count,omitempty"`
}

// HealthResult is the top-level health response.
type HealthResult struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker verifies that the jobboard backend is reachable.
type Checker struct {
	board  Board
	logger *slog.Logger
	gauge  *prometheus.GaugeVec
}

// NewChecker creates a health checker and registers its Prometheus gauge.
func NewChecker(board Board, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		board:  board,
		logger: logger.With("component", "health"),
		gauge:  gauge,
	}
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up"}
}

// Readiness pings the board under its own name and, when reachable,
// reports its current live job count alongside the up/down status — a
// leased-lock store (zkboard, redisboard) can tell you that much about
// itself where a plain connection-pool ping cannot.
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	name := c.board.Name()
	result := HealthResult{
		Status: "up",
		Checks: make(map[string]CheckResult),
	}

	if err := c.board.Ping(checkCtx); err != nil {
		c.logger.Warn("jobboard health check failed", "dependency", name, "error", err)
		result.Status = "down"
		result.Checks[name] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues(name).Set(0)
		return result
	}

	count, err := c.board.JobCount(checkCtx)
	if err != nil {
		c.logger.Warn("jobboard job count failed", "dependency", name, "error", err)
		result.Checks[name] = CheckResult{Status: "up"}
	} else {
		result.Checks[name] = CheckResult{Status: "up", JobCount: count}
	}
	c.gauge.WithLabelValues(name).Set(1)

	return result
}
