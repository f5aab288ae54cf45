package health

import (
	"context"
	"time"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Summary is the health snapshot exposed by /healthz and the CLI.
type Summary struct {
	Status  Status `json:"status"`
	Storage string `json:"storage"` // "connected" or "disconnected"
	Error   string `json:"error,omitempty"`

	EnabledModels int `json:"enabled_models"`
	EnabledAgents int `json:"enabled_agents"`

	PendingJobs int64 `json:"pending_jobs"`
	RunningJobs int64 `json:"running_jobs"`
	FailedJobs  int64 `json:"failed_jobs"`
}

// Checker computes health summaries. unhealthy = storage unreachable;
// degraded = reachable but no enabled models or no agents to run.
type Checker struct {
	bb     *blackboard.Client
	queue  *queue.Queue
	models *modelreg.Registry
	agents *agent.Registry
}

func NewChecker(bb *blackboard.Client, q *queue.Queue, models *modelreg.Registry, agents *agent.Registry) *Checker {
	return &Checker{bb: bb, queue: q, models: models, agents: agents}
}

// Check returns a point-in-time health summary. Never returns an error:
// failures are folded into the summary itself.
func (c *Checker) Check(ctx context.Context) *Summary {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	s := &Summary{Status: StatusHealthy, Storage: "connected"}

	if err := c.bb.Ping(ctx); err != nil {
		s.Status = StatusUnhealthy
		s.Storage = "disconnected"
		s.Error = err.Error()
		return s
	}

	s.EnabledModels = c.models.EnabledCount()
	s.EnabledAgents = c.agents.Count()
	if s.EnabledModels == 0 || s.EnabledAgents == 0 {
		s.Status = StatusDegraded
	}

	if counts, err := c.queue.Counts(ctx); err == nil {
		s.PendingJobs = counts[queue.StatePending]
		s.RunningJobs = counts[queue.StateRunning]
		s.FailedJobs = counts[queue.StateFailed]
	}

	return s
}
