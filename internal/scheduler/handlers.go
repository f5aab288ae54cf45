package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// TaskDispatcher routes a blackboard task to an agent. Implemented by the
// orchestrator; declared here so the maintenance handler doesn't depend on it
// directly.
type TaskDispatcher interface {
	ProcessTask(ctx context.Context, taskID string) (*queue.Job, error)
}

// HandlerDeps are the collaborators the built-in job handlers need.
type HandlerDeps struct {
	BB        *blackboard.Client
	Queue     *queue.Queue
	Agents    *agent.Registry
	Evaluator *modelreg.Evaluator

	// Dispatcher handles tasks generated by maintenance. Optional; without it
	// maintenance still creates the follow-up tasks, it just doesn't dispatch
	// them.
	Dispatcher TaskDispatcher

	// GoalStaleAfter is how long an open goal may sit without activity before
	// maintenance generates a follow-up task. Default 30m.
	GoalStaleAfter time.Duration

	// MaintenanceEvery and MetricsEvery make maintenance_tick and
	// update_metrics self-perpetuating: after a successful run the handler
	// enqueues its own successor that far in the future. Zero leaves the
	// cycle off, which is what tests want.
	MaintenanceEvery time.Duration
	MetricsEvery     time.Duration
}

// NewHandlers builds the full handler registry for New.
func NewHandlers(deps HandlerDeps) map[queue.JobType]Handler {
	if deps.GoalStaleAfter <= 0 {
		deps.GoalStaleAfter = 30 * time.Minute
	}
	return map[queue.JobType]Handler{
		queue.TypeRunAgent:       runAgentHandler(deps),
		queue.TypeMaintenance:    maintenanceHandler(deps),
		queue.TypeBenchmarkModel: benchmarkHandler(deps),
		queue.TypeUpdateMetrics:  metricsHandler(deps),
	}
}

type runAgentPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// runAgentHandler executes an agent against a task and records the output.
func runAgentHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload runAgentPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Permanent(fmt.Errorf("bad run_agent payload: %w", err))
		}
		if payload.TaskID == "" || payload.AgentID == "" {
			return Permanent(fmt.Errorf("run_agent payload missing task_id or agent_id"))
		}

		task, err := deps.BB.Get(ctx, payload.TaskID)
		if err != nil {
			if blackboard.IsNotFound(err) {
				return Permanent(fmt.Errorf("task %s no longer exists", payload.TaskID))
			}
			return err
		}

		a, err := deps.Agents.Get(payload.AgentID)
		if err != nil {
			return Permanent(err)
		}

		goalID := ""
		if len(task.Links.Parents) > 0 {
			goalID = task.Links.Parents[0]
		}

		started := time.Now()
		out, err := a.Execute(ctx, agent.Context{
			TaskID:  task.ID,
			GoalID:  goalID,
			Message: task.Summary,
		})
		durationMs := time.Since(started).Milliseconds()

		if err != nil {
			_ = deps.BB.AppendEvent(ctx, &blackboard.Event{
				Type:    blackboard.EventAgentRunFailed,
				AgentID: payload.AgentID,
				ItemID:  task.ID,
				JobID:   job.ID,
				Data:    map[string]string{"error": err.Error(), "duration_ms": strconv.FormatInt(durationMs, 10)},
			})
			return err
		}

		detail, err := json.Marshal(map[string]string{"text": out.Text})
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		output, err := deps.BB.CreateAgentOutput(ctx, summarize(out.Text), task.ID, payload.AgentID, out.ModelID, detail)
		if err != nil {
			return fmt.Errorf("failed to record output: %w", err)
		}

		if _, err := deps.BB.Update(ctx, task.ID, blackboard.ItemUpdate{
			Dimensions: map[string]string{blackboard.DimStatus: blackboard.StatusDone},
		}); err != nil {
			return fmt.Errorf("failed to close task: %w", err)
		}

		_ = deps.BB.AppendEvent(ctx, &blackboard.Event{
			Type:    blackboard.EventAgentRunCompleted,
			AgentID: payload.AgentID,
			ModelID: out.ModelID,
			ItemID:  output.ID,
			JobID:   job.ID,
			Data:    map[string]string{"duration_ms": strconv.FormatInt(durationMs, 10)},
		})
		return nil
	}
}

// maintenanceHandler generates follow-up tasks for open goals that have sat
// idle past the staleness threshold.
func maintenanceHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		cutoff := time.Now().Add(-deps.GoalStaleAfter).UnixMilli()
		goals, err := deps.BB.Query(ctx, blackboard.Query{
			Types:           []blackboard.ItemType{blackboard.ItemTypeGoal},
			Dimensions:      map[string]string{blackboard.DimStatus: blackboard.StatusOpen},
			CreatedBeforeMs: cutoff,
		})
		if err != nil {
			return fmt.Errorf("failed to scan stale goals: %w", err)
		}

		for _, goal := range goals {
			if len(goal.Links.Children) > 0 {
				continue // already has work attached
			}
			task, err := deps.BB.CreateTask(ctx, "Follow up: "+goal.Summary, goal.ID, map[string]string{
				blackboard.DimSource: blackboard.SourceSystem,
			})
			if err != nil {
				return fmt.Errorf("failed to create follow-up task for goal %s: %w", goal.ID, err)
			}
			if deps.Dispatcher != nil {
				if _, err := deps.Dispatcher.ProcessTask(ctx, task.ID); err != nil {
					return fmt.Errorf("failed to dispatch follow-up task %s: %w", task.ID, err)
				}
			}
		}
		return enqueueSuccessor(ctx, deps.Queue, queue.TypeMaintenance, deps.MaintenanceEvery)
	}
}

// enqueueSuccessor schedules the next run of a periodic job type.
func enqueueSuccessor(ctx context.Context, q *queue.Queue, jobType queue.JobType, every time.Duration) error {
	if every <= 0 {
		return nil
	}
	job := &queue.Job{Type: jobType, RunAtMs: time.Now().Add(every).UnixMilli()}
	if err := q.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("failed to schedule next %s: %w", jobType, err)
	}
	return nil
}

type benchmarkPayload struct {
	ModelID string `json:"model_id"`
}

// benchmarkHandler re-evaluates one model, or all of them when the payload
// names none.
func benchmarkHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload benchmarkPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return Permanent(fmt.Errorf("bad benchmark_model payload: %w", err))
			}
		}
		if payload.ModelID != "" {
			return deps.Evaluator.EvaluateAndUpdate(ctx, payload.ModelID)
		}
		return deps.Evaluator.UpdateAll(ctx)
	}
}

// metricsHandler folds fresh evaluations into every model's stored scores.
func metricsHandler(deps HandlerDeps) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if err := deps.Evaluator.UpdateAll(ctx); err != nil {
			return err
		}
		return enqueueSuccessor(ctx, deps.Queue, queue.TypeUpdateMetrics, deps.MetricsEvery)
	}
}

// summarize trims output text to a one-line summary for the blackboard item.
func summarize(text string) string {
	const max = 140
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > max {
		// Back up to a rune boundary so the cut never splits a character.
		cut := max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut]
	}
	if text == "" {
		return "(empty output)"
	}
	return text
}
