package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// DefaultAgent is the agent that answers user requests unless configured
// otherwise.
const DefaultAgent = "responder"

// Coordinator drives the request and task flows: it turns external input into
// blackboard items, hands the work to agents, and records what came back.
// It never retries an agent itself; the synchronous path surfaces failures to
// the caller and the job path leans on the queue's retry policy.
type Coordinator struct {
	bb     *blackboard.Client
	queue  *queue.Queue
	agents *agent.Registry

	// ResponseAgent answers HandleUserRequest. Defaults to "responder".
	ResponseAgent string
}

// New creates a coordinator.
func New(bb *blackboard.Client, q *queue.Queue, agents *agent.Registry) *Coordinator {
	return &Coordinator{
		bb:            bb,
		queue:         q,
		agents:        agents,
		ResponseAgent: DefaultAgent,
	}
}

// Response is the outcome of a synchronous user request, with the ids that
// correlate it to the blackboard.
type Response struct {
	Text      string `json:"text"`
	RequestID string `json:"request_id"`
	GoalID    string `json:"goal_id"`
	OutputID  string `json:"output_id"`
	ModelID   string `json:"model_id,omitempty"`
}

// HandleUserRequest runs the full synchronous flow: user_request item, child
// goal, agent invocation, recorded agent_output, audit events throughout.
func (c *Coordinator) HandleUserRequest(ctx context.Context, message string, metadata map[string]string) (*Response, error) {
	req, goal, a, err := c.prepare(ctx, message, metadata)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	out, err := a.Execute(ctx, agent.Context{
		RequestID: req.ID,
		GoalID:    goal.ID,
		Message:   message,
		Metadata:  metadata,
	})
	if err != nil {
		c.recordRunFailure(ctx, a.Name(), goal.ID, err, time.Since(started))
		return nil, fmt.Errorf("agent %s failed: %w", a.Name(), err)
	}

	output, err := c.recordOutput(ctx, goal, a.Name(), out.ModelID, out.Text, false)
	if err != nil {
		return nil, err
	}
	c.finishGoal(ctx, req, goal, blackboard.StatusDone)

	_ = c.bb.AppendEvent(ctx, &blackboard.Event{
		Type:    blackboard.EventAgentRunCompleted,
		AgentID: a.Name(),
		ModelID: out.ModelID,
		ItemID:  output.ID,
		Data:    map[string]string{"duration_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10)},
	})

	return &Response{
		Text:      out.Text,
		RequestID: req.ID,
		GoalID:    goal.ID,
		OutputID:  output.ID,
		ModelID:   out.ModelID,
	}, nil
}

// prepare runs the shared front half of both request flows: items, events,
// agent resolution.
func (c *Coordinator) prepare(ctx context.Context, message string, metadata map[string]string) (req, goal *blackboard.Item, a agent.Agent, err error) {
	if strings.TrimSpace(message) == "" {
		return nil, nil, nil, &blackboard.ValidationError{Msg: "message cannot be empty"}
	}

	var detail json.RawMessage
	if len(metadata) > 0 {
		detail, err = json.Marshal(metadata)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	req, err = c.bb.CreateUserRequest(ctx, summarize(message), detail)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to record request: %w", err)
	}
	_ = c.bb.AppendEvent(ctx, &blackboard.Event{Type: blackboard.EventRequestReceived, ItemID: req.ID})

	goal, err = c.bb.CreateGoal(ctx, summarize(message), req.ID, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create goal: %w", err)
	}
	_ = c.bb.AppendEvent(ctx, &blackboard.Event{Type: blackboard.EventGoalCreated, ItemID: goal.ID})

	a, err = c.agents.Get(c.ResponseAgent)
	if err != nil {
		return nil, nil, nil, err
	}
	return req, goal, a, nil
}

// recordOutput writes the agent_output item under the goal. Partial outputs
// (from an aborted stream) are flagged so downstream consumers can tell them
// apart from completed ones.
func (c *Coordinator) recordOutput(ctx context.Context, goal *blackboard.Item, agentName, modelID, text string, partial bool) (*blackboard.Item, error) {
	detail, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	output, err := c.bb.CreateAgentOutput(ctx, summarize(text), goal.ID, agentName, modelID, detail)
	if err != nil {
		return nil, fmt.Errorf("failed to record output: %w", err)
	}
	if partial {
		if _, err := c.bb.Update(ctx, output.ID, blackboard.ItemUpdate{
			Dimensions: map[string]string{blackboard.DimPartial: "true"},
		}); err != nil {
			return nil, fmt.Errorf("failed to flag partial output: %w", err)
		}
	}
	return output, nil
}

// finishGoal settles the goal and request status. Best effort: a status write
// failing after the output landed should not fail the whole request.
func (c *Coordinator) finishGoal(ctx context.Context, req, goal *blackboard.Item, status string) {
	_, _ = c.bb.Update(ctx, goal.ID, blackboard.ItemUpdate{
		Dimensions: map[string]string{blackboard.DimStatus: status},
	})
	_, _ = c.bb.Update(ctx, req.ID, blackboard.ItemUpdate{
		Dimensions: map[string]string{blackboard.DimStatus: status},
	})
}

func (c *Coordinator) recordRunFailure(ctx context.Context, agentName, goalID string, err error, elapsed time.Duration) {
	_ = c.bb.AppendEvent(ctx, &blackboard.Event{
		Type:    blackboard.EventAgentRunFailed,
		AgentID: agentName,
		ItemID:  goalID,
		Data: map[string]string{
			"error":       err.Error(),
			"duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
		},
	})
}

// ProcessTask routes a blackboard task to the best-suited agent and enqueues
// a run_agent job for it. The task moves to in_progress immediately so two
// dispatchers don't double-route it.
func (c *Coordinator) ProcessTask(ctx context.Context, taskID string) (*queue.Job, error) {
	task, err := c.bb.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Type != blackboard.ItemTypeTask {
		return nil, &blackboard.ValidationError{Msg: fmt.Sprintf("item %s is a %s, not a task", taskID, task.Type)}
	}
	if task.Dimensions[blackboard.DimStatus] == blackboard.StatusInProgress {
		return nil, fmt.Errorf("task %s is already in progress", taskID)
	}

	best := c.bestAgentFor(task)
	if best == nil {
		return nil, fmt.Errorf("no agent available for task %s", taskID)
	}

	if _, err := c.bb.Update(ctx, task.ID, blackboard.ItemUpdate{
		Dimensions: map[string]string{
			blackboard.DimStatus:  blackboard.StatusInProgress,
			blackboard.DimAgentID: best.Name(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to mark task in progress: %w", err)
	}

	job, err := c.queue.EnqueueRunAgent(ctx, task.ID, best.Name())
	if err != nil {
		return nil, err
	}

	_ = c.bb.AppendEvent(ctx, &blackboard.Event{
		Type:    blackboard.EventTaskDispatched,
		AgentID: best.Name(),
		ItemID:  task.ID,
		JobID:   job.ID,
	})
	return job, nil
}

// bestAgentFor scores each registered agent's capability keywords against the
// task text and picks the highest, ties broken by name. With no capability
// match at all, the default response agent takes it.
func (c *Coordinator) bestAgentFor(task *blackboard.Item) agent.Agent {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(task.Summary)) {
		words[strings.Trim(w, ".,:;!?")] = true
	}

	var best agent.Agent
	bestScore := 0.0
	for _, a := range c.agents.List() {
		caps := a.Capabilities()
		if len(caps) == 0 {
			continue
		}
		matched := 0
		for _, cap := range caps {
			if words[strings.ToLower(cap)] {
				matched++
			}
		}
		score := float64(matched) / float64(len(caps))
		if score > bestScore || (score == bestScore && score > 0 && a.Name() < best.Name()) {
			best, bestScore = a, score
		}
	}

	if best == nil || bestScore == 0 {
		if fallback, err := c.agents.Get(c.ResponseAgent); err == nil {
			return fallback
		}
	}
	return best
}

// summarize trims free text into a single-line item summary.
func summarize(text string) string {
	const max = 140
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
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
		return "(empty)"
	}
	return text
}
