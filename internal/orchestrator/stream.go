package orchestrator

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// RequestStream is the streaming form of a user request: a pull-based,
// single-consumer token sequence. Nothing is written to the blackboard per
// token; the one recording decision happens when the stream ends.
//
// A stream that runs to completion records a normal agent_output and closes
// the goal. A stream cut short - consumer cancellation, Close before EOF, or
// a provider error mid-flight - records whatever text arrived as a partial
// output (dimension partial=true) and marks the goal cancelled, so no goal is
// ever left open behind a dead stream.
type RequestStream struct {
	RequestID string
	GoalID    string
	ModelID   string

	coord *Coordinator
	req   *blackboard.Item
	goal  *blackboard.Item
	agent string
	inner *agent.Stream

	mu        sync.Mutex
	buf       strings.Builder
	finalized bool
	outputID  string
}

// HandleUserRequestStream runs the request flow with a streaming agent
// invocation. The returned stream must be drained or closed by the caller.
func (c *Coordinator) HandleUserRequestStream(ctx context.Context, message string, metadata map[string]string) (*RequestStream, error) {
	req, goal, a, err := c.prepare(ctx, message, metadata)
	if err != nil {
		return nil, err
	}

	inner, err := a.ExecuteStream(ctx, agent.Context{
		RequestID: req.ID,
		GoalID:    goal.ID,
		Message:   message,
		Metadata:  metadata,
	})
	if err != nil {
		c.recordRunFailure(ctx, a.Name(), goal.ID, err, 0)
		c.finishGoal(ctx, req, goal, blackboard.StatusCancelled)
		return nil, err
	}

	return &RequestStream{
		RequestID: req.ID,
		GoalID:    goal.ID,
		ModelID:   inner.ModelID,
		coord:     c,
		req:       req,
		goal:      goal,
		agent:     a.Name(),
		inner:     inner,
	}, nil
}

// Recv returns the next text chunk. io.EOF means the response completed and
// was recorded; any other error means the stream aborted and a partial output
// was recorded.
func (s *RequestStream) Recv() (string, error) {
	tok, err := s.inner.Recv()
	if err == nil {
		s.mu.Lock()
		s.buf.WriteString(tok)
		s.mu.Unlock()
		return tok, nil
	}

	if err == io.EOF {
		s.finalize(true)
		return "", io.EOF
	}
	s.finalize(false)
	return "", err
}

// Close aborts the stream. Called before EOF it records the partial output;
// after EOF it is a no-op.
func (s *RequestStream) Close() error {
	s.finalize(false)
	return s.inner.Close()
}

// OutputID returns the recorded output item's id. Empty until the stream has
// finished.
func (s *RequestStream) OutputID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputID
}

// finalize records the stream outcome exactly once. It runs on a detached
// context: the recording must land even when the consumer's context is the
// reason the stream died.
func (s *RequestStream) finalize(completed bool) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	text := s.buf.String()
	s.mu.Unlock()

	ctx := context.WithoutCancel(context.Background())
	c := s.coord

	if completed {
		output, err := c.recordOutput(ctx, s.goal, s.agent, s.ModelID, text, false)
		if err != nil {
			return
		}
		c.finishGoal(ctx, s.req, s.goal, blackboard.StatusDone)
		_ = c.bb.AppendEvent(ctx, &blackboard.Event{
			Type:    blackboard.EventAgentRunCompleted,
			AgentID: s.agent,
			ModelID: s.ModelID,
			ItemID:  output.ID,
		})
		s.mu.Lock()
		s.outputID = output.ID
		s.mu.Unlock()
		return
	}

	// Aborted: keep what arrived, flagged partial, and cancel the goal.
	output, err := c.recordOutput(ctx, s.goal, s.agent, s.ModelID, text, true)
	if err != nil {
		c.finishGoal(ctx, s.req, s.goal, blackboard.StatusCancelled)
		return
	}
	c.finishGoal(ctx, s.req, s.goal, blackboard.StatusCancelled)
	_ = c.bb.AppendEvent(ctx, &blackboard.Event{
		Type:    blackboard.EventStreamCancelled,
		AgentID: s.agent,
		ModelID: s.ModelID,
		ItemID:  output.ID,
		Data:    map[string]string{"chars": strconv.Itoa(len(text))},
	})
	s.mu.Lock()
	s.outputID = output.ID
	s.mu.Unlock()
}
