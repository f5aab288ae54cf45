package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/provider"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// echoAgent answers with a mock provider stream so both paths are exercised
// without network.
type echoAgent struct {
	name string
	caps []string
	mock *provider.Mock
	err  error
}

func (a *echoAgent) Name() string           { return a.name }
func (a *echoAgent) Capabilities() []string { return a.caps }

func (a *echoAgent) Execute(ctx context.Context, ac agent.Context) (*agent.Output, error) {
	if a.err != nil {
		return nil, a.err
	}
	res, err := a.mock.Generate(ctx, []provider.Message{{Role: "user", Content: ac.Message}}, provider.Options{})
	if err != nil {
		return nil, err
	}
	return &agent.Output{Text: res.Text, ModelID: "mock-model"}, nil
}

func (a *echoAgent) ExecuteStream(ctx context.Context, ac agent.Context) (*agent.Stream, error) {
	if a.err != nil {
		return nil, a.err
	}
	ps, err := a.mock.GenerateStream(ctx, []provider.Message{{Role: "user", Content: ac.Message}}, provider.Options{})
	if err != nil {
		return nil, err
	}
	return agent.NewStream("mock-model", ps), nil
}

func setupCoordinator(t *testing.T, agents ...agent.Agent) (*Coordinator, *blackboard.Client, *queue.Queue) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	bb, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { bb.Close() })

	reg := agent.NewRegistry()
	if len(agents) == 0 {
		agents = []agent.Agent{&echoAgent{name: DefaultAgent, mock: &provider.Mock{}}}
	}
	for _, a := range agents {
		reg.Register(a)
	}

	q := queue.New(bb, queue.Options{})
	return New(bb, q, reg), bb, q
}

func TestHandleUserRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("end to end", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)

		resp, err := coord.HandleUserRequest(ctx, "what is a rookery?", map[string]string{"channel": "api"})
		require.NoError(t, err)
		assert.Equal(t, "echo: what is a rookery?", resp.Text)
		assert.Equal(t, "mock-model", resp.ModelID)

		// Request item with the goal as child.
		req, err := bb.Get(ctx, resp.RequestID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.ItemTypeUserRequest, req.Type)
		assert.Contains(t, req.Links.Children, resp.GoalID)
		assert.Equal(t, blackboard.StatusDone, req.Dimensions[blackboard.DimStatus])

		// Goal closed, with the output linked under it.
		goal, err := bb.Get(ctx, resp.GoalID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.StatusDone, goal.Dimensions[blackboard.DimStatus])
		assert.Contains(t, goal.Links.Children, resp.OutputID)

		output, err := bb.Get(ctx, resp.OutputID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.ItemTypeAgentOutput, output.Type)
		assert.Equal(t, DefaultAgent, output.Dimensions[blackboard.DimAgentID])
		assert.Empty(t, output.Dimensions[blackboard.DimPartial])

		// Audit trail covers every transition.
		events, err := bb.RecentEvents(ctx, 10)
		require.NoError(t, err)
		types := make([]string, len(events))
		for i, ev := range events {
			types[i] = ev.Type
		}
		assert.Contains(t, types, blackboard.EventRequestReceived)
		assert.Contains(t, types, blackboard.EventGoalCreated)
		assert.Contains(t, types, blackboard.EventAgentRunCompleted)
	})

	t.Run("empty message is rejected before any write", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)

		_, err := coord.HandleUserRequest(ctx, "   ", nil)
		assert.True(t, blackboard.IsValidation(err))

		items, err := bb.Query(ctx, blackboard.Query{})
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("agent failure surfaces without retry", func(t *testing.T) {
		failing := &echoAgent{name: DefaultAgent, err: errors.New("provider exploded")}
		coord, bb, _ := setupCoordinator(t, failing)

		_, err := coord.HandleUserRequest(ctx, "doomed request", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider exploded")

		events, err := bb.RecentEvents(ctx, 10)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, blackboard.EventAgentRunFailed, events[0].Type)
	})

	t.Run("missing default agent", func(t *testing.T) {
		other := &echoAgent{name: "specialist", mock: &provider.Mock{}}
		coord, _, _ := setupCoordinator(t, other)

		_, err := coord.HandleUserRequest(ctx, "hello", nil)
		assert.Error(t, err)
	})
}

func TestProcessTask(t *testing.T) {
	ctx := context.Background()

	t.Run("routes to the best capability match", func(t *testing.T) {
		responder := &echoAgent{name: DefaultAgent, caps: []string{"respond", "chat"}, mock: &provider.Mock{}}
		coder := &echoAgent{name: "coder", caps: []string{"code", "refactor"}, mock: &provider.Mock{}}
		coord, bb, q := setupCoordinator(t, responder, coder)

		goal, err := bb.CreateGoal(ctx, "improve the codebase", "", nil)
		require.NoError(t, err)
		task, err := bb.CreateTask(ctx, "refactor the parser code", goal.ID, nil)
		require.NoError(t, err)

		job, err := coord.ProcessTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.TypeRunAgent, job.Type)

		got, err := bb.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.StatusInProgress, got.Dimensions[blackboard.DimStatus])
		assert.Equal(t, "coder", got.Dimensions[blackboard.DimAgentID])

		pending, err := q.List(ctx, queue.StatePending, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, job.ID, pending[0].ID)
	})

	t.Run("no capability match falls back to the responder", func(t *testing.T) {
		responder := &echoAgent{name: DefaultAgent, caps: []string{"respond"}, mock: &provider.Mock{}}
		coder := &echoAgent{name: "coder", caps: []string{"code"}, mock: &provider.Mock{}}
		coord, bb, _ := setupCoordinator(t, responder, coder)

		task, err := bb.CreateTask(ctx, "something unrelated entirely", "", nil)
		require.NoError(t, err)

		job, err := coord.ProcessTask(ctx, task.ID)
		require.NoError(t, err)

		got, err := bb.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, DefaultAgent, got.Dimensions[blackboard.DimAgentID])
		assert.NotNil(t, job)
	})

	t.Run("already in-progress task is not double-routed", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)
		task, err := bb.CreateTask(ctx, "once only", "", map[string]string{
			blackboard.DimStatus: blackboard.StatusInProgress,
		})
		require.NoError(t, err)

		_, err = coord.ProcessTask(ctx, task.ID)
		assert.Error(t, err)
	})

	t.Run("non-task item is rejected", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)
		goal, err := bb.CreateGoal(ctx, "not a task", "", nil)
		require.NoError(t, err)

		_, err = coord.ProcessTask(ctx, goal.ID)
		assert.True(t, blackboard.IsValidation(err))
	})

	t.Run("missing task", func(t *testing.T) {
		coord, _, _ := setupCoordinator(t)
		_, err := coord.ProcessTask(ctx, "11111111-1111-4111-8111-111111111111")
		assert.True(t, blackboard.IsNotFound(err))
	})
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short answer", summarize("short answer"))
	assert.Equal(t, "first", summarize("  first\nrest\n"))
	assert.Equal(t, "(empty)", summarize("  \n  "))

	long := strings.Repeat("0123456789", 20)
	assert.Len(t, summarize(long), 140)

	t.Run("never splits a multi-byte rune", func(t *testing.T) {
		// 60 three-byte runes (180 bytes); a 140-byte cut would land mid-rune.
		wide := strings.Repeat("語", 60)
		got := summarize(wide)
		assert.True(t, utf8.ValidString(got))
		assert.Len(t, got, 138)
	})
}
