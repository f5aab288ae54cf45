package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/provider"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// mockAgent streams and generates via the mock provider.
type mockAgent struct {
	name string
	mock *provider.Mock
}

func (a *mockAgent) Name() string           { return a.name }
func (a *mockAgent) Capabilities() []string { return []string{"respond"} }
func (a *mockAgent) Execute(ctx context.Context, ac agent.Context) (*agent.Output, error) {
	res, err := a.mock.Generate(ctx, []provider.Message{{Role: "user", Content: ac.Message}}, provider.Options{})
	if err != nil {
		return nil, err
	}
	return &agent.Output{Text: res.Text, ModelID: "mock-model"}, nil
}
func (a *mockAgent) ExecuteStream(ctx context.Context, ac agent.Context) (*agent.Stream, error) {
	ps, err := a.mock.GenerateStream(ctx, []provider.Message{{Role: "user", Content: ac.Message}}, provider.Options{})
	if err != nil {
		return nil, err
	}
	return agent.NewStream("mock-model", ps), nil
}

type fixture struct {
	mr      *miniredis.Miniredis
	bb      *blackboard.Client
	queue   *queue.Queue
	models  *modelreg.Registry
	agents  *agent.Registry
	checker *Checker
}

func setup(t *testing.T) *fixture {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	bb, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { bb.Close() })

	q := queue.New(bb, queue.Options{})
	models, err := modelreg.NewRegistry(context.Background(), bb)
	require.NoError(t, err)
	agents := agent.NewRegistry()

	return &fixture{
		mr:      mr,
		bb:      bb,
		queue:   q,
		models:  models,
		agents:  agents,
		checker: NewChecker(bb, q, models, agents),
	}
}

func (f *fixture) enableModel(t *testing.T) {
	require.NoError(t, f.models.Put(context.Background(), &modelreg.ModelConfig{
		ID: "m1", Provider: "mock", QualityScore: 0.8, ReliabilityScore: 0.9, IsEnabled: true,
	}))
}

func TestChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy with models and agents", func(t *testing.T) {
		f := setup(t)
		f.enableModel(t)
		f.agents.Register(&mockAgent{name: "responder", mock: &provider.Mock{}})

		s := f.checker.Check(ctx)
		assert.Equal(t, StatusHealthy, s.Status)
		assert.Equal(t, "connected", s.Storage)
		assert.Equal(t, 1, s.EnabledModels)
		assert.Equal(t, 1, s.EnabledAgents)
	})

	t.Run("degraded without enabled models", func(t *testing.T) {
		f := setup(t)
		f.agents.Register(&mockAgent{name: "responder", mock: &provider.Mock{}})

		s := f.checker.Check(ctx)
		assert.Equal(t, StatusDegraded, s.Status)
	})

	t.Run("degraded without agents", func(t *testing.T) {
		f := setup(t)
		f.enableModel(t)

		s := f.checker.Check(ctx)
		assert.Equal(t, StatusDegraded, s.Status)
	})

	t.Run("unhealthy when storage is down", func(t *testing.T) {
		f := setup(t)
		f.mr.Close()

		s := f.checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, s.Status)
		assert.Equal(t, "disconnected", s.Storage)
		assert.NotEmpty(t, s.Error)
	})

	t.Run("job counts are included", func(t *testing.T) {
		f := setup(t)
		f.enableModel(t)
		f.agents.Register(&mockAgent{name: "responder", mock: &provider.Mock{}})

		require.NoError(t, f.queue.Enqueue(ctx, &queue.Job{Type: queue.TypeMaintenance}))
		require.NoError(t, f.queue.Enqueue(ctx, &queue.Job{Type: queue.TypeMaintenance}))

		s := f.checker.Check(ctx)
		assert.Equal(t, int64(2), s.PendingJobs)
		assert.Equal(t, int64(0), s.FailedJobs)
	})
}
