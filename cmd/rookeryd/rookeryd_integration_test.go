//go:build integration

package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/orchestrator"
	"github.com/dyluth/rookery/internal/provider"
	"github.com/dyluth/rookery/internal/queue"
	"github.com/dyluth/rookery/internal/scheduler"
	"github.com/dyluth/rookery/pkg/blackboard"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func setupStack(t *testing.T, addr string) (*orchestrator.Coordinator, *blackboard.Client, *queue.Queue) {
	ctx := context.Background()

	bb, err := blackboard.NewClient(&redis.Options{Addr: addr}, "integration-test")
	require.NoError(t, err)
	t.Cleanup(func() { bb.Close() })
	require.NoError(t, bb.Ping(ctx))

	q := queue.New(bb, queue.Options{})

	models, err := modelreg.NewRegistry(ctx, bb)
	require.NoError(t, err)
	require.NoError(t, models.Put(ctx, &modelreg.ModelConfig{
		ID: "mock-1", Provider: "mock",
		QualityScore: 0.8, ReliabilityScore: 0.9, IsEnabled: true,
	}))

	router := modelreg.NewRouter(models, modelreg.Weights{})
	agents := agent.NewRegistry()
	agents.Register(agent.NewResponder(router, nil))

	return orchestrator.New(bb, q, agents), bb, q
}

// TestEndToEnd_UserRequest drives the synchronous request path against a real
// Redis: request in, goal and output on the blackboard, audit events recorded.
func TestEndToEnd_UserRequest(t *testing.T) {
	addr := setupRedis(t)
	coord, bb, _ := setupStack(t, addr)
	ctx := context.Background()

	resp, err := coord.HandleUserRequest(ctx, "hello out there", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello out there", resp.Text)

	goal, err := bb.Get(ctx, resp.GoalID)
	require.NoError(t, err)
	assert.Equal(t, blackboard.StatusDone, goal.Dimensions[blackboard.DimStatus])

	output, err := bb.Get(ctx, resp.OutputID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"echo: hello out there"}`, string(output.Detail))
}

// TestEndToEnd_ScheduledTask enqueues a task job and lets a live scheduler
// claim and execute it.
func TestEndToEnd_ScheduledTask(t *testing.T) {
	addr := setupRedis(t)
	coord, bb, q := setupStack(t, addr)
	ctx := context.Background()

	models, err := modelreg.NewRegistry(ctx, bb)
	require.NoError(t, err)
	evaluator := modelreg.NewEvaluator(bb, models)

	agents := agent.NewRegistry()
	agents.Register(&scriptedIntegrationAgent{})

	handlers := scheduler.NewHandlers(scheduler.HandlerDeps{
		BB: bb, Queue: q, Agents: agents, Evaluator: evaluator, Dispatcher: coord,
	})
	sched, err := scheduler.New(q, handlers, scheduler.Options{
		Interval: 100 * time.Millisecond,
		WorkerID: "integration-worker",
	})
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	task, err := bb.CreateTask(ctx, "write a short summary", "", map[string]string{
		blackboard.DimAgentID: "scripted",
	})
	require.NoError(t, err)
	_, err = q.EnqueueRunAgent(ctx, task.ID, "scripted")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := bb.Get(ctx, task.ID)
		if err != nil {
			return false
		}
		return got.Dimensions[blackboard.DimStatus] == blackboard.StatusDone
	}, 10*time.Second, 200*time.Millisecond, "task never completed")

	outputs, err := bb.Query(ctx, blackboard.Query{
		Types:    []blackboard.ItemType{blackboard.ItemTypeAgentOutput},
		LinkedTo: task.ID,
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `{"text":"summary done"}`, string(outputs[0].Detail))
}

type scriptedIntegrationAgent struct{}

func (a *scriptedIntegrationAgent) Name() string           { return "scripted" }
func (a *scriptedIntegrationAgent) Capabilities() []string { return []string{"summarise"} }

func (a *scriptedIntegrationAgent) Execute(ctx context.Context, ac agent.Context) (*agent.Output, error) {
	return &agent.Output{Text: "summary done", ModelID: "mock-1"}, nil
}

func (a *scriptedIntegrationAgent) ExecuteStream(ctx context.Context, ac agent.Context) (*agent.Stream, error) {
	mock := &provider.Mock{Reply: "summary done"}
	ps, err := mock.GenerateStream(ctx, nil, provider.Options{})
	if err != nil {
		return nil, err
	}
	return agent.NewStream("mock-1", ps), nil
}
