package blackboard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEvent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("appends and assigns stream id", func(t *testing.T) {
		ev := &Event{
			Type:    EventGoalCreated,
			ItemID:  "item-1",
			AgentID: "responder",
			Data:    map[string]string{"priority": PriorityHigh},
		}
		require.NoError(t, client.AppendEvent(ctx, ev))
		assert.NotEmpty(t, ev.ID)
		assert.NotZero(t, ev.CreatedAtMs)
	})

	t.Run("rejects empty type", func(t *testing.T) {
		err := client.AppendEvent(ctx, &Event{})
		assert.True(t, IsValidation(err))
	})
}

func TestRecentEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	for _, typ := range []string{EventRequestReceived, EventGoalCreated, EventJobEnqueued} {
		require.NoError(t, client.AppendEvent(ctx, &Event{Type: typ}))
	}

	t.Run("returns newest first", func(t *testing.T) {
		events, err := client.RecentEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, EventJobEnqueued, events[0].Type)
		assert.Equal(t, EventRequestReceived, events[2].Type)
	})

	t.Run("respects limit", func(t *testing.T) {
		events, err := client.RecentEvents(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("round-trips fields", func(t *testing.T) {
		ev := &Event{
			Type:    EventAgentRunCompleted,
			AgentID: "researcher",
			ModelID: "gpt-not-really",
			ItemID:  "item-9",
			JobID:   "job-9",
			Data:    map[string]string{"duration_ms": "1200"},
		}
		require.NoError(t, client.AppendEvent(ctx, ev))

		events, err := client.RecentEvents(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		got := events[0]
		assert.Equal(t, ev.Type, got.Type)
		assert.Equal(t, ev.AgentID, got.AgentID)
		assert.Equal(t, ev.ModelID, got.ModelID)
		assert.Equal(t, ev.ItemID, got.ItemID)
		assert.Equal(t, ev.JobID, got.JobID)
		assert.Equal(t, "1200", got.Data["duration_ms"])
		assert.Equal(t, ev.CreatedAtMs, got.CreatedAtMs)
	})
}

func TestRecentEventsByModel(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		model := "alpha"
		if i%2 == 1 {
			model = "beta"
		}
		require.NoError(t, client.AppendEvent(ctx, &Event{
			Type:    EventAgentRunCompleted,
			ModelID: model,
		}))
	}

	events, err := client.RecentEventsByModel(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "alpha", ev.ModelID)
	}

	events, err = client.RecentEventsByModel(ctx, "beta", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
