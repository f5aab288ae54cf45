package orchestrator

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/pkg/blackboard"
)

func drain(t *testing.T, s *RequestStream) string {
	t.Helper()
	var sb strings.Builder
	for {
		tok, err := s.Recv()
		if err == io.EOF {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(tok)
	}
}

func TestHandleUserRequestStream(t *testing.T) {
	ctx := context.Background()

	t.Run("completed stream records the full output", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)

		stream, err := coord.HandleUserRequestStream(ctx, "stream this back", nil)
		require.NoError(t, err)
		text := drain(t, stream)
		assert.Equal(t, "echo: stream this back", text)

		outputID := stream.OutputID()
		require.NotEmpty(t, outputID)
		output, err := bb.Get(ctx, outputID)
		require.NoError(t, err)
		assert.Empty(t, output.Dimensions[blackboard.DimPartial])

		goal, err := bb.Get(ctx, stream.GoalID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.StatusDone, goal.Dimensions[blackboard.DimStatus])
	})

	t.Run("consumer cancellation records a partial output and cancels the goal", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)
		cctx, cancel := context.WithCancel(ctx)

		stream, err := coord.HandleUserRequestStream(cctx, "one two three four five", nil)
		require.NoError(t, err)

		// Take a couple of tokens, then walk away.
		tok, err := stream.Recv()
		require.NoError(t, err)
		assert.NotEmpty(t, tok)
		_, err = stream.Recv()
		require.NoError(t, err)

		cancel()
		_, err = stream.Recv()
		assert.ErrorIs(t, err, context.Canceled)

		outputID := stream.OutputID()
		require.NotEmpty(t, outputID)
		output, err := bb.Get(ctx, outputID)
		require.NoError(t, err)
		assert.Equal(t, "true", output.Dimensions[blackboard.DimPartial])

		goal, err := bb.Get(ctx, stream.GoalID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.StatusCancelled, goal.Dimensions[blackboard.DimStatus])

		events, err := bb.RecentEvents(ctx, 10)
		require.NoError(t, err)
		types := make([]string, len(events))
		for i, ev := range events {
			types[i] = ev.Type
		}
		assert.Contains(t, types, blackboard.EventStreamCancelled)
	})

	t.Run("close before EOF behaves like cancellation", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)

		stream, err := coord.HandleUserRequestStream(ctx, "never fully read", nil)
		require.NoError(t, err)

		_, err = stream.Recv()
		require.NoError(t, err)
		require.NoError(t, stream.Close())

		goal, err := bb.Get(ctx, stream.GoalID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.StatusCancelled, goal.Dimensions[blackboard.DimStatus])
	})

	t.Run("close after EOF is a no-op", func(t *testing.T) {
		coord, bb, _ := setupCoordinator(t)

		stream, err := coord.HandleUserRequestStream(ctx, "fully read", nil)
		require.NoError(t, err)
		drain(t, stream)
		require.NoError(t, stream.Close())

		// Still recorded as completed, not partial.
		goal, err := bb.Get(ctx, stream.GoalID)
		require.NoError(t, err)
		assert.Equal(t, blackboard.StatusDone, goal.Dimensions[blackboard.DimStatus])

		output, err := bb.Get(ctx, stream.OutputID())
		require.NoError(t, err)
		assert.Empty(t, output.Dimensions[blackboard.DimPartial])
	})

	t.Run("stream establishment failure cancels the goal", func(t *testing.T) {
		failing := &echoAgent{name: DefaultAgent, err: io.ErrUnexpectedEOF}
		coord, bb, _ := setupCoordinator(t, failing)

		_, err := coord.HandleUserRequestStream(ctx, "no stream for you", nil)
		require.Error(t, err)

		goals, err := bb.Query(ctx, blackboard.Query{Types: []blackboard.ItemType{blackboard.ItemTypeGoal}})
		require.NoError(t, err)
		require.Len(t, goals, 1)
		assert.Equal(t, blackboard.StatusCancelled, goals[0].Dimensions[blackboard.DimStatus])
	})
}
