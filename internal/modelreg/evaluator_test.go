package modelreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/pkg/blackboard"
)

func setupTestEvaluator(t *testing.T) (*Evaluator, *Registry, *blackboard.Client) {
	reg, bb := setupTestRegistry(t)
	return NewEvaluator(bb, reg), reg, bb
}

func recordJudgement(t *testing.T, bb *blackboard.Client, modelID, rating string) {
	t.Helper()
	ctx := context.Background()
	goal, err := bb.CreateGoal(ctx, "judged goal", "", nil)
	require.NoError(t, err)
	out, err := bb.CreateAgentOutput(ctx, "an answer", goal.ID, "responder", modelID, nil)
	require.NoError(t, err)
	_, err = bb.CreateJudgement(ctx, "verdict", out.ID, modelID, rating)
	require.NoError(t, err)
}

func recordRun(t *testing.T, bb *blackboard.Client, modelID string, ok bool, durationMs string) {
	t.Helper()
	typ := blackboard.EventAgentRunCompleted
	if !ok {
		typ = blackboard.EventAgentRunFailed
	}
	ev := &blackboard.Event{Type: typ, ModelID: modelID}
	if durationMs != "" {
		ev.Data = map[string]string{"duration_ms": durationMs}
	}
	require.NoError(t, bb.AppendEvent(context.Background(), ev))
}

func TestEvaluateModel(t *testing.T) {
	ctx := context.Background()

	t.Run("quality is the mean judge rating", func(t *testing.T) {
		ev, _, bb := setupTestEvaluator(t)
		recordJudgement(t, bb, "m1", "0.8")
		recordJudgement(t, bb, "m1", "0.6")
		recordJudgement(t, bb, "other-model", "0.1")

		obs, err := ev.EvaluateModel(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 2, obs.JudgementCount)
		assert.InDelta(t, 0.7, obs.Quality, 1e-9)
	})

	t.Run("malformed ratings are skipped", func(t *testing.T) {
		ev, _, bb := setupTestEvaluator(t)
		recordJudgement(t, bb, "m1", "0.5")
		recordJudgement(t, bb, "m1", "excellent")
		recordJudgement(t, bb, "m1", "7.0")

		obs, err := ev.EvaluateModel(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 1, obs.JudgementCount)
		assert.InDelta(t, 0.5, obs.Quality, 1e-9)
	})

	t.Run("reliability and latency come from run events", func(t *testing.T) {
		ev, _, bb := setupTestEvaluator(t)
		recordRun(t, bb, "m1", true, "100")
		recordRun(t, bb, "m1", true, "300")
		recordRun(t, bb, "m1", false, "")
		recordRun(t, bb, "m2", false, "900")

		obs, err := ev.EvaluateModel(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 3, obs.RunCount)
		assert.InDelta(t, 2.0/3.0, obs.Reliability, 1e-9)
		assert.InDelta(t, 200, obs.AvgLatencyMs, 1e-9)
	})

	t.Run("no evidence", func(t *testing.T) {
		ev, _, _ := setupTestEvaluator(t)
		obs, err := ev.EvaluateModel(ctx, "silent")
		require.NoError(t, err)
		assert.False(t, obs.HasEvidence())
	})
}

func TestUpdateModelScores(t *testing.T) {
	ctx := context.Background()

	t.Run("folds observation with EMA", func(t *testing.T) {
		ev, reg, bb := setupTestEvaluator(t)
		m := testModel("m1")
		m.QualityScore = 0.5
		m.ReliabilityScore = 0.5
		require.NoError(t, reg.Put(ctx, m))

		recordJudgement(t, bb, "m1", "1.0")
		recordRun(t, bb, "m1", true, "1000")

		require.NoError(t, ev.EvaluateAndUpdate(ctx, "m1"))

		got, err := reg.Get("m1")
		require.NoError(t, err)
		// new = 0.2*observed + 0.8*previous
		assert.InDelta(t, 0.2*1.0+0.8*0.5, got.QualityScore, 1e-9)
		assert.InDelta(t, 0.2*1.0+0.8*0.5, got.ReliabilityScore, 1e-9)
		assert.InDelta(t, 0.2*1000+0.8*500, got.AvgLatencyMs, 1e-9)
		assert.NotZero(t, got.LastBenchmarkedAtMs)
	})

	t.Run("no evidence leaves scores untouched", func(t *testing.T) {
		ev, reg, _ := setupTestEvaluator(t)
		m := testModel("m1")
		require.NoError(t, reg.Put(ctx, m))

		require.NoError(t, ev.EvaluateAndUpdate(ctx, "m1"))

		got, err := reg.Get("m1")
		require.NoError(t, err)
		assert.Equal(t, m.QualityScore, got.QualityScore)
		assert.Zero(t, got.LastBenchmarkedAtMs)
	})

	t.Run("partial evidence updates only its component", func(t *testing.T) {
		ev, reg, bb := setupTestEvaluator(t)
		m := testModel("m1")
		m.QualityScore = 0.5
		m.ReliabilityScore = 0.9
		require.NoError(t, reg.Put(ctx, m))

		// Judgements only; no run events.
		recordJudgement(t, bb, "m1", "0.9")
		require.NoError(t, ev.EvaluateAndUpdate(ctx, "m1"))

		got, err := reg.Get("m1")
		require.NoError(t, err)
		assert.InDelta(t, 0.2*0.9+0.8*0.5, got.QualityScore, 1e-9)
		assert.Equal(t, 0.9, got.ReliabilityScore)
	})

	t.Run("emits a scores update event", func(t *testing.T) {
		ev, reg, bb := setupTestEvaluator(t)
		require.NoError(t, reg.Put(ctx, testModel("m1")))
		recordJudgement(t, bb, "m1", "0.9")

		require.NoError(t, ev.EvaluateAndUpdate(ctx, "m1"))

		events, err := bb.RecentEvents(ctx, 5)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, blackboard.EventModelScoresUpdate, events[0].Type)
		assert.Equal(t, "m1", events[0].ModelID)
	})
}

func TestUpdateAll(t *testing.T) {
	ctx := context.Background()
	ev, reg, bb := setupTestEvaluator(t)

	a := testModel("m-a")
	a.QualityScore = 0.5
	b := testModel("m-b")
	b.QualityScore = 0.5
	require.NoError(t, reg.Put(ctx, a))
	require.NoError(t, reg.Put(ctx, b))

	recordJudgement(t, bb, "m-a", "1.0")

	require.NoError(t, ev.UpdateAll(ctx))

	gotA, err := reg.Get("m-a")
	require.NoError(t, err)
	assert.Greater(t, gotA.QualityScore, 0.5)

	gotB, err := reg.Get("m-b")
	require.NoError(t, err)
	assert.Equal(t, 0.5, gotB.QualityScore)
}
