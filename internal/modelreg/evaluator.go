package modelreg

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dyluth/rookery/pkg/blackboard"
)

// Evaluator turns recent judgements and run outcomes into fresh model scores
// and folds them into the stored estimates. It runs from the benchmark and
// metrics job handlers, never on the request path.
type Evaluator struct {
	bb       *blackboard.Client
	registry *Registry

	// Alpha is the EMA smoothing factor: new = alpha*observed + (1-alpha)*old.
	Alpha float64
	// Window bounds how far back judgements are considered.
	Window time.Duration
	// EventLimit bounds the run-outcome scan per model.
	EventLimit int
}

// DefaultAlpha keeps a single noisy observation from moving a score by more
// than a fifth.
const DefaultAlpha = 0.2

// NewEvaluator creates an evaluator with the default smoothing and a 24h
// judgement window.
func NewEvaluator(bb *blackboard.Client, registry *Registry) *Evaluator {
	return &Evaluator{
		bb:         bb,
		registry:   registry,
		Alpha:      DefaultAlpha,
		Window:     24 * time.Hour,
		EventLimit: 200,
	}
}

// Observation is a fresh evaluation of one model from recent evidence.
type Observation struct {
	ModelID      string
	Quality      float64 // mean judge rating in the window
	Reliability  float64 // successful runs / total runs
	AvgLatencyMs float64 // mean observed run duration

	JudgementCount int
	RunCount       int
}

// HasEvidence reports whether the observation is backed by any data at all.
func (o *Observation) HasEvidence() bool {
	return o.JudgementCount > 0 || o.RunCount > 0
}

// EvaluateModel computes an observation for one model from the trailing
// window of judgement items and run outcome events.
func (e *Evaluator) EvaluateModel(ctx context.Context, modelID string) (*Observation, error) {
	obs := &Observation{ModelID: modelID}

	judgements, err := e.bb.Query(ctx, blackboard.Query{
		Types:          []blackboard.ItemType{blackboard.ItemTypeJudgement},
		Dimensions:     map[string]string{blackboard.DimModelID: modelID},
		CreatedAfterMs: time.Now().Add(-e.Window).UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query judgements for %s: %w", modelID, err)
	}

	var ratingSum float64
	for _, j := range judgements {
		rating, err := strconv.ParseFloat(j.Dimensions[blackboard.DimRating], 64)
		if err != nil || rating < 0 || rating > 1 {
			continue // skip malformed ratings rather than poisoning the mean
		}
		ratingSum += rating
		obs.JudgementCount++
	}
	if obs.JudgementCount > 0 {
		obs.Quality = ratingSum / float64(obs.JudgementCount)
	}

	events, err := e.bb.RecentEventsByModel(ctx, modelID, e.EventLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan events for %s: %w", modelID, err)
	}

	var ok, latencySum float64
	var latencyCount int
	for _, ev := range events {
		switch ev.Type {
		case blackboard.EventAgentRunCompleted:
			obs.RunCount++
			ok++
		case blackboard.EventAgentRunFailed:
			obs.RunCount++
		default:
			continue
		}
		if d := ev.Data["duration_ms"]; d != "" {
			if ms, err := strconv.ParseFloat(d, 64); err == nil && ms >= 0 {
				latencySum += ms
				latencyCount++
			}
		}
	}
	if obs.RunCount > 0 {
		obs.Reliability = ok / float64(obs.RunCount)
	}
	if latencyCount > 0 {
		obs.AvgLatencyMs = latencySum / float64(latencyCount)
	}

	return obs, nil
}

// UpdateModelScores folds an observation into the stored config with an
// exponential moving average and persists the result. Score components with no
// evidence behind them are left untouched.
func (e *Evaluator) UpdateModelScores(ctx context.Context, obs *Observation) error {
	if !obs.HasEvidence() {
		return nil
	}
	m, err := e.registry.Get(obs.ModelID)
	if err != nil {
		return err
	}

	if obs.JudgementCount > 0 {
		m.QualityScore = e.ema(obs.Quality, m.QualityScore)
	}
	if obs.RunCount > 0 {
		m.ReliabilityScore = e.ema(obs.Reliability, m.ReliabilityScore)
	}
	if obs.AvgLatencyMs > 0 {
		if m.AvgLatencyMs == 0 {
			m.AvgLatencyMs = obs.AvgLatencyMs
		} else {
			m.AvgLatencyMs = e.ema(obs.AvgLatencyMs, m.AvgLatencyMs)
		}
	}
	m.LastBenchmarkedAtMs = time.Now().UnixMilli()

	if err := e.registry.Put(ctx, m); err != nil {
		return err
	}

	e.appendScoresEvent(ctx, m, obs)
	return nil
}

// EvaluateAndUpdate is the single-model form used by the benchmark handler.
func (e *Evaluator) EvaluateAndUpdate(ctx context.Context, modelID string) error {
	obs, err := e.EvaluateModel(ctx, modelID)
	if err != nil {
		return err
	}
	return e.UpdateModelScores(ctx, obs)
}

// EvaluateAll computes observations for every registered model.
func (e *Evaluator) EvaluateAll(ctx context.Context) ([]*Observation, error) {
	models := e.registry.List(Filter{})
	out := make([]*Observation, 0, len(models))
	for _, m := range models {
		obs, err := e.EvaluateModel(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, nil
}

// UpdateAll evaluates and updates every registered model. Used by the
// update_metrics job handler.
func (e *Evaluator) UpdateAll(ctx context.Context) error {
	observations, err := e.EvaluateAll(ctx)
	if err != nil {
		return err
	}
	for _, obs := range observations {
		if err := e.UpdateModelScores(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) ema(observed, previous float64) float64 {
	return e.Alpha*observed + (1-e.Alpha)*previous
}

func (e *Evaluator) appendScoresEvent(ctx context.Context, m *ModelConfig, obs *Observation) {
	_ = e.bb.AppendEvent(ctx, &blackboard.Event{
		Type:    blackboard.EventModelScoresUpdate,
		ModelID: m.ID,
		Data: map[string]string{
			"quality":     strconv.FormatFloat(m.QualityScore, 'f', 4, 64),
			"reliability": strconv.FormatFloat(m.ReliabilityScore, 'f', 4, 64),
			"latency_ms":  strconv.FormatFloat(m.AvgLatencyMs, 'f', 1, 64),
			"judgements":  strconv.Itoa(obs.JudgementCount),
			"runs":        strconv.Itoa(obs.RunCount),
		},
	})
}
