package modelreg

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Scoring weights for the router's composite rank. They sum to 1 so scores
// stay comparable across candidate sets; the local bonus sits on top.
type Weights struct {
	Quality     float64
	Reliability float64
	Latency     float64
	Cost        float64
	LocalBonus  float64
}

// DefaultWeights favour quality and reliability over speed and price.
func DefaultWeights() Weights {
	return Weights{
		Quality:     0.4,
		Reliability: 0.3,
		Latency:     0.15,
		Cost:        0.15,
		LocalBonus:  0.1,
	}
}

// SelectOptions filter and bias a model selection.
type SelectOptions struct {
	// Hard constraints.
	MinQuality float64
	MaxCost    float64 // 0 = unbounded
	ExcludeIDs []string
	Modality   string

	// PreferLocal adds a fixed bonus to locally-hosted models.
	PreferLocal bool

	// Preferred ranks the named models ahead of every other survivor, in the
	// order given. The hard constraints still apply; ids that don't survive
	// them (or don't exist) are ignored. Typically loaded from an agent's
	// stored model preferences.
	Preferred []string
}

// Router ranks registry models by a weighted composite score. It is stateless
// over the registry snapshot, so it is safe for concurrent use.
type Router struct {
	registry *Registry
	weights  Weights
}

// NewRouter creates a router. Zero weights fall back to the defaults.
func NewRouter(registry *Registry, weights Weights) *Router {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Router{registry: registry, weights: weights}
}

// SelectModel returns the best enabled model matching the options.
func (r *Router) SelectModel(opts SelectOptions) (*ModelConfig, error) {
	ranked := r.rank(opts)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no model satisfies the selection constraints")
	}
	return ranked[0], nil
}

// SelectModels returns the top n distinct models for ensemble use.
func (r *Router) SelectModels(n int, opts SelectOptions) ([]*ModelConfig, error) {
	if n <= 0 {
		return nil, fmt.Errorf("n must be positive")
	}
	ranked := r.rank(opts)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no model satisfies the selection constraints")
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n], nil
}

// Fallback is one step in a fallback chain: either an explicit model id or a
// fresh option set to select from.
type Fallback struct {
	ModelID string
	Options *SelectOptions
}

// Attempt records one candidate tried by SelectWithFallback.
type Attempt struct {
	ModelID string
	Err     error
}

// FallbackError aggregates every failed candidate of an exhausted chain.
type FallbackError struct {
	Attempts []Attempt
}

func (e *FallbackError) Error() string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = fmt.Sprintf("%s (%v)", a.ModelID, a.Err)
	}
	return fmt.Sprintf("all %d model candidates failed: %s", len(e.Attempts), strings.Join(names, "; "))
}

// SelectWithFallback selects the primary model and runs exec against it; on
// failure it advances through the chain in order. Returns the model that
// succeeded and every attempt made. When all candidates fail the error is a
// *FallbackError naming each one.
func (r *Router) SelectWithFallback(ctx context.Context, primary SelectOptions, chain []Fallback, exec func(context.Context, *ModelConfig) error) (*ModelConfig, []Attempt, error) {
	var attempts []Attempt
	tried := make(map[string]bool)

	try := func(m *ModelConfig) (bool, error) {
		if tried[m.ID] {
			return false, nil
		}
		tried[m.ID] = true
		if err := exec(ctx, m); err != nil {
			attempts = append(attempts, Attempt{ModelID: m.ID, Err: err})
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		attempts = append(attempts, Attempt{ModelID: m.ID})
		return true, nil
	}

	if m, err := r.SelectModel(primary); err == nil {
		ok, ctxErr := try(m)
		if ctxErr != nil {
			return nil, attempts, ctxErr
		}
		if ok {
			return m, attempts, nil
		}
	}

	for _, fb := range chain {
		var m *ModelConfig
		var err error
		switch {
		case fb.ModelID != "":
			m, err = r.registry.Get(fb.ModelID)
		case fb.Options != nil:
			m, err = r.SelectModel(*fb.Options)
		default:
			continue
		}
		if err != nil {
			attempts = append(attempts, Attempt{ModelID: fb.ModelID, Err: err})
			continue
		}
		ok, ctxErr := try(m)
		if ctxErr != nil {
			return nil, attempts, ctxErr
		}
		if ok {
			return m, attempts, nil
		}
	}

	return nil, attempts, &FallbackError{Attempts: attempts}
}

// rank returns the surviving candidates best first, ties broken by id so the
// order is deterministic.
func (r *Router) rank(opts SelectOptions) []*ModelConfig {
	excluded := make(map[string]bool, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = true
	}

	var survivors []*ModelConfig
	for _, m := range r.registry.List(Filter{EnabledOnly: true, Modality: opts.Modality}) {
		if excluded[m.ID] {
			continue
		}
		if m.QualityScore < opts.MinQuality {
			continue
		}
		if opts.MaxCost > 0 && m.CostPer1KTokens > opts.MaxCost {
			continue
		}
		survivors = append(survivors, m)
	}
	if len(survivors) == 0 {
		return nil
	}

	// Latency and cost are normalised against the fastest/cheapest survivor,
	// keeping each reciprocal term in (0,1].
	minLat, minCost := survivors[0].AvgLatencyMs, survivors[0].CostPer1KTokens
	for _, m := range survivors[1:] {
		if m.AvgLatencyMs < minLat {
			minLat = m.AvgLatencyMs
		}
		if m.CostPer1KTokens < minCost {
			minCost = m.CostPer1KTokens
		}
	}

	scores := make(map[string]float64, len(survivors))
	for _, m := range survivors {
		scores[m.ID] = r.score(m, minLat, minCost, opts.PreferLocal)
	}

	prefPos := make(map[string]int, len(opts.Preferred))
	for i, id := range opts.Preferred {
		if _, ok := prefPos[id]; !ok {
			prefPos[id] = i
		}
	}

	sort.Slice(survivors, func(a, b int) bool {
		pa, aPref := prefPos[survivors[a].ID]
		pb, bPref := prefPos[survivors[b].ID]
		if aPref != bPref {
			return aPref
		}
		if aPref && pa != pb {
			return pa < pb
		}
		sa, sb := scores[survivors[a].ID], scores[survivors[b].ID]
		if sa == sb {
			return survivors[a].ID < survivors[b].ID
		}
		return sa > sb
	})
	return survivors
}

func (r *Router) score(m *ModelConfig, minLat, minCost float64, preferLocal bool) float64 {
	latTerm := 1.0
	if m.AvgLatencyMs > 0 && minLat > 0 {
		latTerm = minLat / m.AvgLatencyMs
	}
	costTerm := 1.0
	if m.CostPer1KTokens > 0 && minCost > 0 {
		costTerm = minCost / m.CostPer1KTokens
	} else if m.CostPer1KTokens > 0 && minCost == 0 {
		costTerm = 0 // a free survivor exists, paid models lose the whole term
	}

	score := r.weights.Quality*m.QualityScore +
		r.weights.Reliability*m.ReliabilityScore +
		r.weights.Latency*latTerm +
		r.weights.Cost*costTerm
	if preferLocal && m.IsLocal() {
		score += r.weights.LocalBonus
	}
	return score
}
