package modelreg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T, models ...*ModelConfig) *Router {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()
	for _, m := range models {
		require.NoError(t, reg.Put(ctx, m))
	}
	return NewRouter(reg, Weights{})
}

func TestSelectModel(t *testing.T) {
	t.Run("quality is monotonic", func(t *testing.T) {
		// Identical configs except quality: the higher one must win.
		a := testModel("model-a")
		a.QualityScore = 0.9
		b := testModel("model-b")
		b.QualityScore = 0.7

		router := setupTestRouter(t, a, b)
		got, err := router.SelectModel(SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "model-a", got.ID)
	})

	t.Run("ties break by id", func(t *testing.T) {
		a := testModel("zeta")
		b := testModel("alpha")
		router := setupTestRouter(t, a, b)

		got, err := router.SelectModel(SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.ID)
	})

	t.Run("min quality is a hard constraint", func(t *testing.T) {
		a := testModel("great")
		a.QualityScore = 0.95
		b := testModel("cheap")
		b.QualityScore = 0.4
		b.CostPer1KTokens = 0.0001

		router := setupTestRouter(t, a, b)
		got, err := router.SelectModel(SelectOptions{MinQuality: 0.5})
		require.NoError(t, err)
		assert.Equal(t, "great", got.ID)
	})

	t.Run("max cost is a hard constraint", func(t *testing.T) {
		a := testModel("pricey")
		a.CostPer1KTokens = 0.5
		b := testModel("budget")
		b.CostPer1KTokens = 0.001
		b.QualityScore = 0.1

		router := setupTestRouter(t, a, b)
		got, err := router.SelectModel(SelectOptions{MaxCost: 0.01})
		require.NoError(t, err)
		assert.Equal(t, "budget", got.ID)
	})

	t.Run("excluded ids never win", func(t *testing.T) {
		a := testModel("best")
		a.QualityScore = 1.0
		b := testModel("second")
		b.QualityScore = 0.5

		router := setupTestRouter(t, a, b)
		got, err := router.SelectModel(SelectOptions{ExcludeIDs: []string{"best"}})
		require.NoError(t, err)
		assert.Equal(t, "second", got.ID)
	})

	t.Run("disabled models never win", func(t *testing.T) {
		a := testModel("disabled")
		a.QualityScore = 1.0
		a.IsEnabled = false
		b := testModel("enabled")
		b.QualityScore = 0.5

		router := setupTestRouter(t, a, b)
		got, err := router.SelectModel(SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "enabled", got.ID)
	})

	t.Run("prefer local tips a close race", func(t *testing.T) {
		remote := testModel("remote")
		remote.QualityScore = 0.82
		local := testModel("local-llama")
		local.Provider = "ollama"
		local.QualityScore = 0.8

		router := setupTestRouter(t, remote, local)

		got, err := router.SelectModel(SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "remote", got.ID)

		got, err = router.SelectModel(SelectOptions{PreferLocal: true})
		require.NoError(t, err)
		assert.Equal(t, "local-llama", got.ID)
	})

	t.Run("modality filter", func(t *testing.T) {
		text := testModel("text-only")
		vision := testModel("vision")
		vision.Modalities = []string{"text", "vision"}

		router := setupTestRouter(t, text, vision)
		got, err := router.SelectModel(SelectOptions{Modality: "vision"})
		require.NoError(t, err)
		assert.Equal(t, "vision", got.ID)
	})

	t.Run("no survivors is an error", func(t *testing.T) {
		router := setupTestRouter(t, testModel("only"))
		_, err := router.SelectModel(SelectOptions{MinQuality: 0.99})
		assert.Error(t, err)
	})
}

func TestPreferredModels(t *testing.T) {
	newRouter := func(t *testing.T) *Router {
		a := testModel("best-scorer")
		a.QualityScore = 0.95
		b := testModel("pinned")
		b.QualityScore = 0.5
		c := testModel("also-pinned")
		c.QualityScore = 0.4
		return setupTestRouter(t, a, b, c)
	}

	t.Run("preferred outranks a better scorer", func(t *testing.T) {
		router := newRouter(t)
		got, err := router.SelectModel(SelectOptions{Preferred: []string{"pinned"}})
		require.NoError(t, err)
		assert.Equal(t, "pinned", got.ID)
	})

	t.Run("preference order wins over scores", func(t *testing.T) {
		router := newRouter(t)
		got, err := router.SelectModels(3, SelectOptions{Preferred: []string{"also-pinned", "pinned"}})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "also-pinned", got[0].ID)
		assert.Equal(t, "pinned", got[1].ID)
		assert.Equal(t, "best-scorer", got[2].ID)
	})

	t.Run("constraints still filter preferred models", func(t *testing.T) {
		router := newRouter(t)
		got, err := router.SelectModel(SelectOptions{Preferred: []string{"pinned"}, MinQuality: 0.6})
		require.NoError(t, err)
		assert.Equal(t, "best-scorer", got.ID)
	})

	t.Run("unknown preferred ids are ignored", func(t *testing.T) {
		router := newRouter(t)
		got, err := router.SelectModel(SelectOptions{Preferred: []string{"no-such-model"}})
		require.NoError(t, err)
		assert.Equal(t, "best-scorer", got.ID)
	})
}

func TestSelectModels(t *testing.T) {
	a := testModel("a")
	a.QualityScore = 0.9
	b := testModel("b")
	b.QualityScore = 0.8
	c := testModel("c")
	c.QualityScore = 0.7

	router := setupTestRouter(t, a, b, c)

	t.Run("returns top n best first", func(t *testing.T) {
		got, err := router.SelectModels(2, SelectOptions{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("n larger than pool returns the pool", func(t *testing.T) {
		got, err := router.SelectModels(10, SelectOptions{})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("rejects non-positive n", func(t *testing.T) {
		_, err := router.SelectModels(0, SelectOptions{})
		assert.Error(t, err)
	})
}

func TestSelectWithFallback(t *testing.T) {
	ctx := context.Background()

	newChainRouter := func(t *testing.T) *Router {
		a := testModel("primary")
		a.QualityScore = 0.9
		b := testModel("backup")
		b.QualityScore = 0.5
		c := testModel("last-resort")
		c.QualityScore = 0.3
		return setupTestRouter(t, a, b, c)
	}

	t.Run("primary success needs no fallback", func(t *testing.T) {
		router := newChainRouter(t)
		m, attempts, err := router.SelectWithFallback(ctx, SelectOptions{}, nil,
			func(ctx context.Context, m *ModelConfig) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, "primary", m.ID)
		require.Len(t, attempts, 1)
		assert.NoError(t, attempts[0].Err)
	})

	t.Run("advances through chain and records attempts", func(t *testing.T) {
		router := newChainRouter(t)
		chain := []Fallback{{ModelID: "backup"}, {ModelID: "last-resort"}}

		m, attempts, err := router.SelectWithFallback(ctx, SelectOptions{}, chain,
			func(ctx context.Context, m *ModelConfig) error {
				if m.ID == "last-resort" {
					return nil
				}
				return errors.New("provider down")
			})
		require.NoError(t, err)
		assert.Equal(t, "last-resort", m.ID)
		require.Len(t, attempts, 3)
		assert.Equal(t, "primary", attempts[0].ModelID)
		assert.Error(t, attempts[0].Err)
		assert.Equal(t, "backup", attempts[1].ModelID)
		assert.Error(t, attempts[1].Err)
		assert.Equal(t, "last-resort", attempts[2].ModelID)
		assert.NoError(t, attempts[2].Err)
	})

	t.Run("exhausted chain aggregates every candidate", func(t *testing.T) {
		router := newChainRouter(t)
		chain := []Fallback{{ModelID: "backup"}, {ModelID: "last-resort"}}

		_, attempts, err := router.SelectWithFallback(ctx, SelectOptions{}, chain,
			func(ctx context.Context, m *ModelConfig) error { return errors.New("boom") })
		require.Error(t, err)
		assert.Len(t, attempts, 3)

		var fe *FallbackError
		require.True(t, errors.As(err, &fe))
		assert.Len(t, fe.Attempts, 3)
		assert.Contains(t, err.Error(), "primary")
		assert.Contains(t, err.Error(), "backup")
		assert.Contains(t, err.Error(), "last-resort")
	})

	t.Run("fallback by fresh options", func(t *testing.T) {
		router := newChainRouter(t)
		chain := []Fallback{{Options: &SelectOptions{ExcludeIDs: []string{"primary"}}}}

		m, _, err := router.SelectWithFallback(ctx, SelectOptions{}, chain,
			func(ctx context.Context, m *ModelConfig) error {
				if m.ID == "primary" {
					return errors.New("nope")
				}
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, "backup", m.ID)
	})

	t.Run("duplicate candidates are tried once", func(t *testing.T) {
		router := newChainRouter(t)
		chain := []Fallback{{ModelID: "primary"}, {ModelID: "backup"}}

		calls := 0
		_, attempts, err := router.SelectWithFallback(ctx, SelectOptions{}, chain,
			func(ctx context.Context, m *ModelConfig) error {
				calls++
				return errors.New("boom")
			})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Len(t, attempts, 2)
	})

	t.Run("context cancellation stops the chain", func(t *testing.T) {
		router := newChainRouter(t)
		cctx, cancel := context.WithCancel(ctx)
		chain := []Fallback{{ModelID: "backup"}}

		_, _, err := router.SelectWithFallback(cctx, SelectOptions{}, chain,
			func(ctx context.Context, m *ModelConfig) error {
				cancel()
				return errors.New("interrupted")
			})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
