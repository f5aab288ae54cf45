package modelreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/rookery/pkg/blackboard"
	"github.com/redis/go-redis/v9"
)

// Registry holds the model catalogue. Durable state lives in Redis; reads are
// served from an in-memory snapshot so the router never touches storage on
// the request path. Refresh reloads the snapshot after external edits.
type Registry struct {
	bb  *blackboard.Client
	rdb *redis.Client

	mu     sync.RWMutex
	models map[string]*ModelConfig
}

// NewRegistry creates a registry and loads the current catalogue.
func NewRegistry(ctx context.Context, bb *blackboard.Client) (*Registry, error) {
	r := &Registry{
		bb:     bb,
		rdb:    bb.Redis(),
		models: make(map[string]*ModelConfig),
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads the snapshot from storage.
func (r *Registry) Refresh(ctx context.Context) error {
	instance := r.bb.InstanceName()
	ids, err := r.rdb.SMembers(ctx, modelsSetKey(instance)).Result()
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, modelKey(instance, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	fresh := make(map[string]*ModelConfig, len(cmds))
	for _, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		m, err := hashToModel(hash)
		if err != nil {
			return fmt.Errorf("failed to decode model: %w", err)
		}
		fresh[m.ID] = m
	}

	r.mu.Lock()
	r.models = fresh
	r.mu.Unlock()
	return nil
}

// Put stores a model config and updates the snapshot.
func (r *Registry) Put(ctx context.Context, m *ModelConfig) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid model config: %w", err)
	}
	hash, err := modelToHash(m)
	if err != nil {
		return err
	}

	instance := r.bb.InstanceName()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, modelKey(instance, m.ID), hash)
	pipe.SAdd(ctx, modelsSetKey(instance), m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store model %s: %w", m.ID, err)
	}

	clone := *m
	r.mu.Lock()
	r.models[m.ID] = &clone
	r.mu.Unlock()
	return nil
}

// Get returns a model by id from the snapshot. Returns an error wrapping
// redis.Nil when unknown.
func (r *Registry) Get(modelID string) (*ModelConfig, error) {
	r.mu.RLock()
	m, ok := r.models[modelID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %s: %w", modelID, redis.Nil)
	}
	clone := *m
	return &clone, nil
}

// Delete removes a model from storage and the snapshot. Returns whether it
// existed.
func (r *Registry) Delete(ctx context.Context, modelID string) (bool, error) {
	instance := r.bb.InstanceName()
	pipe := r.rdb.TxPipeline()
	delCmd := pipe.Del(ctx, modelKey(instance, modelID))
	pipe.SRem(ctx, modelsSetKey(instance), modelID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete model %s: %w", modelID, err)
	}

	r.mu.Lock()
	delete(r.models, modelID)
	r.mu.Unlock()
	return delCmd.Val() > 0, nil
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Provider    string
	Modality    string
	EnabledOnly bool
}

// List returns matching models ordered by id.
func (r *Registry) List(f Filter) []*ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		if f.Provider != "" && m.Provider != f.Provider {
			continue
		}
		if !m.HasModality(f.Modality) {
			continue
		}
		if f.EnabledOnly && !m.IsEnabled {
			continue
		}
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// EnabledCount returns the number of enabled models. Used by health checks.
func (r *Registry) EnabledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.models {
		if m.IsEnabled {
			n++
		}
	}
	return n
}

// SetPreferences replaces an agent's model preferences.
func (r *Registry) SetPreferences(ctx context.Context, agentID string, prefs []AgentModelPreference) error {
	instance := r.bb.InstanceName()
	key := agentPrefsKey(instance, agentID)

	fields := make(map[string]interface{}, len(prefs))
	for _, p := range prefs {
		if p.ModelID == "" {
			return fmt.Errorf("preference model_id cannot be empty")
		}
		encoded, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode preference: %w", err)
		}
		fields[p.ModelID] = string(encoded)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store preferences for %s: %w", agentID, err)
	}
	return nil
}

// Preferences returns an agent's model preferences ordered by priority.
func (r *Registry) Preferences(ctx context.Context, agentID string) ([]AgentModelPreference, error) {
	hash, err := r.rdb.HGetAll(ctx, agentPrefsKey(r.bb.InstanceName(), agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for %s: %w", agentID, err)
	}

	prefs := make([]AgentModelPreference, 0, len(hash))
	for _, raw := range hash {
		var p AgentModelPreference
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("corrupt preference for %s: %w", agentID, err)
		}
		prefs = append(prefs, p)
	}
	sort.Slice(prefs, func(a, b int) bool {
		if prefs[a].Priority == prefs[b].Priority {
			return prefs[a].ModelID < prefs[b].ModelID
		}
		return prefs[a].Priority < prefs[b].Priority
	})
	return prefs, nil
}
