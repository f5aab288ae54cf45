package modelreg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ModelConfig describes one model the router can select. Quality and
// reliability are running estimates in [0,1], maintained by the evaluator.
type ModelConfig struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"`
	DisplayName string   `json:"display_name"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Modalities  []string `json:"modalities"`

	QualityScore     float64 `json:"quality_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	CostPer1KTokens  float64 `json:"cost_per_1k_tokens"`

	IsEnabled           bool  `json:"is_enabled"`
	LastBenchmarkedAtMs int64 `json:"last_benchmarked_at_ms,omitempty"`
}

// localProviders are providers that run on the caller's own hardware.
// preferLocal routing adds a bonus to these.
var localProviders = map[string]bool{
	"ollama": true,
	"local":  true,
	"mock":   true,
}

// IsLocal reports whether the model runs locally rather than via a remote API.
func (m *ModelConfig) IsLocal() bool {
	return localProviders[strings.ToLower(m.Provider)]
}

// HasModality reports whether the model supports the given modality.
// An empty modality always matches.
func (m *ModelConfig) HasModality(modality string) bool {
	if modality == "" {
		return true
	}
	for _, mod := range m.Modalities {
		if strings.EqualFold(mod, modality) {
			return true
		}
	}
	return false
}

// Validate checks config fields before storage.
func (m *ModelConfig) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id cannot be empty")
	}
	if m.Provider == "" {
		return fmt.Errorf("model provider cannot be empty")
	}
	if m.QualityScore < 0 || m.QualityScore > 1 {
		return fmt.Errorf("quality_score must be in [0,1]")
	}
	if m.ReliabilityScore < 0 || m.ReliabilityScore > 1 {
		return fmt.Errorf("reliability_score must be in [0,1]")
	}
	if m.AvgLatencyMs < 0 || m.CostPer1KTokens < 0 {
		return fmt.Errorf("latency and cost must be non-negative")
	}
	return nil
}

func modelToHash(m *ModelConfig) (map[string]interface{}, error) {
	modalities, err := json.Marshal(m.Modalities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode modalities: %w", err)
	}
	return map[string]interface{}{
		"id":                     m.ID,
		"provider":               m.Provider,
		"display_name":           m.DisplayName,
		"endpoint":               m.Endpoint,
		"modalities":             string(modalities),
		"quality_score":          strconv.FormatFloat(m.QualityScore, 'f', -1, 64),
		"reliability_score":      strconv.FormatFloat(m.ReliabilityScore, 'f', -1, 64),
		"avg_latency_ms":         strconv.FormatFloat(m.AvgLatencyMs, 'f', -1, 64),
		"cost_per_1k_tokens":     strconv.FormatFloat(m.CostPer1KTokens, 'f', -1, 64),
		"is_enabled":             strconv.FormatBool(m.IsEnabled),
		"last_benchmarked_at_ms": m.LastBenchmarkedAtMs,
	}, nil
}

func hashToModel(hash map[string]string) (*ModelConfig, error) {
	m := &ModelConfig{
		ID:          hash["id"],
		Provider:    hash["provider"],
		DisplayName: hash["display_name"],
		Endpoint:    hash["endpoint"],
	}
	if m.ID == "" {
		return nil, fmt.Errorf("model hash missing id field")
	}
	if v := hash["modalities"]; v != "" {
		if err := json.Unmarshal([]byte(v), &m.Modalities); err != nil {
			return nil, fmt.Errorf("invalid modalities: %w", err)
		}
	}

	var err error
	floatFields := []struct {
		name string
		dst  *float64
	}{
		{"quality_score", &m.QualityScore},
		{"reliability_score", &m.ReliabilityScore},
		{"avg_latency_ms", &m.AvgLatencyMs},
		{"cost_per_1k_tokens", &m.CostPer1KTokens},
	}
	for _, f := range floatFields {
		if v := hash[f.name]; v != "" {
			if *f.dst, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", f.name, err)
			}
		}
	}
	if v := hash["is_enabled"]; v != "" {
		if m.IsEnabled, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid is_enabled: %w", err)
		}
	}
	if v := hash["last_benchmarked_at_ms"]; v != "" {
		if m.LastBenchmarkedAtMs, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid last_benchmarked_at_ms: %w", err)
		}
	}
	return m, nil
}

// AgentModelPreference is a per-agent ranking hint the router may apply.
// Lower priority is preferred.
type AgentModelPreference struct {
	AgentID  string  `json:"agent_id"`
	ModelID  string  `json:"model_id"`
	Priority int     `json:"priority"`
	Weight   float64 `json:"weight"`
}

// Key helpers, sharing the blackboard's instance namespace.

func modelKey(instance, modelID string) string {
	return fmt.Sprintf("rookery:%s:model:%s", instance, modelID)
}

func modelsSetKey(instance string) string {
	return fmt.Sprintf("rookery:%s:models", instance)
}

func agentPrefsKey(instance, agentID string) string {
	return fmt.Sprintf("rookery:%s:agentprefs:%s", instance, agentID)
}
