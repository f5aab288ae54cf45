package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/rookery/internal/modelreg"
	"github.com/dyluth/rookery/internal/provider"
)

const defaultResponderPrompt = "You are a helpful assistant coordinating work for a multi-agent system. Answer the user's request directly and concisely."

// Responder is the default conversational agent: it formats a prompt from the
// agent context and generates a reply with the router's best model, falling
// back through the chain on provider failure. Prompt logic deliberately stays
// this thin; anything richer belongs in a dedicated agent.
type Responder struct {
	router *modelreg.Router

	// Keys maps provider name to API key, from configuration.
	Keys map[string]string
	// SystemPrompt overrides the default instruction when set.
	SystemPrompt string
	// SelectOptions bias model selection for this agent.
	SelectOptions modelreg.SelectOptions
	// FallbackChain is tried in order when the primary model fails.
	FallbackChain []modelreg.Fallback

	// newClient is swappable for tests.
	newClient func(provider.FactoryConfig) (provider.Client, error)
}

// NewResponder creates the default response agent.
func NewResponder(router *modelreg.Router, keys map[string]string) *Responder {
	return &Responder{
		router:    router,
		Keys:      keys,
		newClient: provider.New,
	}
}

func (r *Responder) Name() string { return "responder" }

func (r *Responder) Capabilities() []string {
	return []string{"respond", "answer", "summarise", "explain", "chat"}
}

func (r *Responder) messages(ac Context) []provider.Message {
	return []provider.Message{{Role: "user", Content: ac.Message}}
}

func (r *Responder) options(m *modelreg.ModelConfig) provider.Options {
	prompt := r.SystemPrompt
	if prompt == "" {
		prompt = defaultResponderPrompt
	}
	return provider.Options{Model: m.ID, SystemPrompt: prompt}
}

func (r *Responder) client(m *modelreg.ModelConfig) (provider.Client, error) {
	return r.newClient(provider.FactoryConfig{
		Provider: m.Provider,
		Endpoint: m.Endpoint,
		APIKey:   r.Keys[m.Provider],
	})
}

// Execute generates a complete reply, trying fallback models as needed.
func (r *Responder) Execute(ctx context.Context, ac Context) (*Output, error) {
	var out *Output
	started := time.Now()

	_, _, err := r.router.SelectWithFallback(ctx, r.SelectOptions, r.FallbackChain,
		func(ctx context.Context, m *modelreg.ModelConfig) error {
			client, err := r.client(m)
			if err != nil {
				return err
			}
			res, err := client.Generate(ctx, r.messages(ac), r.options(m))
			if err != nil {
				return err
			}
			out = &Output{
				Text:       res.Text,
				ModelID:    m.ID,
				DurationMs: time.Since(started).Milliseconds(),
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("responder: %w", err)
	}
	return out, nil
}

// ExecuteStream starts a streaming reply. Fallback only covers stream
// establishment; once tokens are flowing the stream's model is committed.
func (r *Responder) ExecuteStream(ctx context.Context, ac Context) (*Stream, error) {
	var stream *Stream

	_, _, err := r.router.SelectWithFallback(ctx, r.SelectOptions, r.FallbackChain,
		func(ctx context.Context, m *modelreg.ModelConfig) error {
			client, err := r.client(m)
			if err != nil {
				return err
			}
			ps, err := client.GenerateStream(ctx, r.messages(ac), r.options(m))
			if err != nil {
				return err
			}
			stream = NewStream(m.ID, ps)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("responder: %w", err)
	}
	return stream, nil
}
