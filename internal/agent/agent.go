package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/rookery/internal/provider"
)

// Context carries everything an agent needs to act on a request or task.
// Items are referenced by id; agents read further blackboard state themselves
// if they need it.
type Context struct {
	RequestID string
	GoalID    string
	TaskID    string

	// Message is the user's text for request-driven runs, or the task summary
	// for job-driven runs.
	Message  string
	Metadata map[string]string
}

// Output is an agent's completed work product.
type Output struct {
	Text       string
	ModelID    string
	DurationMs int64
}

// Stream is an agent's in-progress work product: a pull-based token stream
// plus the model serving it.
type Stream struct {
	ModelID string
	inner   provider.Stream
}

// NewStream wraps a provider stream with its model attribution.
func NewStream(modelID string, inner provider.Stream) *Stream {
	return &Stream{ModelID: modelID, inner: inner}
}

// Recv returns the next token, or io.EOF when the stream is complete.
func (s *Stream) Recv() (string, error) { return s.inner.Recv() }

// Close releases the stream early.
func (s *Stream) Close() error { return s.inner.Close() }

// Agent is a unit of capability the orchestrator can dispatch work to.
type Agent interface {
	// Name is the agent's stable identifier.
	Name() string
	// Capabilities are keywords describing what the agent is good at,
	// matched against task text when routing work.
	Capabilities() []string
	// Execute runs the agent to completion.
	Execute(ctx context.Context, ac Context) (*Output, error)
	// ExecuteStream runs the agent, yielding tokens as they arrive.
	ExecuteStream(ctx context.Context, ac Context) (*Stream, error)
}

// Registry holds the known agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Re-registering a name replaces the previous agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Get returns an agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", name)
	}
	return a, nil
}

// List returns all agents ordered by name.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// Count returns the number of registered agents. Used by health checks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
