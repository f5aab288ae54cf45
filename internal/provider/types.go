package provider

import "context"

// Message represents a single chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// Options controls model behaviour; fields are optional per provider.
type Options struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Usage reports token accounting for a completed generation, when the
// provider supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is a completed generation.
type Result struct {
	Text  string
	Usage Usage
}

// Stream is a pull-based token stream. Recv blocks until the next token is
// available and returns io.EOF when generation is complete. Cancelling the
// context passed to GenerateStream aborts the stream; the next Recv returns
// the context's error.
type Stream interface {
	Recv() (string, error)
	// Close releases the stream early. Safe to call more than once.
	Close() error
}

// Client is a provider-agnostic interface for model generation.
type Client interface {
	// Generate runs a full completion and returns the result.
	Generate(ctx context.Context, messages []Message, opts Options) (*Result, error)
	// GenerateStream starts a completion and returns a token stream.
	GenerateStream(ctx context.Context, messages []Message, opts Options) (Stream, error)
}
