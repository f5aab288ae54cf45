package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

func init() {
	Register("mock", newMock, "echo")
}

// Mock is a deterministic in-process provider used in tests and local dev.
// It echoes the last user message, optionally with a fixed delay per token,
// and can be scripted to fail.
type Mock struct {
	// Reply overrides the echo behaviour when set.
	Reply string
	// TokenDelay is applied before each streamed token.
	TokenDelay time.Duration
	// Err is returned from every call when set.
	Err error

	mu    sync.Mutex
	calls int
}

func newMock(cfg FactoryConfig) (Client, error) {
	m := &Mock{Reply: cfg.Extra["reply"]}
	if d := cfg.Extra["token_delay"]; d != "" {
		delay, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid token_delay: %w", err)
		}
		m.TokenDelay = delay
	}
	return m, nil
}

// Calls returns how many generations were started.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) reply(messages []Message) string {
	if m.Reply != "" {
		return m.Reply
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return "echo: " + messages[i].Content
		}
	}
	return "echo:"
}

func (m *Mock) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	m.mu.Lock()
	m.calls++
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	text := m.reply(messages)
	return &Result{
		Text: text,
		Usage: Usage{
			InputTokens:  countTokens(messages),
			OutputTokens: len(strings.Fields(text)),
		},
	}, nil
}

func (m *Mock) GenerateStream(ctx context.Context, messages []Message, opts Options) (Stream, error) {
	m.mu.Lock()
	m.calls++
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &mockStream{
		ctx:    ctx,
		tokens: strings.Fields(m.reply(messages)),
		delay:  m.TokenDelay,
	}, nil
}

func countTokens(messages []Message) int {
	n := 0
	for _, msg := range messages {
		n += len(strings.Fields(msg.Content))
	}
	return n
}

type mockStream struct {
	ctx    context.Context
	tokens []string
	delay  time.Duration
	pos    int
	closed bool
}

func (s *mockStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}

	tok := s.tokens[s.pos]
	if s.pos > 0 {
		tok = " " + tok
	}
	s.pos++
	return tok, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
