package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

func init() {
	Register("openai", newOpenAI, "openai-compatible", "ollama", "local")
}

// openAIClient talks to any OpenAI-compatible chat completions endpoint,
// which covers the hosted API as well as local servers (Ollama, vLLM,
// llama.cpp) exposing the same surface.
type openAIClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func newOpenAI(cfg FactoryConfig) (Client, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	// Hosted endpoints need a key; local ones generally don't.
	if cfg.APIKey == "" && endpoint == defaultOpenAIEndpoint {
		return nil, fmt.Errorf("openai: API key not configured")
	}
	return &openAIClient{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) buildRequest(messages []Message, opts Options, stream bool) chatRequest {
	req := chatRequest{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	if opts.SystemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

func (c *openAIClient) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message, opts Options) (*Result, error) {
	resp, err := c.post(ctx, c.buildRequest(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response")
	}

	return &Result{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (Stream, error) {
	resp, err := c.post(ctx, c.buildRequest(messages, opts, true))
	if err != nil {
		return nil, err
	}
	return &sseStream{ctx: ctx, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseStream decodes the "data: {...}" server-sent event lines of a streaming
// chat completion.
type sseStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.Close()
			return "", err
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}

		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var parsed chatResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			return "", fmt.Errorf("openai: bad stream chunk: %w", err)
		}
		if len(parsed.Choices) == 0 {
			continue
		}
		if tok := parsed.Choices[0].Delta.Content; tok != "" {
			return tok, nil
		}
	}
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
