// Package openai implements the LLM port against any OpenAI-compatible
// chat-completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
	"github.com/fairyhunter13/code-graph-pipeline/internal/ratelimit"
)

// RateBucket is the limiter bucket shared by all LLM requests.
const RateBucket = "llm"

// Client calls a chat-completions endpoint and returns the raw assistant
// message. Response sanitation and schema validation happen in the caller.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
	model   string
	limiter ratelimit.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter paces requests through a shared token bucket.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New constructs a Client for the given endpoint and model.
func New(baseURL, apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpc:   &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// AnalyzeJSON sends one prompt pair and returns the assistant content.
// 429 and 5xx responses retry with exponential backoff; other 4xx responses
// are deterministic and wrap domain.ErrJobUnrecoverable.
func (c *Client) AnalyzeJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := c.waitForSlot(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("op=openai.AnalyzeJSON: marshal: %w", err)
	}

	var content string
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
		default:
			return backoff.Permanent(fmt.Errorf("status %d: %s: %w",
				resp.StatusCode, truncate(raw, 200), domain.ErrJobUnrecoverable))
		}

		var parsed chatResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode: %w: %w", err, domain.ErrJobUnrecoverable))
		}
		if parsed.Error != nil {
			return backoff.Permanent(fmt.Errorf("provider error: %s: %w",
				parsed.Error.Message, domain.ErrJobUnrecoverable))
		}
		if len(parsed.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("empty choices: %w", domain.ErrJobUnrecoverable))
		}
		content = parsed.Choices[0].Message.Content
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(call, bo); err != nil {
		return "", fmt.Errorf("op=openai.AnalyzeJSON: %w", err)
	}
	return content, nil
}

// waitForSlot blocks until the shared bucket admits one request or ctx ends.
func (c *Client) waitForSlot(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for {
		allowed, retryAfter, err := c.limiter.Allow(ctx, RateBucket, 1)
		if err != nil || allowed {
			return nil // the limiter fails open
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ domain.LLMClient = (*Client)(nil)
