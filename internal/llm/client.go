package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://ai.megallm.io/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 64 << 10
)

// Error is returned for every failed completion call. StatusCode is zero
// when no HTTP response was received.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion request failed (%d): %s", e.StatusCode, e.Message)
	}
	return "completion request failed: " + e.Message
}

// IsRateLimited reports whether the endpoint answered 429.
func (e *Error) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Completer is the narrow interface consumed by the agent loops and the
// summarizer.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a client for the given endpoint. An empty baseURL
// selects DefaultBaseURL.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		backoff: initialBackoff,
	}
}

// Complete sends a non-streaming chat completion request. The system
// prompt, when set, is prepended as a system message.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, &Error{Message: "missing API key"}
	}

	messages := req.Messages
	if req.System != "" {
		messages = append([]Message{{Role: "system", Content: req.System}}, req.Messages...)
	}
	body, err := json.Marshal(wireRequest{
		Model:          req.Model,
		Messages:       messages,
		Stream:         false,
		Tools:          req.Tools,
		PromptCacheKey: req.CacheKey,
	})
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("encoding request: %v", err)}
	}

	var lastErr *Error
	for attempt := range maxRetries {
		resp, err := c.doComplete(ctx, body)
		if err == nil {
			return resp, nil
		}

		var llmErr *Error
		if !errors.As(err, &llmErr) || !llmErr.IsRateLimited() {
			return nil, err
		}

		lastErr = llmErr
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, &Error{Message: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}
	}

	return nil, &Error{
		StatusCode: lastErr.StatusCode,
		Message:    fmt.Sprintf("rate limited after %d retries: %s", maxRetries, lastErr.Message),
	}
}

func (c *Client) doComplete(ctx context.Context, body []byte) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("creating request: %v", err)}
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{StatusCode: resp.StatusCode, Message: errorDetail(raw)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "response contained no choices"}
	}
	return &out, nil
}

// errorDetail pulls a readable message out of an error body, preferring
// the "error" field, then "message", then the raw text.
func errorDetail(raw []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, key := range []string{"error", "message"} {
		v, ok := payload[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(v, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		return string(v)
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
