// Package llamacpp provides a client for the llama.cpp HTTP server
// (llama-server): the native /completion endpoint used for
// grammar-constrained generation, the OpenAI-compatible chat endpoint for
// unconstrained generation, and the /health readiness probe.
//
// Typical usage:
//
//	client, err := llamacpp.New("http://127.0.0.1:8100")
//	if err != nil { ... }
//	resp, err := client.Complete(ctx, llamacpp.CompletionRequest{
//		Prompt:   prompt,
//		Grammar:  grammarText,
//		NPredict: 200,
//	})
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	completionEndpoint = "/completion"
	healthEndpoint     = "/health"

	// Model inference on small hardware is slow; the HTTP timeout is a
	// backstop, per-request deadlines come from the context.
	defaultTimeout = 120 * time.Second
)

// Option is a functional option for [Client].
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAPIKey sets the bearer token sent on OpenAI-compatible requests.
// llama-server ignores it unless started with --api-key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Client talks to one llama-server instance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a [Client] for the llama-server at baseURL,
// e.g. "http://127.0.0.1:8100".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("llamacpp: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  "none",
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CompletionRequest is the native llama-server /completion payload. Grammar
// carries GBNF text and constrains sampling when set. NPredict must be
// positive: llama-server treats 0 as "predict nothing".
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	Grammar     string   `json:"grammar,omitempty"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	TopK        int      `json:"top_k"`
	NPredict    int      `json:"n_predict"`
	CachePrompt bool     `json:"cache_prompt"`
	Stop        []string `json:"stop,omitempty"`
}

// Timings is the server-side latency breakdown of one completion.
type Timings struct {
	PromptMS           float64 `json:"prompt_ms"`
	PredictedMS        float64 `json:"predicted_ms"`
	PredictedPerSecond float64 `json:"predicted_per_second"`
}

// CompletionResponse is the native /completion result.
type CompletionResponse struct {
	Content         string  `json:"content"`
	TokensPredicted int     `json:"tokens_predicted"`
	TokensEvaluated int     `json:"tokens_evaluated"`
	StoppedEOS      bool    `json:"stopped_eos"`
	StoppedLimit    bool    `json:"stopped_limit"`
	Timings         Timings `json:"timings"`
}

// Complete submits one prompt to the native completion endpoint.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if req.Prompt == "" {
		return CompletionResponse{}, errors.New("llamacpp: prompt must not be empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("llamacpp: marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionEndpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("llamacpp: build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("llamacpp: completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CompletionResponse{}, httpError(http.MethodPost, completionEndpoint, resp)
	}
	var out CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CompletionResponse{}, fmt.Errorf("llamacpp: decode completion response: %w", err)
	}
	return out, nil
}

// Health probes server readiness. llama-server answers 200 once the model is
// loaded and 503 while it is still loading; a nil return means ready.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("llamacpp: build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llamacpp: health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var hs struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hs); err == nil && hs.Status != "" {
		return fmt.Errorf("llamacpp: server not ready: %s", hs.Status)
	}
	return fmt.Errorf("llamacpp: health returned status %d", resp.StatusCode)
}

// httpError formats a non-2xx response into an error carrying a short body
// snippet, which is where llama-server puts its diagnostics.
func httpError(method, path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("llamacpp: %s %s returned status %d", method, path, resp.StatusCode)
	}
	return fmt.Errorf("llamacpp: %s %s returned status %d: %s", method, path, resp.StatusCode, msg)
}
