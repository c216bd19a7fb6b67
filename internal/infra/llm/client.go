// Package llm is a client for OpenAI-compatible chat completion APIs, used to
// generate track descriptions.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"resty.dev/v3"

	"github.com/edumarques81/stellar-stream/internal/version"
)

const (
	// DefaultBaseURL is the OpenAI API base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is a small, fast chat model.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds one completion request.
	DefaultTimeout = 20 * time.Second

	// DefaultRateLimit is requests per second.
	DefaultRateLimit = 2

	defaultMaxTokens   = 200
	defaultTemperature = 0.8

	systemPrompt = "You write short, vivid music notes for an internet radio player."
)

// APIError is a non-2xx response from the completion API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion API returned status %d", e.Status)
	}
	return fmt.Sprintf("completion API returned status %d: %s", e.Status, e.Message)
}

// UpstreamStatus returns the HTTP status of the failed call.
func (e *APIError) UpstreamStatus() int {
	return e.Status
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client calls POST {baseURL}/chat/completions.
type Client struct {
	baseURL   string
	model     string
	apiKey    string
	timeout   time.Duration
	rateLimit int
	maxTokens int
	limiter   *rateLimiter
	rc        *resty.Client
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (useful for testing or local models).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRateLimit sets the rate limit in requests per second.
func WithRateLimit(rps int) Option {
	return func(c *Client) {
		c.rateLimit = rps
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// NewClient creates a completion client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		model:     DefaultModel,
		timeout:   DefaultTimeout,
		rateLimit: DefaultRateLimit,
		maxTokens: defaultMaxTokens,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimit <= 0 {
		c.rateLimit = DefaultRateLimit
	}
	c.limiter = newRateLimiter(c.rateLimit)

	c.rc = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("User-Agent", version.UserAgent()).
		SetHeader("Accept", "application/json")
	if c.apiKey != "" {
		c.rc.SetAuthToken(c.apiKey)
	}

	return c
}

// Model returns the configured model.
func (c *Client) Model() string {
	return c.model
}

// Complete sends prompt and returns the first choice's text. An empty string
// with a nil error means the API produced no content.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: defaultTemperature,
	}

	var out chatResponse
	var apiErr errorResponse

	start := time.Now()
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		log.Warn().Err(err).Str("model", c.model).Msg("Completion request failed")
		return "", fmt.Errorf("completion request: %w", err)
	}

	if res.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(res.String())
		}
		log.Warn().Int("status", res.StatusCode()).Str("model", c.model).Msg("Completion API error")
		return "", &APIError{Status: res.StatusCode(), Message: msg}
	}

	log.Debug().
		Str("model", c.model).
		Dur("took", time.Since(start)).
		Msg("Completion received")

	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.rc.Close()
}

// rateLimiter implements a simple token bucket rate limiter
type rateLimiter struct {
	mu          sync.Mutex
	interval    time.Duration
	lastRequest time.Time
}

func newRateLimiter(requestsPerSecond int) *rateLimiter {
	return &rateLimiter{
		interval: time.Second / time.Duration(requestsPerSecond),
	}
}

// Wait blocks until a request can be made
func (r *rateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wait := time.Until(r.lastRequest.Add(r.interval)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.lastRequest = time.Now()
	return nil
}
