package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/observability"
)

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	timeout     time.Duration
	maxRetries  int
	backoff     time.Duration
	http        *http.Client
	logger      *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if retries > 1 {
		retries = 1
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		timeout:     timeout,
		maxRetries:  retries,
		backoff:     backoff,
		http:        httpClient,
		logger:      observability.LoggerOrDefault(cfg.Logger),
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completion failed status=%d body=%s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

var errMalformed = errors.New("malformed chat completion response")

// Complete sends one chat completion. Transient failures are retried at
// most once; a done caller context is never retried.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WarnContext(ctx, "retrying chat completion",
				append(observability.RequestAttrs(ctx), slog.Int("attempt", attempt+1), slog.String("error", lastErr.Error()))...)
			select {
			case <-ctx.Done():
				return Response{}, fmt.Errorf("chat completion: %w", ctx.Err())
			case <-time.After(c.backoff):
			}
		}

		start := time.Now()
		resp, err := c.attempt(ctx, body)
		if err == nil {
			observability.ObserveLLMRequest("ok", time.Since(start))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			observability.ObserveLLMRequest("canceled", time.Since(start))
			return Response{}, fmt.Errorf("chat completion: %w", ctxErr)
		}
		observability.ObserveLLMRequest("error", time.Since(start))
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return Response{}, fmt.Errorf("%w: %v", errs.ErrUpstream, lastErr)
}

func (c *Client) attempt(ctx context.Context, body []byte) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("request chat completion: timed out after %s", c.timeout)
		}
		return Response{}, fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(rawRespBody), 512)}
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Response{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: empty choices", errMalformed)
	}
	choice := parsed.Choices[0]
	if choice.Message.Role == "" {
		choice.Message.Role = RoleAssistant
	}
	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return Response{
		Message:      choice.Message,
		FinishReason: choice.FinishReason,
		Model:        model,
		Usage:        parsed.Usage,
	}, nil
}

func (c *Client) payload(req Request) map[string]any {
	messages := make([]Message, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)
	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
		payload["tool_choice"] = "auto"
	}
	return payload
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.retryable()
	}
	return true
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
