package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/thomaker/blendforge/internal/config"
	"github.com/thomaker/blendforge/internal/metrics"
)

const (
	// DefaultBaseRetryDelay is the base delay for exponential backoff.
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n).
	RateLimitBackoffMultiplier = 3
)

// Client is the code-generating oracle: an OpenAI-compatible HTTP endpoint
// tried across an ordered list of model identifiers. The first model to
// return a non-error, non-empty response wins.
type Client struct {
	cfg             config.OracleConfig
	apiKey          string
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
	baseRetryDelay  time.Duration
}

// NewClient creates a new oracle client.
func NewClient(cfg config.OracleConfig, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger.With("component", "oracle"),
		baseRetryDelay:  DefaultBaseRetryDelay,
	}
}

// Generate asks the oracle for Blender modeling code for one entity. Models
// are tried in configured preference order; a model that errors or returns
// empty content is skipped. If every model fails the attempt counts as a
// generation failure for the caller.
func (c *Client) Generate(ctx context.Context, identity, description string) (string, error) {
	messages := []Message{
		{Role: "user", Content: buildPrompt(identity, description)},
	}

	var lastErr error
	for _, model := range c.cfg.Models {
		resp, err := c.chatCompletion(ctx, model, messages)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("Oracle model failed", "model", model, "error", err)
			lastErr = err
			continue
		}

		code := ExtractCode(resp.Choices[0].Message.Content)
		if strings.TrimSpace(code) == "" {
			c.logger.Warn("Oracle model returned empty code", "model", model)
			lastErr = fmt.Errorf("model %s returned empty content", model)
			continue
		}

		c.logger.Debug("Generated code", "model", model, "object", identity, "length", len(code))
		return code, nil
	}

	return "", fmt.Errorf("all oracle models failed for %q: %w", identity, lastErr)
}

// Complete sends an arbitrary prompt through the model fallback chain and
// returns the raw assistant content. Used for everything that is not code
// generation, like enumerating new entities.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	messages := []Message{
		{Role: "user", Content: prompt},
	}

	var lastErr error
	for _, model := range c.cfg.Models {
		resp, err := c.chatCompletion(ctx, model, messages)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("Oracle model failed", "model", model, "error", err)
			lastErr = err
			continue
		}

		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			lastErr = fmt.Errorf("model %s returned empty content", model)
			continue
		}
		return content, nil
	}

	return "", fmt.Errorf("all oracle models failed: %w", lastErr)
}

// chatCompletion sends one chat completion request with backoff retry.
func (c *Client) chatCompletion(ctx context.Context, model string, messages []Message) (*ChatCompletionResponse, error) {
	modelID := fmt.Sprintf("%s:%s", c.cfg.BaseURL, model)
	if err := c.rateLimiterPool.Wait(ctx, modelID, c.cfg.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxOutputTokens,
		N:           1,
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
				backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
			}

			c.logger.Warn("Retrying oracle request",
				"attempt", attempt,
				"max_retries", c.cfg.MaxRetries,
				"backoff", backoff,
				"model", model)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		resp, err := c.doRequest(ctx, req)
		metrics.RecordOracleRequest(model, time.Since(start), err == nil)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{
			Message:    fmt.Sprintf("request failed: %v", err),
			StatusCode: 0,
			Retryable:  true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := isStatusCodeRetryable(httpResp.StatusCode)

		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}

		return nil, &APIError{
			Message:    fmt.Sprintf("request failed with status %d: %s", httpResp.StatusCode, string(respBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	return &resp, nil
}

func buildPrompt(identity, description string) string {
	return fmt.Sprintf(`Create a Blender Python script that constructs a detailed 3D model of %s.

Description: %s

Requirements:
- Use primitive meshes (bpy.ops.mesh.primitive_uv_sphere_add, primitive_cube_add, primitive_cone_add, primitive_cylinder_add, etc.)
- Position and scale them into reasonable proportions based on the description
- Delete any default objects at the start
- Group the parts together
- Export the model as an ASCII STL file named model.stl

Return only the runnable Python code, no explanations.`, identity, description)
}

func isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	// Retry on rate limits and server errors.
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the oracle endpoint.
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
