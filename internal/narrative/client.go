// Package narrative provides the client for the external text-completion
// collaborator used for rule interpretation and narrative generation.
// The pipeline must keep working when this collaborator degrades.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HTTPClient implements domain.CompletionClient against an HTTP
// text-completion endpoint.
type HTTPClient struct {
	cfg    domain.NarrativeConfig
	client *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewHTTPClient creates a completion client.
func NewHTTPClient(cfg domain.NarrativeConfig) *HTTPClient {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{},
		sleep:  time.Sleep,
	}
}

type completionPayload struct {
	Model        string  `json:"model,omitempty"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

type completionReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Complete sends a completion request with bounded retry and
// exponential backoff (1s/2s/4s; rate-limit errors double the backoff).
func (c *HTTPClient) Complete(ctx context.Context, req *domain.CompletionRequest) (string, error) {
	if c.cfg.Endpoint == "" {
		return "", &domain.NarrativeError{
			Kind: domain.NarrativeOtherError,
			Err:  errors.New("no completion endpoint configured"),
		}
	}

	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(backoff)
			backoff *= 2
		}

		text, err := c.complete(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		kind := domain.NarrativeErrKind(err)
		if kind == domain.NarrativeRateLimited {
			// Rate limiting gets an extra doubling before the next try.
			backoff *= 2
		}

		slog.Warn("completion attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxRetries,
			"kind", kind,
			"error", err,
		)

		if ctx.Err() != nil {
			break
		}
	}

	return "", lastErr
}

func (c *HTTPClient) complete(ctx context.Context, req *domain.CompletionRequest) (string, error) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(c.cfg.TimeoutSeconds) * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(completionPayload{
		Model:        c.cfg.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return "", &domain.NarrativeError{Kind: domain.NarrativeOtherError, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &domain.NarrativeError{Kind: domain.NarrativeOtherError, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return "", &domain.NarrativeError{Kind: domain.NarrativeTimeout, Err: err}
		}
		return "", &domain.NarrativeError{Kind: domain.NarrativeOtherError, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.NarrativeError{Kind: domain.NarrativeOtherError, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &domain.NarrativeError{
			Kind: domain.NarrativeRateLimited,
			Err:  fmt.Errorf("rate limited: %s", bytes.TrimSpace(body)),
		}
	case resp.StatusCode != http.StatusOK:
		return "", &domain.NarrativeError{
			Kind: domain.NarrativeOtherError,
			Err:  fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	var reply completionReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", &domain.NarrativeError{
			Kind: domain.NarrativeMalformedResponse,
			Err:  fmt.Errorf("unparseable completion reply: %w", err),
		}
	}
	if reply.Error != "" {
		return "", &domain.NarrativeError{
			Kind: domain.NarrativeOtherError,
			Err:  errors.New(reply.Error),
		}
	}

	return reply.Text, nil
}
