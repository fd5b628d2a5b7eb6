// Package llm is the streaming client for DeepSeek-style chat-completions
// endpoints.
package llm

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

	"deepchat/logger"
	"deepchat/types"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNoAPIKey is returned before any request is made when no key is configured.
var ErrNoAPIKey = errors.New("api key is not configured")

const (
	defaultTimeout = 300 * time.Second
	maxErrorBody   = 4 << 10
)

// ConfigSource supplies the chat config. It is read on every request so
// edits take effect on the next send.
type ConfigSource interface {
	LoadFullConfig(ctx context.Context) (types.Config, error)
}

type Options struct {
	Timeout  time.Duration
	RetryMax int
}

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	status := fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body == "" {
		return fmt.Sprintf("API request failed (%s)", status)
	}
	return fmt.Sprintf("API request failed (%s): %s", status, e.Body)
}

type Client struct {
	config     ConfigSource
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(src ConfigSource, opts Options, log *logger.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil
	// hand the last response back so a 5xx still surfaces as a StatusError
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	httpClient := retryClient.StandardClient()
	httpClient.Timeout = opts.Timeout
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = defaultTimeout
	}

	return &Client{
		config:     src,
		httpClient: httpClient,
		log:        log.With("component", "llm"),
	}
}

func buildPayload(cfg types.Config, prompt string, history []types.HistoryMessage) types.Payload {
	msgs := make([]types.Message, 0, len(history)+2)
	msgs = append(msgs, types.Message{Role: "system", Content: cfg.SystemPrompt})
	for _, h := range history {
		msgs = append(msgs, types.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, types.Message{Role: "user", Content: prompt})

	return types.Payload{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      true,
	}
}

func (c *Client) createRequest(ctx context.Context, cfg types.Config, payload types.Payload) (*http.Request, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	endpoint := strings.TrimRight(cfg.APIBase, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	return req, nil
}

// open sends the request and returns the body of a successful response.
func (c *Client) open(ctx context.Context, prompt string, history []types.HistoryMessage) (io.ReadCloser, error) {
	cfg, err := c.config.LoadFullConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	req, err := c.createRequest(ctx, cfg, buildPayload(cfg, prompt, history))
	if err != nil {
		return nil, err
	}

	c.log.Debug("sending chat request", "model", cfg.Model, "history", len(history))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

// Chat streams the answer to prompt, calling onDelta for every reasoning or
// content fragment in arrival order. history must not contain prompt.
//
// Failures go to onError when it is set and Chat then returns nil; otherwise
// they are returned. A cancelled ctx ends the stream quietly: no further
// deltas, no error.
func (c *Client) Chat(ctx context.Context, prompt string, onDelta func(Delta), history []types.HistoryMessage, onError func(error)) error {
	var streamErr error
	for d, err := range c.Stream(ctx, prompt, history).All() {
		if err != nil {
			streamErr = err
			break
		}
		onDelta(d)
	}
	if streamErr == nil {
		return nil
	}

	c.log.Warn("chat stream failed", "error", streamErr)
	if onError != nil {
		onError(streamErr)
		return nil
	}
	return streamErr
}
