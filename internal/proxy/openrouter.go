package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxAttempts      = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client communicates with the OpenRouter API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
	backoff    time.Duration
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 0,
		},
		referer: "https://github.com/kalambet/crucible",
		title:   "crucible",
		backoff: initialBackoff,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Complete runs a non-streaming completion and returns the generated text.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	req.Stream = false
	rc, err := c.open(ctx, req, defaultTimeout)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading completion: %w", err)
	}
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return "", fmt.Errorf("completion: %s", msg.String())
	}
	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		return "", errors.New("completion: response has no choices")
	}
	return choiceText(choice), nil
}

// Stream runs a streaming completion, invoking onChunk with each text
// fragment in order until the server sends [DONE]. A non-nil error from
// onChunk stops the stream and is returned.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, onChunk func(string) error) error {
	req.Stream = true
	rc, err := c.open(ctx, req, streamingTimeout)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		if msg := gjson.Get(data, "error.message"); msg.Exists() {
			return fmt.Errorf("completion stream: %s", msg.String())
		}
		text := choiceText(gjson.Get(data, "choices.0"))
		if text == "" {
			continue
		}
		if err := onChunk(text); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading completion stream: %w", err)
	}
	return nil
}

// choiceText reads the text of a completion choice, accepting both the
// completions shape and the chat delta shape some upstreams return.
func choiceText(choice gjson.Result) string {
	for _, path := range []string{"text", "delta.content", "message.content"} {
		if v := choice.Get(path); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

// open sends the request, retrying with exponential backoff while the
// upstream answers 429.
func (c *Client) open(ctx context.Context, req CompletionRequest, timeout time.Duration) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var rc io.ReadCloser
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.doCompletion(ctx, body, timeout)
		if err != nil {
			var limited *rateLimitError
			if errors.As(err, &limited) {
				return retry.RetryableError(err)
			}
			return err
		}
		rc = r
		return nil
	})
	if err != nil {
		var limited *rateLimitError
		if errors.As(err, &limited) {
			return nil, fmt.Errorf("rate limited after %d attempts: %w", maxAttempts, err)
		}
		return nil, err
	}
	return rc, nil
}

func (c *Client) doCompletion(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ListModels returns the list of available models from OpenRouter.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
