package ollama

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
	probeTimeout = 2 * time.Second
	listTimeout  = 10 * time.Second
)

// Options are the sampling parameters forwarded to the model.
type Options struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// GenerateRequest is the JSON body for POST /api/generate. Prompts are sent
// raw: the caller has already applied the chat markup.
type GenerateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Raw     bool    `json:"raw"`
	Stream  bool    `json:"stream"`
	Format  *Schema `json:"format,omitempty"`
	Options Options `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Schema is the structured-output format of a generate request.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Client talks to an Ollama server. It sets no client-wide timeout;
// streams are bounded by the caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// call sends a JSON request and returns the response when it is 200 OK.
// Other statuses become errors carrying the start of the body.
func (c *Client) call(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// decodeError marks a malformed or truncated line, as opposed to an error
// returned by the line callback.
type decodeError struct{ err error }

func (e decodeError) Error() string { return e.err.Error() }
func (e decodeError) Unwrap() error { return e.err }

// readLines decodes newline-delimited JSON from r, calling fn per value
// until fn reports done, fn fails, or r ends.
func readLines[T any](r io.Reader, fn func(T) (done bool, err error)) error {
	dec := json.NewDecoder(r)
	for {
		var v T
		if err := dec.Decode(&v); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return decodeError{err}
		}
		done, err := fn(v)
		if err != nil || done {
			return err
		}
	}
}

// IsRunning reports whether GET /api/tags answers 200 within probeTimeout.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.call(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ListModels returns the names of the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	resp, err := c.call(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is available. A name without a tag
// matches any tag of that model.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullModel downloads a model, reading the progress stream to its end.
// onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.call(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	err = readLines(resp.Body, func(p PullProgress) (bool, error) {
		if onProgress != nil {
			onProgress(p)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("reading pull progress: %w", err)
	}
	return nil
}

// Generate runs a single non-streaming completion and returns the full
// text.
func (c *Client) Generate(ctx context.Context, gr GenerateRequest) (string, error) {
	gr.Raw, gr.Stream = true, false
	resp, err := c.call(ctx, http.MethodPost, "/api/generate", gr)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("generate: %s", result.Error)
	}
	return result.Response, nil
}

// GenerateStream runs a streaming completion, invoking onChunk for every
// non-empty fragment in order. A non-nil error from onChunk stops the
// stream and is returned.
func (c *Client) GenerateStream(ctx context.Context, gr GenerateRequest, onChunk func(string) error) error {
	gr.Raw, gr.Stream = true, true
	resp, err := c.call(ctx, http.MethodPost, "/api/generate", gr)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	err = readLines(resp.Body, func(chunk generateResponse) (bool, error) {
		if chunk.Error != "" {
			return true, fmt.Errorf("generate: %s", chunk.Error)
		}
		if chunk.Response != "" {
			if err := onChunk(chunk.Response); err != nil {
				return true, err
			}
		}
		return chunk.Done, nil
	})
	var de decodeError
	if errors.As(err, &de) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading generate stream: %w", de.err)
	}
	return err
}
