// Package ollama is a small client for the model server's pull and embed API.
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to an Ollama server.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a client for baseURL. A nil httpClient gets an instrumented
// client without a timeout, since pulls stream for as long as the download runs.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		client:  httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ollama %s: status %d: %s", e.Path, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("ollama %s: status %d", e.Path, e.StatusCode)
}

// Temporary reports whether retrying the call later may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// PullProgress is one line of the pull progress stream.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Percentage of the layer currently being pulled, or -1 when unknown.
func (p PullProgress) Percentage() int {
	if p.Total <= 0 {
		return -1
	}

	return int(p.Completed * 100 / p.Total)
}

// Pull downloads model onto the server, calling onProgress for every status
// line. It returns once the server reports success.
func (c *Client) Pull(ctx context.Context, model string, onProgress func(PullProgress)) error {
	resp, err := c.post(ctx, "/api/pull", map[string]any{"model": model, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	succeeded := false

	for {
		var p PullProgress

		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to read pull progress for %s: %w", model, err)
		}

		if p.Error != "" {
			return fmt.Errorf("pull %s: %s", model, p.Error)
		}

		if onProgress != nil {
			onProgress(p)
		}

		if p.Status == "success" {
			succeeded = true
		}
	}

	if !succeeded {
		return fmt.Errorf("pull %s: stream ended before success", model)
	}

	return nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one embedding per input, in input order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	resp, err := c.post(ctx, "/api/embed", embedRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}

	if len(out.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("embed returned %d embeddings for %d inputs", len(out.Embeddings), len(inputs))
	}

	return out.Embeddings, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()

		var apiErr struct {
			Error string `json:"error"`
		}

		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) != nil {
			apiErr.Error = strings.TrimSpace(string(data))
		}

		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	return resp, nil
}
