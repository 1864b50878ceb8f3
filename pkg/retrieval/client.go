// Package retrieval is the HTTP client for the document retrieval backend.
// It speaks the narrow /api/retrieve contract and knows nothing about how
// results are produced; the backend may be parley-rag or anything that
// answers the same shape.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	retrievePath   = "/api/retrieve"
	defaultTimeout = 15 * time.Second
)

// Source is one document chunk that contributed to a retrieval result.
type Source struct {
	ID          string         `json:"id"`
	Score       float64        `json:"score"`
	TextPreview string         `json:"text_preview"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Result is the assembled answer context plus the sources it was built from.
// Context is never empty: the backend substitutes a sentinel string when
// nothing relevant was found.
type Result struct {
	Context string   `json:"context"`
	Sources []Source `json:"sources"`
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each retrieval request. Zero disables the per-request
// deadline; callers then rely on ctx alone.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client calls the retrieval backend. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client for the backend at baseURL (scheme and host, no
// trailing path). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("retrieval: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Retrieve posts the query to the backend and returns the assembled context.
// Any transport or decode failure is returned as an error; the caller decides
// how to degrade.
func (c *Client) Retrieve(ctx context.Context, query string, topK int) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(retrieveRequest{Query: query, TopK: topK})
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+retrievePath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("retrieval: unexpected status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("retrieval: decode response: %w", err)
	}
	return result, nil
}
