package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
	ownerHeader      = "X-Owner-ID"
)

// Client talks to the tether server on behalf of one owner.
type Client struct {
	http      *http.Client
	serverURL string
	owner     string
}

// New creates a client for owner.
// Respects TETHER_URL env var, falls back to http://127.0.0.1:37778.
func New(owner string) *Client {
	url := os.Getenv("TETHER_URL")
	if url == "" {
		url = defaultServerURL
	}
	return NewWithURL(url, owner)
}

// NewWithURL creates a client against an explicit server URL.
func NewWithURL(url, owner string) *Client {
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(url, "/"),
		owner:     owner,
	}
}

// Memory is a stored record as the server returns it.
type Memory struct {
	ID             string         `json:"id"`
	Message        string         `json:"message"`
	Role           memory.Role    `json:"role"`
	Context        memory.Context `json:"context"`
	RelevanceScore float64        `json:"relevance_score"`
	Timestamp      time.Time      `json:"timestamp"`
	Embedded       bool           `json:"embedded"`
}

// Hit is one ranked search result.
type Hit struct {
	Memory     Memory  `json:"memory"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	AgePenalty float64 `json:"age_penalty"`
}

// CleanupResult is the server's cleanup report.
type CleanupResult struct {
	Deleted int64     `json:"deleted_count"`
	Cutoff  time.Time `json:"cutoff_date"`
	Message string    `json:"message"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Msg
	}
	return http.StatusText(e.Status)
}

// Store saves one memory.
func (c *Client) Store(ctx context.Context, rec memory.NewRecord) (*Memory, error) {
	var out Memory
	if err := c.do(ctx, http.MethodPost, "/api/memories", rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoreBatch saves recs atomically.
func (c *Client) StoreBatch(ctx context.Context, recs []memory.NewRecord) ([]Memory, error) {
	var out struct {
		Memories []Memory `json:"memories"`
	}
	body := map[string]any{"memories": recs}
	if err := c.do(ctx, http.MethodPost, "/api/memories/bulk", body, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// Search ranks the owner's memories against query. limit <= 0 uses the server default.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	var out struct {
		Results []Hit `json:"results"`
	}
	body := map[string]any{"query": query, "limit": limit}
	if err := c.do(ctx, http.MethodPost, "/api/memories/search", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Cleanup runs the owner's retention sweep.
func (c *Client) Cleanup(ctx context.Context) (*CleanupResult, error) {
	var out CleanupResult
	if err := c.do(ctx, http.MethodDelete, "/api/memories/cleanup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmbedMissing asks the server to embed memories stored without a vector.
func (c *Client) EmbedMissing(ctx context.Context) (int, error) {
	var out struct {
		Embedded int `json:"embedded"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/memories/embed", nil, &out); err != nil {
		return 0, err
	}
	return out.Embedded, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return goerr.Wrap(err, "marshal request", goerr.V("path", path))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return goerr.Wrap(err, "create request", goerr.V("path", path))
	}
	req.Header.Set(ownerHeader, c.owner)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return goerr.Wrap(err, "request failed", goerr.V("method", method), goerr.V("path", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return goerr.Wrap(err, "read response", goerr.V("path", path))
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return goerr.Wrap(apiErr, "server rejected request",
			goerr.V("method", method), goerr.V("path", path), goerr.V("status", resp.StatusCode))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return goerr.Wrap(err, "decode response", goerr.V("path", path))
	}
	return nil
}
