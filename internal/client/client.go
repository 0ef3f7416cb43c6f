// Package client provides an HTTP client for the askben API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/router"
	"github.com/askben/askben/internal/server"
	"github.com/askben/askben/internal/store"
)

// Client is an HTTP client for the askben API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config configures the client.
type Config struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// Timeout is the request timeout. Batch evaluations run inside the
	// request, so callers starting them should raise it.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8080",
		Timeout:         2 * time.Minute,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       cfg.MaxIdleConns,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: false,
		ForceAttemptHTTP2:  true,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// APIError is an error response from the server. Failed questions also
// carry the routing decision made before the failure.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Decision   *router.Decision  `json:"decision,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// QueryOptions tune a question. Zero values use the server defaults.
type QueryOptions struct {
	Limit     int
	Threshold *float64
	Reasoning bool
}

// Health checks if the API is healthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready returns the component health report.
func (c *Client) Ready(ctx context.Context) (*server.HealthStatus, error) {
	var resp server.HealthStatus
	if err := c.get(ctx, "/readyz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query asks a question.
func (c *Client) Query(ctx context.Context, question string, opts QueryOptions) (*answer.Response, error) {
	req := server.QueryRequest{Question: question, Threshold: opts.Threshold}
	if opts.Limit != 0 {
		req.Limit = &opts.Limit
	}
	if opts.Reasoning {
		req.Mode = answer.ModeReasoning.String()
	}
	var resp answer.Response
	if err := c.post(ctx, "/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Inspect runs retrieval without generating an answer.
func (c *Client) Inspect(ctx context.Context, query string, limit int, threshold *float64) (*server.InspectResponse, error) {
	req := server.InspectRequest{Query: query, Threshold: threshold}
	if limit != 0 {
		req.Limit = &limit
	}
	var resp server.InspectResponse
	if err := c.post(ctx, "/retrieval/inspect", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Compare returns an article's distillation next to its chunks.
func (c *Client) Compare(ctx context.Context, articleID string) (*server.ComparisonResponse, error) {
	var resp server.ComparisonResponse
	path := "/retrieval/article/" + url.PathEscape(articleID) + "/comparison"
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns archive and index totals.
func (c *Client) Stats(ctx context.Context) (*server.StatsResponse, error) {
	var resp server.StatsResponse
	if err := c.get(ctx, "/embeddings/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BrowseDistillations searches the distillation tier. Zero limit and nil
// threshold use the server defaults.
func (c *Client) BrowseDistillations(ctx context.Context, query string, limit int, threshold *float64) (*server.BrowseResponse, error) {
	q := url.Values{"q": {query}}
	if limit != 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if threshold != nil {
		q.Set("threshold", strconv.FormatFloat(*threshold, 'f', -1, 64))
	}
	var resp server.BrowseResponse
	if err := c.get(ctx, "/embeddings/search/distillations", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListExamples returns the evaluation corpus.
func (c *Client) ListExamples(ctx context.Context) ([]store.Example, error) {
	var resp struct {
		Examples []store.Example `json:"examples"`
	}
	if err := c.get(ctx, "/eval/examples", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Examples, nil
}

// AddExample adds a question to the evaluation corpus.
func (c *Client) AddExample(ctx context.Context, req server.AddExampleRequest) (*store.Example, error) {
	var e store.Example
	if err := c.post(ctx, "/eval/examples", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RunEval judges every example and returns the finished run.
func (c *Client) RunEval(ctx context.Context, req server.RunEvalRequest) (*server.EvalRunResponse, error) {
	var resp server.EvalRunResponse
	if err := c.post(ctx, "/eval/run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns recent eval runs, newest first. Zero limit uses the
// server default.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]store.EvalRun, error) {
	var resp struct {
		Runs []store.EvalRun `json:"runs"`
	}
	if err := c.get(ctx, "/eval/runs", limitQuery(limit), &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun returns an eval run with its results.
func (c *Client) GetRun(ctx context.Context, runID string) (*server.EvalRunDetail, error) {
	var resp server.EvalRunDetail
	if err := c.get(ctx, "/eval/runs/"+url.PathEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckCitations answers one question in reasoning mode and verifies its
// citations. Nothing is persisted.
func (c *Client) CheckCitations(ctx context.Context, question string) (*store.CitationResult, error) {
	var resp store.CitationResult
	if err := c.post(ctx, "/eval/citation-accuracy", server.CitationRequest{Question: question}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunCitationEval verifies citations over every example.
func (c *Client) RunCitationEval(ctx context.Context) (*server.CitationRunResponse, error) {
	var resp server.CitationRunResponse
	if err := c.post(ctx, "/eval/citation-accuracy/batch", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCitationRuns returns recent citation runs, newest first.
func (c *Client) ListCitationRuns(ctx context.Context, limit int) ([]store.CitationRun, error) {
	var resp struct {
		Runs []store.CitationRun `json:"runs"`
	}
	if err := c.get(ctx, "/eval/citation-accuracy/runs", limitQuery(limit), &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetCitationRun returns a citation run with its results.
func (c *Client) GetCitationRun(ctx context.Context, runID string) (*server.CitationRunDetail, error) {
	var resp server.CitationRunDetail
	if err := c.get(ctx, "/eval/citation-accuracy/runs/"+url.PathEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// do executes a request.
func (c *Client) do(req *http.Request, result any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return &apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
