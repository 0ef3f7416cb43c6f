package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/archive"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/router"
	"github.com/askben/askben/internal/server"
	"github.com/askben/askben/internal/store"
)

type generateFunc func(ctx context.Context, req answer.Request) (*answer.Response, error)

func (f generateFunc) Generate(ctx context.Context, req answer.Request) (*answer.Response, error) {
	return f(ctx, req)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}
	if cfg.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 2*time.Minute)
	}
}

func TestClientNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		c := New(Config{})
		if c.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://localhost:8080")
		}
	})

	t.Run("trailing slash", func(t *testing.T) {
		c := New(Config{BaseURL: "http://custom:9000/"})
		if c.baseURL != "http://custom:9000" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "http://custom:9000")
		}
	})
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/healthz")
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want %q", r.Method, http.MethodGet)
		}
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL}).Health(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
}

func TestClientSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("X-API-Key = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"examples": []store.Example{}})
	}))
	defer srv.Close()

	if _, err := New(Config{BaseURL: srv.URL, APIKey: "secret"}).ListExamples(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientQueryRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/query" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req["question"] != "Why bundle?" || req["mode"] != "reasoning" || req["limit"] != 7.0 {
			t.Errorf("request = %v", req)
		}
		if _, ok := req["threshold"]; ok {
			t.Error("threshold should be omitted")
		}
		_ = json.NewEncoder(w).Encode(answer.Response{Answer: "Because.", RetrievalTier: router.TierReasoningFirst})
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL}).Query(context.Background(), "Why bundle?", QueryOptions{Limit: 7, Reasoning: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != "Because." || resp.RetrievalTier != router.TierReasoningFirst {
		t.Errorf("response = %+v", resp)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"llm down","code":"GENERATION_ERROR","message":"llm down","decision":{"tier_used":"chunks","threshold":0.3,"reasoning":"chunks only","needs_precision":false,"distillation_max_score":null,"chunk_max_score":0.5}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Query(context.Background(), "q", QueryOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != apperrors.CodeGeneration {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Decision == nil || apiErr.Decision.TierUsed != router.TierChunks {
		t.Errorf("decision = %+v", apiErr.Decision)
	}
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Stats(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("plain-text body should not decode as APIError: %+v", apiErr)
	}
}

func TestClientQueryParams(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		switch r.URL.Path {
		case "/embeddings/search/distillations":
			_ = json.NewEncoder(w).Encode(server.BrowseResponse{Query: got.Get("q")})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"runs": []store.CitationRun{}})
		}
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL})
	ctx := context.Background()

	threshold := 0.25
	if _, err := c.BrowseDistillations(ctx, "moats & demand", 4, &threshold); err != nil {
		t.Fatal(err)
	}
	if got.Get("q") != "moats & demand" || got.Get("limit") != "4" || got.Get("threshold") != "0.25" {
		t.Errorf("browse query = %v", got)
	}

	if _, err := c.ListCitationRuns(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if got.Has("limit") {
		t.Errorf("zero limit should be omitted: %v", got)
	}
}

// newAPIServer serves the real handler chain over an in-memory archive and store.
func newAPIServer(t *testing.T, gen server.Generator) *httptest.Server {
	t.Helper()
	a := archive.NewMemoryStore()
	if err := a.Add(archive.Article{ID: "art-1", Title: "Aggregation Theory", PublicationDate: "2015-07-21"},
		&archive.Distillation{ThesisStatement: "Demand wins."},
		[]archive.Chunk{{ChunkIndex: 0, Content: "text", TokenCount: 12}},
	); err != nil {
		t.Fatal(err)
	}
	h := server.New(server.Config{APIKey: "k"}, server.Deps{
		Generator: gen,
		Archive:   a,
		Store:     store.NewMemoryStore(),
	}, logger.Discard()).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAgainstServer(t *testing.T) {
	srv := newAPIServer(t, generateFunc(func(_ context.Context, req answer.Request) (*answer.Response, error) {
		return &answer.Response{Answer: "echo: " + req.Question, RetrievalTier: router.TierDistillations}, nil
	}))
	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	ctx := context.Background()

	resp, err := c.Query(ctx, "hello", QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Answer != "echo: hello" {
		t.Errorf("Answer = %q", resp.Answer)
	}

	cmp, err := c.Compare(ctx, "art-1")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.Distillation == nil || cmp.Stats.TotalChunks != 1 || cmp.Stats.TotalTokens != 12 {
		t.Errorf("comparison = %+v", cmp)
	}

	e, err := c.AddExample(ctx, server.AddExampleRequest{Question: "What is a moat?"})
	if err != nil {
		t.Fatalf("AddExample: %v", err)
	}
	list, err := c.ListExamples(ctx)
	if err != nil {
		t.Fatalf("ListExamples: %v", err)
	}
	if len(list) != 1 || list[0].ID != e.ID {
		t.Errorf("examples = %+v", list)
	}

	_, err = c.GetRun(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("GetRun(missing) err = %v", err)
	}

	_, err = New(Config{BaseURL: srv.URL}).ListExamples(ctx)
	if !errors.As(err, &apiErr) || apiErr.Code != apperrors.CodeUnauthorized {
		t.Errorf("unauthenticated err = %v", err)
	}
}
