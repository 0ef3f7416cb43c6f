package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/evaluation"
	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/metrics"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/router"
	"github.com/askben/askben/internal/store"
)

type generateFunc func(ctx context.Context, req answer.Request) (*answer.Response, error)

func (f generateFunc) Generate(ctx context.Context, req answer.Request) (*answer.Response, error) {
	return f(ctx, req)
}

type routeFunc func(ctx context.Context, req router.Request) (*router.Result, error)

func (f routeFunc) Route(ctx context.Context, req router.Request) (*router.Result, error) {
	return f(ctx, req)
}

type searchFunc func(ctx context.Context, tier index.Tier, query string, limit int) ([]index.Match, error)

func (f searchFunc) Search(ctx context.Context, tier index.Tier, query string, limit int) ([]index.Match, error) {
	return f(ctx, tier, query, limit)
}

type verifyFunc func(ctx context.Context, answer string) []citation.Citation

func (f verifyFunc) VerifyText(ctx context.Context, answer string) []citation.Citation {
	return f(ctx, answer)
}

type countsFunc func(ctx context.Context) (map[index.Tier]int, error)

func (f countsFunc) Counts(ctx context.Context) (map[index.Tier]int, error) { return f(ctx) }

type fakeEvaluator struct {
	ragReq   evaluation.RAGEvalRequest
	rag      func() (*store.EvalRun, []store.EvalResult, error)
	citation func() (*store.CitationRun, []store.CitationResult, error)
	single   func(question string) (*store.CitationResult, error)
}

func (f *fakeEvaluator) RunRAGEval(_ context.Context, req evaluation.RAGEvalRequest) (*store.EvalRun, []store.EvalResult, error) {
	f.ragReq = req
	return f.rag()
}

func (f *fakeEvaluator) RunCitationEval(context.Context) (*store.CitationRun, []store.CitationResult, error) {
	return f.citation()
}

func (f *fakeEvaluator) RunCitationEvalSingle(_ context.Context, question string) (*store.CitationResult, error) {
	return f.single(question)
}

func score(v float64) *float64 { return &v }

func testArchive(t *testing.T) *archive.MemoryStore {
	t.Helper()
	a := archive.NewMemoryStore()
	err := a.Add(
		archive.Article{ID: "art-agg", Title: "Aggregation Theory", PublicationDate: "2015-07-21", WordCount: 3200, IssueID: "2015-07-21"},
		&archive.Distillation{
			ID:              "dist-agg",
			ThesisStatement: "Aggregators win by owning demand.",
			KeyClaims:       []archive.KeyClaim{{Claim: "Demand beats supply."}},
			Topics:          []string{"aggregation"},
			ConfidenceScore: 0.9,
			Embedding:       []float32{1, 0},
		},
		[]archive.Chunk{
			{ID: "agg-1", ChunkIndex: 1, Content: "second", TokenCount: 20},
			{ID: "agg-0", ChunkIndex: 0, Content: "first", TokenCount: 30, Embedding: []float32{0, 1}},
		},
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := a.Add(archive.Article{ID: "art-bare", Title: "Bare", PublicationDate: "2016-01-01"}, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return a
}

func testMatches(a archive.Article) (index.Match, index.Match) {
	d := &archive.Distillation{ID: "dist-agg", ArticleID: a.ID, ThesisStatement: "thesis", Topics: []string{"aggregation"}}
	c := &archive.Chunk{ID: "agg-0", ArticleID: a.ID, ChunkIndex: 0, Content: "first", TokenCount: 30}
	return index.Match{Tier: index.TierDistillations, ItemID: d.ID, Article: a, Distillation: d, Similarity: 0.42},
		index.Match{Tier: index.TierChunks, ItemID: c.ID, Article: a, Chunk: c, Similarity: 0.18}
}

func newTestServer(t *testing.T, cfg Config, deps Deps) http.Handler {
	t.Helper()
	if deps.Archive == nil {
		deps.Archive = testArchive(t)
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	return New(cfg, deps, logger.Discard()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[apperrors.ErrorResponse](t, rec).Code
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want %q", cfg.Host, "0.0.0.0")
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want %d", cfg.Port, 8080)
	}
	if cfg.Version != "dev" {
		t.Errorf("Version = %q, want %q", cfg.Version, "dev")
	}
	if cfg.DefaultLimit != 5 || cfg.DefaultThreshold != 0.3 {
		t.Errorf("defaults = %d/%v, want 5/0.3", cfg.DefaultLimit, cfg.DefaultThreshold)
	}
	if cfg.ReadTimeout == 0 || cfg.WriteTimeout == 0 || cfg.ShutdownTimeout == 0 {
		t.Error("timeouts should not be zero")
	}
}

func TestNew_FillsZeroValues(t *testing.T) {
	s := New(Config{DefaultThreshold: 0.5}, Deps{}, logger.Discard())
	if s.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", s.Addr())
	}
	if s.cfg.DefaultLimit != 5 {
		t.Errorf("DefaultLimit = %d, want 5", s.cfg.DefaultLimit)
	}
	if s.cfg.DefaultThreshold != 0.5 {
		t.Errorf("DefaultThreshold = %v, want 0.5", s.cfg.DefaultThreshold)
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	w.WriteHeader(http.StatusNotFound)
	w.WriteHeader(http.StatusInternalServerError)
	if w.status != http.StatusNotFound {
		t.Errorf("status = %d, want first written %d", w.status, http.StatusNotFound)
	}
}

func TestQuery_AppliesDefaults(t *testing.T) {
	var got answer.Request
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(_ context.Context, req answer.Request) (*answer.Response, error) {
			got = req
			return &answer.Response{Answer: "ok", RetrievalTier: router.TierDistillations, Sources: []answer.Source{}}, nil
		}),
	})

	rec := do(t, h, http.MethodPost, "/query", map[string]any{"question": "  What is aggregation theory?\x00 "})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.Question != "What is aggregation theory?" {
		t.Errorf("Question = %q, want sanitized", got.Question)
	}
	if got.Limit != 5 || got.Threshold != 0.3 || got.Mode != answer.ModeAuto {
		t.Errorf("request = %+v, want limit 5 threshold 0.3 mode auto", got)
	}

	resp := decode[answer.Response](t, rec)
	if resp.RetrievalTier != router.TierDistillations || resp.Answer != "ok" {
		t.Errorf("response = %+v", resp)
	}
}

func TestQuery_TrailingSlash(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(context.Context, answer.Request) (*answer.Response, error) {
			return &answer.Response{Answer: "ok"}, nil
		}),
	})
	if rec := do(t, h, http.MethodPost, "/query/", map[string]any{"question": "q"}); rec.Code != http.StatusOK {
		t.Errorf("POST /query/ status = %d", rec.Code)
	}
	for _, path := range []string{"/query/anything", "/query/eval/run"} {
		if rec := do(t, h, http.MethodPost, path, map[string]any{"question": "q"}); rec.Code != http.StatusNotFound {
			t.Errorf("POST %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestQuery_Validation(t *testing.T) {
	called := false
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(context.Context, answer.Request) (*answer.Response, error) {
			called = true
			return &answer.Response{}, nil
		}),
	})

	tests := []struct {
		name string
		body any
		code string
	}{
		{"empty question", map[string]any{"question": "   "}, apperrors.CodeValidation},
		{"missing question", map[string]any{}, apperrors.CodeValidation},
		{"limit too large", map[string]any{"question": "q", "limit": 51}, apperrors.CodeValidation},
		{"negative limit", map[string]any{"question": "q", "limit": -1}, apperrors.CodeValidation},
		{"threshold above one", map[string]any{"question": "q", "threshold": 1.5}, apperrors.CodeValidation},
		{"unknown mode", map[string]any{"question": "q", "mode": "chunks-only"}, apperrors.CodeValidation},
		{"long question", map[string]any{"question": strings.Repeat("a", 4001)}, apperrors.CodeValidation},
		{"malformed body", "{not json", apperrors.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/query", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}
	if called {
		t.Error("generator must not run for rejected requests")
	}
}

func TestQuery_GenerationErrorCarriesDecision(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(context.Context, answer.Request) (*answer.Response, error) {
			return &answer.Response{
				RetrievalTier: router.TierHybrid,
				Decision:      router.Decision{TierUsed: router.TierHybrid, Threshold: 0.3, Reasoning: "both tiers"},
			}, apperrors.GenerationError("language model call failed", errors.New("boom"))
		}),
	})

	rec := do(t, h, http.MethodPost, "/query", map[string]any{"question": "q"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	var body struct {
		Code     string          `json:"code"`
		Decision router.Decision `json:"decision"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != apperrors.CodeGeneration {
		t.Errorf("code = %q, want %q", body.Code, apperrors.CodeGeneration)
	}
	if body.Decision.TierUsed != router.TierHybrid || body.Decision.Reasoning != "both tiers" {
		t.Errorf("decision = %+v", body.Decision)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("wrapped error leaked into the response")
	}
}

func TestQuery_ReasoningVerifiesCitations(t *testing.T) {
	m := metrics.New()
	defer m.Close()

	var verified string
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(_ context.Context, req answer.Request) (*answer.Response, error) {
			if req.Mode != answer.ModeReasoning {
				t.Errorf("Mode = %v, want reasoning", req.Mode)
			}
			return &answer.Response{Answer: "Demand wins. [ref:art-agg]", RetrievalTier: router.TierReasoningFirst}, nil
		}),
		Verifier: verifyFunc(func(_ context.Context, text string) []citation.Citation {
			verified = text
			return []citation.Citation{
				{Marker: "[ref:art-agg]", Status: citation.StatusValid},
				{Marker: "[\"Nope\", 2020-01-01]", Status: citation.StatusHallucinated},
			}
		}),
		Metrics: m,
	})

	rec := do(t, h, http.MethodPost, "/query", map[string]any{"question": "q", "mode": "reasoning"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if verified != "Demand wins. [ref:art-agg]" {
		t.Errorf("verified text = %q", verified)
	}

	resp := decode[answer.Response](t, rec)
	if len(resp.Citations) != 2 || resp.Citations[1].Status != citation.StatusHallucinated {
		t.Errorf("citations = %+v", resp.Citations)
	}
	if got := m.Citations.WithLabels("valid").Value(); got != 1 {
		t.Errorf("valid citations metric = %d, want 1", got)
	}
	if got := m.Queries.WithLabels("reasoning", "reasoning-first").Value(); got != 1 {
		t.Errorf("queries metric = %d, want 1", got)
	}
}

func TestQuery_RAGSkipsVerifier(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(context.Context, answer.Request) (*answer.Response, error) {
			return &answer.Response{Answer: "ok", RetrievalTier: router.TierChunks}, nil
		}),
		Verifier: verifyFunc(func(context.Context, string) []citation.Citation {
			t.Error("verifier called for a RAG answer")
			return nil
		}),
	})
	if rec := do(t, h, http.MethodPost, "/query", map[string]any{"question": "q"}); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestInspect(t *testing.T) {
	a := archive.Article{ID: "art-agg", Title: "Aggregation Theory", PublicationDate: "2015-07-21", IssueID: "2015-07-21"}
	dm, cm := testMatches(a)

	var got router.Request
	h := newTestServer(t, DefaultConfig(), Deps{
		Router: routeFunc(func(_ context.Context, req router.Request) (*router.Result, error) {
			got = req
			return &router.Result{
				Decision: router.Decision{
					DistillationMaxScore: score(0.42),
					ChunkMaxScore:        score(0.18),
					TierUsed:             router.TierDistillations,
					Threshold:            req.Threshold,
				},
				Distillations: []router.RetrievalResult{{Match: dm, AboveThreshold: true}},
				Chunks:        []router.RetrievalResult{{Match: cm, AboveThreshold: false}},
			}, nil
		}),
	})

	rec := do(t, h, http.MethodPost, "/retrieval/inspect", map[string]any{"query": "aggregation", "limit": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.Limit != 3 || got.Threshold != 0.3 || got.Query != "aggregation" {
		t.Errorf("router request = %+v", got)
	}

	resp := decode[InspectResponse](t, rec)
	if resp.Decision.TierUsed != router.TierDistillations {
		t.Errorf("tier = %v", resp.Decision.TierUsed)
	}
	if resp.DistillationCount != 1 || resp.DistillationsAboveThreshold != 1 {
		t.Errorf("distillation counts = %d/%d", resp.DistillationsAboveThreshold, resp.DistillationCount)
	}
	if resp.ChunkCount != 1 || resp.ChunksAboveThreshold != 0 {
		t.Errorf("chunk counts = %d/%d", resp.ChunksAboveThreshold, resp.ChunkCount)
	}
	d := resp.Distillations[0]
	if d.DistillationID != "dist-agg" || d.ThesisStatement != "thesis" || d.IssueID != "2015-07-21" || !d.AboveThreshold {
		t.Errorf("distillation item = %+v", d)
	}
	c := resp.Chunks[0]
	if c.ChunkID != "agg-0" || c.ChunkIndex == nil || *c.ChunkIndex != 0 || c.TokenCount != 30 || c.AboveThreshold {
		t.Errorf("chunk item = %+v", c)
	}
}

func TestInspect_RequiresQuery(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Router: routeFunc(func(context.Context, router.Request) (*router.Result, error) {
			t.Error("router called without a query")
			return &router.Result{}, nil
		}),
	})
	rec := do(t, h, http.MethodPost, "/retrieval/inspect", map[string]any{"question": "wrong field"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if body := decode[apperrors.ErrorResponse](t, rec); body.Details["field"] != "query" {
		t.Errorf("details = %v, want field=query", body.Details)
	}
}

func TestComparison(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})

	rec := do(t, h, http.MethodGet, "/retrieval/article/art-agg/comparison", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[ComparisonResponse](t, rec)
	if resp.Article.Title != "Aggregation Theory" || resp.Article.WordCount != 3200 {
		t.Errorf("article = %+v", resp.Article)
	}
	if resp.Distillation == nil || resp.Distillation.ThesisStatement != "Aggregators win by owning demand." {
		t.Errorf("distillation = %+v", resp.Distillation)
	}
	if resp.Stats.TotalChunks != 2 || resp.Stats.TotalTokens != 50 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if resp.Chunks[0].ChunkIndex != 0 || resp.Chunks[1].ChunkIndex != 1 {
		t.Errorf("chunks not ordered by index: %+v", resp.Chunks)
	}
}

func TestComparison_NoDistillation(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})

	rec := do(t, h, http.MethodGet, "/retrieval/article/art-bare/comparison", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"distillation":null`) || !strings.Contains(rec.Body.String(), `"chunks":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestComparison_UnknownArticle(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})

	rec := do(t, h, http.MethodGet, "/retrieval/article/missing/comparison", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != apperrors.CodeNotFound {
		t.Errorf("code = %q", code)
	}
}

func TestEvalExamples(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})

	rec := do(t, h, http.MethodPost, "/eval/examples", map[string]any{"question": " What is a moat? ", "category": "strategy"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	added := decode[store.Example](t, rec)
	if added.ID == "" || added.Question != "What is a moat?" || added.Category != "strategy" {
		t.Errorf("example = %+v", added)
	}

	rec = do(t, h, http.MethodGet, "/eval/examples", nil)
	list := decode[struct {
		Examples []store.Example `json:"examples"`
	}](t, rec)
	if len(list.Examples) != 1 || list.Examples[0].ID != added.ID {
		t.Errorf("examples = %+v", list.Examples)
	}

	rec = do(t, h, http.MethodPost, "/eval/examples", map[string]any{"question": ""})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != apperrors.CodeValidation {
		t.Errorf("empty question: status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestEvalExamples_EmptyList(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})
	rec := do(t, h, http.MethodGet, "/eval/examples", nil)
	if strings.TrimSpace(rec.Body.String()) != `{"examples":[]}` {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRunEval(t *testing.T) {
	ev := &fakeEvaluator{rag: func() (*store.EvalRun, []store.EvalResult, error) {
		run := &store.EvalRun{ID: "run-1", Status: store.StatusCompleted, TotalExamples: 2}
		run.AvgScore = 4
		run.ScoredExamples = 2
		return run, []store.EvalResult{{RunID: "run-1", AvgScore: 4}, {RunID: "run-1", AvgScore: 4}}, nil
	}}
	h := newTestServer(t, DefaultConfig(), Deps{Evaluator: ev})

	rec := do(t, h, http.MethodPost, "/eval/run", map[string]any{"mode": "auto", "limit": 3, "threshold": 0.4})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ev.ragReq.Limit != 3 || ev.ragReq.Threshold != 0.4 || ev.ragReq.Mode != answer.ModeAuto {
		t.Errorf("eval request = %+v", ev.ragReq)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["run_id"] != "run-1" || body["avg_score"] != 4.0 || body["status"] != "completed" {
		t.Errorf("run summary = %v", body)
	}
	if results, _ := body["results"].([]any); len(results) != 2 {
		t.Errorf("results = %v", body["results"])
	}
}

func TestRunEval_Defaults(t *testing.T) {
	ev := &fakeEvaluator{rag: func() (*store.EvalRun, []store.EvalResult, error) {
		return &store.EvalRun{ID: "run-1"}, nil, nil
	}}
	h := newTestServer(t, DefaultConfig(), Deps{Evaluator: ev})

	rec := do(t, h, http.MethodPost, "/eval/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ev.ragReq.Limit != 5 || ev.ragReq.Threshold != 0.3 {
		t.Errorf("eval request = %+v, want defaults", ev.ragReq)
	}
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRunEval_NoExamples(t *testing.T) {
	ev := &fakeEvaluator{rag: func() (*store.EvalRun, []store.EvalResult, error) {
		return nil, nil, apperrors.ValidationError("no evaluation examples; add some first")
	}}
	h := newTestServer(t, DefaultConfig(), Deps{Evaluator: ev})

	rec := do(t, h, http.MethodPost, "/eval/run", map[string]any{})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != apperrors.CodeValidation {
		t.Errorf("status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestEvalRuns_FromStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	run, err := st.CreateEvalRun(ctx, store.EvalRun{Mode: "auto", TotalExamples: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AppendEvalResult(ctx, run.ID, store.EvalResult{Question: "q", AvgScore: 3, RetrievalTier: router.TierChunks}); err != nil {
		t.Fatal(err)
	}
	h := newTestServer(t, DefaultConfig(), Deps{Store: st})

	rec := do(t, h, http.MethodGet, "/eval/runs", nil)
	list := decode[struct {
		Runs []store.EvalRun `json:"runs"`
	}](t, rec)
	if len(list.Runs) != 1 || list.Runs[0].ID != run.ID {
		t.Errorf("runs = %+v", list.Runs)
	}

	rec = do(t, h, http.MethodGet, "/eval/runs/"+run.ID, nil)
	detail := decode[EvalRunDetail](t, rec)
	if detail.Run == nil || detail.Run.Status != store.StatusRunning {
		t.Errorf("run = %+v", detail.Run)
	}
	if len(detail.Results) != 1 || detail.Results[0].RetrievalTier != router.TierChunks {
		t.Errorf("results = %+v", detail.Results)
	}

	rec = do(t, h, http.MethodGet, "/eval/runs/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/eval/runs?limit=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestCitationAccuracy(t *testing.T) {
	var asked string
	ev := &fakeEvaluator{
		single: func(q string) (*store.CitationResult, error) {
			asked = q
			r := store.NewCitationResult(q, "answer", []citation.Citation{{Status: citation.StatusValid}, {Status: citation.StatusExistsButMisused}})
			return &r, nil
		},
		citation: func() (*store.CitationRun, []store.CitationResult, error) {
			run := &store.CitationRun{ID: "crun-1", Status: store.StatusCompleted, TotalExamples: 1}
			run.Total, run.Valid, run.OverallAccuracy = 2, 1, 0.5
			return run, []store.CitationResult{store.NewCitationResult("q", "a", nil)}, nil
		},
	}
	h := newTestServer(t, DefaultConfig(), Deps{Evaluator: ev})

	rec := do(t, h, http.MethodPost, "/eval/citation-accuracy", map[string]any{"question": "Why bundle?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if asked != "Why bundle?" {
		t.Errorf("question = %q", asked)
	}
	single := decode[store.CitationResult](t, rec)
	if single.TotalCitations != 2 || single.Valid != 1 || single.AccuracyScore != 0.5 {
		t.Errorf("result = %+v", single)
	}

	rec = do(t, h, http.MethodPost, "/eval/citation-accuracy/batch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d", rec.Code)
	}
	var batch map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatal(err)
	}
	if batch["run_id"] != "crun-1" || batch["overall_accuracy"] != 0.5 || batch["total_citations"] != 2.0 {
		t.Errorf("batch = %v", batch)
	}
}

func TestCitationAccuracy_ValidationError(t *testing.T) {
	ev := &fakeEvaluator{single: func(string) (*store.CitationResult, error) {
		return nil, apperrors.ValidationError("question is required").WithDetail("field", "question")
	}}
	h := newTestServer(t, DefaultConfig(), Deps{Evaluator: ev})

	rec := do(t, h, http.MethodPost, "/eval/citation-accuracy", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCitationRuns_FromStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	var ids []string
	for range 12 {
		run, err := st.CreateCitationRun(ctx, store.CitationRun{TotalExamples: 1})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}
	h := newTestServer(t, DefaultConfig(), Deps{Store: st})

	rec := do(t, h, http.MethodGet, "/eval/citation-accuracy/runs", nil)
	list := decode[struct {
		Runs []store.CitationRun `json:"runs"`
	}](t, rec)
	if len(list.Runs) != 10 {
		t.Errorf("default listing = %d runs, want 10", len(list.Runs))
	}

	rec = do(t, h, http.MethodGet, "/eval/citation-accuracy/runs?limit=3", nil)
	list = decode[struct {
		Runs []store.CitationRun `json:"runs"`
	}](t, rec)
	if len(list.Runs) != 3 {
		t.Errorf("limit=3 listing = %d runs", len(list.Runs))
	}

	rec = do(t, h, http.MethodGet, "/eval/citation-accuracy/runs/"+ids[0], nil)
	detail := decode[CitationRunDetail](t, rec)
	if detail.Run == nil || detail.Run.ID != ids[0] || detail.Results == nil {
		t.Errorf("detail = %+v", detail)
	}

	rec = do(t, h, http.MethodGet, "/eval/citation-accuracy/runs?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=abc status = %d, want 400", rec.Code)
	}
}

func TestStats(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Index: countsFunc(func(context.Context) (map[index.Tier]int, error) {
			return map[index.Tier]int{index.TierDistillations: 1, index.TierChunks: 1}, nil
		}),
	})

	rec := do(t, h, http.MethodGet, "/embeddings/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[StatsResponse](t, rec)
	if resp.TotalArticles != 2 || resp.TotalDistillations != 1 || resp.TotalChunks != 2 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if resp.TotalDistillationEmbeddings != 1 || resp.TotalChunkEmbeddings != 1 {
		t.Errorf("embedding stats = %+v", resp.Stats)
	}
	if resp.IndexVectors[index.TierChunks] != 1 {
		t.Errorf("index vectors = %v", resp.IndexVectors)
	}
}

func TestStats_IndexDown(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Index: countsFunc(func(context.Context) (map[index.Tier]int, error) {
			return nil, apperrors.RetrievalError("chunks index unavailable", errors.New("dial"))
		}),
	})

	rec := do(t, h, http.MethodGet, "/embeddings/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[StatsResponse](t, rec)
	if resp.IndexError != "chunks index unavailable" || resp.TotalArticles != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBrowseDistillations(t *testing.T) {
	a := archive.Article{ID: "art-agg", Title: "Aggregation Theory", PublicationDate: "2015-07-21"}
	dm, _ := testMatches(a)
	low := dm
	low.Similarity = 0.1

	var gotTier index.Tier
	var gotLimit int
	h := newTestServer(t, DefaultConfig(), Deps{
		Searcher: searchFunc(func(_ context.Context, tier index.Tier, _ string, limit int) ([]index.Match, error) {
			gotTier, gotLimit = tier, limit
			return []index.Match{dm, low}, nil
		}),
	})

	rec := do(t, h, http.MethodGet, "/embeddings/search/distillations?q=aggregation&threshold=0.3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotTier != index.TierDistillations || gotLimit != defaultBrowseLimit {
		t.Errorf("search(%q, %d)", gotTier, gotLimit)
	}
	resp := decode[BrowseResponse](t, rec)
	if resp.Count != 2 || resp.AboveThreshold != 1 {
		t.Errorf("count=%d above=%d", resp.Count, resp.AboveThreshold)
	}
	if !resp.Results[0].AboveThreshold || resp.Results[1].AboveThreshold {
		t.Errorf("above_threshold flags = %+v", resp.Results)
	}

	for _, path := range []string{
		"/embeddings/search/distillations",
		"/embeddings/search/distillations?q=x&threshold=nan-ish",
		"/embeddings/search/distillations?q=x&limit=500",
	} {
		if rec := do(t, h, http.MethodGet, path, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	healthy := countsFunc(func(context.Context) (map[index.Tier]int, error) { return map[index.Tier]int{}, nil })
	h := newTestServer(t, Config{Version: "1.2.3"}, Deps{Index: healthy})

	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, body %s", rec.Code, rec.Body.String())
	}
	status := decode[HealthStatus](t, rec)
	if status.Status != StatusHealthy || status.Version != "1.2.3" || len(status.Components) != 2 {
		t.Errorf("status = %+v", status)
	}

	rec = do(t, h, http.MethodGet, "/version", nil)
	if v := decode[map[string]string](t, rec)["version"]; v != "1.2.3" {
		t.Errorf("version = %q", v)
	}
}

func TestReadyz_IndexDown(t *testing.T) {
	down := countsFunc(func(context.Context) (map[index.Tier]int, error) { return nil, errors.New("unreachable") })
	h := newTestServer(t, DefaultConfig(), Deps{Index: down})

	rec := do(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	status := decode[HealthStatus](t, rec)
	if status.Components["index"].Status != StatusUnhealthy || status.Components["archive"].Status != StatusHealthy {
		t.Errorf("components = %+v", status.Components)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret"}, Deps{})

	if rec := do(t, h, http.MethodGet, "/eval/examples", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz should be exempt, status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/eval/examples", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: 1}, Deps{})

	var limited bool
	for range 5 {
		if rec := do(t, h, http.MethodGet, "/eval/examples", nil); rec.Code == http.StatusTooManyRequests {
			limited = true
			if errorCode(t, rec) != apperrors.CodeRateLimited {
				t.Errorf("code = %q", errorCode(t, rec))
			}
		}
	}
	if !limited {
		t.Error("expected a 429 after the burst")
	}
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz should be exempt, status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, Config{CORSOrigins: "https://ui.example.com"}, Deps{})

	req := httptest.NewRequest(http.MethodOptions, "/query", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unlisted origin = %q", got)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	m := metrics.New()
	defer m.Close()
	h := newTestServer(t, DefaultConfig(), Deps{Metrics: m})

	do(t, h, http.MethodGet, "/eval/runs/abc", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `askben_http_requests_total{method="GET",path="/eval/runs/{run_id}",status="404"} 1`) {
		t.Errorf("metrics output missing normalized request:\n%s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/metrics/history", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"series"`) {
		t.Errorf("history status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{})

	if rec := do(t, h, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/eval/run", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /eval/run status = %d, want 405", rec.Code)
	}
}

func TestPanicRecovered(t *testing.T) {
	h := newTestServer(t, DefaultConfig(), Deps{
		Generator: generateFunc(func(context.Context, answer.Request) (*answer.Response, error) {
			panic("nil map")
		}),
	})

	rec := do(t, h, http.MethodPost, "/query", map[string]any{"question": "q"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if code := errorCode(t, rec); code != apperrors.CodeInternal {
		t.Errorf("code = %q", code)
	}
	if strings.Contains(rec.Body.String(), "nil map") {
		t.Error("panic value leaked into the response")
	}
}
