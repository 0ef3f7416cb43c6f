package server

import (
	"errors"
	"net/http"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/evaluation"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/security"
	"github.com/askben/askben/internal/store"
)

// AddExampleRequest is the body of POST /eval/examples.
type AddExampleRequest struct {
	Question   string `json:"question"`
	Category   string `json:"category,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// RunEvalRequest is the body of POST /eval/run.
type RunEvalRequest struct {
	Mode      string   `json:"mode,omitempty"`
	Limit     *int     `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// CitationRequest is the body of POST /eval/citation-accuracy.
type CitationRequest struct {
	Question string `json:"question"`
}

// EvalRunResponse is a finished RAG run with its results inlined.
type EvalRunResponse struct {
	*store.EvalRun
	Results []store.EvalResult `json:"results"`
}

// EvalRunDetail is a stored RAG run.
type EvalRunDetail struct {
	Run     *store.EvalRun     `json:"run"`
	Results []store.EvalResult `json:"results"`
}

// CitationRunResponse is a finished citation run with its results inlined.
type CitationRunResponse struct {
	*store.CitationRun
	Results []store.CitationResult `json:"results"`
}

// CitationRunDetail is a stored citation run.
type CitationRunDetail struct {
	Run     *store.CitationRun     `json:"run"`
	Results []store.CitationResult `json:"results"`
}

// Listing defaults.
const (
	defaultRunList         = 50
	defaultCitationRunList = 10
)

// handleListExamples handles GET /eval/examples.
func (s *Server) handleListExamples(w http.ResponseWriter, r *http.Request) {
	examples, err := s.deps.Store.ListExamples(r.Context())
	if err != nil {
		s.writeError(w, r, storeError("eval examples", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": examples})
}

// handleAddExample handles POST /eval/examples.
func (s *Server) handleAddExample(w http.ResponseWriter, r *http.Request) {
	var req AddExampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	e, err := s.deps.Store.AddExample(r.Context(), store.Example{
		Question:   security.SanitizeQuery(req.Question),
		Category:   req.Category,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		s.writeError(w, r, storeError("eval example", err))
		return
	}

	s.log.WithContext(r.Context()).Info("Eval example added", "example_id", e.ID, "category", e.Category)
	writeJSON(w, http.StatusCreated, e)
}

// handleListRuns handles GET /eval/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r, defaultRunList)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.Store.ListEvalRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, storeError("eval runs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunEval handles POST /eval/run. The run executes within the request.
func (s *Server) handleRunEval(w http.ResponseWriter, r *http.Request) {
	var req RunEvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	mode, err := answer.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := s.cfg.DefaultLimit
	if req.Limit != nil && *req.Limit != 0 {
		limit = *req.Limit
	}
	if err := security.ValidateLimit(limit); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}
	threshold := s.cfg.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if err := security.ValidateThreshold(threshold); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}

	run, results, err := s.deps.Evaluator.RunRAGEval(r.Context(), evaluation.RAGEvalRequest{
		Mode:      mode,
		Limit:     limit,
		Threshold: threshold,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EvalRunResponse{EvalRun: run, Results: nonNil(results)})
}

// handleGetRun handles GET /eval/runs/{run_id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, results, err := s.deps.Store.GetEvalRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, storeError("eval run", err))
		return
	}
	writeJSON(w, http.StatusOK, EvalRunDetail{Run: run, Results: nonNil(results)})
}

// handleCitationSingle handles POST /eval/citation-accuracy. Nothing is persisted.
func (s *Server) handleCitationSingle(w http.ResponseWriter, r *http.Request) {
	var req CitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Evaluator.RunCitationEvalSingle(r.Context(), req.Question)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCitationBatch handles POST /eval/citation-accuracy/batch.
func (s *Server) handleCitationBatch(w http.ResponseWriter, r *http.Request) {
	run, results, err := s.deps.Evaluator.RunCitationEval(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CitationRunResponse{CitationRun: run, Results: nonNil(results)})
}

// handleListCitationRuns handles GET /eval/citation-accuracy/runs.
func (s *Server) handleListCitationRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r, defaultCitationRunList)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.Store.ListCitationRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, storeError("citation runs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetCitationRun handles GET /eval/citation-accuracy/runs/{run_id}.
func (s *Server) handleGetCitationRun(w http.ResponseWriter, r *http.Request) {
	run, results, err := s.deps.Store.GetCitationRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, storeError("citation run", err))
		return
	}
	writeJSON(w, http.StatusOK, CitationRunDetail{Run: run, Results: nonNil(results)})
}

// storeError maps run store failures onto the error taxonomy.
func storeError(resource string, err error) error {
	var ve *security.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFoundError(resource)
	case errors.As(err, &ve):
		return validationError(err)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.StorageError("failed to access "+resource, err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
