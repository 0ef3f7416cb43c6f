package server

import (
	"net/http"
	"time"

	"github.com/askben/askben/internal/answer"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/security"
	"github.com/askben/askben/internal/router"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Question  string   `json:"question"`
	Limit     *int     `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// queryError is a failed answer that still carries the routing decision.
type queryError struct {
	apperrors.ErrorResponse
	Decision *router.Decision `json:"decision,omitempty"`
}

// handleQuery handles POST /query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	question, limit, threshold, err := s.retrievalParams("question", req.Question, req.Limit, req.Threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mode, err := answer.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	resp, err := s.deps.Generator.Generate(r.Context(), answer.Request{
		Question:  question,
		Limit:     limit,
		Threshold: threshold,
		Mode:      mode,
	})
	if err != nil {
		status, body := apperrors.Response(err)
		if m := s.deps.Metrics; m != nil {
			m.RecordQueryError(body.Code)
		}
		s.log.WithContext(r.Context()).WithError(err).Warn("Query failed",
			"mode", mode.String(),
			"question", security.SanitizeForLog(question),
		)
		out := queryError{ErrorResponse: body}
		if resp != nil {
			out.Decision = &resp.Decision
		}
		writeJSON(w, status, out)
		return
	}

	if resp.RetrievalTier == router.TierReasoningFirst && s.deps.Verifier != nil {
		resp.Citations = s.deps.Verifier.VerifyText(r.Context(), resp.Answer)
	}

	if m := s.deps.Metrics; m != nil {
		m.RecordQuery(mode.String(), resp.RetrievalTier.String(), time.Since(start))
		statuses := make([]string, len(resp.Citations))
		for i, c := range resp.Citations {
			statuses[i] = c.Status.String()
		}
		m.RecordCitations(statuses...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError writes err as a JSON error body, logging server-side failures.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := apperrors.Response(err)
	if status >= http.StatusInternalServerError {
		s.log.WithContext(r.Context()).WithError(err).Error("Request failed",
			"method", r.Method,
			"path", security.SanitizeForLog(r.URL.Path),
			"code", body.Code,
		)
	}
	writeJSON(w, status, body)
}
