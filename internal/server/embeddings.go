package server

import (
	"net/http"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/index"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/router"
)

// StatsResponse is the body of GET /embeddings/stats.
type StatsResponse struct {
	archive.Stats
	IndexVectors map[index.Tier]int `json:"index_vectors,omitempty"`
	IndexError   string             `json:"index_error,omitempty"`
}

// BrowseResponse is the body of GET /embeddings/search/distillations.
type BrowseResponse struct {
	Query          string          `json:"query"`
	Threshold      float64         `json:"threshold"`
	Results        []RetrievalItem `json:"results"`
	Count          int             `json:"count"`
	AboveThreshold int             `json:"above_threshold"`
}

// defaultBrowseLimit is the page size of the archive browser.
const defaultBrowseLimit = 20

// handleStats handles GET /embeddings/stats. Archive totals are required;
// an unreachable index is reported in the body.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.deps.Archive.Stats(ctx)
	if err != nil {
		s.writeError(w, r, archiveError("archive stats", err))
		return
	}

	resp := StatsResponse{Stats: stats}
	if s.deps.Index != nil {
		if counts, err := s.deps.Index.Counts(ctx); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("Index counts unavailable")
			_, body := apperrors.Response(err)
			resp.IndexError = body.Message
		} else {
			resp.IndexVectors = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBrowseDistillations handles GET /embeddings/search/distillations.
func (s *Server) handleBrowseDistillations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == nil {
		n := defaultBrowseLimit
		limit = &n
	}
	threshold, err := queryFloat(r, "threshold")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q, l, t, err := s.retrievalParams("q", r.URL.Query().Get("q"), limit, threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	matches, err := s.deps.Searcher.Search(r.Context(), index.TierDistillations, q, l)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := BrowseResponse{Query: q, Threshold: t, Results: make([]RetrievalItem, 0, len(matches))}
	for _, m := range matches {
		rr := router.RetrievalResult{Match: m, AboveThreshold: m.Similarity >= t}
		resp.Results = append(resp.Results, retrievalItem(rr))
		if rr.AboveThreshold {
			resp.AboveThreshold++
		}
	}
	resp.Count = len(resp.Results)
	writeJSON(w, http.StatusOK, resp)
}
