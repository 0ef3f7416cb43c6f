package server

import (
	"errors"
	"net/http"

	"github.com/askben/askben/internal/archive"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/router"
)

// InspectRequest is the body of POST /retrieval/inspect.
type InspectRequest struct {
	Query     string   `json:"query"`
	Limit     *int     `json:"limit,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// RetrievalItem is one scored distillation or chunk.
type RetrievalItem struct {
	DistillationID  string              `json:"distillation_id,omitempty"`
	ChunkID         string              `json:"chunk_id,omitempty"`
	ArticleID       string              `json:"article_id"`
	Title           string              `json:"title"`
	PublicationDate string              `json:"publication_date"`
	IssueID         string              `json:"issue_id,omitempty"`
	Similarity      float64             `json:"similarity"`
	AboveThreshold  bool                `json:"above_threshold"`
	ThesisStatement string              `json:"thesis_statement,omitempty"`
	KeyClaims       []archive.KeyClaim  `json:"key_claims,omitempty"`
	Topics          []string            `json:"topics,omitempty"`
	Entities        map[string][]string `json:"entities,omitempty"`
	ChunkIndex      *int                `json:"chunk_index,omitempty"`
	Content         string              `json:"content,omitempty"`
	TokenCount      int                 `json:"token_count,omitempty"`
}

// InspectResponse is the body returned by POST /retrieval/inspect.
type InspectResponse struct {
	Decision                    router.Decision `json:"decision"`
	Distillations               []RetrievalItem `json:"distillations"`
	Chunks                      []RetrievalItem `json:"chunks"`
	DistillationCount           int             `json:"distillation_count"`
	DistillationsAboveThreshold int             `json:"distillations_above_threshold"`
	ChunkCount                  int             `json:"chunk_count"`
	ChunksAboveThreshold        int             `json:"chunks_above_threshold"`
}

// ComparisonResponse is the body returned by the article comparison endpoint.
type ComparisonResponse struct {
	Article      archive.Article       `json:"article"`
	Distillation *archive.Distillation `json:"distillation"`
	Chunks       []archive.Chunk       `json:"chunks"`
	Stats        ComparisonStats       `json:"stats"`
}

// ComparisonStats summarises the chunk side of a comparison.
type ComparisonStats struct {
	TotalChunks int `json:"total_chunks"`
	TotalTokens int `json:"total_tokens"`
}

// handleInspect handles POST /retrieval/inspect.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req InspectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	query, limit, threshold, err := s.retrievalParams("query", req.Query, req.Limit, req.Threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Router.Route(r.Context(), router.Request{Query: query, Threshold: threshold, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := InspectResponse{
		Decision:      res.Decision,
		Distillations: retrievalItems(res.Distillations),
		Chunks:        retrievalItems(res.Chunks),
	}
	resp.DistillationCount, resp.DistillationsAboveThreshold = countAbove(res.Distillations)
	resp.ChunkCount, resp.ChunksAboveThreshold = countAbove(res.Chunks)
	writeJSON(w, http.StatusOK, resp)
}

// handleComparison handles GET /retrieval/article/{article_id}/comparison.
func (s *Server) handleComparison(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("article_id")
	ctx := r.Context()

	a, err := s.deps.Archive.GetArticle(ctx, id)
	if err != nil {
		s.writeError(w, r, archiveError("article", err))
		return
	}

	d, err := s.deps.Archive.GetDistillation(ctx, id)
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		s.writeError(w, r, archiveError("distillation", err))
		return
	}

	chunks, err := s.deps.Archive.GetChunks(ctx, id)
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		s.writeError(w, r, archiveError("chunks", err))
		return
	}
	if chunks == nil {
		chunks = []archive.Chunk{}
	}

	resp := ComparisonResponse{
		Article:      *a,
		Distillation: d,
		Chunks:       chunks,
		Stats:        ComparisonStats{TotalChunks: len(chunks)},
	}
	for _, c := range chunks {
		resp.Stats.TotalTokens += c.TokenCount
	}
	writeJSON(w, http.StatusOK, resp)
}

// archiveError maps archive failures onto the error taxonomy.
func archiveError(resource string, err error) error {
	if errors.Is(err, archive.ErrNotFound) {
		return apperrors.NotFoundError(resource)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.StorageError("failed to read "+resource, err)
}

func retrievalItems(results []router.RetrievalResult) []RetrievalItem {
	out := make([]RetrievalItem, 0, len(results))
	for _, rr := range results {
		out = append(out, retrievalItem(rr))
	}
	return out
}

func retrievalItem(rr router.RetrievalResult) RetrievalItem {
	it := RetrievalItem{
		ArticleID:       rr.Article.ID,
		Title:           rr.Article.Title,
		PublicationDate: rr.Article.PublicationDate,
		IssueID:         rr.Article.IssueID,
		Similarity:      rr.Similarity,
		AboveThreshold:  rr.AboveThreshold,
	}
	switch {
	case rr.Distillation != nil:
		d := rr.Distillation
		it.DistillationID = d.ID
		it.ThesisStatement = d.ThesisStatement
		it.KeyClaims = d.KeyClaims
		it.Topics = d.Topics
		it.Entities = d.Entities
	case rr.Chunk != nil:
		c := rr.Chunk
		it.ChunkID = c.ID
		idx := c.ChunkIndex
		it.ChunkIndex = &idx
		it.Content = c.Content
		it.TokenCount = c.TokenCount
	}
	return it
}

func countAbove(results []router.RetrievalResult) (total, above int) {
	for _, rr := range results {
		if rr.AboveThreshold {
			above++
		}
	}
	return len(results), above
}
