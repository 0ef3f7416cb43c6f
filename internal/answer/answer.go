// Package answer produces answers in two modes: tier-routed RAG, and
// reasoning-first drafting with citations attached afterwards.
package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/llm"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/router"
)

// Config configures the generator.
type Config struct {
	// DefaultLimit applies when a request has no limit.
	DefaultLimit int

	// ClaimFanout bounds concurrent per-claim lookups in reasoning mode.
	ClaimFanout int

	// MaxClaims caps the claims extracted from a draft.
	MaxClaims int

	// ClaimLimit is the number of neighbours fetched per tier for each claim.
	ClaimLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit: 5,
		ClaimFanout:  4,
		MaxClaims:    12,
		ClaimLimit:   3,
	}
}

// Request is one question to answer.
type Request struct {
	Question  string
	Limit     int
	Threshold float64
	Mode      Mode
}

// Source types.
const (
	SourceDistillation = "distillation"
	SourceChunk        = "chunk"
)

// Source is one archive item that contributed to an answer.
type Source struct {
	Type            string   `json:"type"`
	ArticleID       string   `json:"article_id"`
	Title           string   `json:"title"`
	Date            string   `json:"date"`
	Similarity      float64  `json:"similarity"`
	Topics          []string `json:"topics,omitempty"`
	ThesisStatement string   `json:"thesis_statement,omitempty"`
	Content         string   `json:"content,omitempty"`
	ChunkIndex      *int     `json:"chunk_index,omitempty"`
}

// Response is a generated answer.
type Response struct {
	Answer          string          `json:"answer"`
	RetrievalTier   router.Tier     `json:"retrieval_tier"`
	TierExplanation string          `json:"tier_explanation"`
	Sources         []Source        `json:"sources"`
	Decision        router.Decision `json:"decision"`
	Attributions    []Attribution   `json:"attributions,omitempty"`

	// Citations is filled by the caller after verifying a reasoning answer.
	Citations []citation.Citation `json:"citations,omitempty"`
}

// Generator answers questions.
type Generator struct {
	cfg      Config
	router   *router.Router
	searcher index.Searcher
	llm      llm.Completer
	log      *logger.Logger
}

// New creates a generator. searcher serves per-claim lookups in reasoning mode.
func New(cfg Config, r *router.Router, searcher index.Searcher, completer llm.Completer, log *logger.Logger) *Generator {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.ClaimFanout <= 0 {
		cfg.ClaimFanout = def.ClaimFanout
	}
	if cfg.MaxClaims <= 0 {
		cfg.MaxClaims = def.MaxClaims
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = def.ClaimLimit
	}
	return &Generator{
		cfg:      cfg,
		router:   r,
		searcher: searcher,
		llm:      completer,
		log:      log.WithComponent("answer"),
	}
}

// Generate answers req. On a generation failure the returned response is
// non-nil and carries the routing decision alongside the error.
func (g *Generator) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Limit <= 0 {
		req.Limit = g.cfg.DefaultLimit
	}

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	switch req.Mode {
	case ModeReasoning:
		resp, err = g.reasoning(ctx, req)
	default:
		resp, err = g.rag(ctx, req)
	}
	if resp != nil {
		resp.TierExplanation = resp.RetrievalTier.Explanation()
		if resp.Sources == nil {
			resp.Sources = []Source{}
		}
	}

	g.log.WithContext(ctx).Debug("Answer generated",
		"mode", req.Mode.String(),
		"duration", time.Since(start),
		"failed", err != nil,
	)
	return resp, err
}

func (g *Generator) rag(ctx context.Context, req Request) (*Response, error) {
	res, err := g.router.Route(ctx, router.Request{Query: req.Question, Threshold: req.Threshold, Limit: req.Limit})
	if err != nil {
		return nil, err
	}

	resp := &Response{RetrievalTier: res.Decision.TierUsed, Decision: res.Decision}
	if res.Decision.TierUsed == router.TierRefused {
		resp.Answer = refusal(res.Decision)
		return resp, nil
	}

	selected := res.Selected()
	resp.Sources = make([]Source, 0, len(selected))
	for _, rr := range selected {
		resp.Sources = append(resp.Sources, SourceFromMatch(rr.Match))
	}

	prompt := llm.Prompt{System: ragSystemPrompt, User: BuildPrompt(req.Question, selected)}
	if len(selected) == 0 {
		prompt = llm.Prompt{System: noGroundingSystemPrompt, User: "Question: " + req.Question}
	}

	text, err := g.llm.Complete(ctx, prompt)
	if err != nil {
		return resp, err
	}
	resp.Answer = text
	return resp, nil
}

func refusal(d router.Decision) string {
	reason := "reproducing archive content in full is not permitted"
	if d.Policy != nil && d.Policy.Reason != "" {
		reason = d.Policy.Reason
	}
	return fmt.Sprintf(refusalTemplate, reason)
}

// BuildPrompt renders the question and numbered context blocks.
func BuildPrompt(question string, results []router.RetrievalResult) string {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	for i, rr := range results {
		fmt.Fprintf(&b, "[%d] %s (%s)", i+1, rr.Article.Title, rr.Article.PublicationDate)
		switch {
		case rr.Distillation != nil:
			b.WriteString(", analytical summary\n")
			fmt.Fprintf(&b, "Thesis: %s\n", rr.Distillation.ThesisStatement)
			if len(rr.Distillation.KeyClaims) > 0 {
				b.WriteString("Key claims:\n")
				for _, kc := range rr.Distillation.KeyClaims {
					fmt.Fprintf(&b, "- %s\n", kc.Claim)
				}
			}
		case rr.Chunk != nil:
			b.WriteString(", full text excerpt\n")
			b.WriteString(rr.Chunk.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s", question)
	return b.String()
}

// SourceFromMatch converts a retrieval match into a Source.
func SourceFromMatch(m index.Match) Source {
	s := Source{
		ArticleID:  m.Article.ID,
		Title:      m.Article.Title,
		Date:       m.Article.PublicationDate,
		Similarity: m.Similarity,
	}
	switch {
	case m.Distillation != nil:
		s.Type = SourceDistillation
		s.Topics = m.Distillation.Topics
		s.ThesisStatement = m.Distillation.ThesisStatement
	case m.Chunk != nil:
		s.Type = SourceChunk
		s.Content = m.Chunk.Content
		idx := m.Chunk.ChunkIndex
		s.ChunkIndex = &idx
	}
	return s
}
