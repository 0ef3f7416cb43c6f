// Package store persists the evaluation corpus and the runs executed over it.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/pkg/security"
	"github.com/askben/askben/internal/router"
)

// Example is one question in the evaluation corpus.
type Example struct {
	ID         string    `json:"example_id"`
	Question   string    `json:"question"`
	Category   string    `json:"category,omitempty"`
	Difficulty string    `json:"difficulty,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the example's user-supplied fields.
func (e *Example) Validate() error {
	if err := security.ValidateQuestion("question", e.Question); err != nil {
		return err
	}
	if err := security.ValidateCategory("category", e.Category); err != nil {
		return err
	}
	return security.ValidateCategory("difficulty", e.Difficulty)
}

// Normalize trims the example's text fields.
func (e *Example) Normalize() {
	e.Question = strings.TrimSpace(e.Question)
	e.Category = strings.TrimSpace(e.Category)
	e.Difficulty = strings.TrimSpace(e.Difficulty)
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// StatusRunning runs accept results.
	StatusRunning RunStatus = "running"

	// StatusCompleted runs resolved every example.
	StatusCompleted RunStatus = "completed"

	// StatusIncomplete runs hit the run deadline; unreached examples are
	// recorded as excluded.
	StatusIncomplete RunStatus = "incomplete"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusIncomplete:
		return true
	}
	return false
}

// Finished reports whether the run no longer accepts writes.
func (s RunStatus) Finished() bool {
	return s == StatusCompleted || s == StatusIncomplete
}

// EvalAggregate is the derived summary of an eval run's results.
type EvalAggregate struct {
	ScoredExamples   int            `json:"scored_examples"`
	ExcludedExamples int            `json:"excluded_examples"`
	AvgScore         float64        `json:"avg_score"`
	AvgRelevance     float64        `json:"avg_relevance"`
	AvgFaithfulness  float64        `json:"avg_faithfulness"`
	AvgCompleteness  float64        `json:"avg_completeness"`
	TierCounts       map[string]int `json:"tier_counts,omitempty"`
	WriteFailures    int            `json:"write_failures,omitempty"`
}

// EvalRun is one batch of LLM-judged RAG answers.
type EvalRun struct {
	ID            string     `json:"run_id"`
	Mode          string     `json:"mode"`
	Limit         int        `json:"limit"`
	Threshold     float64    `json:"threshold"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TotalExamples int        `json:"total_examples"`
	EvalAggregate
}

// EvalResult is the judged answer for one example. Excluded results carry
// no scores and are left out of every aggregate.
type EvalResult struct {
	ID                string      `json:"result_id"`
	RunID             string      `json:"run_id"`
	ExampleID         string      `json:"example_id"`
	Position          int         `json:"position"`
	Question          string      `json:"question"`
	Answer            string      `json:"answer,omitempty"`
	RetrievalTier     router.Tier `json:"retrieval_tier"`
	RelevanceScore    float64     `json:"relevance_score"`
	FaithfulnessScore float64     `json:"faithfulness_score"`
	CompletenessScore float64     `json:"completeness_score"`
	AvgScore          float64     `json:"avg_score"`
	JudgeReasoning    string      `json:"judge_reasoning"`
	Excluded          bool        `json:"excluded"`
	Error             string      `json:"error,omitempty"`
	DurationMS        int64       `json:"duration_ms"`
	CreatedAt         time.Time   `json:"created_at"`
}

// CitationAggregate is the derived summary of a citation run's results.
type CitationAggregate struct {
	ScoredExamples   int `json:"scored_examples"`
	ExcludedExamples int `json:"excluded_examples"`
	citation.Counts
	OverallAccuracy float64 `json:"overall_accuracy"`
	WriteFailures   int     `json:"write_failures,omitempty"`
}

// CitationRun is one batch of reasoning-mode answers with verified citations.
type CitationRun struct {
	ID            string     `json:"run_id"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TotalExamples int        `json:"total_examples"`
	CitationAggregate
}

// CitationResult is the verified citation set of one answer.
type CitationResult struct {
	ID             string              `json:"result_id,omitempty"`
	RunID          string              `json:"run_id,omitempty"`
	ExampleID      string              `json:"example_id,omitempty"`
	Position       int                 `json:"position"`
	Question       string              `json:"question"`
	Answer         string              `json:"answer,omitempty"`
	TotalCitations int                 `json:"total_citations"`
	Valid          int                 `json:"valid"`
	Misused        int                 `json:"misused"`
	Hallucinated   int                 `json:"hallucinated"`
	AccuracyScore  float64             `json:"accuracy_score"`
	Details        []citation.Citation `json:"details"`
	Excluded       bool                `json:"excluded"`
	Error          string              `json:"error,omitempty"`
	DurationMS     int64               `json:"duration_ms"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Counts returns the result's citation tally.
func (r *CitationResult) Counts() citation.Counts {
	return citation.Counts{
		Total:        r.TotalCitations,
		Valid:        r.Valid,
		Misused:      r.Misused,
		Hallucinated: r.Hallucinated,
	}
}

// NewCitationResult builds a scored result from verified citations.
func NewCitationResult(question, answer string, cits []citation.Citation) CitationResult {
	c := citation.Tally(cits)
	if cits == nil {
		cits = []citation.Citation{}
	}
	return CitationResult{
		Question:       question,
		Answer:         answer,
		TotalCitations: c.Total,
		Valid:          c.Valid,
		Misused:        c.Misused,
		Hallucinated:   c.Hallucinated,
		AccuracyScore:  c.Accuracy(),
		Details:        cits,
	}
}

func checkStatus(s RunStatus) error {
	if !s.Valid() {
		return fmt.Errorf("store: invalid run status %q", s)
	}
	return nil
}

func checkFinal(s RunStatus) error {
	if !s.Finished() {
		return fmt.Errorf("store: %q is not a final run status", s)
	}
	return nil
}
