// Package evaluation runs batch quality evaluations: LLM-judged RAG answers
// and citation accuracy of reasoning-first answers.
package evaluation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/bus"
	"github.com/askben/askben/internal/citation"
	apperrors "github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/pkg/security"
	"github.com/askben/askben/internal/store"
)

// Run kinds.
const (
	KindRAG      = "rag"
	KindCitation = "citation"
)

// Config configures the harness.
type Config struct {
	// Workers bounds concurrently evaluated examples.
	Workers int

	// ExampleTimeout bounds one example, judge included.
	ExampleTimeout time.Duration

	// RunTimeout bounds a whole batch. Examples not started by then are
	// recorded as excluded and the run is marked incomplete.
	RunTimeout time.Duration

	DefaultLimit     int
	DefaultThreshold float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          3,
		ExampleTimeout:   3 * time.Minute,
		RunTimeout:       30 * time.Minute,
		DefaultLimit:     5,
		DefaultThreshold: 0.3,
	}
}

// Answerer produces answers; *answer.Generator satisfies it.
type Answerer interface {
	Generate(ctx context.Context, req answer.Request) (*answer.Response, error)
}

// Verifier checks the citations in an answer; *citation.Verifier satisfies it.
type Verifier interface {
	VerifyText(ctx context.Context, answer string) []citation.Citation
}

// Recorder observes evaluated examples.
type Recorder interface {
	RecordEvalExample(kind string, excluded bool, duration time.Duration)
}

// Deps are the harness collaborators. Bus and Metrics are optional.
type Deps struct {
	Answerer Answerer
	Judge    Judge
	Verifier Verifier
	Store    store.Store
	Bus      bus.Bus
	Metrics  Recorder
}

// Harness executes evaluation runs.
type Harness struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
}

// New creates a harness.
func New(cfg Config, deps Deps, log *logger.Logger) *Harness {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ExampleTimeout <= 0 {
		cfg.ExampleTimeout = def.ExampleTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	return &Harness{cfg: cfg, deps: deps, log: log.WithComponent("evaluation")}
}

// RAGEvalRequest parameterizes a RAG evaluation run.
type RAGEvalRequest struct {
	Mode      answer.Mode
	Limit     int
	Threshold float64
}

// RunRAGEval answers and judges every example, persisting the run as it
// goes. Example failures are recorded as excluded results; only store
// failures and an empty example set are returned as errors.
func (h *Harness) RunRAGEval(ctx context.Context, req RAGEvalRequest) (*store.EvalRun, []store.EvalResult, error) {
	if req.Limit <= 0 {
		req.Limit = h.cfg.DefaultLimit
	}
	examples, err := h.examples(ctx)
	if err != nil {
		return nil, nil, err
	}

	run, err := h.deps.Store.CreateEvalRun(ctx, store.EvalRun{
		Mode:          req.Mode.String(),
		Limit:         req.Limit,
		Threshold:     req.Threshold,
		TotalExamples: len(examples),
	})
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to create eval run", err)
	}

	log := h.log.WithRun(run.ID)
	log.Info("Eval run started", "kind", KindRAG, "examples", len(examples), "mode", run.Mode, "workers", h.cfg.Workers)
	h.publish(ctx, bus.TopicEvalRunStarted, run.ID, RunEvent{Kind: KindRAG, RunID: run.ID, Status: store.StatusRunning, TotalExamples: len(examples)})

	persist := context.WithoutCancel(ctx)
	var writeFailures atomic.Int64
	expired := runPool(ctx, h.cfg, examples, poolJob[store.EvalResult]{
		work: func(ctx context.Context, pos int, ex store.Example) (store.EvalResult, error) {
			return h.judgeExample(ctx, req, pos, ex)
		},
		exclude: func(pos int, ex store.Example, partial store.EvalResult, reason string) store.EvalResult {
			partial.Position = pos
			partial.ExampleID = ex.ID
			partial.Question = ex.Question
			partial.Excluded = true
			partial.Error = reason
			partial.RelevanceScore, partial.FaithfulnessScore, partial.CompletenessScore, partial.AvgScore = 0, 0, 0, 0
			log.WithError(apperrors.EvalExampleError(ex.ID, errString(reason))).Warn("Eval example excluded", "position", pos)
			return partial
		},
		emit: func(r store.EvalResult) {
			if err := appendWithRetry(persist, run.ID, r, h.deps.Store.AppendEvalResult); err != nil {
				writeFailures.Add(1)
				log.WithError(err).Error("Failed to persist eval result", "position", r.Position)
				return
			}
			h.record(KindRAG, r.Excluded, time.Duration(r.DurationMS)*time.Millisecond)
			ev := RunEvent{Kind: KindRAG, RunID: run.ID, Position: r.Position, ExampleID: r.ExampleID, Excluded: r.Excluded}
			if !r.Excluded {
				score := r.AvgScore
				ev.Score = &score
			}
			h.publish(persist, bus.TopicEvalResultRecorded, run.ID, ev)
		},
	})

	_, results, err := h.deps.Store.GetEvalRun(persist, run.ID)
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to load eval results", err)
	}
	agg := Summarize(results)
	agg.WriteFailures = int(writeFailures.Load())
	status := finalStatus(expired)
	done, err := h.deps.Store.CompleteEvalRun(persist, run.ID, status, agg)
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to complete eval run", err)
	}

	log.Info("Eval run completed",
		"kind", KindRAG,
		"status", string(status),
		"scored", agg.ScoredExamples,
		"excluded", agg.ExcludedExamples,
		"write_failures", agg.WriteFailures,
		"avg_score", agg.AvgScore,
	)
	h.publish(persist, bus.TopicEvalRunCompleted, run.ID, RunEvent{Kind: KindRAG, RunID: run.ID, Status: status, TotalExamples: done.TotalExamples, Score: &agg.AvgScore})
	return done, results, nil
}

// appendRetryDelay is the pause before the single retry of a failed result
// write.
var appendRetryDelay = 50 * time.Millisecond

// appendWithRetry writes r, retrying once. A completed run is never retried.
func appendWithRetry[R any](ctx context.Context, runID string, r R, write func(context.Context, string, R) error) error {
	err := write(ctx, runID, r)
	if err == nil || errors.Is(err, store.ErrRunCompleted) {
		return err
	}
	time.Sleep(appendRetryDelay)
	return write(ctx, runID, r)
}

func (h *Harness) judgeExample(ctx context.Context, req RAGEvalRequest, pos int, ex store.Example) (store.EvalResult, error) {
	start := time.Now()
	r := store.EvalResult{Position: pos, ExampleID: ex.ID, Question: ex.Question}

	resp, err := h.deps.Answerer.Generate(ctx, answer.Request{
		Question:  ex.Question,
		Limit:     req.Limit,
		Threshold: req.Threshold,
		Mode:      req.Mode,
	})
	if resp != nil {
		r.RetrievalTier = resp.RetrievalTier
		r.Answer = resp.Answer
	}
	if err != nil {
		r.DurationMS = time.Since(start).Milliseconds()
		return r, err
	}

	scores, err := h.deps.Judge.Judge(ctx, JudgeInput{
		Question: ex.Question,
		Answer:   resp.Answer,
		Tier:     resp.RetrievalTier,
		Sources:  resp.Sources,
	})
	r.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		return r, err
	}

	r.RelevanceScore = scores.Relevance
	r.FaithfulnessScore = scores.Faithfulness
	r.CompletenessScore = scores.Completeness
	r.AvgScore = scores.Average()
	r.JudgeReasoning = scores.Reasoning
	return r, nil
}

// RunCitationEval answers every example in reasoning mode, verifies the
// citations and persists the run.
func (h *Harness) RunCitationEval(ctx context.Context) (*store.CitationRun, []store.CitationResult, error) {
	examples, err := h.examples(ctx)
	if err != nil {
		return nil, nil, err
	}

	run, err := h.deps.Store.CreateCitationRun(ctx, store.CitationRun{TotalExamples: len(examples)})
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to create citation run", err)
	}

	log := h.log.WithRun(run.ID)
	log.Info("Eval run started", "kind", KindCitation, "examples", len(examples), "workers", h.cfg.Workers)
	h.publish(ctx, bus.TopicEvalRunStarted, run.ID, RunEvent{Kind: KindCitation, RunID: run.ID, Status: store.StatusRunning, TotalExamples: len(examples)})

	persist := context.WithoutCancel(ctx)
	var writeFailures atomic.Int64
	expired := runPool(ctx, h.cfg, examples, poolJob[store.CitationResult]{
		work: func(ctx context.Context, pos int, ex store.Example) (store.CitationResult, error) {
			r, err := h.citeExample(ctx, ex.Question)
			r.Position = pos
			r.ExampleID = ex.ID
			return r, err
		},
		exclude: func(pos int, ex store.Example, partial store.CitationResult, reason string) store.CitationResult {
			out := store.NewCitationResult(ex.Question, partial.Answer, nil)
			out.Position = pos
			out.ExampleID = ex.ID
			out.DurationMS = partial.DurationMS
			out.Excluded = true
			out.Error = reason
			log.WithError(apperrors.EvalExampleError(ex.ID, errString(reason))).Warn("Eval example excluded", "position", pos)
			return out
		},
		emit: func(r store.CitationResult) {
			if err := appendWithRetry(persist, run.ID, r, h.deps.Store.AppendCitationResult); err != nil {
				writeFailures.Add(1)
				log.WithError(err).Error("Failed to persist citation result", "position", r.Position)
				return
			}
			h.record(KindCitation, r.Excluded, time.Duration(r.DurationMS)*time.Millisecond)
			ev := RunEvent{Kind: KindCitation, RunID: run.ID, Position: r.Position, ExampleID: r.ExampleID, Excluded: r.Excluded}
			if !r.Excluded {
				acc := r.AccuracyScore
				ev.Score = &acc
			}
			h.publish(persist, bus.TopicEvalResultRecorded, run.ID, ev)
		},
	})

	_, results, err := h.deps.Store.GetCitationRun(persist, run.ID)
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to load citation results", err)
	}
	agg := SummarizeCitations(results)
	agg.WriteFailures = int(writeFailures.Load())
	status := finalStatus(expired)
	done, err := h.deps.Store.CompleteCitationRun(persist, run.ID, status, agg)
	if err != nil {
		return nil, nil, apperrors.StorageError("failed to complete citation run", err)
	}

	log.Info("Eval run completed",
		"kind", KindCitation,
		"status", string(status),
		"scored", agg.ScoredExamples,
		"excluded", agg.ExcludedExamples,
		"write_failures", agg.WriteFailures,
		"citations", agg.Total,
		"accuracy", agg.OverallAccuracy,
	)
	h.publish(persist, bus.TopicEvalRunCompleted, run.ID, RunEvent{Kind: KindCitation, RunID: run.ID, Status: status, TotalExamples: done.TotalExamples, Score: &agg.OverallAccuracy})
	return done, results, nil
}

// RunCitationEvalSingle runs the citation pipeline for one question without
// persisting anything. Failures are returned to the caller.
func (h *Harness) RunCitationEvalSingle(ctx context.Context, question string) (*store.CitationResult, error) {
	question = security.SanitizeQuery(question)
	if err := security.ValidateQuestion("question", question); err != nil {
		return nil, apperrors.ValidationError(err.Error()).WithDetail("field", "question")
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ExampleTimeout)
	defer cancel()

	r, err := h.citeExample(ctx, question)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (h *Harness) citeExample(ctx context.Context, question string) (store.CitationResult, error) {
	start := time.Now()
	resp, err := h.deps.Answerer.Generate(ctx, answer.Request{
		Question:  question,
		Limit:     h.cfg.DefaultLimit,
		Threshold: h.cfg.DefaultThreshold,
		Mode:      answer.ModeReasoning,
	})
	if err != nil {
		r := store.CitationResult{Question: question, DurationMS: time.Since(start).Milliseconds()}
		if resp != nil {
			r.Answer = resp.Answer
		}
		return r, err
	}

	r := store.NewCitationResult(question, resp.Answer, h.deps.Verifier.VerifyText(ctx, resp.Answer))
	r.DurationMS = time.Since(start).Milliseconds()
	return r, nil
}

func (h *Harness) examples(ctx context.Context) ([]store.Example, error) {
	examples, err := h.deps.Store.ListExamples(ctx)
	if err != nil {
		return nil, apperrors.StorageError("failed to load eval examples", err)
	}
	if len(examples) == 0 {
		return nil, apperrors.ValidationError("no evaluation examples; add some first")
	}
	return examples, nil
}

func (h *Harness) record(kind string, excluded bool, d time.Duration) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordEvalExample(kind, excluded, d)
	}
}

func finalStatus(expired bool) store.RunStatus {
	if expired {
		return store.StatusIncomplete
	}
	return store.StatusCompleted
}

type errString string

func (e errString) Error() string { return string(e) }
