// Package router decides which archive tier(s) can ground an answer to a
// query and explains the decision.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/pkg/security"
	"github.com/askben/askben/internal/policy"
)

// Config configures the router.
type Config struct {
	DefaultLimit int
	Timeout      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit: 5,
		Timeout:      10 * time.Second,
	}
}

// Request is one routing request.
type Request struct {
	Query     string
	Threshold float64
	Limit     int
}

// Decision records which tier was chosen and why.
type Decision struct {
	DistillationMaxScore *float64        `json:"distillation_max_score"`
	ChunkMaxScore        *float64        `json:"chunk_max_score"`
	TierUsed             Tier            `json:"tier_used"`
	NeedsPrecision       bool            `json:"needs_precision"`
	PrecisionSignals     []string        `json:"precision_signals,omitempty"`
	Threshold            float64         `json:"threshold"`
	Reasoning            string          `json:"reasoning"`
	Policy               *policy.Verdict `json:"policy,omitempty"`
	RetrievalError       string          `json:"retrieval_error,omitempty"`
}

// RetrievalResult is a scored match annotated against the threshold.
type RetrievalResult struct {
	index.Match
	AboveThreshold bool
}

// Result is the routing decision with the results of both tiers.
type Result struct {
	Decision      Decision
	Distillations []RetrievalResult
	Chunks        []RetrievalResult
}

// Selected returns the above-threshold results of the tiers the decision
// uses: distillations first, then chunks.
func (r *Result) Selected() []RetrievalResult {
	var out []RetrievalResult
	if r.Decision.TierUsed.UsesDistillations() {
		for _, rr := range r.Distillations {
			if rr.AboveThreshold {
				out = append(out, rr)
			}
		}
	}
	if r.Decision.TierUsed.UsesChunks() {
		for _, rr := range r.Chunks {
			if rr.AboveThreshold {
				out = append(out, rr)
			}
		}
	}
	return out
}

// Router queries both tiers and resolves a Tier.
type Router struct {
	cfg      Config
	searcher index.Searcher
	policy   policy.Checker
	log      *logger.Logger
}

// New creates a router. A nil checker allows everything.
func New(cfg Config, searcher index.Searcher, checker policy.Checker, log *logger.Logger) *Router {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if checker == nil {
		checker = policy.Allow
	}
	return &Router{
		cfg:      cfg,
		searcher: searcher,
		policy:   checker,
		log:      log.WithComponent("router"),
	}
}

// Precheck runs the content policy. It returns a refusal decision, or nil
// when the query may proceed.
func (r *Router) Precheck(query string, threshold float64) *Decision {
	v := r.policy.Check(query)
	if !v.Refused {
		return nil
	}
	r.log.Info("Query refused by content policy", "rule", v.Rule, "query", security.SanitizeForLog(query))
	return &Decision{
		TierUsed:  TierRefused,
		Threshold: threshold,
		Policy:    &v,
		Reasoning: fmt.Sprintf("Declined by content policy rule %s before retrieval: %s.", v.Rule, v.Reason),
	}
}

// Route decides the tier for req. A tier whose search fails counts as empty
// and the failure is reported in RetrievalError; when both fail the decision
// is TierNone. Only an empty query is an error.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.ValidationError("query is required")
	}
	if req.Limit <= 0 {
		req.Limit = r.cfg.DefaultLimit
	}

	if refusal := r.Precheck(req.Query, req.Threshold); refusal != nil {
		return &Result{Decision: *refusal}, nil
	}

	needsPrecision, signals := DetectPrecision(req.Query)

	ds, cs := r.search(ctx, req)
	if ds.err != nil && cs.err != nil {
		msg := failureText(ds.err, cs.err)
		r.log.WithContext(ctx).WithError(cs.err).Warn("Retrieval failed on both tiers, degrading to none",
			"query", security.SanitizeForLog(req.Query), "retrieval_error", msg)
		return &Result{Decision: Decision{
			TierUsed:         TierNone,
			NeedsPrecision:   needsPrecision,
			PrecisionSignals: signals,
			Threshold:        req.Threshold,
			RetrievalError:   msg,
			Reasoning:        fmt.Sprintf("Retrieval failed (%s); no tier could be evaluated against threshold %.3f.", msg, req.Threshold),
		}}, nil
	}

	res := &Result{
		Distillations: annotate(ds.matches, req.Threshold),
		Chunks:        annotate(cs.matches, req.Threshold),
	}
	d, c := maxScore(ds.matches), maxScore(cs.matches)
	tier := ResolveTier(d, c, req.Threshold)

	res.Decision = Decision{
		DistillationMaxScore: d,
		ChunkMaxScore:        c,
		TierUsed:             tier,
		NeedsPrecision:       needsPrecision,
		PrecisionSignals:     signals,
		Threshold:            req.Threshold,
		Reasoning:            Explain(d, c, req.Threshold, signals, tier),
	}
	if ds.err != nil || cs.err != nil {
		msg := failureText(ds.err, cs.err)
		res.Decision.RetrievalError = msg
		res.Decision.Reasoning += fmt.Sprintf(" Retrieval partially failed (%s); the failing tier was treated as having no results.", msg)
		r.log.WithContext(ctx).Warn("Retrieval failed on one tier", "retrieval_error", msg,
			"query", security.SanitizeForLog(req.Query))
	}

	r.log.WithContext(ctx).Info("Routed query",
		"tier", tier.String(),
		"distillation_max", scoreText(d),
		"chunk_max", scoreText(c),
		"threshold", req.Threshold,
		"needs_precision", needsPrecision,
	)
	return res, nil
}

// ReasoningDecision is the decision attached to a reasoning-first answer.
func ReasoningDecision(query string, threshold float64) Decision {
	needsPrecision, signals := DetectPrecision(query)
	return Decision{
		TierUsed:         TierReasoningFirst,
		NeedsPrecision:   needsPrecision,
		PrecisionSignals: signals,
		Threshold:        threshold,
		Reasoning:        fmt.Sprintf("Reasoning-first mode: the draft is written before retrieval and each claim is matched against both tiers at threshold %.3f.", threshold),
	}
}

// tierSearch is the outcome of one tier's search.
type tierSearch struct {
	matches []index.Match
	err     error
}

// search queries both tiers concurrently. Both are always consulted so
// the tier can be resolved from two scores, and a failing tier does not
// cancel the other.
func (r *Router) search(ctx context.Context, req Request) (dists, chunks tierSearch) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var wg sync.WaitGroup
	run := func(tier index.Tier, out *tierSearch) {
		defer wg.Done()
		matches, err := r.searcher.Search(ctx, tier, req.Query, req.Limit)
		if err != nil {
			out.err = retrievalFailure(ctx, err)
			return
		}
		out.matches = matches
	}
	wg.Add(2)
	go run(index.TierDistillations, &dists)
	go run(index.TierChunks, &chunks)
	wg.Wait()
	return dists, chunks
}

func retrievalFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.RetrievalError("retrieval timed out", ctx.Err())
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.RetrievalError("index unavailable", err)
}

// failureText joins the per-tier failures as "tier: message".
func failureText(dErr, cErr error) string {
	var parts []string
	if dErr != nil {
		parts = append(parts, index.TierDistillations.String()+": "+errorMessage(dErr))
	}
	if cErr != nil {
		parts = append(parts, index.TierChunks.String()+": "+errorMessage(cErr))
	}
	return strings.Join(parts, "; ")
}

// ResolveTier applies the tier precedence: both scores at or above the
// threshold is hybrid, then chunks, then distillations, else none.
func ResolveTier(distillationMax, chunkMax *float64, threshold float64) Tier {
	dOK := distillationMax != nil && *distillationMax >= threshold
	cOK := chunkMax != nil && *chunkMax >= threshold
	switch {
	case dOK && cOK:
		return TierHybrid
	case cOK:
		return TierChunks
	case dOK:
		return TierDistillations
	default:
		return TierNone
	}
}

// Explain renders the deterministic reasoning string for a decision.
func Explain(distillationMax, chunkMax *float64, threshold float64, signals []string, tier Tier) string {
	var b strings.Builder
	if len(signals) > 0 {
		fmt.Fprintf(&b, "Precision requested (%s). ", strings.Join(signals, ", "))
	}
	fmt.Fprintf(&b, "Best distillation similarity %s, best chunk similarity %s, threshold %.3f. ",
		scoreText(distillationMax), scoreText(chunkMax), threshold)

	switch tier {
	case TierHybrid:
		b.WriteString("Both tiers meet the threshold; using hybrid.")
	case TierChunks:
		b.WriteString("Only chunks meet the threshold; using chunks.")
	case TierDistillations:
		b.WriteString("Only distillations meet the threshold; using distillations.")
	default:
		b.WriteString("Neither tier meets the threshold; no grounded context.")
	}
	return b.String()
}

func annotate(matches []index.Match, threshold float64) []RetrievalResult {
	out := make([]RetrievalResult, len(matches))
	for i, m := range matches {
		out[i] = RetrievalResult{Match: m, AboveThreshold: m.Similarity >= threshold}
	}
	return out
}

func maxScore(matches []index.Match) *float64 {
	if len(matches) == 0 {
		return nil
	}
	best := matches[0].Similarity
	for _, m := range matches[1:] {
		if m.Similarity > best {
			best = m.Similarity
		}
	}
	return &best
}

func scoreText(s *float64) string {
	if s == nil {
		return "no results"
	}
	return fmt.Sprintf("%.3f", *s)
}

func errorMessage(err error) string {
	if appErr, ok := errors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}
