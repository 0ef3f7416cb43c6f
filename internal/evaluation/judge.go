package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/llm"
	"github.com/askben/askben/internal/router"
)

// Score bounds. Scores move in half steps.
const (
	MinScore = 1.0
	MaxScore = 5.0
)

// maxSourceRunes bounds each source excerpt shown to the judge.
const maxSourceRunes = 1500

const judgeSystemPrompt = `You are an impartial evaluator of answers to questions about a technology strategy newsletter archive.

Score the ANSWER to the QUESTION on three criteria. Each score is a number from 1 to 5; half points are allowed.
- relevance: does the answer address the question that was asked?
- faithfulness: is every factual claim supported by the SOURCES? Unsupported or contradicted claims lower this score. When no sources were supplied, score how clearly the answer signals that it lacks grounding.
- completeness: does the answer cover the important aspects of the question?

Respond with one JSON object and nothing else:
{"relevance": <score>, "faithfulness": <score>, "completeness": <score>, "reasoning": "<one or two sentences>"}`

// Scores is a judge's verdict on one answer.
type Scores struct {
	Relevance    float64 `json:"relevance"`
	Faithfulness float64 `json:"faithfulness"`
	Completeness float64 `json:"completeness"`
	Reasoning    string  `json:"reasoning"`
}

// Average is the mean of the three criteria.
func (s Scores) Average() float64 {
	return (s.Relevance + s.Faithfulness + s.Completeness) / 3
}

// JudgeInput is what the judge sees for one example.
type JudgeInput struct {
	Question string
	Answer   string
	Tier     router.Tier
	Sources  []answer.Source
}

// Judge rates a generated answer.
type Judge interface {
	Judge(ctx context.Context, in JudgeInput) (Scores, error)
}

// LLMJudge asks a language model to apply a fixed rubric.
type LLMJudge struct {
	llm llm.Completer
}

// NewLLMJudge creates a judge backed by c.
func NewLLMJudge(c llm.Completer) *LLMJudge {
	return &LLMJudge{llm: c}
}

// Judge scores in.Answer. Malformed or out-of-range output is an error.
func (j *LLMJudge) Judge(ctx context.Context, in JudgeInput) (Scores, error) {
	zero := 0.0
	out, err := j.llm.Complete(ctx, llm.Prompt{
		System:      judgeSystemPrompt,
		User:        JudgePrompt(in),
		JSON:        true,
		Temperature: &zero,
	})
	if err != nil {
		return Scores{}, err
	}
	return ParseScores(out)
}

// JudgePrompt renders the user message for in.
func JudgePrompt(in JudgeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION:\n%s\n\n", in.Question)
	fmt.Fprintf(&b, "RETRIEVAL TIER: %s\n\n", in.Tier)

	b.WriteString("SOURCES:\n")
	if len(in.Sources) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range in.Sources {
		body := s.ThesisStatement
		if s.Type == answer.SourceChunk {
			body = s.Content
		}
		fmt.Fprintf(&b, "[%d] %s (%s): %s\n", i+1, s.Title, s.Date, truncate(body, maxSourceRunes))
	}

	fmt.Fprintf(&b, "\nANSWER:\n%s", in.Answer)
	return b.String()
}

// ParseScores extracts the rubric JSON from model output. Code fences and
// prose around the object are ignored.
func ParseScores(raw string) (Scores, error) {
	s := llm.TrimCodeFence(raw)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return Scores{}, fmt.Errorf("judge output contains no JSON object")
	}

	var v struct {
		Relevance    *float64 `json:"relevance"`
		Faithfulness *float64 `json:"faithfulness"`
		Completeness *float64 `json:"completeness"`
		Reasoning    string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return Scores{}, fmt.Errorf("judge output is not valid JSON: %w", err)
	}

	fields := []struct {
		name string
		val  *float64
	}{
		{"relevance", v.Relevance},
		{"faithfulness", v.Faithfulness},
		{"completeness", v.Completeness},
	}
	for _, f := range fields {
		if f.val == nil {
			return Scores{}, fmt.Errorf("judge output is missing %s", f.name)
		}
		if !ValidScore(*f.val) {
			return Scores{}, fmt.Errorf("judge %s score %v is outside 1-5 in half steps", f.name, *f.val)
		}
	}

	return Scores{
		Relevance:    *v.Relevance,
		Faithfulness: *v.Faithfulness,
		Completeness: *v.Completeness,
		Reasoning:    strings.TrimSpace(v.Reasoning),
	}, nil
}

// ValidScore reports whether v is in [1,5] on a half step.
func ValidScore(v float64) bool {
	if math.IsNaN(v) || v < MinScore || v > MaxScore {
		return false
	}
	return v*2 == math.Trunc(v*2)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
