package answer

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/llm"
	"github.com/askben/askben/internal/pkg/text"
	"github.com/askben/askben/internal/router"
)

// minClaimWords is the shortest sentence treated as a factual claim.
const minClaimWords = 5

// DraftAnswer is the ungrounded first draft.
type DraftAnswer struct {
	Question string
	Text     string
}

// Claim is one declarative sentence of a draft.
type Claim struct {
	ID        int
	Paragraph int
	Sentence  int
	Text      string

	// Span locates the sentence in the draft.
	Span text.Span

	// InsertAt is where a citation marker goes: before the sentence's
	// closing punctuation.
	InsertAt int
}

// ClaimSet is the claims extracted from a draft, in draft order.
type ClaimSet struct {
	Claims []Claim
}

// Evidence is what retrieval found for one claim.
type Evidence struct {
	ClaimID int
	Matches []index.Match
	Failed  bool
	Error   string
}

// EvidenceMap holds evidence by claim ID.
type EvidenceMap map[int]Evidence

// Attribution links a claim to the article cited for it.
type Attribution struct {
	ClaimID    int        `json:"claim_id"`
	Claim      string     `json:"claim"`
	ArticleID  string     `json:"article_id"`
	Title      string     `json:"title"`
	Date       string     `json:"date"`
	Tier       index.Tier `json:"tier"`
	Similarity float64    `json:"similarity"`
}

// CitedAnswer is the draft with generator markers inserted.
type CitedAnswer struct {
	Text         string
	Sources      []Source
	Attributions []Attribution
	Unsupported  int
}

func (g *Generator) reasoning(ctx context.Context, req Request) (*Response, error) {
	if refused := g.router.Precheck(req.Question, req.Threshold); refused != nil {
		return &Response{
			Answer:        refusal(*refused),
			RetrievalTier: router.TierRefused,
			Decision:      *refused,
		}, nil
	}

	resp := &Response{
		RetrievalTier: router.TierReasoningFirst,
		Decision:      router.ReasoningDecision(req.Question, req.Threshold),
	}

	draft, err := g.Draft(ctx, req.Question)
	if err != nil {
		return resp, err
	}

	claims := ExtractClaims(draft, g.cfg.MaxClaims)
	evidence := g.GatherEvidence(ctx, claims, g.cfg.ClaimLimit)
	cited := Merge(draft, claims, evidence, req.Threshold)

	resp.Answer = cited.Text
	resp.Sources = cited.Sources
	resp.Attributions = cited.Attributions

	g.log.WithContext(ctx).Info("Reasoning answer assembled",
		"claims", len(claims.Claims),
		"cited", len(cited.Attributions),
		"unsupported", cited.Unsupported,
		"sources", len(cited.Sources),
	)
	return resp, nil
}

// Draft asks the model to reason about the question without any context.
func (g *Generator) Draft(ctx context.Context, question string) (DraftAnswer, error) {
	out, err := g.llm.Complete(ctx, llm.Prompt{System: draftSystemPrompt, User: question})
	if err != nil {
		return DraftAnswer{Question: question}, err
	}
	return DraftAnswer{Question: question, Text: out}, nil
}

// ExtractClaims splits a draft into declarative claims. Headings, questions
// and short sentences are skipped. At most limit claims are returned; a
// limit <= 0 means no cap.
func ExtractClaims(d DraftAnswer, limit int) ClaimSet {
	var cs ClaimSet
	paragraph, sentence := 0, 0
	inParagraph := false

	for lineStart := 0; lineStart <= len(d.Text); {
		lineEnd := strings.IndexByte(d.Text[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(d.Text)
		} else {
			lineEnd += lineStart
		}
		line := d.Text[lineStart:lineEnd]

		switch trimmed := strings.TrimSpace(line); {
		case trimmed == "":
			if inParagraph {
				paragraph++
				sentence = 0
				inParagraph = false
			}
		case strings.HasPrefix(trimmed, "#"), strings.HasPrefix(trimmed, "```"), strings.HasPrefix(trimmed, "|"):
		default:
			inParagraph = true
			offset := lineStart + contentStart(line)
			body := d.Text[offset:lineEnd]
			for _, sp := range text.Sentences(body) {
				sp = text.Span{Start: sp.Start + offset, End: sp.End + offset}
				raw := sp.Of(d.Text)
				sentence++
				claim := cleanClaim(raw)
				if strings.HasSuffix(strings.TrimRight(raw, `"'”’)*_`), "?") ||
					text.WordCount(claim) < minClaimWords ||
					len(text.ContentWords(claim)) == 0 {
					continue
				}
				if limit > 0 && len(cs.Claims) >= limit {
					return cs
				}
				cs.Claims = append(cs.Claims, Claim{
					ID:        len(cs.Claims),
					Paragraph: paragraph,
					Sentence:  sentence - 1,
					Text:      claim,
					Span:      sp,
					InsertAt:  insertPoint(d.Text, sp),
				})
			}
		}

		if lineEnd == len(d.Text) {
			break
		}
		lineStart = lineEnd + 1
	}
	return cs
}

// contentStart skips indentation and list markers.
func contentStart(line string) int {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	rest := line[i:]
	switch {
	case strings.HasPrefix(rest, "- "), strings.HasPrefix(rest, "* "), strings.HasPrefix(rest, "+ "), strings.HasPrefix(rest, "> "):
		return i + 2
	}
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j > 0 && j+1 < len(rest) && (rest[j] == '.' || rest[j] == ')') && rest[j+1] == ' ' {
		return i + j + 2
	}
	return i
}

func cleanClaim(s string) string {
	s = citation.StripMarkers(s)
	s = strings.NewReplacer("**", "", "__", "").Replace(s)
	return strings.TrimSpace(s)
}

// insertPoint is the offset before the span's trailing punctuation.
func insertPoint(s string, sp text.Span) int {
	at := sp.End
	for at > sp.Start {
		r, size := utf8.DecodeLastRuneInString(s[:at])
		if !strings.ContainsRune(`.!?;:,"'”’)*_`, r) {
			break
		}
		at -= size
	}
	if at == sp.Start {
		return sp.End
	}
	return at
}

// GatherEvidence looks up each claim in both tiers, at most ClaimFanout at
// a time. A failed lookup records no evidence for that claim.
func (g *Generator) GatherEvidence(ctx context.Context, cs ClaimSet, limit int) EvidenceMap {
	results := make([]Evidence, len(cs.Claims))

	var eg errgroup.Group
	eg.SetLimit(g.cfg.ClaimFanout)
	for i, c := range cs.Claims {
		eg.Go(func() error {
			results[i] = g.lookup(ctx, c, limit)
			return nil
		})
	}
	_ = eg.Wait()

	ev := make(EvidenceMap, len(results))
	for _, r := range results {
		ev[r.ClaimID] = r
	}
	return ev
}

func (g *Generator) lookup(ctx context.Context, c Claim, limit int) Evidence {
	ev := Evidence{ClaimID: c.ID}
	for _, tier := range index.Tiers {
		matches, err := g.searcher.Search(ctx, tier, c.Text, limit)
		if err != nil {
			g.log.WithContext(ctx).WithError(err).Warn("Claim lookup failed", "claim_id", c.ID, "tier", tier)
			return Evidence{ClaimID: c.ID, Failed: true, Error: err.Error()}
		}
		ev.Matches = append(ev.Matches, matches...)
	}
	return ev
}

// Merge inserts a generator marker for the best supporting article of each
// claim whose evidence reaches threshold. Sources are de-duplicated by
// article and ordered by first citation.
func Merge(d DraftAnswer, cs ClaimSet, ev EvidenceMap, threshold float64) CitedAnswer {
	type insertion struct {
		at     int
		marker string
	}

	var (
		out        CitedAnswer
		insertions []insertion
		sourceIdx  = make(map[string]int)
	)

	for _, c := range cs.Claims {
		best, ok := bestMatch(ev[c.ID].Matches, threshold)
		if !ok {
			out.Unsupported++
			continue
		}

		marker := citation.RefMarker(best.Article.ID)
		if !strings.Contains(c.Span.Of(d.Text), marker) {
			insertions = append(insertions, insertion{at: c.InsertAt, marker: marker})
		}

		out.Attributions = append(out.Attributions, Attribution{
			ClaimID:    c.ID,
			Claim:      c.Text,
			ArticleID:  best.Article.ID,
			Title:      best.Article.Title,
			Date:       best.Article.PublicationDate,
			Tier:       best.Tier,
			Similarity: best.Similarity,
		})

		if i, seen := sourceIdx[best.Article.ID]; seen {
			if best.Similarity > out.Sources[i].Similarity {
				out.Sources[i] = SourceFromMatch(best)
			}
			continue
		}
		sourceIdx[best.Article.ID] = len(out.Sources)
		out.Sources = append(out.Sources, SourceFromMatch(best))
	}

	sort.SliceStable(insertions, func(i, j int) bool { return insertions[i].at < insertions[j].at })

	var b strings.Builder
	prev := 0
	for _, ins := range insertions {
		b.WriteString(d.Text[prev:ins.at])
		if ins.at > 0 {
			if r, _ := utf8.DecodeLastRuneInString(d.Text[:ins.at]); !unicode.IsSpace(r) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(ins.marker)
		prev = ins.at
	}
	b.WriteString(d.Text[prev:])
	out.Text = b.String()
	return out
}

// bestMatch picks the highest-similarity match at or above threshold.
// Ties prefer distillations, then the lower article ID.
func bestMatch(matches []index.Match, threshold float64) (index.Match, bool) {
	var (
		best  index.Match
		found bool
	)
	for _, m := range matches {
		if m.Similarity < threshold || archive.ValidateArticleID(m.Article.ID) != nil {
			continue
		}
		if !found || better(m, best) {
			best, found = m, true
		}
	}
	return best, found
}

func better(a, b index.Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.Tier != b.Tier {
		return a.Tier == index.TierDistillations
	}
	return a.Article.ID < b.Article.ID
}
