package citation

import (
	"context"
	"fmt"
	"strings"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/pkg/security"
)

// Citation is a verified citation.
type Citation struct {
	Marker       string   `json:"marker"`
	ClaimText    string   `json:"claim_text"`
	Status       Status   `json:"status"`
	Reason       string   `json:"reason"`
	ArticleID    string   `json:"article_id,omitempty"`
	ArticleTitle string   `json:"article_title,omitempty"`
	Support      *float64 `json:"support_score,omitempty"`
	EvidenceKind string   `json:"evidence_kind,omitempty"`
}

// Verifier checks citations against the archive.
type Verifier struct {
	archive   archive.Store
	threshold float64
	log       *logger.Logger
}

// NewVerifier creates a verifier. A threshold outside (0,1] uses DefaultThreshold.
func NewVerifier(store archive.Store, threshold float64, log *logger.Logger) *Verifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Verifier{
		archive:   store,
		threshold: threshold,
		log:       log.WithComponent("citation"),
	}
}

// Threshold returns the support score required for a valid citation.
func (v *Verifier) Threshold() float64 {
	return v.threshold
}

// VerifyText extracts and verifies every citation in answer.
func (v *Verifier) VerifyText(ctx context.Context, answer string) []Citation {
	return v.Verify(ctx, Extract(answer))
}

// Verify classifies each candidate. It never fails: resolution problems
// make that citation hallucinated.
func (v *Verifier) Verify(ctx context.Context, candidates []Candidate) []Citation {
	out := make([]Citation, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, v.verifyOne(ctx, c))
	}
	return out
}

func (v *Verifier) verifyOne(ctx context.Context, c Candidate) Citation {
	cit := Citation{Marker: c.Marker, ClaimText: c.ClaimText, Status: StatusHallucinated}

	target := c.Target
	if target == (Target{}) {
		parsed, ok := ParseMarker(c.Marker)
		if !ok {
			cit.Reason = fmt.Sprintf("marker %q does not name an article", c.Marker)
			return cit
		}
		target = parsed
	}

	article, reason, err := v.resolve(ctx, target)
	if err != nil {
		v.log.WithContext(ctx).WithError(err).Warn("Citation resolution failed", "marker", security.SanitizeForLog(c.Marker))
		cit.Reason = "resolution failed: " + reasonFor(err)
		return cit
	}
	if article == nil {
		cit.Reason = reason
		return cit
	}
	cit.ArticleID = article.ID
	cit.ArticleTitle = article.Title

	units, err := v.units(ctx, article.ID)
	if err != nil {
		v.log.WithContext(ctx).WithError(err).Warn("Citation content lookup failed", "article_id", article.ID)
		cit.Reason = "resolution failed: " + reasonFor(err)
		return cit
	}

	cit.Status = StatusExistsButMisused
	if strings.TrimSpace(c.ClaimText) == "" {
		cit.Reason = "article exists but no claim text accompanies the marker"
		return cit
	}
	score, best, ok := BestSupport(c.ClaimText, units)
	if !ok {
		cit.Reason = "article exists but has no content to check the claim against"
		return cit
	}
	cit.Support = &score
	cit.EvidenceKind = best.Kind

	if score >= v.threshold {
		cit.Status = StatusValid
		cit.Reason = fmt.Sprintf("claim supported by the article's %s (support %.2f)", unitLabel(best.Kind), score)
		return cit
	}
	cit.Reason = fmt.Sprintf("article exists but does not support the claim (best support %.2f from its %s, need %.2f)",
		score, unitLabel(best.Kind), v.threshold)
	return cit
}

// resolve finds the cited article. A nil article with a nil error means it
// does not exist; reason says why.
func (v *Verifier) resolve(ctx context.Context, t Target) (*archive.Article, string, error) {
	if t.ArticleID != "" {
		a, err := v.archive.GetArticle(ctx, t.ArticleID)
		if errors.Is(err, archive.ErrNotFound) {
			return nil, fmt.Sprintf("no article with id %q exists in the archive", t.ArticleID), nil
		}
		if err != nil {
			return nil, "", errors.VerificationError("archive lookup failed", err)
		}
		return a, "", nil
	}

	matches, err := v.archive.FindArticles(ctx, archive.ArticleQuery{Title: t.Title, Date: t.Date})
	if err != nil {
		return nil, "", errors.VerificationError("archive lookup failed", err)
	}
	switch len(matches) {
	case 0:
		if t.Date != "" {
			return nil, fmt.Sprintf("no article titled %q published %s exists in the archive", t.Title, t.Date), nil
		}
		return nil, fmt.Sprintf("no article titled %q exists in the archive", t.Title), nil
	case 1:
		return &matches[0], "", nil
	default:
		return nil, "", errors.VerificationError(
			fmt.Sprintf("title %q matches %d articles", t.Title, len(matches)), nil)
	}
}

func (v *Verifier) units(ctx context.Context, articleID string) ([]Unit, error) {
	d, err := v.archive.GetDistillation(ctx, articleID)
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		return nil, errors.VerificationError("distillation lookup failed", err)
	}
	chunks, err := v.archive.GetChunks(ctx, articleID)
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		return nil, errors.VerificationError("chunk lookup failed", err)
	}
	return Units(d, chunks), nil
}

func reasonFor(err error) string {
	if appErr, ok := errors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}

func unitLabel(kind string) string {
	switch kind {
	case UnitThesis:
		return "thesis statement"
	case UnitKeyClaim:
		return "key claims"
	default:
		return "full text"
	}
}
