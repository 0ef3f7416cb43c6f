package citation

import (
	"strings"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/pkg/text"
)

// DefaultThreshold is the minimum support score for a valid citation.
const DefaultThreshold = 0.5

// windowSize is the number of consecutive chunk sentences per evidence unit.
const windowSize = 3

// Unit kinds.
const (
	UnitThesis   = "thesis"
	UnitKeyClaim = "key_claim"
	UnitChunk    = "chunk"
)

// Unit is one piece of source text a claim can be checked against.
type Unit struct {
	Kind string
	Text string
}

// Units breaks an article's distillation and chunks into evidence units:
// the thesis, each key claim and each window of consecutive chunk sentences.
// d may be nil.
func Units(d *archive.Distillation, chunks []archive.Chunk) []Unit {
	var units []Unit
	if d != nil {
		if strings.TrimSpace(d.ThesisStatement) != "" {
			units = append(units, Unit{Kind: UnitThesis, Text: d.ThesisStatement})
		}
		for _, kc := range d.KeyClaims {
			if strings.TrimSpace(kc.Claim) != "" {
				units = append(units, Unit{Kind: UnitKeyClaim, Text: kc.Claim})
			}
		}
	}

	for _, c := range chunks {
		sentences := text.SplitSentences(c.Content)
		if len(sentences) <= windowSize {
			if len(sentences) > 0 {
				units = append(units, Unit{Kind: UnitChunk, Text: strings.Join(sentences, " ")})
			}
			continue
		}
		for i := 0; i+windowSize <= len(sentences); i++ {
			units = append(units, Unit{Kind: UnitChunk, Text: strings.Join(sentences[i:i+windowSize], " ")})
		}
	}
	return units
}

// Support is the fraction of claim's content words that occur in unit.
func Support(claim, unit string) float64 {
	cw := text.ContentWords(claim)
	if len(cw) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, w := range text.ContentWords(unit) {
		have[w] = true
	}
	hits := 0
	for _, w := range cw {
		if have[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(cw))
}

// BestSupport returns the highest Support over units and the unit that
// achieved it. Earlier units win ties. ok is false when units is empty.
func BestSupport(claim string, units []Unit) (score float64, best Unit, ok bool) {
	for i, u := range units {
		s := Support(claim, u.Text)
		if i == 0 || s > score {
			score, best, ok = s, u, true
		}
	}
	return score, best, ok
}
