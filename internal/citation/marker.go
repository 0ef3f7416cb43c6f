// Package citation extracts inline citations from generated answers and
// verifies them against the archive.
package citation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/askben/askben/internal/pkg/text"
)

var (
	refPattern   = regexp.MustCompile(`\[ref:([^\]\r\n]+)\]`)
	titlePattern = regexp.MustCompile(`\[\s*["“]([^"”\]]+)["”]\s*(?:,\s*(\d{4}(?:-\d{2}(?:-\d{2})?)?))?\s*\]`)
	spaceBefore  = regexp.MustCompile(`\s+([.,;:!?])`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

// RefMarker returns the marker the generator inserts for an article. Any id
// accepted by archive.ValidateArticleID round-trips through Extract.
func RefMarker(articleID string) string {
	return "[ref:" + articleID + "]"
}

// Target is what a marker points at: an article ID, or a title with an
// optional date prefix.
type Target struct {
	ArticleID string `json:"article_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Date      string `json:"date,omitempty"`
}

// Candidate is an extracted, unverified citation.
type Candidate struct {
	Marker    string `json:"marker"`
	ClaimText string `json:"claim_text"`
	Target    Target `json:"-"`
}

// ParseMarker parses a single marker.
func ParseMarker(marker string) (Target, bool) {
	if m := refPattern.FindStringSubmatch(marker); m != nil && m[0] == marker {
		return Target{ArticleID: strings.TrimSpace(m[1])}, true
	}
	if m := titlePattern.FindStringSubmatch(marker); m != nil && m[0] == marker {
		return Target{Title: strings.TrimSpace(m[1]), Date: m[2]}, true
	}
	return Target{}, false
}

type found struct {
	start, end int
	target     Target
}

func findMarkers(s string) []found {
	var out []found
	for _, loc := range refPattern.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, found{loc[0], loc[1], Target{ArticleID: strings.TrimSpace(s[loc[2]:loc[3]])}})
	}
	for _, loc := range titlePattern.FindAllStringSubmatchIndex(s, -1) {
		t := Target{Title: strings.TrimSpace(s[loc[2]:loc[3]])}
		if loc[4] >= 0 {
			t.Date = s[loc[4]:loc[5]]
		}
		out = append(out, found{loc[0], loc[1], t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// StripMarkers removes every citation marker from s and tidies the spacing
// left behind.
func StripMarkers(s string) string {
	s = refPattern.ReplaceAllString(s, "")
	s = titlePattern.ReplaceAllString(s, "")
	s = spaceBefore.ReplaceAllString(s, "$1")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Extract finds every marker in answer and pairs it with the sentence that
// holds it. A marker standing alone after a sentence is attributed to that
// sentence. Duplicate (marker, claim) pairs are collapsed.
func Extract(answer string) []Candidate {
	var out []Candidate
	seen := make(map[[2]string]bool)
	prevClaim := ""

	for _, sp := range text.Sentences(answer) {
		sentence := sp.Of(answer)
		claim := StripMarkers(sentence)
		if strings.Trim(claim, ".,;:!?()[]*- ") == "" {
			claim = prevClaim
		} else {
			prevClaim = claim
		}

		for _, m := range findMarkers(sentence) {
			marker := sentence[m.start:m.end]
			key := [2]string{marker, claim}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Candidate{Marker: marker, ClaimText: claim, Target: m.target})
		}
	}
	return out
}
