package router

import "fmt"

// Tier is the retrieval strategy chosen for a query.
type Tier uint8

const (
	// TierNone means no tier met the threshold or retrieval failed.
	TierNone Tier = iota
	// TierDistillations answers from article summaries.
	TierDistillations
	// TierChunks answers from raw text segments.
	TierChunks
	// TierHybrid answers from both tiers.
	TierHybrid
	// TierReasoningFirst drafts first and retrieves citations afterwards.
	TierReasoningFirst
	// TierRefused means the content policy declined the query.
	TierRefused
)

var tierNames = [...]string{
	TierNone:           "none",
	TierDistillations:  "distillations",
	TierChunks:         "chunks",
	TierHybrid:         "hybrid",
	TierReasoningFirst: "reasoning-first",
	TierRefused:        "refused",
}

// AllTiers lists every tier.
var AllTiers = []Tier{TierNone, TierDistillations, TierChunks, TierHybrid, TierReasoningFirst, TierRefused}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", uint8(t))
}

// ParseTier converts a wire name into a Tier.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return TierNone, fmt.Errorf("unknown retrieval tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if int(t) >= len(tierNames) {
		return nil, fmt.Errorf("invalid retrieval tier %d", uint8(t))
	}
	return []byte(tierNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UsesDistillations reports whether answers draw on the distillation tier.
func (t Tier) UsesDistillations() bool {
	return t == TierDistillations || t == TierHybrid
}

// UsesChunks reports whether answers draw on the chunk tier.
func (t Tier) UsesChunks() bool {
	return t == TierChunks || t == TierHybrid
}

// Explanation is a one-line description for display next to an answer.
func (t Tier) Explanation() string {
	switch t {
	case TierDistillations:
		return "Used Tier 1 (Analytical Summaries): AI-extracted thesis statements and key claims"
	case TierChunks:
		return "Used Tier 2 (Full Text Chunks): direct excerpts from articles"
	case TierHybrid:
		return "Used Both Tiers: analytical summaries plus full text excerpts"
	case TierReasoningFirst:
		return "Reasoning First: analyzed with the archive's frameworks, then matched to supporting citations"
	case TierNone:
		return "No relevant content found in either tier"
	case TierRefused:
		return "Request declined: copyright protection"
	}
	return t.String()
}
