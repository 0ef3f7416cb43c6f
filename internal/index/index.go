// Package index is the embedding index over the two archive tiers. It
// embeds queries, searches a vector backend and hydrates hits from the
// archive.
package index

import (
	"context"
	"fmt"
	"math"
)

// Tier is a content tier of the archive.
type Tier string

const (
	// TierDistillations holds article-level structured summaries.
	TierDistillations Tier = "distillations"

	// TierChunks holds raw text segments.
	TierChunks Tier = "chunks"
)

// Tiers lists every content tier in query order.
var Tiers = []Tier{TierDistillations, TierChunks}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierDistillations || t == TierChunks
}

func (t Tier) String() string { return string(t) }

// Item is one vector to store in a backend.
type Item struct {
	ItemID    string
	ArticleID string
	Vector    []float32
}

// Hit is one scored backend result. Score is in [0,1].
type Hit struct {
	ItemID    string
	ArticleID string
	Score     float64
}

// Backend is a vector store holding one collection per tier.
type Backend interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// EnsureTier prepares storage for a tier.
	EnsureTier(ctx context.Context, tier Tier, dim int) error

	// Upsert stores or replaces items.
	Upsert(ctx context.Context, tier Tier, items []Item) error

	// Search returns up to limit hits ordered by descending score.
	Search(ctx context.Context, tier Tier, vector []float32, limit int) ([]Hit, error)

	// Count returns the number of vectors stored for a tier.
	Count(ctx context.Context, tier Tier) (int, error)
}

// ClampScore maps a raw similarity into [0,1].
func ClampScore(s float64) float64 {
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

func checkTier(t Tier) error {
	if !t.Valid() {
		return fmt.Errorf("unknown tier %q", t)
	}
	return nil
}
