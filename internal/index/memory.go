package index

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryBackend is a brute-force cosine index held in memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	tiers map[Tier]map[string]Item
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tiers: make(map[Tier]map[string]Item),
	}
}

// Name returns "memory".
func (m *MemoryBackend) Name() string { return "memory" }

// EnsureTier is a no-op beyond validation.
func (m *MemoryBackend) EnsureTier(_ context.Context, tier Tier, _ int) error {
	return checkTier(tier)
}

// Upsert stores copies of items.
func (m *MemoryBackend) Upsert(_ context.Context, tier Tier, items []Item) error {
	if err := checkTier(tier); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.tiers[tier]
	if !ok {
		bucket = make(map[string]Item)
		m.tiers[tier] = bucket
	}
	for _, it := range items {
		it.Vector = append([]float32(nil), it.Vector...)
		bucket[it.ItemID] = it
	}
	return nil
}

// Search scores every item. Ties break on item ID so results are stable.
func (m *MemoryBackend) Search(_ context.Context, tier Tier, vector []float32, limit int) ([]Hit, error) {
	if err := checkTier(tier); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.tiers[tier]))
	for _, it := range m.tiers[tier] {
		if len(it.Vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{
			ItemID:    it.ItemID,
			ArticleID: it.ArticleID,
			Score:     ClampScore(Cosine(vector, it.Vector)),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ItemID < hits[j].ItemID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of items in a tier.
func (m *MemoryBackend) Count(_ context.Context, tier Tier) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tiers[tier]), nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
