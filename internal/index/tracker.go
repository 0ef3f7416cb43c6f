package index

import (
	"sync"
	"time"
)

// Tracker remembers which item versions have been pushed to the backend,
// so repeated syncs skip unchanged items.
type Tracker struct {
	mu    sync.RWMutex
	tiers map[Tier]map[string]trackedItem
}

type trackedItem struct {
	hash     string
	syncedAt time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tiers: make(map[Tier]map[string]trackedItem),
	}
}

// HasHash reports whether itemID was synced with this content hash.
func (t *Tracker) HasHash(tier Tier, itemID, hash string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it, ok := t.tiers[tier][itemID]
	return ok && it.hash == hash
}

// SetHash records a synced item.
func (t *Tracker) SetHash(tier Tier, itemID, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.tiers[tier]
	if !ok {
		bucket = make(map[string]trackedItem)
		t.tiers[tier] = bucket
	}
	bucket[itemID] = trackedItem{hash: hash, syncedAt: time.Now()}
}

// Len returns the number of tracked items in a tier.
func (t *Tracker) Len(tier Tier) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tiers[tier])
}

// Clear forgets everything.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiers = make(map[Tier]map[string]trackedItem)
}
