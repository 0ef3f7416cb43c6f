package metrics

import (
	"context"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/index"
)

// ArchiveStats reports archive contents; archive.Store satisfies it.
type ArchiveStats interface {
	Stats(ctx context.Context) (archive.Stats, error)
}

// IndexCounts reports stored vectors; *index.Service satisfies it.
type IndexCounts interface {
	Counts(ctx context.Context) (map[index.Tier]int, error)
}

// Collector refreshes gauges that mirror archive and index state.
type Collector struct {
	metrics *Metrics
	archive ArchiveStats
	index   IndexCounts
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(metrics *Metrics, a ArchiveStats, idx IndexCounts) *Collector {
	return &Collector{metrics: metrics, archive: a, index: idx}
}

// Collect updates the gauges and returns the archive statistics it read.
// A failing source leaves its gauges unchanged.
func (c *Collector) Collect(ctx context.Context) (archive.Stats, map[index.Tier]int, error) {
	var (
		stats    archive.Stats
		counts   map[index.Tier]int
		firstErr error
	)

	if c.archive != nil {
		s, err := c.archive.Stats(ctx)
		if err != nil {
			firstErr = err
		} else {
			stats = s
			items := c.metrics.ArchiveItems
			items.WithLabels("articles").Set(float64(s.TotalArticles))
			items.WithLabels("distillations").Set(float64(s.TotalDistillations))
			items.WithLabels("distillation_embeddings").Set(float64(s.TotalDistillationEmbeddings))
			items.WithLabels("chunks").Set(float64(s.TotalChunks))
			items.WithLabels("chunk_embeddings").Set(float64(s.TotalChunkEmbeddings))
		}
	}

	if c.index != nil {
		n, err := c.index.Counts(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			counts = n
			for tier, v := range n {
				c.metrics.IndexVectors.WithLabels(tier.String()).Set(float64(v))
			}
		}
	}

	return stats, counts, firstErr
}
