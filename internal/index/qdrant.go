package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/askben/askben/internal/qdrant"
)

// pointNamespace derives stable point UUIDs from archive item IDs.
var pointNamespace = uuid.MustParse("0f6d3c1e-54aa-4b1f-9a7e-8a0f52c1d7b3")

// PointID returns the Qdrant point ID for an archive item.
func PointID(tier Tier, itemID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(string(tier)+"/"+itemID)).String()
}

// QdrantBackend stores each tier in its own Qdrant collection.
type QdrantBackend struct {
	client    *qdrant.Client
	batchSize int
}

// NewQdrantBackend wraps a connected client.
func NewQdrantBackend(client *qdrant.Client) *QdrantBackend {
	return &QdrantBackend{client: client, batchSize: 100}
}

// Name returns "qdrant".
func (q *QdrantBackend) Name() string { return "qdrant" }

// EnsureTier creates the tier collection if missing.
func (q *QdrantBackend) EnsureTier(ctx context.Context, tier Tier, dim int) error {
	if err := checkTier(tier); err != nil {
		return err
	}
	return q.client.EnsureCollection(ctx, qdrant.DefaultCollectionConfig(string(tier), uint64(dim)))
}

// Upsert writes items as points keyed by PointID.
func (q *QdrantBackend) Upsert(ctx context.Context, tier Tier, items []Item) error {
	if err := checkTier(tier); err != nil {
		return err
	}

	points := make([]qdrant.Point, 0, len(items))
	for _, it := range items {
		points = append(points, qdrant.Point{
			ID:     PointID(tier, it.ItemID),
			Vector: it.Vector,
			Payload: qdrant.PointPayload{
				ItemID:    it.ItemID,
				ArticleID: it.ArticleID,
				Tier:      string(tier),
			},
		})
	}
	return q.client.UpsertPointsBatch(ctx, string(tier), points, q.batchSize)
}

// Search runs a dense cosine query against the tier collection.
func (q *QdrantBackend) Search(ctx context.Context, tier Tier, vector []float32, limit int) ([]Hit, error) {
	if err := checkTier(tier); err != nil {
		return nil, err
	}

	results, err := q.client.DenseSearch(ctx, string(tier), qdrant.SearchRequest{
		Vector: vector,
		Limit:  uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", tier, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Payload.ItemID == "" {
			continue
		}
		hits = append(hits, Hit{
			ItemID:    r.Payload.ItemID,
			ArticleID: r.Payload.ArticleID,
			Score:     ClampScore(float64(r.Score)),
		})
	}
	return hits, nil
}

// Count returns the exact point count of the tier collection.
func (q *QdrantBackend) Count(ctx context.Context, tier Tier) (int, error) {
	n, err := q.client.CountPoints(ctx, string(tier))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
