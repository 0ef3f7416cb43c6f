package qdrant

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// UpsertPoints inserts or updates points in a collection.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	if len(points) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		qdrantPoints = append(qdrantPoints, pointToQdrant(p))
	}

	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.CollectionName(collection),
		Points:         qdrantPoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// UpsertPointsBatch upserts points in batches.
func (c *Client) UpsertPointsBatch(ctx context.Context, collection string, points []Point, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	for i := 0; i < len(points); i += batchSize {
		end := min(i+batchSize, len(points))
		if err := c.UpsertPoints(ctx, collection, points[i:end]); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	return nil
}

// CountPoints returns the exact number of points in a collection.
func (c *Client) CountPoints(ctx context.Context, collection string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return 0, fmt.Errorf("client is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	count, err := c.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: c.CollectionName(collection),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	return count, nil
}

// DenseSearch returns the nearest points by cosine similarity.
func (c *Client) DenseSearch(ctx context.Context, collection string, req SearchRequest) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}

	if len(req.Vector) == 0 {
		return nil, fmt.Errorf("dense vector is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	limit := req.Limit
	if limit == 0 {
		limit = 5
	}

	queryPoints := &qdrant.QueryPoints{
		CollectionName: c.CollectionName(collection),
		Query:          qdrant.NewQueryDense(req.Vector),
		Using:          qdrant.PtrOf(vectorName),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: req.ScoreThreshold,
	}

	points, err := c.client.Query(ctx, queryPoints)
	if err != nil {
		return nil, fmt.Errorf("dense search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, SearchResult{
			ID:      pointIDString(p.Id),
			Score:   p.Score,
			Payload: extractPayload(p.Payload),
		})
	}
	return results, nil
}

func pointToQdrant(p Point) *qdrant.PointStruct {
	payload := map[string]any{
		"item_id":    p.Payload.ItemID,
		"article_id": p.Payload.ArticleID,
		"tier":       p.Payload.Tier,
	}

	vectors := &qdrant.Vectors{
		VectorsOptions: &qdrant.Vectors_Vectors{
			Vectors: &qdrant.NamedVectors{
				Vectors: map[string]*qdrant.Vector{
					vectorName: {
						Data: p.Vector,
					},
				},
			},
		},
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: vectors,
		Payload: qdrant.NewValueMap(payload),
	}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

func extractPayload(payload map[string]*qdrant.Value) PointPayload {
	return PointPayload{
		ItemID:    getStringValue(payload, "item_id"),
		ArticleID: getStringValue(payload, "article_id"),
		Tier:      getStringValue(payload, "tier"),
	}
}

func getStringValue(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		if sv, ok := v.Kind.(*qdrant.Value_StringValue); ok {
			return sv.StringValue
		}
	}
	return ""
}
