// Package qdrant provides a wrapper around the Qdrant Go client
// with the collection, upsert and dense search operations the
// embedding index needs.
package qdrant

// CollectionConfig defines the configuration for creating a Qdrant collection.
type CollectionConfig struct {
	// Name is the collection name (will be prefixed).
	Name string

	// VectorSize is the dimension of the dense vectors.
	VectorSize uint64

	// OnDiskPayload stores payload on disk to save RAM.
	OnDiskPayload bool

	// IndexingThreshold is the number of vectors before HNSW index is built.
	IndexingThreshold uint64
}

// DefaultCollectionConfig returns sensible defaults for a tier collection.
func DefaultCollectionConfig(name string, vectorSize uint64) CollectionConfig {
	return CollectionConfig{
		Name:              name,
		VectorSize:        vectorSize,
		OnDiskPayload:     false,
		IndexingThreshold: 20000,
	}
}

// Point represents a point to upsert into Qdrant.
type Point struct {
	// ID is the point UUID.
	ID string

	// Vector is the dense embedding.
	Vector []float32

	// Payload is the metadata associated with this point.
	Payload PointPayload
}

// PointPayload links a point back to the archive.
type PointPayload struct {
	ItemID    string `json:"item_id"`
	ArticleID string `json:"article_id"`
	Tier      string `json:"tier"`
}

// SearchRequest is a dense similarity query.
type SearchRequest struct {
	Vector         []float32
	Limit          uint64
	ScoreThreshold *float32
}

// SearchResult is one scored point.
type SearchResult struct {
	ID      string
	Score   float32
	Payload PointPayload
}

// CollectionInfo holds information about a collection.
type CollectionInfo struct {
	Name        string `json:"name"`
	PointsCount uint64 `json:"points_count"`
	Status      string `json:"status"`
}
