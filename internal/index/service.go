package index

import (
	"context"
	"fmt"
	"time"

	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/embed"
	"github.com/askben/askben/internal/pkg/errors"
	"github.com/askben/askben/internal/pkg/hash"
	"github.com/askben/askben/internal/pkg/logger"
)

// ServiceConfig configures the index service.
type ServiceConfig struct {
	// VectorSize is used when creating tier storage before any vector is known.
	VectorSize int

	// EmbedBatchSize is the number of texts embedded per call during sync.
	EmbedBatchSize int

	// UpsertBatchSize is the number of items written per backend call.
	UpsertBatchSize int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		VectorSize:      1536,
		EmbedBatchSize:  32,
		UpsertBatchSize: 100,
	}
}

// Match is a hydrated search result. Exactly one of Distillation and
// Chunk is set, matching Tier.
type Match struct {
	Tier         Tier
	ItemID       string
	Article      archive.Article
	Distillation *archive.Distillation
	Chunk        *archive.Chunk
	Similarity   float64
}

// Searcher is the similarity-search primitive consumed by the router.
type Searcher interface {
	Search(ctx context.Context, tier Tier, query string, limit int) ([]Match, error)
}

// Service searches a Backend and resolves hits against the archive.
type Service struct {
	cfg      ServiceConfig
	archive  archive.Store
	embedder embed.Embedder
	backend  Backend
	tracker  *Tracker
	log      *logger.Logger
}

// NewService creates an index service.
func NewService(cfg ServiceConfig, store archive.Store, embedder embed.Embedder, backend Backend, log *logger.Logger) *Service {
	def := DefaultServiceConfig()
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = def.VectorSize
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = def.EmbedBatchSize
	}
	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = def.UpsertBatchSize
	}

	return &Service{
		cfg:      cfg,
		archive:  store,
		embedder: embedder,
		backend:  backend,
		tracker:  NewTracker(),
		log:      log.WithComponent("index"),
	}
}

// Backend returns the underlying vector backend.
func (s *Service) Backend() Backend {
	return s.backend
}

// Search embeds query and returns up to limit matches from tier, ordered
// by descending similarity. Hits whose item is no longer in the archive
// are dropped.
func (s *Service) Search(ctx context.Context, tier Tier, query string, limit int) ([]Match, error) {
	if err := checkTier(tier); err != nil {
		return nil, errors.ValidationError(err.Error())
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, errors.RetrievalError("query embedding failed", err)
	}

	hits, err := s.backend.Search(ctx, tier, vec, limit)
	if err != nil {
		return nil, errors.RetrievalError(fmt.Sprintf("%s index unavailable", tier), err)
	}

	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		m, err := s.hydrate(ctx, tier, h)
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				s.log.Debug("Dropping stale index hit", "tier", tier, "item_id", h.ItemID)
				continue
			}
			return nil, errors.RetrievalError("archive lookup failed", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (s *Service) hydrate(ctx context.Context, tier Tier, h Hit) (Match, error) {
	m := Match{Tier: tier, ItemID: h.ItemID, Similarity: ClampScore(h.Score)}

	var articleID string
	switch tier {
	case TierDistillations:
		d, err := s.archive.GetDistillationByID(ctx, h.ItemID)
		if err != nil {
			return m, err
		}
		d.Embedding = nil
		m.Distillation = d
		articleID = d.ArticleID
	case TierChunks:
		c, err := s.archive.GetChunk(ctx, h.ItemID)
		if err != nil {
			return m, err
		}
		c.Embedding = nil
		m.Chunk = c
		articleID = c.ArticleID
	}

	a, err := s.archive.GetArticle(ctx, articleID)
	if err != nil {
		return m, err
	}
	m.Article = *a
	return m, nil
}

// Counts returns the number of stored vectors per tier.
func (s *Service) Counts(ctx context.Context) (map[Tier]int, error) {
	counts := make(map[Tier]int, len(Tiers))
	for _, t := range Tiers {
		n, err := s.backend.Count(ctx, t)
		if err != nil {
			return nil, errors.RetrievalError(fmt.Sprintf("%s index unavailable", t), err)
		}
		counts[t] = n
	}
	return counts, nil
}

// SyncResult reports what a Sync pushed.
type SyncResult struct {
	Tiers    map[Tier]TierSyncResult `json:"tiers"`
	Duration time.Duration           `json:"duration"`
}

// TierSyncResult counts items for one tier.
type TierSyncResult struct {
	Pushed   int `json:"pushed"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
}

// Sync pushes every archive item into the backend. Items without a stored
// embedding are embedded first. Unchanged items from an earlier sync are
// skipped unless force is set.
func (s *Service) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{Tiers: make(map[Tier]TierSyncResult, len(Tiers))}

	if force {
		s.tracker.Clear()
	}

	for _, tier := range Tiers {
		pending, err := s.pending(ctx, tier)
		if err != nil {
			return nil, err
		}
		tr, err := s.syncTier(ctx, tier, pending)
		if err != nil {
			return nil, err
		}
		result.Tiers[tier] = tr
	}

	result.Duration = time.Since(start)
	s.log.Info("Index sync complete",
		"backend", s.backend.Name(),
		"distillations", result.Tiers[TierDistillations].Pushed,
		"chunks", result.Tiers[TierChunks].Pushed,
		"duration", result.Duration,
	)
	return result, nil
}

type pendingItem struct {
	id        string
	articleID string
	text      string
	vector    []float32
}

func (s *Service) pending(ctx context.Context, tier Tier) ([]pendingItem, error) {
	var out []pendingItem
	switch tier {
	case TierDistillations:
		list, err := s.archive.ListDistillations(ctx)
		if err != nil {
			return nil, errors.StorageError("list distillations", err)
		}
		for i := range list {
			out = append(out, pendingItem{list[i].ID, list[i].ArticleID, list[i].Text(), list[i].Embedding})
		}
	case TierChunks:
		list, err := s.archive.ListChunks(ctx)
		if err != nil {
			return nil, errors.StorageError("list chunks", err)
		}
		for _, c := range list {
			out = append(out, pendingItem{c.ID, c.ArticleID, c.Content, c.Embedding})
		}
	}
	return out, nil
}

func (s *Service) syncTier(ctx context.Context, tier Tier, items []pendingItem) (TierSyncResult, error) {
	var res TierSyncResult

	todo := items[:0:0]
	for _, it := range items {
		if s.tracker.HasHash(tier, it.id, contentHash(it)) {
			res.Skipped++
			continue
		}
		todo = append(todo, it)
	}
	if len(todo) == 0 {
		return res, nil
	}

	embedded, err := s.embedMissing(ctx, todo)
	if err != nil {
		return res, err
	}
	res.Embedded = embedded

	dim := s.cfg.VectorSize
	if len(todo[0].vector) > 0 {
		dim = len(todo[0].vector)
	}
	if err := s.backend.EnsureTier(ctx, tier, dim); err != nil {
		return res, errors.RetrievalError(fmt.Sprintf("prepare %s index", tier), err)
	}

	for i := 0; i < len(todo); i += s.cfg.UpsertBatchSize {
		end := min(i+s.cfg.UpsertBatchSize, len(todo))
		batch := make([]Item, 0, end-i)
		for _, it := range todo[i:end] {
			batch = append(batch, Item{ItemID: it.id, ArticleID: it.articleID, Vector: it.vector})
		}
		if err := s.backend.Upsert(ctx, tier, batch); err != nil {
			return res, errors.RetrievalError(fmt.Sprintf("upsert %s", tier), err)
		}
		for _, it := range todo[i:end] {
			s.tracker.SetHash(tier, it.id, contentHash(it))
		}
		res.Pushed += len(batch)
	}
	return res, nil
}

// embedMissing fills vectors for items that have none and returns how many it embedded.
func (s *Service) embedMissing(ctx context.Context, items []pendingItem) (int, error) {
	var idx []int
	for i := range items {
		if len(items[i].vector) == 0 {
			idx = append(idx, i)
		}
	}

	for start := 0; start < len(idx); start += s.cfg.EmbedBatchSize {
		end := min(start+s.cfg.EmbedBatchSize, len(idx))
		texts := make([]string, 0, end-start)
		for _, i := range idx[start:end] {
			texts = append(texts, items[i].text)
		}
		vecs, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, errors.RetrievalError("document embedding failed", err)
		}
		for j, i := range idx[start:end] {
			items[i].vector = vecs[j]
		}
	}
	return len(idx), nil
}

func contentHash(it pendingItem) string {
	return hash.Key(it.articleID, it.text)
}
