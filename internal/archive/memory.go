package archive

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fixture is the on-disk format loaded by LoadFixture. JSON files parse too.
type Fixture struct {
	Articles []FixtureArticle `yaml:"articles"`
}

// FixtureArticle bundles an article with its distillation and chunks.
type FixtureArticle struct {
	Article      `yaml:",inline"`
	Distillation *Distillation `yaml:"distillation,omitempty"`
	Chunks       []Chunk       `yaml:"chunks,omitempty"`
}

// MemoryStore is an in-memory archive.
type MemoryStore struct {
	mu            sync.RWMutex
	articles      map[string]Article
	distillations map[string]Distillation // by article ID
	distByID      map[string]string       // distillation ID -> article ID
	chunks        map[string][]Chunk      // by article ID, sorted
	chunkByID     map[string]Chunk
}

// NewMemoryStore creates an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		articles:      make(map[string]Article),
		distillations: make(map[string]Distillation),
		distByID:      make(map[string]string),
		chunks:        make(map[string][]Chunk),
		chunkByID:     make(map[string]Chunk),
	}
}

// LoadFixture reads a YAML (or JSON) fixture into a MemoryStore.
func LoadFixture(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	s := NewMemoryStore()
	for _, fa := range fx.Articles {
		if err := s.Add(fa.Article, fa.Distillation, fa.Chunks); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts an article with its optional distillation and chunks.
// Missing child article IDs are filled in from the article.
func (s *MemoryStore) Add(a Article, d *Distillation, chunks []Chunk) error {
	if err := ValidateArticleID(a.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.articles[a.ID]; exists {
		return fmt.Errorf("duplicate article id %q", a.ID)
	}
	s.articles[a.ID] = a

	if d != nil {
		dc := copyDistillation(*d)
		dc.ArticleID = a.ID
		if dc.ID == "" {
			dc.ID = "dist-" + a.ID
		}
		s.distillations[a.ID] = dc
		s.distByID[dc.ID] = a.ID
	}

	list := make([]Chunk, 0, len(chunks))
	for i, c := range chunks {
		c.ArticleID = a.ID
		if c.ID == "" {
			c.ID = fmt.Sprintf("%s-c%d", a.ID, i)
		}
		c.Embedding = append([]float32(nil), c.Embedding...)
		list = append(list, c)
		s.chunkByID[c.ID] = c
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ChunkIndex < list[j].ChunkIndex })
	s.chunks[a.ID] = list

	return nil
}

// GetArticle returns an article by ID.
func (s *MemoryStore) GetArticle(_ context.Context, id string) (*Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.articles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// GetDistillation returns the distillation of an article.
func (s *MemoryStore) GetDistillation(_ context.Context, articleID string) (*Distillation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.distillations[articleID]
	if !ok {
		return nil, ErrNotFound
	}
	dc := copyDistillation(d)
	return &dc, nil
}

// GetDistillationByID returns a distillation by its own ID.
func (s *MemoryStore) GetDistillationByID(ctx context.Context, id string) (*Distillation, error) {
	s.mu.RLock()
	articleID, ok := s.distByID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetDistillation(ctx, articleID)
}

// GetChunks returns an article's chunks ordered by chunk index.
func (s *MemoryStore) GetChunks(_ context.Context, articleID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.articles[articleID]; !ok {
		return nil, ErrNotFound
	}
	src := s.chunks[articleID]
	out := make([]Chunk, len(src))
	copy(out, src)
	return out, nil
}

// GetChunk returns a chunk by ID.
func (s *MemoryStore) GetChunk(_ context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunkByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// FindArticles returns articles matching q, newest first.
func (s *MemoryStore) FindArticles(_ context.Context, q ArticleQuery) ([]Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Article
	for _, a := range s.articles {
		if q.Matches(a) {
			out = append(out, a)
		}
	}
	sortArticles(out)
	return out, nil
}

// ListDistillations returns every distillation ordered by ID.
func (s *MemoryStore) ListDistillations(_ context.Context) ([]Distillation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Distillation, 0, len(s.distillations))
	for _, d := range s.distillations {
		out = append(out, copyDistillation(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListChunks returns every chunk ordered by ID.
func (s *MemoryStore) ListChunks(_ context.Context) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Chunk, 0, len(s.chunkByID))
	for _, c := range s.chunkByID {
		c.Embedding = append([]float32(nil), c.Embedding...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Stats returns archive totals.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalArticles:      len(s.articles),
		TotalDistillations: len(s.distillations),
		TotalChunks:        len(s.chunkByID),
	}
	for _, d := range s.distillations {
		if len(d.Embedding) > 0 {
			st.TotalDistillationEmbeddings++
		}
	}
	for _, c := range s.chunkByID {
		if len(c.Embedding) > 0 {
			st.TotalChunkEmbeddings++
		}
	}
	return st, nil
}

// Close is a no-op for the in-memory archive.
func (s *MemoryStore) Close() error {
	return nil
}

func copyDistillation(d Distillation) Distillation {
	d.KeyClaims = append([]KeyClaim(nil), d.KeyClaims...)
	d.Topics = append([]string(nil), d.Topics...)
	d.Embedding = append([]float32(nil), d.Embedding...)
	if d.Entities != nil {
		ents := make(map[string][]string, len(d.Entities))
		for k, v := range d.Entities {
			ents[k] = append([]string(nil), v...)
		}
		d.Entities = ents
	}
	return d
}

func sortArticles(list []Article) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].PublicationDate != list[j].PublicationDate {
			return list[i].PublicationDate > list[j].PublicationDate
		}
		return list[i].ID < list[j].ID
	})
}
