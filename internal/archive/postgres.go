package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PostgresSchema creates the archive tables. The ingestion pipeline owns
// the data; the schema is exported for tests and local setups.
const PostgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS articles (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	publication_date DATE NOT NULL,
	word_count       INTEGER NOT NULL DEFAULT 0,
	issue_id         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS distillations (
	id               TEXT PRIMARY KEY,
	article_id       TEXT NOT NULL UNIQUE REFERENCES articles(id),
	thesis_statement TEXT NOT NULL,
	key_claims       JSONB NOT NULL DEFAULT '[]',
	topics           TEXT[] NOT NULL DEFAULT '{}',
	entities         JSONB NOT NULL DEFAULT '{}',
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding        vector
);
CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	article_id  TEXT NOT NULL REFERENCES articles(id),
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	embedding   vector
);
CREATE INDEX IF NOT EXISTS idx_chunks_article ON chunks(article_id, chunk_index);
`

const (
	articleColumns      = `id, title, to_char(publication_date, 'YYYY-MM-DD'), word_count, issue_id`
	distillationColumns = `id, article_id, thesis_statement, key_claims, topics, entities, confidence_score`
	chunkColumns        = `id, article_id, chunk_index, content, token_count`
)

// PostgresStore reads the archive from PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: 10 * time.Second}
}

// DB exposes the pool so the pgvector index can share it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the archive tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, PostgresSchema)
	return err
}

// GetArticle returns an article by ID.
func (s *PostgresStore) GetArticle(ctx context.Context, id string) (*Article, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	a, err := scanArticle(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// GetDistillation returns the distillation of an article.
func (s *PostgresStore) GetDistillation(ctx context.Context, articleID string) (*Distillation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+distillationColumns+` FROM distillations WHERE article_id = $1`, articleID)
	d, err := scanDistillation(row, false)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// GetDistillationByID returns a distillation by its own ID.
func (s *PostgresStore) GetDistillationByID(ctx context.Context, id string) (*Distillation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+distillationColumns+` FROM distillations WHERE id = $1`, id)
	d, err := scanDistillation(row, false)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// GetChunks returns an article's chunks ordered by chunk index.
func (s *PostgresStore) GetChunks(ctx context.Context, articleID string) ([]Chunk, error) {
	if _, err := s.GetArticle(ctx, articleID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE article_id = $1 ORDER BY chunk_index`, articleID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetChunk returns a chunk by ID.
func (s *PostgresStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, id)
	c, err := scanChunk(row, false)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// FindArticles returns articles matching q, newest first. Candidates are
// narrowed in SQL and matched exactly with NormalizeTitle.
func (s *PostgresStore) FindArticles(ctx context.Context, q ArticleQuery) ([]Article, error) {
	words := strings.Fields(NormalizeTitle(q.Title))
	if len(words) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles
		 WHERE title ILIKE $1 AND to_char(publication_date, 'YYYY-MM-DD') LIKE $2
		 ORDER BY publication_date DESC, id`,
		"%"+strings.Join(words, "%")+"%", q.Date+"%")
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		if q.Matches(*a) {
			out = append(out, *a)
		}
	}
	return out, rows.Err()
}

// ListDistillations returns every distillation with its embedding.
func (s *PostgresStore) ListDistillations(ctx context.Context) ([]Distillation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+distillationColumns+`, embedding FROM distillations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query distillations: %w", err)
	}
	defer rows.Close()

	var out []Distillation
	for rows.Next() {
		d, err := scanDistillation(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ListChunks returns every chunk with its embedding.
func (s *PostgresStore) ListChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+`, embedding FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Stats returns archive totals.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM articles),
		(SELECT count(*) FROM distillations),
		(SELECT count(*) FROM distillations WHERE embedding IS NOT NULL),
		(SELECT count(*) FROM chunks),
		(SELECT count(*) FROM chunks WHERE embedding IS NOT NULL)`,
	).Scan(&st.TotalArticles, &st.TotalDistillations, &st.TotalDistillationEmbeddings,
		&st.TotalChunks, &st.TotalChunkEmbeddings)
	if err != nil {
		return Stats{}, fmt.Errorf("archive stats: %w", err)
	}
	return st, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (*Article, error) {
	var a Article
	if err := row.Scan(&a.ID, &a.Title, &a.PublicationDate, &a.WordCount, &a.IssueID); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanDistillation(row scanner, withEmbedding bool) (*Distillation, error) {
	var (
		d        Distillation
		claims   []byte
		entities []byte
		vec      *pgvector.Vector
	)
	dest := []any{&d.ID, &d.ArticleID, &d.ThesisStatement, &claims, pq.Array(&d.Topics), &entities, &d.ConfidenceScore}
	if withEmbedding {
		dest = append(dest, &vec)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(claims, &d.KeyClaims); err != nil {
		return nil, fmt.Errorf("decode key_claims for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(entities, &d.Entities); err != nil {
		return nil, fmt.Errorf("decode entities for %s: %w", d.ID, err)
	}
	if vec != nil {
		d.Embedding = vec.Slice()
	}
	return &d, nil
}

func scanChunk(row scanner, withEmbedding bool) (*Chunk, error) {
	var (
		c   Chunk
		vec *pgvector.Vector
	)
	dest := []any{&c.ID, &c.ArticleID, &c.ChunkIndex, &c.Content, &c.TokenCount}
	if withEmbedding {
		dest = append(dest, &vec)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if vec != nil {
		c.Embedding = vec.Slice()
	}
	return &c, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
