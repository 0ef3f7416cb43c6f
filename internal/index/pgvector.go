package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// PGVectorBackend searches the embedding columns of the Postgres archive
// tables directly, so no separate collection is kept in sync.
type PGVectorBackend struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPGVectorBackend uses db, which must hold the archive schema.
func NewPGVectorBackend(db *sql.DB) *PGVectorBackend {
	return &PGVectorBackend{db: db, timeout: 10 * time.Second}
}

// Name returns "pgvector".
func (p *PGVectorBackend) Name() string { return "pgvector" }

func tableFor(tier Tier) (string, error) {
	switch tier {
	case TierDistillations:
		return "distillations", nil
	case TierChunks:
		return "chunks", nil
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}
}

// EnsureTier verifies the tier table exists.
func (p *PGVectorBackend) EnsureTier(ctx context.Context, tier Tier, _ int) error {
	table, err := tableFor(tier)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var exists bool
	err = p.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check table %s: %w", table, err)
	}
	if !exists {
		return fmt.Errorf("table %s does not exist", table)
	}
	return nil
}

// Upsert writes embeddings back onto existing archive rows.
func (p *PGVectorBackend) Upsert(ctx context.Context, tier Tier, items []Item) error {
	table, err := tableFor(tier)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE `+table+` SET embedding = $1 WHERE id = $2`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, pgvector.NewVector(it.Vector), it.ItemID); err != nil {
			return fmt.Errorf("update %s %s: %w", table, it.ItemID, err)
		}
	}
	return tx.Commit()
}

// Search orders rows by cosine distance to vector.
func (p *PGVectorBackend) Search(ctx context.Context, tier Tier, vector []float32, limit int) ([]Hit, error) {
	table, err := tableFor(tier)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, article_id, 1 - (embedding <=> $1) AS similarity
		FROM `+table+`
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1, id
		LIMIT $2`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector search %s: %w", tier, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ItemID, &h.ArticleID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.Score = ClampScore(h.Score)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count returns the number of rows with an embedding.
func (p *PGVectorBackend) Count(ctx context.Context, tier Tier) (int, error) {
	table, err := tableFor(tier)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var n int
	err = p.db.QueryRowContext(ctx, `SELECT count(*) FROM `+table+` WHERE embedding IS NOT NULL`).Scan(&n)
	return n, err
}
