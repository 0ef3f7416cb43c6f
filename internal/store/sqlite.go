package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/router"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS examples (
	id         TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	question   TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS eval_runs (
	id                TEXT PRIMARY KEY,
	mode              TEXT NOT NULL,
	result_limit      INTEGER NOT NULL,
	threshold         REAL NOT NULL,
	status            TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	completed_at      TEXT,
	total_examples    INTEGER NOT NULL,
	scored_examples   INTEGER NOT NULL DEFAULT 0,
	excluded_examples INTEGER NOT NULL DEFAULT 0,
	avg_score         REAL NOT NULL DEFAULT 0,
	avg_relevance     REAL NOT NULL DEFAULT 0,
	avg_faithfulness  REAL NOT NULL DEFAULT 0,
	avg_completeness  REAL NOT NULL DEFAULT 0,
	tier_counts       TEXT NOT NULL DEFAULT '{}',
	write_failures    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS eval_results (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES eval_runs(id),
	example_id         TEXT NOT NULL,
	position           INTEGER NOT NULL,
	question           TEXT NOT NULL,
	answer             TEXT NOT NULL,
	retrieval_tier     TEXT NOT NULL,
	relevance_score    REAL NOT NULL,
	faithfulness_score REAL NOT NULL,
	completeness_score REAL NOT NULL,
	avg_score          REAL NOT NULL,
	judge_reasoning    TEXT NOT NULL,
	excluded           INTEGER NOT NULL,
	error              TEXT NOT NULL,
	duration_ms        INTEGER NOT NULL,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_eval_results_run ON eval_results (run_id, position);

CREATE TABLE IF NOT EXISTS citation_runs (
	id                     TEXT PRIMARY KEY,
	status                 TEXT NOT NULL,
	started_at             TEXT NOT NULL,
	completed_at           TEXT,
	total_examples         INTEGER NOT NULL,
	scored_examples        INTEGER NOT NULL DEFAULT 0,
	excluded_examples      INTEGER NOT NULL DEFAULT 0,
	total_citations        INTEGER NOT NULL DEFAULT 0,
	valid_citations        INTEGER NOT NULL DEFAULT 0,
	misused_citations      INTEGER NOT NULL DEFAULT 0,
	hallucinated_citations INTEGER NOT NULL DEFAULT 0,
	overall_accuracy       REAL NOT NULL DEFAULT 0,
	write_failures         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS citation_results (
	id              TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES citation_runs(id),
	example_id      TEXT NOT NULL,
	position        INTEGER NOT NULL,
	question        TEXT NOT NULL,
	answer          TEXT NOT NULL,
	total_citations INTEGER NOT NULL,
	valid           INTEGER NOT NULL,
	misused         INTEGER NOT NULL,
	hallucinated    INTEGER NOT NULL,
	accuracy_score  REAL NOT NULL,
	details         TEXT NOT NULL,
	excluded        INTEGER NOT NULL,
	error           TEXT NOT NULL,
	duration_ms     INTEGER NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_citation_results_run ON citation_results (run_id, position);
`

// SQLiteStore persists to a single SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// One writer keeps concurrent result appends from contending for the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	for _, table := range []string{"eval_runs", "citation_runs"} {
		if err := addColumnIfMissing(db, table, "write_failures", "INTEGER NOT NULL DEFAULT 0"); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

// addColumnIfMissing adds column to tables created before it existed.
func addColumnIfMissing(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddExample validates and inserts an example.
func (s *SQLiteStore) AddExample(ctx context.Context, e Example) (*Example, error) {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO examples (id, seq, question, category, difficulty, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM examples), ?, ?, ?, ?)`,
		e.ID, e.Question, e.Category, e.Difficulty, formatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert example: %w", err)
	}
	return &e, nil
}

// ListExamples returns examples in insertion order.
func (s *SQLiteStore) ListExamples(ctx context.Context) ([]Example, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, category, difficulty, created_at
		FROM examples ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	defer rows.Close()

	examples := []Example{}
	for rows.Next() {
		var (
			e       Example
			created string
		)
		if err := rows.Scan(&e.ID, &e.Question, &e.Category, &e.Difficulty, &created); err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		examples = append(examples, e)
	}
	return examples, rows.Err()
}

// CreateEvalRun inserts a new running run.
func (s *SQLiteStore) CreateEvalRun(ctx context.Context, run EvalRun) (*EvalRun, error) {
	prepareEvalRun(&run)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_runs (id, mode, result_limit, threshold, status, started_at, total_examples)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, run.Limit, run.Threshold, string(run.Status), formatTime(run.StartedAt), run.TotalExamples)
	if err != nil {
		return nil, fmt.Errorf("failed to create eval run: %w", err)
	}
	return &run, nil
}

// AppendEvalResult inserts a result into a running run.
func (s *SQLiteStore) AppendEvalResult(ctx context.Context, runID string, r EvalResult) error {
	prepareEvalResult(runID, &r)

	return s.withRunningTx(ctx, "eval_runs", runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO eval_results (id, run_id, example_id, position, question, answer, retrieval_tier,
				relevance_score, faithfulness_score, completeness_score, avg_score, judge_reasoning,
				excluded, error, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunID, r.ExampleID, r.Position, r.Question, r.Answer, r.RetrievalTier.String(),
			r.RelevanceScore, r.FaithfulnessScore, r.CompletenessScore, r.AvgScore, r.JudgeReasoning,
			r.Excluded, r.Error, r.DurationMS, formatTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert eval result: %w", err)
		}
		return nil
	})
}

// CompleteEvalRun finalizes a run.
func (s *SQLiteStore) CompleteEvalRun(ctx context.Context, runID string, status RunStatus, agg EvalAggregate) (*EvalRun, error) {
	if err := checkFinal(status); err != nil {
		return nil, err
	}
	tiers, err := json.Marshal(agg.TierCounts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tier counts: %w", err)
	}

	err = s.withRunningTx(ctx, "eval_runs", runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE eval_runs SET status = ?, completed_at = ?, scored_examples = ?, excluded_examples = ?,
				avg_score = ?, avg_relevance = ?, avg_faithfulness = ?, avg_completeness = ?, tier_counts = ?,
				write_failures = ?
			WHERE id = ?`,
			string(status), formatTime(time.Now().UTC()), agg.ScoredExamples, agg.ExcludedExamples,
			agg.AvgScore, agg.AvgRelevance, agg.AvgFaithfulness, agg.AvgCompleteness, string(tiers),
			agg.WriteFailures, runID)
		if err != nil {
			return fmt.Errorf("failed to complete eval run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.getEvalRun(ctx, runID)
}

const evalRunColumns = `id, mode, result_limit, threshold, status, started_at, completed_at, total_examples,
	scored_examples, excluded_examples, avg_score, avg_relevance, avg_faithfulness, avg_completeness, tier_counts,
	write_failures`

func (s *SQLiteStore) getEvalRun(ctx context.Context, runID string) (*EvalRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evalRunColumns+` FROM eval_runs WHERE id = ?`, runID)
	run, err := scanEvalRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// GetEvalRun returns a run and its results ordered by position.
func (s *SQLiteStore) GetEvalRun(ctx context.Context, runID string) (*EvalRun, []EvalResult, error) {
	run, err := s.getEvalRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, example_id, position, question, answer, retrieval_tier, relevance_score,
			faithfulness_score, completeness_score, avg_score, judge_reasoning, excluded, error,
			duration_ms, created_at
		FROM eval_results WHERE run_id = ? ORDER BY position, created_at`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load eval results: %w", err)
	}
	defer rows.Close()

	results := []EvalResult{}
	for rows.Next() {
		var (
			r       EvalResult
			tier    string
			created string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.ExampleID, &r.Position, &r.Question, &r.Answer, &tier,
			&r.RelevanceScore, &r.FaithfulnessScore, &r.CompletenessScore, &r.AvgScore, &r.JudgeReasoning,
			&r.Excluded, &r.Error, &r.DurationMS, &created); err != nil {
			return nil, nil, fmt.Errorf("failed to scan eval result: %w", err)
		}
		if r.RetrievalTier, err = router.ParseTier(tier); err != nil {
			return nil, nil, fmt.Errorf("eval result %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return run, results, nil
}

// ListEvalRuns returns runs newest first. A limit <= 0 returns all.
func (s *SQLiteStore) ListEvalRuns(ctx context.Context, limit int) ([]EvalRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evalRunColumns+` FROM eval_runs
		ORDER BY started_at DESC, id LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list eval runs: %w", err)
	}
	defer rows.Close()

	runs := []EvalRun{}
	for rows.Next() {
		run, err := scanEvalRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CreateCitationRun inserts a new running citation run.
func (s *SQLiteStore) CreateCitationRun(ctx context.Context, run CitationRun) (*CitationRun, error) {
	prepareCitationRun(&run)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO citation_runs (id, status, started_at, total_examples) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Status), formatTime(run.StartedAt), run.TotalExamples)
	if err != nil {
		return nil, fmt.Errorf("failed to create citation run: %w", err)
	}
	return &run, nil
}

// AppendCitationResult inserts a result into a running citation run.
func (s *SQLiteStore) AppendCitationResult(ctx context.Context, runID string, r CitationResult) error {
	prepareCitationResult(runID, &r)
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("failed to encode citations: %w", err)
	}

	return s.withRunningTx(ctx, "citation_runs", runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO citation_results (id, run_id, example_id, position, question, answer,
				total_citations, valid, misused, hallucinated, accuracy_score, details,
				excluded, error, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunID, r.ExampleID, r.Position, r.Question, r.Answer,
			r.TotalCitations, r.Valid, r.Misused, r.Hallucinated, r.AccuracyScore, string(details),
			r.Excluded, r.Error, r.DurationMS, formatTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert citation result: %w", err)
		}
		return nil
	})
}

// CompleteCitationRun finalizes a citation run.
func (s *SQLiteStore) CompleteCitationRun(ctx context.Context, runID string, status RunStatus, agg CitationAggregate) (*CitationRun, error) {
	if err := checkFinal(status); err != nil {
		return nil, err
	}

	err := s.withRunningTx(ctx, "citation_runs", runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE citation_runs SET status = ?, completed_at = ?, scored_examples = ?, excluded_examples = ?,
				total_citations = ?, valid_citations = ?, misused_citations = ?, hallucinated_citations = ?,
				overall_accuracy = ?, write_failures = ?
			WHERE id = ?`,
			string(status), formatTime(time.Now().UTC()), agg.ScoredExamples, agg.ExcludedExamples,
			agg.Total, agg.Valid, agg.Misused, agg.Hallucinated, agg.OverallAccuracy, agg.WriteFailures, runID)
		if err != nil {
			return fmt.Errorf("failed to complete citation run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.getCitationRun(ctx, runID)
}

const citationRunColumns = `id, status, started_at, completed_at, total_examples, scored_examples,
	excluded_examples, total_citations, valid_citations, misused_citations, hallucinated_citations, overall_accuracy,
	write_failures`

func (s *SQLiteStore) getCitationRun(ctx context.Context, runID string) (*CitationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+citationRunColumns+` FROM citation_runs WHERE id = ?`, runID)
	run, err := scanCitationRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// GetCitationRun returns a citation run and its results ordered by position.
func (s *SQLiteStore) GetCitationRun(ctx context.Context, runID string) (*CitationRun, []CitationResult, error) {
	run, err := s.getCitationRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, example_id, position, question, answer, total_citations, valid, misused,
			hallucinated, accuracy_score, details, excluded, error, duration_ms, created_at
		FROM citation_results WHERE run_id = ? ORDER BY position, created_at`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load citation results: %w", err)
	}
	defer rows.Close()

	results := []CitationResult{}
	for rows.Next() {
		var (
			r       CitationResult
			details string
			created string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.ExampleID, &r.Position, &r.Question, &r.Answer,
			&r.TotalCitations, &r.Valid, &r.Misused, &r.Hallucinated, &r.AccuracyScore, &details,
			&r.Excluded, &r.Error, &r.DurationMS, &created); err != nil {
			return nil, nil, fmt.Errorf("failed to scan citation result: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &r.Details); err != nil {
			return nil, nil, fmt.Errorf("citation result %s: failed to decode citations: %w", r.ID, err)
		}
		if r.Details == nil {
			r.Details = []citation.Citation{}
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return run, results, nil
}

// ListCitationRuns returns citation runs newest first.
func (s *SQLiteStore) ListCitationRuns(ctx context.Context, limit int) ([]CitationRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+citationRunColumns+` FROM citation_runs
		ORDER BY started_at DESC, id LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list citation runs: %w", err)
	}
	defer rows.Close()

	runs := []CitationRun{}
	for rows.Next() {
		run, err := scanCitationRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// withRunningTx runs fn in a transaction after checking that the run in
// table exists and is still running.
func (s *SQLiteStore) withRunningTx(ctx context.Context, table, runID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if RunStatus(status).Finished() {
		return ErrRunCompleted
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvalRun(row scanner) (*EvalRun, error) {
	var (
		run       EvalRun
		status    string
		started   string
		completed sql.NullString
		tiers     string
	)
	err := row.Scan(&run.ID, &run.Mode, &run.Limit, &run.Threshold, &status, &started, &completed,
		&run.TotalExamples, &run.ScoredExamples, &run.ExcludedExamples, &run.AvgScore,
		&run.AvgRelevance, &run.AvgFaithfulness, &run.AvgCompleteness, &tiers, &run.WriteFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan eval run: %w", err)
	}
	if err := decodeRunTimes(&run.Status, &run.StartedAt, &run.CompletedAt, status, started, completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tiers), &run.TierCounts); err != nil {
		return nil, fmt.Errorf("eval run %s: failed to decode tier counts: %w", run.ID, err)
	}
	return &run, nil
}

func scanCitationRun(row scanner) (*CitationRun, error) {
	var (
		run       CitationRun
		status    string
		started   string
		completed sql.NullString
	)
	err := row.Scan(&run.ID, &status, &started, &completed, &run.TotalExamples, &run.ScoredExamples,
		&run.ExcludedExamples, &run.Total, &run.Valid, &run.Misused, &run.Hallucinated, &run.OverallAccuracy,
		&run.WriteFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan citation run: %w", err)
	}
	if err := decodeRunTimes(&run.Status, &run.StartedAt, &run.CompletedAt, status, started, completed); err != nil {
		return nil, err
	}
	return &run, nil
}

func decodeRunTimes(status *RunStatus, started *time.Time, completed **time.Time, rawStatus, rawStarted string, rawCompleted sql.NullString) error {
	*status = RunStatus(rawStatus)
	if err := checkStatus(*status); err != nil {
		return err
	}
	t, err := parseTime(rawStarted)
	if err != nil {
		return err
	}
	*started = t
	if rawCompleted.Valid {
		c, err := parseTime(rawCompleted.String)
		if err != nil {
			return err
		}
		*completed = &c
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
