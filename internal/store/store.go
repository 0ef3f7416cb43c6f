package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/askben/askben/internal/config"
)

var (
	// ErrNotFound is returned for unknown run or example IDs.
	ErrNotFound = errors.New("store: not found")

	// ErrRunCompleted is returned when writing to a finished run.
	ErrRunCompleted = errors.New("store: run already completed")
)

// Store persists examples and runs. Implementations return copies; a run
// read while still running carries the results appended so far.
type Store interface {
	AddExample(ctx context.Context, e Example) (*Example, error)
	ListExamples(ctx context.Context) ([]Example, error)

	CreateEvalRun(ctx context.Context, run EvalRun) (*EvalRun, error)
	AppendEvalResult(ctx context.Context, runID string, r EvalResult) error
	CompleteEvalRun(ctx context.Context, runID string, status RunStatus, agg EvalAggregate) (*EvalRun, error)
	GetEvalRun(ctx context.Context, runID string) (*EvalRun, []EvalResult, error)
	ListEvalRuns(ctx context.Context, limit int) ([]EvalRun, error)

	CreateCitationRun(ctx context.Context, run CitationRun) (*CitationRun, error)
	AppendCitationResult(ctx context.Context, runID string, r CitationResult) error
	CompleteCitationRun(ctx context.Context, runID string, status RunStatus, agg CitationAggregate) (*CitationRun, error)
	GetCitationRun(ctx context.Context, runID string) (*CitationRun, []CitationResult, error)
	ListCitationRuns(ctx context.Context, limit int) ([]CitationRun, error)

	Close() error
}

// Open builds the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("store: unknown type %q", cfg.Type)
	}
}
