package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askben/askben/internal/citation"
)

type evalEntry struct {
	run     EvalRun
	results []EvalResult
}

type citationEntry struct {
	run     CitationRun
	results []CitationResult
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu           sync.RWMutex
	examples     []Example
	evalRuns     map[string]*evalEntry
	citationRuns map[string]*citationEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		evalRuns:     make(map[string]*evalEntry),
		citationRuns: make(map[string]*citationEntry),
	}
}

// AddExample validates and appends an example, assigning an ID when empty.
func (m *MemoryStore) AddExample(_ context.Context, e Example) (*Example, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	m.examples = append(m.examples, e)
	return &e, nil
}

// ListExamples returns examples in insertion order.
func (m *MemoryStore) ListExamples(_ context.Context) ([]Example, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Example{}, m.examples...), nil
}

// CreateEvalRun stores a new running run with no results.
func (m *MemoryStore) CreateEvalRun(_ context.Context, run EvalRun) (*EvalRun, error) {
	prepareEvalRun(&run)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalRuns[run.ID] = &evalEntry{run: run}
	out := copyEvalRun(run)
	return &out, nil
}

// AppendEvalResult adds a result to a running run.
func (m *MemoryStore) AppendEvalResult(_ context.Context, runID string, r EvalResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.evalRuns[runID]
	if !ok {
		return ErrNotFound
	}
	if e.run.Status.Finished() {
		return ErrRunCompleted
	}
	prepareEvalResult(runID, &r)
	e.results = append(e.results, r)
	return nil
}

// CompleteEvalRun finalizes a run's status and aggregates.
func (m *MemoryStore) CompleteEvalRun(_ context.Context, runID string, status RunStatus, agg EvalAggregate) (*EvalRun, error) {
	if err := checkFinal(status); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.evalRuns[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.run.Status.Finished() {
		return nil, ErrRunCompleted
	}
	now := time.Now().UTC()
	e.run.Status = status
	e.run.CompletedAt = &now
	e.run.EvalAggregate = agg
	out := copyEvalRun(e.run)
	return &out, nil
}

// GetEvalRun returns a run and its results ordered by position.
func (m *MemoryStore) GetEvalRun(_ context.Context, runID string) (*EvalRun, []EvalResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.evalRuns[runID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	run := copyEvalRun(e.run)
	results := append([]EvalResult{}, e.results...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Position < results[j].Position })
	return &run, results, nil
}

// ListEvalRuns returns runs newest first. A limit <= 0 returns all.
func (m *MemoryStore) ListEvalRuns(_ context.Context, limit int) ([]EvalRun, error) {
	m.mu.RLock()
	runs := make([]EvalRun, 0, len(m.evalRuns))
	for _, e := range m.evalRuns {
		runs = append(runs, copyEvalRun(e.run))
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return newer(runs[i].StartedAt, runs[i].ID, runs[j].StartedAt, runs[j].ID) })
	return capRuns(runs, limit), nil
}

// CreateCitationRun stores a new running citation run.
func (m *MemoryStore) CreateCitationRun(_ context.Context, run CitationRun) (*CitationRun, error) {
	prepareCitationRun(&run)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.citationRuns[run.ID] = &citationEntry{run: run}
	out := run
	return &out, nil
}

// AppendCitationResult adds a result to a running citation run.
func (m *MemoryStore) AppendCitationResult(_ context.Context, runID string, r CitationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.citationRuns[runID]
	if !ok {
		return ErrNotFound
	}
	if e.run.Status.Finished() {
		return ErrRunCompleted
	}
	prepareCitationResult(runID, &r)
	r.Details = append([]citation.Citation{}, r.Details...)
	e.results = append(e.results, r)
	return nil
}

// CompleteCitationRun finalizes a citation run.
func (m *MemoryStore) CompleteCitationRun(_ context.Context, runID string, status RunStatus, agg CitationAggregate) (*CitationRun, error) {
	if err := checkFinal(status); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.citationRuns[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.run.Status.Finished() {
		return nil, ErrRunCompleted
	}
	now := time.Now().UTC()
	e.run.Status = status
	e.run.CompletedAt = &now
	e.run.CitationAggregate = agg
	out := e.run
	return &out, nil
}

// GetCitationRun returns a citation run and its results ordered by position.
func (m *MemoryStore) GetCitationRun(_ context.Context, runID string) (*CitationRun, []CitationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.citationRuns[runID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	run := e.run
	results := make([]CitationResult, len(e.results))
	for i, r := range e.results {
		r.Details = append([]citation.Citation{}, r.Details...)
		results[i] = r
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Position < results[j].Position })
	return &run, results, nil
}

// ListCitationRuns returns citation runs newest first.
func (m *MemoryStore) ListCitationRuns(_ context.Context, limit int) ([]CitationRun, error) {
	m.mu.RLock()
	runs := make([]CitationRun, 0, len(m.citationRuns))
	for _, e := range m.citationRuns {
		runs = append(runs, e.run)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return newer(runs[i].StartedAt, runs[i].ID, runs[j].StartedAt, runs[j].ID) })
	return capRuns(runs, limit), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func prepareEvalRun(run *EvalRun) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = StatusRunning
	run.CompletedAt = nil
	run.EvalAggregate = EvalAggregate{}
}

func prepareCitationRun(run *CitationRun) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = StatusRunning
	run.CompletedAt = nil
	run.CitationAggregate = CitationAggregate{}
}

func prepareEvalResult(runID string, r *EvalResult) {
	r.RunID = runID
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

func prepareCitationResult(runID string, r *CitationResult) {
	r.RunID = runID
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Details == nil {
		r.Details = []citation.Citation{}
	}
}

func copyEvalRun(r EvalRun) EvalRun {
	if r.TierCounts != nil {
		tc := make(map[string]int, len(r.TierCounts))
		for k, v := range r.TierCounts {
			tc[k] = v
		}
		r.TierCounts = tc
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

func newer(ti time.Time, idi string, tj time.Time, idj string) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi < idj
}

func capRuns[T any](runs []T, limit int) []T {
	if limit > 0 && len(runs) > limit {
		return runs[:limit]
	}
	return runs
}
