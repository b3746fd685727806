package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/evolver/internal/domain"
)

// MockLineageStore is an in-memory implementation of domain.LineageStore for testing.
// It enforces the same Conflict/NotFound rules as the persistent stores.
type MockLineageStore struct {
	mu       sync.RWMutex
	families map[string][]domain.LineageEntry
	err      error
}

// NewMockLineageStore creates a new mock lineage store
func NewMockLineageStore() *MockLineageStore {
	return &MockLineageStore{families: make(map[string][]domain.LineageEntry)}
}

// SetError makes every subsequent call fail with err
func (m *MockLineageStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Read returns a copy of the family history
func (m *MockLineageStore) Read(_ context.Context, family string) ([]domain.LineageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	entries := m.families[family]
	out := make([]domain.LineageEntry, len(entries))
	for i, e := range entries {
		out[i] = domain.LineageEntry{
			Version:   e.Version,
			Backtests: append([]domain.BacktestOutcome(nil), e.Backtests...),
		}
	}
	return out, nil
}

// AppendVersion adds a new entry
func (m *MockLineageStore) AppendVersion(_ context.Context, family string, version domain.StrategyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if domain.FindEntry(m.families[family], version.ID) != nil {
		return fmt.Errorf("version %s of %s: %w", version.ID, family, domain.ErrConflict)
	}
	m.families[family] = append(m.families[family], domain.LineageEntry{Version: version})
	return nil
}

// AppendBacktest appends an outcome to an existing entry
func (m *MockLineageStore) AppendBacktest(_ context.Context, family, versionID string, outcome domain.BacktestOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	entry := domain.FindEntry(m.families[family], versionID)
	if entry == nil {
		return fmt.Errorf("version %s of %s: %w", versionID, family, domain.ErrNotFound)
	}
	entry.Backtests = append(entry.Backtests, outcome)
	return nil
}

// Families lists the families with history, sorted
func (m *MockLineageStore) Families(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	names := make([]string, 0, len(m.families))
	for name := range m.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MockArtifactStore keeps sources and outputs in memory
type MockArtifactStore struct {
	mu      sync.Mutex
	sources map[string]string
	outputs map[string]string
	err     error
}

// NewMockArtifactStore creates a new mock artifact store
func NewMockArtifactStore() *MockArtifactStore {
	return &MockArtifactStore{
		sources: make(map[string]string),
		outputs: make(map[string]string),
	}
}

// SetError makes every subsequent call fail with err
func (m *MockArtifactStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SaveSource stores source text under "<family>/<version>.py"
func (m *MockArtifactStore) SaveSource(family, versionID, source string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	ref := family + "/" + versionID + ".py"
	if _, ok := m.sources[ref]; ok {
		return "", fmt.Errorf("source %s: %w", ref, domain.ErrConflict)
	}
	m.sources[ref] = source
	return ref, nil
}

// LoadSource returns previously saved source text
func (m *MockArtifactStore) LoadSource(reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[reference]
	if !ok {
		return "", fmt.Errorf("source %s: %w", reference, domain.ErrNotFound)
	}
	return src, nil
}

// SaveOutput records raw output
func (m *MockArtifactStore) SaveOutput(family, versionID, raw string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	ref := fmt.Sprintf("%s/output/%s-%d.log", family, versionID, len(m.outputs)+1)
	m.outputs[ref] = raw
	return ref, nil
}

// SourceCount returns the number of stored sources
func (m *MockArtifactStore) SourceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// MockGenerator returns queued sources in order, then repeats the last one
type MockGenerator struct {
	mu       sync.Mutex
	sources  []string
	err      error
	requests []domain.GenerationRequest
}

// NewMockGenerator creates a generator that replies with the given sources
func NewMockGenerator(sources ...string) *MockGenerator {
	return &MockGenerator{sources: sources}
}

// SetError makes every subsequent call fail with err
func (m *MockGenerator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Generate records the request and returns the next queued source
func (m *MockGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.err != nil {
		return "", m.err
	}
	if len(m.sources) == 0 {
		return fmt.Sprintf("# candidate %d\n", len(m.requests)), nil
	}
	src := m.sources[0]
	if len(m.sources) > 1 {
		m.sources = m.sources[1:]
	}
	return src, nil
}

// Requests returns every request received so far
func (m *MockGenerator) Requests() []domain.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GenerationRequest(nil), m.requests...)
}

// MockRunner returns queued results in order, then repeats the last one.
// A nil result in the queue blocks until the context is cancelled.
type MockRunner struct {
	mu       sync.Mutex
	results  []*domain.RunResult
	err      error
	requests []domain.RunRequest
	started  chan struct{}
}

// NewMockRunner creates a runner that replies with the given results
func NewMockRunner(results ...*domain.RunResult) *MockRunner {
	return &MockRunner{results: results, started: make(chan struct{}, 64)}
}

// SetError makes every subsequent call fail with err
func (m *MockRunner) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Started receives one value per Run call
func (m *MockRunner) Started() <-chan struct{} {
	return m.started
}

// Run records the request and returns the next queued result
func (m *MockRunner) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	err := m.err
	var res *domain.RunResult
	if len(m.results) > 0 {
		res = m.results[0]
		if len(m.results) > 1 {
			m.results = m.results[1:]
		}
	}
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}

	if err != nil {
		return nil, err
	}
	if res == nil {
		<-ctx.Done()
		return &domain.RunResult{ExitCode: -1}, ctx.Err()
	}
	copied := *res
	return &copied, nil
}

// Requests returns every request received so far
func (m *MockRunner) Requests() []domain.RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RunRequest(nil), m.requests...)
}

// ResultWithOutput wraps console text in a successful exit
func ResultWithOutput(stdout string) *domain.RunResult {
	return &domain.RunResult{ExitCode: 0, Stdout: stdout}
}
