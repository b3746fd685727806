package lineage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aristath/evolver/internal/domain"
	"github.com/rs/zerolog"
)

const (
	documentFile = "lineage.json"
	lockFile     = "lineage.lock"
)

// FileStore keeps one JSON document per family under root/<family>/lineage.json.
//
// Writers are serialized by an in-process mutex per family and, across processes,
// by an advisory lock on a file next to the document. Documents are replaced atomically.
type FileStore struct {
	root string
	log  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file-backed lineage store rooted at root.
func NewFileStore(root string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lineage directory: %w", err)
	}
	return &FileStore{
		root:  root,
		log:   log.With().Str("repository", "lineage_file").Logger(),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the directory holding the family documents.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) documentPath(family string) string {
	return filepath.Join(s.root, family, documentFile)
}

func (s *FileStore) familyMutex(family string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[family]
	if !ok {
		m = &sync.Mutex{}
		s.locks[family] = m
	}
	return m
}

// Read returns the family history, or an empty list when nothing is persisted.
func (s *FileStore) Read(ctx context.Context, family string) ([]domain.LineageEntry, error) {
	if err := checkFamily(family); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(family)
}

func (s *FileStore) load(family string) ([]domain.LineageEntry, error) {
	data, err := os.ReadFile(s.documentPath(family))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.LineageEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read lineage of %s: %w", family, err)
	}
	entries, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("lineage of %s: %w", family, err)
	}
	return entries, nil
}

// AppendVersion adds a new version entry. Returns ErrConflict if the id exists.
func (s *FileStore) AppendVersion(ctx context.Context, family string, version domain.StrategyVersion) error {
	err := s.update(ctx, family, func(entries []domain.LineageEntry) ([]domain.LineageEntry, error) {
		return appendVersion(entries, version)
	})
	if err != nil {
		return err
	}
	s.log.Debug().
		Str("family", family).
		Str("version", version.ID).
		Msg("Version appended")
	return nil
}

// AppendBacktest appends an outcome to an existing version entry. Returns ErrNotFound
// if the version has no entry.
func (s *FileStore) AppendBacktest(ctx context.Context, family, versionID string, outcome domain.BacktestOutcome) error {
	err := s.update(ctx, family, func(entries []domain.LineageEntry) ([]domain.LineageEntry, error) {
		return appendBacktest(entries, versionID, outcome)
	})
	if err != nil {
		return err
	}
	s.log.Debug().
		Str("family", family).
		Str("version", versionID).
		Bool("succeeded", outcome.Succeeded).
		Msg("Backtest appended")
	return nil
}

// update runs a read-modify-write of the whole family document under exclusion.
func (s *FileStore) update(ctx context.Context, family string, mutate func([]domain.LineageEntry) ([]domain.LineageEntry, error)) error {
	if err := checkFamily(family); err != nil {
		return err
	}

	m := s.familyMutex(family)
	m.Lock()
	defer m.Unlock()

	dir := filepath.Join(s.root, family)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create family directory: %w", err)
	}

	lock := newFileLock(filepath.Join(dir, lockFile), s.log)
	if err := lock.acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.log.Error().Err(err).Str("family", family).Msg("Failed to release lineage lock")
		}
	}()

	entries, err := s.load(family)
	if err != nil {
		return err
	}
	entries, err = mutate(entries)
	if err != nil {
		return err
	}
	data, err := encodeDocument(entries)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.documentPath(family), data); err != nil {
		return fmt.Errorf("failed to write lineage of %s: %w", family, err)
	}
	return nil
}

// Families lists every family directory that holds a lineage document.
func (s *FileStore) Families(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	families := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() || !ValidFamily(de.Name()) {
			continue
		}
		if _, err := os.Stat(s.documentPath(de.Name())); err == nil {
			families = append(families, de.Name())
		}
	}
	sort.Strings(families)
	return families, nil
}
