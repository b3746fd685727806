package lineage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/rs/zerolog"
)

// SourceExtension is appended to stored strategy sources.
const SourceExtension = ".py"

// FileArtifactStore keeps strategy sources as root/<family>/<version>.py and
// raw run output under root/<family>/output/. References are relative to root.
type FileArtifactStore struct {
	root string
	log  zerolog.Logger
}

// NewFileArtifactStore creates an artifact store rooted at root.
func NewFileArtifactStore(root string, log zerolog.Logger) (*FileArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileArtifactStore{
		root: root,
		log:  log.With().Str("repository", "artifacts").Logger(),
	}, nil
}

// Path resolves a reference to an absolute file path inside the store.
func (s *FileArtifactStore) Path(reference string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(reference))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("artifact reference %q escapes the store", reference)
	}
	return filepath.Join(s.root, clean), nil
}

// SaveSource writes the source of a new version. A version's source is written
// once; a second write returns ErrConflict instead of overwriting it.
func (s *FileArtifactStore) SaveSource(family, versionID, source string) (string, error) {
	if err := checkFamily(family); err != nil {
		return "", err
	}
	ref := family + "/" + versionID + SourceExtension
	path, err := s.Path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create family directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("source of %s/%s: %w", family, versionID, domain.ErrConflict)
		}
		return "", fmt.Errorf("failed to create source file: %w", err)
	}
	if _, err := f.WriteString(source); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write source file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to sync source file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close source file: %w", err)
	}

	s.log.Debug().Str("reference", ref).Int("bytes", len(source)).Msg("Source saved")
	return ref, nil
}

// LoadSource reads a stored source back.
func (s *FileArtifactStore) LoadSource(reference string) (string, error) {
	path, err := s.Path(reference)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("source %s: %w", reference, domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read source %s: %w", reference, err)
	}
	return string(data), nil
}

// SaveOutput keeps the raw output of one run. Each run gets its own file.
func (s *FileArtifactStore) SaveOutput(family, versionID, raw string) (string, error) {
	if err := checkFamily(family); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.log", versionID, time.Now().UTC().Format("20060102T150405.000000000"))
	ref := family + "/output/" + name
	path, err := s.Path(ref)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(path, []byte(raw)); err != nil {
		return "", fmt.Errorf("failed to write output of %s/%s: %w", family, versionID, err)
	}
	return ref, nil
}
