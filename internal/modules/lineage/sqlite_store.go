package lineage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/evolver/internal/database"
	"github.com/aristath/evolver/internal/domain"
	"github.com/rs/zerolog"
)

// SQLiteStore keeps each family document as one row of lineage_documents.
// The row holds exactly the document a FileStore would write, so histories
// move between backends unchanged.
type SQLiteStore struct {
	db  *sql.DB // lineage.db - ledger profile, immediate transactions
	log zerolog.Logger
}

// NewSQLiteStore creates a lineage store over a migrated lineage database.
func NewSQLiteStore(db *sql.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: log.With().Str("repository", "lineage_sqlite").Logger(),
	}
}

// Read returns the family history, or an empty list when nothing is persisted.
func (s *SQLiteStore) Read(ctx context.Context, family string) ([]domain.LineageEntry, error) {
	if err := checkFamily(family); err != nil {
		return nil, err
	}
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM lineage_documents WHERE family_key = ?`, family).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.LineageEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lineage of %s: %w", family, err)
	}
	return decodeDocument([]byte(document))
}

// AppendVersion adds a new version entry. Returns ErrConflict if the id exists.
func (s *SQLiteStore) AppendVersion(ctx context.Context, family string, version domain.StrategyVersion) error {
	return s.update(ctx, family, func(entries []domain.LineageEntry) ([]domain.LineageEntry, error) {
		return appendVersion(entries, version)
	})
}

// AppendBacktest appends an outcome to an existing version entry. Returns ErrNotFound
// if the version has no entry.
func (s *SQLiteStore) AppendBacktest(ctx context.Context, family, versionID string, outcome domain.BacktestOutcome) error {
	return s.update(ctx, family, func(entries []domain.LineageEntry) ([]domain.LineageEntry, error) {
		return appendBacktest(entries, versionID, outcome)
	})
}

func (s *SQLiteStore) update(ctx context.Context, family string, mutate func([]domain.LineageEntry) ([]domain.LineageEntry, error)) error {
	if err := checkFamily(family); err != nil {
		return err
	}

	return database.WithTransactionContext(ctx, s.db, func(tx *sql.Tx) error {
		var document string
		exists := true
		err := tx.QueryRowContext(ctx,
			`SELECT document FROM lineage_documents WHERE family_key = ?`, family).Scan(&document)
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("failed to read lineage of %s: %w", family, err)
		}

		entries, err := decodeDocument([]byte(document))
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

		now := time.Now().Unix()
		if exists {
			_, err = tx.ExecContext(ctx,
				`UPDATE lineage_documents SET document = ?, updated_at = ? WHERE family_key = ?`,
				string(data), now, family)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO lineage_documents (family_key, document, created_at, updated_at) VALUES (?, ?, ?, ?)`,
				family, string(data), now, now)
		}
		if err != nil {
			return fmt.Errorf("failed to write lineage of %s: %w", family, err)
		}
		return nil
	})
}

// Families lists every family with a persisted document.
func (s *SQLiteStore) Families(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT family_key FROM lineage_documents ORDER BY family_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	families := []string{}
	for rows.Next() {
		var family string
		if err := rows.Scan(&family); err != nil {
			return nil, fmt.Errorf("failed to scan family: %w", err)
		}
		families = append(families, family)
	}
	return families, rows.Err()
}

// Import stores a complete document for a family that has no history yet,
// e.g. a lineage.json produced elsewhere. Returns ErrConflict if the family exists.
func (s *SQLiteStore) Import(ctx context.Context, family string, document []byte) error {
	if err := checkFamily(family); err != nil {
		return err
	}
	entries, err := decodeDocument(document)
	if err != nil {
		return err
	}
	data, err := encodeDocument(entries)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lineage_documents (family_key, document, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(family_key) DO NOTHING`,
		family, string(data), now, now)
	if err != nil {
		return fmt.Errorf("failed to import lineage of %s: %w", family, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("family %s already has history: %w", family, domain.ErrConflict)
	}

	s.log.Info().
		Str("family", family).
		Int("versions", len(entries)).
		Msg("Lineage imported")
	return nil
}
