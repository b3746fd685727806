// Package lineage provides the append-only history store for strategy families.
// The persisted form of a family is a single JSON document: an ordered array of
// version entries, each carrying the backtests run against it. Field names and
// nesting are shared with histories written by earlier tooling and must not change.
package lineage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/aristath/evolver/internal/domain"
	"github.com/aristath/evolver/internal/modules/versioning"
)

// documentEntry is the persisted form of one LineageEntry.
type documentEntry struct {
	Version       string             `json:"version"`
	FileReference string             `json:"file_reference"`
	Timestamp     string             `json:"timestamp"`
	Description   string             `json:"description"`
	Backtests     []documentBacktest `json:"backtests"`
}

// documentBacktest is the persisted form of one BacktestOutcome.
type documentBacktest struct {
	Errors             []string        `json:"errors"`
	Succeeded          bool            `json:"backtest_successful"`
	ResultsSummary     json.RawMessage `json:"results_summary"`
	BacktestFolder     string          `json:"backtest_folder"`
	Timestamp          string          `json:"timestamp"`
	FailedDataRequests json.RawMessage `json:"failed_data_requests"`
}

var familyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidFamily reports whether a family key is safe to use as a storage key and path segment.
func ValidFamily(family string) bool {
	return len(family) <= 128 && familyPattern.MatchString(family) && family != "." && family != ".."
}

func checkFamily(family string) error {
	if !ValidFamily(family) {
		return fmt.Errorf("invalid family key %q", family)
	}
	return nil
}

// timestampLayouts covers RFC3339 plus the naive ISO forms older histories use.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// decodeDocument parses a persisted family document. An empty document is an empty history.
func decodeDocument(data []byte) ([]domain.LineageEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []domain.LineageEntry{}, nil
	}

	var raw []documentEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode lineage document: %w", err)
	}

	entries := make([]domain.LineageEntry, 0, len(raw))
	for _, de := range raw {
		entry := domain.LineageEntry{
			Version: domain.StrategyVersion{
				ID:            de.Version,
				ParentID:      versioning.Parent(de.Version),
				FileReference: de.FileReference,
				Description:   de.Description,
				CreatedAt:     parseTimestamp(de.Timestamp),
			},
			Backtests: make([]domain.BacktestOutcome, 0, len(de.Backtests)),
		}
		for _, db := range de.Backtests {
			entry.Backtests = append(entry.Backtests, domain.BacktestOutcome{
				VersionID:          de.Version,
				Succeeded:          db.Succeeded,
				Metrics:            decodeSummary(db.ResultsSummary),
				Errors:             nonNil(db.Errors),
				FailedDataRequests: decodeStrings(db.FailedDataRequests),
				FolderReference:    db.BacktestFolder,
				Timestamp:          parseTimestamp(db.Timestamp),
			})
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// encodeDocument renders a family history in persisted form.
func encodeDocument(entries []domain.LineageEntry) ([]byte, error) {
	raw := make([]documentEntry, 0, len(entries))
	for _, e := range entries {
		de := documentEntry{
			Version:       e.Version.ID,
			FileReference: e.Version.FileReference,
			Timestamp:     formatTimestamp(e.Version.CreatedAt),
			Description:   e.Version.Description,
			Backtests:     make([]documentBacktest, 0, len(e.Backtests)),
		}
		for _, o := range e.Backtests {
			summary, err := json.Marshal(nonNilMap(o.Metrics))
			if err != nil {
				return nil, fmt.Errorf("failed to encode results summary of %s: %w", e.Version.ID, err)
			}
			failed, err := json.Marshal(nonNil(o.FailedDataRequests))
			if err != nil {
				return nil, fmt.Errorf("failed to encode failed data requests of %s: %w", e.Version.ID, err)
			}
			de.Backtests = append(de.Backtests, documentBacktest{
				Errors:             nonNil(o.Errors),
				Succeeded:          o.Succeeded,
				ResultsSummary:     summary,
				BacktestFolder:     o.FolderReference,
				Timestamp:          formatTimestamp(o.Timestamp),
				FailedDataRequests: failed,
			})
		}
		raw = append(raw, de)
	}
	return json.MarshalIndent(raw, "", "    ")
}

// decodeSummary accepts an object of strings, numbers or booleans; anything else is an empty map.
func decodeSummary(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var values map[string]interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return out
	}
	for k, v := range values {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(tv)
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(tv)
			out[k] = string(b)
		}
	}
	return out
}

// decodeStrings accepts a list of strings, a single string, or a count.
func decodeStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return nonNil(list)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	var count float64
	if err := json.Unmarshal(raw, &count); err == nil && count > 0 {
		return []string{"failed data requests: " + strconv.FormatFloat(count, 'f', -1, 64)}
	}
	return []string{}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// appendVersion adds a version entry, refusing an id that is already present.
func appendVersion(entries []domain.LineageEntry, version domain.StrategyVersion) ([]domain.LineageEntry, error) {
	if !versioning.Valid(version.ID) {
		return nil, fmt.Errorf("version %q: %w", version.ID, domain.ErrInvalidVersion)
	}
	if domain.FindEntry(entries, version.ID) != nil {
		return nil, fmt.Errorf("version %s already exists: %w", version.ID, domain.ErrConflict)
	}
	return append(entries, domain.LineageEntry{Version: version, Backtests: []domain.BacktestOutcome{}}), nil
}

// appendBacktest appends an outcome to the entry of versionID.
func appendBacktest(entries []domain.LineageEntry, versionID string, outcome domain.BacktestOutcome) ([]domain.LineageEntry, error) {
	entry := domain.FindEntry(entries, versionID)
	if entry == nil {
		return nil, fmt.Errorf("version %s: %w", versionID, domain.ErrNotFound)
	}
	outcome.VersionID = versionID
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}
	entry.Backtests = append(entry.Backtests, outcome)
	return entries, nil
}

// MarshalDocument renders a family history exactly as it is persisted.
func MarshalDocument(entries []domain.LineageEntry) ([]byte, error) {
	return encodeDocument(entries)
}

// UnmarshalDocument parses a persisted family history.
func UnmarshalDocument(data []byte) ([]domain.LineageEntry, error) {
	return decodeDocument(data)
}
