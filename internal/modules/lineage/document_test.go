package lineage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aristath/evolver/internal/domain"
	testingpkg "github.com/aristath/evolver/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDocument_PersistedShape(t *testing.T) {
	entries := []domain.LineageEntry{{
		Version:   testingpkg.NewVersion("1", ""),
		Backtests: []domain.BacktestOutcome{testingpkg.NewOutcome("1", "10%", "1.5", "120")},
	}}

	data, err := encodeDocument(entries)
	require.NoError(t, err)

	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)

	entry := raw[0]
	assert.ElementsMatch(t,
		[]string{"version", "file_reference", "timestamp", "description", "backtests"},
		keys(entry))
	assert.Equal(t, "1", entry["version"])

	backtests := entry["backtests"].([]interface{})
	require.Len(t, backtests, 1)
	bt := backtests[0].(map[string]interface{})
	assert.ElementsMatch(t,
		[]string{"errors", "backtest_successful", "results_summary", "backtest_folder", "timestamp", "failed_data_requests"},
		keys(bt))
	assert.Equal(t, true, bt["backtest_successful"])
	assert.Equal(t, "1.5", bt["results_summary"].(map[string]interface{})["Sharpe Ratio"])
}

func TestDecodeDocument_ExistingHistory(t *testing.T) {
	// Shape written by earlier tooling: naive timestamps, numeric summary values.
	legacy := `[
	  {
	    "version": "1",
	    "file_reference": "strategies/1.py",
	    "timestamp": "2024-03-01T10:15:30.123456",
	    "description": "initial",
	    "backtests": [
	      {
	        "errors": [],
	        "backtest_successful": true,
	        "results_summary": {"Sharpe Ratio": 1.25, "Total Orders": "150"},
	        "backtest_folder": "backtests/2024-03-01",
	        "timestamp": "2024-03-01T10:20:00",
	        "failed_data_requests": 3
	      }
	    ]
	  },
	  {
	    "version": "1_1",
	    "file_reference": "strategies/1_1.py",
	    "timestamp": "2024-03-01T11:00:00Z",
	    "description": "child",
	    "backtests": []
	  }
	]`

	entries, err := decodeDocument([]byte(legacy))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	root := entries[0]
	assert.Equal(t, "", root.Version.ParentID)
	assert.Equal(t, 2024, root.Version.CreatedAt.Year())
	require.Len(t, root.Backtests, 1)
	assert.Equal(t, "1.25", root.Backtests[0].Metrics["Sharpe Ratio"])
	assert.Equal(t, "150", root.Backtests[0].Metrics["Total Orders"])
	assert.Equal(t, "1", root.Backtests[0].VersionID)
	assert.Len(t, root.Backtests[0].FailedDataRequests, 1)

	child := entries[1]
	assert.Equal(t, "1", child.Version.ParentID)
	assert.Empty(t, child.Backtests)
}

func TestDecodeDocument_EmptyAndInvalid(t *testing.T) {
	entries, err := decodeDocument([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = decodeDocument([]byte("{not json"))
	assert.Error(t, err)
}

func TestDocument_RoundTripPreservesOrder(t *testing.T) {
	entries := []domain.LineageEntry{}
	var err error
	for _, id := range []string{"1", "1_1", "1_2", "1_1_1"} {
		entries, err = appendVersion(entries, testingpkg.NewVersion(id, ""))
		require.NoError(t, err)
	}
	entries, err = appendBacktest(entries, "1_1", testingpkg.NewFailedOutcome("", "Exception: boom"))
	require.NoError(t, err)

	data, err := encodeDocument(entries)
	require.NoError(t, err)
	decoded, err := decodeDocument(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "1_1", "1_2", "1_1_1"}, domain.VersionIDs(decoded))
	assert.Equal(t, []string{"Exception: boom"}, decoded[1].Backtests[0].Errors)
	assert.Equal(t, "1_1", decoded[3].Version.ParentID)
}

func TestAppendVersion_Conflict(t *testing.T) {
	entries, err := appendVersion(nil, testingpkg.NewVersion("1", ""))
	require.NoError(t, err)

	_, err = appendVersion(entries, testingpkg.NewVersion("1", ""))
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = appendVersion(entries, testingpkg.NewVersion("v2", ""))
	assert.ErrorIs(t, err, domain.ErrInvalidVersion)
}

func TestAppendBacktest_NotFound(t *testing.T) {
	_, err := appendBacktest(nil, "1", testingpkg.NewOutcome("1", "1", "1", "1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendBacktest_FillsTimestamp(t *testing.T) {
	entries, err := appendVersion(nil, testingpkg.NewVersion("1", ""))
	require.NoError(t, err)

	outcome := testingpkg.NewOutcome("", "1", "1", "1")
	outcome.Timestamp = time.Time{}
	entries, err = appendBacktest(entries, "1", outcome)
	require.NoError(t, err)

	assert.Equal(t, "1", entries[0].Backtests[0].VersionID)
	assert.False(t, entries[0].Backtests[0].Timestamp.IsZero())
}

func TestValidFamily(t *testing.T) {
	tests := []struct {
		family string
		valid  bool
	}{
		{"momentum", true},
		{"mean-reversion_v2.1", true},
		{"", false},
		{"..", false},
		{"../etc", false},
		{"a/b", false},
		{".hidden", false},
	}
	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidFamily(tt.family))
		})
	}
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
