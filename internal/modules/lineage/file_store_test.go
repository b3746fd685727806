package lineage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/evolver/internal/domain"
	testingpkg "github.com/aristath/evolver/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestFileStore_ReadEmptyFamily(t *testing.T) {
	store := newTestFileStore(t)

	entries, err := store.Read(context.Background(), "momentum")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestFileStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	require.NoError(t, store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", "")))
	require.NoError(t, store.AppendBacktest(ctx, "momentum", "1", testingpkg.NewOutcome("1", "10%", "1.2", "150")))
	require.NoError(t, store.AppendBacktest(ctx, "momentum", "1", testingpkg.NewFailedOutcome("1", "Exception: boom")))

	entries, err := store.Read(ctx, "momentum")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Backtests, 2)
	assert.True(t, entries[0].Backtests[0].Succeeded)
	assert.False(t, entries[0].Backtests[1].Succeeded)

	_, err = os.Stat(filepath.Join(store.Root(), "momentum", documentFile))
	assert.NoError(t, err)
}

func TestFileStore_AppendBacktestUnknownVersion(t *testing.T) {
	store := newTestFileStore(t)

	err := store.AppendBacktest(context.Background(), "momentum", "7", testingpkg.NewOutcome("7", "1", "1", "1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileStore_AppendVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	require.NoError(t, store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", "")))
	err := store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", ""))
	assert.ErrorIs(t, err, domain.ErrConflict)

	entries, err := store.Read(ctx, "momentum")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_InvalidFamily(t *testing.T) {
	store := newTestFileStore(t)

	_, err := store.Read(context.Background(), "../outside")
	assert.Error(t, err)
	assert.Error(t, store.AppendVersion(context.Background(), "a/b", testingpkg.NewVersion("1", "")))
}

func TestFileStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", "")))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := testingpkg.NewOutcome("1", fmt.Sprintf("%d%%", i), "1", "100")
			assert.NoError(t, store.AppendBacktest(ctx, "momentum", "1", outcome))
		}(i)
	}
	wg.Wait()

	entries, err := store.Read(ctx, "momentum")
	require.NoError(t, err)
	assert.Len(t, entries[0].Backtests, writers)
}

func TestFileStore_TwoInstancesShareTheLock(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewFileStore(root, zerolog.Nop())
	require.NoError(t, err)
	b, err := NewFileStore(root, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", "")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.AppendBacktest(ctx, "momentum", "1", testingpkg.NewOutcome("1", "1", "1", "1")))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.AppendBacktest(ctx, "momentum", "1", testingpkg.NewOutcome("1", "1", "1", "1")))
		}()
	}
	wg.Wait()

	entries, err := a.Read(ctx, "momentum")
	require.NoError(t, err)
	assert.Len(t, entries[0].Backtests, 20)
}

func TestFileStore_LeftoverLockFileDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	dir := filepath.Join(store.Root(), "momentum")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lockPath := filepath.Join(dir, lockFile)
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":1}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", "")))

	_, err := os.Stat(lockPath)
	assert.NoError(t, err, "the lock file is kept between writes")
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1", "")))
	require.NoError(t, store.AppendVersion(ctx, "momentum", testingpkg.NewVersion("1_1", "1")))

	files, err := os.ReadDir(filepath.Join(store.Root(), "momentum"))
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasPrefix(f.Name(), ".tmp-"), "leftover temp file %s", f.Name())
	}
}

func TestFileStore_Families(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.AppendVersion(ctx, "zeta", testingpkg.NewVersion("1", "")))
	require.NoError(t, store.AppendVersion(ctx, "alpha", testingpkg.NewVersion("1", "")))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "empty"), 0o755))

	families, err := store.Families(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, families)
}
