package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

// forEachBackend runs fn against a fresh in-memory BuntDB store and a fresh
// SQLite file.
func forEachBackend(t *testing.T, fn func(t *testing.T, db ReportStorage)) {
	backends := map[string]func(t *testing.T) (ReportStorage, error){
		"bunt": func(*testing.T) (ReportStorage, error) {
			return FromMemory()
		},
		"sqlite": func(t *testing.T) (ReportStorage, error) {
			return FromSQLite(filepath.Join(t.TempDir(), "reports.sqlite"))
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			db, err := open(t)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			fn(t, db)
		})
	}
}

func TestStorage_SaveAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db ReportStorage) {
		h := &report.HyperoptReport{Strategy: "Sample", Spaces: []string{"buy", "roi"}, Pairlist: []string{"BTC/USDT"}, Epoch: 3}
		require.NoError(t, db.SaveHyperopt(h))
		assert.Equal(t, int64(1), h.ID)
		assert.False(t, h.Date.IsZero())

		got, err := db.Hyperopt(1)
		require.NoError(t, err)
		assert.Equal(t, []string{"buy", "roi"}, got.Spaces)
		assert.Equal(t, []string{"BTC/USDT"}, got.Pairlist)
		assert.Equal(t, 3, got.Epoch)
		assert.WithinDuration(t, h.Date, got.Date, time.Millisecond)

		// saving again keeps the id
		h.Tag = "renamed"
		require.NoError(t, db.SaveHyperopt(h))
		got, err = db.Hyperopt(1)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Tag)

		all, err := db.Hyperopts()
		require.NoError(t, err)
		assert.Len(t, all, 1)

		bt := &report.BacktestReport{Strategy: "Sample", Ensemble: []string{"A", "B"}}
		require.NoError(t, db.SaveBacktest(bt))
		assert.Equal(t, int64(1), bt.ID)
		gotBT, err := db.Backtest(bt.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, gotBT.Ensemble)
		assert.Nil(t, gotBT.HyperoptID)
	})
}

func TestStorage_IDNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db ReportStorage) {
		_, err := db.Hyperopt(99)
		var notFound *report.IDNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, report.KindHyperopt, notFound.Kind)
		assert.EqualValues(t, 99, notFound.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.Backtest(7)
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, report.KindBacktest, notFound.Kind)

		assert.ErrorIs(t, db.DeleteHyperopt(99), ErrNotFound)
		assert.ErrorIs(t, db.DeleteBacktest(7), ErrNotFound)
	})
}

func TestStorage_BacktestByHashAndFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db ReportStorage) {
		src := int64(4)
		base := time.Now().UTC()
		require.NoError(t, db.SaveBacktest(&report.BacktestReport{Strategy: "A", Hash: "aaa", Date: base.Add(-time.Hour)}))
		require.NoError(t, db.SaveBacktest(&report.BacktestReport{Strategy: "B", Hash: "bbb", HyperoptID: &src, Date: base}))

		found, err := db.BacktestByHash("bbb")
		require.NoError(t, err)
		assert.Equal(t, int64(2), found.ID)
		require.NotNil(t, found.HyperoptID)
		assert.Equal(t, src, *found.HyperoptID)

		_, err = db.BacktestByHash("zzz")
		assert.ErrorIs(t, err, ErrNotFound)

		items, err := db.Backtests(WithBacktestStrategy("A"))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "aaa", items[0].Hash)

		items, err = db.Backtests(WithSourceHyperopt(4))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "bbb", items[0].Hash)

		items, err = db.Backtests(WithBacktestStrategy("A"), WithSourceHyperopt(4))
		require.NoError(t, err)
		assert.Empty(t, items)

		repo, err := BacktestRepository(db)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, repo.IDs())
	})
}

func TestStorage_DeleteRemovesArtifacts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db ReportStorage) {
		dir := t.TempDir()
		logFile := touch(t, dir, "bt.log")
		result := touch(t, dir, "bt.json")
		bt := &report.BacktestReport{LogFile: logFile, ResultFile: result}
		require.NoError(t, db.SaveBacktest(bt))

		require.NoError(t, db.DeleteBacktest(bt.ID))
		assert.NoFileExists(t, logFile)
		assert.NoFileExists(t, result)
		assert.NoFileExists(t, logFile+tombstoneSuffix)

		_, err := db.Backtest(bt.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, db.DeleteBacktest(bt.ID), ErrNotFound)
	})
}

func TestStorage_DeleteKeepsSharedHyperoptFile(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db ReportStorage) {
		dir := t.TempDir()
		file := touch(t, dir, "run.fthypt")
		raw := &report.HyperoptReport{HyperoptFile: file, LogFile: touch(t, dir, "raw.log")}
		first := &report.HyperoptReport{HyperoptFile: file, Epoch: 1}
		second := &report.HyperoptReport{HyperoptFile: file, Epoch: 2}
		for _, r := range []*report.HyperoptReport{raw, first, second} {
			require.NoError(t, db.SaveHyperopt(r))
		}

		require.NoError(t, db.DeleteHyperopt(raw.ID))
		assert.NoFileExists(t, raw.LogFile)
		assert.FileExists(t, file)

		require.NoError(t, db.DeleteHyperopt(first.ID))
		assert.FileExists(t, file)

		require.NoError(t, db.DeleteHyperopt(second.ID))
		assert.NoFileExists(t, file)

		left, err := db.Hyperopts()
		require.NoError(t, err)
		assert.Empty(t, left)
	})
}

func TestSQLStorage_ReopenKeepsReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.sqlite")

	db, err := Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, db.SaveBacktest(&report.BacktestReport{Hash: "a"}))
	require.NoError(t, db.SaveBacktest(&report.BacktestReport{Hash: "b"}))
	require.NoError(t, db.Close())

	db, err = Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	next := &report.BacktestReport{Hash: "c"}
	require.NoError(t, db.SaveBacktest(next))
	assert.Equal(t, int64(3), next.ID)

	found, err := db.BacktestByHash("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), found.ID)
}
