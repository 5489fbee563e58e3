package storage

import (
	"path/filepath"
	"testing"

	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuntStorage_RecoversIDsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")

	db, err := FromFile(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveBacktest(&report.BacktestReport{}))
	require.NoError(t, db.SaveBacktest(&report.BacktestReport{}))
	require.NoError(t, db.Close())

	db, err = FromFile(path)
	require.NoError(t, err)
	defer db.Close()

	next := &report.BacktestReport{}
	require.NoError(t, db.SaveBacktest(next))
	assert.Equal(t, int64(3), next.ID)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mongo", "x")
	assert.Error(t, err)
}

func TestTombstoneRestore(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "a.log")

	err := withArtifacts([]string{a, filepath.Join(dir, "missing.log")}, func() error {
		assert.NoFileExists(t, a)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.FileExists(t, a)
}
