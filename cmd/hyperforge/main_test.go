package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raykavin/hyperforge/pkg/logger/zerolog"
	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/raykavin/hyperforge/pkg/stats"
	"github.com/raykavin/hyperforge/pkg/storage"
	"github.com/raykavin/hyperforge/pkg/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBacktests(t *testing.T) *storage.BuntStorage {
	t.Helper()
	store, err := storage.FromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	for i, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 30 * 24 * time.Hour} {
		require.NoError(t, store.SaveBacktest(&report.BacktestReport{
			Tag:        "roi__buy__5m",
			Strategy:   "Sample",
			Date:       now.Add(-age),
			ResultFile: filepath.Join(t.TempDir(), "missing.json"),
			Hash:       string(rune('a' + i)),
		}))
	}
	return store
}

func TestListReports(t *testing.T) {
	store := seedBacktests(t)
	repo, err := storage.BacktestRepository(store)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, listReports(&out, repo, listOptions{sort: "date", limit: 2}))
	assert.Contains(t, out.String(), "roi__buy__5m")
	assert.Contains(t, out.String(), "n/a")

	assert.Error(t, listReports(&out, repo, listOptions{sort: "random"}))
}

func TestShowReport(t *testing.T) {
	store := seedBacktests(t)

	var out bytes.Buffer
	require.NoError(t, showReport(&out, store, report.KindBacktest, 1))
	assert.Contains(t, out.String(), "backtest report 1")
	assert.Contains(t, out.String(), "metrics unavailable")

	assert.ErrorIs(t, showReport(&out, store, report.KindBacktest, 99), report.ErrNotFound)
}

func TestShowReport_SourceHyperopt(t *testing.T) {
	store := seedBacktests(t)

	path := filepath.Join(t.TempDir(), "run.fthypt")
	require.NoError(t, os.WriteFile(path, []byte(`{"current_epoch": 4, "params_dict": {"buy_rsi": 31}}`+"\n"), 0o644))
	source := &report.HyperoptReport{Strategy: "Sample", Tag: "roi__buy__5m", Epoch: 4, HyperoptFile: path}
	require.NoError(t, store.SaveHyperopt(source))

	linked := &report.BacktestReport{Strategy: "Sample", Tag: "linked", HyperoptID: &source.ID, Hash: "linked"}
	require.NoError(t, store.SaveBacktest(linked))
	orphanID := source.ID + 100
	orphan := &report.BacktestReport{Strategy: "Sample", Tag: "orphan", HyperoptID: &orphanID, Hash: "orphan"}
	require.NoError(t, store.SaveBacktest(orphan))

	var out bytes.Buffer
	require.NoError(t, showReport(&out, store, report.KindBacktest, linked.ID))
	assert.Contains(t, out.String(), fmt.Sprintf("hyperopt: %d epoch 4", source.ID))
	assert.Contains(t, out.String(), "params: {buy_rsi: 31}")

	out.Reset()
	require.NoError(t, showReport(&out, store, report.KindBacktest, orphan.ID))
	assert.Contains(t, out.String(), fmt.Sprintf("hyperopt: %d (deleted)", orphanID))
	assert.NotContains(t, out.String(), "params:")

	out.Reset()
	require.NoError(t, showReport(&out, store, report.KindBacktest, 1))
	assert.NotContains(t, out.String(), "hyperopt:")
}

func TestLogProfitInterval(t *testing.T) {
	var buf bytes.Buffer
	log, err := zerolog.New(zerolog.Options{Level: "info", JSON: true, Output: &buf})
	require.NoError(t, err)

	agg := stats.New()
	logProfitInterval(log, agg, rand.New(rand.NewSource(1)))
	assert.Empty(t, buf.String(), "a single sample has no interval")

	for _, profit := range []float64{2, 4, 6} {
		p := performance.Performance{Trades: 10, Wins: 6, Losses: 4, ProfitTotalPct: profit, Drawdown: 0.1}
		agg.Append(p, p)
	}
	logProfitInterval(log, agg, rand.New(rand.NewSource(1)))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "backtest profit pct 95% interval", entry["message"])
	assert.InDelta(t, 4, entry["mean"], 1)
	assert.LessOrEqual(t, entry["lower"], entry["upper"])
}

func TestPruneReports(t *testing.T) {
	store := seedBacktests(t)

	n, err := pruneReports(store, report.KindBacktest, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.Backtests()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, int64(1), left[0].ID)
}

func TestParseIDsAndKind(t *testing.T) {
	ids, err := parseIDs([]string{"3", "10"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 10}, ids)

	_, err = parseIDs([]string{"x"})
	assert.Error(t, err)

	_, err = parseKind("trades")
	assert.Error(t, err)
}

func TestPrintSpaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Sample.py")
	require.NoError(t, os.WriteFile(path, []byte(`
class Sample(IStrategy):
    timeframe = '1h'
    stoploss = -0.10
    buy_rsi = IntParameter(10, 40, default=30, space="buy")
    sell_rsi = IntParameter(60, 90, default=70, space="sell")
`), 0o644))

	info, err := strategy.Parse("Sample", path)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printSpaces(&out, info, 2))
	assert.Contains(t, out.String(), "buy_rsi")
	assert.Contains(t, out.String(), "stoploss__buy__1h")
	assert.Contains(t, out.String(), "__buy-sell__1h")
}
