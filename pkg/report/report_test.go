package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epochLine(epoch int, trades, wins int, profit float64) string {
	return `{"current_epoch": ` + itoa(epoch) + `, "loss": 1, "params_dict": {"buy_rsi": ` + itoa(epoch*10) + `},
"results_metrics": {"total_trades": ` + itoa(trades) + `, "wins": ` + itoa(wins) + `, "draws": 0, "losses": ` + itoa(trades-wins) + `,
"profit_total": ` + ftoa(profit) + `, "profit_mean": 0.01, "profit_total_abs": 10, "max_drawdown_account": 0.05,
"holding_avg_s": 3600, "backtest_start": "2023-01-01 00:00:00", "backtest_end": "2023-02-01 00:00:00"}}`
}

func writeHyperoptFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.fthypt")
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(compact(l))
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestHyperoptReport_PerformanceAndParams(t *testing.T) {
	file := writeHyperoptFile(t, epochLine(1, 10, 4, 0.02), epochLine(2, 20, 15, 0.08))

	h := &HyperoptReport{ID: 3, HyperoptFile: file, Epoch: 2}
	p, err := h.Performance()
	require.NoError(t, err)
	assert.Equal(t, 20, p.Trades)
	assert.InDelta(t, 8.0, p.ProfitTotalPct, 1e-9)

	params, err := h.Params()
	require.NoError(t, err)
	assert.EqualValues(t, 20, params["buy_rsi"])

	lines, err := h.EpochLines()
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	anchored := h.Anchor(1)
	assert.Zero(t, anchored.ID)
	p1, err := anchored.Performance()
	require.NoError(t, err)
	assert.Equal(t, 10, p1.Trades)

	_, err = h.Anchor(9).Performance()
	assert.Error(t, err)
}

func TestBacktestReport_MissingFile(t *testing.T) {
	b := &BacktestReport{ID: 1, ResultFile: filepath.Join(t.TempDir(), "nope.json")}
	_, err := b.Performance()
	assert.Error(t, err)
	assert.Equal(t, "-", b.Ref())
}

func cached(id int64, profit float64, date time.Time) *BacktestReport {
	p := performance.Performance{ProfitTotalPct: profit, Start: date, End: date}
	return &BacktestReport{ID: id, Date: date, Strategy: "S", perf: &p}
}

func TestRepository_QueryChain(t *testing.T) {
	now := time.Now()
	items := []*BacktestReport{
		cached(1, 5, now.Add(-3*time.Hour)),
		cached(2, 12, now.Add(-2*time.Hour)),
		cached(3, -1, now.Add(-1*time.Hour)),
		cached(4, 12, now),
		{ID: 5, ResultFile: "missing.json", Date: now},
	}

	var deleted []int64
	repo := NewRepository(KindBacktest, items, func(ids ...int64) error {
		deleted = append(deleted, ids...)
		return nil
	})

	top := repo.SortByProfit(false).Head(3)
	assert.Equal(t, []int64{2, 4, 1}, top.IDs())
	assert.Equal(t, []int64{3, 1, 2, 4, 5}, repo.SortByProfit(true).IDs())
	assert.Equal(t, []int64{1, 2, 3}, repo.SortByDate(true).Head(3).IDs())

	positive := repo.Filter(func(b *BacktestReport) bool { return b.ID%2 == 0 })
	assert.Equal(t, []int64{2, 4}, positive.IDs())
	assert.Equal(t, 5, repo.Len(), "filter must not mutate the source view")

	_, err := repo.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := repo.Get(4)
	require.NoError(t, err)
	assert.Same(t, items[3], got)

	require.NoError(t, repo.Delete(1, 3))
	assert.Equal(t, []int64{1, 3}, deleted)
	assert.Equal(t, []int64{2, 4, 5}, repo.IDs())
}

func TestRepository_ToTableHasUniformRows(t *testing.T) {
	now := time.Now()
	repo := NewRepository(KindBacktest, []*BacktestReport{
		cached(1, 5, now),
		{ID: 2, ResultFile: "missing.json", Date: now},
	}, nil)

	rows := repo.ToTable()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Len(t, row, len(TableHeader()))
	}
	assert.Equal(t, "n/a", rows[1][len(rows[1])-1])

	var buf bytes.Buffer
	repo.Render(&buf)
	assert.Contains(t, buf.String(), "2 reports")
	require.Error(t, repo.Delete(1))
}

func TestResolveHyperopt(t *testing.T) {
	id, orphan := int64(7), int64(8)
	hyperopts := NewRepository(KindHyperopt, []*HyperoptReport{{ID: 7}}, nil)

	assert.Nil(t, ResolveHyperopt(&BacktestReport{}, hyperopts))
	assert.Nil(t, ResolveHyperopt(&BacktestReport{HyperoptID: &orphan}, hyperopts))
	assert.Equal(t, int64(7), ResolveHyperopt(&BacktestReport{HyperoptID: &id}, hyperopts).ID)
}
