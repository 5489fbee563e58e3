package combo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raykavin/hyperforge/pkg/logger/zerolog"
	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/raykavin/hyperforge/pkg/requirements"
	"github.com/raykavin/hyperforge/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hyperoptReq = requirements.Set{WinRate: 0.5, ProfitPct: 1, PPT: 0.001, Drawdown: 0.3}
	backtestReq = requirements.Set{WinRate: 0.5, ProfitPct: 1, PPT: 0.001, Drawdown: 0.3}
)

const metrics = `"total_trades": 20, "wins": %d, "draws": 0, "losses": %d, "profit_total": %g,
"profit_mean": 0.01, "profit_total_abs": 100, "max_drawdown_account": 0.05, "holding_avg_s": 3600,
"backtest_start": "2023-01-01 00:00:00", "backtest_end": "2023-03-01 00:00:00"`

func oneLine(s string) string { return strings.ReplaceAll(s, "\n", " ") }

// epochSpec describes one hyperopt epoch: its loss, win count and profit ratio.
type epochSpec struct {
	loss   float64
	wins   int
	profit float64
}

type fakeSpaces []string

func (f fakeSpaces) Spaces(string) ([]string, error) { return f, nil }

type fakeHyperopt struct {
	dir    string
	epochs []epochSpec
	fail   map[int]error
	edit   func(line string) string
	calls  []HyperoptParameters
}

func (f *fakeHyperopt) Hyperopt(_ context.Context, params HyperoptParameters) (*report.HyperoptReport, error) {
	f.calls = append(f.calls, params)
	if err := f.fail[len(f.calls)]; err != nil {
		return nil, err
	}

	var b strings.Builder
	for i, e := range f.epochs {
		line := fmt.Sprintf(`{"current_epoch": %d, "loss": %g, "params_dict": {"buy_rsi": %d}, "results_metrics": {`+
			oneLine(metrics)+"}}", i+1, e.loss, i+1, e.wins, 20-e.wins, e.profit)
		if f.edit != nil {
			line = f.edit(line)
		}
		b.WriteString(line + "\n")
	}
	path := filepath.Join(f.dir, fmt.Sprintf("run-%d.fthypt", len(f.calls)))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	return &report.HyperoptReport{Strategy: params.Strategy, Spaces: params.Spaces, HyperoptFile: path}, nil
}

type fakeBacktest struct {
	dir     string
	profits []float64 // consumed in call order
	fail    map[int]error
	edit    func(blob string) string
	calls   []BacktestParameters
}

func (f *fakeBacktest) Backtest(_ context.Context, params BacktestParameters) (*report.BacktestReport, error) {
	f.calls = append(f.calls, params)
	n := len(f.calls)
	if err := f.fail[n]; err != nil {
		return nil, err
	}

	profit := f.profits[0]
	f.profits = f.profits[1:]

	blob := fmt.Sprintf(`{"strategy": {"%s": {`+oneLine(metrics)+`}}}`, params.Strategy, 14, 6, profit)
	if f.edit != nil {
		blob = f.edit(blob)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("backtest-%d.json", n))
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		return nil, err
	}
	return &report.BacktestReport{
		Strategy:   params.Strategy,
		Tag:        params.Tag,
		HyperoptID: params.HyperoptID,
		ResultFile: path,
	}, nil
}

type recorder struct{ messages []string }

func (r *recorder) Notify(text string) { r.messages = append(r.messages, text) }

type fixture struct {
	store    *storage.BuntStorage
	hyperopt *fakeHyperopt
	backtest *fakeBacktest
	notifier *recorder
	progress []Progress
	opt      *Optimizer
}

func newFixture(t *testing.T, spaces []string, trials int, epochs []epochSpec, profits ...float64) *fixture {
	t.Helper()
	store, err := storage.FromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	f := &fixture{
		store:    store,
		hyperopt: &fakeHyperopt{dir: dir, epochs: epochs},
		backtest: &fakeBacktest{dir: dir, profits: profits},
		notifier: &recorder{},
	}
	f.opt = New(backtestReq, hyperoptReq, trials, Collaborators{
		Hyperopt: f.hyperopt,
		Backtest: f.backtest,
		Spaces:   fakeSpaces(spaces),
		Store:    store,
	},
		WithNotifier(f.notifier),
		WithRand(rand.New(rand.NewSource(7))),
		WithProgress(func(p Progress) { f.progress = append(f.progress, p) }),
	)
	return f
}

func (f *fixture) prepare(t *testing.T) {
	t.Helper()
	f.opt.AddBacktest(BacktestParameters{Timerange: "20230101-20230301", Exchange: "binance"})
	require.NoError(t, f.opt.Prepare(context.Background(), "Sample", HyperoptParameters{Epochs: 50, Timeframe: "5m"}, false, nil))
}

var goodEpochs = []epochSpec{{loss: 3, wins: 14, profit: 0.05}, {loss: 1, wins: 15, profit: 0.06}, {loss: 2, wins: 13, profit: 0.04}}

func TestGenerateCustomSpaces(t *testing.T) {
	got := GenerateCustomSpaces([]string{"sell", "buy", "roi", "buy"}, DefaultMaxCombo)
	assert.Equal(t, [][]string{
		{"buy"}, {"roi"}, {"sell"},
		{"buy", "roi"}, {"buy", "sell"}, {"roi", "sell"},
		{"buy", "roi", "sell"},
	}, got)

	assert.Len(t, GenerateCustomSpaces([]string{"a", "b", "c", "d", "e"}, 2), 15)
	assert.Len(t, GenerateCustomSpaces([]string{"a", "b", "c", "d", "e"}, 0), 31)
	assert.Empty(t, GenerateCustomSpaces(nil, 4))
}

func TestSplitSpacesAndTag(t *testing.T) {
	standard, custom := SplitSpaces([]string{"buy", "roi", "sell", "trailing"})
	assert.Equal(t, []string{"roi", "trailing"}, standard)
	assert.Equal(t, []string{"buy", "sell"}, custom)

	tag := Tag(standard, custom, "5m")
	assert.Equal(t, "roi-trailing__buy-sell__5m", tag)

	s, c, interval, err := ParseTag(tag)
	require.NoError(t, err)
	assert.Equal(t, standard, s)
	assert.Equal(t, custom, c)
	assert.Equal(t, "5m", interval)

	s, c, _, err = ParseTag(Tag(nil, []string{"buy"}, "1h"))
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []string{"buy"}, c)

	_, _, _, err = ParseTag("buy_5m")
	assert.Error(t, err)
}

func TestOptimizer_StateMachine(t *testing.T) {
	f := newFixture(t, []string{"buy", "sell", "roi"}, 1, goodEpochs)
	ctx := context.Background()

	assert.Equal(t, StateUnprepared, f.opt.State())
	assert.ErrorIs(t, f.opt.Start(ctx), ErrNotPrepared)
	assert.ErrorIs(t, f.opt.Prepare(ctx, "Sample", HyperoptParameters{}, false, nil), ErrNoBacktest)

	f.prepare(t)
	assert.Equal(t, StatePrepared, f.opt.State())
	assert.Len(t, f.opt.Combinations(), 7)
	assert.Equal(t, "__buy__5m", f.opt.Combinations()[0].Tag)
	assert.Equal(t, "Sample", f.opt.Combinations()[0].Parameters.Strategy)
	assert.Equal(t, 50, f.opt.Combinations()[0].Parameters.Epochs)

	assert.ErrorIs(t, f.opt.Prepare(ctx, "Sample", HyperoptParameters{}, false, nil), ErrAlreadyPrepared)

	f.opt.Reset()
	assert.Equal(t, StateUnprepared, f.opt.State())
	assert.Empty(t, f.opt.Combinations())
	require.NoError(t, f.opt.Prepare(ctx, "Sample", HyperoptParameters{Timeframe: "1h"}, true, nil))
	assert.Len(t, f.opt.Combinations(), 7)
}

func TestOptimizer_ExtraSpaces(t *testing.T) {
	f := newFixture(t, []string{"buy", "sell", "stoploss"}, 1, goodEpochs)
	f.opt.AddBacktest(BacktestParameters{})
	require.NoError(t, f.opt.Prepare(context.Background(), "Sample", HyperoptParameters{Timeframe: "5m"}, false,
		[]string{"stoploss"}))

	combos := f.opt.Combinations()
	require.Len(t, combos, 3)
	for _, c := range combos {
		assert.Equal(t, []string{"stoploss"}, c.Standard)
		assert.Equal(t, "stoploss", c.Parameters.Spaces[0])
	}
	assert.Equal(t, "stoploss__buy-sell__5m", combos[2].Tag)
}

func TestOptimizer_NoSpaces(t *testing.T) {
	f := newFixture(t, nil, 1, goodEpochs)
	f.opt.AddBacktest(BacktestParameters{})
	assert.ErrorIs(t, f.opt.Prepare(context.Background(), "Sample", HyperoptParameters{}, false, nil), ErrNoSpaces)
}

func TestOptimizer_BootstrapAndMonotonicBaseline(t *testing.T) {
	// first backtest fails the profit bar but becomes the baseline, the
	// second beats it, the third only ties
	f := newFixture(t, []string{"buy"}, 1, goodEpochs, 0.005, 0.03, 0.03)
	f.prepare(t)

	require.NoError(t, f.opt.Start(context.Background()))
	assert.Equal(t, StateDone, f.opt.State())

	search := f.opt.Search()
	assert.Equal(t, 2, search.AcceptedCount)
	assert.Zero(t, search.RejectedCount)
	require.Len(t, search.Accepted[1], 2)

	best := f.opt.Best()
	require.NotNil(t, best)
	assert.Equal(t, search.Accepted[1][0].ID, best.ID)
	assert.InDelta(t, 3.0, search.BestProfitPct, 1e-9)
	assert.Len(t, f.notifier.messages, 2, "bootstrap and one strict improvement")

	// candidates are backtested best objective first with their own params
	require.Len(t, f.backtest.calls, 3)
	assert.EqualValues(t, 2, f.backtest.calls[0].Params["buy_rsi"])
	assert.EqualValues(t, 3, f.backtest.calls[1].Params["buy_rsi"])
	assert.Equal(t, "binance", f.backtest.calls[0].Exchange)
	assert.True(t, strings.HasSuffix(f.backtest.calls[0].Tag, "-__buy__5m"))

	assert.Equal(t, 2, f.opt.Stats().Count())
}

func TestOptimizer_RejectionDeletesReports(t *testing.T) {
	f := newFixture(t, []string{"buy"}, 1, goodEpochs[:2], 0.05, 0.002)
	f.prepare(t)
	require.NoError(t, f.opt.Start(context.Background()))

	search := f.opt.Search()
	assert.Equal(t, 1, search.AcceptedCount)
	assert.Equal(t, 1, search.RejectedCount)

	backtests, err := f.store.Backtests()
	require.NoError(t, err)
	require.Len(t, backtests, 1)
	assert.Equal(t, f.opt.Best().ID, backtests[0].ID)

	// the raw run and the rejected candidate are gone, the accepted one stays
	hyperopts, err := f.store.Hyperopts()
	require.NoError(t, err)
	require.Len(t, hyperopts, 1)
	assert.Equal(t, *backtests[0].HyperoptID, hyperopts[0].ID)
	assert.Equal(t, 2, hyperopts[0].Epoch)

	_, err = os.Stat(hyperopts[0].HyperoptFile)
	assert.NoError(t, err, "shared hyperopt file is still referenced")
	_, err = os.Stat(filepath.Join(f.backtest.dir, "backtest-2.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestOptimizer_NoCandidates(t *testing.T) {
	poor := []epochSpec{{loss: 1, wins: 2, profit: 0.05}}
	f := newFixture(t, []string{"buy", "sell"}, 2, poor)
	f.prepare(t)
	require.NoError(t, f.opt.Start(context.Background()))

	assert.Len(t, f.hyperopt.calls, 6)
	assert.Empty(t, f.backtest.calls)
	assert.Nil(t, f.opt.Best())

	hyperopts, err := f.store.Hyperopts()
	require.NoError(t, err)
	assert.Empty(t, hyperopts)

	require.Len(t, f.progress, 6)
	last := f.progress[5]
	assert.Equal(t, 2, last.Trial)
	assert.Equal(t, 2, last.Index)
	assert.Equal(t, 3, last.Combinations)
}

func TestOptimizer_HyperoptFailureIsFatal(t *testing.T) {
	f := newFixture(t, []string{"buy", "sell"}, 3, goodEpochs, 0.05, 0.05, 0.05)
	boom := errors.New("exit status 2")
	f.hyperopt.fail = map[int]error{2: boom}
	f.prepare(t)

	err := f.opt.Start(context.Background())
	var hyperoptErr *HyperoptError
	require.ErrorAs(t, err, &hyperoptErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "__sell__5m", hyperoptErr.Tag)
	assert.Len(t, f.hyperopt.calls, 2)
	assert.Len(t, f.backtest.calls, 3)
}

func TestOptimizer_BacktestFailureBreaksBatch(t *testing.T) {
	f := newFixture(t, []string{"buy", "sell"}, 1, goodEpochs, 0.05, 0.06, 0.04, 0.05, 0.06, 0.04)
	f.backtest.fail = map[int]error{1: errors.New("no data")}
	f.prepare(t)

	require.NoError(t, f.opt.Start(context.Background()))

	// the failure skips the two remaining candidates of the first run only
	assert.Len(t, f.hyperopt.calls, 3)
	assert.Len(t, f.backtest.calls, 7)
	assert.Equal(t, 6, f.opt.Search().AcceptedCount)
	assert.InDelta(t, 6.0, f.opt.Search().BestProfitPct, 1e-9)
}

func TestOptimizer_UnreadableCandidateMetricsBreaksBatch(t *testing.T) {
	// the epochs pass selection but carry no holding time, so no candidate
	// has a complete performance record
	f := newFixture(t, []string{"buy"}, 1, goodEpochs, 0.05, 0.05, 0.05)
	f.hyperopt.edit = func(line string) string { return strings.Replace(line, `"holding_avg_s": 3600,`, "", 1) }
	f.prepare(t)

	require.NoError(t, f.opt.Start(context.Background()))
	assert.Empty(t, f.backtest.calls)
	assert.Zero(t, f.opt.Search().AcceptedCount)
	assert.Zero(t, f.opt.Stats().Count())
	assert.Nil(t, f.opt.Best())
}

func TestOptimizer_InconsistentCountsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	log, err := zerolog.New(zerolog.Options{Level: "debug", JSON: true, Output: &buf})
	require.NoError(t, err)

	f := newFixture(t, []string{"buy"}, 1, goodEpochs[:1], 0.05)
	WithLogger(log)(f.opt)
	f.backtest.edit = func(blob string) string { return strings.Replace(blob, `"draws": 0`, `"draws": 3`, 1) }
	f.prepare(t)

	require.NoError(t, f.opt.Start(context.Background()))
	assert.Equal(t, 1, f.opt.Search().AcceptedCount, "the warning does not reject the backtest")
	assert.Contains(t, buf.String(), "backtest trade counts do not add up")
	assert.NotContains(t, buf.String(), "candidate trade counts do not add up")
}

func TestOptimizer_MultipleBacktests(t *testing.T) {
	f := newFixture(t, []string{"buy"}, 1, goodEpochs[:1], 0.05, 0.07)
	f.opt.AddBacktest(BacktestParameters{Timerange: "20220101-20221231"})
	f.prepare(t)

	require.NoError(t, f.opt.Start(context.Background()))
	require.Len(t, f.backtest.calls, 2)
	assert.Equal(t, "20220101-20221231", f.backtest.calls[0].Timerange)
	assert.Equal(t, "20230101-20230301", f.backtest.calls[1].Timerange)
	assert.Equal(t, 2, f.opt.Search().AcceptedCount)
}

func TestOptimizer_ContextCancelled(t *testing.T) {
	f := newFixture(t, []string{"buy"}, 1, goodEpochs)
	f.prepare(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.opt.Start(ctx), context.Canceled)
	assert.Empty(t, f.hyperopt.calls)
}

func TestSaveAcceptedCSV(t *testing.T) {
	f := newFixture(t, []string{"buy"}, 1, goodEpochs[:2], 0.03, 0.08)
	f.prepare(t)
	require.NoError(t, f.opt.Start(context.Background()))

	path := filepath.Join(t.TempDir(), "accepted.csv")
	require.NoError(t, SaveAcceptedCSV(f.opt.Search(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Rank,Trial,ID"))
	assert.True(t, strings.HasPrefix(lines[1], "1,1,"))
	assert.Contains(t, lines[1], "8.00")
}

func TestFormatParams(t *testing.T) {
	assert.Equal(t, "{buy_rsi: 30, sell: true}", FormatParams(map[string]any{"sell": true, "buy_rsi": 30}))
	assert.Equal(t, "{}", FormatParams(nil))
}
