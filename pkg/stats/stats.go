// Package stats keeps the rolling statistics of accepted hyperopt/backtest
// pairs and periodically publishes a progress summary.
package stats

import (
	"bytes"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/raykavin/hyperforge/pkg/logger"
	"github.com/raykavin/hyperforge/pkg/performance"
)

// Metric names one tracked series.
type Metric string

const (
	HyperoptProfitPct Metric = "hyperopt_profit_pct"
	HyperoptDrawdown  Metric = "hyperopt_drawdown"
	HyperoptWinRate   Metric = "hyperopt_win_rate"
	HyperoptTrades    Metric = "hyperopt_trades"
	HyperoptPPT       Metric = "hyperopt_ppt"
	BacktestProfitPct Metric = "backtest_profit_pct"
	BacktestDrawdown  Metric = "backtest_drawdown"
	BacktestWinRate   Metric = "backtest_win_rate"
	BacktestTrades    Metric = "backtest_trades"
	BacktestPPT       Metric = "backtest_ppt"
)

// Metrics lists every tracked series in display order.
var Metrics = []Metric{
	HyperoptProfitPct, HyperoptDrawdown, HyperoptWinRate, HyperoptTrades, HyperoptPPT,
	BacktestProfitPct, BacktestDrawdown, BacktestWinRate, BacktestTrades, BacktestPPT,
}

const (
	DefaultNotifyEvery = 5
	DefaultCapacity    = 1000
)

// Notifier receives the periodic summary.
type Notifier interface {
	Notify(text string)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNotifier sets where summaries are published.
func WithNotifier(n Notifier) Option {
	return func(a *Aggregator) {
		a.notifier = n
	}
}

// WithNotifyEvery sets the publication cadence in observations. Zero disables it.
func WithNotifyEvery(n int) Option {
	return func(a *Aggregator) {
		a.notifyEvery = n
	}
}

// WithWindows sets the "last n" windows shown in summaries.
func WithWindows(windows ...int) Option {
	return func(a *Aggregator) {
		a.windows = windows
	}
}

// WithCapacity bounds every series to its most recent n values.
func WithCapacity(n int) Option {
	return func(a *Aggregator) {
		a.capacity = n
	}
}

// WithLogger sets the logger used for dropped notifications.
func WithLogger(log logger.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// Aggregator is an append-only log of observations with windowed averages.
type Aggregator struct {
	mu          sync.RWMutex
	series      map[Metric]Series[float64]
	count       int
	capacity    int
	notifyEvery int
	windows     []int
	notifier    Notifier
	log         logger.Logger
}

// New creates an empty aggregator.
func New(options ...Option) *Aggregator {
	a := &Aggregator{
		series:      make(map[Metric]Series[float64], len(Metrics)),
		capacity:    DefaultCapacity,
		notifyEvery: DefaultNotifyEvery,
		windows:     []int{5, 20},
		log:         logger.Nop(),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Append records one accepted pair. Every notifyEvery observations a
// summary is published; delivery problems never reach the caller.
func (a *Aggregator) Append(hyperopt, backtest performance.Performance) {
	a.mu.Lock()
	a.push(HyperoptProfitPct, hyperopt.ProfitTotalPct)
	a.push(HyperoptDrawdown, hyperopt.Drawdown)
	a.push(HyperoptWinRate, hyperopt.WinRatio())
	a.push(HyperoptTrades, float64(hyperopt.Trades))
	a.push(HyperoptPPT, hyperopt.ProfitPerTrade())
	a.push(BacktestProfitPct, backtest.ProfitTotalPct)
	a.push(BacktestDrawdown, backtest.Drawdown)
	a.push(BacktestWinRate, backtest.WinRatio())
	a.push(BacktestTrades, float64(backtest.Trades))
	a.push(BacktestPPT, backtest.ProfitPerTrade())
	a.count++
	publish := a.notifier != nil && a.notifyEvery > 0 && a.count%a.notifyEvery == 0
	a.mu.Unlock()

	if publish {
		a.notify(a.Summary())
	}
}

func (a *Aggregator) push(m Metric, v float64) {
	a.series[m] = append(a.series[m], v).Bounded(a.capacity)
}

func (a *Aggregator) notify(text string) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warnf("stats notification dropped: %v", r)
		}
	}()
	a.notifier.Notify(text)
}

// Count is the number of observations appended so far.
func (a *Aggregator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Values returns a copy of the series of m.
func (a *Aggregator) Values(m Metric) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]float64(nil), a.series[m]...)
}

// WindowedAverage is the mean of the last n values of m, or of all of them
// when fewer exist. It reports false while fewer than two values exist.
func (a *Aggregator) WindowedAverage(m Metric, n int) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := a.series[m]
	if s.Length() < 2 || n <= 0 {
		return 0, false
	}
	return s.LastValues(n).Mean(), true
}

// ProfitInterval is the 95% bootstrap interval of the mean backtest profit.
func (a *Aggregator) ProfitInterval(rng *rand.Rand, samples int) (Interval, bool) {
	values := a.Values(BacktestProfitPct)
	if len(values) < 2 {
		return Interval{}, false
	}
	return Bootstrap(rng, values, MeanOf, samples, 0.95), true
}

// Summary renders one row per metric with its windowed averages.
func (a *Aggregator) Summary() string {
	header := append([]string{"Metric"}, lo.Map(a.windows, func(n int, _ int) string {
		return "last " + strconv.Itoa(n)
	})...)

	rows := lo.Map(Metrics, func(m Metric, _ int) []string {
		row := []string{string(m)}
		for _, n := range a.windows {
			if avg, ok := a.WindowedAverage(m, n); ok {
				row = append(row, fmt.Sprintf("%.4f", avg))
			} else {
				row = append(row, "-")
			}
		}
		return row
	})

	buffer := bytes.NewBuffer(nil)
	fmt.Fprintf(buffer, "accepted: %d\n", a.Count())
	table := tablewriter.NewWriter(buffer)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
	return buffer.String()
}

// Print writes the summary to log at info level.
func (a *Aggregator) Print(log logger.Logger) {
	log.Info("\n" + a.Summary())
}
