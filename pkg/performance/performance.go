// Package performance models the outcome of a single backtest or hyperopt
// epoch as reported by the external trading framework.
package performance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Kind tells which external run produced a snapshot.
type Kind string

const (
	KindHyperopt Kind = "hyperopt"
	KindBacktest Kind = "backtest"
)

// ErrInconsistentCounts is returned by Validate when wins, losses and draws
// do not add up to the number of trades.
var ErrInconsistentCounts = errors.New("wins + losses + draws does not match trades")

// MissingMetricError is returned when a required key is absent from a raw
// result blob. Numeric fields are never defaulted to zero.
type MissingMetricError struct {
	Key string
}

func (e *MissingMetricError) Error() string {
	return fmt.Sprintf("missing metric %q in result", e.Key)
}

// Performance is an immutable snapshot of one run. Values are normalized:
// percentages are expressed in percent, Drawdown as a ratio.
type Performance struct {
	Kind           Kind
	Trades         int
	Wins           int
	Losses         int
	Draws          int
	Drawdown       float64
	AvgDuration    time.Duration
	Start          time.Time
	End            time.Time
	ProfitTotalPct float64
	ProfitMeanPct  float64
	ProfitTotalAbs float64
}

// WinRatio returns wins over completed trades, 0 when nothing completed.
func (p Performance) WinRatio() float64 {
	return WinRatio(p.Wins, p.Draws, p.Losses)
}

// WinRatio is the zero-safe win ratio of a wins/draws/losses triplet.
func WinRatio(wins, draws, losses int) float64 {
	return float64(wins) / float64(max(wins+draws+losses, 1))
}

// Days is the length of the tested period in whole days, at least 1.
func (p Performance) Days() int {
	days := int(p.End.Sub(p.Start).Hours() / 24)
	return max(days, 1)
}

// ProfitPerTrade is the mean profit ratio of a trade (0.01 == 1%).
func (p Performance) ProfitPerTrade() float64 {
	return p.ProfitMeanPct / 100
}

// Score ranks runs by mean profit scaled by trade frequency. It is only used
// for ordering, never for acceptance.
func (p Performance) Score() float64 {
	return p.ProfitPerTrade() * float64(p.Trades) / float64(p.Days()) * 100
}

// ProfitPerDay is the total profit percentage spread over the tested days.
func (p Performance) ProfitPerDay() float64 {
	return p.ProfitTotalPct / float64(p.Days())
}

// Validate checks the trade counters.
func (p Performance) Validate() error {
	if p.Wins+p.Losses+p.Draws != p.Trades {
		return fmt.Errorf("%w: %d + %d + %d != %d", ErrInconsistentCounts, p.Wins, p.Losses, p.Draws, p.Trades)
	}
	return nil
}

// Row returns the snapshot as display cells, aligned with Header.
func (p Performance) Row() []string {
	return []string{
		strconv.Itoa(p.Trades),
		fmt.Sprintf("%d/%d/%d", p.Wins, p.Draws, p.Losses),
		fmt.Sprintf("%.1f %%", p.WinRatio()*100),
		fmt.Sprintf("%.2f %%", p.ProfitMeanPct),
		fmt.Sprintf("%.2f %%", p.ProfitTotalPct),
		fmt.Sprintf("%.4f", p.ProfitTotalAbs),
		fmt.Sprintf("%.2f %%", p.Drawdown*100),
		formatDuration(p.AvgDuration),
		fmt.Sprintf("%.2f", p.Score()),
	}
}

// Header names the cells returned by Row.
func Header() []string {
	return []string{"Trades", "W/D/L", "% Win", "Avg Profit", "Profit", "Profit Abs", "Drawdown", "Avg Dur.", "Score"}
}

// String formats the snapshot as a two-column text table.
func (p Performance) String() string {
	sb := &strings.Builder{}
	table := tablewriter.NewWriter(sb)

	row := p.Row()
	data := make([][]string, 0, len(row)+1)
	data = append(data, []string{"Period", fmt.Sprintf("%s - %s (%dd)",
		p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly), p.Days())})
	for i, name := range Header() {
		data = append(data, []string{name, row[i]})
	}

	table.AppendBulk(data)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.Render()

	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	days := int(math.Floor(d.Hours() / 24))
	rest := d - time.Duration(days)*24*time.Hour
	h := int(rest.Hours())
	m := int(rest.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d", days, h, m)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}
