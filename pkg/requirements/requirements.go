// Package requirements decides whether a run meets the acceptance thresholds
// of a search session.
package requirements

import (
	"fmt"

	"github.com/raykavin/hyperforge/pkg/performance"
)

// Reason identifies the criterion a run failed.
type Reason string

const (
	ReasonWinRate  Reason = "win_rate"
	ReasonProfit   Reason = "profit_pct"
	ReasonPPT      Reason = "ppt"
	ReasonDrawdown Reason = "drawdown"
)

// Keys lists the threshold names every Set must define, in evaluation order.
var Keys = []Reason{ReasonWinRate, ReasonProfit, ReasonPPT, ReasonDrawdown}

// MissingKeyError reports a threshold absent from a requirement map. It is a
// configuration error and must not be defaulted.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("requirements: missing key %q", e.Key)
}

// Set holds the acceptance thresholds. WinRate, ProfitPct and PPT are lower
// bounds; Drawdown is an upper bound.
type Set struct {
	WinRate   float64 `mapstructure:"win_rate" json:"win_rate"`
	ProfitPct float64 `mapstructure:"profit_pct" json:"profit_pct"`
	PPT       float64 `mapstructure:"ppt" json:"ppt"`
	Drawdown  float64 `mapstructure:"drawdown" json:"drawdown"`
}

// FromMap builds a Set, failing on the first missing key.
func FromMap(values map[string]float64) (Set, error) {
	for _, key := range Keys {
		if _, ok := values[string(key)]; !ok {
			return Set{}, &MissingKeyError{Key: string(key)}
		}
	}

	return Set{
		WinRate:   values[string(ReasonWinRate)],
		ProfitPct: values[string(ReasonProfit)],
		PPT:       values[string(ReasonPPT)],
		Drawdown:  values[string(ReasonDrawdown)],
	}, nil
}

// Map is the inverse of FromMap.
func (s Set) Map() map[string]float64 {
	return map[string]float64{
		string(ReasonWinRate):  s.WinRate,
		string(ReasonProfit):   s.ProfitPct,
		string(ReasonPPT):      s.PPT,
		string(ReasonDrawdown): s.Drawdown,
	}
}

func (s Set) String() string {
	return fmt.Sprintf("win_rate>=%.2f profit_pct>=%.2f ppt>=%.4f drawdown<=%.2f",
		s.WinRate, s.ProfitPct, s.PPT, s.Drawdown)
}

// Evaluate checks the run against s. Checks run in the fixed order win_rate,
// profit_pct, ppt, drawdown and stop at the first failure, so at most one
// reason is returned.
func Evaluate(drawdown, profitPct, winRate, profitPerTrade float64, s Set) (bool, []Reason) {
	switch {
	case winRate < s.WinRate:
		return false, []Reason{ReasonWinRate}
	case profitPct < s.ProfitPct:
		return false, []Reason{ReasonProfit}
	case profitPerTrade < s.PPT:
		return false, []Reason{ReasonPPT}
	case drawdown > s.Drawdown:
		return false, []Reason{ReasonDrawdown}
	}
	return true, nil
}

// EvaluatePerformance applies Evaluate to a performance snapshot.
func EvaluatePerformance(p performance.Performance, s Set) (bool, []Reason) {
	return Evaluate(p.Drawdown, p.ProfitTotalPct, p.WinRatio(), p.ProfitPerTrade(), s)
}
