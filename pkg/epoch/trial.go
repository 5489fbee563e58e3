// Package epoch turns the raw trial list of one hyperopt run into a ranked,
// deduplicated set of acceptable candidates.
package epoch

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Trial is one row of the hyperopt trial table.
type Trial struct {
	Epoch          int
	Trades         int
	WinDrawLoss    string // "wins draws losses", whitespace separated
	AvgProfitPct   float64
	TotalProfitAbs float64 // stake currency
	ProfitPct      float64
	AvgDuration    string
	Objective      float64 // loss value, lower is better
	MaxDrawdown    float64 // ratio
	Params         map[string]any
}

// ProfitPerTrade is the average profit ratio of one trade.
func (t Trial) ProfitPerTrade() float64 {
	return t.AvgProfitPct / 100
}

// key identifies a trial by everything but its epoch number and outcome
// (profits, drawdown and the win/draw/loss triplet).
func (t Trial) key() string {
	params, err := json.Marshal(t.Params)
	if err != nil {
		params = []byte(fmt.Sprint(t.Params))
	}
	return strconv.Itoa(t.Trades) + "|" + t.AvgDuration + "|" +
		strconv.FormatFloat(t.Objective, 'g', -1, 64) + "|" + string(params)
}
