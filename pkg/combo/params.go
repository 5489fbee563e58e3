package combo

import (
	"maps"
	"slices"
)

// HyperoptParameters configures one hyperopt run.
type HyperoptParameters struct {
	Strategy    string
	Spaces      []string
	Epochs      int
	Loss        string
	Timeframe   string
	Timerange   string
	Exchange    string
	Pairs       []string
	Jobs        int
	MinTrades   int
	MaxTrades   int
	RandomState *int
	Tag         string
	ConfigFiles []string
}

// Clone returns a deep copy of p.
func (p HyperoptParameters) Clone() HyperoptParameters {
	p.Spaces = slices.Clone(p.Spaces)
	p.Pairs = slices.Clone(p.Pairs)
	p.ConfigFiles = slices.Clone(p.ConfigFiles)
	if p.RandomState != nil {
		seed := *p.RandomState
		p.RandomState = &seed
	}
	return p
}

// BacktestParameters configures one backtest run. Params overrides the
// strategy's default parameters; HyperoptID links the run to its source.
type BacktestParameters struct {
	Strategy      string
	Timeframe     string
	Timerange     string
	Exchange      string
	Pairs         []string
	Tag           string
	Params        map[string]any
	HyperoptID    *int64
	ConfigFiles   []string
	Ensemble      []string
	MaxOpenTrades int
	StakeAmount   string
}

// Clone returns a deep copy of p. Nested parameter values are shared.
func (p BacktestParameters) Clone() BacktestParameters {
	p.Pairs = slices.Clone(p.Pairs)
	p.ConfigFiles = slices.Clone(p.ConfigFiles)
	p.Ensemble = slices.Clone(p.Ensemble)
	p.Params = maps.Clone(p.Params)
	if p.HyperoptID != nil {
		id := *p.HyperoptID
		p.HyperoptID = &id
	}
	return p
}

// Combination is one prepared hyperopt variant.
type Combination struct {
	Standard   []string
	Custom     []string
	Tag        string
	Parameters HyperoptParameters
}

// Spaces returns every space of the combination, standard first.
func (c Combination) Spaces() []string {
	return append(slices.Clone(c.Standard), c.Custom...)
}
