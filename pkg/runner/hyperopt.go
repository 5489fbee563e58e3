package runner

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/report"
)

// StrategyHasher fingerprints strategy sources.
type StrategyHasher interface {
	Hash(strategy string) (string, error)
}

// Hyperopt runs "freqtrade hyperopt".
type Hyperopt struct {
	base
	hasher StrategyHasher
}

// NewHyperopt creates a hyperopt runner. hasher may be nil.
func NewHyperopt(config Config, hasher StrategyHasher, options ...Option) *Hyperopt {
	return &Hyperopt{base: newBase(config, options), hasher: hasher}
}

// ResultsDir is where freqtrade writes .fthypt files.
func (h *Hyperopt) ResultsDir() string {
	return filepath.Join(h.config.UserDir, "hyperopt_results")
}

// Args builds the command line for params.
func (h *Hyperopt) Args(params combo.HyperoptParameters) []string {
	args := []string{"hyperopt", "--strategy", params.Strategy}
	args = appendValue(args, "--hyperopt-loss", params.Loss)
	args = appendList(args, "--spaces", params.Spaces)
	args = appendValue(args, "--timeframe", params.Timeframe)
	args = appendValue(args, "--timerange", params.Timerange)
	args = appendList(args, "--pairs", params.Pairs)
	if params.Epochs > 0 {
		args = append(args, "--epochs", strconv.Itoa(params.Epochs))
	}
	if params.Jobs != 0 {
		args = append(args, "-j", strconv.Itoa(params.Jobs))
	}
	if params.MinTrades > 0 {
		args = append(args, "--min-trades", strconv.Itoa(params.MinTrades))
	}
	if params.MaxTrades > 0 {
		args = append(args, "--max-trades", strconv.Itoa(params.MaxTrades))
	}
	if params.RandomState != nil {
		args = append(args, "--random-state", strconv.Itoa(*params.RandomState))
	}
	for _, c := range params.ConfigFiles {
		args = append(args, "-c", c)
	}
	args = append(args, h.commonArgs()...)
	return append(args, "--disable-param-export")
}

// Hyperopt runs one hyperopt and returns its unsaved report.
func (h *Hyperopt) Hyperopt(ctx context.Context, params combo.HyperoptParameters) (*report.HyperoptReport, error) {
	logFile, err := h.run(ctx, "hyperopt", params.Strategy, h.Args(params))
	if err != nil {
		return nil, err
	}

	file, err := lastResult(h.ResultsDir(), "latest_hyperopt")
	if err != nil {
		return nil, err
	}

	r := &report.HyperoptReport{
		Tag:          params.Tag,
		Date:         h.now(),
		Strategy:     params.Strategy,
		Exchange:     params.Exchange,
		Pairlist:     params.Pairs,
		Spaces:       params.Spaces,
		HyperoptFile: file,
		LogFile:      logFile,
	}
	if h.hasher != nil {
		if r.StrategyHash, err = h.hasher.Hash(params.Strategy); err != nil {
			h.log.WithError(err).Warnf("cannot hash strategy %s", params.Strategy)
		}
	}
	return r, nil
}
