package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/report"
)

// HashLookup finds a stored backtest by its run hash.
type HashLookup interface {
	BacktestByHash(hash string) (*report.BacktestReport, error)
}

// Backtest runs "freqtrade backtesting". Runs whose hash matches a stored
// report are not repeated.
type Backtest struct {
	base
	memo   HashLookup
	spaces ParamSpaces
}

// NewBacktest creates a backtest runner. memo and spaces may be nil.
func NewBacktest(config Config, memo HashLookup, spaces ParamSpaces, options ...Option) *Backtest {
	return &Backtest{base: newBase(config, options), memo: memo, spaces: spaces}
}

// ResultsDir is where freqtrade writes backtest result files.
func (b *Backtest) ResultsDir() string {
	return filepath.Join(b.config.UserDir, "backtest_results")
}

// Args builds the command line for params, without output locations.
func (b *Backtest) Args(params combo.BacktestParameters) []string {
	args := []string{"backtesting"}
	if len(params.Ensemble) > 0 {
		args = appendList(args, "--strategy-list", append([]string{params.Strategy}, params.Ensemble...))
	} else {
		args = append(args, "--strategy", params.Strategy)
	}
	args = appendValue(args, "--timeframe", params.Timeframe)
	args = appendValue(args, "--timerange", params.Timerange)
	args = appendList(args, "--pairs", params.Pairs)
	if params.MaxOpenTrades != 0 {
		args = append(args, "--max-open-trades", strconv.Itoa(params.MaxOpenTrades))
	}
	args = appendValue(args, "--stake-amount", params.StakeAmount)
	for _, c := range params.ConfigFiles {
		args = append(args, "-c", c)
	}
	return append(args, b.commonArgs()...)
}

// Backtest runs one backtest and returns its unsaved report, or the stored
// report of an identical earlier run.
func (b *Backtest) Backtest(ctx context.Context, params combo.BacktestParameters) (*report.BacktestReport, error) {
	paramsHash, err := ParamsHash(params.Params)
	if err != nil {
		return nil, fmt.Errorf("hash params: %w", err)
	}

	args := b.Args(params)
	hash := Hash(args, params.Exchange, params.Tag, paramsHash)
	log := b.log.WithFields(map[string]any{"strategy": params.Strategy, "hash": hash[:12]})

	if b.memo != nil {
		stored, err := b.memo.BacktestByHash(hash)
		switch {
		case err == nil:
			log.Infof("reusing backtest %d", stored.ID)
			return stored, nil
		case !errors.Is(err, report.ErrNotFound):
			return nil, fmt.Errorf("lookup backtest %s: %w", hash, err)
		}
	}

	if len(params.Params) > 0 {
		restore, err := b.applyParams(params)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := restore(); err != nil {
				log.WithError(err).Warn("could not restore strategy params file")
			}
		}()
	}

	logFile, err := b.run(ctx, "backtest", params.Strategy, append(args, "--export", "trades"))
	if err != nil {
		return nil, err
	}

	file, err := lastResult(b.ResultsDir(), "latest_backtest")
	if err != nil {
		return nil, err
	}

	return &report.BacktestReport{
		Tag:        params.Tag,
		Date:       b.now(),
		Strategy:   params.Strategy,
		Exchange:   params.Exchange,
		Hash:       hash,
		HyperoptID: params.HyperoptID,
		Ensemble:   params.Ensemble,
		ResultFile: file,
		LogFile:    logFile,
	}, nil
}

func (b *Backtest) applyParams(params combo.BacktestParameters) (func() error, error) {
	var spaceOf map[string]string
	if b.spaces != nil {
		var err error
		if spaceOf, err = b.spaces.ParamSpaces(params.Strategy); err != nil {
			b.log.WithError(err).Warnf("cannot read parameter spaces of %s", params.Strategy)
		}
	}

	grouped, err := GroupParams(params.Params, spaceOf)
	if err != nil {
		return nil, fmt.Errorf("params of %s: %w", params.Strategy, err)
	}
	b.log.Debugf("applying %s params %v", params.Strategy, sortedKeys(grouped))

	return installParams(b.config.StrategyDir(), params.Strategy, grouped, b.now().Format(time.DateTime))
}
