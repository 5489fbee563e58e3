package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/raykavin/hyperforge/internal/config"
	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/logger"
	"github.com/raykavin/hyperforge/pkg/notification"
	"github.com/raykavin/hyperforge/pkg/runner"
	"github.com/raykavin/hyperforge/pkg/stats"
	"github.com/raykavin/hyperforge/pkg/strategy"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const profitResamples = 1000

var (
	// Optimize command flags
	strategyName string
	trials       int
	shuffle      bool
	exportCSV    string
)

func buildOptimizeCmd() *cobra.Command {
	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the combinatorial hyperopt search",
		RunE:  runOptimize,
	}

	optimizeCmd.Flags().StringVarP(&strategyName, "strategy", "s", "", "Strategy to optimize (overrides optimizer.strategy)")
	optimizeCmd.Flags().IntVarP(&trials, "trials", "t", 0, "Passes over all combinations (overrides optimizer.trials)")
	optimizeCmd.Flags().BoolVar(&shuffle, "shuffle", false, "Shuffle the combination order")
	optimizeCmd.Flags().StringVarP(&exportCSV, "export", "o", "", "Write accepted backtests to a CSV file")

	return optimizeCmd
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	applyOptimizeFlags(cmd, cfg)
	if err := cfg.ValidateOptimize(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, flush, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	defer flush()

	runnerConfig := cfg.Runner()
	introspector := strategy.NewIntrospector(runnerConfig.StrategyDir(), strategy.WithLogger(log))
	hyperopt := runner.NewHyperopt(runnerConfig, introspector, runner.WithLogger(log))
	backtest := runner.NewBacktest(runnerConfig, store, introspector, runner.WithLogger(log))

	backtestReq, err := cfg.BacktestRequirements()
	if err != nil {
		return err
	}
	hyperoptReq, err := cfg.HyperoptRequirements()
	if err != nil {
		return err
	}

	aggregator := stats.New(
		stats.WithNotifier(notifier),
		stats.WithNotifyEvery(cfg.Stats.NotifyEvery),
		stats.WithWindows(cfg.Stats.Windows...),
		stats.WithCapacity(cfg.Stats.Capacity),
		stats.WithLogger(log),
	)

	var bar *progressbar.ProgressBar
	optimizer := combo.New(backtestReq, hyperoptReq, cfg.Optimizer.Trials,
		combo.Collaborators{
			Hyperopt: hyperopt,
			Backtest: backtest,
			Spaces:   introspector,
			Store:    store,
		},
		combo.WithLogger(log),
		combo.WithNotifier(notifier),
		combo.WithCandidates(cfg.Optimizer.Candidates),
		combo.WithMaxCombo(cfg.Optimizer.MaxCombo),
		combo.WithStats(aggregator),
		combo.WithProgress(func(p combo.Progress) {
			if bar == nil {
				return
			}
			bar.Describe(fmt.Sprintf("trial %d/%d %s (+%d -%d)", p.Trial, p.Trials, p.Tag, p.Accepted, p.Rejected))
			_ = bar.Set((p.Trial-1)*p.Combinations + p.Index + 1)
		}),
	)
	optimizer.AddBacktest(cfg.BacktestBase())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err = optimizer.Prepare(ctx, cfg.Optimizer.Strategy, cfg.HyperoptBase(), cfg.Optimizer.Shuffle, cfg.Optimizer.ExtraSpaces)
	if err != nil {
		return err
	}

	total := cfg.Optimizer.Trials * len(optimizer.Combinations())
	bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("hyperforge"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionSetPredictTime(true),
	)

	notifier.Notify(fmt.Sprintf("search %s started: %s, %d combinations x %d trials",
		optimizer.Session(), cfg.Optimizer.Strategy, len(optimizer.Combinations()), cfg.Optimizer.Trials))

	startedAt := time.Now()
	runErr := optimizer.Start(ctx)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	summarize(optimizer, log, time.Since(startedAt))
	if cfg.Optimizer.ExportCSV != "" {
		if err := combo.SaveAcceptedCSV(optimizer.Search(), cfg.Optimizer.ExportCSV); err != nil {
			log.WithError(err).Error("failed to export accepted backtests")
		} else {
			log.Infof("accepted backtests written to %s", cfg.Optimizer.ExportCSV)
		}
	}

	if errors.Is(runErr, context.Canceled) {
		log.Warn("search interrupted")
		return nil
	}
	return runErr
}

func applyOptimizeFlags(cmd *cobra.Command, cfg *config.Config) {
	if strategyName != "" {
		cfg.Optimizer.Strategy = strategyName
	}
	if trials > 0 {
		cfg.Optimizer.Trials = trials
	}
	if cmd.Flags().Changed("shuffle") {
		cfg.Optimizer.Shuffle = shuffle
	}
	if exportCSV != "" {
		cfg.Optimizer.ExportCSV = exportCSV
	}
}

// buildNotifier assembles the configured sinks. The returned flush waits for
// queued messages.
func buildNotifier(cfg *config.Config) (notification.Notifier, func(), error) {
	delay, err := cfg.RetryDelay()
	if err != nil {
		return nil, nil, err
	}

	var (
		sinks    notification.Multi
		retrying []*notification.Retrying
	)
	wrap := func(sender notification.Sender) {
		r := notification.NewRetrying(sender,
			notification.WithAttempts(cfg.Notification.Retries),
			notification.WithBackoff(delay, 30*delay),
		)
		retrying = append(retrying, r)
		sinks = append(sinks, r)
	}

	if tg := cfg.Notification.Telegram; tg.Enabled {
		telegram, err := notification.NewTelegram(tg.Token, tg.Users)
		if err != nil {
			return nil, nil, err
		}
		wrap(telegram)
	}
	if m := cfg.Notification.Mail; m.Enabled {
		wrap(notification.NewMail(notification.MailParams{
			SMTPServerPort:    m.Port,
			SMTPServerAddress: m.Server,
			To:                m.To,
			From:              m.From,
			Password:          m.Password,
		}))
	}

	flush := func() {
		for _, r := range retrying {
			r.Wait()
		}
	}
	if len(sinks) == 0 {
		return notification.Nop{}, flush, nil
	}
	return sinks, flush, nil
}

func summarize(optimizer *combo.Optimizer, log logger.Logger, elapsed time.Duration) {
	search := optimizer.Search()
	fields := map[string]any{
		"state":    optimizer.State().String(),
		"accepted": search.AcceptedCount,
		"rejected": search.RejectedCount,
		"elapsed":  elapsed.Round(time.Second).String(),
	}

	best := optimizer.Best()
	if best == nil {
		log.WithFields(fields).Info("no baseline found")
		return
	}

	fields["best_backtest"] = best.ID
	fields["best_hyperopt"] = search.BestHyperoptID
	fields["best_profit_pct"] = search.BestProfitPct
	log.WithFields(fields).Info("search summary")
	logProfitInterval(log, optimizer.Stats(), rand.New(rand.NewSource(time.Now().UnixNano())))

	fmt.Println(optimizer.Stats().Summary())
	if p, err := best.Performance(); err == nil {
		fmt.Println(p.String())
	}
}

// logProfitInterval reports the 95% bootstrap interval of the accepted
// backtest profits. It needs at least two accepted backtests.
func logProfitInterval(log logger.Logger, agg *stats.Aggregator, rng *rand.Rand) {
	interval, ok := agg.ProfitInterval(rng, profitResamples)
	if !ok {
		return
	}
	log.WithFields(map[string]any{
		"lower":   interval.Lower,
		"upper":   interval.Upper,
		"mean":    interval.Mean,
		"std_dev": interval.StdDev,
	}).Info("backtest profit pct 95% interval")
}
