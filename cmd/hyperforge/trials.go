package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/epoch"
	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/raykavin/hyperforge/pkg/requirements"
	"github.com/spf13/cobra"
)

var (
	// Trials command flags
	fromLog     bool
	applyFilter bool
	trialLimit  int
)

func buildTrialsCmd() *cobra.Command {
	trialsCmd := &cobra.Command{
		Use:   "trials <file>",
		Short: "Rank the trials of a hyperopt-list csv export or a hyperopt log",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrials,
	}
	trialsCmd.Flags().BoolVar(&fromLog, "log", false, "Read the epoch summary lines of a hyperopt log instead of a csv")
	trialsCmd.Flags().BoolVar(&applyFilter, "filter", false, "Keep only trials meeting the hyperopt requirements")
	trialsCmd.Flags().IntVarP(&trialLimit, "limit", "n", 0, "Show at most n trials")
	return trialsCmd
}

func runTrials(_ *cobra.Command, args []string) error {
	if fromLog && applyFilter {
		return errors.New("--filter needs the csv export, log lines carry no drawdown or objective")
	}

	var set *requirements.Set
	if applyFilter {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := cfg.HyperoptRequirements()
		if err != nil {
			return err
		}
		set = &s
	}

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	trials, err := readTrials(file, fromLog)
	if err != nil {
		return err
	}
	ranked, err := rankTrials(trials, set, trialLimit)
	if err != nil {
		return err
	}
	renderTrials(os.Stdout, ranked)
	return nil
}

// readTrials parses a hyperopt-list csv export, or with fromLog every epoch
// summary line of a hyperopt log. Log trials are numbered in file order.
func readTrials(r io.Reader, fromLog bool) ([]epoch.Trial, error) {
	if !fromLog {
		return epoch.ReadCSV(r)
	}

	var trials []epoch.Trial
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		trial, err := epoch.ParseResultsExplanation(scanner.Text())
		if err != nil {
			continue
		}
		trial.Epoch = len(trials) + 1
		trials = append(trials, trial)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hyperopt log: %w", err)
	}
	return trials, nil
}

// rankTrials applies s the way candidate selection does. Without s every
// trial is kept in file order.
func rankTrials(trials []epoch.Trial, s *requirements.Set, limit int) ([]epoch.Ranked, error) {
	if s != nil {
		if limit <= 0 {
			limit = -1
		}
		return epoch.Filter(trials, *s, limit)
	}

	ranked := make([]epoch.Ranked, 0, len(trials))
	for _, t := range trials {
		wins, draws, losses, err := epoch.ParseWinDrawLoss(t.WinDrawLoss)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", t.Epoch, err)
		}
		ranked = append(ranked, epoch.Ranked{Trial: t, WinRatio: performance.WinRatio(wins, draws, losses)})
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func renderTrials(w io.Writer, ranked []epoch.Ranked) {
	if len(ranked) == 0 {
		fmt.Fprintln(w, "no trials")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Epoch", "Trades", "Win %", "Avg Profit %", "Profit %", "Drawdown %", "Objective",
		"Avg Duration", "Params"})
	table.SetAutoFormatHeaders(false)
	for _, r := range ranked {
		table.Append([]string{
			fmt.Sprint(r.Epoch),
			fmt.Sprint(r.Trades),
			fmt.Sprintf("%.1f", r.WinRatio*100),
			fmt.Sprintf("%.2f", r.AvgProfitPct),
			fmt.Sprintf("%.2f", r.ProfitPct),
			fmt.Sprintf("%.2f", r.MaxDrawdown*100),
			fmt.Sprintf("%.4f", r.Objective),
			r.AvgDuration,
			combo.FormatParams(r.Params),
		})
	}
	table.Render()
}
