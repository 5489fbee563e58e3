package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/raykavin/hyperforge/internal/config"
	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/raykavin/hyperforge/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Reports command flags
	reportKind string
	sortBy     string
	limit      int
	histogram  bool
	olderThan  string
)

type listOptions struct {
	sort  string
	limit int
	hist  bool
}

func buildReportsCmd() *cobra.Command {
	reportsCmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect and maintain stored reports",
	}
	reportsCmd.PersistentFlags().StringVarP(&reportKind, "kind", "k", string(report.KindBacktest), "Report kind (hyperopt or backtest)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		Args:  cobra.NoArgs,
		RunE:  runReportsList,
	}
	listCmd.Flags().StringVar(&sortBy, "sort", "profit", "Sort order (profit or date)")
	listCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n reports")
	listCmd.Flags().BoolVar(&histogram, "hist", false, "Print the profit distribution")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one report",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportsShow,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete reports and their files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReportsDelete,
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete reports older than a given age",
		Args:  cobra.NoArgs,
		RunE:  runReportsPrune,
	}
	pruneCmd.Flags().StringVar(&olderThan, "older-than", "", "Age such as 12h, 7d or 2w")
	pruneCmd.MarkFlagRequired("older-than")

	reportsCmd.AddCommand(listCmd, showCmd, deleteCmd, pruneCmd)
	return reportsCmd
}

// withStorage opens the configured storage for the duration of fn.
func withStorage(fn func(storage.ReportStorage) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func parseKind(s string) (report.Kind, error) {
	switch report.Kind(s) {
	case report.KindHyperopt, report.KindBacktest:
		return report.Kind(s), nil
	}
	return "", fmt.Errorf("unknown report kind %q", s)
}

func runReportsList(_ *cobra.Command, _ []string) error {
	kind, err := parseKind(reportKind)
	if err != nil {
		return err
	}
	opts := listOptions{sort: sortBy, limit: limit, hist: histogram}

	return withStorage(func(store storage.ReportStorage) error {
		if kind == report.KindHyperopt {
			repo, err := storage.HyperoptRepository(store)
			if err != nil {
				return err
			}
			return listReports(os.Stdout, repo, opts)
		}

		repo, err := storage.BacktestRepository(store)
		if err != nil {
			return err
		}
		return listReports(os.Stdout, repo, opts)
	})
}

func listReports[R report.Report](w io.Writer, repo *report.Repository[R], opts listOptions) error {
	switch opts.sort {
	case "profit":
		repo = repo.SortByProfit(false)
	case "date":
		repo = repo.SortByDate(false)
	default:
		return fmt.Errorf("unknown sort order %q", opts.sort)
	}
	if opts.limit > 0 {
		repo = repo.Head(opts.limit)
	}

	repo.Render(w)
	if opts.hist {
		return repo.ProfitHistogram(w, 10)
	}
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid report id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runReportsShow(_ *cobra.Command, args []string) error {
	kind, err := parseKind(reportKind)
	if err != nil {
		return err
	}
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	return withStorage(func(store storage.ReportStorage) error {
		return showReport(os.Stdout, store, kind, ids[0])
	})
}

func showReport(w io.Writer, store storage.ReportStorage, kind report.Kind, id int64) error {
	var (
		r      report.Report
		params map[string]any
		source string
	)

	switch kind {
	case report.KindHyperopt:
		h, err := store.Hyperopt(id)
		if err != nil {
			return err
		}
		r = h
		params, _ = h.Params()
	default:
		b, err := store.Backtest(id)
		if err != nil {
			return err
		}
		r = b
		if b.HyperoptID != nil {
			hyperopts, err := storage.HyperoptRepository(store)
			if err != nil {
				return err
			}
			source = fmt.Sprintf("%d (deleted)", *b.HyperoptID)
			if h := report.ResolveHyperopt(b, hyperopts); h != nil {
				source = fmt.Sprintf("%d epoch %d", h.ID, h.Epoch)
				params, _ = h.Params()
			}
		}
	}

	fmt.Fprintf(w, "%s report %d\n", kind, r.GetID())
	fmt.Fprintf(w, "strategy: %s\ntag:      %s\ndate:     %s\nref:      %s\n",
		r.GetStrategy(), r.GetTag(), r.GetDate().Format(time.DateTime), r.Ref())
	if source != "" {
		fmt.Fprintf(w, "hyperopt: %s\n", source)
	}

	p, err := r.Performance()
	if err != nil {
		fmt.Fprintf(w, "metrics unavailable: %v\n", err)
	} else {
		fmt.Fprint(w, p.String())
	}
	if len(params) > 0 {
		fmt.Fprintf(w, "params: %s\n", combo.FormatParams(params))
	}
	return nil
}

func runReportsDelete(_ *cobra.Command, args []string) error {
	kind, err := parseKind(reportKind)
	if err != nil {
		return err
	}
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	return withStorage(func(store storage.ReportStorage) error {
		if kind == report.KindHyperopt {
			err = store.DeleteHyperopt(ids...)
		} else {
			err = store.DeleteBacktest(ids...)
		}
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d %s reports\n", len(ids), kind)
		return nil
	})
}

func runReportsPrune(_ *cobra.Command, _ []string) error {
	kind, err := parseKind(reportKind)
	if err != nil {
		return err
	}
	age, err := config.ParseDuration(olderThan)
	if err != nil {
		return fmt.Errorf("invalid age %q: %w", olderThan, err)
	}

	return withStorage(func(store storage.ReportStorage) error {
		n, err := pruneReports(store, kind, age)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d %s reports older than %s\n", n, kind, olderThan)
		return nil
	})
}

func pruneReports(store storage.ReportStorage, kind report.Kind, age time.Duration) (int, error) {
	if kind == report.KindHyperopt {
		repo, err := storage.HyperoptRepository(store)
		if err != nil {
			return 0, err
		}
		old := repo.OlderThan(age)
		n := old.Len()
		return n, old.Delete(old.IDs()...)
	}

	repo, err := storage.BacktestRepository(store)
	if err != nil {
		return 0, err
	}
	old := repo.OlderThan(age)
	n := old.Len()
	return n, old.Delete(old.IDs()...)
}
