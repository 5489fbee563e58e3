// Package storage persists hyperopt and backtest reports in two independent
// collections.
package storage

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/raykavin/hyperforge/pkg/report"
)

// ErrNotFound is returned when a lookup matches no report.
var ErrNotFound = report.ErrNotFound

type (
	HyperoptFilter func(report.HyperoptReport) bool
	BacktestFilter func(report.BacktestReport) bool
)

// ReportStorage is the persistence contract of the optimizer and the CLI.
// Save assigns an id to new reports and overwrites existing ones. Delete
// removes the records and their side artifacts.
type ReportStorage interface {
	SaveHyperopt(r *report.HyperoptReport) error
	SaveBacktest(r *report.BacktestReport) error

	Hyperopt(id int64) (*report.HyperoptReport, error)
	Backtest(id int64) (*report.BacktestReport, error)
	BacktestByHash(hash string) (*report.BacktestReport, error)

	Hyperopts(filters ...HyperoptFilter) ([]*report.HyperoptReport, error)
	Backtests(filters ...BacktestFilter) ([]*report.BacktestReport, error)

	DeleteHyperopt(ids ...int64) error
	DeleteBacktest(ids ...int64) error

	Close() error
}

// Open builds a storage for the configured driver ("bunt" or "sqlite").
func Open(driver, path string) (ReportStorage, error) {
	var (
		s   ReportStorage
		err error
	)

	switch driver {
	case "", "bunt", "buntdb":
		s, err = FromFile(path)
	case "sqlite":
		s, err = FromSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	if err != nil {
		return nil, err
	}
	return s, nil
}

func WithStrategy(name string) HyperoptFilter {
	return func(r report.HyperoptReport) bool { return r.Strategy == name }
}

func WithHyperoptFile(path string) HyperoptFilter {
	return func(r report.HyperoptReport) bool { return r.HyperoptFile == path }
}

func WithBacktestStrategy(name string) BacktestFilter {
	return func(r report.BacktestReport) bool { return r.Strategy == name }
}

// WithSourceHyperopt keeps backtests run from the given hyperopt report.
func WithSourceHyperopt(id int64) BacktestFilter {
	return func(r report.BacktestReport) bool { return r.HyperoptID != nil && *r.HyperoptID == id }
}

func CreatedBefore(t time.Time) BacktestFilter {
	return func(r report.BacktestReport) bool { return r.Date.Before(t) }
}

func HyperoptCreatedBefore(t time.Time) HyperoptFilter {
	return func(r report.HyperoptReport) bool { return r.Date.Before(t) }
}

// HyperoptRepository loads matching hyperopt reports into a query view whose
// deletes go through s.
func HyperoptRepository(s ReportStorage, filters ...HyperoptFilter) (*report.Repository[*report.HyperoptReport], error) {
	items, err := s.Hyperopts(filters...)
	if err != nil {
		return nil, err
	}
	return report.NewRepository(report.KindHyperopt, items, s.DeleteHyperopt), nil
}

// BacktestRepository loads matching backtest reports into a query view whose
// deletes go through s.
func BacktestRepository(s ReportStorage, filters ...BacktestFilter) (*report.Repository[*report.BacktestReport], error) {
	items, err := s.Backtests(filters...)
	if err != nil {
		return nil, err
	}
	return report.NewRepository(report.KindBacktest, items, s.DeleteBacktest), nil
}

func matchHyperopt(r *report.HyperoptReport, filters []HyperoptFilter) bool {
	for _, filter := range filters {
		if !filter(*r) {
			return false
		}
	}
	return true
}

func matchBacktest(r *report.BacktestReport, filters []BacktestFilter) bool {
	for _, filter := range filters {
		if !filter(*r) {
			return false
		}
	}
	return true
}

// hyperoptArtifacts lists the files to reclaim when deleting victims: their
// log files, plus every hyperopt file no surviving report still references.
func hyperoptArtifacts(victims, all []*report.HyperoptReport) []string {
	doomed := make([]int64, 0, len(victims))
	for _, v := range victims {
		doomed = append(doomed, v.ID)
	}

	var files []string
	for _, v := range victims {
		files = append(files, v.Artifacts()...)
		if v.HyperoptFile == "" || slices.Contains(files, v.HyperoptFile) {
			continue
		}
		shared := slices.ContainsFunc(all, func(o *report.HyperoptReport) bool {
			return o.HyperoptFile == v.HyperoptFile && !slices.Contains(doomed, o.ID)
		})
		if !shared {
			files = append(files, v.HyperoptFile)
		}
	}
	return files
}

func backtestArtifacts(victims []*report.BacktestReport) []string {
	var files []string
	for _, v := range victims {
		files = append(files, v.Artifacts()...)
	}
	return files
}

const tombstoneSuffix = ".deleted"

// tombstone moves artifacts aside while the records are deleted so a failed
// deletion can put them back. Missing files are ignored.
type tombstone struct {
	moved []string
}

func bury(paths []string) (*tombstone, error) {
	t := &tombstone{}
	for _, path := range paths {
		err := os.Rename(path, path+tombstoneSuffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			t.restore()
			return nil, fmt.Errorf("failed to move artifact %s: %w", path, err)
		}
		t.moved = append(t.moved, path)
	}
	return t, nil
}

func (t *tombstone) restore() {
	for _, path := range t.moved {
		_ = os.Rename(path+tombstoneSuffix, path)
	}
	t.moved = nil
}

func (t *tombstone) purge() error {
	var errs []error
	for _, path := range t.moved {
		if err := os.Remove(path + tombstoneSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	t.moved = nil
	return errors.Join(errs...)
}

// withArtifacts runs deleteRecords between burying and purging paths.
func withArtifacts(paths []string, deleteRecords func() error) error {
	grave, err := bury(paths)
	if err != nil {
		return err
	}
	if err := deleteRecords(); err != nil {
		grave.restore()
		return err
	}
	return grave.purge()
}
