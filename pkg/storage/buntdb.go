package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/tidwall/buntdb"
)

const (
	hyperoptPrefix = "hyperopt:"
	backtestPrefix = "backtest:"
)

// BuntStorage implements ReportStorage on top of BuntDB. Reports are stored as
// JSON documents under "<kind>:<id>" keys.
type BuntStorage struct {
	lastHyperoptID int64
	lastBacktestID int64
	db             *buntdb.DB
}

// FromMemory creates an in-memory storage
func FromMemory() (*BuntStorage, error) {
	return NewBuntStorage(":memory:")
}

// FromFile creates a file-based storage
func FromFile(file string) (*BuntStorage, error) {
	return NewBuntStorage(file)
}

// NewBuntStorage opens the database, creates the indexes and recovers the id
// counters from the stored keys.
func NewBuntStorage(sourceFile string) (*BuntStorage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	indexes := []struct {
		name, pattern, field string
	}{
		{"hyperopt_date", hyperoptPrefix + "*", "date"},
		{"backtest_date", backtestPrefix + "*", "date"},
		{"backtest_hash", backtestPrefix + "*", "hash"},
	}
	for _, idx := range indexes {
		if err := db.CreateIndex(idx.name, idx.pattern, buntdb.IndexJSON(idx.field)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	s := &BuntStorage{db: db}
	if err := s.recoverIDs(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (b *BuntStorage) recoverIDs() error {
	return b.db.View(func(tx *buntdb.Tx) error {
		for prefix, counter := range map[string]*int64{
			hyperoptPrefix: &b.lastHyperoptID,
			backtestPrefix: &b.lastBacktestID,
		} {
			err := tx.AscendKeys(prefix+"*", func(key, _ string) bool {
				id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
				if err == nil && id > *counter {
					*counter = id
				}
				return true
			})
			if err != nil {
				return fmt.Errorf("failed to scan %s keys: %w", prefix, err)
			}
		}
		return nil
	})
}

func key(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

func put(tx *buntdb.Tx, k string, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if _, _, err := tx.Set(k, string(content), nil); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// SaveHyperopt implements ReportStorage.
func (b *BuntStorage) SaveHyperopt(r *report.HyperoptReport) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if r.ID == 0 {
			r.ID = atomic.AddInt64(&b.lastHyperoptID, 1)
		}
		if r.Date.IsZero() {
			r.Date = time.Now().UTC()
		}
		return put(tx, key(hyperoptPrefix, r.ID), r)
	})
}

// SaveBacktest implements ReportStorage.
func (b *BuntStorage) SaveBacktest(r *report.BacktestReport) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if r.ID == 0 {
			r.ID = atomic.AddInt64(&b.lastBacktestID, 1)
		}
		if r.Date.IsZero() {
			r.Date = time.Now().UTC()
		}
		return put(tx, key(backtestPrefix, r.ID), r)
	})
}

func get[R any](db *buntdb.DB, kind report.Kind, k string, id int64) (*R, error) {
	var r R
	err := db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(k)
		if errors.Is(err, buntdb.ErrNotFound) {
			return &report.IDNotFoundError{Kind: kind, ID: id}
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Hyperopt implements ReportStorage.
func (b *BuntStorage) Hyperopt(id int64) (*report.HyperoptReport, error) {
	return get[report.HyperoptReport](b.db, report.KindHyperopt, key(hyperoptPrefix, id), id)
}

// Backtest implements ReportStorage.
func (b *BuntStorage) Backtest(id int64) (*report.BacktestReport, error) {
	return get[report.BacktestReport](b.db, report.KindBacktest, key(backtestPrefix, id), id)
}

// BacktestByHash implements ReportStorage.
func (b *BuntStorage) BacktestByHash(hash string) (*report.BacktestReport, error) {
	pivot, err := json.Marshal(map[string]string{"hash": hash})
	if err != nil {
		return nil, err
	}

	var found *report.BacktestReport
	err = b.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendEqual("backtest_hash", string(pivot), func(_, value string) bool {
			var r report.BacktestReport
			if decodeErr = json.Unmarshal([]byte(value), &r); decodeErr != nil {
				return false
			}
			found = &r
			return false
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func scan[R any](db *buntdb.DB, index string, match func(*R) bool) ([]*R, error) {
	items := make([]*R, 0)
	err := db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.Ascend(index, func(k, value string) bool {
			var r R
			if err := json.Unmarshal([]byte(value), &r); err != nil {
				decodeErr = fmt.Errorf("failed to unmarshal %s: %w", k, err)
				return false
			}
			if match(&r) {
				items = append(items, &r)
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to iterate over reports: %w", err)
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Hyperopts implements ReportStorage. Reports are returned oldest first.
func (b *BuntStorage) Hyperopts(filters ...HyperoptFilter) ([]*report.HyperoptReport, error) {
	return scan(b.db, "hyperopt_date", func(r *report.HyperoptReport) bool { return matchHyperopt(r, filters) })
}

// Backtests implements ReportStorage. Reports are returned oldest first.
func (b *BuntStorage) Backtests(filters ...BacktestFilter) ([]*report.BacktestReport, error) {
	return scan(b.db, "backtest_date", func(r *report.BacktestReport) bool { return matchBacktest(r, filters) })
}

// DeleteHyperopt implements ReportStorage. Hyperopt files are kept while any
// other report is anchored on them; backtests referencing the deleted reports
// are left untouched.
func (b *BuntStorage) DeleteHyperopt(ids ...int64) error {
	victims := make([]*report.HyperoptReport, 0, len(ids))
	for _, id := range ids {
		r, err := b.Hyperopt(id)
		if err != nil {
			return err
		}
		victims = append(victims, r)
	}

	all, err := b.Hyperopts()
	if err != nil {
		return err
	}

	return withArtifacts(hyperoptArtifacts(victims, all), func() error {
		return b.deleteKeys(hyperoptPrefix, ids)
	})
}

// DeleteBacktest implements ReportStorage.
func (b *BuntStorage) DeleteBacktest(ids ...int64) error {
	victims := make([]*report.BacktestReport, 0, len(ids))
	for _, id := range ids {
		r, err := b.Backtest(id)
		if err != nil {
			return err
		}
		victims = append(victims, r)
	}

	return withArtifacts(backtestArtifacts(victims), func() error {
		return b.deleteKeys(backtestPrefix, ids)
	})
}

func (b *BuntStorage) deleteKeys(prefix string, ids []int64) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for _, id := range ids {
			if _, err := tx.Delete(key(prefix, id)); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key(prefix, id), err)
			}
		}
		return nil
	})
}

// Close closes the database connection
func (b *BuntStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
