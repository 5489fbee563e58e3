package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/samber/lo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStorage implements ReportStorage using a SQL database via GORM
type SQLStorage struct {
	db *gorm.DB
}

// FromSQLite opens (or creates) a SQLite database file.
func FromSQLite(path string) (*SQLStorage, error) {
	return FromSQL(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
}

// FromSQL creates a new SQL storage instance
func FromSQL(dialect gorm.Dialector, opts ...gorm.Option) (*SQLStorage, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// the optimizer is the only writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&report.HyperoptReport{}, &report.BacktestReport{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStorage{db: db}, nil
}

// SaveHyperopt implements ReportStorage.
func (s *SQLStorage) SaveHyperopt(r *report.HyperoptReport) error {
	if r.Date.IsZero() {
		r.Date = time.Now().UTC()
	}
	if err := s.db.Save(r).Error; err != nil {
		return fmt.Errorf("failed to save hyperopt report: %w", err)
	}
	return nil
}

// SaveBacktest implements ReportStorage.
func (s *SQLStorage) SaveBacktest(r *report.BacktestReport) error {
	if r.Date.IsZero() {
		r.Date = time.Now().UTC()
	}
	if err := s.db.Save(r).Error; err != nil {
		return fmt.Errorf("failed to save backtest report: %w", err)
	}
	return nil
}

// Hyperopt implements ReportStorage.
func (s *SQLStorage) Hyperopt(id int64) (*report.HyperoptReport, error) {
	var r report.HyperoptReport
	if err := s.db.First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &report.IDNotFoundError{Kind: report.KindHyperopt, ID: id}
		}
		return nil, err
	}
	return &r, nil
}

// Backtest implements ReportStorage.
func (s *SQLStorage) Backtest(id int64) (*report.BacktestReport, error) {
	var r report.BacktestReport
	if err := s.db.First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &report.IDNotFoundError{Kind: report.KindBacktest, ID: id}
		}
		return nil, err
	}
	return &r, nil
}

// BacktestByHash implements ReportStorage.
func (s *SQLStorage) BacktestByHash(hash string) (*report.BacktestReport, error) {
	var r report.BacktestReport
	err := s.db.Where("hash = ?", hash).Order("id").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Hyperopts implements ReportStorage. Filters are applied in memory.
func (s *SQLStorage) Hyperopts(filters ...HyperoptFilter) ([]*report.HyperoptReport, error) {
	var items []*report.HyperoptReport
	if err := s.db.Order("date, id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch hyperopt reports: %w", err)
	}
	return lo.Filter(items, func(r *report.HyperoptReport, _ int) bool { return matchHyperopt(r, filters) }), nil
}

// Backtests implements ReportStorage. Filters are applied in memory.
func (s *SQLStorage) Backtests(filters ...BacktestFilter) ([]*report.BacktestReport, error) {
	var items []*report.BacktestReport
	if err := s.db.Order("date, id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch backtest reports: %w", err)
	}
	return lo.Filter(items, func(r *report.BacktestReport, _ int) bool { return matchBacktest(r, filters) }), nil
}

// DeleteHyperopt implements ReportStorage.
func (s *SQLStorage) DeleteHyperopt(ids ...int64) error {
	victims := make([]*report.HyperoptReport, 0, len(ids))
	for _, id := range ids {
		r, err := s.Hyperopt(id)
		if err != nil {
			return err
		}
		victims = append(victims, r)
	}

	all, err := s.Hyperopts()
	if err != nil {
		return err
	}

	return withArtifacts(hyperoptArtifacts(victims, all), func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			return tx.Delete(&report.HyperoptReport{}, ids).Error
		})
	})
}

// DeleteBacktest implements ReportStorage.
func (s *SQLStorage) DeleteBacktest(ids ...int64) error {
	victims := make([]*report.BacktestReport, 0, len(ids))
	for _, id := range ids {
		r, err := s.Backtest(id)
		if err != nil {
			return err
		}
		victims = append(victims, r)
	}

	return withArtifacts(backtestArtifacts(victims), func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			return tx.Delete(&report.BacktestReport{}, ids).Error
		})
	})
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
