// Package report holds the persisted outcome of hyperopt and backtest runs and
// a query view over collections of them.
package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/tidwall/gjson"
)

// Kind names a report collection.
type Kind string

const (
	KindHyperopt Kind = "hyperopt"
	KindBacktest Kind = "backtest"
)

// ErrNotFound is returned when a report id does not exist.
var ErrNotFound = errors.New("report not found")

// IDNotFoundError names the missing report. It matches ErrNotFound.
type IDNotFoundError struct {
	Kind Kind
	ID   int64
}

func (e *IDNotFoundError) Error() string {
	return fmt.Sprintf("%s report %d not found", e.Kind, e.ID)
}

func (e *IDNotFoundError) Unwrap() error { return ErrNotFound }

// Report is the common surface of both report kinds.
type Report interface {
	GetID() int64
	GetTag() string
	GetDate() time.Time
	GetStrategy() string
	// Ref is a short description of what the report points to.
	Ref() string
	Performance() (performance.Performance, error)
	// Artifacts lists files owned exclusively by the report.
	Artifacts() []string
}

// HyperoptReport is one epoch of a hyperopt run. Several reports may share the
// same HyperoptFile, each anchored at a different Epoch.
type HyperoptReport struct {
	ID           int64     `json:"id" gorm:"primaryKey"`
	Tag          string    `json:"tag"`
	Date         time.Time `json:"date" gorm:"index"`
	Strategy     string    `json:"strategy" gorm:"index"`
	StrategyHash string    `json:"strategy_hash"`
	Exchange     string    `json:"exchange"`
	Pairlist     []string  `json:"pairlist" gorm:"serializer:json"`
	Spaces       []string  `json:"spaces" gorm:"serializer:json"`
	Epoch        int       `json:"epoch"`
	HyperoptFile string    `json:"hyperopt_file" gorm:"index"`
	LogFile      string    `json:"log_file"`

	perf *performance.Performance
}

func (h *HyperoptReport) GetID() int64        { return h.ID }
func (h *HyperoptReport) GetTag() string      { return h.Tag }
func (h *HyperoptReport) GetDate() time.Time  { return h.Date }
func (h *HyperoptReport) GetStrategy() string { return h.Strategy }
func (h *HyperoptReport) Ref() string         { return fmt.Sprintf("epoch %d", h.Epoch) }

// Artifacts implements Report. The shared hyperopt file is not included, see
// storage for how it is reclaimed.
func (h *HyperoptReport) Artifacts() []string {
	return nonEmpty(h.LogFile)
}

// Performance loads the metrics of the anchored epoch on first use.
func (h *HyperoptReport) Performance() (performance.Performance, error) {
	if h.perf != nil {
		return *h.perf, nil
	}

	line, err := h.epochLine()
	if err != nil {
		return performance.Performance{}, err
	}

	p, err := performance.ParseHyperoptEpoch(line)
	if err != nil {
		return performance.Performance{}, fmt.Errorf("hyperopt report %d: %w", h.ID, err)
	}
	h.perf = &p
	return p, nil
}

// Params returns the parameter values chosen at the anchored epoch.
func (h *HyperoptReport) Params() (map[string]any, error) {
	line, err := h.epochLine()
	if err != nil {
		return nil, err
	}

	raw := gjson.GetBytes(line, "params_dict")
	if !raw.Exists() {
		raw = gjson.GetBytes(line, "params_details")
	}
	if !raw.IsObject() {
		return nil, &performance.MissingMetricError{Key: "params_dict"}
	}

	params := make(map[string]any)
	if err := json.Unmarshal([]byte(raw.Raw), &params); err != nil {
		return nil, fmt.Errorf("decode params of epoch %d: %w", h.Epoch, err)
	}
	return params, nil
}

// EpochLines returns every epoch of the underlying hyperopt file in file order.
func (h *HyperoptReport) EpochLines() ([][]byte, error) {
	return ReadLines(h.HyperoptFile)
}

// Anchor returns a copy of h pointing at another epoch of the same file.
func (h *HyperoptReport) Anchor(epoch int) *HyperoptReport {
	c := *h
	c.ID = 0
	c.Epoch = epoch
	c.LogFile = ""
	c.perf = nil
	return &c
}

func (h *HyperoptReport) epochLine() ([]byte, error) {
	lines, err := h.EpochLines()
	if err != nil {
		return nil, err
	}

	for i, line := range lines {
		number := i + 1
		if v := gjson.GetBytes(line, "current_epoch"); v.Exists() {
			number = int(v.Int())
		}
		if number == h.Epoch {
			return line, nil
		}
	}
	return nil, fmt.Errorf("epoch %d not found in %s", h.Epoch, h.HyperoptFile)
}

// BacktestReport is the outcome of one backtest. HyperoptID is a weak
// reference: the hyperopt report may have been deleted since.
type BacktestReport struct {
	ID         int64     `json:"id" gorm:"primaryKey"`
	Tag        string    `json:"tag"`
	Date       time.Time `json:"date" gorm:"index"`
	Strategy   string    `json:"strategy" gorm:"index"`
	Exchange   string    `json:"exchange"`
	Hash       string    `json:"hash" gorm:"index"`
	HyperoptID *int64    `json:"hyperopt_id,omitempty"`
	Ensemble   []string  `json:"ensemble,omitempty" gorm:"serializer:json"`
	ResultFile string    `json:"result_file"`
	LogFile    string    `json:"log_file"`

	perf *performance.Performance
}

func (b *BacktestReport) GetID() int64        { return b.ID }
func (b *BacktestReport) GetTag() string      { return b.Tag }
func (b *BacktestReport) GetDate() time.Time  { return b.Date }
func (b *BacktestReport) GetStrategy() string { return b.Strategy }

func (b *BacktestReport) Ref() string {
	if b.HyperoptID == nil {
		return "-"
	}
	return fmt.Sprintf("hyperopt %d", *b.HyperoptID)
}

func (b *BacktestReport) Artifacts() []string {
	return nonEmpty(b.LogFile, b.ResultFile)
}

// Performance loads the result file on first use.
func (b *BacktestReport) Performance() (performance.Performance, error) {
	if b.perf != nil {
		return *b.perf, nil
	}

	blob, err := os.ReadFile(b.ResultFile)
	if err != nil {
		return performance.Performance{}, fmt.Errorf("backtest report %d: %w", b.ID, err)
	}

	p, err := performance.ParseBacktest(blob, b.Strategy)
	if err != nil {
		return performance.Performance{}, fmt.Errorf("backtest report %d: %w", b.ID, err)
	}
	b.perf = &p
	return p, nil
}

// ReadLines reads a JSON-lines file, skipping blank lines.
func ReadLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(line))
	}
	return lines, scanner.Err()
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
