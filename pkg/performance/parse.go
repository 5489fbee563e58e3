package performance

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalidBlob is returned when a result blob is not valid JSON.
var ErrInvalidBlob = errors.New("invalid result blob")

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	time.RFC3339,
	time.DateOnly,
}

// ParseBacktest reads the metrics section of a backtest result file. When
// strategy is empty the file must contain exactly one strategy.
func ParseBacktest(blob []byte, strategy string) (Performance, error) {
	if !gjson.ValidBytes(blob) {
		return Performance{}, ErrInvalidBlob
	}

	section, err := strategySection(gjson.GetBytes(blob, "strategy"), strategy)
	if err != nil {
		return Performance{}, err
	}
	return fromMetrics(section, KindBacktest)
}

// ParseHyperoptEpoch reads one JSON line of a hyperopt results file.
func ParseHyperoptEpoch(line []byte) (Performance, error) {
	if !gjson.ValidBytes(line) {
		return Performance{}, ErrInvalidBlob
	}

	metrics := gjson.GetBytes(line, "results_metrics")
	if !metrics.Exists() {
		return Performance{}, &MissingMetricError{Key: "results_metrics"}
	}
	return fromMetrics(metrics, KindHyperopt)
}

func strategySection(strategies gjson.Result, name string) (gjson.Result, error) {
	if !strategies.IsObject() {
		return gjson.Result{}, &MissingMetricError{Key: "strategy"}
	}

	var (
		found gjson.Result
		count int
	)
	strategies.ForEach(func(key, value gjson.Result) bool {
		count++
		if name == "" || key.String() == name {
			found = value
			return name == ""
		}
		return true
	})

	switch {
	case name == "" && count != 1:
		return gjson.Result{}, fmt.Errorf("%w: expected one strategy, found %d", ErrInvalidBlob, count)
	case !found.Exists():
		return gjson.Result{}, &MissingMetricError{Key: "strategy." + name}
	}
	return found, nil
}

func fromMetrics(m gjson.Result, kind Kind) (Performance, error) {
	var (
		p   = Performance{Kind: kind}
		err error
	)

	ints := []struct {
		key string
		dst *int
	}{
		{"total_trades", &p.Trades},
		{"wins", &p.Wins},
		{"losses", &p.Losses},
		{"draws", &p.Draws},
	}
	for _, f := range ints {
		v, err := Require(m, f.key)
		if err != nil {
			return Performance{}, err
		}
		*f.dst = int(v.Int())
	}

	floats := []struct {
		keys  []string
		scale float64
		dst   *float64
	}{
		{[]string{"profit_total"}, 100, &p.ProfitTotalPct},
		{[]string{"profit_mean"}, 100, &p.ProfitMeanPct},
		{[]string{"profit_total_abs"}, 1, &p.ProfitTotalAbs},
		{[]string{"max_drawdown_account", "max_drawdown"}, 1, &p.Drawdown},
	}
	for _, f := range floats {
		v, err := Require(m, f.keys...)
		if err != nil {
			return Performance{}, err
		}
		*f.dst = v.Float() * f.scale
	}

	if p.Start, err = requireTime(m, "backtest_start", "backtest_start_ts"); err != nil {
		return Performance{}, err
	}
	if p.End, err = requireTime(m, "backtest_end", "backtest_end_ts"); err != nil {
		return Performance{}, err
	}
	if p.AvgDuration, err = holding(m); err != nil {
		return Performance{}, err
	}

	return p, nil
}

// Require returns the first present, non-null key of m. Otherwise it fails
// with a MissingMetricError naming the first key.
func Require(m gjson.Result, keys ...string) (gjson.Result, error) {
	for _, key := range keys {
		if v := m.Get(key); v.Exists() && v.Type != gjson.Null {
			return v, nil
		}
	}
	return gjson.Result{}, &MissingMetricError{Key: keys[0]}
}

func requireTime(m gjson.Result, key, tsKey string) (time.Time, error) {
	if v := m.Get(key); v.Exists() && v.Type == gjson.String {
		return ParseDate(v.String())
	}
	if v := m.Get(tsKey); v.Exists() && v.Type == gjson.Number {
		return time.UnixMilli(v.Int()).UTC(), nil
	}
	return time.Time{}, &MissingMetricError{Key: key}
}

// ParseDate parses the date formats written by the external framework.
func ParseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func holding(m gjson.Result) (time.Duration, error) {
	if v := m.Get("holding_avg_s"); v.Exists() && v.Type == gjson.Number {
		return time.Duration(v.Float() * float64(time.Second)), nil
	}
	if v := m.Get("holding_avg"); v.Exists() {
		if v.Type == gjson.Number {
			return time.Duration(v.Float() * float64(time.Second)), nil
		}
		return ParseHolding(v.String())
	}
	return 0, &MissingMetricError{Key: "holding_avg"}
}

var holdingRe = regexp.MustCompile(`^(?:(\d+) days?,?\s*)?(\d+):(\d{2}):(\d{2})(?:\.\d+)?$`)

// ParseHolding parses timedelta strings such as "2:03:00" or "1 day, 2:03:00".
func ParseHolding(value string) (time.Duration, error) {
	match := holdingRe.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0, fmt.Errorf("unrecognized duration %q", value)
	}

	var parts [4]int
	for i, raw := range match[1:] {
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, err
		}
		parts[i] = n
	}

	return time.Duration(parts[0])*24*time.Hour +
		time.Duration(parts[1])*time.Hour +
		time.Duration(parts[2])*time.Minute +
		time.Duration(parts[3])*time.Second, nil
}
