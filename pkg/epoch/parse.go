package epoch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/raykavin/hyperforge/pkg/performance"
)

// ErrFormat is returned when external output does not match the known layout.
var ErrFormat = errors.New("unrecognized hyperopt output")

var (
	winDrawLossRe = regexp.MustCompile(`(\d+)\s+(\d+)\s+(\d+)`)

	// " 154 trades. 79/0/75 Wins/Draws/Losses. Avg profit   0.81%. Median profit   0.50%.
	//   Total profit 123.40000000 USDT (  12.34%). Avg duration 1 day, 2:30:00 min."
	explanationRe = regexp.MustCompile(`(\d+) trades\.\s+(\d+)/(\d+)/(\d+) Wins/Draws/Losses\.\s+` +
		`Avg profit\s+(-?[\d.]+)%\..*?Total profit\s+(-?[\d.]+)\s+\S+\s+\(\s*(-?[\d.]+)%?\)\.\s+` +
		`Avg duration\s+(.+?)\s+min\.`)

	leadingIntRe = regexp.MustCompile(`^\s*(\d+)`)
	numberRe     = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?(?:[eE][-+]?\d+)?`)
)

// ParseWinDrawLoss splits the combined triplet column, e.g. "79    0   75".
func ParseWinDrawLoss(s string) (wins, draws, losses int, err error) {
	match := winDrawLossRe.FindStringSubmatch(s)
	if match == nil {
		return 0, 0, 0, fmt.Errorf("%w: win/draw/loss %q", ErrFormat, s)
	}
	wins, _ = strconv.Atoi(match[1])
	draws, _ = strconv.Atoi(match[2])
	losses, _ = strconv.Atoi(match[3])
	return wins, draws, losses, nil
}

// ParseResultsExplanation reads an epoch summary line. Objective, drawdown
// and parameters are not part of the line and stay zero.
func ParseResultsExplanation(line string) (Trial, error) {
	match := explanationRe.FindStringSubmatch(line)
	if match == nil {
		return Trial{}, fmt.Errorf("%w: %q", ErrFormat, strings.TrimSpace(line))
	}

	trades, _ := strconv.Atoi(match[1])
	avg, _ := strconv.ParseFloat(match[5], 64)
	total, _ := strconv.ParseFloat(match[6], 64)
	pct, _ := strconv.ParseFloat(match[7], 64)

	return Trial{
		Trades:         trades,
		WinDrawLoss:    strings.Join(match[2:5], " "),
		AvgProfitPct:   avg,
		TotalProfitAbs: total,
		ProfitPct:      pct,
		AvgDuration:    match[8],
	}, nil
}

// FromHyperoptLines builds the trial table from the JSON lines of a hyperopt
// results file. Epoch numbers are 1-based. Missing metrics fail with a
// *performance.MissingMetricError instead of reading as zero.
func FromHyperoptLines(lines [][]byte) ([]Trial, error) {
	trials := make([]Trial, 0, len(lines))
	for i, line := range lines {
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("%w: line %d is not JSON", ErrFormat, i+1)
		}

		doc := gjson.ParseBytes(line)
		m := doc.Get("results_metrics")
		if !m.Exists() {
			return nil, fmt.Errorf("%w: line %d has no results_metrics", ErrFormat, i+1)
		}

		trial, err := trialFromMetrics(doc, m)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		trial.Epoch = i + 1
		if v := doc.Get("current_epoch"); v.Exists() {
			trial.Epoch = int(v.Int())
		}
		trials = append(trials, trial)
	}
	return trials, nil
}

func trialFromMetrics(doc, m gjson.Result) (Trial, error) {
	var values [9]gjson.Result
	sources := []struct {
		from gjson.Result
		keys []string
	}{
		{m, []string{"total_trades"}},
		{m, []string{"wins"}},
		{m, []string{"draws"}},
		{m, []string{"losses"}},
		{m, []string{"profit_mean"}},
		{m, []string{"profit_total_abs"}},
		{m, []string{"profit_total"}},
		{m, []string{"max_drawdown_account", "max_drawdown"}},
		{doc, []string{"loss"}},
	}
	for i, src := range sources {
		v, err := performance.Require(src.from, src.keys...)
		if err != nil {
			return Trial{}, err
		}
		values[i] = v
	}

	trial := Trial{
		Trades:         int(values[0].Int()),
		WinDrawLoss:    fmt.Sprintf("%d %d %d", values[1].Int(), values[2].Int(), values[3].Int()),
		AvgProfitPct:   values[4].Float() * 100,
		TotalProfitAbs: values[5].Float(),
		ProfitPct:      values[6].Float() * 100,
		AvgDuration:    m.Get("holding_avg").String(),
		Objective:      values[8].Float(),
		MaxDrawdown:    values[7].Float(),
		Params:         map[string]any{},
	}
	if params, ok := doc.Get("params_dict").Value().(map[string]any); ok {
		trial.Params = params
	}
	return trial, nil
}

// setColumn stores a known metric column. It reports false for columns
// that are not metrics.
func setColumn(t *Trial, name, v string) (bool, error) {
	var err error
	switch name {
	case "Epoch":
		t.Epoch, err = leadingInt(v)
	case "Trades":
		t.Trades, err = leadingInt(v)
	case "Win Draw Loss":
		t.WinDrawLoss = v
	case "Avg profit":
		t.AvgProfitPct, err = number(v)
	case "Total profit":
		t.TotalProfitAbs, err = number(v)
	case "Profit":
		t.ProfitPct, err = number(v)
	case "Avg duration":
		t.AvgDuration = strings.TrimSpace(v)
	case "Objective":
		t.Objective, err = number(v)
	case "Max Drawdown":
		var pct float64
		pct, err = number(v)
		t.MaxDrawdown = pct / 100
	default:
		return false, nil
	}
	return true, err
}

// ignoredCSV are exported columns that are neither metrics nor parameters.
var ignoredCSV = map[string]bool{"Best": true, "Median profit": true, "is_initial_point": true, "is_best": true}

// ReadCSV parses the trial table exported by the hyperopt list command.
// Unknown columns are treated as parameters.
func ReadCSV(r io.Reader) ([]Trial, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read trial csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := make([]string, len(records[0]))
	for i, name := range records[0] {
		header[i] = canonicalColumn(name)
	}

	trials := make([]Trial, 0, len(records)-1)
	for n, record := range records[1:] {
		trial := Trial{Params: map[string]any{}}
		for i, value := range record {
			name := header[i]
			known, err := setColumn(&trial, name, value)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %v", ErrFormat, n+1, name, err)
			}
			if !known && !ignoredCSV[name] {
				trial.Params[name] = paramValue(value)
			}
		}
		trials = append(trials, trial)
	}
	return trials, nil
}

// canonicalColumn folds header variants such as "Win  Draw  Loss  Win%" and
// "Max Drawdown (Acct)".
func canonicalColumn(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	switch {
	case strings.HasPrefix(name, "Win Draw Loss"):
		return "Win Draw Loss"
	case strings.HasPrefix(name, "Max Drawdown"):
		return "Max Drawdown"
	}
	return name
}

func leadingInt(v string) (int, error) {
	match := leadingIntRe.FindStringSubmatch(v)
	if match == nil {
		return 0, fmt.Errorf("no integer in %q", v)
	}
	return strconv.Atoi(match[1])
}

func number(v string) (float64, error) {
	raw := numberRe.FindString(v)
	if raw == "" {
		return 0, fmt.Errorf("no number in %q", v)
	}
	return strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
}

func paramValue(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
