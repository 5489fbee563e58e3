package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ParamSpaces maps a strategy's parameter names to their hyperopt space.
type ParamSpaces interface {
	ParamSpaces(strategy string) (map[string]string, error)
}

var roiKeyRe = regexp.MustCompile(`^roi_([tp])(\d+)$`)

// GroupParams converts the flat parameter map of a hyperopt epoch into the
// per-space layout of a strategy params file. Values that already are
// space groups are kept. Flat roi_t*/roi_p* values are expanded into a
// minimal ROI table.
func GroupParams(params map[string]any, spaceOf map[string]string) (map[string]any, error) {
	grouped := make(map[string]any)
	put := func(space, key string, v any) {
		group, _ := grouped[space].(map[string]any)
		if group == nil {
			group = make(map[string]any)
			grouped[space] = group
		}
		group[key] = v
	}

	roi := make(map[string]float64)
	for key, v := range params {
		if _, ok := v.(map[string]any); ok {
			grouped[key] = v
			continue
		}

		switch {
		case roiKeyRe.MatchString(key):
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("roi parameter %s is %T, not a number", key, v)
			}
			roi[key] = f
		case key == "stoploss":
			put("stoploss", key, v)
		case strings.HasPrefix(key, "trailing_"):
			put("trailing", key, v)
		case spaceOf[key] != "":
			put(spaceOf[key], key, v)
		default:
			space, _, found := strings.Cut(key, "_")
			if !found {
				return nil, fmt.Errorf("cannot tell the space of parameter %s", key)
			}
			put(space, key, v)
		}
	}

	if len(roi) > 0 {
		table, err := roiTable(roi)
		if err != nil {
			return nil, err
		}
		grouped["roi"] = table
	}
	return grouped, nil
}

// roiTable builds the ROI table from the three-step parametrization used by
// the default ROI space: minutes t1..t3 and profits p1..p3.
func roiTable(values map[string]float64) (map[string]any, error) {
	get := func(key string) (float64, error) {
		v, ok := values[key]
		if !ok {
			return 0, fmt.Errorf("roi parameter %s missing", key)
		}
		return v, nil
	}

	var t, p [4]float64
	for i := 1; i <= 3; i++ {
		var err error
		if t[i], err = get("roi_t" + strconv.Itoa(i)); err != nil {
			return nil, err
		}
		if p[i], err = get("roi_p" + strconv.Itoa(i)); err != nil {
			return nil, err
		}
	}

	minutes := func(v float64) string { return strconv.Itoa(int(v)) }

	table := map[string]any{"0": p[1] + p[2] + p[3]}
	table[minutes(t[3])] = p[1] + p[2]
	table[minutes(t[3]+t[2])] = p[1]
	table[minutes(t[3]+t[2]+t[1])] = 0.0
	return table, nil
}

// paramsFile is the strategy params file freqtrade loads next to a strategy.
type paramsFile struct {
	StrategyName string         `json:"strategy_name"`
	Params       map[string]any `json:"params"`
	Version      int            `json:"ft_stratparam_v"`
	ExportTime   string         `json:"export_time"`
}

// installParams writes the params file for strategy and returns a function
// restoring whatever file was there before.
func installParams(dir, strategy string, grouped map[string]any, exportTime string) (func() error, error) {
	path := filepath.Join(dir, strategy+".json")

	previous, err := os.ReadFile(path)
	existed := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read params file: %w", err)
	}

	blob, err := json.MarshalIndent(paramsFile{
		StrategyName: strategy,
		Params:       grouped,
		Version:      1,
		ExportTime:   exportTime,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode params file: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return nil, fmt.Errorf("write params file: %w", err)
	}

	return func() error {
		if existed {
			return os.WriteFile(path, previous, 0o644)
		}
		return os.Remove(path)
	}, nil
}

// sortedKeys is used for stable log output.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
