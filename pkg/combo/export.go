package combo

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/samber/lo"

	"github.com/raykavin/hyperforge/pkg/report"
)

// SaveAcceptedCSV writes every accepted backtest of a search to a CSV file,
// most profitable first.
func SaveAcceptedCSV(search Search, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	trials := lo.Keys(search.Accepted)
	sort.Ints(trials)

	var reports []*report.BacktestReport
	trialOf := make(map[*report.BacktestReport]int)
	for _, trial := range trials {
		for _, bt := range search.Accepted[trial] {
			reports = append(reports, bt)
			trialOf[bt] = trial
		}
	}

	repo := report.NewRepository(report.KindBacktest, reports, nil).SortByProfit(false)

	header := append([]string{"Rank", "Trial"}, report.TableHeader()...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	ranked := repo.All()
	for i, row := range repo.ToTable() {
		record := append([]string{strconv.Itoa(i + 1), strconv.Itoa(trialOf[ranked[i]])}, row...)
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// FormatParams renders strategy parameters with sorted keys.
func FormatParams(params map[string]any) string {
	names := lo.Keys(params)
	sort.Strings(names)

	result := "{"
	for i, name := range names {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("%s: %v", name, params[name])
	}
	return result + "}"
}
