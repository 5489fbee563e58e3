package report

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/olekukonko/tablewriter"
	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// DeleteFunc removes reports from persistent storage together with their
// side artifacts.
type DeleteFunc func(ids ...int64) error

// Repository is a read view over a set of reports. Filter, sort and head
// return new views and never touch the stored reports.
type Repository[R Report] struct {
	kind   Kind
	items  []R
	delete DeleteFunc
}

// NewRepository wraps items loaded from storage.
func NewRepository[R Report](kind Kind, items []R, del DeleteFunc) *Repository[R] {
	return &Repository[R]{kind: kind, items: items, delete: del}
}

func (r *Repository[R]) view(items []R) *Repository[R] {
	return &Repository[R]{kind: r.kind, items: items, delete: r.delete}
}

func (r *Repository[R]) Len() int { return len(r.items) }

// All returns a copy of the reports in view order.
func (r *Repository[R]) All() []R { return slices.Clone(r.items) }

func (r *Repository[R]) IDs() []int64 {
	return lo.Map(r.items, func(item R, _ int) int64 { return item.GetID() })
}

// Get returns the report with the given id or an IDNotFoundError.
func (r *Repository[R]) Get(id int64) (R, error) {
	item, ok := lo.Find(r.items, func(item R) bool { return item.GetID() == id })
	if !ok {
		return item, &IDNotFoundError{Kind: r.kind, ID: id}
	}
	return item, nil
}

func (r *Repository[R]) Filter(predicate func(R) bool) *Repository[R] {
	return r.view(lo.Filter(r.items, func(item R, _ int) bool { return predicate(item) }))
}

// Head keeps the first n reports of the view.
func (r *Repository[R]) Head(n int) *Repository[R] {
	n = min(max(n, 0), len(r.items))
	return r.view(slices.Clone(r.items[:n]))
}

// SortByProfit orders by total profit percentage. Reports whose metrics cannot
// be loaded sort last in either direction.
func (r *Repository[R]) SortByProfit(ascending bool) *Repository[R] {
	items := slices.Clone(r.items)
	profit := func(item R) float64 {
		p, err := item.Performance()
		if err != nil {
			return math.NaN()
		}
		return p.ProfitTotalPct
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := profit(items[i]), profit(items[j])
		switch {
		case math.IsNaN(a):
			return false
		case math.IsNaN(b):
			return true
		case ascending:
			return a < b
		default:
			return a > b
		}
	})
	return r.view(items)
}

func (r *Repository[R]) SortByDate(ascending bool) *Repository[R] {
	items := slices.Clone(r.items)
	sort.SliceStable(items, func(i, j int) bool {
		if ascending {
			return items[i].GetDate().Before(items[j].GetDate())
		}
		return items[i].GetDate().After(items[j].GetDate())
	})
	return r.view(items)
}

// OlderThan keeps reports created before now minus age.
func (r *Repository[R]) OlderThan(age time.Duration) *Repository[R] {
	limit := time.Now().Add(-age)
	return r.Filter(func(item R) bool { return item.GetDate().Before(limit) })
}

// Delete removes the reports from storage and from this view.
func (r *Repository[R]) Delete(ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if r.delete == nil {
		return fmt.Errorf("%s repository is read only", r.kind)
	}
	if err := r.delete(ids...); err != nil {
		return err
	}

	r.items = lo.Filter(r.items, func(item R, _ int) bool { return !slices.Contains(ids, item.GetID()) })
	return nil
}

// TableHeader names the columns of ToTable.
func TableHeader() []string {
	return append([]string{"ID", "Date", "Strategy", "Tag", "Ref"}, performance.Header()...)
}

// ToTable flattens every report into a row with the columns of TableHeader.
func (r *Repository[R]) ToTable() [][]string {
	rows := make([][]string, 0, len(r.items))
	for _, item := range r.items {
		row := []string{
			strconv.FormatInt(item.GetID(), 10),
			item.GetDate().Format(time.DateTime),
			item.GetStrategy(),
			item.GetTag(),
			item.Ref(),
		}

		if p, err := item.Performance(); err == nil {
			row = append(row, p.Row()...)
		} else {
			row = append(row, lo.RepeatBy(len(performance.Header()), func(int) string { return "n/a" })...)
		}
		rows = append(rows, row)
	}
	return rows
}

// Profits returns the total profit percentage of every loadable report.
func (r *Repository[R]) Profits() []float64 {
	return lo.FilterMap(r.items, func(item R, _ int) (float64, bool) {
		p, err := item.Performance()
		return p.ProfitTotalPct, err == nil
	})
}

// Render writes the view as a text table with a profit summary footer.
func (r *Repository[R]) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	header := TableHeader()
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.AppendBulk(r.ToTable())

	if profits := r.Profits(); len(profits) > 0 {
		mean, std := stat.MeanStdDev(profits, nil)
		if len(profits) < 2 {
			std = 0
		}
		footer := make([]string, len(header))
		footer[0] = fmt.Sprintf("%d reports", len(r.items))
		footer[len(footer)-5] = fmt.Sprintf("%.2f %% ± %.2f", mean, std)
		table.SetFooter(footer)
		table.SetFooterAlignment(tablewriter.ALIGN_RIGHT)
	}

	table.Render()
}

// ProfitHistogram prints the distribution of total profits.
func (r *Repository[R]) ProfitHistogram(w io.Writer, bins int) error {
	profits := r.Profits()
	if len(profits) == 0 {
		_, err := fmt.Fprintln(w, "no profits to plot")
		return err
	}
	return histogram.Fprint(w, histogram.Hist(bins, profits), histogram.Linear(10))
}

// ResolveHyperopt follows the weak back-reference of bt. It returns nil when
// bt has no source hyperopt or the hyperopt report was deleted.
func ResolveHyperopt(bt *BacktestReport, hyperopts *Repository[*HyperoptReport]) *HyperoptReport {
	if bt == nil || bt.HyperoptID == nil || hyperopts == nil {
		return nil
	}
	h, err := hyperopts.Get(*bt.HyperoptID)
	if err != nil {
		return nil
	}
	return h
}
