package epoch

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/raykavin/hyperforge/pkg/requirements"
)

// Ranked is a trial that passed the requirements.
type Ranked struct {
	Trial
	WinRatio float64
}

// Saver persists a freshly materialized hyperopt report and assigns its id.
type Saver interface {
	SaveHyperopt(r *report.HyperoptReport) error
}

// Dedup drops trials identical to an earlier one, keeping the first
// occurrence and the original order. Dedup(Dedup(x)) equals Dedup(x).
func Dedup(trials []Trial) []Trial {
	seen := make(map[string]struct{}, len(trials))
	return lo.Filter(trials, func(t Trial, _ int) bool {
		k := t.key()
		if _, ok := seen[k]; ok {
			return false
		}
		seen[k] = struct{}{}
		return true
	})
}

// Filter deduplicates the trials, keeps those meeting s and returns at most
// n of them by ascending objective. Equal objectives keep their table order.
func Filter(trials []Trial, s requirements.Set, n int) ([]Ranked, error) {
	unique := Dedup(trials)

	ranked := make([]Ranked, 0, len(unique))
	for _, t := range unique {
		wins, draws, losses, err := ParseWinDrawLoss(t.WinDrawLoss)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", t.Epoch, err)
		}

		ratio := performance.WinRatio(wins, draws, losses)
		if ok, _ := requirements.Evaluate(t.MaxDrawdown, t.ProfitPct, ratio, t.ProfitPerTrade(), s); ok {
			ranked = append(ranked, Ranked{Trial: t, WinRatio: ratio})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Objective < ranked[j].Objective
	})

	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked, nil
}

// Select filters the trials of raw and stores every survivor as its own
// hyperopt report anchored at the survivor's epoch. Reports are saved as
// they are created, so a later failure leaves the earlier ones persisted.
// No survivors is not an error.
func Select(raw *report.HyperoptReport, trials []Trial, s requirements.Set, n int, saver Saver) ([]*report.HyperoptReport, error) {
	ranked, err := Filter(trials, s, n)
	if err != nil {
		return nil, err
	}

	selected := make([]*report.HyperoptReport, 0, len(ranked))
	for _, r := range ranked {
		candidate := raw.Anchor(r.Epoch)
		if err := saver.SaveHyperopt(candidate); err != nil {
			return selected, fmt.Errorf("save epoch %d: %w", r.Epoch, err)
		}
		selected = append(selected, candidate)
	}
	return selected, nil
}

// Load reads the trial table of the hyperopt file behind raw.
func Load(raw *report.HyperoptReport) ([]Trial, error) {
	lines, err := raw.EpochLines()
	if err != nil {
		return nil, err
	}
	return FromHyperoptLines(lines)
}
