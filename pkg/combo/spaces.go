package combo

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// StandardSpaces are the spaces every strategy supports without declaring
// parameters for them.
var StandardSpaces = []string{"roi", "stoploss", "trailing"}

// DefaultMaxCombo bounds the size of generated combinations.
const DefaultMaxCombo = 4

const (
	tagSeparator   = "__"
	spaceSeparator = "-"
)

// IsStandard reports whether space belongs to the fixed vocabulary.
func IsStandard(space string) bool {
	return slices.Contains(StandardSpaces, space)
}

// GenerateCustomSpaces returns every non-empty combination of at most
// maxCombo spaces. Spaces are deduplicated and sorted first; combinations
// are ordered by size, then lexicographically by position, so {buy, roi,
// sell} yields [buy] [roi] [sell] [buy roi] [buy sell] [roi sell]
// [buy roi sell]. A non-positive maxCombo means no bound.
func GenerateCustomSpaces(spaces []string, maxCombo int) [][]string {
	pool := lo.Uniq(spaces)
	sort.Strings(pool)

	if maxCombo <= 0 || maxCombo > len(pool) {
		maxCombo = len(pool)
	}

	var out [][]string
	for size := 1; size <= maxCombo; size++ {
		out = append(out, combinations(pool, size)...)
	}
	return out
}

// combinations yields the size-element subsets of pool in index order.
func combinations(pool []string, size int) [][]string {
	indices := lo.RangeFrom(0, size)

	var out [][]string
	for {
		out = append(out, lo.Map(indices, func(i int, _ int) string { return pool[i] }))

		// rightmost index that can still advance
		i := size - 1
		for i >= 0 && indices[i] == i+len(pool)-size {
			i--
		}
		if i < 0 {
			return out
		}

		indices[i]++
		for j := i + 1; j < size; j++ {
			indices[j] = indices[j-1] + 1
		}
	}
}

// SplitSpaces separates standard spaces from custom ones, keeping order.
func SplitSpaces(spaces []string) (standard, custom []string) {
	for _, s := range spaces {
		if IsStandard(s) {
			standard = append(standard, s)
		} else {
			custom = append(custom, s)
		}
	}
	return standard, custom
}

// Tag builds the "{standard}__{custom}__{interval}" label of a combination.
func Tag(standard, custom []string, interval string) string {
	return strings.Join([]string{
		strings.Join(standard, spaceSeparator),
		strings.Join(custom, spaceSeparator),
		interval,
	}, tagSeparator)
}

// ParseTag is the inverse of Tag.
func ParseTag(tag string) (standard, custom []string, interval string, err error) {
	parts := strings.Split(tag, tagSeparator)
	if len(parts) != 3 {
		return nil, nil, "", fmt.Errorf("malformed combination tag %q", tag)
	}

	split := func(s string) []string {
		if s == "" {
			return nil
		}
		return strings.Split(s, spaceSeparator)
	}
	return split(parts[0]), split(parts[1]), parts[2], nil
}

// buildCombinations expands the strategy spaces into prepared combinations.
// Extra spaces are appended to every combination instead of being combined.
func buildCombinations(strategy string, spaces, extra []string, maxCombo int, base HyperoptParameters) []Combination {
	extra = lo.Uniq(extra)
	pool := lo.Without(spaces, extra...)

	sets := GenerateCustomSpaces(pool, maxCombo)
	if len(sets) == 0 && len(extra) > 0 {
		sets = [][]string{nil}
	}

	return lo.Map(sets, func(set []string, _ int) Combination {
		standard, custom := SplitSpaces(append(slices.Clone(set), extra...))

		params := base.Clone()
		params.Strategy = strategy
		params.Spaces = append(slices.Clone(standard), custom...)
		params.Tag = Tag(standard, custom, base.Timeframe)

		return Combination{
			Standard:   standard,
			Custom:     custom,
			Tag:        params.Tag,
			Parameters: params,
		}
	})
}
