package requirements

import (
	"errors"
	"testing"

	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strict = Set{WinRate: 0.4, ProfitPct: 1, PPT: 0.007, Drawdown: 0.4}

func TestEvaluate_Passes(t *testing.T) {
	ok, reasons := Evaluate(0.1, 5, 0.6, 0.01, strict)
	assert.True(t, ok)
	assert.Empty(t, reasons)
}

func TestEvaluate_SingleReasonInFixedOrder(t *testing.T) {
	tests := []struct {
		name                      string
		drawdown, profit, wr, ppt float64
		want                      Reason
	}{
		{"all fail", 0.5, -5, 0.1, 0.001, ReasonWinRate},
		{"profit ppt drawdown fail", 0.5, -5, 0.5, 0.001, ReasonProfit},
		{"ppt drawdown fail", 0.5, 2, 0.5, 0.001, ReasonPPT},
		{"drawdown fails", 0.5, 2, 0.5, 0.01, ReasonDrawdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reasons := Evaluate(tt.drawdown, tt.profit, tt.wr, tt.ppt, strict)
			require.False(t, ok)
			require.Equal(t, []Reason{tt.want}, reasons)
		})
	}
}

func TestEvaluate_BoundariesAreInclusive(t *testing.T) {
	ok, _ := Evaluate(strict.Drawdown, strict.ProfitPct, strict.WinRate, strict.PPT, strict)
	assert.True(t, ok)
}

func TestEvaluate_Deterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		ok1, r1 := Evaluate(0.3, 0.5, 0.45, 0.01, strict)
		ok2, r2 := Evaluate(0.3, 0.5, 0.45, 0.01, strict)
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, r1, r2)
	}
}

func TestFromMap(t *testing.T) {
	s, err := FromMap(strict.Map())
	require.NoError(t, err)
	assert.Equal(t, strict, s)

	values := strict.Map()
	delete(values, "ppt")
	_, err = FromMap(values)

	var missing *MissingKeyError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "ppt", missing.Key)
}

func TestEvaluatePerformance(t *testing.T) {
	p := performance.Performance{Trades: 10, Wins: 3, Losses: 7, ProfitTotalPct: 4, ProfitMeanPct: 0.9, Drawdown: 0.1}
	ok, reasons := EvaluatePerformance(p, strict)
	assert.False(t, ok)
	assert.Equal(t, []Reason{ReasonWinRate}, reasons)
}
