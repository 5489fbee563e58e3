package stats

import (
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

// Number is any value a series can average.
type Number interface {
	constraints.Integer | constraints.Float
}

// Series is an ordered sequence of observations, oldest first.
type Series[T Number] []T

// Length returns the number of values in the series
func (s Series[T]) Length() int {
	return len(s)
}

// Last returns the value at a specified position from the end
// position 0 is the last value, 1 is the second-to-last, etc.
func (s Series[T]) Last(position int) T {
	return s[len(s)-1-position]
}

// LastValues returns a slice with the last 'size' values
// If size exceeds the length, returns the entire series
func (s Series[T]) LastValues(size int) Series[T] {
	if l := len(s); l > size {
		return s[l-size:]
	}
	return s
}

// Bounded drops the oldest values so that at most size remain.
func (s Series[T]) Bounded(size int) Series[T] {
	if size <= 0 || len(s) <= size {
		return s
	}
	return append(Series[T](nil), s[len(s)-size:]...)
}

// Float64 converts the series for gonum.
func (s Series[T]) Float64() []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

// Mean is the arithmetic mean, zero for an empty series.
func (s Series[T]) Mean() float64 {
	if len(s) == 0 {
		return 0
	}
	return stat.Mean(s.Float64(), nil)
}
