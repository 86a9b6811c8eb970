package gpbandit

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

//////
// Helper functions.
//////

// clip projects v into [low, high].
func clip[T constraints.Integer | constraints.Float](v, low, high T) T {
	if v < low {
		return low
	}

	if v > high {
		return high
	}

	return v
}

// toFloat converts any Go numeric value into a float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}

	return 0, false
}

// checkFinite fails with ErrNonFinite when any of values is NaN or Inf.
// what names the values in the error.
func checkFinite[T constraints.Float](what string, values ...T) error {
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s[%d] = %v", ErrNonFinite, what, i, f)
		}
	}

	return nil
}

// onesLike returns a slice of n ones.
func onesLike(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}

	return s
}
