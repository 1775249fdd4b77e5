package aggregate

import "math"

// ConflictLevel grades how much the sources disagreed on a point.
type ConflictLevel string

const (
	ConflictNone   ConflictLevel = "none"
	ConflictLow    ConflictLevel = "low"
	ConflictMedium ConflictLevel = "medium"
	ConflictHigh   ConflictLevel = "high"
)

// Numeric disagreement is classified by coefficient of variation,
// non-numeric by the distinct-value ratio (|unique|-1)/N.
const (
	cvLow    = 0.05
	cvMedium = 0.10
	cvHigh   = 0.20

	distinctLow    = 0.0
	distinctMedium = 0.3
	distinctHigh   = 0.5
)

func classifyConflict(values []any) ConflictLevel {
	if len(values) <= 1 {
		return ConflictNone
	}
	nums := make([]float64, 0, len(values))
	numeric := true
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			numeric = false
			break
		}
		nums = append(nums, f)
	}
	if numeric {
		return classifyNumeric(nums)
	}
	return classifyDistinct(values)
}

func classifyNumeric(nums []float64) ConflictLevel {
	var sum float64
	for _, n := range nums {
		sum += n
	}
	mean := sum / float64(len(nums))
	var variance float64
	for _, n := range nums {
		d := n - mean
		variance += d * d
	}
	variance /= float64(len(nums))
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return ConflictNone
	}
	if mean == 0 {
		// Nonzero spread around a zero mean; cv is unbounded.
		return ConflictHigh
	}
	cv := sigma / math.Abs(mean)
	switch {
	case cv < cvLow:
		return ConflictNone
	case cv < cvMedium:
		return ConflictLow
	case cv < cvHigh:
		return ConflictMedium
	default:
		return ConflictHigh
	}
}

func classifyDistinct(values []any) ConflictLevel {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[valueKey(v)] = struct{}{}
	}
	ratio := float64(len(seen)-1) / float64(len(values))
	switch {
	case ratio <= distinctLow:
		return ConflictNone
	case ratio <= distinctMedium:
		return ConflictLow
	case ratio <= distinctHigh:
		return ConflictMedium
	default:
		return ConflictHigh
	}
}
