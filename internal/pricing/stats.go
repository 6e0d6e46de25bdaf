package pricing

import (
	"math"
	"sort"
)

// percentile returns the p-th percentile (0-100) of sorted values using
// linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// iqrFilter drops values outside [Q1 - k·IQR, Q3 + k·IQR]. Input and
// output are sorted.
func iqrFilter(sorted []float64, k float64) []float64 {
	q1 := percentile(sorted, 25)
	q3 := percentile(sorted, 75)
	iqr := q3 - q1
	lo, hi := q1-k*iqr, q3+k*iqr

	out := make([]float64, 0, len(sorted))
	for _, v := range sorted {
		if v >= lo && v <= hi {
			out = append(out, v)
		}
	}
	return out
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

// coefficientOfVariation is std/mean, zero for empty or zero-mean input.
func coefficientOfVariation(values []float64) float64 {
	mean, std := meanStdDev(values)
	if mean <= 0 {
		return 0
	}
	return std / mean
}

// Confidence is (1 - e^(-n/countScale)) / (1 + volatilityWeight·cv),
// clamped to [0,1]. It rises with n and falls with cv; n = 0 gives 0.
func Confidence(n int, cv, countScale, volatilityWeight float64) float64 {
	if n <= 0 {
		return 0
	}
	if countScale <= 0 {
		countScale = 8
	}
	if volatilityWeight < 0 {
		volatilityWeight = 0
	}
	if cv < 0 {
		cv = 0
	}
	c := (1 - math.Exp(-float64(n)/countScale)) / (1 + volatilityWeight*cv)
	return math.Max(0, math.Min(1, c))
}

func sortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
