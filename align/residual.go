package align

import "math"

// FitStats summarizes how well a transform maps source points onto targets.
// Distances are in the target's units.
type FitStats struct {
	N    int     `json:"n"`
	RMS  float64 `json:"rms"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

// Residuals returns ‖t.Apply(source[i]) − target[i]‖ for every pair.
func Residuals(t Transform, source, target []Point) ([]float64, error) {
	dim, err := validatePairs(source, target, 1)
	if err != nil {
		return nil, err
	}
	if t.Dim() != dim {
		return nil, &DimensionMismatchError{Expected: t.Dim(), Actual: dim}
	}

	out := make([]float64, len(source))
	for i := range source {
		mapped, err := t.Apply(source[i])
		if err != nil {
			return nil, err
		}
		out[i] = math.Sqrt(sqDist(mapped, target[i]))
	}
	return out, nil
}

// Evaluate computes residual statistics of t over a correspondence set.
func Evaluate(t Transform, source, target []Point) (FitStats, error) {
	res, err := Residuals(t, source, target)
	if err != nil {
		return FitStats{}, err
	}

	stats := FitStats{N: len(res)}
	var sum, sumSq float64
	for _, r := range res {
		sum += r
		sumSq += r * r
		stats.Max = math.Max(stats.Max, r)
	}
	n := float64(len(res))
	stats.Mean = sum / n
	stats.RMS = math.Sqrt(sumSq / n)
	return stats, nil
}
