package align

import (
	"fmt"
	"math"
	"strings"
)

// spreadRoundoff bounds the squared relative rounding error of one centered
// coordinate: (4ε)² with ε the float64 machine epsilon. Scaled by N·‖c_p‖² it
// is the spread that subtracting an inexact centroid can leave behind.
const spreadRoundoff = 16 * 0x1p-52 * 0x1p-52

// Params selects which parameters of a similarity transform to estimate.
type Params uint8

const (
	ParamTranslation Params = 1 << iota
	ParamScaling
	ParamRotation

	// ParamsAll requests the full similarity transform.
	ParamsAll = ParamTranslation | ParamScaling | ParamRotation
)

// String returns the short form used in configuration, e.g. "tsr".
func (p Params) String() string {
	var b strings.Builder
	if p&ParamTranslation != 0 {
		b.WriteByte('t')
	}
	if p&ParamScaling != 0 {
		b.WriteByte('s')
	}
	if p&ParamRotation != 0 {
		b.WriteByte('r')
	}
	return b.String()
}

// ParseParams parses a combination of the letters t, s and r (any order,
// case-insensitive). The empty string selects ParamsAll.
func ParseParams(s string) (Params, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ParamsAll, nil
	}
	var p Params
	for _, c := range s {
		switch c {
		case 't':
			p |= ParamTranslation
		case 's':
			p |= ParamScaling
		case 'r':
			p |= ParamRotation
		default:
			return 0, fmt.Errorf("unknown parameter %q in %q (use t, s, r)", c, s)
		}
	}
	return p, nil
}

// EstimateWith runs the estimator matching params.
func EstimateWith(params Params, source, target []Point) (Transform, error) {
	switch params {
	case ParamTranslation:
		return EstimateTranslation(source, target)
	case ParamScaling:
		return EstimateScaling(source, target)
	case ParamRotation:
		return EstimateRotation(source, target)
	case ParamTranslation | ParamScaling:
		return EstimateTranslationScaling(source, target)
	case ParamTranslation | ParamRotation:
		return EstimateTranslationRotation(source, target)
	case ParamScaling | ParamRotation:
		return EstimateScalingRotation(source, target)
	case ParamsAll:
		return EstimateTranslationScalingRotation(source, target)
	}
	return Transform{}, ErrNoParams
}

// Estimate fits the full similarity transform. It is the same as
// EstimateTranslationScalingRotation.
func Estimate(source, target []Point) (Transform, error) {
	return EstimateTranslationScalingRotation(source, target)
}

// EstimateTranslation computes the translation minimizing Σ‖(p_i + t) − q_i‖²,
// which is t = mean(target) − mean(source). Requires at least one pair.
func EstimateTranslation(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamTranslation)
}

// EstimateScaling computes the uniform scale about each set's own centroid as
// the ratio of RMS distances from centroid, rms(target − c_q) / rms(source − c_p).
// The result has identity rotation and zero translation. Requires at least two
// pairs and source points that do not all coincide. Coincident target points
// give scale 0; such a transform maps everything to one point and has no inverse.
func EstimateScaling(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamScaling)
}

// EstimateRotation computes the proper rotation about the centroids minimizing
// Σ‖R·(p_i − c_p) − (q_i − c_q)‖². The result has unit scale and zero
// translation. Requires at least one pair; with too few independent directions
// the rotation is valid but not unique.
func EstimateRotation(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamRotation)
}

// EstimateTranslationScaling fits scale about the centroids, then the
// translation that maps the source centroid onto the target centroid.
func EstimateTranslationScaling(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamTranslation|ParamScaling)
}

// EstimateTranslationRotation fits a rigid transform: rotation about the
// centroids, then the translation that maps the source centroid onto the
// target centroid.
func EstimateTranslationRotation(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamTranslation|ParamRotation)
}

// EstimateScalingRotation fits scale and rotation about the centroids. Like
// the single-parameter estimators it leaves translation at zero.
func EstimateScalingRotation(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamScaling|ParamRotation)
}

// EstimateTranslationScalingRotation fits the full similarity transform
// (Umeyama): scale from the centered sets, rotation on the scaled centered
// source, then t = c_q − s·R·c_p.
func EstimateTranslationScalingRotation(source, target []Point) (Transform, error) {
	return estimate(source, target, ParamsAll)
}

// estimate centers both sets, fits the requested scale and rotation on the
// centered coordinates and only then folds in the translation. Parameters that
// are not requested keep their identity values.
func estimate(source, target []Point, params Params) (Transform, error) {
	minPoints := 1
	if params&ParamScaling != 0 {
		minPoints = 2
	}
	dim, err := validatePairs(source, target, minPoints)
	if err != nil {
		return Transform{}, err
	}

	cp := Centroid(source)
	cq := Centroid(target)
	srcCentered := center(source, cp)
	tgtCentered := center(target, cq)

	result := Identity(dim)

	if params&ParamScaling != 0 {
		s, err := scaleFactor(source, cp, srcCentered, tgtCentered)
		if err != nil {
			return Transform{}, err
		}
		result.scale = s
	}

	if params&ParamRotation != 0 {
		scaled := srcCentered
		if result.scale != 1 {
			scaled = scalePoints(srcCentered, result.scale)
		}
		r, err := optimalRotation(scaled, tgtCentered, dim)
		if err != nil {
			return Transform{}, err
		}
		result.rotation = r
	}

	if params&ParamTranslation != 0 {
		// t = c_q − s·R·c_p; (s·R·c_p) is result applied to c_p while translation is still zero.
		mapped, err := result.Apply(cp)
		if err != nil {
			return Transform{}, err
		}
		for i := range result.translation {
			result.translation[i] = cq[i] - mapped[i]
		}
	}

	return result, nil
}

// scaleFactor returns rms(target − c_q) / rms(source − c_p) for centered sets.
// Coincident source points are degenerate, as is any spread within the
// rounding noise of the centroid.
func scaleFactor(source []Point, cp Point, srcCentered, tgtCentered []Point) (float64, error) {
	if allEqual(source) {
		return 0, ErrDegenerateSpread
	}
	srcSpread := sumSquaredNorms(srcCentered)
	noise := spreadRoundoff * float64(len(source)) * sumSquaredNorms([]Point{cp})
	if srcSpread == 0 || srcSpread <= noise {
		return 0, ErrDegenerateSpread
	}
	s := math.Sqrt(sumSquaredNorms(tgtCentered) / srcSpread)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, fmt.Errorf("%w: scale overflows", ErrNonFinite)
	}
	return s, nil
}

func allEqual(points []Point) bool {
	for _, p := range points[1:] {
		for k := range p {
			if p[k] != points[0][k] {
				return false
			}
		}
	}
	return true
}

func scalePoints(points []Point, s float64) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		q := make(Point, len(p))
		for k := range p {
			q[k] = s * p[k]
		}
		out[i] = q
	}
	return out
}
