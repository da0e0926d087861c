package align

import (
	"fmt"
	"math"
)

// Point is a D-dimensional coordinate.
type Point []float64

// Dim returns the number of coordinates in p.
func (p Point) Dim() int {
	return len(p)
}

// Clone returns a copy of p that shares no storage with it.
func (p Point) Clone() Point {
	if p == nil {
		return nil
	}
	out := make(Point, len(p))
	copy(out, p)
	return out
}

// Distance calculates the Euclidean distance between two points of equal dimension.
func Distance(p1, p2 Point) (float64, error) {
	if len(p1) != len(p2) {
		return 0, &DimensionMismatchError{Expected: len(p1), Actual: len(p2)}
	}
	return math.Sqrt(sqDist(p1, p2)), nil
}

// Centroid calculates the center of mass of a set of points.
// Returns nil for an empty set.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return nil
	}
	c := make(Point, len(points[0]))
	for _, p := range points {
		for k := range c {
			c[k] += p[k]
		}
	}
	n := float64(len(points))
	for k := range c {
		c[k] /= n
	}
	return c
}

// center returns points shifted so that c sits at the origin.
func center(points []Point, c Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		q := make(Point, len(p))
		for k := range p {
			q[k] = p[k] - c[k]
		}
		out[i] = q
	}
	return out
}

// sumSquaredNorms returns Σ‖p_i‖².
func sumSquaredNorms(points []Point) float64 {
	var sum float64
	for _, p := range points {
		for _, v := range p {
			sum += v * v
		}
	}
	return sum
}

func sqDist(p1, p2 Point) float64 {
	var sum float64
	for k := range p1 {
		d := p1[k] - p2[k]
		sum += d * d
	}
	return sum
}

// validatePairs checks a correspondence set and returns its dimension.
// Length is checked before count, count before dimensionality, and
// dimensionality before finiteness.
func validatePairs(source, target []Point, minPoints int) (int, error) {
	if len(source) != len(target) {
		return 0, fmt.Errorf("%w: %d source, %d target", ErrLengthMismatch, len(source), len(target))
	}
	if len(source) < minPoints {
		return 0, fmt.Errorf("%w: need at least %d, got %d", ErrInsufficientPoints, minPoints, len(source))
	}
	dim := len(source[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: points must have at least one coordinate", ErrDimensionMismatch)
	}
	for i := range source {
		if len(source[i]) != dim {
			return 0, &DimensionMismatchError{Expected: dim, Actual: len(source[i])}
		}
		if len(target[i]) != dim {
			return 0, &DimensionMismatchError{Expected: dim, Actual: len(target[i])}
		}
	}
	for i := range source {
		if !isFinite(source[i]) {
			return 0, fmt.Errorf("%w: source point %d", ErrNonFinite, i)
		}
		if !isFinite(target[i]) {
			return 0, fmt.Errorf("%w: target point %d", ErrNonFinite, i)
		}
	}
	return dim, nil
}

func isFinite(p Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
