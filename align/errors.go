package align

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is matched by every dimensionality error, including
	// *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrLengthMismatch is returned when source and target hold a different
	// number of points.
	ErrLengthMismatch = errors.New("source and target lengths differ")

	// ErrInsufficientPoints is returned when fewer points are supplied than an
	// estimator needs.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrDegenerateSpread is returned when all source points coincide and a
	// scale cannot be estimated.
	ErrDegenerateSpread = errors.New("source points have zero spread")

	// ErrDegenerateInverse is returned when inverting a transform with zero scale.
	ErrDegenerateInverse = errors.New("transform with zero scale has no inverse")

	// ErrInvalidTransform is returned by NewTransform for parameters that do not
	// describe a similarity transform.
	ErrInvalidTransform = errors.New("invalid transform")

	// ErrNonFinite is returned when a coordinate is NaN or infinite, or when
	// finite input still produces a non-finite scale.
	ErrNonFinite = errors.New("non-finite coordinate")

	// ErrNoParams is returned by EstimateWith when no parameter is requested.
	ErrNoParams = errors.New("no parameters to estimate")
)

// DimensionMismatchError reports a point whose dimensionality differs from
// the one established by the rest of the call.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
