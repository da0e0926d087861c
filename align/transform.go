package align

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// orthonormalTolerance bounds how far RᵀR may drift from the identity before
// NewTransform rejects a rotation.
const orthonormalTolerance = 1e-6

// Transform is an immutable similarity transform mapping p to
// scale · rotation · p + translation.
//
// The zero value has dimension 0 and rejects every point. Transforms are
// created by the estimators, by Identity and NewTransform, or by Inverse and
// Compose on existing transforms. Every accessor returns a copy, so a
// Transform can be shared between goroutines without synchronization.
type Transform struct {
	translation Point
	scale       float64
	rotation    *mat.Dense
}

// Identity returns the transform of the given dimension that maps every point
// to itself. A non-positive dimension yields the zero Transform.
func Identity(dim int) Transform {
	if dim < 1 {
		return Transform{}
	}
	return Transform{
		translation: make(Point, dim),
		scale:       1,
		rotation:    identityMatrix(dim),
	}
}

// NewTransform builds a transform from explicit parameters. A nil rotation
// means identity. The rotation must be square, match the translation's
// dimension and be a proper orthonormal matrix; scale must be positive and
// finite. The inputs are copied.
func NewTransform(translation Point, scale float64, rotation mat.Matrix) (Transform, error) {
	dim := len(translation)
	if dim == 0 {
		return Transform{}, fmt.Errorf("%w: translation must have at least one coordinate", ErrInvalidTransform)
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		return Transform{}, fmt.Errorf("%w: scale must be positive and finite, got %v", ErrInvalidTransform, scale)
	}
	for _, v := range translation {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, fmt.Errorf("%w: translation must be finite", ErrInvalidTransform)
		}
	}

	var r *mat.Dense
	if rotation == nil {
		r = identityMatrix(dim)
	} else {
		rows, cols := rotation.Dims()
		if rows != cols {
			return Transform{}, fmt.Errorf("%w: rotation is %dx%d, not square", ErrInvalidTransform, rows, cols)
		}
		if rows != dim {
			return Transform{}, &DimensionMismatchError{Expected: dim, Actual: rows}
		}
		r = mat.DenseCopyOf(rotation)
		if !isProperRotation(r) {
			return Transform{}, fmt.Errorf("%w: rotation is not a proper orthonormal matrix", ErrInvalidTransform)
		}
	}

	return Transform{
		translation: translation.Clone(),
		scale:       scale,
		rotation:    r,
	}, nil
}

// Dim returns the dimension of the points the transform accepts.
func (t Transform) Dim() int {
	return len(t.translation)
}

// Scale returns the uniform scale factor.
func (t Transform) Scale() float64 {
	return t.scale
}

// Translation returns a copy of the translation vector.
func (t Transform) Translation() Point {
	return t.translation.Clone()
}

// Rotation returns a copy of the rotation matrix, or nil for the zero Transform.
func (t Transform) Rotation() *mat.Dense {
	if t.rotation == nil {
		return nil
	}
	return mat.DenseCopyOf(t.rotation)
}

// Matrix returns the (D+1)×(D+1) homogeneous matrix of the transform.
func (t Transform) Matrix() *mat.Dense {
	d := t.Dim()
	if d == 0 {
		return nil
	}
	m := mat.NewDense(d+1, d+1, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			m.Set(i, j, t.scale*t.rotation.At(i, j))
		}
		m.Set(i, d, t.translation[i])
	}
	m.Set(d, d, 1)
	return m
}

// Apply maps p to scale · rotation · p + translation.
func (t Transform) Apply(p Point) (Point, error) {
	d := t.Dim()
	if len(p) != d {
		return nil, &DimensionMismatchError{Expected: d, Actual: len(p)}
	}
	if d == 0 {
		return nil, fmt.Errorf("%w: zero transform", ErrInvalidTransform)
	}

	var rp mat.VecDense
	rp.MulVec(t.rotation, mat.NewVecDense(d, p))

	out := make(Point, d)
	for i := range out {
		out[i] = t.scale*rp.AtVec(i) + t.translation[i]
	}
	return out, nil
}

// ApplyAll maps every point. It fails on the first point of the wrong dimension.
func (t Transform) ApplyAll(points []Point) ([]Point, error) {
	out := make([]Point, len(points))
	for i, p := range points {
		q, err := t.Apply(p)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		out[i] = q
	}
	return out, nil
}

// Inverse returns the transform that undoes t:
// scale' = 1/scale, rotation' = rotationᵀ, translation' = -rotationᵀ·translation/scale.
func (t Transform) Inverse() (Transform, error) {
	d := t.Dim()
	if d == 0 {
		return Transform{}, fmt.Errorf("%w: zero transform", ErrInvalidTransform)
	}
	if t.scale == 0 {
		return Transform{}, ErrDegenerateInverse
	}

	rt := mat.DenseCopyOf(t.rotation.T())

	var back mat.VecDense
	back.MulVec(rt, mat.NewVecDense(d, t.translation))

	translation := make(Point, d)
	for i := range translation {
		translation[i] = -back.AtVec(i) / t.scale
	}

	return Transform{
		translation: translation,
		scale:       1 / t.scale,
		rotation:    rt,
	}, nil
}

// Compose returns the transform equivalent to applying other first, then t.
func (t Transform) Compose(other Transform) (Transform, error) {
	d := t.Dim()
	if other.Dim() != d {
		return Transform{}, &DimensionMismatchError{Expected: d, Actual: other.Dim()}
	}
	if d == 0 {
		return Transform{}, fmt.Errorf("%w: zero transform", ErrInvalidTransform)
	}

	var r mat.Dense
	r.Mul(t.rotation, other.rotation)

	// t.Apply(other.translation) folds the inner translation through the outer transform.
	translation, err := t.Apply(other.translation)
	if err != nil {
		return Transform{}, err
	}

	return Transform{
		translation: translation,
		scale:       t.scale * other.scale,
		rotation:    &r,
	}, nil
}

// ApproxEqual reports whether both transforms have the same dimension and
// every parameter agrees within tol.
func (t Transform) ApproxEqual(other Transform, tol float64) bool {
	if t.Dim() != other.Dim() {
		return false
	}
	if t.Dim() == 0 {
		return true
	}
	if math.Abs(t.scale-other.scale) > tol {
		return false
	}
	for i := range t.translation {
		if math.Abs(t.translation[i]-other.translation[i]) > tol {
			return false
		}
	}
	return mat.EqualApprox(t.rotation, other.rotation, tol)
}

// Angle returns the rotation angle of a 2D transform in degrees, normalized to [0, 360).
func (t Transform) Angle() (float64, error) {
	if t.Dim() != 2 {
		return 0, &DimensionMismatchError{Expected: 2, Actual: t.Dim()}
	}
	return NormalizeAngle(math.Atan2(t.rotation.At(1, 0), t.rotation.At(0, 0)) * 180 / math.Pi), nil
}

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

// RotationDeg returns the 2D counter-clockwise rotation matrix for an angle in degrees.
func RotationDeg(degrees float64) *mat.Dense {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	return mat.NewDense(2, 2, []float64{cos, -sin, sin, cos})
}

func (t Transform) String() string {
	d := t.Dim()
	if d == 0 {
		return "Transform{}"
	}
	rows := make([]string, d)
	for i := 0; i < d; i++ {
		rows[i] = fmt.Sprintf("%.6g", mat.Row(nil, i, t.rotation))
	}
	return fmt.Sprintf("Transform{scale=%.6g rotation=[%s] translation=%.6g}",
		t.scale, strings.Join(rows, " "), []float64(t.translation))
}

type transformJSON struct {
	Translation []float64   `json:"translation"`
	Scale       float64     `json:"scale"`
	Rotation    [][]float64 `json:"rotation"`
}

// MarshalJSON encodes the transform as {"translation", "scale", "rotation"}.
func (t Transform) MarshalJSON() ([]byte, error) {
	d := t.Dim()
	if d == 0 {
		return nil, fmt.Errorf("%w: cannot marshal zero transform", ErrInvalidTransform)
	}
	rows := make([][]float64, d)
	for i := range rows {
		rows[i] = mat.Row(nil, i, t.rotation)
	}
	return json.Marshal(transformJSON{
		Translation: t.translation,
		Scale:       t.scale,
		Rotation:    rows,
	})
}

// UnmarshalJSON decodes and revalidates a transform written by MarshalJSON.
func (t *Transform) UnmarshalJSON(data []byte) error {
	var raw transformJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var rotation mat.Matrix
	if len(raw.Rotation) > 0 {
		d := len(raw.Rotation)
		flat := make([]float64, 0, d*d)
		for i, row := range raw.Rotation {
			if len(row) != d {
				return fmt.Errorf("%w: rotation row %d has %d entries, want %d", ErrInvalidTransform, i, len(row), d)
			}
			flat = append(flat, row...)
		}
		rotation = mat.NewDense(d, d, flat)
	}

	parsed, err := NewTransform(raw.Translation, raw.Scale, rotation)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func identityMatrix(dim int) *mat.Dense {
	m := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// isProperRotation reports whether rᵀr ≈ I and det(r) > 0.
func isProperRotation(r *mat.Dense) bool {
	d, _ := r.Dims()
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, identityMatrix(d), orthonormalTolerance) {
		return false
	}
	return mat.Det(r) > 0
}
