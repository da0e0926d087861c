package align

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const epsilon = 1e-9

// approx compares floats and float slices within epsilon.
var approx = cmpopts.EquateApprox(0, epsilon)

// requirePointsEqual fails the test if the point sets differ beyond epsilon.
func requirePointsEqual(t *testing.T, want, got []Point) {
	t.Helper()
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}
}

// requireProperRotation fails the test unless r is orthonormal with determinant +1.
func requireProperRotation(t *testing.T, r *mat.Dense) {
	t.Helper()
	d, c := r.Dims()
	require.Equal(t, d, c, "rotation must be square")

	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	require.True(t, mat.EqualApprox(&rtr, identityMatrix(d), epsilon), "RᵀR != I:\n%v", mat.Formatted(&rtr))
	require.InDelta(t, 1.0, mat.Det(r), epsilon, "det(R) must be +1")
}

// randomPoints returns n reproducible points in [-10, 10)^dim.
func randomPoints(rng *rand.Rand, n, dim int) []Point {
	pts := make([]Point, n)
	for i := range pts {
		p := make(Point, dim)
		for k := range p {
			p[k] = rng.Float64()*20 - 10
		}
		pts[i] = p
	}
	return pts
}

// rotation3D builds the rotation about a unit axis by angle (radians) using
// Rodrigues' formula.
func rotation3D(axis [3]float64, angle float64) *mat.Dense {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	x, y, z := axis[0]/n, axis[1]/n, axis[2]/n
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + x*x*v, x*y*v - z*s, x*z*v + y*s,
		y*x*v + z*s, c + y*y*v, y*z*v - x*s,
		z*x*v - y*s, z*y*v + x*s, c + z*z*v,
	})
}

// mustTransform wraps NewTransform for test fixtures.
func mustTransform(t *testing.T, translation Point, scale float64, rotation mat.Matrix) Transform {
	t.Helper()
	tr, err := NewTransform(translation, scale, rotation)
	require.NoError(t, err)
	return tr
}

// applyAll maps points through tr, failing the test on error.
func applyAll(t *testing.T, tr Transform, points []Point) []Point {
	t.Helper()
	out, err := tr.ApplyAll(points)
	require.NoError(t, err)
	return out
}
