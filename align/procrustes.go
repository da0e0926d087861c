package align

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrDecomposition is returned when the singular value decomposition of the
// cross-covariance matrix fails to converge.
var ErrDecomposition = errors.New("singular value decomposition failed")

// crossCovariance returns M = Σ q_i · p_iᵀ for centered source p and target q.
// Rows index target coordinates, columns index source coordinates.
func crossCovariance(source, target []Point, dim int) *mat.Dense {
	m := mat.NewDense(dim, dim, nil)
	for n := range source {
		p, q := source[n], target[n]
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				m.Set(i, j, m.At(i, j)+q[i]*p[j])
			}
		}
	}
	return m
}

// optimalRotation solves the orthogonal Procrustes problem for centered point
// sets: the proper rotation R minimizing Σ‖R·p_i − q_i‖².
//
// With M = U·Σ·Vᵀ the optimum is R = U·Vᵀ. When that product is a reflection
// the column of U paired with the smallest singular value is negated, which
// yields the best proper rotation. Singular values come back in descending
// order, so that column is the last one.
//
// When the centered source spans fewer than D-1 directions the result is a
// valid rotation but not the only optimal one.
func optimalRotation(source, target []Point, dim int) (*mat.Dense, error) {
	m := crossCovariance(source, target, dim)

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, ErrDecomposition
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())

	if mat.Det(&r) < 0 {
		last := dim - 1
		for i := 0; i < dim; i++ {
			u.Set(i, last, -u.At(i, last))
		}
		r.Mul(&u, v.T())
	}

	return &r, nil
}
