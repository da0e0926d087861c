package align

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type estimator struct {
	name string
	fn   func(source, target []Point) (Transform, error)
}

var allEstimators = []estimator{
	{"EstimateTranslation", EstimateTranslation},
	{"EstimateScaling", EstimateScaling},
	{"EstimateRotation", EstimateRotation},
	{"EstimateTranslationScaling", EstimateTranslationScaling},
	{"EstimateTranslationRotation", EstimateTranslationRotation},
	{"EstimateScalingRotation", EstimateScalingRotation},
	{"EstimateTranslationScalingRotation", EstimateTranslationScalingRotation},
	{"Estimate", Estimate},
}

func TestEstimateTranslation(t *testing.T) {
	source := []Point{{0, 0}, {1, 0}, {0, 1}}
	target := []Point{{5, 5}, {6, 5}, {5, 6}}

	tr, err := EstimateTranslation(source, target)
	require.NoError(t, err)

	requirePointsEqual(t, []Point{{5, 5}}, []Point{tr.Translation()})
	assert.Equal(t, 1.0, tr.Scale())
	assert.True(t, mat.EqualApprox(tr.Rotation(), identityMatrix(2), epsilon))

	got, err := tr.Apply(Point{0, 0})
	require.NoError(t, err)
	requirePointsEqual(t, []Point{{5, 5}}, []Point{got})
}

func TestEstimateTranslation_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, dim := range []int{1, 2, 3, 4} {
		source := randomPoints(rng, 8, dim)
		target := randomPoints(rng, 8, dim)

		tr, err := EstimateTranslation(source, target)
		require.NoError(t, err)
		inv, err := tr.Inverse()
		require.NoError(t, err)

		requirePointsEqual(t, source, applyAll(t, inv, applyAll(t, tr, source)))
	}
}

func TestEstimateTranslation_SinglePoint(t *testing.T) {
	tr, err := EstimateTranslation([]Point{{1, 2, 3}}, []Point{{4, 4, 4}})
	require.NoError(t, err)
	requirePointsEqual(t, []Point{{3, 2, 1}}, []Point{tr.Translation()})
}

func TestEstimateScaling(t *testing.T) {
	tr, err := EstimateScaling([]Point{{1, 0}, {-1, 0}}, []Point{{2, 0}, {-2, 0}})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, tr.Scale(), epsilon)
	requirePointsEqual(t, []Point{{0, 0}}, []Point{tr.Translation()})
	assert.True(t, mat.EqualApprox(tr.Rotation(), identityMatrix(2), epsilon))
}

func TestEstimateScaling_IgnoresTranslationAndRotation(t *testing.T) {
	// target is source scaled by 3, rotated and shifted; scale alone is still 3
	source := []Point{{0, 0}, {2, 0}, {2, 1}, {0, 1}}
	truth := mustTransform(t, Point{10, -4}, 3, RotationDeg(40))
	target := applyAll(t, truth, source)

	tr, err := EstimateScaling(source, target)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, tr.Scale(), epsilon)
}

func TestEstimateScaling_DegenerateSpread(t *testing.T) {
	tests := []struct {
		name   string
		source []Point
	}{
		{name: "repeated point", source: []Point{{1, 1}, {1, 1}}},
		{name: "repeated origin", source: []Point{{0, 0}, {0, 0}, {0, 0}}},
		{name: "inexact centroid", source: []Point{{0.1, 0.7}, {0.1, 0.7}, {0.1, 0.7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := make([]Point, len(tt.source))
			for i := range target {
				target[i] = Point{float64(i), float64(2 * i)}
			}
			for _, fn := range []func([]Point, []Point) (Transform, error){
				EstimateScaling, EstimateTranslationScaling, EstimateScalingRotation, Estimate,
			} {
				_, err := fn(tt.source, target)
				assert.ErrorIs(t, err, ErrDegenerateSpread)
			}
		})
	}
}

func TestEstimateRotation(t *testing.T) {
	source := []Point{{1, 0}, {0, 1}}
	target := []Point{{0, 1}, {-1, 0}}

	tr, err := EstimateRotation(source, target)
	require.NoError(t, err)

	requireProperRotation(t, tr.Rotation())
	assert.True(t, mat.EqualApprox(tr.Rotation(), RotationDeg(90), epsilon),
		"got\n%v", mat.Formatted(tr.Rotation()))
	assert.Equal(t, 1.0, tr.Scale())
	requirePointsEqual(t, []Point{{0, 0}}, []Point{tr.Translation()})

	angle, err := tr.Angle()
	require.NoError(t, err)
	assert.InDelta(t, 90, angle, 1e-6)
}

func TestEstimateRotation_AlwaysProper(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	for _, dim := range []int{1, 2, 3, 4, 6} {
		for trial := 0; trial < 5; trial++ {
			source := randomPoints(rng, 12, dim)
			target := randomPoints(rng, 12, dim)

			tr, err := EstimateRotation(source, target)
			require.NoError(t, err)
			requireProperRotation(t, tr.Rotation())
		}
	}
}

func TestEstimateRotation_ReflectionCorrected(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	source := randomPoints(rng, 15, 3)

	// mirror across the x=0 plane; the best fit would be a reflection
	target := make([]Point, len(source))
	for i, p := range source {
		target[i] = Point{-p[0], p[1], p[2]}
	}

	tr, err := EstimateRotation(source, target)
	require.NoError(t, err)
	requireProperRotation(t, tr.Rotation())

	// the 2D mirror is also corrected
	flat := []Point{{1, 0}, {0, 2}, {-1, -1}, {3, 1}}
	mirrored := make([]Point, len(flat))
	for i, p := range flat {
		mirrored[i] = Point{p[0], -p[1]}
	}
	tr2, err := EstimateRotation(flat, mirrored)
	require.NoError(t, err)
	requireProperRotation(t, tr2.Rotation())
}

func TestEstimateRotation_UnderDetermined(t *testing.T) {
	// one point gives a zero covariance; two points in 3D span a single direction
	tests := []struct {
		name           string
		source, target []Point
	}{
		{name: "single pair", source: []Point{{1, 2, 3}}, target: []Point{{4, 5, 6}}},
		{name: "two pairs in 3D", source: []Point{{0, 0, 0}, {1, 0, 0}}, target: []Point{{0, 0, 0}, {0, 1, 0}}},
		{name: "coincident source", source: []Point{{1, 1}, {1, 1}}, target: []Point{{0, 0}, {2, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := EstimateRotation(tt.source, tt.target)
			require.NoError(t, err)
			requireProperRotation(t, tr.Rotation())
		})
	}

	// the defined direction is still honored
	tr, err := EstimateTranslationRotation([]Point{{0, 0, 0}, {1, 0, 0}}, []Point{{0, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	got, err := tr.Apply(Point{1, 0, 0})
	require.NoError(t, err)
	requirePointsEqual(t, []Point{{0, 1, 0}}, []Point{got})
}

func TestEstimateTranslationScalingRotation_Recovers(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	tests := []struct {
		name  string
		truth func(t *testing.T) Transform
		dim   int
	}{
		{
			name:  "2D",
			truth: func(t *testing.T) Transform { return mustTransform(t, Point{5, -3}, 1.7, RotationDeg(123)) },
			dim:   2,
		},
		{
			name: "3D",
			truth: func(t *testing.T) Transform {
				return mustTransform(t, Point{1, -2, 3}, 2.5, rotation3D([3]float64{1, 1, 0.2}, 2.1))
			},
			dim: 3,
		},
		{
			name:  "3D shrink",
			truth: func(t *testing.T) Transform { return mustTransform(t, Point{0, 0, 100}, 0.01, rotation3D([3]float64{0, 1, 0}, -0.3)) },
			dim:   3,
		},
		{
			name:  "1D",
			truth: func(t *testing.T) Transform { return mustTransform(t, Point{7}, 4, nil) },
			dim:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			truth := tt.truth(t)
			source := randomPoints(rng, 25, tt.dim)
			target := applyAll(t, truth, source)

			got, err := EstimateTranslationScalingRotation(source, target)
			require.NoError(t, err)
			assert.True(t, got.ApproxEqual(truth, 1e-8), "got %v\nwant %v", got, truth)
			requireProperRotation(t, got.Rotation())

			stats, err := Evaluate(got, source, target)
			require.NoError(t, err)
			assert.Less(t, stats.RMS, 1e-8)
		})
	}
}

func TestCompositeEstimators(t *testing.T) {
	source := []Point{{0, 0}, {4, 0}, {4, 2}, {0, 2}}

	t.Run("translation and scaling", func(t *testing.T) {
		truth := mustTransform(t, Point{3, 3}, 2, nil)
		tr, err := EstimateTranslationScaling(source, applyAll(t, truth, source))
		require.NoError(t, err)
		assert.True(t, tr.ApproxEqual(truth, epsilon), "got %v", tr)
	})

	t.Run("translation and scaling reduces to centroid shift at unit scale", func(t *testing.T) {
		target := []Point{{1, 1}, {5, 1}, {5, 3}, {1, 3}}
		tr, err := EstimateTranslationScaling(source, target)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, tr.Scale(), epsilon)
		requirePointsEqual(t, []Point{{1, 1}}, []Point{tr.Translation()})
	})

	t.Run("translation and rotation", func(t *testing.T) {
		truth := mustTransform(t, Point{-1, 8}, 1, RotationDeg(-60))
		tr, err := EstimateTranslationRotation(source, applyAll(t, truth, source))
		require.NoError(t, err)
		assert.True(t, tr.ApproxEqual(truth, epsilon), "got %v", tr)
	})

	t.Run("scaling and rotation about centroids", func(t *testing.T) {
		// centered source so the fit needs no translation
		centered := center(source, Centroid(source))
		truth := mustTransform(t, Point{0, 0}, 0.5, RotationDeg(150))
		tr, err := EstimateScalingRotation(centered, applyAll(t, truth, centered))
		require.NoError(t, err)
		assert.True(t, tr.ApproxEqual(truth, epsilon), "got %v", tr)
	})

	t.Run("scaling and rotation leave translation at zero", func(t *testing.T) {
		truth := mustTransform(t, Point{20, 20}, 3, RotationDeg(90))
		tr, err := EstimateScalingRotation(source, applyAll(t, truth, source))
		require.NoError(t, err)
		assert.InDelta(t, 3.0, tr.Scale(), epsilon)
		assert.True(t, mat.EqualApprox(tr.Rotation(), RotationDeg(90), epsilon))
		requirePointsEqual(t, []Point{{0, 0}}, []Point{tr.Translation()})
	})

	t.Run("centroid maps exactly", func(t *testing.T) {
		rng := rand.New(rand.NewSource(9))
		src := randomPoints(rng, 10, 3)
		tgt := randomPoints(rng, 10, 3)
		tr, err := Estimate(src, tgt)
		require.NoError(t, err)
		got, err := tr.Apply(Centroid(src))
		require.NoError(t, err)
		requirePointsEqual(t, []Point{Centroid(tgt)}, []Point{got})
	})
}

func TestEstimators_LengthMismatch(t *testing.T) {
	source := []Point{{0, 0}, {1, 0}, {0, 1}}
	target := []Point{{0, 0}, {1, 0}}
	for _, e := range allEstimators {
		t.Run(e.name, func(t *testing.T) {
			_, err := e.fn(source, target)
			assert.ErrorIs(t, err, ErrLengthMismatch)
		})
	}
}

func TestEstimators_InsufficientPoints(t *testing.T) {
	for _, e := range allEstimators {
		t.Run(e.name+"/empty", func(t *testing.T) {
			_, err := e.fn(nil, nil)
			assert.ErrorIs(t, err, ErrInsufficientPoints)
		})
	}

	single := []Point{{1, 2}}
	for _, fn := range []func([]Point, []Point) (Transform, error){
		EstimateScaling, EstimateTranslationScaling, EstimateScalingRotation, EstimateTranslationScalingRotation,
	} {
		_, err := fn(single, single)
		assert.ErrorIs(t, err, ErrInsufficientPoints)
	}
}

func TestEstimators_DimensionMismatch(t *testing.T) {
	tests := []struct {
		name           string
		source, target []Point
	}{
		{name: "target differs", source: []Point{{0, 0}, {1, 1}}, target: []Point{{0, 0}, {1, 1, 1}}},
		{name: "source differs", source: []Point{{0, 0}, {1}}, target: []Point{{0, 0}, {1, 1}}},
		{name: "zero-dimensional", source: []Point{{}, {}}, target: []Point{{}, {}}},
	}
	for _, tt := range tests {
		for _, e := range allEstimators {
			t.Run(tt.name+"/"+e.name, func(t *testing.T) {
				_, err := e.fn(tt.source, tt.target)
				assert.ErrorIs(t, err, ErrDimensionMismatch)
			})
		}
	}
}

func TestEstimators_NonFinite(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	tests := []struct {
		name           string
		source, target []Point
	}{
		{name: "NaN source", source: []Point{{0, 0}, {1, nan}}, target: []Point{{0, 0}, {1, 1}}},
		{name: "Inf source", source: []Point{{0, 0}, {inf, 1}}, target: []Point{{0, 0}, {1, 1}}},
		{name: "NaN target", source: []Point{{0, 0}, {1, 1}}, target: []Point{{nan, 0}, {1, 1}}},
		{name: "-Inf target", source: []Point{{0, 0}, {1, 1}}, target: []Point{{0, 0}, {1, -inf}}},
	}
	for _, tt := range tests {
		for _, e := range allEstimators {
			t.Run(tt.name+"/"+e.name, func(t *testing.T) {
				tr, err := e.fn(tt.source, tt.target)
				assert.ErrorIs(t, err, ErrNonFinite)
				assert.Zero(t, tr.Dim())
			})
		}
	}
}

func TestEstimateScaling_NearbyLargeCoordinates(t *testing.T) {
	// Two points 10µm apart at UTM-sized coordinates are distinct, not degenerate.
	source := []Point{{4e6, 5e6}, {4e6 + 1e-5, 5e6}}
	target := []Point{{0, 0}, {2e-5, 0}}

	tr, err := EstimateScaling(source, target)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, tr.Scale(), 1e-3)

	_, err = EstimateScaling([]Point{{4e6 + 0.1, 5e6}, {4e6 + 0.1, 5e6}, {4e6 + 0.1, 5e6}}, []Point{{0, 0}, {1, 0}, {2, 0}})
	assert.ErrorIs(t, err, ErrDegenerateSpread)
}

func TestEstimateScaling_CoincidentTargets(t *testing.T) {
	tr, err := EstimateScaling([]Point{{0, 0}, {1, 0}, {0, 1}}, []Point{{3, 3}, {3, 3}, {3, 3}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, tr.Scale())

	_, err = tr.Inverse()
	assert.ErrorIs(t, err, ErrDegenerateInverse)
}

func TestEstimators_DoNotMutateInput(t *testing.T) {
	source := []Point{{0, 0}, {2, 0}, {0, 3}}
	target := []Point{{1, 1}, {1, 5}, {-5, 1}}
	srcCopy := []Point{source[0].Clone(), source[1].Clone(), source[2].Clone()}
	tgtCopy := []Point{target[0].Clone(), target[1].Clone(), target[2].Clone()}

	for _, e := range allEstimators {
		_, err := e.fn(source, target)
		require.NoError(t, err, e.name)
	}
	assert.Equal(t, srcCopy, source)
	assert.Equal(t, tgtCopy, target)
}

func TestEstimators_Concurrent(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	source := randomPoints(rng, 30, 3)
	truth := mustTransform(t, Point{1, 2, 3}, 1.25, rotation3D([3]float64{0.3, -1, 0.5}, 1.1))
	target := applyAll(t, truth, source)

	var wg sync.WaitGroup
	results := make([]Transform, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Estimate(source, target)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].ApproxEqual(truth, 1e-8))
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		in      string
		want    Params
		wantErr bool
	}{
		{in: "", want: ParamsAll},
		{in: "tsr", want: ParamsAll},
		{in: "RST", want: ParamsAll},
		{in: "t", want: ParamTranslation},
		{in: "s", want: ParamScaling},
		{in: "r", want: ParamRotation},
		{in: "ts", want: ParamTranslation | ParamScaling},
		{in: " rt ", want: ParamTranslation | ParamRotation},
		{in: "sr", want: ParamScaling | ParamRotation},
		{in: "tx", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseParams(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "tsr", ParamsAll.String())
	assert.Equal(t, "sr", (ParamScaling | ParamRotation).String())
}

func TestEstimateWith(t *testing.T) {
	source := []Point{{0, 0}, {1, 0}, {0, 1}}
	truth := mustTransform(t, Point{2, 2}, 2, RotationDeg(90))
	target := applyAll(t, truth, source)

	direct := map[Params]func([]Point, []Point) (Transform, error){
		ParamTranslation:                 EstimateTranslation,
		ParamScaling:                     EstimateScaling,
		ParamRotation:                    EstimateRotation,
		ParamTranslation | ParamScaling:  EstimateTranslationScaling,
		ParamTranslation | ParamRotation: EstimateTranslationRotation,
		ParamScaling | ParamRotation:     EstimateScalingRotation,
		ParamsAll:                        EstimateTranslationScalingRotation,
	}
	for params, fn := range direct {
		t.Run(params.String(), func(t *testing.T) {
			got, err := EstimateWith(params, source, target)
			require.NoError(t, err)
			want, err := fn(source, target)
			require.NoError(t, err)
			assert.True(t, got.ApproxEqual(want, epsilon))
		})
	}

	_, err := EstimateWith(0, source, target)
	assert.ErrorIs(t, err, ErrNoParams)
}

func TestEvaluate(t *testing.T) {
	source := []Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}}
	target := []Point{{0, 0}, {1, 0}, {0, 1}, {1, 4}}

	res, err := Residuals(Identity(2), source, target)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 3}, res)

	stats, err := Evaluate(Identity(2), source, target)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.N)
	assert.InDelta(t, 3.0, stats.Max, epsilon)
	assert.InDelta(t, 0.75, stats.Mean, epsilon)
	assert.InDelta(t, 1.5, stats.RMS, epsilon)

	_, err = Evaluate(Identity(3), source, target)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = Evaluate(Identity(2), source, target[:2])
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDistanceAndCentroid(t *testing.T) {
	d, err := Distance(Point{0, 0}, Point{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, epsilon)

	_, err = Distance(Point{0}, Point{1, 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	assert.Nil(t, Centroid(nil))
	requirePointsEqual(t, []Point{{1, 2}}, []Point{Centroid([]Point{{0, 0}, {2, 4}})})
	assert.False(t, math.IsNaN(Centroid([]Point{{1e300, 0}})[0]))
}
