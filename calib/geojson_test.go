package calib

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/simfit/align"
)

func countRoles(fc *geojson.FeatureCollection) map[string]int {
	counts := make(map[string]int)
	for _, f := range fc.Features {
		counts[f.Properties.MustString("role")]++
	}
	return counts
}

func TestFitGeoJSON(t *testing.T) {
	cs := squareSet("square")
	fit := fittedSquare(t)

	fc, err := FitGeoJSON("square", cs, fit, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{RoleTarget: 4, RoleMapped: 4, RoleResidual: 4}, countRoles(fc))
	assert.Equal(t, "square", fc.ExtraMembers["setId"])

	for _, f := range fc.Features {
		if f.Properties.MustString("role") != RoleResidual {
			continue
		}
		ls, ok := f.Geometry.(orb.LineString)
		require.True(t, ok)
		assert.Len(t, ls, 2)
		assert.InDelta(t, 0, f.Properties.MustFloat64("length"), 1e-9)
	}

	withSource, err := FitGeoJSON("square", cs, fit, true)
	require.NoError(t, err)
	assert.Equal(t, 4, countRoles(withSource)[RoleSource])

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	decoded, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, decoded.Features, 12)
}

func TestFitGeoJSON_ResidualLength(t *testing.T) {
	cs := &CorrespondenceSet{
		Source: []align.Point{{0, 0}},
		Target: []align.Point{{3, 4}},
	}
	fc, err := FitGeoJSON("offset", cs, CachedFit{Transform: align.Identity(2)}, false)
	require.NoError(t, err)

	for _, f := range fc.Features {
		if f.Properties.MustString("role") == RoleResidual {
			assert.InDelta(t, 5, f.Properties.MustFloat64("length"), 1e-12)
		}
	}
}

func TestFitGeoJSON_NoData(t *testing.T) {
	fc, err := FitGeoJSON("pinned", nil, CachedFit{Transform: align.Identity(2), Manual: true}, false)
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
	assert.NotNil(t, fc.ExtraMembers["fit"])
}

func TestFitGeoJSON_RequiresTwoDimensions(t *testing.T) {
	_, err := FitGeoJSON("cube", nil, CachedFit{Transform: align.Identity(3)}, false)
	assert.ErrorIs(t, err, align.ErrDimensionMismatch)

	cube := &CorrespondenceSet{Source: []align.Point{{0, 0, 0}}, Target: []align.Point{{1, 1, 1}}}
	_, err = FitGeoJSON("cube", cube, CachedFit{Transform: align.Identity(2)}, false)
	assert.ErrorIs(t, err, align.ErrDimensionMismatch)
}

func TestFitBounds(t *testing.T) {
	b, err := FitBounds(squareSet(""), align.Identity(2))
	require.NoError(t, err)
	assert.Equal(t, orb.Point{0, 0}, b.Min)
	assert.Equal(t, orb.Point{10, 7}, b.Max)

	_, err = FitBounds(nil, align.Identity(2))
	assert.Error(t, err)
	_, err = FitBounds(squareSet(""), align.Identity(3))
	assert.Error(t, err)
}
