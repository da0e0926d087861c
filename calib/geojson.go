package calib

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/kwv/simfit/align"
)

// Feature roles written to the "role" property
const (
	RoleSource   = "source"
	RoleTarget   = "target"
	RoleMapped   = "mapped"
	RoleResidual = "residual"
)

func toOrb(p align.Point) orb.Point {
	return orb.Point{p[0], p[1]}
}

// FitGeoJSON exports a 2D fit as a FeatureCollection in target coordinates:
// each pair contributes its target point, the mapped source point and the
// residual segment between them. Raw source points are included when
// includeSource is set; they live in the source frame.
func FitGeoJSON(setID string, cs *CorrespondenceSet, fit CachedFit, includeSource bool) (*geojson.FeatureCollection, error) {
	t := fit.Transform
	if t.Dim() != 2 {
		return nil, fmt.Errorf("geojson export: %w", &align.DimensionMismatchError{Expected: 2, Actual: t.Dim()})
	}

	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"setId": setID,
		"fit":   NewFitReport(setID, fit),
	}

	if cs == nil {
		return fc, nil
	}
	if cs.Dim() != 2 {
		return nil, fmt.Errorf("geojson export: %w", &align.DimensionMismatchError{Expected: 2, Actual: cs.Dim()})
	}

	mapped, err := t.ApplyAll(cs.Source)
	if err != nil {
		return nil, fmt.Errorf("geojson export: %w", err)
	}

	for i := range cs.Source {
		target := toOrb(cs.Target[i])
		m := toOrb(mapped[i])

		if includeSource {
			fc.Append(pairFeature(toOrb(cs.Source[i]), RoleSource, i))
		}
		fc.Append(pairFeature(target, RoleTarget, i))
		fc.Append(pairFeature(m, RoleMapped, i))

		residual := pairFeature(orb.LineString{m, target}, RoleResidual, i)
		residual.Properties["length"] = planar.Distance(m, target)
		fc.Append(residual)
	}

	return fc, nil
}

func pairFeature(g orb.Geometry, role string, index int) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.ID = fmt.Sprintf("%s-%d", role, index)
	f.Properties["role"] = role
	f.Properties["pair"] = index
	return f
}

// FitBounds returns the 2D bounding box of the target points and the mapped
// source points.
func FitBounds(cs *CorrespondenceSet, t align.Transform) (orb.Bound, error) {
	if cs == nil || cs.Len() == 0 {
		return orb.Bound{}, fmt.Errorf("no correspondences")
	}
	if cs.Dim() != 2 || t.Dim() != 2 {
		return orb.Bound{}, &align.DimensionMismatchError{Expected: 2, Actual: cs.Dim()}
	}

	mapped, err := t.ApplyAll(cs.Source)
	if err != nil {
		return orb.Bound{}, err
	}

	points := make(orb.MultiPoint, 0, 2*cs.Len())
	for i := range mapped {
		points = append(points, toOrb(mapped[i]), toOrb(cs.Target[i]))
	}
	return points.Bound(), nil
}
