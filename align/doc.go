// Package align fits similarity transforms between corresponding point sets
// in closed form.
//
// Given source[i] ↔ target[i], the estimators return the Transform
// (translation, uniform scale, proper rotation, or any combination) that
// minimizes Σ‖T(source[i]) − target[i]‖². Rotation is solved with the
// orthogonal Procrustes method on the SVD of the cross-covariance matrix,
// with reflections corrected so the result always has determinant +1.
//
// Scale and rotation are always computed on centered coordinates; the
// translation is derived last so that the source centroid maps exactly onto
// the target centroid.
//
// Every function is pure and safe for concurrent use.
package align
