package calib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kwv/simfit/align"
)

// squareSet maps a unit square to a copy scaled by 2, rotated 90° and shifted by (10, 5).
func squareSet(id string) *CorrespondenceSet {
	return &CorrespondenceSet{
		ID:     id,
		Source: []align.Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}},
		Target: []align.Point{{10, 5}, {10, 7}, {8, 7}, {8, 5}},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeSet(t *testing.T, dir, name string, cs *CorrespondenceSet) string {
	t.Helper()
	data, err := EncodeCorrespondences(cs, false)
	require.NoError(t, err)
	return writeFile(t, dir, name, string(data))
}

func strPtr(s string) *string { return &s }
func floatPtr(f float64) *float64 { return &f }
