package calib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kwv/simfit/align"
)

// DefaultFitCachePath is the default path for the computed fit cache
const DefaultFitCachePath = ".fit-cache.json"

// CachedFit is one set's fitted transform plus the data it was fitted from.
type CachedFit struct {
	Transform   align.Transform `json:"transform"`
	Stats       align.FitStats  `json:"stats"`
	Mode        string          `json:"mode"`
	Fingerprint uint64          `json:"fingerprint,omitempty"`
	LastUpdated int64           `json:"lastUpdated"`
	Manual      bool            `json:"manual,omitempty"`
}

// FitCache stores fitted transforms keyed by set ID.
type FitCache struct {
	RunID       string               `json:"runId,omitempty"`
	Sets        map[string]CachedFit `json:"sets"`
	LastUpdated int64                `json:"lastUpdated"`
}

// NewFitCache returns an empty cache
func NewFitCache() *FitCache {
	return &FitCache{Sets: make(map[string]CachedFit)}
}

// LoadFitCache loads the fit cache from a JSON file.
// A missing file is not an error: it returns nil, nil.
func LoadFitCache(path string) (*FitCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading fit cache: %w", err)
	}

	var cache FitCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing fit cache: %w", err)
	}
	if cache.Sets == nil {
		cache.Sets = make(map[string]CachedFit)
	}

	return &cache, nil
}

// SaveFitCache writes the fit cache to a JSON file, creating its directory.
func SaveFitCache(path string, cache *FitCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating fit cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fit cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing fit cache: %w", err)
	}

	return nil
}

// Get returns the cached fit for a set
func (c *FitCache) Get(setID string) (CachedFit, bool) {
	if c == nil || c.Sets == nil {
		return CachedFit{}, false
	}
	fit, ok := c.Sets[setID]
	return fit, ok
}

// GetTransform returns the cached transform for a set.
// Returns the identity of the given dimension if the set has no fit.
func (c *FitCache) GetTransform(setID string, dim int) align.Transform {
	if fit, ok := c.Get(setID); ok && fit.Transform.Dim() == dim {
		return fit.Transform
	}
	return align.Identity(dim)
}

// TransformPoint maps a point from a set's source frame into its target frame
func (c *FitCache) TransformPoint(setID string, p align.Point) (align.Point, error) {
	return c.GetTransform(setID, p.Dim()).Apply(p)
}

// Update stores a fit, stamping it with the current time if unset
func (c *FitCache) Update(setID string, fit CachedFit) {
	if c.Sets == nil {
		c.Sets = make(map[string]CachedFit)
	}
	if fit.LastUpdated == 0 {
		fit.LastUpdated = time.Now().Unix()
	}
	c.Sets[setID] = fit
}

// NeedsRefit reports whether a set must be fitted again: it has no cached fit,
// its data changed, or the fit is older than maxAge (0 disables the age check).
// Manual fits never need refitting.
func (c *FitCache) NeedsRefit(setID string, fingerprint uint64, maxAge time.Duration) bool {
	fit, ok := c.Get(setID)
	if !ok {
		return true
	}
	if fit.Manual {
		return false
	}
	if fit.Fingerprint != fingerprint {
		return true
	}
	if maxAge > 0 && time.Since(time.Unix(fit.LastUpdated, 0)) > maxAge {
		return true
	}
	return false
}

// FitStatus provides status information about the cache
type FitStatus struct {
	RunID       string            `json:"runId,omitempty"`
	FittedSets  []string          `json:"fittedSets"`
	MissingSets []string          `json:"missingSets"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// GetStatus returns which of the expected sets have fits
func (c *FitCache) GetStatus(expectedSets []string) FitStatus {
	status := FitStatus{
		Errors: make(map[string]string),
	}

	if c == nil {
		status.MissingSets = expectedSets
		return status
	}

	status.RunID = c.RunID
	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	for id := range c.Sets {
		status.FittedSets = append(status.FittedSets, id)
	}
	sort.Strings(status.FittedSets)

	for _, id := range expectedSets {
		if _, ok := c.Sets[id]; !ok {
			status.MissingSets = append(status.MissingSets, id)
		}
	}

	return status
}

// NeedsRecalibration checks if the whole cache should be refreshed
func (c *FitCache) NeedsRecalibration(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}

// Clone returns a copy whose set map can be modified independently
func (c *FitCache) Clone() *FitCache {
	if c == nil {
		return NewFitCache()
	}
	out := &FitCache{
		RunID:       c.RunID,
		Sets:        make(map[string]CachedFit, len(c.Sets)),
		LastUpdated: c.LastUpdated,
	}
	for id, fit := range c.Sets {
		out.Sets[id] = fit
	}
	return out
}
