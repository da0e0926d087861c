package calib

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/kwv/simfit/align"
)

// DefaultColor is used for sets without a configured color
const DefaultColor = "#FF0000"

// FitHandler is notified after a set receives a new fit
type FitHandler func(setID string, fit CachedFit)

// Registry holds the live fits and the latest correspondences for every set.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	config    *Config
	cache     *FitCache
	cachePath string // empty disables persistence
	data      map[string]*CorrespondenceSet
	lastErr   map[string]string
	onFit     FitHandler
	fetch     []FetchOption
	baseDir   string
}

// NewRegistry creates a registry seeded from cache, which may be nil.
func NewRegistry(config *Config, cache *FitCache, cachePath string) *Registry {
	if cache == nil {
		cache = NewFitCache()
	}
	return &Registry{
		config:    config,
		cache:     cache,
		cachePath: cachePath,
		data:      make(map[string]*CorrespondenceSet),
		lastErr:   make(map[string]string),
	}
}

// SetFitHandler registers a callback run after every new fit
func (r *Registry) SetFitHandler(handler FitHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFit = handler
}

// SetFetchOptions configures how URL-backed sets are downloaded
func (r *Registry) SetFetchOptions(opts ...FetchOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetch = opts
}

// SetBaseDir sets the directory relative data paths are resolved against
func (r *Registry) SetBaseDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseDir = dir
}

// Config returns the registry's configuration
func (r *Registry) Config() *Config {
	return r.config
}

// Fit returns a set's current fit
func (r *Registry) Fit(setID string) (CachedFit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache.Get(setID)
}

// Fits returns a copy of every current fit
func (r *Registry) Fits() map[string]CachedFit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache.Clone().Sets
}

// FittedIDs returns the IDs of sets with a fit, sorted
func (r *Registry) FittedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cache.Sets))
	for id := range r.cache.Sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Correspondences returns the latest correspondence data seen for a set
func (r *Registry) Correspondences(setID string) (*CorrespondenceSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.data[setID]
	return cs, ok
}

// Color returns a set's display color
func (r *Registry) Color(setID string) string {
	if sc := r.config.GetSetByID(setID); sc != nil && sc.Color != "" {
		return sc.Color
	}
	return DefaultColor
}

// Status reports fitted, missing and failing sets
func (r *Registry) Status() FitStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := r.cache.GetStatus(r.config.SetIDs())
	for id, msg := range r.lastErr {
		status.Errors[id] = msg
	}
	return status
}

// UpdateSet fits fresh correspondences for a set, typically from MQTT.
// Unchanged data keeps the existing fit and returns false.
func (r *Registry) UpdateSet(setID string, cs *CorrespondenceSet) (bool, error) {
	sc := r.config.GetSetByID(setID)
	if sc == nil {
		return false, fmt.Errorf("unknown set %q", setID)
	}
	if sc.HasOverride() {
		log.Printf("[CALIB] %s: pinned by override, ignoring new correspondences", setID)
		return false, nil
	}

	params, err := sc.Params()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", setID, err)
	}

	fp := cs.Fingerprint()
	r.mu.Lock()
	r.data[setID] = cs
	cached, ok := r.cache.Get(setID)
	r.mu.Unlock()

	if ok && cached.Fingerprint == fp && cached.Mode == params.String() {
		log.Printf("[CALIB] %s: correspondences unchanged, keeping fit", setID)
		return false, nil
	}

	fit, err := FitSet(cs, params, r.config.Tolerance)
	if err != nil {
		r.recordError(setID, fp, err)
		return false, fmt.Errorf("set %s: %w", setID, err)
	}

	return r.commit(map[string]CachedFit{setID: fit}, "") > 0, nil
}

// Refit refits sets from their configured sources. An empty setID refits
// every set; force ignores fingerprints.
func (r *Registry) Refit(ctx context.Context, setID string, force bool) ([]SetResult, error) {
	cfg := r.config
	if setID != "" {
		sc := r.config.GetSetByID(setID)
		if sc == nil {
			return nil, fmt.Errorf("unknown set %q", setID)
		}
		cfg = &Config{MQTT: r.config.MQTT, Sets: []SetConfig{*sc}, Tolerance: r.config.Tolerance}
	}

	r.mu.RLock()
	snapshot := r.cache.Clone()
	opts := CalibrateOptions{BaseDir: r.baseDir, Force: force, Fetch: r.fetch}
	r.mu.RUnlock()

	updated, results, err := CalibrateSets(ctx, cfg, snapshot, opts)
	if err != nil {
		return results, err
	}

	r.mu.Lock()
	for _, res := range results {
		if res.Set != nil {
			r.data[res.ID] = res.Set
		}
	}
	r.mu.Unlock()

	fits := make(map[string]CachedFit)
	for i, res := range results {
		if res.Err != nil {
			r.recordError(res.ID, 0, res.Err)
			continue
		}
		// Topic-only sets have no static source; refit from the last MQTT payload.
		if res.Skipped && !cfg.Sets[i].HasStaticData() && !cfg.Sets[i].HasOverride() {
			if live, ok := r.refitFromData(&cfg.Sets[i], force); ok {
				results[i] = live
				if live.Err == nil && !live.Skipped {
					fits[live.ID] = live.Fit
				}
			}
			continue
		}
		if !res.Skipped {
			fits[res.ID] = res.Fit
		}
	}

	r.commit(fits, updated.RunID)
	return results, nil
}

func (r *Registry) refitFromData(sc *SetConfig, force bool) (SetResult, bool) {
	cs, ok := r.Correspondences(sc.ID)
	if !ok {
		return SetResult{}, false
	}
	res := SetResult{ID: sc.ID}
	params, err := sc.Params()
	if err != nil {
		res.Err = err
		return res, true
	}
	if cached, ok := r.Fit(sc.ID); ok && !force && cached.Fingerprint == cs.Fingerprint() && cached.Mode == params.String() {
		res.Fit = cached
		res.Skipped = true
		return res, true
	}
	res.Fit, res.Err = FitSet(cs, params, r.config.Tolerance)
	if res.Err != nil {
		r.recordError(sc.ID, cs.Fingerprint(), res.Err)
	}
	return res, true
}

// Transform maps a point through a set's fit
func (r *Registry) Transform(setID string, p align.Point) (align.Point, error) {
	fit, ok := r.Fit(setID)
	if !ok {
		return nil, fmt.Errorf("set %q has no fit", setID)
	}
	return fit.Transform.Apply(p)
}

// recordError stores a set's failure. A non-zero fingerprint ties the error to
// the correspondences it came from; it is dropped once newer data is stored.
func (r *Registry) recordError(setID string, fingerprint uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fingerprint != 0 && !r.isCurrent(setID, fingerprint) {
		return
	}
	r.lastErr[setID] = err.Error()
}

// isCurrent reports whether fingerprint matches the stored correspondences.
// Sets without stored data accept anything. Callers hold r.mu.
func (r *Registry) isCurrent(setID string, fingerprint uint64) bool {
	cs, ok := r.data[setID]
	return !ok || cs.Fingerprint() == fingerprint
}

// commit stores new fits, persists the cache and notifies the fit handler.
// Fits computed from correspondences that have since been replaced are
// dropped, so a slow fit of older data never overwrites a newer one. It
// returns the number of fits stored.
func (r *Registry) commit(fits map[string]CachedFit, runID string) int {
	if len(fits) == 0 && runID == "" {
		return 0
	}

	r.mu.Lock()
	for id, fit := range fits {
		if !fit.Manual && !r.isCurrent(id, fit.Fingerprint) {
			log.Printf("[CALIB] %s: dropping fit of superseded correspondences", id)
			delete(fits, id)
			continue
		}
		r.cache.Update(id, fit)
		delete(r.lastErr, id)
	}
	if len(fits) == 0 && runID == "" {
		r.mu.Unlock()
		return 0
	}
	if runID != "" {
		r.cache.RunID = runID
	}
	var saveErr error
	if r.cachePath != "" {
		saveErr = SaveFitCache(r.cachePath, r.cache)
	}
	handler := r.onFit
	r.mu.Unlock()

	if saveErr != nil {
		log.Printf("[CALIB] Failed to save fit cache: %v", saveErr)
	}

	if handler == nil {
		return len(fits)
	}
	ids := make([]string, 0, len(fits))
	for id := range fits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		handler(id, fits[id])
	}
	return len(fits)
}
