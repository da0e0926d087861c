package calib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/simfit/align"
)

// DefaultConcurrency bounds how many sets CalibrateSets fits at once.
const DefaultConcurrency = 4

var (
	// ErrNoData is returned when a set has no static correspondence source.
	ErrNoData = errors.New("no correspondence data")

	// ErrToleranceExceeded is returned when a fit's RMS residual exceeds the configured tolerance.
	ErrToleranceExceeded = errors.New("fit exceeds tolerance")

	// ErrDegenerateFit is returned when the fitted scale collapses to zero.
	ErrDegenerateFit = errors.New("degenerate fit")
)

// CalibrateOptions controls CalibrateSets.
type CalibrateOptions struct {
	BaseDir     string        // relative data paths are resolved against this
	MaxAge      time.Duration // refit older fits even when data is unchanged; 0 disables
	Force       bool          // refit everything
	Concurrency int
	Fetch       []FetchOption
}

// SetResult reports what happened to one set during CalibrateSets.
type SetResult struct {
	ID      string
	Fit     CachedFit
	Set     *CorrespondenceSet // nil when nothing was loaded
	Skipped bool               // cached fit was still valid, or the set waits for MQTT data
	Err     error
}

// LoadSet loads a set's correspondences from its configured static source.
func LoadSet(ctx context.Context, sc *SetConfig, baseDir string, opts ...FetchOption) (*CorrespondenceSet, error) {
	var (
		cs  *CorrespondenceSet
		err error
	)
	switch {
	case sc.File != "":
		cs, err = LoadCorrespondenceFile(resolvePath(baseDir, sc.File))
	case sc.Source != "" && sc.Target != "":
		cs, err = LoadPointPair(resolvePath(baseDir, sc.Source), resolvePath(baseDir, sc.Target))
	case sc.URL != nil && *sc.URL != "":
		cs, err = FetchCorrespondences(ctx, *sc.URL, opts...)
	default:
		return nil, fmt.Errorf("set %s: %w", sc.ID, ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", sc.ID, err)
	}
	cs.ID = sc.ID
	return cs, nil
}

func resolvePath(baseDir, path string) string {
	if baseDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// FitSet estimates the requested parameters over a correspondence set and
// scores the result. A tolerance above zero rejects fits whose RMS residual exceeds it.
func FitSet(cs *CorrespondenceSet, params align.Params, tolerance float64) (CachedFit, error) {
	t, err := align.EstimateWith(params, cs.Source, cs.Target)
	if err != nil {
		return CachedFit{}, err
	}
	if t.Scale() == 0 {
		return CachedFit{}, fmt.Errorf("%w: target points collapse to a single location", ErrDegenerateFit)
	}

	stats, err := align.Evaluate(t, cs.Source, cs.Target)
	if err != nil {
		return CachedFit{}, err
	}
	if math.IsNaN(stats.RMS) || math.IsInf(stats.RMS, 0) {
		// The cache is JSON; a non-finite fit would make it unwritable.
		return CachedFit{}, fmt.Errorf("%w: residuals overflow", align.ErrNonFinite)
	}

	fit := CachedFit{
		Transform:   t,
		Stats:       stats,
		Mode:        params.String(),
		Fingerprint: cs.Fingerprint(),
		LastUpdated: time.Now().Unix(),
	}
	if tolerance > 0 && stats.RMS > tolerance {
		return fit, fmt.Errorf("%w: rms %.6g > %.6g", ErrToleranceExceeded, stats.RMS, tolerance)
	}
	return fit, nil
}

// ManualFit wraps a set's override transform as a cached fit.
func ManualFit(sc *SetConfig) (CachedFit, error) {
	t, err := sc.OverrideTransform()
	if err != nil {
		return CachedFit{}, err
	}
	return CachedFit{
		Transform:   t,
		Mode:        align.ParamsAll.String(),
		LastUpdated: time.Now().Unix(),
		Manual:      true,
	}, nil
}

// CalibrateSets fits every configured set with static data, in parallel, and
// merges the results into cache. Sets whose data is unchanged keep their
// cached fit unless opts.Force is set. Per-set failures are reported in the
// results and leave any previous fit in place; only cancellation aborts the run.
func CalibrateSets(ctx context.Context, cfg *Config, cache *FitCache, opts CalibrateOptions) (*FitCache, []SetResult, error) {
	if cache == nil {
		cache = NewFitCache()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	results := make([]SetResult, len(cfg.Sets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i := range cfg.Sets {
		sc := &cfg.Sets[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = calibrateSet(gctx, sc, cfg.Tolerance, cache, opts)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return cache, results, fmt.Errorf("calibrating sets: %w", err)
	}

	updated := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			log.Printf("[CALIB] %s: %v", r.ID, r.Err)
		case r.Skipped:
			continue
		default:
			cache.Update(r.ID, r.Fit)
			updated++
			log.Printf("[CALIB] %s: fitted mode=%s scale=%.6g rms=%.6g over %d pairs",
				r.ID, r.Fit.Mode, r.Fit.Transform.Scale(), r.Fit.Stats.RMS, r.Fit.Stats.N)
		}
	}

	if updated > 0 || cache.RunID == "" {
		cache.RunID = uuid.NewString()
	}

	return cache, results, nil
}

// calibrateSet only reads from cache; CalibrateSets applies results afterwards.
func calibrateSet(ctx context.Context, sc *SetConfig, tolerance float64, cache *FitCache, opts CalibrateOptions) SetResult {
	res := SetResult{ID: sc.ID}

	if sc.HasOverride() {
		if cached, ok := cache.Get(sc.ID); ok && cached.Manual && !opts.Force {
			want, err := sc.OverrideTransform()
			if err == nil && cached.Transform.ApproxEqual(want, 1e-9) {
				res.Skipped = true
				res.Fit = cached
				return res
			}
		}
		res.Fit, res.Err = ManualFit(sc)
		return res
	}

	if !sc.HasStaticData() {
		// Topic-only sets are fitted when their first MQTT payload arrives.
		res.Skipped = true
		return res
	}

	params, err := sc.Params()
	if err != nil {
		res.Err = fmt.Errorf("set %s: %w", sc.ID, err)
		return res
	}

	cs, err := LoadSet(ctx, sc, opts.BaseDir, opts.Fetch...)
	if err != nil {
		res.Err = err
		return res
	}
	res.Set = cs

	fp := cs.Fingerprint()
	if !opts.Force && !cache.NeedsRefit(sc.ID, fp, opts.MaxAge) {
		if cached, ok := cache.Get(sc.ID); ok && cached.Mode == params.String() {
			res.Skipped = true
			res.Fit = cached
			return res
		}
	}

	fit, err := FitSet(cs, params, tolerance)
	if err != nil {
		res.Err = fmt.Errorf("set %s: %w", sc.ID, err)
		return res
	}
	res.Fit = fit
	return res
}
