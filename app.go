package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kwv/simfit/align"
	"github.com/kwv/simfit/calib"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *calib.Config
	Cache      *calib.FitCache
	Registry   *calib.Registry
	MQTTClient *calib.MQTTClient
	Publisher  *calib.Publisher

	Out  io.Writer
	opts AppOptions
}

// NewApp creates an App that prints to out
func NewApp(out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{Out: out}
}

// ApplyOptions stores the parsed command line
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// baseDir is the directory relative data paths in the config resolve against
func (a *App) baseDir() string {
	return filepath.Dir(a.opts.ConfigFile)
}

// loadConfig loads the config file and the fit cache
func (a *App) loadConfig() error {
	config, err := calib.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = config
	log.Printf("Loaded config from %s (%d sets)", a.opts.ConfigFile, len(config.Sets))

	cache, err := calib.LoadFitCache(a.opts.CachePath)
	if err != nil {
		log.Printf("Warning: failed to load fit cache %s: %v", a.opts.CachePath, err)
	}
	if cache == nil {
		cache = calib.NewFitCache()
	} else {
		log.Printf("Loaded fit cache from %s (%d fits)", a.opts.CachePath, len(cache.Sets))
	}
	a.Cache = cache
	return nil
}

// RunFit fits every configured set, prints a summary and saves the cache
func (a *App) RunFit() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	cache, results, err := calib.CalibrateSets(context.Background(), a.Config, a.Cache, calib.CalibrateOptions{
		BaseDir:     a.baseDir(),
		Force:       a.opts.Force,
		Concurrency: a.opts.Concurrency,
	})
	if err != nil {
		return err
	}
	a.Cache = cache

	failed := a.printResults(results)

	if err := calib.SaveFitCache(a.opts.CachePath, cache); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.Out, "\nSaved fit cache to %s (run %s)\n", a.opts.CachePath, cache.RunID)

	if failed > 0 {
		return fmt.Errorf("%d of %d sets failed", failed, len(results))
	}
	return nil
}

// printResults writes one row per set and returns the number of failures
func (a *App) printResults(results []calib.SetResult) int {
	tw := tabwriter.NewWriter(a.Out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SET\tMODE\tSCALE\tANGLE\tRMS\tMAX\tPAIRS\tSTATUS")

	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			_, _ = fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\terror: %v\n", r.ID, r.Err)
		case r.Fit.Transform.Dim() == 0:
			_, _ = fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\twaiting for MQTT data\n", r.ID)
		default:
			status := "fitted"
			if r.Fit.Manual {
				status = "manual"
			}
			if r.Skipped {
				status += " (cached)"
			}
			angle := "-"
			if deg, err := r.Fit.Transform.Angle(); err == nil {
				angle = fmt.Sprintf("%.2f", deg)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%.6g\t%s\t%.6g\t%.6g\t%d\t%s\n",
				r.ID, r.Fit.Mode, r.Fit.Transform.Scale(), angle, r.Fit.Stats.RMS, r.Fit.Stats.Max, r.Fit.Stats.N, status)
		}
	}
	_ = tw.Flush()
	return failed
}

// oneShotResult is the JSON printed by RunOneShot and returned by POST /estimate
type oneShotResult struct {
	Mode      string          `json:"mode"`
	Transform align.Transform `json:"transform"`
	Stats     align.FitStats  `json:"stats"`
	Angle     *float64        `json:"angle,omitempty"`
}

func newOneShotResult(fit calib.CachedFit) oneShotResult {
	res := oneShotResult{Mode: fit.Mode, Transform: fit.Transform, Stats: fit.Stats}
	if angle, err := fit.Transform.Angle(); err == nil {
		res.Angle = &angle
	}
	return res
}

// RunOneShot fits --source onto --target and prints the transform as JSON
func (a *App) RunOneShot() error {
	params, err := align.ParseParams(a.opts.Mode)
	if err != nil {
		return err
	}
	cs, err := calib.LoadPointPair(a.opts.Source, a.opts.Target)
	if err != nil {
		return err
	}
	fit, err := calib.FitSet(cs, params, 0)
	if err != nil {
		return fmt.Errorf("fitting %s onto %s: %w", a.opts.Source, a.opts.Target, err)
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(newOneShotResult(fit))
}

// setData returns a set's correspondences and fit, fitting it now if the cache has nothing
func (a *App) setData(setID string) (*calib.CorrespondenceSet, calib.CachedFit, error) {
	if err := a.loadConfig(); err != nil {
		return nil, calib.CachedFit{}, err
	}
	sc := a.Config.GetSetByID(setID)
	if sc == nil {
		return nil, calib.CachedFit{}, fmt.Errorf("unknown set %q (configured: %v)", setID, a.Config.SetIDs())
	}

	var cs *calib.CorrespondenceSet
	if sc.HasStaticData() {
		loaded, err := calib.LoadSet(context.Background(), sc, a.baseDir())
		if err != nil {
			return nil, calib.CachedFit{}, err
		}
		cs = loaded
	}

	if fit, ok := a.Cache.Get(setID); ok {
		return cs, fit, nil
	}
	if sc.HasOverride() {
		fit, err := calib.ManualFit(sc)
		return cs, fit, err
	}
	if cs == nil {
		return nil, calib.CachedFit{}, fmt.Errorf("set %s has no cached fit and no static data", setID)
	}

	params, err := sc.Params()
	if err != nil {
		return nil, calib.CachedFit{}, err
	}
	fit, err := calib.FitSet(cs, params, a.Config.Tolerance)
	if err != nil {
		return nil, calib.CachedFit{}, fmt.Errorf("set %s: %w", setID, err)
	}
	return cs, fit, nil
}

// outputWriter opens --output, defaulting to <setID>.<ext>; "-" means stdout
func (a *App) outputWriter(setID, ext string) (io.Writer, func() error, string, error) {
	path := a.opts.Output
	if path == "-" {
		return a.Out, func() error { return nil }, "stdout", nil
	}
	if path == "" {
		path = setID + "." + ext
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, "", fmt.Errorf("creating output file: %w", err)
	}
	return f, f.Close, path, nil
}

// RunRender renders a 2D set's fit as svg, png or raster
func (a *App) RunRender(setID string) error {
	cs, fit, err := a.setData(setID)
	if err != nil {
		return err
	}
	if cs == nil {
		return fmt.Errorf("set %s has no static correspondences to render", setID)
	}

	renderer := calib.NewFitRenderer(setID, cs, fit, a.Config.GetSetByID(setID).Color)

	ext := "svg"
	if a.opts.Format != "svg" {
		ext = "png"
	}
	w, closeFn, path, err := a.outputWriter(setID, ext)
	if err != nil {
		return err
	}

	switch a.opts.Format {
	case "svg":
		err = renderer.RenderToSVG(w)
	case "png":
		err = renderer.RenderToPNG(w)
	case "raster":
		err = renderer.RenderRaster(w, a.opts.Width, a.opts.Height)
	default:
		err = fmt.Errorf("unknown render format %q (use svg, png or raster)", a.opts.Format)
	}
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	log.Printf("Rendered %s to %s", setID, path)
	return nil
}

// RunGeoJSON exports a 2D set's fit as a GeoJSON FeatureCollection
func (a *App) RunGeoJSON(setID string) error {
	cs, fit, err := a.setData(setID)
	if err != nil {
		return err
	}

	fc, err := calib.FitGeoJSON(setID, cs, fit, a.opts.IncludeSource)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}

	w, closeFn, path, err := a.outputWriter(setID, "geojson")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	log.Printf("Exported %s GeoJSON to %s (%d features)", setID, path, len(fc.Features))
	return nil
}

// startService wires the registry, MQTT and HTTP. It returns the HTTP server, if any.
func (a *App) startService(ctx context.Context) (*http.Server, error) {
	if err := a.loadConfig(); err != nil {
		return nil, err
	}

	a.Registry = calib.NewRegistry(a.Config, a.Cache, a.opts.CachePath)
	a.Registry.SetBaseDir(a.baseDir())

	if !a.opts.MqttMode && !a.opts.HttpMode {
		log.Println("Neither --mqtt nor --http given; enabling HTTP")
		a.opts.HttpMode = true
	}

	if a.opts.MqttMode {
		if err := a.startMQTT(ctx); err != nil {
			return nil, err
		}
	}

	results, err := a.Registry.Refit(ctx, "", a.opts.Force)
	if err != nil {
		return nil, err
	}
	a.printResults(results)

	if !a.opts.HttpMode {
		return nil, nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
		Handler:           newHTTPServer(a.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()
	return srv, nil
}

// startMQTT connects to the broker and routes payloads and refit commands to the registry
func (a *App) startMQTT(ctx context.Context) error {
	handler := func(setID string, cs *calib.CorrespondenceSet, err error) {
		if err != nil {
			log.Printf("[MQTT] %s: discarding payload: %v", setID, err)
			return
		}
		if _, err := a.Registry.UpdateSet(setID, cs); err != nil {
			log.Printf("[CALIB] %s: %v", setID, err)
		}
	}

	client, err := calib.InitMQTT(a.Config, handler)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if client == nil {
		return fmt.Errorf("--mqtt given but no broker configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.MQTTClient = client
	a.Publisher = calib.NewPublisher(client.GetClient(), a.Config)

	a.Registry.SetFitHandler(func(setID string, fit calib.CachedFit) {
		if !client.IsConnected() {
			return // publishWhenConnected catches up
		}
		if err := a.Publisher.PublishFit(setID, fit); err != nil {
			log.Printf("[MQTT] %s: %v", setID, err)
		}
	})
	client.SetRefitHandler(func(setID string) {
		go func() {
			if _, err := a.Registry.Refit(ctx, setID, true); err != nil {
				log.Printf("[CALIB] Refit failed: %v", err)
			}
		}()
	})

	go a.publishWhenConnected(ctx)
	return nil
}

// publishWhenConnected publishes every known fit once the broker connection is up
func (a *App) publishWhenConnected(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for !a.MQTTClient.IsConnected() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	a.publishAll()
}

func (a *App) publishAll() {
	fits := a.Registry.Fits()
	ids := make([]string, 0, len(fits))
	for id := range fits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := a.Publisher.PublishFit(id, fits[id]); err != nil {
			log.Printf("[MQTT] %s: %v", id, err)
		}
	}
}

// RunService runs the MQTT/HTTP service until interrupted
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := a.startService(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(a.Out, "\nService Running")
	_, _ = fmt.Fprintln(a.Out, "===============")
	if a.MQTTClient != nil {
		_, _ = fmt.Fprintln(a.Out, "\nMQTT:")
		for _, sc := range a.Config.Sets {
			if sc.Topic != "" {
				_, _ = fmt.Fprintf(a.Out, "  Subscribed: %s (%s)\n", sc.Topic, sc.ID)
			}
		}
		_, _ = fmt.Fprintf(a.Out, "  Refit command: %s\n", a.MQTTClient.RefitTopic())
		_, _ = fmt.Fprintf(a.Out, "  Publishing to: %s/{setID} and %s/transforms\n", a.Publisher.Prefix(), a.Publisher.Prefix())
	}
	if srv != nil {
		_, _ = fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		_, _ = fmt.Fprintln(a.Out, "  GET  /health              - Health check")
		_, _ = fmt.Fprintln(a.Out, "  GET  /fits                - All fits and status")
		_, _ = fmt.Fprintln(a.Out, "  GET  /fits/{id}           - One fit")
		_, _ = fmt.Fprintln(a.Out, "  GET  /fits/{id}.geojson   - 2D fit as GeoJSON")
		_, _ = fmt.Fprintln(a.Out, "  GET  /fits/{id}.svg       - 2D fit as SVG")
		_, _ = fmt.Fprintln(a.Out, "  GET  /fits/{id}.png       - 2D fit as PNG")
		_, _ = fmt.Fprintln(a.Out, "  POST /fits/{id}/refit     - Refit a set")
		_, _ = fmt.Fprintln(a.Out, "  POST /estimate?mode=tsr   - Fit a posted correspondence set")
	}
	_, _ = fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	<-ctx.Done()

	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return nil
}
