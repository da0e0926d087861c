package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/simfit/align"
	"github.com/kwv/simfit/calib"
)

// Version is set at build time via -ldflags
var Version = align.Version

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile  string
	CachePath   string
	Concurrency int
	Force       bool

	FitOnly bool

	Source string
	Target string
	Mode   string

	Render        string
	GeoJSON       string
	Output        string
	Format        string
	Width         int
	Height        int
	IncludeSource bool

	MqttMode bool
	HttpMode bool
	HttpPort int

	ShowVersion bool
}

// Application is the set of entry points run dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunFit() error
	RunOneShot() error
	RunRender(setID string) error
	RunGeoJSON(setID string) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to the selected mode
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("simfit", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.CachePath, "cache", calib.DefaultFitCachePath, "Path to fit cache file")
	fs.IntVar(&opts.Concurrency, "concurrency", calib.DefaultConcurrency, "Sets fitted in parallel by --fit")
	fs.BoolVar(&opts.Force, "force", false, "Refit sets even when their data is unchanged")
	fs.BoolVar(&opts.FitOnly, "fit", false, "Fit every configured set, save the cache and exit")
	fs.StringVar(&opts.Source, "source", "", "Source points file for a one-shot fit (requires --target)")
	fs.StringVar(&opts.Target, "target", "", "Target points file for a one-shot fit (requires --source)")
	fs.StringVar(&opts.Mode, "mode", "tsr", "Parameters to estimate: any of t, s, r")
	fs.StringVar(&opts.Render, "render", "", "Render the fit of a set and exit")
	fs.StringVar(&opts.GeoJSON, "geojson", "", "Export the fit of a 2D set as GeoJSON and exit")
	fs.StringVar(&opts.Output, "output", "", "Output file for --render/--geojson (default: <set>.<ext>, - for stdout)")
	fs.StringVar(&opts.Format, "format", "svg", "Render format: svg, png or raster")
	fs.IntVar(&opts.Width, "width", 800, "Raster render width in pixels")
	fs.IntVar(&opts.Height, "height", 600, "Raster render height in pixels")
	fs.BoolVar(&opts.IncludeSource, "include-source", false, "Include raw source points in GeoJSON output")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Subscribe to set topics and publish fits over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve fits over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 4040, "HTTP server port")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "simfit version: %s\n", Version)
	if opts.ShowVersion {
		return nil
	}

	if (opts.Source == "") != (opts.Target == "") {
		return fmt.Errorf("--source and --target must be given together")
	}

	app.ApplyOptions(opts)

	switch {
	case opts.Source != "":
		return app.RunOneShot()
	case opts.FitOnly:
		return app.RunFit()
	case opts.Render != "":
		return app.RunRender(opts.Render)
	case opts.GeoJSON != "":
		return app.RunGeoJSON(opts.GeoJSON)
	default:
		_, _ = fmt.Fprintln(out, "simfit service starting...")
		return app.RunService()
	}
}
