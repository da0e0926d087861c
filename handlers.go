package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/simfit/align"
	"github.com/kwv/simfit/calib"
)

// maxEstimateBody limits POST /estimate bodies to 10 MB
const maxEstimateBody = 10 << 20

// fitsResponse is the body of GET /fits
type fitsResponse struct {
	RunID   string             `json:"runId,omitempty"`
	Sets    []*calib.FitReport `json:"sets"`
	Missing []string           `json:"missing,omitempty"`
	Errors  map[string]string  `json:"errors,omitempty"`
}

// newHTTPServer creates an HTTP handler with all endpoints
func newHTTPServer(reg *calib.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Version   string    `json:"version"`
			Timestamp time.Time `json:"timestamp"`
			Fits      int       `json:"fits"`
		}{
			Status:    "ok",
			Version:   Version,
			Timestamp: time.Now(),
			Fits:      len(reg.FittedIDs()),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /fits", func(w http.ResponseWriter, r *http.Request) {
		status := reg.Status()
		fits := reg.Fits()

		resp := fitsResponse{
			RunID:   status.RunID,
			Sets:    make([]*calib.FitReport, 0, len(status.FittedSets)),
			Missing: status.MissingSets,
			Errors:  status.Errors,
		}
		for _, id := range status.FittedSets {
			resp.Sets = append(resp.Sets, calib.NewFitReport(id, fits[id]))
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /fits/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		setID, ext := splitExt(name)

		fit, ok := reg.Fit(setID)
		if !ok {
			http.Error(w, fmt.Sprintf("No fit for set %q", setID), http.StatusNotFound)
			return
		}

		switch ext {
		case "", "json":
			writeJSON(w, http.StatusOK, calib.NewFitReport(setID, fit))
		case "geojson":
			serveGeoJSON(w, reg, setID, fit, r.URL.Query().Get("source") == "true")
		case "svg", "png":
			serveRender(w, r, reg, setID, fit, ext)
		default:
			http.Error(w, fmt.Sprintf("Unknown format %q", ext), http.StatusNotFound)
		}
	})

	mux.HandleFunc("POST /fits/{id}/refit", func(w http.ResponseWriter, r *http.Request) {
		setID := r.PathValue("id")
		if reg.Config().GetSetByID(setID) == nil {
			http.Error(w, fmt.Sprintf("Unknown set %q", setID), http.StatusNotFound)
			return
		}

		log.Printf("[HTTP] Refit requested for %s", setID)
		results, err := reg.Refit(r.Context(), setID, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(results) == 1 && results[0].Err != nil {
			http.Error(w, results[0].Err.Error(), http.StatusUnprocessableEntity)
			return
		}

		fit, ok := reg.Fit(setID)
		if !ok {
			http.Error(w, fmt.Sprintf("Set %q has no data yet", setID), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, calib.NewFitReport(setID, fit))
	})

	mux.HandleFunc("POST /estimate", func(w http.ResponseWriter, r *http.Request) {
		params, err := align.ParseParams(r.URL.Query().Get("mode"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxEstimateBody))
		if err != nil {
			http.Error(w, "Error reading body", http.StatusBadRequest)
			return
		}
		cs, err := calib.DecodeCorrespondences(body)
		if err != nil {
			http.Error(w, err.Error(), estimateErrorStatus(err))
			return
		}

		fit, err := calib.FitSet(cs, params, 0)
		if err != nil {
			http.Error(w, err.Error(), estimateErrorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, newOneShotResult(fit))
	})

	return logRequests(mux)
}

// splitExt splits "id.ext" on the last dot; set IDs may contain dots
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	switch ext := name[i+1:]; ext {
	case "json", "geojson", "svg", "png":
		return name[:i], ext
	}
	return name, ""
}

// estimateErrorStatus maps estimation failures to 422 and everything else to 400
func estimateErrorStatus(err error) int {
	switch {
	case errors.Is(err, align.ErrDegenerateSpread),
		errors.Is(err, align.ErrDecomposition),
		errors.Is(err, align.ErrNonFinite),
		errors.Is(err, align.ErrInsufficientPoints),
		errors.Is(err, align.ErrDimensionMismatch),
		errors.Is(err, align.ErrLengthMismatch),
		errors.Is(err, calib.ErrDegenerateFit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func serveGeoJSON(w http.ResponseWriter, reg *calib.Registry, setID string, fit calib.CachedFit, includeSource bool) {
	cs, _ := reg.Correspondences(setID)
	fc, err := calib.FitGeoJSON(setID, cs, fit, includeSource)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, "Error encoding GeoJSON", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func serveRender(w http.ResponseWriter, r *http.Request, reg *calib.Registry, setID string, fit calib.CachedFit, ext string) {
	cs, ok := reg.Correspondences(setID)
	if !ok {
		http.Error(w, fmt.Sprintf("No correspondences for set %q", setID), http.StatusServiceUnavailable)
		return
	}
	renderer := calib.NewFitRenderer(setID, cs, fit, reg.Color(setID))

	var err error
	w.Header().Set("Cache-Control", "no-cache")
	if ext == "svg" {
		w.Header().Set("Content-Type", "image/svg+xml")
		err = renderer.RenderToSVG(w)
	} else {
		width := queryInt(r, "width", 800)
		height := queryInt(r, "height", 600)
		w.Header().Set("Content-Type", "image/png")
		err = renderer.RenderRaster(w, width, height)
	}
	if err != nil {
		// Headers may be out already; nothing else to do but log
		log.Printf("[HTTP] Error rendering %s.%s: %v", setID, ext, err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 || v > 4096 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
