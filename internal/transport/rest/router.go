// Package rest serves the HTTP endpoints next to the Socket.io server:
// discovery lookups, a state fallback, the stream list and health.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-stream/internal/domain/discovery"
	"github.com/edumarques81/stellar-stream/internal/domain/player"
	"github.com/edumarques81/stellar-stream/internal/domain/stream"
	"github.com/edumarques81/stellar-stream/internal/version"
)

const healthTimeout = 2 * time.Second

// StateSource exposes the current playback snapshot.
type StateSource interface {
	Snapshot() player.Snapshot
}

// Describer produces discovery descriptions.
type Describer interface {
	GetDescription(ctx context.Context, artist, track, album string) (*discovery.Result, error)
}

// Check probes one dependency for /health.
type Check func(ctx context.Context) error

// StatsFunc reports cache statistics for /api/v1/cache.
type StatsFunc func(ctx context.Context) (any, error)

// Router is the HTTP entry point. It implements http.Handler.
type Router struct {
	mux       *http.ServeMux
	handler   http.Handler
	state     StateSource
	catalog   *stream.Catalog
	describer Describer
	stats     StatsFunc
	staticDir string
	checks    map[string]Check
}

// Option configures a Router.
type Option func(*Router)

// WithDescriber enables /getTrackInfo.
func WithDescriber(d Describer) Option {
	return func(r *Router) {
		r.describer = d
	}
}

// WithCacheStats enables /api/v1/cache.
func WithCacheStats(fn StatsFunc) Option {
	return func(r *Router) {
		r.stats = fn
	}
}

// WithStatic serves a single-page app from dir for unmatched paths.
func WithStatic(dir string) Option {
	return func(r *Router) {
		r.staticDir = dir
	}
}

// WithHealthCheck adds a named dependency probe to /health.
func WithHealthCheck(name string, check Check) Option {
	return func(r *Router) {
		r.checks[name] = check
	}
}

// NewRouter builds the router.
func NewRouter(state StateSource, catalog *stream.Catalog, opts ...Option) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		state:   state,
		catalog: catalog,
		checks:  make(map[string]Check),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.mux.HandleFunc("GET /getTrackInfo", r.handleTrackInfo)
	r.mux.HandleFunc("GET /api/v1/getState", r.handleState)
	r.mux.HandleFunc("GET /api/v1/streams", r.handleStreams)
	r.mux.HandleFunc("GET /api/v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	if r.stats != nil {
		r.mux.HandleFunc("GET /api/v1/cache", r.handleCacheStats)
	}
	if r.staticDir != "" {
		log.Info().Str("dir", r.staticDir).Msg("Serving static files")
		r.mux.Handle("/", spaHandler(r.staticDir))
	}

	r.handler = corsMiddleware(r.mux)
	return r
}

// Handle mounts an extra handler, e.g. the Socket.io server.
func (r *Router) Handle(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Router) handleTrackInfo(w http.ResponseWriter, req *http.Request) {
	if r.describer == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "discovery not configured"})
		return
	}

	q := req.URL.Query()
	artist, track, album := q.Get("artist"), q.Get("track"), q.Get("album")

	res, err := r.describer.GetDescription(req.Context(), artist, track, album)
	if err != nil {
		status := discovery.StatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Warn().Err(err).Str("artist", artist).Str("track", track).Int("status", status).Msg("Track info failed")
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.state.Snapshot())
}

func (r *Router) handleStreams(w http.ResponseWriter, req *http.Request) {
	var items []stream.Descriptor
	switch stream.Kind(req.URL.Query().Get("kind")) {
	case stream.KindStation:
		items = r.catalog.Stations()
	case stream.KindMix:
		items = r.catalog.Mixes()
	default:
		items = r.catalog.All()
	}
	if items == nil {
		items = []stream.Descriptor{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := r.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "error"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, code, resp)
}

func (r *Router) handleCacheStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.stats(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read cache stats")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// spaHandler serves files from dir and falls back to index.html for paths
// that do not exist, so client-side routes resolve.
func spaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+req.URL.Path))
		if info, err := os.Stat(path); err != nil || info.IsDir() && req.URL.Path != "/" {
			http.ServeFile(w, req, index)
			return
		}
		fs.ServeHTTP(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
