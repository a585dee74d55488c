package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rebuildd/services/tracking"
)

const defaultRequestTimeout = 5 * time.Second

// Reader is the read side of the build-tracking store.
type Reader interface {
	BuildsByBuildID(ctx context.Context, buildID int64, typ tracking.ArtifactType) ([]tracking.ArtifactBuild, error)
	BuildsForEvent(ctx context.Context, messageID string) (*tracking.Event, []tracking.ArtifactBuild, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// Checks run on /readyz, keyed by dependency name.
	Checks map[string]Check
	// Metrics serves /metrics. Defaults to the global Prometheus registry.
	Metrics        http.Handler
	RequestTimeout time.Duration
	// Middleware wraps every route, outermost first.
	Middleware []func(http.Handler) http.Handler
}

// API serves tracked builds and service health over HTTP.
type API struct {
	store  Reader
	config Config
}

// New initialises the API layer with sane defaults applied to the provided configuration.
func New(store Reader, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &API{store: store, config: cfg}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.config.Middleware...)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Method(http.MethodGet, "/metrics", a.config.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/builds", a.handleListBuilds)
		r.Get("/events/{messageID}/builds", a.handleEventBuilds)
	})

	return r, nil
}
