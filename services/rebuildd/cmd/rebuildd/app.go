package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"rebuildd/pkg/bus"
	"rebuildd/pkg/db"
	"rebuildd/pkg/render"
	"rebuildd/pkg/telemetry"
	"rebuildd/services/cascade"
	"rebuildd/services/dispatcher"
	"rebuildd/services/distgit"
	"rebuildd/services/mbs"
	"rebuildd/services/pdc"
	"rebuildd/services/policy"
	"rebuildd/services/rebuildd/internal/config"
	"rebuildd/services/tracking"
)

// app holds the wired service and the resources Close releases.
type app struct {
	log        zerolog.Logger
	middleware func(http.Handler) http.Handler
	pool       *pgxpool.Pool
	bus        *bus.Bus
	store      *tracking.Store
	dispatcher *dispatcher.Dispatcher

	shutdownTelemetry func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{log: zerolog.Nop()}
	if err := a.init(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, cfg config.Config) error {
	shutdown, middleware, logger, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown
	a.middleware = middleware

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	a.log = logger.Level(level)

	a.pool, err = db.Open(ctx, cfg.DBOptions())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	version, err := db.Migrate(ctx, a.pool)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	a.log.Info().Int64("schema_version", version).Msg("database ready")
	orm, err := db.OpenORM(a.pool)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}
	a.store, err = tracking.NewStore(orm, a.pool)
	if err != nil {
		return err
	}

	httpClient := telemetry.NewHTTPClient(cfg.HTTPTimeout)
	index, err := pdc.New(pdc.Config{
		URL:        cfg.PDCURL,
		PageSize:   cfg.PDCPageSize,
		HTTPClient: httpClient,
		Logger:     component(a.log, "pdc"),
	})
	if err != nil {
		return err
	}
	builder, err := mbs.New(mbs.Config{
		URL:        cfg.MBSURL,
		Token:      cfg.MBSToken,
		GitBaseURL: cfg.GitBaseURL,
		HTTPClient: httpClient,
		DryRun:     cfg.DryRun,
		Logger:     component(a.log, "mbs"),
	})
	if err != nil {
		return err
	}
	bumper, err := distgit.New(distgit.Config{
		BaseURL:     cfg.GitSSHBaseURL,
		Timeout:     cfg.GitTimeout,
		DryRun:      cfg.DryRun,
		AuthorName:  cfg.GitAuthorName,
		AuthorEmail: cfg.GitAuthorEmail,
		Logger:      component(a.log, "distgit"),
	})
	if err != nil {
		return err
	}
	rules, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	renderer, err := render.New()
	if err != nil {
		return err
	}

	handler, err := cascade.New(cascade.Deps{
		Store:    a.store,
		Index:    index,
		Policy:   rules,
		Bumper:   bumper,
		Builder:  builder,
		Renderer: renderer,
		Logger:   component(a.log, "cascade"),
		Metrics:  cascade.NewMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return err
	}

	a.bus, err = bus.New(cfg.NATSURL,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}

	a.dispatcher, err = dispatcher.New(a.bus, dispatcher.Config{
		Stream:    cfg.NATSStream,
		Subscribe: bus.SubscribeOptions{RetryDelay: cfg.RetryDelay, MaxDeliver: cfg.MaxDeliver},
		Logger:    component(a.log, "dispatcher"),
	}, handler)
	if err != nil {
		return err
	}

	return nil
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close dispatcher")
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
