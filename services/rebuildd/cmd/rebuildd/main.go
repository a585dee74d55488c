package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rebuildd/pkg/bus"
	"rebuildd/pkg/db"
	"rebuildd/services/api"
	"rebuildd/services/rebuildd/internal/config"
)

const serviceName = "rebuildd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Rebuilds modules when the modules they build against are updated",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newReplayCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume build events and serve the tracking API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.Open(ctx, cfg.DBOptions())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			version, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at schema version %d\n", version)
			return nil
		},
	}
}

func newReplayCommand() *cobra.Command {
	var (
		subject string
		file    string
		msgID   string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed one recorded bus message through the handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if msgID == "" {
				msgID = "replay-" + uuid.NewString()
			}
			err = a.dispatcher.HandleMessage(ctx, bus.Message{Subject: subject, ID: msgID, Data: data, Delivered: 1})
			if err != nil {
				return err
			}
			a.log.Info().Str("subject", subject).Str("file", file).Msg("replayed message")
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject the message was published on")
	cmd.Flags().StringVar(&file, "file", "", "File holding the JSON message body")
	cmd.Flags().StringVar(&msgID, "msg-id", "", "Message id to use when the body carries none (default: a random id)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	apiLayer, err := api.New(a.store, api.Config{
		Checks: map[string]api.Check{
			"database": a.store.Ping,
			"nats":     func(context.Context) error { return a.bus.Ping() },
		},
		Middleware: []func(http.Handler) http.Handler{a.middleware},
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	router, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	a.log.Info().Str("addr", server.Addr).Bool("dry_run", cfg.DryRun).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error().Err(err).Msg("server failed")
		return err
	}
	return nil
}
