// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// faultlined is the Faultline service binary. It owns the event
// store, runs the report dispatcher, and serves the tracker webhook
// endpoint. Applications embedding lib/capture in-process point it at
// the same database; faultlined keeps the tracker mirror current and
// applies closes arriving from the tracker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/faultline-sh/faultline/lib/capture"
	"github.com/faultline-sh/faultline/lib/clock"
	"github.com/faultline-sh/faultline/lib/config"
	"github.com/faultline-sh/faultline/lib/dispatch"
	"github.com/faultline-sh/faultline/lib/eventstore"
	"github.com/faultline-sh/faultline/lib/fault"
	"github.com/faultline-sh/faultline/lib/fingerprint"
	"github.com/faultline-sh/faultline/lib/tracker"
	"github.com/faultline-sh/faultline/lib/webhook"
)

// dispatcherDrainTimeout bounds the wait for in-flight reporting
// tasks at shutdown.
const dispatcherDrainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("faultlined", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to faultline.yaml (default: $FAULTLINE_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := eventstore.Open(eventstore.Config{
		Path:   cfg.Database.Path,
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing event store", "error", err)
		}
	}()

	// The webhook resolver is the dispatcher when reporting is
	// enabled; a disabled install still applies tracker closes, just
	// without the reporting pipeline in front of them.
	var resolver webhook.Resolver
	var dispatcher *dispatch.Dispatcher

	if cfg.Enabled {
		trackerClient, err := tracker.NewClient(tracker.Config{
			BaseURL:    cfg.Tracker.BaseURL,
			Token:      cfg.Tracker.Token,
			Repository: cfg.Tracker.Repository,
			Mention:    cfg.Tracker.Mention,
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		dispatcher, err = dispatch.New(dispatch.Config{
			Tracker: trackerClient,
			Store:   store,
			Clock:   clock.Real(),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		resolver = dispatcher
	} else {
		logger.Warn("fault reporting is disabled; serving webhook closes only")
		resolver = &storeResolver{store: store, logger: logger}
	}

	webhookHandler, err := webhook.NewHandler(webhook.HandlerConfig{
		Secret:   []byte(cfg.Webhook.Secret),
		Resolver: resolver,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(webhook.ServerConfig{
		Address: cfg.Webhook.Listen,
		Handler: webhookHandler,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	if cfg.Enabled {
		// The daemon records its own panics through the same
		// pipeline it serves.
		captureHandler, err := newCaptureHandler(cfg, store, dispatcher, logger)
		if err != nil {
			return err
		}
		defer func() {
			if value := recover(); value != nil {
				captureHandler.Handle(context.Background(), fault.FromPanic(value), nil)
				panic(value)
			}
		}()
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	select {
	case <-server.Ready():
		logger.Info("faultlined running",
			"webhook_address", server.Addr().String(),
			"database", cfg.Database.Path,
			"enabled", cfg.Enabled,
		)
	case err := <-serveDone:
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	serveErr := <-serveDone

	if dispatcher != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), dispatcherDrainTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(drainCtx); err != nil {
			logger.Error("dispatcher drain incomplete", "error", err)
		}
	}
	return serveErr
}

// newCaptureHandler builds the capture pipeline from configuration,
// resolving the configured ignore rules against a registry seeded
// with exact-type rules for each identifier.
func newCaptureHandler(cfg *config.Config, store *eventstore.Store, dispatcher *dispatch.Dispatcher, logger *slog.Logger) (*capture.Handler, error) {
	registry := capture.NewRegistry()
	for _, identifier := range cfg.IgnoredFaults {
		registry.RegisterType(identifier)
	}
	ignore, err := registry.Resolve(cfg.IgnoredFaults)
	if err != nil {
		return nil, err
	}

	return capture.NewHandler(capture.Config{
		Enabled:     cfg.Enabled,
		Store:       store,
		Fingerprint: fingerprint.New(nil),
		Scheduler:   dispatcher,
		Ignore:      ignore,
		Logger:      logger,
	})
}

// storeResolver applies tracker closes directly to the store. Used
// when reporting is disabled and no dispatcher is running.
type storeResolver struct {
	store  *eventstore.Store
	logger *slog.Logger
}

func (resolver *storeResolver) Resolve(issueNumber int64) error {
	go func() {
		affected, err := resolver.store.MarkClosedForTrackerRef(context.Background(), issueNumber)
		if err != nil {
			resolver.logger.Error("closing events for tracker issue failed",
				"issue", issueNumber,
				"error", err,
			)
			return
		}
		if affected > 0 {
			resolver.logger.Info("events closed from tracker",
				"issue", issueNumber,
				"events", affected,
			)
		}
	}()
	return nil
}

// newLogger builds the process logger at the requested level.
func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	})), nil
}
