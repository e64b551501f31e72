// Package main is the entry point for the floodgate irrigation scheduler.
//
// It loads configuration, wires the schedule store (in-memory or Postgres),
// the device registry and activator (HTTP valve controller or static list),
// the HTTP API, and the background dispatch runner, then serves until a
// shutdown signal arrives.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM):
// the runner is stopped first so no new activations start, then the HTTP
// server drains, then the store closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"floodgate/internal/api/handlers"
	"floodgate/internal/config"
	"floodgate/internal/core"
	"floodgate/internal/db"
	"floodgate/internal/device"
	"floodgate/internal/recurrence"
	"floodgate/internal/runner"
	"floodgate/internal/schedule"
	"floodgate/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	logger.Info("floodgate starting",
		"environment", cfg.Environment,
		"store_driver", cfg.Store.Driver,
		"port", cfg.Server.Port,
	)

	expander := recurrence.NewExpander(cfg.Schedule.MaxOccurrences)

	// Wire the schedule store.
	var (
		scheduleStore store.Store
		probes        []core.HealthProbe
		closeStore    = func() {}
	)
	switch cfg.Store.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:               cfg.Store.URL.Unmask(),
			MaxConns:          cfg.Store.MaxConns,
			MinConns:          cfg.Store.MinConns,
			MaxConnLifetime:   cfg.Store.MaxConnLifetime,
			HealthCheckPeriod: cfg.Store.HealthCheckPeriod,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		closeStore = pool.Close
		scheduleStore = db.NewScheduleRepository(pool, expander)
		probes = append(probes, core.ProbeFunc{
			ProbeName: "store",
			CheckFn:   pool.Ping,
		})
	default:
		scheduleStore = store.NewMemoryStore(expander)
	}
	defer closeStore()

	// Wire the device registry and activator. With a controller URL we talk to
	// the real valve service; otherwise a static registry plus a log-only
	// activator keeps local development self-contained.
	var (
		registry  device.Registry
		activator device.Activator
	)
	if cfg.Device.ServiceURL != "" {
		client := device.NewClient(cfg.Device.ServiceURL)
		registry = client
		activator = client
		probes = append(probes, core.ProbeFunc{
			ProbeName: "device_registry",
			CheckFn: func(ctx context.Context) error {
				_, err := client.ListDevices(ctx)
				return err
			},
		})
	} else {
		registry = device.NewStaticRegistry(device.ParseStaticList(cfg.Device.StaticList))
		activator = device.NewLogActivator(logger)
	}

	svc := schedule.NewService(scheduleStore, registry, logger)

	// Build the HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = probes

	scheduleHandler := handlers.NewScheduleHandler(svc, srv.Validator, logger)
	deviceHandler := handlers.NewDeviceHandler(svc, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { scheduleHandler.RegisterRoutes(r) },
		func(r chi.Router) { deviceHandler.RegisterRoutes(r) },
	)
	srv.MountRoutes()

	// Start the dispatch runner.
	dispatcher := runner.New(runner.Config{
		Store:           scheduleStore,
		Activator:       activator,
		Tick:            cfg.Runner.Tick,
		MaxConcurrent:   cfg.Runner.MaxConcurrent,
		DispatchTimeout: cfg.Runner.ActivationTimeout,
		Logger:          logger,
	})
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("starting dispatch runner: %w", err)
	}

	return serveHTTP(srv, dispatcher, cfg, logger)
}

// serveHTTP runs the HTTP server until a shutdown signal or server error,
// then drains in order: runner first, server second.
func serveHTTP(srv *core.Server, dispatcher *runner.Runner, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop the runner before the HTTP server so in-flight activations finish
	// and no new ones start while the process winds down.
	if err := dispatcher.Stop(ctx); err != nil {
		logger.Error("dispatch runner shutdown error", "error", err)
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
