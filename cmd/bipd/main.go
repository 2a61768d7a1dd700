package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chatbip/chatbip/internal/platform/config"
	"github.com/chatbip/chatbip/internal/platform/database"
	"github.com/chatbip/chatbip/internal/platform/logger"
	"github.com/chatbip/chatbip/internal/platform/messagebroker"

	directorypg "github.com/chatbip/chatbip/internal/directory/repository/postgres"
	identityapp "github.com/chatbip/chatbip/internal/identity/app"
	"github.com/chatbip/chatbip/internal/identity/store"
	presenceapp "github.com/chatbip/chatbip/internal/presence/app"
	"github.com/chatbip/chatbip/internal/session"
	"github.com/chatbip/chatbip/internal/transport/webrtc"
)

const (
	serviceName     = "bipd"
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger = appLogger.With("service", serviceName)
	appLogger.Info("Starting service...")

	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"nats_url", cfg.NATSUrl,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"http_port", cfg.HTTPPort,
		"number_ttl_hours", cfg.NumberTTLHours,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, appLogger, serviceName)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "url", cfg.NATSUrl, "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("NATS client connected", "url", cfg.NATSUrl)

	// Identity allocation: reuse the cached number when still valid,
	// otherwise register a fresh one in the shared directory.
	cachePath := cfg.NumberCachePath
	if cachePath == "" {
		cachePath, err = store.DefaultCachePath()
		if err != nil {
			appLogger.Error("Failed to resolve number cache path", "error", err)
			os.Exit(1)
		}
	}
	directoryRepo := directorypg.NewPgDirectoryRepository(dbPool, appLogger)
	allocator := identityapp.NewAllocator(directoryRepo, store.NewFileStore(cachePath), cfg.NumberTTL(), appLogger)
	allocator.SetMaxAttempts(cfg.AllocationAttempts)
	number, err := allocator.Initialize(mainCtx)
	if err != nil {
		appLogger.Error("Could not obtain a number", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Identity resolved", "number", number)

	registry := presenceapp.NewRegistry(directoryRepo, natsClient, number, appLogger)

	// Transport endpoint, retried with suffixed identifiers on conflict.
	signaler := webrtc.NewNATSSignaler(natsClient, appLogger)
	factory := webrtc.NewFactory(signaler, cfg.ICEServers, appLogger)
	manager := session.NewManager(factory, &busySink{registry: registry, logger: appLogger}, appLogger, session.Options{})

	assignedID, err := manager.InitializeEndpoint(mainCtx, number)
	if err != nil {
		appLogger.Error("Failed to initialize transport endpoint", "number", number, "error", err)
		os.Exit(1)
	}
	appLogger.Info("Transport endpoint ready", "endpoint_id", assignedID)

	if err := registry.SetOnlineStatus(mainCtx, true, assignedID); err != nil {
		appLogger.Error("Failed to mark number online", "number", number, "error", err)
		manager.Destroy()
		os.Exit(1)
	}

	watcher := presenceapp.NewAvailabilityWatcher(directoryRepo, natsClient, cfg.AvailableListLimit, appLogger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: newRouter(manager, watcher),
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		return registry.RunHeartbeat(groupCtx, cfg.HeartbeatInterval())
	})

	g.Go(func() error {
		return watcher.Run(groupCtx)
	})

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server failed to serve", "error", err)
			return err
		}
		return nil
	})

	// Termination signals.
	g.Go(func() error {
		stopSignal := make(chan os.Signal, 1)
		signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	// Graceful HTTP shutdown.
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	appLogger.Info("Service is ready and running.", "number", number, "endpoint_id", assignedID)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service group encountered an error", "error", err)
	}

	// Teardown: report unreachability before dropping the endpoint.
	offlineCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.SetOnlineStatus(offlineCtx, false, ""); err != nil {
		appLogger.Warn("Failed to mark number offline during shutdown", "error", err)
	}
	manager.Destroy()

	appLogger.Info("Service shutdown complete.")
}

// newRouter exposes the daemon's local HTTP surface: liveness, metrics and
// the currently available numbers.
func newRouter(manager *session.Manager, watcher *presenceapp.AvailabilityWatcher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/available", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"numbers": watcher.Numbers(),
		})
	})
	r.Get("/v1/session", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":    manager.State(),
			"remote":   manager.Remote(),
			"messages": manager.Messages(),
		})
	})

	return r
}

// busySink mirrors call-state milestones into the presence registry so the
// directory reflects who is busy with whom.
type busySink struct {
	registry *presenceapp.Registry
	logger   *slog.Logger
}

func (s *busySink) CallConnected(remote string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.SetBusyStatus(ctx, true, remote); err != nil {
		s.logger.Warn("Failed to mark number busy", "busy_with", remote, "error", err)
	}
}

func (s *busySink) CallEnded() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.SetBusyStatus(ctx, false, ""); err != nil {
		s.logger.Warn("Failed to clear busy status", "error", err)
	}
}
