package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaysms/triage-gateway/internal/dispatch"
	"github.com/relaysms/triage-gateway/internal/inbound"
	"github.com/relaysms/triage-gateway/internal/platform/config"
	"github.com/relaysms/triage-gateway/internal/platform/database"
	"github.com/relaysms/triage-gateway/internal/platform/logger"
	"github.com/relaysms/triage-gateway/internal/queue"
	queuepg "github.com/relaysms/triage-gateway/internal/queue/postgres"
	queuesqlite "github.com/relaysms/triage-gateway/internal/queue/sqlite"
	"github.com/relaysms/triage-gateway/internal/routing"
	"github.com/relaysms/triage-gateway/internal/transport"
	"github.com/relaysms/triage-gateway/internal/triage"
)

const (
	serviceName     = "triage_service"
	shutdownTimeout = 10 * time.Second
)

func registerStoreBackends() {
	queue.RegisterBackend(config.StoreSQLite, func(ctx context.Context, cfg *config.Config) (queue.MessageRepository, error) {
		return queuesqlite.New(ctx, cfg.SQLitePath)
	})
	queue.RegisterBackend(config.StorePostgres, func(ctx context.Context, cfg *config.Config) (queue.MessageRepository, error) {
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return queuepg.New(pool), nil
	})
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...")
	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"store_backend", cfg.StoreBackend,
		"broker_url_present", cfg.BrokerURL != "",
		"responder", cfg.Responder,
	)

	registerStoreBackends()
	repo, err := queue.New(mainCtx, cfg)
	if err != nil {
		appLogger.Error("Failed to initialize message store", "error", err, "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer repo.Close()
	appLogger.Info("Message store initialized", "backend", cfg.StoreBackend)

	outbound := transport.New(transport.Options{
		URL:                  cfg.BrokerURL,
		OutboundQueue:        cfg.OutboundQueue,
		CallbackQueue:        cfg.CallbackQueue,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		CallbackTTL:          cfg.CallbackTTL,
	}, appLogger)
	defer outbound.Close()

	if err := outbound.Connect(mainCtx); err != nil {
		// Not fatal: the transport reconnects on its own and sends connect
		// lazily; the service can still triage and persist meanwhile.
		appLogger.Warn("Initial broker connection failed; transport will retry", "error", err)
	}

	var provider dispatch.Provider
	if cfg.Responder == config.ResponderDirect {
		provider = dispatch.NewHTTPProvider(appLogger, cfg.ProviderAPIURL, cfg.ProviderAPIKey, cfg.ProviderSenderID, nil)
	}
	dispatcher := dispatch.NewDispatcher(cfg.Responder, outbound, provider, repo, appLogger)

	engine := routing.NewEngine(appLogger)
	service := triage.NewService(engine, repo, dispatcher, triage.NewLogNotifier(appLogger), appLogger)

	consumer := inbound.NewConsumer(cfg.BrokerURL, cfg.InboundQueue, service, appLogger)
	defer consumer.Close()
	go func() {
		if err := consumer.Start(mainCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("Inbound consumer stopped", "error", err)
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.Handler()}
	go func() {
		appLogger.Info("Metrics server listening", "addr", cfg.MetricsListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics server failed", "error", err)
		}
	}()

	appLogger.Info("Service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	appLogger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Metrics server shutdown failed", "error", err)
	}
	if err := outbound.Close(); err != nil {
		appLogger.Error("Transport close failed", "error", err)
	}
	appLogger.Info("Service stopped")
}
