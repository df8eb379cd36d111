// Package main wires together the scan engine service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seolens/scan-engine/internal/api"
	"github.com/seolens/scan-engine/internal/config"
	"github.com/seolens/scan-engine/internal/executor"
	"github.com/seolens/scan-engine/internal/logging"
	"github.com/seolens/scan-engine/internal/metrics"
	"github.com/seolens/scan-engine/internal/orchestrator"
	"github.com/seolens/scan-engine/internal/store"
	"github.com/seolens/scan-engine/internal/storage/memory"
	"github.com/seolens/scan-engine/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, backend, durable := openStore(ctx, cfg, logger)
	defer st.Close()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	registry := executor.NewRegistry()
	for name, endpoint := range cfg.Scan.Services {
		exec, err := executor.NewHTTP(executor.HTTPConfig{
			Name:     name,
			Endpoint: endpoint,
			Timeout:  cfg.ServiceTimeout(),
		})
		if err != nil {
			logger.Fatal("check executor init failed",
				zap.String("service", name), zap.Error(err))
		}
		registry.Register(exec)
	}

	orch := orchestrator.New(st, registry, orchestrator.AllowAll{}, m, orchestrator.Config{
		CacheTTL:       cfg.CacheTTL(),
		ServiceTimeout: cfg.ServiceTimeout(),
		MaxConcurrent:  cfg.Scan.Concurrency,
	}, logger.Named("orchestrator"))

	apiServer := api.NewServer(st, orch, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Backend:     backend,
		Durable:     durable,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go sweepExpiredCache(ctx, st, cfg.SweepInterval(), logger.Named("sweeper"))

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Error("orchestrator drain error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openStore connects to Postgres, falling back to the in-memory store when
// db.fallback_to_memory permits it. The fallback is loud: persisted state is
// lost on restart.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, string, bool) {
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:              cfg.DB.DSN,
		MaxConns:         cfg.DB.MaxConns,
		MinConns:         cfg.DB.MinConns,
		MaxRetryAttempts: cfg.Scan.MaxRetryAttempts,
	})
	if err == nil {
		logger.Info("connected to postgres")
		return pg, "postgres", true
	}
	if !cfg.DB.FallbackToMemory {
		logger.Fatal("postgres connection failed", zap.Error(err))
	}
	logger.Warn("postgres unavailable, running on volatile in-memory store",
		zap.Error(err))
	return memory.NewWithRetryBudget(cfg.Scan.MaxRetryAttempts), "memory", false
}

func sweepExpiredCache(ctx context.Context, st store.Store, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := st.CleanupExpiredCache(ctx, now.UTC())
			if err != nil {
				logger.Error("cache sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("cache sweep removed entries", zap.Int64("removed", removed))
			}
		}
	}
}
