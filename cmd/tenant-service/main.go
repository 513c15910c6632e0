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

	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/internal/di"
	"github.com/prohmpiriya/school-tenancy/pkg/config"
	"github.com/prohmpiriya/school-tenancy/pkg/database"
	"github.com/prohmpiriya/school-tenancy/pkg/kafka"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	pkgredis "github.com/prohmpiriya/school-tenancy/pkg/redis"
	"github.com/prohmpiriya/school-tenancy/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenant-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&logger.Config{
		Level:       levelFor(cfg),
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
		OutputPath:  "stdout",
	}); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	containerCfg := &di.ContainerConfig{App: cfg, Logger: log}

	if cfg.Database.Host != "" {
		db, err := database.NewPostgres(ctx, database.FromAppConfig(cfg.Database))
		if err != nil {
			if cfg.IsProduction() {
				return err
			}
			log.Warn("postgres unavailable, using in-memory stores", zap.Error(err))
		} else {
			containerCfg.DB = db
		}
	}

	if cfg.Redis.Enabled {
		rdb, err := pkgredis.NewClient(ctx, pkgredis.FromAppConfig(cfg.Redis))
		if err != nil {
			if cfg.IsProduction() {
				return err
			}
			log.Warn("redis unavailable, locks and sessions stay in process", zap.Error(err))
		} else {
			containerCfg.Redis = rdb
		}
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(ctx, kafka.FromAppConfig(cfg.Kafka))
		if err != nil {
			log.Warn("kafka unavailable, tenant events disabled", zap.Error(err))
		} else {
			containerCfg.Publisher = producer
		}
	}

	container, err := di.NewContainer(containerCfg)
	if err != nil {
		return err
	}
	defer container.Close()

	if cfg.Reconcile.Enabled {
		if err := container.ReconciliationWork.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reconciliation worker: %w", err)
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      container.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tenant service listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.App.Environment),
			zap.Bool("postgres", containerCfg.DB != nil),
			zap.Bool("redis", containerCfg.Redis != nil),
			zap.Bool("kafka", containerCfg.Publisher != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func levelFor(cfg *config.Config) string {
	if cfg.App.Debug {
		return "debug"
	}
	return "info"
}
