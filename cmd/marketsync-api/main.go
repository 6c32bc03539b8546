package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/marketsync/internal/config"
	"github.com/vipul43/marketsync/internal/database"
	"github.com/vipul43/marketsync/internal/httpapi"
	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace/catalog"
	"github.com/vipul43/marketsync/internal/notify"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/service"
	"github.com/vipul43/marketsync/internal/vault"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lg, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer lg.Sync()

	ctx := context.Background()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := database.RunMigrations(db); err != nil {
		return err
	}

	accountRepo := repository.NewAccountRepository(db)
	jobRepo := repository.NewSyncJobRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	v, err := vault.NewSealedVault(cfg.VaultKey)
	if err != nil {
		return err
	}

	// Without a queue jobs stay pending until the worker's recovery sweep
	// publishes them
	var jobQueue service.JobQueue
	qc, err := queue.NewClient(queue.Options{
		Host:      cfg.Queue.Host,
		Port:      cfg.Queue.Port,
		Namespace: cfg.Queue.Namespace,
		Token:     cfg.Queue.Token,
		TTL:       cfg.Queue.JobTTL,
	})
	switch {
	case err == nil:
		jobQueue = qc
	case errors.Is(err, queue.ErrNotConfigured):
		lg.Warnf(ctx, "Queue not configured, created jobs wait for the worker sweep")
	default:
		return err
	}

	var events notify.Publisher = notify.Nop{}
	if cfg.Redis.Addr != "" {
		rdb, err := notify.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			lg.Warnf(ctx, "Redis unavailable, job events disabled: %v", err)
		} else {
			defer rdb.Close()
			events = rdb
		}
	}

	jobs := service.NewJobService(jobRepo, accountRepo, jobQueue, cfg.Queue.SyncQueue, events, lg)
	ingestor := service.NewWebhookIngestor(accountRepo, eventRepo, v, lg)
	tester := service.NewConnectionTester(accountRepo, service.NewAdapterFactory(catalog.NewRegistry(cfg, lg), v))

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpapi.NewRouter(httpapi.NewHandler(jobs, ingestor, tester, lg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		lg.Infof(ctx, "HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-sigChan:
		lg.Infof(ctx, "Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warnf(ctx, "Shutdown timeout exceeded: %v", err)
		}
		lg.Infof(ctx, "Application stopped")
		return nil
	case err := <-errChan:
		return err
	}
}
