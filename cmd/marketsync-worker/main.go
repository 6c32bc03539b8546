package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vipul43/marketsync/internal/config"
	"github.com/vipul43/marketsync/internal/database"
	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace/catalog"
	"github.com/vipul43/marketsync/internal/notify"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/scheduler"
	"github.com/vipul43/marketsync/internal/service"
	"github.com/vipul43/marketsync/internal/syncstate"
	"github.com/vipul43/marketsync/internal/vault"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lg, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer lg.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)
	lg.Infof(ctx, "Database connected successfully")

	lg.Infof(ctx, "Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	lg.Infof(ctx, "Migrations completed successfully")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	jobRepo := repository.NewSyncJobRepository(db)
	recordRepo := repository.NewRecordRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)

	v, err := vault.NewSealedVault(cfg.VaultKey)
	if err != nil {
		return err
	}
	adapters := service.NewAdapterFactory(catalog.NewRegistry(cfg, lg), v)

	qc, err := queue.NewClient(queue.Options{
		Host:      cfg.Queue.Host,
		Port:      cfg.Queue.Port,
		Namespace: cfg.Queue.Namespace,
		Token:     cfg.Queue.Token,
		TTL:       cfg.Queue.JobTTL,
	})
	if err != nil {
		return err
	}

	// Redis is optional: without it locks and job events are no-ops
	var (
		events notify.Publisher = notify.Nop{}
		locker notify.Locker    = notify.Nop{}
	)
	if cfg.Redis.Addr != "" {
		rdb, err := notify.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			lg.Warnf(ctx, "Redis unavailable, running without locks and job events: %v", err)
		} else {
			defer rdb.Close()
			events, locker = rdb, rdb
		}
	}

	tuning := syncstate.TuningFromConfig(cfg.Sync)

	// Initialize services
	jobs := service.NewJobService(jobRepo, accountRepo, qc, cfg.Queue.SyncQueue, events, lg)
	deliveries := service.NewDeliveryRetrier(eventRepo, qc, cfg.Queue.DeliveryQueue, service.DeliveryOptions{
		BaseDelay:   cfg.Delivery.BaseDelay,
		MaxDelay:    cfg.Delivery.MaxDelay,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Timeout:     cfg.Delivery.Timeout,
	}, lg)
	processor := service.NewSyncProcessor(jobRepo, accountRepo, recordRepo, adapters, deliveries, events,
		service.SyncProcessorOptions{Tuning: tuning, StateRetries: cfg.Sync.StateUpdateRetries}, lg)

	policy := queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
	}
	syncConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:       cfg.Queue.SyncQueue,
		Threads:     cfg.Queue.Consumers,
		Workers:     cfg.Worker.Concurrency,
		BufferSize:  cfg.Worker.Concurrency,
		TTR:         cfg.Queue.TTR,
		PollTimeout: cfg.Queue.PollTimeout,
		JobTimeout:  cfg.Worker.JobTimeout,
		Policy:      policy,
	}, qc, processor.Handle, lg)
	deliveryConsumer := queue.NewConsumer(queue.ConsumerConfig{
		Queue:       cfg.Queue.DeliveryQueue,
		Threads:     1,
		Workers:     cfg.Worker.Concurrency,
		BufferSize:  cfg.Worker.Concurrency,
		TTR:         2 * cfg.Delivery.Timeout,
		PollTimeout: cfg.Queue.PollTimeout,
		JobTimeout:  cfg.Delivery.Timeout + 5*time.Second,
		Policy:      policy,
	}, qc, deliveries.Handle, lg)

	sched := scheduler.New(accountRepo, jobRepo, jobs, eventRepo, deliveries, locker, scheduler.Options{
		CatchUpInterval: cfg.Schedule.CatchUpInterval,
		DailyInterval:   cfg.Schedule.DailyInterval,
		StockInterval:   cfg.Schedule.StockInterval,
		LockTTL:         cfg.Schedule.LockTTL,
		StaleAfter:      2 * cfg.Worker.JobTimeout,
		Tuning:          tuning,
	}, lg)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	syncConsumer.Start(ctx)
	deliveryConsumer.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- sched.Start(ctx)
	}()

	select {
	case <-sigChan:
		lg.Infof(context.Background(), "Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		drained := make(chan struct{})
		go func() {
			syncConsumer.Stop()
			deliveryConsumer.Stop()
			if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
				lg.Errorf(context.Background(), "Scheduler error: %v", err)
			}
			close(drained)
		}()

		select {
		case <-shutdownCtx.Done():
			lg.Warnf(context.Background(), "Shutdown timeout exceeded with %d job(s) in flight",
				syncConsumer.InFlight()+deliveryConsumer.InFlight())
		case <-drained:
		}

		lg.Infof(context.Background(), "Application stopped")
		return nil

	case err := <-errChan:
		syncConsumer.Stop()
		deliveryConsumer.Stop()
		return err
	}
}
