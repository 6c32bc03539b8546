// Package scheduler decides, per account, which sync job runs next and
// queues it on a fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/notify"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/service"
	"github.com/vipul43/marketsync/internal/syncstate"
)

// Tick names one scheduling cadence
type Tick string

const (
	// TickCatchUp only queues INITIAL and CATCH_UP jobs
	TickCatchUp Tick = "catch_up"
	// TickDaily queues whatever the account needs next
	TickDaily Tick = "daily"
	// TickStock queues a stock job for accounts with stock auto-sync
	TickStock Tick = "stock"
)

const sweepBatch = 50

type AccountStore interface {
	ListAutoSync(ctx context.Context) ([]models.MarketplaceAccount, error)
	UpdateSyncState(ctx context.Context, accountID string, expectedVersion int64, state models.SyncState) error
	RecordSyncResult(ctx context.Context, accountID string, status models.AccountStatus, jobStatus models.JobStatus, syncErr *string, syncedAt *time.Time) error
}

type JobStore interface {
	GetPendingJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncJob, error)
	GetStaleProcessingJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncJob, error)
	MarkFailed(ctx context.Context, jobID string, message string, recordsProcessed int) (bool, error)
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (*service.EnqueueResult, error)
	Republish(ctx context.Context, job *models.SyncJob)
}

type DeliveryStore interface {
	GetDueDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error)
}

type DeliveryRequeuer interface {
	Requeue(ctx context.Context, event *models.WebhookEvent) error
}

type Options struct {
	CatchUpInterval time.Duration
	DailyInterval   time.Duration
	StockInterval   time.Duration
	SweepInterval   time.Duration
	LockTTL         time.Duration
	// PendingGrace is how long a pending job or a due delivery may wait
	// before its queue message is assumed lost
	PendingGrace time.Duration
	// StaleAfter is how long a job may sit in processing without progress
	StaleAfter time.Duration
	Tuning     syncstate.Tuning
}

func (o *Options) setDefaults() {
	if o.CatchUpInterval <= 0 {
		o.CatchUpInterval = time.Hour
	}
	if o.DailyInterval <= 0 {
		o.DailyInterval = 24 * time.Hour
	}
	if o.StockInterval <= 0 {
		o.StockInterval = 30 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.PendingGrace <= 0 {
		o.PendingGrace = 10 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = time.Hour
	}
	if o.Tuning == (syncstate.Tuning{}) {
		o.Tuning = syncstate.DefaultTuning()
	}
}

type Scheduler struct {
	accounts   AccountStore
	jobStore   JobStore
	jobs       JobEnqueuer
	deliveries DeliveryStore
	requeuer   DeliveryRequeuer
	locker     notify.Locker
	opts       Options
	log        logger.Logger
	now        func() time.Time
}

func New(
	accounts AccountStore,
	jobStore JobStore,
	jobs JobEnqueuer,
	deliveries DeliveryStore,
	requeuer DeliveryRequeuer,
	locker notify.Locker,
	opts Options,
	log logger.Logger,
) *Scheduler {
	opts.setDefaults()
	if locker == nil {
		locker = notify.Nop{}
	}
	return &Scheduler{
		accounts:   accounts,
		jobStore:   jobStore,
		jobs:       jobs,
		deliveries: deliveries,
		requeuer:   requeuer,
		locker:     locker,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Start runs the cadences until ctx is cancelled. Work left over from a
// previous run is recovered first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Infof(ctx, "Starting scheduler (catch-up %v, daily %v, stock %v)",
		s.opts.CatchUpInterval, s.opts.DailyInterval, s.opts.StockInterval)

	if err := s.Sweep(ctx); err != nil {
		s.log.Warnf(ctx, "Failed to recover jobs on startup: %v", err)
	}
	s.run(ctx, TickDaily)

	catchUp := time.NewTicker(s.opts.CatchUpInterval)
	defer catchUp.Stop()
	daily := time.NewTicker(s.opts.DailyInterval)
	defer daily.Stop()
	stock := time.NewTicker(s.opts.StockInterval)
	defer stock.Stop()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infof(context.Background(), "Scheduler shutting down...")
			return ctx.Err()
		case <-catchUp.C:
			s.run(ctx, TickCatchUp)
		case <-daily.C:
			s.run(ctx, TickDaily)
		case <-stock.C:
			s.run(ctx, TickStock)
		case <-sweep.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Errorf(ctx, "Recovery sweep failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, tick Tick) {
	queued, err := s.Tick(ctx, tick)
	if err != nil {
		s.log.Errorf(ctx, "Scheduler %s tick failed: %v", tick, err)
		return
	}
	if queued > 0 {
		s.log.Infof(ctx, "Scheduler %s tick queued %d job(s)", tick, queued)
	}
}

// Tick walks every auto-sync account once and returns how many jobs were
// created. One account failing does not stop the others.
func (s *Scheduler) Tick(ctx context.Context, tick Tick) (int, error) {
	accounts, err := s.accounts.ListAutoSync(ctx)
	if err != nil {
		return 0, err
	}

	queued := 0
	for i := range accounts {
		account := &accounts[i]
		if tick == TickStock && !account.Settings().AutoSyncStock {
			continue
		}
		actx := logger.WithMarketplace(logger.WithAccountID(ctx, account.ID), string(account.Marketplace))
		created, err := s.scheduleAccount(actx, account, tick)
		if err != nil {
			s.log.Errorf(actx, "Failed to schedule account: %v", err)
			continue
		}
		if created {
			queued++
		}
	}
	return queued, nil
}

// scheduleAccount holds the account lock across decide and enqueue so two
// scheduler instances cannot queue different windows for one account
func (s *Scheduler) scheduleAccount(ctx context.Context, account *models.MarketplaceAccount, tick Tick) (bool, error) {
	key := "schedule:" + account.ID
	token, err := s.locker.TryLock(ctx, key, s.opts.LockTTL)
	if err != nil {
		return false, fmt.Errorf("failed to take account lock: %w", err)
	}
	if token == "" {
		s.log.Debugf(ctx, "Account is being scheduled elsewhere, skipping")
		return false, nil
	}
	defer func() {
		if err := s.locker.Unlock(ctx, key, token); err != nil {
			s.log.Warnf(ctx, "Failed to release account lock: %v", err)
		}
	}()

	if tick == TickStock {
		return s.enqueue(ctx, service.EnqueueRequest{
			AccountID: account.ID,
			Type:      models.JobTypeStock,
			Trigger:   models.TriggerScheduled,
		})
	}

	d := syncstate.DecideNextWindow(account.State(), s.now(), s.opts.Tuning)
	if d.StateChanged {
		err := s.accounts.UpdateSyncState(ctx, account.ID, account.SyncStateVersion, d.State)
		if errors.Is(err, repository.ErrStateConflict) {
			s.log.Debugf(ctx, "Sync state changed since it was read, deciding next tick")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		account.SyncStateVersion++
		account.SetState(d.State)
	}
	if d.Skip {
		return false, nil
	}
	if tick == TickCatchUp && d.Mode == models.ModeDelta {
		return false, nil
	}

	mode := d.Mode
	from, to := d.From, d.To
	return s.enqueue(ctx, service.EnqueueRequest{
		AccountID: account.ID,
		Type:      models.JobTypeFull,
		Mode:      &mode,
		From:      &from,
		To:        &to,
		Trigger:   models.TriggerScheduled,
	})
}

func (s *Scheduler) enqueue(ctx context.Context, req service.EnqueueRequest) (bool, error) {
	res, err := s.jobs.Enqueue(ctx, req)
	if err != nil {
		return false, err
	}
	if !res.Created {
		s.log.Debugf(ctx, "Job %s still active, nothing queued", res.Job.ID)
		return false, nil
	}
	if req.Mode != nil {
		s.log.Infof(ctx, "Queued %s %s job for %s - %s", *req.Mode, req.Type,
			req.From.Format(time.RFC3339), req.To.Format(time.RFC3339))
	} else {
		s.log.Infof(ctx, "Queued %s job", req.Type)
	}
	return true, nil
}

// Sweep recovers work whose queue message was lost: pending jobs are
// published again, jobs stuck in processing are failed so the next tick
// can reschedule, and due deliveries are queued again.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now()
	var errs []error

	pending, err := s.jobStore.GetPendingJobs(ctx, now.Add(-s.opts.PendingGrace), sweepBatch)
	if err != nil {
		errs = append(errs, err)
	}
	for i := range pending {
		jctx := logger.WithJobID(ctx, pending[i].ID)
		s.log.Warnf(jctx, "Republishing job pending since %s", pending[i].CreatedAt.Format(time.RFC3339))
		s.jobs.Republish(jctx, &pending[i])
	}

	stale, err := s.jobStore.GetStaleProcessingJobs(ctx, now.Add(-s.opts.StaleAfter), sweepBatch)
	if err != nil {
		errs = append(errs, err)
	}
	for i := range stale {
		if err := s.failStale(ctx, &stale[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if s.deliveries != nil && s.requeuer != nil {
		due, err := s.deliveries.GetDueDeliveries(ctx, now.Add(-s.opts.PendingGrace), sweepBatch)
		if err != nil {
			errs = append(errs, err)
		}
		for i := range due {
			if err := s.requeuer.Requeue(ctx, &due[i]); err != nil {
				errs = append(errs, fmt.Errorf("failed to requeue delivery %s: %w", due[i].ID, err))
			}
		}
	}

	if n := len(pending) + len(stale); n > 0 {
		s.log.Infof(ctx, "Recovered %d pending and %d stale job(s)", len(pending), len(stale))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) failStale(ctx context.Context, job *models.SyncJob) error {
	ctx = logger.WithAccountID(logger.WithJobID(ctx, job.ID), job.AccountID)
	msg := fmt.Sprintf("job made no progress since %s", job.UpdatedAt.Format(time.RFC3339))

	marked, err := s.jobStore.MarkFailed(ctx, job.ID, msg, job.RecordsProcessed)
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}
	s.log.Warnf(ctx, "Failed stale job: %s", msg)
	return s.accounts.RecordSyncResult(ctx, job.AccountID, models.AccountStatusError, models.JobStatusFailed, &msg, nil)
}
