package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/notify"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/syncstate"
)

// DeliveryScheduler queues an outbound webhook
type DeliveryScheduler interface {
	Schedule(ctx context.Context, d OutboundDelivery) (*models.WebhookEvent, error)
}

type SyncProcessorOptions struct {
	Tuning syncstate.Tuning
	// StateRetries bounds the compare-and-swap loop on sync_state
	StateRetries int
}

type SyncProcessor struct {
	jobs       SyncJobStore
	accounts   AccountStore
	records    RecordStore
	adapters   AdapterProvider
	deliveries DeliveryScheduler
	events     notify.Publisher
	opts       SyncProcessorOptions
	log        logger.Logger
	now        func() time.Time
}

func NewSyncProcessor(
	jobs SyncJobStore,
	accounts AccountStore,
	records RecordStore,
	adapters AdapterProvider,
	deliveries DeliveryScheduler,
	events notify.Publisher,
	opts SyncProcessorOptions,
	log logger.Logger,
) *SyncProcessor {
	if opts.StateRetries <= 0 {
		opts.StateRetries = 5
	}
	return &SyncProcessor{
		jobs:       jobs,
		accounts:   accounts,
		records:    records,
		adapters:   adapters,
		deliveries: deliveries,
		events:     events,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Handle is the queue entry point
func (p *SyncProcessor) Handle(ctx context.Context, env queue.Envelope) error {
	var task SyncTask
	if err := env.Decode(&task); err != nil {
		return queue.Permanent(err)
	}
	return p.Process(ctx, task.JobID, env.Attempt)
}

type stage struct {
	name     string
	progress int
	run      func(ctx context.Context, a marketplace.Adapter, acc *models.MarketplaceAccount, q marketplace.Query) (int, error)
}

func (p *SyncProcessor) stagesFor(t models.JobType) []stage {
	products := stage{name: "products", run: p.syncProducts}
	stock := stage{name: "stock", run: p.syncStock}
	sales := stage{name: "sales", run: p.syncSales}
	orders := stage{name: "orders", run: p.syncOrders}
	regional := stage{name: "regional", run: p.syncRegional}

	var stages []stage
	switch t {
	case models.JobTypeFull:
		stages = []stage{products, stock, sales, orders, regional}
	case models.JobTypeProducts:
		stages = []stage{products}
	case models.JobTypeStock:
		stages = []stage{stock}
	case models.JobTypeSales:
		stages = []stage{sales}
	case models.JobTypeOrders:
		stages = []stage{orders}
	case models.JobTypeRegional:
		stages = []stage{regional}
	}
	for i := range stages {
		stages[i].progress = (i + 1) * 100 / len(stages)
	}
	return stages
}

// Process runs one sync job. Errors are returned so the queue can retry;
// configuration errors come back wrapped with queue.Permanent.
func (p *SyncProcessor) Process(ctx context.Context, jobID string, attempt int) error {
	ctx = logger.WithJobID(ctx, jobID)

	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	ctx = logger.WithAccountID(ctx, job.AccountID)

	if job.Status == models.JobStatusCompleted || job.Status == models.JobStatusCancelled {
		p.log.Infof(ctx, "Skipping %s job", job.Status)
		return nil
	}

	claimed, err := p.jobs.MarkProcessing(ctx, job.ID)
	if err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			p.log.Warnf(ctx, "Another job is active for the account, dropping this delivery")
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if !claimed {
		p.log.Infof(ctx, "Job changed state before it could start, skipping")
		return nil
	}
	job.Status = models.JobStatusProcessing

	account, err := p.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return p.fail(ctx, job, nil, 0, queue.Permanent(err))
		}
		return p.fail(ctx, job, nil, 0, err)
	}
	ctx = logger.WithMarketplace(ctx, string(account.Marketplace))

	p.log.Infof(ctx, "Processing %s job (attempt %d)", job.Type, attempt+1)
	p.emit(ctx, job, account, "")

	if err := p.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusSyncing); err != nil {
		p.log.Warnf(ctx, "Failed to mark account syncing: %v", err)
	}

	adapter, err := p.adapters.ForAccount(ctx, account)
	if err != nil {
		return p.fail(ctx, job, account, 0, err)
	}
	defer adapter.Disconnect()

	from, to := p.window(job)
	query := marketplace.Query{From: from, To: to}

	total := 0
	for _, st := range p.stagesFor(job.Type) {
		if p.cancelled(ctx, job.ID) {
			p.log.Infof(ctx, "Job cancelled, stopping before %s", st.name)
			p.restoreAccount(ctx, account)
			return nil
		}

		n, err := st.run(ctx, adapter, account, query)
		total += n
		if err != nil {
			return p.fail(ctx, job, account, total, fmt.Errorf("%s stage: %w", st.name, err))
		}

		if err := p.jobs.UpdateProgress(ctx, job.ID, st.progress, total); err != nil {
			p.log.Warnf(ctx, "Failed to update progress: %v", err)
		}
		job.Progress, job.RecordsProcessed = st.progress, total
		p.log.Debugf(ctx, "Stage %s stored %d record(s)", st.name, n)
	}

	completed, err := p.jobs.MarkCompleted(ctx, job.ID, total)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if !completed {
		p.log.Infof(ctx, "Job was cancelled while running, leaving it cancelled")
		p.restoreAccount(ctx, account)
		return nil
	}
	job.Status = models.JobStatusCompleted
	job.WindowFrom, job.WindowTo = &from, &to

	now := p.now()
	if err := p.applyCompletion(ctx, job, now); err != nil {
		p.log.Errorf(ctx, "Failed to update sync state: %v", err)
	}
	if err := p.accounts.RecordSyncResult(ctx, account.ID, models.AccountStatusActive, models.JobStatusCompleted, nil, &now); err != nil {
		p.log.Errorf(ctx, "Failed to record sync result: %v", err)
	}

	p.log.Infof(ctx, "Completed %s job with %d record(s)", job.Type, total)
	p.emit(ctx, job, account, "")
	p.notifyOutbound(ctx, job, account, models.EventSyncCompleted, "")
	return nil
}

// window resolves the fetch range; jobs without one cover the initial lookback
func (p *SyncProcessor) window(job *models.SyncJob) (time.Time, time.Time) {
	to := p.now()
	if job.WindowTo != nil {
		to = *job.WindowTo
	}
	from := to.Add(-p.opts.Tuning.InitialWindow)
	if job.WindowFrom != nil {
		from = *job.WindowFrom
	}
	return from, to
}

func (p *SyncProcessor) cancelled(ctx context.Context, jobID string) bool {
	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		p.log.Warnf(ctx, "Failed to check cancellation: %v", err)
		return false
	}
	return job.Status == models.JobStatusCancelled
}

func (p *SyncProcessor) restoreAccount(ctx context.Context, account *models.MarketplaceAccount) {
	if err := p.accounts.UpdateStatus(ctx, account.ID, models.AccountStatusActive); err != nil {
		p.log.Warnf(ctx, "Failed to restore account status: %v", err)
	}
}

// applyCompletion re-reads the account until its state version is written
// without a concurrent change in between
func (p *SyncProcessor) applyCompletion(ctx context.Context, job *models.SyncJob, now time.Time) error {
	for i := 0; i < p.opts.StateRetries; i++ {
		account, err := p.accounts.GetByID(ctx, job.AccountID)
		if err != nil {
			return err
		}
		next := syncstate.ApplyCompletion(account.State(), job, now, p.opts.Tuning)
		err = p.accounts.UpdateSyncState(ctx, account.ID, account.SyncStateVersion, next)
		if errors.Is(err, repository.ErrStateConflict) {
			p.log.Debugf(ctx, "Sync state changed concurrently, retrying")
			continue
		}
		return err
	}
	return repository.ErrStateConflict
}

// fail marks the job failed and returns the error for the queue policy
func (p *SyncProcessor) fail(ctx context.Context, job *models.SyncJob, account *models.MarketplaceAccount, records int, cause error) error {
	msg := cause.Error()
	p.log.Errorf(ctx, "Sync job failed: %v", cause)

	marked, err := p.jobs.MarkFailed(ctx, job.ID, msg, records)
	if err != nil {
		p.log.Errorf(ctx, "Failed to mark job failed: %v", err)
	} else if !marked {
		p.log.Infof(ctx, "Job left the active state before failing, keeping its status")
		return nil
	}
	job.Status = models.JobStatusFailed
	job.Error = &msg
	job.RecordsProcessed = records

	if account != nil {
		if err := p.accounts.RecordSyncResult(ctx, account.ID, models.AccountStatusError, models.JobStatusFailed, &msg, nil); err != nil {
			p.log.Errorf(ctx, "Failed to record sync result: %v", err)
		}
		p.emit(ctx, job, account, msg)
		p.notifyOutbound(ctx, job, account, models.EventSyncFailed, msg)
	}

	if queue.IsPermanent(cause) || isConfigurationError(cause) {
		return queue.Permanent(cause)
	}
	return cause
}

func (p *SyncProcessor) emit(ctx context.Context, job *models.SyncJob, account *models.MarketplaceAccount, errMsg string) {
	var mp models.MarketplaceType
	if account != nil {
		mp = account.Marketplace
	}
	publishJobEvent(ctx, p.events, p.log, job, mp, errMsg)
}

type syncNotification struct {
	Event            models.WebhookEventType `json:"event"`
	JobID            string                  `json:"jobId"`
	AccountID        string                  `json:"accountId"`
	Marketplace      models.MarketplaceType  `json:"marketplace"`
	Type             models.JobType          `json:"type"`
	Mode             *models.SyncMode        `json:"mode,omitempty"`
	Status           models.JobStatus        `json:"status"`
	RecordsProcessed int                     `json:"recordsProcessed"`
	Error            string                  `json:"error,omitempty"`
	At               time.Time               `json:"at"`
}

func (p *SyncProcessor) notifyOutbound(ctx context.Context, job *models.SyncJob, account *models.MarketplaceAccount, event models.WebhookEventType, errMsg string) {
	if p.deliveries == nil || account.Settings().NotifyURL == "" {
		return
	}
	payload, err := json.Marshal(syncNotification{
		Event:            event,
		JobID:            job.ID,
		AccountID:        account.ID,
		Marketplace:      account.Marketplace,
		Type:             job.Type,
		Mode:             job.Mode,
		Status:           job.Status,
		RecordsProcessed: job.RecordsProcessed,
		Error:            errMsg,
		At:               p.now().UTC(),
	})
	if err != nil {
		p.log.Errorf(ctx, "Failed to build sync notification: %v", err)
		return
	}
	accountID := account.ID
	_, err = p.deliveries.Schedule(ctx, OutboundDelivery{
		AccountID:   &accountID,
		Marketplace: account.Marketplace,
		EventType:   event,
		TargetURL:   account.Settings().NotifyURL,
		Payload:     payload,
	})
	if err != nil {
		p.log.Warnf(ctx, "Failed to schedule sync notification: %v", err)
	}
}

// persist stores whatever the adapter returned, even next to a fetch
// error, so windows that succeeded are not lost
func persist[T any, R any](ctx context.Context, items []T, fetchErr error, convert func(T) R, save func(context.Context, []R) (int, error)) (int, error) {
	rows := make([]R, 0, len(items))
	for _, item := range items {
		rows = append(rows, convert(item))
	}
	n, err := save(ctx, rows)
	if err != nil {
		if fetchErr != nil {
			return 0, errors.Join(fetchErr, err)
		}
		return 0, err
	}
	return n, fetchErr
}

func (p *SyncProcessor) syncProducts(ctx context.Context, a marketplace.Adapter, acc *models.MarketplaceAccount, q marketplace.Query) (int, error) {
	items, err := a.GetProducts(ctx, marketplace.Query{})
	if err != nil && len(items) == 0 {
		return 0, err
	}
	return persist(ctx, items, err, func(it marketplace.Product) models.ProductRecord {
		return models.ProductRecord{
			ID:          uuid.NewString(),
			AccountID:   acc.ID,
			ExternalID:  it.ExternalID,
			Marketplace: acc.Marketplace,
			SKU:         it.SKU,
			Name:        it.Name,
			Brand:       it.Brand,
			Category:    it.Category,
			Barcode:     it.Barcode,
			Price:       it.Price,
			Currency:    it.Currency,
			ImageURL:    it.ImageURL,
			Active:      it.Active,
		}
	}, p.records.UpsertProducts)
}

func (p *SyncProcessor) syncStock(ctx context.Context, a marketplace.Adapter, acc *models.MarketplaceAccount, q marketplace.Query) (int, error) {
	items, err := a.GetStock(ctx, marketplace.Query{})
	if err != nil && len(items) == 0 {
		return 0, err
	}
	now := p.now()
	return persist(ctx, items, err, func(it marketplace.Stock) models.StockRecord {
		snapshot := it.UpdatedAt
		if snapshot.IsZero() {
			snapshot = now
		}
		return models.StockRecord{
			ID:          uuid.NewString(),
			AccountID:   acc.ID,
			ProductID:   it.ProductID,
			Warehouse:   it.Warehouse,
			Marketplace: acc.Marketplace,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			Reserved:    it.Reserved,
			SnapshotAt:  snapshot,
		}
	}, p.records.UpsertStock)
}

func (p *SyncProcessor) syncSales(ctx context.Context, a marketplace.Adapter, acc *models.MarketplaceAccount, q marketplace.Query) (int, error) {
	items, err := a.GetSales(ctx, q)
	if err != nil && len(items) == 0 {
		return 0, err
	}
	return persist(ctx, items, err, func(it marketplace.Sale) models.SaleRecord {
		return models.SaleRecord{
			ID:          uuid.NewString(),
			AccountID:   acc.ID,
			ProductID:   it.ProductID,
			OrderID:     it.OrderID,
			SaleDate:    it.Date,
			Marketplace: acc.Marketplace,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			Price:       it.Price,
			TotalAmount: it.TotalAmount,
			Currency:    it.Currency,
			Region:      it.Region,
			Warehouse:   it.Warehouse,
			IsReturn:    it.IsReturn,
		}
	}, p.records.UpsertSales)
}

func (p *SyncProcessor) syncOrders(ctx context.Context, a marketplace.Adapter, acc *models.MarketplaceAccount, q marketplace.Query) (int, error) {
	items, err := a.GetOrders(ctx, q)
	if err != nil && len(items) == 0 {
		return 0, err
	}
	return persist(ctx, items, err, func(it marketplace.Order) models.OrderRecord {
		return models.OrderRecord{
			ID:          uuid.NewString(),
			AccountID:   acc.ID,
			OrderID:     it.OrderID,
			ProductID:   it.ProductID,
			Marketplace: acc.Marketplace,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
			TotalAmount: it.TotalAmount,
			Currency:    it.Currency,
			Status:      it.Status,
			OrderDate:   it.Date,
			Region:      it.Region,
			Warehouse:   it.Warehouse,
		}
	}, p.records.UpsertOrders)
}

func (p *SyncProcessor) syncRegional(ctx context.Context, a marketplace.Adapter, acc *models.MarketplaceAccount, q marketplace.Query) (int, error) {
	items, err := a.GetRegionalData(ctx, q)
	if err != nil && len(items) == 0 {
		return 0, err
	}
	return persist(ctx, items, err, func(it marketplace.RegionalBucket) models.RegionalRecord {
		return models.RegionalRecord{
			ID:          uuid.NewString(),
			AccountID:   acc.ID,
			Region:      it.Region,
			PeriodStart: it.PeriodStart,
			PeriodEnd:   it.PeriodEnd,
			Marketplace: acc.Marketplace,
			Quantity:    it.Quantity,
			OrderCount:  it.OrderCount,
			Revenue:     it.Revenue,
			Currency:    it.Currency,
		}
	}, p.records.UpsertRegional)
}
