package service

import (
	"context"
	"time"

	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
)

// AccountReader interface for dependency injection
type AccountReader interface {
	GetByID(ctx context.Context, accountID string) (*models.MarketplaceAccount, error)
}

// AccountStore is what the sync worker and the webhook ingestor need
type AccountStore interface {
	AccountReader
	FindByExternalID(ctx context.Context, marketplace models.MarketplaceType, externalID string) (*models.MarketplaceAccount, error)
	ListByMarketplace(ctx context.Context, marketplace models.MarketplaceType) ([]models.MarketplaceAccount, error)
	UpdateSyncState(ctx context.Context, accountID string, expectedVersion int64, state models.SyncState) error
	UpdateStatus(ctx context.Context, accountID string, status models.AccountStatus) error
	RecordSyncResult(ctx context.Context, accountID string, status models.AccountStatus, jobStatus models.JobStatus, syncErr *string, syncedAt *time.Time) error
}

type SyncJobStore interface {
	Create(ctx context.Context, job *models.SyncJob) error
	GetByID(ctx context.Context, jobID string) (*models.SyncJob, error)
	GetActiveForAccount(ctx context.Context, accountID string) (*models.SyncJob, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error)
	MarkProcessing(ctx context.Context, jobID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, progress, recordsProcessed int) error
	MarkCompleted(ctx context.Context, jobID string, recordsProcessed int) (bool, error)
	MarkFailed(ctx context.Context, jobID string, message string, recordsProcessed int) (bool, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	ResetForRetry(ctx context.Context, jobID string) (bool, error)
	SetQueueJobID(ctx context.Context, jobID, queueJobID string) error
	Stats(ctx context.Context, accountID string) (*models.SyncStats, error)
}

type RecordStore interface {
	UpsertSales(ctx context.Context, rows []models.SaleRecord) (int, error)
	UpsertProducts(ctx context.Context, rows []models.ProductRecord) (int, error)
	UpsertStock(ctx context.Context, rows []models.StockRecord) (int, error)
	UpsertOrders(ctx context.Context, rows []models.OrderRecord) (int, error)
	UpsertRegional(ctx context.Context, rows []models.RegionalRecord) (int, error)
}

type WebhookEventStore interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	GetByID(ctx context.Context, id string) (*models.WebhookEvent, error)
	MarkDelivered(ctx context.Context, id string, responseStatus int, responseData string) error
	RecordFailure(ctx context.Context, id string, f repository.DeliveryFailure) error
}

// AdapterProvider hands out a connected adapter for one job
type AdapterProvider interface {
	ForAccount(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Adapter, error)
}

// JobQueue publishes and removes queued jobs
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, env queue.Envelope, delay time.Duration) (string, error)
	Remove(ctx context.Context, queueName, jobID string) error
}

var (
	_ AccountStore      = (*repository.AccountRepository)(nil)
	_ SyncJobStore      = (*repository.SyncJobRepository)(nil)
	_ RecordStore       = (*repository.RecordRepository)(nil)
	_ WebhookEventStore = (*repository.WebhookEventRepository)(nil)
	_ JobQueue          = (*queue.Client)(nil)
)
