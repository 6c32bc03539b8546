package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vipul43/marketsync/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         gormlogger.Discard,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX idx_sync_job_one_active ON sync_job (account_id) WHERE status IN ('pending', 'processing')`).Error)
	return db
}

func createAccount(t *testing.T, db *gorm.DB, mutate func(*models.MarketplaceAccount)) *models.MarketplaceAccount {
	t.Helper()
	account := &models.MarketplaceAccount{
		ID:           uuid.NewString(),
		UserID:       "user-1",
		Marketplace:  models.MarketplaceWildberries,
		Name:         "WB shop",
		Status:       models.AccountStatusActive,
		SyncSettings: datatypes.NewJSONType(models.SyncSettings{AutoSync: true}),
	}
	if mutate != nil {
		mutate(account)
	}
	require.NoError(t, NewAccountRepository(db).Create(context.Background(), account))
	return account
}

func newJob(accountID string) *models.SyncJob {
	return &models.SyncJob{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      models.JobTypeFull,
		Status:    models.JobStatusPending,
		Trigger:   models.TriggerManual,
	}
}

func TestAccountRepository_GetAndFind(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	ext := "seller-77"
	account := createAccount(t, db, func(a *models.MarketplaceAccount) { a.ExternalAccountID = &ext })

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "WB shop", got.Name)
	assert.True(t, got.Settings().AutoSync)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	found, err := repo.FindByExternalID(ctx, models.MarketplaceWildberries, "seller-77")
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)

	_, err = repo.FindByExternalID(ctx, models.MarketplaceOzon, "seller-77")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountRepository_ListAutoSync(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)

	enabled := createAccount(t, db, nil)
	createAccount(t, db, func(a *models.MarketplaceAccount) { a.SetSettings(models.SyncSettings{}) })
	createAccount(t, db, func(a *models.MarketplaceAccount) { a.Status = models.AccountStatusInactive })

	accounts, err := repo.ListAutoSync(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, enabled.ID, accounts[0].ID)
}

func TestAccountRepository_UpdateSyncStateConflict(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()
	account := createAccount(t, db, nil)

	oldest := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	state := models.SyncState{InitialCompleted: true, OldestSyncedDate: &oldest}
	require.NoError(t, repo.UpdateSyncState(ctx, account.ID, 0, state))

	err := repo.UpdateSyncState(ctx, account.ID, 0, models.SyncState{})
	assert.ErrorIs(t, err, ErrStateConflict, "a stale version must not overwrite")

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.SyncStateVersion)
	assert.True(t, got.State().InitialCompleted)
	require.NotNil(t, got.State().OldestSyncedDate)
	assert.True(t, got.State().OldestSyncedDate.Equal(oldest))
	assert.Equal(t, models.SyncStateVersion, got.State().Version)
}

func TestAccountRepository_RecordSyncResult(t *testing.T) {
	db := newTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()
	account := createAccount(t, db, nil)

	synced := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordSyncResult(ctx, account.ID, models.AccountStatusActive, models.JobStatusCompleted, nil, &synced))

	msg := "sales stage: bad gateway"
	require.NoError(t, repo.RecordSyncResult(ctx, account.ID, models.AccountStatusError, models.JobStatusFailed, &msg, nil))

	got, err := repo.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusError, got.Status)
	require.NotNil(t, got.LastSyncStatus)
	assert.Equal(t, "failed", *got.LastSyncStatus)
	require.NotNil(t, got.LastSyncError)
	assert.Equal(t, msg, *got.LastSyncError)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, synced.Equal(*got.LastSyncAt), "a failure keeps the last successful sync time")
}

func TestSyncJobRepository_OneActiveJobPerAccount(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	account := createAccount(t, db, nil)

	first := newJob(account.ID)
	require.NoError(t, repo.Create(ctx, first))

	err := repo.Create(ctx, newJob(account.ID))
	assert.ErrorIs(t, err, ErrActiveJobExists)

	active, err := repo.GetActiveForAccount(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	ok, err := repo.MarkProcessing(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkCompleted(ctx, first.ID, 10)
	require.NoError(t, err)
	require.True(t, ok)

	active, err = repo.GetActiveForAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.NoError(t, repo.Create(ctx, newJob(account.ID)), "a finished job frees the slot")
}

func TestSyncJobRepository_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	account := createAccount(t, db, nil)

	job := newJob(account.ID)
	require.NoError(t, repo.Create(ctx, job))

	ok, err := repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.UpdateProgress(ctx, job.ID, 40, 12))
	require.NoError(t, repo.UpdateProgress(ctx, job.ID, 20, 5))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress, "progress never moves backwards")
	assert.Equal(t, 12, got.RecordsProcessed)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)

	ok, err = repo.MarkFailed(ctx, job.ID, "upstream 500", 12)
	require.NoError(t, err)
	require.True(t, ok)

	// a queue redelivery re-claims the failed job and starts from the first stage
	ok, err = repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.UpdateProgress(ctx, job.ID, 20, 5))

	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Progress)
	assert.Equal(t, 5, got.RecordsProcessed)
	assert.Equal(t, 2, got.Attempts)

	ok, err = repo.MarkFailed(ctx, job.ID, "upstream 500", 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ResetForRetry(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.TriggerRetry, got.Trigger)
	assert.Zero(t, got.Progress)
	assert.Nil(t, got.Error)

	ok, err = repo.ResetForRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only failed jobs can be retried")
}

func TestSyncJobRepository_CancelWinsOverCompletion(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	account := createAccount(t, db, nil)

	job := newJob(account.ID)
	require.NoError(t, repo.Create(ctx, job))
	_, err := repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)

	ok, err := repo.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkCompleted(ctx, job.ID, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a cancelled job is never picked up again")

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	ok, err = repo.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncJobRepository_Stats(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncJobRepository(db)
	ctx := context.Background()
	account := createAccount(t, db, nil)

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, d := range []time.Duration{time.Minute, 3 * time.Minute} {
		started := start.Add(time.Duration(i) * time.Hour)
		completed := started.Add(d)
		job := newJob(account.ID)
		job.Status = models.JobStatusCompleted
		job.StartedAt = &started
		job.CompletedAt = &completed
		require.NoError(t, repo.Create(ctx, job))
	}
	failed := newJob(account.ID)
	failed.Status = models.JobStatusFailed
	require.NoError(t, repo.Create(ctx, failed))

	stats, err := repo.Stats(ctx, account.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 2, stats.ByStatus[models.JobStatusCompleted])
	assert.EqualValues(t, 1, stats.ByStatus[models.JobStatusFailed])
	assert.Equal(t, 2*time.Minute, stats.AverageDuration)
	require.NotNil(t, stats.LastSuccessfulSync)
	assert.True(t, stats.LastSuccessfulSync.Equal(start.Add(time.Hour+3*time.Minute)))

	all, err := repo.Stats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, all.Total)
}

func TestRecordRepository_UpsertIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewRecordRepository(db)
	ctx := context.Background()

	date := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	sale := func(price float64) models.SaleRecord {
		return models.SaleRecord{
			ID:          uuid.NewString(),
			AccountID:   "acc-1",
			ProductID:   "p-1",
			OrderID:     "o-1",
			SaleDate:    date,
			Marketplace: models.MarketplaceOzon,
			Quantity:    1,
			Price:       price,
			TotalAmount: price,
		}
	}

	n, err := repo.UpsertSales(ctx, []models.SaleRecord{sale(100), sale(120)})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicates within one batch collapse")

	_, err = repo.UpsertSales(ctx, []models.SaleRecord{sale(150)})
	require.NoError(t, err)

	count, err := repo.CountSales(ctx, "acc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	var stored models.SaleRecord
	require.NoError(t, db.First(&stored).Error)
	assert.Equal(t, 150.0, stored.Price, "re-ingestion updates in place")
}

func TestRecordRepository_OtherRecords(t *testing.T) {
	db := newTestDB(t)
	repo := NewRecordRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.UpsertProducts(ctx, []models.ProductRecord{{ID: uuid.NewString(), AccountID: "a", ExternalID: "1", Name: "Mug"}})
	require.NoError(t, err)
	_, err = repo.UpsertProducts(ctx, []models.ProductRecord{{ID: uuid.NewString(), AccountID: "a", ExternalID: "1", Name: "Red mug"}})
	require.NoError(t, err)

	_, err = repo.UpsertStock(ctx, []models.StockRecord{
		{ID: uuid.NewString(), AccountID: "a", ProductID: "1", Warehouse: "fbo", Quantity: 3, SnapshotAt: now},
		{ID: uuid.NewString(), AccountID: "a", ProductID: "1", Warehouse: "fbs", Quantity: 1, SnapshotAt: now},
	})
	require.NoError(t, err)

	_, err = repo.UpsertOrders(ctx, []models.OrderRecord{{ID: uuid.NewString(), AccountID: "a", OrderID: "o", ProductID: "1", OrderDate: now}})
	require.NoError(t, err)

	period := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := models.RegionalRecord{AccountID: "a", Region: "Moscow", PeriodStart: period, PeriodEnd: period.AddDate(0, 0, 7)}
	bucket.ID = uuid.NewString()
	_, err = repo.UpsertRegional(ctx, []models.RegionalRecord{bucket})
	require.NoError(t, err)
	bucket.ID = uuid.NewString()
	bucket.Revenue = 99
	_, err = repo.UpsertRegional(ctx, []models.RegionalRecord{bucket})
	require.NoError(t, err)

	var products []models.ProductRecord
	require.NoError(t, db.Find(&products).Error)
	require.Len(t, products, 1)
	assert.Equal(t, "Red mug", products[0].Name)

	var stockRows, regionalRows int64
	db.Model(&models.StockRecord{}).Count(&stockRows)
	db.Model(&models.RegionalRecord{}).Count(&regionalRows)
	assert.EqualValues(t, 2, stockRows)
	assert.EqualValues(t, 1, regionalRows)
}

func TestWebhookEventRepository_DeliveryOutcome(t *testing.T) {
	db := newTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	target := "https://hooks.example.com/sync"
	event := &models.WebhookEvent{
		ID:          uuid.NewString(),
		Marketplace: models.MarketplaceOzon,
		Direction:   models.DirectionOutbound,
		EventType:   models.EventSyncCompleted,
		Status:      models.WebhookStatusPending,
		Payload:     []byte(`{"jobId":"j-1"}`),
		TargetURL:   &target,
		MaxRetries:  3,
	}
	require.NoError(t, repo.Create(ctx, event))

	grace := 10 * time.Minute
	due, err := repo.GetDueDeliveries(ctx, time.Now().UTC().Add(-grace), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "first attempt is still queued")

	due, err = repo.GetDueDeliveries(ctx, time.Now().UTC().Add(grace), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	next := time.Now().UTC().Add(time.Hour)
	status := 502
	require.NoError(t, repo.RecordFailure(ctx, event.ID, DeliveryFailure{RetryCount: 1, Error: "bad gateway", ResponseStatus: &status, NextRetryAt: &next}))

	due, err = repo.GetDueDeliveries(ctx, time.Now().UTC().Add(grace), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before next_retry_at")

	due, err = repo.GetDueDeliveries(ctx, next.Add(grace), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, repo.RecordFailure(ctx, event.ID, DeliveryFailure{RetryCount: 3, Error: "bad gateway"}))
	got, err = repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestWebhookEventRepository_MarkDelivered(t *testing.T) {
	db := newTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	event := &models.WebhookEvent{
		ID:          uuid.NewString(),
		Marketplace: models.MarketplaceWildberries,
		Direction:   models.DirectionOutbound,
		EventType:   models.EventSyncFailed,
		Status:      models.WebhookStatusPending,
	}
	require.NoError(t, repo.Create(ctx, event))
	require.NoError(t, repo.MarkDelivered(ctx, event.ID, 200, "ok"))

	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusDelivered, got.Status)
	require.NotNil(t, got.ResponseStatus)
	assert.Equal(t, 200, *got.ResponseStatus)
}
