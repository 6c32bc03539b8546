package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/notify"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
)

type testStore struct {
	db       *gorm.DB
	accounts *repository.AccountRepository
	jobs     *repository.SyncJobRepository
	records  *repository.RecordRepository
	events   *repository.WebhookEventRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "service.db")), &gorm.Config{
		Logger:         gormlogger.Discard,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX idx_sync_job_one_active ON sync_job (account_id) WHERE status IN ('pending', 'processing')`).Error)
	return &testStore{
		db:       db,
		accounts: repository.NewAccountRepository(db),
		jobs:     repository.NewSyncJobRepository(db),
		records:  repository.NewRecordRepository(db),
		events:   repository.NewWebhookEventRepository(db),
	}
}

func (s *testStore) createAccount(t *testing.T, mutate func(*models.MarketplaceAccount)) *models.MarketplaceAccount {
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
	require.NoError(t, s.accounts.Create(context.Background(), account))
	return account
}

type enqueued struct {
	queue string
	env   queue.Envelope
	delay time.Duration
}

// mockJobQueue records what was published
type mockJobQueue struct {
	mu         sync.Mutex
	enqueued   []enqueued
	removed    []string
	enqueueErr error
}

func (m *mockJobQueue) Enqueue(ctx context.Context, queueName string, env queue.Envelope, delay time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return "", m.enqueueErr
	}
	m.enqueued = append(m.enqueued, enqueued{queue: queueName, env: env, delay: delay})
	return "q-" + uuid.NewString()[:8], nil
}

func (m *mockJobQueue) Remove(ctx context.Context, queueName, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, jobID)
	return nil
}

func (m *mockJobQueue) all() []enqueued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]enqueued(nil), m.enqueued...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.JobEvent
}

func (r *recordingPublisher) PublishJobEvent(ctx context.Context, event notify.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

// fakeAdapter answers every read from its func fields; nil fields return
// empty results
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string

	getSalesFunc    func(ctx context.Context, q marketplace.Query) ([]marketplace.Sale, error)
	getProductsFunc func(ctx context.Context, q marketplace.Query) ([]marketplace.Product, error)
	getStockFunc    func(ctx context.Context, q marketplace.Query) ([]marketplace.Stock, error)
	getOrdersFunc   func(ctx context.Context, q marketplace.Query) ([]marketplace.Order, error)
	getRegionalFunc func(ctx context.Context, q marketplace.Query) ([]marketplace.RegionalBucket, error)
	testConnFunc    func(ctx context.Context) bool
	disconnected    bool
}

var _ marketplace.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) Type() marketplace.Type { return models.MarketplaceWildberries }

func (f *fakeAdapter) Connect(ctx context.Context, creds marketplace.Credentials) error {
	return creds.Require(f.Type(), "apiKey")
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context) bool {
	if f.testConnFunc != nil {
		return f.testConnFunc(ctx)
	}
	return true
}

func (f *fakeAdapter) GetSales(ctx context.Context, q marketplace.Query) ([]marketplace.Sale, error) {
	f.record("sales")
	if f.getSalesFunc != nil {
		return f.getSalesFunc(ctx, q)
	}
	return nil, nil
}

func (f *fakeAdapter) GetProducts(ctx context.Context, q marketplace.Query) ([]marketplace.Product, error) {
	f.record("products")
	if f.getProductsFunc != nil {
		return f.getProductsFunc(ctx, q)
	}
	return nil, nil
}

func (f *fakeAdapter) GetStock(ctx context.Context, q marketplace.Query) ([]marketplace.Stock, error) {
	f.record("stock")
	if f.getStockFunc != nil {
		return f.getStockFunc(ctx, q)
	}
	return nil, nil
}

func (f *fakeAdapter) GetOrders(ctx context.Context, q marketplace.Query) ([]marketplace.Order, error) {
	f.record("orders")
	if f.getOrdersFunc != nil {
		return f.getOrdersFunc(ctx, q)
	}
	return nil, nil
}

func (f *fakeAdapter) GetAdCampaigns(ctx context.Context, q marketplace.Query) ([]marketplace.AdCampaign, error) {
	return nil, nil
}

func (f *fakeAdapter) GetAdStatistics(ctx context.Context, q marketplace.Query) ([]marketplace.AdStatistic, error) {
	return nil, nil
}

func (f *fakeAdapter) GetRegionalData(ctx context.Context, q marketplace.Query) ([]marketplace.RegionalBucket, error) {
	f.record("regional")
	if f.getRegionalFunc != nil {
		return f.getRegionalFunc(ctx, q)
	}
	return nil, nil
}

type mockAdapterProvider struct {
	forAccountFunc func(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Adapter, error)
}

func (m *mockAdapterProvider) ForAccount(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Adapter, error) {
	return m.forAccountFunc(ctx, account)
}

func provide(a marketplace.Adapter) *mockAdapterProvider {
	return &mockAdapterProvider{forAccountFunc: func(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Adapter, error) {
		return a, nil
	}}
}

type mockVault struct {
	decryptFunc func(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Credentials, error)
}

func (m *mockVault) Decrypt(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Credentials, error) {
	return m.decryptFunc(ctx, account)
}

// vaultOf returns fixed credentials per account id
func vaultOf(creds map[string]marketplace.Credentials) *mockVault {
	return &mockVault{decryptFunc: func(ctx context.Context, account *models.MarketplaceAccount) (marketplace.Credentials, error) {
		c, ok := creds[account.ID]
		if !ok {
			return nil, ErrCredentialsUnavailable
		}
		return c, nil
	}}
}
