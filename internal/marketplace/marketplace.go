// Package marketplace defines the capability contract every marketplace
// adapter implements and the normalized records they return.
package marketplace

import (
	"context"
	"sync"
	"time"

	"github.com/vipul43/marketsync/internal/models"
)

type Type = models.MarketplaceType

// Adapter hides one marketplace API behind a uniform capability set.
// Every Get* call returns records already normalized; on a *WindowError the
// returned slice still carries what the successful windows fetched.
type Adapter interface {
	Type() Type
	Connect(ctx context.Context, creds Credentials) error
	Disconnect() error
	TestConnection(ctx context.Context) bool

	GetSales(ctx context.Context, q Query) ([]Sale, error)
	GetProducts(ctx context.Context, q Query) ([]Product, error)
	GetStock(ctx context.Context, q Query) ([]Stock, error)
	GetOrders(ctx context.Context, q Query) ([]Order, error)
	GetAdCampaigns(ctx context.Context, q Query) ([]AdCampaign, error)
	GetAdStatistics(ctx context.Context, q Query) ([]AdStatistic, error)
	GetRegionalData(ctx context.Context, q Query) ([]RegionalBucket, error)
}

type Query struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
	Cursor string
	IDs    []string
}

// HasRange reports whether both ends of the date range are set
func (q Query) HasRange() bool {
	return !q.From.IsZero() && !q.To.IsZero()
}

type Sale struct {
	ProductID   string
	ProductName string
	SKU         string
	OrderID     string
	Quantity    int
	Price       float64
	TotalAmount float64
	Currency    string
	Date        time.Time
	Region      string
	Warehouse   string
	IsReturn    bool
}

type Product struct {
	ExternalID string
	SKU        string
	Name       string
	Brand      string
	Category   string
	Barcode    string
	Price      float64
	Currency   string
	ImageURL   string
	Active     bool
}

type Stock struct {
	ProductID string
	SKU       string
	Warehouse string
	Quantity  int
	Reserved  int
	UpdatedAt time.Time
}

type Order struct {
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int
	Price       float64
	TotalAmount float64
	Currency    string
	Status      string
	Date        time.Time
	Region      string
	Warehouse   string
}

type AdCampaign struct {
	ExternalID  string
	Name        string
	Status      string
	Type        string
	DailyBudget float64
	StartDate   *time.Time
	EndDate     *time.Time
}

type AdStatistic struct {
	CampaignID  string
	Date        time.Time
	Impressions int64
	Clicks      int64
	Spend       float64
	Orders      int
	Revenue     float64
}

type RegionalBucket struct {
	Region      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Quantity    int
	OrderCount  int
	Revenue     float64
	Currency    string
}

// Credentials are the decrypted secrets of one account, keyed by field name
type Credentials map[string]string

func (c Credentials) Get(field string) string {
	if c == nil {
		return ""
	}
	return c[field]
}

// Require fails with a *CredentialError naming the first missing field
func (c Credentials) Require(marketplace Type, fields ...string) error {
	for _, f := range fields {
		if c.Get(f) == "" {
			return &CredentialError{Marketplace: marketplace, Field: f}
		}
	}
	return nil
}

// Session holds connection state shared by all adapters
type Session struct {
	mu        sync.RWMutex
	creds     Credentials
	connected bool
}

func (s *Session) Open(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.connected = true
}

// Close is idempotent and safe on a session that was never opened
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	s.connected = false
}

func (s *Session) Credentials() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.creds, nil
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
