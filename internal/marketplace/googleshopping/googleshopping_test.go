package googleshopping

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/marketsync/internal/marketplace"
)

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

var creds = marketplace.Credentials{CredentialMerchantID: "123", CredentialRefreshToken: "refresh-1"}

// newTestAdapter serves both the OAuth token endpoint and the Content API
// from one test server; api handles everything except the token exchange.
func newTestAdapter(t *testing.T, opts Options, api http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
			return
		}
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		api(w, r)
	}))
	t.Cleanup(srv.Close)

	opts.ClientID = "client-id"
	opts.ClientSecret = "client-secret"
	opts.TokenURL = srv.URL + "/token"
	opts.Endpoint = srv.URL + "/content/v2.1/"
	a := New(opts)
	require.NoError(t, a.Connect(context.Background(), creds))
	return a
}

func TestConnect_Validation(t *testing.T) {
	tests := []struct {
		name  string
		creds marketplace.Credentials
		field string
	}{
		{"missing merchant", marketplace.Credentials{CredentialRefreshToken: "r"}, CredentialMerchantID},
		{"missing refresh token", marketplace.Credentials{CredentialMerchantID: "1"}, CredentialRefreshToken},
		{"non numeric merchant", marketplace.Credentials{CredentialMerchantID: "abc", CredentialRefreshToken: "r"}, CredentialMerchantID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(Options{}).Connect(context.Background(), tt.creds)
			var credErr *marketplace.CredentialError
			require.True(t, errors.As(err, &credErr), "expected CredentialError, got %v", err)
			assert.Equal(t, tt.field, credErr.Field)
		})
	}
}

func TestGetProducts(t *testing.T) {
	a := newTestAdapter(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/content/v2.1/123/products", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(fixture(t, "products.json"))
	})

	products, err := a.GetProducts(context.Background(), marketplace.Query{})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "online:en:US:MUG-RED", products[0].ExternalID)
	assert.Equal(t, "MUG-RED", products[0].SKU)
	assert.Equal(t, 12.99, products[0].Price)
	assert.Equal(t, "USD", products[0].Currency)
	assert.Equal(t, "00012345600012", products[0].Barcode)
	assert.True(t, products[0].Active)

	assert.Equal(t, marketplace.DefaultProductName, products[1].Name)
	assert.False(t, products[1].Active)
}

func TestGetStock_FromAvailability(t *testing.T) {
	a := newTestAdapter(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(fixture(t, "products.json"))
	})

	stocks, err := a.GetStock(context.Background(), marketplace.Query{})
	require.NoError(t, err)
	require.Len(t, stocks, 2)
	assert.Equal(t, 1, stocks[0].Quantity)
	assert.Equal(t, 0, stocks[1].Quantity)
	assert.Equal(t, "online", stocks[0].Warehouse)
}

func TestGetStock_ForbiddenIsEmpty(t *testing.T) {
	a := newTestAdapter(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"User cannot access account 123"}}`))
	})

	stocks, err := a.GetStock(context.Background(), marketplace.Query{})
	require.NoError(t, err)
	assert.Empty(t, stocks)
}

func TestGetOrdersAndSales(t *testing.T) {
	a := newTestAdapter(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/content/v2.1/123/orders", r.URL.Path)
		assert.Equal(t, "2025-01-01T00:00:00Z", r.URL.Query().Get("placedDateStart"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(fixture(t, "orders.json"))
	})

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q := marketplace.Query{From: from, To: from.Add(7 * 24 * time.Hour)}

	orders, err := a.GetOrders(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "CA", orders[0].Region)
	assert.Equal(t, 25.98, orders[0].TotalAmount)
	assert.Equal(t, marketplace.DefaultProductName, orders[1].ProductName)
	assert.Equal(t, marketplace.DefaultRegion, orders[2].Region)

	sales, err := a.GetSales(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, sales, 2, "unshipped line items are not sales")
	assert.Equal(t, "G-1001", sales[0].OrderID)
	assert.Equal(t, 2, sales[0].Quantity)
	assert.Equal(t, "G-1002", sales[1].OrderID)

	buckets, err := a.GetRegionalData(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "CA", buckets[0].Region)
	assert.Equal(t, 2, buckets[0].OrderCount)
}

func TestThrottledCallsRetryThenFail(t *testing.T) {
	calls := 0
	a := newTestAdapter(t, Options{Client: marketplace.ClientOptions{ThrottleRetries: 2}}, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded"}}`))
	})
	var waits []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := a.GetProducts(context.Background(), marketplace.Query{})
	var rlErr *marketplace.RateLimitError
	require.True(t, errors.As(err, &rlErr), "expected RateLimitError, got %v", err)
	assert.Equal(t, 3, rlErr.Attempts)
	assert.Equal(t, "Quota exceeded", rlErr.Message)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestTestConnectionAndAds(t *testing.T) {
	a := newTestAdapter(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/content/v2.1/accounts/authinfo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kind":"content#accountsAuthInfoResponse"}`))
	})
	assert.True(t, a.TestConnection(context.Background()))

	campaigns, err := a.GetAdCampaigns(context.Background(), marketplace.Query{})
	require.NoError(t, err)
	assert.Empty(t, campaigns)

	require.NoError(t, a.Disconnect())
	assert.Nil(t, a.svc)
	assert.Zero(t, a.merchantID)
	assert.False(t, a.TestConnection(context.Background()))
}
