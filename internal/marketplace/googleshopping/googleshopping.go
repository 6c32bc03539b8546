// Package googleshopping implements the marketplace adapter for Google
// Merchant Center through the Content API for Shopping v2.1.
package googleshopping

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	content "google.golang.org/api/content/v2.1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
)

const (
	CredentialMerchantID   = "merchantId"
	CredentialRefreshToken = "refreshToken"

	googleTokenURL = "https://oauth2.googleapis.com/token"
	pageSize       = 250
	onlineStore    = "online"
)

type Options struct {
	ClientID     string
	ClientSecret string
	// TokenURL and Endpoint are overridden in tests
	TokenURL string
	Endpoint string
	Client   marketplace.ClientOptions
	Logger   logger.Logger
}

type Adapter struct {
	marketplace.Session
	opts       Options
	log        logger.Logger
	svc        *content.APIService
	merchantID uint64
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ marketplace.Adapter = (*Adapter)(nil)

func New(opts Options) *Adapter {
	if opts.TokenURL == "" {
		opts.TokenURL = googleTokenURL
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Adapter{opts: opts, log: opts.Logger, sleep: sleepContext}
}

func (a *Adapter) Type() marketplace.Type {
	return models.MarketplaceGoogleShopping
}

// Connect builds a Content API service authorized by the account's refresh
// token and the application's OAuth client.
func (a *Adapter) Connect(ctx context.Context, creds marketplace.Credentials) error {
	if err := creds.Require(a.Type(), CredentialMerchantID, CredentialRefreshToken); err != nil {
		return err
	}
	merchantID, err := strconv.ParseUint(creds.Get(CredentialMerchantID), 10, 64)
	if err != nil {
		return &marketplace.CredentialError{Marketplace: a.Type(), Field: CredentialMerchantID}
	}

	config := &oauth2.Config{
		ClientID:     a.opts.ClientID,
		ClientSecret: a.opts.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: a.opts.TokenURL},
	}
	tokenSource := config.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: creds.Get(CredentialRefreshToken)})

	clientOpts := []option.ClientOption{option.WithTokenSource(tokenSource)}
	if a.opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(a.opts.Endpoint))
	}
	svc, err := content.NewService(ctx, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create Content API service: %w", err)
	}

	a.svc = svc
	a.merchantID = merchantID
	a.limiter = marketplace.NewLimiter(a.opts.Client.Interval)
	a.Open(creds)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.Close()
	a.svc = nil
	a.merchantID = 0
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	if !a.Connected() {
		return false
	}
	err := a.call(ctx, "accounts.authinfo", func() error {
		_, err := a.svc.Accounts.Authinfo().Context(ctx).Do()
		return err
	})
	if err != nil {
		a.log.Warnf(ctx, "google shopping connection test failed: %v", err)
		return false
	}
	return true
}

// call spaces requests through the adapter limiter, retries 429 responses
// like marketplace.Client does and maps API failures onto marketplace
// errors.
func (a *Adapter) call(ctx context.Context, endpoint string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		err := fn()
		if err == nil {
			return nil
		}

		var gErr *googleapi.Error
		if !errors.As(err, &gErr) {
			return fmt.Errorf("%s: %w", endpoint, err)
		}
		if gErr.Code == http.StatusTooManyRequests {
			if attempt < a.opts.Client.ThrottleRetries {
				wait := a.opts.Client.Interval * time.Duration(attempt+1)
				if wait <= 0 {
					wait = time.Second * time.Duration(attempt+1)
				}
				if err := a.sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
			return &marketplace.RateLimitError{
				Marketplace: a.Type(),
				Endpoint:    endpoint,
				Attempts:    attempt + 1,
				Message:     gErr.Message,
			}
		}
		return &marketplace.APIError{
			Marketplace: a.Type(),
			Endpoint:    endpoint,
			StatusCode:  gErr.Code,
			Message:     gErr.Message,
		}
	}
}

func (a *Adapter) listProducts(ctx context.Context) ([]*content.Product, error) {
	if _, err := a.Credentials(); err != nil {
		return nil, err
	}
	var out []*content.Product
	pageToken := ""
	for {
		var resp *content.ProductsListResponse
		err := a.call(ctx, "products.list", func() error {
			call := a.svc.Products.List(a.merchantID).MaxResults(pageSize).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return out, err
		}
		out = append(out, resp.Resources...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (a *Adapter) GetProducts(ctx context.Context, q marketplace.Query) ([]marketplace.Product, error) {
	items, err := a.listProducts(ctx)
	products := make([]marketplace.Product, 0, len(items))
	for _, p := range items {
		product := marketplace.Product{
			ExternalID: p.Id,
			SKU:        p.OfferId,
			Name:       marketplace.ProductNameOrDefault(p.Title),
			Brand:      p.Brand,
			Category:   p.GoogleProductCategory,
			Barcode:    p.Gtin,
			ImageURL:   p.ImageLink,
			Active:     p.Availability != "out of stock",
		}
		if p.Price != nil {
			price, perr := marketplace.ParseAmount(p.Price.Value)
			if perr != nil {
				return products, fmt.Errorf("product %s: %w", p.Id, perr)
			}
			product.Price = price
			product.Currency = p.Price.Currency
		}
		products = append(products, product)
	}
	return products, err
}

// GetStock derives stock from product availability. Merchant Center only
// reports counts for products sold on Google; other in-stock products are
// reported with a quantity of one.
func (a *Adapter) GetStock(ctx context.Context, q marketplace.Query) ([]marketplace.Stock, error) {
	items, err := a.listProducts(ctx)
	if err != nil && len(items) == 0 {
		return marketplace.OptionalScope(ctx, a.log, "google shopping stock", []marketplace.Stock(nil), err)
	}
	now := time.Now().UTC()
	stocks := make([]marketplace.Stock, 0, len(items))
	for _, p := range items {
		qty := int(p.SellOnGoogleQuantity)
		if qty == 0 && p.Availability == "in stock" {
			qty = 1
		}
		if p.Availability == "out of stock" {
			qty = 0
		}
		stocks = append(stocks, marketplace.Stock{
			ProductID: p.Id,
			SKU:       p.OfferId,
			Warehouse: onlineStore,
			Quantity:  qty,
			UpdatedAt: now,
		})
	}
	return stocks, err
}

func (a *Adapter) listOrders(ctx context.Context, q marketplace.Query) ([]*content.Order, error) {
	if _, err := a.Credentials(); err != nil {
		return nil, err
	}
	var out []*content.Order
	pageToken := ""
	for {
		var resp *content.OrdersListResponse
		err := a.call(ctx, "orders.list", func() error {
			call := a.svc.Orders.List(a.merchantID).MaxResults(pageSize).Context(ctx)
			if !q.From.IsZero() {
				call = call.PlacedDateStart(q.From.UTC().Format(time.RFC3339))
			}
			if !q.To.IsZero() {
				call = call.PlacedDateEnd(q.To.UTC().Format(time.RFC3339))
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return out, err
		}
		out = append(out, resp.Resources...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func orderRegion(o *content.Order) string {
	if o.DeliveryDetails != nil && o.DeliveryDetails.Address != nil {
		return o.DeliveryDetails.Address.Region
	}
	return ""
}

func linePrice(li *content.OrderLineItem) (*float64, string, error) {
	if li.Product == nil || li.Product.Price == nil || strings.TrimSpace(li.Product.Price.Value) == "" {
		return nil, "", nil
	}
	v, err := marketplace.ParseAmount(li.Product.Price.Value)
	if err != nil {
		return nil, "", err
	}
	return &v, li.Product.Price.Currency, nil
}

func (a *Adapter) GetOrders(ctx context.Context, q marketplace.Query) ([]marketplace.Order, error) {
	raw, fetchErr := a.listOrders(ctx, q)

	var orders []marketplace.Order
	for _, o := range raw {
		date, err := marketplace.ParseTime(o.PlacedDate)
		if err != nil {
			return orders, fmt.Errorf("order %s: %w", o.Id, err)
		}
		for _, li := range o.LineItems {
			price, currency, err := linePrice(li)
			if err != nil {
				return orders, fmt.Errorf("order %s: %w", o.Id, err)
			}
			var unit float64
			if price != nil {
				unit = *price
			}
			order := marketplace.Order{
				OrderID:     o.Id,
				Quantity:    int(li.QuantityOrdered),
				Price:       unit,
				TotalAmount: unit * float64(li.QuantityOrdered),
				Currency:    currency,
				Status:      o.Status,
				Date:        date,
				Region:      marketplace.RegionOrDefault(orderRegion(o)),
				Warehouse:   onlineStore,
			}
			if li.Product != nil {
				order.ProductID = li.Product.Id
				order.ProductName = li.Product.Title
			}
			order.ProductName = marketplace.ProductNameOrDefault(order.ProductName)
			orders = append(orders, order)
		}
	}
	return orders, fetchErr
}

// GetSales reports shipped or delivered line item quantities
func (a *Adapter) GetSales(ctx context.Context, q marketplace.Query) ([]marketplace.Sale, error) {
	raw, fetchErr := a.listOrders(ctx, q)

	var sales []marketplace.Sale
	for _, o := range raw {
		date, err := marketplace.ParseTime(o.PlacedDate)
		if err != nil {
			return sales, fmt.Errorf("order %s: %w", o.Id, err)
		}
		for _, li := range o.LineItems {
			qty := li.QuantityDelivered
			if qty == 0 {
				qty = li.QuantityShipped
			}
			if qty == 0 {
				continue
			}
			pricePtr, currency, err := linePrice(li)
			if err != nil {
				return sales, fmt.Errorf("order %s: %w", o.Id, err)
			}
			price, err := marketplace.RequirePrice(a.Type(), "order "+o.Id, pricePtr)
			if err != nil {
				return sales, err
			}
			sale := marketplace.Sale{
				OrderID:     o.Id,
				Quantity:    int(qty),
				Price:       price,
				TotalAmount: price * float64(qty),
				Currency:    currency,
				Date:        date,
				Region:      marketplace.RegionOrDefault(orderRegion(o)),
				Warehouse:   onlineStore,
			}
			if li.Product != nil {
				sale.ProductID = li.Product.Id
				sale.SKU = li.Product.OfferId
				sale.ProductName = li.Product.Title
			}
			sale.ProductName = marketplace.ProductNameOrDefault(sale.ProductName)
			sales = append(sales, sale)
		}
	}
	return sales, fetchErr
}

func (a *Adapter) GetRegionalData(ctx context.Context, q marketplace.Query) ([]marketplace.RegionalBucket, error) {
	orders, err := a.GetOrders(ctx, q)
	if err != nil && len(orders) == 0 {
		return nil, err
	}
	return marketplace.AggregateRegions(orders, q.From, q.To), err
}

// Shopping ads live in Google Ads, outside the Content API.

func (a *Adapter) GetAdCampaigns(ctx context.Context, q marketplace.Query) ([]marketplace.AdCampaign, error) {
	if _, err := a.Credentials(); err != nil {
		return nil, err
	}
	return []marketplace.AdCampaign{}, nil
}

func (a *Adapter) GetAdStatistics(ctx context.Context, q marketplace.Query) ([]marketplace.AdStatistic, error) {
	if _, err := a.Credentials(); err != nil {
		return nil, err
	}
	return []marketplace.AdStatistic{}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
