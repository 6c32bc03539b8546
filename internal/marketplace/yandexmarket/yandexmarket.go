// Package yandexmarket implements the marketplace adapter for the Yandex
// Market Partner API.
package yandexmarket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
)

const (
	CredentialAPIKey     = "apiKey"
	CredentialOAuthToken = "oauthToken"
	CredentialCampaignID = "campaignId"
	CredentialBusinessID = "businessId"

	legacyWindow    = 30 * 24 * time.Hour
	pageLimit       = 200
	legacyPageSize  = 50
	statsDateLayout = "2006-01-02"
	legacyLayout    = "02-01-2006"
	statusDelivered = "DELIVERED"
)

type Options struct {
	BaseURL string
	Client  marketplace.ClientOptions
	Logger  logger.Logger
}

type Adapter struct {
	marketplace.Session
	opts       Options
	log        logger.Logger
	client     *marketplace.Client
	campaignID string
	businessID string
}

var _ marketplace.Adapter = (*Adapter)(nil)

func New(opts Options) *Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.partner.market.yandex.ru"
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	opts.Client.Marketplace = models.MarketplaceYandexMarket
	return &Adapter{opts: opts, log: opts.Logger}
}

func (a *Adapter) Type() marketplace.Type {
	return models.MarketplaceYandexMarket
}

// Connect accepts either an Api-Key or an OAuth token; the campaign id is
// always required.
func (a *Adapter) Connect(ctx context.Context, creds marketplace.Credentials) error {
	if err := creds.Require(a.Type(), CredentialCampaignID); err != nil {
		return err
	}
	if creds.Get(CredentialAPIKey) == "" && creds.Get(CredentialOAuthToken) == "" {
		return &marketplace.CredentialError{Marketplace: a.Type(), Field: CredentialAPIKey}
	}

	opts := a.opts.Client
	opts.BaseURL = a.opts.BaseURL
	if key := creds.Get(CredentialAPIKey); key == "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Get(CredentialOAuthToken), TokenType: "Bearer"})
		httpClient := oauth2.NewClient(context.WithoutCancel(ctx), src)
		httpClient.Timeout = opts.Timeout
		opts.HTTPClient = httpClient
	}
	client := marketplace.NewClient(opts)
	if key := creds.Get(CredentialAPIKey); key != "" {
		client.SetHeader("Api-Key", key)
	}

	a.client = client
	a.campaignID = creds.Get(CredentialCampaignID)
	a.businessID = creds.Get(CredentialBusinessID)
	a.Open(creds)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.Close()
	a.client = nil
	a.campaignID = ""
	a.businessID = ""
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	if !a.Connected() {
		return false
	}
	if err := a.client.Get(ctx, "/campaigns/"+a.campaignID, nil, nil); err != nil {
		a.log.Warnf(ctx, "yandex market connection test failed: %v", err)
		return false
	}
	return true
}

func (a *Adapter) ready() error {
	_, err := a.Credentials()
	return err
}

// order is the shape both order feeds are normalized into before they
// become sales or orders.
type order struct {
	ID     string
	Status string
	Date   time.Time
	Region string
	Lines  []orderLine
}

type orderLine struct {
	ProductID string
	SKU       string
	Name      string
	Quantity  int
	Price     *float64
	Currency  string
	Warehouse string
}

type statsOrdersResponse struct {
	Result struct {
		Orders []struct {
			ID             int64  `json:"id"`
			CreationDate   string `json:"creationDate"`
			Status         string `json:"status"`
			DeliveryRegion struct {
				Name string `json:"name"`
			} `json:"deliveryRegion"`
			Items []struct {
				OfferName string `json:"offerName"`
				MarketSKU int64  `json:"marketSku"`
				ShopSKU   string `json:"shopSku"`
				Count     int    `json:"count"`
				Prices    []struct {
					Type        string   `json:"type"`
					CostPerItem *float64 `json:"costPerItem"`
				} `json:"prices"`
				Warehouse struct {
					Name string `json:"name"`
				} `json:"warehouse"`
			} `json:"items"`
		} `json:"orders"`
		Paging struct {
			NextPageToken string `json:"nextPageToken"`
		} `json:"paging"`
	} `json:"result"`
}

func (a *Adapter) statsOrders(ctx context.Context, q marketplace.Query) ([]order, error) {
	var out []order
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		body := map[string]string{
			"dateFrom": q.From.Format(statsDateLayout),
			"dateTo":   q.To.Format(statsDateLayout),
		}
		var resp statsOrdersResponse
		path := "/campaigns/" + a.campaignID + "/stats/orders?" + params.Encode()
		if err := a.client.Post(ctx, path, body, &resp); err != nil {
			return out, err
		}

		for _, o := range resp.Result.Orders {
			date, err := marketplace.ParseTime(o.CreationDate)
			if err != nil {
				return out, fmt.Errorf("order %d: %w", o.ID, err)
			}
			ord := order{ID: strconv.FormatInt(o.ID, 10), Status: o.Status, Date: date, Region: o.DeliveryRegion.Name}
			for _, it := range o.Items {
				line := orderLine{
					ProductID: strconv.FormatInt(it.MarketSKU, 10),
					SKU:       it.ShopSKU,
					Name:      it.OfferName,
					Quantity:  it.Count,
					Currency:  "RUB",
					Warehouse: it.Warehouse.Name,
				}
				for _, p := range it.Prices {
					if p.Type == "BUYER" {
						line.Price = p.CostPerItem
					}
				}
				ord.Lines = append(ord.Lines, line)
			}
			out = append(out, ord)
		}

		if resp.Result.Paging.NextPageToken == "" || len(resp.Result.Orders) == 0 {
			return out, nil
		}
		pageToken = resp.Result.Paging.NextPageToken
	}
}

type legacyOrdersResponse struct {
	Orders []struct {
		ID           int64  `json:"id"`
		Status       string `json:"status"`
		CreationDate string `json:"creationDate"`
		Currency     string `json:"currency"`
		Items        []struct {
			OfferID   string   `json:"offerId"`
			OfferName string   `json:"offerName"`
			MarketSKU int64    `json:"marketSku"`
			Price     *float64 `json:"price"`
			Count     int      `json:"count"`
		} `json:"items"`
		Delivery struct {
			Region struct {
				Name string `json:"name"`
			} `json:"region"`
		} `json:"delivery"`
	} `json:"orders"`
	Pager struct {
		CurrentPage int `json:"currentPage"`
		PagesCount  int `json:"pagesCount"`
	} `json:"pager"`
}

func (a *Adapter) legacyOrders(ctx context.Context, w marketplace.Window) ([]order, error) {
	var out []order
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("fromDate", w.From.Format(legacyLayout))
		params.Set("toDate", w.To.Format(legacyLayout))
		params.Set("page", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(legacyPageSize))

		var resp legacyOrdersResponse
		if err := a.client.Get(ctx, "/campaigns/"+a.campaignID+"/orders", params, &resp); err != nil {
			return out, err
		}
		for _, o := range resp.Orders {
			date, err := marketplace.ParseTime(o.CreationDate)
			if err != nil {
				return out, fmt.Errorf("order %d: %w", o.ID, err)
			}
			ord := order{ID: strconv.FormatInt(o.ID, 10), Status: o.Status, Date: date, Region: o.Delivery.Region.Name}
			for _, it := range o.Items {
				line := orderLine{
					ProductID: strconv.FormatInt(it.MarketSKU, 10),
					SKU:       it.OfferID,
					Name:      it.OfferName,
					Quantity:  it.Count,
					Currency:  currencyCode(o.Currency),
				}
				if it.Price != nil {
					v := marketplace.NormalizeAmount(*it.Price)
					line.Price = &v
				}
				ord.Lines = append(ord.Lines, line)
			}
			out = append(out, ord)
		}
		if resp.Pager.PagesCount <= page || len(resp.Orders) == 0 {
			return out, nil
		}
	}
}

// currencyCode maps the legacy RUR code to ISO 4217
func currencyCode(c string) string {
	if c == "" || strings.EqualFold(c, "RUR") {
		return "RUB"
	}
	return c
}

func (a *Adapter) fetchOrders(ctx context.Context, q marketplace.Query) ([]order, error) {
	return marketplace.WithFallback(ctx, a.log, "yandex market orders",
		func(ctx context.Context) ([]order, error) {
			return a.statsOrders(ctx, q)
		},
		func(ctx context.Context) ([]order, error) {
			return marketplace.FetchWindows(ctx, marketplace.SplitWindows(q.From, q.To, legacyWindow), a.legacyOrders)
		},
	)
}

func (a *Adapter) GetOrders(ctx context.Context, q marketplace.Query) ([]marketplace.Order, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	raw, fetchErr := a.fetchOrders(ctx, q)

	var orders []marketplace.Order
	for _, o := range raw {
		for _, l := range o.Lines {
			var price float64
			if l.Price != nil {
				price = *l.Price
			}
			orders = append(orders, marketplace.Order{
				OrderID:     o.ID,
				ProductID:   l.ProductID,
				ProductName: marketplace.ProductNameOrDefault(l.Name),
				Quantity:    l.Quantity,
				Price:       price,
				TotalAmount: price * float64(l.Quantity),
				Currency:    l.Currency,
				Status:      strings.ToLower(o.Status),
				Date:        o.Date,
				Region:      marketplace.RegionOrDefault(o.Region),
				Warehouse:   l.Warehouse,
			})
		}
	}
	return orders, fetchErr
}

// GetSales reports delivered order lines
func (a *Adapter) GetSales(ctx context.Context, q marketplace.Query) ([]marketplace.Sale, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	raw, fetchErr := a.fetchOrders(ctx, q)

	var sales []marketplace.Sale
	for _, o := range raw {
		if o.Status != statusDelivered {
			continue
		}
		for _, l := range o.Lines {
			price, err := marketplace.RequirePrice(a.Type(), "order "+o.ID, l.Price)
			if err != nil {
				return sales, err
			}
			sales = append(sales, marketplace.Sale{
				ProductID:   l.ProductID,
				ProductName: marketplace.ProductNameOrDefault(l.Name),
				SKU:         l.SKU,
				OrderID:     o.ID,
				Quantity:    l.Quantity,
				Price:       price,
				TotalAmount: price * float64(l.Quantity),
				Currency:    l.Currency,
				Date:        o.Date,
				Region:      marketplace.RegionOrDefault(o.Region),
				Warehouse:   l.Warehouse,
			})
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

type offerMappingsResponse struct {
	Result struct {
		OfferMappings []struct {
			Offer struct {
				OfferID    string   `json:"offerId"`
				Name       string   `json:"name"`
				Vendor     string   `json:"vendor"`
				Category   string   `json:"category"`
				Barcodes   []string `json:"barcodes"`
				Pictures   []string `json:"pictures"`
				Archived   bool     `json:"archived"`
				BasicPrice *struct {
					Value      float64 `json:"value"`
					CurrencyID string  `json:"currencyId"`
				} `json:"basicPrice"`
			} `json:"offer"`
			Mapping struct {
				MarketSKU int64 `json:"marketSku"`
			} `json:"mapping"`
		} `json:"offerMappings"`
		Paging struct {
			NextPageToken string `json:"nextPageToken"`
		} `json:"paging"`
	} `json:"result"`
}

// GetProducts needs the business id; offer mappings live on the business,
// not the campaign.
func (a *Adapter) GetProducts(ctx context.Context, q marketplace.Query) ([]marketplace.Product, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	if err := creds.Require(a.Type(), CredentialBusinessID); err != nil {
		return nil, err
	}

	var products []marketplace.Product
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		var resp offerMappingsResponse
		path := "/businesses/" + a.businessID + "/offer-mappings?" + params.Encode()
		if err := a.client.Post(ctx, path, map[string]any{}, &resp); err != nil {
			return products, err
		}
		for _, m := range resp.Result.OfferMappings {
			p := marketplace.Product{
				ExternalID: m.Offer.OfferID,
				SKU:        m.Offer.OfferID,
				Name:       marketplace.ProductNameOrDefault(m.Offer.Name),
				Brand:      m.Offer.Vendor,
				Category:   m.Offer.Category,
				Active:     !m.Offer.Archived,
			}
			if m.Mapping.MarketSKU != 0 {
				p.ExternalID = strconv.FormatInt(m.Mapping.MarketSKU, 10)
			}
			if len(m.Offer.Barcodes) > 0 {
				p.Barcode = m.Offer.Barcodes[0]
			}
			if len(m.Offer.Pictures) > 0 {
				p.ImageURL = m.Offer.Pictures[0]
			}
			if m.Offer.BasicPrice != nil {
				p.Price = m.Offer.BasicPrice.Value
				p.Currency = currencyCode(m.Offer.BasicPrice.CurrencyID)
			}
			products = append(products, p)
		}
		if resp.Result.Paging.NextPageToken == "" || len(resp.Result.OfferMappings) == 0 {
			return products, nil
		}
		pageToken = resp.Result.Paging.NextPageToken
	}
}

type stocksResponse struct {
	Result struct {
		Warehouses []struct {
			WarehouseID int64 `json:"warehouseId"`
			Offers      []struct {
				OfferID   string `json:"offerId"`
				UpdatedAt string `json:"updatedAt"`
				Stocks    []struct {
					Type  string `json:"type"`
					Count int    `json:"count"`
				} `json:"stocks"`
			} `json:"offers"`
		} `json:"warehouses"`
		Paging struct {
			NextPageToken string `json:"nextPageToken"`
		} `json:"paging"`
	} `json:"result"`
}

// GetStock degrades to empty when the token lacks the inventory scope
func (a *Adapter) GetStock(ctx context.Context, q marketplace.Query) ([]marketplace.Stock, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	stocks, err := a.fetchStocks(ctx)
	return marketplace.OptionalScope(ctx, a.log, "yandex market stocks", stocks, err)
}

func (a *Adapter) fetchStocks(ctx context.Context) ([]marketplace.Stock, error) {
	var out []marketplace.Stock
	pageToken := ""
	now := time.Now().UTC()
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		var resp stocksResponse
		path := "/campaigns/" + a.campaignID + "/offers/stocks?" + params.Encode()
		if err := a.client.Post(ctx, path, map[string]any{}, &resp); err != nil {
			return out, err
		}
		for _, wh := range resp.Result.Warehouses {
			for _, offer := range wh.Offers {
				s := marketplace.Stock{
					ProductID: offer.OfferID,
					SKU:       offer.OfferID,
					Warehouse: strconv.FormatInt(wh.WarehouseID, 10),
					UpdatedAt: now,
				}
				if t, err := marketplace.ParseTime(offer.UpdatedAt); err == nil {
					s.UpdatedAt = t
				}
				for _, st := range offer.Stocks {
					switch st.Type {
					case "FIT":
						s.Quantity = st.Count
					case "FREEZE":
						s.Reserved = st.Count
					}
				}
				out = append(out, s)
			}
		}
		if resp.Result.Paging.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.Result.Paging.NextPageToken
	}
}

// Advertising data is not exposed through the Partner API.

func (a *Adapter) GetAdCampaigns(ctx context.Context, q marketplace.Query) ([]marketplace.AdCampaign, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return []marketplace.AdCampaign{}, nil
}

func (a *Adapter) GetAdStatistics(ctx context.Context, q marketplace.Query) ([]marketplace.AdStatistic, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return []marketplace.AdStatistic{}, nil
}
