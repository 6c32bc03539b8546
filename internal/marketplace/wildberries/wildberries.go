// Package wildberries implements the marketplace adapter for Wildberries
// seller APIs (statistics, content, advert and analytics hosts).
package wildberries

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/marketplace"
	"github.com/vipul43/marketsync/internal/models"
)

const (
	CredentialAPIKey = "apiKey"

	// reportDetailByPeriod rejects long ranges on busy accounts
	reportWindow = 3 * 24 * time.Hour
	regionWindow = 31 * 24 * time.Hour
	reportLimit  = 100000
	cardsLimit   = 100
	currency     = "RUB"
	dateLayout   = "2006-01-02"
)

type Hosts struct {
	Statistics string
	Content    string
	Advert     string
	Analytics  string
}

func DefaultHosts() Hosts {
	return Hosts{
		Statistics: "https://statistics-api.wildberries.ru",
		Content:    "https://content-api.wildberries.ru",
		Advert:     "https://advert-api.wildberries.ru",
		Analytics:  "https://seller-analytics-api.wildberries.ru",
	}
}

type Options struct {
	Hosts  Hosts
	Client marketplace.ClientOptions
	Logger logger.Logger
}

type Adapter struct {
	marketplace.Session
	opts   Options
	log    logger.Logger
	client *marketplace.Client
}

var _ marketplace.Adapter = (*Adapter)(nil)

func New(opts Options) *Adapter {
	if opts.Hosts == (Hosts{}) {
		opts.Hosts = DefaultHosts()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	opts.Client.Marketplace = models.MarketplaceWildberries
	return &Adapter{opts: opts, log: opts.Logger}
}

func (a *Adapter) Type() marketplace.Type {
	return models.MarketplaceWildberries
}

func (a *Adapter) Connect(ctx context.Context, creds marketplace.Credentials) error {
	if err := creds.Require(a.Type(), CredentialAPIKey); err != nil {
		return err
	}
	client := marketplace.NewClient(a.opts.Client)
	client.SetHeader("Authorization", creds.Get(CredentialAPIKey))
	a.client = client
	a.Open(creds)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.Close()
	a.client = nil
	return nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	if !a.Connected() {
		return false
	}
	if err := a.client.Get(ctx, a.opts.Hosts.Statistics+"/ping", nil, nil); err != nil {
		a.log.Warnf(ctx, "wildberries connection test failed: %v", err)
		return false
	}
	return true
}

func (a *Adapter) ready() error {
	_, err := a.Credentials()
	return err
}

// GetSales reads the detailed realization report in 3-day windows and
// falls back to the flat supplier sales feed.
func (a *Adapter) GetSales(ctx context.Context, q marketplace.Query) ([]marketplace.Sale, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return marketplace.WithFallback(ctx, a.log, "wildberries sales",
		func(ctx context.Context) ([]marketplace.Sale, error) {
			windows := marketplace.SplitWindows(q.From, q.To, reportWindow)
			return marketplace.FetchWindows(ctx, windows, a.reportSales)
		},
		func(ctx context.Context) ([]marketplace.Sale, error) {
			return a.legacySales(ctx, q)
		},
	)
}

type reportRow struct {
	RrdID        int64    `json:"rrd_id"`
	NmID         int64    `json:"nm_id"`
	SaName       string   `json:"sa_name"`
	SubjectName  string   `json:"subject_name"`
	Srid         string   `json:"srid"`
	Quantity     int      `json:"quantity"`
	RetailPrice  *float64 `json:"retail_price_withdisc_rub"`
	RetailAmount float64  `json:"retail_amount"`
	SupplierOper string   `json:"supplier_oper_name"`
	SaleDt       string   `json:"sale_dt"`
	OfficeName   string   `json:"office_name"`
	CurrencyName string   `json:"currency_name"`
	PickupOffice string   `json:"ppvz_office_name"`
}

func (a *Adapter) reportSales(ctx context.Context, w marketplace.Window) ([]marketplace.Sale, error) {
	var sales []marketplace.Sale
	var rrdID int64
	for {
		params := url.Values{}
		params.Set("dateFrom", w.From.Format(dateLayout))
		params.Set("dateTo", w.To.Format(dateLayout))
		params.Set("limit", strconv.Itoa(reportLimit))
		params.Set("rrdid", strconv.FormatInt(rrdID, 10))

		var rows []reportRow
		if err := a.client.Get(ctx, a.opts.Hosts.Statistics+"/api/v5/supplier/reportDetailByPeriod", params, &rows); err != nil {
			return sales, err
		}
		if len(rows) == 0 {
			return sales, nil
		}
		for _, r := range rows {
			if r.SupplierOper != "Продажа" && r.SupplierOper != "Возврат" {
				continue
			}
			price, err := marketplace.RequirePrice(a.Type(), "report row "+strconv.FormatInt(r.RrdID, 10), r.RetailPrice)
			if err != nil {
				return sales, err
			}
			date, err := marketplace.ParseTime(r.SaleDt)
			if err != nil {
				return sales, fmt.Errorf("report row %d: %w", r.RrdID, err)
			}
			cur := r.CurrencyName
			if cur == "" || cur == "руб" {
				cur = currency
			}
			sales = append(sales, marketplace.Sale{
				ProductID:   strconv.FormatInt(r.NmID, 10),
				ProductName: marketplace.ProductNameOrDefault(r.SubjectName),
				SKU:         r.SaName,
				OrderID:     r.Srid,
				Quantity:    r.Quantity,
				Price:       price,
				TotalAmount: r.RetailAmount,
				Currency:    cur,
				Date:        date,
				Region:      marketplace.RegionOrDefault(r.PickupOffice),
				Warehouse:   r.OfficeName,
				IsReturn:    r.SupplierOper == "Возврат",
			})
		}
		if len(rows) < reportLimit {
			return sales, nil
		}
		rrdID = rows[len(rows)-1].RrdID
	}
}

type salesRow struct {
	Date            string   `json:"date"`
	SupplierArticle string   `json:"supplierArticle"`
	NmID            int64    `json:"nmId"`
	Barcode         string   `json:"barcode"`
	PriceWithDisc   *float64 `json:"priceWithDisc"`
	FinishedPrice   float64  `json:"finishedPrice"`
	SaleID          string   `json:"saleID"`
	Srid            string   `json:"srid"`
	RegionName      string   `json:"regionName"`
	WarehouseName   string   `json:"warehouseName"`
	Subject         string   `json:"subject"`
}

func (a *Adapter) legacySales(ctx context.Context, q marketplace.Query) ([]marketplace.Sale, error) {
	params := url.Values{}
	params.Set("dateFrom", q.From.Format(time.RFC3339))

	var rows []salesRow
	if err := a.client.Get(ctx, a.opts.Hosts.Statistics+"/api/v1/supplier/sales", params, &rows); err != nil {
		return nil, err
	}

	sales := make([]marketplace.Sale, 0, len(rows))
	for _, r := range rows {
		date, err := marketplace.ParseTime(r.Date)
		if err != nil {
			return sales, fmt.Errorf("sale %s: %w", r.SaleID, err)
		}
		if !q.To.IsZero() && date.After(q.To) {
			continue
		}
		price, err := marketplace.RequirePrice(a.Type(), "sale "+r.SaleID, r.PriceWithDisc)
		if err != nil {
			return sales, err
		}
		price = marketplace.NormalizeAmount(price)
		isReturn := len(r.SaleID) > 0 && r.SaleID[0] == 'R'
		total := marketplace.NormalizeAmount(r.FinishedPrice)
		if total == 0 {
			total = price
		}
		sales = append(sales, marketplace.Sale{
			ProductID:   strconv.FormatInt(r.NmID, 10),
			ProductName: marketplace.ProductNameOrDefault(r.Subject),
			SKU:         r.SupplierArticle,
			OrderID:     r.Srid,
			Quantity:    1,
			Price:       price,
			TotalAmount: total,
			Currency:    currency,
			Date:        date,
			Region:      marketplace.RegionOrDefault(r.RegionName),
			Warehouse:   r.WarehouseName,
			IsReturn:    isReturn,
		})
	}
	return sales, nil
}

type orderRow struct {
	Date            string   `json:"date"`
	SupplierArticle string   `json:"supplierArticle"`
	NmID            int64    `json:"nmId"`
	PriceWithDisc   *float64 `json:"priceWithDisc"`
	WarehouseName   string   `json:"warehouseName"`
	RegionName      string   `json:"regionName"`
	Srid            string   `json:"srid"`
	IsCancel        bool     `json:"isCancel"`
	Subject         string   `json:"subject"`
}

func (a *Adapter) GetOrders(ctx context.Context, q marketplace.Query) ([]marketplace.Order, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("dateFrom", q.From.Format(time.RFC3339))

	var rows []orderRow
	if err := a.client.Get(ctx, a.opts.Hosts.Statistics+"/api/v1/supplier/orders", params, &rows); err != nil {
		return nil, err
	}

	orders := make([]marketplace.Order, 0, len(rows))
	for _, r := range rows {
		date, err := marketplace.ParseTime(r.Date)
		if err != nil {
			return orders, fmt.Errorf("order %s: %w", r.Srid, err)
		}
		if !q.To.IsZero() && date.After(q.To) {
			continue
		}
		var price float64
		if r.PriceWithDisc != nil {
			price = marketplace.NormalizeAmount(*r.PriceWithDisc)
		}
		status := "new"
		if r.IsCancel {
			status = "cancelled"
		}
		orders = append(orders, marketplace.Order{
			OrderID:     r.Srid,
			ProductID:   strconv.FormatInt(r.NmID, 10),
			ProductName: marketplace.ProductNameOrDefault(r.Subject),
			Quantity:    1,
			Price:       price,
			TotalAmount: price,
			Currency:    currency,
			Status:      status,
			Date:        date,
			Region:      marketplace.RegionOrDefault(r.RegionName),
			Warehouse:   r.WarehouseName,
		})
	}
	return orders, nil
}

type stockRow struct {
	LastChangeDate  string `json:"lastChangeDate"`
	WarehouseName   string `json:"warehouseName"`
	SupplierArticle string `json:"supplierArticle"`
	NmID            int64  `json:"nmId"`
	Quantity        int    `json:"quantity"`
	InWayToClient   int    `json:"inWayToClient"`
}

// GetStock needs the statistics scope; tokens without it yield no stock.
func (a *Adapter) GetStock(ctx context.Context, q marketplace.Query) ([]marketplace.Stock, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	stocks, err := a.fetchStock(ctx)
	return marketplace.OptionalScope(ctx, a.log, "wildberries stocks", stocks, err)
}

func (a *Adapter) fetchStock(ctx context.Context) ([]marketplace.Stock, error) {
	params := url.Values{}
	// the feed returns everything changed since dateFrom; use its epoch
	params.Set("dateFrom", "2019-06-20")

	var rows []stockRow
	if err := a.client.Get(ctx, a.opts.Hosts.Statistics+"/api/v1/supplier/stocks", params, &rows); err != nil {
		return nil, err
	}
	stocks := make([]marketplace.Stock, 0, len(rows))
	for _, r := range rows {
		updated, err := marketplace.ParseTime(r.LastChangeDate)
		if err != nil {
			updated = time.Now().UTC()
		}
		stocks = append(stocks, marketplace.Stock{
			ProductID: strconv.FormatInt(r.NmID, 10),
			SKU:       r.SupplierArticle,
			Warehouse: r.WarehouseName,
			Quantity:  r.Quantity,
			Reserved:  r.InWayToClient,
			UpdatedAt: updated,
		})
	}
	return stocks, nil
}

type cardsRequest struct {
	Settings cardsSettings `json:"settings"`
}

type cardsSettings struct {
	Cursor cardsCursor    `json:"cursor"`
	Filter map[string]int `json:"filter"`
}

type cardsCursor struct {
	Limit     int    `json:"limit"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	NmID      int64  `json:"nmID,omitempty"`
	Total     int    `json:"total,omitempty"`
}

type cardsResponse struct {
	Cards []struct {
		NmID        int64  `json:"nmID"`
		VendorCode  string `json:"vendorCode"`
		Brand       string `json:"brand"`
		Title       string `json:"title"`
		SubjectName string `json:"subjectName"`
		Photos      []struct {
			Big string `json:"big"`
		} `json:"photos"`
		Sizes []struct {
			Skus []string `json:"skus"`
		} `json:"sizes"`
	} `json:"cards"`
	Cursor cardsCursor `json:"cursor"`
}

func (a *Adapter) GetProducts(ctx context.Context, q marketplace.Query) ([]marketplace.Product, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var products []marketplace.Product
	cursor := cardsCursor{Limit: cardsLimit}
	for {
		req := cardsRequest{Settings: cardsSettings{
			Cursor: cursor,
			Filter: map[string]int{"withPhoto": -1},
		}}
		var resp cardsResponse
		if err := a.client.Post(ctx, a.opts.Hosts.Content+"/content/v2/get/cards/list", req, &resp); err != nil {
			return products, err
		}
		for _, c := range resp.Cards {
			p := marketplace.Product{
				ExternalID: strconv.FormatInt(c.NmID, 10),
				SKU:        c.VendorCode,
				Name:       marketplace.ProductNameOrDefault(c.Title),
				Brand:      c.Brand,
				Category:   c.SubjectName,
				Currency:   currency,
				Active:     true,
			}
			if len(c.Photos) > 0 {
				p.ImageURL = c.Photos[0].Big
			}
			if len(c.Sizes) > 0 && len(c.Sizes[0].Skus) > 0 {
				p.Barcode = c.Sizes[0].Skus[0]
			}
			products = append(products, p)
		}
		if resp.Cursor.Total < cardsLimit || len(resp.Cards) == 0 {
			return products, nil
		}
		cursor = cardsCursor{Limit: cardsLimit, UpdatedAt: resp.Cursor.UpdatedAt, NmID: resp.Cursor.NmID}
	}
}

type promotionCount struct {
	Adverts []struct {
		Type       int `json:"type"`
		Status     int `json:"status"`
		AdvertList []struct {
			AdvertID   int64  `json:"advertId"`
			ChangeTime string `json:"changeTime"`
		} `json:"advert_list"`
	} `json:"adverts"`
}

var campaignStatuses = map[int]string{
	4:  "ready",
	7:  "completed",
	8:  "declined",
	9:  "active",
	11: "paused",
}

var campaignTypes = map[int]string{
	4: "catalog",
	5: "card",
	6: "search",
	7: "recommendation",
	8: "auto",
	9: "search_catalog",
}

func (a *Adapter) GetAdCampaigns(ctx context.Context, q marketplace.Query) ([]marketplace.AdCampaign, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	campaigns, err := a.fetchCampaigns(ctx)
	return marketplace.OptionalScope(ctx, a.log, "wildberries campaigns", campaigns, err)
}

func (a *Adapter) fetchCampaigns(ctx context.Context) ([]marketplace.AdCampaign, error) {
	var resp promotionCount
	if err := a.client.Get(ctx, a.opts.Hosts.Advert+"/adv/v1/promotion/count", nil, &resp); err != nil {
		return nil, err
	}
	var campaigns []marketplace.AdCampaign
	for _, group := range resp.Adverts {
		for _, adv := range group.AdvertList {
			id := strconv.FormatInt(adv.AdvertID, 10)
			campaigns = append(campaigns, marketplace.AdCampaign{
				ExternalID: id,
				Name:       "Campaign " + id,
				Status:     lookup(campaignStatuses, group.Status),
				Type:       lookup(campaignTypes, group.Type),
			})
		}
	}
	return campaigns, nil
}

func lookup(m map[int]string, k int) string {
	if v, ok := m[k]; ok {
		return v
	}
	return "unknown"
}

type fullStatsRequest struct {
	ID       int64 `json:"id"`
	Interval struct {
		Begin string `json:"begin"`
		End   string `json:"end"`
	} `json:"interval"`
}

type fullStatsRow struct {
	AdvertID int64 `json:"advertId"`
	Days     []struct {
		Date     string  `json:"date"`
		Views    int64   `json:"views"`
		Clicks   int64   `json:"clicks"`
		Sum      float64 `json:"sum"`
		Orders   int     `json:"orders"`
		SumPrice float64 `json:"sum_price"`
	} `json:"days"`
}

func (a *Adapter) GetAdStatistics(ctx context.Context, q marketplace.Query) ([]marketplace.AdStatistic, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	stats, err := a.fetchAdStatistics(ctx, q)
	return marketplace.OptionalScope(ctx, a.log, "wildberries ad statistics", stats, err)
}

func (a *Adapter) fetchAdStatistics(ctx context.Context, q marketplace.Query) ([]marketplace.AdStatistic, error) {
	ids := q.IDs
	if len(ids) == 0 {
		campaigns, err := a.fetchCampaigns(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range campaigns {
			ids = append(ids, c.ExternalID)
		}
	}
	if len(ids) == 0 {
		return []marketplace.AdStatistic{}, nil
	}

	body := make([]fullStatsRequest, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid campaign id %q: %w", id, err)
		}
		r := fullStatsRequest{ID: n}
		r.Interval.Begin = q.From.Format(dateLayout)
		r.Interval.End = q.To.Format(dateLayout)
		body = append(body, r)
	}

	var rows []fullStatsRow
	if err := a.client.Post(ctx, a.opts.Hosts.Advert+"/adv/v2/fullstats", body, &rows); err != nil {
		return nil, err
	}
	var stats []marketplace.AdStatistic
	for _, r := range rows {
		for _, d := range r.Days {
			date, err := marketplace.ParseTime(d.Date)
			if err != nil {
				return stats, fmt.Errorf("campaign %d: %w", r.AdvertID, err)
			}
			stats = append(stats, marketplace.AdStatistic{
				CampaignID:  strconv.FormatInt(r.AdvertID, 10),
				Date:        date,
				Impressions: d.Views,
				Clicks:      d.Clicks,
				Spend:       d.Sum,
				Orders:      d.Orders,
				Revenue:     d.SumPrice,
			})
		}
	}
	return stats, nil
}

type regionSaleResponse struct {
	Report []struct {
		RegionName string  `json:"regionName"`
		SaleQty    int     `json:"saleItemInvoiceQty"`
		SaleAmount float64 `json:"saleInvoiceCostPrice"`
	} `json:"report"`
}

func (a *Adapter) GetRegionalData(ctx context.Context, q marketplace.Query) ([]marketplace.RegionalBucket, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	windows := marketplace.SplitWindows(q.From, q.To, regionWindow)
	buckets, err := marketplace.FetchWindows(ctx, windows, a.regionSales)
	return marketplace.OptionalScope(ctx, a.log, "wildberries regional sales", buckets, err)
}

func (a *Adapter) regionSales(ctx context.Context, w marketplace.Window) ([]marketplace.RegionalBucket, error) {
	params := url.Values{}
	params.Set("dateFrom", w.From.Format(dateLayout))
	params.Set("dateTo", w.To.Format(dateLayout))

	var resp regionSaleResponse
	if err := a.client.Get(ctx, a.opts.Hosts.Analytics+"/api/v1/analytics/region-sale", params, &resp); err != nil {
		return nil, err
	}
	buckets := make([]marketplace.RegionalBucket, 0, len(resp.Report))
	for _, r := range resp.Report {
		buckets = append(buckets, marketplace.RegionalBucket{
			Region:      marketplace.RegionOrDefault(r.RegionName),
			PeriodStart: w.From,
			PeriodEnd:   w.To,
			Quantity:    r.SaleQty,
			OrderCount:  r.SaleQty,
			Revenue:     r.SaleAmount,
			Currency:    currency,
		})
	}
	return buckets, nil
}
