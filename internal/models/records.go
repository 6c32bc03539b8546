package models

import "time"

// SaleRecord is keyed by (account, product, order, date); re-ingesting the
// same sale overwrites it instead of adding a second row.
type SaleRecord struct {
	ID          string          `gorm:"column:id;primaryKey"`
	AccountID   string          `gorm:"column:account_id;uniqueIndex:idx_sale_natural_key,priority:1"`
	ProductID   string          `gorm:"column:product_id;uniqueIndex:idx_sale_natural_key,priority:2"`
	OrderID     string          `gorm:"column:order_id;uniqueIndex:idx_sale_natural_key,priority:3"`
	SaleDate    time.Time       `gorm:"column:sale_date;uniqueIndex:idx_sale_natural_key,priority:4"`
	Marketplace MarketplaceType `gorm:"column:marketplace"`
	ProductName string          `gorm:"column:product_name"`
	SKU         string          `gorm:"column:sku"`
	Quantity    int             `gorm:"column:quantity"`
	Price       float64         `gorm:"column:price"`
	TotalAmount float64         `gorm:"column:total_amount"`
	Currency    string          `gorm:"column:currency"`
	Region      string          `gorm:"column:region"`
	Warehouse   string          `gorm:"column:warehouse"`
	IsReturn    bool            `gorm:"column:is_return"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (SaleRecord) TableName() string {
	return "sale"
}

type ProductRecord struct {
	ID          string          `gorm:"column:id;primaryKey"`
	AccountID   string          `gorm:"column:account_id;uniqueIndex:idx_product_natural_key,priority:1"`
	ExternalID  string          `gorm:"column:external_id;uniqueIndex:idx_product_natural_key,priority:2"`
	Marketplace MarketplaceType `gorm:"column:marketplace"`
	SKU         string          `gorm:"column:sku"`
	Name        string          `gorm:"column:name"`
	Brand       string          `gorm:"column:brand"`
	Category    string          `gorm:"column:category"`
	Barcode     string          `gorm:"column:barcode"`
	Price       float64         `gorm:"column:price"`
	Currency    string          `gorm:"column:currency"`
	ImageURL    string          `gorm:"column:image_url"`
	Active      bool            `gorm:"column:active"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProductRecord) TableName() string {
	return "product"
}

// StockRecord holds the latest snapshot per product and warehouse
type StockRecord struct {
	ID          string          `gorm:"column:id;primaryKey"`
	AccountID   string          `gorm:"column:account_id;uniqueIndex:idx_stock_natural_key,priority:1"`
	ProductID   string          `gorm:"column:product_id;uniqueIndex:idx_stock_natural_key,priority:2"`
	Warehouse   string          `gorm:"column:warehouse;uniqueIndex:idx_stock_natural_key,priority:3"`
	Marketplace MarketplaceType `gorm:"column:marketplace"`
	SKU         string          `gorm:"column:sku"`
	Quantity    int             `gorm:"column:quantity"`
	Reserved    int             `gorm:"column:reserved"`
	SnapshotAt  time.Time       `gorm:"column:snapshot_at"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (StockRecord) TableName() string {
	return "stock"
}

type OrderRecord struct {
	ID          string          `gorm:"column:id;primaryKey"`
	AccountID   string          `gorm:"column:account_id;uniqueIndex:idx_order_natural_key,priority:1"`
	OrderID     string          `gorm:"column:order_id;uniqueIndex:idx_order_natural_key,priority:2"`
	ProductID   string          `gorm:"column:product_id;uniqueIndex:idx_order_natural_key,priority:3"`
	Marketplace MarketplaceType `gorm:"column:marketplace"`
	ProductName string          `gorm:"column:product_name"`
	Quantity    int             `gorm:"column:quantity"`
	Price       float64         `gorm:"column:price"`
	TotalAmount float64         `gorm:"column:total_amount"`
	Currency    string          `gorm:"column:currency"`
	Status      string          `gorm:"column:status"`
	OrderDate   time.Time       `gorm:"column:order_date;index"`
	Region      string          `gorm:"column:region"`
	Warehouse   string          `gorm:"column:warehouse"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (OrderRecord) TableName() string {
	return "marketplace_order"
}

type RegionalRecord struct {
	ID          string          `gorm:"column:id;primaryKey"`
	AccountID   string          `gorm:"column:account_id;uniqueIndex:idx_regional_natural_key,priority:1"`
	Region      string          `gorm:"column:region;uniqueIndex:idx_regional_natural_key,priority:2"`
	PeriodStart time.Time       `gorm:"column:period_start;uniqueIndex:idx_regional_natural_key,priority:3"`
	PeriodEnd   time.Time       `gorm:"column:period_end;uniqueIndex:idx_regional_natural_key,priority:4"`
	Marketplace MarketplaceType `gorm:"column:marketplace"`
	Quantity    int             `gorm:"column:quantity"`
	OrderCount  int             `gorm:"column:order_count"`
	Revenue     float64         `gorm:"column:revenue"`
	Currency    string          `gorm:"column:currency"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (RegionalRecord) TableName() string {
	return "regional_sales"
}

// All lists every persisted model, in dependency order
func All() []interface{} {
	return []interface{}{
		&MarketplaceAccount{},
		&SyncJob{},
		&WebhookEvent{},
		&SaleRecord{},
		&ProductRecord{},
		&StockRecord{},
		&OrderRecord{},
		&RegionalRecord{},
	}
}
