package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/marketsync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 500

// RecordRepository persists normalized marketplace records. Every write is
// an upsert on the record's natural key, so re-running a window updates
// rows in place.
type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// upsert dedupes rows by key (last one wins) and writes them in batches.
// Postgres rejects an ON CONFLICT statement that touches one row twice, so
// duplicates must never reach the same batch.
func upsert[T any](ctx context.Context, db *gorm.DB, table string, rows []T, key func(T) string, conflict, updates []string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	index := make(map[string]int, len(rows))
	unique := make([]T, 0, len(rows))
	for _, row := range rows {
		k := key(row)
		if i, ok := index[k]; ok {
			unique[i] = row
			continue
		}
		index[k] = len(unique)
		unique = append(unique, row)
	}

	columns := make([]clause.Column, 0, len(conflict))
	for _, c := range conflict {
		columns = append(columns, clause.Column{Name: c})
	}

	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   columns,
			DoUpdates: clause.AssignmentColumns(append(updates, "updated_at")),
		}).
		CreateInBatches(&unique, upsertBatchSize).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert %s records: %w", table, err)
	}
	return len(unique), nil
}

func timeKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (r *RecordRepository) UpsertSales(ctx context.Context, rows []models.SaleRecord) (int, error) {
	return upsert(ctx, r.db, "sale", rows,
		func(s models.SaleRecord) string {
			return s.AccountID + "|" + s.ProductID + "|" + s.OrderID + "|" + timeKey(s.SaleDate)
		},
		[]string{"account_id", "product_id", "order_id", "sale_date"},
		[]string{"product_name", "sku", "quantity", "price", "total_amount", "currency", "region", "warehouse", "is_return"},
	)
}

func (r *RecordRepository) UpsertProducts(ctx context.Context, rows []models.ProductRecord) (int, error) {
	return upsert(ctx, r.db, "product", rows,
		func(p models.ProductRecord) string { return p.AccountID + "|" + p.ExternalID },
		[]string{"account_id", "external_id"},
		[]string{"sku", "name", "brand", "category", "barcode", "price", "currency", "image_url", "active"},
	)
}

func (r *RecordRepository) UpsertStock(ctx context.Context, rows []models.StockRecord) (int, error) {
	return upsert(ctx, r.db, "stock", rows,
		func(s models.StockRecord) string { return s.AccountID + "|" + s.ProductID + "|" + s.Warehouse },
		[]string{"account_id", "product_id", "warehouse"},
		[]string{"sku", "quantity", "reserved", "snapshot_at"},
	)
}

func (r *RecordRepository) UpsertOrders(ctx context.Context, rows []models.OrderRecord) (int, error) {
	return upsert(ctx, r.db, "order", rows,
		func(o models.OrderRecord) string { return o.AccountID + "|" + o.OrderID + "|" + o.ProductID },
		[]string{"account_id", "order_id", "product_id"},
		[]string{"product_name", "quantity", "price", "total_amount", "currency", "status", "order_date", "region", "warehouse"},
	)
}

func (r *RecordRepository) UpsertRegional(ctx context.Context, rows []models.RegionalRecord) (int, error) {
	return upsert(ctx, r.db, "regional", rows,
		func(b models.RegionalRecord) string {
			return b.AccountID + "|" + b.Region + "|" + timeKey(b.PeriodStart) + "|" + timeKey(b.PeriodEnd)
		},
		[]string{"account_id", "region", "period_start", "period_end"},
		[]string{"quantity", "order_count", "revenue", "currency"},
	)
}

// CountSales returns the number of stored sales of an account
func (r *RecordRepository) CountSales(ctx context.Context, accountID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.SaleRecord{}).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count sales: %w", err)
	}
	return n, nil
}
