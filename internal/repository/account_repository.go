package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/marketsync/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrStateConflict means another writer updated sync_state first
	ErrStateConflict = errors.New("sync state was modified concurrently")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.MarketplaceAccount) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.MarketplaceAccount, error) {
	var account models.MarketplaceAccount
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// FindByExternalID looks an account up by the id the marketplace knows it by
func (r *AccountRepository) FindByExternalID(ctx context.Context, marketplace models.MarketplaceType, externalID string) (*models.MarketplaceAccount, error) {
	var account models.MarketplaceAccount
	result := r.db.WithContext(ctx).
		Where("marketplace = ? AND external_account_id = ?", marketplace, externalID).
		First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", result.Error)
	}
	return &account, nil
}

// ListByMarketplace returns every account connected to one marketplace
func (r *AccountRepository) ListByMarketplace(ctx context.Context, marketplace models.MarketplaceType) ([]models.MarketplaceAccount, error) {
	var accounts []models.MarketplaceAccount
	result := r.db.WithContext(ctx).
		Where("marketplace = ?", marketplace).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListAutoSync returns accounts that are not deactivated and have automatic
// sync enabled in their settings
func (r *AccountRepository) ListAutoSync(ctx context.Context) ([]models.MarketplaceAccount, error) {
	var accounts []models.MarketplaceAccount
	result := r.db.WithContext(ctx).
		Where("status <> ?", models.AccountStatusInactive).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}

	enabled := accounts[:0]
	for _, a := range accounts {
		if a.Settings().AutoSync {
			enabled = append(enabled, a)
		}
	}
	return enabled, nil
}

// UpdateSyncState writes state only if the row still carries
// expectedVersion; otherwise ErrStateConflict is returned and the caller
// re-reads and re-applies its change.
func (r *AccountRepository) UpdateSyncState(ctx context.Context, accountID string, expectedVersion int64, state models.SyncState) error {
	if state.Version == 0 {
		state.Version = models.SyncStateVersion
	}
	result := r.db.WithContext(ctx).Model(&models.MarketplaceAccount{}).
		Where("id = ? AND sync_state_version = ?", accountID, expectedVersion).
		Updates(map[string]interface{}{
			"sync_state":         datatypes.NewJSONType(state),
			"sync_state_version": gorm.Expr("sync_state_version + 1"),
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update sync state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// UpdateStatus sets the account status
func (r *AccountRepository) UpdateStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	result := r.db.WithContext(ctx).Model(&models.MarketplaceAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update account status: %w", result.Error)
	}
	return nil
}

// RecordSyncResult stores the outcome of the last sync job on the account.
// last_sync_at only moves when syncedAt is set, i.e. on completion.
func (r *AccountRepository) RecordSyncResult(ctx context.Context, accountID string, status models.AccountStatus, jobStatus models.JobStatus, syncErr *string, syncedAt *time.Time) error {
	fields := map[string]interface{}{
		"status":           status,
		"last_sync_status": string(jobStatus),
		"last_sync_error":  syncErr,
		"updated_at":       time.Now(),
	}
	if syncedAt != nil {
		fields["last_sync_at"] = *syncedAt
	}
	result := r.db.WithContext(ctx).Model(&models.MarketplaceAccount{}).
		Where("id = ?", accountID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to record sync result: %w", result.Error)
	}
	return nil
}
