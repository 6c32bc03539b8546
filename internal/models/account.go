package models

import (
	"time"

	"gorm.io/datatypes"
)

type MarketplaceType string

const (
	MarketplaceWildberries    MarketplaceType = "wildberries"
	MarketplaceOzon           MarketplaceType = "ozon"
	MarketplaceYandexMarket   MarketplaceType = "yandex_market"
	MarketplaceGoogleShopping MarketplaceType = "google_shopping"
)

// Valid reports whether t is one of the supported marketplaces
func (t MarketplaceType) Valid() bool {
	switch t {
	case MarketplaceWildberries, MarketplaceOzon, MarketplaceYandexMarket, MarketplaceGoogleShopping:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
	AccountStatusError    AccountStatus = "error"
	AccountStatusSyncing  AccountStatus = "syncing"
)

// SyncStateVersion is bumped when the persisted layout of SyncState changes
const SyncStateVersion = 1

// SyncState tracks how much history an account has ingested.
// Only the sync worker (on job completion) and the scheduler (flipping
// FullHistoryReady) write it.
type SyncState struct {
	Version             int        `json:"version"`
	InitialCompleted    bool       `json:"initialCompleted"`
	OldestSyncedDate    *time.Time `json:"oldestSyncedDate,omitempty"`
	DesiredHistoryStart *time.Time `json:"desiredHistoryStart,omitempty"`
	FullHistoryReady    bool       `json:"fullHistoryReady"`
	LastDailySyncAt     *time.Time `json:"lastDailySyncAt,omitempty"`
	LastStockSyncAt     *time.Time `json:"lastStockSyncAt,omitempty"`
}

type SyncSettings struct {
	AutoSync      bool   `json:"autoSync"`
	AutoSyncStock bool   `json:"autoSyncStock"`
	NotifyURL     string `json:"notifyUrl,omitempty"`
}

// MarketplaceAccount is a seller account connected to one marketplace
type MarketplaceAccount struct {
	ID                   string                           `gorm:"column:id;primaryKey"`
	UserID               string                           `gorm:"column:user_id;index"`
	Marketplace          MarketplaceType                  `gorm:"column:marketplace;index"`
	Name                 string                           `gorm:"column:name"`
	ExternalAccountID    *string                          `gorm:"column:external_account_id;index"`
	EncryptedCredentials string                           `gorm:"column:encrypted_credentials"`
	Status               AccountStatus                    `gorm:"column:status;index"`
	SyncState            datatypes.JSONType[SyncState]    `gorm:"column:sync_state;type:jsonb"`
	SyncStateVersion     int64                            `gorm:"column:sync_state_version;not null;default:0"`
	SyncSettings         datatypes.JSONType[SyncSettings] `gorm:"column:sync_settings;type:jsonb"`
	LastSyncAt           *time.Time                       `gorm:"column:last_sync_at"`
	LastSyncStatus       *string                          `gorm:"column:last_sync_status"`
	LastSyncError        *string                          `gorm:"column:last_sync_error"`
	CreatedAt            time.Time                        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (MarketplaceAccount) TableName() string {
	return "marketplace_account"
}

// State returns the decoded sync state
func (a *MarketplaceAccount) State() SyncState {
	return a.SyncState.Data()
}

func (a *MarketplaceAccount) SetState(s SyncState) {
	if s.Version == 0 {
		s.Version = SyncStateVersion
	}
	a.SyncState = datatypes.NewJSONType(s)
}

func (a *MarketplaceAccount) Settings() SyncSettings {
	return a.SyncSettings.Data()
}

func (a *MarketplaceAccount) SetSettings(s SyncSettings) {
	a.SyncSettings = datatypes.NewJSONType(s)
}
