package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookDirection string

const (
	DirectionInbound  WebhookDirection = "inbound"
	DirectionOutbound WebhookDirection = "outbound"
)

type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusIgnored   WebhookStatus = "ignored"
	WebhookStatusDelivered WebhookStatus = "delivered"
)

type WebhookEventType string

const (
	EventOrderCreated    WebhookEventType = "order_created"
	EventOrderUpdated    WebhookEventType = "order_updated"
	EventOrderCancelled  WebhookEventType = "order_cancelled"
	EventProductUpdated  WebhookEventType = "product_updated"
	EventStockUpdated    WebhookEventType = "stock_updated"
	EventReturnCreated   WebhookEventType = "return_created"
	EventPaymentReceived WebhookEventType = "payment_received"
	EventSyncCompleted   WebhookEventType = "sync_completed"
	EventSyncFailed      WebhookEventType = "sync_failed"
	EventCustom          WebhookEventType = "custom"
)

// WebhookEvent is an audit row for inbound notifications and outbound
// deliveries. Rows are never deleted by the sync core.
type WebhookEvent struct {
	ID             string           `gorm:"column:id;primaryKey"`
	AccountID      *string          `gorm:"column:account_id;index"`
	Marketplace    MarketplaceType  `gorm:"column:marketplace"`
	Direction      WebhookDirection `gorm:"column:direction"`
	EventType      WebhookEventType `gorm:"column:event_type;index"`
	Status         WebhookStatus    `gorm:"column:status;index"`
	Payload        datatypes.JSON   `gorm:"column:payload"`
	Headers        datatypes.JSON   `gorm:"column:headers"`
	TargetURL      *string          `gorm:"column:target_url"`
	RetryCount     int              `gorm:"column:retry_count"`
	MaxRetries     int              `gorm:"column:max_retries"`
	LastError      *string          `gorm:"column:last_error"`
	ResponseStatus *int             `gorm:"column:response_status"`
	ResponseData   *string          `gorm:"column:response_data"`
	NextRetryAt    *time.Time       `gorm:"column:next_retry_at"`
	ProcessedAt    *time.Time       `gorm:"column:processed_at"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (WebhookEvent) TableName() string {
	return "webhook_event"
}
