package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/marketsync/internal/models"
	"gorm.io/gorm"
)

var ErrEventNotFound = errors.New("webhook event not found")

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create stores a new inbound or outbound event
func (r *WebhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to create webhook event: %w", err)
	}
	return nil
}

// GetByID retrieves an event by ID
func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	result := r.db.WithContext(ctx).First(&event, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", result.Error)
	}
	return &event, nil
}

// ListByAccount returns the newest events of an account
func (r *WebhookEventRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", result.Error)
	}
	return events, nil
}

// GetDueDeliveries retrieves pending outbound deliveries whose next attempt
// (or creation, before the first attempt) is at or before cutoff. Callers
// pass a cutoff in the past so attempts still waiting in the queue are left
// alone.
func (r *WebhookEventRepository) GetDueDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	result := r.db.WithContext(ctx).
		Where("direction = ? AND status = ? AND COALESCE(next_retry_at, created_at) <= ?",
			models.DirectionOutbound, models.WebhookStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", result.Error)
	}
	return events, nil
}

// MarkDelivered records a successful outbound delivery
func (r *WebhookEventRepository) MarkDelivered(ctx context.Context, id string, responseStatus int, responseData string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.WebhookStatusDelivered,
			"response_status": responseStatus,
			"response_data":   responseData,
			"last_error":      nil,
			"next_retry_at":   nil,
			"processed_at":    now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark event delivered: %w", result.Error)
	}
	return nil
}

// DeliveryFailure describes one failed delivery attempt
type DeliveryFailure struct {
	RetryCount     int
	Error          string
	ResponseStatus *int
	ResponseData   *string
	// NextRetryAt is nil when no attempt is left
	NextRetryAt *time.Time
}

// RecordFailure stores a failed attempt. Without a next attempt the event
// becomes permanently failed.
func (r *WebhookEventRepository) RecordFailure(ctx context.Context, id string, f DeliveryFailure) error {
	now := time.Now()
	updates := map[string]interface{}{
		"retry_count":     f.RetryCount,
		"last_error":      f.Error,
		"response_status": f.ResponseStatus,
		"response_data":   f.ResponseData,
		"next_retry_at":   f.NextRetryAt,
		"updated_at":      now,
	}
	if f.NextRetryAt == nil {
		updates["status"] = models.WebhookStatusFailed
		updates["processed_at"] = now
	}

	result := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record delivery failure: %w", result.Error)
	}
	return nil
}

// UpdateStatus sets the processing status of an inbound event
func (r *WebhookEventRepository) UpdateStatus(ctx context.Context, id string, status models.WebhookStatus, lastError *string) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
		"updated_at": time.Now(),
	}
	if status != models.WebhookStatusPending {
		updates["processed_at"] = time.Now()
	}
	result := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update event status: %w", result.Error)
	}
	return nil
}
