package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
)

const maxResponseData = 4096

// OutboundDelivery is one webhook to send to a caller-owned URL
type OutboundDelivery struct {
	AccountID   *string
	Marketplace models.MarketplaceType
	EventType   models.WebhookEventType
	TargetURL   string
	Payload     []byte
	Headers     map[string]string
}

// DeliveryTask is the queue payload of a delivery attempt
type DeliveryTask struct {
	EventID string `json:"eventId"`
}

type DeliveryOptions struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// BackoffDelay is the wait before the attempt after attempt:
// min(base * 2^attempt, max)
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	return queue.Backoff(attempt, base, max)
}

// DeliveryRetrier sends outbound webhooks and schedules their retries
// itself; the queue only carries the delay.
type DeliveryRetrier struct {
	events    WebhookEventStore
	queue     JobQueue
	queueName string
	client    *http.Client
	opts      DeliveryOptions
	log       logger.Logger
	now       func() time.Time
}

func NewDeliveryRetrier(events WebhookEventStore, q JobQueue, queueName string, opts DeliveryOptions, log logger.Logger) *DeliveryRetrier {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &DeliveryRetrier{
		events:    events,
		queue:     q,
		queueName: queueName,
		client:    &http.Client{Timeout: opts.Timeout},
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Schedule stores the delivery as a pending outbound event and queues its
// first attempt
func (d *DeliveryRetrier) Schedule(ctx context.Context, od OutboundDelivery) (*models.WebhookEvent, error) {
	if od.TargetURL == "" {
		return nil, errors.New("delivery target url is required")
	}
	if !json.Valid(od.Payload) {
		return nil, ErrInvalidPayload
	}
	headers, err := json.Marshal(od.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery headers: %w", err)
	}
	target := od.TargetURL

	event := &models.WebhookEvent{
		ID:          uuid.NewString(),
		AccountID:   od.AccountID,
		Marketplace: od.Marketplace,
		Direction:   models.DirectionOutbound,
		EventType:   od.EventType,
		Status:      models.WebhookStatusPending,
		Payload:     datatypes.JSON(od.Payload),
		Headers:     datatypes.JSON(headers),
		TargetURL:   &target,
		MaxRetries:  d.opts.MaxAttempts,
	}
	if err := d.events.Create(ctx, event); err != nil {
		return nil, err
	}

	if err := d.enqueue(ctx, event.ID, 0, 0); err != nil {
		// the recovery sweep picks up pending deliveries
		d.log.Warnf(ctx, "Failed to queue delivery %s: %v", event.ID, err)
	}
	return event, nil
}

// Handle is the queue entry point
func (d *DeliveryRetrier) Handle(ctx context.Context, env queue.Envelope) error {
	var task DeliveryTask
	if err := env.Decode(&task); err != nil {
		return queue.Permanent(err)
	}
	return d.Deliver(ctx, task.EventID, env.Attempt)
}

// Requeue queues a pending delivery again, used by the recovery sweep
func (d *DeliveryRetrier) Requeue(ctx context.Context, event *models.WebhookEvent) error {
	return d.enqueue(ctx, event.ID, event.RetryCount, 0)
}

// Deliver makes one attempt. A failed attempt is recorded and the next one
// queued with backoff; once attempts run out the event is failed for good.
func (d *DeliveryRetrier) Deliver(ctx context.Context, eventID string, attempt int) error {
	event, err := d.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	if event.Status != models.WebhookStatusPending || event.TargetURL == nil {
		return nil
	}
	if event.RetryCount > attempt {
		attempt = event.RetryCount
	}
	maxAttempts := event.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = d.opts.MaxAttempts
	}

	status, body, sendErr := d.send(ctx, event)
	if sendErr == nil {
		if err := d.events.MarkDelivered(ctx, event.ID, status, body); err != nil {
			return err
		}
		d.log.Infof(ctx, "Delivered webhook %s to %s (status %d)", event.ID, *event.TargetURL, status)
		return nil
	}

	failure := repository.DeliveryFailure{
		RetryCount: attempt + 1,
		Error:      sendErr.Error(),
	}
	if status > 0 {
		failure.ResponseStatus = &status
		failure.ResponseData = &body
	}

	if failure.RetryCount >= maxAttempts {
		if err := d.events.RecordFailure(ctx, event.ID, failure); err != nil {
			return err
		}
		d.log.Errorf(ctx, "Webhook %s failed after %d attempt(s): %v", event.ID, failure.RetryCount, sendErr)
		return nil
	}

	delay := BackoffDelay(attempt, d.opts.BaseDelay, d.opts.MaxDelay)
	next := d.now().Add(delay)
	failure.NextRetryAt = &next
	if err := d.events.RecordFailure(ctx, event.ID, failure); err != nil {
		return err
	}
	if err := d.enqueue(ctx, event.ID, attempt+1, delay); err != nil {
		d.log.Warnf(ctx, "Failed to queue retry of webhook %s: %v", event.ID, err)
		return nil
	}
	d.log.Warnf(ctx, "Webhook %s attempt %d failed, retrying in %v: %v", event.ID, attempt+1, delay, sendErr)
	return nil
}

func (d *DeliveryRetrier) enqueue(ctx context.Context, eventID string, attempt int, delay time.Duration) error {
	if d.queue == nil {
		return errors.New("no delivery queue configured")
	}
	env, err := queue.NewEnvelope(queue.JobDelivery, DeliveryTask{EventID: eventID})
	if err != nil {
		return err
	}
	env.Attempt = attempt
	_, err = d.queue.Enqueue(ctx, d.queueName, env, delay)
	return err
}

// send POSTs the payload; a non-2xx answer is an error carrying its status
func (d *DeliveryRetrier) send(ctx context.Context, event *models.WebhookEvent) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *event.TargetURL, bytes.NewReader(event.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marketsync-Event", string(event.EventType))
	req.Header.Set("X-Marketsync-Delivery", event.ID)

	var extra map[string]string
	if len(event.Headers) > 0 {
		_ = json.Unmarshal(event.Headers, &extra)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseData))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(raw), fmt.Errorf("target responded with status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(raw), nil
}
