package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/queue"
)

func TestBackoffDelay(t *testing.T) {
	base, max := time.Second, 10*time.Second
	assert.Equal(t, time.Second, BackoffDelay(0, base, max))
	assert.Equal(t, 2*time.Second, BackoffDelay(1, base, max))
	assert.Equal(t, 4*time.Second, BackoffDelay(2, base, max))
	assert.Equal(t, 8*time.Second, BackoffDelay(3, base, max))
	assert.Equal(t, 10*time.Second, BackoffDelay(4, base, max))
	assert.Equal(t, 10*time.Second, BackoffDelay(40, base, max))
}

type deliveryFixture struct {
	store   *testStore
	queue   *mockJobQueue
	retrier *DeliveryRetrier
	hits    *atomic.Int32
}

// newDeliveryFixture points the retrier at a server answering with status
func newDeliveryFixture(t *testing.T, status func(n int32) int) (*deliveryFixture, string) {
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "sync_completed", r.Header.Get("X-Marketsync-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Marketsync-Delivery"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"jobId":"j1"}`, string(body))

		w.WriteHeader(status(n))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	s := newTestStore(t)
	q := &mockJobQueue{}
	r := NewDeliveryRetrier(s.events, q, "delivery", DeliveryOptions{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
	}, logger.NewNop())
	return &deliveryFixture{store: s, queue: q, retrier: r, hits: hits}, srv.URL
}

func (f *deliveryFixture) schedule(t *testing.T, url string) *models.WebhookEvent {
	t.Helper()
	event, err := f.retrier.Schedule(context.Background(), OutboundDelivery{
		Marketplace: models.MarketplaceOzon,
		EventType:   models.EventSyncCompleted,
		TargetURL:   url,
		Payload:     []byte(`{"jobId":"j1"}`),
	})
	require.NoError(t, err)
	return event
}

func TestDeliveryRetrier_Schedule(t *testing.T) {
	f, url := newDeliveryFixture(t, func(int32) int { return http.StatusOK })
	event := f.schedule(t, url)

	assert.Equal(t, models.DirectionOutbound, event.Direction)
	assert.Equal(t, models.WebhookStatusPending, event.Status)
	assert.Equal(t, 3, event.MaxRetries)

	queued := f.queue.all()
	require.Len(t, queued, 1)
	assert.Equal(t, "delivery", queued[0].queue)
	assert.Equal(t, queue.JobDelivery, queued[0].env.Name)
	assert.Equal(t, 0, queued[0].env.Attempt)
	assert.Zero(t, queued[0].delay)

	_, err := f.retrier.Schedule(context.Background(), OutboundDelivery{TargetURL: url, Payload: []byte("nope")})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDeliveryRetrier_Delivers(t *testing.T) {
	f, url := newDeliveryFixture(t, func(int32) int { return http.StatusAccepted })
	event := f.schedule(t, url)
	ctx := context.Background()

	require.NoError(t, f.retrier.Handle(ctx, f.queue.all()[0].env))

	stored, err := f.store.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusDelivered, stored.Status)
	require.NotNil(t, stored.ResponseStatus)
	assert.Equal(t, http.StatusAccepted, *stored.ResponseStatus)
	assert.NotNil(t, stored.ProcessedAt)

	// a duplicate queue delivery does not send twice
	require.NoError(t, f.retrier.Deliver(ctx, event.ID, 0))
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestDeliveryRetrier_RetriesWithBackoffUntilExhausted(t *testing.T) {
	f, url := newDeliveryFixture(t, func(int32) int { return http.StatusServiceUnavailable })
	event := f.schedule(t, url)
	ctx := context.Background()

	require.NoError(t, f.retrier.Deliver(ctx, event.ID, 0))
	stored, err := f.store.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	require.NotNil(t, stored.ResponseStatus)
	assert.Equal(t, http.StatusServiceUnavailable, *stored.ResponseStatus)

	queued := f.queue.all()
	require.Len(t, queued, 2)
	assert.Equal(t, 1, queued[1].env.Attempt)
	assert.Equal(t, time.Second, queued[1].delay)

	require.NoError(t, f.retrier.Handle(ctx, queued[1].env))
	queued = f.queue.all()
	require.Len(t, queued, 3)
	assert.Equal(t, 2, queued[2].env.Attempt)
	assert.Equal(t, 2*time.Second, queued[2].delay)

	require.NoError(t, f.retrier.Handle(ctx, queued[2].env))
	stored, err = f.store.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "503")

	assert.Len(t, f.queue.all(), 3, "no attempt is queued after the last one")
	assert.Equal(t, int32(3), f.hits.Load())
}

func TestDeliveryRetrier_RecoversAfterFailure(t *testing.T) {
	f, url := newDeliveryFixture(t, func(n int32) int {
		if n == 1 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	event := f.schedule(t, url)
	ctx := context.Background()

	require.NoError(t, f.retrier.Deliver(ctx, event.ID, 0))
	stored, err := f.store.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.NoError(t, f.retrier.Requeue(ctx, stored))

	queued := f.queue.all()
	last := queued[len(queued)-1]
	assert.Equal(t, 1, last.env.Attempt)
	require.NoError(t, f.retrier.Handle(ctx, last.env))

	stored, err = f.store.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusDelivered, stored.Status)
	assert.Nil(t, stored.LastError)
}

func TestDeliveryRetrier_UnknownEventIsPermanent(t *testing.T) {
	f, _ := newDeliveryFixture(t, func(int32) int { return http.StatusOK })
	err := f.retrier.Deliver(context.Background(), "missing", 0)
	assert.True(t, queue.IsPermanent(err))
}
