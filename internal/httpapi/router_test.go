package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockJobs struct {
	enqueueFunc func(ctx context.Context, req service.EnqueueRequest) (*service.EnqueueResult, error)
	retryFunc   func(ctx context.Context, jobID string) (*models.SyncJob, error)
	cancelFunc  func(ctx context.Context, jobID string) (*models.SyncJob, error)
	getFunc     func(ctx context.Context, jobID string) (*models.SyncJob, error)
	listFunc    func(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error)
	statsFunc   func(ctx context.Context, accountID string) (*models.SyncStats, error)
}

func (m *mockJobs) Enqueue(ctx context.Context, req service.EnqueueRequest) (*service.EnqueueResult, error) {
	return m.enqueueFunc(ctx, req)
}

func (m *mockJobs) Retry(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return m.retryFunc(ctx, jobID)
}

func (m *mockJobs) Cancel(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return m.cancelFunc(ctx, jobID)
}

func (m *mockJobs) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return m.getFunc(ctx, jobID)
}

func (m *mockJobs) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error) {
	return m.listFunc(ctx, accountID, limit)
}

func (m *mockJobs) Stats(ctx context.Context, accountID string) (*models.SyncStats, error) {
	return m.statsFunc(ctx, accountID)
}

type mockWebhooks struct {
	ingestFunc func(ctx context.Context, in service.InboundWebhook) (*service.IngestResult, error)
}

func (m *mockWebhooks) Ingest(ctx context.Context, in service.InboundWebhook) (*service.IngestResult, error) {
	return m.ingestFunc(ctx, in)
}

type mockConnections struct {
	ok  bool
	err error
}

func (m *mockConnections) TestConnection(ctx context.Context, accountID string) (bool, error) {
	return m.ok, m.err
}

func newTestRouter(jobs JobAPI, webhooks WebhookAPI, conns ConnectionAPI) *gin.Engine {
	return NewRouter(NewHandler(jobs, webhooks, conns, logger.NewNop()))
}

func do(r http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&mockJobs{}, &mockWebhooks{}, &mockConnections{})
	w := do(r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestReceiveWebhook(t *testing.T) {
	var got service.InboundWebhook
	webhooks := &mockWebhooks{ingestFunc: func(ctx context.Context, in service.InboundWebhook) (*service.IngestResult, error) {
		got = in
		switch in.Headers.Get("X-Wb-Signature") {
		case "bad":
			return nil, service.ErrInvalidSignature
		case "unknown":
			return &service.IngestResult{Status: service.IngestAccountNotFound, EventID: "e0"}, nil
		}
		return &service.IngestResult{Status: service.IngestProcessed, EventID: "e1"}, nil
	}}
	r := newTestRouter(&mockJobs{}, webhooks, &mockConnections{})
	payload := []byte(`{"event":"new_order"}`)

	t.Run("processed", func(t *testing.T) {
		w := do(r, http.MethodPost, "/webhooks/wildberries", payload, map[string]string{"X-Wb-Signature": "ok"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true,"status":"processed","event_id":"e1"}`, w.Body.String())
		assert.Equal(t, models.MarketplaceWildberries, got.Marketplace)
		assert.Equal(t, payload, got.Payload)
	})

	t.Run("account not found", func(t *testing.T) {
		w := do(r, http.MethodPost, "/webhooks/wildberries", payload, map[string]string{"X-Wb-Signature": "unknown"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"received":true,"status":"account_not_found"}`, w.Body.String())
	})

	t.Run("bad signature", func(t *testing.T) {
		w := do(r, http.MethodPost, "/webhooks/wildberries", payload, map[string]string{"X-Wb-Signature": "bad"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, false, decode(t, w)["received"])
	})
}

func TestCreateSyncJob(t *testing.T) {
	var got service.EnqueueRequest
	created := true
	jobs := &mockJobs{enqueueFunc: func(ctx context.Context, req service.EnqueueRequest) (*service.EnqueueResult, error) {
		got = req
		if req.AccountID == "missing" {
			return nil, repository.ErrAccountNotFound
		}
		if req.Mode != nil && req.Type != models.JobTypeFull {
			return nil, fmt.Errorf("%w: got %s job", service.ErrModeRequiresFull, req.Type)
		}
		return &service.EnqueueResult{Job: &models.SyncJob{ID: "j1", AccountID: req.AccountID, Type: req.Type, Status: models.JobStatusPending}, Created: created}, nil
	}}
	r := newTestRouter(jobs, &mockWebhooks{}, &mockConnections{})

	t.Run("created", func(t *testing.T) {
		body := []byte(`{"type":"full","mode":"CATCH_UP","from":"2025-01-01T00:00:00Z","to":"2025-02-01T00:00:00Z"}`)
		w := do(r, http.MethodPost, "/api/v1/accounts/a1/sync-jobs", body, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		assert.Equal(t, "a1", got.AccountID)
		assert.Equal(t, models.JobTypeFull, got.Type)
		assert.Equal(t, models.ModeCatchUp, *got.Mode)
		assert.Equal(t, models.TriggerManual, got.Trigger)
		assert.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Equal(*got.From))

		data := decode(t, w)["data"].(map[string]interface{})
		assert.Equal(t, true, data["created"])
		assert.Equal(t, "j1", data["job"].(map[string]interface{})["id"])
	})

	t.Run("existing active job", func(t *testing.T) {
		created = false
		defer func() { created = true }()
		w := do(r, http.MethodPost, "/api/v1/accounts/a1/sync-jobs", []byte(`{"type":"full"}`), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("validation", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/accounts/a1/sync-jobs", []byte(`{"type":"everything","mode":"SOMETIMES"}`), nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		meta := decode(t, w)["meta"].(map[string]interface{})
		assert.Equal(t, "Validation failed", meta["message"])
		assert.Len(t, meta["details"], 2)

		w = do(r, http.MethodPost, "/api/v1/accounts/a1/sync-jobs", []byte(`{"type":"sales","from":"2025-01-01T00:00:00Z"}`), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("mode on single resource job", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/accounts/a1/sync-jobs", []byte(`{"type":"products","mode":"INITIAL"}`), nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode(t, w)["meta"].(map[string]interface{})["message"], "only valid for full jobs")
	})

	t.Run("unknown account", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/accounts/missing/sync-jobs", []byte(`{"type":"sales"}`), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestJobEndpoints(t *testing.T) {
	job := &models.SyncJob{ID: "j1", AccountID: "a1", Type: models.JobTypeFull, Status: models.JobStatusCancelled}
	jobs := &mockJobs{
		getFunc: func(ctx context.Context, id string) (*models.SyncJob, error) {
			if id != "j1" {
				return nil, repository.ErrJobNotFound
			}
			return job, nil
		},
		retryFunc: func(ctx context.Context, id string) (*models.SyncJob, error) {
			return nil, service.ErrJobNotRetryable
		},
		cancelFunc: func(ctx context.Context, id string) (*models.SyncJob, error) {
			return job, nil
		},
		listFunc: func(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error) {
			assert.Equal(t, 5, limit)
			return []models.SyncJob{*job}, nil
		},
		statsFunc: func(ctx context.Context, accountID string) (*models.SyncStats, error) {
			return &models.SyncStats{Total: 3, ByStatus: map[models.JobStatus]int64{models.JobStatusCompleted: 3}, AverageDuration: 2 * time.Second}, nil
		},
	}
	r := newTestRouter(jobs, &mockWebhooks{}, &mockConnections{ok: true})

	w := do(r, http.MethodGet, "/api/v1/sync-jobs/j1", nil, map[string]string{RequestIDHeader: "req-42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-42", decode(t, w)["meta"].(map[string]interface{})["request_id"])

	w = do(r, http.MethodGet, "/api/v1/sync-jobs/other", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/v1/sync-jobs/j1/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/v1/sync-jobs/j1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["data"].(map[string]interface{})["status"])

	w = do(r, http.MethodGet, "/api/v1/accounts/a1/sync-jobs?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = do(r, http.MethodGet, "/api/v1/accounts/a1/sync-jobs?limit=9999", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/sync-stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(3), stats["total"])
	assert.Equal(t, float64(2000), stats["average_duration_ms"])

	w = do(r, http.MethodPost, "/api/v1/accounts/a1/test-connection", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["data"].(map[string]interface{})["connected"])
}

func TestServiceErrorHidesInternals(t *testing.T) {
	jobs := &mockJobs{getFunc: func(ctx context.Context, id string) (*models.SyncJob, error) {
		return nil, errors.New("pq: connection refused")
	}}
	r := newTestRouter(jobs, &mockWebhooks{}, &mockConnections{})

	w := do(r, http.MethodGet, "/api/v1/sync-jobs/j1", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}
