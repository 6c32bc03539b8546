package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/repository"
	"github.com/vipul43/marketsync/internal/service"
)

type createSyncJobRequest struct {
	Type string     `json:"type" binding:"required,jobtype"`
	Mode string     `json:"mode" binding:"omitempty,oneof=INITIAL CATCH_UP DELTA"` // full jobs only
	From *time.Time `json:"from" binding:"required_with=To"`
	To   *time.Time `json:"to" binding:"required_with=From"`
}

type listQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

type syncJobResponse struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	Mode             string     `json:"mode,omitempty"`
	WindowFrom       *time.Time `json:"window_from,omitempty"`
	WindowTo         *time.Time `json:"window_to,omitempty"`
	Progress         int        `json:"progress"`
	RecordsProcessed int        `json:"records_processed"`
	TotalRecords     int        `json:"total_records"`
	Error            *string    `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	Attempts         int        `json:"attempts"`
	TriggeredBy      string     `json:"triggered_by"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toJobResponse(j *models.SyncJob) syncJobResponse {
	out := syncJobResponse{
		ID:               j.ID,
		AccountID:        j.AccountID,
		Type:             string(j.Type),
		Status:           string(j.Status),
		WindowFrom:       j.WindowFrom,
		WindowTo:         j.WindowTo,
		Progress:         j.Progress,
		RecordsProcessed: j.RecordsProcessed,
		TotalRecords:     j.TotalRecords,
		Error:            j.Error,
		RetryCount:       j.RetryCount,
		Attempts:         j.Attempts,
		TriggeredBy:      string(j.Trigger),
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
	if j.Mode != nil {
		out.Mode = string(*j.Mode)
	}
	return out
}

type statsResponse struct {
	AccountID          string           `json:"account_id,omitempty"`
	Total              int64            `json:"total"`
	ByStatus           map[string]int64 `json:"by_status"`
	LastSuccessfulSync *time.Time       `json:"last_successful_sync,omitempty"`
	AverageDurationMs  int64            `json:"average_duration_ms"`
}

// CreateSyncJob handles POST /api/v1/accounts/:id/sync-jobs. An already
// active job is returned with 200 instead of creating another one.
func (h *Handler) CreateSyncJob(c *gin.Context) {
	var req createSyncJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	enqueue := service.EnqueueRequest{
		AccountID: c.Param("id"),
		Type:      models.JobType(req.Type),
		From:      req.From,
		To:        req.To,
		Trigger:   models.TriggerManual,
	}
	if req.Mode != "" {
		mode := models.SyncMode(req.Mode)
		enqueue.Mode = &mode
	}

	res, err := h.jobs.Enqueue(c.Request.Context(), enqueue)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respond(c, status, gin.H{"job": toJobResponse(res.Job), "created": res.Created})
}

// ListSyncJobs handles GET /api/v1/accounts/:id/sync-jobs
func (h *Handler) ListSyncJobs(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	jobs, err := h.jobs.ListByAccount(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	out := make([]syncJobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i]))
	}
	success(c, out)
}

func (h *Handler) GetSyncJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	success(c, toJobResponse(job))
}

func (h *Handler) RetrySyncJob(c *gin.Context) {
	job, err := h.jobs.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	success(c, toJobResponse(job))
}

func (h *Handler) CancelSyncJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	success(c, toJobResponse(job))
}

// SyncStats handles GET /api/v1/sync-stats?account_id=
func (h *Handler) SyncStats(c *gin.Context) {
	accountID := c.Query("account_id")
	stats, err := h.jobs.Stats(c.Request.Context(), accountID)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	byStatus := make(map[string]int64, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}
	success(c, statsResponse{
		AccountID:          accountID,
		Total:              stats.Total,
		ByStatus:           byStatus,
		LastSuccessfulSync: stats.LastSuccessfulSync,
		AverageDurationMs:  stats.AverageDuration.Milliseconds(),
	})
}

// TestConnection handles POST /api/v1/accounts/:id/test-connection
func (h *Handler) TestConnection(c *gin.Context) {
	ctx := logger.WithAccountID(c.Request.Context(), c.Param("id"))
	ok, err := h.connections.TestConnection(ctx, c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	success(c, gin.H{"connected": ok})
}

func (h *Handler) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		fail(c, http.StatusNotFound, "account not found")
	case errors.Is(err, repository.ErrJobNotFound):
		fail(c, http.StatusNotFound, "sync job not found")
	case errors.Is(err, service.ErrInvalidJobType),
		errors.Is(err, service.ErrInvalidWindow),
		errors.Is(err, service.ErrModeRequiresFull):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAccountInactive),
		errors.Is(err, service.ErrJobNotRetryable),
		errors.Is(err, service.ErrJobNotCancellable),
		errors.Is(err, repository.ErrActiveJobExists):
		fail(c, http.StatusConflict, err.Error())
	default:
		h.log.Errorf(c.Request.Context(), "Request failed: %v", err)
		fail(c, http.StatusInternalServerError, "internal error")
	}
}
