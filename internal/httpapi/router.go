// Package httpapi exposes webhook ingestion and the sync job endpoints
// over gin.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/service"
)

type JobAPI interface {
	Enqueue(ctx context.Context, req service.EnqueueRequest) (*service.EnqueueResult, error)
	Retry(ctx context.Context, jobID string) (*models.SyncJob, error)
	Cancel(ctx context.Context, jobID string) (*models.SyncJob, error)
	Get(ctx context.Context, jobID string) (*models.SyncJob, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error)
	Stats(ctx context.Context, accountID string) (*models.SyncStats, error)
}

type WebhookAPI interface {
	Ingest(ctx context.Context, in service.InboundWebhook) (*service.IngestResult, error)
}

type ConnectionAPI interface {
	TestConnection(ctx context.Context, accountID string) (bool, error)
}

var (
	_ JobAPI        = (*service.JobService)(nil)
	_ WebhookAPI    = (*service.WebhookIngestor)(nil)
	_ ConnectionAPI = (*service.ConnectionTester)(nil)
)

type Handler struct {
	jobs        JobAPI
	webhooks    WebhookAPI
	connections ConnectionAPI
	log         logger.Logger
}

func NewHandler(jobs JobAPI, webhooks WebhookAPI, connections ConnectionAPI, log logger.Logger) *Handler {
	return &Handler{jobs: jobs, webhooks: webhooks, connections: connections, log: log}
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("jobtype", func(fl validator.FieldLevel) bool {
			return models.JobType(fl.Field().String()).Valid()
		})
	}
}

// NewRouter wires every route. Pass gin.ReleaseMode or gin.TestMode via
// gin.SetMode before calling.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(Recovery(h.log))
	r.Use(AccessLog(h.log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "marketsync"})
	})

	r.POST("/webhooks/:marketplace", h.ReceiveWebhook)

	v1 := r.Group("/api/v1")
	{
		accounts := v1.Group("/accounts/:id")
		{
			accounts.POST("/sync-jobs", h.CreateSyncJob)
			accounts.GET("/sync-jobs", h.ListSyncJobs)
			accounts.POST("/test-connection", h.TestConnection)
		}

		jobs := v1.Group("/sync-jobs/:id")
		{
			jobs.GET("", h.GetSyncJob)
			jobs.POST("/retry", h.RetrySyncJob)
			jobs.POST("/cancel", h.CancelSyncJob)
		}

		v1.GET("/sync-stats", h.SyncStats)
	}

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found")
	})
	return r
}
