package models

import "time"

type JobType string

const (
	JobTypeSales    JobType = "sales"
	JobTypeProducts JobType = "products"
	JobTypeStock    JobType = "stock"
	JobTypeOrders   JobType = "orders"
	JobTypeRegional JobType = "regional"
	JobTypeFull     JobType = "full"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTypeSales, JobTypeProducts, JobTypeStock, JobTypeOrders, JobTypeRegional, JobTypeFull:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Active reports whether the job still occupies its account's single slot
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

type SyncMode string

const (
	ModeInitial SyncMode = "INITIAL"
	ModeCatchUp SyncMode = "CATCH_UP"
	ModeDelta   SyncMode = "DELTA"
)

type JobTrigger string

const (
	TriggerScheduled JobTrigger = "scheduled"
	TriggerManual    JobTrigger = "manual"
	TriggerRetry     JobTrigger = "retry"
)

type SyncJob struct {
	ID               string     `gorm:"column:id;primaryKey"`
	AccountID        string     `gorm:"column:account_id;index"`
	Type             JobType    `gorm:"column:type"`
	Status           JobStatus  `gorm:"column:status;index"`
	Mode             *SyncMode  `gorm:"column:mode"`
	WindowFrom       *time.Time `gorm:"column:window_from"`
	WindowTo         *time.Time `gorm:"column:window_to"`
	Progress         int        `gorm:"column:progress"`
	RecordsProcessed int        `gorm:"column:records_processed"`
	TotalRecords     int        `gorm:"column:total_records"`
	Error            *string    `gorm:"column:error"`
	RetryCount       int        `gorm:"column:retry_count"`
	Attempts         int        `gorm:"column:attempts"`
	Trigger          JobTrigger `gorm:"column:triggered_by"`
	QueueJobID       *string    `gorm:"column:queue_job_id"`
	StartedAt        *time.Time `gorm:"column:started_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (SyncJob) TableName() string {
	return "sync_job"
}

// SyncStats aggregates job history for one account or all accounts
type SyncStats struct {
	Total              int64               `json:"total"`
	ByStatus           map[JobStatus]int64 `json:"byStatus"`
	LastSuccessfulSync *time.Time          `json:"lastSuccessfulSync,omitempty"`
	AverageDuration    time.Duration       `json:"averageDurationNs"`
}
