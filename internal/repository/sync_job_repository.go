package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vipul43/marketsync/internal/models"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound = errors.New("sync job not found")
	// ErrActiveJobExists is returned when the account already has a pending
	// or processing job
	ErrActiveJobExists = errors.New("account already has an active sync job")
)

var activeStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}

type SyncJobRepository struct {
	db *gorm.DB
}

func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a pending job. The partial unique index on active jobs
// turns a concurrent second insert into ErrActiveJobExists.
func (r *SyncJobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrActiveJobExists
		}
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID
func (r *SyncJobRepository) GetByID(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get sync job: %w", result.Error)
	}
	return &job, nil
}

// GetActiveForAccount returns the pending or processing job of an account,
// or nil when there is none
func (r *SyncJobRepository) GetActiveForAccount(ctx context.Context, accountID string) (*models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID, activeStatuses).
		Order("created_at ASC").
		Limit(1).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query active job: %w", result.Error)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// ListByAccount returns the most recent jobs of an account, newest first
func (r *SyncJobRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", result.Error)
	}
	return jobs, nil
}

// GetPendingJobs retrieves pending jobs created before cutoff, used to
// republish jobs whose queue message was lost
func (r *SyncJobRepository) GetPendingJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.JobStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", result.Error)
	}
	return jobs, nil
}

// GetStaleProcessingJobs retrieves jobs stuck in processing state
func (r *SyncJobRepository) GetStaleProcessingJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.JobStatusProcessing, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query processing jobs: %w", result.Error)
	}
	return jobs, nil
}

// MarkProcessing claims the job for a worker and increments attempts.
// Progress restarts at zero since every run walks all stages again.
// It reports false when the job was cancelled or completed meanwhile.
func (r *SyncJobRepository) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status IN ?", jobID, []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing, models.JobStatusFailed}).
		Updates(map[string]interface{}{
			"status":            models.JobStatusProcessing,
			"attempts":          gorm.Expr("attempts + 1"),
			"progress":          0,
			"records_processed": 0,
			"started_at":        now,
			"completed_at":      nil,
			"error":             nil,
			"updated_at":        now,
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, ErrActiveJobExists
		}
		return false, fmt.Errorf("failed to mark job processing: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateProgress moves progress forward only; a lower value is ignored
func (r *SyncJobRepository) UpdateProgress(ctx context.Context, jobID string, progress, recordsProcessed int) error {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ? AND progress <= ?", jobID, models.JobStatusProcessing, progress).
		Updates(map[string]interface{}{
			"progress":          progress,
			"records_processed": recordsProcessed,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update job progress: %w", result.Error)
	}
	return nil
}

// MarkCompleted finishes a processing job. A job cancelled mid-run stays
// cancelled and false is returned.
func (r *SyncJobRepository) MarkCompleted(ctx context.Context, jobID string, recordsProcessed int) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":            models.JobStatusCompleted,
			"progress":          100,
			"records_processed": recordsProcessed,
			"total_records":     recordsProcessed,
			"completed_at":      now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark job completed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkFailed records the failure of a processing job
func (r *SyncJobRepository) MarkFailed(ctx context.Context, jobID string, message string, recordsProcessed int) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status IN ?", jobID, activeStatuses).
		Updates(map[string]interface{}{
			"status":            models.JobStatusFailed,
			"error":             message,
			"records_processed": recordsProcessed,
			"completed_at":      now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Cancel moves a pending or processing job to cancelled
func (r *SyncJobRepository) Cancel(ctx context.Context, jobID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status IN ?", jobID, activeStatuses).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ResetForRetry puts a failed job back to pending with the same window and
// type. Reports false when the job is not failed.
func (r *SyncJobRepository) ResetForRetry(ctx context.Context, jobID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":            models.JobStatusPending,
			"retry_count":       gorm.Expr("retry_count + 1"),
			"triggered_by":      models.TriggerRetry,
			"progress":          0,
			"records_processed": 0,
			"error":             nil,
			"started_at":        nil,
			"completed_at":      nil,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, ErrActiveJobExists
		}
		return false, fmt.Errorf("failed to reset job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SetQueueJobID remembers the broker id so the job can be removed on cancel
func (r *SyncJobRepository) SetQueueJobID(ctx context.Context, jobID, queueJobID string) error {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"queue_job_id": queueJobID,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set queue job id: %w", result.Error)
	}
	return nil
}

// Stats aggregates jobs of one account, or of all accounts when accountID
// is empty
func (r *SyncJobRepository) Stats(ctx context.Context, accountID string) (*models.SyncStats, error) {
	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&models.SyncJob{})
		if accountID != "" {
			q = q.Where("account_id = ?", accountID)
		}
		return q
	}

	var counts []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := scope().Select("status, COUNT(*) AS count").Group("status").Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &models.SyncStats{ByStatus: make(map[models.JobStatus]int64)}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
		stats.Total += c.Count
	}

	var completed []models.SyncJob
	err := scope().
		Select("started_at, completed_at").
		Where("status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", models.JobStatusCompleted).
		Find(&completed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load completed jobs: %w", err)
	}

	var total time.Duration
	for _, j := range completed {
		total += j.CompletedAt.Sub(*j.StartedAt)
		if stats.LastSuccessfulSync == nil || j.CompletedAt.After(*stats.LastSuccessfulSync) {
			at := *j.CompletedAt
			stats.LastSuccessfulSync = &at
		}
	}
	if len(completed) > 0 {
		stats.AverageDuration = total / time.Duration(len(completed))
	}
	return stats, nil
}
