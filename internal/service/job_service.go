package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/marketsync/internal/logger"
	"github.com/vipul43/marketsync/internal/models"
	"github.com/vipul43/marketsync/internal/notify"
	"github.com/vipul43/marketsync/internal/queue"
	"github.com/vipul43/marketsync/internal/repository"
)

var (
	ErrInvalidJobType    = errors.New("invalid sync job type")
	ErrInvalidWindow     = errors.New("window start must be before window end")
	ErrModeRequiresFull  = errors.New("sync mode is only valid for full jobs")
	ErrAccountInactive   = errors.New("account is inactive")
	ErrJobNotRetryable   = errors.New("only failed jobs can be retried")
	ErrJobNotCancellable = errors.New("only pending or processing jobs can be cancelled")
)

const defaultListLimit = 50

// SyncTask is the queue payload of a sync job
type SyncTask struct {
	JobID string `json:"jobId"`
}

type EnqueueRequest struct {
	AccountID string
	Type      models.JobType
	Mode      *models.SyncMode
	From      *time.Time
	To        *time.Time
	Trigger   models.JobTrigger
}

type EnqueueResult struct {
	Job *models.SyncJob
	// Created is false when an active job already existed and was returned
	Created bool
}

// JobService creates, retries and cancels sync jobs. It is the only way
// jobs enter the queue.
type JobService struct {
	jobs      SyncJobStore
	accounts  AccountReader
	queue     JobQueue
	queueName string
	events    notify.Publisher
	log       logger.Logger
}

func NewJobService(jobs SyncJobStore, accounts AccountReader, q JobQueue, queueName string, events notify.Publisher, log logger.Logger) *JobService {
	return &JobService{
		jobs:      jobs,
		accounts:  accounts,
		queue:     q,
		queueName: queueName,
		events:    events,
		log:       log,
	}
}

// Enqueue creates a pending job unless the account already has an active
// one, in which case that job is returned and nothing is created.
func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, req.Type)
	}
	if req.Mode != nil && req.Type != models.JobTypeFull {
		return nil, fmt.Errorf("%w: got %s job with mode %s", ErrModeRequiresFull, req.Type, *req.Mode)
	}
	if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
		return nil, ErrInvalidWindow
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}

	account, err := s.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status == models.AccountStatusInactive {
		return nil, ErrAccountInactive
	}

	active, err := s.jobs.GetActiveForAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &EnqueueResult{Job: active}, nil
	}

	job := &models.SyncJob{
		ID:         uuid.NewString(),
		AccountID:  req.AccountID,
		Type:       req.Type,
		Status:     models.JobStatusPending,
		Mode:       req.Mode,
		WindowFrom: req.From,
		WindowTo:   req.To,
		Trigger:    req.Trigger,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			// lost the race, the job that got in first wins
			active, getErr := s.jobs.GetActiveForAccount(ctx, req.AccountID)
			if getErr == nil && active != nil {
				return &EnqueueResult{Job: active}, nil
			}
		}
		return nil, err
	}

	ctx = logger.WithJobID(logger.WithAccountID(ctx, job.AccountID), job.ID)
	s.log.Infof(ctx, "Created %s sync job (trigger: %s)", job.Type, job.Trigger)

	s.publish(ctx, job)
	s.emit(ctx, job, account.Marketplace, "")
	return &EnqueueResult{Job: job, Created: true}, nil
}

// Retry resets a failed job to pending with its original parameters and
// queues it again
func (s *JobService) Retry(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotRetryable, jobID, job.Status)
	}

	reset, err := s.jobs.ResetForRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, fmt.Errorf("%w: job %s changed state", ErrJobNotRetryable, jobID)
	}

	job, err = s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithJobID(logger.WithAccountID(ctx, job.AccountID), job.ID)
	s.log.Infof(ctx, "Retrying sync job (retry %d)", job.RetryCount)

	s.publish(ctx, job)
	s.emit(ctx, job, "", "")
	return job, nil
}

// Cancel stops a pending or processing job. The queued message is removed
// best-effort; a worker already running the job stops at its next stage.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Active() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, jobID, job.Status)
	}

	ctx = logger.WithJobID(logger.WithAccountID(ctx, job.AccountID), job.ID)

	if job.QueueJobID != nil && s.queue != nil {
		if err := s.queue.Remove(ctx, s.queueName, *job.QueueJobID); err != nil {
			s.log.Warnf(ctx, "Failed to remove queued job %s: %v", *job.QueueJobID, err)
		}
	}

	cancelled, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("%w: job %s finished meanwhile", ErrJobNotCancellable, jobID)
	}

	job, err = s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.log.Infof(ctx, "Cancelled sync job")
	s.emit(ctx, job, "", "")
	return job, nil
}

// Republish queues a pending job again, used when its message was lost
func (s *JobService) Republish(ctx context.Context, job *models.SyncJob) {
	s.publish(logger.WithJobID(ctx, job.ID), job)
}

func (s *JobService) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

func (s *JobService) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	return s.jobs.ListByAccount(ctx, accountID, limit)
}

// Stats aggregates one account, or every account when accountID is empty
func (s *JobService) Stats(ctx context.Context, accountID string) (*models.SyncStats, error) {
	return s.jobs.Stats(ctx, accountID)
}

// publish queues the job. A failure leaves the job pending for the
// scheduler's recovery sweep, so it is logged and not returned.
func (s *JobService) publish(ctx context.Context, job *models.SyncJob) {
	if s.queue == nil {
		s.log.Warnf(ctx, "No queue configured, job stays pending")
		return
	}
	env, err := queue.NewEnvelope(queue.JobSync, SyncTask{JobID: job.ID})
	if err != nil {
		s.log.Errorf(ctx, "Failed to build queue message: %v", err)
		return
	}
	queueID, err := s.queue.Enqueue(ctx, s.queueName, env, 0)
	if err != nil {
		s.log.Errorf(ctx, "Failed to publish sync job: %v", err)
		return
	}
	if err := s.jobs.SetQueueJobID(ctx, job.ID, queueID); err != nil {
		s.log.Warnf(ctx, "Failed to store queue job id: %v", err)
		return
	}
	job.QueueJobID = &queueID
}

func (s *JobService) emit(ctx context.Context, job *models.SyncJob, marketplace models.MarketplaceType, errMsg string) {
	publishJobEvent(ctx, s.events, s.log, job, marketplace, errMsg)
}

func publishJobEvent(ctx context.Context, events notify.Publisher, log logger.Logger, job *models.SyncJob, marketplace models.MarketplaceType, errMsg string) {
	if events == nil {
		return
	}
	event := notify.JobEvent{
		JobID:            job.ID,
		AccountID:        job.AccountID,
		Marketplace:      string(marketplace),
		Type:             string(job.Type),
		Status:           string(job.Status),
		Progress:         job.Progress,
		RecordsProcessed: job.RecordsProcessed,
		Error:            errMsg,
	}
	if err := events.PublishJobEvent(ctx, event); err != nil {
		log.Warnf(ctx, "Failed to publish job event: %v", err)
	}
}
