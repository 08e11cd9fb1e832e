package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omnivault/sync-engine/models"
)

var (
	ErrJobNotFound = errors.New("sync job not found")
	// ErrNoJobDue is returned by ClaimJob when nothing is queued and due.
	ErrNoJobDue = errors.New("no sync job due")
	// ErrJobFinished marks operations against a job already in a terminal
	// state.
	ErrJobFinished = errors.New("sync job already finished")
)

// maxLastErrorLen matches the column size; longer messages are truncated
// rather than rejected.
const maxLastErrorLen = 2048

// CreateJob queues a new job. The id is assigned here so callers can hand it
// out before the job ever runs.
func (s *Store) CreateJob(ctx context.Context, job *models.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	if job.NextRunAt.IsZero() {
		job.NextRunAt = time.Now().UTC()
	}

	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	s.log.Info("sync job queued",
		zap.String("job", job.ID),
		zap.String("user", job.UserID),
		zap.String("provider", job.Provider),
		zap.String("mode", job.Mode))

	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	var job models.SyncJob

	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	return &job, nil
}

// FindCurrentJob returns the queued or active job for (user, provider), if
// one exists. Start requests reuse it instead of stacking duplicates.
func (s *Store) FindCurrentJob(ctx context.Context, userID, providerName string) (*models.SyncJob, error) {
	var job models.SyncJob

	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND status IN ?",
			userID, providerName,
			[]string{models.JobStatusQueued, models.JobStatusActive, models.JobStatusCancelling}).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("find current job: %w", err)
	}

	return &job, nil
}

// ClaimJob atomically moves the oldest due queued job to active and charges
// an attempt. The conditional update keeps competing workers from claiming
// the same row; a loser just reselects.
func (s *Store) ClaimJob(ctx context.Context) (*models.SyncJob, error) {
	for {
		var job models.SyncJob

		err := s.db.WithContext(ctx).
			Where("status = ? AND next_run_at <= ?", models.JobStatusQueued, time.Now().UTC()).
			Order("next_run_at").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoJobDue
		}

		if err != nil {
			return nil, fmt.Errorf("select due job: %w", err)
		}

		now := time.Now().UTC()

		res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusQueued).
			Updates(map[string]any{
				"status":     models.JobStatusActive,
				"started_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			continue
		}

		job.Status = models.JobStatusActive
		job.StartedAt = &now
		job.Attempts++

		return &job, nil
	}
}

// MarkJobActive charges an attempt on a job delivered by the distributed
// queue, which owns scheduling but not the job row.
func (s *Store) MarkJobActive(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Terminal() {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobFinished)
	}

	now := time.Now().UTC()

	err = s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     models.JobStatusActive,
			"started_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}

	job.Status = models.JobStatusActive
	job.StartedAt = &now
	job.Attempts++

	return job, nil
}

func (s *Store) MarkJobCompleted(ctx context.Context, id string, processed, failed int64) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobStatusCompleted,
			"progress":    100,
			"processed":   processed,
			"failed":      failed,
			"error_class": "",
			"cursor":      "",
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	return nil
}

func (s *Store) MarkJobFailed(ctx context.Context, id, class, message string) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobStatusFailed,
			"error_class": class,
			"last_error":  truncate(message, maxLastErrorLen),
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	return nil
}

func (s *Store) MarkJobCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobStatusCancelled,
			"error_class": models.ErrClassCancelled,
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark job cancelled: %w", err)
	}

	return nil
}

// RequeueJob schedules another attempt after a retryable failure.
func (s *Store) RequeueJob(ctx context.Context, id string, nextRunAt time.Time, class, message string) error {
	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      models.JobStatusQueued,
			"next_run_at": nextRunAt.UTC(),
			"error_class": class,
			"last_error":  truncate(message, maxLastErrorLen),
		}).Error
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}

	return nil
}

// UpdateJobProgress persists the counters and resume cursor mid-run.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int, processed, failed int64, cursor string) error {
	if progress > 100 {
		progress = 100
	}

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"progress":  progress,
			"processed": processed,
			"failed":    failed,
			"cursor":    truncate(cursor, 512),
		}).Error
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}

	return nil
}

// SetJobWindow records the computed date window on the job row. The window
// end of a completed job becomes the next incremental run's watermark.
func (s *Store) SetJobWindow(ctx context.Context, id string, from, to time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"window_from": from.UTC(),
			"window_to":   to.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("set job window: %w", err)
	}

	return nil
}

// RequestJobCancel flips a queued job straight to cancelled and asks an
// active one to stop at its next checkpoint. Terminal jobs are left alone.
func (s *Store) RequestJobCancel(ctx context.Context, id string) (string, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case models.JobStatusQueued:
		if err := s.MarkJobCancelled(ctx, id); err != nil {
			return "", err
		}

		return models.JobStatusCancelled, nil

	case models.JobStatusActive:
		err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
			Where("id = ? AND status = ?", id, models.JobStatusActive).
			Update("status", models.JobStatusCancelling).Error
		if err != nil {
			return "", fmt.Errorf("request job cancel: %w", err)
		}

		return models.JobStatusCancelling, nil

	case models.JobStatusCancelling:
		return models.JobStatusCancelling, nil

	default:
		return job.Status, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrJobFinished)
	}
}

// CancelRequested reports whether the job has been asked to stop. The
// orchestrator polls it between pages.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var status string

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ?", id).
		Pluck("status", &status).Error
	if err != nil {
		return false, fmt.Errorf("read job status: %w", err)
	}

	return status == models.JobStatusCancelling || status == models.JobStatusCancelled, nil
}

// CountJobsByStatus powers the stats endpoint.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}

	var rows []row

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Select("status, COUNT(1) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}

	return out, nil
}

// ListJobs returns the user's most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var jobs []models.SyncJob

	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	return jobs, nil
}

// Watermark returns the most recent window end among completed jobs for
// (user, provider). Incremental windows anchor on it so data written while a
// sync was failing is not skipped; the zero time means no completed sync.
func (s *Store) Watermark(ctx context.Context, userID, providerName string) (time.Time, error) {
	var out []time.Time

	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("user_id = ? AND provider = ? AND status = ? AND window_to IS NOT NULL",
			userID, providerName, models.JobStatusCompleted).
		Order("window_to DESC").
		Limit(1).
		Pluck("window_to", &out).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}

	if len(out) == 0 {
		return time.Time{}, nil
	}

	return out[0].UTC(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}
