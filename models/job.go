package models

import (
	"errors"
	"time"
)

// Sync job states. Retryable failures move a job back to queued (with a
// delayed next_run_at) until the attempt budget runs out.
const (
	JobStatusQueued     = "queued"
	JobStatusActive     = "active"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelling = "cancelling"
	JobStatusCancelled  = "cancelled"
)

// Sync modes.
const (
	SyncModeInitial     = "initial"
	SyncModeIncremental = "incremental"
)

// Error classes attached to failed jobs. ErrClassReauth and ErrClassQuota
// are terminal: the queue must not retry them.
const (
	ErrClassTransient = "transient"
	ErrClassReauth    = "reauth_required"
	ErrClassQuota     = "quota_exhausted"
	ErrClassStorage   = "storage"
	ErrClassCancelled = "cancelled"
)

// SyncJob is one unit of queue work: a sync of a single provider for a
// single user over a date window.
type SyncJob struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"index:idx_sync_jobs_user;size:64;not null"`
	Provider   string `gorm:"index:idx_sync_jobs_user;size:32;not null"`
	Mode       string `gorm:"size:16;not null"`
	Status     string `gorm:"index;size:16;not null"`
	Progress   int
	Processed  int64
	Failed     int64
	Attempts   int
	MonthsBack int
	WindowFrom *time.Time
	WindowTo   *time.Time
	Cursor     string    `gorm:"size:512"`
	ErrorClass string    `gorm:"size:32"`
	LastError  string    `gorm:"size:2048"`
	NextRunAt  time.Time `gorm:"index"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j *SyncJob) Validate() error {
	if j.ID == "" {
		return errors.New("missing id")
	}

	if j.UserID == "" {
		return errors.New("missing user id")
	}

	if j.Provider == "" {
		return errors.New("missing provider")
	}

	if j.Mode != SyncModeInitial && j.Mode != SyncModeIncremental {
		return errors.New("invalid mode")
	}

	if j.Status == "" {
		return errors.New("missing status")
	}

	return nil
}

// Terminal reports whether the job has reached a final state.
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether a failed attempt may be requeued: the attempt
// budget must not be exhausted and the error class must not be terminal.
func (j *SyncJob) Retryable(maxAttempts int) bool {
	if j.Attempts >= maxAttempts {
		return false
	}

	switch j.ErrorClass {
	case ErrClassReauth, ErrClassQuota, ErrClassCancelled:
		return false
	default:
		return true
	}
}
