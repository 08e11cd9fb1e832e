// Package queue distributes sync jobs over Redis. A task carries only the
// job row's id: every parameter, attempt count and error lives on the row,
// so a redelivered task can never act on stale settings. The job id doubles
// as the asynq task id, which makes enqueueing idempotent while a live task
// exists for the job.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/omnivault/sync-engine/models"
)

// Task types routed through the worker mux.
const (
	TypeSyncRun     = "sync:run"
	TypeHealthCheck = "sync:health"
)

// Queue names, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// SyncPayload references the job row to run.
type SyncPayload struct {
	JobID string `json:"job_id"`
}

// NewSyncTask builds the task for one run of the given job.
func NewSyncTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(SyncPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal sync payload: %w", err)
	}

	return asynq.NewTask(TypeSyncRun, data), nil
}

// QueueForMode routes initial backfills to the low queue so week-long
// catch-ups cannot starve interactive work; incremental runs take the
// default queue. Manual triggers override with QueueCritical at enqueue.
func QueueForMode(mode string) string {
	if mode == models.SyncModeInitial {
		return QueueLow
	}

	return QueueDefault
}

// RetryDelay returns how long to wait before the given 1-based attempt,
// doubling per prior failure.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// 16 doublings already exceeds any sane retry budget
	if attempt > 16 {
		attempt = 16
	}

	return base << (attempt - 1)
}
