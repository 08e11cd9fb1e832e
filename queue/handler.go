package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/store"
	"github.com/omnivault/sync-engine/syncer"
)

// Runner executes one job to its terminal state. *syncer.Syncer implements
// it.
type Runner interface {
	Run(ctx context.Context, job *models.SyncJob) (syncer.Result, error)
}

// Handler processes queued tasks. The error class of a failed run decides
// the verdict: transient and storage failures go back to asynq for
// redelivery, reauth and quota end the task since retrying cannot help
// before the user re-consents or the quota window turns over.
type Handler struct {
	store  *store.Store
	runner Runner
	cfg    config.Queue
	log    *zap.Logger
}

func NewHandler(st *store.Store, runner Runner, cfg config.Queue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{store: st, runner: runner, cfg: cfg, log: logger}
}

// ProcessTask dispatches a task based on its type.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	switch task.Type() {
	case TypeSyncRun:
		return h.processSyncTask(ctx, task)
	case TypeHealthCheck:
		return nil
	default:
		return fmt.Errorf("unknown task type %q: %w", task.Type(), asynq.SkipRetry)
	}
}

func (h *Handler) processSyncTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal sync payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := h.store.GetJob(ctx, payload.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("job %s vanished: %w", payload.JobID, asynq.SkipRetry)
	}

	if err != nil {
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}

	// A duplicate delivery after the job ended, or a cancel that landed
	// while the task sat in the queue.
	if job.Terminal() {
		return nil
	}

	job, err = h.store.MarkJobActive(ctx, job.ID)
	if errors.Is(err, store.ErrJobFinished) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("activate job %s: %w", payload.JobID, err)
	}

	_, err = h.runner.Run(ctx, job)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, syncer.ErrCancelled):
		// the row is already cancelled; the task ends quietly
		return nil
	}

	class := syncer.ClassifyError(err)

	switch class {
	case models.ErrClassReauth, models.ErrClassQuota:
		return fmt.Errorf("job %s %s: %v: %w", job.ID, class, err, asynq.SkipRetry)
	}

	// Asynq owns the redelivery clock; mirror it on the row so operators
	// see a queued job with a next run time rather than a failed one. Row
	// attempts and task retries advance in lockstep because the task's
	// MaxRetry is JobMaxAttempts-1. Bookkeeping runs detached from the task
	// context so a shutdown cannot strand the row.
	if job.Attempts < h.cfg.JobMaxAttempts {
		at := time.Now().UTC().Add(RetryDelay(h.cfg.JobRetryDelay, job.Attempts))
		if rerr := h.store.RequeueJob(context.WithoutCancel(ctx), job.ID, at, class, err.Error()); rerr != nil {
			h.log.Warn("requeue bookkeeping failed",
				zap.String("job", job.ID),
				zap.Error(rerr))
		}
	}

	return err
}
