package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/models"
)

// taskRetention keeps finished tasks visible to asynq tooling for a day.
const taskRetention = 24 * time.Hour

// Client enqueues sync jobs. Safe for concurrent use.
type Client struct {
	client *asynq.Client
	cfg    config.Queue
	log    *zap.Logger
}

func NewClient(rcfg config.Redis, qcfg config.Queue, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     rcfg.Addr,
			Password: rcfg.Password,
			DB:       rcfg.DB,
		}),
		cfg: qcfg,
		log: logger,
	}
}

// EnqueueJob queues one run of the job. Enqueueing a job that already has a
// live task is a no-op. Callers may append options, e.g. asynq.Queue to
// promote a manual trigger.
func (c *Client) EnqueueJob(ctx context.Context, job *models.SyncJob, opts ...asynq.Option) error {
	task, err := NewSyncTask(job.ID)
	if err != nil {
		return err
	}

	maxRetry := c.cfg.JobMaxAttempts - 1
	if maxRetry < 0 {
		maxRetry = 0
	}

	all := append([]asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(QueueForMode(job.Mode)),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(taskRetention),
	}, opts...)

	info, err := c.client.EnqueueContext(ctx, task, all...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.log.Debug("job already queued", zap.String("job", job.ID))

		return nil
	}

	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	c.log.Info("job queued",
		zap.String("job", job.ID),
		zap.String("queue", info.Queue),
		zap.String("mode", job.Mode))

	return nil
}

// Healthy reports whether Redis currently accepts writes.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.client.EnqueueContext(ctx, asynq.NewTask(TypeHealthCheck, nil),
		asynq.Retention(time.Minute))

	return err == nil
}

func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close queue client: %w", err)
	}

	return nil
}
