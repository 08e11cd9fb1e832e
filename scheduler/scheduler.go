// Package scheduler executes due sync jobs without Redis: a poller claims
// queued jobs from the store and runs them on a bounded worker pool. This is
// the single-binary mode; deployments that need horizontal scale run the
// queue package against Redis instead.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

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

type Scheduler struct {
	store  *store.Store
	runner Runner
	cfg    config.Queue
	log    *zap.Logger

	slots *semaphore.Weighted
	wg    sync.WaitGroup
}

func New(st *store.Store, runner Runner, cfg config.Queue, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := cfg.WorkerConcurrency
	if workers < 1 {
		workers = 1
	}

	return &Scheduler{
		store:  st,
		runner: runner,
		cfg:    cfg,
		log:    logger,
		slots:  semaphore.NewWeighted(int64(workers)),
	}
}

// Run polls for due jobs until the context ends, then waits for in-flight
// jobs to wind down. An in-flight run sees the cancellation, requeues itself
// and returns quickly.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("poll_interval", interval),
		zap.Int("workers", s.cfg.WorkerConcurrency))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped")

			return nil
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch claims due jobs until the pool is full or nothing is due.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		if !s.slots.TryAcquire(1) {
			return
		}

		job, err := s.store.ClaimJob(ctx)
		if err != nil {
			s.slots.Release(1)

			if !errors.Is(err, store.ErrNoJobDue) && !errors.Is(err, context.Canceled) {
				s.log.Warn("job claim failed", zap.Error(err))
			}

			return
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)

			s.process(ctx, job)
		}()
	}
}

func (s *Scheduler) process(ctx context.Context, job *models.SyncJob) {
	_, err := s.runner.Run(ctx, job)
	if err == nil || errors.Is(err, syncer.ErrCancelled) {
		return
	}

	class := syncer.ClassifyError(err)

	switch class {
	case models.ErrClassReauth, models.ErrClassQuota:
		// retrying cannot help; the next cycle starts a fresh job
		return
	}

	if job.Attempts >= s.cfg.JobMaxAttempts {
		s.log.Warn("job out of attempts",
			zap.String("job", job.ID),
			zap.Int("attempts", job.Attempts))

		return
	}

	// The requeue runs detached from ctx: during a shutdown it must still
	// land, or the row would sit failed with retry budget left.
	at := time.Now().UTC().Add(retryDelay(s.cfg.JobRetryDelay, job.Attempts))

	if rerr := s.store.RequeueJob(context.WithoutCancel(ctx), job.ID, at, class, err.Error()); rerr != nil {
		s.log.Error("requeue failed", zap.String("job", job.ID), zap.Error(rerr))

		return
	}

	s.log.Info("job requeued",
		zap.String("job", job.ID),
		zap.String("class", class),
		zap.Int("attempt", job.Attempts),
		zap.Time("next_run", at))
}

// retryDelay doubles the base delay per prior attempt. Duplicated from the
// queue package on purpose: standalone mode must not link the Redis stack.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if attempt > 16 {
		attempt = 16
	}

	return base << (attempt - 1)
}
