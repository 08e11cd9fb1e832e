// Package webrunner runs the trigger API. Without Redis it also runs the
// in-process scheduler so a single binary serves the whole engine; with
// Redis it enqueues jobs for the worker fleet instead.
package webrunner

import (
	"context"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/queue"
	"github.com/omnivault/sync-engine/runner"
	"github.com/omnivault/sync-engine/scheduler"
	"github.com/omnivault/sync-engine/tlmt"
	"github.com/omnivault/sync-engine/web"
)

type webRunner struct {
	cfg   *runner.Config
	core  *runner.Core
	srv   *web.Server
	sched *scheduler.Scheduler
	queue *queue.Client
}

func New(cfg *runner.Config) (runner.Runner, error) {
	core, err := runner.NewCore(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	ans := webRunner{
		cfg:  cfg,
		core: core,
	}

	deps := web.Dependencies{
		Log:         core.Log,
		Store:       core.Store,
		Credentials: core.Credentials,
		Enqueuer:    web.NopEnqueuer{},
		Providers:   cfg.EnabledProviders(),
	}

	if cfg.Redis.Enabled() {
		client := queue.NewClient(cfg.Redis, cfg.Queue, core.Log)
		ans.queue = client
		deps.Enqueuer = apiEnqueuer{client: client}
		deps.Queue = client
	} else {
		ans.sched = scheduler.New(core.Store, runner.InstrumentJobs(core.Syncer), cfg.Queue, core.Log)
	}

	ans.srv = web.NewServer(cfg.Addr, web.NewHandlerGroup(deps), core.Log)

	return &ans, nil
}

func (w *webRunner) Run(ctx context.Context) error {
	evt := tlmt.NewEvent("server_start", map[string]any{
		"distributed": w.cfg.Redis.Enabled(),
		"providers":   len(w.cfg.EnabledProviders()),
	})

	_ = runner.Telemetry().Send(ctx, evt)

	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.srv.Start(ctx)
	})

	if w.sched != nil {
		egroup.Go(func() error {
			return w.sched.Run(ctx)
		})
	}

	return egroup.Wait()
}

func (w *webRunner) Close(context.Context) error {
	if w.queue != nil {
		_ = w.queue.Close()
	}

	return w.core.Close()
}

// apiEnqueuer pins manually triggered jobs to the critical queue so they
// jump ahead of scheduled incremental runs and backfills.
type apiEnqueuer struct {
	client *queue.Client
}

func (e apiEnqueuer) EnqueueJob(ctx context.Context, job *models.SyncJob) error {
	return e.client.EnqueueJob(ctx, job, asynq.Queue(queue.QueueCritical))
}
