// Package workerrunner consumes the distributed queue. Worker processes
// scale horizontally; each bounds its own concurrency and rate limiters, so
// per-provider ceilings hold per process.
package workerrunner

import (
	"context"
	"errors"

	"github.com/omnivault/sync-engine/queue"
	"github.com/omnivault/sync-engine/runner"
	"github.com/omnivault/sync-engine/tlmt"
)

type workerRunner struct {
	cfg  *runner.Config
	core *runner.Core
	srv  *queue.Server
}

func New(cfg *runner.Config) (runner.Runner, error) {
	if !cfg.Redis.Enabled() {
		return nil, errors.New("worker mode requires REDIS_ADDR")
	}

	core, err := runner.NewCore(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	handler := queue.NewHandler(core.Store, runner.InstrumentJobs(core.Syncer), cfg.Queue, core.Log)

	ans := workerRunner{
		cfg:  cfg,
		core: core,
		srv:  queue.NewServer(cfg.Redis, cfg.Queue, handler, core.Log),
	}

	return &ans, nil
}

func (w *workerRunner) Run(ctx context.Context) error {
	evt := tlmt.NewEvent("worker_start", map[string]any{
		"concurrency": w.cfg.Queue.WorkerConcurrency,
		"providers":   len(w.cfg.EnabledProviders()),
	})

	_ = runner.Telemetry().Send(ctx, evt)

	if err := w.srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	w.srv.Shutdown()

	return nil
}

func (w *workerRunner) Close(context.Context) error {
	return w.core.Close()
}
