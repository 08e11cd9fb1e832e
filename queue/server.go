package queue

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
)

// Server consumes the sync queues. Concurrency bounds how many jobs one
// process runs at a time; strict priority keeps manual triggers ahead of
// incremental runs and backfills even under load.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log *zap.Logger
}

func NewServer(rcfg config.Redis, qcfg config.Queue, handler *Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	queues := qcfg.Priorities
	if len(queues) == 0 {
		queues = config.DefaultQueuePriorities
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     rcfg.Addr,
			Password: rcfg.Password,
			DB:       rcfg.DB,
		},
		asynq.Config{
			Concurrency:    qcfg.WorkerConcurrency,
			Queues:         queues,
			StrictPriority: true,
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				return RetryDelay(qcfg.JobRetryDelay, n+1)
			},
			Logger:   asynqLogger{logger.Sugar()},
			LogLevel: asynq.WarnLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSyncRun, handler.ProcessTask)
	mux.HandleFunc(TypeHealthCheck, handler.ProcessTask)

	return &Server{srv: srv, mux: mux, log: logger}
}

// Start launches the worker pool without blocking.
func (s *Server) Start() error {
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}

	s.log.Info("queue server started")

	return nil
}

// Shutdown waits for in-flight jobs to finish or be requeued.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
	s.log.Info("queue server stopped")
}

// asynqLogger adapts zap to asynq's logging interface.
type asynqLogger struct {
	s *zap.SugaredLogger
}

func (l asynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l asynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l asynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l asynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l asynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
