package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/omnivault/sync-engine/archive"
	"github.com/omnivault/sync-engine/credentials"
	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/provider"
	"github.com/omnivault/sync-engine/ratelimit"
	"github.com/omnivault/sync-engine/retry"
	"github.com/omnivault/sync-engine/store"
	"github.com/omnivault/sync-engine/syncer"
	"github.com/omnivault/sync-engine/tlmt"
)

// Connection pool per worker slot; covers the API traffic in server mode.
const dbConnsPerWorker = 5

// Core is the service stack shared by the server and worker runners: one
// store, one credential store, the enabled sources with their per-provider
// rate limiters, and the syncer assembled from them.
type Core struct {
	Log         *zap.Logger
	Store       *store.Store
	Credentials *credentials.Store
	Registry    *provider.Registry
	Syncer      *syncer.Syncer
}

func NewCore(ctx context.Context, cfg *Config) (*Core, error) {
	log, err := NewLogger(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.Queue.WorkerConcurrency*dbConnsPerWorker, log)
	if err != nil {
		return nil, err
	}

	var cipher *credentials.Cipher

	if cfg.EncryptionKey != "" {
		cipher, err = credentials.NewCipher(cfg.EncryptionKey)
		if err != nil {
			_ = st.Close()

			return nil, err
		}
	}

	creds := credentials.NewStore(st.DB(), cipher, cfg.Providers, cfg.OAuthRedirectURL, log)

	registry := provider.NewRegistry()
	clients := make(map[string]*retry.Client)

	for _, name := range cfg.EnabledProviders() {
		pcfg, _ := cfg.Provider(name)

		src, ok := newSource(name, provider.Options{
			BaseURL:     pcfg.BaseURL,
			PageSize:    pcfg.PageSize,
			CallTimeout: cfg.Retry.CallTimeout,
			Tokens:      creds,
		})
		if !ok {
			continue
		}

		registry.Register(src)

		rcfg := cfg.Retry
		if pcfg.RatePerSecond > 0 {
			rcfg.RatePerSecond = pcfg.RatePerSecond
		}

		limiter := ratelimit.New(rcfg.RatePerSecond, rcfg.MaxConcurrentCalls)
		clients[name] = retry.New(limiter, rcfg, log.With(zap.String("provider", name)))
	}

	arc, err := newArchive(ctx, cfg, log)
	if err != nil {
		_ = st.Close()

		return nil, err
	}

	engine := syncer.New(syncer.Options{
		Registry:    registry,
		Credentials: creds,
		Store:       st,
		Clients:     clients,
		Archive:     arc,
		Sync:        cfg.Sync,
		Logger:      log,
	})

	core := Core{
		Log:         log,
		Store:       st,
		Credentials: creds,
		Registry:    registry,
		Syncer:      engine,
	}

	return &core, nil
}

// Close releases the shared resources and flushes the log.
func (c *Core) Close() error {
	err := c.Store.Close()
	_ = c.Log.Sync()

	return err
}

func newSource(name string, opts provider.Options) (provider.Source, bool) {
	switch name {
	case models.ProviderMail:
		return provider.NewMail(opts), true
	case models.ProviderCalendar:
		return provider.NewCalendar(opts), true
	case models.ProviderDrive:
		return provider.NewDrive(opts), true
	default:
		return nil, false
	}
}

func newArchive(ctx context.Context, cfg *Config, log *zap.Logger) (archive.Archiver, error) {
	if !cfg.Archive.Enabled() {
		return archive.Noop{}, nil
	}

	return archive.NewS3(ctx, cfg.Archive, log)
}

// JobRunner executes one job to its terminal state. It matches the runner
// interfaces of both scheduler and queue.
type JobRunner interface {
	Run(ctx context.Context, job *models.SyncJob) (syncer.Result, error)
}

// InstrumentJobs wraps a runner so every finished job reports one anonymous
// telemetry event: provider, mode, outcome and duration, never user data.
func InstrumentJobs(next JobRunner) JobRunner {
	return instrumentedRunner{next: next}
}

type instrumentedRunner struct {
	next JobRunner
}

func (r instrumentedRunner) Run(ctx context.Context, job *models.SyncJob) (syncer.Result, error) {
	t0 := time.Now().UTC()

	res, err := r.next.Run(ctx, job)

	props := map[string]any{
		"provider":  job.Provider,
		"mode":      job.Mode,
		"processed": res.Processed,
		"failed":    res.Failed,
		"duration":  time.Now().UTC().Sub(t0).String(),
	}

	if err != nil {
		props["error_class"] = syncer.ClassifyError(err)
	}

	_ = Telemetry().Send(ctx, tlmt.NewEvent("sync_job", props))

	return res, err
}

// NewLogger builds the process logger. Debug switches to the development
// encoder; otherwise LOG_LEVEL picks the production level.
func NewLogger(level string, debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}
