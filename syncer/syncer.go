// Package syncer drives one sync job end to end: resolve the credential,
// compute the date window, walk every collection page by page, map records
// with per-item isolation, upsert batches and keep the job row's progress
// current. The syncer owns the job's terminal transition (completed, failed
// or cancelled); requeueing a failed job stays with the queue.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/archive"
	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/credentials"
	"github.com/omnivault/sync-engine/dedupe"
	"github.com/omnivault/sync-engine/fetcher"
	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/provider"
	"github.com/omnivault/sync-engine/retry"
	"github.com/omnivault/sync-engine/store"
)

var (
	// ErrCancelled reports that the job was cancelled by request while it
	// was running.
	ErrCancelled = errors.New("sync cancelled")

	// ErrStorage tags persistence failures so they fail the job under the
	// storage class rather than masquerading as provider trouble.
	ErrStorage = errors.New("storage failure")
)

// Result is the record-level outcome of one run.
type Result struct {
	Processed int64
	Failed    int64
}

// Options wires a Syncer. Clients maps provider name to the retry client
// built around that provider's shared rate limiter.
type Options struct {
	Registry    *provider.Registry
	Credentials *credentials.Store
	Store       *store.Store
	Clients     map[string]*retry.Client
	Archive     archive.Archiver
	Sync        config.Sync
	Logger      *zap.Logger
}

type Syncer struct {
	registry *provider.Registry
	creds    *credentials.Store
	store    *store.Store
	clients  map[string]*retry.Client
	archive  archive.Archiver
	cfg      config.Sync
	log      *zap.Logger

	now func() time.Time
}

func New(opts Options) *Syncer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	arc := opts.Archive
	if arc == nil {
		arc = archive.Noop{}
	}

	return &Syncer{
		registry: opts.Registry,
		creds:    opts.Credentials,
		store:    opts.Store,
		clients:  opts.Clients,
		archive:  arc,
		cfg:      opts.Sync,
		log:      log,
		now:      time.Now,
	}
}

// Run executes one job and records its terminal state on the row. The
// returned Result carries the record counts even when err is non-nil; the
// error is classified via ClassifyError for the requeue decision.
func (s *Syncer) Run(ctx context.Context, job *models.SyncJob) (Result, error) {
	log := s.log.With(
		zap.String("job", job.ID),
		zap.String("user", job.UserID),
		zap.String("provider", job.Provider),
		zap.String("mode", job.Mode))

	res, err := s.execute(ctx, job, log)

	// Terminal bookkeeping must land even when the run died to a shutdown,
	// or the row would stay active forever.
	mctx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if merr := s.store.MarkJobCompleted(mctx, job.ID, res.Processed, res.Failed); merr != nil {
			return res, markStorage(merr)
		}

		log.Info("sync completed",
			zap.Int64("processed", res.Processed),
			zap.Int64("failed", res.Failed))

		return res, nil

	case errors.Is(err, ErrCancelled):
		if merr := s.store.MarkJobCancelled(mctx, job.ID); merr != nil {
			log.Warn("cancel transition failed", zap.Error(merr))
		}

		log.Info("sync cancelled", zap.Int64("processed", res.Processed))

		return res, err

	default:
		class := ClassifyError(err)

		if merr := s.store.MarkJobFailed(mctx, job.ID, class, err.Error()); merr != nil {
			log.Warn("failure transition failed", zap.Error(merr))
		}

		log.Warn("sync failed",
			zap.String("class", class),
			zap.Int64("processed", res.Processed),
			zap.Error(err))

		return res, err
	}
}

func (s *Syncer) execute(ctx context.Context, job *models.SyncJob, log *zap.Logger) (Result, error) {
	src, ok := s.registry.Get(job.Provider)
	if !ok {
		return Result{}, fmt.Errorf("provider %q is not enabled", job.Provider)
	}

	client, ok := s.clients[job.Provider]
	if !ok {
		return Result{}, fmt.Errorf("provider %q has no retry client", job.Provider)
	}

	// Fail fast when the user never connected or must re-consent; no point
	// burning rate-limit budget first.
	if _, err := s.creds.AccessToken(ctx, job.UserID, job.Provider); err != nil {
		return Result{}, fmt.Errorf("credential check: %w", err)
	}

	from, to, err := s.window(ctx, job)
	if err != nil {
		return Result{}, markStorage(err)
	}

	if err := s.store.SetJobWindow(ctx, job.ID, from, to); err != nil {
		return Result{}, markStorage(err)
	}

	job.WindowFrom, job.WindowTo = &from, &to

	collections, err := s.collections(ctx, job, src, client)
	if err != nil {
		return Result{}, err
	}

	log.Info("sync started",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("collections", len(collections)))

	r := &run{
		syncer:  s,
		job:     job,
		src:     src,
		client:  client,
		log:     log,
		seen:    dedupe.New(),
		tracker: NewTracker(len(collections)),
		from:    from,
		to:      to,
	}

	for _, col := range collections {
		if err := r.checkCancel(ctx); err != nil {
			return r.result(), err
		}

		r.tracker.StartCollection()

		if err := r.collection(ctx, col); err != nil {
			return r.result(), err
		}

		r.tracker.FinishCollection()
	}

	if r.processed == 0 && r.lastErr != nil {
		return r.result(), fmt.Errorf("nothing synced: %w", r.lastErr)
	}

	return r.result(), nil
}

// window computes the fetch range. Initial syncs look back monthsBack
// months. Incremental syncs look back the configured window, extended to an
// hour before the high-water-mark so a long pause between syncs cannot skip
// records modified inside the gap.
func (s *Syncer) window(ctx context.Context, job *models.SyncJob) (time.Time, time.Time, error) {
	now := s.now().UTC()

	months := s.cfg.MonthsBack
	if job.MonthsBack > 0 {
		months = job.MonthsBack
	}

	if job.Mode == models.SyncModeInitial {
		return now.AddDate(0, -months, 0), now, nil
	}

	wm, err := s.store.Watermark(ctx, job.UserID, job.Provider)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if wm.IsZero() {
		// nothing completed yet; incremental degrades to a full backfill
		return now.AddDate(0, -months, 0), now, nil
	}

	from := now.Add(-s.cfg.IncrementalLookback)

	if adjusted := wm.Add(-s.cfg.WatermarkOverlap); adjusted.Before(from) {
		from = adjusted
	}

	return from, now, nil
}

// collections enumerates the sibling sub-collections of a provider that has
// them; every other provider syncs as one unnamed collection.
func (s *Syncer) collections(ctx context.Context, job *models.SyncJob, src provider.Source, client *retry.Client) ([]provider.Collection, error) {
	lister, ok := src.(provider.CollectionLister)
	if !ok {
		return []provider.Collection{{}}, nil
	}

	var cols []provider.Collection

	err := client.Do(ctx, src.Name()+".collections", func(ctx context.Context) error {
		var cerr error
		cols, cerr = lister.Collections(ctx, job.UserID)

		return cerr
	}, retry.WithReauth(s.reauthHook(job)))
	if err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return []provider.Collection{{}}, nil
	}

	return cols, nil
}

func (s *Syncer) reauthHook(job *models.SyncJob) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.creds.ForceRefresh(ctx, job.UserID, job.Provider)
	}
}

// run carries one job's working state across collections.
type run struct {
	syncer  *Syncer
	job     *models.SyncJob
	src     provider.Source
	client  *retry.Client
	log     *zap.Logger
	seen    dedupe.Deduper
	tracker *Tracker

	from time.Time
	to   time.Time

	processed int64
	failed    int64
	lastErr   error
}

func (r *run) result() Result {
	return Result{Processed: r.processed, Failed: r.failed}
}

func (r *run) collection(ctx context.Context, col provider.Collection) error {
	log := r.log
	if col.ID != "" {
		log = log.With(zap.String("collection", col.ID))
	}

	q := provider.Query{
		UserID:     r.job.UserID,
		Collection: col.ID,
		From:       r.from,
		To:         r.to,
	}

	pager := fetcher.New(r.src, r.client, q, fetcher.WithReauth(r.syncer.reauthHook(r.job)))

	for pager.Next(ctx) {
		page := pager.Page()

		batch := r.mapPage(page)

		if len(batch) > 0 {
			stored, err := r.syncer.store.UpsertBatch(ctx, r.job.UserID, batch)
			if err != nil {
				// the page failed in full; the next run re-covers it
				r.failed += int64(len(batch))
				r.lastErr = markStorage(err)

				log.Error("batch upsert failed",
					zap.Int("page", pager.Pages()),
					zap.Int("records", len(batch)),
					zap.Error(err))
			} else {
				r.processed += int64(len(batch))

				log.Debug("page stored",
					zap.Int("page", pager.Pages()),
					zap.Int("nodes", stored.Nodes),
					zap.Int("edges", stored.Edges))
			}
		}

		r.archivePage(ctx, col, pager.Pages(), page, log)
		r.tracker.Observe(page)
		r.persistProgress(ctx, pager.Token(), log)

		if err := r.checkCancel(ctx); err != nil {
			return err
		}
	}

	if err := pager.Err(); err != nil {
		if ClassifyError(err) != models.ErrClassTransient {
			return err
		}

		// abandon this collection, keep the rest of the sync alive
		r.lastErr = err

		log.Warn("collection abandoned",
			zap.Int("pages", pager.Pages()),
			zap.Error(err))
	}

	return nil
}

// mapPage converts one page with per-item isolation: a record that fails to
// map is counted and skipped, never aborting its batch. Records already seen
// in an earlier page of this run are dropped.
func (r *run) mapPage(page provider.Page) []provider.Mapped {
	batch := make([]provider.Mapped, 0, len(page.Items))

	for _, rec := range page.Items {
		if rec.ExternalID == "" {
			r.failed++

			r.log.Warn("record without external id skipped")

			continue
		}

		if !r.seen.AddIfNotExists(models.NodeKey{Provider: r.job.Provider, ExternalID: rec.ExternalID}) {
			continue
		}

		mapped, err := r.src.MapRecord(r.job.UserID, rec)
		if err != nil {
			r.failed++

			r.log.Warn("record mapping failed",
				zap.String("external_id", rec.ExternalID),
				zap.Error(err))

			continue
		}

		batch = append(batch, mapped)
	}

	return batch
}

func (r *run) archivePage(ctx context.Context, col provider.Collection, seq int, page provider.Page, log *zap.Logger) {
	if len(page.Items) == 0 {
		return
	}

	err := r.syncer.archive.Save(ctx, archive.Page{
		UserID:     r.job.UserID,
		Provider:   r.job.Provider,
		JobID:      r.job.ID,
		Collection: col.ID,
		Seq:        seq,
		Items:      page.Items,
	})
	if err != nil {
		// advisory; the store copy is what the engine serves from
		log.Warn("page archive failed", zap.Error(err))
	}
}

func (r *run) persistProgress(ctx context.Context, cursor string, log *zap.Logger) {
	err := r.syncer.store.UpdateJobProgress(ctx, r.job.ID,
		r.tracker.Percent(), r.processed, r.failed, cursor)
	if err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}
}

// checkCancel is the cooperative cancellation point between pages.
func (r *run) checkCancel(ctx context.Context) error {
	cancelled, err := r.syncer.store.CancelRequested(ctx, r.job.ID)
	if err != nil {
		return markStorage(err)
	}

	if cancelled {
		return ErrCancelled
	}

	return ctx.Err()
}

// ClassifyError maps a run error to the class recorded on the job row. The
// queue treats reauth, quota and cancelled as terminal.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return models.ErrClassCancelled
	case errors.Is(err, credentials.ErrReauthRequired), errors.Is(err, credentials.ErrNotFound):
		return models.ErrClassReauth
	case errors.Is(err, ErrStorage):
		return models.ErrClassStorage
	}

	var ce *provider.CallError
	if errors.As(err, &ce) {
		switch {
		case ce.Reauth:
			return models.ErrClassReauth
		case ce.Quota:
			return models.ErrClassQuota
		}
	}

	return models.ErrClassTransient
}

func markStorage(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
