package store

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnivault/sync-engine/models"
)

func queuedJob(userID, providerName string) *models.SyncJob {
	return &models.SyncJob{
		UserID:   userID,
		Provider: providerName,
		Mode:     models.SyncModeInitial,
	}
}

func createJob(t *testing.T, s *Store, job *models.SyncJob) *models.SyncJob {
	t.Helper()

	require.NoError(t, s.CreateJob(context.Background(), job))

	return job
}

func TestCreateJobDefaults(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.False(t, job.NextRunAt.IsZero())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, models.ProviderMail, got.Provider)
}

func TestCreateJobValidates(t *testing.T) {
	s := testStore(t)

	err := s.CreateJob(context.Background(), &models.SyncJob{Provider: models.ProviderMail, Mode: models.SyncModeInitial})
	require.Error(t, err)
}

func TestGetJobNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetJob(context.Background(), "no-such-job")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestFindCurrentJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	done := createJob(t, s, queuedJob("u-1", models.ProviderMail))
	require.NoError(t, s.MarkJobCompleted(ctx, done.ID, 10, 0))

	current := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	got, err := s.FindCurrentJob(ctx, "u-1", models.ProviderMail)
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)

	_, err = s.FindCurrentJob(ctx, "u-1", models.ProviderCalendar)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaimJobPicksEarliestDue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	later := queuedJob("u-1", models.ProviderMail)
	later.NextRunAt = time.Now().UTC().Add(-time.Minute)
	createJob(t, s, later)

	earlier := queuedJob("u-1", models.ProviderCalendar)
	earlier.NextRunAt = time.Now().UTC().Add(-time.Hour)
	createJob(t, s, earlier)

	got, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, earlier.ID, got.ID)
	assert.Equal(t, models.JobStatusActive, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	row, err := s.GetJob(ctx, earlier.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, row.Status)
	assert.Equal(t, 1, row.Attempts)
}

func TestClaimJobNoneDue(t *testing.T) {
	s := testStore(t)

	future := queuedJob("u-1", models.ProviderMail)
	future.NextRunAt = time.Now().UTC().Add(time.Hour)
	createJob(t, s, future)

	_, err := s.ClaimJob(context.Background())
	require.ErrorIs(t, err, ErrNoJobDue)
}

func TestClaimJobSkipsActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createJob(t, s, queuedJob("u-1", models.ProviderMail))

	_, err := s.ClaimJob(ctx)
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx)
	require.ErrorIs(t, err, ErrNoJobDue)
}

func TestClaimJobConcurrent(t *testing.T) {
	s := testStore(t)

	createJob(t, s, queuedJob("u-1", models.ProviderMail))

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.ClaimJob(context.Background())
			if err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrNoJobDue)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMarkJobActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	got, err := s.MarkJobActive(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.MarkJobCompleted(ctx, job.ID, 1, 0))

	_, err = s.MarkJobActive(ctx, job.ID)
	require.ErrorIs(t, err, ErrJobFinished)
}

func TestMarkJobCompletedClearsFailureState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, 40, 80, 2, "page-token"))
	require.NoError(t, s.RequeueJob(ctx, job.ID, time.Now().UTC(), models.ErrClassTransient, "boom"))

	require.NoError(t, s.MarkJobCompleted(ctx, job.ID, 120, 2))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(120), got.Processed)
	assert.Equal(t, int64(2), got.Failed)
	assert.Empty(t, got.ErrorClass)
	assert.Empty(t, got.Cursor)
	require.NotNil(t, got.FinishedAt)
}

func TestMarkJobFailedTruncatesMessage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	long := strings.Repeat("x", maxLastErrorLen+500)
	require.NoError(t, s.MarkJobFailed(ctx, job.ID, models.ErrClassStorage, long))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.ErrClassStorage, got.ErrorClass)
	assert.Len(t, got.LastError, maxLastErrorLen)
	require.NotNil(t, got.FinishedAt)
}

func TestRequeueJobDelaysNextRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	claimed, err := s.ClaimJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	next := time.Now().UTC().Add(4 * time.Second)
	require.NoError(t, s.RequeueJob(ctx, claimed.ID, next, models.ErrClassTransient, "rate limited"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, models.ErrClassTransient, got.ErrorClass)
	assert.Equal(t, "rate limited", got.LastError)
	assert.WithinDuration(t, next, got.NextRunAt, time.Second)

	_, err = s.ClaimJob(ctx)
	require.ErrorIs(t, err, ErrNoJobDue)
}

func TestRequestJobCancel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	t.Run("queued goes straight to cancelled", func(t *testing.T) {
		job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

		status, err := s.RequestJobCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, status)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
		assert.Equal(t, models.ErrClassCancelled, got.ErrorClass)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("active is asked to stop", func(t *testing.T) {
		job := createJob(t, s, queuedJob("u-2", models.ProviderMail))

		_, err := s.MarkJobActive(ctx, job.ID)
		require.NoError(t, err)

		status, err := s.RequestJobCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelling, status)

		requested, err := s.CancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, requested)

		// a second request is a no-op
		status, err = s.RequestJobCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelling, status)
	})

	t.Run("finished jobs are left alone", func(t *testing.T) {
		job := createJob(t, s, queuedJob("u-3", models.ProviderMail))
		require.NoError(t, s.MarkJobCompleted(ctx, job.ID, 1, 0))

		_, err := s.RequestJobCancel(ctx, job.ID)
		require.ErrorIs(t, err, ErrJobFinished)
	})
}

func TestCancelRequestedFalseForActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	requested, err := s.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestUpdateJobProgressCapsAtHundred(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := createJob(t, s, queuedJob("u-1", models.ProviderMail))

	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, 130, 50, 1, "tok-3"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(50), got.Processed)
	assert.Equal(t, int64(1), got.Failed)
	assert.Equal(t, "tok-3", got.Cursor)
}

func TestCountJobsByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	createJob(t, s, queuedJob("u-1", models.ProviderMail))
	createJob(t, s, queuedJob("u-1", models.ProviderCalendar))

	done := createJob(t, s, queuedJob("u-2", models.ProviderMail))
	require.NoError(t, s.MarkJobCompleted(ctx, done.ID, 5, 0))

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.JobStatusQueued])
	assert.Equal(t, int64(1), counts[models.JobStatusCompleted])
	assert.Zero(t, counts[models.JobStatusFailed])
}

func TestListJobsScopedToUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createJob(t, s, queuedJob("u-1", models.ProviderMail))
	}

	createJob(t, s, queuedJob("u-2", models.ProviderMail))

	jobs, err := s.ListJobs(ctx, "u-1", 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = s.ListJobs(ctx, "u-1", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	for _, j := range jobs {
		assert.Equal(t, "u-1", j.UserID)
	}
}

func TestWatermark(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx, "u-1", models.ProviderMail)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	older := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	first := queuedJob("u-1", models.ProviderMail)
	first.WindowTo = &older
	createJob(t, s, first)
	require.NoError(t, s.MarkJobCompleted(ctx, first.ID, 1, 0))

	second := queuedJob("u-1", models.ProviderMail)
	second.WindowTo = &newer
	createJob(t, s, second)
	require.NoError(t, s.MarkJobCompleted(ctx, second.ID, 1, 0))

	// a failed window must not advance the watermark
	broken := queuedJob("u-1", models.ProviderMail)
	broken.WindowTo = &later
	createJob(t, s, broken)
	require.NoError(t, s.MarkJobFailed(ctx, broken.ID, models.ErrClassTransient, "boom"))

	wm, err = s.Watermark(ctx, "u-1", models.ProviderMail)
	require.NoError(t, err)
	assert.True(t, wm.Equal(newer), "got %s, want %s", wm, newer)

	wm, err = s.Watermark(ctx, "u-1", models.ProviderCalendar)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}
