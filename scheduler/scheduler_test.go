package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/models"
	"github.com/omnivault/sync-engine/provider"
	"github.com/omnivault/sync-engine/store"
	"github.com/omnivault/sync-engine/syncer"
)

func testConfig() config.Queue {
	return config.Queue{
		WorkerConcurrency: 2,
		JobMaxAttempts:    3,
		JobRetryDelay:     20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), 2, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func createJobs(t *testing.T, st *store.Store, n int) []*models.SyncJob {
	t.Helper()

	jobs := make([]*models.SyncJob, 0, n)

	for i := 0; i < n; i++ {
		job := &models.SyncJob{UserID: "u-1", Provider: models.ProviderMail, Mode: models.SyncModeInitial}
		require.NoError(t, st.CreateJob(context.Background(), job))
		jobs = append(jobs, job)
	}

	return jobs
}

func startScheduler(t *testing.T, st *store.Store, runner Runner, cfg config.Queue) {
	t.Helper()

	sch := New(st, runner, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		_ = sch.Run(ctx)
		close(stopped)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

// stubRunner counts deliveries per job and fails according to fn.
type stubRunner struct {
	mu         sync.Mutex
	deliveries map[string]int
	fn         func(n int) error
	runs       chan string
}

func newStubRunner(buf int, fn func(n int) error) *stubRunner {
	return &stubRunner{
		deliveries: make(map[string]int),
		fn:         fn,
		runs:       make(chan string, buf),
	}
}

func (r *stubRunner) Run(_ context.Context, job *models.SyncJob) (syncer.Result, error) {
	r.mu.Lock()
	r.deliveries[job.ID]++
	n := r.deliveries[job.ID]
	r.mu.Unlock()

	r.runs <- job.ID

	if r.fn != nil {
		if err := r.fn(n); err != nil {
			return syncer.Result{}, err
		}
	}

	return syncer.Result{Processed: 1}, nil
}

func (r *stubRunner) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deliveries[jobID]
}

func waitRuns(t *testing.T, runs <-chan string, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-runs:
		case <-time.After(10 * time.Second):
			t.Fatalf("run %d of %d never happened", i+1, n)
		}
	}
}

// gaugeRunner records the peak number of concurrent runs.
type gaugeRunner struct {
	cur  atomic.Int32
	peak atomic.Int32
	runs chan string
}

func (r *gaugeRunner) Run(_ context.Context, job *models.SyncJob) (syncer.Result, error) {
	n := r.cur.Add(1)

	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	time.Sleep(30 * time.Millisecond)
	r.cur.Add(-1)
	r.runs <- job.ID

	return syncer.Result{Processed: 1}, nil
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	st := openStore(t)
	createJobs(t, st, 10)

	runner := &gaugeRunner{runs: make(chan string, 10)}
	startScheduler(t, st, runner, testConfig())

	waitRuns(t, runner.runs, 10)

	assert.LessOrEqual(t, runner.peak.Load(), int32(2),
		"worker pool must never exceed its configured size")
}

func TestSchedulerRunsEachJobOnce(t *testing.T) {
	st := openStore(t)
	jobs := createJobs(t, st, 5)

	runner := newStubRunner(10, nil)
	startScheduler(t, st, runner, testConfig())

	waitRuns(t, runner.runs, 5)

	// give a straggling duplicate a chance to show up
	time.Sleep(50 * time.Millisecond)

	for _, job := range jobs {
		assert.Equal(t, 1, runner.count(job.ID), job.ID)
	}
}

func TestSchedulerRequeuesTransientFailures(t *testing.T) {
	st := openStore(t)
	job := createJobs(t, st, 1)[0]

	runner := newStubRunner(4, func(n int) error {
		if n == 1 {
			return &provider.CallError{Status: 503, Message: "flaky", Retryable: true}
		}

		return nil
	})
	startScheduler(t, st, runner, testConfig())

	waitRuns(t, runner.runs, 2)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestSchedulerGivesUpAfterMaxAttempts(t *testing.T) {
	st := openStore(t)
	job := createJobs(t, st, 1)[0]

	runner := newStubRunner(8, func(int) error {
		return &provider.CallError{Status: 503, Message: "down", Retryable: true}
	})
	startScheduler(t, st, runner, testConfig())

	waitRuns(t, runner.runs, 3)

	// no fourth delivery
	select {
	case <-runner.runs:
		t.Fatal("job ran past its attempt budget")
	case <-time.After(200 * time.Millisecond):
	}

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.NotEqual(t, models.JobStatusQueued, got.Status)
}

func TestSchedulerDoesNotRetryReauth(t *testing.T) {
	st := openStore(t)
	job := createJobs(t, st, 1)[0]

	runner := newStubRunner(4, func(int) error {
		return &provider.CallError{Status: 401, Message: "unauthorized", Reauth: true}
	})
	startScheduler(t, st, runner, testConfig())

	waitRuns(t, runner.runs, 1)

	select {
	case <-runner.runs:
		t.Fatal("reauth failure must not be retried")
	case <-time.After(200 * time.Millisecond):
	}

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.JobStatusQueued, got.Status)
}

func TestSchedulerHonorsNextRunAt(t *testing.T) {
	st := openStore(t)
	job := createJobs(t, st, 1)[0]

	// push the job into the near future
	require.NoError(t, st.RequeueJob(context.Background(), job.ID,
		time.Now().UTC().Add(300*time.Millisecond), models.ErrClassTransient, "wait for it"))

	runner := newStubRunner(2, nil)
	startScheduler(t, st, runner, testConfig())

	select {
	case <-runner.runs:
		t.Fatal("job ran before its next_run_at")
	case <-time.After(150 * time.Millisecond):
	}

	waitRuns(t, runner.runs, 1)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	st := openStore(t)
	sch := New(st, newStubRunner(1, nil), testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- sch.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not return after cancel")
	}
}
