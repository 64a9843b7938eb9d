package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/config"
	"omics-backend/internal/metrics"
	"omics-backend/internal/store/memory"
	"omics-backend/internal/types"
)

type testDriver struct {
	typ string
	run func(ctx context.Context, job *types.Job, report ProgressFn) (string, error)
}

func (d *testDriver) Type() string { return d.typ }
func (d *testDriver) Run(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
	return d.run(ctx, job, report)
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		JobMaxRetries:       3,
		JobBackoffBase:      time.Millisecond,
		JobBackoffCap:       5 * time.Millisecond,
		CancelGracePeriod:   50 * time.Millisecond,
		WorkerCoresTotal:    8,
		WorkerMemoryTotal:   1 << 30,
		WorkerCount:         2,
		HeartbeatInterval:   10 * time.Millisecond,
		StarvationThreshold: 5 * time.Minute,
		MaxJobCores:         8,
		MaxJobMemory:        1 << 30,
	}
}

func newTestScheduler(t *testing.T, cfg *config.AppConfig, drivers ...Driver) *Scheduler {
	t.Helper()
	log := zap.NewNop()
	st := memory.New()
	rec := audit.NewRecorder(st.Audit(), log)
	t.Cleanup(rec.Close)

	reg := NewRegistry(log)
	for _, d := range drivers {
		reg.Register(d)
	}
	s := NewScheduler(cfg, st, reg, rec, nil, metrics.New(), log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitForState(t *testing.T, s *Scheduler, jobID string, want types.JobState) *types.Job {
	t.Helper()
	var got *types.Job
	require.Eventually(t, func() bool {
		job, err := s.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = job
		return job.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func submitReq(jobType string, priority string, cores int) SubmitRequest {
	return SubmitRequest{
		Type:        jobType,
		Priority:    priority,
		Reservation: types.Reservation{Cores: cores, MemoryBytes: 1 << 20},
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		report(0.5, []byte(`{"half":true}`))
		return "results/align/1", nil
	}}
	s := newTestScheduler(t, testConfig(), driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)

	done := waitForState(t, s, job.ID, types.JobCompleted)
	assert.Equal(t, "results/align/1", done.ResultRef)
	assert.Equal(t, 1.0, done.Progress)
	require.NotNil(t, done.FinishedAt)
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, testConfig(), &testDriver{typ: "align", run: nil})

	_, err := s.Submit(context.Background(), "u", submitReq("unknown", "normal", 1))
	assert.True(t, types.IsKind(err, types.ErrInvalid))

	_, err = s.Submit(context.Background(), "u", submitReq("align", "urgent", 1))
	assert.True(t, types.IsKind(err, types.ErrInvalid))

	_, err = s.Submit(context.Background(), "u", submitReq("align", "normal", 0))
	assert.True(t, types.IsKind(err, types.ErrInvalid))

	// More cores than the cluster will ever have.
	_, err = s.Submit(context.Background(), "u", SubmitRequest{
		Type:        "align",
		Reservation: types.Reservation{Cores: 100, MemoryBytes: 1},
	})
	assert.True(t, types.IsKind(err, types.ErrInvalid))
}

func TestTransientFailureRetriesWithCheckpoint(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	var resumed []byte

	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		mu.Lock()
		attempts++
		n := attempts
		resumed = job.Checkpoint
		mu.Unlock()
		if n == 1 {
			report(0.3, []byte(`{"stage":1}`))
			return "", Transient(errors.New("backend hiccup"))
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, testConfig(), driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "high", 1))
	require.NoError(t, err)

	done := waitForState(t, s, job.ID, types.JobCompleted)
	assert.Equal(t, 1, done.Attempt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.JSONEq(t, `{"stage":1}`, string(resumed))
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return "", Permanent(errors.New("bad reference genome"))
	}}
	s := newTestScheduler(t, testConfig(), driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)

	done := waitForState(t, s, job.ID, types.JobFailed)
	assert.Contains(t, done.ErrorMessage, "bad reference genome")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestRetriesExhaustToFailed(t *testing.T) {
	cfg := testConfig()
	cfg.JobMaxRetries = 2
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		return "", Transient(errors.New("always down"))
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)

	done := waitForState(t, s, job.ID, types.JobFailed)
	assert.Equal(t, 2, done.Attempt)
}

func TestCancelBeforeDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 0 // nothing can dispatch
	s := newTestScheduler(t, cfg, &testDriver{typ: "align", run: nil})
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), "user-1", job.ID))

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.State)

	// Resources were never held.
	_, reserved := s.Ledger().Usage()
	assert.Zero(t, reserved.Cores)
}

func TestCancelRunningJobHonorsSignal(t *testing.T) {
	started := make(chan struct{})
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newTestScheduler(t, testConfig(), driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, s.Cancel(context.Background(), "user-1", job.ID))
	waitForState(t, s, job.ID, types.JobCancelled)

	_, reserved := s.Ledger().Usage()
	assert.Zero(t, reserved.Cores)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		return "ok", nil
	}}
	s := newTestScheduler(t, testConfig(), driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)
	waitForState(t, s, job.ID, types.JobCompleted)

	err = s.Cancel(context.Background(), "user-1", job.ID)
	assert.True(t, types.IsKind(err, types.ErrConflict))
}

func TestPriorityOrderUnderContention(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCoresTotal = 1
	cfg.WorkerCount = 1

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		mu.Lock()
		order = append(order, job.ID)
		first := len(order) == 1
		mu.Unlock()
		if first {
			<-release
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	blocker, err := s.Submit(context.Background(), "u", submitReq("align", "normal", 1))
	require.NoError(t, err)
	waitForState(t, s, blocker.ID, types.JobRunning)

	low, err := s.Submit(context.Background(), "u", submitReq("align", "low", 1))
	require.NoError(t, err)
	crit, err := s.Submit(context.Background(), "u", submitReq("align", "critical", 1))
	require.NoError(t, err)

	close(release)
	waitForState(t, s, crit.ID, types.JobCompleted)
	waitForState(t, s, low.ID, types.JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, blocker.ID, order[0])
	assert.Equal(t, crit.ID, order[1])
	assert.Equal(t, low.ID, order[2])
}

func TestStarvingJobBlocksSmallerWork(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCoresTotal = 4
	cfg.WorkerCount = 2
	cfg.StarvationThreshold = 0 // any unfit wait counts as starving

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		mu.Lock()
		order = append(order, job.ID)
		first := len(order) == 1
		mu.Unlock()
		if first {
			<-release
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	blocker, err := s.Submit(context.Background(), "u", submitReq("align", "normal", 4))
	require.NoError(t, err)
	waitForState(t, s, blocker.ID, types.JobRunning)

	big, err := s.Submit(context.Background(), "u", submitReq("align", "high", 4))
	require.NoError(t, err)
	small, err := s.Submit(context.Background(), "u", submitReq("align", "low", 1))
	require.NoError(t, err)

	// The small job fits but must not jump the starving big one.
	time.Sleep(50 * time.Millisecond)
	got, err := s.Get(context.Background(), small.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.State)

	close(release)
	waitForState(t, s, big.ID, types.JobCompleted)
	waitForState(t, s, small.ID, types.JobCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{blocker.ID, big.ID, small.ID}, order)
}

func TestWorkerLossConsumesAttemptAndResumesFromCheckpoint(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	var resumed []byte
	hang := make(chan struct{})

	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		mu.Lock()
		runs++
		first := runs == 1
		resumed = job.Checkpoint
		mu.Unlock()
		if first {
			report(0.4, []byte(`{"stage":2}`))
			select {
			case <-hang:
			case <-ctx.Done():
			}
			return "", ctx.Err()
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, testConfig(), driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)
	running := waitForState(t, s, job.ID, types.JobRunning)
	require.NotEmpty(t, running.WorkerID)

	s.Pool().Mute(running.WorkerID)
	require.Eventually(t, func() bool {
		s.wakeup()
		got, err := s.Get(context.Background(), job.ID)
		return err == nil && got.State == types.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	done, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Attempt)

	mu.Lock()
	assert.JSONEq(t, `{"stage":2}`, string(resumed))
	mu.Unlock()
	close(hang)
}

func TestWorkerLossWithAttemptsExhaustedFails(t *testing.T) {
	cfg := testConfig()
	cfg.JobMaxRetries = 0
	hang := make(chan struct{})

	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		select {
		case <-hang:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)
	running := waitForState(t, s, job.ID, types.JobRunning)

	s.Pool().Mute(running.WorkerID)
	require.Eventually(t, func() bool {
		s.wakeup()
		got, err := s.Get(context.Background(), job.ID)
		return err == nil && got.State == types.JobFailed
	}, 5*time.Second, 20*time.Millisecond)

	done, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, done.ErrorMessage, "worker lost")
	close(hang)
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.JobBackoffBase = time.Hour
	cfg.JobBackoffCap = time.Hour

	var mu sync.Mutex
	runs := 0
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return "", Transient(errors.New("backend hiccup"))
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)

	// Wait for the failure to park the job in its backoff window: queued in
	// the store with the attempt consumed, but not yet re-enqueued.
	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), job.ID)
		return err == nil && got.State == types.JobQueued && got.Attempt == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(context.Background(), "user-1", job.ID))

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.State)

	_, reserved := s.Ledger().Usage()
	assert.Zero(t, reserved.Cores)
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
}

func TestBucketHeadHoldsItsBucket(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 3

	release := make(chan struct{})
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		if job.Reservation.Cores == 6 {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	blocker, err := s.Submit(context.Background(), "u", submitReq("align", "normal", 6))
	require.NoError(t, err)
	waitForState(t, s, blocker.ID, types.JobRunning)

	head, err := s.Submit(context.Background(), "u", submitReq("align", "normal", 4))
	require.NoError(t, err)
	fits, err := s.Submit(context.Background(), "u", submitReq("align", "normal", 2))
	require.NoError(t, err)

	// The 2-core job fits in the leftover capacity but sits behind the
	// 4-core head of its bucket, so neither may start.
	time.Sleep(50 * time.Millisecond)
	for _, id := range []string{head.ID, fits.ID} {
		got, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.JobQueued, got.State, id)
	}

	close(release)
	waitForState(t, s, head.ID, types.JobCompleted)
	waitForState(t, s, fits.ID, types.JobCompleted)
}

func TestForcedCancelIgnoresLateReports(t *testing.T) {
	cfg := testConfig()
	cfg.CancelGracePeriod = 20 * time.Millisecond

	reported := make(chan struct{})
	finish := make(chan struct{})
	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		report(0.2, []byte(`{"stage":1}`))
		close(reported)
		// Ignore the cancel signal past the grace period, then report again
		// the way an abandoned driver would.
		<-finish
		report(0.9, []byte(`{"stage":9}`))
		return "late", nil
	}}
	s := newTestScheduler(t, cfg, driver)
	require.NoError(t, s.Start(context.Background()))

	job, err := s.Submit(context.Background(), "user-1", submitReq("align", "normal", 1))
	require.NoError(t, err)
	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reported progress")
	}

	require.NoError(t, s.Cancel(context.Background(), "user-1", job.ID))
	waitForState(t, s, job.ID, types.JobCancelled)

	close(finish)
	time.Sleep(50 * time.Millisecond)

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.State)
	assert.InDelta(t, 0.2, got.Progress, 0.001)
}

func TestRecoverRebuildsQueueFromStore(t *testing.T) {
	log := zap.NewNop()
	st := memory.New()
	rec := audit.NewRecorder(st.Audit(), log)
	t.Cleanup(rec.Close)

	// A job left running by a dead process and one still queued.
	running := &types.Job{
		ID: "j-running", Type: "align", OwnerUserID: "u",
		Priority: types.PriorityNormal, State: types.JobPending,
		Reservation: types.Reservation{Cores: 1, MemoryBytes: 1},
		MaxRetries:  3, CreatedAt: time.Now(),
	}
	require.NoError(t, st.Jobs().Create(context.Background(), running))
	running.State = types.JobQueued
	require.NoError(t, st.Jobs().CAS(context.Background(), running, types.JobPending, 0))
	running.State = types.JobRunning
	running.WorkerID = "worker-dead"
	require.NoError(t, st.Jobs().CAS(context.Background(), running, types.JobQueued, 0))

	queued := &types.Job{
		ID: "j-queued", Type: "align", OwnerUserID: "u",
		Priority: types.PriorityHigh, State: types.JobPending,
		Reservation: types.Reservation{Cores: 1, MemoryBytes: 1},
		MaxRetries:  3, CreatedAt: time.Now(),
	}
	require.NoError(t, st.Jobs().Create(context.Background(), queued))
	queued.State = types.JobQueued
	require.NoError(t, st.Jobs().CAS(context.Background(), queued, types.JobPending, 0))

	driver := &testDriver{typ: "align", run: func(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
		return "ok", nil
	}}
	reg := NewRegistry(log)
	reg.Register(driver)
	s := NewScheduler(testConfig(), st, reg, rec, nil, metrics.New(), log)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})

	waitForState(t, s, "j-running", types.JobCompleted)
	waitForState(t, s, "j-queued", types.JobCompleted)
}
