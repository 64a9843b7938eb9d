// Package jobs is the compute scheduler: a durable priority queue, a
// resource ledger, a heartbeat-monitored worker pool, and the retry policy.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/config"
	"omics-backend/internal/metrics"
	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

// progressPersistInterval throttles checkpoint writes per running job.
const progressPersistInterval = 5 * time.Second

// Notifier fans job progress out to workspace rooms. Satisfied by the hub.
type Notifier interface {
	NotifyWorkspace(workspaceID string, frame types.Frame)
}

// SubmitRequest is the validated submission input.
type SubmitRequest struct {
	Type        string            `json:"type"`
	Priority    string            `json:"priority"`
	WorkspaceID string            `json:"workspaceId"`
	Parameters  json.RawMessage   `json:"parameters"`
	Reservation types.Reservation `json:"reservation"`
	MaxRetries  *int              `json:"maxRetries"`
}

// execution is the in-memory record of one running job.
type execution struct {
	job             *types.Job
	workerID        string
	cancel          context.CancelFunc
	cancelRequested bool
	finished        bool
}

// Scheduler owns the queue, the ledger, and the running set. Dispatch order
// is strict priority with FIFO inside each bucket: only the head of each
// bucket is eligible, so a head that does not fit holds its whole bucket, and
// once it has waited past the starvation threshold it fences every bucket
// below it as well.
type Scheduler struct {
	cfg      *config.AppConfig
	store    store.JobStore
	registry *Registry
	ledger   *Ledger
	pool     *Pool
	audit    *audit.Recorder
	notifier Notifier
	met      *metrics.Metrics
	log      *zap.Logger

	mu           sync.Mutex
	queue        *jobQueue
	running      map[string]*execution
	firstEnqueue map[string]time.Time
	stopped      bool
	rng          *rand.Rand

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewScheduler wires the scheduler. notifier may be nil.
func NewScheduler(cfg *config.AppConfig, s store.Store, reg *Registry, rec *audit.Recorder, notifier Notifier, met *metrics.Metrics, log *zap.Logger) *Scheduler {
	total := types.Reservation{Cores: cfg.WorkerCoresTotal, MemoryBytes: cfg.WorkerMemoryTotal}
	return &Scheduler{
		cfg:          cfg,
		store:        s.Jobs(),
		registry:     reg,
		ledger:       NewLedger(total, met),
		pool:         NewPool(cfg.WorkerCount, cfg.HeartbeatInterval, 3, log),
		audit:        rec,
		notifier:     notifier,
		met:          met,
		log:          log,
		queue:        newJobQueue(),
		running:      map[string]*execution{},
		firstEnqueue: map[string]time.Time{},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		now:          time.Now,
	}
}

// SetNotifier installs the hub after boot ordering allows it.
func (s *Scheduler) SetNotifier(n Notifier) { s.notifier = n }

// Ledger exposes the resource ledger for status endpoints and tests.
func (s *Scheduler) Ledger() *Ledger { return s.ledger }

// Pool exposes the worker pool for scale operations and tests.
func (s *Scheduler) Pool() *Pool { return s.pool }

// Start recovers unfinished jobs from the store and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

// recover rebuilds the in-memory queue. Jobs found running belonged to a
// previous process; their workers are gone, so they re-queue with the
// attempt counter untouched.
func (s *Scheduler) recover(ctx context.Context) error {
	unfinished, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range unfinished {
		job := unfinished[i]
		from, fromAttempt := job.State, job.Attempt
		switch job.State {
		case types.JobPending, types.JobRunning:
			job.State = types.JobQueued
			job.WorkerID = ""
			if err := s.store.CAS(ctx, &job, from, fromAttempt); err != nil {
				return err
			}
		case types.JobQueued:
			// Already durable in the right state.
		default:
			continue
		}
		s.firstEnqueue[job.ID] = job.CreatedAt
		s.queue.push(&job, job.CreatedAt)
	}
	s.updateGaugesLocked()
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.reapLostWorkers()
		s.dispatch()
	}
}

func (s *Scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit validates and enqueues a new job.
func (s *Scheduler) Submit(ctx context.Context, actorID string, req SubmitRequest) (*types.Job, error) {
	if !s.registry.Known(req.Type) {
		return nil, types.E(types.ErrInvalid, "unknown job type %q", req.Type)
	}
	priority := types.PriorityNormal
	if req.Priority != "" {
		p, ok := types.ParsePriority(req.Priority)
		if !ok {
			return nil, types.E(types.ErrInvalid, "unknown priority %q", req.Priority)
		}
		priority = p
	}
	r := req.Reservation
	if r.Cores <= 0 || r.MemoryBytes <= 0 {
		return nil, types.E(types.ErrInvalid, "reservation must request cores and memory")
	}
	if r.Cores > s.cfg.MaxJobCores || r.MemoryBytes > s.cfg.MaxJobMemory {
		return nil, types.E(types.ErrInvalid, "reservation exceeds per-job limits")
	}
	total, _ := s.ledger.Usage()
	if !r.Fits(total) {
		return nil, types.E(types.ErrInvalid, "reservation exceeds cluster capacity")
	}
	maxRetries := s.cfg.JobMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	now := s.now()
	job := &types.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		OwnerUserID: actorID,
		WorkspaceID: req.WorkspaceID,
		Priority:    priority,
		State:       types.JobPending,
		Parameters:  req.Parameters,
		Reservation: r,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	job.State = types.JobQueued
	if err := s.store.CAS(ctx, job, types.JobPending, 0); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.firstEnqueue[job.ID] = now
	s.queue.push(job, now)
	s.updateGaugesLocked()
	s.mu.Unlock()
	s.wakeup()

	if err := s.audit.Record(ctx, audit.NewEvent("job_submit").
		Actor(actorID, "").Resource("job", job.ID).
		Detail(map[string]any{"type": job.Type, "priority": priority.String()}).Record()); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns one job row.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*types.Job, error) {
	return s.store.Get(ctx, jobID)
}

// List returns jobs for an owner, optionally filtered by state.
func (s *Scheduler) List(ctx context.Context, ownerUserID string, states []types.JobState, limit int) ([]types.Job, error) {
	return s.store.List(ctx, ownerUserID, states, limit)
}

// Cancel stops a job. Waiting jobs cancel immediately; running jobs get the
// cancel signal and the grace period before they are forced.
func (s *Scheduler) Cancel(ctx context.Context, actorID, jobID string) error {
	s.mu.Lock()
	if job := s.queue.take(jobID); job != nil {
		delete(s.firstEnqueue, jobID)
		s.updateGaugesLocked()
		s.mu.Unlock()

		fromAttempt := job.Attempt
		job.State = types.JobCancelled
		now := s.now()
		job.FinishedAt = &now
		if err := s.store.CAS(ctx, job, types.JobQueued, fromAttempt); err != nil {
			return err
		}
		s.met.JobOutcomes.WithLabelValues("cancelled").Inc()
		s.notify(job)
		return s.audit.Record(ctx, audit.NewEvent("job_cancel").
			Actor(actorID, "").Resource("job", jobID).Record())
	}

	if exec, ok := s.running[jobID]; ok && !exec.finished {
		exec.cancelRequested = true
		exec.cancel()
		grace := s.cfg.CancelGracePeriod
		s.mu.Unlock()
		time.AfterFunc(grace, func() { s.forceCancel(jobID) })
		return s.audit.Record(ctx, audit.NewEvent("job_cancel").
			Actor(actorID, "").Resource("job", jobID).
			Detail(map[string]any{"grace": grace.String()}).Record())
	}
	s.mu.Unlock()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return types.E(types.ErrConflict, "job already %s", job.State)
	}
	if job.State == types.JobPending || job.State == types.JobQueued {
		// Queued in the store but in neither the in-memory queue nor the
		// running set: the job is waiting out a retry backoff. Cancel it
		// durably; the pending re-enqueue rechecks state and drops it.
		fromState, fromAttempt := job.State, job.Attempt
		job.State = types.JobCancelled
		now := s.now()
		job.FinishedAt = &now
		if err := s.store.CAS(ctx, job, fromState, fromAttempt); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.firstEnqueue, jobID)
		s.updateGaugesLocked()
		s.mu.Unlock()
		s.met.JobOutcomes.WithLabelValues("cancelled").Inc()
		s.notify(job)
		return s.audit.Record(ctx, audit.NewEvent("job_cancel").
			Actor(actorID, "").Resource("job", jobID).Record())
	}
	return types.E(types.ErrConflict, "job is not cancellable right now")
}

// forceCancel fires when a running job ignored the cancel signal for the
// whole grace period. The driver goroutine is abandoned and its worker slot
// discarded.
func (s *Scheduler) forceCancel(jobID string) {
	s.mu.Lock()
	exec, ok := s.running[jobID]
	if !ok || exec.finished {
		s.mu.Unlock()
		return
	}
	exec.finished = true
	delete(s.running, jobID)
	delete(s.firstEnqueue, jobID)
	// Mutate the row while still holding s.mu so a progress report racing
	// this flag cannot interleave with the terminal write.
	job := exec.job
	fromAttempt := job.Attempt
	job.State = types.JobCancelled
	now := s.now()
	job.FinishedAt = &now
	s.updateGaugesLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CAS(ctx, job, types.JobRunning, fromAttempt); err != nil {
		s.log.Error("force cancel persist failed", zap.String("job", jobID), zap.Error(err))
	}
	s.pool.Discard(exec.workerID)
	s.met.JobOutcomes.WithLabelValues("cancelled").Inc()
	s.ledger.Release(jobID)
	s.log.Warn("job cancelled after grace period", zap.String("job", jobID), zap.String("worker", exec.workerID))
	s.notify(job)
	s.wakeup()
}

// ClusterStatus snapshots utilization for the status endpoint.
func (s *Scheduler) ClusterStatus() types.ClusterMetricSample {
	total, reserved := s.ledger.Usage()
	workersTotal, workersBusy := s.pool.Counts()
	s.mu.Lock()
	depths := s.queue.depthByPriority()
	s.mu.Unlock()
	return types.ClusterMetricSample{
		Timestamp:            s.now(),
		WorkersTotal:         workersTotal,
		WorkersBusy:          workersBusy,
		CoresTotal:           total.Cores,
		CoresUsed:            reserved.Cores,
		MemoryTotal:          total.MemoryBytes,
		MemoryUsed:           reserved.MemoryBytes,
		QueueDepthByPriority: depths,
	}
}

// Scale resizes the worker pool.
func (s *Scheduler) Scale(ctx context.Context, actorID string, workers int) error {
	if workers < 0 {
		return types.E(types.ErrInvalid, "worker count cannot be negative")
	}
	s.pool.Scale(workers)
	s.wakeup()
	return s.audit.Record(ctx, audit.NewEvent("cluster_scale").
		Actor(actorID, "").Resource("cluster", "workers").
		Detail(map[string]any{"workers": workers}).Record())
}

// Close stops dispatching and re-queues running jobs so a restart resumes
// them from their last checkpoint.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	execs := make([]*execution, 0, len(s.running))
	for _, e := range s.running {
		execs = append(execs, e)
	}
	s.mu.Unlock()

	close(s.stop)
	for _, e := range execs {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch places bucket heads, highest priority first. A head that does not
// fit blocks its bucket; a starving head fences every bucket behind it too.
func (s *Scheduler) dispatch() {
	now := s.now()
	starving := false

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
scan:
	for _, p := range []types.JobPriority{types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		for {
			item := s.queue.headOf(p)
			if item == nil {
				break
			}
			job := item.job
			waited := now.Sub(item.enqueuedAt)
			if !s.ledger.Reserve(job.ID, job.Reservation) {
				if waited >= s.cfg.StarvationThreshold {
					starving = true
					break scan
				}
				break
			}
			workerID, ok := s.pool.Acquire(job.ID)
			if !ok {
				s.ledger.Release(job.ID)
				break scan
			}
			s.queue.take(job.ID)
			if err := s.startJob(job, workerID); err != nil {
				s.log.Error("dispatch failed", zap.String("job", job.ID), zap.Error(err))
				s.pool.Release(workerID)
				s.ledger.Release(job.ID)
				// The usual cause is losing the queued->running CAS to a
				// concurrent cancel; only re-queue jobs that are still live.
				gctx, gcancel := context.WithTimeout(context.Background(), 5*time.Second)
				cur, gerr := s.store.Get(gctx, job.ID)
				gcancel()
				if gerr == nil && cur.State.Terminal() {
					delete(s.firstEnqueue, job.ID)
				} else {
					s.queue.push(job, item.enqueuedAt)
				}
				break scan
			}
			s.met.JobQueueWait.Observe(waited.Seconds())
		}
	}
	s.met.StarvationOn.Set(boolToFloat(starving))
	s.updateGaugesLocked()
}

// startJob persists queued -> running and launches the execution. Caller
// holds s.mu.
func (s *Scheduler) startJob(job *types.Job, workerID string) error {
	fromAttempt := job.Attempt
	now := s.now()
	job.State = types.JobRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.store.CAS(ctx, job, types.JobQueued, fromAttempt)
	cancel()
	if err != nil {
		job.State = types.JobQueued
		job.WorkerID = ""
		job.StartedAt = nil
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	exec := &execution{job: job, workerID: workerID, cancel: runCancel}
	s.running[job.ID] = exec
	s.wg.Add(1)
	go s.execute(runCtx, exec)
	s.notify(job)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, exec *execution) {
	defer s.wg.Done()
	job := exec.job

	hbDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pool.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pool.Beat(exec.workerID)
			case <-hbDone:
				return
			}
		}
	}()

	var lastPersist time.Time
	report := func(progress float64, checkpoint []byte) {
		// Job fields are shared with forceCancel and the reaper, which both
		// mark the execution finished under s.mu before touching them. A
		// report arriving after that point is from an abandoned driver and
		// must not clobber the terminal row.
		s.mu.Lock()
		if exec.finished {
			s.mu.Unlock()
			return
		}
		job.Progress = progress
		job.Checkpoint = checkpoint
		snapshot := *job
		s.mu.Unlock()
		if time.Since(lastPersist) < progressPersistInterval {
			return
		}
		lastPersist = time.Now()
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.UpdateProgress(pctx, job.ID, progress, checkpoint); err != nil {
			s.log.Warn("progress persist failed", zap.String("job", job.ID), zap.Error(err))
		}
		cancel()
		s.notify(&snapshot)
	}

	resultRef, err := s.registry.Run(ctx, job, report)
	close(hbDone)
	s.finalize(exec, resultRef, err)
}

func (s *Scheduler) finalize(exec *execution, resultRef string, err error) {
	job := exec.job

	s.mu.Lock()
	if exec.finished {
		s.mu.Unlock()
		return
	}
	exec.finished = true
	cancelRequested := exec.cancelRequested
	stopped := s.stopped
	delete(s.running, job.ID)
	s.mu.Unlock()

	s.pool.Release(exec.workerID)
	s.ledger.Release(job.ID)
	defer s.wakeup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fromAttempt := job.Attempt
	now := s.now()

	switch {
	case err == nil:
		job.State = types.JobCompleted
		job.Progress = 1
		job.ResultRef = resultRef
		job.FinishedAt = &now
		s.persistTerminal(ctx, job, fromAttempt, "completed")

	case cancelRequested, stopped && errors.Is(err, context.Canceled):
		if cancelRequested {
			job.State = types.JobCancelled
			job.FinishedAt = &now
			s.persistTerminal(ctx, job, fromAttempt, "cancelled")
			break
		}
		// Shutdown: back to the queue so a restart resumes from the
		// checkpoint. Attempt is not consumed.
		job.State = types.JobQueued
		job.WorkerID = ""
		if err := s.store.CAS(ctx, job, types.JobRunning, fromAttempt); err != nil {
			s.log.Error("shutdown requeue failed", zap.String("job", job.ID), zap.Error(err))
		}

	default:
		kind := classify(err)
		job.ErrorMessage = err.Error()
		if kind == types.FailureWorkerLost {
			s.requeueLost(ctx, job, fromAttempt)
			break
		}
		if kind.Retryable() && job.Attempt < job.MaxRetries {
			job.Attempt++
			job.State = types.JobQueued
			job.WorkerID = ""
			if err := s.store.CAS(ctx, job, types.JobRunning, fromAttempt); err != nil {
				s.log.Error("retry requeue failed", zap.String("job", job.ID), zap.Error(err))
				break
			}
			s.met.JobRetries.Inc()
			s.mu.Lock()
			delay := retryDelay(s.rng, s.cfg.JobBackoffBase, s.cfg.JobBackoffCap, job.Attempt)
			s.mu.Unlock()
			s.log.Info("job retry scheduled",
				zap.String("job", job.ID),
				zap.Int("attempt", job.Attempt),
				zap.Duration("delay", delay))
			s.requeueAfter(job, delay)
			break
		}
		job.State = types.JobFailed
		job.FinishedAt = &now
		s.persistTerminal(ctx, job, fromAttempt, "failed")
	}

	s.mu.Lock()
	if job.State.Terminal() {
		delete(s.firstEnqueue, job.ID)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()
	s.notify(job)
}

func (s *Scheduler) persistTerminal(ctx context.Context, job *types.Job, fromAttempt int, outcome string) {
	if err := s.store.CAS(ctx, job, types.JobRunning, fromAttempt); err != nil {
		s.log.Error("terminal persist failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	s.met.JobOutcomes.WithLabelValues(outcome).Inc()
	s.audit.RecordAsync(audit.NewEvent("job_finish").
		Actor(job.OwnerUserID, "").Resource("job", job.ID).
		Detail(map[string]any{"outcome": outcome}).Record())
}

// requeueLost handles a job whose worker stopped heartbeating. The loss
// consumes a retry attempt like any other retryable failure; the checkpoint
// rides along so the next run resumes where the lost worker left off.
func (s *Scheduler) requeueLost(ctx context.Context, job *types.Job, fromAttempt int) {
	s.met.WorkersLost.Inc()
	if job.Attempt >= job.MaxRetries {
		if job.ErrorMessage == "" {
			job.ErrorMessage = "worker lost and retry attempts exhausted"
		}
		job.State = types.JobFailed
		now := s.now()
		job.FinishedAt = &now
		s.persistTerminal(ctx, job, fromAttempt, "failed")
		s.mu.Lock()
		delete(s.firstEnqueue, job.ID)
		s.updateGaugesLocked()
		s.mu.Unlock()
		return
	}
	job.Attempt++
	job.State = types.JobQueued
	job.WorkerID = ""
	job.ErrorMessage = ""
	if err := s.store.CAS(ctx, job, types.JobRunning, fromAttempt); err != nil {
		s.log.Error("worker-lost requeue failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	s.met.JobRetries.Inc()
	s.mu.Lock()
	delay := retryDelay(s.rng, s.cfg.JobBackoffBase, s.cfg.JobBackoffCap, job.Attempt)
	s.mu.Unlock()
	s.log.Info("worker-lost retry scheduled",
		zap.String("job", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay))
	s.requeueAfter(job, delay)
}

// requeueAfter re-enqueues after the backoff delay elapses. The job may have
// been cancelled while waiting, so the durable state is rechecked before the
// push.
func (s *Scheduler) requeueAfter(job *types.Job, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cur, err := s.store.Get(ctx, job.ID)
		cancel()
		if err != nil || cur.State != types.JobQueued {
			return
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		first, ok := s.firstEnqueue[job.ID]
		if !ok {
			first = job.CreatedAt
		}
		s.queue.push(job, first)
		s.updateGaugesLocked()
		s.mu.Unlock()
		s.wakeup()
	})
}

// reapLostWorkers handles workers that missed too many heartbeats: their
// jobs retry from the last checkpoint, each loss consuming an attempt.
func (s *Scheduler) reapLostWorkers() {
	lost := s.pool.Reap()
	if len(lost) == 0 {
		return
	}
	for workerID, jobID := range lost {
		s.mu.Lock()
		exec, ok := s.running[jobID]
		if !ok || exec.finished {
			s.mu.Unlock()
			continue
		}
		exec.finished = true
		delete(s.running, jobID)
		s.mu.Unlock()

		exec.cancel()
		s.ledger.Release(jobID)
		s.log.Warn("worker lost, requeueing job",
			zap.String("worker", workerID), zap.String("job", jobID))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.requeueLost(ctx, exec.job, exec.job.Attempt)
		cancel()
		s.notify(exec.job)
	}
}

func (s *Scheduler) notify(job *types.Job) {
	if s.notifier == nil || job.WorkspaceID == "" {
		return
	}
	s.notifier.NotifyWorkspace(job.WorkspaceID, types.NewFrame(types.FrameJobProgress, job))
}

// updateGaugesLocked refreshes queue depth and running gauges. Caller holds
// s.mu.
func (s *Scheduler) updateGaugesLocked() {
	depths := s.queue.depthByPriority()
	for _, p := range []types.JobPriority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityCritical} {
		s.met.JobsQueued.WithLabelValues(p.String()).Set(float64(depths[p.String()]))
	}
	s.met.JobsRunning.Set(float64(len(s.running)))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
