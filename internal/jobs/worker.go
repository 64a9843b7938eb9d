package jobs

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// worker is one execution slot. Heartbeats arrive from the execution's
// heartbeat goroutine; the reaper declares the worker lost when enough
// consecutive beats are missed.
type worker struct {
	id       string
	jobID    string // "" while idle
	lastBeat time.Time
	draining bool
	muted    bool // test hook: stop accepting beats to simulate loss
}

// Pool is the worker slot table. All fields are guarded by mu.
type Pool struct {
	mu       sync.Mutex
	workers  map[string]*worker
	nextID   int
	interval time.Duration
	misses   int
	log      *zap.Logger
	now      func() time.Time
}

// NewPool creates count workers. A worker is declared lost after misses
// consecutive heartbeat intervals without a beat.
func NewPool(count int, interval time.Duration, misses int, log *zap.Logger) *Pool {
	p := &Pool{
		workers:  map[string]*worker{},
		interval: interval,
		misses:   misses,
		log:      log,
		now:      time.Now,
	}
	for i := 0; i < count; i++ {
		p.addLocked()
	}
	return p
}

// SetClock overrides the clock for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *Pool) addLocked() string {
	p.nextID++
	id := fmt.Sprintf("worker-%d", p.nextID)
	p.workers[id] = &worker{id: id, lastBeat: p.now()}
	return id
}

// Acquire assigns an idle worker to the job.
func (p *Pool) Acquire(jobID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.jobID == "" && !w.draining {
			w.jobID = jobID
			w.lastBeat = p.now()
			w.muted = false
			return w.id, true
		}
	}
	return "", false
}

// Release returns the worker to the idle set. Draining workers leave the
// pool instead.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	if w.draining {
		delete(p.workers, workerID)
		return
	}
	w.jobID = ""
}

// Beat records a heartbeat. Beats from a muted worker are dropped.
func (p *Pool) Beat(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok && !w.muted {
		w.lastBeat = p.now()
	}
}

// Mute stops a worker's heartbeats from registering. Test hook for the
// worker-loss path.
func (p *Pool) Mute(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.muted = true
	}
}

// Reap removes busy workers whose last beat is older than misses intervals
// and replaces each with a fresh slot. Returns the orphaned job ids keyed by
// the lost worker.
func (p *Pool) Reap() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline := p.now().Add(-time.Duration(p.misses) * p.interval)
	var lost map[string]string
	for id, w := range p.workers {
		if w.jobID == "" || w.lastBeat.After(deadline) {
			continue
		}
		if lost == nil {
			lost = map[string]string{}
		}
		lost[id] = w.jobID
		delete(p.workers, id)
		if !w.draining {
			replacement := p.addLocked()
			p.log.Warn("worker lost, slot replaced",
				zap.String("worker", id),
				zap.String("replacement", replacement),
				zap.String("job", w.jobID))
		}
	}
	return lost
}

// Discard removes a worker whose execution goroutine was abandoned and
// replaces the slot so capacity is preserved.
func (p *Pool) Discard(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	delete(p.workers, workerID)
	if !w.draining {
		p.addLocked()
	}
}

// Scale grows or shrinks the pool to target slots. Shrinking marks busy
// workers as draining; they leave the pool when their job finishes.
func (p *Pool) Scale(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, w := range p.workers {
		if !w.draining {
			active++
		}
	}
	for active < target {
		p.addLocked()
		active++
	}
	for id, w := range p.workers {
		if active <= target {
			break
		}
		if w.draining {
			continue
		}
		if w.jobID == "" {
			delete(p.workers, id)
		} else {
			w.draining = true
		}
		active--
	}
}

// Counts returns (total, busy) worker slots.
func (p *Pool) Counts() (total, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		total++
		if w.jobID != "" {
			busy++
		}
	}
	return total, busy
}

// Interval exposes the heartbeat interval for the execution loop.
func (p *Pool) Interval() time.Duration { return p.interval }
