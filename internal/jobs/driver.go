package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"omics-backend/internal/types"
)

// ProgressFn reports completion fraction and an opaque resume checkpoint.
// Drivers call it as often as they like; the runner throttles persistence.
type ProgressFn func(progress float64, checkpoint []byte)

// Driver executes one job type. Run blocks until the job finishes, fails, or
// ctx is cancelled; on retry the previous checkpoint arrives in
// job.Checkpoint.
type Driver interface {
	Type() string
	Run(ctx context.Context, job *types.Job, report ProgressFn) (resultRef string, err error)
}

// Failure classifies a driver error for the retry policy. Drivers return a
// plain error for the default (transient) classification.
type Failure struct {
	Kind types.FailureKind
	Err  error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Kind, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// Permanent marks an error as not retryable.
func Permanent(err error) error { return &Failure{Kind: types.FailurePermanent, Err: err} }

// Transient marks an error as retryable.
func Transient(err error) error { return &Failure{Kind: types.FailureTransient, Err: err} }

// classify extracts the failure kind; unclassified errors count as transient.
func classify(err error) types.FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return types.FailureTransient
}

// Registry maps job types to drivers, each behind its own circuit breaker so
// a flapping analysis backend sheds load instead of burning retries.
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]Driver
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

// NewRegistry returns an empty driver registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		drivers:  map[string]Driver{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
		log:      log,
	}
}

// Register installs a driver for its job type, replacing any previous one.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobType := d.Type()
	r.drivers[jobType] = d
	r.breakers[jobType] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "driver:" + jobType,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("driver breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		out = append(out, t)
	}
	return out
}

// Known reports whether a driver exists for the job type.
func (r *Registry) Known(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.drivers[jobType]
	return ok
}

// Run executes the job through its driver's breaker. An open breaker counts
// as a transient failure so the job re-queues with backoff instead of dying.
func (r *Registry) Run(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
	r.mu.RLock()
	driver := r.drivers[job.Type]
	breaker := r.breakers[job.Type]
	r.mu.RUnlock()
	if driver == nil {
		return "", Permanent(fmt.Errorf("no driver registered for job type %q", job.Type))
	}

	result, err := breaker.Execute(func() (any, error) {
		ref, err := driver.Run(ctx, job, report)
		// Cancellation is not a driver fault; keep it out of the breaker
		// counts by passing it through as success and re-raising below.
		if err != nil && ctx.Err() != nil {
			return ctxSentinel{}, nil
		}
		return ref, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", Transient(err)
		}
		return "", err
	}
	if _, cancelled := result.(ctxSentinel); cancelled {
		return "", ctx.Err()
	}
	return result.(string), nil
}

type ctxSentinel struct{}
