// Package audit writes the append-only security audit trail.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

// Recorder appends audit records. Security-relevant actions use Record,
// which writes synchronously with the action it describes. Everything else
// goes through RecordAsync: best-effort, drained by a single goroutine so
// writes stay ordered per actor.
type Recorder struct {
	store store.AuditStore
	log   *zap.Logger
	queue chan *types.AuditRecord
	done  chan struct{}
}

// NewRecorder starts the async drain goroutine.
func NewRecorder(s store.AuditStore, log *zap.Logger) *Recorder {
	r := &Recorder{
		store: s,
		log:   log,
		queue: make(chan *types.AuditRecord, 1024),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Warn("async audit write failed",
				zap.String("action", rec.Action), zap.Error(err))
		}
		cancel()
	}
}

// Close flushes the async queue.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
}

// Record writes synchronously; the caller treats a failure as its own.
func (r *Recorder) Record(ctx context.Context, rec *types.AuditRecord) error {
	fill(rec)
	return r.store.Append(ctx, rec)
}

// RecordAsync enqueues a best-effort write. The record is dropped (and the
// drop logged) if the queue is full.
func (r *Recorder) RecordAsync(rec *types.AuditRecord) {
	fill(rec)
	select {
	case r.queue <- rec:
	default:
		r.log.Warn("audit queue full, dropping record", zap.String("action", rec.Action))
	}
}

// Query reads the trail with filters and composite-cursor pagination.
func (r *Recorder) Query(ctx context.Context, f types.AuditFilter, cursor *types.AuditCursor, limit int) ([]types.AuditRecord, *types.AuditCursor, error) {
	return r.store.Query(ctx, f, cursor, limit)
}

// AnonymizeUser scrubs identity columns for GDPR erasure; rows stay in place.
func (r *Recorder) AnonymizeUser(ctx context.Context, userID string) error {
	return r.store.AnonymizeUser(ctx, userID)
}

func fill(rec *types.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Result == "" {
		rec.Result = types.AuditSuccess
	}
}

// Event is a fluent builder for audit records.
type Event types.AuditRecord

// NewEvent starts a record for the named action.
func NewEvent(action string) *Event {
	return &Event{Action: action, Result: types.AuditSuccess}
}

func (e *Event) Actor(userID, email string) *Event {
	e.UserID, e.Email = userID, email
	return e
}

func (e *Event) Resource(resourceType, resourceID string) *Event {
	e.ResourceType, e.ResourceID = resourceType, resourceID
	return e
}

func (e *Event) Client(ip, userAgent string) *Event {
	e.IP, e.UserAgent = ip, userAgent
	return e
}

func (e *Event) Outcome(result types.AuditResult) *Event {
	e.Result = result
	return e
}

func (e *Event) Detail(details map[string]any) *Event {
	if raw, err := json.Marshal(details); err == nil {
		e.Details = raw
	}
	return e
}

// Record converts the builder to a types.AuditRecord.
func (e *Event) Record() *types.AuditRecord {
	rec := types.AuditRecord(*e)
	return &rec
}
