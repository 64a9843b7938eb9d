// Package crdt implements the per-workspace JSON-object CRDT: a flat map of
// keys to values with per-key last-write-wins merge on Lamport timestamps.
//
// Doc is not safe for concurrent use. Each room actor owns its Doc and
// serializes every mutation, which is what makes the LWW merge trivially
// correct.
package crdt

import (
	"encoding/json"
	"time"

	"omics-backend/internal/types"
)

// Doc is one workspace's collaborative state.
type Doc struct {
	workspaceID string
	fields      map[string]types.LWWEntry
	counter     int64
	history     *ring
	dirty       bool
}

// NewDoc returns an empty document at version 0.
func NewDoc(workspaceID string, historyCapacity int) *Doc {
	return &Doc{
		workspaceID: workspaceID,
		fields:      map[string]types.LWWEntry{},
		history:     newRing(historyCapacity),
	}
}

// WorkspaceID returns the owning workspace.
func (d *Doc) WorkspaceID() string { return d.workspaceID }

// Version is the highest Lamport counter accepted so far.
func (d *Doc) Version() int64 { return d.counter }

// Dirty reports whether the doc changed since the last MarkClean.
func (d *Doc) Dirty() bool { return d.dirty }

// MarkClean is called after a successful persist.
func (d *Doc) MarkClean() { d.dirty = false }

// Apply merges one incoming write. The local counter advances to
// max(local, clientTS)+1. The write is accepted when its (counter, origin)
// is >= the key's current stamp; losing writes are dropped silently, which
// is what makes concurrent merges converge.
func (d *Doc) Apply(originUser, key string, value json.RawMessage, clientTS int64) (types.CRDTUpdate, bool) {
	if clientTS > d.counter {
		d.counter = clientTS
	}
	d.counter++

	update := types.CRDTUpdate{
		Key:        key,
		Value:      value,
		Counter:    d.counter,
		OriginUser: originUser,
	}
	current, exists := d.fields[key]
	if exists && !current.Wins(update.Counter, update.OriginUser) {
		return types.CRDTUpdate{}, false
	}
	d.fields[key] = types.LWWEntry{Value: value, Counter: update.Counter, OriginUser: originUser}
	d.history.push(update)
	d.dirty = true
	return update, true
}

// Merge applies an update that already carries a Lamport stamp (e.g. from a
// replica or the history of another node). Idempotent and commutative.
func (d *Doc) Merge(update types.CRDTUpdate) bool {
	if update.Counter > d.counter {
		d.counter = update.Counter
	}
	current, exists := d.fields[update.Key]
	if exists && !current.Wins(update.Counter, update.OriginUser) {
		return false
	}
	if exists && current.Counter == update.Counter && current.OriginUser == update.OriginUser {
		return false // duplicate delivery
	}
	d.fields[update.Key] = types.LWWEntry{
		Value:      update.Value,
		Counter:    update.Counter,
		OriginUser: update.OriginUser,
	}
	d.history.push(update)
	d.dirty = true
	return true
}

// Sync returns the accepted updates with counter > sinceVersion. When the
// gap exceeds what history retains, it returns (nil, true) and the caller
// must send a full snapshot instead.
func (d *Doc) Sync(sinceVersion int64) ([]types.CRDTUpdate, bool) {
	if sinceVersion >= d.counter {
		return nil, false
	}
	oldest, ok := d.history.oldest()
	if !ok || sinceVersion < oldest.Counter-1 {
		// The client is further behind than the ring remembers.
		return nil, true
	}
	var out []types.CRDTUpdate
	d.history.each(func(u types.CRDTUpdate) {
		if u.Counter > sinceVersion {
			out = append(out, u)
		}
	})
	return out, false
}

// Fields returns a copy of the field map for snapshots and fan-out.
func (d *Doc) Fields() map[string]types.LWWEntry {
	out := make(map[string]types.LWWEntry, len(d.fields))
	for k, v := range d.fields {
		out[k] = v
	}
	return out
}

// MarshalFields serializes the field map for persistence.
func (d *Doc) MarshalFields() (json.RawMessage, error) {
	return json.Marshal(d.fields)
}

// Load replaces the document contents from persisted state.
func (d *Doc) Load(raw json.RawMessage, version int64) error {
	fields := map[string]types.LWWEntry{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return err
		}
	}
	d.fields = fields
	d.counter = version
	d.dirty = false
	return nil
}

// Snapshot captures the current state for explicit save.
func (d *Doc) Snapshot(id string, at time.Time) *types.CRDTSnapshot {
	return &types.CRDTSnapshot{
		ID:          id,
		WorkspaceID: d.workspaceID,
		Fields:      d.Fields(),
		Version:     d.counter,
		CreatedAt:   at,
	}
}

// Restore replaces the field map from a snapshot, stamping every key past
// the highest counter seen so the restore wins over any in-flight write.
// It returns the updates to broadcast.
func (d *Doc) Restore(snap *types.CRDTSnapshot, originUser string) []types.CRDTUpdate {
	if snap.Version > d.counter {
		d.counter = snap.Version
	}
	updates := make([]types.CRDTUpdate, 0, len(snap.Fields))
	// Drop keys not present in the snapshot.
	d.fields = map[string]types.LWWEntry{}
	for key, entry := range snap.Fields {
		d.counter++
		update := types.CRDTUpdate{
			Key:        key,
			Value:      entry.Value,
			Counter:    d.counter,
			OriginUser: originUser,
		}
		d.fields[key] = types.LWWEntry{Value: entry.Value, Counter: d.counter, OriginUser: originUser}
		d.history.push(update)
		updates = append(updates, update)
	}
	d.dirty = true
	return updates
}

// ring is a fixed-capacity buffer of the most recent accepted updates.
type ring struct {
	buf   []types.CRDTUpdate
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]types.CRDTUpdate, capacity)}
}

func (r *ring) push(u types.CRDTUpdate) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = u
		r.count++
		return
	}
	r.buf[r.start] = u
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) oldest() (types.CRDTUpdate, bool) {
	if r.count == 0 {
		return types.CRDTUpdate{}, false
	}
	return r.buf[r.start], true
}

func (r *ring) each(fn func(types.CRDTUpdate)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}
