// Package presence tracks the live roster of a workspace room: status,
// cursor, selection, and color assignment.
//
// A Tracker is owned by its room actor and is not safe for concurrent use.
// Presence is ephemeral and never persisted.
package presence

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"time"

	"omics-backend/internal/types"
)

// Palette is the fixed 20-entry color set. Colors are allocated
// unique-within-workspace until exhausted, then hashed from the user id
// (duplicates allowed beyond 20).
var Palette = [20]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
}

// Thresholds are the presence lifecycle timings.
type Thresholds struct {
	Idle  time.Duration // online -> idle
	Away  time.Duration // idle -> away
	Evict time.Duration // away -> gone
}

// Tracker is one room's roster.
type Tracker struct {
	thresholds Thresholds
	entries    map[string]*types.PresenceEntry
	colorInUse map[string]bool
	now        func() time.Time
}

// NewTracker returns an empty roster.
func NewTracker(thresholds Thresholds) *Tracker {
	return &Tracker{
		thresholds: thresholds,
		entries:    map[string]*types.PresenceEntry{},
		colorInUse: map[string]bool{},
		now:        time.Now,
	}
}

// SetClock overrides the clock for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Join adds (or refreshes) a member and returns their roster entry.
func (t *Tracker) Join(userID string) types.PresenceEntry {
	if existing, ok := t.entries[userID]; ok {
		existing.Status = types.PresenceOnline
		existing.LastActivity = t.now()
		return *existing
	}
	entry := &types.PresenceEntry{
		UserID:       userID,
		Status:       types.PresenceOnline,
		Color:        t.assignColor(userID),
		LastActivity: t.now(),
	}
	t.entries[userID] = entry
	return *entry
}

func (t *Tracker) assignColor(userID string) string {
	for _, color := range Palette {
		if !t.colorInUse[color] {
			t.colorInUse[color] = true
			return color
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return Palette[int(h.Sum32())%len(Palette)]
}

// Leave removes a member and releases their color.
func (t *Tracker) Leave(userID string) bool {
	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	delete(t.entries, userID)
	t.releaseColor(entry.Color)
	return true
}

func (t *Tracker) releaseColor(color string) {
	// Only release if no remaining member shares it (hash fallback can
	// duplicate colors past palette exhaustion).
	for _, e := range t.entries {
		if e.Color == color {
			return
		}
	}
	delete(t.colorInUse, color)
}

// UpdateCursor records a cursor move and bumps activity.
func (t *Tracker) UpdateCursor(userID string, pos types.CursorPos) bool {
	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	entry.Cursor = &pos
	t.touch(entry)
	return true
}

// UpdateSelection records a selection change and bumps activity.
func (t *Tracker) UpdateSelection(userID string, selection json.RawMessage) bool {
	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	entry.Selection = selection
	t.touch(entry)
	return true
}

// Touch bumps activity without a cursor change (e.g. state updates, pings).
func (t *Tracker) Touch(userID string) {
	if entry, ok := t.entries[userID]; ok {
		t.touch(entry)
	}
}

func (t *Tracker) touch(entry *types.PresenceEntry) {
	entry.LastActivity = t.now()
	entry.Status = types.PresenceOnline
}

// Tick recomputes statuses and evicts members idle past the eviction
// threshold. It returns entries whose status changed and the user ids
// evicted.
func (t *Tracker) Tick() (changed []types.PresenceEntry, evicted []string) {
	now := t.now()
	for userID, entry := range t.entries {
		age := now.Sub(entry.LastActivity)
		if age >= t.thresholds.Evict {
			delete(t.entries, userID)
			t.releaseColor(entry.Color)
			evicted = append(evicted, userID)
			continue
		}
		status := types.PresenceOnline
		switch {
		case age >= t.thresholds.Away:
			status = types.PresenceAway
		case age >= t.thresholds.Idle:
			status = types.PresenceIdle
		}
		if status != entry.Status {
			entry.Status = status
			changed = append(changed, *entry)
		}
	}
	sort.Strings(evicted)
	return changed, evicted
}

// List returns the roster sorted by user id.
func (t *Tracker) List() []types.PresenceEntry {
	out := make([]types.PresenceEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Get returns one member's entry.
func (t *Tracker) Get(userID string) (types.PresenceEntry, bool) {
	entry, ok := t.entries[userID]
	if !ok {
		return types.PresenceEntry{}, false
	}
	return *entry, true
}

// Size returns the roster size.
func (t *Tracker) Size() int { return len(t.entries) }
