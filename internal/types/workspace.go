package types

import (
	"encoding/json"
	"time"
)

// MemberRole scopes what a workspace member may do inside the room.
type MemberRole string

const (
	MemberOwner  MemberRole = "owner"
	MemberEditor MemberRole = "editor"
	MemberViewer MemberRole = "viewer"
)

// CanEdit reports whether the role may mutate workspace state.
func (r MemberRole) CanEdit() bool {
	return r == MemberOwner || r == MemberEditor
}

// ValidMemberRole reports whether s names a known member role.
func ValidMemberRole(s string) bool {
	switch MemberRole(s) {
	case MemberOwner, MemberEditor, MemberViewer:
		return true
	}
	return false
}

// Workspace is a durable collaborative workspace. Exactly one member holds
// the owner role at all times.
type Workspace struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerUserID   string    `json:"ownerUserId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	StateSnapshot []byte    `json:"-"`
	StateVersion  int64     `json:"stateVersion"`
}

// WorkspaceMember is one (workspace, user) membership row.
type WorkspaceMember struct {
	WorkspaceID string     `json:"workspaceId"`
	UserID      string     `json:"userId"`
	Role        MemberRole `json:"role"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LastSeen    time.Time  `json:"lastSeen"`
}

// LWWEntry is one CRDT field: a value stamped with its Lamport timestamp.
type LWWEntry struct {
	Value      json.RawMessage `json:"value"`
	Counter    int64           `json:"counter"`
	OriginUser string          `json:"origin"`
}

// Wins reports whether an incoming (counter, origin) pair should overwrite
// this entry. Higher counter wins; ties break to the lexicographically
// greater origin user id.
func (e LWWEntry) Wins(counter int64, origin string) bool {
	if counter != e.Counter {
		return counter > e.Counter
	}
	return origin >= e.OriginUser
}

// CRDTUpdate is one accepted write, as carried on the wire and in history.
type CRDTUpdate struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Counter    int64           `json:"counter"`
	OriginUser string          `json:"origin"`
}

// CRDTSnapshot is a persisted point-in-time copy of a workspace document.
type CRDTSnapshot struct {
	ID          string              `json:"id"`
	WorkspaceID string              `json:"workspaceId"`
	Fields      map[string]LWWEntry `json:"fields"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// PresenceStatus is derived from last activity by the presence tick.
type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "online"
	PresenceIdle   PresenceStatus = "idle"
	PresenceAway   PresenceStatus = "away"
)

// CursorPos is a client cursor location in document coordinates.
type CursorPos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceEntry is the ephemeral roster row for one member of a room.
type PresenceEntry struct {
	UserID       string          `json:"userId"`
	Status       PresenceStatus  `json:"status"`
	Color        string          `json:"color"`
	Cursor       *CursorPos      `json:"cursor,omitempty"`
	Selection    json.RawMessage `json:"selection,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`
}
