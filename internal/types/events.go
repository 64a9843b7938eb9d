package types

import "encoding/json"

// Frame is the wire format for the session hub: one JSON object per message.
type Frame struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types (client -> server).
const (
	FrameAuth            = "auth"
	FrameJoin            = "join"
	FrameLeave           = "leave"
	FrameCursorMove      = "cursor_move"
	FrameSelectionChange = "selection_change"
	FramePipelineUpdate  = "pipeline_update"
	FrameStateUpdate     = "state_update"
	FrameSyncRequest     = "sync_request"
	FramePing            = "ping"
)

// Outbound frame types (server -> client).
const (
	FrameAuthOK           = "auth_ok"
	FrameError            = "error"
	FrameUserJoined       = "user_joined"
	FrameUserLeft         = "user_left"
	FramePresenceList     = "presence_list"
	FrameCursorUpdated    = "cursor_updated"
	FrameSelectionUpdated = "selection_updated"
	FramePipelineUpdated  = "pipeline_updated"
	FrameStateUpdated     = "state_updated"
	FrameFullSnapshot     = "full_snapshot"
	FramePong             = "pong"
	FrameJobProgress      = "job_progress"
)

// NewFrame marshals payload into a Frame; marshal failures collapse to an
// empty payload because all payload types here are JSON-safe.
func NewFrame(frameType string, payload any) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Frame{Type: frameType, Payload: raw}
}
