// Package hub runs the realtime collaboration layer: one serial actor per
// workspace room, bounded per-connection outbound buffers, and lazy room
// reconstruction from persisted state.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"omics-backend/internal/auth"
	"omics-backend/internal/config"
	"omics-backend/internal/crdt"
	"omics-backend/internal/metrics"
	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

var errRoomClosed = errors.New("room closed")

// TokenVerifier checks access tokens presented on the auth frame.
type TokenVerifier interface {
	VerifyAccess(ctx context.Context, token string) (*auth.Claims, error)
}

// MembershipChecker resolves whether a user may enter a workspace room.
type MembershipChecker interface {
	Membership(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error)
}

// Hub owns the room table. Rooms are created on first join by loading the
// persisted document, and removed when their last connection leaves.
type Hub struct {
	cfg      *config.AppConfig
	store    store.WorkspaceStore
	verifier TokenVerifier
	members  MembershipChecker
	met      *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*Room
}

// New wires the hub.
func New(cfg *config.AppConfig, s store.Store, verifier TokenVerifier, members MembershipChecker, met *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		store:    s.Workspaces(),
		verifier: verifier,
		members:  members,
		met:      met,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: map[string]*Room{},
	}
}

// authPayload is the required first frame on every connection.
type authPayload struct {
	Token        string `json:"token"`
	WorkspaceID  string `json:"workspaceId"`
	SinceVersion *int64 `json:"sinceVersion"`
}

// ServeWS upgrades the request and runs the connection. The client must send
// an auth frame within the auth timeout or the socket is dropped.
func (h *Hub) ServeWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	payload, err := h.readAuthFrame(ws)
	if err != nil {
		h.rejectAndClose(ws, "auth_required", err.Error())
		return
	}

	ctx := c.Request.Context()
	claims, err := h.verifier.VerifyAccess(ctx, payload.Token)
	if err != nil {
		h.rejectAndClose(ws, "auth_invalid", "invalid or expired token")
		return
	}
	member, err := h.members.Membership(ctx, payload.WorkspaceID, claims.Subject)
	if err != nil {
		h.rejectAndClose(ws, "not_a_member", "no access to this workspace")
		return
	}

	conn := newConn(ws, claims.Subject, member.Role, h.cfg.RoomOutboundBuffer, h.cfg.CursorEventsPerSec, h.log)
	if claims.ExpiresAt != nil {
		conn.expiresAt = claims.ExpiresAt.Time
	}
	go conn.writePump()

	since := int64(0)
	hasSince := payload.SinceVersion != nil
	if hasSince {
		since = *payload.SinceVersion
	}
	room, err := h.joinRoom(ctx, payload.WorkspaceID, conn, since, hasSince)
	if err != nil {
		conn.sendError("join_failed", "could not join workspace room")
		conn.close()
		return
	}
	conn.readPump(room)
}

func (h *Hub) readAuthFrame(ws *websocket.Conn) (*authPayload, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HubAuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errors.New("no auth frame before deadline")
	}
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != types.FrameAuth {
		return nil, errors.New("first frame must be auth")
	}
	var payload authPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Token == "" || payload.WorkspaceID == "" {
		return nil, errors.New("auth frame requires token and workspaceId")
	}
	return &payload, nil
}

func (h *Hub) rejectAndClose(ws *websocket.Conn, code, message string) {
	frame := types.NewFrame(types.FrameError, map[string]string{"code": code, "message": message})
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(frame)
	_ = ws.Close()
}

// joinRoom admits the connection, retrying once if it raced a retiring room.
func (h *Hub) joinRoom(ctx context.Context, workspaceID string, conn *Conn, since int64, hasSince bool) (*Room, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room, err := h.room(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		if err := room.join(conn, since, hasSince); err == nil {
			return room, nil
		} else if !errors.Is(err, errRoomClosed) {
			return nil, err
		}
	}
	return nil, errRoomClosed
}

// room returns the live room, reconstructing it from the store on first use.
func (h *Hub) room(ctx context.Context, workspaceID string) (*Room, error) {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room != nil {
		return room, nil
	}

	doc := crdt.NewDoc(workspaceID, h.cfg.CRDTHistoryCapacity)
	raw, version, err := h.store.LoadState(ctx, workspaceID)
	switch {
	case err == nil:
		if err := doc.Load(raw, version); err != nil {
			return nil, err
		}
	case types.IsKind(err, types.ErrNotFound):
		// Fresh workspace, empty document.
	default:
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing := h.rooms[workspaceID]; existing != nil {
		return existing, nil
	}
	room = newRoom(h, workspaceID, doc)
	h.rooms[workspaceID] = room
	h.met.WSRooms.Inc()
	go room.run()
	return room, nil
}

// removeRoom is called by the retiring room itself.
func (h *Hub) removeRoom(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		h.met.WSRooms.Dec()
	}
}

// NotifyWorkspace fans a frame out to a live room. A workspace with no open
// sessions has no room, and the frame is dropped; clients catch up over REST.
func (h *Hub) NotifyWorkspace(workspaceID string, frame types.Frame) {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	select {
	case room.inbox <- cmdBroadcast{frame: frame}:
	case <-room.done:
	default:
		h.met.WSDropped.WithLabelValues("room_inbox_full").Inc()
	}
}

// WorkspaceDeleting evicts every session and persists the final state before
// the durable teardown. Implements workspace.Notifier.
func (h *Hub) WorkspaceDeleting(ctx context.Context, workspaceID string) error {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room == nil {
		return nil
	}
	reply := make(chan struct{})
	if !room.submit(cmdShutdown{code: "workspace_deleted", reply: reply}) {
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemberInvited announces a new member to open sessions. Implements
// workspace.Notifier.
func (h *Hub) MemberInvited(workspaceID string, member *types.WorkspaceMember) {
	h.NotifyWorkspace(workspaceID, types.NewFrame(types.FrameUserJoined, member))
}

// MemberRemoved force-disconnects the user's sessions. Implements
// workspace.Notifier.
func (h *Hub) MemberRemoved(workspaceID, userID string) {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room != nil {
		_ = room.submit(cmdEvictUser{userID: userID})
	}
}

// MemberRoleChanged updates edit rights on open sessions. Implements
// workspace.Notifier.
func (h *Hub) MemberRoleChanged(workspaceID, userID string, role types.MemberRole) {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room != nil {
		_ = room.submit(cmdRoleChange{userID: userID, role: role})
	}
}

// RestoreState replaces a workspace document with a snapshot. A live room
// applies it on the actor and replays the writes to open sessions; a cold
// workspace is restored directly against the store.
func (h *Hub) RestoreState(ctx context.Context, workspaceID string, snap *types.CRDTSnapshot, originUser string) (int64, error) {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room != nil {
		reply := make(chan int64, 1)
		if room.submit(cmdRestore{snap: snap, originUser: originUser, reply: reply}) {
			select {
			case version := <-reply:
				return version, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-room.done:
				// Room retired before applying; restore against the store.
			}
		}
	}

	doc := crdt.NewDoc(workspaceID, h.cfg.CRDTHistoryCapacity)
	raw, version, err := h.store.LoadState(ctx, workspaceID)
	switch {
	case err == nil:
		if err := doc.Load(raw, version); err != nil {
			return 0, err
		}
	case types.IsKind(err, types.ErrNotFound):
	default:
		return 0, err
	}
	doc.Restore(snap, originUser)
	out, err := doc.MarshalFields()
	if err != nil {
		return 0, err
	}
	if err := h.store.SaveState(ctx, workspaceID, out, doc.Version()); err != nil {
		return 0, err
	}
	return doc.Version(), nil
}

// Presence returns the live roster for a workspace over REST. Empty when the
// room is cold.
func (h *Hub) Presence(workspaceID string) []types.PresenceEntry {
	h.mu.RLock()
	room := h.rooms[workspaceID]
	h.mu.RUnlock()
	if room == nil {
		return nil
	}
	// The tracker is actor-owned, so the read goes through the inbox too.
	reply := make(chan []types.PresenceEntry, 1)
	if !room.submit(cmdRoster{reply: reply}) {
		return nil
	}
	select {
	case roster := <-reply:
		return roster
	case <-room.done:
		return nil
	}
}

// Close drains every room, persisting outstanding state.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		reply := make(chan struct{})
		if !r.submit(cmdShutdown{code: "server_shutdown", reply: reply}) {
			continue
		}
		select {
		case <-reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
