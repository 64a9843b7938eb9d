package hub

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"omics-backend/internal/crdt"
	"omics-backend/internal/presence"
	"omics-backend/internal/types"
)

// cursorFlushInterval bounds how often coalesced cursor positions fan out.
const cursorFlushInterval = 100 * time.Millisecond

// roomInboxSize is the command buffer shared by all of a room's producers.
const roomInboxSize = 512

type cmd interface{}

type cmdJoin struct {
	conn     *Conn
	since    int64
	hasSince bool
	reply    chan error
}

type cmdLeave struct{ conn *Conn }

type cmdFrame struct {
	conn  *Conn
	frame types.Frame
}

type cmdEvictUser struct{ userID string }

type cmdRoleChange struct {
	userID string
	role   types.MemberRole
}

type cmdBroadcast struct{ frame types.Frame }

type cmdShutdown struct {
	code  string
	reply chan struct{}
}

type cmdRoster struct {
	reply chan []types.PresenceEntry
}

type cmdRestore struct {
	snap       *types.CRDTSnapshot
	originUser string
	reply      chan int64
}

// Room is the serial actor for one workspace. It owns the CRDT doc, the
// presence tracker, and every connection in the room; all mutations flow
// through the inbox, so none of the owned state needs locks.
type Room struct {
	id      string
	hub     *Hub
	doc     *crdt.Doc
	tracker *presence.Tracker

	conns  map[*Conn]struct{}
	byUser map[string]map[*Conn]struct{}

	inbox chan cmd
	done  chan struct{}

	seq            int64
	pendingCursors map[string]types.CursorPos

	log *zap.Logger
}

func newRoom(h *Hub, workspaceID string, doc *crdt.Doc) *Room {
	return &Room{
		id:  workspaceID,
		hub: h,
		doc: doc,
		tracker: presence.NewTracker(presence.Thresholds{
			Idle:  h.cfg.PresenceIdleThreshold,
			Away:  h.cfg.PresenceAwayThreshold,
			Evict: h.cfg.PresenceEvictThreshold,
		}),
		conns:          map[*Conn]struct{}{},
		byUser:         map[string]map[*Conn]struct{}{},
		inbox:          make(chan cmd, roomInboxSize),
		done:           make(chan struct{}),
		pendingCursors: map[string]types.CursorPos{},
		log:            h.log.With(zap.String("workspace", workspaceID)),
	}
}

// submit delivers a command unless the room has already stopped.
func (r *Room) submit(c cmd) bool {
	select {
	case r.inbox <- c:
		return true
	case <-r.done:
		return false
	}
}

// join registers the connection and waits for the room to admit it.
func (r *Room) join(conn *Conn, since int64, hasSince bool) error {
	reply := make(chan error, 1)
	if !r.submit(cmdJoin{conn: conn, since: since, hasSince: hasSince, reply: reply}) {
		return errRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return errRoomClosed
	}
}

// run is the actor loop. A panic in one room is recovered and the loop
// restarted so a single bad frame cannot take down the hub.
func (r *Room) run() {
	for {
		if stopped := r.loop(); stopped {
			return
		}
	}
}

func (r *Room) loop() (stopped bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("room panic recovered", zap.Any("panic", p))
		}
	}()

	presenceTick := time.NewTicker(r.hub.cfg.PresenceTickInterval)
	persistTick := time.NewTicker(r.hub.cfg.CRDTPersistInterval)
	cursorTick := time.NewTicker(cursorFlushInterval)
	defer presenceTick.Stop()
	defer persistTick.Stop()
	defer cursorTick.Stop()

	for {
		select {
		case c := <-r.inbox:
			if stop := r.handle(c); stop {
				return true
			}
		case <-presenceTick.C:
			if stop := r.onPresenceTick(); stop {
				return true
			}
		case <-persistTick.C:
			r.persist()
		case <-cursorTick.C:
			r.flushCursors()
		}
	}
}

func (r *Room) handle(c cmd) (stop bool) {
	switch c := c.(type) {
	case cmdJoin:
		r.onJoin(c)
	case cmdLeave:
		return r.onLeave(c.conn)
	case cmdFrame:
		r.onFrame(c.conn, c.frame)
	case cmdEvictUser:
		return r.evictUser(c.userID, "membership_revoked")
	case cmdRoleChange:
		for conn := range r.byUser[c.userID] {
			conn.role = c.role
		}
	case cmdBroadcast:
		r.broadcast(c.frame)
	case cmdRoster:
		c.reply <- r.tracker.List()
	case cmdRestore:
		r.onRestore(c)
	case cmdShutdown:
		r.shutdown(c.code)
		close(c.reply)
		return true
	}
	return false
}

func (r *Room) onJoin(c cmdJoin) {
	conn := c.conn
	r.conns[conn] = struct{}{}
	if r.byUser[conn.userID] == nil {
		r.byUser[conn.userID] = map[*Conn]struct{}{}
	}
	firstSession := len(r.byUser[conn.userID]) == 0
	r.byUser[conn.userID][conn] = struct{}{}

	entry := r.tracker.Join(conn.userID)
	r.hub.met.WSConnections.Inc()

	r.deliver(conn, types.NewFrame(types.FrameAuthOK, map[string]any{
		"userId":  conn.userID,
		"color":   entry.Color,
		"role":    conn.role,
		"version": r.doc.Version(),
	}))
	r.deliver(conn, types.NewFrame(types.FramePresenceList, r.tracker.List()))
	r.syncTo(conn, c.since, c.hasSince)

	if firstSession {
		r.broadcastExcept(conn, types.NewFrame(types.FrameUserJoined, entry))
	}
	c.reply <- nil
}

// syncTo replays missed updates, or the full document when the gap exceeds
// what history retains (or the client asked for everything).
func (r *Room) syncTo(conn *Conn, since int64, hasSince bool) {
	if hasSince {
		updates, full := r.doc.Sync(since)
		if !full {
			for _, u := range updates {
				r.deliver(conn, types.NewFrame(types.FrameStateUpdated, u))
			}
			return
		}
	}
	r.deliver(conn, types.NewFrame(types.FrameFullSnapshot, map[string]any{
		"fields":  r.doc.Fields(),
		"version": r.doc.Version(),
	}))
}

func (r *Room) onLeave(conn *Conn) (stop bool) {
	if _, ok := r.conns[conn]; !ok {
		return false
	}
	delete(r.conns, conn)
	conn.close()
	r.hub.met.WSConnections.Dec()

	peers := r.byUser[conn.userID]
	delete(peers, conn)
	if len(peers) == 0 {
		delete(r.byUser, conn.userID)
		r.tracker.Leave(conn.userID)
		r.broadcast(types.NewFrame(types.FrameUserLeft, map[string]string{"userId": conn.userID}))
	}
	if len(r.conns) == 0 {
		r.retire()
		return true
	}
	return false
}

func (r *Room) onFrame(conn *Conn, frame types.Frame) {
	r.hub.met.WSFrames.WithLabelValues("in").Inc()
	switch frame.Type {
	case types.FrameCursorMove:
		var pos types.CursorPos
		if json.Unmarshal(frame.Payload, &pos) != nil {
			return
		}
		if r.tracker.UpdateCursor(conn.userID, pos) {
			r.pendingCursors[conn.userID] = pos
		}

	case types.FrameSelectionChange:
		if r.tracker.UpdateSelection(conn.userID, frame.Payload) {
			r.broadcastExcept(conn, types.NewFrame(types.FrameSelectionUpdated, map[string]any{
				"userId":    conn.userID,
				"selection": frame.Payload,
			}))
		}

	case types.FrameStateUpdate, types.FramePipelineUpdate:
		r.onWrite(conn, frame)

	case types.FrameSyncRequest:
		var req struct {
			SinceVersion int64 `json:"sinceVersion"`
		}
		if json.Unmarshal(frame.Payload, &req) != nil {
			return
		}
		r.syncTo(conn, req.SinceVersion, true)
		r.tracker.Touch(conn.userID)

	case types.FramePing:
		r.tracker.Touch(conn.userID)
		pong := types.NewFrame(types.FramePong, nil)
		pong.Seq = frame.Seq
		r.deliver(conn, pong)

	case types.FrameLeave:
		// Closing the socket ends the read pump, which files the leave.
		conn.close()

	default:
		conn.sendError("unknown_frame", "unrecognized frame type "+frame.Type)
	}
}

func (r *Room) onWrite(conn *Conn, frame types.Frame) {
	if !conn.role.CanEdit() {
		conn.sendError("read_only", "viewers cannot modify workspace state")
		return
	}
	var w struct {
		Key      string          `json:"key"`
		Value    json.RawMessage `json:"value"`
		ClientTS int64           `json:"clientTs"`
	}
	if json.Unmarshal(frame.Payload, &w) != nil || w.Key == "" {
		conn.sendError("bad_payload", "state update requires a key")
		return
	}
	update, accepted := r.doc.Apply(conn.userID, w.Key, w.Value, w.ClientTS)
	r.tracker.Touch(conn.userID)
	if !accepted {
		return
	}
	out := types.FrameStateUpdated
	if frame.Type == types.FramePipelineUpdate {
		out = types.FramePipelineUpdated
	}
	r.broadcast(types.NewFrame(out, update))
}

// onRestore replaces the document from a snapshot and replays the resulting
// writes to every open session, so clients converge without a resync.
func (r *Room) onRestore(c cmdRestore) {
	updates := r.doc.Restore(c.snap, c.originUser)
	for _, u := range updates {
		r.broadcast(types.NewFrame(types.FrameStateUpdated, u))
	}
	r.persist()
	c.reply <- r.doc.Version()
}

// onPresenceTick ages the roster and drops sessions whose access token has
// expired. Returns true when the evictions emptied the room and it retired.
func (r *Room) onPresenceTick() (stop bool) {
	now := time.Now()
	var expired []*Conn
	for conn := range r.conns {
		if !conn.expiresAt.IsZero() && now.After(conn.expiresAt) {
			expired = append(expired, conn)
		}
	}
	for _, conn := range expired {
		conn.sendError("token_expired", "access token expired, re-authenticate")
		if r.onLeave(conn) {
			return true
		}
	}
	changed, evicted := r.tracker.Tick()
	for _, userID := range evicted {
		if r.evictUser(userID, "presence_timeout") {
			return true
		}
	}
	if len(changed) > 0 {
		r.broadcast(types.NewFrame(types.FramePresenceList, r.tracker.List()))
	}
	return false
}

// evictUser closes every session the user holds. Returns true when the room
// emptied out and retired.
func (r *Room) evictUser(userID, code string) (stop bool) {
	for conn := range r.byUser[userID] {
		conn.sendError(code, "disconnected")
		if r.onLeave(conn) {
			return true
		}
	}
	return false
}

// flushCursors fans the coalesced positions out, skipping each sender's own
// sessions; a client already knows where its cursor is.
func (r *Room) flushCursors() {
	if len(r.pendingCursors) == 0 {
		return
	}
	for userID, pos := range r.pendingCursors {
		entry, ok := r.tracker.Get(userID)
		if !ok {
			continue
		}
		r.broadcastExceptUser(userID, types.NewFrame(types.FrameCursorUpdated, map[string]any{
			"userId": userID,
			"x":      pos.X,
			"y":      pos.Y,
			"color":  entry.Color,
		}))
	}
	r.pendingCursors = map[string]types.CursorPos{}
}

// persist writes the doc through when dirty. Runs on the actor goroutine, so
// a slow store briefly pauses the room rather than corrupting it.
func (r *Room) persist() {
	if !r.doc.Dirty() {
		return
	}
	raw, err := r.doc.MarshalFields()
	if err != nil {
		r.log.Error("state marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.hub.store.SaveState(ctx, r.id, raw, r.doc.Version()); err != nil {
		r.log.Warn("state persist failed", zap.Error(err))
		return
	}
	r.doc.MarkClean()
}

func (r *Room) shutdown(code string) {
	for conn := range r.conns {
		conn.sendError(code, "workspace session closed")
		conn.close()
		r.hub.met.WSConnections.Dec()
	}
	r.conns = map[*Conn]struct{}{}
	r.byUser = map[string]map[*Conn]struct{}{}
	r.retire()
}

// retire persists outstanding state and removes the room from the hub. Must
// be followed by returning from the actor loop.
func (r *Room) retire() {
	r.persist()
	r.hub.removeRoom(r)
	close(r.done)
}

// broadcast stamps the frame with the room sequence and fans it out.
func (r *Room) broadcast(frame types.Frame) {
	r.seq++
	frame.Seq = r.seq
	for conn := range r.conns {
		r.deliver(conn, frame)
	}
}

func (r *Room) broadcastExcept(skip *Conn, frame types.Frame) {
	r.seq++
	frame.Seq = r.seq
	for conn := range r.conns {
		if conn != skip {
			r.deliver(conn, frame)
		}
	}
}

// broadcastExceptUser skips every connection the user holds, not just one.
func (r *Room) broadcastExceptUser(userID string, frame types.Frame) {
	r.seq++
	frame.Seq = r.seq
	for conn := range r.conns {
		if conn.userID != userID {
			r.deliver(conn, frame)
		}
	}
}

// deliver enqueues without blocking the actor. Cursor frames are droppable
// (the next flush supersedes them); anything else overflowing the buffer
// marks the consumer too slow and the connection is closed.
func (r *Room) deliver(conn *Conn, frame types.Frame) {
	select {
	case conn.send <- frame:
		r.hub.met.WSFrames.WithLabelValues("out").Inc()
	default:
		if frame.Type == types.FrameCursorUpdated {
			r.hub.met.WSDropped.WithLabelValues("cursor_coalesced").Inc()
			return
		}
		r.hub.met.WSDropped.WithLabelValues("buffer_full").Inc()
		r.hub.met.WSSlowCloses.Inc()
		r.log.Warn("closing slow consumer", zap.String("user", conn.userID))
		conn.closeSlow()
	}
}
