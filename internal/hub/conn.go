package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"omics-backend/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Conn is one websocket session bound to a single room. The outbound buffer
// is bounded; a consumer that cannot keep up is disconnected rather than
// allowed to stall the room.
type Conn struct {
	ws     *websocket.Conn
	userID string

	// expiresAt is the access-token expiry; the presence tick evicts the
	// session once it passes. Zero means no expiry claim was presented.
	expiresAt time.Time

	// role is owned by the room goroutine after join.
	role types.MemberRole

	send      chan types.Frame
	closing   chan struct{}
	closeOnce sync.Once

	cursorLim *rate.Limiter
	log       *zap.Logger
}

func newConn(ws *websocket.Conn, userID string, role types.MemberRole, buffer, cursorPerSec int, log *zap.Logger) *Conn {
	return &Conn{
		ws:        ws,
		userID:    userID,
		role:      role,
		send:      make(chan types.Frame, buffer),
		closing:   make(chan struct{}),
		cursorLim: rate.NewLimiter(rate.Limit(cursorPerSec), cursorPerSec),
		log:       log,
	}
}

// close shuts the connection down exactly once. Safe from any goroutine.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.ws.Close()
	})
}

// closeSlow sends the policy-violation close code first, so the client can
// tell a slow-consumer disconnect from a network failure.
func (c *Conn) closeSlow() {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow_consumer")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.close()
}

// writePump drains the outbound buffer onto the socket and keeps the
// connection alive with pings. Runs in its own goroutine per connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closing:
			return
		}
	}
}

// readPump parses inbound frames and hands them to the room actor. Cursor
// frames beyond the per-connection rate are dropped at the edge so a noisy
// client cannot flood the room inbox.
func (c *Conn) readPump(r *Room) {
	defer func() {
		r.submit(cmdLeave{conn: c})
		c.close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("unparseable frame", zap.String("user", c.userID), zap.Error(err))
			continue
		}
		if frame.Type == types.FrameCursorMove && !c.cursorLim.Allow() {
			continue
		}
		if !r.submit(cmdFrame{conn: c, frame: frame}) {
			return
		}
	}
}

// sendError queues an error frame for the client, best effort.
func (c *Conn) sendError(code, message string) {
	frame := types.NewFrame(types.FrameError, map[string]string{
		"code":    code,
		"message": message,
	})
	select {
	case c.send <- frame:
	default:
	}
}
