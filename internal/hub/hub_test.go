package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"omics-backend/internal/auth"
	"omics-backend/internal/config"
	"omics-backend/internal/metrics"
	"omics-backend/internal/store/memory"
	"omics-backend/internal/types"
)

// staticVerifier maps bearer tokens straight to user IDs.
type staticVerifier map[string]string

func (v staticVerifier) VerifyAccess(ctx context.Context, token string) (*auth.Claims, error) {
	uid, ok := v[token]
	if !ok {
		return nil, types.E(types.ErrAuthInvalid, "unknown token")
	}
	return &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: uid}}, nil
}

type storeMembership struct{ st *memory.Store }

func (m storeMembership) Membership(ctx context.Context, workspaceID, userID string) (*types.WorkspaceMember, error) {
	return m.st.Workspaces().GetMember(ctx, workspaceID, userID)
}

func hubConfig() *config.AppConfig {
	return &config.AppConfig{
		RoomOutboundBuffer:     256,
		HubAuthTimeout:         2 * time.Second,
		CRDTHistoryCapacity:    100,
		CRDTPersistInterval:    time.Hour,
		PresenceTickInterval:   time.Hour,
		PresenceIdleThreshold:  time.Minute,
		PresenceAwayThreshold:  5 * time.Minute,
		PresenceEvictThreshold: 30 * time.Minute,
		CursorEventsPerSec:     100,
	}
}

type hubFixture struct {
	st  *memory.Store
	hub *Hub
	url string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New()
	h := New(hubConfig(), st, staticVerifier{
		"alice-token": "alice",
		"bob-token":   "bob",
	}, storeMembership{st}, metrics.New(), zap.NewNop())

	router := gin.New()
	router.GET("/ws", h.ServeWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})

	require.NoError(t, st.Workspaces().Create(context.Background(), &types.Workspace{
		ID: "ws1", Name: "ws", OwnerUserID: "alice", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.Workspaces().AddMember(context.Background(), &types.WorkspaceMember{
		WorkspaceID: "ws1", UserID: "bob", Role: types.MemberEditor,
	}))

	return &hubFixture{
		st:  st,
		hub: h,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, frameType string, payload any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(types.NewFrame(frameType, payload)))
}

func readFrame(t *testing.T, ws *websocket.Conn) types.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame types.Frame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

// waitFor reads frames until one of the wanted type arrives.
func waitFor(t *testing.T, ws *websocket.Conn, frameType string) types.Frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, ws)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("never received %s frame", frameType)
	return types.Frame{}
}

func authAs(t *testing.T, ws *websocket.Conn, token string) {
	t.Helper()
	sendFrame(t, ws, types.FrameAuth, map[string]any{
		"token":       token,
		"workspaceId": "ws1",
	})
}

func TestJoinHandshake(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t)
	authAs(t, ws, "alice-token")

	ok := waitFor(t, ws, types.FrameAuthOK)
	var hello struct {
		UserID  string `json:"userId"`
		Color   string `json:"color"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal(ok.Payload, &hello))
	assert.Equal(t, "alice", hello.UserID)
	assert.NotEmpty(t, hello.Color)
	assert.Zero(t, hello.Version)

	roster := waitFor(t, ws, types.FramePresenceList)
	var entries []types.PresenceEntry
	require.NoError(t, json.Unmarshal(roster.Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].UserID)

	// No sinceVersion on the auth frame means a full snapshot.
	waitFor(t, ws, types.FrameFullSnapshot)
}

func TestRejectsBadToken(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t)
	authAs(t, ws, "stolen-token")

	frame := waitFor(t, ws, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "auth_invalid", e.Code)
}

func TestRejectsNonMember(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.st.Workspaces().RemoveMember(context.Background(), "ws1", "bob"))
	ws := f.dial(t)
	authAs(t, ws, "bob-token")

	frame := waitFor(t, ws, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "not_a_member", e.Code)
}

func TestRejectsMissingAuthFrame(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t)
	sendFrame(t, ws, types.FramePing, nil)

	frame := waitFor(t, ws, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "auth_required", e.Code)
}

func TestStateUpdateBroadcasts(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t)
	authAs(t, alice, "alice-token")
	waitFor(t, alice, types.FrameFullSnapshot)

	bob := f.dial(t)
	authAs(t, bob, "bob-token")
	waitFor(t, bob, types.FrameFullSnapshot)

	sendFrame(t, alice, types.FrameStateUpdate, map[string]any{
		"key":   "pipeline.step",
		"value": json.RawMessage(`"normalize"`),
	})

	for _, ws := range []*websocket.Conn{alice, bob} {
		frame := waitFor(t, ws, types.FrameStateUpdated)
		var update types.CRDTUpdate
		require.NoError(t, json.Unmarshal(frame.Payload, &update))
		assert.Equal(t, "pipeline.step", update.Key)
		assert.Equal(t, "alice", update.OriginUser)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.st.Workspaces().SetMemberRole(context.Background(), "ws1", "bob", types.MemberViewer))

	bob := f.dial(t)
	authAs(t, bob, "bob-token")
	waitFor(t, bob, types.FrameFullSnapshot)

	sendFrame(t, bob, types.FrameStateUpdate, map[string]any{
		"key":   "pipeline.step",
		"value": json.RawMessage(`"align"`),
	})

	frame := waitFor(t, bob, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "read_only", e.Code)
}

func TestSyncRequestReplaysHistory(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t)
	authAs(t, alice, "alice-token")
	waitFor(t, alice, types.FrameFullSnapshot)

	for _, step := range []string{"qc", "align"} {
		sendFrame(t, alice, types.FrameStateUpdate, map[string]any{
			"key":   "pipeline.step",
			"value": json.RawMessage(`"` + step + `"`),
		})
		waitFor(t, alice, types.FrameStateUpdated)
	}

	sendFrame(t, alice, types.FrameSyncRequest, map[string]any{"sinceVersion": 0})
	replayed := 0
	for replayed < 2 {
		frame := waitFor(t, alice, types.FrameStateUpdated)
		var update types.CRDTUpdate
		require.NoError(t, json.Unmarshal(frame.Payload, &update))
		require.Equal(t, "pipeline.step", update.Key)
		replayed++
	}
}

func TestPingPongEchoesSeq(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t)
	authAs(t, ws, "alice-token")
	waitFor(t, ws, types.FrameFullSnapshot)

	ping := types.Frame{Type: types.FramePing, Seq: 42}
	require.NoError(t, ws.WriteJSON(ping))
	pong := waitFor(t, ws, types.FramePong)
	assert.Equal(t, int64(42), pong.Seq)
}

func TestMemberRemovedEvictsLiveSession(t *testing.T) {
	f := newHubFixture(t)

	bob := f.dial(t)
	authAs(t, bob, "bob-token")
	waitFor(t, bob, types.FrameFullSnapshot)

	f.hub.MemberRemoved("ws1", "bob")

	frame := waitFor(t, bob, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "membership_revoked", e.Code)
}

func TestRoleChangeAppliesToOpenSession(t *testing.T) {
	f := newHubFixture(t)

	bob := f.dial(t)
	authAs(t, bob, "bob-token")
	waitFor(t, bob, types.FrameFullSnapshot)

	// The demotion is queued on the room inbox before the next write, so it
	// is applied first.
	f.hub.MemberRoleChanged("ws1", "bob", types.MemberViewer)
	sendFrame(t, bob, types.FrameStateUpdate, map[string]any{
		"key":   "pipeline.step",
		"value": json.RawMessage(`"call"`),
	})

	frame := waitFor(t, bob, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "read_only", e.Code)
}

func TestCursorFanoutSkipsSender(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t)
	authAs(t, alice, "alice-token")
	waitFor(t, alice, types.FrameFullSnapshot)

	bob := f.dial(t)
	authAs(t, bob, "bob-token")
	waitFor(t, bob, types.FrameFullSnapshot)

	sendFrame(t, alice, types.FrameCursorMove, map[string]any{"x": 12.0, "y": 34.0})

	frame := waitFor(t, bob, types.FrameCursorUpdated)
	var cur struct {
		UserID string  `json:"userId"`
		X      float64 `json:"x"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &cur))
	assert.Equal(t, "alice", cur.UserID)
	assert.Equal(t, 12.0, cur.X)

	// The sender already knows its own cursor and must not get the echo.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var got types.Frame
		if err := alice.ReadJSON(&got); err != nil {
			break
		}
		require.NotEqual(t, types.FrameCursorUpdated, got.Type)
	}
}

// expiringVerifier stamps every token with the given lifetime.
type expiringVerifier struct{ ttl time.Duration }

func (v expiringVerifier) VerifyAccess(ctx context.Context, token string) (*auth.Claims, error) {
	return &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(v.ttl)),
	}}, nil
}

func TestTokenExpiryEvictsLiveSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := memory.New()
	cfg := hubConfig()
	cfg.PresenceTickInterval = 20 * time.Millisecond
	h := New(cfg, st, expiringVerifier{ttl: 150 * time.Millisecond}, storeMembership{st}, metrics.New(), zap.NewNop())

	router := gin.New()
	router.GET("/ws", h.ServeWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	require.NoError(t, st.Workspaces().Create(context.Background(), &types.Workspace{
		ID: "ws1", Name: "ws", OwnerUserID: "alice", CreatedAt: time.Now(),
	}))

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	authAs(t, ws, "short-lived-token")
	waitFor(t, ws, types.FrameFullSnapshot)

	frame := waitFor(t, ws, types.FrameError)
	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &e))
	assert.Equal(t, "token_expired", e.Code)
}

func TestSlowConsumerCloseCarriesPolicyViolation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upgrader := websocket.Upgrader{}
	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		conn := newConn(ws, "alice", types.MemberEditor, 1, 100, zap.NewNop())
		conn.closeSlow()
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "slow_consumer", closeErr.Text)
}

func TestStatePersistsAcrossRoomRetirement(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t)
	authAs(t, alice, "alice-token")
	waitFor(t, alice, types.FrameFullSnapshot)
	sendFrame(t, alice, types.FrameStateUpdate, map[string]any{
		"key":   "pipeline.step",
		"value": json.RawMessage(`"quantify"`),
	})
	waitFor(t, alice, types.FrameStateUpdated)

	// Last connection leaving retires the room and persists the doc.
	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		_, version, err := f.st.Workspaces().LoadState(context.Background(), "ws1")
		return err == nil && version == 1
	}, 3*time.Second, 20*time.Millisecond)

	// A rejoin rebuilds the room from the store.
	again := f.dial(t)
	authAs(t, again, "alice-token")
	snap := waitFor(t, again, types.FrameFullSnapshot)
	var full struct {
		Fields  map[string]types.LWWEntry `json:"fields"`
		Version int64                     `json:"version"`
	}
	require.NoError(t, json.Unmarshal(snap.Payload, &full))
	assert.Equal(t, int64(1), full.Version)
	assert.Contains(t, full.Fields, "pipeline.step")
}
