package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"omics-backend/internal/audit"
	"omics-backend/internal/auth"
	"omics-backend/internal/cache"
	"omics-backend/internal/config"
	"omics-backend/internal/handlers"
	"omics-backend/internal/hub"
	"omics-backend/internal/jobs"
	"omics-backend/internal/metrics"
	"omics-backend/internal/rbac"
	"omics-backend/internal/store/memory"
	"omics-backend/internal/types"
	"omics-backend/internal/workspace"
)

type apiFixture struct {
	engine *gin.Engine
	rbac   *rbac.Service
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *types.APIError `json:"error"`
}

func apiConfig() *config.AppConfig {
	return &config.AppConfig{
		RoomOutboundBuffer:  16,
		HubAuthTimeout:      time.Second,
		CRDTHistoryCapacity: 32,
		CRDTPersistInterval: time.Hour,

		PresenceTickInterval:   time.Hour,
		PresenceIdleThreshold:  time.Minute,
		PresenceAwayThreshold:  5 * time.Minute,
		PresenceEvictThreshold: 30 * time.Minute,

		JobMaxRetries:     1,
		JobBackoffBase:    time.Millisecond,
		JobBackoffCap:     10 * time.Millisecond,
		CancelGracePeriod: 50 * time.Millisecond,

		WorkerCoresTotal:    4,
		WorkerMemoryTotal:   8 << 30,
		WorkerCount:         1,
		HeartbeatInterval:   10 * time.Millisecond,
		StarvationThreshold: time.Hour,

		MaxJobCores:  4,
		MaxJobMemory: 8 << 30,

		CursorEventsPerSec: 30,
	}
}

func newAPI(t *testing.T, loginBurst int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := zap.NewNop()

	st := memory.New()
	kv := cache.NewMemory()
	met := metrics.New()
	rec := audit.NewRecorder(st.Audit(), log)
	t.Cleanup(rec.Close)

	signer := auth.NewHMACSigner([]byte("routes-test-key"))
	authSvc := auth.NewService(st, kv, rec, signer, log, auth.Config{
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		TempTokenTTL:    5 * time.Minute,
		BcryptCost:      bcrypt.MinCost,
		MFACodeStep:     30 * time.Second,
		MFACodeSkew:     1,
		RolesCacheTTL:   time.Minute,
	})
	rbacSvc := rbac.NewService(st, kv, rec, log, time.Minute)
	require.NoError(t, rbacSvc.SeedRoles(ctx))

	workspaceSvc := workspace.NewService(st, rec, nil, log)
	cfg := apiConfig()
	sessionHub := hub.New(cfg, st, authSvc, workspaceSvc, met, log)
	workspaceSvc.SetNotifier(sessionHub)

	registry := jobs.NewRegistry(log)
	registry.Register(&jobs.StageDriver{
		JobType:    "rnaseq_quantification",
		Stages:     []string{"qc", "align"},
		StageDelay: time.Millisecond,
	})
	scheduler := jobs.NewScheduler(cfg, st, registry, rec, sessionHub, met, log)
	require.NoError(t, scheduler.Start(ctx))
	t.Cleanup(func() { _ = scheduler.Close(context.Background()) })

	limiter := cache.NewRateLimiter(kv, map[string]cache.BucketPolicy{
		"login":      {Burst: loginBurst, Window: time.Minute},
		"register":   {Burst: loginBurst, Window: time.Minute},
		"mfa_verify": {Burst: loginBurst, Window: time.Minute},
	})

	engine := Setup(Deps{
		Auth:      handlers.NewAuthHandlers(authSvc, rbacSvc, st),
		Roles:     handlers.NewRoleHandlers(rbacSvc),
		Workspace: handlers.NewWorkspaceHandlers(workspaceSvc, sessionHub),
		Jobs:      handlers.NewJobHandlers(scheduler, rbacSvc),
		Audit:     handlers.NewAuditHandlers(rec),
		System:    handlers.NewSystemHandlers(st, kv, met),
		AuthSvc:   authSvc,
		RBACSvc:   rbacSvc,
		Recorder:  rec,
		Limiter:   limiter,
		Hub:       sessionHub,
		Log:       log,
	})
	return &apiFixture{engine: engine, rbac: rbacSvc}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && json.Valid(w.Body.Bytes()) {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w.Code, env
}

func (f *apiFixture) register(t *testing.T, email, name string) string {
	t.Helper()
	status, env := f.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"email":    email,
		"password": "Sequence#Depth9",
		"name":     name,
	})
	require.Equal(t, http.StatusCreated, status)
	var user types.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	return user.ID
}

func (f *apiFixture) login(t *testing.T, email string) types.TokenPair {
	t.Helper()
	status, env := f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    email,
		"password": "Sequence#Depth9",
	})
	require.Equal(t, http.StatusOK, status)
	var pair types.TokenPair
	require.NoError(t, json.Unmarshal(env.Data, &pair))
	require.NotEmpty(t, pair.AccessToken)
	return pair
}

// promote assigns a seeded role directly through the service layer. The
// caller must log in afterwards; assignment bumps roles_version.
func (f *apiFixture) promote(t *testing.T, userID, roleName string) {
	t.Helper()
	ctx := context.Background()
	roles, err := f.rbac.ListRoles(ctx)
	require.NoError(t, err)
	for _, r := range roles {
		if r.Name == roleName {
			require.NoError(t, f.rbac.AssignRole(ctx, "system", userID, r.ID))
			return
		}
	}
	t.Fatalf("seeded role %s not found", roleName)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newAPI(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterLoginAndMe(t *testing.T) {
	f := newAPI(t, 10)
	f.register(t, "ana@lab.example", "Ana")
	pair := f.login(t, "ana@lab.example")

	status, env := f.do(t, http.MethodGet, "/api/v1/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)

	var me struct {
		User        types.User         `json:"user"`
		Permissions []types.Permission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "ana@lab.example", me.User.Email)
	assert.Contains(t, me.Permissions, types.PermWorkspaceRead)

	// Registration never echoes credential material.
	assert.NotContains(t, string(env.Data), "passwordHash")
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newAPI(t, 10)

	status, env := f.do(t, http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrAuthRequired, env.Error.Kind)

	status, env = f.do(t, http.MethodGet, "/api/v1/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
}

func TestViewerCannotTouchRoles(t *testing.T) {
	f := newAPI(t, 10)
	f.register(t, "viewer@lab.example", "Viewer")
	pair := f.login(t, "viewer@lab.example")

	status, env := f.do(t, http.MethodGet, "/api/v1/roles", pair.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrPermissionDenied, env.Error.Kind)
}

func TestWorkspaceLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t, 10)
	aliceID := f.register(t, "alice@lab.example", "Alice")
	f.register(t, "bob@lab.example", "Bob")
	f.promote(t, aliceID, types.RoleResearcher)
	pair := f.login(t, "alice@lab.example")

	status, env := f.do(t, http.MethodPost, "/api/v1/workspaces", pair.AccessToken,
		gin.H{"name": "liver-atlas"})
	require.Equal(t, http.StatusCreated, status)
	var ws types.Workspace
	require.NoError(t, json.Unmarshal(env.Data, &ws))
	assert.Equal(t, aliceID, ws.OwnerUserID)

	status, env = f.do(t, http.MethodGet, "/api/v1/workspaces", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var list []types.Workspace
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	status, env = f.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/members", pair.AccessToken,
		gin.H{"email": "bob@lab.example", "role": "editor"})
	require.Equal(t, http.StatusCreated, status)
	var member types.WorkspaceMember
	require.NoError(t, json.Unmarshal(env.Data, &member))
	assert.Equal(t, types.MemberEditor, member.Role)

	status, env = f.do(t, http.MethodGet, "/api/v1/workspaces/"+ws.ID+"/members", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var members []types.WorkspaceMember
	require.NoError(t, json.Unmarshal(env.Data, &members))
	assert.Len(t, members, 2)

	status, env = f.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/snapshots", pair.AccessToken, gin.H{
		"fields": gin.H{
			"pipeline.step": gin.H{"value": json.RawMessage(`"align"`), "counter": 1, "origin": aliceID},
		},
		"version": 1,
	})
	require.Equal(t, http.StatusCreated, status)
	var snap types.CRDTSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))

	status, env = f.do(t, http.MethodPost,
		"/api/v1/workspaces/"+ws.ID+"/snapshots/"+snap.ID+"/restore", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var restored struct {
		Restored bool  `json:"restored"`
		Version  int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &restored))
	assert.True(t, restored.Restored)
	assert.GreaterOrEqual(t, restored.Version, int64(1))

	status, _ = f.do(t, http.MethodDelete, "/api/v1/workspaces/"+ws.ID, pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestJobSubmissionRunsToCompletion(t *testing.T) {
	f := newAPI(t, 10)
	userID := f.register(t, "runner@lab.example", "Runner")
	f.promote(t, userID, types.RoleResearcher)
	pair := f.login(t, "runner@lab.example")

	status, env := f.do(t, http.MethodPost, "/api/v1/jobs", pair.AccessToken, gin.H{
		"type":        "rnaseq_quantification",
		"priority":    "high",
		"reservation": gin.H{"cores": 1, "memoryBytes": 1 << 20},
	})
	require.Equal(t, http.StatusCreated, status)
	var job types.Job
	require.NoError(t, json.Unmarshal(env.Data, &job))
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		code, env := f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, pair.AccessToken, nil)
		if code != http.StatusOK {
			return false
		}
		var got types.Job
		if err := json.Unmarshal(env.Data, &got); err != nil {
			return false
		}
		return got.State == types.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, env = f.do(t, http.MethodGet, "/api/v1/cluster/status", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var sample types.ClusterMetricSample
	require.NoError(t, json.Unmarshal(env.Data, &sample))
	assert.Equal(t, 4, sample.CoresTotal)
	assert.Zero(t, sample.CoresUsed)
}

func TestLoginIsRateLimitedPerSubject(t *testing.T) {
	f := newAPI(t, 2)
	f.register(t, "busy@lab.example", "Busy")

	for i := 0; i < 2; i++ {
		status, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
			"email":    "busy@lab.example",
			"password": "wrong-password-entirely",
		})
		assert.Equal(t, http.StatusUnauthorized, status)
	}

	status, env := f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    "busy@lab.example",
		"password": "wrong-password-entirely",
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrRateLimited, env.Error.Kind)
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	f := newAPI(t, 10)
	f.register(t, "rotator@lab.example", "Rotator")
	first := f.login(t, "rotator@lab.example")

	status, env := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		gin.H{"refreshToken": first.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	var second types.TokenPair
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the consumed token burns the whole family.
	status, env = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		gin.H{"refreshToken": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrTokenReuseDetected, env.Error.Kind)

	status, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		gin.H{"refreshToken": second.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}
