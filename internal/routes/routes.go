// Package routes assembles the gin engine and the route table.
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/auth"
	"omics-backend/internal/cache"
	"omics-backend/internal/handlers"
	"omics-backend/internal/hub"
	"omics-backend/internal/middleware"
	"omics-backend/internal/rbac"
	"omics-backend/internal/types"
)

// Deps carries everything the route table wires together.
type Deps struct {
	Auth      *handlers.AuthHandlers
	Roles     *handlers.RoleHandlers
	Workspace *handlers.WorkspaceHandlers
	Jobs      *handlers.JobHandlers
	Audit     *handlers.AuditHandlers
	System    *handlers.SystemHandlers

	AuthSvc  *auth.Service
	RBACSvc  *rbac.Service
	Recorder *audit.Recorder
	Limiter  *cache.RateLimiter
	Hub      *hub.Hub
	Log      *zap.Logger
}

// Setup configures middleware and all routes on a fresh engine.
func Setup(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(d.Log))
	middleware.SetupCORS(r)

	r.GET("/health", d.System.Health)
	r.GET("/metrics", d.System.Metrics())

	api := r.Group("/api/v1")

	// Public auth endpoints. Login and register are rate limited per IP.
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register",
			middleware.RateLimit(d.Limiter, d.Log, "register", nil), d.Auth.Register)
		authGroup.POST("/login",
			middleware.RateLimit(d.Limiter, d.Log, "login", nil), d.Auth.Login)
		authGroup.POST("/mfa/verify",
			middleware.RateLimit(d.Limiter, d.Log, "mfa_verify", nil), d.Auth.VerifyMFA)
		authGroup.POST("/refresh", d.Auth.Refresh)
		authGroup.POST("/logout", d.Auth.Logout)
	}

	authed := api.Group("", middleware.RequireAuth(d.AuthSvc))

	me := authed.Group("/me")
	{
		me.GET("", d.Auth.Me)
		me.POST("/logout-all", d.Auth.LogoutAll)
		me.POST("/password", d.Auth.ChangePassword)
		me.POST("/mfa/setup", d.Auth.SetupMFA)
		me.POST("/mfa/enable", d.Auth.EnableMFA)
		me.POST("/mfa/disable", d.Auth.DisableMFA)
	}

	users := authed.Group("/users")
	{
		users.DELETE("/:id", d.Auth.Erase)
	}

	roles := authed.Group("/roles")
	{
		roles.GET("", requirePerm(d, types.PermRoleRead), d.Roles.List)
		roles.GET("/permissions", requirePerm(d, types.PermRoleRead), d.Roles.Catalog)
		roles.POST("", requirePerm(d, types.PermRoleWrite), d.Roles.Create)
		roles.PUT("/:id", requirePerm(d, types.PermRoleWrite), d.Roles.Update)
		roles.DELETE("/:id", requirePerm(d, types.PermRoleDelete), d.Roles.Delete)
		roles.POST("/assign", requirePerm(d, types.PermRoleAssign), d.Roles.Assign)
		roles.POST("/remove", requirePerm(d, types.PermRoleAssign), d.Roles.Remove)
	}

	workspaces := authed.Group("/workspaces")
	{
		workspaces.POST("", requirePerm(d, types.PermWorkspaceCreate), d.Workspace.Create)
		workspaces.GET("", requirePerm(d, types.PermWorkspaceRead), d.Workspace.List)
		workspaces.GET("/:id", requirePerm(d, types.PermWorkspaceRead), d.Workspace.Get)
		workspaces.PUT("/:id", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.Rename)
		workspaces.DELETE("/:id", requirePerm(d, types.PermWorkspaceDelete), d.Workspace.Delete)

		workspaces.GET("/:id/members", requirePerm(d, types.PermWorkspaceRead), d.Workspace.Members)
		workspaces.POST("/:id/members", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.Invite)
		workspaces.DELETE("/:id/members/:userId", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.RemoveMember)
		workspaces.PUT("/:id/members/:userId", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.SetMemberRole)
		workspaces.POST("/:id/leave", requirePerm(d, types.PermWorkspaceRead), d.Workspace.Leave)
		workspaces.POST("/:id/transfer", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.TransferOwnership)

		workspaces.GET("/:id/presence", requirePerm(d, types.PermWorkspaceRead), d.Workspace.Presence)
		workspaces.POST("/:id/snapshots", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.SaveSnapshot)
		workspaces.GET("/:id/snapshots", requirePerm(d, types.PermWorkspaceRead), d.Workspace.ListSnapshots)
		workspaces.GET("/:id/snapshots/:snapshotId", requirePerm(d, types.PermWorkspaceRead), d.Workspace.GetSnapshot)
		workspaces.POST("/:id/snapshots/:snapshotId/restore", requirePerm(d, types.PermWorkspaceWrite), d.Workspace.RestoreSnapshot)
	}

	jobs := authed.Group("/jobs")
	{
		jobs.POST("", requirePerm(d, types.PermPipelineRun), d.Jobs.Submit)
		jobs.GET("", requirePerm(d, types.PermPipelineRead), d.Jobs.List)
		jobs.GET("/:id", requirePerm(d, types.PermPipelineRead), d.Jobs.Get)
		jobs.POST("/:id/cancel", requirePerm(d, types.PermPipelineCancel), d.Jobs.Cancel)
	}

	cluster := authed.Group("/cluster")
	{
		cluster.GET("/status", requirePerm(d, types.PermPipelineRead), d.Jobs.ClusterStatus)
		cluster.POST("/scale", requirePerm(d, types.PermSystemScale), d.Jobs.Scale)
	}

	authed.GET("/audit", requirePerm(d, types.PermAuditRead), d.Audit.Query)

	// The websocket endpoint authenticates via its first frame, not a header.
	r.GET("/ws", d.Hub.ServeWS)

	return r
}

func requirePerm(d Deps, p types.Permission) gin.HandlerFunc {
	return middleware.RequirePermission(d.RBACSvc, d.Recorder, p)
}
