// Package middleware carries the gin middleware chain: bearer auth,
// permission gates, per-endpoint rate limits, and the request logger.
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"omics-backend/internal/audit"
	"omics-backend/internal/auth"
	"omics-backend/internal/cache"
	"omics-backend/internal/rbac"
	"omics-backend/internal/types"
)

// Context keys set by RequireAuth.
const (
	CtxUserID = "userID"
	CtxClaims = "claims"
)

// UserID returns the authenticated user id, empty when unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserID)
}

func abort(c *gin.Context, err error) {
	ae := types.AsAPIError(err)
	c.AbortWithStatusJSON(ae.Kind.HTTPStatus(), gin.H{"ok": false, "error": ae})
}

// RequireAuth validates the bearer token and stashes the claims.
func RequireAuth(authSvc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			abort(c, types.E(types.ErrAuthRequired, "missing bearer token"))
			return
		}
		claims, err := authSvc.VerifyAccess(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(CtxUserID, claims.Subject)
		c.Set(CtxClaims, claims)
		c.Next()
	}
}

// RequirePermission gates the route on an RBAC permission. Denials are
// audited with the permission that was missing.
func RequirePermission(rbacSvc *rbac.Service, rec *audit.Recorder, perm types.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		allowed, err := rbacSvc.Check(c.Request.Context(), userID, perm)
		if err != nil {
			abort(c, err)
			return
		}
		if !allowed {
			rec.RecordAsync(audit.NewEvent("permission_denied").
				Actor(userID, "").Resource("endpoint", c.FullPath()).
				Client(c.ClientIP(), c.Request.UserAgent()).
				Outcome(types.AuditFailure).
				Detail(map[string]any{"permission": string(perm)}).Record())
			abort(c, types.E(types.ErrPermissionDenied, "missing permission %s", perm))
			return
		}
		c.Next()
	}
}

// RateLimit applies the endpoint's policy keyed by subject. subjectFn
// defaults to client IP.
func RateLimit(rl *cache.RateLimiter, log *zap.Logger, endpoint string, subjectFn func(*gin.Context) string) gin.HandlerFunc {
	if subjectFn == nil {
		subjectFn = func(c *gin.Context) string { return c.ClientIP() }
	}
	return func(c *gin.Context) {
		allowed, err := rl.Allow(c.Request.Context(), endpoint, subjectFn(c))
		if err != nil {
			log.Warn("rate limiter degraded", zap.String("endpoint", endpoint), zap.Error(err))
		}
		if !allowed {
			abort(c, types.E(types.ErrRateLimited, "too many requests"))
			return
		}
		c.Next()
	}
}

// RequestLogger logs one structured line per request. Authorization values
// never reach the log.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}
