package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"omics-backend/internal/auth"
	"omics-backend/internal/middleware"
	"omics-backend/internal/rbac"
	"omics-backend/internal/store"
	"omics-backend/internal/types"
)

// AuthHandlers serves registration, login, MFA, and the token lifecycle.
type AuthHandlers struct {
	auth  *auth.Service
	rbac  *rbac.Service
	users store.UserStore
}

func NewAuthHandlers(a *auth.Service, r *rbac.Service, s store.Store) *AuthHandlers {
	return &AuthHandlers{auth: a, rbac: r, users: s.Users()}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

func (h *AuthHandlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password, req.Name, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	pair, challenge, err := h.auth.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		respondErr(c, err)
		return
	}
	if challenge != nil {
		respond(c, http.StatusOK, challenge)
		return
	}
	respond(c, http.StatusOK, pair)
}

type verifyMFARequest struct {
	TempToken string `json:"tempToken" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (h *AuthHandlers) VerifyMFA(c *gin.Context) {
	var req verifyMFARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	pair, err := h.auth.VerifyMFA(c.Request.Context(), req.TempToken, req.Code, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	pair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, pair)
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"loggedOut": true})
}

func (h *AuthHandlers) LogoutAll(c *gin.Context) {
	if err := h.auth.LogoutAll(c.Request.Context(), middleware.UserID(c)); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"loggedOut": true})
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

func (h *AuthHandlers) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.auth.ChangePassword(c.Request.Context(), middleware.UserID(c), req.OldPassword, req.NewPassword); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"changed": true})
}

// Me returns the caller's account plus effective permissions.
func (h *AuthHandlers) Me(c *gin.Context) {
	userID := middleware.UserID(c)
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	perms, err := h.rbac.PermissionsOf(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": user, "permissions": perms})
}

func (h *AuthHandlers) SetupMFA(c *gin.Context) {
	setup, err := h.auth.SetupMFA(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, setup)
}

type enableMFARequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *AuthHandlers) EnableMFA(c *gin.Context) {
	var req enableMFARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.auth.EnableMFA(c.Request.Context(), middleware.UserID(c), req.Code); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"mfaEnabled": true})
}

type disableMFARequest struct {
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandlers) DisableMFA(c *gin.Context) {
	var req disableMFARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.auth.DisableMFA(c.Request.Context(), middleware.UserID(c), req.Password); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"mfaEnabled": false})
}

// Erase anonymizes an account and its audit identity columns. The caller may
// erase themselves; anyone else needs user:delete.
func (h *AuthHandlers) Erase(c *gin.Context) {
	actorID := middleware.UserID(c)
	targetID := c.Param("id")
	if targetID != actorID {
		allowed, err := h.rbac.Check(c.Request.Context(), actorID, types.PermUserDelete)
		if err != nil {
			respondErr(c, err)
			return
		}
		if !allowed {
			respondErr(c, types.E(types.ErrPermissionDenied, "missing permission %s", types.PermUserDelete))
			return
		}
	}
	if err := h.auth.EraseUser(c.Request.Context(), targetID, actorID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"erased": true})
}
