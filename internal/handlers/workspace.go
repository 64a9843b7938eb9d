package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"omics-backend/internal/hub"
	"omics-backend/internal/middleware"
	"omics-backend/internal/types"
	"omics-backend/internal/workspace"
)

// WorkspaceHandlers serves workspace lifecycle, membership, snapshots, and
// the REST views of presence and collaborative state.
type WorkspaceHandlers struct {
	workspaces *workspace.Service
	hub        *hub.Hub
}

func NewWorkspaceHandlers(w *workspace.Service, h *hub.Hub) *WorkspaceHandlers {
	return &WorkspaceHandlers{workspaces: w, hub: h}
}

type createWorkspaceRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *WorkspaceHandlers) Create(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	w, err := h.workspaces.Create(c.Request.Context(), middleware.UserID(c), req.Name)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, w)
}

func (h *WorkspaceHandlers) List(c *gin.Context) {
	out, err := h.workspaces.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h *WorkspaceHandlers) Get(c *gin.Context) {
	w, err := h.workspaces.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, w)
}

func (h *WorkspaceHandlers) Rename(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	w, err := h.workspaces.Rename(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Name)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, w)
}

func (h *WorkspaceHandlers) Delete(c *gin.Context) {
	if err := h.workspaces.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

type inviteRequest struct {
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required"`
}

func (h *WorkspaceHandlers) Invite(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	member, err := h.workspaces.Invite(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Email, types.MemberRole(req.Role))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, member)
}

func (h *WorkspaceHandlers) Members(c *gin.Context) {
	members, err := h.workspaces.Members(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, members)
}

func (h *WorkspaceHandlers) Leave(c *gin.Context) {
	if err := h.workspaces.Leave(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"left": true})
}

func (h *WorkspaceHandlers) RemoveMember(c *gin.Context) {
	if err := h.workspaces.RemoveMember(c.Request.Context(), middleware.UserID(c), c.Param("id"), c.Param("userId")); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"removed": true})
}

type memberRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (h *WorkspaceHandlers) SetMemberRole(c *gin.Context) {
	var req memberRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	err := h.workspaces.SetMemberRole(c.Request.Context(), middleware.UserID(c), c.Param("id"), c.Param("userId"), types.MemberRole(req.Role))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"updated": true})
}

type transferRequest struct {
	ToUserID string `json:"toUserId" binding:"required"`
}

func (h *WorkspaceHandlers) TransferOwnership(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.workspaces.TransferOwnership(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.ToUserID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"transferred": true})
}

// Presence returns the live roster. Membership is checked against the store
// even though the data itself comes from the hub.
func (h *WorkspaceHandlers) Presence(c *gin.Context) {
	workspaceID := c.Param("id")
	if _, err := h.workspaces.Membership(c.Request.Context(), workspaceID, middleware.UserID(c)); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, h.hub.Presence(workspaceID))
}

type snapshotRequest struct {
	Fields  map[string]types.LWWEntry `json:"fields" binding:"required"`
	Version int64                     `json:"version" binding:"required"`
}

func (h *WorkspaceHandlers) SaveSnapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	snap := &types.CRDTSnapshot{
		ID:          uuid.NewString(),
		WorkspaceID: c.Param("id"),
		Fields:      req.Fields,
		Version:     req.Version,
		CreatedAt:   time.Now(),
	}
	if err := h.workspaces.SaveSnapshot(c.Request.Context(), middleware.UserID(c), snap); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, snap)
}

func (h *WorkspaceHandlers) ListSnapshots(c *gin.Context) {
	snaps, err := h.workspaces.ListSnapshots(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snaps)
}

func (h *WorkspaceHandlers) GetSnapshot(c *gin.Context) {
	snap, err := h.workspaces.GetSnapshot(c.Request.Context(), middleware.UserID(c), c.Param("id"), c.Param("snapshotId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snap)
}

// RestoreSnapshot replaces the live document with a saved snapshot.
func (h *WorkspaceHandlers) RestoreSnapshot(c *gin.Context) {
	workspaceID := c.Param("id")
	actorID := middleware.UserID(c)
	snap, err := h.workspaces.SnapshotForRestore(c.Request.Context(), actorID, workspaceID, c.Param("snapshotId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	version, err := h.hub.RestoreState(c.Request.Context(), workspaceID, snap, actorID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"restored": true, "version": version})
}
