package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"omics-backend/internal/middleware"
	"omics-backend/internal/rbac"
	"omics-backend/internal/types"
)

// RoleHandlers serves the role catalog and user-role assignments.
type RoleHandlers struct {
	rbac *rbac.Service
}

func NewRoleHandlers(r *rbac.Service) *RoleHandlers {
	return &RoleHandlers{rbac: r}
}

func (h *RoleHandlers) List(c *gin.Context) {
	roles, err := h.rbac.ListRoles(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, roles)
}

// Catalog returns every known permission, for role editors.
func (h *RoleHandlers) Catalog(c *gin.Context) {
	respond(c, http.StatusOK, types.AllPermissions)
}

type roleRequest struct {
	Name        string             `json:"name" binding:"required"`
	Description string             `json:"description"`
	Permissions []types.Permission `json:"permissions" binding:"required"`
}

func (h *RoleHandlers) Create(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	role, err := h.rbac.CreateRole(c.Request.Context(), middleware.UserID(c), req.Name, req.Description, req.Permissions)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, role)
}

func (h *RoleHandlers) Update(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	role := &types.Role{
		ID:          c.Param("id"),
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	}
	if err := h.rbac.UpdateRole(c.Request.Context(), middleware.UserID(c), role); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, role)
}

func (h *RoleHandlers) Delete(c *gin.Context) {
	if err := h.rbac.DeleteRole(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

type assignmentRequest struct {
	UserID string `json:"userId" binding:"required"`
	RoleID string `json:"roleId" binding:"required"`
}

func (h *RoleHandlers) Assign(c *gin.Context) {
	var req assignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.rbac.AssignRole(c.Request.Context(), middleware.UserID(c), req.UserID, req.RoleID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"assigned": true})
}

func (h *RoleHandlers) Remove(c *gin.Context) {
	var req assignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.rbac.RemoveRole(c.Request.Context(), middleware.UserID(c), req.UserID, req.RoleID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"removed": true})
}
