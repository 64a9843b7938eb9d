package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"omics-backend/internal/jobs"
	"omics-backend/internal/middleware"
	"omics-backend/internal/rbac"
	"omics-backend/internal/types"
)

// JobHandlers serves job submission, inspection, cancellation, and the
// cluster status and scale operations.
type JobHandlers struct {
	scheduler *jobs.Scheduler
	rbac      *rbac.Service
}

func NewJobHandlers(s *jobs.Scheduler, r *rbac.Service) *JobHandlers {
	return &JobHandlers{scheduler: s, rbac: r}
}

func (h *JobHandlers) Submit(c *gin.Context) {
	var req jobs.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	job, err := h.scheduler.Submit(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, job)
}

// Get returns one job. Non-owners need pipeline:read plus system:admin to
// see other users' jobs.
func (h *JobHandlers) Get(c *gin.Context) {
	job, err := h.scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if job.OwnerUserID != middleware.UserID(c) {
		allowed, err := h.rbac.Check(c.Request.Context(), middleware.UserID(c), types.PermSystemAdmin)
		if err != nil {
			respondErr(c, err)
			return
		}
		if !allowed {
			respondErr(c, types.E(types.ErrNotFound, "job not found"))
			return
		}
	}
	respond(c, http.StatusOK, job)
}

// List returns the caller's jobs, with optional ?state=a,b and ?limit=.
func (h *JobHandlers) List(c *gin.Context) {
	var states []types.JobState
	if raw := c.Query("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			states = append(states, types.JobState(strings.TrimSpace(s)))
		}
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondErr(c, types.E(types.ErrInvalid, "limit must be 1..1000"))
			return
		}
		limit = n
	}
	out, err := h.scheduler.List(c.Request.Context(), middleware.UserID(c), states, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// Cancel stops a job. Owners may cancel their own; pipeline:cancel plus
// system:admin covers the rest.
func (h *JobHandlers) Cancel(c *gin.Context) {
	actorID := middleware.UserID(c)
	job, err := h.scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if job.OwnerUserID != actorID {
		allowed, err := h.rbac.Check(c.Request.Context(), actorID, types.PermSystemAdmin)
		if err != nil {
			respondErr(c, err)
			return
		}
		if !allowed {
			respondErr(c, types.E(types.ErrNotFound, "job not found"))
			return
		}
	}
	if err := h.scheduler.Cancel(c.Request.Context(), actorID, job.ID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"cancelling": true})
}

// ClusterStatus reports utilization and queue depths.
func (h *JobHandlers) ClusterStatus(c *gin.Context) {
	respond(c, http.StatusOK, h.scheduler.ClusterStatus())
}

type scaleRequest struct {
	Workers *int `json:"workers" binding:"required"`
}

// Scale resizes the worker pool. Gated on system:scale in the route table.
func (h *JobHandlers) Scale(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.scheduler.Scale(c.Request.Context(), middleware.UserID(c), *req.Workers); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workers": *req.Workers})
}
