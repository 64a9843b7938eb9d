package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"omics-backend/internal/audit"
	"omics-backend/internal/types"
)

// AuditHandlers serves the audit trail query endpoint.
type AuditHandlers struct {
	recorder *audit.Recorder
}

func NewAuditHandlers(r *audit.Recorder) *AuditHandlers {
	return &AuditHandlers{recorder: r}
}

// Query filters the trail. Pagination uses an opaque cursor that encodes the
// (timestamp, id) position of the last row seen.
func (h *AuditHandlers) Query(c *gin.Context) {
	filter := types.AuditFilter{
		UserID:       c.Query("userId"),
		Action:       c.Query("action"),
		ResourceType: c.Query("resourceType"),
		ResourceID:   c.Query("resourceId"),
		Result:       types.AuditResult(c.Query("result")),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErr(c, types.E(types.ErrInvalid, "since must be RFC3339"))
			return
		}
		filter.Since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErr(c, types.E(types.ErrInvalid, "until must be RFC3339"))
			return
		}
		filter.Until = t
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondErr(c, types.E(types.ErrInvalid, "limit must be 1..500"))
			return
		}
		limit = n
	}

	var cursor *types.AuditCursor
	if raw := c.Query("cursor"); raw != "" {
		decoded, err := decodeCursor(raw)
		if err != nil {
			respondErr(c, types.E(types.ErrInvalid, "malformed cursor"))
			return
		}
		cursor = decoded
	}

	records, next, err := h.recorder.Query(c.Request.Context(), filter, cursor, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := gin.H{"records": records}
	if next != nil {
		out["nextCursor"] = encodeCursor(next)
	}
	respond(c, http.StatusOK, out)
}

func encodeCursor(c *types.AuditCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*types.AuditCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c types.AuditCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
