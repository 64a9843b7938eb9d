// Package handlers holds the HTTP boundary. Every response uses the same
// envelope: {ok, data} on success, {ok, error} on failure. Status codes are
// derived from the typed error kind, never chosen ad hoc.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"omics-backend/internal/types"
)

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"ok": true, "data": data})
}

func respondErr(c *gin.Context, err error) {
	ae := types.AsAPIError(err)
	c.JSON(ae.Kind.HTTPStatus(), gin.H{"ok": false, "error": ae})
}

func respondBindErr(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": &types.APIError{
		Kind:    types.ErrInvalid,
		Message: err.Error(),
	}})
}
