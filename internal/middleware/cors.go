package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupCORS installs the CORS policy for the HTTP API. Browser clients hold
// tokens in memory and send them via the Authorization header, so credentials
// are not allowed and origins stay open.
func SetupCORS(r *gin.Engine) {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	r.Use(cors.New(cfg))
}
