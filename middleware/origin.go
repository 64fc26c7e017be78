package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Origin validation hook for the /ws endpoint; permissive by default,
// deployments tighten it to their own domains.
func Origin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == "/ws" {
			// Example: validate Origin/Cookie here before the upgrade.
		}
		c.Next()
	}
}
