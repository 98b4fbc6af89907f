package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminAuth guards the admin surface. The key is accepted as a bearer token
// or an x-api-key header and checked through validate. With no key configured
// the surface is closed rather than open.
func AdminAuth(validate func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractAPIKey(c)
		if validate == nil || !validate(key) {
			requestEntry(c, nil).Warn("admin auth rejected")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Invalid or missing admin key",
					"type":    "authentication_error",
				},
			})
			c.Abort()
			return
		}
		c.Set("api_key", strings.TrimSpace(key))
		c.Next()
	}
}
