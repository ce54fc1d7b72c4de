package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const headerAdminKey = "X-Admin-Api-Key"

// RequireAdminKey guards the operational routes with a static API key.
func RequireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		provided := c.GetHeader(headerAdminKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin api key"})
			return
		}
		c.Next()
	}
}
