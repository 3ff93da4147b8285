package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ManagementAuth guards the key-management endpoints. The configured
// password may be a bcrypt hash or a plain secret; plain comparison is
// constant time.
func ManagementAuth(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management API disabled"})
			return
		}
		provided := bearerToken(c)
		if provided == "" || !passwordMatches(password, provided) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management password"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func passwordMatches(configured, provided string) bool {
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}
