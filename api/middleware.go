package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// claims is the minimal JWT payload this service trusts: the subject is the user id every
// handler scopes its store queries to.
type claims struct {
	jwt.RegisteredClaims
}

// authMiddleware validates the bearer token against secret and sets "user_id" in the gin
// context, mirroring the teacher's c.GetString("user_id") handler convention.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			failUnauthorized(c, "missing bearer token")
			c.Abort()
			return
		}

		parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			failUnauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		cl, ok := parsed.Claims.(*claims)
		if !ok || cl.Subject == "" {
			failUnauthorized(c, "token missing subject")
			c.Abort()
			return
		}

		c.Set("user_id", cl.Subject)
		c.Next()
	}
}

// corsMiddleware allows the configured origins, or "*" when none are configured (local dev).
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowed) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ownerGuard aborts with 403 when the authenticated user does not own the resource identified
// by resourceUserID (spec.md §6 — "identity mismatch (token subject != resource owner)").
func ownerGuard(c *gin.Context, resourceUserID string) bool {
	if c.GetString("user_id") != resourceUserID {
		failForbidden(c, "token subject does not own this resource")
		return false
	}
	return true
}
