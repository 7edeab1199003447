package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for caller data
	ContextKeySubject = "auth_subject"
	ContextKeyMethod  = "auth_method"

	// APITokenHeader carries a static token checked against a bcrypt hash
	APITokenHeader = "X-API-Token"
)

// Middleware accepts either a Bearer JWT (when jwtManager is set) or an
// X-API-Token matching tokenHash (when set)
func Middleware(jwtManager *JWTManager, tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.GetHeader(APITokenHeader); token != "" && tokenHash != "" {
			if VerifyToken(token, tokenHash) {
				c.Set(ContextKeySubject, "api-token")
				c.Set(ContextKeyMethod, "token")
				c.Next()
				return
			}
			abort(c, ErrUnauthorized, "invalid api token")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || jwtManager == nil {
			abort(c, ErrUnauthorized, "missing credentials")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, ErrUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := jwtManager.ValidateAccessToken(parts[1])
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, authErr, authErr.Message)
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Set(ContextKeyMethod, "jwt")
		c.Next()
	}
}

// GetSubject returns who made the request, empty when unauthenticated
func GetSubject(c *gin.Context) string {
	return c.GetString(ContextKeySubject)
}

func abort(c *gin.Context, err AuthError, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   err.Code,
		"message": message,
	})
}
