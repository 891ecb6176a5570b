package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"voicecall-backend/pkg/jwt"
	"voicecall-backend/pkg/response"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID      = "user_id"
	ContextDisplayName = "display_name"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware validates the bearer token and stores the caller identity
// in the Gin context under user_id and display_name
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		tokenString, ok := BearerToken(authHeader)
		if !ok {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Error(c, 401, "EXPIRED_TOKEN", "Token expired")
			} else {
				response.Error(c, 401, "INVALID_TOKEN", "Invalid token")
			}
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside AuthMiddleware
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
