package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/cache"
	"go.uber.org/zap"
)

const UserIDKey = "user_id"

// SessionKey is the cache key the login service writes for a live token.
func SessionKey(token string) string { return "session:" + token }

// Auth validates the Bearer token and requires its session to be present
// in the cache, so a logout elsewhere revokes the token here.
func Auth(secret string, sessions cache.Cache, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			unauthorized(c, "missing token")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		live, err := sessions.Exists(ctx, SessionKey(token))
		if err != nil {
			log.Warn("session lookup failed", zap.String("trace_id", GetTraceID(c)), zap.Error(err))
		}
		if !live {
			unauthorized(c, "session expired")
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "UNAUTHENTICATED"})
}

// GetUserID returns the authenticated user, or 0 outside Auth.
func GetUserID(c *gin.Context) int64 {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
