package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/apperr"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a logged 500 with the same body
// shape as every other API error. http.ErrAbortHandler is re-raised.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}
			log.Error("panic recovered",
				zap.Any("panic", r),
				zap.String("trace_id", GetTraceID(c)),
				zap.String("route", c.FullPath()),
				zap.Int64("user_id", GetUserID(c)),
				zap.Stack("stack"),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal error",
				"code":  apperr.CodeUnknown,
			})
		}()
		c.Next()
	}
}
