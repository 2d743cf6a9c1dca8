package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/apperr"
	mw "github.com/kasuganosora/ephemera/middleware"
	"go.uber.org/zap"
)

// respondError renders err as {"error", "code"} with the status of its
// kind. Untyped errors are logged and hidden behind a generic 500.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		log.Error("request failed",
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.String("route", c.FullPath()),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": apperr.CodeUnknown})
		return
	}
	if ae.Kind == apperr.KindTransient {
		log.Warn("transient failure", zap.String("trace_id", mw.GetTraceID(c)), zap.Error(err))
	}
	body := gin.H{"error": ae.Message, "code": ae.Code}
	if ae.Kind == apperr.KindTransient || ae.Code == apperr.CodeWaitForReply {
		body["retryable"] = true
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(ae.Kind), body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperr.CodeInvalidInput})
}

// paramID parses a positive int64 path parameter, answering 400 otherwise.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(c *gin.Context, name string) (*int64, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		badRequest(c, "invalid "+name)
		return nil, false
	}
	return &v, true
}
