package rest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/apperr"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func render(err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	respondError(c, zap.NewNop(), err)
	return w
}

func TestRespondError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{apperr.Validation(apperr.CodeInvalidInput, "bad"), http.StatusBadRequest, `{"error":"bad","code":"INVALID_INPUT"}`},
		{apperr.Gone(apperr.CodePostGone, "gone"), http.StatusGone, `{"error":"gone","code":"POST_GONE"}`},
		{apperr.Conflict(apperr.CodeWaitForReply, "wait"), http.StatusConflict, `{"error":"wait","code":"WAIT_FOR_REPLY","retryable":true}`},
		{apperr.Transient(apperr.CodeMediaStore, errors.New("io"), "upload"), http.StatusServiceUnavailable, `{"error":"upload","code":"MEDIA_STORE","retryable":true}`},
		{errors.New("sql: connection refused"), http.StatusInternalServerError, `{"error":"internal error","code":"UNKNOWN"}`},
	}
	for _, tc := range cases {
		w := render(tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.JSONEq(t, tc.body, w.Body.String())
	}
}
