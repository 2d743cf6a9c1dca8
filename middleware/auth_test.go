package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSessions(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err)
	return c
}

func newProtectedRouter(sessions cache.Cache, seen *int64) *gin.Engine {
	r := gin.New()
	r.Use(Auth(testSecret, sessions, zap.NewNop()))
	r.GET("/me", func(c *gin.Context) {
		*seen = GetUserID(c)
		c.Status(http.StatusOK)
	})
	return r
}

func TestAuth(t *testing.T) {
	sessions := newSessions(t)
	live, err := GenerateToken(42, "alice", testSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, sessions.Set(context.Background(), SessionKey(live), "42", time.Hour))
	revoked, err := GenerateToken(43, "bob", testSecret, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
		user   int64
	}{
		{"missing header", "", http.StatusUnauthorized, 0},
		{"not bearer", "Token " + live, http.StatusUnauthorized, 0},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, 0},
		{"garbage", "Bearer notavalidtoken", http.StatusUnauthorized, 0},
		{"no session", "Bearer " + revoked, http.StatusUnauthorized, 0},
		{"valid", "Bearer " + live, http.StatusOK, 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen int64
			r := newProtectedRouter(sessions, &seen)
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.user, seen)
			if tc.status == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")
			}
		})
	}
}

func TestGetUserID(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, int64(0), GetUserID(c))
	c.Set(UserIDKey, int64(99))
	assert.Equal(t, int64(99), GetUserID(c))
	c.Set(UserIDKey, "99")
	assert.Equal(t, int64(0), GetUserID(c))
}
