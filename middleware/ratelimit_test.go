package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newRateLimitRouter(t *testing.T, r rate.Limit, b int) *gin.Engine {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng := gin.New()
	eng.Use(RateLimit(ctx, r, b))
	eng.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return eng
}

func hit(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Burst(t *testing.T) {
	r := newRateLimitRouter(t, 0.001, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "10.0.1.1").Code, "request %d should be allowed", i+1)
	}
	w := hit(r, "10.0.1.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimit_PerIP(t *testing.T) {
	r := newRateLimitRouter(t, 0.001, 1)
	assert.Equal(t, http.StatusOK, hit(r, "10.1.1.1").Code)
	assert.Equal(t, http.StatusOK, hit(r, "10.1.1.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.1.1.1").Code)
}

func TestLimiterSet_Evict(t *testing.T) {
	set := newLimiterSet(1, 1)
	now := time.Now()
	set.allow("old", now.Add(-time.Hour))
	set.allow("new", now)

	assert.Equal(t, 1, set.evict(now.Add(-limiterIdleAfter)))
	assert.Len(t, set.visitors, 1)
	assert.Contains(t, set.visitors, "new")
}
