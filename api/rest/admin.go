package rest

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/ephemera/reconcile"
	"github.com/kasuganosora/ephemera/scheduler"
	"go.uber.org/zap"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	reconciler *reconcile.Reconciler
	sched      *scheduler.Scheduler
	logger     *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(reconciler *reconcile.Reconciler, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{reconciler: reconciler, sched: sched, logger: logger}
}

// Sweep runs one reconciler tick and returns its report.
// POST /api/admin/sweep
func (h *AdminHandler) Sweep(c *gin.Context) {
	rep := h.reconciler.Tick(c.Request.Context())
	h.logger.Info("admin triggered sweep", zap.Int("posts", len(rep.Posts)))
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// ListSchedulerTasks returns the state of all ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// RunTask runs a ticker task immediately.
// POST /api/admin/scheduler/:name/run
func (h *AdminHandler) RunTask(c *gin.Context) {
	name := c.Param("name")
	switch err := h.sched.RunNow(name); {
	case errors.Is(err, scheduler.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task", "code": "TASK_NOT_FOUND"})
	case errors.Is(err, scheduler.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "task already running", "code": "TASK_BUSY", "retryable": true})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// With an empty adminKey the admin endpoints answer 503, so a server
// deployed without server.admin_key exposes nothing.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
