package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"gorm.io/gorm"
)

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db        *gorm.DB
	scheduler *reset.Scheduler
}

// NewHealthHandler constructs a HealthHandler. scheduler may be nil when resets are disabled.
func NewHealthHandler(db *gorm.DB, scheduler *reset.Scheduler) *HealthHandler {
	return &HealthHandler{db: db, scheduler: scheduler}
}

// Healthz checks database connectivity and reports the reset scheduler state.
func (h *HealthHandler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "database unreachable"})
		return
	}
	resp := gin.H{"ok": true}
	if h.scheduler != nil {
		st := h.scheduler.Status()
		resp["reset"] = gin.H{
			"running":     st.Running,
			"next_run_at": st.NextRunAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}
