package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	log "github.com/sirupsen/logrus"
)

// manualRunTimeout bounds a synchronous manual run once it no longer follows the request.
const manualRunTimeout = 30 * time.Minute

// ResetHandler exposes the daily reset to operators.
type ResetHandler struct {
	service   *reset.Service
	scheduler *reset.Scheduler
}

// NewResetHandler constructs a ResetHandler.
func NewResetHandler(service *reset.Service, scheduler *reset.Scheduler) *ResetHandler {
	return &ResetHandler{service: service, scheduler: scheduler}
}

// Run executes a reset now and returns its report. With async=true the run is started in the
// background and 202 is returned. A run already in progress yields 409.
func (h *ResetHandler) Run(c *gin.Context) {
	if h == nil || h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reset scheduler unavailable"})
		return
	}
	operator := c.GetString("adminUsername")

	if async, _ := strconv.ParseBool(strings.TrimSpace(c.Query("async"))); async {
		if errTrigger := h.scheduler.TriggerAsync(models.ResetTriggerManual); errTrigger != nil {
			c.JSON(http.StatusConflict, gin.H{"error": errTrigger.Error()})
			return
		}
		log.WithField("admin", operator).Info("credit reset: manual run started")
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
		return
	}

	log.WithField("admin", operator).Info("credit reset: manual run requested")
	// a dropped client or write timeout must not abort the run mid-batch
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), manualRunTimeout)
	defer cancel()
	report, errRun := h.scheduler.TryTriggerNow(runCtx, models.ResetTriggerManual)
	if errRun != nil {
		if errors.Is(errRun, reset.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": errRun.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": errRun.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Status reports whether a run is executing and when the next one fires.
func (h *ResetHandler) Status(c *gin.Context) {
	if h == nil || h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reset scheduler unavailable"})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// Stats returns per-day reset counts for the last days days.
func (h *ResetHandler) Stats(c *gin.Context) {
	if h == nil || h.service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reset service unavailable"})
		return
	}
	days := 7
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
			return
		}
		days = parsed
	}
	stats, errStats := h.service.Statistics(c.Request.Context(), days)
	if errStats != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
