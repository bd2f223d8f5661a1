package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"github.com/router-for-me/CLIProxyCredits/internal/usage"
	log "github.com/sirupsen/logrus"
)

// OwnerHandler serves the views a key owner has over their own keys.
type OwnerHandler struct {
	keys     *keys.Service
	reset    *reset.Service
	recorder *usage.Recorder
	location *time.Location
}

// NewOwnerHandler constructs an OwnerHandler.
func NewOwnerHandler(keySvc *keys.Service, resetSvc *reset.Service, recorder *usage.Recorder, loc *time.Location) *OwnerHandler {
	return &OwnerHandler{keys: keySvc, reset: resetSvc, recorder: recorder, location: loc}
}

// List returns the caller's keys.
func (h *OwnerHandler) List(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key service unavailable"})
		return
	}
	rows, errList := h.keys.ListOwned(c.Request.Context(), getUserID(c))
	if errList != nil {
		writeKeyError(c, errList)
		return
	}
	now := time.Now()
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, h.formatOwnedKey(&rows[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"keys": items, "total": len(items)})
}

// PlanStatus summarises the caller's active plans.
func (h *OwnerHandler) PlanStatus(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key service unavailable"})
		return
	}
	status, errStatus := h.keys.PlanStatus(c.Request.Context(), getUserID(c))
	if errStatus != nil {
		writeKeyError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"has_active_plan":   status.HasActivePlan,
		"plan_type":         status.PlanType,
		"package_name":      status.PackageName,
		"active_keys":       status.ActiveKeys,
		"credits_remaining": status.CreditsRemaining,
		"total_credits":     status.TotalCredits,
		"credits_used":      status.CreditsUsed,
		"usage_percentage":  status.UsagePercentage,
		"expire_date":       formatTime(status.ExpireDate, h.location),
		"days_remaining":    status.DaysRemaining,
	})
}

// ResetCredits applies today's reset to one of the caller's keys ahead of the schedule.
func (h *OwnerHandler) ResetCredits(c *gin.Context) {
	if h == nil || h.reset == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset service unavailable"})
		return
	}
	id, ok := keyIDParam(c)
	if !ok {
		return
	}
	res, errReset := h.reset.ResetOwnedKey(c.Request.Context(), id, getUserID(c))
	if errReset != nil {
		switch {
		case errors.Is(errReset, store.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		case errors.Is(errReset, reset.ErrAlreadyResetToday),
			errors.Is(errReset, reset.ErrKeyNotResettable),
			errors.Is(errReset, reset.ErrNoResetQuantum),
			errors.Is(errReset, store.ErrPackageNotFound):
			c.JSON(http.StatusConflict, gin.H{"error": errReset.Error()})
		default:
			log.WithError(errReset).WithField("key_id", id).Error("owner credit reset failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key_id":            res.KeyID,
		"old_credits":       res.OldCredits,
		"remaining_credits": res.NewCredits,
		"total_credits":     res.TotalCredits,
		"reset_at":          formatTime(&res.ResetAt, h.location),
		"external_synced":   res.ExternalSynced,
	})
}

// Usage pages through the usage records of one of the caller's keys, newest first.
func (h *OwnerHandler) Usage(c *gin.Context) {
	if h == nil || h.keys == nil || h.recorder == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage history unavailable"})
		return
	}
	id, ok := keyIDParam(c)
	if !ok {
		return
	}
	if _, errOwned := h.keys.OwnedKey(c.Request.Context(), id, getUserID(c)); errOwned != nil {
		writeKeyError(c, errOwned)
		return
	}
	page, _ := strconv.Atoi(strings.TrimSpace(c.Query("page")))
	pageSize, _ := strconv.Atoi(strings.TrimSpace(c.Query("page_size")))
	history, errHistory := h.recorder.History(c.Request.Context(), id, page, pageSize)
	if errHistory != nil {
		log.WithError(errHistory).WithField("key_id", id).Error("owner usage history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	records := make([]gin.H, 0, len(history.Items))
	for _, row := range history.Items {
		records = append(records, gin.H{
			"id":                row.ID,
			"service":           row.Service,
			"input_tokens":      row.InputTokens,
			"output_tokens":     row.OutputTokens,
			"total_tokens":      row.TotalTokens,
			"credits_used":      row.CreditsUsed,
			"remaining_credits": row.RemainingCredits,
			"response_status":   row.ResponseStatus,
			"error_message":     row.ErrorMessage,
			"requested_at":      formatTime(&row.RequestedAt, h.location),
		})
	}
	pages := int64(1)
	if history.Total > 0 {
		pages = (history.Total + int64(history.PageSize) - 1) / int64(history.PageSize)
	}
	c.JSON(http.StatusOK, gin.H{
		"records":   records,
		"total":     history.Total,
		"page":      history.Page,
		"page_size": history.PageSize,
		"pages":     pages,
	})
}

func (h *OwnerHandler) formatOwnedKey(key *models.APIKey, now time.Time) gin.H {
	packageName, packageType := "", ""
	if key.Package != nil {
		packageName = key.Package.Name
		packageType = credit.ClassifyPackageType(key.Package.Type).String()
	}
	var remainingDays *int
	if key.ExpireDate != nil {
		days := max(int(key.ExpireDate.Sub(now)/(24*time.Hour)), 0)
		remainingDays = &days
	}
	return gin.H{
		"id":                    key.ID,
		"api_key":               key.APIKey,
		"name":                  key.Name,
		"package_name":          packageName,
		"package_type":          packageType,
		"status":                key.Status,
		"is_active":             key.Active && key.RevokedAt == nil,
		"activation_date":       formatTime(key.ActivationDate, h.location),
		"expire_date":           formatTime(key.ExpireDate, h.location),
		"remaining_days":        remainingDays,
		"remaining_credits":     key.RemainingCredits,
		"total_credits":         key.TotalCredits,
		"last_reset_credits_at": formatTime(key.LastResetCreditsAt, h.location),
		"last_used_at":          formatTime(key.LastUsedAt, h.location),
		"created_at":            formatTime(&key.CreatedAt, h.location),
	}
}

func keyIDParam(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
