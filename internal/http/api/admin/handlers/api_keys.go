package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"github.com/router-for-me/CLIProxyCredits/internal/usage"
	"github.com/router-for-me/CLIProxyCredits/internal/util"
	log "github.com/sirupsen/logrus"
)

// APIKeyHandler serves operator key management endpoints.
type APIKeyHandler struct {
	keys     *keys.Service
	reset    *reset.Service
	recorder *usage.Recorder
}

// NewAPIKeyHandler constructs an APIKeyHandler.
func NewAPIKeyHandler(keySvc *keys.Service, resetSvc *reset.Service, recorder *usage.Recorder) *APIKeyHandler {
	return &APIKeyHandler{keys: keySvc, reset: resetSvc, recorder: recorder}
}

// Provision issues a batch of inactive keys for a package.
func (h *APIKeyHandler) Provision(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key service unavailable"})
		return
	}
	var req keys.ProvisionRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	rows, errProvision := h.keys.Provision(c.Request.Context(), req)
	if errProvision != nil {
		switch {
		case errors.Is(errProvision, keys.ErrInvalidRequest), errors.Is(errProvision, keys.ErrUnknownPackageType):
			c.JSON(http.StatusBadRequest, gin.H{"error": errProvision.Error()})
		case errors.Is(errProvision, store.ErrPackageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "package not found"})
		default:
			log.WithError(errProvision).Error("provision api keys failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "provision failed"})
		}
		return
	}
	items := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		items = append(items, formatAPIKey(row))
	}
	c.JSON(http.StatusCreated, gin.H{"items": items})
}

// ResetCredits forces a reset of one key regardless of today's reset.
func (h *APIKeyHandler) ResetCredits(c *gin.Context) {
	if h == nil || h.reset == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reset service unavailable"})
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	res, errReset := h.reset.ResetKey(c.Request.Context(), id)
	if errReset != nil {
		switch {
		case errors.Is(errReset, store.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		case errors.Is(errReset, store.ErrPackageNotFound), errors.Is(errReset, reset.ErrNoResetQuantum):
			c.JSON(http.StatusConflict, gin.H{"error": errReset.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

type updateCreditsRequest struct {
	RemainingCredits *int64 `json:"remaining_credits"`
	TotalCredits     *int64 `json:"total_credits"`
}

// UpdateCredits overwrites a key's balance.
func (h *APIKeyHandler) UpdateCredits(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key service unavailable"})
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req updateCreditsRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil || req.RemainingCredits == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "remaining_credits is required"})
		return
	}
	res, errCorrect := h.keys.Correct(c.Request.Context(), id, *req.RemainingCredits, req.TotalCredits)
	if errCorrect != nil {
		switch {
		case errors.Is(errCorrect, keys.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": errCorrect.Error()})
		case errors.Is(errCorrect, store.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		}
		return
	}
	log.WithFields(log.Fields{"admin": c.GetString("adminUsername"), "key_id": id}).Info("api key credits updated")
	c.JSON(http.StatusOK, res)
}

// Usage returns the usage history of one key, newest first.
func (h *APIKeyHandler) Usage(c *gin.Context) {
	if h == nil || h.recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage recorder unavailable"})
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(strings.TrimSpace(c.Query("page")))
	pageSize, _ := strconv.Atoi(strings.TrimSpace(c.Query("page_size")))
	history, errHistory := h.recorder.History(c.Request.Context(), id, page, pageSize)
	if errHistory != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	items := make([]gin.H, 0, len(history.Items))
	for _, row := range history.Items {
		items = append(items, formatUsageRecord(row))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     history.Total,
		"page":      history.Page,
		"page_size": history.PageSize,
	})
}

func parseIDParam(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func formatAPIKey(row models.APIKey) gin.H {
	return gin.H{
		"id":                    row.ID,
		"name":                  row.Name,
		"api_key":               row.APIKey,
		"real_api_key":          util.HideAPIKey(row.RealAPIKey),
		"package_id":            row.PackageID,
		"status":                row.Status,
		"active":                row.Active,
		"user_id":               row.UserID,
		"activation_date":       row.ActivationDate,
		"expire_date":           row.ExpireDate,
		"remaining_credits":     row.RemainingCredits,
		"total_credits":         row.TotalCredits,
		"last_reset_credits_at": row.LastResetCreditsAt,
		"created_at":            row.CreatedAt,
	}
}

func formatUsageRecord(row models.UsageRecord) gin.H {
	return gin.H{
		"id":                row.ID,
		"api_key_id":        row.APIKeyID,
		"service":           row.Service,
		"input_tokens":      row.InputTokens,
		"output_tokens":     row.OutputTokens,
		"total_tokens":      row.TotalTokens,
		"credits_used":      row.CreditsUsed,
		"remaining_credits": row.RemainingCredits,
		"response_status":   row.ResponseStatus,
		"error_message":     row.ErrorMessage,
		"requested_at":      row.RequestedAt,
	}
}
