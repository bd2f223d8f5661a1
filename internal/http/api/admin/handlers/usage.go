package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"gorm.io/gorm"
)

// UsageHandler lists usage records across keys.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// List returns usage records filtered by api_key_id, service and an RFC3339 from/to window.
func (h *UsageHandler) List(c *gin.Context) {
	var (
		apiKeyIDStr = strings.TrimSpace(c.Query("api_key_id"))
		serviceStr  = strings.TrimSpace(c.Query("service"))
		fromStr     = strings.TrimSpace(c.Query("from"))
		toStr       = strings.TrimSpace(c.Query("to"))
		limitStr    = strings.TrimSpace(c.Query("limit"))
	)

	limit := 100
	if limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	q := h.db.WithContext(c.Request.Context()).Model(&models.UsageRecord{})
	if apiKeyIDStr != "" {
		if id, errParseUint := strconv.ParseUint(apiKeyIDStr, 10, 64); errParseUint == nil {
			q = q.Where("api_key_id = ?", id)
		}
	}
	if serviceStr != "" {
		q = q.Where("service = ?", serviceStr)
	}
	if fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			q = q.Where("requested_at >= ?", t.UTC())
		}
	}
	if toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			q = q.Where("requested_at <= ?", t.UTC())
		}
	}

	var rows []models.UsageRecord
	if errFind := q.Order("requested_at DESC, id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	items := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		items = append(items, formatUsageRecord(row))
	}
	c.JSON(http.StatusOK, gin.H{"usage": items})
}
