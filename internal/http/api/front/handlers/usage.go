package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"github.com/router-for-me/CLIProxyCredits/internal/usage"
)

// UsageHandler accepts usage reports from the routing layer.
type UsageHandler struct {
	recorder *usage.Recorder
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(recorder *usage.Recorder) *UsageHandler {
	return &UsageHandler{recorder: recorder}
}

type usageReportRequest struct {
	APIKey         string     `json:"api_key"`
	Service        string     `json:"service"`
	InputTokens    int64      `json:"input_tokens"`
	OutputTokens   int64      `json:"output_tokens"`
	TotalTokens    int64      `json:"total_tokens"`
	ResponseStatus string     `json:"response_status"`
	ErrorMessage   string     `json:"error_message"`
	RequestedAt    *time.Time `json:"requested_at"`
}

// Report charges the credits for one request and returns the new balance.
func (h *UsageHandler) Report(c *gin.Context) {
	if h == nil || h.recorder == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage recorder unavailable"})
		return
	}
	var req usageReportRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.TotalTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token counts must not be negative"})
		return
	}
	report := usage.Report{
		APIKey:         req.APIKey,
		Service:        req.Service,
		InputTokens:    req.InputTokens,
		OutputTokens:   req.OutputTokens,
		TotalTokens:    req.TotalTokens,
		ResponseStatus: req.ResponseStatus,
		ErrorMessage:   req.ErrorMessage,
	}
	if req.RequestedAt != nil {
		report.RequestedAt = *req.RequestedAt
	}

	res, errCharge := h.recorder.ChargeUsage(c.Request.Context(), report)
	if errCharge != nil {
		if errors.Is(errCharge, store.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "charge failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
