package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/validation"
)

// ValidationHandler serves the key validation endpoint used by the routing layer.
type ValidationHandler struct {
	validator *validation.Validator
	location  *time.Location
}

// NewValidationHandler constructs a ValidationHandler. Timestamps are rendered in loc.
func NewValidationHandler(validator *validation.Validator, loc *time.Location) *ValidationHandler {
	return &ValidationHandler{validator: validator, location: loc}
}

type validateRequest struct {
	APIKey string `json:"api_key"`
}

// Validate checks the presented key and answers with the validation envelope.
func (h *ValidationHandler) Validate(c *gin.Context) {
	if h == nil || h.validator == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validator unavailable"})
		return
	}
	var req validateRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	verdict := h.validator.Validate(c.Request.Context(), req.APIKey)
	c.JSON(verdict.HTTPStatus(), verdict.Envelope(h.location))
}
