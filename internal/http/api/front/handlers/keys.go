package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	log "github.com/sirupsen/logrus"
)

// KeyHandler serves the owner-facing key endpoints.
type KeyHandler struct {
	keys     *keys.Service
	location *time.Location
}

// NewKeyHandler constructs a KeyHandler.
func NewKeyHandler(svc *keys.Service, loc *time.Location) *KeyHandler {
	return &KeyHandler{keys: svc, location: loc}
}

type activateRequest struct {
	APIKey string `json:"api_key"`
}

// Activate binds an unused key to the calling user.
func (h *KeyHandler) Activate(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key service unavailable"})
		return
	}
	var req activateRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	key, errActivate := h.keys.Activate(c.Request.Context(), req.APIKey, getUserID(c))
	if errActivate != nil {
		writeKeyError(c, errActivate)
		return
	}
	packageType := ""
	if key.Package != nil {
		packageType = key.Package.Type
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                key.ID,
		"status":            key.Status,
		"package_type":      packageType,
		"activation_date":   formatTime(key.ActivationDate, h.location),
		"expire_date":       formatTime(key.ExpireDate, h.location),
		"remaining_credits": key.RemainingCredits,
		"total_credits":     key.TotalCredits,
	})
}

type refuelRequest struct {
	FuelKey   string `json:"fuel_key"`
	TargetKey string `json:"target_key"`
}

// Refuel redeems a fuel pack key into one of the caller's active keys.
func (h *KeyHandler) Refuel(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key service unavailable"})
		return
	}
	var req refuelRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	res, errRefuel := h.keys.Refuel(c.Request.Context(), req.FuelKey, req.TargetKey, getUserID(c))
	if errRefuel != nil {
		writeKeyError(c, errRefuel)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeKeyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, keys.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
	case errors.Is(err, keys.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, keys.ErrKeyNotInactive),
		errors.Is(err, keys.ErrKeyDisabled),
		errors.Is(err, keys.ErrFuelPackActivation),
		errors.Is(err, keys.ErrNotFuelPack),
		errors.Is(err, keys.ErrTargetNotActive),
		errors.Is(err, keys.ErrUntrackedBalance),
		errors.Is(err, keys.ErrUnknownPackageType),
		errors.Is(err, store.ErrPackageNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("key operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key operation failed"})
	}
}
