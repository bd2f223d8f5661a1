package front

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/config"
	"github.com/router-for-me/CLIProxyCredits/internal/http/api/front/handlers"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"github.com/router-for-me/CLIProxyCredits/internal/security"
	"github.com/router-for-me/CLIProxyCredits/internal/usage"
	"github.com/router-for-me/CLIProxyCredits/internal/validation"
)

// Services are the domain services the front routes call into.
type Services struct {
	Validator *validation.Validator
	Recorder  *usage.Recorder
	Keys      *keys.Service
	Reset     *reset.Service
	Location  *time.Location
}

// RegisterFrontRoutes registers the routing-layer and key owner routes under /api/v1.
// proxyGuard protects the routes only the routing layer may call.
func RegisterFrontRoutes(r *gin.Engine, svc Services, jwtCfg config.JWTConfig, proxyGuard gin.HandlerFunc) {
	if r == nil {
		return
	}
	if proxyGuard == nil {
		proxyGuard = func(c *gin.Context) { c.Next() }
	}

	api := r.Group("/api/v1")

	validationHandler := handlers.NewValidationHandler(svc.Validator, svc.Location)
	api.POST("/validate-api-key", proxyGuard, validationHandler.Validate)

	usageHandler := handlers.NewUsageHandler(svc.Recorder)
	api.POST("/usage", proxyGuard, usageHandler.Report)

	authed := api.Group("")
	authed.Use(userAuthMiddleware(jwtCfg))

	keyHandler := handlers.NewKeyHandler(svc.Keys, svc.Location)
	authed.POST("/keys/activate", keyHandler.Activate)
	authed.POST("/keys/refuel", keyHandler.Refuel)

	ownerHandler := handlers.NewOwnerHandler(svc.Keys, svc.Reset, svc.Recorder, svc.Location)
	authed.GET("/keys", ownerHandler.List)
	authed.GET("/keys/plan-status", ownerHandler.PlanStatus)
	authed.PUT("/keys/:id/reset-credits", ownerHandler.ResetCredits)
	authed.GET("/keys/:id/usage", ownerHandler.Usage)
}

// userAuthMiddleware validates user JWTs and stores the user ID in context.
func userAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			if errors.Is(errJWT, security.ErrExpiredToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", claims.UserID)
		c.Next()
	}
}
