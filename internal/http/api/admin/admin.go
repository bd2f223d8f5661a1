package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/config"
	"github.com/router-for-me/CLIProxyCredits/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"github.com/router-for-me/CLIProxyCredits/internal/security"
	"github.com/router-for-me/CLIProxyCredits/internal/usage"
	"gorm.io/gorm"
)

// Services are the domain services the admin routes call into.
type Services struct {
	DB        *gorm.DB
	Reset     *reset.Service
	Scheduler *reset.Scheduler
	Keys      *keys.Service
	Recorder  *usage.Recorder
}

// RegisterAdminRoutes registers operator routes under /v0/admin.
func RegisterAdminRoutes(r *gin.Engine, svc Services, jwtCfg config.JWTConfig) {
	if r == nil {
		return
	}

	admin := r.Group("/v0/admin")
	admin.Use(adminAuthMiddleware(jwtCfg))

	resetHandler := handlers.NewResetHandler(svc.Reset, svc.Scheduler)
	admin.POST("/credits/reset/run", resetHandler.Run)
	admin.GET("/credits/reset/status", resetHandler.Status)
	admin.GET("/credits/reset/stats", resetHandler.Stats)

	apiKeyHandler := handlers.NewAPIKeyHandler(svc.Keys, svc.Reset, svc.Recorder)
	admin.POST("/api-keys", apiKeyHandler.Provision)
	admin.POST("/api-keys/:id/reset-credits", apiKeyHandler.ResetCredits)
	admin.PUT("/api-keys/:id/credits", apiKeyHandler.UpdateCredits)
	admin.GET("/api-keys/:id/usage", apiKeyHandler.Usage)

	usageHandler := handlers.NewUsageHandler(svc.DB)
	admin.GET("/usage", usageHandler.List)
}

// adminAuthMiddleware validates admin JWTs and stores the operator name in context.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	secret := jwtCfg.AdminSecret
	if strings.TrimSpace(secret) == "" {
		secret = jwtCfg.Secret
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
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
		claims, errJWT := security.ParseAdminToken(secret, strings.TrimSpace(token))
		if errJWT != nil {
			if errors.Is(errJWT, security.ErrExpiredToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("adminUsername", claims.Username)
		c.Next()
	}
}
