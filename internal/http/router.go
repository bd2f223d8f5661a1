package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyCredits/internal/config"
	"github.com/router-for-me/CLIProxyCredits/internal/http/api/admin"
	adminhandlers "github.com/router-for-me/CLIProxyCredits/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyCredits/internal/http/api/front"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/logging"
	"github.com/router-for-me/CLIProxyCredits/internal/metrics"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"github.com/router-for-me/CLIProxyCredits/internal/usage"
	"github.com/router-for-me/CLIProxyCredits/internal/validation"
	"gorm.io/gorm"
)

// Dependencies carries everything the router wires into handlers.
type Dependencies struct {
	DB        *gorm.DB
	Config    *config.Config
	Location  *time.Location
	Validator *validation.Validator
	Recorder  *usage.Recorder
	Keys      *keys.Service
	Reset     *reset.Service
	Scheduler *reset.Scheduler
}

// NewRouter builds the gin engine serving the credit API.
func NewRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logging.GinLogger("/healthz", "/metrics"))
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", ProxyTokenHeader)
		engine.Use(cors.New(corsCfg))
	}

	healthHandler := adminhandlers.NewHealthHandler(deps.DB, deps.Scheduler)
	engine.GET("/healthz", healthHandler.Healthz)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	front.RegisterFrontRoutes(engine, front.Services{
		Validator: deps.Validator,
		Recorder:  deps.Recorder,
		Keys:      deps.Keys,
		Reset:     deps.Reset,
		Location:  deps.Location,
	}, cfg.JWT, ProxyTokenMiddleware(cfg.Server.ProxyToken))

	admin.RegisterAdminRoutes(engine, admin.Services{
		DB:        deps.DB,
		Reset:     deps.Reset,
		Scheduler: deps.Scheduler,
		Keys:      deps.Keys,
		Recorder:  deps.Recorder,
	}, cfg.JWT)

	return engine
}
