package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentPortal *handler.StudentPortalHandler
	WS            *handler.WSHandler
	Assessment    *handler.AssessmentHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// connectLimiter guards the stream endpoint; nil disables it.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	connectLimiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request IDs and the access log apply globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware(log))

	router.Use(middleware.Brotli())

	router.GET("/healthz", handlers.System.Health)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.GET("/assessments/:slug", middleware.PrivateCache(60), handlers.StudentPortal.GetAssessment)
		studentAPI.GET("/assessments/:slug/state", middleware.NoStore(), handlers.StudentPortal.GetState)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentStream(authService))
	if connectLimiter != nil {
		ws.Use(connectLimiter.Middleware())
	}
	{
		ws.GET("/student/assessments/:slug/stream", handlers.WS.AssessmentStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.PUT("/assessments/:slug",
			middleware.RequirePermission(model.PermissionAssessmentsWrite),
			handlers.Assessment.RegisterAssessment,
		)
		adminAPI.GET("/assessments/:slug/attempts",
			middleware.RequirePermission(model.PermissionAttemptsRead),
			handlers.Assessment.ListAttempts,
		)
		adminAPI.GET("/assessments/:slug/monitor",
			middleware.RequirePermission(model.PermissionAssessmentsMonitor),
			handlers.Monitor.MonitorAssessmentSSE,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			handlers.System.SystemMetricsSSE, // Open to all admins
		)
	}

	return router
}
