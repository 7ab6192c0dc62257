package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/handler"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Health  *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.Health.Health)

	// ─── 0. Public Group (No Auth) ─────────────────────────────────────
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	public := router.Group("/api/v1/auth")
	{
		public.POST("/student/login", loginLimiter.Middleware(), handlers.Auth.StudentLogin)
	}

	// ─── 1. Student Group (JWT + single device) ────────────────────────
	student := router.Group("/api/v1")
	student.Use(middleware.RequireStudentJWT(authService))
	student.Use(middleware.CheckSingleDeviceSession(authService))
	{
		student.POST("/auth/student/logout", handlers.Auth.StudentLogout)

		uploadLimiter := middleware.NewRateLimiter(30, time.Minute)

		sessions := student.Group("/student/sessions")
		sessions.Use(middleware.NoStore())
		{
			sessions.POST("", handlers.Session.StartSession)
			sessions.GET("/:session_id", handlers.Session.GetSession)
			sessions.DELETE("/:session_id", handlers.Session.CloseSession)
			sessions.POST("/:session_id/navigate", handlers.Session.Navigate)
			sessions.POST("/:session_id/questions/:index/flag", handlers.Session.ToggleFlag)
			sessions.POST("/:session_id/questions/:index/evidence", uploadLimiter.Middleware(), handlers.Session.UploadEvidence)
			sessions.DELETE("/:session_id/questions/:index/evidence/:image_index", handlers.Session.RemoveEvidence)
			sessions.POST("/:session_id/submit", handlers.Session.Submit)
			sessions.GET("/:session_id/result", handlers.Session.GetResult)
		}

		// Previews are immutable per image ID.
		student.GET("/student/sessions/:session_id/evidence/:image_id",
			middleware.PrivateCache(3600), handlers.Session.GetEvidence)
	}

	// ─── 2. WebSocket (token via ?token=) ──────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentJWT(authService))
	ws.Use(middleware.CheckSingleDeviceSession(authService))
	{
		ws.GET("/student/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	return router
}
