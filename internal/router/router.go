package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Attempt *handler.AttemptHandler
	Proctor *handler.ProctorWSHandler
}

// Guard validates student tokens and their single-device session.
type Guard interface {
	middleware.TokenValidator
	middleware.SessionValidator
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	guard Guard,
	handlers *Handlers,
	loginLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/login", loginLimiter.Middleware(), handlers.Auth.Login)
		auth.POST("/refresh", loginLimiter.Middleware(), handlers.Auth.Refresh)
		auth.POST("/logout",
			middleware.RequireStudentJWT(guard),
			middleware.CheckSingleDeviceSession(guard),
			handlers.Auth.Logout,
		)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(guard),
		middleware.CheckSingleDeviceSession(guard),
	)
	{
		studentAPI.GET("/exams/:exam_id/questions", handlers.Attempt.GetQuestions)

		attempt := studentAPI.Group("/attempts/:id")
		attempt.Use(middleware.RequireAttemptScope("id"))
		{
			attempt.GET("", handlers.Attempt.GetAttempt)
			attempt.POST("/answers", handlers.Attempt.SaveAnswers)
			attempt.POST("/finalize", handlers.Attempt.Finalize)
			attempt.POST("/violations", handlers.Attempt.ReportViolations)
			attempt.POST("/terminate", handlers.Attempt.Terminate)
		}
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentWSAuth(guard),
		middleware.CheckSingleDeviceSession(guard),
	)
	{
		ws.GET("/student/attempts/:id/proctor", middleware.RequireAttemptScope("id"), handlers.Proctor.ProctorStream)
	}

	return router
}
