package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	Exam    *handler.ExamHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware(log))
	router.Use(requestLogger())
	router.Use(middleware.Brotli(middleware.DefaultBrotliMinLength))

	router.GET("/health", handlers.System.Health)

	// Answer edits are limited per candidate.
	answerLimiter := middleware.NewRateLimiter(120, time.Minute)

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(middleware.RequireCandidateJWT(authService), middleware.NoStore())
	{
		candidateAPI.GET("/exams", handlers.Attempt.ListExams)
		candidateAPI.POST("/exams/:exam_id/attempts", handlers.Attempt.CreateAttempt)
		candidateAPI.GET("/exams/:exam_id/attempts", handlers.Attempt.ListAttempts)

		candidateAPI.POST("/attempts/:attempt_id/start", handlers.Attempt.StartAttempt)
		candidateAPI.GET("/attempts/:attempt_id/resume", handlers.Attempt.ResumeAttempt)
		candidateAPI.PUT("/attempts/:attempt_id/answers/:index", answerLimiter.Middleware(), handlers.Attempt.RecordAnswer)
		candidateAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
		candidateAPI.POST("/attempts/:attempt_id/exit", handlers.Attempt.ExitAttempt)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(authService))
	{
		ws.GET("/candidate/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService))
	{
		proctorAPI.GET("/exams", handlers.Exam.ListExams)
		proctorAPI.POST("/exams/:exam_id/refresh-cache", handlers.Exam.RefreshExamCache)
		proctorAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		proctorAPI.GET("/system/metrics", handlers.System.Metrics)
	}

	return router
}

// requestLogger logs one line per request through the request-scoped logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		zerolog.Ctx(c.Request.Context()).Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
