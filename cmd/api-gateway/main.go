package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/openlearn/lms-api/api/swagger"
	"github.com/openlearn/lms-api/internal/handler"
	"github.com/openlearn/lms-api/internal/middleware"
	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/repository"
	"github.com/openlearn/lms-api/internal/service"
	"github.com/openlearn/lms-api/pkg/cache"
	"github.com/openlearn/lms-api/pkg/config"
	"github.com/openlearn/lms-api/pkg/database"
	"github.com/openlearn/lms-api/pkg/jobs"
	"github.com/openlearn/lms-api/pkg/logger"
	corsmiddleware "github.com/openlearn/lms-api/pkg/middleware/cors"
	reqidmiddleware "github.com/openlearn/lms-api/pkg/middleware/requestid"
	"github.com/openlearn/lms-api/pkg/storage"
)

// @title OpenLearn LMS API
// @version 1.0.0
// @description Course catalog, enrollment and reporting backend
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	var redisClient = cacheClient(cfg, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	lessonRepo := repository.NewLessonRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	reportRepo := repository.NewReportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init report storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	metricsService := service.NewMetricsService()
	userService := service.NewUserService(userRepo, logr)
	courseService := service.NewCourseService(courseRepo, enrollmentRepo, validate, logr)
	enrollmentService := service.NewEnrollmentService(enrollmentRepo, courseRepo, cacheRepo, cfg.Cache.StatisticsTTL, metricsService, logr)
	lessonService := service.NewLessonService(lessonRepo, courseRepo, enrollmentRepo, validate, logr)
	assignmentService := service.NewAssignmentService(assignmentRepo, submissionRepo, courseRepo, enrollmentRepo, validate, logr)
	reportService := service.NewReportService(reportRepo, enrollmentRepo, courseRepo, store, signer, logr)

	queue := jobs.NewQueue("reports", reportService.Process, jobs.QueueConfig{
		Workers:    cfg.Reports.WorkerConcurrency,
		BufferSize: 64,
		MaxRetries: 3,
		RetryDelay: 10 * time.Second,
		Logger:     logr,
	})
	reportService.SetQueue(queue)
	queue.Start(ctx)
	defer queue.Stop()

	if err := reportService.RecoverPendingJobs(ctx, 100); err != nil {
		logr.Warn("failed to recover pending report jobs", zap.Error(err))
	}
	go reportCleanupLoop(ctx, reportService, cfg.Reports.CleanupInterval, cfg.Reports.SignedURLTTL, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsService.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r, cfg.APIPrefix, routeDeps{
		auth:        authService,
		authH:       handler.NewAuthHandler(authService),
		users:       handler.NewUserHandler(userService),
		courses:     handler.NewCourseHandler(courseService),
		enrollments: handler.NewEnrollmentHandler(enrollmentService, metricsService),
		lessons:     handler.NewLessonHandler(lessonService),
		assignments: handler.NewAssignmentHandler(assignmentService),
		reports:     handler.NewReportHandler(reportService),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
}

type routeDeps struct {
	auth        *service.AuthService
	authH       *handler.AuthHandler
	users       *handler.UserHandler
	courses     *handler.CourseHandler
	enrollments *handler.EnrollmentHandler
	lessons     *handler.LessonHandler
	assignments *handler.AssignmentHandler
	reports     *handler.ReportHandler
}

func registerRoutes(r *gin.Engine, prefix string, d routeDeps) {
	if prefix == "" {
		prefix = "/api/v1"
	}
	api := r.Group(prefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", d.authH.Register)
		auth.POST("/login", d.authH.Login)
		auth.POST("/refresh", d.authH.Refresh)
		auth.POST("/logout", middleware.JWT(d.auth), d.authH.Logout)
		auth.POST("/change-password", middleware.JWT(d.auth), d.authH.ChangePassword)
		auth.GET("/me", middleware.JWT(d.auth), d.authH.Me)
	}

	users := api.Group("/users", middleware.JWT(d.auth))
	{
		users.GET("", middleware.RequireRoles(models.RoleAdmin), d.users.List)
		users.GET("/:id", middleware.RBAC("ADMIN", "INSTRUCTOR", "SELF"), d.users.Get)
	}

	courses := api.Group("/courses")
	{
		// Public reads attach claims when a token is sent so listing can
		// resolve the "mine" filter, but never require one.
		courses.GET("", middleware.OptionalJWT(d.auth), d.courses.List)
		courses.GET("/:id", middleware.OptionalJWT(d.auth), d.courses.Get)
		courses.GET("/:id/prerequisites", d.courses.ListPrerequisites)

		staff := middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin)
		courses.POST("", middleware.JWT(d.auth), staff, d.courses.Create)
		courses.PATCH("/:id", middleware.JWT(d.auth), staff, d.courses.Update)
		courses.DELETE("/:id", middleware.JWT(d.auth), staff, d.courses.Delete)
		courses.PUT("/:id/prerequisites/:prereqId", middleware.JWT(d.auth), staff, d.courses.AddPrerequisite)
		courses.DELETE("/:id/prerequisites/:prereqId", middleware.JWT(d.auth), staff, d.courses.RemovePrerequisite)

		student := middleware.RequireRoles(models.RoleStudent)
		courses.POST("/:id/enroll", middleware.JWT(d.auth), student, d.enrollments.Enroll)
		courses.DELETE("/:id/enroll", middleware.JWT(d.auth), student, d.enrollments.Drop)
		courses.GET("/:id/eligibility", middleware.JWT(d.auth), student, d.enrollments.CheckEligibility)
		courses.GET("/:id/enrollments", middleware.JWT(d.auth), staff, d.enrollments.CourseRoster)

		courses.GET("/:id/lessons", middleware.JWT(d.auth), d.lessons.ListByCourse)
		courses.POST("/:id/lessons", middleware.JWT(d.auth), staff, d.lessons.Create)

		courses.GET("/:id/assignments", middleware.JWT(d.auth), d.assignments.ListByCourse)
		courses.POST("/:id/assignments", middleware.JWT(d.auth), staff, d.assignments.Create)
	}

	enrollments := api.Group("/enrollments", middleware.JWT(d.auth))
	{
		enrollments.GET("", middleware.RequireRoles(models.RoleStudent), d.enrollments.ListMine)
		enrollments.GET("/statistics", middleware.RequireRoles(models.RoleStudent), d.enrollments.Statistics)
		enrollments.PATCH("/:id/progress", d.enrollments.UpdateProgress)
	}

	lessons := api.Group("/lessons", middleware.JWT(d.auth))
	{
		lessons.GET("/:id", d.lessons.Get)
		lessons.PATCH("/:id", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), d.lessons.Update)
		lessons.DELETE("/:id", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), d.lessons.Delete)
	}

	assignments := api.Group("/assignments", middleware.JWT(d.auth))
	{
		staff := middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin)
		assignments.PATCH("/:id", staff, d.assignments.Update)
		assignments.DELETE("/:id", staff, d.assignments.Delete)
		assignments.GET("/:id/submissions", staff, d.assignments.ListSubmissions)
		assignments.POST("/:id/submissions", middleware.RequireRoles(models.RoleStudent), d.assignments.Submit)
		assignments.GET("/:id/submissions/mine", middleware.RequireRoles(models.RoleStudent), d.assignments.GetOwnSubmission)
	}

	api.POST("/submissions/:id/grade", middleware.JWT(d.auth), middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), d.assignments.Grade)

	reports := api.Group("/reports")
	{
		reports.POST("", middleware.JWT(d.auth), d.reports.Create)
		reports.GET("/:id", middleware.JWT(d.auth), d.reports.Status)
		// Downloads authenticate via the signed token itself.
		reports.GET("/download/:token", d.reports.Download)
	}
}

func cacheClient(cfg *config.Config, logr *zap.Logger) *redis.Client {
	if !cfg.Cache.Enabled {
		return nil
	}
	client, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, running without cache", zap.Error(err))
		return nil
	}
	return client
}

func reportCleanupLoop(ctx context.Context, reports *service.ReportService, interval, ttl time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reports.CleanupExpired(ctx, ttl); err != nil {
				logr.Warn("report cleanup failed", zap.Error(err))
			}
		}
	}
}
