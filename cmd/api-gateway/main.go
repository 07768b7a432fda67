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
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/tutoring-core-api/api/swagger"
	"github.com/noah-isme/tutoring-core-api/internal/handler"
	"github.com/noah-isme/tutoring-core-api/internal/middleware"
	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/repository"
	"github.com/noah-isme/tutoring-core-api/internal/service"
	"github.com/noah-isme/tutoring-core-api/pkg/cache"
	"github.com/noah-isme/tutoring-core-api/pkg/config"
	"github.com/noah-isme/tutoring-core-api/pkg/database"
	"github.com/noah-isme/tutoring-core-api/pkg/jobs"
	"github.com/noah-isme/tutoring-core-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/tutoring-core-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/tutoring-core-api/pkg/middleware/requestid"
)

// @title Tutoring Core API
// @version 0.1.0
// @description Session scheduling, enrollment and attendance core
// @BasePath /
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	var cacheRepo *repository.CacheRepository
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
		}
	}
	cacheCfg := cfg.Cache
	if cacheRepo == nil {
		cacheCfg.Enabled = false
	}

	metricsSvc := service.NewMetricsService()

	sessionRepo := repository.NewSessionRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	calendarRepo := repository.NewCalendarRepository(db)

	courseSvc := service.NewCourseService(courseRepo, cacheRepo, cacheCfg, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseSvc, directoryRepo, cacheRepo, cacheCfg, metricsSvc, nil, logr)
	attendanceSvc := service.NewAttendanceService(attendanceRepo, sessionRepo, enrollmentRepo, cacheRepo, cfg.Attendance, nil, logr)
	calendarSvc := service.NewCalendarService(calendarRepo, sessionRepo, cfg.Calendar, metricsSvc, logr)
	sessionSvc := service.NewSessionService(sessionRepo, courseSvc, directoryRepo, enrollmentSvc, attendanceRepo, calendarRepo, cfg.Scheduling, metricsSvc, nil, logr)

	sessionHandler := handler.NewSessionHandler(sessionSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc)
	calendarHandler := handler.NewCalendarHandler(calendarSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT.Secret))

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleInstructor)

	api.GET("/courses/:id", courseHandler.Get)

	api.GET("/sessions", sessionHandler.List)
	api.GET("/sessions/:id", sessionHandler.Get)
	api.POST("/sessions", staff, sessionHandler.Create)
	api.PATCH("/sessions/:id", staff, sessionHandler.Reschedule)
	api.POST("/sessions/:id/start", staff, sessionHandler.Start)
	api.POST("/sessions/:id/cancel", staff, sessionHandler.Cancel)
	api.POST("/sessions/:id/complete", staff, sessionHandler.Complete)

	api.GET("/sessions/:id/attendance", staff, attendanceHandler.ListBySession)
	api.POST("/sessions/:id/attendance", staff, attendanceHandler.Record)
	api.POST("/sessions/:id/attendance/bulk", staff, attendanceHandler.RecordBulk)
	api.POST("/sessions/:id/attendance/self", middleware.RequireRoles(models.RoleStudent), attendanceHandler.RecordSelf)

	api.POST("/enrollments", middleware.RequireRoles(models.RoleAdmin, models.RoleStudent), enrollmentHandler.Enroll)
	api.GET("/enrollments", enrollmentHandler.List)
	api.GET("/enrollments/:id", enrollmentHandler.Get)
	api.POST("/enrollments/:id/confirm", staff, enrollmentHandler.Confirm)
	api.POST("/enrollments/:id/cancel", enrollmentHandler.Cancel)

	api.GET("/students/:studentId/attendance-stats", attendanceHandler.Stats)
	api.GET("/students/:studentId/courses/:courseId/progress", enrollmentHandler.Progress)

	api.GET("/calendar/:ownerId", calendarHandler.List)
	api.GET("/calendar/:ownerId/entries", calendarHandler.Entries)
	api.POST("/calendar/:ownerId/sync", calendarHandler.Sync)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Reminders.Enabled {
		startReminderWorker(ctx, cfg.Reminders, calendarSvc, logr)
	}

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
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("shutdown failed", "error", err)
	}
}

// startReminderWorker scans for due reminders on a fixed interval. The scan
// itself runs through the job queue so slow dispatches never block the ticker.
func startReminderWorker(ctx context.Context, cfg config.RemindersConfig, calendarSvc *service.CalendarService, logr *zap.Logger) {
	queue := jobs.NewQueue("reminders", func(jobCtx context.Context, _ jobs.Job) error {
		dispatched, err := calendarSvc.DispatchDueReminders(jobCtx, time.Now().UTC())
		if err != nil {
			return err
		}
		if dispatched > 0 {
			logr.Sugar().Infow("reminders dispatched", "count", dispatched)
		}
		return nil
	}, jobs.QueueConfig{
		Workers:    cfg.Concurrency,
		MaxRetries: cfg.MaxRetries,
		Logger:     logr,
	})
	queue.Start(ctx)

	go func() {
		defer queue.Stop()
		ticker := time.NewTicker(cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job := jobs.Job{ID: uuid.NewString(), Type: "reminder-scan"}
				if err := queue.Enqueue(job); err != nil {
					logr.Sugar().Warnw("failed to enqueue reminder scan", "error", err)
				}
			}
		}
	}()
}
