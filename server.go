package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/mailsync"
	"github.com/mmdatafocus/tms_backend/middlewares"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/replication"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/mmdatafocus/tms_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("tms-backend")

type reminderRunRequest struct {
	Type   string `json:"type"`
	DryRun bool   `json:"dry_run"`
}

type mailSyncRequest struct {
	Folder string `json:"folder"`
	Limit  int    `json:"limit"`
}

// writeError maps domain kinds to status codes. PolicyBlocked is not a failure:
// the caller gets 200 with the reason.
func writeError(c *gin.Context, err error) {
	if utils.KindOf(err) == utils.KindPolicyBlocked {
		c.JSON(http.StatusOK, gin.H{"skipped": true, "reason": err.Error()})
		return
	}
	status := utils.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": utils.KindOf(err)})
}

func changeStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "http.ChangeStatus")
		defer span.End()

		var in models.ChangeStatusInput
		if err := c.ShouldBindJSON(&in); err != nil {
			writeError(c, utils.ValidationError("invalid request: %v", err))
			return
		}
		if id, ok := utils.GetUserIdFromContext(ctx); ok {
			in.ActorId = &id
		}
		in.ActorName, _ = utils.GetUserNameFromContext(ctx)
		in.Request = c.Request

		res, err := models.ChangeStatus(ctx, in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func allowedTransitionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entity := models.EntityType(strings.TrimSpace(c.Query("entity_type")))
		current := strings.TrimSpace(c.Query("current_status"))
		if entity == "" || current == "" {
			writeError(c, utils.ValidationError("entity_type and current_status are required"))
			return
		}
		allowed, err := models.AllowedTransitions(c.Request.Context(), entity, current)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entity_type":    entity,
			"current_status": current,
			"allowed":        allowed,
		})
	}
}

func runRemindersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reminderRunRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, utils.ValidationError("invalid request: %v", err))
				return
			}
		}
		ctx := c.Request.Context()
		storage, err := utils.GetFileStorage(ctx)
		if err != nil {
			writeError(c, utils.DependencyFailure(err, "file storage"))
			return
		}
		report, err := workflow.NewReminderEngine(config.GetDB(), storage).Run(ctx, req.Type, req.DryRun)
		if err != nil {
			writeError(c, err)
			return
		}
		sent, skipped, failed := report.Totals()
		c.JSON(http.StatusOK, gin.H{
			"sent":    sent,
			"skipped": skipped,
			"failed":  failed,
			"report":  report,
		})
	}
}

func mailSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mailSyncRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, utils.ValidationError("invalid request: %v", err))
				return
			}
		}
		if req.Limit < 0 {
			writeError(c, utils.ValidationError("limit must not be negative"))
			return
		}
		ctx := c.Request.Context()
		storage, err := utils.GetFileStorage(ctx)
		if err != nil {
			writeError(c, utils.DependencyFailure(err, "file storage"))
			return
		}
		res, err := mailsync.NewPoller(storage).SyncOnce(ctx, req.Folder, req.Limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs only requests that recorded errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		// deny all unless configured
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOrigins = []string{}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization",
		middlewares.HeaderUserId, middlewares.HeaderUserName, middlewares.HeaderCorrelationId)
	cfg.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	cfg.AllowCredentials = true
	return cfg
}

func newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.RequestContext())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// not ready until the primary is connected
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(cors.New(corsConfig()))

	if config.BoolFromEnv("RATE_LIMIT_ENABLED", false) {
		limit := int64(config.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		window := time.Duration(config.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		r.Use(middlewares.NewRateLimiter(limit, window).Middleware())
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/change-status", changeStatusHandler())
	api.GET("/allowed-transitions", allowedTransitionsHandler())
	api.POST("/reminders/run", runRemindersHandler())
	api.POST("/mail/sync", mailSyncHandler())
	api.GET("/mail/messages/:id", mailMessageHandler())
	api.POST("/mail/messages/:id/status", mailStatusHandler())
	api.POST("/mail/trusted-senders", trustedSenderHandler())
	api.POST("/mail/promotional-domains", promotionalDomainHandler())
	api.GET("/sales-invoices/by-number/:number", salesInvoiceByNumberHandler())
	api.GET("/purchase-invoices/:id", purchaseInvoiceHandler())
	api.PUT("/status-rules", saveStatusRuleHandler())
	api.DELETE("/status-rules/:id", deleteStatusRuleHandler())
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// the port is open already; app routes answer 503 until this returns
	config.ConnectDatabaseWithRetry()
	if err := config.ConnectRedisWithRetry(0); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable: " + err.Error())
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !config.BoolFromEnv("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
		if err := models.SeedDefaults(sigCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Error("seeding defaults: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	replicator, err := replication.Install(workersCtx, db)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "replication"}).Error("replication disabled: " + err.Error())
	}
	if config.PubSubConfigured() {
		go workflow.NewOutboxDispatcher(db, logger).Run(workersCtx)
	}

	logger.WithFields(logrus.Fields{
		"port":        port,
		"replication": replicator != nil,
	}).Info("server started")
	log.Println("Server started on :" + port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// let queued replica writes land before the workers stop
	if replicator != nil {
		if err := replicator.Flush(shutdownCtx); err != nil {
			logger.WithFields(logrus.Fields{
				"field":   "replication",
				"pending": replicator.Pending(),
			}).Warn("replication queue not drained: " + err.Error())
		}
		replicator.Close()
	}
	cancelWorkers()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
