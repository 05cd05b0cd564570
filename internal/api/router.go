// Package api wires together all HTTP routes for the corporate travel backend.
//
// Route grouping:
//   - /healthz, /ready and /version are unauthenticated probes.
//   - /auth/* issues user access tokens; only /auth/profile needs one.
//   - /api-keys/bootstrap is open but throttled per IP until the first key exists.
//   - Everything else requires "Authorization: Bearer <api_key>:<api_secret>" and,
//     where the route demands it, a permission on the key. Each admitted request is
//     counted against the key's rolling-window quota before the handler runs.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/laasy/corptravel/internal/api/admin"
	"github.com/laasy/corptravel/internal/api/travel"
	"github.com/laasy/corptravel/internal/audit"
	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/crypto"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/jobs"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/safego"
	"github.com/laasy/corptravel/internal/storage"
	"github.com/laasy/corptravel/internal/validation"

	// Import storage backends to register them
	_ "github.com/laasy/corptravel/internal/storage/azure"
	_ "github.com/laasy/corptravel/internal/storage/gcs"
	_ "github.com/laasy/corptravel/internal/storage/local"
	_ "github.com/laasy/corptravel/internal/storage/s3"
)

// Version is the build version reported by /version; set with -ldflags.
var Version = "0.1.0"

// readinessProbePath is a known-absent object used to exercise storage credentials
const readinessProbePath = ".readiness-probe"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cancel        context.CancelFunc
	quotaNotifier *jobs.QuotaNotifier
	retentionJob  *jobs.UsageRetentionJob
	rateLimiters  []*middleware.RateLimiter
	closers       []io.Closer
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.quotaNotifier != nil {
		bg.quotaNotifier.Stop()
	}
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	for _, c := range bg.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource during shutdown", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the background jobs
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	if err := validation.RegisterWithGin(); err != nil {
		return nil, nil, fmt.Errorf("failed to register validators: %w", err)
	}

	cipher, err := newSecretCipher(&cfg.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid auth.encryption_key: %w", err)
	}

	sqlxDB := sqlx.NewDb(db, "postgres")
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	usageRepo := repositories.NewUsageRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	userRepo := repositories.NewUserRepository(sqlxDB)

	bgCtx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel}

	// Archive storage is only needed when pruned ledger rows are kept
	var archive storage.Storage
	if cfg.Ledger.Archive && cfg.Ledger.Retention > 0 {
		archive, err = storage.NewStorage(cfg)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		if c, ok := archive.(io.Closer); ok {
			bg.closers = append(bg.closers, c)
		}
		slog.Info("initialized archive storage", "backend", cfg.Storage.DefaultBackend)
	}

	shipper, err := audit.FromConfig(cfg.Audit.Shippers)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	bg.closers = append(bg.closers, shipper)

	var (
		redisClient *redis.Client
		readyRedis  redis.UniversalClient
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		readyRedis = redisClient
		bg.closers = append(bg.closers, redisClient)
	}

	// Background jobs
	bg.retentionJob = jobs.NewUsageRetentionJob(usageRepo, archive, &cfg.Ledger)
	safego.Go("usage_retention", func() { bg.retentionJob.Start(bgCtx) })

	bg.quotaNotifier = jobs.NewQuotaNotifier(apiKeyRepo, userRepo, &cfg.Notifications, cfg.Auth.APIKeys.Window)
	safego.Go("quota_notifier", func() { bg.quotaNotifier.Start(bgCtx) })

	// Pre-auth throttles
	var throttle gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.Security.RateLimiting.Enabled {
		var limiter middleware.Limiter
		rlCfg := middleware.DefaultRateLimitConfig()
		if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
			rlCfg.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
		}
		if cfg.Security.RateLimiting.Burst > 0 {
			rlCfg.BurstSize = cfg.Security.RateLimiting.Burst
		}
		if redisClient != nil {
			limiter = middleware.NewRedisRateLimiter(redisClient, rlCfg.RequestsPerMinute, rlCfg.BurstSize)
		} else {
			mem := middleware.NewRateLimiter(rlCfg)
			bg.rateLimiters = append(bg.rateLimiters, mem)
			limiter = mem
		}
		throttle = middleware.ThrottleMiddleware(limiter, "api")
	}
	bootstrapThrottle := middleware.ThrottleMiddleware(middleware.NewSlidingWindowLimiter(5, time.Minute), "bootstrap")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/healthz", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, archive, readyRedis))
	router.GET("/version", versionHandler())

	apiKeyHandlers := admin.NewAPIKeyHandlers(cfg, db, cipher)
	authHandlers := admin.NewAuthHandlers(cfg, sqlxDB)
	userHandlers := admin.NewUserHandlers(sqlxDB)
	auditHandlers := admin.NewAuditHandlers(db)

	requireKey := middleware.APIKeyAuth(apiKeyHandlers.Authenticator())
	var auditTrail gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.Audit.Enabled {
		auditTrail = middleware.AuditMiddleware(auditRepo, shipper, cfg.Audit)
	}

	// User sessions
	authGroup := router.Group("/auth")
	authGroup.Use(throttle)
	{
		authGroup.POST("/login", authHandlers.LoginHandler())
		authGroup.POST("/initiate-registration", authHandlers.InitiateRegistrationHandler())
		authGroup.POST("/register", authHandlers.RegisterHandler())
		authGroup.PUT("/profile", middleware.SessionAuth(), authHandlers.ProfileHandler())
	}

	// First-key bootstrap sits outside key authentication
	router.POST("/api-keys/bootstrap", bootstrapThrottle, throttle, auditTrail, apiKeyHandlers.BootstrapHandler())

	authed := router.Group("")
	authed.Use(throttle, requireKey, auditTrail)

	keys := authed.Group("/api-keys")
	{
		keys.GET("/my/status", apiKeyHandlers.MyStatusHandler())

		adminOnly := keys.Group("")
		adminOnly.Use(middleware.RequirePermissions("admin"))
		adminOnly.POST("/generate", apiKeyHandlers.GenerateHandler())
		adminOnly.GET("/", apiKeyHandlers.ListHandler())
		adminOnly.GET("/:id", apiKeyHandlers.GetHandler())
		adminOnly.GET("/:id/usage", apiKeyHandlers.UsageHandler())
		adminOnly.PUT("/:id/toggle", apiKeyHandlers.ToggleHandler())
		adminOnly.DELETE("/:id", apiKeyHandlers.DeleteHandler())
	}

	auditLogs := authed.Group("/audit-logs")
	auditLogs.Use(middleware.RequirePermissions("admin"))
	{
		auditLogs.GET("", auditHandlers.ListAuditLogsHandler())
		auditLogs.GET("/:id", auditHandlers.GetAuditLogHandler())
	}

	authed.GET("/policies", travel.ListPoliciesHandler(sqlxDB))
	authed.POST("/policies", middleware.RequirePermissions("policies"), travel.CreatePolicyHandler(sqlxDB))
	authed.POST("/policies/:id/publish", middleware.RequirePermissions("policies"), travel.PublishPolicyHandler(sqlxDB))

	authed.POST("/bookings", middleware.RequirePermissions("bookings"), travel.CreateBookingHandler(sqlxDB))
	authed.GET("/bookings/:id", middleware.RequirePermissions("bookings"), travel.GetBookingHandler(sqlxDB))
	authed.GET("/trips", travel.ListTripsHandler(sqlxDB))

	for _, mode := range []string{"flights", "hotels", "cars"} {
		authed.GET("/search/"+mode, travel.SearchHandler(mode))
	}

	people := authed.Group("")
	people.Use(middleware.RequirePermissions("users"))
	{
		people.GET("/travelers", userHandlers.ListTravelersHandler())
		people.GET("/travelers/:id", userHandlers.GetTravelerHandler())
		people.PUT("/travelers/:id", userHandlers.UpdateTravelerHandler())
		people.GET("/arranger/travelers", userHandlers.ArrangerTravelersHandler())
		people.POST("/arranger/delegate", userHandlers.DelegateHandler())
	}

	reports := authed.Group("/reports")
	reports.Use(middleware.RequirePermissions("reports"))
	{
		reports.GET("/spend", travel.SpendReportHandler(sqlxDB))
		reports.GET("/compliance", travel.ComplianceReportHandler(sqlxDB))
	}

	return router, bg, nil
}

// healthCheckHandler is the liveness probe: the process is up and the database answers
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/healthz), this also checks the archive storage backend
// and Redis when they are configured. Either may be nil.
func readinessHandler(db *sql.DB, archive storage.Storage, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := gin.H{}
		notReady := func(component, msg string) {
			checks[component] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  msg,
			})
		}

		if err := db.PingContext(ctx); err != nil {
			notReady("database", "database not ready")
			return
		}
		checks["database"] = "healthy"

		if archive != nil {
			if _, err := archive.Exists(ctx, readinessProbePath); err != nil {
				notReady("storage", "storage backend not ready")
				return
			}
			checks["storage"] = "healthy"
		}

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				notReady("redis", "redis not ready")
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build and API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured record per request. The slog handler
// installed by telemetry.SetupLogger decides between JSON and text output.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if id, ok := c.Get(middleware.ContextKeyAPIKeyID); ok {
			attrs = append(attrs, slog.Any("api_key_id", id))
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// newSecretCipher builds the cipher that seals API secrets. A configured salt switches
// the key from raw key material to a PBKDF2 passphrase.
func newSecretCipher(cfg *config.AuthConfig) (*crypto.SecretCipher, error) {
	if cfg.EncryptionSalt == "" {
		return crypto.NewSecretCipherFromString(cfg.EncryptionKey)
	}
	if cfg.EncryptionKey == "" {
		return nil, errors.New("passphrase is empty")
	}
	return crypto.DeriveSecretCipher(cfg.EncryptionKey, []byte(cfg.EncryptionSalt), cfg.KDFIterations)
}
