// Package api wires together all HTTP routes for the console backend.
//
// Route groups:
//   - /auth/* drives the browser login flow and is unauthenticated.
//   - /api/v1/* requires a session. Suspended accounts may still reach their
//     profile and billing so they can settle what caused the suspension.
//   - /api/v1/admin/* additionally requires an operator email.
//   - /api/cron/* is called by the external scheduler with a shared secret.
//   - /api/webhooks/stripe is public and authenticated by the event signature.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/api/admin"
	billingapi "github.com/mlplatform/console-backend/internal/api/billing"
	"github.com/mlplatform/console-backend/internal/api/cluster"
	"github.com/mlplatform/console-backend/internal/api/cron"
	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/api/session"
	"github.com/mlplatform/console-backend/internal/api/signup"
	"github.com/mlplatform/console-backend/internal/api/team"
	"github.com/mlplatform/console-backend/internal/api/webhooks"
	"github.com/mlplatform/console-backend/internal/auth"
	"github.com/mlplatform/console-backend/internal/auth/oidc"
	"github.com/mlplatform/console-backend/internal/billing"
	"github.com/mlplatform/console-backend/internal/config"
	"github.com/mlplatform/console-backend/internal/crypto"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/hopsworks"
	"github.com/mlplatform/console-backend/internal/hubspot"
	"github.com/mlplatform/console-backend/internal/jobs"
	"github.com/mlplatform/console-backend/internal/mail"
	"github.com/mlplatform/console-backend/internal/middleware"
	"github.com/mlplatform/console-backend/internal/payments"
	"github.com/mlplatform/console-backend/internal/services"
	"github.com/mlplatform/console-backend/internal/storage"

	// Import storage backends to register them
	_ "github.com/mlplatform/console-backend/internal/storage/azure"
	_ "github.com/mlplatform/console-backend/internal/storage/gcs"
	_ "github.com/mlplatform/console-backend/internal/storage/local"
	_ "github.com/mlplatform/console-backend/internal/storage/s3"
)

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown() once
// the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []middleware.Limiter
	shipper      *alerts.MultiShipper
	redis        *redis.Client
}

// Shutdown stops limiter goroutines and closes outbound connections.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close alert shippers", "error", err)
		}
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// activeAccountExempt lists the routes a suspended user may still call.
var activeAccountExempt = []string{
	"/api/v1/me",
	"/api/v1/billing",
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	respond.SetDiagnostics(!cfg.Server.IsProduction())

	// Usage report archive
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.Backend)

	// Repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	userRepo := repositories.NewUserRepository(db)
	failureRepo := repositories.NewHealthCheckRepository(db)
	clusterRepo := repositories.NewClusterRepository(sqlxDB)
	assignmentRepo := repositories.NewAssignmentRepository(sqlxDB)
	inviteRepo := repositories.NewInviteRepository(sqlxDB)
	roleRepo := repositories.NewProjectRoleRepository(sqlxDB)
	eventRepo := repositories.NewStripeEventRepository(sqlxDB)
	usageRepo := repositories.NewUsageRepository(sqlxDB)

	// Cluster API keys are sealed with ENCRYPTION_KEY.
	tokenCipher, err := crypto.NewTokenCipherFromConfig(os.Getenv("ENCRYPTION_KEY"), os.Getenv("ENCRYPTION_SALT"))
	if err != nil {
		log.Fatalf("Failed to initialize token cipher (is ENCRYPTION_KEY set?): %v", err)
	}
	connector := hopsworks.NewFactory(tokenCipher, cfg.Hopsworks.Timeout)

	// Outbound notifications
	var sender mail.Sender
	if cfg.Mail.Enabled {
		sender = mail.NewSMTPSender(mail.Config{
			Host:        cfg.Mail.Host,
			Port:        cfg.Mail.Port,
			Username:    cfg.Mail.Username,
			Password:    cfg.Mail.Password,
			FromAddress: cfg.Mail.FromAddress,
			FromName:    cfg.Mail.FromName,
			BaseURL:     cfg.Server.GetAppURL(),
		})
	}
	mailer := mail.NewMailer(sender, cfg.Server.GetAppURL())

	shipper, err := alerts.NewMultiShipper(cfg.Alerts.Shippers)
	if err != nil {
		log.Fatalf("Failed to initialize alert shippers: %v", err)
	}
	bg.shipper = shipper

	// Billing provider. Interface-typed so a disabled provider stays a nil interface.
	var provider payments.Provider
	var methods cluster.PaymentMethodLister
	var subscriptions jobs.SubscriptionReader
	if cfg.Stripe.Enabled {
		stripeProvider := payments.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		provider, methods, subscriptions = stripeProvider, stripeProvider, stripeProvider
	} else {
		slog.Warn("billing provider disabled; checkout, webhooks and usage reporting are unavailable")
	}

	var deals signup.DealChecker
	if cfg.HubSpot.Enabled {
		deals = hubspot.NewClient(cfg.HubSpot.BaseURL, cfg.HubSpot.Token)
	}

	rates := billing.DefaultRates()
	if price := cfg.Billing.UnitPrice(); price.IsPositive() {
		rates = billing.Rates{CreditUnitPrice: price}
	}

	// Services
	assignmentSvc := services.NewAssignmentService(userRepo, clusterRepo, assignmentRepo, connector, failureRepo,
		services.AssignmentOptions{
			CreateAttempts: cfg.Hopsworks.CreateAttempts,
			CreateBackoff:  cfg.Hopsworks.CreateBackoff,
			OIDCClientID:   cfg.Auth.OIDC.ClientID,
		})
	cascadeSvc := services.NewCascadeService(userRepo, clusterRepo, assignmentRepo, connector, failureRepo)
	inviteSvc := services.NewInviteService(userRepo, inviteRepo, roleRepo, assignmentSvc,
		clusterRepo, assignmentRepo, connector, mailer, failureRepo)

	// Jobs
	integrity := jobs.NewIntegrityChecker(clusterRepo, assignmentRepo, userRepo, subscriptions, failureRepo, shipper)
	repairQueue := jobs.NewRepairQueue(failureRepo, shipper, jobs.RepairOptions{
		BatchSize:   cfg.Cron.RepairBatchSize,
		MaxAttempts: cfg.Cron.RepairMaxAttempts,
	})
	repairQueue.Register(models.CheckQuotaSync, jobs.UserRepair(assignmentSvc.RetryQuota))
	repairQueue.Register(models.CheckHopsworksUserCreate, jobs.UserRepair(assignmentSvc.EnsureBackendUser))
	repairQueue.Register(models.CheckStatusSync, jobs.UserRepair(cascadeSvc.SyncStatus))
	repairQueue.Register(models.CheckProjectMemberSync, jobs.ProjectMemberRepair(inviteSvc.SyncProjectMember))

	cronJobs := cron.Jobs{
		Spending:  jobs.NewSpendingMonitor(usageRepo, userRepo, mailer, failureRepo, shipper),
		Integrity: integrity,
		Repair:    repairQueue,
		Digest:    jobs.NewDailyDigest(userRepo, failureRepo, clusterRepo, usageRepo, shipper),
		Downgrade: jobs.NewDowngradeEnforcer(userRepo, assignmentSvc, mailer, failureRepo),
	}
	if provider != nil {
		cronJobs.Usage = jobs.NewUsageReporter(usageRepo, userRepo, provider, storageBackend, failureRepo, shipper,
			jobs.UsageReporterOptions{
				Meters: jobs.Meters{
					Compute:        cfg.Stripe.ComputeMeter,
					OnlineStorage:  cfg.Stripe.StorageMeter,
					OfflineStorage: cfg.Stripe.OfflineStorageMeter,
					Egress:         cfg.Stripe.EgressMeter,
				},
				OrphanPolicy: cfg.Billing.OrphanedUsagePolicy,
				Rates:        rates,
			})
	}

	// Sessions
	sessions, err := auth.NewSessions(cfg.Auth.Session.Secret, cfg.Auth.Session.TTL, !cfg.Server.IsProduction())
	if err != nil {
		log.Fatalf("Failed to initialize session signer: %v", err)
	}
	var idp session.IdentityProvider
	if cfg.Auth.OIDC.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		p, err := oidc.NewProvider(ctx, &cfg.Auth.OIDC)
		cancel()
		if err != nil {
			log.Fatalf("Failed to initialize OIDC provider: %v", err)
		}
		idp = p
	} else {
		slog.Warn("OIDC disabled; /auth/login will answer 503")
	}

	// Handlers
	sessionHandlers := session.NewHandlers(idp, sessions, userRepo, assignmentSvc, assignmentRepo, session.Options{
		AppURL:        cfg.Server.GetAppURL(),
		SecureCookies: cfg.Security.TLS.Enabled || cfg.Server.IsProduction(),
		IsAdmin:       cfg.Auth.IsAdmin,
	})
	billingHandlers := billingapi.NewHandlers(userRepo, usageRepo, provider, billingapi.Options{
		PriceID: cfg.Stripe.PriceID,
		AppURL:  cfg.Server.GetAppURL(),
		Rates:   rates,
	})
	clusterHandlers := cluster.NewHandlers(assignmentSvc, assignmentRepo, clusterRepo, methods)
	teamHandlers := team.NewHandlers(inviteSvc, cascadeSvc, userRepo, roleRepo)
	signupHandlers := signup.NewHandlers(deals, userRepo)
	cronHandlers := cron.NewHandlers(cronJobs, 0)

	// Rate limiters
	limiters := newLimiterSet(cfg, bg)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware("/health", "/ready"))
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeaders(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, storageBackend))
	router.GET("/version", versionHandler())

	authGroup := router.Group("/auth")
	{
		authGroup.GET("/login", sessionHandlers.Login())
		authGroup.GET("/callback", sessionHandlers.Callback())
		authGroup.POST("/logout", sessionHandlers.Logout())
	}

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.SessionAuth(sessions, userRepo))
	apiV1.Use(limiters.api...)
	apiV1.Use(middleware.RequireActiveAccount(activeAccountExempt...))
	{
		apiV1.GET("/me", sessionHandlers.Me())

		billingGroup := apiV1.Group("/billing")
		{
			billingGroup.POST("/checkout", billingHandlers.Checkout())
			billingGroup.POST("/portal", billingHandlers.Portal())
			billingGroup.GET("/subscription", billingHandlers.Subscription())
			billingGroup.POST("/credits/checkout", billingHandlers.CreditsCheckout())
			billingGroup.PUT("/spending-cap", billingHandlers.SetSpendingCap())
			billingGroup.GET("/usage", billingHandlers.Usage())
			billingGroup.POST("/quote", billingHandlers.Quote())
		}

		apiV1.GET("/cluster", clusterHandlers.Current())
		apiV1.POST("/cluster/assign", clusterHandlers.Assign())

		teamGroup := apiV1.Group("/team")
		{
			teamGroup.POST("/invites", append(limiters.invites, teamHandlers.CreateInvite())...)
			teamGroup.GET("/invites", teamHandlers.ListInvites())
			teamGroup.DELETE("/invites/:id", teamHandlers.RevokeInvite())
			teamGroup.POST("/invites/accept", append(limiters.invites, teamHandlers.AcceptInvite())...)
			teamGroup.GET("/members", teamHandlers.ListMembers())
			teamGroup.DELETE("/members/:id", teamHandlers.RemoveMember())
			teamGroup.POST("/members/:id/projects", teamHandlers.AddToProject())
		}

		apiV1.POST("/signup/corporate", signupHandlers.Corporate())

		adminGroup := apiV1.Group("/admin")
		adminGroup.Use(middleware.RequireAdmin(cfg.Auth.IsAdmin))
		{
			statsHandler := admin.NewStatsHandler(sqlxDB)
			adminGroup.GET("/stats/dashboard", statsHandler.GetDashboardStats)

			clusterAdmin := admin.NewClusterHandlers(clusterRepo, tokenCipher)
			adminGroup.GET("/clusters", clusterAdmin.ListClustersHandler())
			adminGroup.POST("/clusters", clusterAdmin.CreateClusterHandler())
			adminGroup.PUT("/clusters/:id", clusterAdmin.UpdateClusterHandler())

			userAdmin := admin.NewUserHandlers(userRepo, assignmentRepo, cascadeSvc, cfg.Auth.IsAdmin)
			adminGroup.GET("/users", userAdmin.GetUserHandler())
			adminGroup.GET("/users/:id", userAdmin.GetUserHandler())
			adminGroup.POST("/users/:id/suspend", userAdmin.SuspendUserHandler())
			adminGroup.POST("/users/:id/reactivate", userAdmin.ReactivateUserHandler())

			healthAdmin := admin.NewHealthHandlers(failureRepo)
			adminGroup.GET("/health-failures", healthAdmin.ListFailuresHandler())
			adminGroup.POST("/health-failures/:id/resolve", healthAdmin.ResolveFailureHandler())

			reportAdmin := admin.NewUsageReportHandlers(storageBackend)
			adminGroup.GET("/usage-reports", reportAdmin.ListReportsHandler())
			adminGroup.GET("/usage-reports/download", reportAdmin.DownloadReportHandler())
		}
	}

	cronGroup := router.Group("/api/cron")
	cronGroup.Use(middleware.CronAuth(cfg.Cron.Secret))
	{
		if cronJobs.Usage != nil {
			cronGroup.POST("/usage-report", cronHandlers.UsageReport())
		}
		cronGroup.POST("/integrity-check", cronHandlers.IntegrityCheck())
		cronGroup.POST("/repair", cronHandlers.Repair())
		cronGroup.POST("/daily-digest", cronHandlers.DailyDigest())
		cronGroup.POST("/downgrade-enforce", cronHandlers.DowngradeEnforce())
	}

	if provider != nil {
		reconciler := services.NewBillingReconciler(userRepo, eventRepo, provider, assignmentSvc,
			mailer, failureRepo, shipper, services.ReconcilerOptions{
				PriceID:     cfg.Stripe.PriceID,
				GracePeriod: time.Duration(cfg.Billing.DowngradeGraceDays) * 24 * time.Hour,
			})
		webhookHandler := webhooks.NewStripeWebhookHandler(provider, reconciler)
		router.POST("/api/webhooks/stripe", append(limiters.webhooks, webhookHandler.HandleWebhook)...)
	}

	return router, bg
}

// limiterSet holds the per-route rate limit middleware. Each slice is empty
// when rate limiting is off.
type limiterSet struct {
	api      []gin.HandlerFunc
	invites  []gin.HandlerFunc
	webhooks []gin.HandlerFunc
}

// newLimiterSet builds the limiters. Limits apply in production only, unless
// rate_limiting.enabled is explicitly set outside production.
func newLimiterSet(cfg *config.Config, bg *BackgroundServices) limiterSet {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || !cfg.Server.IsProduction() {
		return limiterSet{}
	}

	newLimiter := func(c middleware.RateLimitConfig) middleware.Limiter {
		var l middleware.Limiter
		if bg.redis != nil {
			l = middleware.NewRedisLimiter(bg.redis, c)
		} else {
			l = middleware.NewRateLimiter(c)
		}
		bg.rateLimiters = append(bg.rateLimiters, l)
		return l
	}

	if rl.Backend == "redis" {
		if !cfg.Redis.Enabled {
			log.Fatal("rate_limiting.backend is redis but redis is not enabled")
		}
		bg.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		slog.Info("using redis rate limiter", "addr", cfg.Redis.Addr)
	}

	return limiterSet{
		api: []gin.HandlerFunc{middleware.RateLimitMiddleware(
			newLimiter(middleware.APIRateLimitConfig(rl.RequestsPerMinute, rl.Burst)), nil)},
		invites: []gin.HandlerFunc{middleware.RateLimitMiddleware(
			newLimiter(middleware.InviteRateLimitConfig(rl.InvitesPerHour)), nil)},
		webhooks: []gin.HandlerFunc{middleware.RateLimitMiddleware(
			newLimiter(middleware.WebhookRateLimitConfig(rl.WebhooksPerMinute)), middleware.IPKey)},
	}
}

// healthCheckHandler returns the health status of the service
// GET /health
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the report archive so
// that the readiness gate fails when usage reports could not be written.
// GET /ready
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent path; Exists exercises credentials and
		// connectivity without creating any state.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Version is overridden at build time with -ldflags "-X .../internal/api.Version=...".
var Version = "0.1.0"

// versionHandler returns the API version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	userID, _ := c.Get(middleware.UserIDKey)
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_id", fmt.Sprintf("%v", orEmpty(userID))),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// slog emits text when the global handler is a TextHandler (telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

func orEmpty(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}

// CORSMiddleware handles CORS. Credentials are allowed because the console
// front end authenticates with the session cookie, so a wildcard origin echoes
// the caller's origin instead of "*".
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

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
