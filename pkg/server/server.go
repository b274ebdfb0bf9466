package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/campusbridge/partner-api/internal/api"
	"github.com/campusbridge/partner-api/internal/config"
	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/billing"
	"github.com/campusbridge/partner-api/internal/services/circuitbreaker"
	"github.com/campusbridge/partner-api/internal/services/database"
	"github.com/campusbridge/partner-api/internal/services/entitlement"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/campusbridge/partner-api/internal/services/middleware"
	"github.com/campusbridge/partner-api/internal/services/notifications"
	"github.com/campusbridge/partner-api/internal/services/reload"
	"github.com/campusbridge/partner-api/internal/services/scheduler"
	"github.com/campusbridge/partner-api/internal/services/subscription"

	"github.com/campusbridge/partner-api/internal/services/auth"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// Server is a CampusBridge Partner API instance.
type Server struct {
	config     *config.Config
	app        *fiber.App
	redis      *redis.Client
	db         *database.DB
	dispatcher *notifications.Dispatcher
	sweeper    *scheduler.ReloadSweepScheduler
}

type serverServices struct {
	ledger        *ledger.Service
	entitlements  *entitlement.Service
	subscriptions *subscription.Service
	gateway       billing.Gateway
	webhooks      *billing.WebhookService
	reload        *reload.Service
	dispatcher    *notifications.Dispatcher
}

type serverInfrastructure struct {
	redis *redis.Client
	db    *database.DB
}

// New creates a new Server instance with the given configuration.
// The cfg parameter is required and must not be nil.
func New(cfg *config.Config) *Server {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() to create config")
	}

	return &Server{
		config: cfg,
	}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(s.config)

	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	s.app = createFiberApp(s.config)

	// === Infrastructure Setup ===
	infra, err := initializeInfrastructure(s.config)
	if err != nil {
		return err
	}
	s.redis = infra.redis
	s.db = infra.db

	if s.redis != nil {
		defer func() {
			if err := s.redis.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}
	defer func() {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	// === Services Initialization ===
	services := initializeServices(s.db, s.redis, s.config)
	s.dispatcher = services.dispatcher
	if s.dispatcher != nil {
		defer s.dispatcher.Stop()
	}

	// === Middleware Setup ===
	setupMiddleware(s.app, s.config)

	// === Routes Setup ===
	setupRoutes(s.app, s.config, s.db, s.redis, services)

	s.app.Get("/", welcomeHandler())

	// Background auto-reload sweep
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	if s.config.AutoReload != nil && s.config.AutoReload.SweepIntervalMinutes > 0 && services.reload != nil {
		s.sweeper = scheduler.NewReloadSweepScheduler(
			services.reload,
			time.Duration(s.config.AutoReload.SweepIntervalMinutes)*time.Minute,
		)
		go s.sweeper.Start(sweepCtx)
		defer s.sweeper.Stop()
	}

	fmt.Printf("CampusBridge Partner API starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", s.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	// Graceful shutdown handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		fiberlog.Info("Context cancelled, starting shutdown...")
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- s.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}

	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:              "CampusBridge Partner API v1.0",
		EnablePrintRoutes:    !isProd,
		ReadTimeout:          1 * time.Minute,
		WriteTimeout:         1 * time.Minute,
		IdleTimeout:          5 * time.Minute,
		ReadBufferSize:       8192,
		WriteBufferSize:      8192,
		CompressedFileSuffix: ".gz",
		Prefork:              false,
		CaseSensitive:        true,
		StrictRouting:        false,
		Network:              "tcp",
		ServerHeader:         "CampusBridge",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:               600,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fmt.Errorf("600 requests per minute")
		},
	}))

	// Request timeout
	app.Use(func(c *fiber.Ctx) error {
		const (
			defaultTimeout = 30 * time.Second
			maxTimeout     = 2 * time.Minute
		)

		timeout := defaultTimeout
		if customTimeout := c.Get("X-Request-Timeout"); customTimeout != "" {
			if d, err := time.ParseDuration(customTimeout); err == nil && d > 0 {
				timeout = min(d, maxTimeout)
			}
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)

		return c.Next()
	})

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, User-Agent",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
	}))

	// Profiler (dev only)
	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		fiberlog.Info("Redis not configured - reload locks, circuit breaker, and admin feed disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.ConnMaxLifetime = 30 * time.Minute
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opt)

	return testRedisConnectionWithRetry(client)
}

func testRedisConnectionWithRetry(client *redis.Client) (*redis.Client, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return client, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			delay := time.Duration(attempt) * baseDelay
			fiberlog.Infof("Retrying Redis connection in %v...", delay)
			time.Sleep(delay)
		}
	}

	if err := client.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client after connection failures: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

func initializeInfrastructure(cfg *config.Config) (*serverInfrastructure, error) {
	infra := &serverInfrastructure{}

	redisClient, err := createRedisClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	infra.redis = redisClient

	db, err := database.New(*cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	infra.db = db

	fiberlog.Infof("Database (%s) initialized successfully", db.DriverName())

	if err := runDatabaseMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	fiberlog.Info("Database migrations completed successfully")

	return infra, nil
}

func runDatabaseMigrations(db *database.DB) error {
	ledgerSvc := ledger.NewService(db.DB)
	if err := ledgerSvc.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate ledger tables: %w", err)
	}

	entitlementSvc := entitlement.NewService(db.DB, ledgerSvc, nil)
	if err := entitlementSvc.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate entitlement tables: %w", err)
	}

	if err := db.AutoMigrate(&models.BillingWebhookEvent{}); err != nil {
		return fmt.Errorf("failed to migrate webhook event table: %w", err)
	}

	return nil
}

func buildDispatcher(cfg *config.Config, redisClient *redis.Client) *notifications.Dispatcher {
	if cfg.Notifications == nil {
		return nil
	}
	nc := cfg.Notifications

	var sinks []notifications.Sink
	if redisClient != nil && nc.AdminFeedChannel != "" {
		sinks = append(sinks, notifications.NewAdminFeed(redisClient, nc.AdminFeedChannel))
	}
	if nc.ChatWebhookURL != "" && nc.ChatWebhookSecret != "" {
		chat, err := notifications.NewChatWebhook(nc.ChatWebhookURL, nc.ChatWebhookSecret)
		if err != nil {
			fiberlog.Errorf("Failed to initialize chat webhook sink: %v", err)
		} else {
			sinks = append(sinks, chat)
		}
	}
	if nc.EmailEndpoint != "" {
		sinks = append(sinks, notifications.NewEmailSender(nc.EmailEndpoint, nc.EmailFrom))
	}

	if len(sinks) == 0 {
		return nil
	}

	return notifications.NewDispatcher(sinks, nc.WorkerPoolSize, nc.QueueSize)
}

func initializeServices(db *database.DB, redisClient *redis.Client, cfg *config.Config) *serverServices {
	dispatcher := buildDispatcher(cfg, redisClient)
	var notifier notifications.Publisher
	if dispatcher != nil {
		notifier = dispatcher
	}

	ledgerSvc := ledger.NewService(db.DB)
	entitlementSvc := entitlement.NewService(db.DB, ledgerSvc, notifier)

	var gateway billing.Gateway
	if cfg.Billing != nil && cfg.Billing.Stripe.SecretKey != "" {
		gateway = billing.NewStripeGateway(cfg.Billing.Stripe)
	}

	var subscriptionGateway subscription.Gateway
	if gateway != nil {
		subscriptionGateway = gateway
	}
	subscriptionSvc := subscription.NewService(db.DB, ledgerSvc, subscriptionGateway, notifier)

	var webhookSvc *billing.WebhookService
	var reloadSvc *reload.Service
	if gateway != nil {
		webhookSvc = billing.NewWebhookService(db.DB, gateway, subscriptionSvc, ledgerSvc, notifier)

		var breaker *circuitbreaker.CircuitBreaker
		if redisClient != nil {
			breaker = circuitbreaker.New(redisClient, "stripe")
		}

		lockTTL := time.Duration(0)
		if cfg.AutoReload != nil && cfg.AutoReload.LockTTLMinutes > 0 {
			lockTTL = time.Duration(cfg.AutoReload.LockTTLMinutes) * time.Minute
		}
		reloadSvc = reload.NewService(db.DB, ledgerSvc, gateway, redisClient, breaker, notifier, lockTTL)
	}

	return &serverServices{
		ledger:        ledgerSvc,
		entitlements:  entitlementSvc,
		subscriptions: subscriptionSvc,
		gateway:       gateway,
		webhooks:      webhookSvc,
		reload:        reloadSvc,
		dispatcher:    dispatcher,
	}
}

func setupRoutes(app *fiber.App, cfg *config.Config, db *database.DB, redisClient *redis.Client, services *serverServices) {
	healthHandler := api.NewHealthHandler(db.DB, redisClient)
	app.Get("/health", healthHandler.HealthCheck)

	var authMiddleware *middleware.AuthMiddleware
	var companyAccess auth.AuthProvider
	if cfg.Auth != nil && cfg.Auth.Clerk != nil && cfg.Auth.Clerk.SecretKey != "" {
		provider := auth.NewClerkAuthProvider(cfg.Auth.Clerk.SecretKey)
		authMiddleware = middleware.NewAuthMiddleware(provider, nil)
		companyAccess = provider

		if cfg.Auth.Clerk.WebhookSecret != "" {
			clerkWebhookHandler := api.NewClerkWebhookHandler(cfg.Auth.Clerk.WebhookSecret, services.ledger)
			app.Post("/webhooks/clerk", clerkWebhookHandler.HandleWebhook)
		}
	}

	// Webhooks sit outside the authenticated surface; each verifies its own
	// provider signature.
	if services.webhooks != nil {
		billingHandler := api.NewBillingHandler(cfg, services.gateway, services.webhooks, services.subscriptions, services.reload, services.ledger, companyAccess)
		app.Post("/webhooks/stripe", billingHandler.HandleStripeWebhook)
	}

	v1Group := app.Group("/v1")
	companyGuard := func(c *fiber.Ctx) error { return c.Next() }
	if authMiddleware != nil {
		v1Group.Use(authMiddleware.RequireAuth())
		companyGuard = authMiddleware.RequireCompanyAccess("company_id")
	}

	entitlementsHandler := api.NewEntitlementsHandler(services.entitlements, companyAccess)
	v1Group.Post("/entitlements/unlock", entitlementsHandler.Unlock)
	v1Group.Get("/entitlements/unlocks/:company_id", companyGuard, entitlementsHandler.GetUnlocks)

	creditsHandler := api.NewCreditsHandler(services.ledger)
	v1Group.Get("/credits/balance/:company_id", companyGuard, creditsHandler.GetBalance)
	v1Group.Get("/credits/transactions/:company_id", companyGuard, creditsHandler.GetTransactionHistory)

	if services.webhooks != nil {
		billingHandler := api.NewBillingHandler(cfg, services.gateway, services.webhooks, services.subscriptions, services.reload, services.ledger, companyAccess)
		billingGroup := v1Group.Group("/billing")
		billingGroup.Get("/status", billingHandler.GetStatus)
		billingGroup.Post("/checkout-session", billingHandler.CreateCheckoutSession)
		billingGroup.Post("/change-tier", billingHandler.ChangeTier)
		billingGroup.Post("/auto-reload/trigger", billingHandler.TriggerAutoReload)
		billingGroup.Put("/auto-reload/settings", billingHandler.UpdateAutoReloadSettings)
	}
}

func welcomeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":    "Welcome to the CampusBridge Partner API!",
			"version":    "1.0.0",
			"go_version": runtime.Version(),
			"status":     "running",
			"endpoints": fiber.Map{
				"unlock":  "/v1/entitlements/unlock",
				"billing": "/v1/billing/status",
				"credits": "/v1/credits/balance/:company_id",
				"health":  "/health",
			},
		})
	}
}
