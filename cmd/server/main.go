package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	watchclock "github.com/WatchBeam/clock"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stemforge/api/internal/artifact"
	"github.com/stemforge/api/internal/client"
	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/handler"
	"github.com/stemforge/api/internal/middleware"
	"github.com/stemforge/api/internal/provider"
	"github.com/stemforge/api/internal/recovery"
	"github.com/stemforge/api/internal/service"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/internal/worker"
	ws "github.com/stemforge/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	redisAvailable := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v, using in-process counters", err)
		redisAvailable = false
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize R2 client (optional - continues if not configured)
	var storageClient client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storageClient = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured")
	}

	// Provider adapters: registry dispatches on the configured name
	workerAdapter := provider.NewWorkerAdapter(&cfg.Worker)
	replicateAdapter := provider.NewReplicateAdapter(&cfg.Replicate)
	registry := provider.NewRegistry(workerAdapter, replicateAdapter)

	// Stores. Quota and queue degrade to process-local variants when Redis
	// is down; job and asset records require it.
	jobStore := store.NewRedisJobStore(redisClient)
	assetStore := store.NewRedisAssetStore(redisClient)
	artifactStore := store.NewRedisArtifactStore(redisClient)

	var quotaLedger store.QuotaLedger
	var queueTracker store.QueueTracker
	if redisAvailable {
		quotaLedger = store.NewRedisQuotaLedger(redisClient, cfg.Quota)
		queueTracker = store.NewRedisQueueTracker(redisClient)
	} else {
		quotaLedger = store.NewMemoryQuotaLedger(cfg.Quota)
		queueTracker = store.NewMemoryQueueTracker()
	}

	// Artifact materializer
	materializer := artifact.NewMaterializer(storageClient, artifactStore, &cfg.Artifacts)

	// Recovery engine
	engine := recovery.NewEngine(
		jobStore, assetStore, registry, materializer, queueTracker,
		cfg.Recovery, cfg.Server.PublicURL, watchclock.C,
	)

	// Services
	jobService := service.NewJobService(
		jobStore, assetStore, artifactStore, quotaLedger, queueTracker,
		registry, materializer, engine, hub, cfg.Recovery.Provider,
	)
	uploadService := service.NewUploadService(assetStore, quotaLedger, storageClient)

	// Handlers
	jobHandler := handler.NewJobHandler(jobService, validate)
	assetHandler := handler.NewAssetHandler(uploadService, validate)
	webhookHandler := handler.NewWebhookHandler(jobService)
	recoveryHandler := handler.NewRecoveryHandler(engine, queueTracker)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB, uploads go direct to storage
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":     redisAvailable,
				"r2":        storageClient != nil,
				"worker":    workerAdapter.IsConfigured(),
				"replicate": replicateAdapter.IsConfigured(),
			},
		})
	})

	// Provider completion callbacks. HMAC-verified, not session-authed.
	app.Post("/webhooks/jobs/:jobId", webhookHandler.Receive)

	// Ops surface
	app.Post("/internal/recovery/sweep", recoveryHandler.Sweep)
	app.Get("/internal/queue/depth", recoveryHandler.QueueDepth)

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	api.Post("/assets", rateLimiter.UploadsLimit(cfg.RateLimit.UploadsPerHour), assetHandler.Register)
	api.Post("/jobs", rateLimiter.JobsLimit(cfg.RateLimit.JobsPerHour), jobHandler.Create)
	api.Get("/jobs/:jobId", jobHandler.Status)
	api.Get("/jobs/:jobId/artifacts", jobHandler.Artifacts)
	api.Get("/artifacts/url/*", assetHandler.DownloadURL)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Scheduled recovery sweep via Asynq
	if redisAvailable {
		go startSweepScheduler(cfg, engine)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// startSweepScheduler runs the periodic recovery sweep. The sweep task is
// idempotent: a stale job found by two triggers is committed once thanks to
// the version check on the job record.
func startSweepScheduler(cfg *config.Config, engine *recovery.Engine) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register(cfg.Recovery.SweepCron, worker.NewSweepTask()); err != nil {
		log.Printf("Failed to register sweep schedule: %v", err)
		return
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			log.Printf("Asynq scheduler error: %v", err)
		}
	}()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
	})

	recoveryWorker := worker.NewRecoveryWorker(engine)
	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeSweep, recoveryWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
