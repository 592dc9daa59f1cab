package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vitalyze/vitalyze/internal/config"
	"github.com/vitalyze/vitalyze/internal/domain/reminder"
	"github.com/vitalyze/vitalyze/internal/domain/report"
	"github.com/vitalyze/vitalyze/internal/platform/auth"
	"github.com/vitalyze/vitalyze/internal/platform/blobstore"
	"github.com/vitalyze/vitalyze/internal/platform/db"
	"github.com/vitalyze/vitalyze/internal/platform/hipaa"
	"github.com/vitalyze/vitalyze/internal/platform/llm"
	"github.com/vitalyze/vitalyze/internal/platform/middleware"
	"github.com/vitalyze/vitalyze/internal/platform/mongodb"
	"github.com/vitalyze/vitalyze/internal/platform/notification"
	"github.com/vitalyze/vitalyze/internal/platform/ocr"
	"github.com/vitalyze/vitalyze/internal/platform/redis"
	"github.com/vitalyze/vitalyze/internal/platform/telemetry"
)

const (
	inMemoryQueueSize = 256
	apiRequestTimeout = 30 * time.Second
	defaultBodyLimit  = "1M"
)

// app holds every long-lived dependency of the process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	mongo *mongo.Database

	queue     report.Queue
	pipeline  *report.Pipeline
	reports   *report.Service
	reminders *reminder.Service
	remRepo   reminder.Repository
	notifier  reminder.Notifier
	metrics   *telemetry.Metrics

	health map[string]db.Pinger
}

// countingNotifier records every reminder delivery attempt.
type countingNotifier struct {
	reminder.Notifier
	metrics *telemetry.Metrics
}

func (n countingNotifier) Send(ctx context.Context, phone, template string, params []string) (*notification.Notification, error) {
	out, err := n.Notifier.Send(ctx, phone, template, params)
	n.metrics.Delivered(template, err)
	return out, err
}

func queueDepth(q report.Queue) func() float64 {
	switch q := q.(type) {
	case *report.InMemoryQueue:
		return func() float64 { return float64(q.Len()) }
	case *report.RedisQueue:
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			n, err := q.Len(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		}
	default:
		return func() float64 { return 0 }
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func fallbackPolicy(name string) report.FallbackPolicy {
	if name == "heuristic" {
		return report.FallbackHeuristic
	}
	return report.FallbackEmpty
}

func newAIBackend(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.AIProvider {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.AITimeout,
		}), nil
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:   cfg.GeminiAPIKey,
			Project:  cfg.GCPProjectID,
			Location: cfg.GCPLocation,
			Model:    cfg.GeminiModel,
			Timeout:  cfg.AITimeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.StorageBackend != "minio" {
		return blobstore.NewInMemoryBlobStore(cfg.MinIOBucket), nil
	}
	store, err := blobstore.NewMinIOStore(ctx, blobstore.MinIOConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		Region:    cfg.MinIORegion,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newApp connects every backend the configuration names and wires the
// report and reminder domains on top of them.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.New(), health: map[string]db.Pinger{}}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.health["postgres"] = pool
	logger.Info().Msg("connected to database")

	var tasks report.TaskStore
	if cfg.UsesRedis() {
		rc, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = rc
		a.health["redis"] = rc
		tasks = report.NewRedisTaskStore(rc, cfg.TaskTTL)
		a.queue = report.NewRedisQueue(rc)
		logger.Info().Msg("connected to redis")
	} else {
		tasks = report.NewInMemoryTaskStore()
		a.queue = report.NewInMemoryQueue(inMemoryQueueSize)
		logger.Warn().Msg("REDIS_URL not set; tasks and jobs are kept in process memory")
	}

	results := report.NewRepo(pool)
	if cfg.ResultStore == "mongo" {
		mdb, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			a.close()
			return nil, err
		}
		a.mongo = mdb
		a.health["mongo"] = mongodb.Pinger{DB: mdb}
		results = report.NewMongoRepo(mdb)
		logger.Info().Str("database", cfg.MongoDBName).Msg("connected to mongo")
	}

	ai, err := newAIBackend(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	if p, ok := blobs.(db.Pinger); ok {
		a.health["blobstore"] = p
	}

	engine := ocr.New(ocr.Config{
		Pdftotext: cfg.OCRPdftotext,
		Pdftoppm:  cfg.OCRPdftoppm,
		Tesseract: cfg.OCRTesseract,
		DPI:       cfg.OCRDPI,
		Lang:      cfg.OCRLang,
		PSM:       cfg.OCRPSM,
		MaxPages:  cfg.OCRMaxPages,
		Timeout:   cfg.OCRTimeout,
	}, logger.With().Str("component", "ocr").Logger())

	a.pipeline = report.NewPipeline(
		tasks,
		a.queue,
		report.NewTextExtractor(engine),
		report.NewIndicatorExtractor(ai,
			report.WithMaxInputChars(cfg.MaxAIInputChars),
			report.WithFallback(fallbackPolicy(cfg.IndicatorFallback)),
		),
		report.NewSummarizer(ai),
		results,
		logger.With().Str("component", "pipeline").Logger(),
	)
	a.pipeline.SetObserver(a.metrics)
	a.pipeline.SetInlineAnalysisTimeout(cfg.WorkerJobTimeout)
	a.metrics.QueueDepth(queueDepth(a.queue))
	a.reports = report.NewService(a.pipeline, results, blobs, logger)

	a.remRepo = reminder.NewRepo(pool)
	a.reminders = reminder.NewService(a.remRepo)
	dispatcher := notification.NewDispatcher(
		notification.NewWhatsAppSender(notification.WhatsAppConfig{
			APIVersion:    cfg.WhatsAppAPIVersion,
			AccessToken:   cfg.WhatsAppAccessToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		}),
		notification.WithLogger(logger.With().Str("component", "notification").Logger()),
	)
	a.notifier = countingNotifier{Notifier: dispatcher, metrics: a.metrics}
	if cfg.WhatsAppAccessToken == "" || cfg.WhatsAppPhoneNumberID == "" {
		logger.Warn().Msg("WhatsApp credentials not set; reminders will not be delivered")
	}

	return a, nil
}

func (a *app) close() {
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.mongo.Client().Disconnect(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("mongo disconnect failed")
		}
		cancel()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// background runs the report worker pool and the reminder scheduler.
type background struct {
	workers   *report.Pool
	scheduler *reminder.Scheduler
}

func (a *app) startBackground(ctx context.Context) (*background, error) {
	loc, err := time.LoadLocation(a.cfg.ReminderTimezone)
	if err != nil {
		return nil, fmt.Errorf("load reminder timezone: %w", err)
	}

	workers := report.NewPool(a.queue, a.pipeline,
		report.WithWorkers(a.cfg.WorkerCount),
		report.WithJobTimeout(a.cfg.WorkerJobTimeout),
		report.WithPoolLogger(a.logger.With().Str("component", "worker").Logger()),
	)
	workers.Start(ctx)

	scheduler := reminder.NewScheduler(a.remRepo, a.notifier,
		reminder.WithLocation(loc),
		reminder.WithReconcileInterval(a.cfg.ReminderReconcile),
		reminder.WithSchedulerLogger(a.logger.With().Str("component", "scheduler").Logger()),
	)
	if err := scheduler.Start(ctx); err != nil {
		_ = workers.Shutdown(context.Background())
		return nil, fmt.Errorf("start reminder scheduler: %w", err)
	}
	a.reminders.SetReconciler(scheduler)

	a.logger.Info().Int("workers", a.cfg.WorkerCount).Msg("background processing started")
	return &background{workers: workers, scheduler: scheduler}, nil
}

func (b *background) stop(ctx context.Context, logger zerolog.Logger) {
	if err := b.scheduler.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("reminder scheduler did not stop cleanly")
	}
	if err := b.workers.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker pool did not drain before shutdown deadline")
	}
}

// newEcho builds the HTTP server with the global middleware chain and
// every route registered.
func (a *app) newEcho() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))
	e.Use(middleware.BodyLimit(defaultBodyLimit, cfg.MaxUploadSize))
	e.Use(middleware.RequestTimeout(apiRequestTimeout, middleware.UploadPath))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	e.Use(authMiddleware(cfg))

	// Audit middleware
	var recorders []middleware.AuditRecorder
	if a.pool != nil {
		recorders = append(recorders, hipaa.NewAccessLog(a.pool))
	}
	e.Use(middleware.Audit(a.logger, recorders...))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(a.health))
	e.GET(telemetry.MetricsPath, a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	report.NewHandler(a.reports, cfg.UploadDir).RegisterRoutes(apiV1)
	reminder.NewHandler(a.reminders).RegisterRoutes(apiV1)

	return e
}

// newProbeEcho serves only health and metrics, for worker-only processes.
func (a *app) newProbeEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(a.logger))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.health))
	e.GET(telemetry.MetricsPath, a.metrics.Handler())
	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var validate echo.MiddlewareFunc
	if cfg.JWTSecret != "" || cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.JWTSecret != "" {
			jwtCfg.SigningKey = []byte(cfg.JWTSecret)
		}
		validate = auth.JWTMiddleware(jwtCfg)
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(validate)
	}
	return validate
}
