package bootstrap

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	httpin "history_server/adapter/in/http"
	"history_server/config"
	"history_server/infra/middleware"
	"history_server/pkg/logger"
)

// NewAPI builds the HTTP server and starts the background components it
// depends on (connectivity probe, sync loop, janitor). The returned cleanup
// stops all of them.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "history-api",
	})

	deps, cleanupDeps, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	// Background components.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	deps.Connectivity.Start(bgCtx)
	if err := deps.SyncManager.Start(bgCtx); err != nil {
		bgCancel()
		cleanupDeps()
		return nil, nil, err
	}
	if deps.Janitor != nil {
		deps.Janitor.Start()
	}

	cleanup := func() {
		if deps.Janitor != nil {
			deps.Janitor.Stop()
		}
		deps.SyncManager.Stop()
		deps.Connectivity.Stop()
		bgCancel()
		cleanupDeps()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 5 * 1024 * 1024,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS: credentials require explicit origins.
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := httpin.NewHealthHandler(deps.RemoteStore, deps.Redis)
	healthHandler.Register(app)

	// API routes (authenticated)
	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	historyHandler := httpin.NewHistoryHandler(deps.SyncManager, deps.CacheManager)
	historyHandler.Register(api)

	syncHandler := httpin.NewSyncHandler(deps.SyncManager)
	syncHandler.Register(api)

	migrationHandler := httpin.NewMigrationHandler(deps.MigrationEngine)
	migrationHandler.Register(api)

	logger.Info("API server initialized successfully")
	return app, cleanup, nil
}
