package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/handlers"
	custommw "github.com/bracketsync/server/internal/middleware"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
	"github.com/bracketsync/server/internal/services"
)

const serviceName = "bracketsync-server"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// Initialize telemetry
	telemetry, err := observability.Initialize(ctx, observability.NewConfig(serviceName, handlers.Version))
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}

	// Initialize database and repositories
	var db *sql.DB
	var recordStore repository.RecordStore
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL database")
		db, err = repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
		recordStore = repository.NewDocumentRepositoryPostgres(db)
	} else {
		log.Println("Using SQLite database")
		db, err = repository.NewSQLiteDB(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite database: %v", err)
		}
		recordStore = repository.NewDocumentRepository(db)
	}
	defer db.Close()

	userRepo := repository.NewUserRepository(db)
	stateRepo := repository.NewStateRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	// Metrics
	engineMetrics, err := observability.NewEngineMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize engine metrics: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize HTTP metrics: %v", err)
	}

	// Conflict pipeline: the feed ingests device writes, the engine
	// detects, classifies, and resolves
	clocks := services.NewClockMonitor()
	detector := services.NewConflictDetector(recordStore, cfg.ConflictEngine)
	authority := services.NewAuthorityService(recordStore)
	engine := services.NewConflictEngine(recordStore, stateRepo, authority, clocks, detector, cfg.ConflictEngine, engineMetrics)

	feed := services.NewSyncFeed(recordStore, clocks, detector, engineMetrics)
	feed.SubscribeWrites(engine.HandleWrite)
	feed.SubscribeConflicts(engine.IngestConflict)

	// WebSocket hub fans engine events out to connected devices
	hub := services.NewWebSocketHub()
	go hub.Run()
	broadcaster := services.NewConflictBroadcaster(hub)
	engine.SetNotifier(broadcaster)

	// Emergency recovery stack
	checksumService := services.NewChecksumService()
	integrityChecker := services.NewIntegrityChecker(recordStore)
	exportStorage, err := services.NewExportStorage(cfg.Recovery.ExportDir)
	if err != nil {
		log.Fatalf("Failed to initialize export storage: %v", err)
	}
	recovery := services.NewRecoveryService(recordStore, stateRepo, snapshotRepo, integrityChecker, checksumService, exportStorage, cfg.Recovery, engineMetrics)
	recovery.SetConflictReporter(engine)
	recovery.SetNotifier(broadcaster)

	// First-run bootstrap creates the initial organizer account
	bootstrap := services.NewBootstrapService(userRepo, cfg.Security)
	if err := bootstrap.EnsureFirstUser(ctx); err != nil {
		log.Fatalf("Failed to bootstrap first user: %v", err)
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start conflict engine: %v", err)
	}
	if err := recovery.Start(ctx); err != nil {
		log.Fatalf("Failed to start recovery service: %v", err)
	}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(userRepo)
	syncHandler := handlers.NewSyncHandler(feed, engine)
	conflictHandler := handlers.NewConflictHandler(engine)
	recoveryHandler := handlers.NewRecoveryHandler(recovery)
	wsHandler := handlers.NewWebSocketHandler(hub, feed, engine)
	healthHandler := handlers.NewHealthHandler(db, engine, hub)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware(serviceName))
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(custommw.UserAPIKeyAuth(userRepo, cfg.Security.APIKeyHeader, []string{
		"/api/health",
		"/api/version",
		"/api/auth/provision",
	}))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/api/version", handlers.VersionHandler)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/provision", authHandler.Provision)
		r.Get("/me", authHandler.GetCurrentUser)
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/write", syncHandler.SubmitWrite)
		r.Post("/reconnect", syncHandler.Reconnect)
		r.Get("/clocks", syncHandler.GetClockStatus)
	})

	r.Route("/api/conflicts", func(r chi.Router) {
		r.Get("/", conflictHandler.ListConflicts)
		r.Get("/pending", conflictHandler.ListPendingConflicts)
		r.Get("/stats", conflictHandler.GetConflictStats)
		r.Get("/patterns", conflictHandler.GetPatterns)
		r.Get("/{id}", conflictHandler.GetConflict)
		r.Post("/{id}/resolve", conflictHandler.ResolveConflict)
	})

	r.Route("/api/recovery", func(r chi.Router) {
		r.Get("/status", recoveryHandler.GetSweepStatus)
		r.Post("/sweep", recoveryHandler.RunSweep)
		r.Route("/{tournamentId}", func(r chi.Router) {
			r.Get("/", recoveryHandler.GetPlan)
			r.Get("/rollback-points", recoveryHandler.GetRollbackPoints)
			r.Group(func(r chi.Router) {
				r.Use(custommw.OrganizerAuth(authority))
				r.Post("/plan", recoveryHandler.CreatePlan)
				r.Post("/snapshots", recoveryHandler.CreateSnapshot)
				r.Post("/rollback", recoveryHandler.Rollback)
				r.Post("/integrity", recoveryHandler.RunIntegrityCheck)
				r.Post("/export", recoveryHandler.CreateExport)
			})
		})
	})

	r.Get("/ws", wsHandler.HandleConnection)

	// doc.json is produced by `swag init -g cmd/server/main.go` from the
	// handler annotations; until it is generated and its docs package
	// imported, the UI loads but the spec request 404s
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second, // WebSocket connections are hijacked and unaffected
	}

	// Start server in goroutine
	go func() {
		log.Printf("BracketSync Server starting on %s", cfg.ServerAddress)
		log.Printf("Export directory: %s", exportStorage.BasePath())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	recovery.Stop()
	engine.Stop()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
