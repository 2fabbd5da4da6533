package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/riskwatch/hazard-alerts/internal/api"
	"github.com/riskwatch/hazard-alerts/internal/config"
	"github.com/riskwatch/hazard-alerts/internal/dispatch"
	"github.com/riskwatch/hazard-alerts/internal/ingest"
	"github.com/riskwatch/hazard-alerts/internal/logging"
	"github.com/riskwatch/hazard-alerts/internal/pipeline"
	"github.com/riskwatch/hazard-alerts/internal/sink"
	"github.com/riskwatch/hazard-alerts/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logging.Fatalf("Failed to load policy: %v", err)
	}

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	db, err := store.NewSQLiteStore(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Operator report stream: failed dispatches and dropped events land here.
	reports := sink.NewBroadcaster()
	_, reportCh := reports.Subscribe()
	go func() {
		for rep := range reportCh {
			slog.Warn("operator report",
				"kind", rep.Kind,
				"hazard", rep.Hazard,
				"location_key", rep.LocationKey,
				"detail", rep.Detail)
		}
	}()

	var transport dispatch.Transport
	if cfg.Transport.WebhookURL != "" {
		transport = dispatch.NewSMSTransport(cfg.Transport.WebhookURL, cfg.Transport.AuthToken)
	} else {
		slog.Warn("no SMS webhook configured, running in dry-run mode")
		transport = dispatch.NewLogTransport()
	}

	dispatcher := dispatch.NewDispatcher(transport, db, pol.DispatchRecipients(), pol.DispatchConfig(), reports)

	coordinator := pipeline.New(pipeline.Config{
		States:     db,
		History:    db,
		Dispatcher: dispatcher,
		Policies:   pol.Thresholds(),
		Reports:    reports,
		CASRetries: pol.CASRetries,
	})

	mgr := ingest.NewManager(cfg, coordinator)
	mgr.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(10)) // 10 req/s global limit

	handler := api.NewHandler(coordinator, mgr, db)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	// Stop accepting HTTP requests before the pool closes, so in-flight batch
	// submissions never race a closed queue.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	mgr.Stop()
	reports.Close()

	slog.Info("shutdown complete")
}
