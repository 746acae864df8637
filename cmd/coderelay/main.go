// Package main is the coderelay entry point: one process hosting the
// session agents, the shared directory, the event bus, and the HTTP edge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/httpmw"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/directory"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/github"
	"github.com/coderelay/coderelay/internal/provisioner"
	"github.com/coderelay/coderelay/internal/session"
	"github.com/coderelay/coderelay/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coderelay...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Directory store: embedded sqlite by default, postgres when configured.
	var pool *db.Pool
	switch cfg.Directory.Driver {
	case "postgres":
		pool, err = db.OpenPostgres(cfg.Directory.DSN)
	default:
		pool, err = db.OpenSQLite(cfg.Directory.Path)
	}
	if err != nil {
		log.Fatal("Failed to open directory database", zap.Error(err))
	}
	dir, err := directory.Provide(pool)
	if err != nil {
		log.Fatal("Failed to initialize directory store", zap.Error(err))
	}
	defer dir.Close()

	if cfg.Personas.SeedFile != "" {
		if err := directory.SeedPersonasFromFile(ctx, dir, cfg.Personas.SeedFile); err != nil {
			log.Warn("Failed to seed personas", zap.Error(err))
		}
	}

	eventBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	keys, err := tokens.NewMasterKeyProvider(cfg.Auth.TokenKeyDir)
	if err != nil {
		log.Fatal("Failed to load token master key", zap.Error(err))
	}
	tokenService := tokens.NewService(dir, keys)

	registry, err := session.NewRegistry(session.Deps{
		Cfg:         cfg.Session,
		Directory:   dir,
		Bus:         eventBus,
		Provisioner: provisioner.NewClient(),
		Bridge:      github.NewBridge(log, nil),
		Tokens:      tokenService,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("Failed to initialize session registry", zap.Error(err))
	}
	defer registry.Close()

	// HTTP edge.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.OtelTracing("coderelay"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "bus": eventBus.IsConnected()})
	})

	sessionHandler := session.NewHandler(registry, log)
	sessionHandler.RegisterRoutes(router.Group("/api/sessions"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown", zap.Error(err))
	}
	registry.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
