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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wharfdev/wharf/internal/api"
	"github.com/wharfdev/wharf/internal/auth"
	"github.com/wharfdev/wharf/internal/config"
	"github.com/wharfdev/wharf/internal/repository/postgres"
	"github.com/wharfdev/wharf/internal/service"
	"github.com/wharfdev/wharf/internal/storage"
	"github.com/wharfdev/wharf/internal/storage/local"
	"github.com/wharfdev/wharf/internal/storage/s3"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info("starting wharf",
		"listen", cfg.ListenAddr(),
		"db_host", cfg.DB.Host,
		"storage_backend", cfg.Storage.Backend,
		"source", cfg.Source.Identifier,
	)

	// Run migrations
	log.Info("running database migrations")
	if err := postgres.RunMigrations(cfg.DB.DSN()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations completed")

	// Database connection pool
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	log.Info("database connected")

	// Artifact storage
	store, err := newStorageBackend(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	log.Info("storage initialized", "backend", cfg.Storage.Backend)

	// Repository and services
	pkgRepo := postgres.NewPackageRepo(pool)
	catalogSvc := service.NewCatalogService(pkgRepo, store, log)
	searchSvc := service.NewSearchService(pkgRepo, log)
	downloadSvc := service.NewDownloadService(pkgRepo, store, log)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)

	// Router
	router := api.NewRouter(api.RouterDeps{
		CatalogSvc:       catalogSvc,
		SearchSvc:        searchSvc,
		DownloadSvc:      downloadSvc,
		JWTManager:       jwtMgr,
		SourceIdentifier: cfg.Source.Identifier,
		BaseURL:          cfg.Server.BaseURL,
		AdminEmail:       cfg.Auth.AdminEmail,
		AdminPassword:    cfg.Auth.AdminPassword,
		CORSOrigins:      cfg.CORS.AllowedOrigins,
		Logger:           log,
	})

	// HTTP Server
	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func newStorageBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		return s3.New(s3.Config{
			Endpoint:      cfg.Storage.S3Endpoint,
			Region:        cfg.Storage.S3Region,
			Bucket:        cfg.Storage.S3Bucket,
			AccessKey:     cfg.Storage.S3AccessKey,
			SecretKey:     cfg.Storage.S3SecretKey,
			UseSSL:        cfg.Storage.S3UseSSL,
			PresignExpiry: cfg.Storage.S3PresignExpiry,
		})
	default:
		return local.New(cfg.Storage.Path)
	}
}
