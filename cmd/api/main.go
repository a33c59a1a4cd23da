package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"formsync/api/internal/airtable"
	"formsync/api/internal/app"
	"formsync/api/internal/config"
	"formsync/api/internal/export"
	"formsync/api/internal/invoker"
	"formsync/api/internal/logging"
	"formsync/api/internal/sealbox"
	"formsync/api/internal/search"
	"formsync/api/internal/store"
	"formsync/api/internal/tokenlock"
)

func main() {
	cfg := config.Load()
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	logger := logging.NewJSON(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		fatal(ctx, logger, "database connection failed", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		fatal(ctx, logger, "migrations failed", err)
	}
	logger.Info(ctx, "migrations applied", "versions", applied)
	if cfg.MigrateOnly {
		return
	}

	if strings.TrimSpace(cfg.TokenKey) == "" {
		logger.Warn(ctx, "FORMSYNC_TOKEN_KEY is empty, credentials are stored unsealed")
	}
	dataStore := store.NewPostgresStore(db, sealbox.New(cfg.TokenKey))

	httpClient := &http.Client{Timeout: cfg.AirtableTimeout}
	client := airtable.NewClientWithHTTP(cfg.AirtableAPIURL, httpClient)
	exchanger := airtable.NewTokenExchanger(cfg.AirtableTokenURL, cfg.AirtableClientID, cfg.AirtableClientSecret, httpClient)

	opts := []invoker.Option{invoker.WithLogger(logger)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		locker, err := tokenlock.NewRedisLocker(cfg.RedisURL, cfg.RefreshLockTTL)
		if err != nil {
			fatal(ctx, logger, "redis connection failed", err)
		}
		defer locker.Close()
		logger.Info(ctx, "using redis to serialize credential refreshes")
		opts = append(opts, invoker.WithLocker(locker))
	}
	inv := invoker.New(dataStore, exchanger, opts...)

	pgfts := search.NewPgFTS(db)
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, logger)
		go searchService.ReindexAllFromPG(context.WithoutCancel(ctx), pgfts)
	} else {
		searchService = search.NewService(nil, pgfts, logger)
	}

	var uploader export.Uploader
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		minioUploader, err := export.NewMinioUploader(ctx, export.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			URLTTL:    cfg.ExportURLTTL,
		})
		if err != nil {
			logger.Warn(ctx, "export storage unavailable", "error", err)
		} else {
			uploader = minioUploader
		}
	}
	exportService := export.NewService(dataStore, uploader)

	service := app.New(cfg, dataStore, client, inv, logger).
		WithSearch(searchService).
		WithExports(exportService)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "formsync API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(ctx, logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown error", "error", err)
	}
}

func fatal(ctx context.Context, logger logging.Logger, msg string, err error) {
	logger.Error(ctx, msg, "error", err)
	os.Exit(1)
}
