package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternmail/tern/adminapi"
	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/backend/pebblestore"
	"github.com/ternmail/tern/backend/pgstore"
	"github.com/ternmail/tern/blob"
	"github.com/ternmail/tern/cache"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/store"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open storage engine", "error", err)
	}
	defer engine.Close()

	st, err := store.Open(ctx, engine, mailSchema(), store.Options{
		QuotaLimit: cfg.Quota.DefaultLimit,
	})
	if err != nil {
		logger.Fatal("failed to open document store", "error", err)
	}

	blobBackend, err := openBlobBackend(cfg)
	if err != nil {
		logger.Fatal("failed to open blob backend", "error", err)
	}

	var blobCache *cache.Cache
	if cfg.Cache.Enabled {
		purgeInterval, _ := cfg.Cache.GetPurgeInterval()
		blobCache, err = cache.New(cfg.Cache.Path, cfg.Cache.Capacity, cfg.Cache.MaxObjectSize, purgeInterval)
		if err != nil {
			logger.Fatal("failed to open blob cache", "error", err)
		}
		defer blobCache.Close()
		blobCache.StartPurgeLoop(ctx)
	}

	grace, _ := cfg.Blob.GetGracePeriod()
	blobOpts := blob.Options{GracePeriod: grace}
	if blobCache != nil {
		blobOpts.Cache = blobCache
	}
	blobs := blob.New(engine, blobBackend, blobOpts)

	errChan := make(chan error, 1)
	admin := adminapi.New(adminapi.Options{
		Addr:  cfg.Admin.Addr,
		Store: st,
		Blobs: blobs,
		Cache: blobCache,
	})
	go admin.Start(ctx, errChan)

	logger.Info("ternstore started", "engine", engine.Name(), "blob_backend", blobBackend.Name())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errChan:
		logger.Error("fatal server error", "error", err)
		stop()
	}
}

func openEngine(ctx context.Context, cfg *config.Config) (backend.Store, error) {
	switch cfg.Backend.Engine {
	case "pebble":
		return pebblestore.Open(cfg.Backend.Pebble.Path)
	case "postgres":
		return pgstore.Open(ctx, cfg.Backend.Postgres)
	default:
		return nil, fmt.Errorf("unknown backend engine %q", cfg.Backend.Engine)
	}
}

func openBlobBackend(cfg *config.Config) (blob.Backend, error) {
	switch cfg.Blob.Backend {
	case "fs":
		return blob.NewFS(cfg.Blob.FS.Path)
	case "s3":
		return blob.NewS3(cfg.Blob.S3, cfg.Blob.EncryptionKey)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}
