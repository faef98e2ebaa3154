package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docutag/monetizer"
	"github.com/docutag/monetizer/api"
	"github.com/docutag/monetizer/cache"
	"github.com/docutag/monetizer/category"
	"github.com/docutag/monetizer/commission"
	"github.com/docutag/monetizer/config"
	"github.com/docutag/monetizer/db"
	"github.com/docutag/monetizer/metrics"
	"github.com/docutag/monetizer/platform"
	"github.com/docutag/monetizer/resolver"
	"github.com/docutag/monetizer/storage"
	"github.com/docutag/monetizer/tracing"
)

const memoryCacheEntries = 10000

func main() {
	// Setup structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("monetizer service initializing", "version", "1.0.0")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Command-line flags (override environment variables)
	port := flag.String("port", cfg.Port, "Server port")
	disableCORS := flag.Bool("disable-cors", cfg.DisableCORS, "Disable CORS")
	seed := flag.Bool("seed", false, "Seed empty PostgreSQL tables with the default tags, rates and rules")
	rollback := flag.Bool("rollback", false, "Roll back the latest PostgreSQL migration and exit")
	flag.Parse()

	if *rollback {
		if err := rollbackMigration(cfg, logger); err != nil {
			logger.Error("failed to roll back migration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Initialize tracing
	tp, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("error shutting down tracer", "error", err)
			}
		}()
		logger.Info("tracing initialized successfully")
	}

	seedData, err := loadSeed(cfg.SeedFile)
	if err != nil {
		logger.Error("failed to load seed data", "error", err)
		os.Exit(1)
	}

	store, database, err := openStore(cfg, seedData, *seed, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	platforms, err := loadPlatforms(cfg.PlatformsFile)
	if err != nil {
		logger.Error("failed to load platform table", "error", err)
		os.Exit(1)
	}

	resolutionCache, err := openCache(cfg.RedisURL, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	sheets, err := openSheets(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize sheet storage", "error", err)
		os.Exit(1)
	}

	res := resolver.New(cfg.ResolverConfig(),
		resolver.WithCache(resolutionCache),
		resolver.WithPlatforms(platforms),
		resolver.WithLogger(logger),
	)
	categories := category.New(store, cfg.CategoryConfig(), logger)
	rates := commission.New(store, categories, logger)
	engine := monetizer.New(cfg.EngineConfig(), monetizer.Deps{
		Tags:       store,
		Usage:      store,
		Categories: categories,
		Rates:      rates,
		Resolver:   res,
		Platforms:  platforms,
		Logger:     logger,
	})

	server, err := api.NewServer(api.Config{
		Addr:           ":" + *port,
		CORSEnabled:    !*disableCORS,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, api.Deps{
		Store:      store,
		Resolver:   res,
		Platforms:  platforms,
		Categories: categories,
		Rates:      rates,
		Importer:   commission.NewImporter(store, logger),
		Engine:     engine,
		Sheets:     sheets,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Initialize database metrics
	if database != nil {
		dbMetrics := metrics.NewDatabaseMetrics("monetizer")
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				dbMetrics.UpdateDBStats(database.DB())
			}
		}()
		logger.Info("database metrics initialized")
	}

	// Start server in a goroutine
	go func() {
		logger.Info("monetizer service starting",
			"port", *port,
			"postgres", database != nil,
			"redis", cfg.RedisURL != "",
			"s3", cfg.UseS3(),
			"platforms", len(platforms.Profiles()),
			"shorteners", len(res.SupportedShorteners()),
		)

		if err := server.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func loadSeed(path string) (*db.SeedData, error) {
	if path == "" {
		return db.DefaultSeed()
	}
	return db.LoadSeedFile(path)
}

func loadPlatforms(path string) (*platform.Registry, error) {
	if path == "" {
		return platform.Default()
	}
	return platform.LoadFile(path)
}

// openStore connects to PostgreSQL when DB_HOST is set and falls back to a
// seeded in-memory store otherwise. database is nil for the memory store.
func openStore(cfg *config.Config, seedData *db.SeedData, seed bool, logger *slog.Logger) (store db.Store, database *db.DB, err error) {
	dsn := cfg.DSN()
	if dsn == "" {
		logger.Warn("DB_HOST not set, using in-memory store")
		mem, err := db.NewSeededMemoryStore(seedData)
		if err != nil {
			return nil, nil, err
		}
		return mem, nil, nil
	}

	database, err = db.New(db.Config{DSN: dsn})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using PostgreSQL database", "host", cfg.Database.Host, "port", cfg.Database.Port, "database", cfg.Database.Name)

	if seed {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := database.Seed(ctx, seedData); err != nil {
			database.Close()
			return nil, nil, err
		}
	}
	return database, database, nil
}

// rollbackMigration reverts the newest schema version. Opening the database
// applies pending migrations first, so the latest known version is the one undone.
func rollbackMigration(cfg *config.Config, logger *slog.Logger) error {
	dsn := cfg.DSN()
	if dsn == "" {
		return errors.New("DB_HOST must be set to roll back migrations")
	}

	database, err := db.New(db.Config{DSN: dsn})
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Rollback(database.DB()); err != nil {
		return err
	}

	status, err := db.GetMigrationStatus(database.DB())
	if err != nil {
		return err
	}
	applied := 0
	for _, s := range status {
		if s.Applied {
			applied++
		}
	}
	logger.Info("migration rollback complete", "applied", applied, "known", len(status))
	return nil
}

func openCache(redisURL string, logger *slog.Logger) (resolver.Cache, error) {
	if redisURL == "" {
		logger.Info("REDIS_URL not set, using in-process resolution cache")
		return cache.NewMemoryCache(memoryCacheEntries), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := cache.Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisCache(client, "monetizer:resolve:"), nil
}

func openSheets(cfg *config.Config, logger *slog.Logger) (storage.SheetStore, error) {
	if cfg.UseS3() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("using S3 sheet storage", "bucket", cfg.Storage.S3Bucket, "endpoint", cfg.Storage.S3Endpoint)
		return storage.NewS3Storage(ctx, cfg.S3Config())
	}
	logger.Info("using filesystem sheet storage", "path", cfg.Storage.BasePath)
	return storage.New(storage.Config{BasePath: cfg.Storage.BasePath})
}
