package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/vincentbai/sessiontrace/internal/archive"
	"github.com/vincentbai/sessiontrace/internal/broker"
	"github.com/vincentbai/sessiontrace/internal/config"
	"github.com/vincentbai/sessiontrace/internal/database"
	"github.com/vincentbai/sessiontrace/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := cfg.Logger
	logger.Printf("collector config: %s", cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		logger.Fatal("Failed to create application directory:", err)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		logger.Fatal(err)
	}
	defer db.Close()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxBodyBytes(cfg.MaxBodyBytes),
		server.WithAllowedOrigins(cfg.AllowedOrigins),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
	}

	if cfg.KafkaEnabled() {
		if cfg.KafkaEnsureTopics {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := broker.EnsureTopics(ctx, cfg, logger)
			cancel()
			if err != nil {
				logger.Fatalf("kafka ensure topics error: %v", err)
			}
		}
		producer := broker.NewProducer(cfg)
		defer producer.Close()
		opts = append(opts, server.WithForwarder(producer))
	}

	if cfg.MinIOEnabled() {
		store, err := archive.NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseTLS, cfg.MinIOBucket)
		if err != nil {
			logger.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = store.EnsureBucket(ctx)
		cancel()
		if err != nil {
			logger.Fatalf("minio ensure bucket error: %v", err)
		}
		opts = append(opts, server.WithQuarantine(store))
	}

	// Initialize and start server
	srv := server.NewServer(db, cfg.Address, opts...)
	if err := srv.Start(); err != nil {
		logger.Fatal(err)
	}
}
