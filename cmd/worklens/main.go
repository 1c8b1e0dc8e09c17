package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"worklens/internal/aggregate"
	"worklens/internal/amqp"
	"worklens/internal/anonymizer"
	"worklens/internal/config"
	apphttp "worklens/internal/http"
	"worklens/internal/services"
	"worklens/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.SecureDBPath)
	if err != nil {
		logger.Error("Failed to open secure store", "error", err, "path", cfg.SecureDBPath)
		os.Exit(1)
	}
	defer store.Close()

	// Batch announcements are optional: without a broker the API still
	// works, only the spreadsheet export lags.
	var publisher services.Publisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without export notifications", "error", err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
		}
	}

	ingest := services.NewIngestService(store, publisher, cfg.ParseOptions())
	engine := anonymizer.New(store, store, anonymizer.Options{
		RedactWorkstreamNames: cfg.RedactWorkstreamNames(),
	})

	srv := apphttp.NewServer(":"+cfg.Port, ingest, engine, aggregate.Config{HoursPerDay: cfg.HoursPerDay}, cfg.CurrencyCode)

	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	// Graceful shutdown handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting worklens server", "port", cfg.Port, "db_path", cfg.SecureDBPath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
