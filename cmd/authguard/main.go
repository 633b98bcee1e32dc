// Package main is the entry point for the authguard detection service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"authguard/internal/api"
	"authguard/internal/campaign"
	"authguard/internal/config"
	"authguard/internal/consumer"
	apperrors "authguard/internal/errors"
	"authguard/internal/intel"
	"authguard/internal/kafka"
	"authguard/internal/queue"
	"authguard/internal/reputation"
	"authguard/internal/schema"
	"authguard/internal/storage"
	s3storage "authguard/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)
	apperrors.SetProductionMode(cfg.Server.Production)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"reputation_enabled", cfg.Reputation.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores and detection pipeline
	ensureSnapshotDirs(cfg.Snapshots)
	campaigns := campaign.NewStore(cfg.Snapshots.CampaignPath)
	indicators := intel.NewStore(cfg.Snapshots.IndicatorPath)

	grouper, err := campaign.NewGrouper(cfg.Detection.Grouper, campaign.NewFeaturizer())
	if err != nil {
		slog.Error("failed to build grouper", "error", err)
		os.Exit(1)
	}
	classifier, err := campaign.NewClassifier()
	if err != nil {
		slog.Error("failed to build classifier", "error", err)
		os.Exit(1)
	}
	engine, err := campaign.NewEngine(cfg.Detection.Engine, grouper, classifier, campaigns, indicators)
	if err != nil {
		slog.Error("failed to build detection engine", "error", err)
		os.Exit(1)
	}

	attemptQueue := queue.NewRingBuffer(cfg.Queue.Size)

	detector := consumer.New(attemptQueue, engine, campaigns, cfg.Consumer)

	// Reputation enrichment
	if cfg.Reputation.Enabled {
		analyzer, err := buildAnalyzer(cfg, indicators)
		if err != nil {
			slog.Error("failed to build reputation analyzer", "error", err)
			os.Exit(1)
		}
		detector.WithAnalyzer(analyzer)
	}

	// Archival storage
	var chClient *storage.ClickHouseClient
	var batchWriter *storage.BatchWriter
	var archiver *s3storage.SnapshotArchiver

	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		if err := storage.NewMigrator(chClient).Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		if err := storage.NewRetentionManager(chClient, cfg.Storage.Retention).ApplyTTLs(ctx); err != nil {
			slog.Warn("failed to apply retention TTLs", "error", err)
		}

		batchWriter = storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter)
		detector.WithEventWriter(batchWriter)
		detector.WithArchiver(storage.NewDetectionWriter(chClient))

		if cfg.Storage.S3.Enabled {
			s3Client, err := s3storage.NewClient(ctx, &cfg.Storage.S3.Client, nil)
			if err != nil {
				slog.Error("failed to build S3 client", "error", err)
				os.Exit(1)
			}
			archiver = s3storage.NewSnapshotArchiver(s3Client, cfg.Storage.S3.ArchiveInterval,
				cfg.Snapshots.CampaignPath, cfg.Snapshots.IndicatorPath)
			archiver.Start(ctx)
		}
	}

	// Streaming transport
	var producer *kafka.Producer
	var attemptConsumer *kafka.AttemptConsumer

	if cfg.Kafka.Enabled {
		kafkaCfg := buildKafkaConfig(cfg.Kafka)

		producer, err = kafka.NewProducer(kafkaCfg, nil)
		if err != nil {
			slog.Error("failed to build kafka producer", "error", err)
			os.Exit(1)
		}
		detector.WithPublisher(producer)

		attemptConsumer, err = kafka.NewAttemptConsumer(kafkaCfg,
			func(_ context.Context, rec *schema.AttemptRecord) error {
				return attemptQueue.Push(rec)
			}, nil)
		if err != nil {
			slog.Error("failed to build kafka consumer", "error", err)
			os.Exit(1)
		}
		attemptConsumer.StartAsync(ctx)
	}

	detector.Start(ctx)

	// HTTP API
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxAttemptAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	handler := api.NewHandler(validator, attemptQueue, campaigns, indicators).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	mux := http.NewServeMux()
	handler.Routes(mux)
	wrapped, limiter := api.WithMiddleware(mux, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting API server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if limiter != nil {
		limiter.Stop()
	}

	// Stop the inbound stream first so the final drain sees everything.
	if attemptConsumer != nil {
		if err := attemptConsumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	cancel()
	detector.Stop()

	if archiver != nil {
		archiver.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	attemptQueue.Close()

	queueMetrics := attemptQueue.Metrics()
	detectorMetrics := detector.Metrics()
	slog.Info("shutdown complete",
		"attempts_pushed", queueMetrics.Pushed,
		"attempts_dropped", queueMetrics.Dropped,
		"attempts_consumed", detectorMetrics.Consumed,
		"detection_passes", detectorMetrics.Passes,
		"campaigns_detected", detectorMetrics.Detections,
	)
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func ensureSnapshotDirs(cfg config.SnapshotConfig) {
	for _, path := range []string{cfg.CampaignPath, cfg.IndicatorPath} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			slog.Warn("failed to create snapshot directory", "path", path, "error", err)
		}
	}
}

func buildAnalyzer(cfg *config.Config, indicators *intel.Store) (*reputation.Analyzer, error) {
	feeds, err := reputation.NewFeedClient(cfg.Reputation.Feeds, cfg.Reputation.Sources)
	if err != nil {
		return nil, err
	}

	var shared reputation.VerdictCache
	if cfg.Reputation.Redis.Enabled {
		cache, err := reputation.NewRedisVerdictCache(cfg.Reputation.Redis)
		if err != nil {
			// The analyzer degrades to local caching only.
			slog.Warn("redis verdict cache unavailable", "error", err)
		} else {
			shared = cache
		}
	}

	return reputation.NewAnalyzer(cfg.Reputation.Analyzer, indicators, feeds, shared)
}

func buildKafkaConfig(cfg config.KafkaConfig) *kafka.Config {
	kc := kafka.DefaultConfig()
	kc.Brokers = cfg.Brokers
	kc.AttemptsTopic = cfg.AttemptsTopic
	kc.DetectionsTopic = cfg.DetectionsTopic
	kc.ConsumerGroup = cfg.ConsumerGroup
	if cfg.CompressionType != "" {
		kc.CompressionType = cfg.CompressionType
	}
	if cfg.SecurityProtocol != "" {
		kc.SecurityProtocol = cfg.SecurityProtocol
	}
	kc.SASLMechanism = cfg.SASLMechanism
	kc.SASLUsername = cfg.SASLUsername
	kc.SASLPassword = cfg.SASLPassword
	kc.TLSEnabled = cfg.TLSEnabled
	kc.TLSCAFile = cfg.TLSCAFile
	kc.TLSCertFile = cfg.TLSCertFile
	kc.TLSKeyFile = cfg.TLSKeyFile
	return kc
}
