// Package config handles configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authguard/internal/campaign"
	"authguard/internal/consumer"
	"authguard/internal/reputation"
	"authguard/internal/storage"
	s3storage "authguard/internal/storage/s3"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Detection  DetectionConfig  `yaml:"detection"`
	Reputation ReputationConfig `yaml:"reputation"`
	Consumer   consumer.Config  `yaml:"consumer"`
	Storage    StorageConfig    `yaml:"storage"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Snapshots  SnapshotConfig   `yaml:"snapshots"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Production enables API error sanitization.
	Production bool `yaml:"production"`
}

// IngestConfig holds attempt ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// QueueConfig holds the ingest queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds attempt validation settings.
type ValidationConfig struct {
	MaxAttemptAge time.Duration `yaml:"max_attempt_age"`
	MaxFuture     time.Duration `yaml:"max_future"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DetectionConfig bundles the detection engine and grouper knobs.
type DetectionConfig struct {
	Engine  campaign.EngineConfig  `yaml:"engine"`
	Grouper campaign.GrouperConfig `yaml:"grouper"`
}

// ReputationConfig holds IP reputation enrichment settings.
type ReputationConfig struct {
	Enabled  bool                        `yaml:"enabled"`
	Analyzer reputation.AnalyzerConfig   `yaml:"analyzer"`
	Feeds    reputation.FeedClientConfig `yaml:"feeds"`
	Sources  []reputation.SourceConfig   `yaml:"sources"`
	Redis    reputation.RedisConfig      `yaml:"redis"`
}

// StorageConfig holds archival storage settings.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
	S3          S3Config                  `yaml:"s3"`
}

// S3Config holds snapshot archival settings.
type S3Config struct {
	Enabled         bool             `yaml:"enabled"`
	ArchiveInterval time.Duration    `yaml:"archive_interval"`
	Client          s3storage.Config `yaml:"client"`
}

// KafkaConfig holds streaming transport settings. The connection
// parameters live in the kafka package config; this only carries the
// enable switch and the raw section for it.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	AttemptsTopic   string   `yaml:"attempts_topic"`
	DetectionsTopic string   `yaml:"detections_topic"`
	ConsumerGroup   string   `yaml:"consumer_group"`
	CompressionType string   `yaml:"compression_type"`

	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string `yaml:"sasl_username,omitempty"`
	SASLPassword     string `yaml:"sasl_password,omitempty"`
	TLSEnabled       bool   `yaml:"tls_enabled"`
	TLSCAFile        string `yaml:"tls_ca_file,omitempty"`
	TLSCertFile      string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile       string `yaml:"tls_key_file,omitempty"`
}

// SnapshotConfig holds local snapshot file paths. Empty paths disable
// snapshotting for that store.
type SnapshotConfig struct {
	CampaignPath  string `yaml:"campaign_path"`
	IndicatorPath string `yaml:"indicator_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxAttemptAge: 7 * 24 * time.Hour,
			MaxFuture:     5 * time.Minute,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Detection: DetectionConfig{
			Engine:  campaign.DefaultEngineConfig(),
			Grouper: campaign.DefaultGrouperConfig(),
		},
		Reputation: ReputationConfig{
			Enabled:  false,
			Analyzer: reputation.DefaultAnalyzerConfig(),
			Feeds:    reputation.DefaultFeedClientConfig(),
			Redis:    reputation.DefaultRedisConfig(),
		},
		Consumer: consumer.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:     false,
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
			S3: S3Config{
				Enabled:         false,
				ArchiveInterval: time.Hour,
				Client:          *s3storage.DefaultConfig(),
			},
		},
		Kafka: KafkaConfig{
			Enabled:          false,
			Brokers:          []string{"localhost:9092"},
			AttemptsTopic:    "auth-attempts",
			DetectionsTopic:  "campaign-detections",
			ConsumerGroup:    "authguard-detectors",
			CompressionType:  "lz4",
			SecurityProtocol: "PLAINTEXT",
		},
		Snapshots: SnapshotConfig{
			CampaignPath:  "data/campaigns.json",
			IndicatorPath: "data/indicators.json",
		},
	}
}

// Load loads configuration from a file or returns defaults. The path
// comes from AUTHGUARD_CONFIG_PATH, falling back to configs/config.yaml.
// A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("AUTHGUARD_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides for the
// settings that differ per deployment.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("AUTHGUARD_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}
	if level := os.Getenv("AUTHGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if prod := os.Getenv("AUTHGUARD_PRODUCTION"); prod == "true" {
		c.Server.Production = true
	}
	if apiKey := os.Getenv("AUTHGUARD_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if enabled := os.Getenv("AUTHGUARD_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if enabled := os.Getenv("AUTHGUARD_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if pass := os.Getenv("KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Reputation.Redis.Enabled = true
		c.Reputation.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Reputation.Redis.Password = pass
	}

	if enabled := os.Getenv("AUTHGUARD_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer batch_size must be positive")
	}
	if err := c.Detection.Engine.Validate(); err != nil {
		return fmt.Errorf("detection engine: %w", err)
	}
	if err := c.Detection.Grouper.Validate(); err != nil {
		return fmt.Errorf("detection grouper: %w", err)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no API keys configured")
	}
	return nil
}
