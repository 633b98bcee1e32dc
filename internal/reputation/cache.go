package reputation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings for the shared verdict cache.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns Redis cache defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		KeyPrefix:    "authguard:verdict:",
		TTL:          5 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	}
}

// RedisVerdictCache shares reputation verdicts across gateway instances.
// Redis errors are treated as cache misses, never surfaced to the analyzer.
type RedisVerdictCache struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisVerdictCache connects to Redis and verifies the connection.
func NewRedisVerdictCache(cfg RedisConfig) (*RedisVerdictCache, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisVerdictCache{client: client, cfg: cfg}, nil
}

// Get retrieves a cached verdict. Any error is a miss.
func (c *RedisVerdictCache) Get(ctx context.Context, ip string) (*Verdict, bool) {
	data, err := c.client.Get(ctx, c.cfg.KeyPrefix+ip).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("redis verdict get failed", "ip", ip, "error", err)
		}
		return nil, false
	}

	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Debug("corrupt cached verdict", "ip", ip, "error", err)
		return nil, false
	}
	return &v, true
}

// Set stores a verdict with the configured TTL. Failures are logged only.
func (c *RedisVerdictCache) Set(ctx context.Context, ip string, v *Verdict) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.cfg.KeyPrefix+ip, data, c.cfg.TTL).Err(); err != nil {
		slog.Debug("redis verdict set failed", "ip", ip, "error", err)
	}
}

// Close releases the Redis connection.
func (c *RedisVerdictCache) Close() error {
	return c.client.Close()
}
