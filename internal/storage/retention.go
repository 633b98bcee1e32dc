package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the archive tables.
type RetentionConfig struct {
	AuthEventsTTL time.Duration `yaml:"auth_events_ttl"`
	DetectionsTTL time.Duration `yaml:"detections_ttl"`
}

// DefaultRetentionConfig returns retention defaults: raw attempts for 90
// days, detections for a year.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		AuthEventsTTL: 90 * 24 * time.Hour,
		DetectionsTTL: 365 * 24 * time.Hour,
	}
}

// RetentionManager applies data retention policies on the archive tables.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, config: config}
}

// ApplyTTLs updates TTL settings on the archive tables. Called after
// migrations have run; a missing table logs and continues.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	policies := []struct {
		table  string
		column string
		ttl    time.Duration
	}{
		{"auth_events", "timestamp", r.config.AuthEventsTTL},
		{"detections", "detected_at", r.config.DetectionsTTL},
	}

	for _, p := range policies {
		if p.ttl <= 0 {
			continue
		}

		days := int(p.ttl.Hours() / 24)
		if days < 1 {
			days = 1
		}

		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL %s + INTERVAL %d DAY DELETE",
			sanitizeTableName(p.table), p.column, days)

		if err := r.client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply TTL policy",
				"table", p.table, "ttl_days", days, "error", err)
			continue
		}
		slog.Info("applied retention policy", "table", p.table, "ttl_days", days)
	}
	return nil
}

// sanitizeTableName keeps only identifier-safe characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
