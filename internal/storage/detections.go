package storage

import (
	"context"
	"fmt"
	"time"

	"authguard/internal/campaign"
)

// DetectionWriter archives campaign detections to ClickHouse, one row per
// campaign per pass.
type DetectionWriter struct {
	client *ClickHouseClient
}

// NewDetectionWriter creates a detection writer.
func NewDetectionWriter(client *ClickHouseClient) *DetectionWriter {
	return &DetectionWriter{client: client}
}

// ArchiveCampaigns inserts a detection row for each campaign.
func (w *DetectionWriter) ArchiveCampaigns(ctx context.Context, campaigns []*campaign.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO detections (
			detected_at, campaign_id, campaign_type, threat_actor,
			first_seen, last_seen, total_attempts, attribution_confidence,
			source_ips, target_users, related_campaigns
		)
	`)
	if err != nil {
		return WrapQueryError("PrepareBatch", "detections", err)
	}

	now := time.Now().UTC()
	for _, c := range campaigns {
		related := c.RelatedCampaignIDs
		if related == nil {
			related = []string{}
		}
		err := batch.Append(
			now,
			c.ID,
			string(c.Type),
			c.ThreatActor,
			c.FirstSeen,
			c.LastSeen,
			uint32(c.TotalAttempts),
			c.AttributionConfidence,
			c.SourceIPs.Values(),
			c.TargetUsers.Values(),
			related,
		)
		if err != nil {
			return fmt.Errorf("failed to append detection: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapQueryError("Send", "detections", err)
	}
	return nil
}
