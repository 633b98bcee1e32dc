// Package schema defines the canonical authentication attempt schema for
// AuthGuard. All ingested attempts are normalized to these structures before
// detection.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// AuthAttempt represents a single authentication attempt as reported by the
// upstream gateway.
type AuthAttempt struct {
	// Required fields
	RequestID string    `json:"request_id" validate:"required,max=128"`
	Email     string    `json:"email" validate:"required,email"`
	ClientIP  string    `json:"client_ip" validate:"required,ip"`
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// Optional fields
	UserAgent   string       `json:"user_agent,omitempty" validate:"max=1024"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
	IsTor       bool         `json:"is_tor"`
	IsVPN       bool         `json:"is_vpn"`
}

// Geolocation annotates an attempt with its resolved location.
type Geolocation struct {
	Country   string  `json:"country,omitempty" validate:"max=64"`
	City      string  `json:"city,omitempty" validate:"max=128"`
	Latitude  float64 `json:"latitude,omitempty" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude,omitempty" validate:"min=-180,max=180"`
}

// ThreatSignal carries the per-attempt scoring produced by the upstream
// feature collaborators. The engine consumes it as-is.
type ThreatSignal struct {
	IPReputationScore      float64  `json:"ip_reputation_score" validate:"min=0,max=1"`
	KnownAttackPatterns    []string `json:"known_attack_patterns,omitempty"`
	SimilarAttacksDetected int      `json:"similar_attacks_detected" validate:"min=0"`

	BruteForceIndicator         bool `json:"brute_force_indicator"`
	CredentialStuffingIndicator bool `json:"credential_stuffing_indicator"`
	AccountTakeoverIndicator    bool `json:"account_takeover_indicator"`
}

// AttemptRecord is the ingest unit: one attempt plus its threat signal.
type AttemptRecord struct {
	Attempt AuthAttempt  `json:"attempt" validate:"required"`
	Signal  ThreatSignal `json:"signal"`
}

// CampaignEvent is an attempt/signal pair admitted into detection. It is
// immutable once created and belongs to exactly one campaign after
// assignment.
type CampaignEvent struct {
	EventID         string       `json:"event_id"`
	Timestamp       time.Time    `json:"timestamp"`
	Attempt         AuthAttempt  `json:"attempt"`
	Signal          ThreatSignal `json:"signal"`
	ConfidenceScore float64      `json:"confidence_score"`
}

// NewCampaignEvent builds a campaign event from an ingested record.
func NewCampaignEvent(rec *AttemptRecord, confidence float64) *CampaignEvent {
	return &CampaignEvent{
		EventID:         uuid.New().String(),
		Timestamp:       rec.Attempt.Timestamp,
		Attempt:         rec.Attempt,
		Signal:          rec.Signal,
		ConfidenceScore: confidence,
	}
}

// SchemaVersionCurrent is the current version of the attempt schema.
const SchemaVersionCurrent = "1.0.0"
