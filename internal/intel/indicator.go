// Package intel provides the threat indicator store used to score
// authentication attempts and to absorb indicators derived from detected
// campaigns.
package intel

import (
	"time"
)

// IndicatorKind categorizes indicator values.
type IndicatorKind string

const (
	KindIP        IndicatorKind = "ip"
	KindCIDR      IndicatorKind = "cidr"
	KindDomain    IndicatorKind = "domain"
	KindURL       IndicatorKind = "url"
	KindEmail     IndicatorKind = "email"
	KindUserAgent IndicatorKind = "user_agent"
	KindHash      IndicatorKind = "hash"
	KindPattern   IndicatorKind = "pattern"
)

// IsValid checks if the kind is a known value.
func (k IndicatorKind) IsValid() bool {
	switch k {
	case KindIP, KindCIDR, KindDomain, KindURL, KindEmail, KindUserAgent, KindHash, KindPattern:
		return true
	}
	return false
}

// ReputationLevel indicates indicator severity.
type ReputationLevel string

const (
	LevelClean      ReputationLevel = "clean"
	LevelSuspicious ReputationLevel = "suspicious"
	LevelMalicious  ReputationLevel = "malicious"
	LevelCritical   ReputationLevel = "critical"
)

// SeverityRank orders reputation levels: critical > malicious > suspicious >
// clean. Unknown levels rank below clean.
func SeverityRank(level ReputationLevel) int {
	switch level {
	case LevelCritical:
		return 3
	case LevelMalicious:
		return 2
	case LevelSuspicious:
		return 1
	case LevelClean:
		return 0
	}
	return -1
}

// MaxLevel returns the more severe of two levels.
func MaxLevel(a, b ReputationLevel) ReputationLevel {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// Indicator represents one threat intelligence indicator.
type Indicator struct {
	Value      string          `json:"value"`
	Kind       IndicatorKind   `json:"kind"`
	Level      ReputationLevel `json:"reputation_level"`
	Source     string          `json:"source"`
	FirstSeen  time.Time       `json:"first_seen"`
	LastSeen   time.Time       `json:"last_seen"`
	Confidence float64         `json:"confidence"`
	Tags       []string        `json:"tags,omitempty"`

	// TTLSeconds of 0 means the indicator never expires.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// IsExpired reports whether the indicator's TTL has elapsed since it was
// last seen. Indicators without a TTL never expire.
func (i *Indicator) IsExpired(now time.Time) bool {
	if i.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(i.LastSeen) > time.Duration(i.TTLSeconds)*time.Second
}

// HasTag reports whether the indicator carries the given tag.
func (i *Indicator) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
