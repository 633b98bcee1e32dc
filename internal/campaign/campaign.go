// Package campaign implements cross-event attack campaign detection:
// grouping scored authentication attempts, classifying groups against a
// signature catalogue, maintaining campaign aggregates, correlating
// campaigns, and emitting derived threat indicators.
package campaign

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"authguard/internal/schema"
)

// Type categorizes attack campaigns.
type Type string

const (
	TypeBruteForce         Type = "brute_force"
	TypeCredentialStuffing Type = "credential_stuffing"
	TypeAccountTakeover    Type = "account_takeover"
	TypeDistributedAttack  Type = "distributed_attack"
	TypeAPTCampaign        Type = "apt_campaign"
	TypeBotnetActivity     Type = "botnet_activity"
	TypeUnknown            Type = "unknown"
)

// IsValid checks if the campaign type is a known value.
func (t Type) IsValid() bool {
	switch t {
	case TypeBruteForce, TypeCredentialStuffing, TypeAccountTakeover,
		TypeDistributedAttack, TypeAPTCampaign, TypeBotnetActivity, TypeUnknown:
		return true
	}
	return false
}

// StringSet is a set of strings serialized as a sorted JSON array.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts a value; empty strings are ignored.
func (s StringSet) Add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

// Contains reports set membership.
func (s StringSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// Values returns the members in sorted order.
func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON serializes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON restores the set from an array.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}

// Jaccard computes |a∩b| / |a∪b|. Two empty sets have similarity 0.
func Jaccard(a, b StringSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for v := range a {
		if b.Contains(v) {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Campaign is the central mutable aggregate: a set of correlated
// authentication attempts attributed to one coordinated actor or tool.
// Mutation goes exclusively through AddEvent so the derived fields always
// follow the event list.
type Campaign struct {
	ID                    string                  `json:"campaign_id"`
	Type                  Type                    `json:"campaign_type"`
	ThreatActor           string                  `json:"threat_actor,omitempty"`
	FirstSeen             time.Time               `json:"first_seen"`
	LastSeen              time.Time               `json:"last_seen"`
	Events                []*schema.CampaignEvent `json:"events"`
	TargetUsers           StringSet               `json:"target_users"`
	SourceIPs             StringSet               `json:"source_ips"`
	UserAgents            StringSet               `json:"user_agents"`
	GeoDistribution       map[string]int          `json:"geo_distribution,omitempty"`
	TemporalDistribution  map[int]int             `json:"temporal_distribution,omitempty"`
	TotalAttempts         int                     `json:"total_attempts"`
	AttributionConfidence float64                 `json:"attribution_confidence"`
	RelatedCampaignIDs    []string                `json:"related_campaign_ids,omitempty"`
	IOCs                  []string                `json:"iocs,omitempty"`

	eventIDs map[string]struct{}
}

// NewCampaign constructs an empty campaign aggregate.
func NewCampaign(id string, campaignType Type, actor string, confidence float64) *Campaign {
	return &Campaign{
		ID:                    id,
		Type:                  campaignType,
		ThreatActor:           actor,
		TargetUsers:           NewStringSet(),
		SourceIPs:             NewStringSet(),
		UserAgents:            NewStringSet(),
		GeoDistribution:       make(map[string]int),
		TemporalDistribution:  make(map[int]int),
		AttributionConfidence: confidence,
		eventIDs:              make(map[string]struct{}),
	}
}

func (c *Campaign) indexEvents() {
	if c.eventIDs != nil {
		return
	}
	c.eventIDs = make(map[string]struct{}, len(c.Events))
	for _, ev := range c.Events {
		c.eventIDs[ev.EventID] = struct{}{}
	}
}

// HasEvent reports whether the event is already part of the campaign.
func (c *Campaign) HasEvent(eventID string) bool {
	c.indexEvents()
	_, ok := c.eventIDs[eventID]
	return ok
}

// AddEvent appends an event and updates every derived field. Events already
// present (by ID) are ignored, which keeps re-detection idempotent. Returns
// true if the event was absorbed.
func (c *Campaign) AddEvent(ev *schema.CampaignEvent) bool {
	c.indexEvents()
	if _, ok := c.eventIDs[ev.EventID]; ok {
		return false
	}
	c.eventIDs[ev.EventID] = struct{}{}
	c.Events = append(c.Events, ev)
	c.TotalAttempts = len(c.Events)

	if c.FirstSeen.IsZero() || ev.Timestamp.Before(c.FirstSeen) {
		c.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(c.LastSeen) {
		c.LastSeen = ev.Timestamp
	}

	c.SourceIPs.Add(ev.Attempt.ClientIP)
	c.TargetUsers.Add(ev.Attempt.Email)
	c.UserAgents.Add(ev.Attempt.UserAgent)

	if geo := ev.Attempt.Geolocation; geo != nil && geo.Country != "" {
		if c.GeoDistribution == nil {
			c.GeoDistribution = make(map[string]int)
		}
		c.GeoDistribution[geo.Country]++
	}
	if c.TemporalDistribution == nil {
		c.TemporalDistribution = make(map[int]int)
	}
	c.TemporalDistribution[ev.Timestamp.UTC().Hour()]++

	return true
}

// AddRelated records a related campaign ID if not already present.
func (c *Campaign) AddRelated(id string) {
	if id == "" || id == c.ID {
		return
	}
	for _, existing := range c.RelatedCampaignIDs {
		if existing == id {
			return
		}
	}
	c.RelatedCampaignIDs = append(c.RelatedCampaignIDs, id)
}

// Duration is the observed time span of the campaign.
func (c *Campaign) Duration() time.Duration {
	if c.FirstSeen.IsZero() {
		return 0
	}
	return c.LastSeen.Sub(c.FirstSeen)
}

// NewCampaignID derives a stable campaign ID from the group's sorted source
// IPs, sorted target users, and earliest event timestamp, so re-detecting an
// unchanged batch yields the same ID.
func NewCampaignID(ips, users []string, earliest time.Time) string {
	sortedIPs := append([]string(nil), ips...)
	sortedUsers := append([]string(nil), users...)
	sort.Strings(sortedIPs)
	sort.Strings(sortedUsers)

	h := sha256.New()
	h.Write([]byte(strings.Join(sortedIPs, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(sortedUsers, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(earliest.UTC().Format(time.RFC3339)))

	return "cmp-" + hex.EncodeToString(h.Sum(nil))[:16]
}
