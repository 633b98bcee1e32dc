package campaign

import (
	"fmt"
	"log/slog"
	"time"

	"authguard/internal/intel"
	"authguard/internal/schema"
)

// EngineConfig holds the detection thresholds.
type EngineConfig struct {
	// MinEventsForCampaign is the smallest group that can become a campaign.
	MinEventsForCampaign int `yaml:"min_events_for_campaign"`
	// CorrelationThreshold gates campaign creation, event attachment, and
	// campaign-to-campaign correlation. The three uses share one knob.
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	// RecencyWindowHours bounds the candidate search for event attachment.
	RecencyWindowHours int `yaml:"recency_window_hours"`
	// MinEventsForIndicators is the campaign size that triggers indicator
	// emission.
	MinEventsForIndicators int `yaml:"min_events_for_indicators"`
	// IndicatorTTL is attached to every emitted indicator.
	IndicatorTTL time.Duration `yaml:"indicator_ttl"`
}

// DefaultEngineConfig returns detection defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinEventsForCampaign:   3,
		CorrelationThreshold:   0.7,
		RecencyWindowHours:     24,
		MinEventsForIndicators: 5,
		IndicatorTTL:           7 * 24 * time.Hour,
	}
}

// Validate checks the configuration at construction time.
func (c *EngineConfig) Validate() error {
	if c.MinEventsForCampaign < 1 {
		return fmt.Errorf("min_events_for_campaign must be at least 1")
	}
	if c.CorrelationThreshold <= 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("correlation_threshold must be in (0, 1]")
	}
	if c.RecencyWindowHours <= 0 {
		return fmt.Errorf("recency_window_hours must be positive")
	}
	if c.MinEventsForIndicators < 1 {
		return fmt.Errorf("min_events_for_indicators must be at least 1")
	}
	if c.IndicatorTTL <= 0 {
		return fmt.Errorf("indicator_ttl must be positive")
	}
	return nil
}

// DetectionResult summarizes one detection pass.
type DetectionResult struct {
	EventsProcessed   int      `json:"events_processed"`
	NewCampaigns      int      `json:"new_campaigns"`
	DetectedCampaigns int      `json:"detected_campaigns"`
	UpdatedCampaigns  int      `json:"updated_campaigns"`
	OrphanedEvents    int      `json:"orphaned_events"`
	EmittedIndicators int      `json:"emitted_indicators"`
	CampaignIDs       []string `json:"campaign_ids,omitempty"`
}

// Engine orchestrates a detection pass over one event batch: group,
// classify and create campaigns, attach leftover events to existing
// campaigns, correlate, emit derived indicators, persist. All collaborators
// are injected at construction.
type Engine struct {
	config     EngineConfig
	grouper    *Grouper
	classifier *Classifier
	campaigns  *Store
	indicators *intel.Store
}

// NewEngine creates a detection engine.
func NewEngine(cfg EngineConfig, grouper *Grouper, classifier *Classifier, campaigns *Store, indicators *intel.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if grouper == nil || classifier == nil || campaigns == nil || indicators == nil {
		return nil, fmt.Errorf("engine requires grouper, classifier, campaign store, and indicator store")
	}
	return &Engine{
		config:     cfg,
		grouper:    grouper,
		classifier: classifier,
		campaigns:  campaigns,
		indicators: indicators,
	}, nil
}

// Detect runs one full detection pass. It never returns an error: every
// degraded path falls back and is logged, and partial results are preferable
// to an aborted pass. The only external side effects are indicator emission
// and the final snapshot save.
func (e *Engine) Detect(events []*schema.CampaignEvent) *DetectionResult {
	result := &DetectionResult{EventsProcessed: len(events)}
	if len(events) == 0 {
		return result
	}

	groups := e.grouper.Group(events)

	touched := make(map[string]*Campaign)
	absorbed := make(map[string]struct{})

	e.createCampaigns(groups, touched, absorbed, result)
	e.attachToExisting(events, touched, absorbed, result)
	e.correlate(touched)
	result.EmittedIndicators = e.emitIndicators(touched)

	for id := range touched {
		result.CampaignIDs = append(result.CampaignIDs, id)
	}
	result.DetectedCampaigns = len(touched)

	if err := e.campaigns.SaveToFile(); err != nil {
		slog.Warn("campaign snapshot save failed", "error", err)
	}
	if err := e.indicators.SaveToFile(); err != nil {
		slog.Warn("indicator snapshot save failed", "error", err)
	}

	slog.Info("detection pass complete",
		"events", result.EventsProcessed,
		"new_campaigns", result.NewCampaigns,
		"detected_campaigns", result.DetectedCampaigns,
		"orphaned_events", result.OrphanedEvents,
		"emitted_indicators", result.EmittedIndicators)

	return result
}

// createCampaigns classifies each group and creates a campaign for groups
// clearing the size and confidence gates. Campaign IDs are stable over the
// group's content, so re-detecting an unchanged batch creates nothing.
func (e *Engine) createCampaigns(groups map[string][]*schema.CampaignEvent, touched map[string]*Campaign, absorbed map[string]struct{}, result *DetectionResult) {
	for groupID, group := range groups {
		if len(group) < e.config.MinEventsForCampaign {
			continue
		}

		cls := e.classifier.Classify(group)
		if cls.Confidence < e.config.CorrelationThreshold {
			slog.Debug("group below classification threshold",
				"group", groupID, "type", cls.CampaignType, "confidence", cls.Confidence)
			continue
		}

		id := groupCampaignID(group)

		if existing := e.campaigns.Get(id); existing != nil {
			changed := false
			for _, ev := range group {
				absorbed[ev.EventID] = struct{}{}
				if existing.AddEvent(ev) {
					changed = true
				}
			}
			if changed {
				e.campaigns.Reindex(existing)
				result.UpdatedCampaigns++
			}
			touched[id] = existing
			continue
		}

		c := NewCampaign(id, cls.CampaignType, cls.ThreatActor, cls.Confidence)
		for _, ev := range group {
			c.AddEvent(ev)
			absorbed[ev.EventID] = struct{}{}
		}
		if err := e.campaigns.Add(c); err != nil {
			slog.Warn("failed to store new campaign", "campaign_id", id, "error", err)
			continue
		}
		touched[id] = c
		result.NewCampaigns++

		slog.Info("new campaign detected",
			"campaign_id", id,
			"type", c.Type,
			"events", c.TotalAttempts,
			"confidence", c.AttributionConfidence)
	}
}

// attachToExisting scores each leftover event against recent campaigns
// sharing its IP or target user, attaching it to the best candidate clearing
// the correlation threshold. Unmatched events stay orphaned for this pass.
func (e *Engine) attachToExisting(events []*schema.CampaignEvent, touched map[string]*Campaign, absorbed map[string]struct{}, result *DetectionResult) {
	var recent []*Campaign

	for _, ev := range events {
		if _, ok := absorbed[ev.EventID]; ok {
			continue
		}
		if recent == nil {
			recent = e.campaigns.FindRecent(e.config.RecencyWindowHours)
		}

		var best *Campaign
		bestScore := 0.0
		for _, c := range recent {
			if !c.SourceIPs.Contains(ev.Attempt.ClientIP) && !c.TargetUsers.Contains(ev.Attempt.Email) {
				continue
			}
			score := e.eventSimilarity(ev, c)
			if score > bestScore {
				best, bestScore = c, score
			}
		}

		if best == nil || bestScore < e.config.CorrelationThreshold {
			result.OrphanedEvents++
			continue
		}

		if best.AddEvent(ev) {
			e.campaigns.Reindex(best)
			if _, already := touched[best.ID]; !already {
				result.UpdatedCampaigns++
			}
		}
		touched[best.ID] = best
		absorbed[ev.EventID] = struct{}{}
	}
}

// eventSimilarity scores an event against a campaign: shared IP 0.4, shared
// target user 0.3, shared user agent 0.2, and up to 0.1 for temporal
// proximity to the campaign's last activity, decaying linearly over the
// recency window.
func (e *Engine) eventSimilarity(ev *schema.CampaignEvent, c *Campaign) float64 {
	score := 0.0
	if c.SourceIPs.Contains(ev.Attempt.ClientIP) {
		score += 0.4
	}
	if c.TargetUsers.Contains(ev.Attempt.Email) {
		score += 0.3
	}
	if c.UserAgents.Contains(ev.Attempt.UserAgent) {
		score += 0.2
	}

	window := time.Duration(e.config.RecencyWindowHours) * time.Hour
	gap := ev.Timestamp.Sub(c.LastSeen)
	if gap < 0 {
		gap = -gap
	}
	if gap < window {
		score += 0.1 * (1 - gap.Seconds()/window.Seconds())
	}
	return score
}

// CorrelationScore computes campaign-to-campaign similarity: weighted
// Jaccard of source IPs (0.4) and target users (0.3), plus 0.2 for matching
// type and 0.1 for matching actor. Symmetric by construction.
func CorrelationScore(a, b *Campaign) float64 {
	score := 0.4*Jaccard(a.SourceIPs, b.SourceIPs) + 0.3*Jaccard(a.TargetUsers, b.TargetUsers)
	if a.Type == b.Type {
		score += 0.2
	}
	if a.ThreatActor != "" && a.ThreatActor == b.ThreatActor {
		score += 0.1
	}
	return score
}

// correlate records mutual relations between campaigns touched this pass
// whose pairwise similarity clears the threshold.
func (e *Engine) correlate(touched map[string]*Campaign) {
	campaigns := make([]*Campaign, 0, len(touched))
	for _, c := range touched {
		campaigns = append(campaigns, c)
	}

	for i := 0; i < len(campaigns); i++ {
		for j := i + 1; j < len(campaigns); j++ {
			score := CorrelationScore(campaigns[i], campaigns[j])
			if score < e.config.CorrelationThreshold {
				continue
			}
			campaigns[i].AddRelated(campaigns[j].ID)
			campaigns[j].AddRelated(campaigns[i].ID)
			slog.Info("campaigns correlated",
				"campaign_a", campaigns[i].ID,
				"campaign_b", campaigns[j].ID,
				"score", score)
		}
	}
}

// emitIndicators surfaces source IPs and automated user agents of large
// campaigns as fresh indicators: malicious for apt and botnet campaigns,
// suspicious otherwise, with the configured TTL and the campaign's
// attribution confidence. Ownership transfers to the indicator store.
func (e *Engine) emitIndicators(touched map[string]*Campaign) int {
	emitted := 0
	ttl := int64(e.config.IndicatorTTL.Seconds())

	for _, c := range touched {
		if c.TotalAttempts < e.config.MinEventsForIndicators {
			continue
		}

		level := intel.LevelSuspicious
		if c.Type == TypeAPTCampaign || c.Type == TypeBotnetActivity {
			level = intel.LevelMalicious
		}

		for _, ip := range c.SourceIPs.Values() {
			ind := &intel.Indicator{
				Value:      ip,
				Kind:       intel.KindIP,
				Level:      level,
				Source:     "campaign:" + c.ID,
				Confidence: c.AttributionConfidence,
				Tags:       []string{string(c.Type)},
				TTLSeconds: ttl,
			}
			if err := e.indicators.Add(ind); err != nil {
				slog.Warn("failed to emit ip indicator", "value", ip, "error", err)
				continue
			}
			c.IOCs = appendUniqueString(c.IOCs, "ip:"+ip)
			emitted++
		}

		for _, ua := range c.UserAgents.Values() {
			if !IsAutomatedUserAgent(ua) {
				continue
			}
			ind := &intel.Indicator{
				Value:      ua,
				Kind:       intel.KindUserAgent,
				Level:      level,
				Source:     "campaign:" + c.ID,
				Confidence: c.AttributionConfidence,
				Tags:       []string{string(c.Type)},
				TTLSeconds: ttl,
			}
			if err := e.indicators.Add(ind); err != nil {
				slog.Warn("failed to emit user agent indicator", "value", ua, "error", err)
				continue
			}
			c.IOCs = appendUniqueString(c.IOCs, "user_agent:"+ua)
			emitted++
		}
	}
	return emitted
}

// groupCampaignID derives the stable campaign ID for a group.
func groupCampaignID(group []*schema.CampaignEvent) string {
	ips := make([]string, 0, len(group))
	users := make([]string, 0, len(group))
	earliest := group[0].Timestamp
	for _, ev := range group {
		ips = append(ips, ev.Attempt.ClientIP)
		users = append(users, ev.Attempt.Email)
		if ev.Timestamp.Before(earliest) {
			earliest = ev.Timestamp
		}
	}
	return NewCampaignID(ips, users, earliest)
}

func appendUniqueString(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
