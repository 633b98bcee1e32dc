package campaign

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"authguard/internal/schema"
)

// Indicator predicate names. The set is closed: every catalogue signature
// references predicates from this table only, validated at construction.
const (
	IndicatorRapidAttempts      = "rapid_attempts"
	IndicatorMultipleIPs        = "multiple_ips"
	IndicatorMultipleUsers      = "multiple_users"
	IndicatorSingleSource       = "single_source"
	IndicatorSingleTarget       = "single_target"
	IndicatorPersistentAttempts = "persistent_attempts"
	IndicatorCoordinatedTiming  = "coordinated_timing"
	IndicatorAutomatedAgent     = "automated_agent"
	IndicatorAnonymizedNetwork  = "anonymized_network"
	IndicatorKnownPatterns      = "known_patterns"
	IndicatorLowUserRepetition  = "low_user_repetition"
)

// predicate evaluates one named indicator against a whole event group.
type predicate func(events []*schema.CampaignEvent) bool

// predicateTable is the closed dispatch table of indicator predicates.
var predicateTable = map[string]predicate{
	IndicatorRapidAttempts:      rapidAttempts,
	IndicatorMultipleIPs:        func(evs []*schema.CampaignEvent) bool { return distinctIPs(evs) >= 3 },
	IndicatorMultipleUsers:      func(evs []*schema.CampaignEvent) bool { return distinctUsers(evs) >= 3 },
	IndicatorSingleSource:       func(evs []*schema.CampaignEvent) bool { return distinctIPs(evs) == 1 },
	IndicatorSingleTarget:       func(evs []*schema.CampaignEvent) bool { return distinctUsers(evs) == 1 },
	IndicatorPersistentAttempts: persistentAttempts,
	IndicatorCoordinatedTiming:  coordinatedTiming,
	IndicatorAutomatedAgent:     automatedAgent,
	IndicatorAnonymizedNetwork:  anonymizedNetwork,
	IndicatorKnownPatterns:      knownPatterns,
	IndicatorLowUserRepetition:  lowUserRepetition,
}

// Signature is an immutable catalogue entry: a named predicate set with a
// score threshold and the campaign type it attributes.
type Signature struct {
	ID                  string   `yaml:"id" json:"id"`
	Indicators          []string `yaml:"indicators" json:"indicators"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" json:"confidence_threshold"`
	CampaignType        Type     `yaml:"campaign_type" json:"campaign_type"`
	ThreatActor         string   `yaml:"threat_actor,omitempty" json:"threat_actor,omitempty"`
}

// Validate checks the signature against the closed predicate table.
func (s *Signature) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signature id is required")
	}
	if len(s.Indicators) == 0 {
		return fmt.Errorf("signature %s has no indicators", s.ID)
	}
	if s.ConfidenceThreshold <= 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("signature %s: confidence_threshold must be in (0, 1]", s.ID)
	}
	if !s.CampaignType.IsValid() {
		return fmt.Errorf("signature %s: unknown campaign type %q", s.ID, s.CampaignType)
	}
	for _, name := range s.Indicators {
		if _, ok := predicateTable[name]; !ok {
			return fmt.Errorf("signature %s: unknown indicator %q", s.ID, name)
		}
	}
	return nil
}

// builtinCatalogue is the default signature set. Order matters: ties in
// score are broken by declaration order, first wins.
func builtinCatalogue() []Signature {
	return []Signature{
		{
			ID:                  "sig-brute-force",
			Indicators:          []string{IndicatorRapidAttempts, IndicatorSingleSource, IndicatorMultipleUsers},
			ConfidenceThreshold: 0.7,
			CampaignType:        TypeBruteForce,
		},
		{
			ID:                  "sig-credential-stuffing",
			Indicators:          []string{IndicatorMultipleUsers, IndicatorLowUserRepetition, IndicatorRapidAttempts},
			ConfidenceThreshold: 0.7,
			CampaignType:        TypeCredentialStuffing,
		},
		{
			ID:                  "sig-account-takeover",
			Indicators:          []string{IndicatorSingleTarget, IndicatorMultipleIPs, IndicatorPersistentAttempts},
			ConfidenceThreshold: 0.66,
			CampaignType:        TypeAccountTakeover,
		},
		{
			ID:                  "sig-distributed-attack",
			Indicators:          []string{IndicatorMultipleIPs, IndicatorCoordinatedTiming, IndicatorMultipleUsers},
			ConfidenceThreshold: 0.7,
			CampaignType:        TypeDistributedAttack,
		},
		{
			ID:                  "sig-botnet",
			Indicators:          []string{IndicatorMultipleIPs, IndicatorAutomatedAgent, IndicatorRapidAttempts},
			ConfidenceThreshold: 0.7,
			CampaignType:        TypeBotnetActivity,
		},
		{
			ID:                  "sig-apt",
			Indicators:          []string{IndicatorPersistentAttempts, IndicatorAnonymizedNetwork, IndicatorKnownPatterns},
			ConfidenceThreshold: 0.66,
			CampaignType:        TypeAPTCampaign,
		},
	}
}

// Classification is the outcome of scoring a group against the catalogue.
type Classification struct {
	CampaignType Type
	ThreatActor  string
	Confidence   float64
	SignatureID  string
}

// Classifier scores event groups against the signature catalogue.
// Read-only after construction, safe for concurrent use.
type Classifier struct {
	catalogue []Signature
}

// NewClassifier builds a classifier from the built-in catalogue plus any
// extra signatures, appended after the built-ins in declaration order.
func NewClassifier(extra ...Signature) (*Classifier, error) {
	catalogue := append(builtinCatalogue(), extra...)
	seen := make(map[string]struct{}, len(catalogue))
	for i := range catalogue {
		if err := catalogue[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[catalogue[i].ID]; dup {
			return nil, fmt.Errorf("duplicate signature id %q", catalogue[i].ID)
		}
		seen[catalogue[i].ID] = struct{}{}
	}
	return &Classifier{catalogue: catalogue}, nil
}

// Catalogue returns the signatures in evaluation order.
func (c *Classifier) Catalogue() []Signature {
	return c.catalogue
}

// Score evaluates one signature against a group: matched predicates over
// total predicates.
func (c *Classifier) Score(sig *Signature, events []*schema.CampaignEvent) float64 {
	if len(sig.Indicators) == 0 {
		return 0
	}
	matched := 0
	for _, name := range sig.Indicators {
		if predicateTable[name](events) {
			matched++
		}
	}
	return float64(matched) / float64(len(sig.Indicators))
}

// Classify picks the highest-scoring signature clearing its own threshold;
// ties go to the earliest declared. When nothing clears, a coarse heuristic
// on IP and user counts decides the type with a fixed confidence.
func (c *Classifier) Classify(events []*schema.CampaignEvent) Classification {
	best := Classification{CampaignType: TypeUnknown}
	for i := range c.catalogue {
		sig := &c.catalogue[i]
		score := c.Score(sig, events)
		if score < sig.ConfidenceThreshold {
			continue
		}
		if best.SignatureID == "" || score > best.Confidence {
			best = Classification{
				CampaignType: sig.CampaignType,
				ThreatActor:  sig.ThreatActor,
				Confidence:   score,
				SignatureID:  sig.ID,
			}
		}
	}
	if best.SignatureID != "" {
		return best
	}
	return c.classifyHeuristic(events)
}

// classifyHeuristic selects a coarse type from IP-count vs user-count ratios.
func (c *Classifier) classifyHeuristic(events []*schema.CampaignEvent) Classification {
	ips := distinctIPs(events)
	users := distinctUsers(events)

	switch {
	case ips >= 3 && users >= 3:
		return Classification{CampaignType: TypeDistributedAttack, Confidence: 0.5}
	case users >= 3 && users > ips:
		return Classification{CampaignType: TypeCredentialStuffing, Confidence: 0.6}
	case ips <= 2 && len(events) >= 3:
		return Classification{CampaignType: TypeBruteForce, Confidence: 0.7}
	default:
		return Classification{CampaignType: TypeUnknown, Confidence: 0.3}
	}
}

// Predicate implementations. Each is pure over the whole group.

// rapidAttempts: any two consecutive timestamps, sorted, within 60 seconds.
func rapidAttempts(events []*schema.CampaignEvent) bool {
	if len(events) < 2 {
		return false
	}
	ts := sortedTimestamps(events)
	for i := 1; i < len(ts); i++ {
		if ts[i].Sub(ts[i-1]) <= 60*time.Second {
			return true
		}
	}
	return false
}

// persistentAttempts: observed time span exceeds one hour.
func persistentAttempts(events []*schema.CampaignEvent) bool {
	if len(events) < 2 {
		return false
	}
	ts := sortedTimestamps(events)
	return ts[len(ts)-1].Sub(ts[0]) > time.Hour
}

// coordinatedTiming: coefficient of variation of inter-event intervals
// below 0.10, i.e. near-constant cadence typical of tooling.
func coordinatedTiming(events []*schema.CampaignEvent) bool {
	if len(events) < 3 {
		return false
	}
	ts := sortedTimestamps(events)
	intervals := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		intervals = append(intervals, ts[i].Sub(ts[i-1]).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean == 0 {
		return true
	}

	var variance float64
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance)/mean < 0.10
}

// automatedAgent: any user agent matching the automation denylist.
func automatedAgent(events []*schema.CampaignEvent) bool {
	for _, ev := range events {
		if IsAutomatedUserAgent(ev.Attempt.UserAgent) {
			return true
		}
	}
	return false
}

// anonymizedNetwork: majority of events arrive over Tor or VPN.
func anonymizedNetwork(events []*schema.CampaignEvent) bool {
	if len(events) == 0 {
		return false
	}
	count := 0
	for _, ev := range events {
		if ev.Attempt.IsTor || ev.Attempt.IsVPN {
			count++
		}
	}
	return count*2 > len(events)
}

// knownPatterns: any event carries recognized attack patterns.
func knownPatterns(events []*schema.CampaignEvent) bool {
	for _, ev := range events {
		if len(ev.Signal.KnownAttackPatterns) > 0 {
			return true
		}
	}
	return false
}

// lowUserRepetition: most targeted accounts appear only once, the spray
// shape of credential stuffing.
func lowUserRepetition(events []*schema.CampaignEvent) bool {
	if len(events) == 0 {
		return false
	}
	return float64(distinctUsers(events))/float64(len(events)) >= 0.8
}

var automatedAgentMarkers = []string{"bot", "crawler", "scanner", "tool"}

// IsAutomatedUserAgent reports whether a user agent string matches the
// automation denylist used for both classification and indicator emission.
func IsAutomatedUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, marker := range automatedAgentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func distinctIPs(events []*schema.CampaignEvent) int {
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.Attempt.ClientIP != "" {
			seen[ev.Attempt.ClientIP] = struct{}{}
		}
	}
	return len(seen)
}

func distinctUsers(events []*schema.CampaignEvent) int {
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.Attempt.Email != "" {
			seen[ev.Attempt.Email] = struct{}{}
		}
	}
	return len(seen)
}

func sortedTimestamps(events []*schema.CampaignEvent) []time.Time {
	ts := make([]time.Time, len(events))
	for i, ev := range events {
		ts[i] = ev.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	return ts
}
