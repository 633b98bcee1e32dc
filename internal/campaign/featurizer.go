package campaign

import (
	"hash/fnv"

	"authguard/internal/schema"
)

// FeatureDim is the fixed size of the event feature vector.
const FeatureDim = 10

// Featurizer converts campaign events into fixed-size numeric vectors for
// the clustering pass. Pure and deterministic; malformed events (missing
// geolocation, empty fields) yield zero-valued features, never errors.
type Featurizer struct{}

// NewFeaturizer creates a featurizer.
func NewFeaturizer() *Featurizer {
	return &Featurizer{}
}

// Featurize produces the 10-dim feature vector:
// [hourOfDay, dayOfWeek, hash(ip), hash(userAgent), ipReputationScore,
// patternCount, similarAttacks, latitude, longitude, tor/vpn flag].
func (f *Featurizer) Featurize(ev *schema.CampaignEvent) []float64 {
	vec := make([]float64, FeatureDim)

	ts := ev.Timestamp.UTC()
	vec[0] = float64(ts.Hour())
	vec[1] = float64(ts.Weekday())
	vec[2] = float64(hashMod(ev.Attempt.ClientIP, 10000))
	vec[3] = float64(hashMod(ev.Attempt.UserAgent, 10000))
	vec[4] = ev.Signal.IPReputationScore
	vec[5] = float64(len(ev.Signal.KnownAttackPatterns))
	vec[6] = float64(ev.Signal.SimilarAttacksDetected)

	if geo := ev.Attempt.Geolocation; geo != nil {
		vec[7] = geo.Latitude
		vec[8] = geo.Longitude
	}
	if ev.Attempt.IsTor || ev.Attempt.IsVPN {
		vec[9] = 1
	}

	return vec
}

// GroupingKey returns the coarse heuristic grouping key for an event.
func (f *Featurizer) GroupingKey(ev *schema.CampaignEvent) string {
	return "ip:" + ev.Attempt.ClientIP
}

func hashMod(s string, mod uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32() % mod
}
