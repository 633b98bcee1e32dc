package reputation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authguard/internal/intel"
)

// Verdict is the aggregated reputation judgment for one IP.
type Verdict struct {
	IP         string                `json:"ip"`
	Level      intel.ReputationLevel `json:"reputation_level"`
	Confidence float64               `json:"confidence"`
	Sources    []string              `json:"sources,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
	FirstSeen  time.Time             `json:"first_seen,omitempty"`
	LastSeen   time.Time             `json:"last_seen,omitempty"`
}

// VerdictCache is an optional shared cache layer (e.g. Redis) consulted
// before feed fan-out. Implementations treat errors as misses.
type VerdictCache interface {
	Get(ctx context.Context, ip string) (*Verdict, bool)
	Set(ctx context.Context, ip string, v *Verdict)
}

// AnalyzerConfig configures the analyzer.
type AnalyzerConfig struct {
	VerdictCacheTTL time.Duration `yaml:"verdict_cache_ttl"`
}

// DefaultAnalyzerConfig returns analyzer defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{VerdictCacheTTL: 5 * time.Minute}
}

type cachedVerdict struct {
	verdict *Verdict
	expires time.Time
}

// Analyzer produces one verdict per IP from local indicator matches and
// external feed signals.
type Analyzer struct {
	store  *intel.Store
	feeds  *FeedClient
	config AnalyzerConfig
	shared VerdictCache

	cacheMu sync.RWMutex
	cache   map[string]cachedVerdict

	statsMu   sync.Mutex
	analyzed  uint64
	cacheHits uint64
}

// NewAnalyzer creates an analyzer. The shared cache is optional and may be
// nil.
func NewAnalyzer(cfg AnalyzerConfig, store *intel.Store, feeds *FeedClient, shared VerdictCache) (*Analyzer, error) {
	if cfg.VerdictCacheTTL <= 0 {
		return nil, fmt.Errorf("verdict_cache_ttl must be positive")
	}
	if store == nil {
		return nil, fmt.Errorf("indicator store is required")
	}
	return &Analyzer{
		store:  store,
		feeds:  feeds,
		config: cfg,
		shared: shared,
		cache:  make(map[string]cachedVerdict),
	}, nil
}

// AnalyzeIP produces a verdict for one IP. Local indicators seed the verdict
// from the highest-severity match; responding external sources escalate it
// monotonically. Source failures are silent skips.
func (a *Analyzer) AnalyzeIP(ctx context.Context, ip string) *Verdict {
	now := time.Now()

	a.cacheMu.RLock()
	cached, ok := a.cache[ip]
	a.cacheMu.RUnlock()
	if ok && now.Before(cached.expires) {
		a.statsMu.Lock()
		a.cacheHits++
		a.statsMu.Unlock()
		return cached.verdict
	}

	if a.shared != nil {
		if v, ok := a.shared.Get(ctx, ip); ok {
			a.cacheLocal(ip, v, now)
			return v
		}
	}

	a.statsMu.Lock()
	a.analyzed++
	a.statsMu.Unlock()

	verdict := &Verdict{
		IP:    ip,
		Level: intel.LevelClean,
	}

	a.applyLocalMatches(verdict, ip)
	a.applyFeedSignals(ctx, verdict, ip)

	a.cacheLocal(ip, verdict, now)
	if a.shared != nil {
		a.shared.Set(ctx, ip, verdict)
	}
	return verdict
}

// applyLocalMatches seeds the verdict from the highest-severity local
// indicator match.
func (a *Analyzer) applyLocalMatches(verdict *Verdict, ip string) {
	matches := a.store.MatchIP(ip)
	if len(matches) == 0 {
		return
	}

	var best *intel.Indicator
	for _, m := range matches {
		if best == nil || intel.SeverityRank(m.Level) > intel.SeverityRank(best.Level) {
			best = m
		}
	}

	verdict.Level = best.Level
	verdict.Confidence = best.Confidence
	verdict.FirstSeen = best.FirstSeen
	verdict.LastSeen = best.LastSeen
	for _, m := range matches {
		verdict.Sources = appendUnique(verdict.Sources, m.Source)
		for _, t := range m.Tags {
			verdict.Tags = appendUnique(verdict.Tags, t)
		}
	}
}

// applyFeedSignals escalates the verdict from responding external sources.
// Escalation never downgrades a severity already set.
func (a *Analyzer) applyFeedSignals(ctx context.Context, verdict *Verdict, ip string) {
	if a.feeds == nil {
		return
	}

	for _, r := range a.feeds.Lookup(ctx, ip) {
		cfg, ok := a.feeds.SourceConfig(r.Source)
		if !ok {
			continue
		}

		switch {
		case r.MaliciousConfidence >= cfg.MaliciousCutoff:
			verdict.Level = intel.MaxLevel(verdict.Level, intel.LevelMalicious)
		case r.MaliciousConfidence >= cfg.SuspiciousCutoff:
			verdict.Level = intel.MaxLevel(verdict.Level, intel.LevelSuspicious)
		default:
			continue
		}

		if r.MaliciousConfidence > verdict.Confidence {
			verdict.Confidence = r.MaliciousConfidence
		}
		verdict.Sources = appendUnique(verdict.Sources, r.Source)
		for _, t := range r.Tags {
			verdict.Tags = appendUnique(verdict.Tags, t)
		}
	}
}

func (a *Analyzer) cacheLocal(ip string, v *Verdict, now time.Time) {
	a.cacheMu.Lock()
	a.cache[ip] = cachedVerdict{verdict: v, expires: now.Add(a.config.VerdictCacheTTL)}
	a.cacheMu.Unlock()
}

// Cleanup drops expired verdicts from the local cache.
func (a *Analyzer) Cleanup() {
	now := time.Now()
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for ip, c := range a.cache {
		if now.After(c.expires) {
			delete(a.cache, ip)
		}
	}
}

// Stats returns analyzer statistics.
func (a *Analyzer) Stats() map[string]any {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	a.cacheMu.RLock()
	cacheSize := len(a.cache)
	a.cacheMu.RUnlock()

	return map[string]any{
		"analyzed":   a.analyzed,
		"cache_hits": a.cacheHits,
		"cache_size": cacheSize,
	}
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
