package reputation

import (
	"context"
	"errors"
	"testing"
	"time"

	"authguard/internal/intel"
)

// stubSource is a controllable feed source for tests.
type stubSource struct {
	name   string
	result *FeedResult
	err    error
	calls  int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Lookup(ctx context.Context, ip string) (*FeedResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func newTestFeeds(t *testing.T, sources ...*stubSource) *FeedClient {
	t.Helper()
	feeds, err := NewFeedClient(DefaultFeedClientConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, src := range sources {
		cfg := DefaultSourceConfig()
		cfg.Name = src.name
		if err := feeds.AddSource(src, cfg); err != nil {
			t.Fatal(err)
		}
	}
	return feeds
}

func newTestAnalyzer(t *testing.T, store *intel.Store, feeds *FeedClient) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(DefaultAnalyzerConfig(), store, feeds, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAnalyzer_LocalMatchSeedsVerdict(t *testing.T) {
	store := intel.NewStore("")
	store.Add(&intel.Indicator{
		Value:      "10.0.0.0/8",
		Kind:       intel.KindCIDR,
		Level:      intel.LevelMalicious,
		Source:     "local-feed",
		Confidence: 0.85,
		Tags:       []string{"botnet"},
	})

	a := newTestAnalyzer(t, store, nil)
	v := a.AnalyzeIP(context.Background(), "10.1.2.3")

	if v.Level != intel.LevelMalicious {
		t.Errorf("level = %s, want malicious", v.Level)
	}
	if v.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", v.Confidence)
	}
	if len(v.Sources) != 1 || v.Sources[0] != "local-feed" {
		t.Errorf("sources = %v", v.Sources)
	}
}

func TestAnalyzer_HighestSeverityLocalMatchWins(t *testing.T) {
	store := intel.NewStore("")
	store.Add(&intel.Indicator{Value: "10.0.0.0/8", Kind: intel.KindCIDR, Level: intel.LevelSuspicious, Source: "a", Confidence: 0.5})
	store.Add(&intel.Indicator{Value: "10.1.2.3", Kind: intel.KindIP, Level: intel.LevelCritical, Source: "b", Confidence: 0.95})

	a := newTestAnalyzer(t, store, nil)
	v := a.AnalyzeIP(context.Background(), "10.1.2.3")

	if v.Level != intel.LevelCritical {
		t.Errorf("level = %s, want critical", v.Level)
	}
	if len(v.Sources) != 2 {
		t.Errorf("expected both sources recorded, got %v", v.Sources)
	}
}

func TestAnalyzer_FeedEscalation(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		expected   intel.ReputationLevel
	}{
		{"above malicious cutoff", 0.9, intel.LevelMalicious},
		{"above suspicious cutoff", 0.6, intel.LevelSuspicious},
		{"below all cutoffs", 0.2, intel.LevelClean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubSource{
				name:   "feed-a",
				result: &FeedResult{Source: "feed-a", MaliciousConfidence: tt.confidence},
			}
			a := newTestAnalyzer(t, intel.NewStore(""), newTestFeeds(t, src))

			v := a.AnalyzeIP(context.Background(), "198.51.100.7")
			if v.Level != tt.expected {
				t.Errorf("level = %s, want %s", v.Level, tt.expected)
			}
		})
	}
}

func TestAnalyzer_EscalationNeverDowngrades(t *testing.T) {
	store := intel.NewStore("")
	store.Add(&intel.Indicator{Value: "198.51.100.7", Kind: intel.KindIP, Level: intel.LevelCritical, Source: "local", Confidence: 1.0})

	// A weak feed signal must not pull the verdict below critical.
	src := &stubSource{
		name:   "feed-a",
		result: &FeedResult{Source: "feed-a", MaliciousConfidence: 0.6},
	}
	a := newTestAnalyzer(t, store, newTestFeeds(t, src))

	v := a.AnalyzeIP(context.Background(), "198.51.100.7")
	if v.Level != intel.LevelCritical {
		t.Errorf("level = %s, want critical (no downgrade)", v.Level)
	}
}

func TestAnalyzer_FailedSourceSkipped(t *testing.T) {
	good := &stubSource{
		name:   "feed-good",
		result: &FeedResult{Source: "feed-good", MaliciousConfidence: 0.9},
	}
	bad := &stubSource{name: "feed-bad", err: errors.New("connection refused")}

	a := newTestAnalyzer(t, intel.NewStore(""), newTestFeeds(t, good, bad))

	v := a.AnalyzeIP(context.Background(), "198.51.100.7")
	if v.Level != intel.LevelMalicious {
		t.Errorf("level = %s, want malicious from the healthy source", v.Level)
	}
	for _, s := range v.Sources {
		if s == "feed-bad" {
			t.Error("failed source should not appear in verdict sources")
		}
	}
}

func TestAnalyzer_VerdictCached(t *testing.T) {
	src := &stubSource{
		name:   "feed-a",
		result: &FeedResult{Source: "feed-a", MaliciousConfidence: 0.9},
	}
	a := newTestAnalyzer(t, intel.NewStore(""), newTestFeeds(t, src))

	a.AnalyzeIP(context.Background(), "198.51.100.7")
	a.AnalyzeIP(context.Background(), "198.51.100.7")

	if src.calls != 1 {
		t.Errorf("source called %d times, want 1 (verdict cache)", src.calls)
	}
}

func TestFeedClient_RateLimitExhaustionSkips(t *testing.T) {
	src := &stubSource{
		name:   "feed-a",
		result: &FeedResult{Source: "feed-a", MaliciousConfidence: 0.9},
	}
	feeds, err := NewFeedClient(FeedClientConfig{CacheTTL: time.Nanosecond, MaxConcurrency: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultSourceConfig()
	cfg.RequestsPerWindow = 2
	if err := feeds.AddSource(src, cfg); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		feeds.Lookup(ctx, "198.51.100.7")
		time.Sleep(time.Millisecond) // let the cache entry expire
	}

	if src.calls > 2 {
		t.Errorf("source called %d times, budget is 2", src.calls)
	}
}

func TestFeedClient_SharedCache(t *testing.T) {
	src := &stubSource{
		name:   "feed-a",
		result: &FeedResult{Source: "feed-a", MaliciousConfidence: 0.4},
	}
	feeds := newTestFeeds(t, src)

	ctx := context.Background()
	feeds.Lookup(ctx, "198.51.100.7")
	feeds.Lookup(ctx, "198.51.100.7")

	if src.calls != 1 {
		t.Errorf("source called %d times, want 1 (feed cache)", src.calls)
	}
}

func TestSourceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SourceConfig)
		wantErr bool
	}{
		{"valid", func(c *SourceConfig) {}, false},
		{"missing name", func(c *SourceConfig) { c.Name = "" }, true},
		{"zero budget", func(c *SourceConfig) { c.RequestsPerWindow = 0 }, true},
		{"cutoff above one", func(c *SourceConfig) { c.MaliciousCutoff = 1.5 }, true},
		{"suspicious above malicious", func(c *SourceConfig) {
			c.SuspiciousCutoff = 0.9
			c.MaliciousCutoff = 0.8
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSourceConfig()
			cfg.Name = "feed-a"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
