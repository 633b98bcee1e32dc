// Package reputation combines local threat indicators with external,
// rate-limited feed lookups into per-IP reputation verdicts.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// FeedResult is the raw signal returned by one external reputation source.
type FeedResult struct {
	Source              string         `json:"source"`
	MaliciousConfidence float64        `json:"malicious_confidence"`
	Tags                []string       `json:"tags,omitempty"`
	Raw                 map[string]any `json:"raw,omitempty"`
}

// Source is one external reputation feed.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*FeedResult, error)
}

// SourceConfig configures one external source.
type SourceConfig struct {
	Name              string        `yaml:"name"`
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key,omitempty"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	Timeout           time.Duration `yaml:"timeout"`
	MaliciousCutoff   float64       `yaml:"malicious_cutoff"`
	SuspiciousCutoff  float64       `yaml:"suspicious_cutoff"`
}

// DefaultSourceConfig returns per-source defaults.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		RequestsPerWindow: 100,
		Window:            time.Minute,
		Timeout:           5 * time.Second,
		MaliciousCutoff:   0.8,
		SuspiciousCutoff:  0.5,
	}
}

// Validate checks source configuration at construction time.
func (c *SourceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("source %s: requests_per_window must be positive", c.Name)
	}
	if c.Window <= 0 {
		return fmt.Errorf("source %s: window must be positive", c.Name)
	}
	if c.MaliciousCutoff < 0 || c.MaliciousCutoff > 1 {
		return fmt.Errorf("source %s: malicious_cutoff must be in [0,1]", c.Name)
	}
	if c.SuspiciousCutoff < 0 || c.SuspiciousCutoff > c.MaliciousCutoff {
		return fmt.Errorf("source %s: suspicious_cutoff must be in [0,malicious_cutoff]", c.Name)
	}
	return nil
}

// HTTPSource queries a reputation feed over HTTP. The feed contract is
// GET {url}/{ip} returning {"malicious_confidence": 0..1, "tags": [...]}.
type HTTPSource struct {
	cfg    SourceConfig
	client *http.Client
}

// NewHTTPSource creates an HTTP-backed source.
func NewHTTPSource(cfg SourceConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the configured source name.
func (s *HTTPSource) Name() string { return s.cfg.Name }

// Lookup queries the feed for one IP.
func (s *HTTPSource) Lookup(ctx context.Context, ip string) (*FeedResult, error) {
	url := fmt.Sprintf("%s/%s", s.cfg.URL, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s returned %d", s.cfg.Name, resp.StatusCode)
	}

	var body struct {
		MaliciousConfidence float64        `json:"malicious_confidence"`
		Tags                []string       `json:"tags"`
		Raw                 map[string]any `json:"raw"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	return &FeedResult{
		Source:              s.cfg.Name,
		MaliciousConfidence: body.MaliciousConfidence,
		Tags:                body.Tags,
		Raw:                 body.Raw,
	}, nil
}

// sourceLimiter is a fixed-window request counter. Each source has its own
// limiter with its own lock so a saturated source never blocks the others.
type sourceLimiter struct {
	mu        sync.Mutex
	budget    int
	window    time.Duration
	count     int
	windowEnd time.Time
}

func newSourceLimiter(budget int, window time.Duration) *sourceLimiter {
	return &sourceLimiter{budget: budget, window: window}
}

func (l *sourceLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.windowEnd) {
		l.count = 0
		l.windowEnd = now.Add(l.window)
	}
	if l.count >= l.budget {
		return false
	}
	l.count++
	return true
}

type cachedFeedResult struct {
	result  *FeedResult
	expires time.Time
}

// FeedClientConfig configures the feed client.
type FeedClientConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// DefaultFeedClientConfig returns feed client defaults.
func DefaultFeedClientConfig() FeedClientConfig {
	return FeedClientConfig{
		CacheTTL:       5 * time.Minute,
		MaxConcurrency: 4,
	}
}

// FeedClient queries all configured sources for an IP under per-source rate
// limits and a shared short-TTL cache. A failed, timed-out, or rate-limited
// source contributes nothing; it never fails the overall lookup.
type FeedClient struct {
	sources  []Source
	cfgs     map[string]SourceConfig
	limiters map[string]*sourceLimiter
	config   FeedClientConfig

	cacheMu sync.RWMutex
	cache   map[string]cachedFeedResult

	// Statistics
	statsMu     sync.Mutex
	lookups     uint64
	cacheHits   uint64
	rateLimited uint64
	failures    uint64
}

// NewFeedClient creates a feed client for the given sources. Source
// configuration errors are construction-time failures.
func NewFeedClient(cfg FeedClientConfig, sourceCfgs []SourceConfig) (*FeedClient, error) {
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("feed cache_ttl must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("feed max_concurrency must be positive")
	}

	c := &FeedClient{
		cfgs:     make(map[string]SourceConfig),
		limiters: make(map[string]*sourceLimiter),
		config:   cfg,
		cache:    make(map[string]cachedFeedResult),
	}
	for _, sc := range sourceCfgs {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		c.addSource(NewHTTPSource(sc), sc)
	}
	return c, nil
}

// AddSource registers a custom source implementation.
func (c *FeedClient) AddSource(src Source, cfg SourceConfig) error {
	cfg.Name = src.Name()
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.addSource(src, cfg)
	return nil
}

func (c *FeedClient) addSource(src Source, cfg SourceConfig) {
	c.sources = append(c.sources, src)
	c.cfgs[src.Name()] = cfg
	c.limiters[src.Name()] = newSourceLimiter(cfg.RequestsPerWindow, cfg.Window)
}

// SourceConfig returns the configuration for a named source.
func (c *FeedClient) SourceConfig(name string) (SourceConfig, bool) {
	cfg, ok := c.cfgs[name]
	return cfg, ok
}

// Lookup queries every source for the IP. Sources run concurrently under a
// bounded worker pool; partial completion is expected.
func (c *FeedClient) Lookup(ctx context.Context, ip string) []*FeedResult {
	c.statsMu.Lock()
	c.lookups++
	c.statsMu.Unlock()

	results := make([]*FeedResult, len(c.sources))
	sem := make(chan struct{}, c.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.lookupOne(ctx, src, ip)
		}(i, src)
	}
	wg.Wait()

	out := make([]*FeedResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (c *FeedClient) lookupOne(ctx context.Context, src Source, ip string) *FeedResult {
	key := src.Name() + "|" + ip
	now := time.Now()

	c.cacheMu.RLock()
	cached, ok := c.cache[key]
	c.cacheMu.RUnlock()
	if ok && now.Before(cached.expires) {
		c.statsMu.Lock()
		c.cacheHits++
		c.statsMu.Unlock()
		return cached.result
	}

	if !c.limiters[src.Name()].allow(now) {
		c.statsMu.Lock()
		c.rateLimited++
		c.statsMu.Unlock()
		slog.Warn("reputation source rate limited, skipping", "source", src.Name())
		return nil
	}

	timeout := c.cfgs[src.Name()].Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := src.Lookup(lookupCtx, ip)
	if err != nil {
		c.statsMu.Lock()
		c.failures++
		c.statsMu.Unlock()
		slog.Warn("reputation source unavailable", "source", src.Name(), "error", err)
		return nil
	}

	c.cacheMu.Lock()
	c.cache[key] = cachedFeedResult{result: result, expires: now.Add(c.config.CacheTTL)}
	c.cacheMu.Unlock()

	return result
}

// Stats returns feed client statistics.
func (c *FeedClient) Stats() map[string]any {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	c.cacheMu.RLock()
	cacheSize := len(c.cache)
	c.cacheMu.RUnlock()

	return map[string]any{
		"sources":      len(c.sources),
		"lookups":      c.lookups,
		"cache_hits":   c.cacheHits,
		"cache_size":   cacheSize,
		"rate_limited": c.rateLimited,
		"failures":     c.failures,
	}
}
