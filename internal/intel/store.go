package intel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// sweepInterval is how often the opportunistic expiry sweep runs.
const sweepInterval = time.Hour

// networkEntry pairs a parsed CIDR block with its indicator for the linear
// network-match list.
type networkEntry struct {
	network   *net.IPNet
	indicator *Indicator
}

// Store holds threat indicators keyed by (kind, value), with a side list of
// CIDR blocks for network-aware IP matching. Readers may run concurrently;
// writers are exclusive.
type Store struct {
	mu         sync.RWMutex
	indicators map[string]*Indicator
	networks   []networkEntry
	path       string
	lastSweep  time.Time

	// Statistics
	totalAdded   uint64
	totalExpired uint64
}

// NewStore creates an indicator store. If path is non-empty, a previously
// saved snapshot is loaded; a missing or corrupt file logs and starts empty.
func NewStore(path string) *Store {
	s := &Store{
		indicators: make(map[string]*Indicator),
		path:       path,
		lastSweep:  time.Now(),
	}
	if path != "" {
		s.loadFromFile(path)
	}
	return s
}

func indicatorKey(kind IndicatorKind, value string) string {
	return string(kind) + "|" + value
}

// Add inserts or overwrites an indicator by (kind, value). CIDR indicators
// are additionally registered on the network-match list.
func (s *Store) Add(ind *Indicator) error {
	if ind.Value == "" {
		return fmt.Errorf("indicator value is required")
	}
	if !ind.Kind.IsValid() {
		return fmt.Errorf("invalid indicator kind: %q", ind.Kind)
	}

	now := time.Now()
	if ind.FirstSeen.IsZero() {
		ind.FirstSeen = now
	}
	if ind.LastSeen.IsZero() {
		ind.LastSeen = now
	}

	var network *net.IPNet
	if ind.Kind == KindCIDR {
		_, n, err := net.ParseCIDR(ind.Value)
		if err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", ind.Value, err)
		}
		network = n
	}

	s.mu.Lock()
	key := indicatorKey(ind.Kind, ind.Value)
	if _, exists := s.indicators[key]; exists && ind.Kind == KindCIDR {
		s.removeNetworkLocked(ind.Value)
	}
	s.indicators[key] = ind
	if network != nil {
		s.networks = append(s.networks, networkEntry{network: network, indicator: ind})
	}
	s.totalAdded++

	sweep := now.Sub(s.lastSweep) >= sweepInterval
	if sweep {
		s.lastSweep = now
	}
	s.mu.Unlock()

	if sweep {
		s.Sweep()
	}
	return nil
}

// Get returns the indicator for (kind, value), or nil if absent or expired.
func (s *Store) Get(kind IndicatorKind, value string) *Indicator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ind, ok := s.indicators[indicatorKey(kind, value)]
	if !ok || ind.IsExpired(time.Now()) {
		return nil
	}
	return ind
}

// MatchIP returns every non-expired indicator matching the IP: the exact
// ip-kind entry plus all CIDR blocks containing it. Malformed input returns
// an empty result, never an error.
func (s *Store) MatchIP(ip string) []*Indicator {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}

	now := time.Now()
	var matches []*Indicator

	s.mu.RLock()
	defer s.mu.RUnlock()

	if ind, ok := s.indicators[indicatorKey(KindIP, ip)]; ok && !ind.IsExpired(now) {
		matches = append(matches, ind)
	}
	for _, entry := range s.networks {
		if entry.indicator.IsExpired(now) {
			continue
		}
		if entry.network.Contains(parsed) {
			matches = append(matches, entry.indicator)
		}
	}
	return matches
}

// Search linear-scans for indicators matching the given filters, skipping
// expired entries. Zero values disable a filter.
func (s *Store) Search(kind IndicatorKind, level ReputationLevel, tags []string) []*Indicator {
	now := time.Now()
	var results []*Indicator

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ind := range s.indicators {
		if ind.IsExpired(now) {
			continue
		}
		if kind != "" && ind.Kind != kind {
			continue
		}
		if level != "" && ind.Level != level {
			continue
		}
		if !hasAllTags(ind, tags) {
			continue
		}
		results = append(results, ind)
	}
	return results
}

func hasAllTags(ind *Indicator, tags []string) bool {
	for _, tag := range tags {
		if !ind.HasTag(tag) {
			return false
		}
	}
	return true
}

// Remove deletes an indicator by (kind, value).
func (s *Store) Remove(kind IndicatorKind, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.indicators, indicatorKey(kind, value))
	if kind == KindCIDR {
		s.removeNetworkLocked(value)
	}
}

func (s *Store) removeNetworkLocked(value string) {
	kept := s.networks[:0]
	for _, entry := range s.networks {
		if entry.indicator.Value != value {
			kept = append(kept, entry)
		}
	}
	s.networks = kept
}

// Sweep removes expired indicators from the map and the network list. Safe
// to call concurrently from the timer path and the insert path.
func (s *Store) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ind := range s.indicators {
		if ind.IsExpired(now) {
			delete(s.indicators, key)
			removed++
		}
	}
	if removed > 0 {
		kept := s.networks[:0]
		for _, entry := range s.networks {
			if !entry.indicator.IsExpired(now) {
				kept = append(kept, entry)
			}
		}
		s.networks = kept
		s.totalExpired += uint64(removed)
		slog.Debug("indicator sweep removed expired entries", "removed", removed)
	}
	return removed
}

// Len returns the number of stored indicators, including expired entries not
// yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indicators)
}

// SaveToFile writes a JSON snapshot of all indicators.
func (s *Store) SaveToFile() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	indicators := make([]*Indicator, 0, len(s.indicators))
	for _, ind := range s.indicators {
		indicators = append(indicators, ind)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(indicators, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write indicator snapshot: %w", err)
	}
	return nil
}

// loadFromFile restores a snapshot. Corrupt or missing files log a warning
// and leave the store empty; startup never fails on bad snapshots.
func (s *Store) loadFromFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read indicator snapshot", "path", path, "error", err)
		}
		return
	}

	var indicators []*Indicator
	if err := json.Unmarshal(data, &indicators); err != nil {
		slog.Warn("corrupt indicator snapshot, starting empty", "path", path, "error", err)
		return
	}

	loaded := 0
	for _, ind := range indicators {
		if ind == nil || ind.Value == "" || !ind.Kind.IsValid() {
			continue
		}
		if err := s.Add(ind); err != nil {
			slog.Warn("skipping invalid indicator from snapshot", "value", ind.Value, "error", err)
			continue
		}
		loaded++
	}
	slog.Info("indicator snapshot loaded", "path", path, "indicators", loaded)
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byLevel := make(map[string]int)
	byKind := make(map[string]int)
	now := time.Now()
	active := 0
	for _, ind := range s.indicators {
		if ind.IsExpired(now) {
			continue
		}
		active++
		byLevel[string(ind.Level)]++
		byKind[string(ind.Kind)]++
	}

	return map[string]any{
		"active_indicators": active,
		"network_entries":   len(s.networks),
		"by_level":          byLevel,
		"by_kind":           byKind,
		"total_added":       s.totalAdded,
		"total_expired":     s.totalExpired,
	}
}
