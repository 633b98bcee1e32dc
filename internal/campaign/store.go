package campaign

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Store owns all campaign aggregates: a primary map keyed by campaign ID
// plus secondary indices by source IP, target user, type, and actor,
// maintained incrementally on every mutation. Readers may run concurrently;
// writers are exclusive.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]*Campaign
	byIP      map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}
	byType    map[string]map[string]struct{}
	byActor   map[string]map[string]struct{}
	path      string
}

// NewStore creates a campaign store. If path is non-empty, a previously
// saved snapshot is loaded; a missing or corrupt file logs and starts empty.
func NewStore(path string) *Store {
	s := &Store{
		campaigns: make(map[string]*Campaign),
		byIP:      make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		byType:    make(map[string]map[string]struct{}),
		byActor:   make(map[string]map[string]struct{}),
		path:      path,
	}
	if path != "" {
		s.loadFromFile(path)
	}
	return s
}

// Add inserts or replaces a campaign and indexes it.
func (s *Store) Add(c *Campaign) error {
	if c.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid campaign type: %q", c.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.campaigns[c.ID] = c
	s.indexLocked(c)
	return nil
}

// Get returns a campaign by ID, or nil if absent.
func (s *Store) Get(id string) *Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.campaigns[id]
}

// Has reports whether a campaign ID exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.campaigns[id]
	return ok
}

// Reindex refreshes the secondary indices for a campaign mutated in place,
// typically after absorbing new events.
func (s *Store) Reindex(c *Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[c.ID]; !ok {
		return
	}
	s.indexLocked(c)
}

func (s *Store) indexLocked(c *Campaign) {
	for ip := range c.SourceIPs {
		addIndex(s.byIP, "ip:"+ip, c.ID)
	}
	for user := range c.TargetUsers {
		addIndex(s.byUser, "user:"+user, c.ID)
	}
	addIndex(s.byType, "type:"+string(c.Type), c.ID)
	if c.ThreatActor != "" {
		addIndex(s.byActor, "actor:"+c.ThreatActor, c.ID)
	}
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

// FindByIP returns campaigns whose source IPs include the given IP.
func (s *Store) FindByIP(ip string) []*Campaign {
	return s.findIndexed(s.byIP, "ip:"+ip)
}

// FindByUser returns campaigns targeting the given account.
func (s *Store) FindByUser(email string) []*Campaign {
	return s.findIndexed(s.byUser, "user:"+email)
}

// FindByType returns campaigns of the given type.
func (s *Store) FindByType(t Type) []*Campaign {
	return s.findIndexed(s.byType, "type:"+string(t))
}

// FindByActor returns campaigns attributed to the given threat actor.
func (s *Store) FindByActor(actor string) []*Campaign {
	return s.findIndexed(s.byActor, "actor:"+actor)
}

func (s *Store) findIndexed(index map[string]map[string]struct{}, key string) []*Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Campaign
	for id := range index[key] {
		if c, ok := s.campaigns[id]; ok {
			results = append(results, c)
		}
	}
	return results
}

// FindRecent returns campaigns last seen within the given number of hours.
func (s *Store) FindRecent(hours int) []*Campaign {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Campaign
	for _, c := range s.campaigns {
		if !c.LastSeen.Before(cutoff) {
			results = append(results, c)
		}
	}
	return results
}

// All returns every stored campaign.
func (s *Store) All() []*Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		results = append(results, c)
	}
	return results
}

// Len returns the number of stored campaigns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.campaigns)
}

// Statistics aggregates campaign counts by type and actor, the count of
// campaigns active in the last 24 hours, average campaign duration, and the
// total number of absorbed events.
func (s *Store) Statistics() map[string]any {
	activeCutoff := time.Now().Add(-24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[string]int)
	byActor := make(map[string]int)
	active := 0
	totalEvents := 0
	var totalDuration time.Duration

	for _, c := range s.campaigns {
		byType[string(c.Type)]++
		if c.ThreatActor != "" {
			byActor[c.ThreatActor]++
		}
		if !c.LastSeen.Before(activeCutoff) {
			active++
		}
		totalEvents += c.TotalAttempts
		totalDuration += c.Duration()
	}

	avgDuration := time.Duration(0)
	if len(s.campaigns) > 0 {
		avgDuration = totalDuration / time.Duration(len(s.campaigns))
	}

	return map[string]any{
		"total_campaigns":      len(s.campaigns),
		"by_type":              byType,
		"by_actor":             byActor,
		"active_campaigns":     active,
		"avg_duration_seconds": avgDuration.Seconds(),
		"total_events":         totalEvents,
	}
}

// SaveToFile writes a full JSON snapshot of all campaigns. Called once per
// detection pass, not per event.
func (s *Store) SaveToFile() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	campaigns := make([]*Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		campaigns = append(campaigns, c)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(campaigns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal campaigns: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write campaign snapshot: %w", err)
	}
	return nil
}

// loadFromFile restores a snapshot. Corrupt or missing files log a warning
// and leave the store empty; startup never fails on bad snapshots.
func (s *Store) loadFromFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read campaign snapshot", "path", path, "error", err)
		}
		return
	}

	var campaigns []*Campaign
	if err := json.Unmarshal(data, &campaigns); err != nil {
		slog.Warn("corrupt campaign snapshot, starting empty", "path", path, "error", err)
		return
	}

	loaded := 0
	for _, c := range campaigns {
		if c == nil || c.ID == "" {
			continue
		}
		if c.TargetUsers == nil {
			c.TargetUsers = NewStringSet()
		}
		if c.SourceIPs == nil {
			c.SourceIPs = NewStringSet()
		}
		if c.UserAgents == nil {
			c.UserAgents = NewStringSet()
		}
		if !c.Type.IsValid() {
			c.Type = TypeUnknown
		}
		if err := s.Add(c); err != nil {
			slog.Warn("skipping invalid campaign from snapshot", "campaign_id", c.ID, "error", err)
			continue
		}
		loaded++
	}
	slog.Info("campaign snapshot loaded", "path", path, "campaigns", loaded)
}
