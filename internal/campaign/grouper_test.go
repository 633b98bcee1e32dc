package campaign

import (
	"fmt"
	"testing"
	"time"

	"authguard/internal/schema"
)

func newTestGrouper(t *testing.T) *Grouper {
	t.Helper()
	g, err := NewGrouper(DefaultGrouperConfig(), NewFeaturizer())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGrouper_SmallBatchGroupsByIP(t *testing.T) {
	g := newTestGrouper(t)

	events := []*schema.CampaignEvent{
		testEvent("ev-1", "10.0.0.5", "a@example.com", "curl/8.0", testBase),
		testEvent("ev-2", "10.0.0.5", "b@example.com", "curl/8.0", testBase.Add(time.Minute)),
		testEvent("ev-3", "192.0.2.1", "c@example.com", "curl/8.0", testBase.Add(2*time.Minute)),
	}

	groups := g.Group(events)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups["ip:10.0.0.5"]) != 2 {
		t.Errorf("ip:10.0.0.5 group has %d events, want 2", len(groups["ip:10.0.0.5"]))
	}
	if len(groups["ip:192.0.2.1"]) != 1 {
		t.Errorf("ip:192.0.2.1 group has %d events, want 1", len(groups["ip:192.0.2.1"]))
	}
}

func TestGrouper_EmptyBatch(t *testing.T) {
	g := newTestGrouper(t)
	if groups := g.Group(nil); len(groups) != 0 {
		t.Errorf("empty batch produced %d groups", len(groups))
	}
}

// Two dense clusters of identical feature points plus one isolated point:
// clustering keeps both clusters and drops the noise point.
func TestGrouper_DensityClusteringDiscardsNoise(t *testing.T) {
	g := newTestGrouper(t)

	var events []*schema.CampaignEvent
	for i := 0; i < 5; i++ {
		events = append(events, testEvent(
			fmt.Sprintf("a-%d", i), "10.0.0.5", "a@example.com", "curl/8.0", testBase))
	}
	for i := 0; i < 5; i++ {
		events = append(events, testEvent(
			fmt.Sprintf("b-%d", i), "192.0.2.200", "b@example.com", "python-requests/2.31", testBase))
	}
	events = append(events, testEvent("noise-1", "203.0.113.9", "c@example.com", "Mozilla/5.0", testBase))

	groups := g.Group(events)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 clusters", len(groups))
	}

	total := 0
	for id, group := range groups {
		if len(group) != 5 {
			t.Errorf("group %s has %d events, want 5", id, len(group))
		}
		total += len(group)
		for _, ev := range group {
			if ev.EventID == "noise-1" {
				t.Error("noise point should have been discarded")
			}
		}
	}
	if total != 10 {
		t.Errorf("clustered %d events, want 10", total)
	}
}

func TestGrouperConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GrouperConfig)
		wantErr bool
	}{
		{"valid", func(c *GrouperConfig) {}, false},
		{"zero eps", func(c *GrouperConfig) { c.Eps = 0 }, true},
		{"negative min samples", func(c *GrouperConfig) { c.MinSamples = -1 }, true},
		{"zero clustering floor", func(c *GrouperConfig) { c.MinSamplesForClustering = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultGrouperConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
