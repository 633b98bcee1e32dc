package campaign

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_IndicesFollowCampaigns(t *testing.T) {
	s := NewStore("")

	a := NewCampaign("cmp-a", TypeBruteForce, "actor-x", 0.8)
	a.AddEvent(testEvent("ev-1", "10.0.0.5", "a@example.com", "curl/8.0", testBase))
	b := NewCampaign("cmp-b", TypeCredentialStuffing, "", 0.7)
	b.AddEvent(testEvent("ev-2", "192.0.2.1", "a@example.com", "curl/8.0", testBase))

	if err := s.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(b); err != nil {
		t.Fatal(err)
	}

	if got := s.FindByIP("10.0.0.5"); len(got) != 1 || got[0].ID != "cmp-a" {
		t.Errorf("FindByIP = %v", ids(got))
	}
	if got := s.FindByUser("a@example.com"); len(got) != 2 {
		t.Errorf("FindByUser returned %v, want both campaigns", ids(got))
	}
	if got := s.FindByType(TypeBruteForce); len(got) != 1 || got[0].ID != "cmp-a" {
		t.Errorf("FindByType = %v", ids(got))
	}
	if got := s.FindByActor("actor-x"); len(got) != 1 || got[0].ID != "cmp-a" {
		t.Errorf("FindByActor = %v", ids(got))
	}
	if got := s.FindByIP("203.0.113.9"); len(got) != 0 {
		t.Errorf("unknown ip matched %v", ids(got))
	}
}

func ids(campaigns []*Campaign) []string {
	out := make([]string, len(campaigns))
	for i, c := range campaigns {
		out[i] = c.ID
	}
	return out
}

func TestStore_ReindexAfterEventAbsorption(t *testing.T) {
	s := NewStore("")
	c := NewCampaign("cmp-a", TypeBruteForce, "", 0.8)
	c.AddEvent(testEvent("ev-1", "10.0.0.5", "a@example.com", "curl/8.0", testBase))
	s.Add(c)

	c.AddEvent(testEvent("ev-2", "192.0.2.1", "b@example.com", "curl/8.0", testBase.Add(time.Minute)))
	s.Reindex(c)

	if got := s.FindByIP("192.0.2.1"); len(got) != 1 {
		t.Errorf("new source ip not indexed: %v", ids(got))
	}
	if got := s.FindByUser("b@example.com"); len(got) != 1 {
		t.Errorf("new target user not indexed: %v", ids(got))
	}
}

func TestStore_FindRecent(t *testing.T) {
	s := NewStore("")

	fresh := NewCampaign("cmp-fresh", TypeBruteForce, "", 0.8)
	fresh.AddEvent(testEvent("ev-1", "10.0.0.5", "a@example.com", "curl/8.0", time.Now().Add(-time.Hour)))
	stale := NewCampaign("cmp-stale", TypeBruteForce, "", 0.8)
	stale.AddEvent(testEvent("ev-2", "192.0.2.1", "b@example.com", "curl/8.0", time.Now().Add(-72*time.Hour)))

	s.Add(fresh)
	s.Add(stale)

	got := s.FindRecent(24)
	if len(got) != 1 || got[0].ID != "cmp-fresh" {
		t.Errorf("FindRecent(24) = %v, want only cmp-fresh", ids(got))
	}
}

func TestStore_Statistics(t *testing.T) {
	s := NewStore("")

	a := NewCampaign("cmp-a", TypeBruteForce, "actor-x", 0.8)
	a.AddEvent(testEvent("ev-1", "10.0.0.5", "a@example.com", "curl/8.0", time.Now().Add(-time.Hour)))
	a.AddEvent(testEvent("ev-2", "10.0.0.5", "b@example.com", "curl/8.0", time.Now().Add(-30*time.Minute)))
	b := NewCampaign("cmp-b", TypeBruteForce, "", 0.7)
	b.AddEvent(testEvent("ev-3", "192.0.2.1", "c@example.com", "curl/8.0", time.Now().Add(-96*time.Hour)))

	s.Add(a)
	s.Add(b)

	stats := s.Statistics()
	if stats["total_campaigns"] != 2 {
		t.Errorf("total_campaigns = %v", stats["total_campaigns"])
	}
	if stats["by_type"].(map[string]int)["brute_force"] != 2 {
		t.Errorf("by_type = %v", stats["by_type"])
	}
	if stats["by_actor"].(map[string]int)["actor-x"] != 1 {
		t.Errorf("by_actor = %v", stats["by_actor"])
	}
	if stats["active_campaigns"] != 1 {
		t.Errorf("active_campaigns = %v, want 1", stats["active_campaigns"])
	}
	if stats["total_events"] != 3 {
		t.Errorf("total_events = %v, want 3", stats["total_events"])
	}
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.json")

	s := NewStore(path)
	c := NewCampaign("cmp-a", TypeBotnetActivity, "actor-x", 0.9)
	c.AddEvent(testEvent("ev-1", "10.0.0.5", "a@example.com", "EvilBot/1.0", testBase))
	c.AddEvent(testEvent("ev-2", "192.0.2.1", "b@example.com", "EvilBot/1.0", testBase.Add(time.Minute)))
	c.AddRelated("cmp-b")
	s.Add(c)

	if err := s.SaveToFile(); err != nil {
		t.Fatal(err)
	}

	restored := NewStore(path)
	got := restored.Get("cmp-a")
	if got == nil {
		t.Fatal("campaign missing after reload")
	}
	if got.Type != TypeBotnetActivity || got.ThreatActor != "actor-x" {
		t.Errorf("attribution lost: type=%s actor=%s", got.Type, got.ThreatActor)
	}
	if got.TotalAttempts != 2 || len(got.Events) != 2 {
		t.Errorf("events lost: total=%d len=%d", got.TotalAttempts, len(got.Events))
	}
	if !got.SourceIPs.Contains("10.0.0.5") || !got.SourceIPs.Contains("192.0.2.1") {
		t.Errorf("SourceIPs = %v", got.SourceIPs.Values())
	}
	if len(got.RelatedCampaignIDs) != 1 || got.RelatedCampaignIDs[0] != "cmp-b" {
		t.Errorf("RelatedCampaignIDs = %v", got.RelatedCampaignIDs)
	}
	if !got.HasEvent("ev-1") {
		t.Error("event membership lost after reload")
	}
	if got := restored.FindByIP("10.0.0.5"); len(got) != 1 {
		t.Error("indices not rebuilt after reload")
	}
}

func TestStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if s.Len() != 0 {
		t.Errorf("store has %d campaigns, want 0", s.Len())
	}
}

func TestStore_MissingSnapshotStartsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	if s.Len() != 0 {
		t.Errorf("store has %d campaigns, want 0", s.Len())
	}
}

func TestStore_AddValidation(t *testing.T) {
	s := NewStore("")
	if err := s.Add(NewCampaign("", TypeBruteForce, "", 0.5)); err == nil {
		t.Error("empty id should be rejected")
	}
	if err := s.Add(NewCampaign("cmp-a", "ransomware", "", 0.5)); err == nil {
		t.Error("unknown type should be rejected")
	}
}
