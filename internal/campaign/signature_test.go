package campaign

import (
	"fmt"
	"testing"
	"time"

	"authguard/internal/schema"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier()
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// One IP spraying five distinct accounts a minute apart is the canonical
// brute force shape.
func bruteForceGroup() []*schema.CampaignEvent {
	var events []*schema.CampaignEvent
	for i := 0; i < 5; i++ {
		events = append(events, testEvent(
			fmt.Sprintf("ev-%d", i),
			"10.0.0.5",
			fmt.Sprintf("user%d@example.com", i),
			"curl/8.0",
			testBase.Add(time.Duration(i)*60*time.Second)))
	}
	return events
}

func TestClassify_BruteForce(t *testing.T) {
	c := newTestClassifier(t)

	cls := c.Classify(bruteForceGroup())
	if cls.CampaignType != TypeBruteForce {
		t.Errorf("type = %s, want brute_force", cls.CampaignType)
	}
	if cls.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", cls.Confidence)
	}
	if cls.SignatureID != "sig-brute-force" {
		t.Errorf("signature = %s", cls.SignatureID)
	}
}

// The brute force group also scores 1.0 for credential stuffing; the tie
// goes to the signature declared first.
func TestClassify_TieBrokenByDeclarationOrder(t *testing.T) {
	c := newTestClassifier(t)
	group := bruteForceGroup()

	var brute, stuffing *Signature
	for i := range c.Catalogue() {
		switch c.Catalogue()[i].ID {
		case "sig-brute-force":
			brute = &c.Catalogue()[i]
		case "sig-credential-stuffing":
			stuffing = &c.Catalogue()[i]
		}
	}
	if c.Score(brute, group) != c.Score(stuffing, group) {
		t.Fatalf("expected a tie, got %v vs %v", c.Score(brute, group), c.Score(stuffing, group))
	}

	if cls := c.Classify(group); cls.SignatureID != "sig-brute-force" {
		t.Errorf("tie resolved to %s, want sig-brute-force (declared first)", cls.SignatureID)
	}
}

func TestClassify_AccountTakeover(t *testing.T) {
	c := newTestClassifier(t)

	// One account hit from three IPs over several hours.
	events := []*schema.CampaignEvent{
		testEvent("ev-1", "10.0.0.5", "victim@example.com", "curl/8.0", testBase),
		testEvent("ev-2", "192.0.2.1", "victim@example.com", "curl/8.0", testBase.Add(90*time.Minute)),
		testEvent("ev-3", "203.0.113.9", "victim@example.com", "curl/8.0", testBase.Add(3*time.Hour)),
	}

	cls := c.Classify(events)
	if cls.CampaignType != TypeAccountTakeover {
		t.Errorf("type = %s, want account_takeover", cls.CampaignType)
	}
	if cls.Confidence < 0.66 {
		t.Errorf("confidence = %v, want >= 0.66", cls.Confidence)
	}
}

func TestClassify_BotnetActivity(t *testing.T) {
	c := newTestClassifier(t)

	events := []*schema.CampaignEvent{
		testEvent("ev-1", "10.0.0.5", "a@example.com", "EvilBot/1.0", testBase),
		testEvent("ev-2", "192.0.2.1", "b@example.com", "EvilBot/1.0", testBase.Add(10*time.Second)),
		testEvent("ev-3", "203.0.113.9", "a@example.com", "EvilBot/1.0", testBase.Add(35*time.Second)),
	}

	cls := c.Classify(events)
	if cls.CampaignType != TypeBotnetActivity {
		t.Errorf("type = %s, want botnet_activity", cls.CampaignType)
	}
}

func TestClassify_HeuristicFallback(t *testing.T) {
	// Groups below every signature threshold: events spaced irregularly
	// beyond 60s, spanning under an hour, plain browser agents.
	spread := func(n, ips, users int) []*schema.CampaignEvent {
		offsets := []time.Duration{0, 90 * time.Second, 290 * time.Second, 690 * time.Second, 1500 * time.Second}
		var events []*schema.CampaignEvent
		for i := 0; i < n; i++ {
			events = append(events, testEvent(
				fmt.Sprintf("ev-%d", i),
				fmt.Sprintf("10.0.0.%d", i%ips+1),
				fmt.Sprintf("user%d@example.com", i%users),
				"Mozilla/5.0",
				testBase.Add(offsets[i%len(offsets)])))
		}
		return events
	}

	tests := []struct {
		name      string
		events    []*schema.CampaignEvent
		wantType  Type
		wantScore float64
	}{
		{"single source hammering", spread(3, 1, 1), TypeBruteForce, 0.7},
		{"account spray from few ips", spread(4, 2, 4), TypeCredentialStuffing, 0.6},
		{"many ips many users", spread(5, 3, 3), TypeDistributedAttack, 0.5},
		{"too little signal", spread(2, 2, 1), TypeUnknown, 0.3},
	}

	c := newTestClassifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := c.Classify(tt.events)
			if cls.SignatureID != "" {
				t.Fatalf("expected heuristic fallback, matched signature %s", cls.SignatureID)
			}
			if cls.CampaignType != tt.wantType {
				t.Errorf("type = %s, want %s", cls.CampaignType, tt.wantType)
			}
			if cls.Confidence != tt.wantScore {
				t.Errorf("confidence = %v, want %v", cls.Confidence, tt.wantScore)
			}
		})
	}
}

// Adding an event that satisfies a previously-unsatisfied predicate must
// never decrease a signature's score.
func TestScore_MonotonicUnderNewPredicates(t *testing.T) {
	c := newTestClassifier(t)
	var brute *Signature
	for i := range c.Catalogue() {
		if c.Catalogue()[i].ID == "sig-brute-force" {
			brute = &c.Catalogue()[i]
		}
	}

	// Single source, multiple users, no rapid pair: 2 of 3 predicates.
	events := []*schema.CampaignEvent{
		testEvent("ev-1", "10.0.0.5", "a@example.com", "curl/8.0", testBase),
		testEvent("ev-2", "10.0.0.5", "b@example.com", "curl/8.0", testBase.Add(5*time.Minute)),
		testEvent("ev-3", "10.0.0.5", "c@example.com", "curl/8.0", testBase.Add(11*time.Minute)),
	}
	before := c.Score(brute, events)

	// A fourth event within 60s of the last satisfies rapid_attempts.
	events = append(events, testEvent("ev-4", "10.0.0.5", "d@example.com", "curl/8.0", testBase.Add(11*time.Minute+30*time.Second)))
	after := c.Score(brute, events)

	if after < before {
		t.Errorf("score decreased from %v to %v after satisfying a new predicate", before, after)
	}
	if after != 1.0 {
		t.Errorf("score = %v, want 1.0 with all predicates satisfied", after)
	}
}

func TestSignature_Validate(t *testing.T) {
	valid := Signature{
		ID:                  "sig-custom",
		Indicators:          []string{IndicatorRapidAttempts},
		ConfidenceThreshold: 0.5,
		CampaignType:        TypeUnknown,
	}

	tests := []struct {
		name    string
		mutate  func(*Signature)
		wantErr bool
	}{
		{"valid", func(s *Signature) {}, false},
		{"missing id", func(s *Signature) { s.ID = "" }, true},
		{"no indicators", func(s *Signature) { s.Indicators = nil }, true},
		{"unknown indicator", func(s *Signature) { s.Indicators = []string{"made_up"} }, true},
		{"threshold above one", func(s *Signature) { s.ConfidenceThreshold = 1.5 }, true},
		{"bad campaign type", func(s *Signature) { s.CampaignType = "ransomware" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := valid
			tt.mutate(&sig)
			err := sig.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewClassifier_RejectsDuplicateIDs(t *testing.T) {
	dup := Signature{
		ID:                  "sig-brute-force",
		Indicators:          []string{IndicatorRapidAttempts},
		ConfidenceThreshold: 0.5,
		CampaignType:        TypeBruteForce,
	}
	if _, err := NewClassifier(dup); err == nil {
		t.Error("duplicate signature id should be rejected")
	}
}

func TestIsAutomatedUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want bool
	}{
		{"EvilBot/1.0", true},
		{"my-crawler 2.1", true},
		{"vuln-scanner", true},
		{"pentest-tool", true},
		{"Mozilla/5.0 (Windows NT 10.0)", false},
		{"curl/8.0", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsAutomatedUserAgent(tt.ua); got != tt.want {
			t.Errorf("IsAutomatedUserAgent(%q) = %v, want %v", tt.ua, got, tt.want)
		}
	}
}
