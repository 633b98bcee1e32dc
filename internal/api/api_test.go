package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authguard/internal/campaign"
	"authguard/internal/config"
	apperrors "authguard/internal/errors"
	"authguard/internal/intel"
	"authguard/internal/queue"
	"authguard/internal/schema"
)

func newTestHandler(t *testing.T) (*Handler, *queue.RingBuffer, *campaign.Store, *intel.Store) {
	t.Helper()

	q := queue.NewRingBuffer(16)
	campaigns := campaign.NewStore("")
	indicators := intel.NewStore("")
	h := NewHandler(schema.NewValidator(), q, campaigns, indicators)
	return h, q, campaigns, indicators
}

func attemptBody(t *testing.T, records ...schema.AttemptRecord) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(IngestRequest{Attempts: records})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func validAttempt(requestID string) schema.AttemptRecord {
	return schema.AttemptRecord{
		Attempt: schema.AuthAttempt{
			RequestID: requestID,
			Email:     "user@example.com",
			ClientIP:  "203.0.113.7",
			UserAgent: "curl/8.0",
			Timestamp: time.Now().Add(-time.Minute),
		},
		Signal: schema.ThreatSignal{IPReputationScore: 0.4},
	}
}

func TestHandleAttempts_Accepts(t *testing.T) {
	h, q, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/attempts",
		attemptBody(t, validAttempt("req-1"), validAttempt("req-2")))
	rec := httptest.NewRecorder()
	h.HandleAttempts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Accepted != 2 || resp.Rejected != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if q.Len() != 2 {
		t.Errorf("queue depth = %d, want 2", q.Len())
	}
}

func TestHandleAttempts_PartialRejection(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	bad := validAttempt("req-bad")
	bad.Attempt.ClientIP = ""

	req := httptest.NewRequest(http.MethodPost, "/v1/attempts",
		attemptBody(t, validAttempt("req-ok"), bad))
	rec := httptest.NewRecorder()
	h.HandleAttempts(rec, req)

	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}

	var resp IngestResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 || len(resp.Errors) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleAttempts_Rejects(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	h.WithMaxBatch(2)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", "{not json", http.StatusBadRequest},
		{"empty batch", `{"attempts":[]}`, http.StatusBadRequest},
		{"oversized batch", func() string {
			var recs []schema.AttemptRecord
			for i := 0; i < 3; i++ {
				recs = append(recs, validAttempt(fmt.Sprintf("r-%d", i)))
			}
			b, _ := json.Marshal(IngestRequest{Attempts: recs})
			return string(b)
		}(), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/attempts", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleAttempts(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func seedCampaign(t *testing.T, store *campaign.Store, id string, typ campaign.Type, ip, user string, lastSeen time.Time) {
	t.Helper()
	c := campaign.NewCampaign(id, typ, "", 0.8)
	c.FirstSeen = lastSeen.Add(-time.Hour)
	c.LastSeen = lastSeen
	c.SourceIPs.Add(ip)
	c.TargetUsers.Add(user)
	c.TotalAttempts = 4
	if err := store.Add(c); err != nil {
		t.Fatal(err)
	}
	store.Reindex(c)
}

func TestHandleCampaigns_Filters(t *testing.T) {
	h, _, campaigns, _ := newTestHandler(t)

	now := time.Now()
	seedCampaign(t, campaigns, "cmp-aaa", campaign.TypeBruteForce, "10.0.0.1", "a@example.com", now)
	seedCampaign(t, campaigns, "cmp-bbb", campaign.TypeBotnetActivity, "10.0.0.2", "b@example.com", now.Add(-48*time.Hour))

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 2},
		{"by ip", "?ip=10.0.0.1", 1},
		{"by user", "?user=b@example.com", 1},
		{"by type", "?type=brute_force", 1},
		{"recent only", "?hours=24", 1},
		{"by ip and recency", "?ip=10.0.0.2&hours=24", 0},
		{"ip takes precedence over user", "?ip=10.0.0.1&user=b@example.com", 1},
	}

	mux := http.NewServeMux()
	h.Routes(mux)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/campaigns"+tt.query, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var resp struct {
				Count int `json:"count"`
			}
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Count != tt.want {
				t.Errorf("count = %d, want %d", resp.Count, tt.want)
			}
		})
	}
}

func TestHandleCampaigns_BadHours(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/campaigns?hours=abc", nil)
	rec := httptest.NewRecorder()
	h.HandleCampaigns(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCampaign_ByID(t *testing.T) {
	h, _, campaigns, _ := newTestHandler(t)
	seedCampaign(t, campaigns, "cmp-ccc", campaign.TypeBruteForce, "10.0.0.3", "c@example.com", time.Now())

	mux := http.NewServeMux()
	h.Routes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/campaigns/cmp-ccc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got campaign.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "cmp-ccc" {
		t.Errorf("id = %s", got.ID)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/campaigns/cmp-missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing campaign status = %d, want 404", rec.Code)
	}
}

func TestHandleIndicators(t *testing.T) {
	h, _, _, indicators := newTestHandler(t)

	indicators.Add(&intel.Indicator{
		Kind:  intel.KindIP,
		Value: "203.0.113.50",
		Level: intel.LevelMalicious,
		Tags:  []string{"botnet_activity"},
	})
	indicators.Add(&intel.Indicator{
		Kind:  intel.KindUserAgent,
		Value: "EvilBot/1.0",
		Level: intel.LevelSuspicious,
	})

	mux := http.NewServeMux()
	h.Routes(mux)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 2},
		{"by kind", "?kind=ip", 1},
		{"by level", "?level=suspicious", 1},
		{"by tag", "?tags=botnet_activity", 1},
		{"by ip match", "?ip=203.0.113.50", 1},
		{"ip no match", "?ip=198.51.100.1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/indicators"+tt.query, nil))

			var resp struct {
				Count int `json:"count"`
			}
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Count != tt.want {
				t.Errorf("count = %d, want %d", resp.Count, tt.want)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestMetrics_PrometheusFormat(t *testing.T) {
	h, q, _, _ := newTestHandler(t)
	q.Push(&schema.AttemptRecord{})

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, metric := range []string{
		"authguard_attempts_total",
		"authguard_queue_depth 1",
		"authguard_campaigns_total 0",
		"authguard_uptime_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestWithMiddleware_Auth(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"k-valid"}
	cfg.RateLimit.Enabled = false

	mux := http.NewServeMux()
	h.Routes(mux)
	wrapped, limiter := WithMiddleware(mux, cfg)
	if limiter != nil {
		defer limiter.Stop()
	}

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/statistics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/statistics", nil)
	req.Header.Set("X-API-Key", "k-valid")
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestWithMiddleware_Recovery(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false

	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	wrapped, _ := WithMiddleware(panicky, cfg)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/statistics", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRespondError_SanitizesInProduction(t *testing.T) {
	apperrors.SetProductionMode(true)
	t.Cleanup(func() { apperrors.SetProductionMode(false) })

	rec := httptest.NewRecorder()
	respondError(rec, http.StatusInternalServerError,
		"open /var/lib/authguard/campaigns.json: permission denied", "")

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(resp.Error, "/var/lib/authguard") {
		t.Errorf("internal path leaked to client: %q", resp.Error)
	}
	if !strings.Contains(resp.Error, "campaigns.json") {
		t.Errorf("expected the bare filename to survive, got %q", resp.Error)
	}
}

func TestRespondError_IntentionalMessagePassesThrough(t *testing.T) {
	apperrors.SetProductionMode(true)
	t.Cleanup(func() { apperrors.SetProductionMode(false) })

	rec := httptest.NewRecorder()
	respondError(rec, http.StatusNotFound, "campaign not found", "")

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "campaign not found" {
		t.Errorf("error = %q, want pass-through", resp.Error)
	}
}
