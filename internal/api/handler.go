// Package api handles HTTP ingestion of authentication attempts and
// read access to detected campaigns and indicators.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"authguard/internal/campaign"
	apperrors "authguard/internal/errors"
	"authguard/internal/intel"
	"authguard/internal/queue"
	"authguard/internal/schema"
)

// Handler serves the gateway HTTP API.
type Handler struct {
	validator  *schema.Validator
	queue      *queue.RingBuffer
	campaigns  *campaign.Store
	indicators *intel.Store
	maxPayload int
	maxBatch   int
	startTime  time.Time

	attemptsTotal atomic.Uint64
}

// NewHandler creates an API Handler.
func NewHandler(validator *schema.Validator, q *queue.RingBuffer, campaigns *campaign.Store, indicators *intel.Store) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		campaigns:  campaigns,
		indicators: indicators,
		maxPayload: 10 * 1024 * 1024,
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// Routes registers all API routes on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/attempts", h.HandleAttempts)
	mux.HandleFunc("GET /v1/campaigns", h.HandleCampaigns)
	mux.HandleFunc("GET /v1/campaigns/{id}", h.HandleCampaign)
	mux.HandleFunc("GET /v1/indicators", h.HandleIndicators)
	mux.HandleFunc("GET /v1/statistics", h.HandleStatistics)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
}

// IngestRequest is the request body for attempt ingestion.
type IngestRequest struct {
	Attempts []schema.AttemptRecord `json:"attempts"`
}

// IngestResponse is the response for attempt ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleAttempts handles POST /v1/attempts.
func (h *Handler) HandleAttempts(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Attempts) == 0 {
		respondError(w, http.StatusBadRequest, "no attempts provided", requestID)
		return
	}
	if len(req.Attempts) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected int
	var errs []string

	for i := range req.Attempts {
		rec := req.Attempts[i]

		if err := h.validator.Validate(&rec); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("attempt[%d]: %s", i, err.Error()))
			continue
		}

		if err := h.queue.Push(&rec); err != nil {
			rejected++
			if err == queue.ErrQueueFull {
				errs = append(errs, fmt.Sprintf("attempt[%d]: queue full", i))
			} else {
				errs = append(errs, fmt.Sprintf("attempt[%d]: %s", i, err.Error()))
			}
			continue
		}

		accepted++
		h.attemptsTotal.Add(1)
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}
	if len(errs) > 0 {
		resp.Errors = errs
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, resp)
}

// campaignSummary is the list representation of a campaign. Full event
// payloads are only returned from the single-campaign endpoint.
type campaignSummary struct {
	ID                    string        `json:"campaign_id"`
	Type                  campaign.Type `json:"campaign_type"`
	ThreatActor           string        `json:"threat_actor,omitempty"`
	FirstSeen             time.Time     `json:"first_seen"`
	LastSeen              time.Time     `json:"last_seen"`
	TotalAttempts         int           `json:"total_attempts"`
	SourceIPs             int           `json:"source_ips"`
	TargetUsers           int           `json:"target_users"`
	AttributionConfidence float64       `json:"attribution_confidence"`
	RelatedCampaigns      int           `json:"related_campaigns"`
}

func summarize(c *campaign.Campaign) campaignSummary {
	return campaignSummary{
		ID:                    c.ID,
		Type:                  c.Type,
		ThreatActor:           c.ThreatActor,
		FirstSeen:             c.FirstSeen,
		LastSeen:              c.LastSeen,
		TotalAttempts:         c.TotalAttempts,
		SourceIPs:             len(c.SourceIPs),
		TargetUsers:           len(c.TargetUsers),
		AttributionConfidence: c.AttributionConfidence,
		RelatedCampaigns:      len(c.RelatedCampaignIDs),
	}
}

// HandleCampaigns handles GET /v1/campaigns with optional ip, user,
// type, and hours filters. The index filters are mutually exclusive
// (ip takes precedence over user, user over type); hours intersects
// with whichever one applied.
func (h *Handler) HandleCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var result []*campaign.Campaign
	switch {
	case q.Get("ip") != "":
		result = h.campaigns.FindByIP(q.Get("ip"))
	case q.Get("user") != "":
		result = h.campaigns.FindByUser(q.Get("user"))
	case q.Get("type") != "":
		result = h.campaigns.FindByType(campaign.Type(q.Get("type")))
	default:
		result = h.campaigns.All()
	}

	if hoursStr := q.Get("hours"); hoursStr != "" {
		hours, err := strconv.Atoi(hoursStr)
		if err != nil || hours <= 0 {
			respondError(w, http.StatusBadRequest, "hours must be a positive integer", "")
			return
		}
		cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
		filtered := result[:0]
		for _, c := range result {
			if c.LastSeen.After(cutoff) {
				filtered = append(filtered, c)
			}
		}
		result = filtered
	}

	summaries := make([]campaignSummary, 0, len(result))
	for _, c := range result {
		summaries = append(summaries, summarize(c))
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"campaigns": summaries,
		"count":     len(summaries),
	})
}

// HandleCampaign handles GET /v1/campaigns/{id}.
func (h *Handler) HandleCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	c := h.campaigns.Get(id)
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found", "")
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// HandleIndicators handles GET /v1/indicators with optional kind,
// level, tags, and ip filters.
func (h *Handler) HandleIndicators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if ip := q.Get("ip"); ip != "" {
		matches := h.indicators.MatchIP(ip)
		respondJSON(w, http.StatusOK, map[string]any{
			"indicators": matches,
			"count":      len(matches),
		})
		return
	}

	var tags []string
	if raw := q.Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	matches := h.indicators.Search(
		intel.IndicatorKind(q.Get("kind")),
		intel.ReputationLevel(q.Get("level")),
		tags)

	respondJSON(w, http.StatusOK, map[string]any{
		"indicators": matches,
		"count":      len(matches),
	})
}

// HandleStatistics handles GET /v1/statistics.
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	queueMetrics := h.queue.Metrics()

	respondJSON(w, http.StatusOK, map[string]any{
		"campaigns":      h.campaigns.Statistics(),
		"indicators":     h.indicators.Stats(),
		"attempts_total": h.attemptsTotal.Load(),
		"queue": map[string]any{
			"depth":    queueMetrics.Depth,
			"capacity": queueMetrics.Capacity,
			"pushed":   queueMetrics.Pushed,
			"popped":   queueMetrics.Popped,
			"dropped":  queueMetrics.Dropped,
		},
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP authguard_attempts_total Total number of attempts ingested\n")
	fmt.Fprintf(w, "# TYPE authguard_attempts_total counter\n")
	fmt.Fprintf(w, "authguard_attempts_total %d\n\n", h.attemptsTotal.Load())

	fmt.Fprintf(w, "# HELP authguard_queue_pushed_total Total attempts pushed to queue\n")
	fmt.Fprintf(w, "# TYPE authguard_queue_pushed_total counter\n")
	fmt.Fprintf(w, "authguard_queue_pushed_total %d\n\n", metrics.Pushed)

	fmt.Fprintf(w, "# HELP authguard_queue_dropped_total Total attempts dropped due to full queue\n")
	fmt.Fprintf(w, "# TYPE authguard_queue_dropped_total counter\n")
	fmt.Fprintf(w, "authguard_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP authguard_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE authguard_queue_depth gauge\n")
	fmt.Fprintf(w, "authguard_queue_depth %d\n\n", metrics.Depth)

	fmt.Fprintf(w, "# HELP authguard_campaigns_total Total campaigns tracked\n")
	fmt.Fprintf(w, "# TYPE authguard_campaigns_total gauge\n")
	fmt.Fprintf(w, "authguard_campaigns_total %d\n\n", h.campaigns.Len())

	fmt.Fprintf(w, "# HELP authguard_indicators_total Total indicators tracked\n")
	fmt.Fprintf(w, "# TYPE authguard_indicators_total gauge\n")
	fmt.Fprintf(w, "authguard_indicators_total %d\n\n", h.indicators.Len())

	fmt.Fprintf(w, "# HELP authguard_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE authguard_uptime_seconds gauge\n")
	fmt.Fprintf(w, "authguard_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response. Messages pass through the
// sanitizer so internal detail never reaches a client in production.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success": false,
		"error":   apperrors.SafeMessage(message),
	}
	if requestID != "" {
		resp["request_id"] = requestID
	}
	respondJSON(w, status, resp)
}
