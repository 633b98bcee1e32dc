// Package consumer runs the detection loop: it drains scored attempts
// from the ingest queue, enriches them with IP reputation, runs campaign
// detection, and archives and publishes the results.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authguard/internal/campaign"
	"authguard/internal/intel"
	"authguard/internal/logging"
	"authguard/internal/queue"
	"authguard/internal/reputation"
	"authguard/internal/schema"
)

// Config holds the detection loop configuration.
type Config struct {
	// BatchSize is the largest micro-batch handed to one detection pass.
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default detection loop configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    500,
		PollInterval: 2 * time.Second,
		ShutdownWait: 30 * time.Second,
	}
}

// EventWriter archives enriched campaign events.
type EventWriter interface {
	Write(ev *schema.CampaignEvent) error
}

// DetectionArchiver archives campaigns touched by a detection pass.
type DetectionArchiver interface {
	ArchiveCampaigns(ctx context.Context, campaigns []*campaign.Campaign) error
}

// DetectionPublisher publishes detection results downstream.
type DetectionPublisher interface {
	ProduceJSON(ctx context.Context, key string, v any) error
}

// Consumer drives detection passes over queued attempts. The analyzer,
// event writer, archiver, and publisher are all optional; the loop runs
// degraded without them.
type Consumer struct {
	queue     *queue.RingBuffer
	engine    *campaign.Engine
	campaigns *campaign.Store
	analyzer  *reputation.Analyzer
	events    EventWriter
	archiver  DetectionArchiver
	publisher DetectionPublisher
	config    Config

	wg   sync.WaitGroup
	done chan struct{}

	consumed   atomic.Uint64
	passes     atomic.Uint64
	detections atomic.Uint64
	errors     atomic.Uint64
}

// New creates a Consumer. The queue, engine, and campaign store are
// required.
func New(q *queue.RingBuffer, engine *campaign.Engine, campaigns *campaign.Store, cfg Config) *Consumer {
	return &Consumer{
		queue:     q,
		engine:    engine,
		campaigns: campaigns,
		config:    cfg,
		done:      make(chan struct{}),
	}
}

// WithAnalyzer attaches an IP reputation analyzer for enrichment.
func (c *Consumer) WithAnalyzer(a *reputation.Analyzer) *Consumer {
	c.analyzer = a
	return c
}

// WithEventWriter attaches an event archive writer.
func (c *Consumer) WithEventWriter(w EventWriter) *Consumer {
	c.events = w
	return c
}

// WithArchiver attaches a campaign detection archiver.
func (c *Consumer) WithArchiver(a DetectionArchiver) *Consumer {
	c.archiver = a
	return c
}

// WithPublisher attaches a detection result publisher.
func (c *Consumer) WithPublisher(p DetectionPublisher) *Consumer {
	c.publisher = p
	return c
}

// Start starts the detection loop.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
	slog.Info("detection loop started",
		"batch_size", c.config.BatchSize,
		"poll_interval", c.config.PollInterval)
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.RunOnce(context.Background())
			return
		case <-c.done:
			c.RunOnce(context.Background())
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce drains up to one batch from the queue and runs a single
// detection pass over it. It returns the number of attempts processed.
func (c *Consumer) RunOnce(ctx context.Context) int {
	records := c.queue.DrainUpTo(c.config.BatchSize)
	if len(records) == 0 {
		return 0
	}

	events := make([]*schema.CampaignEvent, 0, len(records))
	for _, rec := range records {
		c.enrich(ctx, rec)
		events = append(events, schema.NewCampaignEvent(rec, attemptConfidence(&rec.Signal)))
	}
	c.consumed.Add(uint64(len(records)))

	if c.events != nil {
		for _, ev := range events {
			if err := c.events.Write(ev); err != nil {
				slog.Error("failed to archive event", "event_id", ev.EventID, "error", err)
				c.errors.Add(1)
			}
		}
	}

	result := c.engine.Detect(events)
	c.passes.Add(1)
	c.detections.Add(uint64(result.DetectedCampaigns))

	if len(result.CampaignIDs) > 0 {
		c.archiveAndPublish(ctx, result)
	}
	return len(records)
}

// enrich escalates the attempt's threat signal from the reputation
// verdict. Escalation is monotonic: enrichment never lowers a score the
// upstream scorer already assigned.
func (c *Consumer) enrich(ctx context.Context, rec *schema.AttemptRecord) {
	if c.analyzer == nil {
		return
	}

	verdict := c.analyzer.AnalyzeIP(ctx, rec.Attempt.ClientIP)
	if verdict == nil {
		return
	}

	if verdict.Level == intel.LevelMalicious || verdict.Level == intel.LevelCritical {
		slog.Warn("attempt from flagged source",
			"client_ip", rec.Attempt.ClientIP,
			"email", logging.MaskEmail(rec.Attempt.Email),
			"level", string(verdict.Level))
	}

	if score := reputationScore(verdict.Level); score > rec.Signal.IPReputationScore {
		rec.Signal.IPReputationScore = score
	}
	for _, tag := range verdict.Tags {
		rec.Signal.KnownAttackPatterns = appendUnique(rec.Signal.KnownAttackPatterns, tag)
	}
}

func (c *Consumer) archiveAndPublish(ctx context.Context, result *campaign.DetectionResult) {
	touched := make([]*campaign.Campaign, 0, len(result.CampaignIDs))
	for _, id := range result.CampaignIDs {
		if cmp := c.campaigns.Get(id); cmp != nil {
			touched = append(touched, cmp)
		}
	}

	if c.archiver != nil && len(touched) > 0 {
		if err := c.archiver.ArchiveCampaigns(ctx, touched); err != nil {
			slog.Error("failed to archive detections", "error", err)
			c.errors.Add(1)
		}
	}

	if c.publisher != nil {
		for _, cmp := range touched {
			if err := c.publisher.ProduceJSON(ctx, cmp.ID, cmp); err != nil {
				slog.Error("failed to publish detection", "campaign_id", cmp.ID, "error", err)
				c.errors.Add(1)
			}
		}
	}
}

// Stop drains the queue one last time and stops the loop.
func (c *Consumer) Stop() {
	close(c.done)

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("detection loop stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("detection loop shutdown timed out")
	}
}

// Metrics returns loop counters.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed:   c.consumed.Load(),
		Passes:     c.passes.Load(),
		Detections: c.detections.Load(),
		Errors:     c.errors.Load(),
	}
}

// ConsumerMetrics holds detection loop statistics.
type ConsumerMetrics struct {
	Consumed   uint64 `json:"consumed"`
	Passes     uint64 `json:"passes"`
	Detections uint64 `json:"detections"`
	Errors     uint64 `json:"errors"`
}

// attemptConfidence scores how much weight the event carries in
// clustering and classification.
func attemptConfidence(sig *schema.ThreatSignal) float64 {
	confidence := 0.25 + 0.45*sig.IPReputationScore
	if sig.BruteForceIndicator {
		confidence += 0.1
	}
	if sig.CredentialStuffingIndicator {
		confidence += 0.1
	}
	if sig.AccountTakeoverIndicator {
		confidence += 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// reputationScore maps a reputation level onto the signal score scale.
func reputationScore(level intel.ReputationLevel) float64 {
	switch level {
	case intel.LevelCritical:
		return 1.0
	case intel.LevelMalicious:
		return 0.9
	case intel.LevelSuspicious:
		return 0.6
	default:
		return 0.0
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
