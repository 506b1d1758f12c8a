// Package dispatch is the scheduling core: it selects due send units,
// rotates sending accounts under rate limits and sending windows, executes
// one compliant send per campaign per cycle and respaces the remainder.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/foxzi/drip/internal/bounce"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/rotation"
	"github.com/foxzi/drip/internal/store"
	"github.com/foxzi/drip/internal/transport"
	"github.com/foxzi/drip/internal/window"
)

// Config contains engine tuning knobs
type Config struct {
	// Strategy selects the account rotation strategy; empty means hybrid
	Strategy rotation.Strategy

	// MaxConcurrentCampaigns bounds simultaneous campaign tasks
	MaxConcurrentCampaigns int
}

// CycleStats aggregates the outcome of one dispatch cycle
type CycleStats struct {
	Due         int `json:"due"`
	Eligible    int `json:"eligible"`
	Campaigns   int `json:"campaigns"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Bounced     int `json:"bounced"`
	Skipped     int `json:"skipped"`
	Rescheduled int `json:"rescheduled"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Engine runs dispatch cycles over the persistent store
type Engine struct {
	store     store.Store
	tracker   *ratelimit.Tracker
	transport transport.Transport
	bounces   bounce.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state         *SchedulerState
	strategy      rotation.Strategy
	maxConcurrent int

	now     func() time.Time
	newRand func() *rand.Rand
}

// NewEngine creates a dispatch engine
func NewEngine(s store.Store, tracker *ratelimit.Tracker, tp transport.Transport,
	bounces bounce.Recorder, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Engine {

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = rotation.Hybrid
	}
	maxConcurrent := cfg.MaxConcurrentCampaigns
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	return &Engine{
		store:         s,
		tracker:       tracker,
		transport:     tp,
		bounces:       bounces,
		metrics:       m,
		logger:        logger,
		state:         NewSchedulerState(),
		strategy:      strategy,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// State exposes the scheduler state shared with the supervisor
func (e *Engine) State() *SchedulerState {
	return e.state
}

// SetNow overrides the clock, for tests
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
	e.tracker.SetNow(now)
}

// SetRand overrides the per-cycle random source factory, for tests
func (e *Engine) SetRand(newRand func() *rand.Rand) {
	e.newRand = newRand
}

// campaignBatch is one campaign's due units for this cycle, send_at order
type campaignBatch struct {
	campaign *store.Campaign
	units    []*store.SendUnit
}

// RunCycle executes one full dispatch cycle: roll rate windows, fetch due
// units, filter by sending window, fan out per campaign. The returned error
// covers cycle-level infrastructure failures only; per-unit and per-campaign
// failures are absorbed into the stats.
func (e *Engine) RunCycle(ctx context.Context) (*CycleStats, error) {
	now := e.now().UTC()
	stats := &CycleStats{StartedAt: now}

	// Opportunistic window rollover; a failure here is not fatal, stale
	// counters only under-report availability.
	if err := e.tracker.ResetHourly(ctx); err != nil {
		e.logger.Warn("rate window rollover failed", "error", err)
	}

	batchSize := e.state.NextBatchSize()
	due, err := e.store.DueUnits(ctx, now, batchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch due units: %w", err)
	}
	stats.Due = len(due)

	batches, err := e.groupEligible(ctx, due, now)
	if err != nil {
		return stats, err
	}
	for _, b := range batches {
		stats.Eligible += len(b.units)
	}
	stats.Campaigns = len(batches)

	if len(batches) > 0 {
		e.dispatchCampaigns(ctx, batches, stats)
	}

	stats.Duration = e.now().UTC().Sub(now)
	e.observeCycle(stats)

	e.logger.Info("dispatch cycle complete",
		"due", stats.Due,
		"eligible", stats.Eligible,
		"campaigns", stats.Campaigns,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"bounced", stats.Bounced,
		"skipped", stats.Skipped,
		"rescheduled", stats.Rescheduled,
		"duration", stats.Duration,
	)
	return stats, nil
}

// groupEligible partitions due units by campaign and drops whole campaigns
// whose sending window is closed. Dropped units stay scheduled and come back
// next cycle; that is pacing, not an error.
func (e *Engine) groupEligible(ctx context.Context, due []*store.SendUnit, now time.Time) ([]*campaignBatch, error) {
	byCampaign := make(map[string]*campaignBatch)
	var order []string

	for _, u := range due {
		b, ok := byCampaign[u.CampaignID]
		if !ok {
			c, err := e.store.GetCampaign(ctx, u.CampaignID)
			if err == store.ErrNotFound {
				e.logger.Warn("due unit references missing campaign",
					"unit_id", u.ID, "campaign_id", u.CampaignID)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load campaign %s: %w", u.CampaignID, err)
			}
			b = &campaignBatch{campaign: c}
			byCampaign[u.CampaignID] = b
			order = append(order, u.CampaignID)
		}
		b.units = append(b.units, u)
	}

	out := make([]*campaignBatch, 0, len(order))
	for _, id := range order {
		b := byCampaign[id]
		sendable, err := window.IsSendable(b.campaign, now)
		if err != nil {
			e.logger.Warn("sending window check failed, campaign held",
				"campaign_id", id, "error", err)
			continue
		}
		if !sendable {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (e *Engine) observeCycle(stats *CycleStats) {
	e.metrics.UnitsProcessedTotal.WithLabelValues("sent").Add(float64(stats.Sent))
	e.metrics.UnitsProcessedTotal.WithLabelValues("failed").Add(float64(stats.Failed))
	e.metrics.UnitsProcessedTotal.WithLabelValues("bounced").Add(float64(stats.Bounced))
	e.metrics.UnitsProcessedTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))
	e.metrics.UnitsRescheduledTotal.Add(float64(stats.Rescheduled))
}
