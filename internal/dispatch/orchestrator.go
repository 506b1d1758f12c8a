package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// stepResult is the outcome of one campaign's dispatch step
type stepResult struct {
	campaignID  string
	sent        int
	failed      int
	bounced     int
	skipped     int
	rescheduled int
	err         error
}

// dispatchCampaigns runs one dispatch step per campaign, at most
// maxConcurrent at a time. A panic or error in one campaign's task marks
// that campaign's own due units failed and never touches the others.
func (e *Engine) dispatchCampaigns(ctx context.Context, batches []*campaignBatch, stats *CycleStats) {
	sem := make(chan struct{}, e.maxConcurrent)
	results := make([]stepResult, len(batches))

	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(i int, b *campaignBatch) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			e.metrics.CampaignTasksActive.Inc()
			defer e.metrics.CampaignTasksActive.Dec()

			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("campaign task panicked",
						"campaign_id", b.campaign.ID, "panic", r)
					results[i] = stepResult{
						campaignID: b.campaign.ID,
						err:        fmt.Errorf("campaign task panic: %v", r),
					}
					results[i].failed = e.failBatch(ctx, b, fmt.Sprintf("dispatch panic: %v", r))
				}
			}()

			res := e.runCampaignStep(ctx, b)
			if res.err != nil {
				e.logger.Error("campaign dispatch failed",
					"campaign_id", b.campaign.ID, "error", res.err)
				res.failed += e.failBatch(ctx, b, res.err.Error())
			}
			results[i] = res
		}(i, b)
	}
	wg.Wait()

	succeeded, failedCampaigns := 0, 0
	for _, r := range results {
		stats.Sent += r.sent
		stats.Failed += r.failed
		stats.Bounced += r.bounced
		stats.Skipped += r.skipped
		stats.Rescheduled += r.rescheduled
		if r.err != nil || r.failed > r.sent+r.skipped {
			failedCampaigns++
		} else {
			succeeded++
		}
	}

	if failedCampaigns >= 3 {
		e.logger.Warn("possible systemic issue: multiple campaigns failing",
			"failing_campaigns", failedCampaigns,
			"succeeding_campaigns", succeeded,
		)
	}
}

// failBatch marks a campaign's remaining due units failed with the given
// reason. Units already past a terminal transition are left alone.
func (e *Engine) failBatch(ctx context.Context, b *campaignBatch, reason string) int {
	failed := 0
	for _, u := range b.units {
		if err := e.store.MarkFailed(ctx, u.ID, reason); err != nil {
			continue
		}
		failed++
	}
	return failed
}
