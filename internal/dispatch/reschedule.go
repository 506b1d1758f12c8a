package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/store"
	"github.com/foxzi/drip/internal/window"
)

// rescheduleBatchSize bounds how many units one reschedule transaction moves
const rescheduleBatchSize = 50

// rescheduleRest redistributes every still-scheduled unit of a campaign
// across its accounts in strict round-robin order starting after
// justUsedIndex, with evenly spaced future timestamps: unit i goes to
// account (justUsedIndex+1+i) mod n at first + i*interval. Over many cycles
// this visits accounts in strict repeating order no matter how the units
// were originally distributed. Writes go in batches with a per-item
// fallback so one bad unit cannot strand the rest.
func (e *Engine) rescheduleRest(ctx context.Context, c *store.Campaign,
	accounts []*store.EmailAccount, justUsedIndex int,
	first time.Time, interval time.Duration) (int, error) {

	units, err := e.store.ScheduledByCampaign(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to collect scheduled units for campaign %s: %w", c.ID, err)
	}
	if len(units) == 0 {
		return 0, nil
	}

	first = first.UTC()
	if open, err := window.NextOpen(c, first); err == nil {
		// Land the batch at the window edge instead of piling it up
		// outside sending hours
		first = open
	}

	items := make([]store.RescheduleItem, len(units))
	for i, u := range units {
		items[i] = store.RescheduleItem{
			ID:     u.ID,
			SendAt: first.Add(time.Duration(i) * interval),
		}
		if len(accounts) > 0 {
			items[i].AccountID = accounts[(justUsedIndex+1+i)%len(accounts)].ID
		}
	}

	applied := 0
	for start := 0; start < len(items); start += rescheduleBatchSize {
		end := start + rescheduleBatchSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		err := e.store.RescheduleMany(ctx, chunk)
		if err == nil {
			applied += len(chunk)
			continue
		}
		e.logger.Warn("batch reschedule failed, retrying per unit",
			"campaign_id", c.ID, "units", len(chunk), "error", err)


		for _, item := range chunk {
			if err := e.store.RescheduleMany(ctx, []store.RescheduleItem{item}); err != nil {
				e.logger.Error("failed to reschedule unit",
					"unit_id", item.ID, "error", err)
				continue
			}
			applied++
		}
	}
	return applied, nil
}
