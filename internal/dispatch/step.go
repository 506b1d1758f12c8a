package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/rotation"
	"github.com/foxzi/drip/internal/store"
	"github.com/foxzi/drip/internal/transport"
)

// Skip reasons recorded on cancelled units
const (
	skipReplyReceived = "reply_received"
	skipUnsubscribed  = "unsubscribed"
)

// runCampaignStep drives one campaign through a dispatch cycle:
// check the pacing interval, check the selected account's rate limit, send
// at most one unit, then respace everything still scheduled.
func (e *Engine) runCampaignStep(ctx context.Context, b *campaignBatch) stepResult {
	res := stepResult{campaignID: b.campaign.ID}
	c := b.campaign
	now := e.now().UTC()
	interval := c.EffectiveInterval()

	accounts, err := e.activeAccounts(ctx, c)
	if err != nil {
		res.err = err
		return res
	}
	if len(accounts) == 0 {
		e.logger.Warn("campaign has no active sending accounts", "campaign_id", c.ID)
		res.rescheduled, res.err = e.rescheduleRest(ctx, c, nil, -1, now.Add(interval), interval)
		return res
	}

	lastIdx := e.lastUsedIndex(ctx, c, accounts)

	// CHECK_INTERVAL: one cadence per campaign, shared by all its
	// accounts. The rotation guarantee depends on this coupling.
	if c.LastSentAt != nil {
		if elapsed := now.Sub(*c.LastSentAt); elapsed < interval {
			res.rescheduled, res.err = e.rescheduleRest(ctx, c, accounts, lastIdx,
				c.LastSentAt.Add(interval), interval)
			return res
		}
	}

	pool := make([]rotation.Candidate, 0, len(accounts))
	avail := make(map[string]*ratelimit.Availability, len(accounts))
	for _, a := range accounts {
		av, err := e.tracker.Check(ctx, a.ID, c.OrgID)
		if err != nil {
			// av is fail-closed here; the account just sits this cycle out
			e.logger.Warn("availability check failed",
				"account_id", a.ID, "error", err)
		}
		avail[a.ID] = av
		pool = append(pool, rotation.Candidate{
			Account:         a,
			DailyRemaining:  av.DailyRemaining,
			HourlyRemaining: av.HourlyRemaining,
		})
	}

	account, accountIdx, err := e.chooseAccount(b, accounts, pool, lastIdx)
	if err != nil {
		res.err = err
		return res
	}

	// CHECK_RATE_LIMIT
	if av := avail[account.ID]; !av.CanSend {
		e.metrics.RateLimitDeniedTotal.Inc()
		e.logger.Info("account over limit, batch rescheduled",
			"campaign_id", c.ID,
			"account_id", account.ID,
			"reason", av.Reason,
			"next_available", av.NextAvailable,
		)
		res.rescheduled, res.err = e.rescheduleRest(ctx, c, accounts, lastIdx,
			av.NextAvailable, interval)
		return res
	}

	// SEND_ONE: walk the batch until one unit actually reaches the
	// transport; cancelled units are skipped without consuming the slot.
	attempted := false
	var attemptAt time.Time
	for _, u := range b.units {
		skip, reason, err := e.shouldSkip(ctx, c, u)
		if err != nil {
			res.err = err
			return res
		}
		if skip {
			if err := e.store.MarkSkipped(ctx, u.ID, reason); err != nil {
				e.logger.Error("failed to mark unit skipped",
					"unit_id", u.ID, "error", err)
				continue
			}
			e.logger.Info("unit skipped",
				"unit_id", u.ID, "recipient", u.Recipient, "reason", reason)
			res.skipped++
			continue
		}

		outcome := e.sendUnit(ctx, c, account, u)
		switch outcome {
		case store.UnitSent:
			res.sent++
		case store.UnitBounced:
			res.bounced++
		case store.UnitFailed:
			res.failed++
		default:
			// The unit never left scheduled; try the next one
			continue
		}
		attempted = true
		attemptAt = e.now().UTC()
		break
	}

	// RESCHEDULE_REST
	justUsed := lastIdx
	first := now
	if c.LastSentAt != nil && c.LastSentAt.Add(interval).After(first) {
		first = c.LastSentAt.Add(interval)
	}
	if attempted {
		justUsed = accountIdx
		first = attemptAt.Add(interval)
		e.state.SetCursor(c.ID, accountIdx)
	}
	res.rescheduled, res.err = e.rescheduleRest(ctx, c, accounts, justUsed, first, interval)
	return res
}

// activeAccounts loads the campaign's account pool, dropping invalid and
// unlinked ones
func (e *Engine) activeAccounts(ctx context.Context, c *store.Campaign) ([]*store.EmailAccount, error) {
	all, err := e.store.AccountsByID(ctx, c.AccountIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts for campaign %s: %w", c.ID, err)
	}
	out := all[:0]
	for _, a := range all {
		if a.Status == store.AccountActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// lastUsedIndex resolves the rotation cursor for a campaign: the in-process
// cache first, then the persisted rotation log. -1 means no history, so
// rotation starts at the first account.
func (e *Engine) lastUsedIndex(ctx context.Context, c *store.Campaign, accounts []*store.EmailAccount) int {
	if idx, ok := e.state.Cursor(c.ID); ok && idx >= 0 && idx < len(accounts) {
		return idx
	}
	entry, err := e.store.LastRotation(ctx, c.OrgID)
	if err != nil {
		e.logger.Warn("rotation log read failed", "org_id", c.OrgID, "error", err)
		return -1
	}
	if entry == nil {
		return -1
	}
	for i, a := range accounts {
		if a.ID == entry.AccountID {
			return i
		}
	}
	return -1
}

// chooseAccount picks the sending account for this cycle. A unit that
// already carries a rotation slot keeps it; the strategy only decides for
// unassigned work, otherwise random strategies would break the strict visit
// order the rescheduler lays down.
func (e *Engine) chooseAccount(b *campaignBatch, accounts []*store.EmailAccount,
	pool []rotation.Candidate, lastIdx int) (*store.EmailAccount, int, error) {

	if len(b.units) > 0 && b.units[0].AccountID != "" {
		for i, a := range accounts {
			if a.ID == b.units[0].AccountID {
				return a, i, nil
			}
		}
	}

	lastUsedID := ""
	if lastIdx >= 0 {
		lastUsedID = accounts[lastIdx].ID
	}
	chosen, err := rotation.Select(pool, 1, e.strategy, rotation.Inputs{
		LastUsedAccountID: lastUsedID,
		Rand:              e.newRand(),
	})
	if err != nil {
		return nil, -1, fmt.Errorf("account selection failed for campaign %s: %w", b.campaign.ID, err)
	}
	if len(chosen) == 0 {
		return nil, -1, fmt.Errorf("no account selected for campaign %s", b.campaign.ID)
	}
	for i, a := range accounts {
		if a.ID == chosen[0].Account.ID {
			return a, i, nil
		}
	}
	return nil, -1, fmt.Errorf("selected account %s not in campaign pool", chosen[0].Account.ID)
}

// shouldSkip evaluates the cancellation predicates for a unit before it
// reaches the transport
func (e *Engine) shouldSkip(ctx context.Context, c *store.Campaign, u *store.SendUnit) (bool, string, error) {
	if u.StepIndex > 0 && c.StopOnReply {
		replied, err := e.store.HasReply(ctx, c.ID, u.Recipient)
		if err != nil {
			return false, "", fmt.Errorf("failed to check replies for %s: %w", u.Recipient, err)
		}
		if replied {
			return true, skipReplyReceived, nil
		}
	}

	suppressed, err := e.store.IsSuppressed(ctx, u.Recipient, c.OrgID)
	if err != nil {
		return false, "", fmt.Errorf("failed to check suppression for %s: %w", u.Recipient, err)
	}
	if suppressed {
		return true, skipUnsubscribed, nil
	}
	return false, "", nil
}

// sendUnit executes one delivery and records the outcome. The returned
// status is what the unit transitioned to; empty means the unit was not
// attempted and is still scheduled.
func (e *Engine) sendUnit(ctx context.Context, c *store.Campaign,
	account *store.EmailAccount, u *store.SendUnit) store.UnitStatus {

	if err := e.store.MarkSending(ctx, u.ID); err != nil {
		e.logger.Error("failed to mark unit sending",
			"unit_id", u.ID, "error", err)
		return ""
	}

	result, err := e.transport.Send(ctx, account, &transport.Message{
		From:     account.Address,
		To:       u.Recipient,
		Subject:  u.Subject,
		Body:     u.Body,
		ThreadID: u.ThreadID,
	})
	now := e.now().UTC()

	if err != nil {
		e.logger.Warn("send failed",
			"unit_id", u.ID,
			"account_id", account.ID,
			"recipient", u.Recipient,
			"error", err,
		)
		if mErr := e.store.MarkFailed(ctx, u.ID, err.Error()); mErr != nil {
			e.logger.Error("failed to mark unit failed", "unit_id", u.ID, "error", mErr)
		}
		return store.UnitFailed
	}

	if result.Bounce != nil {
		if mErr := e.store.MarkBounced(ctx, u.ID, result.Bounce.Reason); mErr != nil {
			e.logger.Error("failed to mark unit bounced", "unit_id", u.ID, "error", mErr)
		}
		if bErr := e.bounces.RecordBounce(ctx, string(result.Bounce.Kind),
			result.Bounce.Reason, u.Recipient, u.ID, c.OrgID); bErr != nil {
			e.logger.Error("failed to record bounce", "unit_id", u.ID, "error", bErr)
		}
		return store.UnitBounced
	}

	// The email is out; everything past this point is bookkeeping and
	// must not undo the send.
	if mErr := e.store.MarkSent(ctx, u.ID, result.ProviderMessageID, result.ThreadID, now); mErr != nil {
		e.logger.Error("failed to mark unit sent", "unit_id", u.ID, "error", mErr)
	}
	e.tracker.RecordSent(ctx, account.ID, c.OrgID, 1)
	if rErr := e.store.AppendRotation(ctx, &store.RotationEntry{
		ID:         uuid.NewString(),
		OrgID:      c.OrgID,
		CampaignID: c.ID,
		AccountID:  account.ID,
		UnitID:     u.ID,
		At:         now,
	}); rErr != nil {
		e.logger.Error("failed to append rotation log", "unit_id", u.ID, "error", rErr)
	}

	e.logger.Info("unit sent",
		"unit_id", u.ID,
		"campaign_id", c.ID,
		"account_id", account.ID,
		"recipient", u.Recipient,
	)
	return store.UnitSent
}
