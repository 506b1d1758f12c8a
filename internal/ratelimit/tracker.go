// Package ratelimit answers "can this account send now, and when next?"
// on top of the persisted per-account daily and hourly windows.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/drip/internal/store"
)

// Availability is the result of a rate limit check
type Availability struct {
	CanSend         bool
	Reason          string
	DailyRemaining  int
	HourlyRemaining int
	NextAvailable   time.Time
}

// Tracker tracks send counts per account against its limits. Both windows
// are anchored to UTC boundaries to match persisted timestamps.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a new tracker
func NewTracker(s store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests
func (t *Tracker) SetNow(now func() time.Time) {
	t.now = now
}

// Check reports whether the account may send right now. A store read error
// fails closed: over-reporting availability risks over-sending, while a
// false negative only delays a unit by one cycle.
func (t *Tracker) Check(ctx context.Context, accountID, orgID string) (*Availability, error) {
	now := t.now().UTC()

	account, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		return unavailable(now, "account read failed"), fmt.Errorf("failed to read account %s: %w", accountID, err)
	}

	w, err := t.store.GetRateWindow(ctx, accountID)
	if err != nil {
		return unavailable(now, "rate window read failed"), fmt.Errorf("failed to read rate window %s: %w", accountID, err)
	}

	dailySent, hourlySent := effectiveCounts(w, now)

	a := &Availability{
		DailyRemaining:  remaining(account.DailyLimit, dailySent),
		HourlyRemaining: remaining(account.HourlyLimit, hourlySent),
	}
	a.CanSend = a.DailyRemaining > 0 && a.HourlyRemaining > 0

	if !a.CanSend {
		if a.DailyRemaining <= 0 {
			a.Reason = "daily limit reached"
		} else {
			a.Reason = "hourly limit reached"
		}
		// Soonest safe retry. Even when the daily cap binds, the hourly
		// re-check next cycle resolves it without date math here.
		a.NextAvailable = nextHour(now)
	}

	return a, nil
}

// RecordSent increments both counters for an account. Safe under concurrent
// callers for the same account: the store performs the increment in a single
// conditional transaction. A write error is logged and swallowed — the
// physical email was already sent and the gap self-heals next cycle.
func (t *Tracker) RecordSent(ctx context.Context, accountID, orgID string, n int) {
	w, err := t.store.IncrementRateWindow(ctx, accountID, n, t.now().UTC())
	if err == store.ErrRateLimited {
		t.logger.Warn("account sent past its limit",
			"account_id", accountID,
			"org_id", orgID,
			"daily_sent", w.DailySent,
			"hourly_sent", w.HourlySent,
		)
		return
	}
	if err != nil {
		t.logger.Error("failed to record sent count", "account_id", accountID, "error", err)
	}
}

// ResetHourly rolls windows past their hour boundary; no-op otherwise
func (t *Tracker) ResetHourly(ctx context.Context) error {
	return t.store.ResetRateWindows(ctx, t.now().UTC())
}

// ResetDaily rolls windows past their day boundary; no-op otherwise.
// The store applies both boundaries in one pass, so this shares the
// implementation with ResetHourly and stays idempotent.
func (t *Tracker) ResetDaily(ctx context.Context) error {
	return t.store.ResetRateWindows(ctx, t.now().UTC())
}

// effectiveCounts returns the counters as of now, treating counters whose
// UTC boundary has passed as zero even before the store rolls them over
func effectiveCounts(w *store.RateWindow, now time.Time) (daily, hourly int) {
	daily = w.DailySent
	hourly = w.HourlySent
	if w.Day != now.Format("2006-01-02") {
		return 0, 0
	}
	if w.Hour != now.Hour() {
		hourly = 0
	}
	return daily, hourly
}

func remaining(limit, sent int) int {
	if limit <= 0 {
		// No configured limit means unbounded
		return int(^uint(0) >> 1)
	}
	r := limit - sent
	if r < 0 {
		return 0
	}
	return r
}

func nextHour(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}

func unavailable(now time.Time, reason string) *Availability {
	return &Availability{
		CanSend:       false,
		Reason:        reason,
		NextAvailable: nextHour(now),
	}
}
