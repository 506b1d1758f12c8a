package dispatch

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/drip/internal/bounce"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/store"
	"github.com/foxzi/drip/internal/transport"
)

type sendCall struct {
	accountID string
	recipient string
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []sendCall
	respond func(a *store.EmailAccount, msg *transport.Message) (*transport.Result, error)
}

func (f *fakeTransport) Send(ctx context.Context, a *store.EmailAccount, msg *transport.Message) (*transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{accountID: a.ID, recipient: msg.To})
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(a, msg)
	}
	return &transport.Result{ProviderMessageID: "prov-" + msg.To}, nil
}

func (f *fakeTransport) sent() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// setupEngine wires an engine over a temp bolt store with a fake transport
// and a controllable clock
func setupEngine(t *testing.T) (*Engine, *store.BoltStore, *fakeTransport, *time.Time, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dispatch_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := &fakeTransport{}
	tracker := ratelimit.NewTracker(s, logger)

	eng := NewEngine(s, tracker, tp, bounce.NewStoreRecorder(s, logger),
		metrics.New(), logger, Config{})

	// Monday noon UTC; campaigns in these tests use UTC with no hour
	// restrictions unless a test says otherwise
	clock := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	eng.SetNow(func() time.Time { return clock })
	eng.SetRand(func() *rand.Rand { return rand.New(rand.NewSource(1)) })

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}
	return eng, s, tp, &clock, cleanup
}

func putCampaign(t *testing.T, s store.Store, c *store.Campaign) {
	t.Helper()
	if c.Status == "" {
		c.Status = store.CampaignActive
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if err := s.PutCampaign(context.Background(), c); err != nil {
		t.Fatalf("put campaign: %v", err)
	}
}

func putAccount(t *testing.T, s store.Store, id string, mut func(*store.EmailAccount)) {
	t.Helper()
	a := &store.EmailAccount{
		ID:               id,
		OrgID:            "org-1",
		Address:          id + "@sender.example.com",
		Kind:             store.AccountSMTP,
		Status:           store.AccountActive,
		RotationPriority: 5,
		RotationWeight:   1,
		HealthScore:      90,
	}
	if mut != nil {
		mut(a)
	}
	if err := s.PutAccount(context.Background(), a); err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func putUnit(t *testing.T, s store.Store, id, campaignID, accountID, recipient string, sendAt time.Time) {
	t.Helper()
	err := s.PutUnit(context.Background(), &store.SendUnit{
		ID:         id,
		CampaignID: campaignID,
		OrgID:      "org-1",
		AccountID:  accountID,
		Recipient:  recipient,
		Subject:    "hello",
		Body:       "body",
		SendAt:     sendAt,
		Status:     store.UnitScheduled,
	})
	if err != nil {
		t.Fatalf("put unit: %v", err)
	}
}

func TestPerfectRotationNineUnits(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	accounts := []string{"acc-0", "acc-1", "acc-2"}
	for _, id := range accounts {
		putAccount(t, s, id, nil)
	}
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		Name:                   "rotation",
		SendingIntervalMinutes: 1,
		AccountIDs:             accounts,
	})

	// Nine units with distinct past send times; the earliest carries the
	// first rotation slot on account index 1.
	for i := 0; i < 9; i++ {
		accountID := ""
		if i == 0 {
			accountID = "acc-1"
		}
		putUnit(t, s, unitID(i), "camp-1", accountID,
			recipientID(i), clock.Add(time.Duration(i-10)*time.Minute))
	}

	for cycle := 0; cycle < 9; cycle++ {
		if _, err := eng.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		*clock = clock.Add(2 * time.Minute)
	}

	calls := tp.sent()
	if len(calls) != 9 {
		t.Fatalf("expected 9 sends, got %d", len(calls))
	}

	// Strict repeating visit order starting from account index 1
	perAccount := map[string]int{}
	for i, call := range calls {
		want := accounts[(1+i)%3]
		if call.accountID != want {
			t.Errorf("send %d used %s, want %s", i, call.accountID, want)
		}
		perAccount[call.accountID]++
	}
	for _, id := range accounts {
		if perAccount[id] != 3 {
			t.Errorf("account %s sent %d units, want 3", id, perAccount[id])
		}
	}

	counts, err := s.CountUnits(ctx)
	if err != nil {
		t.Fatalf("count units: %v", err)
	}
	if counts.Sent != 9 || counts.Scheduled != 0 {
		t.Errorf("expected 9 sent / 0 scheduled, got %d / %d", counts.Sent, counts.Scheduled)
	}
}

func TestHourlyCapReschedulesToTopOfHour(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	*clock = time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)

	putAccount(t, s, "acc-1", func(a *store.EmailAccount) {
		a.HourlyLimit = 1
	})
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 5,
		AccountIDs:             []string{"acc-1"},
	})
	putUnit(t, s, "u1", "camp-1", "acc-1", "one@example.com", clock.Add(-time.Minute))
	putUnit(t, s, "u2", "camp-1", "acc-1", "two@example.com", clock.Add(-time.Minute))

	// Exhaust the hourly budget
	if _, err := s.IncrementRateWindow(ctx, "acc-1", 1, *clock); err != nil {
		t.Fatalf("increment: %v", err)
	}

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := len(tp.sent()); got != 0 {
		t.Fatalf("expected no sends, transport saw %d", got)
	}
	if stats.Rescheduled != 2 {
		t.Errorf("expected 2 rescheduled, got %d", stats.Rescheduled)
	}

	u1, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	wantFirst := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	if !u1.SendAt.Equal(wantFirst) {
		t.Errorf("u1 rescheduled to %v, want top of next hour %v", u1.SendAt, wantFirst)
	}
	u2, err := s.GetUnit(ctx, "u2")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if !u2.SendAt.Equal(wantFirst.Add(5 * time.Minute)) {
		t.Errorf("u2 rescheduled to %v, want %v", u2.SendAt, wantFirst.Add(5*time.Minute))
	}
}

func TestUnsubscribedSkippedWithoutTransport(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, s, "acc-1", nil)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 1,
		AccountIDs:             []string{"acc-1"},
	})
	putUnit(t, s, "u1", "camp-1", "acc-1", "gone@example.com", clock.Add(-time.Minute))

	err := s.PutSuppression(ctx, &store.Suppression{
		OrgID:     "org-1",
		Recipient: "gone@example.com",
		Reason:    bounce.ReasonUnsubscribe,
		Source:    "test",
		At:        *clock,
	})
	if err != nil {
		t.Fatalf("put suppression: %v", err)
	}

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := len(tp.sent()); got != 0 {
		t.Fatalf("transport invoked %d times for a suppressed recipient", got)
	}
	if stats.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", stats.Skipped)
	}

	u, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if u.Status != store.UnitSkipped {
		t.Errorf("status = %s, want skipped", u.Status)
	}
	if u.SkipReason != skipUnsubscribed {
		t.Errorf("skip reason = %q, want %q", u.SkipReason, skipUnsubscribed)
	}
}

func TestStopOnReplySkipsFollowUp(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, s, "acc-1", nil)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 1,
		StopOnReply:            true,
		AccountIDs:             []string{"acc-1"},
	})

	err := s.PutUnit(ctx, &store.SendUnit{
		ID:         "u1",
		CampaignID: "camp-1",
		OrgID:      "org-1",
		AccountID:  "acc-1",
		Recipient:  "replied@example.com",
		Subject:    "follow up",
		Body:       "body",
		SendAt:     clock.Add(-time.Minute),
		Status:     store.UnitScheduled,
		StepIndex:  1,
	})
	if err != nil {
		t.Fatalf("put unit: %v", err)
	}
	err = s.PutReply(ctx, &store.Reply{
		CampaignID: "camp-1",
		Recipient:  "replied@example.com",
		At:         *clock,
	})
	if err != nil {
		t.Fatalf("put reply: %v", err)
	}

	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := len(tp.sent()); got != 0 {
		t.Fatalf("transport invoked %d times after reply", got)
	}

	u, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if u.Status != store.UnitSkipped || u.SkipReason != skipReplyReceived {
		t.Errorf("got status %s reason %q, want skipped/%s", u.Status, u.SkipReason, skipReplyReceived)
	}
}

func TestIdempotentRefetchAfterCycle(t *testing.T) {
	eng, s, _, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, s, "acc-1", nil)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 10,
		AccountIDs:             []string{"acc-1"},
	})
	for i := 0; i < 3; i++ {
		putUnit(t, s, unitID(i), "camp-1", "acc-1",
			recipientID(i), clock.Add(time.Duration(i-5)*time.Minute))
	}

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Sent != 1 || stats.Rescheduled != 2 {
		t.Fatalf("expected 1 sent / 2 rescheduled, got %d / %d", stats.Sent, stats.Rescheduled)
	}

	// Replaying the fetch at the same instant returns nothing: the sent
	// unit is terminal and the rest moved into the future.
	due, err := s.DueUnits(ctx, *clock, 100)
	if err != nil {
		t.Fatalf("due units: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("refetch returned %d units, want 0", len(due))
	}
}

func TestIntervalComplianceOnReschedule(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, s, "acc-1", nil)

	// 15 configured vs 6 implied by emails_per_hour: the stricter wins
	lastSent := clock.Add(-time.Minute)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 15,
		EmailsPerHour:          10,
		AccountIDs:             []string{"acc-1"},
		LastSentAt:             &lastSent,
	})
	for i := 0; i < 4; i++ {
		putUnit(t, s, unitID(i), "camp-1", "acc-1",
			recipientID(i), clock.Add(time.Duration(i-5)*time.Minute))
	}

	if _, err := eng.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := len(tp.sent()); got != 0 {
		t.Fatalf("expected no sends inside the interval, got %d", got)
	}

	units, err := s.ScheduledByCampaign(ctx, "camp-1")
	if err != nil {
		t.Fatalf("scheduled by campaign: %v", err)
	}
	if len(units) != 4 {
		t.Fatalf("expected 4 scheduled units, got %d", len(units))
	}
	if want := lastSent.Add(15 * time.Minute); !units[0].SendAt.Equal(want) {
		t.Errorf("first unit at %v, want %v", units[0].SendAt, want)
	}
	for i := 1; i < len(units); i++ {
		gap := units[i].SendAt.Sub(units[i-1].SendAt)
		if gap < 15*time.Minute {
			t.Errorf("units %d and %d only %v apart, want >= 15m", i-1, i, gap)
		}
	}
}

func TestCampaignFailureIsolation(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, s, "acc-1", nil)
	putAccount(t, s, "acc-2", nil)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-bad",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 1,
		AccountIDs:             []string{"acc-1"},
	})
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-good",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 1,
		AccountIDs:             []string{"acc-2"},
	})
	putUnit(t, s, "u-bad", "camp-bad", "acc-1", "bad@example.com", clock.Add(-time.Minute))
	putUnit(t, s, "u-good", "camp-good", "acc-2", "good@example.com", clock.Add(-time.Minute))

	tp.respond = func(a *store.EmailAccount, msg *transport.Message) (*transport.Result, error) {
		if msg.To == "bad@example.com" {
			return nil, &transport.SendError{Temporary: true, Message: "connection reset"}
		}
		return &transport.Result{ProviderMessageID: "prov-good"}, nil
	}

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Fatalf("expected 1 sent / 1 failed, got %d / %d", stats.Sent, stats.Failed)
	}

	bad, err := s.GetUnit(ctx, "u-bad")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if bad.Status != store.UnitFailed || bad.Attempts != 1 {
		t.Errorf("bad unit: status %s attempts %d, want failed/1", bad.Status, bad.Attempts)
	}
	good, err := s.GetUnit(ctx, "u-good")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if good.Status != store.UnitSent {
		t.Errorf("good unit status %s, want sent", good.Status)
	}
}

func TestBounceRoutedToRecorder(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, s, "acc-1", nil)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 1,
		AccountIDs:             []string{"acc-1"},
	})
	putUnit(t, s, "u1", "camp-1", "acc-1", "nobody@example.com", clock.Add(-time.Minute))

	tp.respond = func(a *store.EmailAccount, msg *transport.Message) (*transport.Result, error) {
		return &transport.Result{
			Bounce: &transport.Bounce{Kind: transport.BounceHard, Reason: "550 no such user"},
		}, nil
	}

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Bounced != 1 {
		t.Fatalf("expected 1 bounced, got %d", stats.Bounced)
	}

	u, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if u.Status != store.UnitBounced {
		t.Errorf("status %s, want bounced", u.Status)
	}

	// A hard bounce lands the recipient on the suppression list
	suppressed, err := s.IsSuppressed(ctx, "nobody@example.com", "org-1")
	if err != nil {
		t.Fatalf("suppression lookup: %v", err)
	}
	if !suppressed {
		t.Error("hard-bounced recipient not suppressed")
	}
}

func TestClosedWindowHoldsCampaign(t *testing.T) {
	eng, s, tp, clock, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	// Saturday in the campaign's timezone
	*clock = time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	putAccount(t, s, "acc-1", nil)
	putCampaign(t, s, &store.Campaign{
		ID:                     "camp-1",
		OrgID:                  "org-1",
		SendingIntervalMinutes: 1,
		Timezone:               "UTC",
		ActiveDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
		AccountIDs: []string{"acc-1"},
	})
	putUnit(t, s, "u1", "camp-1", "acc-1", "lead@example.com", clock.Add(-time.Minute))

	stats, err := eng.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := len(tp.sent()); got != 0 {
		t.Fatalf("sent %d units outside the window", got)
	}
	if stats.Eligible != 0 {
		t.Errorf("eligible = %d, want 0", stats.Eligible)
	}

	// The unit stays scheduled and becomes sendable on Monday
	u, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if u.Status != store.UnitScheduled {
		t.Errorf("status %s, want scheduled", u.Status)
	}
}

func unitID(i int) string {
	return "unit-" + string(rune('a'+i))
}

func recipientID(i int) string {
	return "lead-" + string(rune('a'+i)) + "@example.com"
}
