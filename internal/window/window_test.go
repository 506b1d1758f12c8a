package window

import (
	"testing"
	"time"

	"github.com/foxzi/drip/internal/store"
)

func romeCampaign() *store.Campaign {
	return &store.Campaign{
		ID:           "c1",
		Status:       store.CampaignActive,
		Timezone:     "Europe/Rome",
		ActiveDays:   []time.Weekday{time.Monday},
		SendingHours: &store.SendingHours{Start: 9, End: 17},
	}
}

func TestSundayNightRomeNotSendable(t *testing.T) {
	c := romeCampaign()

	// 2026-03-01 is a Sunday; 23:00 Rome == 22:00 UTC (CET)
	instant := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

	ok, err := IsSendable(c, instant)
	if err != nil {
		t.Fatalf("is sendable: %v", err)
	}
	if ok {
		t.Errorf("Sunday 23:00 Rome must not be sendable")
	}

	// +11h = Monday 10:00 Rome, inside [9,17)
	ok, err = IsSendable(c, instant.Add(11*time.Hour))
	if err != nil {
		t.Fatalf("is sendable: %v", err)
	}
	if !ok {
		t.Errorf("Monday 10:00 Rome must be sendable")
	}
}

func TestEndHourIsExclusive(t *testing.T) {
	c := romeCampaign()

	// Monday 2026-03-02 17:00 Rome == 16:00 UTC
	instant := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)
	ok, err := IsSendable(c, instant)
	if err != nil {
		t.Fatalf("is sendable: %v", err)
	}
	if ok {
		t.Errorf("end hour must be exclusive")
	}

	// 16:59 Rome is still inside
	ok, _ = IsSendable(c, instant.Add(-time.Minute))
	if !ok {
		t.Errorf("16:59 local must still be sendable")
	}
}

func TestPausedCampaignNeverSendable(t *testing.T) {
	c := romeCampaign()
	c.Status = store.CampaignPaused

	// Monday 10:00 Rome
	ok, err := IsSendable(c, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("is sendable: %v", err)
	}
	if ok {
		t.Errorf("paused campaign must not be sendable")
	}
}

func TestNoSendingHoursMeansWholeDay(t *testing.T) {
	c := romeCampaign()
	c.SendingHours = nil

	// Monday 03:00 Rome
	ok, err := IsSendable(c, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("is sendable: %v", err)
	}
	if !ok {
		t.Errorf("without sending hours any hour of an active day is legal")
	}
}

func TestInvalidTimezoneFails(t *testing.T) {
	c := romeCampaign()
	c.Timezone = "Mars/Olympus_Mons"

	if _, err := IsSendable(c, time.Now()); err == nil {
		t.Errorf("expected error for invalid timezone")
	}
}

func TestNextOpenSameDayBeforeStart(t *testing.T) {
	c := romeCampaign()

	// Monday 07:00 Rome == 06:00 UTC
	instant := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	open, err := NextOpen(c, instant)
	if err != nil {
		t.Fatalf("next open: %v", err)
	}

	// Expect Monday 09:00 Rome == 08:00 UTC
	want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if !open.Equal(want) {
		t.Errorf("expected %v, got %v", want, open)
	}
}

func TestNextOpenCrossesToNextActiveDay(t *testing.T) {
	c := romeCampaign()

	// Monday 18:00 Rome is past the window; next Monday 09:00 Rome
	instant := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	open, err := NextOpen(c, instant)
	if err != nil {
		t.Fatalf("next open: %v", err)
	}

	want := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	if !open.Equal(want) {
		t.Errorf("expected next Monday 09:00 Rome (%v), got %v", want, open)
	}
}

func TestNextOpenInsideWindowIsIdentity(t *testing.T) {
	c := romeCampaign()

	// Monday 10:00 Rome
	instant := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	open, err := NextOpen(c, instant)
	if err != nil {
		t.Fatalf("next open: %v", err)
	}
	if !open.Equal(instant) {
		t.Errorf("inside the window NextOpen must return the instant, got %v", open)
	}
}
