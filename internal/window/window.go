// Package window decides whether an instant is a legal send time for a
// campaign, given its timezone, business hours and active weekdays.
package window

import (
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/store"
)

// IsSendable reports whether the campaign may send at the given instant.
// The campaign's timezone is the single source of truth for weekday and
// hour-of-day: the raw UTC hour is never compared against configured local
// hours.
func IsSendable(c *store.Campaign, instant time.Time) (bool, error) {
	if c.Status != store.CampaignActive {
		return false, nil
	}

	local, err := inZone(c, instant)
	if err != nil {
		return false, err
	}

	if !dayActive(c, local.Weekday()) {
		return false, nil
	}

	if c.SendingHours != nil {
		h := local.Hour()
		if h < c.SendingHours.Start || h >= c.SendingHours.End {
			return false, nil
		}
	}

	return true, nil
}

// NextOpen returns the earliest instant at or after the given one that falls
// inside the campaign's sending window. For a paused or completed campaign,
// or one with no active days, it returns the instant unchanged.
func NextOpen(c *store.Campaign, instant time.Time) (time.Time, error) {
	if c.Status != store.CampaignActive || len(c.ActiveDays) == 0 {
		return instant, nil
	}

	local, err := inZone(c, instant)
	if err != nil {
		return instant, err
	}

	// Bounded walk: within 8 days every weekday has come around once
	for i := 0; i < 8; i++ {
		if dayActive(c, local.Weekday()) {
			if c.SendingHours == nil {
				return local.UTC(), nil
			}
			h := local.Hour()
			switch {
			case h < c.SendingHours.Start:
				open := time.Date(local.Year(), local.Month(), local.Day(),
					c.SendingHours.Start, 0, 0, 0, local.Location())
				return open.UTC(), nil
			case h < c.SendingHours.End:
				return local.UTC(), nil
			}
		}
		// Advance to the start of the next local day
		local = time.Date(local.Year(), local.Month(), local.Day(),
			0, 0, 0, 0, local.Location()).AddDate(0, 0, 1)
	}

	return instant, nil
}

func inZone(c *store.Campaign, instant time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid campaign timezone %q: %w", c.Timezone, err)
	}
	return instant.In(loc), nil
}

func dayActive(c *store.Campaign, day time.Weekday) bool {
	if len(c.ActiveDays) == 0 {
		return true
	}
	for _, d := range c.ActiveDays {
		if d == day {
			return true
		}
	}
	return false
}
