package store

import (
	"time"
)

// UnitStatus represents the lifecycle status of a scheduled send unit
type UnitStatus string

const (
	UnitScheduled UnitStatus = "scheduled"
	UnitSending   UnitStatus = "sending"
	UnitSent      UnitStatus = "sent"
	UnitFailed    UnitStatus = "failed"
	UnitBounced   UnitStatus = "bounced"
	UnitSkipped   UnitStatus = "skipped"
)

// terminal reports whether a status is final. Units never return to
// scheduled from a terminal status.
func (s UnitStatus) terminal() bool {
	switch s {
	case UnitSent, UnitBounced, UnitSkipped:
		return true
	}
	return false
}

// SendUnit is one email to one recipient for one campaign
type SendUnit struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	OrgID      string     `json:"org_id"`
	AccountID  string     `json:"account_id"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	SendAt     time.Time  `json:"send_at"` // always UTC
	Status     UnitStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	StepIndex  int        `json:"step_index"` // 0 = first email, >0 = follow-up
	ThreadID   string     `json:"thread_id,omitempty"`

	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	SkipReason        string     `json:"skip_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CampaignStatus represents the status of a campaign
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// SendingHours is a local-time window [Start, End) in hours of day
type SendingHours struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Campaign owns pacing configuration for a set of send units
type Campaign struct {
	ID     string         `json:"id"`
	OrgID  string         `json:"org_id"`
	Name   string         `json:"name"`
	Status CampaignStatus `json:"status"`

	SendingIntervalMinutes int            `json:"sending_interval_minutes"`
	EmailsPerHour          int            `json:"emails_per_hour"`
	SendingHours           *SendingHours  `json:"sending_hours,omitempty"`
	Timezone               string         `json:"timezone"`
	ActiveDays             []time.Weekday `json:"active_days"`
	StopOnReply            bool           `json:"stop_on_reply"`
	AccountIDs             []string       `json:"account_ids"`

	// LastSentAt is the time of the most recent confirmed sent unit,
	// maintained by MarkSent in the same transaction.
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveInterval returns the actual pacing interval: the stricter of the
// configured interval and the interval implied by emails_per_hour.
func (c *Campaign) EffectiveInterval() time.Duration {
	interval := time.Duration(c.SendingIntervalMinutes) * time.Minute
	if c.EmailsPerHour > 0 {
		implied := time.Hour / time.Duration(c.EmailsPerHour)
		if implied > interval {
			interval = implied
		}
	}
	return interval
}

// AccountKind distinguishes how an account authenticates to its provider
type AccountKind string

const (
	AccountOAuth2 AccountKind = "oauth2"
	AccountSMTP   AccountKind = "smtp"
)

// AccountStatus represents the linkage status of a sending account
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInvalid  AccountStatus = "invalid"
	AccountUnlinked AccountStatus = "unlinked"
)

// SMTPSettings contains SMTP submission credentials for an account
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-" yaml:"password"`
}

// OAuthSettings contains OAuth2 token material for an account
type OAuthSettings struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-" yaml:"client_secret"`
	RefreshToken string `json:"-" yaml:"refresh_token"`
	TokenURL     string `json:"token_url"`
}

// EmailAccount is a sending identity shared by campaigns within an organization
type EmailAccount struct {
	ID      string        `json:"id"`
	OrgID   string        `json:"org_id"`
	Address string        `json:"address"`
	Kind    AccountKind   `json:"kind"`
	Status  AccountStatus `json:"status"`

	DailyLimit  int `json:"daily_limit"`
	HourlyLimit int `json:"hourly_limit"`

	RotationPriority int     `json:"rotation_priority"` // higher goes first
	RotationWeight   float64 `json:"rotation_weight"`   // positive
	HealthScore      int     `json:"health_score"`      // 0-100, external health checker owns it

	SMTP  *SMTPSettings  `json:"smtp,omitempty"`
	OAuth *OAuthSettings `json:"oauth,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RateWindow tracks per-account send counters for the current UTC day and hour
type RateWindow struct {
	AccountID  string `json:"account_id"`
	Day        string `json:"day"`  // UTC date, formatted as 2006-01-02
	Hour       int    `json:"hour"` // UTC hour of day, 0-23
	DailySent  int    `json:"daily_sent"`
	HourlySent int    `json:"hourly_sent"`
}

// RotationEntry is one row of the append-only dispatch decision log
type RotationEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	CampaignID string    `json:"campaign_id"`
	AccountID  string    `json:"account_id"`
	UnitID     string    `json:"unit_id"`
	At         time.Time `json:"at"`
}

// Reply records that a recipient replied within a campaign
type Reply struct {
	CampaignID string    `json:"campaign_id"`
	Recipient  string    `json:"recipient"`
	At         time.Time `json:"at"`
}

// Suppression is one entry of the do-not-send list
type Suppression struct {
	OrgID     string    `json:"org_id"`
	Recipient string    `json:"recipient"`
	Reason    string    `json:"reason"` // hard_bounce, spam_complaint, unsubscribe, manual
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

// RescheduleItem is one pending reschedule write. An empty AccountID keeps
// the unit's current assignment.
type RescheduleItem struct {
	ID        string
	AccountID string
	SendAt    time.Time
}

// UnitCounts is a breakdown of units by status
type UnitCounts struct {
	Scheduled int64 `json:"scheduled"`
	Sending   int64 `json:"sending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Bounced   int64 `json:"bounced"`
	Skipped   int64 `json:"skipped"`
	Total     int64 `json:"total"`
}
