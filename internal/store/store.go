package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned by IncrementRateWindow when the increment
	// would push a counter past the account's limit
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrStatusConflict is returned when a status transition would move a
	// unit backward out of a terminal status
	ErrStatusConflict = errors.New("conflicting status transition")
)

// Store is the persistence boundary of the dispatch engine
type Store interface {
	// Units
	PutUnit(ctx context.Context, u *SendUnit) error
	GetUnit(ctx context.Context, id string) (*SendUnit, error)

	// DueUnits returns units with status=scheduled and send_at <= now,
	// ordered by send_at ascending, at most limit
	DueUnits(ctx context.Context, now time.Time, limit int) ([]*SendUnit, error)

	// ScheduledByCampaign returns every scheduled unit of a campaign
	// regardless of send_at, in send_at order
	ScheduledByCampaign(ctx context.Context, campaignID string) ([]*SendUnit, error)

	// MarkSending transitions a scheduled unit to sending, removing it from
	// the due index so a crash mid-send cannot cause a duplicate delivery
	MarkSending(ctx context.Context, id string) error

	// MarkSent transitions a unit to sent and updates the owning campaign's
	// last-sent time in the same transaction
	MarkSent(ctx context.Context, id, providerMessageID, threadID string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkBounced(ctx context.Context, id, reason string) error
	MarkSkipped(ctx context.Context, id, reason string) error

	// Reschedule moves a scheduled unit to a new send_at
	Reschedule(ctx context.Context, id string, sendAt time.Time) error

	// RescheduleMany applies a group of reschedules in one transaction;
	// all items succeed or none do
	RescheduleMany(ctx context.Context, items []RescheduleItem) error

	CountUnits(ctx context.Context) (*UnitCounts, error)

	// CleanupTerminal deletes terminal units older than maxAge; 0 disables
	CleanupTerminal(ctx context.Context, maxAge time.Duration) (int, error)

	// Campaigns
	PutCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	Campaigns(ctx context.Context) ([]*Campaign, error)

	// Accounts
	PutAccount(ctx context.Context, a *EmailAccount) error
	GetAccount(ctx context.Context, id string) (*EmailAccount, error)
	AccountsByID(ctx context.Context, ids []string) ([]*EmailAccount, error)

	// Rate windows
	GetRateWindow(ctx context.Context, accountID string) (*RateWindow, error)

	// IncrementRateWindow atomically rolls the window over its UTC day and
	// hour boundaries and increments both counters by n. It returns
	// ErrRateLimited when the increment would exceed the account's limits;
	// the counters are still advanced so the overage is never hidden.
	IncrementRateWindow(ctx context.Context, accountID string, n int, now time.Time) (*RateWindow, error)

	// ResetRateWindows rolls every window past its boundary; idempotent
	ResetRateWindows(ctx context.Context, now time.Time) error

	// Rotation log
	AppendRotation(ctx context.Context, e *RotationEntry) error
	LastRotation(ctx context.Context, orgID string) (*RotationEntry, error)

	// Reply / suppression lookups
	PutReply(ctx context.Context, r *Reply) error
	HasReply(ctx context.Context, campaignID, recipient string) (bool, error)
	PutSuppression(ctx context.Context, s *Suppression) error
	IsSuppressed(ctx context.Context, recipient, orgID string) (bool, error)

	// RecordHeartbeat stores a liveness timestamp; best effort
	RecordHeartbeat(ctx context.Context, at time.Time) error

	Close() error
}
