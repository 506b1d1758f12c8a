// Package bounce records transport-reported delivery rejections and keeps
// the suppression list up to date.
package bounce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/drip/internal/store"
)

// Suppression reasons, mirrored in the stored records
const (
	ReasonHardBounce  = "hard_bounce"
	ReasonComplaint   = "spam_complaint"
	ReasonUnsubscribe = "unsubscribe"
	ReasonManual      = "manual"
)

// Recorder receives bounce signals from the dispatch engine
type Recorder interface {
	RecordBounce(ctx context.Context, kind, reason, recipient, unitID, orgID string) error
}

// StoreRecorder persists bounces and suppresses hard-bounced recipients so
// no campaign in the organization emails them again
type StoreRecorder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStoreRecorder creates a recorder backed by the store
func NewStoreRecorder(s store.Store, logger *slog.Logger) *StoreRecorder {
	return &StoreRecorder{store: s, logger: logger, now: time.Now}
}

// RecordBounce logs the bounce and, for hard bounces, adds the recipient to
// the suppression list. Soft bounces are logged only: the address may still
// be valid once the mailbox recovers.
func (r *StoreRecorder) RecordBounce(ctx context.Context, kind, reason, recipient, unitID, orgID string) error {
	r.logger.Info("bounce recorded",
		"kind", kind,
		"reason", reason,
		"recipient", recipient,
		"unit_id", unitID,
		"org_id", orgID,
	)

	if kind != "hard" {
		return nil
	}

	err := r.store.PutSuppression(ctx, &store.Suppression{
		OrgID:     orgID,
		Recipient: recipient,
		Reason:    ReasonHardBounce,
		Source:    "dispatch",
		At:        r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to suppress %s: %w", recipient, err)
	}
	return nil
}
