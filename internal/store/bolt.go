package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUnits        = []byte("units")
	bucketDueIndex     = []byte("due_index")
	bucketCampaigns    = []byte("campaigns")
	bucketAccounts     = []byte("accounts")
	bucketRateWindows  = []byte("rate_windows")
	bucketRotationLog  = []byte("rotation_log")
	bucketReplies      = []byte("replies")
	bucketSuppressions = []byte("suppressions")
	bucketMeta         = []byte("meta")
)

var allBuckets = [][]byte{
	bucketUnits, bucketDueIndex, bucketCampaigns, bucketAccounts,
	bucketRateWindows, bucketRotationLog, bucketReplies,
	bucketSuppressions, bucketMeta,
}

const dayFormat = "2006-01-02"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// PutUnit stores a unit, maintaining the due index for scheduled units
func (s *BoltStore) PutUnit(ctx context.Context, u *SendUnit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		due := tx.Bucket(bucketDueIndex)

		// Remove the old index entry if the unit already exists
		if old := units.Get([]byte(u.ID)); old != nil {
			var prev SendUnit
			if err := json.Unmarshal(old, &prev); err == nil && prev.Status == UnitScheduled {
				if err := due.Delete(makeIndexKey(prev.SendAt, prev.ID)); err != nil {
					return err
				}
			}
		}

		u.UpdatedAt = time.Now().UTC()
		if u.CreatedAt.IsZero() {
			u.CreatedAt = u.UpdatedAt
		}

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to marshal unit: %w", err)
		}
		if err := units.Put([]byte(u.ID), data); err != nil {
			return fmt.Errorf("failed to store unit: %w", err)
		}

		if u.Status == UnitScheduled {
			if err := due.Put(makeIndexKey(u.SendAt, u.ID), []byte(u.ID)); err != nil {
				return fmt.Errorf("failed to index unit: %w", err)
			}
		}
		return nil
	})
}

// GetUnit retrieves a unit by ID
func (s *BoltStore) GetUnit(ctx context.Context, id string) (*SendUnit, error) {
	var u *SendUnit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUnits).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		u = &SendUnit{}
		return json.Unmarshal(data, u)
	})
	return u, err
}

// DueUnits returns scheduled units whose send_at has elapsed, oldest first
func (s *BoltStore) DueUnits(ctx context.Context, now time.Time, limit int) ([]*SendUnit, error) {
	var out []*SendUnit

	err := s.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		due := tx.Bucket(bucketDueIndex)
		c := due.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // index is time-ordered, everything after is in the future
			}

			data := units.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var u SendUnit
			if err := json.Unmarshal(data, &u); err != nil {
				continue
			}
			if u.Status != UnitScheduled {
				// Stale index entry left by a crash mid-transition
				c.Delete()
				continue
			}

			out = append(out, &u)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})

	return out, err
}

// ScheduledByCampaign returns all scheduled units of a campaign in send_at order
func (s *BoltStore) ScheduledByCampaign(ctx context.Context, campaignID string) ([]*SendUnit, error) {
	var out []*SendUnit

	err := s.db.View(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		c := tx.Bucket(bucketDueIndex).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := units.Get(v)
			if data == nil {
				continue
			}
			var u SendUnit
			if err := json.Unmarshal(data, &u); err != nil {
				continue
			}
			if u.Status == UnitScheduled && u.CampaignID == campaignID {
				out = append(out, &u)
			}
		}
		return nil
	})

	return out, err
}

// transition loads a unit, applies fn and persists the result, enforcing
// monotonic status transitions
func (s *BoltStore) transition(id string, to UnitStatus, fn func(u *SendUnit, tx *bolt.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		due := tx.Bucket(bucketDueIndex)

		data := units.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var u SendUnit
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("failed to unmarshal unit: %w", err)
		}

		if u.Status.terminal() && u.Status != to {
			return fmt.Errorf("unit %s is %s: %w", id, u.Status, ErrStatusConflict)
		}

		if u.Status == UnitScheduled {
			if err := due.Delete(makeIndexKey(u.SendAt, u.ID)); err != nil {
				return err
			}
		}

		u.Status = to
		u.UpdatedAt = time.Now().UTC()
		if err := fn(&u, tx); err != nil {
			return err
		}

		out, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("failed to marshal unit: %w", err)
		}
		return units.Put([]byte(u.ID), out)
	})
}

// MarkSending transitions a scheduled unit to sending. The transition helper
// drops the due-index entry, so a crash between here and the final status
// write leaves the unit parked rather than re-sent.
func (s *BoltStore) MarkSending(ctx context.Context, id string) error {
	return s.transition(id, UnitSending, func(u *SendUnit, tx *bolt.Tx) error {
		return nil
	})
}

// MarkSent transitions a unit to sent and bumps the campaign's last-sent time
func (s *BoltStore) MarkSent(ctx context.Context, id, providerMessageID, threadID string, at time.Time) error {
	return s.transition(id, UnitSent, func(u *SendUnit, tx *bolt.Tx) error {
		at = at.UTC()
		u.SentAt = &at
		u.ProviderMessageID = providerMessageID
		if threadID != "" {
			u.ThreadID = threadID
		}
		u.LastError = ""

		// Same-transaction campaign update keeps the pacing clock
		// consistent with the unit's own state.
		campaigns := tx.Bucket(bucketCampaigns)
		data := campaigns.Get([]byte(u.CampaignID))
		if data == nil {
			return nil
		}
		var c Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return nil
		}
		if c.LastSentAt == nil || c.LastSentAt.Before(at) {
			c.LastSentAt = &at
			c.UpdatedAt = time.Now().UTC()
			out, err := json.Marshal(&c)
			if err != nil {
				return nil
			}
			return campaigns.Put([]byte(c.ID), out)
		}
		return nil
	})
}

// MarkFailed transitions a unit to failed and increments its attempt count
func (s *BoltStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(id, UnitFailed, func(u *SendUnit, tx *bolt.Tx) error {
		u.Attempts++
		u.LastError = reason
		return nil
	})
}

// MarkBounced transitions a unit to bounced
func (s *BoltStore) MarkBounced(ctx context.Context, id, reason string) error {
	return s.transition(id, UnitBounced, func(u *SendUnit, tx *bolt.Tx) error {
		u.Attempts++
		u.LastError = reason
		return nil
	})
}

// MarkSkipped transitions a unit to skipped with a reason
func (s *BoltStore) MarkSkipped(ctx context.Context, id, reason string) error {
	return s.transition(id, UnitSkipped, func(u *SendUnit, tx *bolt.Tx) error {
		u.SkipReason = reason
		return nil
	})
}

// Reschedule moves a scheduled unit to a new send_at
func (s *BoltStore) Reschedule(ctx context.Context, id string, sendAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		due := tx.Bucket(bucketDueIndex)

		data := units.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var u SendUnit
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("failed to unmarshal unit: %w", err)
		}
		if u.Status != UnitScheduled {
			return fmt.Errorf("unit %s is %s: %w", id, u.Status, ErrStatusConflict)
		}

		if err := due.Delete(makeIndexKey(u.SendAt, u.ID)); err != nil {
			return err
		}

		u.SendAt = sendAt.UTC()
		u.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&u)
		if err != nil {
			return fmt.Errorf("failed to marshal unit: %w", err)
		}
		if err := units.Put([]byte(u.ID), out); err != nil {
			return err
		}
		return due.Put(makeIndexKey(u.SendAt, u.ID), []byte(u.ID))
	})
}

// RescheduleMany moves a group of scheduled units in one transaction,
// optionally reassigning their sending account
func (s *BoltStore) RescheduleMany(ctx context.Context, items []RescheduleItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		due := tx.Bucket(bucketDueIndex)

		for _, item := range items {
			data := units.Get([]byte(item.ID))
			if data == nil {
				return fmt.Errorf("unit %s: %w", item.ID, ErrNotFound)
			}
			var u SendUnit
			if err := json.Unmarshal(data, &u); err != nil {
				return fmt.Errorf("failed to unmarshal unit %s: %w", item.ID, err)
			}
			if u.Status != UnitScheduled {
				return fmt.Errorf("unit %s is %s: %w", item.ID, u.Status, ErrStatusConflict)
			}

			if err := due.Delete(makeIndexKey(u.SendAt, u.ID)); err != nil {
				return err
			}

			u.SendAt = item.SendAt.UTC()
			if item.AccountID != "" {
				u.AccountID = item.AccountID
			}
			u.UpdatedAt = time.Now().UTC()

			out, err := json.Marshal(&u)
			if err != nil {
				return fmt.Errorf("failed to marshal unit %s: %w", item.ID, err)
			}
			if err := units.Put([]byte(u.ID), out); err != nil {
				return err
			}
			if err := due.Put(makeIndexKey(u.SendAt, u.ID), []byte(u.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountUnits returns a breakdown of units by status
func (s *BoltStore) CountUnits(ctx context.Context) (*UnitCounts, error) {
	counts := &UnitCounts{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUnits).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var u SendUnit
			if err := json.Unmarshal(v, &u); err != nil {
				continue
			}
			counts.Total++
			switch u.Status {
			case UnitScheduled:
				counts.Scheduled++
			case UnitSending:
				counts.Sending++
			case UnitSent:
				counts.Sent++
			case UnitFailed:
				counts.Failed++
			case UnitBounced:
				counts.Bounced++
			case UnitSkipped:
				counts.Skipped++
			}
		}
		return nil
	})

	return counts, err
}

// CleanupTerminal deletes terminal units older than maxAge
func (s *BoltStore) CleanupTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		units := tx.Bucket(bucketUnits)
		c := units.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var u SendUnit
			if err := json.Unmarshal(v, &u); err != nil {
				continue
			}
			if u.Status.terminal() && u.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := units.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// PutCampaign stores a campaign
func (s *BoltStore) PutCampaign(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c.UpdatedAt = time.Now().UTC()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = c.UpdatedAt
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
	})
}

// GetCampaign retrieves a campaign by ID
func (s *BoltStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

// Campaigns returns all campaigns
func (s *BoltStore) Campaigns(ctx context.Context) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// PutAccount stores an account
func (s *BoltStore) PutAccount(ctx context.Context, a *EmailAccount) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a.UpdatedAt = time.Now().UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = a.UpdatedAt
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return tx.Bucket(bucketAccounts).Put([]byte(a.ID), data)
	})
}

// GetAccount retrieves an account by ID
func (s *BoltStore) GetAccount(ctx context.Context, id string) (*EmailAccount, error) {
	var a *EmailAccount
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		a = &EmailAccount{}
		return json.Unmarshal(data, a)
	})
	return a, err
}

// AccountsByID retrieves accounts in the order of ids, skipping missing ones
func (s *BoltStore) AccountsByID(ctx context.Context, ids []string) ([]*EmailAccount, error) {
	var out []*EmailAccount
	err := s.db.View(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		for _, id := range ids {
			data := accounts.Get([]byte(id))
			if data == nil {
				continue
			}
			var a EmailAccount
			if err := json.Unmarshal(data, &a); err != nil {
				continue
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

// GetRateWindow returns the persisted window for an account, or a zeroed
// window if none exists yet
func (s *BoltStore) GetRateWindow(ctx context.Context, accountID string) (*RateWindow, error) {
	var w *RateWindow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRateWindows).Get([]byte(accountID))
		if data == nil {
			w = &RateWindow{AccountID: accountID}
			return nil
		}
		w = &RateWindow{}
		return json.Unmarshal(data, w)
	})
	return w, err
}

// rollover resets counters whose UTC boundary has passed
func rollover(w *RateWindow, now time.Time) {
	now = now.UTC()
	day := now.Format(dayFormat)
	if w.Day != day {
		w.Day = day
		w.DailySent = 0
		w.Hour = now.Hour()
		w.HourlySent = 0
		return
	}
	if w.Hour != now.Hour() {
		w.Hour = now.Hour()
		w.HourlySent = 0
	}
}

// IncrementRateWindow atomically increments both counters for an account.
// The whole read-modify-write runs inside one bolt transaction, so two
// campaigns sharing an account can never lose an update.
func (s *BoltStore) IncrementRateWindow(ctx context.Context, accountID string, n int, now time.Time) (*RateWindow, error) {
	var result *RateWindow
	var limited bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		windows := tx.Bucket(bucketRateWindows)
		accounts := tx.Bucket(bucketAccounts)

		w := &RateWindow{AccountID: accountID}
		if data := windows.Get([]byte(accountID)); data != nil {
			if err := json.Unmarshal(data, w); err != nil {
				return fmt.Errorf("failed to unmarshal rate window: %w", err)
			}
		}
		rollover(w, now)

		w.DailySent += n
		w.HourlySent += n

		if data := accounts.Get([]byte(accountID)); data != nil {
			var a EmailAccount
			if err := json.Unmarshal(data, &a); err == nil {
				if (a.DailyLimit > 0 && w.DailySent > a.DailyLimit) ||
					(a.HourlyLimit > 0 && w.HourlySent > a.HourlyLimit) {
					limited = true
				}
			}
		}

		out, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to marshal rate window: %w", err)
		}
		if err := windows.Put([]byte(accountID), out); err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limited {
		return result, ErrRateLimited
	}
	return result, nil
}

// ResetRateWindows rolls every persisted window over its elapsed boundaries.
// Calling it repeatedly within the same hour is a no-op.
func (s *BoltStore) ResetRateWindows(ctx context.Context, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		windows := tx.Bucket(bucketRateWindows)
		c := windows.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var w RateWindow
			if err := json.Unmarshal(v, &w); err != nil {
				continue
			}
			before := w
			rollover(&w, now)
			if w == before {
				continue
			}
			out, err := json.Marshal(&w)
			if err != nil {
				continue
			}
			if err := windows.Put(k, out); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendRotation appends one entry to the rotation log
func (s *BoltStore) AppendRotation(ctx context.Context, e *RotationEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal rotation entry: %w", err)
		}
		return tx.Bucket(bucketRotationLog).Put(makeIndexKey(e.At, e.ID), data)
	})
}

// LastRotation returns the most recent rotation entry for an organization
func (s *BoltStore) LastRotation(ctx context.Context, orgID string) (*RotationEntry, error) {
	var entry *RotationEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRotationLog).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e RotationEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.OrgID == orgID {
				entry = &e
				return nil
			}
		}
		return nil
	})
	return entry, err
}

// PutReply records a reply from a recipient in a campaign
func (s *BoltStore) PutReply(ctx context.Context, r *Reply) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reply: %w", err)
		}
		key := replyKey(r.CampaignID, r.Recipient)
		return tx.Bucket(bucketReplies).Put(key, data)
	})
}

// HasReply reports whether a recipient has replied within a campaign
func (s *BoltStore) HasReply(ctx context.Context, campaignID, recipient string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketReplies).Get(replyKey(campaignID, recipient)) != nil
		return nil
	})
	return found, err
}

// PutSuppression adds a recipient to the do-not-send list
func (s *BoltStore) PutSuppression(ctx context.Context, sup *Suppression) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sup)
		if err != nil {
			return fmt.Errorf("failed to marshal suppression: %w", err)
		}
		key := suppressionKey(sup.OrgID, sup.Recipient)
		return tx.Bucket(bucketSuppressions).Put(key, data)
	})
}

// IsSuppressed reports whether a recipient is on the do-not-send list
func (s *BoltStore) IsSuppressed(ctx context.Context, recipient, orgID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSuppressions).Get(suppressionKey(orgID, recipient)) != nil
		return nil
	})
	return found, err
}

// RecordHeartbeat stores the supervisor's liveness timestamp
func (s *BoltStore) RecordHeartbeat(ctx context.Context, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("heartbeat"), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

// LastHeartbeat returns the stored liveness timestamp, zero if none
func (s *BoltStore) LastHeartbeat(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte("heartbeat"))
		if data == nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return nil
		}
		at = t
		return nil
	})
	return at, err
}

func replyKey(campaignID, recipient string) []byte {
	return []byte(campaignID + "/" + strings.ToLower(recipient))
}

func suppressionKey(orgID, recipient string) []byte {
	return []byte(orgID + "/" + strings.ToLower(recipient))
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
