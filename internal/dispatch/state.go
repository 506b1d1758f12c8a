package dispatch

import (
	"sync"
	"time"
)

// Adaptive batch sizing bounds
const (
	batchBase  = 100
	batchFloor = 50
	batchFast  = 150
	batchCap   = 500

	// A cycle finishing under this duration with no failures signals
	// spare capacity for a larger batch next time.
	fastCycleThreshold = 5 * time.Second
)

// SchedulerState carries the engine's in-process state between cycles: the
// per-campaign rotation cursor and the failure/duration history driving the
// batch heuristic. The cursor map is a cache over the persisted rotation
// log, so losing it on restart only costs one lookup.
type SchedulerState struct {
	mu sync.Mutex

	cursors map[string]int // campaign id -> index of the last used account

	consecutiveFailures int
	lastCycleDuration   time.Duration
	lastCycleClean      bool
}

// NewSchedulerState creates an empty scheduler state
func NewSchedulerState() *SchedulerState {
	return &SchedulerState{
		cursors: make(map[string]int),
	}
}

// Cursor returns the last used account index for a campaign
func (s *SchedulerState) Cursor(campaignID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.cursors[campaignID]
	return idx, ok
}

// SetCursor records the index of the account a campaign just used
func (s *SchedulerState) SetCursor(campaignID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[campaignID] = index
}

// RecordSuccess notes a clean cycle and resets the failure streak
func (s *SchedulerState) RecordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.lastCycleDuration = d
	s.lastCycleClean = true
}

// RecordFailure increments the failure streak and returns the new count
func (s *SchedulerState) RecordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.lastCycleClean = false
	return s.consecutiveFailures
}

// ResetFailures clears the failure streak, used after a cooldown sleep
func (s *SchedulerState) ResetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

// ConsecutiveFailures returns the current failure streak
func (s *SchedulerState) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// NextBatchSize computes the fetch size for the coming cycle: base 100,
// halved per consecutive failure down to a floor of 50, raised to 150 after
// a fast clean cycle, never above 500.
func (s *SchedulerState) NextBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := batchBase
	for i := 0; i < s.consecutiveFailures && size > batchFloor; i++ {
		size /= 2
	}
	if size < batchFloor {
		size = batchFloor
	}

	if s.consecutiveFailures == 0 && s.lastCycleClean &&
		s.lastCycleDuration > 0 && s.lastCycleDuration < fastCycleThreshold {
		size = batchFast
	}

	if size > batchCap {
		size = batchCap
	}
	return size
}
