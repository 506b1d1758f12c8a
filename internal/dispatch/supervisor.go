package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/drip/internal/metrics"
)

// CycleRunner executes one dispatch cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleStats, error)
}

// Heartbeat records a liveness ping
type Heartbeat interface {
	RecordHeartbeat(ctx context.Context, at time.Time) error
}

// SupervisorConfig contains run-loop tuning knobs; zero values take the
// defaults noted per field
type SupervisorConfig struct {
	TickInterval     time.Duration // 60s
	StuckCeiling     time.Duration // 5m, watchdog for a wedged cycle
	BackoffBase      time.Duration // 60s, doubled per consecutive failure
	BackoffMax       time.Duration // 5m
	FailureThreshold int           // 5, failures before the long cooldown
	Cooldown         time.Duration // 5m
	DrainTimeout     time.Duration // 30s, shutdown wait for an in-flight cycle
}

func (c *SupervisorConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.StuckCeiling <= 0 {
		c.StuckCeiling = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Status is a point-in-time snapshot of the run loop for the status API
type Status struct {
	Running             bool        `json:"running"`
	RunStarted          *time.Time  `json:"run_started,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	PausedUntil         *time.Time  `json:"paused_until,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	LastCycle           *CycleStats `json:"last_cycle,omitempty"`
}

// Supervisor is the outer cooperative loop around the engine: it ticks on a
// fixed period, refuses to overlap runs, resets runs stuck past a ceiling,
// backs off after failures and drains gracefully on shutdown.
type Supervisor struct {
	runner    CycleRunner
	state     *SchedulerState
	heartbeat Heartbeat
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       SupervisorConfig

	mu         sync.Mutex
	running    bool
	runID      uint64
	runStarted time.Time
	pauseUntil time.Time
	lastStats  *CycleStats
	lastErr    string

	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// NewSupervisor creates a supervisor around an engine-like runner
func NewSupervisor(runner CycleRunner, state *SchedulerState, hb Heartbeat,
	m *metrics.Metrics, logger *slog.Logger, cfg SupervisorConfig) *Supervisor {

	cfg.applyDefaults()
	return &Supervisor{
		runner:    runner,
		state:     state,
		heartbeat: hb,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the tick loop; the first cycle runs immediately
func (s *Supervisor) Start() {
	s.logger.Info("starting dispatch supervisor",
		"tick", s.cfg.TickInterval,
		"stuck_ceiling", s.cfg.StuckCeiling,
	)
	go s.loop()
}

// Stop stops scheduling new cycles and waits up to the drain timeout for an
// in-flight cycle, then returns regardless. An email already handed to the
// transport is never cancelled.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("dispatch supervisor stopped")
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("shutdown drain timed out with a cycle in flight",
			"timeout", s.cfg.DrainTimeout)
	}
}

// Status returns a snapshot for the liveness surface
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:             s.running,
		ConsecutiveFailures: s.state.ConsecutiveFailures(),
		LastError:           s.lastErr,
		LastCycle:           s.lastStats,
	}
	if s.running {
		started := s.runStarted
		st.RunStarted = &started
	}
	if time.Now().Before(s.pauseUntil) {
		paused := s.pauseUntil
		st.PausedUntil = &paused
	}
	return st
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick decides whether this wake starts a cycle: skipped during backoff or
// while a healthy run is in flight; a run past the stuck ceiling is reset
// and counted as a failure.
func (s *Supervisor) tick() {
	now := time.Now()

	s.mu.Lock()
	if now.Before(s.pauseUntil) {
		s.mu.Unlock()
		return
	}
	if s.running {
		if now.Sub(s.runStarted) > s.cfg.StuckCeiling {
			s.running = false
			s.runID++
			s.metrics.StuckRunsTotal.Inc()
			s.logger.Error("dispatch run stuck past ceiling, resetting",
				"started", s.runStarted,
				"ceiling", s.cfg.StuckCeiling,
			)
			s.mu.Unlock()
			s.noteFailure(errors.New("dispatch run exceeded stuck ceiling"))
			return
		}
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runID++
	id := s.runID
	s.runStarted = now
	s.mu.Unlock()

	s.inflight.Add(1)
	go s.runOnce(id)
}

func (s *Supervisor) runOnce(id uint64) {
	defer s.inflight.Done()

	start := time.Now()
	stats, err := s.runner.RunCycle(context.Background())
	d := time.Since(start)

	if s.heartbeat != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if hbErr := s.heartbeat.RecordHeartbeat(ctx, time.Now().UTC()); hbErr != nil {
				s.logger.Debug("heartbeat recording failed", "error", hbErr)
			}
		}()
	}

	s.mu.Lock()
	stale := id != s.runID || !s.running
	if stats != nil {
		s.lastStats = stats
	}
	s.mu.Unlock()

	if stale {
		// The watchdog already gave up on this run; its failure was
		// counted there, so only note the late completion.
		s.logger.Warn("dispatch run completed after watchdog reset", "duration", d)
		return
	}

	s.metrics.CycleDurationSeconds.Observe(d.Seconds())
	if err != nil {
		s.metrics.CyclesTotal.WithLabelValues("failure").Inc()
		s.logger.Error("dispatch cycle failed", "error", err, "duration", d)
		s.noteFailure(err)
	} else {
		s.metrics.CyclesTotal.WithLabelValues("success").Inc()
		s.state.RecordSuccess(d)
		s.metrics.ConsecutiveFailures.Set(0)
	}

	// Freed last so an idle status always reflects finished bookkeeping
	s.mu.Lock()
	if id == s.runID {
		s.running = false
	}
	if err == nil {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

// noteFailure applies the escalation policy: exponential backoff while the
// streak is short, one long cooldown once it crosses the threshold.
func (s *Supervisor) noteFailure(err error) {
	n := s.state.RecordFailure()
	s.metrics.ConsecutiveFailures.Set(float64(n))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()

	if n >= s.cfg.FailureThreshold {
		s.pauseUntil = time.Now().Add(s.cfg.Cooldown)
		s.logger.Error("too many consecutive failures, cooling down",
			"failures", n, "cooldown", s.cfg.Cooldown)
		s.state.ResetFailures()
		return
	}

	backoff := s.cfg.BackoffBase << uint(n-1)
	if backoff > s.cfg.BackoffMax {
		backoff = s.cfg.BackoffMax
	}
	s.pauseUntil = time.Now().Add(backoff)
	s.logger.Warn("backing off after failed cycle",
		"failures", n, "backoff", backoff)
}
