package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionState tracks the coordinator connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateRecovering   ConnectionState = "recovering"
	StateFailed       ConnectionState = "failed"
)

// HealthProbe verifies the coordinator is responsive, typically by issuing a
// networkState query against the stack.
type HealthProbe func(ctx context.Context) error

// StateListener receives connection state transitions.
type StateListener func(oldState, newState ConnectionState, reason string)

// Stats is a snapshot of supervisor counters.
type Stats struct {
	TotalErrors          int       `json:"total_errors"`
	NcpFailures          int       `json:"ncp_failures"`
	WatchdogFailures     int       `json:"watchdog_failures"`
	RecoveriesAttempted  int       `json:"recoveries_attempted"`
	RecoveriesSuccessful int       `json:"recoveries_successful"`
	State                string    `json:"current_state"`
	ErrorCount           int       `json:"error_count"`
	RecoveryInProgress   bool      `json:"recovery_in_progress"`
	LastWatchdogFeed     time.Time `json:"last_watchdog_feed"`
	UptimeStart          time.Time `json:"uptime_start"`
}

// Supervisor wraps the radio with failure tracking and automatic recovery.
type Supervisor struct {
	mu    sync.Mutex
	state ConnectionState

	errorCount    int
	lastErrorTime time.Time

	errorWindow        time.Duration
	maxErrorsPerWindow int

	lastWatchdogFeed time.Time
	watchdogFailures int
	watchdogTimeout  time.Duration

	recoveryInProgress  bool
	recoveryAttempts    int
	maxRecoveryAttempts int
	recoveryBackoff     time.Duration

	stats Stats

	probe    HealthProbe
	listener StateListener
}

// NewSupervisor creates a supervisor with the standard tuning: a 5 minute error
// window of at most 10 errors, 3 recovery attempts at 5 s base backoff, and a
// 120 s watchdog timeout.
func NewSupervisor(probe HealthProbe) *Supervisor {
	now := time.Now()
	return &Supervisor{
		state:               StateDisconnected,
		errorWindow:         5 * time.Minute,
		maxErrorsPerWindow:  10,
		watchdogTimeout:     120 * time.Second,
		maxRecoveryAttempts: 3,
		recoveryBackoff:     5 * time.Second,
		lastWatchdogFeed:    now,
		probe:               probe,
		stats:               Stats{UptimeStart: now},
	}
}

// SetStateListener installs the transition callback.
func (s *Supervisor) SetStateListener(l StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the supervisor considers the link healthy.
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// SetState transitions the connection state, notifying the listener on change.
func (s *Supervisor) SetState(newState ConnectionState, reason string) {
	s.mu.Lock()
	old := s.state
	if old == newState {
		s.mu.Unlock()
		return
	}
	s.state = newState
	listener := s.listener
	s.mu.Unlock()

	log.Info().
		Str("from", string(old)).
		Str("to", string(newState)).
		Str("reason", reason).
		Msg("Coordinator state transition")

	if listener != nil {
		listener(old, newState, reason)
	}
}

// FeedWatchdog records a successful health signal from the radio.
func (s *Supervisor) FeedWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWatchdogFeed = time.Now()
	if s.watchdogFailures > 0 {
		log.Info().Msg("Watchdog recovered, resetting failure counter")
		s.watchdogFailures = 0
	}
}

// WatchdogAge returns the time since the last watchdog feed.
func (s *Supervisor) WatchdogAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastWatchdogFeed)
}

// WatchdogTimeout returns the configured watchdog timeout.
func (s *Supervisor) WatchdogTimeout() time.Duration {
	return s.watchdogTimeout
}

// HandleNcpFailure records an NCP failure and triggers recovery unless one is
// already running or the error rate indicates an error storm.
func (s *Supervisor) HandleNcpFailure(err error) bool {
	s.mu.Lock()
	s.stats.NcpFailures++
	s.stats.TotalErrors++
	s.errorCount++
	s.lastErrorTime = time.Now()
	storm := s.isErrorStormLocked()
	inProgress := s.recoveryInProgress
	s.mu.Unlock()

	log.Error().Err(err).Msg("NCP failure detected")

	if storm {
		log.Error().Msg("Error storm detected, too many failures in window")
		s.SetState(StateFailed, "error_storm")
		return false
	}
	if inProgress {
		log.Warn().Msg("Recovery already in progress, skipping")
		return false
	}
	return s.attemptRecovery("ncp_failure: " + err.Error())
}

// HandleWatchdogFailure records a watchdog timeout and triggers recovery.
func (s *Supervisor) HandleWatchdogFailure(err error) bool {
	s.mu.Lock()
	s.stats.WatchdogFailures++
	s.stats.TotalErrors++
	s.watchdogFailures++
	inProgress := s.recoveryInProgress
	s.mu.Unlock()

	log.Error().Err(err).Msg("Watchdog failure")

	if inProgress {
		return false
	}
	return s.attemptRecovery("watchdog_timeout")
}

func (s *Supervisor) isErrorStormLocked() bool {
	if time.Since(s.lastErrorTime) > s.errorWindow {
		s.errorCount = 1
		return false
	}
	return s.errorCount > s.maxErrorsPerWindow
}

// attemptRecovery backs off, probes the stack for health and, on success,
// resets counters and returns to Connected.
func (s *Supervisor) attemptRecovery(reason string) bool {
	s.mu.Lock()
	if s.recoveryInProgress {
		s.mu.Unlock()
		return false
	}
	s.recoveryAttempts++
	s.stats.RecoveriesAttempted++
	attempt := s.recoveryAttempts
	if attempt > s.maxRecoveryAttempts {
		s.recoveryInProgress = false
		s.mu.Unlock()
		log.Error().Int("max", s.maxRecoveryAttempts).Msg("Max recovery attempts exceeded")
		s.SetState(StateFailed, "max_recovery_attempts")
		return false
	}
	s.recoveryInProgress = true
	backoff := s.recoveryBackoff * (1 << (attempt - 1))
	probe := s.probe
	s.mu.Unlock()

	s.SetState(StateRecovering, reason)
	log.Info().
		Int("attempt", attempt).
		Int("max", s.maxRecoveryAttempts).
		Dur("backoff", backoff).
		Str("reason", reason).
		Msg("Attempting coordinator recovery")

	time.Sleep(backoff)

	healthy := false
	if probe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthy = probe(ctx) == nil
		cancel()
	}

	s.mu.Lock()
	s.recoveryInProgress = false
	if healthy {
		s.recoveryAttempts = 0
		s.errorCount = 0
		s.stats.RecoveriesSuccessful++
	}
	s.mu.Unlock()

	if healthy {
		log.Info().Msg("Recovery successful")
		s.SetState(StateConnected, "recovery_successful")
		return true
	}

	log.Warn().Msg("Recovery attempt failed, connection not restored")
	return false
}

// ResetRecoveryState clears error counters after a stretch of healthy operation.
func (s *Supervisor) ResetRecoveryState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryAttempts = 0
	s.errorCount = 0
}

// GetStats returns a snapshot of supervisor counters.
func (s *Supervisor) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.State = string(s.state)
	out.ErrorCount = s.errorCount
	out.RecoveryInProgress = s.recoveryInProgress
	out.LastWatchdogFeed = s.lastWatchdogFeed
	return out
}
