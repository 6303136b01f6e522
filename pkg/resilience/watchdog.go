package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WatchdogMonitor samples the supervisor's watchdog age on an interval and
// warns as the age approaches the timeout. It never triggers recovery itself;
// that stays with the supervisor.
type WatchdogMonitor struct {
	sup      *Supervisor
	interval time.Duration

	warnCallback func(age, timeout time.Duration)

	stopChan chan struct{}
	stopOnce sync.Once
	running  bool
	mu       sync.Mutex
}

// NewWatchdogMonitor creates a monitor with the standard 30 s check interval.
func NewWatchdogMonitor(sup *Supervisor) *WatchdogMonitor {
	return &WatchdogMonitor{
		sup:      sup,
		interval: 30 * time.Second,
		stopChan: make(chan struct{}),
	}
}

// SetWarnCallback installs the callback invoked when the watchdog goes stale.
func (m *WatchdogMonitor) SetWarnCallback(cb func(age, timeout time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnCallback = cb
}

// Start launches the monitor loop.
func (m *WatchdogMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.loop()
	log.Info().Dur("interval", m.interval).Msg("Watchdog monitor started")
}

// Stop halts the monitor loop.
func (m *WatchdogMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *WatchdogMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			age := m.sup.WatchdogAge()
			timeout := m.sup.WatchdogTimeout()

			switch {
			case age > timeout:
				log.Warn().
					Dur("age", age).
					Dur("timeout", timeout).
					Msg("Watchdog stale")
				m.mu.Lock()
				cb := m.warnCallback
				m.mu.Unlock()
				if cb != nil {
					cb(age, timeout)
				}
			case age > timeout*3/4:
				log.Warn().Dur("age", age).Msg("Watchdog approaching timeout")
			}
		}
	}
}
