package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeviceCounters is a snapshot of one device's packet counters.
type DeviceCounters struct {
	RxPackets   uint64  `json:"rx_packets"`
	TxPackets   uint64  `json:"tx_packets"`
	Errors      uint64  `json:"errors"`
	RxPerMinute float64 `json:"rx_per_minute"`
	TxPerMinute float64 `json:"tx_per_minute"`
	LastSeen    int64   `json:"last_seen"`
}

type deviceEntry struct {
	rx, tx, errors uint64
	rxWindow       []time.Time
	txWindow       []time.Time
	lastSeen       time.Time
}

// PacketStats tracks per-device rx/tx/error counters with 1-minute rate windows.
// All increments happen on the radio receive path and on outbound command
// success or failure; reads serve the topology views.
type PacketStats struct {
	mu      sync.Mutex
	devices map[string]*deviceEntry

	rxTotal   prometheus.Counter
	txTotal   prometheus.Counter
	errsTotal prometheus.Counter
}

// New creates a PacketStats and registers its counters with reg. A nil
// registerer skips metric registration, which keeps tests independent.
func New(reg prometheus.Registerer) *PacketStats {
	s := &PacketStats{
		devices: make(map[string]*deviceEntry),
		rxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zigbridge_packets_rx_total",
			Help: "Total frames received from devices.",
		}),
		txTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zigbridge_packets_tx_total",
			Help: "Total commands sent to devices.",
		}),
		errsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zigbridge_packet_errors_total",
			Help: "Total send or receive errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.rxTotal, s.txTotal, s.errsTotal)
	}
	return s
}

func (s *PacketStats) entry(ieee string) *deviceEntry {
	e, ok := s.devices[ieee]
	if !ok {
		e = &deviceEntry{}
		s.devices[ieee] = e
	}
	return e
}

// RecordRx counts one received frame from the device.
func (s *PacketStats) RecordRx(ieee string) {
	now := time.Now()
	s.mu.Lock()
	e := s.entry(ieee)
	e.rx++
	e.lastSeen = now
	e.rxWindow = pruneWindow(append(e.rxWindow, now), now)
	s.mu.Unlock()
	s.rxTotal.Inc()
}

// RecordTx counts one command sent to the device.
func (s *PacketStats) RecordTx(ieee string) {
	now := time.Now()
	s.mu.Lock()
	e := s.entry(ieee)
	e.tx++
	e.txWindow = pruneWindow(append(e.txWindow, now), now)
	s.mu.Unlock()
	s.txTotal.Inc()
}

// RecordError counts one failed send or receive for the device.
func (s *PacketStats) RecordError(ieee string) {
	s.mu.Lock()
	s.entry(ieee).errors++
	s.mu.Unlock()
	s.errsTotal.Inc()
}

// Remove drops the counters for a departed device.
func (s *PacketStats) Remove(ieee string) {
	s.mu.Lock()
	delete(s.devices, ieee)
	s.mu.Unlock()
}

// Get returns a snapshot of one device's counters.
func (s *PacketStats) Get(ieee string) DeviceCounters {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[ieee]
	if !ok {
		return DeviceCounters{}
	}
	e.rxWindow = pruneWindow(e.rxWindow, now)
	e.txWindow = pruneWindow(e.txWindow, now)
	return DeviceCounters{
		RxPackets:   e.rx,
		TxPackets:   e.tx,
		Errors:      e.errors,
		RxPerMinute: float64(len(e.rxWindow)),
		TxPerMinute: float64(len(e.txWindow)),
		LastSeen:    e.lastSeen.UnixMilli(),
	}
}

// All returns a snapshot of every device's counters.
func (s *PacketStats) All() map[string]DeviceCounters {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DeviceCounters, len(s.devices))
	for ieee, e := range s.devices {
		e.rxWindow = pruneWindow(e.rxWindow, now)
		e.txWindow = pruneWindow(e.txWindow, now)
		out[ieee] = DeviceCounters{
			RxPackets:   e.rx,
			TxPackets:   e.tx,
			Errors:      e.errors,
			RxPerMinute: float64(len(e.rxWindow)),
			TxPerMinute: float64(len(e.txWindow)),
			LastSeen:    e.lastSeen.UnixMilli(),
		}
	}
	return out
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	return window[i:]
}
