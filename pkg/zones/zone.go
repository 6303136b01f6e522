package zones

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is a zone's occupancy state.
type State string

const (
	StateCalibrating State = "calibrating"
	StateVacant      State = "vacant"
	StateOccupied    State = "occupied"
)

// Config is one zone's tuning, persisted in zones.yaml.
type Config struct {
	Name              string   `yaml:"name" json:"name"`
	Devices           []string `yaml:"devices" json:"devices"`
	DeviationSigma    float64  `yaml:"deviation_sigma" json:"deviation_sigma"`
	VarianceThreshold float64  `yaml:"variance_threshold" json:"variance_threshold"`
	MinLinksTriggered float64  `yaml:"min_links_triggered" json:"min_links_triggered"`
	CalibrationTime   float64  `yaml:"calibration_time" json:"calibration_time"`
	ClearDelay        float64  `yaml:"clear_delay" json:"clear_delay"`
	RoomVolumeM3      float64  `yaml:"room_volume_m3,omitempty" json:"room_volume_m3,omitempty"`
}

// applyDefaults fills unset tuning values.
func (c *Config) applyDefaults() {
	if c.DeviationSigma <= 0 {
		c.DeviationSigma = 2.0
	}
	if c.VarianceThreshold <= 0 {
		c.VarianceThreshold = 3.0
	}
	if c.MinLinksTriggered <= 0 {
		c.MinLinksTriggered = 2.0
	}
	if c.CalibrationTime <= 0 {
		c.CalibrationTime = 120
	}
	if c.ClearDelay <= 0 {
		c.ClearDelay = 15
	}
}

// RoleLookup resolves a device's role (Coordinator | Router | EndDevice) for
// link weighting; the gateway provides it.
type RoleLookup func(ieee string) string

// Zone is a named set of co-located devices with per-link statistics and a
// deviation-based occupancy state machine.
type Zone struct {
	mu sync.Mutex

	cfg     Config
	devices map[string]struct{}
	links   map[string]*LinkStats

	state            State
	stateChangedAt   time.Time
	calibrationStart time.Time
	lastTriggered    time.Time
	lastProgressPct  float64

	roleOf RoleLookup
}

// NewZone creates a zone in the Calibrating state.
func NewZone(cfg Config, roleOf RoleLookup) *Zone {
	cfg.applyDefaults()
	z := &Zone{
		cfg:     cfg,
		devices: make(map[string]struct{}),
		links:   make(map[string]*LinkStats),
		state:   StateCalibrating,
		roleOf:  roleOf,
	}
	for _, ieee := range cfg.Devices {
		z.devices[ieee] = struct{}{}
	}
	z.stateChangedAt = time.Now()
	return z
}

// Name returns the zone name.
func (z *Zone) Name() string { return z.cfg.Name }

// Config returns a copy of the zone configuration.
func (z *Zone) Config() Config {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.cfg
}

// State returns the current occupancy state.
func (z *Zone) State() State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// Contains reports zone membership.
func (z *Zone) Contains(ieee string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.devices[ieee]
	return ok
}

// DeviceIEEEs returns the member addresses.
func (z *Zone) DeviceIEEEs() []string {
	z.mu.Lock()
	defer z.mu.Unlock()
	out := make([]string, 0, len(z.devices))
	for ieee := range z.devices {
		out = append(out, ieee)
	}
	return out
}

func linkKey(source, target string) string {
	return source + ">" + target
}

// RecordSample feeds one RSSI/LQI observation for an intra-zone link. Both
// endpoints must be members (the coordinator is always an implicit member).
func (z *Zone) RecordSample(source, target string, rssi, lqi int, coordinator string) {
	z.mu.Lock()
	defer z.mu.Unlock()

	_, srcIn := z.devices[source]
	_, dstIn := z.devices[target]
	if source == coordinator {
		srcIn = true
	}
	if target == coordinator {
		dstIn = true
	}
	if !srcIn || !dstIn {
		return
	}

	key := linkKey(source, target)
	link, ok := z.links[key]
	if !ok {
		link = NewLinkStats(source, target)
		z.links[key] = link
		if z.state == StateCalibrating && z.calibrationStart.IsZero() {
			z.calibrationStart = time.Now()
			log.Info().Str("zone", z.cfg.Name).Msg("Zone calibration timer started")
		}
	}
	link.AddSample(rssi, lqi, time.Now())
}

// CalibrationProgress returns progress in [0, 1] plus whether a progress event
// should be emitted (>= 5 % advance since the last one).
func (z *Zone) CalibrationProgress(now time.Time) (float64, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.state != StateCalibrating || z.calibrationStart.IsZero() {
		return 0, false
	}
	progress := now.Sub(z.calibrationStart).Seconds() / z.cfg.CalibrationTime
	if progress > 1 {
		progress = 1
	}
	if progress-z.lastProgressPct >= 0.05 {
		z.lastProgressPct = progress
		return progress, true
	}
	return progress, false
}

// CheckCalibration completes calibration once the timer elapses: each link
// with enough samples computes its baseline; one ready link moves the zone to
// Vacant.
func (z *Zone) CheckCalibration(now time.Time) bool {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state != StateCalibrating || z.calibrationStart.IsZero() {
		return false
	}
	if now.Sub(z.calibrationStart).Seconds() < z.cfg.CalibrationTime {
		return false
	}

	ready := 0
	for _, link := range z.links {
		if link.ComputeBaseline() {
			ready++
		}
	}
	if ready == 0 {
		// Not enough traffic yet; keep calibrating.
		z.calibrationStart = now
		z.lastProgressPct = 0
		log.Warn().Str("zone", z.cfg.Name).Msg("Calibration restarted, no link reached 30 samples")
		return false
	}

	z.state = StateVacant
	z.stateChangedAt = now
	log.Info().
		Str("zone", z.cfg.Name).
		Int("links_calibrated", ready).
		Msg("Zone calibration complete")
	return true
}

// adaptiveThreshold scales the configured sigma by room volume when provided.
func (z *Zone) adaptiveThreshold() float64 {
	threshold := z.cfg.DeviationSigma
	if z.cfg.RoomVolumeM3 > 0 {
		threshold *= z.cfg.RoomVolumeM3 / 20.0
	}
	return threshold
}

// linkWeight grades a link by the radio roles at both ends: router-router
// links see the most air traffic and carry the most signal.
func (z *Zone) linkWeight(link *LinkStats) float64 {
	srcRouter := z.isRouter(link.Source)
	dstRouter := z.isRouter(link.Target)
	switch {
	case srcRouter && dstRouter:
		return 2.0
	case srcRouter || dstRouter:
		return 1.5
	default:
		return 1.0
	}
}

func (z *Zone) isRouter(ieee string) bool {
	if z.roleOf == nil {
		return false
	}
	role := z.roleOf(ieee)
	return role == "Router" || role == "Coordinator"
}

// Evaluate runs one occupancy evaluation tick and returns the new state plus
// whether an edge occurred.
func (z *Zone) Evaluate(now time.Time) (State, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.state == StateCalibrating {
		return z.state, false
	}

	threshold := z.adaptiveThreshold()
	weighted := 0.0
	for _, link := range z.links {
		deviation, ok := link.Deviation()
		if !ok {
			continue
		}
		if deviation > threshold {
			weighted += z.linkWeight(link)
			link.lastTriggered = now
		}
	}

	triggered := weighted >= z.cfg.MinLinksTriggered
	if triggered {
		z.lastTriggered = now
	}

	switch z.state {
	case StateVacant:
		if triggered {
			z.state = StateOccupied
			z.stateChangedAt = now
			log.Info().
				Str("zone", z.cfg.Name).
				Float64("weighted_triggers", math.Round(weighted*10)/10).
				Msg("Zone occupied")
			return z.state, true
		}
	case StateOccupied:
		if !triggered && now.Sub(z.lastTriggered).Seconds() >= z.cfg.ClearDelay {
			z.state = StateVacant
			z.stateChangedAt = now
			log.Info().Str("zone", z.cfg.Name).Msg("Zone vacant")
			return z.state, true
		}
	}
	return z.state, false
}

// Recalibrate drops all baselines and returns the zone to Calibrating.
func (z *Zone) Recalibrate() {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, link := range z.links {
		link.Reset()
	}
	z.state = StateCalibrating
	z.calibrationStart = time.Time{}
	z.lastProgressPct = 0
	z.stateChangedAt = time.Now()
	log.Info().Str("zone", z.cfg.Name).Msg("Zone recalibration requested")
}

// Snapshot renders the zone for the API and zone_update events.
func (z *Zone) Snapshot() map[string]any {
	z.mu.Lock()
	defer z.mu.Unlock()

	links := make([]map[string]any, 0, len(z.links))
	for _, link := range z.links {
		entry := map[string]any{
			"source":        link.Source,
			"target":        link.Target,
			"samples":       link.SampleCount(),
			"smoothed_rssi": math.Round(link.SmoothedRSSI()*10) / 10,
			"calibrated":    link.Calibrated,
		}
		if link.Calibrated {
			entry["baseline_mean"] = math.Round(link.BaselineMean*10) / 10
			entry["baseline_std"] = math.Round(link.BaselineStd*100) / 100
			if deviation, ok := link.Deviation(); ok {
				entry["deviation_sigma"] = math.Round(deviation*100) / 100
			}
		}
		links = append(links, entry)
	}

	return map[string]any{
		"name":             z.cfg.Name,
		"state":            string(z.state),
		"devices":          z.cfg.Devices,
		"links":            links,
		"state_changed_at": z.stateChangedAt.UnixMilli(),
	}
}
