package zones

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/zigbee"
)

const (
	collectionInterval   = 2 * time.Second
	evaluationInterval   = 2 * time.Second
	neighborScanInterval = 30 * time.Second
	neighborScanTimeout  = 5 * time.Second
	liveUpdateInterval   = 5 * time.Second
)

// NeighborSource reads a router's neighbor table; the radio provides it.
type NeighborSource interface {
	ZDORequest(ctx context.Context, nwk uint16, cluster uint16, payload []byte) ([]byte, error)
}

// DeviceDirectory resolves zone members to radio facts.
type DeviceDirectory interface {
	NWKOf(ieee string) (uint16, bool)
	RoleOf(ieee string) string
}

// StatePublisher publishes zone state to MQTT; the gateway wires the service.
type StatePublisher interface {
	PublishZoneState(zoneName string, occupied bool, snapshot map[string]any)
	PublishZoneDiscovery(zoneName string)
	RemoveZoneDiscovery(zoneName string)
}

// EventEmitter feeds zone events to the websocket surface.
type EventEmitter func(eventType string, data map[string]any)

// Manager owns all zones: passive sample collection from the radio tap, the
// periodic neighbor scan, the evaluation loop, and persistence to zones.yaml.
type Manager struct {
	mu    sync.RWMutex
	zones map[string]*Zone
	// deviceIndex maps member IEEE -> zone names, for O(1) tap dispatch.
	deviceIndex map[string][]string

	path        string
	coordinator string

	radio     NeighborSource
	directory DeviceDirectory
	publisher StatePublisher
	emit      EventEmitter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  bool

	lastLiveUpdate time.Time
}

// NewManager creates the manager and loads zones.yaml.
func NewManager(path, coordinatorIEEE string, radio NeighborSource, directory DeviceDirectory, publisher StatePublisher, emit EventEmitter) *Manager {
	m := &Manager{
		zones:       make(map[string]*Zone),
		deviceIndex: make(map[string][]string),
		path:        path,
		coordinator: coordinatorIEEE,
		radio:       radio,
		directory:   directory,
		publisher:   publisher,
		emit:        emit,
		stopChan:    make(chan struct{}),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.path).Msg("Failed to read zones.yaml")
		}
		return
	}
	var configs []Config
	if err := yaml.Unmarshal(data, &configs); err != nil {
		log.Warn().Err(err).Msg("Failed to parse zones.yaml")
		return
	}
	for _, cfg := range configs {
		zone := NewZone(cfg, m.roleOf)
		m.zones[cfg.Name] = zone
		for _, ieee := range cfg.Devices {
			m.deviceIndex[ieee] = append(m.deviceIndex[ieee], cfg.Name)
		}
	}
	log.Info().Int("zones", len(m.zones)).Msg("Zones loaded")
}

// Save persists all zone configs to zones.yaml.
func (m *Manager) Save() error {
	m.mu.RLock()
	configs := make([]Config, 0, len(m.zones))
	for _, zone := range m.zones {
		configs = append(configs, zone.Config())
	}
	m.mu.RUnlock()

	data, err := yaml.Marshal(configs)
	if err != nil {
		return fmt.Errorf("marshal zones: %w", err)
	}
	return os.WriteFile(m.path, data, 0o644)
}

func (m *Manager) roleOf(ieee string) string {
	if m.directory == nil {
		return ""
	}
	return m.directory.RoleOf(ieee)
}

// CreateZone adds a zone, persists, and publishes its discovery entity.
func (m *Manager) CreateZone(cfg Config) (*Zone, error) {
	m.mu.Lock()
	if _, exists := m.zones[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("zone %q already exists", cfg.Name)
	}
	zone := NewZone(cfg, m.roleOf)
	m.zones[cfg.Name] = zone
	for _, ieee := range cfg.Devices {
		m.deviceIndex[ieee] = append(m.deviceIndex[ieee], cfg.Name)
	}
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist zones after create")
	}
	if m.publisher != nil {
		m.publisher.PublishZoneDiscovery(cfg.Name)
	}
	log.Info().Str("zone", cfg.Name).Int("devices", len(cfg.Devices)).Msg("Zone created")
	return zone, nil
}

// RemoveZone deletes a zone, its device index entries and its discovery.
func (m *Manager) RemoveZone(name string) bool {
	m.mu.Lock()
	zone, ok := m.zones[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.zones, name)
	for _, ieee := range zone.DeviceIEEEs() {
		names := m.deviceIndex[ieee]
		filtered := names[:0]
		for _, n := range names {
			if n != name {
				filtered = append(filtered, n)
			}
		}
		if len(filtered) == 0 {
			delete(m.deviceIndex, ieee)
		} else {
			m.deviceIndex[ieee] = filtered
		}
	}
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist zones after remove")
	}
	if m.publisher != nil {
		m.publisher.RemoveZoneDiscovery(name)
	}
	log.Info().Str("zone", name).Msg("Zone removed")
	return true
}

// Zone returns a zone by name.
func (m *Manager) Zone(name string) (*Zone, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[name]
	return z, ok
}

// List renders all zones for the API.
func (m *Manager) List() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.zones))
	for _, zone := range m.zones {
		out = append(out, zone.Snapshot())
	}
	return out
}

// ZoneNamesFor returns the zones a device belongs to.
func (m *Manager) ZoneNamesFor(ieee string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.deviceIndex[ieee]...)
}

// RecordLinkQuality is the passive sample path: every inbound frame on the
// radio tap and every diagnostics report lands here. Implements the handlers
// package's LinkQualitySink.
func (m *Manager) RecordLinkQuality(sourceIEEE, targetIEEE string, rssi, lqi int) {
	if rssi == 0 && lqi > 0 {
		rssi = LQIToRSSI(lqi)
	} else if lqi == 0 && rssi != 0 {
		lqi = RSSIToLQI(rssi)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, zoneName := range append(m.deviceIndex[sourceIEEE], m.deviceIndex[targetIEEE]...) {
		if _, dup := seen[zoneName]; dup {
			continue
		}
		seen[zoneName] = struct{}{}
		if zone, ok := m.zones[zoneName]; ok {
			zone.RecordSample(sourceIEEE, targetIEEE, rssi, lqi, m.coordinator)
		}
	}
}

// Start launches the evaluation and neighbor-scan loops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.evaluationLoop()
	go m.neighborScanLoop()

	if m.publisher != nil {
		for _, name := range m.zoneNames() {
			m.publisher.PublishZoneDiscovery(name)
		}
	}
	log.Info().Msg("Zone manager started")
}

// Stop halts the loops and persists the configuration.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	if err := m.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist zones on stop")
	}
	log.Info().Msg("Zone manager stopped")
}

func (m *Manager) zoneNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.zones))
	for name := range m.zones {
		out = append(out, name)
	}
	return out
}

func (m *Manager) evaluationLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(evaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			m.evaluateAll(now)
		}
	}
}

func (m *Manager) evaluateAll(now time.Time) {
	m.mu.RLock()
	zones := make([]*Zone, 0, len(m.zones))
	for _, z := range m.zones {
		zones = append(zones, z)
	}
	m.mu.RUnlock()

	live := now.Sub(m.lastLiveUpdate) >= liveUpdateInterval
	if live {
		m.lastLiveUpdate = now
	}

	for _, zone := range zones {
		if zone.State() == StateCalibrating {
			if progress, emit := zone.CalibrationProgress(now); emit && m.emit != nil {
				m.emit("zone_calibration", map[string]any{
					"zone":     zone.Name(),
					"progress": progress,
				})
			}
			if zone.CheckCalibration(now) {
				if m.emit != nil {
					m.emit("zone_calibration", map[string]any{
						"zone":     zone.Name(),
						"progress": 1.0,
						"complete": true,
					})
				}
				m.publishState(zone)
			}
			continue
		}

		state, edged := zone.Evaluate(now)
		if edged {
			m.publishState(zone)
			if m.emit != nil {
				m.emit("zone_state", map[string]any{
					"zone":  zone.Name(),
					"state": string(state),
				})
			}
		} else if live && m.emit != nil {
			m.emit("zone_update", zone.Snapshot())
		}
	}
}

func (m *Manager) publishState(zone *Zone) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishZoneState(zone.Name(), zone.State() == StateOccupied, zone.Snapshot())
}

// neighborScanLoop actively pulls router neighbor tables every 30 s so zones
// keep receiving samples even on a quiet mesh.
func (m *Manager) neighborScanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(neighborScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.scanNeighbors()
		}
	}
}

func (m *Manager) scanNeighbors() {
	if m.radio == nil || m.directory == nil {
		return
	}

	routers := map[string]uint16{}
	m.mu.RLock()
	for ieee := range m.deviceIndex {
		if m.directory.RoleOf(ieee) != "Router" {
			continue
		}
		if nwk, ok := m.directory.NWKOf(ieee); ok {
			routers[ieee] = nwk
		}
	}
	m.mu.RUnlock()

	for ieee, nwk := range routers {
		ctx, cancel := context.WithTimeout(context.Background(), neighborScanTimeout)
		neighbors, err := zigbee.Neighbors(ctx, m.radio, nwk)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("ieee", ieee).Msg("Neighbor scan failed")
			continue
		}
		for _, n := range neighbors {
			m.RecordLinkQuality(ieee, n.IEEE, LQIToRSSI(int(n.LQI)), int(n.LQI))
		}
	}
}

// SnapshotJSON renders all zones as JSON for debugging endpoints.
func (m *Manager) SnapshotJSON() ([]byte, error) {
	return json.Marshal(m.List())
}
