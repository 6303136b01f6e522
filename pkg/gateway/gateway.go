package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/urmzd/zigbridge/pkg/automation"
	"github.com/urmzd/zigbridge/pkg/config"
	"github.com/urmzd/zigbridge/pkg/db"
	"github.com/urmzd/zigbridge/pkg/device"
	"github.com/urmzd/zigbridge/pkg/device/schema"
	"github.com/urmzd/zigbridge/pkg/groups"
	"github.com/urmzd/zigbridge/pkg/handlers"
	"github.com/urmzd/zigbridge/pkg/mqtt"
	"github.com/urmzd/zigbridge/pkg/resilience"
	"github.com/urmzd/zigbridge/pkg/state"
	"github.com/urmzd/zigbridge/pkg/stats"
	"github.com/urmzd/zigbridge/pkg/zigbee"
	"github.com/urmzd/zigbridge/pkg/zones"
)

const (
	// stackStartAttempts bounds the radio start retry loop.
	stackStartAttempts   = 12
	stackStartRetryDelay = 2 * time.Second

	// commandGracePeriod holds inbound commands after startup so HA settles.
	commandGracePeriod = 20 * time.Second

	// zoneStartDelay gives the mesh a moment before zones start sampling.
	zoneStartDelay = 2 * time.Second
)

// Gateway wires the radio, the device table, the MQTT surface and the
// subsystem managers; it owns startup, shutdown and the join lifecycle.
type Gateway struct {
	cfg *config.Config

	radio      zigbee.Radio
	supervisor *resilience.Supervisor
	watchdog   *resilience.WatchdogMonitor
	packets    *stats.PacketStats

	mu       sync.RWMutex
	devices  map[string]*device.Device
	nwkIndex map[uint16]string

	resolver  *device.Resolver
	banList   *device.BanList
	overrides *device.OverrideStore
	settings  *device.SettingsStore
	cache     *state.Cache
	validator *schema.Validator

	mqttSvc    *mqtt.Service
	groupMgr   *groups.Manager
	automation *automation.Engine
	zoneMgr    *zones.Manager
	store      *db.DB

	events *eventBus
	poller *poller

	acceptingCommands bool
	acceptMu          sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the gateway and its subsystems; Start brings the network up.
func New(cfg *config.Config, reg prometheus.Registerer) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		devices:  make(map[string]*device.Device),
		nwkIndex: make(map[uint16]string),
		resolver: device.NewResolver(),
		events:   &eventBus{},
		stopChan: make(chan struct{}),
	}

	g.packets = stats.New(reg)
	g.banList = device.NewBanList(cfg.DataPath("banned_devices.json"))
	g.overrides = device.NewOverrideStore(cfg.DataPath("device_overrides.json"))
	g.settings = device.NewSettingsStore(
		cfg.DataPath("names.json"),
		cfg.DataPath("device_settings.json"),
		cfg.DataPath("polling_config.json"),
	)
	g.cache = state.NewCache(cfg.DataPath("device_state_cache.json"))
	g.validator = schema.NewValidator()

	handlers.SetOverrideLookup(g.overrides.Lookup)

	store, err := db.Open(cfg.DataPath("zigbridge.db"))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	g.store = store

	mqttSvc, err := mqtt.NewService(mqtt.Config{
		Broker:    cfg.MQTT.Broker,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		BaseTopic: cfg.MQTT.BaseTopic,
		QueueSize: cfg.MQTT.QueueSize,
	}, g, reg)
	if err != nil {
		return nil, err
	}
	g.mqttSvc = mqttSvc

	g.groupMgr = groups.NewManager(cfg.DataPath("groups/groups.json"), g.lookupDevice, g)
	g.automation = automation.NewEngine(
		cfg.DataPath("automations.json"), g, g, g.events.Emit, device.NormalizeIEEE)
	g.poller = newPoller(g)

	return g, nil
}

// Events exposes the control-plane event bus.
func (g *Gateway) Events() *eventBus { return g.events }

// Supervisor exposes the resilience supervisor for the API.
func (g *Gateway) Supervisor() *resilience.Supervisor { return g.supervisor }

// Packets exposes the packet statistics for topology views.
func (g *Gateway) Packets() *stats.PacketStats { return g.packets }

// Zones exposes the zone manager.
func (g *Gateway) Zones() *zones.Manager { return g.zoneMgr }

// Groups exposes the group manager.
func (g *Gateway) Groups() *groups.Manager { return g.groupMgr }

// Automation exposes the automation engine.
func (g *Gateway) Automation() *automation.Engine { return g.automation }

// BanList exposes the ban list.
func (g *Gateway) BanList() *device.BanList { return g.banList }

// Settings exposes the settings store.
func (g *Gateway) Settings() *device.SettingsStore { return g.settings }

// Store exposes the event store.
func (g *Gateway) Store() *db.DB { return g.store }

// Queue exposes the MQTT publish queue stats.
func (g *Gateway) QueueStats() mqtt.QueueStats { return g.mqttSvc.Queue().Stats() }

// Start runs the strictly ordered startup sequence.
func (g *Gateway) Start(ctx context.Context) error {
	// 1. Radio family: configured override or probe.
	family := zigbee.Family(g.cfg.Serial.Family)
	if family == "" {
		family = zigbee.Probe(g.cfg.Serial.Port, g.cfg.Serial.BaudRate)
	}
	if family == zigbee.FamilyNoRadio {
		return fmt.Errorf("no radio detected on %s", g.cfg.Serial.Port)
	}
	log.Info().Str("family", string(family)).Str("port", g.cfg.Serial.Port).Msg("Radio family selected")

	// 2. Build the network configuration, scaling NCP tuning by device count.
	knownDevices, err := g.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list persisted devices: %w", err)
	}
	netCfg := zigbee.NetworkConfig{
		Channel: g.cfg.Network.Channel,
		PanID:   g.cfg.Network.PanID,
		Profile: zigbee.TuningForDeviceCount(len(knownDevices)),
	}
	if netCfg.PanID == 0 {
		netCfg.PanID = 0x1A62
	}
	copy(netCfg.NetworkKey[:], networkKeyBytes(g.cfg.Network.NetworkKey))

	// 3. Start the stack with bounded retries.
	var radio zigbee.Radio
	for attempt := 1; attempt <= stackStartAttempts; attempt++ {
		radio, err = zigbee.Open(family, g.cfg.Serial.Port, g.cfg.Serial.BaudRate)
		if err == nil {
			radio.AddListener(g)
			if err = radio.Start(ctx, netCfg); err == nil {
				break
			}
			_ = radio.Shutdown()
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max", stackStartAttempts).
			Msg("Stack start failed, retrying")
		select {
		case <-time.After(stackStartRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("stack failed to start after %d attempts: %w", stackStartAttempts, err)
	}
	g.radio = radio

	// 4. Wrap with the resilience supervisor and watchdog.
	g.supervisor = resilience.NewSupervisor(func(ctx context.Context) error {
		_, probeErr := radio.NetworkState(ctx)
		return probeErr
	})
	g.supervisor.SetStateListener(func(old, new resilience.ConnectionState, reason string) {
		g.events.Emit("coordinator_state", map[string]any{
			"state":          string(new),
			"previous_state": string(old),
			"reason":         reason,
		})
	})
	g.supervisor.SetState(resilience.StateConnected, "startup")
	g.watchdog = resilience.NewWatchdogMonitor(g.supervisor)
	g.watchdog.SetWarnCallback(func(age, timeout time.Duration) {
		g.events.Emit("watchdog_warning", map[string]any{
			"age_seconds":     age.Seconds(),
			"timeout_seconds": timeout.Seconds(),
		})
	})
	g.watchdog.Start()

	// ASH ERROR frames mean the NCP reset underneath us; treat as NCP failure.
	if ez, ok := radio.(*zigbee.EZSPRadio); ok {
		ez.SetNcpErrorCallback(func(code byte) {
			go g.supervisor.HandleNcpFailure(resilience.NcpFailure(fmt.Sprintf("ASH_ERROR_0x%02X", code)))
		})
	}

	// 5. Zones: the message tap needs the manager in place before frames flow.
	g.zoneMgr = zones.NewManager(
		g.cfg.DataPath("zones.yaml"), radio.CoordinatorIEEE(), radio, g, g, g.events.Emit)
	handlers.SetLinkQualitySink(g.zoneMgr, radio.CoordinatorIEEE())

	// 6. Restore devices from the persistent registry.
	for _, rec := range knownDevices {
		g.restoreDevice(rec)
	}
	log.Info().Int("devices", len(knownDevices)).Msg("Devices restored")

	// 7. Connect MQTT.
	if err := g.mqttSvc.Connect(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// 8. Polling scheduler with saved intervals.
	g.poller.start()

	// 9. Announce everything asynchronously.
	log.Info().Msg("Core started")
	g.events.Emit("core_started", nil)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.AnnounceAllDevices()
	}()

	// 10. Command grace period, then accept commands.
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-time.After(commandGracePeriod):
			g.acceptMu.Lock()
			g.acceptingCommands = true
			g.acceptMu.Unlock()
			log.Info().Msg("Accepting commands")
		case <-g.stopChan:
		}
	}()

	// 11. Zones after a short stability delay.
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-time.After(zoneStartDelay):
			g.zoneMgr.Start()
		case <-g.stopChan:
		}
	}()

	return nil
}

// Stop is the reverse of Start.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })

	g.poller.stop()
	if g.zoneMgr != nil {
		g.zoneMgr.Stop()
	}
	if g.watchdog != nil {
		g.watchdog.Stop()
	}
	g.wg.Wait()

	g.cache.Close()
	g.mqttSvc.Close()
	if g.radio != nil {
		if err := g.radio.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Radio shutdown failed")
		}
	}
	if err := g.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Event store close failed")
	}
	log.Info().Msg("Gateway stopped")
}

func networkKeyBytes(hexKey string) []byte {
	if raw, err := hex.DecodeString(hexKey); err == nil && len(raw) == 16 {
		return raw
	}
	// No configured key: generate one for commissioning.
	key := make([]byte, 16)
	_, _ = rand.Read(key)
	return key
}

// --- device table ---

func (g *Gateway) lookupDevice(ieee string) (*device.Device, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.devices[device.NormalizeIEEE(ieee)]
	return d, ok
}

// Device resolves any identifier to a live device.
func (g *Gateway) Device(identifier string) (*device.Device, bool) {
	ieee, ok := g.resolver.Resolve(identifier)
	if !ok {
		return nil, false
	}
	return g.lookupDevice(ieee)
}

// Devices returns all live devices.
func (g *Gateway) Devices() []*device.Device {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*device.Device, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	return out
}

// NWKOf implements zones.DeviceDirectory.
func (g *Gateway) NWKOf(ieee string) (uint16, bool) {
	d, ok := g.lookupDevice(ieee)
	if !ok {
		return 0, false
	}
	return d.NWK(), true
}

// RoleOf implements zones.DeviceDirectory.
func (g *Gateway) RoleOf(ieee string) string {
	if g.radio != nil && device.NormalizeIEEE(ieee) == g.radio.CoordinatorIEEE() {
		return "Coordinator"
	}
	d, ok := g.lookupDevice(ieee)
	if !ok {
		return ""
	}
	return d.Role()
}

// DeviceState implements automation.DeviceStates.
func (g *Gateway) DeviceState(ieee string) (map[string]any, bool) {
	d, ok := g.lookupDevice(ieee)
	if !ok {
		return nil, false
	}
	return d.State(), true
}

// DispatchCommand implements automation.CommandDispatcher: automation actions
// re-enter the normal device command path.
func (g *Gateway) DispatchCommand(ctx context.Context, ieee string, command string, value any, endpointID uint8) error {
	d, ok := g.lookupDevice(ieee)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotFound, ieee)
	}
	err := resilience.Retry(ctx, g.supervisor, resilience.DefaultRetryConfig(), "automation_command",
		func(ctx context.Context) error {
			return d.SendCommand(ctx, command, value, endpointID)
		})
	if err == nil {
		g.packets.RecordTx(d.IEEE())
	} else {
		g.packets.RecordError(d.IEEE())
	}
	return err
}

// restoreDevice rebuilds a wrapper from the persistent registry: handlers and
// capabilities rebuilt, cached state restored, transient sensor fields purged.
func (g *Gateway) restoreDevice(rec db.DeviceRecord) {
	d := device.New(rec.IEEE, rec.NWK, g.radio)
	d.SetIdentity(rec.Manufacturer, rec.Model, rec.Role, rec.PowerSource)

	var endpoints map[uint8]*device.EndpointInfo
	if err := json.Unmarshal(rec.Endpoints, &endpoints); err == nil && len(endpoints) > 0 {
		d.SetEndpoints(endpoints)
	}
	d.SetCallbacks(g.onDeviceUpdate, g.onDeviceEvent)
	d.RebuildHandlers()

	if settings := g.settings.Get(rec.IEEE); settings != nil {
		for field, ep := range settings.PreferredEndpoints {
			d.SetPreferredEndpoint(field, ep)
		}
	}

	if cached := g.cache.Restore(rec.IEEE); cached != nil {
		d.RestoreState(cached)
		// Capability-rejected fields found in the restored cache are purged
		// with an immediate write-back.
		if caps := d.Capabilities(); caps != nil {
			for field := range cached {
				if !caps.Allows(field) {
					g.cache.PurgeField(rec.IEEE, field)
				}
			}
		}
	}

	g.mu.Lock()
	g.devices[d.IEEE()] = d
	g.nwkIndex[rec.NWK] = d.IEEE()
	g.mu.Unlock()

	g.resolver.AddDevice(d.IEEE())
	if name := g.settings.Name(d.IEEE()); name != "" {
		g.resolver.SetName(d.IEEE(), name)
	}
}

// FriendlyName returns the device's display name: the configured name or the
// IEEE itself.
func (g *Gateway) FriendlyName(ieee string) string {
	if name := g.settings.Name(ieee); name != "" {
		return name
	}
	return ieee
}

// RenameDevice binds a friendly name, updates the resolver and re-announces
// under the new state topic.
func (g *Gateway) RenameDevice(ieee, name string) error {
	d, ok := g.lookupDevice(ieee)
	if !ok {
		return device.ErrNotFound
	}
	if err := g.settings.SetName(d.IEEE(), name); err != nil {
		return err
	}
	g.resolver.SetName(d.IEEE(), name)
	g.AnnounceDevice(d)
	return nil
}
