package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/device"
	"github.com/urmzd/zigbridge/pkg/device/schema"
	"github.com/urmzd/zigbridge/pkg/groups"
	"github.com/urmzd/zigbridge/pkg/handlers"
	"github.com/urmzd/zigbridge/pkg/mqtt"
	"github.com/urmzd/zigbridge/pkg/resilience"
)

// onDeviceUpdate is the sink for every filtered state delta: cache write,
// MQTT publish and automation evaluation.
func (g *Gateway) onDeviceUpdate(d *Device, changed map[string]any, endpointID uint8) {
	g.cache.Set(d.IEEE(), d.State())

	g.publishDeviceState(d)

	g.events.Emit("device_state", map[string]any{
		"ieee":    d.IEEE(),
		"changed": changed,
	})

	g.automation.Evaluate(d.IEEE(), changed)
}

// onDeviceEvent forwards structured device events to the control plane.
func (g *Gateway) onDeviceEvent(d *Device, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["ieee"] = d.IEEE()
	g.events.Emit(eventType, data)
}

// statePayload renders the retained state JSON: internal fields stripped,
// mandatory fields added.
func (g *Gateway) statePayload(d *Device) map[string]any {
	payload := make(map[string]any)
	for k, v := range d.State() {
		if device.IsInternalField(k) {
			continue
		}
		payload[k] = v
	}
	payload["available"] = d.Available()
	payload["linkquality"] = int(d.LQI())
	if _, ok := payload["last_seen"]; !ok {
		payload["last_seen"] = d.LastSeen()
	}
	return payload
}

func (g *Gateway) stateTopic(d *Device) string {
	return g.cfg.MQTT.BaseTopic + "/" + mqtt.SafeName(g.FriendlyName(d.IEEE()))
}

func (g *Gateway) publishDeviceState(d *Device) {
	qos := byte(0)
	if s := g.settings.Get(d.IEEE()); s != nil && s.QoS != nil {
		qos = *s.QoS
	}
	g.mqttSvc.PublishJSON(g.stateTopic(d), g.statePayload(d), qos, true)
}

// AnnounceDevice publishes a device's discovery configs and its retained
// initial state with available=false until it actually reports.
func (g *Gateway) AnnounceDevice(d *Device) {
	name := g.FriendlyName(d.IEEE())
	entities := make([]mqtt.DiscoveryEntity, 0)
	for _, dc := range d.DiscoveryConfigs() {
		entities = append(entities, mqtt.DiscoveryEntity{
			Component: dc.Component,
			ObjectID:  dc.ObjectID,
			Config:    dc.Config,
		})
	}
	g.mqttSvc.PublishDiscovery(mqtt.DiscoveryDevice{
		NodeID:       device.NodeID(d.IEEE()),
		Name:         name,
		Manufacturer: d.Manufacturer(),
		Model:        d.Model(),
	}, entities)

	payload := g.statePayload(d)
	if d.LastSeen() == 0 {
		payload["available"] = false
	}
	g.mqttSvc.PublishJSON(g.stateTopic(d), payload, 0, true)
}

// RemoveDeviceDiscovery clears a departed device's retained configs.
func (g *Gateway) RemoveDeviceDiscovery(d *Device) {
	entities := make([]mqtt.DiscoveryEntity, 0)
	for _, dc := range d.DiscoveryConfigs() {
		entities = append(entities, mqtt.DiscoveryEntity{Component: dc.Component, ObjectID: dc.ObjectID})
	}
	g.mqttSvc.RemoveDiscovery(device.NodeID(d.IEEE()), entities)
}

// AnnounceAllDevices re-publishes discovery and retained state for every
// device, paced to avoid flooding the broker.
func (g *Gateway) AnnounceAllDevices() {
	for _, d := range g.Devices() {
		g.AnnounceDevice(d)
		select {
		case <-time.After(mqtt.AnnouncePacing()):
		case <-g.stopChan:
			return
		}
	}
	for _, info := range g.groupMgr.List() {
		g.PublishGroupDiscovery(info)
	}
	log.Info().Msg("Device announcement pass complete")
}

// --- mqtt.CommandSink ---

func (g *Gateway) acceptsCommands() bool {
	g.acceptMu.RLock()
	defer g.acceptMu.RUnlock()
	return g.acceptingCommands
}

// HandleDeviceCommand routes an inbound {base}/<identifier>/set payload to a
// device: resolve, validate, dispatch with retry, optimistic echo included.
func (g *Gateway) HandleDeviceCommand(identifier string, payload map[string]any) {
	if !g.acceptsCommands() {
		log.Debug().Str("identifier", identifier).Msg("Command ignored during grace period")
		return
	}
	d, ok := g.Device(identifier)
	if !ok {
		log.Warn().Str("identifier", identifier).Msg("Command for unknown device")
		return
	}

	if caps := d.Capabilities(); caps != nil {
		if err := g.validator.Validate(schema.CommandSchema(caps.List()), payload); err != nil {
			log.Warn().Err(err).Str("ieee", d.IEEE()).Msg("Command payload failed validation")
			g.events.Emit("command_rejected", map[string]any{
				"ieee":  d.IEEE(),
				"error": err.Error(),
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for verb, value := range commandsFromPayload(payload) {
		err := resilience.Retry(ctx, g.supervisor, resilience.DefaultRetryConfig(), "mqtt_command",
			func(ctx context.Context) error {
				return d.SendCommand(ctx, verb, value.value, value.endpoint)
			})
		if err != nil {
			g.packets.RecordError(d.IEEE())
			log.Warn().Err(err).Str("ieee", d.IEEE()).Str("verb", verb).Msg("Command failed")
			continue
		}
		g.packets.RecordTx(d.IEEE())
	}
}

type commandValue struct {
	value    any
	endpoint uint8
}

// commandsFromPayload translates the JSON-schema shape (state | brightness |
// color_temp | color | position, with optional transition and object_id) and
// the legacy {command, value, endpoint} shape into handler verbs.
func commandsFromPayload(payload map[string]any) map[string]commandValue {
	out := make(map[string]commandValue)

	var endpoint uint8
	if ep, ok := payload["endpoint"].(float64); ok {
		endpoint = uint8(ep)
	}
	// HA multi-switch object ids carry the endpoint suffix: switch_2.
	if objectID, ok := payload["object_id"].(string); ok {
		if idx := strings.LastIndexByte(objectID, '_'); idx > 0 {
			var n int
			if _, err := fmt.Sscanf(objectID[idx+1:], "%d", &n); err == nil && n > 0 && n < 241 {
				endpoint = uint8(n)
			}
		}
	}

	// Legacy shape.
	if cmd, ok := payload["command"].(string); ok && cmd != "" {
		out[cmd] = commandValue{value: payload["value"], endpoint: endpoint}
		return out
	}

	transition, _ := payload["transition"].(float64)

	if rawState, ok := payload["state"]; ok {
		if s, ok := rawState.(string); ok {
			switch strings.ToUpper(s) {
			case "ON":
				out["on"] = commandValue{endpoint: endpoint}
			case "OFF":
				out["off"] = commandValue{value: transition, endpoint: endpoint}
			case "TOGGLE":
				out["toggle"] = commandValue{endpoint: endpoint}
			case "OPEN":
				out["open"] = commandValue{endpoint: endpoint}
			case "CLOSE":
				out["close"] = commandValue{endpoint: endpoint}
			case "STOP":
				out["stop"] = commandValue{endpoint: endpoint}
			}
		}
	}
	if v, ok := payload["brightness"]; ok {
		out["brightness"] = commandValue{value: v, endpoint: endpoint}
		delete(out, "on")
	}
	if v, ok := payload["color_temp"]; ok {
		out["color_temp"] = commandValue{value: v, endpoint: endpoint}
	}
	if v, ok := payload["color"].(map[string]any); ok {
		if _, hasX := v["x"]; hasX {
			out["color_xy"] = commandValue{value: v, endpoint: endpoint}
		} else {
			out["hue_sat"] = commandValue{value: v, endpoint: endpoint}
		}
	}
	if v, ok := payload["position"]; ok {
		out["position"] = commandValue{value: v, endpoint: endpoint}
	}
	if v, ok := payload["occupied_heating_setpoint"]; ok {
		out["occupied_heating_setpoint"] = commandValue{value: v, endpoint: endpoint}
	}
	if v, ok := payload["system_mode"]; ok {
		out["system_mode"] = commandValue{value: v, endpoint: endpoint}
	}
	if v, ok := payload["fan_mode"]; ok {
		out["fan_mode"] = commandValue{value: v, endpoint: endpoint}
	}
	return out
}

// HandleGroupCommand routes a {base}/group/<name>/set payload.
func (g *Gateway) HandleGroupCommand(name string, payload map[string]any) {
	if !g.acceptsCommands() {
		return
	}
	info, ok := g.groupMgr.ByName(name)
	if !ok {
		// Safe names replace reserved characters; try matching those too.
		for _, candidate := range g.groupMgr.List() {
			if mqtt.SafeName(candidate.Name) == name {
				info = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		log.Warn().Str("name", name).Msg("Command for unknown group")
		return
	}

	command := make(map[string]any)
	for verb, cv := range commandsFromPayload(payload) {
		command[verb] = cv.value
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := g.groupMgr.Control(ctx, info.ID, command); err != nil {
		log.Warn().Err(err).Str("group", info.Name).Msg("Group command failed")
	}
}

// HandleHABirth re-announces everything when Home Assistant restarts.
func (g *Gateway) HandleHABirth() {
	g.AnnounceAllDevices()
	for _, name := range g.zoneNamesForAnnounce() {
		g.PublishZoneDiscovery(name)
	}
}

func (g *Gateway) zoneNamesForAnnounce() []string {
	if g.zoneMgr == nil {
		return nil
	}
	var names []string
	for _, snapshot := range g.zoneMgr.List() {
		if name, ok := snapshot["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

// --- groups.DiscoveryPublisher ---

// PublishGroupDiscovery announces a group as a virtual light entity, or as a
// switch when its capability set has neither light nor level control.
func (g *Gateway) PublishGroupDiscovery(info *groups.Info) {
	nodeID := fmt.Sprintf("group_%d", info.ID)
	component := "light"
	hasLight := false
	for _, c := range info.Capabilities {
		if c == device.CapLight || c == device.CapLevelControl {
			hasLight = true
		}
	}
	if !hasLight {
		component = "switch"
	}
	g.mqttSvc.PublishDiscovery(mqtt.DiscoveryDevice{
		NodeID:       nodeID,
		Name:         "group " + info.Name,
		Manufacturer: "zigbridge",
		Model:        "group",
	}, []mqtt.DiscoveryEntity{{
		Component: component,
		ObjectID:  "group",
		Config: map[string]any{
			"schema":        "json",
			"brightness":    hasLight,
			"state_topic":   g.cfg.MQTT.BaseTopic + "/group/" + mqtt.SafeName(info.Name),
			"command_topic": g.cfg.MQTT.BaseTopic + "/group/" + mqtt.SafeName(info.Name) + "/set",
		},
	}})
}

// RemoveGroupDiscovery clears a group's retained config.
func (g *Gateway) RemoveGroupDiscovery(info *groups.Info) {
	nodeID := fmt.Sprintf("group_%d", info.ID)
	g.mqttSvc.RemoveDiscovery(nodeID, []mqtt.DiscoveryEntity{
		{Component: "light", ObjectID: "group"},
		{Component: "switch", ObjectID: "group"},
	})
}

// PublishGroupState publishes a group's retained state from a member's state.
func (g *Gateway) PublishGroupState(info *groups.Info, stateMap map[string]any) {
	payload := make(map[string]any)
	for k, v := range stateMap {
		if device.IsInternalField(k) {
			continue
		}
		payload[k] = v
	}
	topic := g.cfg.MQTT.BaseTopic + "/group/" + mqtt.SafeName(info.Name)
	g.mqttSvc.PublishJSON(topic, payload, 0, true)
}

// --- zones.StatePublisher ---

// PublishZoneState publishes the retained zone binary sensor state.
func (g *Gateway) PublishZoneState(zoneName string, occupied bool, snapshot map[string]any) {
	topic := g.cfg.MQTT.BaseTopic + "/zone/" + mqtt.SafeName(zoneName)
	payload := map[string]any{
		"occupancy": occupied,
		"state":     snapshot["state"],
	}
	g.mqttSvc.PublishJSON(topic, payload, 1, true)
}

// PublishZoneDiscovery announces the zone's occupancy binary sensor.
func (g *Gateway) PublishZoneDiscovery(zoneName string) {
	nodeID := "zone_" + mqtt.SafeName(zoneName)
	stateTopic := g.cfg.MQTT.BaseTopic + "/zone/" + mqtt.SafeName(zoneName)
	config := map[string]any{
		"name":           "zone " + zoneName + " occupancy",
		"unique_id":      nodeID + "_occupancy",
		"device_class":   "occupancy",
		"state_topic":    stateTopic,
		"value_template": "{{ value_json.occupancy }}",
		"payload_on":     true,
		"payload_off":    false,
		"device": map[string]any{
			"identifiers":  []string{nodeID},
			"name":         "zone " + zoneName,
			"model":        "presence zone",
			"manufacturer": "zigbridge",
			"via_device":   g.cfg.MQTT.BaseTopic,
		},
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return
	}
	topic := mqtt.DiscoveryTopic("binary_sensor", nodeID, "occupancy")
	if err := g.mqttSvc.PublishSync(topic, payload, 1, true); err != nil {
		log.Warn().Err(err).Str("zone", zoneName).Msg("Zone discovery publish failed")
	}
}

// RemoveZoneDiscovery clears the zone's retained config.
func (g *Gateway) RemoveZoneDiscovery(zoneName string) {
	nodeID := "zone_" + mqtt.SafeName(zoneName)
	topic := mqtt.DiscoveryTopic("binary_sensor", nodeID, "occupancy")
	_ = g.mqttSvc.PublishSync(topic, nil, 1, true)
}

var _ handlers.Device = (*device.Device)(nil)
