package device

import (
	"strings"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Capability names over the fixed enumeration.
const (
	CapOnOff             = "on_off"
	CapLight             = "light"
	CapSwitch            = "switch"
	CapCover             = "cover"
	CapLevelControl      = "level_control"
	CapColorControl      = "color_control"
	CapThermostat        = "thermostat"
	CapHVAC              = "hvac"
	CapFanControl        = "fan_control"
	CapOccupancySensing  = "occupancy_sensing"
	CapMotionSensor      = "motion_sensor"
	CapIASZone           = "ias_zone"
	CapContactSensor     = "contact_sensor"
	CapTemperatureSensor = "temperature_sensor"
	CapHumiditySensor    = "humidity_sensor"
	CapPressureSensor    = "pressure_sensor"
	CapIlluminanceSensor = "illuminance_sensor"
	CapAirQuality        = "air_quality"
	CapBattery           = "battery"
	CapMetering          = "metering"
	CapPowerMonitoring   = "power_monitoring"
	CapMultiEndpoint     = "multi_endpoint"
	CapMultiSwitch       = "multi_switch"
	CapRadarSensor       = "radar_sensor"
	CapPresenceSensor    = "presence_sensor"
	CapTuya              = "tuya"
	CapAction            = "action"
)

// Endpoint roles.
const (
	RoleActuator   = "actuator"
	RoleSensor     = "sensor"
	RoleController = "controller"
	RoleMixed      = "mixed"
	RolePassive    = "passive"
)

// universalFields always pass the state filter regardless of capability.
var universalFields = map[string]struct{}{
	"last_seen": {}, "power_source": {}, "manufacturer": {}, "model": {},
	"available": {}, "lqi": {}, "rssi": {}, "sw_version": {}, "date_code": {},
	"application_version": {}, "stack_version": {}, "hw_version": {},
	"manufacturer_id": {}, "device_type": {}, "linkquality": {},
	"update_available": {}, "update_state": {}, "action": {},
	"ieee": {}, "nwk": {}, "friendly_name": {},
	"multistate_value": {}, "device_temperature": {},
}

// fieldsByCapability is the single allow-list table: capability -> admissible
// state fields.
var fieldsByCapability = map[string][]string{
	CapOnOff:        {"state", "on"},
	CapSwitch:       {"state", "on"},
	CapLight:        {"state", "on"},
	CapLevelControl: {"brightness", "level", "transition_time"},
	CapColorControl: {
		"color_temp", "color_temp_kelvin", "color_temp_startup", "color_x",
		"color_y", "hue", "saturation", "color_mode", "enhanced_hue",
	},
	CapThermostat: {
		"local_temperature", "occupied_heating_setpoint", "occupied_cooling_setpoint",
		"pi_heating_demand", "pi_cooling_demand", "system_mode", "running_mode",
		"running_state", "valve_position", "window_detection", "child_lock",
		"away_mode", "preset",
	},
	CapFanControl: {"fan_mode", "swing_mode"},
	CapCover:      {"position", "tilt", "cover_state", "moving", "control", "work_state", "position_report"},
	CapOccupancySensing: {
		"occupancy", "motion", "pir_o_to_u_delay", "pir_u_to_o_delay",
		"pir_u_to_o_threshold", "sensitivity", "motion_on_time", "motion_timeout",
	},
	CapMotionSensor: {"motion", "occupancy"},
	CapIASZone: {
		"zone_status", "alarm", "alarm_1", "alarm_2", "tamper", "battery_low",
		"trouble", "water_leak", "smoke", "co_detected", "vibration",
	},
	CapContactSensor:     {"contact", "is_open", "is_closed", "alarm_1", "alarm_2"},
	CapTemperatureSensor: {"temperature"},
	CapHumiditySensor:    {"humidity"},
	CapPressureSensor:    {"pressure"},
	CapIlluminanceSensor: {"illuminance", "illuminance_lux"},
	CapAirQuality:        {"co2", "pm25", "pm10", "voc", "formaldehyde", "air_quality"},
	CapBattery:           {"battery", "battery_voltage", "battery_low"},
	CapMetering:          {"energy", "daily_energy", "monthly_energy"},
	CapPowerMonitoring: {
		"power", "voltage", "current", "energy", "power_factor", "active_power",
		"rms_voltage", "rms_current", "ac_frequency",
	},
	CapRadarSensor: {
		"radar_state", "radar_sensitivity", "presence_sensitivity", "keep_time",
		"distance", "detection_distance_min", "detection_distance_max",
		"fading_time", "target_distance", "illuminance", "presence", "self_test",
	},
	CapPresenceSensor: {"presence", "radar_state"},
	CapTuya:           {"countdown", "countdown_1", "countdown_2"},
}

// actuatorClusters assign the actuator role when present as input clusters.
var actuatorClusters = map[uint16]struct{}{
	zcl.ClusterOnOff:          {},
	zcl.ClusterLevelControl:   {},
	zcl.ClusterColorControl:   {},
	zcl.ClusterWindowCovering: {},
	zcl.ClusterThermostat:     {},
	zcl.ClusterFanControl:     {},
}

// sensorClusters assign the sensor role.
var sensorClusters = map[uint16]struct{}{
	zcl.ClusterTemperature:     {},
	zcl.ClusterHumidity:        {},
	zcl.ClusterPressure:        {},
	zcl.ClusterIlluminance:     {},
	zcl.ClusterOccupancy:       {},
	zcl.ClusterIASZone:         {},
	zcl.ClusterCO2Measurement:  {},
	zcl.ClusterPM25Measurement: {},
}

// Capabilities is the inferred capability set plus per-endpoint roles and the
// derived field allow-list.
type Capabilities struct {
	set           map[string]struct{}
	endpointRoles map[uint8]string
	allowed       map[string]struct{}
}

// Has reports whether the capability is present.
func (c *Capabilities) Has(cap string) bool {
	_, ok := c.set[cap]
	return ok
}

// List returns the capability names.
func (c *Capabilities) List() []string {
	out := make([]string, 0, len(c.set))
	for cap := range c.set {
		out = append(out, cap)
	}
	return out
}

// EndpointRole returns the role classification for an endpoint.
func (c *Capabilities) EndpointRole(ep uint8) string {
	if role, ok := c.endpointRoles[ep]; ok {
		return role
	}
	return RolePassive
}

// Allows implements the field allow-list: universal fields always pass,
// name_N inherits the classification of name. Internal fields never reach
// MQTT: a _raw field passes only when its base field does, and attr_,
// cluster_ and __ prefixed fields always pass.
func (c *Capabilities) Allows(field string) bool {
	if field == "" {
		return false
	}
	if IsInternalField(field) {
		base := strings.TrimSuffix(field, "_raw")
		if base != field {
			return c.Allows(base)
		}
		return true
	}
	if _, ok := universalFields[field]; ok {
		return true
	}
	if _, ok := c.allowed[field]; ok {
		return true
	}
	if base := stripEndpointSuffix(field); base != field {
		return c.Allows(base)
	}
	return false
}

// IsInternalField reports whether a field is internal bookkeeping that must
// never be published.
func IsInternalField(field string) bool {
	return strings.HasSuffix(field, "_raw") ||
		strings.HasPrefix(field, "attr_") ||
		strings.HasPrefix(field, "cluster_") ||
		strings.HasPrefix(field, "__")
}

// stripEndpointSuffix removes a trailing _N endpoint suffix, if present.
func stripEndpointSuffix(field string) string {
	idx := strings.LastIndexByte(field, '_')
	if idx <= 0 || idx == len(field)-1 {
		return field
	}
	for _, r := range field[idx+1:] {
		if r < '0' || r > '9' {
			return field
		}
	}
	return field[:idx]
}

// InferCapabilities derives the capability set from the endpoint inventory and
// the manufacturer/model strings, applying quirks in the documented order.
func InferCapabilities(endpoints map[uint8]*EndpointInfo, manufacturer, model string) *Capabilities {
	c := &Capabilities{
		set:           make(map[string]struct{}),
		endpointRoles: make(map[uint8]string),
		allowed:       make(map[string]struct{}),
	}

	manufacturer = strings.ToLower(manufacturer)
	model = strings.ToLower(model)

	actuatorEndpoints := 0
	onOffEndpoints := 0

	// Phase 1: cluster presence assigns baseline capabilities; the input/output
	// split decides each endpoint's role.
	for epID, ep := range endpoints {
		if epID == 0 {
			continue
		}
		hasActuator := false
		hasSensor := false
		hasControllerOutput := false

		for _, cluster := range ep.InputClusters {
			switch cluster {
			case zcl.ClusterOnOff:
				c.add(CapOnOff)
				onOffEndpoints++
			case zcl.ClusterLevelControl:
				c.add(CapLevelControl)
			case zcl.ClusterColorControl:
				c.add(CapColorControl)
			case zcl.ClusterWindowCovering:
				c.add(CapCover)
			case zcl.ClusterThermostat:
				c.add(CapThermostat)
				c.add(CapHVAC)
			case zcl.ClusterFanControl:
				c.add(CapFanControl)
				c.add(CapHVAC)
			case zcl.ClusterOccupancy:
				c.add(CapOccupancySensing)
				c.add(CapMotionSensor)
			case zcl.ClusterIASZone:
				c.add(CapIASZone)
				c.add(CapContactSensor)
			case zcl.ClusterTemperature:
				c.add(CapTemperatureSensor)
			case zcl.ClusterHumidity:
				c.add(CapHumiditySensor)
			case zcl.ClusterPressure:
				c.add(CapPressureSensor)
			case zcl.ClusterIlluminance:
				c.add(CapIlluminanceSensor)
			case zcl.ClusterCO2Measurement, zcl.ClusterPM25Measurement:
				c.add(CapAirQuality)
			case zcl.ClusterPowerConfiguration:
				c.add(CapBattery)
			case zcl.ClusterMetering:
				c.add(CapMetering)
			case zcl.ClusterElectricalMeasurement:
				c.add(CapPowerMonitoring)
			case zcl.ClusterMultistateInput:
				c.add(CapAction)
			case zcl.ClusterTuya:
				c.add(CapTuya)
			}

			if _, ok := actuatorClusters[cluster]; ok {
				hasActuator = true
			}
			if _, ok := sensorClusters[cluster]; ok {
				hasSensor = true
			}
		}

		for _, cluster := range ep.OutputClusters {
			if _, ok := actuatorClusters[cluster]; ok {
				hasControllerOutput = true
			}
		}

		switch {
		case hasActuator && hasSensor:
			c.endpointRoles[epID] = RoleMixed
		case hasActuator:
			c.endpointRoles[epID] = RoleActuator
			actuatorEndpoints++
		case hasSensor:
			c.endpointRoles[epID] = RoleSensor
		case hasControllerOutput:
			c.endpointRoles[epID] = RoleController
		default:
			c.endpointRoles[epID] = RolePassive
		}
	}

	if len(endpoints) > 1 {
		c.add(CapMultiEndpoint)
	}
	if onOffEndpoints > 1 {
		c.add(CapMultiSwitch)
	}

	// Light vs switch: level control upgrades to light.
	if c.Has(CapOnOff) {
		if c.Has(CapLevelControl) || c.Has(CapColorControl) {
			c.add(CapLight)
		} else {
			c.add(CapSwitch)
		}
	}

	// Phase 3: manufacturer/model quirks.
	if strings.Contains(manufacturer, "philips") && strings.HasPrefix(model, "sml") {
		// SML motion sensors: occupancy lives on endpoint 2; endpoint 1 is a
		// controller-side ghost that must not be configured.
		c.endpointRoles[1] = RoleController
		c.add(CapOccupancySensing)
		c.add(CapMotionSensor)
	}

	// Phase 4: Tuya radar only counts when no functional kind claims the
	// device; otherwise radar noise is suppressed.
	if c.Has(CapTuya) {
		functional := c.Has(CapCover) || c.Has(CapThermostat) || c.Has(CapLight) || c.Has(CapSwitch)
		if !functional {
			c.add(CapRadarSensor)
			c.add(CapPresenceSensor)
		}
	}

	// Build the field allow-list from the final capability set.
	for cap := range c.set {
		for _, field := range fieldsByCapability[cap] {
			c.allowed[field] = struct{}{}
		}
	}

	return c
}

func (c *Capabilities) add(cap string) {
	c.set[cap] = struct{}{}
}

// AlwaysReportFields are forwarded downstream even when unchanged, so
// automations observe edge events.
var AlwaysReportFields = map[string]struct{}{
	"occupancy": {}, "presence": {}, "motion": {}, "contact": {},
	"alarm": {}, "alarm_1": {}, "alarm_2": {}, "battery_low": {},
	"tamper": {}, "vibration": {}, "action": {}, "water_leak": {}, "smoke": {},
}
