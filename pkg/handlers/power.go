package handlers

import (
	"math"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Power Configuration cluster attribute IDs
const (
	attrBatteryVoltage             uint16 = 0x0020
	attrBatteryPercentageRemaining uint16 = 0x0021
)

// Electrical Measurement cluster attribute IDs
const (
	attrRMSVoltage  uint16 = 0x0505
	attrRMSCurrent  uint16 = 0x0508
	attrActivePower uint16 = 0x050B
	attrACFrequency uint16 = 0x0300
)

// Metering cluster attribute IDs
const (
	attrCurrentSummDelivered uint16 = 0x0000
	attrInstantaneousDemand  uint16 = 0x0400
)

// PowerConfigHandler drives cluster 0x0001: battery state for sleepy devices.
type PowerConfigHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterPowerConfiguration, NewPowerConfigHandler)
	Register(zcl.ClusterElectricalMeasurement, NewElectricalMeasurementHandler)
	Register(zcl.ClusterMetering, NewMeteringHandler)
}

// NewPowerConfigHandler constructs the handler for one (device, endpoint) pair.
func NewPowerConfigHandler(dev Device, cluster Cluster) Handler {
	h := &PowerConfigHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrBatteryPercentageRemaining, DataType: zcl.TypeUint8, MinInterval: 3600, MaxInterval: 43200, Change: 2, Name: "battery"},
	}
	h.Pollable = map[uint16]string{
		attrBatteryPercentageRemaining: "battery",
		attrBatteryVoltage:             "battery_voltage",
	}
	h.Parse = h.parse
	return h
}

func (h *PowerConfigHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case attrBatteryPercentageRemaining:
		raw, ok := ToFloat(value)
		if !ok || raw > 200 {
			return "", nil
		}
		// Reported in half-percent units.
		return "battery", math.Round(raw / 2)
	case attrBatteryVoltage:
		raw, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		// Reported in 100 mV units.
		return "battery_voltage", raw / 10
	default:
		return AttrFallbackName(zcl.ClusterPowerConfiguration, attrID), value
	}
}

// DiscoveryConfigs exposes the battery sensor.
func (h *PowerConfigHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "sensor",
		ObjectID:  "battery",
		Config: map[string]any{
			"device_class":        "battery",
			"unit_of_measurement": "%",
			"state_class":         "measurement",
			"value_template":      "{{ value_json.battery }}",
		},
	}}
}

// ElectricalMeasurementHandler drives cluster 0x0B04: mains power monitoring.
type ElectricalMeasurementHandler struct {
	Base
}

// NewElectricalMeasurementHandler constructs the handler.
func NewElectricalMeasurementHandler(dev Device, cluster Cluster) Handler {
	h := &ElectricalMeasurementHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrActivePower, DataType: zcl.TypeInt16, MinInterval: 5, MaxInterval: 300, Change: 5, Name: "active_power"},
		{AttrID: attrRMSVoltage, DataType: zcl.TypeUint16, MinInterval: 30, MaxInterval: 300, Change: 5, Name: "rms_voltage"},
		{AttrID: attrRMSCurrent, DataType: zcl.TypeUint16, MinInterval: 30, MaxInterval: 300, Change: 50, Name: "rms_current"},
	}
	h.Pollable = map[uint16]string{
		attrActivePower: "power",
		attrRMSVoltage:  "voltage",
		attrRMSCurrent:  "current",
	}
	h.Parse = h.parse
	return h
}

func (h *ElectricalMeasurementHandler) parse(attrID uint16, value any) (string, any) {
	raw, ok := ToFloat(value)
	if !ok {
		return "", nil
	}
	switch attrID {
	case attrActivePower:
		return "power", raw
	case attrRMSVoltage:
		return "voltage", raw
	case attrRMSCurrent:
		// Milliamp units on most plugs.
		return "current", math.Round(raw) / 1000
	case attrACFrequency:
		return "ac_frequency", raw
	default:
		return AttrFallbackName(zcl.ClusterElectricalMeasurement, attrID), raw
	}
}

// DiscoveryConfigs exposes power/voltage/current sensors.
func (h *ElectricalMeasurementHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{
		{
			Component: "sensor",
			ObjectID:  "power",
			Config: map[string]any{
				"device_class":        "power",
				"unit_of_measurement": "W",
				"state_class":         "measurement",
				"value_template":      "{{ value_json.power }}",
			},
		},
		{
			Component: "sensor",
			ObjectID:  "voltage",
			Config: map[string]any{
				"device_class":        "voltage",
				"unit_of_measurement": "V",
				"state_class":         "measurement",
				"value_template":      "{{ value_json.voltage }}",
			},
		},
	}
}

// MeteringHandler drives cluster 0x0702: cumulative energy.
type MeteringHandler struct {
	Base
}

// NewMeteringHandler constructs the handler.
func NewMeteringHandler(dev Device, cluster Cluster) Handler {
	h := &MeteringHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrCurrentSummDelivered, DataType: zcl.TypeUint48, MinInterval: 30, MaxInterval: 3600, Change: 1, Name: "energy"},
	}
	h.Pollable = map[uint16]string{attrCurrentSummDelivered: "energy"}
	h.Parse = h.parse
	return h
}

func (h *MeteringHandler) parse(attrID uint16, value any) (string, any) {
	raw, ok := ToFloat(value)
	if !ok {
		return "", nil
	}
	switch attrID {
	case attrCurrentSummDelivered:
		// Most plugs report Wh; normalise to kWh.
		return "energy", math.Round(raw) / 1000
	case attrInstantaneousDemand:
		return "power", raw
	default:
		return AttrFallbackName(zcl.ClusterMetering, attrID), raw
	}
}

// DiscoveryConfigs exposes the energy sensor.
func (h *MeteringHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "sensor",
		ObjectID:  "energy",
		Config: map[string]any{
			"device_class":        "energy",
			"unit_of_measurement": "kWh",
			"state_class":         "total_increasing",
			"value_template":      "{{ value_json.energy }}",
		},
	}}
}
