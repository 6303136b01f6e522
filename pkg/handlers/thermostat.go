package handlers

import (
	"context"
	"math"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Thermostat cluster attribute IDs
const (
	attrLocalTemperature        uint16 = 0x0000
	attrPiHeatingDemand         uint16 = 0x0008
	attrOccupiedHeatingSetpoint uint16 = 0x0012
	attrSystemMode              uint16 = 0x001C
	attrRunningState            uint16 = 0x0029
)

// ThermostatHandler drives cluster 0x0201. Temperatures are centi-degree on
// the wire; setpoint writes use the same 0.01 degC units.
type ThermostatHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterThermostat, NewThermostatHandler)
}

// NewThermostatHandler constructs the handler for one (device, endpoint) pair.
func NewThermostatHandler(dev Device, cluster Cluster) Handler {
	h := &ThermostatHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrLocalTemperature, DataType: zcl.TypeInt16, MinInterval: 30, MaxInterval: 300, Change: 50, Name: "local_temperature"},
		{AttrID: attrOccupiedHeatingSetpoint, DataType: zcl.TypeInt16, MinInterval: 30, MaxInterval: 300, Change: 50, Name: "occupied_heating_setpoint"},
		{AttrID: attrPiHeatingDemand, DataType: zcl.TypeUint8, MinInterval: 30, MaxInterval: 300, Change: 1, Name: "pi_heating_demand"},
		{AttrID: attrSystemMode, DataType: zcl.TypeEnum8, MinInterval: 30, MaxInterval: 300, Name: "system_mode"},
	}
	h.Pollable = map[uint16]string{
		attrLocalTemperature:        "local_temperature",
		attrOccupiedHeatingSetpoint: "occupied_heating_setpoint",
		attrPiHeatingDemand:         "pi_heating_demand",
		attrSystemMode:              "system_mode",
		attrRunningState:            "running_state",
	}
	h.Parse = h.parse
	return h
}

func (h *ThermostatHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case attrLocalTemperature:
		c, ok := ToFloat(value)
		if !ok || c == -32768 {
			return "", nil
		}
		return "local_temperature", centiToDegrees(c)
	case attrOccupiedHeatingSetpoint:
		c, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		return "occupied_heating_setpoint", centiToDegrees(c)
	case attrPiHeatingDemand:
		d, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "pi_heating_demand", d
	case attrSystemMode:
		mode, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "system_mode", systemModeName(mode)
	case attrRunningState:
		state, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		if state&0x01 != 0 {
			return "running_state", "heat"
		}
		return "running_state", "idle"
	default:
		return AttrFallbackName(zcl.ClusterThermostat, attrID), value
	}
}

// Commands enumerates the control verbs for the UI.
func (h *ThermostatHandler) Commands() []CommandSpec {
	ep := h.Clus.EndpointID()
	return []CommandSpec{
		{Name: "occupied_heating_setpoint", ValueType: "float", Endpoint: ep},
		{Name: "system_mode", ValueType: "string", Endpoint: ep},
	}
}

// HandleCommand writes setpoints and mode.
func (h *ThermostatHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	switch verb {
	case "occupied_heating_setpoint":
		degrees, ok := ToFloat(value)
		if !ok {
			return nil, ErrUnknownCommand
		}
		centi := int64(math.Round(degrees * 100))
		err := h.Clus.WriteAttribute(ctx, attrOccupiedHeatingSetpoint, zcl.TypeInt16, zcl.EncodeValue(zcl.TypeInt16, centi))
		if err != nil {
			return nil, err
		}
		return map[string]any{"occupied_heating_setpoint": centiToDegrees(float64(centi))}, nil
	case "system_mode":
		name, ok := value.(string)
		if !ok {
			return nil, ErrUnknownCommand
		}
		mode, ok := systemModeValue(name)
		if !ok {
			return nil, ErrUnknownCommand
		}
		err := h.Clus.WriteAttribute(ctx, attrSystemMode, zcl.TypeEnum8, []byte{mode})
		if err != nil {
			return nil, err
		}
		return map[string]any{"system_mode": name}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

// DiscoveryConfigs exposes an HA climate entity.
func (h *ThermostatHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "climate",
		ObjectID:  "climate",
		Config: map[string]any{
			"modes":                        []string{"off", "heat", "auto"},
			"temperature_command_topic":    true,
			"current_temperature_template": "{{ value_json.local_temperature }}",
			"temperature_state_template":   "{{ value_json.occupied_heating_setpoint }}",
			"min_temp":                     5,
			"max_temp":                     30,
			"temp_step":                    0.5,
		},
	}}
}

func centiToDegrees(centi float64) float64 {
	return math.Round(centi) / 100
}

func systemModeName(mode int64) string {
	switch mode {
	case 0:
		return "off"
	case 1:
		return "auto"
	case 3:
		return "cool"
	case 4:
		return "heat"
	default:
		return "unknown"
	}
}

func systemModeValue(name string) (uint8, bool) {
	switch name {
	case "off":
		return 0, true
	case "auto":
		return 1, true
	case "cool":
		return 3, true
	case "heat":
		return 4, true
	default:
		return 0, false
	}
}

// IsHeating reports whether a pi_heating_demand value indicates active heating;
// the polling scheduler skips battery thermostats mid-duty-cycle.
func IsHeating(demand any) bool {
	d, ok := ToFloat(demand)
	return ok && d > 0
}
