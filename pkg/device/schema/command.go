package schema

import (
	"encoding/json"
	"sync"
)

// Capability names mirrored here to keep this package free of a device
// dependency; the gateway passes the device's capability list.
const (
	capLight        = "light"
	capSwitch       = "switch"
	capLevelControl = "level_control"
	capColorControl = "color_control"
	capCover        = "cover"
	capThermostat   = "thermostat"
	capFanControl   = "fan_control"
)

var (
	commandSchemaMu    sync.Mutex
	commandSchemaCache = map[string]json.RawMessage{}
)

// CommandSchema builds the JSON Schema for a device's /set payload from its
// capability list. Inbound MQTT and HTTP commands validate against it before
// dispatch; the legacy {command, value, endpoint} shape is always accepted.
func CommandSchema(capabilities []string) json.RawMessage {
	key := ""
	caps := map[string]bool{}
	for _, c := range capabilities {
		caps[c] = true
		key += c + ","
	}

	commandSchemaMu.Lock()
	defer commandSchemaMu.Unlock()
	if cached, ok := commandSchemaCache[key]; ok {
		return cached
	}

	properties := map[string]any{
		// Legacy command shape.
		"command":  map[string]any{"type": "string"},
		"value":    map[string]any{},
		"endpoint": map[string]any{"type": "integer", "minimum": 1, "maximum": 240},
		// Transition rides along with any lighting command.
		"transition": map[string]any{"type": "number", "minimum": 0},
	}

	if caps[capLight] || caps[capSwitch] {
		properties["state"] = map[string]any{
			"type": "string",
			"enum": []string{"ON", "OFF", "TOGGLE", "on", "off", "toggle"},
		}
	}
	if caps[capLevelControl] {
		properties["brightness"] = map[string]any{"type": "number", "minimum": 0, "maximum": 254}
		properties["level"] = map[string]any{"type": "number", "minimum": 0, "maximum": 100}
	}
	if caps[capColorControl] {
		properties["color_temp"] = map[string]any{"type": "number", "minimum": 50, "maximum": 1000}
		properties["color"] = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"y":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"hue":        map[string]any{"type": "number", "minimum": 0, "maximum": 360},
				"saturation": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
		}
	}
	if caps[capCover] {
		properties["state"] = map[string]any{
			"type": "string",
			"enum": []string{"OPEN", "CLOSE", "STOP", "open", "close", "stop"},
		}
		properties["position"] = map[string]any{"type": "number", "minimum": 0, "maximum": 100}
	}
	if caps[capThermostat] {
		properties["occupied_heating_setpoint"] = map[string]any{"type": "number", "minimum": 5, "maximum": 35}
		properties["system_mode"] = map[string]any{
			"type": "string",
			"enum": []string{"off", "auto", "cool", "heat"},
		}
	}
	if caps[capFanControl] {
		properties["fan_mode"] = map[string]any{
			"type": "string",
			"enum": []string{"off", "low", "medium", "high", "on", "auto"},
		}
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	commandSchemaCache[key] = raw
	return raw
}
