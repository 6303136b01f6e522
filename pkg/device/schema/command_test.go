package schema

import (
	"testing"
)

func TestCommandSchemaLight(t *testing.T) {
	v := NewValidator()
	doc := CommandSchema([]string{capLight, capLevelControl, capColorControl})

	valid := []map[string]any{
		{"state": "ON"},
		{"state": "off"},
		{"brightness": float64(200)},
		{"state": "ON", "brightness": float64(120), "transition": float64(2)},
		{"color_temp": float64(250)},
		{"color": map[string]any{"x": 0.4, "y": 0.41}},
		{"command": "identify", "value": float64(5), "endpoint": float64(1)},
	}
	for _, payload := range valid {
		if err := v.Validate(doc, payload); err != nil {
			t.Errorf("expected valid payload %v, got: %v", payload, err)
		}
	}

	invalid := []map[string]any{
		{"state": "DIMMED"},
		{"brightness": float64(999)},
		{"transition": float64(-1)},
		{"endpoint": float64(999)},
	}
	for _, payload := range invalid {
		if err := v.Validate(doc, payload); err == nil {
			t.Errorf("expected validation error for %v", payload)
		}
	}
}

func TestCommandSchemaThermostat(t *testing.T) {
	v := NewValidator()
	doc := CommandSchema([]string{capThermostat})

	if err := v.Validate(doc, map[string]any{"occupied_heating_setpoint": float64(21.5)}); err != nil {
		t.Errorf("expected valid setpoint, got: %v", err)
	}
	if err := v.Validate(doc, map[string]any{"occupied_heating_setpoint": float64(60)}); err == nil {
		t.Error("expected out-of-range setpoint to fail")
	}
	if err := v.Validate(doc, map[string]any{"system_mode": "heat"}); err != nil {
		t.Errorf("expected valid system mode, got: %v", err)
	}
	if err := v.Validate(doc, map[string]any{"system_mode": "defrost"}); err == nil {
		t.Error("expected invalid system mode to fail")
	}
}

func TestCommandSchemaCached(t *testing.T) {
	a := CommandSchema([]string{capLight})
	b := CommandSchema([]string{capLight})
	if string(a) != string(b) {
		t.Error("expected identical schema documents for the same capability set")
	}
}
