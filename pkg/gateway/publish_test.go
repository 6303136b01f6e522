package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsFromPayloadStateOn(t *testing.T) {
	cmds := commandsFromPayload(map[string]any{"state": "ON"})
	require.Contains(t, cmds, "on")
	assert.Equal(t, uint8(0), cmds["on"].endpoint)
}

func TestCommandsFromPayloadObjectIDEndpoint(t *testing.T) {
	// HA command addressed at switch_1 targets endpoint 1 only.
	cmds := commandsFromPayload(map[string]any{
		"state":     "ON",
		"object_id": "switch_1",
	})
	require.Contains(t, cmds, "on")
	assert.Equal(t, uint8(1), cmds["on"].endpoint)
}

func TestCommandsFromPayloadBrightnessWins(t *testing.T) {
	// A brightness set implies on; the explicit on command is dropped so the
	// light doesn't flash to full before dimming.
	cmds := commandsFromPayload(map[string]any{
		"state":      "ON",
		"brightness": float64(120),
	})
	assert.NotContains(t, cmds, "on")
	require.Contains(t, cmds, "brightness")
	assert.Equal(t, float64(120), cmds["brightness"].value)
}

func TestCommandsFromPayloadOffCarriesTransition(t *testing.T) {
	cmds := commandsFromPayload(map[string]any{
		"state":      "OFF",
		"transition": float64(2),
	})
	require.Contains(t, cmds, "off")
	assert.Equal(t, float64(2), cmds["off"].value)
}

func TestCommandsFromPayloadLegacyShape(t *testing.T) {
	cmds := commandsFromPayload(map[string]any{
		"command":  "identify",
		"value":    float64(5),
		"endpoint": float64(2),
	})
	require.Contains(t, cmds, "identify")
	assert.Equal(t, float64(5), cmds["identify"].value)
	assert.Equal(t, uint8(2), cmds["identify"].endpoint)
}

func TestCommandsFromPayloadColor(t *testing.T) {
	cmds := commandsFromPayload(map[string]any{
		"color": map[string]any{"x": 0.4, "y": 0.4},
	})
	assert.Contains(t, cmds, "color_xy")

	cmds = commandsFromPayload(map[string]any{
		"color": map[string]any{"hue": 120.0, "saturation": 80.0},
	})
	assert.Contains(t, cmds, "hue_sat")
}

func TestCommandsFromPayloadCover(t *testing.T) {
	cmds := commandsFromPayload(map[string]any{"state": "OPEN"})
	assert.Contains(t, cmds, "open")

	cmds = commandsFromPayload(map[string]any{"position": float64(40)})
	assert.Contains(t, cmds, "position")
}
