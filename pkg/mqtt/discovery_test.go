package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeTemplateRewritesAccess(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"{{ value_json.state }}",
			"{{ value_json.get('state', 'OFF') }}",
		},
		{
			"{{ value_json.temperature }}",
			"{{ value_json.get('temperature', 0) }}",
		},
		{
			"{{ value_json.occupancy }}",
			"{{ value_json.get('occupancy', false) }}",
		},
		{
			"{{ value_json.color_temp }}",
			"{{ value_json.get('color_temp', 250) }}",
		},
		{
			"{{ value_json.battery }} / {{ value_json.voltage }}",
			"{{ value_json.get('battery', 0) }} / {{ value_json.get('voltage', 0) }}",
		},
		{
			"{{ value_json.action }}",
			"{{ value_json.get('action', '') }}",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeTemplate(tt.in), tt.in)
	}
}

func TestDiscoveryTopic(t *testing.T) {
	assert.Equal(t,
		"homeassistant/sensor/0011223344556677/temperature/config",
		DiscoveryTopic("sensor", "0011223344556677", "temperature"))
}

func TestParsePayload(t *testing.T) {
	p := parsePayload([]byte(`{"state":"ON","brightness":200}`))
	assert.Equal(t, "ON", p["state"])
	assert.Equal(t, float64(200), p["brightness"])

	// Bare state strings are accepted too.
	p = parsePayload([]byte("OFF"))
	assert.Equal(t, "OFF", p["state"])
}
