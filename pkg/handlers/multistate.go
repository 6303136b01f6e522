package handlers

import (
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Multistate Input cluster attribute IDs
const attrPresentValue uint16 = 0x0055

// MultistateHandler drives cluster 0x0012: button and cube controllers that
// report gestures as present-value transitions. Emits edge-triggered action
// fields so automations see every press.
type MultistateHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterMultistateInput, NewMultistateHandler)
}

// NewMultistateHandler constructs the handler for one (device, endpoint) pair.
func NewMultistateHandler(dev Device, cluster Cluster) Handler {
	h := &MultistateHandler{Base: Base{Dev: dev, Clus: cluster}}
	return h
}

// AttributeUpdated maps present-value transitions to action names.
func (h *MultistateHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	if attrID != attrPresentValue {
		return
	}
	raw, ok := ToInt(value)
	if !ok {
		return
	}
	action := multistateAction(raw)
	h.Dev.UpdateState(map[string]any{
		"action":           action,
		"multistate_value": raw,
	}, h.Clus.EndpointID())
	h.Dev.EmitEvent("button_action", map[string]any{
		"action":   action,
		"endpoint": h.Clus.EndpointID(),
	})
}

// multistateAction follows the Aqara button convention: 0 hold, 1 single,
// 2 double, 255 release.
func multistateAction(v int64) string {
	switch v {
	case 0:
		return "hold"
	case 1:
		return "single"
	case 2:
		return "double"
	case 3:
		return "triple"
	case 255:
		return "release"
	default:
		return "unknown"
	}
}

// DiscoveryConfigs exposes the action sensor.
func (h *MultistateHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "sensor",
		ObjectID:  "action",
		Config: map[string]any{
			"value_template": "{{ value_json.action }}",
			"icon":           "mdi:gesture-double-tap",
		},
	}}
}
