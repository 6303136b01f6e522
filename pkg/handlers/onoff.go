package handlers

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// OnOff cluster attribute and command IDs
const (
	attrOnOff uint16 = 0x0000

	cmdOff    uint8 = 0x00
	cmdOn     uint8 = 0x01
	cmdToggle uint8 = 0x02
)

// OnOffHandler drives cluster 0x0006. State is the canonical ON/OFF pair; the
// device layer adds the endpoint suffix for multi-switch devices.
type OnOffHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterOnOff, NewOnOffHandler)
}

// NewOnOffHandler constructs the handler for one (device, endpoint) pair.
func NewOnOffHandler(dev Device, cluster Cluster) Handler {
	h := &OnOffHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrOnOff, DataType: zcl.TypeBool, MinInterval: 0, MaxInterval: 300, Change: 1, Name: "on_off"},
	}
	h.Pollable = map[uint16]string{attrOnOff: "state"}
	h.Parse = h.parse
	return h
}

func (h *OnOffHandler) parse(attrID uint16, value any) (string, any) {
	if attrID != attrOnOff {
		return AttrFallbackName(zcl.ClusterOnOff, attrID), value
	}
	on, ok := ToBool(value)
	if !ok {
		return "", nil
	}
	return "state", onOffString(on)
}

// AttributeUpdated emits both the string state and the boolean twin.
func (h *OnOffHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	if attrID != attrOnOff {
		h.Base.AttributeUpdated(attrID, value, ts)
		return
	}
	on, ok := ToBool(value)
	if !ok {
		return
	}
	h.Dev.UpdateState(map[string]any{
		"state": onOffString(on),
		"on":    on,
	}, h.Clus.EndpointID())
}

// Commands enumerates the control verbs for the UI.
func (h *OnOffHandler) Commands() []CommandSpec {
	ep := h.Clus.EndpointID()
	return []CommandSpec{
		{Name: "on", ValueType: "none", Endpoint: ep},
		{Name: "off", ValueType: "none", Endpoint: ep},
		{Name: "toggle", ValueType: "none", Endpoint: ep},
	}
}

// HandleCommand executes on/off/toggle. off accepts an optional transition in
// seconds, delegated to Level Control's move-to-level-with-on/off so lights
// fade out instead of cutting.
func (h *OnOffHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	switch verb {
	case "on":
		if err := h.Clus.Command(ctx, cmdOn, nil); err != nil {
			return nil, err
		}
		return map[string]any{"state": "ON", "on": true}, nil
	case "off":
		if transition, ok := ToFloat(value); ok && transition > 0 {
			payload := make([]byte, 3)
			payload[0] = 0 // level 0
			binary.LittleEndian.PutUint16(payload[1:3], uint16(transition*10))
			if err := h.Clus.Command(ctx, cmdMoveToLevelWithOnOff, payload); err != nil {
				return nil, err
			}
		} else if err := h.Clus.Command(ctx, cmdOff, nil); err != nil {
			return nil, err
		}
		return map[string]any{"state": "OFF", "on": false}, nil
	case "toggle":
		if err := h.Clus.Command(ctx, cmdToggle, nil); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, ErrUnknownCommand
	}
}

// DiscoveryConfigs exposes a switch entity; the device layer upgrades it to a
// light when Level Control is also present.
func (h *OnOffHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "switch",
		ObjectID:  suffixedObjectID("switch", h.Clus.EndpointID()),
		Config: map[string]any{
			"value_template": "{{ value_json.state }}",
			"payload_on":     "ON",
			"payload_off":    "OFF",
		},
	}}
}

func onOffString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// suffixedObjectID appends the endpoint to the object id for endpoints beyond
// the first, matching the state-field suffix convention.
func suffixedObjectID(base string, ep uint8) string {
	if ep <= 1 {
		return base
	}
	return base + "_" + itoa(int(ep))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
