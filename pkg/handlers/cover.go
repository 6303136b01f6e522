package handlers

import (
	"context"
	"math"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Window Covering cluster attribute and command IDs
const (
	attrCurrentLiftPercentage uint16 = 0x0008
	attrCurrentTiltPercentage uint16 = 0x0009

	cmdCoverOpen          uint8 = 0x00
	cmdCoverClose         uint8 = 0x01
	cmdCoverStop          uint8 = 0x02
	cmdGoToLiftPercentage uint8 = 0x05
	cmdGoToTiltPercentage uint8 = 0x08
)

// CoverHandler drives cluster 0x0102. Position follows the HA convention:
// 100 fully open, 0 fully closed (inverse of the zigbee lift percentage).
type CoverHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterWindowCovering, NewCoverHandler)
}

// NewCoverHandler constructs the handler for one (device, endpoint) pair.
func NewCoverHandler(dev Device, cluster Cluster) Handler {
	h := &CoverHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrCurrentLiftPercentage, DataType: zcl.TypeUint8, MinInterval: 1, MaxInterval: 300, Change: 1, Name: "lift_percentage"},
	}
	h.Pollable = map[uint16]string{attrCurrentLiftPercentage: "position"}
	h.Parse = h.parse
	return h
}

func (h *CoverHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case attrCurrentLiftPercentage:
		raw, ok := ToFloat(value)
		if !ok || raw > 100 {
			return "", nil
		}
		return "position", 100 - int64(raw)
	case attrCurrentTiltPercentage:
		raw, ok := ToFloat(value)
		if !ok || raw > 100 {
			return "", nil
		}
		return "tilt", 100 - int64(raw)
	default:
		return AttrFallbackName(zcl.ClusterWindowCovering, attrID), value
	}
}

// Commands enumerates the control verbs for the UI.
func (h *CoverHandler) Commands() []CommandSpec {
	ep := h.Clus.EndpointID()
	return []CommandSpec{
		{Name: "open", ValueType: "none", Endpoint: ep},
		{Name: "close", ValueType: "none", Endpoint: ep},
		{Name: "stop", ValueType: "none", Endpoint: ep},
		{Name: "position", ValueType: "int", Endpoint: ep},
	}
}

// HandleCommand executes the cover verbs. State transitions through
// opening/closing so the polling scheduler can hold off mid-travel.
func (h *CoverHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	switch verb {
	case "open":
		if err := h.Clus.Command(ctx, cmdCoverOpen, nil); err != nil {
			return nil, err
		}
		return map[string]any{"cover_state": "opening"}, nil
	case "close":
		if err := h.Clus.Command(ctx, cmdCoverClose, nil); err != nil {
			return nil, err
		}
		return map[string]any{"cover_state": "closing"}, nil
	case "stop":
		if err := h.Clus.Command(ctx, cmdCoverStop, nil); err != nil {
			return nil, err
		}
		return map[string]any{"cover_state": "stopped"}, nil
	case "position":
		pos, ok := ToFloat(value)
		if !ok || pos < 0 || pos > 100 {
			return nil, ErrUnknownCommand
		}
		lift := uint8(math.Round(100 - pos))
		if err := h.Clus.Command(ctx, cmdGoToLiftPercentage, []byte{lift}); err != nil {
			return nil, err
		}
		state := "opening"
		if pos == 0 {
			state = "closing"
		}
		return map[string]any{"position": int64(pos), "cover_state": state}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

// DiscoveryConfigs exposes an HA cover entity.
func (h *CoverHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "cover",
		ObjectID:  "cover",
		Config: map[string]any{
			"position_template":  "{{ value_json.position }}",
			"set_position_topic": true,
			"payload_open":       "open",
			"payload_close":      "close",
			"payload_stop":       "stop",
		},
	}}
}
