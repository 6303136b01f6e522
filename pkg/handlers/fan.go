package handlers

import (
	"context"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Fan Control cluster attribute IDs
const attrFanMode uint16 = 0x0000

// FanHandler drives cluster 0x0202. Fan mode is a written attribute, not a
// cluster command.
type FanHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterFanControl, NewFanHandler)
}

// NewFanHandler constructs the handler for one (device, endpoint) pair.
func NewFanHandler(dev Device, cluster Cluster) Handler {
	h := &FanHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrFanMode, DataType: zcl.TypeEnum8, MinInterval: 30, MaxInterval: 300, Name: "fan_mode"},
	}
	h.Pollable = map[uint16]string{attrFanMode: "fan_mode"}
	h.Parse = h.parse
	return h
}

func (h *FanHandler) parse(attrID uint16, value any) (string, any) {
	if attrID != attrFanMode {
		return AttrFallbackName(zcl.ClusterFanControl, attrID), value
	}
	mode, ok := ToInt(value)
	if !ok {
		return "", nil
	}
	return "fan_mode", fanModeName(mode)
}

// Commands enumerates the control verbs for the UI.
func (h *FanHandler) Commands() []CommandSpec {
	return []CommandSpec{
		{Name: "fan_mode", ValueType: "string", Endpoint: h.Clus.EndpointID()},
	}
}

// HandleCommand writes the fan mode.
func (h *FanHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	if verb != "fan_mode" {
		return nil, ErrUnknownCommand
	}
	name, ok := value.(string)
	if !ok {
		return nil, ErrUnknownCommand
	}
	mode, ok := fanModeValue(name)
	if !ok {
		return nil, ErrUnknownCommand
	}
	if err := h.Clus.WriteAttribute(ctx, attrFanMode, zcl.TypeEnum8, []byte{mode}); err != nil {
		return nil, err
	}
	return map[string]any{"fan_mode": name}, nil
}

func fanModeName(mode int64) string {
	switch mode {
	case 0:
		return "off"
	case 1:
		return "low"
	case 2:
		return "medium"
	case 3:
		return "high"
	case 4:
		return "on"
	case 5:
		return "auto"
	default:
		return "unknown"
	}
}

func fanModeValue(name string) (uint8, bool) {
	switch name {
	case "off":
		return 0, true
	case "low":
		return 1, true
	case "medium":
		return 2, true
	case "high":
		return 3, true
	case "on":
		return 4, true
	case "auto":
		return 5, true
	default:
		return 0, false
	}
}
