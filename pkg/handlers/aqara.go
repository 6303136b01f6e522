package handlers

import (
	"context"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Aqara manufacturer code and attribute IDs on cluster 0xFCC0.
const (
	aqaraManufacturerCode uint16 = 0x115F

	aqaraAttrBattery     uint16 = 0x0101
	aqaraAttrTemperature uint16 = 0x0102
	aqaraAttrSensitivity uint16 = 0x010C
	aqaraAttrMotionBlind uint16 = 0x0112
)

// AqaraHandler drives cluster 0xFCC0. All reads and writes are gated behind
// the Aqara manufacturer code.
type AqaraHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterAqara, NewAqaraHandler)
}

// NewAqaraHandler constructs the handler for one (device, endpoint) pair.
func NewAqaraHandler(dev Device, cluster Cluster) Handler {
	h := &AqaraHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.Parse = h.parse
	return h
}

func (h *AqaraHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case aqaraAttrBattery:
		mv, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		// Millivolts: 2.8 V empty, 3.0 V full for CR2032 devices.
		pct := (mv - 2800) / 2
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		return "battery", pct
	case aqaraAttrTemperature:
		t, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		return "device_temperature", t
	case aqaraAttrSensitivity:
		s, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "sensitivity", s
	default:
		return AttrFallbackName(zcl.ClusterAqara, attrID), value
	}
}

// Configure is a no-op: Aqara clusters report unsolicited and reject binds.
func (h *AqaraHandler) Configure(ctx context.Context) error { return nil }

// Commands enumerates the writable settings.
func (h *AqaraHandler) Commands() []CommandSpec {
	return []CommandSpec{
		{Name: "sensitivity", ValueType: "int", Endpoint: h.Clus.EndpointID()},
	}
}

// HandleCommand writes settings with the manufacturer-specific frame.
func (h *AqaraHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	if verb != "sensitivity" {
		return nil, ErrUnknownCommand
	}
	level, ok := ToInt(value)
	if !ok || level < 1 || level > 3 {
		return nil, ErrUnknownCommand
	}
	// Write-attribute record: attr id + type + value, wrapped by the device
	// layer into a manufacturer-specific global frame.
	attrID := uint16(aqaraAttrSensitivity)
	record := []byte{byte(attrID), byte(attrID >> 8), zcl.TypeUint8, byte(level)}
	if err := h.Clus.ManufacturerCommand(ctx, aqaraManufacturerCode, zcl.FrameTypeGlobal, zcl.CmdWriteAttributes, record); err != nil {
		return nil, err
	}
	return map[string]any{"sensitivity": level}, nil
}
