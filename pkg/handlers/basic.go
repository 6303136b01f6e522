package handlers

import (
	"context"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Basic cluster attribute IDs
const (
	attrZCLVersion       uint16 = 0x0000
	attrApplicationVer   uint16 = 0x0001
	attrStackVersion     uint16 = 0x0002
	attrHWVersion        uint16 = 0x0003
	attrManufacturerName uint16 = 0x0004
	attrModelIdentifier  uint16 = 0x0005
	attrDateCode         uint16 = 0x0006
	attrPowerSource      uint16 = 0x0007
	attrSWBuildID        uint16 = 0x4000
)

// BasicHandler drives cluster 0x0000: read-only device identity. Never bound,
// never configured for reporting.
type BasicHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterBasic, NewBasicHandler)
	Register(zcl.ClusterIdentify, NewIdentifyHandler)
}

// NewBasicHandler constructs the handler for one (device, endpoint) pair.
func NewBasicHandler(dev Device, cluster Cluster) Handler {
	h := &BasicHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.Pollable = map[uint16]string{
		attrManufacturerName: "manufacturer",
		attrModelIdentifier:  "model",
		attrPowerSource:      "power_source",
		attrSWBuildID:        "sw_version",
		attrDateCode:         "date_code",
	}
	h.Parse = h.parse
	return h
}

func (h *BasicHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case attrManufacturerName:
		if s, ok := value.(string); ok {
			return "manufacturer", s
		}
	case attrModelIdentifier:
		if s, ok := value.(string); ok {
			return "model", s
		}
	case attrPowerSource:
		src, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "power_source", powerSourceName(src)
	case attrSWBuildID:
		if s, ok := value.(string); ok {
			return "sw_version", s
		}
	case attrDateCode:
		if s, ok := value.(string); ok {
			return "date_code", s
		}
	}
	return "", nil
}

// Configure is a no-op: the Basic cluster carries static identity only.
func (h *BasicHandler) Configure(ctx context.Context) error { return nil }

func powerSourceName(src int64) string {
	switch src & 0x7F {
	case 1:
		return "Mains"
	case 2:
		return "Mains"
	case 3:
		return "Battery"
	case 4:
		return "DC"
	default:
		return "Unknown"
	}
}

// IdentifyHandler drives cluster 0x0003. Exposes the identify verb for UI
// feedback; nothing to report.
type IdentifyHandler struct {
	Base
}

// NewIdentifyHandler constructs the handler for one (device, endpoint) pair.
func NewIdentifyHandler(dev Device, cluster Cluster) Handler {
	return &IdentifyHandler{Base: Base{Dev: dev, Clus: cluster}}
}

// Configure is a no-op for Identify.
func (h *IdentifyHandler) Configure(ctx context.Context) error { return nil }

// Commands enumerates the identify verb.
func (h *IdentifyHandler) Commands() []CommandSpec {
	return []CommandSpec{{Name: "identify", ValueType: "int", Endpoint: h.Clus.EndpointID()}}
}

// HandleCommand triggers the identify effect for the given seconds.
func (h *IdentifyHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	if verb != "identify" {
		return nil, ErrUnknownCommand
	}
	seconds, ok := ToInt(value)
	if !ok || seconds <= 0 {
		seconds = 5
	}
	payload := []byte{byte(seconds), byte(seconds >> 8)}
	if err := h.Clus.Command(ctx, 0x00, payload); err != nil {
		return nil, err
	}
	return nil, nil
}
