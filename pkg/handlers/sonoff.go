package handlers

import (
	"context"
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Sonoff manufacturer cluster 0xFC11 attribute IDs.
const (
	sonoffManufacturerCode uint16 = 0x1286

	sonoffAttrNetworkIndicator uint16 = 0x0001
	sonoffAttrIlluminationLux  uint16 = 0x2001
)

// SonoffHandler drives cluster 0xFC11: settings storage for Sonoff devices.
// State reporting goes through the standard clusters; this handler only
// captures the occasional manufacturer attribute and exposes the network
// indicator toggle.
type SonoffHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterSonoff, NewSonoffHandler)
}

// NewSonoffHandler constructs the handler for one (device, endpoint) pair.
func NewSonoffHandler(dev Device, cluster Cluster) Handler {
	h := &SonoffHandler{Base: Base{Dev: dev, Clus: cluster}}
	return h
}

// AttributeUpdated captures the few Sonoff attributes worth keeping.
func (h *SonoffHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	switch attrID {
	case sonoffAttrIlluminationLux:
		lux, ok := ToInt(value)
		if !ok {
			return
		}
		h.Dev.UpdateState(map[string]any{"illuminance": lux}, h.Clus.EndpointID())
	default:
		// Settings storage; nothing to publish.
	}
}

// Configure is a no-op: the cluster stores settings, it doesn't report.
func (h *SonoffHandler) Configure(ctx context.Context) error { return nil }

// Commands enumerates the writable settings.
func (h *SonoffHandler) Commands() []CommandSpec {
	return []CommandSpec{
		{Name: "network_indicator", ValueType: "bool", Endpoint: h.Clus.EndpointID()},
	}
}

// HandleCommand writes the network indicator toggle.
func (h *SonoffHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	if verb != "network_indicator" {
		return nil, ErrUnknownCommand
	}
	on, ok := ToBool(value)
	if !ok {
		return nil, ErrUnknownCommand
	}
	var b byte
	if on {
		b = 1
	}
	record := []byte{byte(sonoffAttrNetworkIndicator), byte(sonoffAttrNetworkIndicator >> 8), zcl.TypeBool, b}
	if err := h.Clus.ManufacturerCommand(ctx, sonoffManufacturerCode, zcl.FrameTypeGlobal, zcl.CmdWriteAttributes, record); err != nil {
		return nil, err
	}
	return map[string]any{"network_indicator": on}, nil
}
