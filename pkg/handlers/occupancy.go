package handlers

import (
	"strings"
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Occupancy Sensing cluster attribute IDs
const (
	attrOccupancy          uint16 = 0x0000
	attrPIROccToUnoccDelay uint16 = 0x0010
	attrPIRUnoccToOccDelay uint16 = 0x0011
)

// OccupancyHandler drives cluster 0x0406.
type OccupancyHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterOccupancy, NewOccupancyHandler)

	// Philips SML motion sensors report occupancy on endpoint 2 only;
	// endpoint 1 is a controller-side ghost that must stay silent.
	RegisterQuirk(zcl.ClusterOccupancy,
		func(manufacturer, model string) bool {
			return strings.Contains(manufacturer, "philips") && strings.HasPrefix(model, "sml")
		},
		NewPhilipsSMLOccupancyHandler,
	)
}

// NewOccupancyHandler constructs the handler for one (device, endpoint) pair.
func NewOccupancyHandler(dev Device, cluster Cluster) Handler {
	h := &OccupancyHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrOccupancy, DataType: zcl.TypeBitmap8, MinInterval: 0, MaxInterval: 300, Name: "occupancy"},
	}
	h.Pollable = map[uint16]string{attrOccupancy: "occupancy"}
	h.Parse = h.parse
	return h
}

func (h *OccupancyHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case attrOccupancy:
		occ, ok := ToBool(value)
		if !ok {
			return "", nil
		}
		return "occupancy", occ
	case attrPIROccToUnoccDelay:
		d, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "pir_o_to_u_delay", d
	case attrPIRUnoccToOccDelay:
		d, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "pir_u_to_o_delay", d
	default:
		return AttrFallbackName(zcl.ClusterOccupancy, attrID), value
	}
}

// DiscoveryConfigs exposes an occupancy binary sensor.
func (h *OccupancyHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "binary_sensor",
		ObjectID:  "occupancy",
		Config: map[string]any{
			"device_class":   "occupancy",
			"value_template": "{{ value_json.occupancy }}",
			"payload_on":     true,
			"payload_off":    false,
		},
	}}
}

// PhilipsSMLOccupancyHandler pins occupancy to endpoint 2 and silences the
// phantom endpoint 1 reports the SML family generates.
type PhilipsSMLOccupancyHandler struct {
	OccupancyHandler
}

// NewPhilipsSMLOccupancyHandler constructs the SML quirk handler.
func NewPhilipsSMLOccupancyHandler(dev Device, cluster Cluster) Handler {
	inner := NewOccupancyHandler(dev, cluster).(*OccupancyHandler)
	return &PhilipsSMLOccupancyHandler{OccupancyHandler: *inner}
}

// AttributeUpdated drops occupancy reports from any endpoint other than 2.
func (h *PhilipsSMLOccupancyHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	if attrID == attrOccupancy && h.Clus.EndpointID() != 2 {
		return
	}
	h.OccupancyHandler.AttributeUpdated(attrID, value, ts)
}
