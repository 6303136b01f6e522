package handlers

import (
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// IAS Zone cluster attribute IDs and zone types
const (
	attrZoneState  uint16 = 0x0000
	attrZoneType   uint16 = 0x0001
	attrZoneStatus uint16 = 0x0002

	zoneTypeMotion    uint16 = 0x000D
	zoneTypeContact   uint16 = 0x0015
	zoneTypeWaterLeak uint16 = 0x002A
	zoneTypeFire      uint16 = 0x0028
	zoneTypeVibration uint16 = 0x002D

	cmdZoneStatusChangeNotification uint8 = 0x00
	cmdZoneEnrollRequest            uint8 = 0x01
)

// IASZoneHandler drives cluster 0x0500: security sensors reporting through the
// zone-status bitmap. Door/window types also publish contact, inverted to the
// HA door sense: true means OPEN.
type IASZoneHandler struct {
	Base
	zoneType uint16
}

func init() {
	Register(zcl.ClusterIASZone, NewIASZoneHandler)
}

// NewIASZoneHandler constructs the handler for one (device, endpoint) pair.
func NewIASZoneHandler(dev Device, cluster Cluster) Handler {
	h := &IASZoneHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.Pollable = map[uint16]string{attrZoneStatus: "zone_status"}
	h.Parse = func(attrID uint16, value any) (string, any) {
		// Raw status handled in AttributeUpdated; everything else is opaque.
		return AttrFallbackName(zcl.ClusterIASZone, attrID), value
	}
	return h
}

// AttributeUpdated decodes the zone-status bitmap into named booleans.
func (h *IASZoneHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	switch attrID {
	case attrZoneType:
		if t, ok := ToInt(value); ok {
			h.zoneType = uint16(t)
		}
	case attrZoneStatus:
		status, ok := ToInt(value)
		if !ok {
			return
		}
		h.Dev.UpdateState(h.decodeStatus(uint16(status)), h.Clus.EndpointID())
	default:
		h.Base.AttributeUpdated(attrID, value, ts)
	}
}

// ClusterCommand handles the zone status change notification, which most
// sensors use instead of attribute reports.
func (h *IASZoneHandler) ClusterCommand(tsn uint8, commandID uint8, args []byte) {
	switch commandID {
	case cmdZoneStatusChangeNotification:
		if len(args) < 2 {
			return
		}
		status := uint16(args[0]) | uint16(args[1])<<8
		h.Dev.UpdateState(h.decodeStatus(status), h.Clus.EndpointID())
	case cmdZoneEnrollRequest:
		// Auto-enroll: zone id 0, success response.
		h.Dev.EmitEvent("ias_enroll_request", map[string]any{
			"endpoint": h.Clus.EndpointID(),
		})
	}
}

// decodeStatus expands the bitmap: bit 0 alarm_1, bit 1 alarm_2, bit 2 tamper,
// bit 3 battery_low.
func (h *IASZoneHandler) decodeStatus(status uint16) map[string]any {
	alarm1 := status&0x0001 != 0
	alarm2 := status&0x0002 != 0

	delta := map[string]any{
		"alarm_1":     alarm1,
		"alarm_2":     alarm2,
		"tamper":      status&0x0004 != 0,
		"battery_low": status&0x0008 != 0,
	}

	switch h.zoneType {
	case zoneTypeContact:
		// HA door sense: open when the zigbee alarm bit is clear.
		delta["contact"] = !alarm1
	case zoneTypeMotion:
		delta["motion"] = alarm1
	case zoneTypeWaterLeak:
		delta["water_leak"] = alarm1
	case zoneTypeFire:
		delta["smoke"] = alarm1
	case zoneTypeVibration:
		delta["vibration"] = alarm1
	default:
		delta["alarm"] = alarm1 || alarm2
	}
	return delta
}

// DiscoveryConfigs exposes the matching binary sensor.
func (h *IASZoneHandler) DiscoveryConfigs() []DiscoveryConfig {
	component, objectID, deviceClass, field := "binary_sensor", "alarm", "safety", "alarm"
	switch h.zoneType {
	case zoneTypeContact:
		objectID, deviceClass, field = "contact", "door", "contact"
	case zoneTypeMotion:
		objectID, deviceClass, field = "motion", "motion", "motion"
	case zoneTypeWaterLeak:
		objectID, deviceClass, field = "water_leak", "moisture", "water_leak"
	case zoneTypeFire:
		objectID, deviceClass, field = "smoke", "smoke", "smoke"
	case zoneTypeVibration:
		objectID, deviceClass, field = "vibration", "vibration", "vibration"
	}
	return []DiscoveryConfig{{
		Component: component,
		ObjectID:  objectID,
		Config: map[string]any{
			"device_class":   deviceClass,
			"value_template": "{{ value_json." + field + " }}",
			"payload_on":     true,
			"payload_off":    false,
		},
	}}
}
