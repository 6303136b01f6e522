package handlers

import (
	"math"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Shared measured-value attribute ID for the measurement cluster family.
const attrMeasuredValue uint16 = 0x0000

// measurementSpec parameterises one measurement cluster: field name, unit
// scaling, discovery metadata and battery-friendly reporting cadence.
type measurementSpec struct {
	clusterID   uint16
	field       string
	deviceClass string
	unit        string
	report      ReportSpec
	parse       func(raw float64) (any, bool)
}

var measurementSpecs = []measurementSpec{
	{
		clusterID:   zcl.ClusterTemperature,
		field:       "temperature",
		deviceClass: "temperature",
		unit:        "°C",
		report:      ReportSpec{AttrID: attrMeasuredValue, DataType: zcl.TypeInt16, MinInterval: 30, MaxInterval: 3600, Change: 50, Name: "temperature"},
		parse: func(raw float64) (any, bool) {
			if raw == -32768 {
				return nil, false
			}
			return math.Round(raw) / 100, true
		},
	},
	{
		clusterID:   zcl.ClusterHumidity,
		field:       "humidity",
		deviceClass: "humidity",
		unit:        "%",
		report:      ReportSpec{AttrID: attrMeasuredValue, DataType: zcl.TypeUint16, MinInterval: 30, MaxInterval: 3600, Change: 100, Name: "humidity"},
		parse: func(raw float64) (any, bool) {
			if raw > 10000 {
				return nil, false
			}
			return math.Round(raw) / 100, true
		},
	},
	{
		clusterID:   zcl.ClusterPressure,
		field:       "pressure",
		deviceClass: "pressure",
		unit:        "hPa",
		report:      ReportSpec{AttrID: attrMeasuredValue, DataType: zcl.TypeInt16, MinInterval: 30, MaxInterval: 3600, Change: 10, Name: "pressure"},
		parse: func(raw float64) (any, bool) {
			return raw, true
		},
	},
	{
		clusterID:   zcl.ClusterIlluminance,
		field:       "illuminance",
		deviceClass: "illuminance",
		unit:        "lx",
		report:      ReportSpec{AttrID: attrMeasuredValue, DataType: zcl.TypeUint16, MinInterval: 5, MaxInterval: 300, Change: 100, Name: "illuminance"},
		parse: func(raw float64) (any, bool) {
			// Measured value is 10000*log10(lux)+1.
			if raw == 0 {
				return int64(0), true
			}
			return int64(math.Round(math.Pow(10, (raw-1)/10000))), true
		},
	},
	{
		clusterID:   zcl.ClusterCO2Measurement,
		field:       "co2",
		deviceClass: "carbon_dioxide",
		unit:        "ppm",
		report:      ReportSpec{AttrID: attrMeasuredValue, DataType: zcl.TypeSingle, MinInterval: 30, MaxInterval: 3600, Change: 1, Name: "co2"},
		parse: func(raw float64) (any, bool) {
			// Reported as a fraction of one.
			return int64(math.Round(raw * 1e6)), true
		},
	},
	{
		clusterID:   zcl.ClusterPM25Measurement,
		field:       "pm25",
		deviceClass: "pm25",
		unit:        "µg/m³",
		report:      ReportSpec{AttrID: attrMeasuredValue, DataType: zcl.TypeSingle, MinInterval: 30, MaxInterval: 3600, Change: 1, Name: "pm25"},
		parse: func(raw float64) (any, bool) {
			return math.Round(raw*10) / 10, true
		},
	},
}

// MeasurementHandler covers the 0x04xx measurement cluster family with one
// spec-driven implementation per cluster.
type MeasurementHandler struct {
	Base
	spec measurementSpec
}

func init() {
	for _, spec := range measurementSpecs {
		spec := spec
		Register(spec.clusterID, func(dev Device, cluster Cluster) Handler {
			return newMeasurementHandler(dev, cluster, spec)
		})
	}
}

func newMeasurementHandler(dev Device, cluster Cluster, spec measurementSpec) Handler {
	h := &MeasurementHandler{Base: Base{Dev: dev, Clus: cluster}, spec: spec}
	h.ReportConfig = []ReportSpec{spec.report}
	h.Pollable = map[uint16]string{attrMeasuredValue: spec.field}
	h.Parse = h.parse
	return h
}

func (h *MeasurementHandler) parse(attrID uint16, value any) (string, any) {
	if attrID != attrMeasuredValue {
		return AttrFallbackName(h.spec.clusterID, attrID), value
	}
	raw, ok := ToFloat(value)
	if !ok {
		return "", nil
	}
	parsed, ok := h.spec.parse(raw)
	if !ok {
		return "", nil
	}
	return h.spec.field, parsed
}

// DiscoveryConfigs exposes the matching HA sensor.
func (h *MeasurementHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "sensor",
		ObjectID:  h.spec.field,
		Config: map[string]any{
			"device_class":        h.spec.deviceClass,
			"unit_of_measurement": h.spec.unit,
			"state_class":         "measurement",
			"value_template":      "{{ value_json." + h.spec.field + " }}",
		},
	}}
}
