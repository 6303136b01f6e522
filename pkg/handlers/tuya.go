package handlers

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Tuya cluster command IDs
const (
	tuyaSetData            uint8 = 0x00
	tuyaGetData            uint8 = 0x01
	tuyaSetDataResponse    uint8 = 0x02
	tuyaActiveStatusReport uint8 = 0x06
	tuyaTimeRequest        uint8 = 0x24
)

// Tuya DP wire types
const (
	TuyaTypeRaw    uint8 = 0x00
	TuyaTypeBool   uint8 = 0x01
	TuyaTypeValue  uint8 = 0x02
	TuyaTypeString uint8 = 0x03
	TuyaTypeEnum   uint8 = 0x04
	TuyaTypeBitmap uint8 = 0x05
)

// TuyaDP maps one data point to a state field. The tables are configuration
// data: firmware revisions shuffle DP ids and the per-model tables absorb that.
type TuyaDP struct {
	DPID    uint8
	Name    string
	Scale   float64
	Unit    string
	Type    uint8
	Convert func(v int64) any
}

func convertRadarState(v int64) any {
	switch v {
	case 0:
		return "none"
	case 1:
		return "presence"
	case 2:
		return "move"
	case 3:
		return "static"
	case 4:
		return "move_and_static"
	default:
		return "unknown"
	}
}

func convertOnOff(v int64) any {
	if v != 0 {
		return "ON"
	}
	return "OFF"
}

func convertPresence(v int64) any {
	if v != 0 {
		return "presence"
	}
	return "clear"
}

// tuyaRadarDPs is the standard 24 GHz radar table.
var tuyaRadarDPs = []TuyaDP{
	{DPID: 1, Name: "radar_state", Type: TuyaTypeEnum, Convert: convertRadarState},
	{DPID: 2, Name: "radar_sensitivity", Type: TuyaTypeValue, Scale: 1},
	{DPID: 102, Name: "presence_sensitivity", Type: TuyaTypeValue, Scale: 1},
	{DPID: 105, Name: "keep_time", Type: TuyaTypeValue, Scale: 1, Unit: "s"},
	{DPID: 3, Name: "detection_distance_min", Type: TuyaTypeValue, Scale: 0.01, Unit: "m"},
	{DPID: 4, Name: "detection_distance_max", Type: TuyaTypeValue, Scale: 0.01, Unit: "m"},
	{DPID: 9, Name: "distance", Type: TuyaTypeValue, Scale: 0.01, Unit: "m"},
	{DPID: 104, Name: "illuminance", Type: TuyaTypeValue, Scale: 1, Unit: "lux"},
	{DPID: 10, Name: "fading_time", Type: TuyaTypeValue, Scale: 1, Unit: "s"},
}

// tuyaRadarZYM100DPs covers the ZY-M100-24GV2 family (_TZE204_7gclukjs).
var tuyaRadarZYM100DPs = []TuyaDP{
	{DPID: 104, Name: "presence", Type: TuyaTypeBool, Convert: convertPresence},
	{DPID: 1, Name: "radar_state", Type: TuyaTypeEnum, Convert: convertRadarState},
	{DPID: 103, Name: "illuminance", Type: TuyaTypeValue, Scale: 1, Unit: "lux"},
	{DPID: 9, Name: "distance", Type: TuyaTypeValue, Scale: 0.1, Unit: "m"},
	{DPID: 2, Name: "radar_sensitivity", Type: TuyaTypeValue, Scale: 1},
	{DPID: 102, Name: "presence_sensitivity", Type: TuyaTypeValue, Scale: 1},
	{DPID: 3, Name: "detection_distance_min", Type: TuyaTypeValue, Scale: 0.01, Unit: "m"},
	{DPID: 4, Name: "detection_distance_max", Type: TuyaTypeValue, Scale: 0.01, Unit: "m"},
	{DPID: 105, Name: "keep_time", Type: TuyaTypeValue, Scale: 1, Unit: "s"},
	{DPID: 10, Name: "fading_time", Type: TuyaTypeValue, Scale: 1, Unit: "s"},
}

// tuyaCoverDPs covers Tuya curtain motors (_TZE200_zah67ekd family).
var tuyaCoverDPs = []TuyaDP{
	{DPID: 1, Name: "control", Type: TuyaTypeEnum, Convert: func(v int64) any {
		switch v {
		case 0:
			return "open"
		case 1:
			return "stop"
		case 2:
			return "close"
		default:
			return "unknown"
		}
	}},
	{DPID: 2, Name: "position", Type: TuyaTypeValue, Scale: 1, Unit: "%"},
	{DPID: 3, Name: "position_report", Type: TuyaTypeValue, Scale: 1, Unit: "%"},
	{DPID: 7, Name: "work_state", Type: TuyaTypeEnum, Convert: func(v int64) any {
		switch v {
		case 0:
			return "idle"
		case 1:
			return "closing"
		case 2:
			return "opening"
		default:
			return "unknown"
		}
	}},
}

// tuyaAirQualityDPs covers the common air quality combo sensors.
var tuyaAirQualityDPs = []TuyaDP{
	{DPID: 1, Name: "temperature", Type: TuyaTypeValue, Scale: 0.1, Unit: "°C"},
	{DPID: 2, Name: "humidity", Type: TuyaTypeValue, Scale: 1, Unit: "%"},
	{DPID: 18, Name: "co2", Type: TuyaTypeValue, Scale: 1, Unit: "ppm"},
	{DPID: 19, Name: "voc", Type: TuyaTypeValue, Scale: 1, Unit: "ppm"},
	{DPID: 20, Name: "formaldehyde", Type: TuyaTypeValue, Scale: 0.01, Unit: "mg/m³"},
	{DPID: 21, Name: "pm25", Type: TuyaTypeValue, Scale: 1, Unit: "µg/m³"},
}

// tuyaSwitchDPs covers multi-gang Tuya switches.
var tuyaSwitchDPs = []TuyaDP{
	{DPID: 1, Name: "state_1", Type: TuyaTypeBool, Convert: convertOnOff},
	{DPID: 2, Name: "state_2", Type: TuyaTypeBool, Convert: convertOnOff},
	{DPID: 3, Name: "state_3", Type: TuyaTypeBool, Convert: convertOnOff},
	{DPID: 4, Name: "state_4", Type: TuyaTypeBool, Convert: convertOnOff},
	{DPID: 9, Name: "countdown_1", Type: TuyaTypeValue, Scale: 1, Unit: "s"},
	{DPID: 10, Name: "countdown_2", Type: TuyaTypeValue, Scale: 1, Unit: "s"},
}

// tuyaModelTables matches model substrings to DP tables, most specific first.
var tuyaModelTables = []struct {
	match func(model string) bool
	table []TuyaDP
}{
	{func(m string) bool { return strings.Contains(m, "7gclukjs") || strings.Contains(m, "zy-m100") }, tuyaRadarZYM100DPs},
	{func(m string) bool {
		return strings.Contains(m, "zah67ekd") || strings.Contains(m, "cover") || strings.Contains(m, "curtain")
	}, tuyaCoverDPs},
	{func(m string) bool { return strings.Contains(m, "air") || strings.Contains(m, "8ygsuhe1") }, tuyaAirQualityDPs},
	{func(m string) bool { return strings.Contains(m, "switch") || strings.Contains(m, "ts000") }, tuyaSwitchDPs},
}

// TuyaHandler drives cluster 0xEF00: the manufacturer DP tunnel.
type TuyaHandler struct {
	Base
	dps map[uint8]TuyaDP
}

func init() {
	Register(zcl.ClusterTuya, NewTuyaHandler)
}

// NewTuyaHandler constructs the handler, picking the DP table by model.
func NewTuyaHandler(dev Device, cluster Cluster) Handler {
	h := &TuyaHandler{
		Base: Base{Dev: dev, Clus: cluster},
		dps:  make(map[uint8]TuyaDP),
	}
	table := tuyaRadarDPs
	model := strings.ToLower(dev.Model())
	for _, entry := range tuyaModelTables {
		if entry.match(model) {
			table = entry.table
			break
		}
	}
	for _, dp := range table {
		h.dps[dp.DPID] = dp
	}
	return h
}

// AttributeUpdated is unused: Tuya devices speak only through DP commands.
func (h *TuyaHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {}

// ClusterCommand decodes DP reports. Frame: status(2) + transid(1) then
// repeated [dp(1) type(1) len(2 BE) data].
func (h *TuyaHandler) ClusterCommand(tsn uint8, commandID uint8, args []byte) {
	switch commandID {
	case tuyaSetDataResponse, tuyaActiveStatusReport, tuyaGetData:
	case tuyaTimeRequest:
		return
	default:
		return
	}
	if len(args) < 3 {
		return
	}
	delta := make(map[string]any)
	offset := 3
	for offset+4 <= len(args) {
		dpID := args[offset]
		dpType := args[offset+1]
		dpLen := int(binary.BigEndian.Uint16(args[offset+2 : offset+4]))
		offset += 4
		if offset+dpLen > len(args) {
			break
		}
		data := args[offset : offset+dpLen]
		offset += dpLen

		raw, ok := decodeTuyaValue(dpType, data)
		if !ok {
			continue
		}

		dp, known := h.dps[dpID]
		if !known {
			log.Debug().
				Str("ieee", h.Dev.IEEE()).
				Uint8("dp", dpID).
				Int64("value", raw).
				Msg("Unmapped Tuya DP")
			continue
		}

		if dp.Convert != nil {
			delta[dp.Name] = dp.Convert(raw)
		} else if dp.Scale != 0 && dp.Scale != 1 {
			delta[dp.Name] = math.Round(float64(raw)*dp.Scale*100) / 100
		} else {
			delta[dp.Name] = raw
		}
	}
	if len(delta) > 0 {
		h.Dev.UpdateState(delta, h.Clus.EndpointID())
	}
}

// Configure only binds: Tuya devices reject standard reporting configuration.
func (h *TuyaHandler) Configure(ctx context.Context) error {
	bindCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.Clus.Bind(bindCtx)
}

// Commands enumerates the writable DPs.
func (h *TuyaHandler) Commands() []CommandSpec {
	out := make([]CommandSpec, 0, len(h.dps))
	for _, dp := range h.dps {
		valueType := "int"
		switch dp.Type {
		case TuyaTypeBool:
			valueType = "bool"
		case TuyaTypeEnum:
			valueType = "int"
		case TuyaTypeString:
			valueType = "string"
		}
		out = append(out, CommandSpec{Name: dp.Name, ValueType: valueType, Endpoint: h.Clus.EndpointID()})
	}
	return out
}

// HandleCommand writes one DP value through the tunnel.
func (h *TuyaHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	var target *TuyaDP
	for _, dp := range h.dps {
		if dp.Name == verb {
			dp := dp
			target = &dp
			break
		}
	}
	if target == nil {
		return nil, ErrUnknownCommand
	}

	raw, ok := ToFloat(value)
	if !ok {
		return nil, ErrUnknownCommand
	}
	if target.Scale != 0 && target.Scale != 1 {
		raw = raw / target.Scale
	}

	payload := encodeTuyaSetData(target.DPID, target.Type, int64(math.Round(raw)))
	if err := h.Clus.Command(ctx, tuyaSetData, payload); err != nil {
		return nil, err
	}

	delta := map[string]any{}
	if target.Convert != nil {
		delta[target.Name] = target.Convert(int64(math.Round(raw)))
	} else {
		delta[target.Name] = value
	}
	return delta, nil
}

func decodeTuyaValue(dpType uint8, data []byte) (int64, bool) {
	switch dpType {
	case TuyaTypeBool, TuyaTypeEnum:
		if len(data) < 1 {
			return 0, false
		}
		return int64(data[0]), true
	case TuyaTypeValue, TuyaTypeBitmap:
		if len(data) < 4 {
			return 0, false
		}
		return int64(int32(binary.BigEndian.Uint32(data))), true
	default:
		return 0, false
	}
}

func encodeTuyaSetData(dpID, dpType uint8, value int64) []byte {
	var data []byte
	switch dpType {
	case TuyaTypeBool, TuyaTypeEnum:
		data = []byte{byte(value)}
	default:
		data = make([]byte, 4)
		binary.BigEndian.PutUint32(data, uint32(value))
	}
	out := make([]byte, 0, 7+len(data))
	out = append(out, 0x00, 0x00)            // status
	out = append(out, zcl.NextSeq())         // transaction id
	out = append(out, dpID, dpType)          // dp header
	out = append(out, 0x00, byte(len(data))) // big-endian length
	out = append(out, data...)
	return out
}
