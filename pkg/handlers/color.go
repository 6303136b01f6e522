package handlers

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Color Control cluster attribute and command IDs
const (
	attrCurrentHue        uint16 = 0x0000
	attrCurrentSaturation uint16 = 0x0001
	attrCurrentX          uint16 = 0x0003
	attrCurrentY          uint16 = 0x0004
	attrColorTemperature  uint16 = 0x0007
	attrColorMode         uint16 = 0x0008

	cmdMoveToHue       uint8 = 0x00
	cmdMoveToHueAndSat uint8 = 0x06
	cmdMoveToColor     uint8 = 0x07
	cmdMoveToColorTemp uint8 = 0x0A
)

// ColorHandler drives cluster 0x0300: mireds, Kelvin, xy and hue/saturation.
type ColorHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterColorControl, NewColorHandler)
}

// NewColorHandler constructs the handler for one (device, endpoint) pair.
func NewColorHandler(dev Device, cluster Cluster) Handler {
	h := &ColorHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrColorTemperature, DataType: zcl.TypeUint16, MinInterval: 1, MaxInterval: 300, Change: 1, Name: "color_temperature"},
		{AttrID: attrCurrentX, DataType: zcl.TypeUint16, MinInterval: 1, MaxInterval: 300, Change: 10, Name: "current_x"},
		{AttrID: attrCurrentY, DataType: zcl.TypeUint16, MinInterval: 1, MaxInterval: 300, Change: 10, Name: "current_y"},
	}
	h.Pollable = map[uint16]string{
		attrColorTemperature: "color_temp",
		attrCurrentX:         "color_x",
		attrCurrentY:         "color_y",
	}
	h.Parse = h.parse
	return h
}

func (h *ColorHandler) parse(attrID uint16, value any) (string, any) {
	switch attrID {
	case attrColorTemperature:
		mireds, ok := ToInt(value)
		if !ok || mireds == 0 {
			return "", nil
		}
		return "color_temp", mireds
	case attrCurrentX:
		raw, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		return "color_x", round4(raw / 65535)
	case attrCurrentY:
		raw, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		return "color_y", round4(raw / 65535)
	case attrCurrentHue:
		hue, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		return "hue", math.Round(hue * 360 / 254)
	case attrCurrentSaturation:
		sat, ok := ToFloat(value)
		if !ok {
			return "", nil
		}
		return "saturation", math.Round(sat * 100 / 254)
	case attrColorMode:
		mode, ok := ToInt(value)
		if !ok {
			return "", nil
		}
		return "color_mode", colorModeName(mode)
	default:
		return AttrFallbackName(zcl.ClusterColorControl, attrID), value
	}
}

// AttributeUpdated publishes the Kelvin twin alongside mireds.
func (h *ColorHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	if attrID == attrColorTemperature {
		mireds, ok := ToInt(value)
		if !ok || mireds == 0 {
			return
		}
		h.Dev.UpdateState(map[string]any{
			"color_temp":        mireds,
			"color_temp_kelvin": MiredsToKelvin(mireds),
		}, h.Clus.EndpointID())
		return
	}
	h.Base.AttributeUpdated(attrID, value, ts)
}

// Commands enumerates the control verbs for the UI.
func (h *ColorHandler) Commands() []CommandSpec {
	ep := h.Clus.EndpointID()
	return []CommandSpec{
		{Name: "color_temp", ValueType: "int", Endpoint: ep},
		{Name: "color_temp_kelvin", ValueType: "int", Endpoint: ep},
		{Name: "color_xy", ValueType: "json", Endpoint: ep},
		{Name: "hue_sat", ValueType: "json", Endpoint: ep},
	}
}

// HandleCommand executes a color change with a 1 s transition.
func (h *ColorHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	const transition = uint16(10)
	switch verb {
	case "color_temp":
		mireds, ok := ToFloat(value)
		if !ok {
			return nil, ErrUnknownCommand
		}
		return h.moveToColorTemp(ctx, int64(math.Round(mireds)), transition)
	case "color_temp_kelvin":
		kelvin, ok := ToFloat(value)
		if !ok || kelvin <= 0 {
			return nil, ErrUnknownCommand
		}
		return h.moveToColorTemp(ctx, KelvinToMireds(int64(math.Round(kelvin))), transition)
	case "color_xy":
		coords, ok := value.(map[string]any)
		if !ok {
			return nil, ErrUnknownCommand
		}
		x, okX := ToFloat(coords["x"])
		y, okY := ToFloat(coords["y"])
		if !okX || !okY {
			return nil, ErrUnknownCommand
		}
		payload := make([]byte, 6)
		binary.LittleEndian.PutUint16(payload[0:2], uint16(math.Round(x*65535)))
		binary.LittleEndian.PutUint16(payload[2:4], uint16(math.Round(y*65535)))
		binary.LittleEndian.PutUint16(payload[4:6], transition)
		if err := h.Clus.Command(ctx, cmdMoveToColor, payload); err != nil {
			return nil, err
		}
		return map[string]any{"color_x": round4(x), "color_y": round4(y), "color_mode": "xy"}, nil
	case "hue_sat":
		coords, ok := value.(map[string]any)
		if !ok {
			return nil, ErrUnknownCommand
		}
		hue, okH := ToFloat(coords["hue"])
		sat, okS := ToFloat(coords["saturation"])
		if !okH || !okS {
			return nil, ErrUnknownCommand
		}
		payload := make([]byte, 4)
		payload[0] = uint8(math.Round(hue * 254 / 360))
		payload[1] = uint8(math.Round(sat * 254 / 100))
		binary.LittleEndian.PutUint16(payload[2:4], transition)
		if err := h.Clus.Command(ctx, cmdMoveToHueAndSat, payload); err != nil {
			return nil, err
		}
		return map[string]any{"hue": hue, "saturation": sat, "color_mode": "hs"}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

func (h *ColorHandler) moveToColorTemp(ctx context.Context, mireds int64, transition uint16) (map[string]any, error) {
	if mireds < 1 {
		mireds = 1
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(mireds))
	binary.LittleEndian.PutUint16(payload[2:4], transition)
	if err := h.Clus.Command(ctx, cmdMoveToColorTemp, payload); err != nil {
		return nil, err
	}
	return map[string]any{
		"color_temp":        mireds,
		"color_temp_kelvin": MiredsToKelvin(mireds),
		"color_mode":        "color_temp",
	}, nil
}

// DiscoveryConfigs marks the light as color-capable.
func (h *ColorHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "light",
		ObjectID:  suffixedObjectID("light", h.Clus.EndpointID()),
		Config: map[string]any{
			"schema":                "json",
			"brightness":            true,
			"color_temp":            true,
			"supported_color_modes": []string{"color_temp", "xy"},
		},
	}}
}

// MiredsToKelvin converts mireds to Kelvin, rounded.
func MiredsToKelvin(mireds int64) int64 {
	if mireds <= 0 {
		return 0
	}
	return int64(math.Round(1e6 / float64(mireds)))
}

// KelvinToMireds converts Kelvin to mireds, rounded.
func KelvinToMireds(kelvin int64) int64 {
	if kelvin <= 0 {
		return 0
	}
	return int64(math.Round(1e6 / float64(kelvin)))
}

func colorModeName(mode int64) string {
	switch mode {
	case 0:
		return "hs"
	case 1:
		return "xy"
	case 2:
		return "color_temp"
	default:
		return "unknown"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
