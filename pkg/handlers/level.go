package handlers

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Level Control cluster attribute and command IDs
const (
	attrCurrentLevel uint16 = 0x0000

	cmdMoveToLevel          uint8 = 0x00
	cmdMoveToLevelWithOnOff uint8 = 0x04
)

// LevelHandler drives cluster 0x0008, the brightness domain. Canonical state
// carries both brightness (raw 0-254) and level (0-100 %) simultaneously.
type LevelHandler struct {
	Base
}

func init() {
	Register(zcl.ClusterLevelControl, NewLevelHandler)
}

// NewLevelHandler constructs the handler for one (device, endpoint) pair.
func NewLevelHandler(dev Device, cluster Cluster) Handler {
	h := &LevelHandler{Base: Base{Dev: dev, Clus: cluster}}
	h.ReportConfig = []ReportSpec{
		{AttrID: attrCurrentLevel, DataType: zcl.TypeUint8, MinInterval: 1, MaxInterval: 300, Change: 1, Name: "current_level"},
	}
	h.Pollable = map[uint16]string{attrCurrentLevel: "brightness"}
	h.Parse = h.parse
	return h
}

func (h *LevelHandler) parse(attrID uint16, value any) (string, any) {
	if attrID != attrCurrentLevel {
		return AttrFallbackName(zcl.ClusterLevelControl, attrID), value
	}
	raw, ok := ToInt(value)
	if !ok {
		return "", nil
	}
	return "brightness", clampBrightness(raw)
}

// AttributeUpdated emits brightness and its percentage twin together.
func (h *LevelHandler) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	if attrID != attrCurrentLevel {
		h.Base.AttributeUpdated(attrID, value, ts)
		return
	}
	raw, ok := ToInt(value)
	if !ok {
		return
	}
	brightness := clampBrightness(raw)
	h.Dev.UpdateState(map[string]any{
		"brightness": brightness,
		"level":      BrightnessToPercent(brightness),
	}, h.Clus.EndpointID())
}

// Commands enumerates the control verbs for the UI.
func (h *LevelHandler) Commands() []CommandSpec {
	ep := h.Clus.EndpointID()
	return []CommandSpec{
		{Name: "brightness", ValueType: "int", Endpoint: ep},
		{Name: "level", ValueType: "int", Endpoint: ep},
	}
}

// HandleCommand accepts brightness (raw 0-254) or level (0-100 %). A zero
// target turns the light off through the with-on/off variant.
func (h *LevelHandler) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	var raw int64
	switch verb {
	case "brightness":
		v, ok := ToFloat(value)
		if !ok {
			return nil, ErrUnknownCommand
		}
		raw = clampBrightness(int64(math.Round(v)))
	case "level":
		v, ok := ToFloat(value)
		if !ok {
			return nil, ErrUnknownCommand
		}
		raw = PercentToBrightness(v)
	default:
		return nil, ErrUnknownCommand
	}

	payload := make([]byte, 3)
	payload[0] = uint8(raw)
	binary.LittleEndian.PutUint16(payload[1:3], 10) // 1 s transition
	if err := h.Clus.Command(ctx, cmdMoveToLevelWithOnOff, payload); err != nil {
		return nil, err
	}

	delta := map[string]any{
		"brightness": raw,
		"level":      BrightnessToPercent(raw),
	}
	if raw == 0 {
		delta["state"] = "OFF"
		delta["on"] = false
	} else {
		delta["state"] = "ON"
		delta["on"] = true
	}
	return delta, nil
}

// DiscoveryConfigs upgrades the entity to a dimmable light.
func (h *LevelHandler) DiscoveryConfigs() []DiscoveryConfig {
	return []DiscoveryConfig{{
		Component: "light",
		ObjectID:  suffixedObjectID("light", h.Clus.EndpointID()),
		Config: map[string]any{
			"schema":     "json",
			"brightness": true,
		},
	}}
}

func clampBrightness(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > 254 {
		return 254
	}
	return v
}

// BrightnessToPercent maps raw 0-254 brightness to the UI 0-100 scale.
func BrightnessToPercent(raw int64) int64 {
	return int64(math.Round(float64(raw) / 2.54))
}

// PercentToBrightness maps the UI 0-100 scale to raw brightness.
func PercentToBrightness(pct float64) int64 {
	return clampBrightness(int64(math.Round(pct * 2.54)))
}
