package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

// Base provides the shared behaviour every cluster handler builds on:
// report-config driven Configure, pollable-attribute driven Poll, and the
// default no-op listener callbacks.
type Base struct {
	Dev  Device
	Clus Cluster

	// ReportConfig drives Configure.
	ReportConfig []ReportSpec

	// Pollable maps attribute IDs to state field names for Poll.
	Pollable map[uint16]string

	// Parse converts a raw attribute value into (field, value). A nil return
	// field drops the attribute. Set by the concrete handler.
	Parse func(attrID uint16, value any) (string, any)
}

// Cluster returns the bound cluster instance.
func (b *Base) Cluster() Cluster { return b.Clus }

// AttributeUpdated parses the raw value and pushes the delta into the device.
func (b *Base) AttributeUpdated(attrID uint16, value any, ts time.Time) {
	if value == nil {
		return
	}
	field, parsed := b.parseAttr(attrID, value)
	if field == "" {
		return
	}
	b.Dev.UpdateState(map[string]any{field: parsed}, b.Clus.EndpointID())
}

func (b *Base) parseAttr(attrID uint16, value any) (string, any) {
	if b.Parse != nil {
		return b.Parse(attrID, value)
	}
	return AttrFallbackName(b.Clus.ID(), attrID), value
}

// ClusterCommand is a no-op by default; command-driven handlers override it.
func (b *Base) ClusterCommand(tsn uint8, commandID uint8, args []byte) {
	log.Debug().
		Str("ieee", b.Dev.IEEE()).
		Str("cluster", zcl.ClusterName(b.Clus.ID())).
		Uint8("cmd", commandID).
		Msg("Cluster command received")
}

// Configure binds the cluster and installs the handler's reporting tuples.
// One failing attribute never prevents the rest.
func (b *Base) Configure(ctx context.Context) error {
	bindCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := b.Clus.Bind(bindCtx)
	cancel()
	if err != nil {
		log.Warn().
			Err(err).
			Str("ieee", b.Dev.IEEE()).
			Str("cluster", zcl.ClusterName(b.Clus.ID())).
			Msg("Cluster bind failed")
		return err
	}

	for _, rc := range b.ReportConfig {
		repCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := b.Clus.ConfigureReporting(repCtx, rc.AttrID, rc.DataType, rc.MinInterval, rc.MaxInterval, rc.Change)
		cancel()
		if err != nil {
			log.Warn().
				Err(err).
				Str("ieee", b.Dev.IEEE()).
				Str("attr", rc.Name).
				Msg("Configure reporting failed")
			continue
		}
		log.Debug().
			Str("ieee", b.Dev.IEEE()).
			Str("attr", rc.Name).
			Uint16("min", rc.MinInterval).
			Uint16("max", rc.MaxInterval).
			Msg("Reporting configured")
	}
	return nil
}

// Poll reads the handler's pollable attributes one at a time so a single
// unsupported attribute can't fail the batch.
func (b *Base) Poll(ctx context.Context) (map[string]any, bool) {
	results := make(map[string]any)
	partial := false

	for attrID := range b.Pollable {
		values, err := b.Clus.ReadAttributes(ctx, []uint16{attrID})
		if err != nil {
			partial = true
			continue
		}
		value, ok := values[attrID]
		if !ok || value == nil {
			continue
		}
		field, parsed := b.parseAttr(attrID, value)
		if field == "" {
			continue
		}
		results[field] = parsed
		results[field+"_raw"] = value
	}
	return results, partial
}

// DiscoveryConfigs is empty by default.
func (b *Base) DiscoveryConfigs() []DiscoveryConfig { return nil }

// Commands is empty by default.
func (b *Base) Commands() []CommandSpec { return nil }

// HandleCommand rejects every verb by default.
func (b *Base) HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error) {
	return nil, ErrUnknownCommand
}

// AttrFallbackName builds the internal field name for an unmapped attribute.
// Fields with this shape never reach MQTT.
func AttrFallbackName(clusterID, attrID uint16) string {
	return attrName(clusterID, attrID)
}

func attrName(clusterID, attrID uint16) string {
	const hexdigits = "0123456789abcdef"
	buf := []byte("cluster_0000_attr_0000")
	for i := 0; i < 4; i++ {
		buf[8+3-i] = hexdigits[(clusterID>>(4*i))&0xF]
		buf[18+3-i] = hexdigits[(attrID>>(4*i))&0xF]
	}
	return string(buf)
}

// ToFloat coerces the decoded ZCL numeric types to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToInt coerces the decoded ZCL numeric types to int64.
func ToInt(v any) (int64, bool) {
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// ToBool coerces ZCL booleans and numerics to bool.
func ToBool(v any) (bool, bool) {
	switch n := v.(type) {
	case bool:
		return n, true
	default:
		f, ok := ToFloat(v)
		if !ok {
			return false, false
		}
		return f != 0, true
	}
}
