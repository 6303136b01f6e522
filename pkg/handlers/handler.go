package handlers

import (
	"context"
	"fmt"
	"time"
)

// Device is the surface a handler needs from its owning device wrapper.
// Implemented by the device package; kept narrow so handlers stay testable
// with fakes.
type Device interface {
	IEEE() string
	Manufacturer() string
	Model() string

	// UpdateState merges a state delta through the device's capability filter.
	UpdateState(delta map[string]any, endpointID uint8)

	// EmitEvent publishes a structured event (button actions, alarms).
	EmitEvent(eventType string, data map[string]any)
}

// Cluster is a handler's view of one (endpoint, cluster) instance. All radio
// traffic flows through it; the device package implements it over the radio.
type Cluster interface {
	ID() uint16
	EndpointID() uint8

	// Bind binds the cluster to the coordinator.
	Bind(ctx context.Context) error

	// ConfigureReporting installs one attribute-reporting tuple.
	ConfigureReporting(ctx context.Context, attrID uint16, dataType uint8, minInterval, maxInterval uint16, change uint64) error

	// ReadAttributes reads the given attributes, returning decoded values for
	// the ones that succeeded.
	ReadAttributes(ctx context.Context, attrIDs []uint16) (map[uint16]any, error)

	// Command sends a cluster-specific command.
	Command(ctx context.Context, commandID uint8, payload []byte) error

	// WriteAttribute writes one attribute value.
	WriteAttribute(ctx context.Context, attrID uint16, dataType uint8, value []byte) error

	// ManufacturerCommand sends a manufacturer-specific frame.
	ManufacturerCommand(ctx context.Context, manufacturerCode uint16, frameType, commandID uint8, payload []byte) error
}

// ReportSpec is one attribute-reporting tuple a handler installs on configure.
type ReportSpec struct {
	AttrID      uint16
	DataType    uint8
	MinInterval uint16
	MaxInterval uint16
	Change      uint64
	Name        string
}

// DiscoveryConfig is one Home-Assistant-style entity descriptor.
type DiscoveryConfig struct {
	Component string         // light, switch, sensor, binary_sensor, cover, climate, number
	ObjectID  string         // unique within the device
	Config    map[string]any // payload fragment merged by the discovery publisher
}

// CommandSpec describes a control verb the handler accepts, for UI enumeration.
type CommandSpec struct {
	Name      string `json:"name"`
	ValueType string `json:"value_type"` // none, bool, int, float, string, json
	Endpoint  uint8  `json:"endpoint"`
}

// Handler is the per-(device, endpoint, cluster) strategy interface.
type Handler interface {
	// Cluster returns the bound cluster instance.
	Cluster() Cluster

	// AttributeUpdated consumes one attribute report or read response.
	AttributeUpdated(attrID uint16, value any, ts time.Time)

	// ClusterCommand consumes a cluster-specific command sent to us.
	ClusterCommand(tsn uint8, commandID uint8, args []byte)

	// Configure binds the cluster and installs attribute reporting. Failures
	// are per-attribute and non-fatal.
	Configure(ctx context.Context) error

	// Poll reads the handler's pollable attributes. The bool reports partial
	// failure: some reads failed after retries but others produced values.
	Poll(ctx context.Context) (map[string]any, bool)

	// DiscoveryConfigs returns the handler's HA discovery descriptors.
	DiscoveryConfigs() []DiscoveryConfig

	// Commands enumerates the control verbs the handler accepts.
	Commands() []CommandSpec

	// HandleCommand executes a verb and returns the optimistic state delta to
	// apply on success.
	HandleCommand(ctx context.Context, verb string, value any) (map[string]any, error)
}

// ErrUnknownCommand is returned by HandleCommand for verbs the handler does
// not implement.
var ErrUnknownCommand = fmt.Errorf("unknown command")
