package zigbee

import (
	"context"
	"errors"
)

// Family identifies the host-to-radio protocol spoken by the NCP.
type Family string

const (
	FamilyEZSP    Family = "ezsp"
	FamilyZNP     Family = "znp"
	FamilyNoRadio Family = "none"
)

// ErrNoRadio reports that no supported radio answers on the port. Probe does
// not return it; Probe reports that case as FamilyNoRadio.
var ErrNoRadio = errors.New("no radio detected")

// Message is one inbound APS frame from the mesh. The handler hot path consumes
// these synchronously; LQI/RSSI also feed the zone link statistics.
type Message struct {
	Sender      uint16
	Profile     uint16
	Cluster     uint16
	SrcEndpoint uint8
	DstEndpoint uint8
	LQI         uint8
	RSSI        int8
	Data        []byte
}

// Neighbor is one entry from a router's neighbor table.
type Neighbor struct {
	IEEE         string `json:"ieee"`
	NodeID       uint16 `json:"nwk"`
	LQI          uint8  `json:"lqi"`
	Relationship uint8  `json:"relationship"`
	DeviceType   uint8  `json:"device_type"`
	Depth        uint8  `json:"depth"`
}

// EventListener receives the radio's async events. Implementations must not
// block: the radio invokes them from its receive pump.
type EventListener interface {
	// DeviceJoined fires when the trust center admits a device.
	DeviceJoined(ieee string, nwk uint16)
	// DeviceLeft fires when a device leaves or is removed from the network.
	DeviceLeft(ieee string)
	// HandleMessage is the hot path for every inbound APS frame.
	HandleMessage(msg *Message)
	// RelaysUpdated fires when the route to a device changes.
	RelaysUpdated(ieee string, relays []uint16)
}

// NetworkConfig carries the parameters used to bring the network up.
type NetworkConfig struct {
	Channel    uint8
	PanID      uint16
	ExtPanID   [8]byte
	NetworkKey [16]byte
	TxPower    int8

	// Profile scales NCP table sizes by expected device count.
	Profile TuningProfile
}

// TuningProfile selects the NCP table sizing.
type TuningProfile string

const (
	TuningStandard TuningProfile = "standard" // <= 20 devices
	TuningPro      TuningProfile = "pro"      // 21-50 devices
	TuningLarge    TuningProfile = "large"    // > 50 devices
)

// TuningForDeviceCount picks the NCP tuning profile for a device count.
func TuningForDeviceCount(n int) TuningProfile {
	switch {
	case n > 50:
		return TuningLarge
	case n > 20:
		return TuningPro
	default:
		return TuningStandard
	}
}

// Radio is the capability interface over the two supported stack families.
// Every method is potentially suspending and carries a context timeout; errors
// are either transient stack errors (routed through the supervisor's retry
// machinery) or permanent.
type Radio interface {
	// Start brings the network up, resuming a persisted network when one exists.
	Start(ctx context.Context, cfg NetworkConfig) error

	// AddListener registers an event listener. Must be called before Start.
	AddListener(l EventListener)

	// SendUnicast sends a ZCL payload to a device endpoint.
	SendUnicast(ctx context.Context, nwk uint16, profile, cluster uint16, srcEp, dstEp uint8, payload []byte) error

	// ZDORequest issues a ZDO request and waits for the matching response
	// cluster (request | 0x8000), returning the raw response payload.
	ZDORequest(ctx context.Context, nwk uint16, cluster uint16, payload []byte) ([]byte, error)

	// PermitJoin opens the network for joining; duration 0 closes it.
	PermitJoin(ctx context.Context, duration uint8) error

	// PermitWithLinkKey opens joining for a specific device with an install code
	// derived link key.
	PermitWithLinkKey(ctx context.Context, ieee string, key [16]byte, duration uint8) error

	// Leave asks a device to leave the network.
	Leave(ctx context.Context, nwk uint16, ieee string) error

	// NetworkState probes stack health; the supervisor uses this to verify
	// recovery.
	NetworkState(ctx context.Context) (string, error)

	// CoordinatorIEEE returns the coordinator's own address, canonicalised.
	CoordinatorIEEE() string

	// Family identifies the running stack.
	Family() Family

	// Shutdown stops the stack and closes the transport.
	Shutdown() error
}
