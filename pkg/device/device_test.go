package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/zigbridge/pkg/zcl"
	"github.com/urmzd/zigbridge/pkg/zigbee"
)

// fakeRadio records unicasts and answers ZDO requests with canned payloads.
type fakeRadio struct {
	mu       sync.Mutex
	unicasts []fakeUnicast
}

type fakeUnicast struct {
	nwk     uint16
	cluster uint16
	dstEp   uint8
	payload []byte
}

func (f *fakeRadio) SendUnicast(_ context.Context, nwk uint16, _, cluster uint16, _, dstEp uint8, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts = append(f.unicasts, fakeUnicast{nwk: nwk, cluster: cluster, dstEp: dstEp, payload: payload})
	return nil
}

func (f *fakeRadio) ZDORequest(_ context.Context, _ uint16, _ uint16, _ []byte) ([]byte, error) {
	return []byte{0x00}, nil
}

func (f *fakeRadio) CoordinatorIEEE() string { return "00:00:00:00:00:00:00:01" }

func (f *fakeRadio) sent() []fakeUnicast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeUnicast(nil), f.unicasts...)
}

func newTestDevice(t *testing.T, endpoints map[uint8]*EndpointInfo) (*Device, *fakeRadio) {
	t.Helper()
	radio := &fakeRadio{}
	d := New("00:11:22:33:44:55:66:77", 0x1234, radio)
	d.SetEndpoints(endpoints)
	d.RebuildHandlers()
	return d, radio
}

func onOffEndpoints() map[uint8]*EndpointInfo {
	return map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff}},
	}
}

func TestUpdateStateCapabilityFilter(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())

	var updates []map[string]any
	d.SetCallbacks(func(_ *Device, changed map[string]any, _ uint8) {
		updates = append(updates, changed)
	}, nil)

	d.UpdateState(map[string]any{
		"state":       "ON",
		"occupancy":   true, // not allowed for a switch
		"temperature": 21.5, // not allowed either
	}, 1)

	require.Len(t, updates, 1)
	assert.Equal(t, "ON", updates[0]["state"])
	assert.NotContains(t, updates[0], "occupancy")
	assert.NotContains(t, d.State(), "temperature")
}

func TestUpdateStateLastSeenMonotonic(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())

	d.UpdateState(map[string]any{"state": "ON"}, 1)
	first := d.LastSeen()
	require.Greater(t, first, int64(0))

	time.Sleep(5 * time.Millisecond)
	d.UpdateState(map[string]any{"state": "OFF"}, 1)
	assert.GreaterOrEqual(t, d.LastSeen(), first)
}

func TestUpdateStateDeduplicatesUnchanged(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())

	count := 0
	d.SetCallbacks(func(_ *Device, _ map[string]any, _ uint8) { count++ }, nil)

	d.UpdateState(map[string]any{"state": "ON"}, 1)
	d.UpdateState(map[string]any{"state": "ON"}, 1)
	assert.Equal(t, 1, count)
}

func TestUpdateStateAlwaysReportFields(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOccupancy}},
	}
	d, _ := newTestDevice(t, endpoints)

	count := 0
	d.SetCallbacks(func(_ *Device, changed map[string]any, _ uint8) {
		if _, ok := changed["occupancy"]; ok {
			count++
		}
	}, nil)

	// Unchanged occupancy still forwards: automations need the edge events.
	d.UpdateState(map[string]any{"occupancy": true}, 1)
	d.UpdateState(map[string]any{"occupancy": true}, 1)
	assert.Equal(t, 2, count)
}

func TestUpdateStateDuplicateEndpointZeroOutlier(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl}},
		2: {InputClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl}},
	}
	d, _ := newTestDevice(t, endpoints)

	d.UpdateState(map[string]any{"brightness": int64(200)}, 1)
	// A zero from a second endpoint while endpoint 1 holds data is an outlier.
	d.UpdateState(map[string]any{"brightness": int64(0)}, 2)
	assert.Equal(t, int64(200), d.State()["brightness"])
}

func TestUpdateStatePreferredEndpointPin(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl}},
		2: {InputClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl}},
	}
	d, _ := newTestDevice(t, endpoints)
	d.SetPreferredEndpoint("brightness", 2)

	d.UpdateState(map[string]any{"brightness": int64(10)}, 2)
	d.UpdateState(map[string]any{"brightness": int64(99)}, 1) // wrong endpoint, dropped
	assert.Equal(t, int64(10), d.State()["brightness"])
}

func TestZombiePrevention(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())

	// Rebuilding against the same cluster instances must leave exactly one
	// attached handler per cluster, not accumulate generations.
	d.RebuildHandlers()
	d.RebuildHandlers()

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ci := range d.clusters {
		assert.Equal(t, 1, ci.listenerCount())
	}
}

func TestSendCommandOptimisticEcho(t *testing.T) {
	d, radio := newTestDevice(t, onOffEndpoints())

	err := d.SendCommand(context.Background(), "on", nil, 0)
	require.NoError(t, err)

	// The unicast went out...
	sent := radio.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, zcl.ClusterOnOff, sent[0].cluster)

	// ...and the optimistic echo landed immediately.
	st := d.State()
	assert.Equal(t, "ON", st["state"])
	assert.Equal(t, true, st["on"])
}

func TestSendCommandUnknownVerb(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())
	err := d.SendCommand(context.Background(), "warp_drive", nil, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMultiSwitchEndpointCommand(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff}},
		2: {InputClusters: []uint16{zcl.ClusterOnOff}},
	}
	d, radio := newTestDevice(t, endpoints)

	err := d.SendCommand(context.Background(), "on", nil, 1)
	require.NoError(t, err)

	sent := radio.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(1), sent[0].dstEp)

	st := d.State()
	assert.Equal(t, "ON", st["state"])
	assert.Equal(t, "ON", st["state_1"])
	assert.Equal(t, true, st["on"])
	assert.Equal(t, true, st["on_1"])
}

func TestDispatchMessageReportAttributes(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())

	// Report Attributes: on/off = true
	frame := []byte{0x18, 0x01, zcl.CmdReportAttributes, 0x00, 0x00, zcl.TypeBool, 0x01}
	d.DispatchMessage(&zigbee.Message{
		Sender:      d.NWK(),
		Profile:     zcl.ProfileHA,
		Cluster:     zcl.ClusterOnOff,
		SrcEndpoint: 1,
		DstEndpoint: 1,
		LQI:         180,
		Data:        frame,
	})

	assert.Equal(t, "ON", d.State()["state"])
	assert.Equal(t, uint8(180), d.LQI())
}

func TestRestoreStateFiltersCapabilities(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())
	d.RestoreState(map[string]any{
		"state":     "ON",
		"occupancy": true,
		"last_seen": float64(12345),
	})
	st := d.State()
	assert.Equal(t, "ON", st["state"])
	assert.NotContains(t, st, "occupancy")
	assert.Equal(t, int64(12345), d.LastSeen())
}

func TestAvailability(t *testing.T) {
	d, _ := newTestDevice(t, onOffEndpoints())
	d.SetIdentity("", "", "Router", "Mains")

	// Never seen: unavailable.
	assert.False(t, d.Available())

	d.UpdateState(map[string]any{"state": "ON"}, 1)
	assert.True(t, d.Available())

	// Passive battery end devices are always available by design.
	d.SetIdentity("", "", "EndDevice", "Battery")
	assert.True(t, d.Available())
}
