package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

// fakeDevice captures state updates.
type fakeDevice struct {
	mu      sync.Mutex
	ieee    string
	model   string
	updates []map[string]any
	events  []string
}

func (f *fakeDevice) IEEE() string         { return f.ieee }
func (f *fakeDevice) Manufacturer() string { return "" }
func (f *fakeDevice) Model() string        { return f.model }

func (f *fakeDevice) UpdateState(delta map[string]any, _ uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, delta)
}

func (f *fakeDevice) EmitEvent(eventType string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeDevice) lastUpdate() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	return f.updates[len(f.updates)-1]
}

// fakeCluster records commands; reads return canned values.
type fakeCluster struct {
	mu        sync.Mutex
	clusterID uint16
	endpoint  uint8
	commands  [][]byte
	commandID []uint8
	writes    []uint16
}

func (f *fakeCluster) ID() uint16        { return f.clusterID }
func (f *fakeCluster) EndpointID() uint8 { return f.endpoint }

func (f *fakeCluster) Bind(context.Context) error { return nil }

func (f *fakeCluster) ConfigureReporting(context.Context, uint16, uint8, uint16, uint16, uint64) error {
	return nil
}

func (f *fakeCluster) ReadAttributes(_ context.Context, attrIDs []uint16) (map[uint16]any, error) {
	return map[uint16]any{}, nil
}

func (f *fakeCluster) Command(_ context.Context, commandID uint8, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commandID = append(f.commandID, commandID)
	f.commands = append(f.commands, payload)
	return nil
}

func (f *fakeCluster) WriteAttribute(_ context.Context, attrID uint16, _ uint8, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, attrID)
	return nil
}

func (f *fakeCluster) ManufacturerCommand(context.Context, uint16, uint8, uint8, []byte) error {
	return nil
}

func newFakes(clusterID uint16, endpoint uint8) (*fakeDevice, *fakeCluster) {
	return &fakeDevice{ieee: "00:11:22:33:44:55:66:77"},
		&fakeCluster{clusterID: clusterID, endpoint: endpoint}
}

func TestOnOffAttributeUpdate(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterOnOff, 1)
	h := NewOnOffHandler(dev, cluster)

	h.AttributeUpdated(attrOnOff, true, time.Now())
	update := dev.lastUpdate()
	assert.Equal(t, "ON", update["state"])
	assert.Equal(t, true, update["on"])
}

func TestOnOffCommands(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterOnOff, 1)
	h := NewOnOffHandler(dev, cluster)

	delta, err := h.HandleCommand(context.Background(), "on", nil)
	require.NoError(t, err)
	assert.Equal(t, "ON", delta["state"])
	assert.Equal(t, uint8(cmdOn), cluster.commandID[0])

	delta, err = h.HandleCommand(context.Background(), "off", nil)
	require.NoError(t, err)
	assert.Equal(t, "OFF", delta["state"])
	assert.Equal(t, uint8(cmdOff), cluster.commandID[1])
}

func TestOnOffOffWithTransitionDelegatesToLevel(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterOnOff, 1)
	h := NewOnOffHandler(dev, cluster)

	_, err := h.HandleCommand(context.Background(), "off", 2.0)
	require.NoError(t, err)
	// Move-to-level-with-on/off at level 0, transition 20 tenths.
	assert.Equal(t, cmdMoveToLevelWithOnOff, cluster.commandID[0])
	assert.Equal(t, []byte{0x00, 20, 0x00}, cluster.commands[0])
}

func TestBrightnessClampAndTwins(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterLevelControl, 1)
	h := NewLevelHandler(dev, cluster)

	// set_brightness(0) yields state OFF.
	delta, err := h.HandleCommand(context.Background(), "brightness", 0.0)
	require.NoError(t, err)
	assert.Equal(t, "OFF", delta["state"])
	assert.Equal(t, int64(0), delta["brightness"])

	// level 100 % maps to raw 254.
	delta, err = h.HandleCommand(context.Background(), "level", 100.0)
	require.NoError(t, err)
	assert.Equal(t, int64(254), delta["brightness"])
	assert.Equal(t, "ON", delta["state"])

	// Raw clamps at 254.
	delta, err = h.HandleCommand(context.Background(), "brightness", 400.0)
	require.NoError(t, err)
	assert.Equal(t, int64(254), delta["brightness"])
}

func TestBrightnessPercentMapping(t *testing.T) {
	assert.Equal(t, int64(254), PercentToBrightness(100))
	assert.Equal(t, int64(127), PercentToBrightness(50))
	assert.Equal(t, int64(0), PercentToBrightness(0))
	assert.Equal(t, int64(100), BrightnessToPercent(254))
}

func TestLevelReportEmitsBothScales(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterLevelControl, 1)
	h := NewLevelHandler(dev, cluster)

	h.AttributeUpdated(attrCurrentLevel, uint64(254), time.Now())
	update := dev.lastUpdate()
	assert.Equal(t, int64(254), update["brightness"])
	assert.Equal(t, int64(100), update["level"])
}

func TestMiredsKelvinConversion(t *testing.T) {
	assert.Equal(t, int64(250), KelvinToMireds(4000))
	assert.Equal(t, int64(4000), MiredsToKelvin(250))
	assert.Equal(t, int64(370), KelvinToMireds(2700))
	assert.Equal(t, int64(153), KelvinToMireds(6536))
}

func TestColorTempReportCarriesKelvinTwin(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterColorControl, 1)
	h := NewColorHandler(dev, cluster)

	h.AttributeUpdated(attrColorTemperature, uint64(250), time.Now())
	update := dev.lastUpdate()
	assert.Equal(t, int64(250), update["color_temp"])
	assert.Equal(t, int64(4000), update["color_temp_kelvin"])
}

func TestIASZoneContactInversion(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterIASZone, 1)
	h := NewIASZoneHandler(dev, cluster).(*IASZoneHandler)

	h.AttributeUpdated(attrZoneType, uint64(zoneTypeContact), time.Now())

	// alarm_1 set = zigbee "alarmed" = door closed sensor triggered; HA door
	// sense inverts: contact true means OPEN.
	h.AttributeUpdated(attrZoneStatus, uint64(0x0001), time.Now())
	update := dev.lastUpdate()
	assert.Equal(t, false, update["contact"])
	assert.Equal(t, true, update["alarm_1"])

	h.AttributeUpdated(attrZoneStatus, uint64(0x0000), time.Now())
	update = dev.lastUpdate()
	assert.Equal(t, true, update["contact"])
}

func TestIASZoneStatusBitmap(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterIASZone, 1)
	h := NewIASZoneHandler(dev, cluster).(*IASZoneHandler)

	// bit0 alarm_1, bit2 tamper, bit3 battery_low
	h.AttributeUpdated(attrZoneStatus, uint64(0x000D), time.Now())
	update := dev.lastUpdate()
	assert.Equal(t, true, update["alarm_1"])
	assert.Equal(t, false, update["alarm_2"])
	assert.Equal(t, true, update["tamper"])
	assert.Equal(t, true, update["battery_low"])
}

func TestIASZoneStatusChangeNotification(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterIASZone, 1)
	h := NewIASZoneHandler(dev, cluster).(*IASZoneHandler)
	h.AttributeUpdated(attrZoneType, uint64(zoneTypeMotion), time.Now())

	h.ClusterCommand(1, cmdZoneStatusChangeNotification, []byte{0x01, 0x00, 0x00, 0x00})
	update := dev.lastUpdate()
	assert.Equal(t, true, update["motion"])
}

func TestThermostatCentiDegrees(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterThermostat, 1)
	h := NewThermostatHandler(dev, cluster)

	h.AttributeUpdated(attrLocalTemperature, int64(2150), time.Now())
	assert.Equal(t, 21.5, dev.lastUpdate()["local_temperature"])

	// Setpoint writes in 0.01 degC units.
	delta, err := h.HandleCommand(context.Background(), "occupied_heating_setpoint", 19.5)
	require.NoError(t, err)
	assert.Equal(t, 19.5, delta["occupied_heating_setpoint"])
	assert.Equal(t, []uint16{attrOccupiedHeatingSetpoint}, cluster.writes)
}

func TestOccupancyPhilipsSMLPinsEndpoint2(t *testing.T) {
	dev := &fakeDevice{ieee: "00:11:22:33:44:55:66:77", model: "SML001"}

	ep1 := &fakeCluster{clusterID: zcl.ClusterOccupancy, endpoint: 1}
	h1 := NewPhilipsSMLOccupancyHandler(dev, ep1)
	h1.AttributeUpdated(attrOccupancy, uint64(1), time.Now())
	assert.Nil(t, dev.lastUpdate(), "endpoint 1 occupancy must stay silent")

	ep2 := &fakeCluster{clusterID: zcl.ClusterOccupancy, endpoint: 2}
	h2 := NewPhilipsSMLOccupancyHandler(dev, ep2)
	h2.AttributeUpdated(attrOccupancy, uint64(1), time.Now())
	assert.Equal(t, true, dev.lastUpdate()["occupancy"])
}

func TestRegistryQuirkSelection(t *testing.T) {
	ctor, ok := ConstructorFor(zcl.ClusterOccupancy, "Philips", "SML001")
	require.True(t, ok)
	dev, cluster := newFakes(zcl.ClusterOccupancy, 2)
	_, isQuirk := ctor(dev, cluster).(*PhilipsSMLOccupancyHandler)
	assert.True(t, isQuirk)

	ctor, ok = ConstructorFor(zcl.ClusterOccupancy, "Generic", "PIR")
	require.True(t, ok)
	_, isQuirk = ctor(dev, cluster).(*PhilipsSMLOccupancyHandler)
	assert.False(t, isQuirk)
}

func TestTuyaDPReport(t *testing.T) {
	dev := &fakeDevice{ieee: "00:11:22:33:44:55:66:77", model: "TS0601"}
	cluster := &fakeCluster{clusterID: zcl.ClusterTuya, endpoint: 1}
	h := NewTuyaHandler(dev, cluster).(*TuyaHandler)

	// status(2) + transid(1), then DP 1 enum value 1 (presence), then DP 9
	// value 420 (distance, scale 0.01 -> 4.2 m).
	payload := []byte{
		0x00, 0x00, 0x01,
		0x01, TuyaTypeEnum, 0x00, 0x01, 0x01,
		0x09, TuyaTypeValue, 0x00, 0x04, 0x00, 0x00, 0x01, 0xA4,
	}
	h.ClusterCommand(1, tuyaActiveStatusReport, payload)

	update := dev.lastUpdate()
	require.NotNil(t, update)
	assert.Equal(t, "presence", update["radar_state"])
	assert.Equal(t, 4.2, update["distance"])
}

func TestTuyaModelTableSelection(t *testing.T) {
	dev := &fakeDevice{ieee: "x", model: "_TZE204_7gclukjs"}
	cluster := &fakeCluster{clusterID: zcl.ClusterTuya, endpoint: 1}
	h := NewTuyaHandler(dev, cluster).(*TuyaHandler)

	// The ZY-M100 table maps DP 104 to binary presence.
	dp, ok := h.dps[104]
	require.True(t, ok)
	assert.Equal(t, "presence", dp.Name)
}

func TestTuyaSetData(t *testing.T) {
	dev := &fakeDevice{ieee: "x", model: "TS0601"}
	cluster := &fakeCluster{clusterID: zcl.ClusterTuya, endpoint: 1}
	h := NewTuyaHandler(dev, cluster).(*TuyaHandler)

	_, err := h.HandleCommand(context.Background(), "radar_sensitivity", 7.0)
	require.NoError(t, err)
	require.Len(t, cluster.commands, 1)
	assert.Equal(t, tuyaSetData, cluster.commandID[0])

	payload := cluster.commands[0]
	// dp id at offset 3, type, BE length, 4-byte BE value
	assert.Equal(t, byte(2), payload[3])
	assert.Equal(t, TuyaTypeValue, payload[4])
	assert.Equal(t, []byte{0x00, 0x04}, payload[5:7])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x07}, payload[7:])
}

func TestGenericHandlerOverride(t *testing.T) {
	SetOverrideLookup(func(ieee, manufacturer, model string, clusterID, attrID uint16) (OverrideSpec, bool) {
		if clusterID == 0xFF00 && attrID == 0x0001 {
			return OverrideSpec{Name: "water_flow", Scale: 0.1}, true
		}
		return OverrideSpec{}, false
	})
	defer SetOverrideLookup(nil)

	dev, cluster := newFakes(0xFF00, 1)
	h := NewGenericHandler(dev, cluster)

	h.AttributeUpdated(0x0001, uint64(123), time.Now())
	assert.Equal(t, 12.3, dev.lastUpdate()["water_flow"])

	// Without an override, the opaque internal name is used.
	h.AttributeUpdated(0x0002, uint64(5), time.Now())
	assert.Contains(t, dev.lastUpdate(), "cluster_ff00_attr_0002")
}

func TestAttrFallbackName(t *testing.T) {
	assert.Equal(t, "cluster_0006_attr_0000", AttrFallbackName(0x0006, 0x0000))
	assert.Equal(t, "cluster_ef00_attr_00f1", AttrFallbackName(0xEF00, 0x00F1))
}

func TestCoverPositionInversion(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterWindowCovering, 1)
	h := NewCoverHandler(dev, cluster)

	// Zigbee lift 0 % = fully open = HA position 100.
	h.AttributeUpdated(attrCurrentLiftPercentage, uint64(0), time.Now())
	assert.Equal(t, int64(100), dev.lastUpdate()["position"])

	delta, err := h.HandleCommand(context.Background(), "position", 25.0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), delta["position"])
	assert.Equal(t, []byte{75}, cluster.commands[0])
}

func TestBatteryHalfPercentUnits(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterPowerConfiguration, 1)
	h := NewPowerConfigHandler(dev, cluster)

	h.AttributeUpdated(attrBatteryPercentageRemaining, uint64(200), time.Now())
	assert.Equal(t, 100.0, dev.lastUpdate()["battery"])
}

func TestMeasurementScaling(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterTemperature, 1)
	ctor, ok := ConstructorFor(zcl.ClusterTemperature, "", "")
	require.True(t, ok)
	h := ctor(dev, cluster)

	h.AttributeUpdated(attrMeasuredValue, int64(2150), time.Now())
	assert.Equal(t, 21.5, dev.lastUpdate()["temperature"])
}

func TestIlluminanceLogScale(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterIlluminance, 1)
	ctor, _ := ConstructorFor(zcl.ClusterIlluminance, "", "")
	h := ctor(dev, cluster)

	// measured = 10000*log10(lux)+1; lux 100 -> 20001
	h.AttributeUpdated(attrMeasuredValue, uint64(20001), time.Now())
	assert.Equal(t, int64(100), dev.lastUpdate()["illuminance"])
}

func TestMultistateActionEvent(t *testing.T) {
	dev, cluster := newFakes(zcl.ClusterMultistateInput, 1)
	h := NewMultistateHandler(dev, cluster)

	h.AttributeUpdated(attrPresentValue, uint64(2), time.Now())
	assert.Equal(t, "double", dev.lastUpdate()["action"])
	assert.Contains(t, dev.events, "button_action")
}
