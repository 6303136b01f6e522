package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

func lightEndpoints() map[uint8]*EndpointInfo {
	return map[uint8]*EndpointInfo{
		1: {
			ProfileID:     zcl.ProfileHA,
			InputClusters: []uint16{zcl.ClusterBasic, zcl.ClusterOnOff, zcl.ClusterLevelControl, zcl.ClusterColorControl},
		},
	}
}

func TestInferLight(t *testing.T) {
	caps := InferCapabilities(lightEndpoints(), "Signify", "LCT015")
	assert.True(t, caps.Has(CapLight))
	assert.True(t, caps.Has(CapLevelControl))
	assert.True(t, caps.Has(CapColorControl))
	assert.False(t, caps.Has(CapSwitch))
	assert.Equal(t, RoleActuator, caps.EndpointRole(1))
}

func TestInferPlainSwitch(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff}},
	}
	caps := InferCapabilities(endpoints, "", "")
	assert.True(t, caps.Has(CapSwitch))
	assert.False(t, caps.Has(CapLight))
}

func TestInferMultiSwitch(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff}},
		2: {InputClusters: []uint16{zcl.ClusterOnOff}},
	}
	caps := InferCapabilities(endpoints, "", "")
	assert.True(t, caps.Has(CapMultiSwitch))
	assert.True(t, caps.Has(CapMultiEndpoint))
}

func TestInferSensorRole(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterTemperature, zcl.ClusterHumidity, zcl.ClusterPowerConfiguration}},
	}
	caps := InferCapabilities(endpoints, "", "")
	assert.True(t, caps.Has(CapTemperatureSensor))
	assert.True(t, caps.Has(CapHumiditySensor))
	assert.True(t, caps.Has(CapBattery))
	assert.Equal(t, RoleSensor, caps.EndpointRole(1))
}

func TestInferControllerRole(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {OutputClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl}},
	}
	caps := InferCapabilities(endpoints, "", "")
	assert.Equal(t, RoleController, caps.EndpointRole(1))
}

func TestPhilipsSMLQuirk(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {OutputClusters: []uint16{zcl.ClusterOnOff}},
		2: {InputClusters: []uint16{zcl.ClusterOccupancy, zcl.ClusterIlluminance}},
	}
	caps := InferCapabilities(endpoints, "Philips", "SML001")
	assert.Equal(t, RoleController, caps.EndpointRole(1))
	assert.True(t, caps.Has(CapOccupancySensing))
}

func TestTuyaRadarSuppressedByFunctionalKind(t *testing.T) {
	// A Tuya cover must not also be classified as a radar.
	coverEndpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterTuya, zcl.ClusterWindowCovering}},
	}
	caps := InferCapabilities(coverEndpoints, "_TZE200_zah67ekd", "TS0601")
	assert.True(t, caps.Has(CapCover))
	assert.False(t, caps.Has(CapRadarSensor))

	// A bare Tuya device becomes a radar.
	radarEndpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterTuya}},
	}
	caps = InferCapabilities(radarEndpoints, "_TZE204_7gclukjs", "TS0601")
	assert.True(t, caps.Has(CapRadarSensor))
	assert.True(t, caps.Has(CapPresenceSensor))
}

func TestAllowList(t *testing.T) {
	caps := InferCapabilities(lightEndpoints(), "", "")

	require.True(t, caps.Allows("state"))
	require.True(t, caps.Allows("brightness"))
	require.True(t, caps.Allows("color_temp"))
	// Universal fields pass regardless of capability.
	require.True(t, caps.Allows("last_seen"))
	require.True(t, caps.Allows("linkquality"))
	// Unsupported semantic fields are rejected.
	require.False(t, caps.Allows("occupancy"))
	require.False(t, caps.Allows("local_temperature"))
}

func TestAllowListEndpointSuffixInheritance(t *testing.T) {
	endpoints := map[uint8]*EndpointInfo{
		1: {InputClusters: []uint16{zcl.ClusterOnOff}},
		2: {InputClusters: []uint16{zcl.ClusterOnOff}},
	}
	caps := InferCapabilities(endpoints, "", "")
	assert.True(t, caps.Allows("state"))
	assert.True(t, caps.Allows("state_2"))
	assert.False(t, caps.Allows("occupancy_2"))
}

func TestInternalFields(t *testing.T) {
	assert.True(t, IsInternalField("temperature_raw"))
	assert.True(t, IsInternalField("attr_0006_0000"))
	assert.True(t, IsInternalField("cluster_ef00_attr_0001"))
	assert.True(t, IsInternalField("__poll_success"))
	assert.False(t, IsInternalField("temperature"))
}
