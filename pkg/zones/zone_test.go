package zones

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coordIEEE = "00:00:00:00:00:00:00:01"
	routerA   = "00:11:22:33:44:55:66:01"
	routerB   = "00:11:22:33:44:55:66:02"
	routerC   = "00:11:22:33:44:55:66:03"
)

func routerRoles(ieee string) string {
	return "Router"
}

func testZoneConfig() Config {
	return Config{
		Name:              "living_room",
		Devices:           []string{routerA, routerB, routerC},
		DeviationSigma:    2.0,
		MinLinksTriggered: 2.0,
		CalibrationTime:   60,
		ClearDelay:        4,
	}
}

// calibrate feeds steady samples into the intra-zone links and completes
// calibration.
func calibrate(t *testing.T, z *Zone, rssi int) {
	t.Helper()
	pairs := [][2]string{{routerA, routerB}, {routerA, routerC}, {routerB, routerC}}
	for i := 0; i < 40; i++ {
		for _, p := range pairs {
			z.RecordSample(p[0], p[1], rssi, RSSIToLQI(rssi), coordIEEE)
		}
	}
	require.True(t, z.CheckCalibration(time.Now().Add(61*time.Second)))
	require.Equal(t, StateVacant, z.State())
}

func TestLinkStatsBaseline(t *testing.T) {
	l := NewLinkStats(routerA, routerB)
	now := time.Now()
	for i := 0; i < 40; i++ {
		l.AddSample(-70, 110, now)
	}
	require.True(t, l.ComputeBaseline())
	assert.Equal(t, -70.0, l.BaselineMean)
	// Identical samples: the deviation clamps to the 1.0 floor.
	assert.Equal(t, 1.0, l.BaselineStd)
}

func TestLinkStatsBaselineRequires30Samples(t *testing.T) {
	l := NewLinkStats(routerA, routerB)
	now := time.Now()
	for i := 0; i < 29; i++ {
		l.AddSample(-70, 110, now)
	}
	assert.False(t, l.ComputeBaseline())
}

func TestLinkStatsFIFOBounded(t *testing.T) {
	l := NewLinkStats(routerA, routerB)
	now := time.Now()
	for i := 0; i < 250; i++ {
		l.AddSample(-70, 110, now)
	}
	assert.Equal(t, 100, l.SampleCount())
}

func TestLQIRSSIConversion(t *testing.T) {
	assert.Equal(t, -100, LQIToRSSI(0))
	assert.Equal(t, -30, LQIToRSSI(255))
	assert.Equal(t, 0, RSSIToLQI(-100))
	assert.Equal(t, 255, RSSIToLQI(-30))
	// Clamping
	assert.Equal(t, 255, RSSIToLQI(0))
	assert.Equal(t, 0, RSSIToLQI(-120))
}

func TestZoneOccupancyCycle(t *testing.T) {
	z := NewZone(testZoneConfig(), routerRoles)
	require.Equal(t, StateCalibrating, z.State())

	calibrate(t, z, -70)

	// Deviating samples on two of three links: router-router weight 2.0 each,
	// total 4.0 >= min 2.0.
	for i := 0; i < 5; i++ {
		z.RecordSample(routerA, routerB, -76, RSSIToLQI(-76), coordIEEE)
		z.RecordSample(routerA, routerC, -76, RSSIToLQI(-76), coordIEEE)
	}

	now := time.Now()
	state, edged := z.Evaluate(now)
	assert.Equal(t, StateOccupied, state)
	assert.True(t, edged)

	// Signal returns to baseline; occupancy holds until clear_delay passes.
	for i := 0; i < 10; i++ {
		z.RecordSample(routerA, routerB, -70, RSSIToLQI(-70), coordIEEE)
		z.RecordSample(routerA, routerC, -70, RSSIToLQI(-70), coordIEEE)
	}
	state, edged = z.Evaluate(now.Add(1 * time.Second))
	assert.Equal(t, StateOccupied, state)
	assert.False(t, edged)

	state, edged = z.Evaluate(now.Add(6 * time.Second))
	assert.Equal(t, StateVacant, state)
	assert.True(t, edged)
}

func TestZoneSingleLinkBelowThresholdStaysVacant(t *testing.T) {
	z := NewZone(testZoneConfig(), routerRoles)
	calibrate(t, z, -70)

	// One deviating link contributes weight 2.0, just meeting min 2.0; with a
	// higher min it must stay vacant.
	cfg := z.Config()
	cfg.MinLinksTriggered = 3.0
	z.cfg = cfg

	for i := 0; i < 5; i++ {
		z.RecordSample(routerA, routerB, -76, RSSIToLQI(-76), coordIEEE)
	}
	state, _ := z.Evaluate(time.Now())
	assert.Equal(t, StateVacant, state)
}

func TestZoneIgnoresForeignDevices(t *testing.T) {
	z := NewZone(testZoneConfig(), routerRoles)
	z.RecordSample("ff:ff:ff:ff:ff:ff:ff:ff", routerA, -70, 110, coordIEEE)
	assert.Empty(t, z.links)
}

func TestZoneCoordinatorImplicitMember(t *testing.T) {
	z := NewZone(testZoneConfig(), routerRoles)
	z.RecordSample(coordIEEE, routerA, -70, 110, coordIEEE)
	assert.Len(t, z.links, 1)
}

func TestZoneRecalibrate(t *testing.T) {
	z := NewZone(testZoneConfig(), routerRoles)
	calibrate(t, z, -70)

	z.Recalibrate()
	assert.Equal(t, StateCalibrating, z.State())
	for _, link := range z.links {
		assert.False(t, link.Calibrated)
		assert.Equal(t, 0, link.SampleCount())
	}
}

func TestAdaptiveThresholdScalesWithRoomVolume(t *testing.T) {
	cfg := testZoneConfig()
	cfg.RoomVolumeM3 = 40 // doubles the threshold
	z := NewZone(cfg, routerRoles)
	assert.Equal(t, 4.0, z.adaptiveThreshold())

	cfg.RoomVolumeM3 = 0
	z = NewZone(cfg, routerRoles)
	assert.Equal(t, 2.0, z.adaptiveThreshold())
}

func TestLinkWeights(t *testing.T) {
	endDeviceRoles := func(ieee string) string {
		if ieee == routerA {
			return "Router"
		}
		return "EndDevice"
	}
	z := NewZone(testZoneConfig(), endDeviceRoles)

	routerLink := NewLinkStats(routerA, routerA)
	assert.Equal(t, 2.0, z.linkWeight(routerLink))

	mixedLink := NewLinkStats(routerA, routerB)
	assert.Equal(t, 1.5, z.linkWeight(mixedLink))

	endLink := NewLinkStats(routerB, routerC)
	assert.Equal(t, 1.0, z.linkWeight(endLink))
}
