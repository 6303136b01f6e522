package zcl

// Profile IDs
const (
	ProfileHA  uint16 = 0x0104
	ProfileZLL uint16 = 0xC05E
)

// Cluster IDs — general
const (
	ClusterBasic              uint16 = 0x0000
	ClusterPowerConfiguration uint16 = 0x0001
	ClusterDeviceTemperature  uint16 = 0x0002
	ClusterIdentify           uint16 = 0x0003
	ClusterGroups             uint16 = 0x0004
	ClusterScenes             uint16 = 0x0005
	ClusterOnOff              uint16 = 0x0006
	ClusterOnOffConfiguration uint16 = 0x0007
	ClusterLevelControl       uint16 = 0x0008
	ClusterAlarms             uint16 = 0x0009
	ClusterTime               uint16 = 0x000A
	ClusterAnalogInput        uint16 = 0x000C
	ClusterBinaryInput        uint16 = 0x000F
	ClusterMultistateInput    uint16 = 0x0012
	ClusterOTA                uint16 = 0x0019
	ClusterPollControl        uint16 = 0x0020
	ClusterGreenPower         uint16 = 0x0021
)

// Cluster IDs — closures, HVAC, lighting
const (
	ClusterShadeConfiguration uint16 = 0x0100
	ClusterDoorLock           uint16 = 0x0101
	ClusterWindowCovering     uint16 = 0x0102
	ClusterThermostat         uint16 = 0x0201
	ClusterFanControl         uint16 = 0x0202
	ClusterThermostatUI       uint16 = 0x0204
	ClusterColorControl       uint16 = 0x0300
	ClusterBallast            uint16 = 0x0301
)

// Cluster IDs — measurement and sensing
const (
	ClusterIlluminance     uint16 = 0x0400
	ClusterIlluminanceLvl  uint16 = 0x0401
	ClusterTemperature     uint16 = 0x0402
	ClusterPressure        uint16 = 0x0403
	ClusterFlow            uint16 = 0x0404
	ClusterHumidity        uint16 = 0x0405
	ClusterOccupancy       uint16 = 0x0406
	ClusterLeafWetness     uint16 = 0x0407
	ClusterSoilMoisture    uint16 = 0x0408
	ClusterCO2Measurement  uint16 = 0x040D
	ClusterPM25Measurement uint16 = 0x042A
)

// Cluster IDs — security, smart energy, diagnostics
const (
	ClusterIASZone               uint16 = 0x0500
	ClusterIASACE                uint16 = 0x0501
	ClusterIASWD                 uint16 = 0x0502
	ClusterMetering              uint16 = 0x0702
	ClusterElectricalMeasurement uint16 = 0x0B04
	ClusterDiagnostics           uint16 = 0x0B05
	ClusterTouchlink             uint16 = 0x1000
)

// Cluster IDs — manufacturer specific
const (
	ClusterPhilips uint16 = 0xFC00
	ClusterSonoff  uint16 = 0xFC11
	ClusterAqara   uint16 = 0xFCC0
	ClusterTuya    uint16 = 0xEF00
)

// ClusterNames maps well-known cluster IDs to display names for logs and the UI.
var ClusterNames = map[uint16]string{
	ClusterBasic:                 "Basic",
	ClusterPowerConfiguration:    "Power Configuration",
	ClusterDeviceTemperature:     "Device Temperature",
	ClusterIdentify:              "Identify",
	ClusterGroups:                "Groups",
	ClusterScenes:                "Scenes",
	ClusterOnOff:                 "On/Off",
	ClusterLevelControl:          "Level Control",
	ClusterAnalogInput:           "Analog Input",
	ClusterBinaryInput:           "Binary Input",
	ClusterMultistateInput:       "Multistate Input",
	ClusterWindowCovering:        "Window Covering",
	ClusterThermostat:            "Thermostat",
	ClusterFanControl:            "Fan Control",
	ClusterColorControl:          "Color Control",
	ClusterIlluminance:           "Illuminance Measurement",
	ClusterTemperature:           "Temperature Measurement",
	ClusterPressure:              "Pressure Measurement",
	ClusterHumidity:              "Relative Humidity",
	ClusterOccupancy:             "Occupancy Sensing",
	ClusterCO2Measurement:        "CO2 Measurement",
	ClusterPM25Measurement:       "PM2.5 Measurement",
	ClusterIASZone:               "IAS Zone",
	ClusterMetering:              "Metering",
	ClusterElectricalMeasurement: "Electrical Measurement",
	ClusterDiagnostics:           "Diagnostics",
	ClusterTouchlink:             "Touchlink",
	ClusterTuya:                  "Tuya",
	ClusterSonoff:                "Sonoff",
	ClusterAqara:                 "Aqara",
	ClusterPhilips:               "Philips",
}

// ClusterName returns the display name for a cluster ID, falling back to hex.
func ClusterName(id uint16) string {
	if name, ok := ClusterNames[id]; ok {
		return name
	}
	return hexCluster(id)
}
