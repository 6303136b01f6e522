package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, uint8(15), cfg.Network.Channel)
	assert.Equal(t, "zigbee", cfg.MQTT.BaseTopic)
	assert.Equal(t, "data", cfg.DataDir)
}

func TestLoadNestedShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial:
  port: /dev/ttyACM0
  family: znp
mqtt:
  broker: tcp://broker:1883
  base_topic: zb
network:
  channel: 20
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, "znp", cfg.Serial.Family)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "zb", cfg.MQTT.BaseTopic)
	assert.Equal(t, uint8(20), cfg.Network.Channel)
}

func TestLegacyMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial_port: /dev/ttyUSB1
mqtt_broker: tcp://old:1883
base_topic: legacy
channel: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Port)
	assert.Equal(t, "tcp://old:1883", cfg.MQTT.Broker)
	assert.Equal(t, "legacy", cfg.MQTT.BaseTopic)
	assert.Equal(t, uint8(25), cfg.Network.Channel)

	// The migrated nested shape was written back.
	cfg2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Serial.Port, cfg2.Serial.Port)
	assert.Equal(t, cfg.MQTT.Broker, cfg2.MQTT.Broker)
}

func TestDataPath(t *testing.T) {
	cfg := &Config{DataDir: "data"}
	assert.Equal(t, filepath.Join("data", "zones.yaml"), cfg.DataPath("zones.yaml"))
}
