package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
)

// SerialConfig selects the radio port.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	// Family forces a stack family (ezsp | znp) instead of probing.
	Family string `yaml:"family,omitempty"`
}

// NetworkConfig carries the Zigbee network parameters.
type NetworkConfig struct {
	Channel    uint8  `yaml:"channel"`
	PanID      uint16 `yaml:"pan_id"`
	NetworkKey string `yaml:"network_key,omitempty"` // 32 hex chars
}

// MQTTConfig mirrors the broker settings.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	BaseTopic string `yaml:"base_topic"`
	QueueSize int    `yaml:"queue_size,omitempty"`
}

// WebConfig is the HTTP control plane listener.
type WebConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Config is the root configuration, loaded from config.yaml.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Network NetworkConfig `yaml:"network"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Web     WebConfig     `yaml:"web"`
	DataDir string        `yaml:"data_dir"`

	// DefaultPollInterval seeds new devices' polling (0 = disabled).
	DefaultPollInterval int `yaml:"default_poll_interval,omitempty"`
}

// legacyConfig is the flat v1 shape, migrated on load.
type legacyConfig struct {
	SerialPort string `yaml:"serial_port"`
	MQTTBroker string `yaml:"mqtt_broker"`
	BaseTopic  string `yaml:"base_topic"`
	Channel    uint8  `yaml:"channel"`
}

// applyDefaults fills unset values.
func (c *Config) applyDefaults() {
	if c.Serial.Port == "" {
		c.Serial.Port = "/dev/ttyUSB0"
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Network.Channel == 0 {
		c.Network.Channel = 15
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "zigbee"
	}
	if c.Web.ListenAddress == "" {
		c.Web.ListenAddress = ":8099"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Load reads config.yaml, migrating the legacy flat shape when detected. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Legacy shape: flat top-level keys with no nested sections.
	if cfg.Serial.Port == "" && cfg.MQTT.Broker == "" {
		var legacy legacyConfig
		if err := yaml.Unmarshal(data, &legacy); err == nil &&
			(legacy.SerialPort != "" || legacy.MQTTBroker != "") {
			log.Info().Msg("Migrating legacy flat config shape")
			cfg.Serial.Port = legacy.SerialPort
			cfg.MQTT.Broker = legacy.MQTTBroker
			cfg.MQTT.BaseTopic = legacy.BaseTopic
			cfg.Network.Channel = legacy.Channel
			cfg.applyDefaults()
			if err := Save(path, cfg); err != nil {
				log.Warn().Err(err).Msg("Failed to write migrated config")
			}
			return cfg, nil
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config back to disk.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DataPath joins a filename onto the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}
