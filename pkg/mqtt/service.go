package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config carries the broker connection settings.
type Config struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	BaseTopic string `yaml:"base_topic"`
	QueueSize int    `yaml:"queue_size"`
}

// CommandSink receives inbound MQTT commands; the gateway implements it.
type CommandSink interface {
	// HandleDeviceCommand routes a {base}/<identifier>/set payload.
	HandleDeviceCommand(identifier string, payload map[string]any)
	// HandleGroupCommand routes a {base}/group/<name>/set payload.
	HandleGroupCommand(name string, payload map[string]any)
	// HandleHABirth fires when homeassistant/status reports online.
	HandleHABirth()
}

// Service owns the broker lifecycle: LWT/birth contract, subscriptions,
// inbound routing and the publish queue.
type Service struct {
	client paho.Client
	cfg    Config
	queue  *PublishQueue
	sink   CommandSink
}

// NewService builds the service and its publish queue; Connect starts it.
func NewService(cfg Config, sink CommandSink, reg prometheus.Registerer) (*Service, error) {
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "zigbee"
	}
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, errors.New("empty mqtt broker in config")
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	s := &Service{cfg: cfg, sink: sink}
	s.queue = NewPublishQueue(s.publishDirect, cfg.QueueSize, defaultBatchWindow, reg)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("zigbridge-%d", time.Now().UnixNano())
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(5*time.Minute).
		SetKeepAlive(30*time.Second).
		SetConnectTimeout(8*time.Second).
		SetOrderMatters(false).
		SetWill(s.bridgeStateTopic(), "offline", 1, true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost, broker will publish LWT")
	}

	s.client = paho.NewClient(opts)
	return s, nil
}

// Connect dials the broker and starts the publish queue.
func (s *Service) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt connect timeout after 10s")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	s.queue.Start()
	return nil
}

// onConnect publishes the birth message and (re)installs subscriptions.
func (s *Service) onConnect(c paho.Client) {
	log.Info().Str("broker", s.cfg.Broker).Msg("MQTT connected")

	// Birth side of the LWT contract.
	token := c.Publish(s.bridgeStateTopic(), 1, true, "online")
	if !token.WaitTimeout(5 * time.Second) {
		log.Warn().Msg("Birth publish timeout")
	}

	subs := map[string]paho.MessageHandler{
		s.cfg.BaseTopic + "/+/set":       s.handleDeviceSet,
		s.cfg.BaseTopic + "/group/+/set": s.handleGroupSet,
		"homeassistant/+/+/+/set":        s.handleHASet,
		"homeassistant/status":           s.handleHAStatus,
	}
	for topic, handler := range subs {
		token := c.Subscribe(topic, 0, handler)
		if !token.WaitTimeout(5 * time.Second) {
			log.Warn().Str("topic", topic).Msg("Subscription timeout")
		} else if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Subscription failed")
		}
	}
}

func (s *Service) bridgeStateTopic() string {
	return s.cfg.BaseTopic + "/bridge/state"
}

// BaseTopic returns the configured base topic.
func (s *Service) BaseTopic() string { return s.cfg.BaseTopic }

// Queue returns the publish queue.
func (s *Service) Queue() *PublishQueue { return s.queue }

// IsConnected reports broker connectivity.
func (s *Service) IsConnected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// publishDirect backs the publish queue.
func (s *Service) publishDirect(topic string, payload []byte, qos byte, retain bool, wait bool) error {
	if !s.IsConnected() {
		return errors.New("mqtt not connected")
	}
	token := s.client.Publish(topic, qos, retain, payload)
	if !wait {
		return nil
	}
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for %s", topic)
	}
	return token.Error()
}

// PublishJSON marshals and enqueues a JSON payload. Serialisation failures
// are replaced with an error stub, never propagated.
func (s *Service) PublishJSON(topic string, v any, qos byte, retain bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Serialisation failed")
		data = []byte(fmt.Sprintf(`{"error":"serialization_failed","type":%q}`, fmt.Sprintf("%T", v)))
	}
	s.queue.PublishNowait(topic, data, qos, retain)
}

// PublishRetained enqueues a raw retained payload.
func (s *Service) PublishRetained(topic string, payload []byte, qos byte) {
	s.queue.PublishNowait(topic, payload, qos, true)
}

// PublishSync publishes immediately, bypassing the queue. Discovery bursts and
// shutdown messages use it.
func (s *Service) PublishSync(topic string, payload []byte, qos byte, retain bool) error {
	return s.publishDirect(topic, payload, qos, retain, qos > 0)
}

// parsePayload accepts a JSON object or a bare state string.
func parsePayload(raw []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		return payload
	}
	return map[string]any{"state": strings.TrimSpace(string(raw))}
}

func (s *Service) handleDeviceSet(_ paho.Client, msg paho.Message) {
	topic := msg.Topic()
	rest := strings.TrimPrefix(topic, s.cfg.BaseTopic+"/")
	identifier := strings.TrimSuffix(rest, "/set")
	if identifier == "" || strings.HasPrefix(identifier, "bridge") || strings.HasPrefix(identifier, "group/") {
		return
	}
	if s.sink != nil {
		s.sink.HandleDeviceCommand(identifier, parsePayload(msg.Payload()))
	}
}

func (s *Service) handleGroupSet(_ paho.Client, msg paho.Message) {
	topic := msg.Topic()
	rest := strings.TrimPrefix(topic, s.cfg.BaseTopic+"/group/")
	name := strings.TrimSuffix(rest, "/set")
	if name == "" {
		return
	}
	if s.sink != nil {
		s.sink.HandleGroupCommand(name, parsePayload(msg.Payload()))
	}
}

// handleHASet routes commands HA publishes directly to discovery topics:
// homeassistant/{component}/{node_id}/{object_id}/set.
func (s *Service) handleHASet(_ paho.Client, msg paho.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 5 {
		return
	}
	nodeID := parts[2]
	if s.sink != nil {
		payload := parsePayload(msg.Payload())
		payload["object_id"] = parts[3]
		s.sink.HandleDeviceCommand(nodeID, payload)
	}
}

func (s *Service) handleHAStatus(_ paho.Client, msg paho.Message) {
	if strings.TrimSpace(string(msg.Payload())) != "online" {
		return
	}
	log.Info().Msg("Home Assistant birth detected, re-announcing")
	if s.sink != nil {
		go s.sink.HandleHABirth()
	}
}

// Close stops the queue, publishes offline and disconnects.
func (s *Service) Close() {
	s.queue.Stop()
	if s.client != nil && s.client.IsConnectionOpen() {
		_ = s.PublishSync(s.bridgeStateTopic(), []byte("offline"), 1, true)
		s.client.Disconnect(250)
		log.Info().Msg("MQTT disconnected")
	}
}

// SafeName replaces the MQTT-reserved characters in a friendly name.
func SafeName(name string) string {
	replacer := strings.NewReplacer("+", "-", "#", "-", "/", "-")
	return replacer.Replace(name)
}
