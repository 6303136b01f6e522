package mqtt

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DiscoveryEntity is one HA entity to announce for a device.
type DiscoveryEntity struct {
	Component string
	ObjectID  string
	Config    map[string]any
}

// DiscoveryDevice identifies the physical device behind a set of entities.
type DiscoveryDevice struct {
	NodeID       string // IEEE without colons
	Name         string // friendly name
	Manufacturer string
	Model        string
}

// announcePacing keeps re-announce bursts from flooding the broker.
const announcePacing = 50 * time.Millisecond

var valueJSONRe = regexp.MustCompile(`value_json\.([a-zA-Z0-9_]+)`)

// templateDefault supplies per-field fallbacks for safe value templates.
func templateDefault(field string) string {
	switch {
	case field == "state":
		return "'OFF'"
	case field == "color_temp":
		return "250"
	case field == "available" || field == "contact" || field == "occupancy" ||
		field == "motion" || field == "presence" || strings.HasPrefix(field, "alarm") ||
		field == "tamper" || field == "battery_low" || field == "vibration" ||
		field == "water_leak" || field == "smoke" || field == "on":
		return "false"
	case field == "action" || field == "color_mode" || field == "system_mode" ||
		field == "running_state" || field == "fan_mode" || field == "radar_state":
		return "''"
	default:
		return "0"
	}
}

// safeTemplate rewrites every value_json.X access into value_json.get('X',
// DEFAULT) so brief payloads lacking some fields never break HA rendering.
func safeTemplate(template string) string {
	return valueJSONRe.ReplaceAllStringFunc(template, func(m string) string {
		field := strings.TrimPrefix(m, "value_json.")
		return "value_json.get('" + field + "', " + templateDefault(field) + ")"
	})
}

// DiscoveryTopic builds the retained config topic for one entity.
func DiscoveryTopic(component, nodeID, objectID string) string {
	return "homeassistant/" + component + "/" + nodeID + "/" + objectID + "/config"
}

// PublishDiscovery publishes one retained config message per entity. Every
// payload carries the device block, a unique id, the state/command topics and
// dual availability (bridge state AND the device's own available field).
func (s *Service) PublishDiscovery(dev DiscoveryDevice, entities []DiscoveryEntity) {
	stateTopic := s.cfg.BaseTopic + "/" + SafeName(dev.Name)

	for _, entity := range entities {
		config := map[string]any{
			"name":      dev.Name + " " + strings.ReplaceAll(entity.ObjectID, "_", " "),
			"unique_id": dev.NodeID + "_" + entity.ObjectID,
			"device": map[string]any{
				"identifiers":  []string{dev.NodeID},
				"name":         dev.Name,
				"model":        dev.Model,
				"manufacturer": dev.Manufacturer,
				"via_device":   s.cfg.BaseTopic,
			},
			"state_topic": stateTopic,
			"availability": []map[string]any{
				{"topic": s.bridgeStateTopic()},
				{
					"topic":          stateTopic,
					"value_template": safeTemplate("{{ 'online' if value_json.available else 'offline' }}"),
				},
			},
			"availability_mode": "all",
		}

		commandComponents := map[string]bool{"light": true, "switch": true, "cover": true, "climate": true, "number": true}
		if commandComponents[entity.Component] {
			config["command_topic"] = stateTopic + "/set"
		}

		for k, v := range entity.Config {
			switch k {
			case "value_template", "position_template", "current_temperature_template", "temperature_state_template":
				if tmpl, ok := v.(string); ok {
					config[k] = safeTemplate(tmpl)
					continue
				}
			case "set_position_topic":
				config[k] = stateTopic + "/set"
				continue
			case "temperature_command_topic":
				config[k] = stateTopic + "/set"
				continue
			}
			config[k] = v
		}

		payload, err := json.Marshal(config)
		if err != nil {
			log.Error().Err(err).Str("object_id", entity.ObjectID).Msg("Discovery serialisation failed")
			continue
		}
		topic := DiscoveryTopic(entity.Component, dev.NodeID, entity.ObjectID)
		if err := s.PublishSync(topic, payload, 1, true); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Discovery publish failed")
		}
	}
}

// RemoveDiscovery clears the retained config messages for a device's entities.
func (s *Service) RemoveDiscovery(nodeID string, entities []DiscoveryEntity) {
	for _, entity := range entities {
		topic := DiscoveryTopic(entity.Component, nodeID, entity.ObjectID)
		if err := s.PublishSync(topic, nil, 1, true); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Discovery removal failed")
		}
	}
}

// AnnouncePacing returns the inter-device delay for re-announce bursts.
func AnnouncePacing() time.Duration { return announcePacing }
