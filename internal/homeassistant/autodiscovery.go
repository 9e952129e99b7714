// Package homeassistant generates MQTT discovery configs so the panel's
// indicators and aggregated status appear in Home Assistant without manual
// sensor configuration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/panel_entities.yaml
var panelEntitiesYAML []byte

// Availability payloads shared with the publisher's last-will message.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// EntityConfig describes one entity from the layouts YAML.
type EntityConfig struct {
	Name        string `yaml:"name"`
	DeviceClass string `yaml:"device_class,omitempty"`
	StateClass  string `yaml:"state_class,omitempty"`
	Icon        string `yaml:"icon,omitempty"`
	Category    string `yaml:"category,omitempty"`
}

// LayoutConfig is the entity layout parsed from the embedded YAML. Indicator
// entries become binary sensors over the master indicator topic, sensor
// entries become sensors over the aggregated status topic. Keys must match
// the JSON field names of the published payloads.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Indicators  map[string]EntityConfig `yaml:"indicators"`
	Sensors     map[string]EntityConfig `yaml:"sensors"`
}

// DiscoveryMessage is the JSON body of one Home Assistant discovery config.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo groups every entity under a single Home Assistant device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery builds discovery messages bound to the panel's state topics.
type AutoDiscovery struct {
	config            Config
	layout            *LayoutConfig
	statusTopic       string
	masterTopic       string
	availabilityTopic string
	deviceID          string
}

// New parses the embedded entity layout and returns a discovery builder.
// The device ID is derived from the configured device name and used in
// every unique ID and discovery topic.
func New(config Config, statusTopic, masterTopic, availabilityTopic string) (*AutoDiscovery, error) {
	deviceID := sanitizeID(config.DeviceName)
	if deviceID == "" {
		deviceID = "panelwatch"
	}

	ad := &AutoDiscovery{
		config:            config,
		statusTopic:       statusTopic,
		masterTopic:       masterTopic,
		availabilityTopic: availabilityTopic,
		deviceID:          deviceID,
	}

	if err := ad.loadLayout(); err != nil {
		return nil, fmt.Errorf("failed to load entity layout: %w", err)
	}

	return ad, nil
}

// loadLayout parses the embedded entity definitions.
func (ad *AutoDiscovery) loadLayout() error {
	var layout LayoutConfig
	if err := yaml.Unmarshal(panelEntitiesYAML, &layout); err != nil {
		return fmt.Errorf("failed to unmarshal entity layout: %w", err)
	}
	if len(layout.Indicators) == 0 && len(layout.Sensors) == 0 {
		return fmt.Errorf("entity layout %q defines no entities", layout.Version)
	}

	ad.layout = &layout
	log.Info().
		Str("version", layout.Version).
		Int("indicator_count", len(layout.Indicators)).
		Int("sensor_count", len(layout.Sensors)).
		Msg("Home Assistant entity layout loaded")

	return nil
}

// DeviceID returns the sanitized identifier shared by all entities.
func (ad *AutoDiscovery) DeviceID() string {
	return ad.deviceID
}

// DiscoveryMessages returns every discovery config keyed by its topic.
func (ad *AutoDiscovery) DiscoveryMessages() map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, len(ad.layout.Indicators)+len(ad.layout.Sensors))

	for field, entity := range ad.layout.Indicators {
		messages[ad.discoveryTopic("binary_sensor", field)] = ad.binarySensorMessage(field, entity)
	}
	for field, entity := range ad.layout.Sensors {
		messages[ad.discoveryTopic("sensor", field)] = ad.sensorMessage(field, entity)
	}

	return messages
}

// binarySensorMessage builds the config for one master indicator. The
// payloads are the Jinja renderings of the JSON booleans.
func (ad *AutoDiscovery) binarySensorMessage(field string, entity EntityConfig) DiscoveryMessage {
	message := ad.baseMessage(field, entity, ad.masterTopic)
	message.PayloadOn = "True"
	message.PayloadOff = "False"
	return message
}

// sensorMessage builds the config for one aggregated status field.
func (ad *AutoDiscovery) sensorMessage(field string, entity EntityConfig) DiscoveryMessage {
	return ad.baseMessage(field, entity, ad.statusTopic)
}

func (ad *AutoDiscovery) baseMessage(field string, entity EntityConfig, stateTopic string) DiscoveryMessage {
	message := DiscoveryMessage{
		Name:          entity.Name,
		UniqueID:      fmt.Sprintf("%s_%s", ad.deviceID, field),
		StateTopic:    stateTopic,
		ValueTemplate: fmt.Sprintf("{{ value_json.%s }}", field),
		DeviceClass:   entity.DeviceClass,
		StateClass:    entity.StateClass,
		Icon:          entity.Icon,
		Device:        ad.deviceInfo(),
	}

	if entity.Category == "diagnostic" {
		message.EntityCategory = "diagnostic"
	}

	if ad.availabilityTopic != "" {
		message.AvailabilityTopic = ad.availabilityTopic
		message.PayloadAvailable = PayloadOnline
		message.PayloadNotAvailable = PayloadOffline
	}

	return message
}

func (ad *AutoDiscovery) deviceInfo() DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{ad.deviceID},
		Name:         ad.config.DeviceName,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        ad.deviceModel(),
		SwVersion:    "go-panelwatch",
	}
}

func (ad *AutoDiscovery) deviceModel() string {
	if ad.config.DeviceModel != "" {
		return ad.config.DeviceModel
	}
	return "PanelWatch"
}

// discoveryTopic builds <prefix>/<platform>/<node_id>/<object_id>/config.
func (ad *AutoDiscovery) discoveryTopic(platform, field string) string {
	objectID := fmt.Sprintf("%s_%s", ad.deviceID, field)
	return fmt.Sprintf("%s/%s/%s/%s/config", ad.config.DiscoveryPrefix, platform, ad.deviceID, objectID)
}

// AvailabilityMessage returns the payload announcing online or offline.
func (ad *AutoDiscovery) AvailabilityMessage(online bool) string {
	if online {
		return PayloadOnline
	}
	return PayloadOffline
}

// CleanupMessages returns empty payloads that remove every panel entity
// from Home Assistant.
func (ad *AutoDiscovery) CleanupMessages() map[string]string {
	messages := make(map[string]string)
	for field := range ad.layout.Indicators {
		messages[ad.discoveryTopic("binary_sensor", field)] = ""
	}
	for field := range ad.layout.Sensors {
		messages[ad.discoveryTopic("sensor", field)] = ""
	}
	return messages
}

// sanitizeID lowercases an identifier and squeezes it into the character
// set Home Assistant accepts in topic segments.
func sanitizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))

	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '.', r == '/':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
