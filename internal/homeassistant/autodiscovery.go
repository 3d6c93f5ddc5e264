// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/registers"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled         bool
	DiscoveryPrefix string
	RetainDiscovery bool
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// AutoDiscovery builds discovery messages for one device from the output
// bindings of its register catalog.
type AutoDiscovery struct {
	config     Config
	catalog    *registers.Catalog
	baseTopic  string
	deviceName string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the
// device's topic root holding its state and availability topics.
func New(config Config, catalog *registers.Catalog, baseTopic, deviceName string) (*AutoDiscovery, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required for device %s", deviceName)
	}
	if config.DiscoveryPrefix == "" {
		config.DiscoveryPrefix = "homeassistant"
	}

	ad := &AutoDiscovery{
		config:     config,
		catalog:    catalog,
		baseTopic:  strings.TrimSuffix(baseTopic, "/"),
		deviceName: deviceName,
	}

	log.Debug().
		Str("component", "homeassistant").
		Str("device", deviceName).
		Int("sensor_count", len(ad.bindings())).
		Msg("Home Assistant discovery prepared")

	return ad, nil
}

type binding struct {
	field  string
	output registers.OutputBinding
}

// bindings returns the catalog definitions that carry an output binding,
// ordered by field name.
func (ad *AutoDiscovery) bindings() []binding {
	var out []binding
	for _, def := range ad.catalog.Definitions {
		if def.Output == nil {
			continue
		}
		out = append(out, binding{field: def.Name, output: *def.Output})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].field < out[j].field })
	return out
}

// GenerateDiscoveryMessages returns one discovery message per output binding,
// keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages() map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)
	for _, b := range ad.bindings() {
		messages[ad.getDiscoveryTopic(b.output.Name)] = ad.createDiscoveryMessage(b)
	}
	return messages
}

func (ad *AutoDiscovery) createDiscoveryMessage(b binding) DiscoveryMessage {
	nodeID := ad.nodeID()

	var entityCategory string
	if b.output.Unit == "" && b.output.DeviceClass == "" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              humanize(b.output.Name),
		UniqueID:          fmt.Sprintf("%s_%s", nodeID, b.output.Name),
		StateTopic:        ad.GetStateTopic(),
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", b.field),
		DeviceClass:       b.output.DeviceClass,
		UnitOfMeasurement: b.output.Unit,
		StateClass:        b.output.StateClass,
		Icon:              b.output.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{nodeID},
			Name:         ad.deviceName,
			Manufacturer: ad.catalog.Manufacturer,
			Model:        ad.catalog.Model,
			SwVersion:    "go-solarman",
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
	}
}

func (ad *AutoDiscovery) nodeID() string {
	nodeID := fmt.Sprintf("solarman_%s", ad.deviceName)
	nodeID = strings.ReplaceAll(nodeID, " ", "_")
	return strings.ToLower(nodeID)
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor:
// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(name string) string {
	nodeID := ad.nodeID()
	objectID := fmt.Sprintf("%s_%s", nodeID, name)
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

// humanize turns a snake_case name into a display name.
func humanize(name string) string {
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
		}
	}
	return strings.Join(words, " ")
}

// GetStateTopic returns the topic carrying the device's snapshot.
func (ad *AutoDiscovery) GetStateTopic() string {
	return ad.baseTopic + "/state"
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return PayloadOnline
	}
	return PayloadOffline
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages() map[string]string {
	messages := make(map[string]string)
	for _, b := range ad.bindings() {
		messages[ad.getDiscoveryTopic(b.output.Name)] = "" // Empty payload removes the entity
	}
	return messages
}
