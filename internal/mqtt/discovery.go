//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/mast_console_mast/info_state/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery covers the fields of the sensor, binary_sensor, button and
// number components used here.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Device            haDevice `json:"device"`
}

// haEntity is one discovered entity; state and command topics are names
// below the bridge prefix.
type haEntity struct {
	component string
	objectID  string
	cfg       haDiscovery
	state     string
	command   string
}

func bounds(lo, hi float64) (*float64, *float64) {
	return &lo, &hi
}

// mastEntities lists everything the console exposes to Home Assistant.
func mastEntities() []haEntity {
	azMin, azMax := bounds(0, 359)
	hMin, hMax := bounds(0, 1.4)
	return []haEntity{
		{component: "binary_sensor", objectID: "connectivity", state: topicState, cfg: haDiscovery{
			Name: "Connectivity", DeviceClass: "connectivity",
			ValueTemplate: "{{ value_json.connectivity }}", PayloadOn: "online", PayloadOff: "offline",
		}},
		{component: "binary_sensor", objectID: "busy", state: topicState, cfg: haDiscovery{
			Name: "Busy", DeviceClass: "running",
			ValueTemplate: "{{ 'ON' if value_json.busy else 'OFF' }}", PayloadOn: "ON", PayloadOff: "OFF",
		}},
		{component: "sensor", objectID: "info_state", state: topicState, cfg: haDiscovery{
			Name: "Info", ValueTemplate: "{{ value_json.info_state }}",
		}},
		{component: "sensor", objectID: "section_length_current", state: topicState, cfg: haDiscovery{
			Name: "Section Length", DeviceClass: "distance", UnitOfMeasurement: "m", StateClass: "measurement",
			ValueTemplate: "{{ value_json.section_length_current }}",
		}},
		{component: "sensor", objectID: "section_length_target", state: topicState, cfg: haDiscovery{
			Name: "Section Length Target", DeviceClass: "distance", UnitOfMeasurement: "m",
			ValueTemplate: "{{ value_json.section_length_target }}",
		}},
		{component: "sensor", objectID: "best_bearing", state: topicPattern, cfg: haDiscovery{
			Name: "Best Bearing", UnitOfMeasurement: "°", ValueTemplate: "{{ value_json.best_bearing }}",
		}},
		{component: "sensor", objectID: "best_signal", state: topicPattern, cfg: haDiscovery{
			Name: "Best Signal", DeviceClass: "signal_strength", UnitOfMeasurement: "dBm",
			ValueTemplate: "{{ value_json.best_signal }}",
		}},
		{component: "button", objectID: "calibrate", command: topicSet, cfg: haDiscovery{
			Name: "Calibrate", PayloadPress: `{"task":"c"}`,
		}},
		{component: "button", objectID: "wifi_search", command: topicSet, cfg: haDiscovery{
			Name: "Wi-Fi Search", PayloadPress: `{"task":"w"}`,
		}},
		{component: "number", objectID: "azimuth", command: topicSet, cfg: haDiscovery{
			Name: "Azimuth", UnitOfMeasurement: "°", Min: azMin, Max: azMax, Step: 1, Mode: "box",
			CommandTemplate: `{"task":"z","value":{{ value }}}`,
		}},
		{component: "number", objectID: "target_height", command: topicSet, cfg: haDiscovery{
			Name: "Target Height", UnitOfMeasurement: "m", Min: hMin, Max: hMax, Step: 0.01, Mode: "box",
			CommandTemplate: `{"task":"h","value":{{ value }}}`,
		}},
	}
}

// nodeID identifies the console in the HA device registry; it is derived
// from the topic prefix so two consoles on one broker stay apart.
func nodeID(prefix string) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(prefix))
	return "mast_console_" + name
}

// buildDiscovery generates HA discovery messages for the console.
func buildDiscovery(discoveryPrefix, prefix string) []discoveryMsg {
	node := nodeID(prefix)
	dev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "mast-console",
		Model:        "Mast and bridge controller",
		Name:         "Mast " + prefix,
	}

	entities := mastEntities()
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		cfg := e.cfg
		cfg.UniqueID = node + "_" + e.objectID
		cfg.AvailabilityTopic = prefix + "/" + topicBridgeState
		cfg.Device = dev
		if e.state != "" {
			cfg.StateTopic = prefix + "/" + e.state
		}
		if e.command != "" {
			cfg.CommandTopic = prefix + "/" + e.command
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(discoveryPrefix, e.component, node, e.objectID),
			Payload: mustJSON(cfg),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that remove every
// entity from HA.
func buildRemoveDiscovery(discoveryPrefix, prefix string) []discoveryMsg {
	node := nodeID(prefix)
	var msgs []discoveryMsg
	for _, e := range mastEntities() {
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(discoveryPrefix, e.component, node, e.objectID),
			Payload: nil,
		})
	}
	return msgs
}

func discoveryTopic(discoveryPrefix, component, node, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, node, objectID)
}
