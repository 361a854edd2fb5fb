package mqtt

import (
	"encoding/json"
	"fmt"

	"dali-go-bridge/internal/manager"
	"dali-go-bridge/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/dali_bridge/bus0_addr3/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haLight is the HA discovery payload for one dimmable light.
type haLight struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	PayloadAvailable    string   `json:"payload_available"`
	PayloadNotAvailable string   `json:"payload_not_available"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	Device              haDevice `json:"device"`
}

// haLightState is the JSON-schema state published for a light.
type haLightState struct {
	State      string `json:"state"`
	Brightness uint8  `json:"brightness"`
}

// haLightCommand is the JSON-schema command HA publishes on a light's set
// topic.
type haLightCommand struct {
	State      string `json:"state"`
	Brightness *uint8 `json:"brightness,omitempty"`
}

// lightTopic is the per-light state topic; the set suffix makes the
// command topic.
func lightTopic(prefix string, busNum int, addr uint8) string {
	return fmt.Sprintf("%s/light/bus%d/addr%d", prefix, busNum, addr)
}

func lightNodeID(name string, busNum int, addr uint8) string {
	return fmt.Sprintf("dali_%s_bus%d_addr%d", name, busNum, addr)
}

func lightDiscoveryTopic(name string, busNum int, addr uint8) string {
	return fmt.Sprintf("homeassistant/light/dali_%s/bus%d_addr%d/config", name, busNum, addr)
}

// buildLightDiscovery generates the HA discovery message for one light.
func buildLightDiscovery(prefix, name string, busNum int, l store.Light) discoveryMsg {
	displayName := l.Description
	if displayName == "" {
		displayName = fmt.Sprintf("Light %d", l.Channel)
	}
	stateTopic := lightTopic(prefix, busNum, l.Channel)
	payload := haLight{
		Name:                displayName,
		UniqueID:            lightNodeID(name, busNum, l.Channel),
		Schema:              "json",
		StateTopic:          stateTopic,
		CommandTopic:        stateTopic + "/set",
		AvailabilityTopic:   prefix + "/active",
		PayloadAvailable:    "true",
		PayloadNotAvailable: "false",
		Brightness:          true,
		BrightnessScale:     254,
		Device: haDevice{
			Identifiers:  []string{"dali_" + name},
			Manufacturer: "DALI",
			Name:         name,
		},
	}
	return discoveryMsg{
		Topic:   lightDiscoveryTopic(name, busNum, l.Channel),
		Payload: mustJSON(payload),
	}
}

// buildRemoveLightDiscovery generates the delete message for a
// decommissioned light.
func buildRemoveLightDiscovery(name string, busNum int, addr uint8) discoveryMsg {
	return discoveryMsg{Topic: lightDiscoveryTopic(name, busNum, addr)}
}

// buildAllDiscovery generates discovery messages for every commissioned
// light across all buses.
func buildAllDiscovery(prefix, name string, views []manager.BusView) []discoveryMsg {
	var msgs []discoveryMsg
	for _, v := range views {
		for _, l := range v.Channels {
			msgs = append(msgs, buildLightDiscovery(prefix, name, v.Bus, l))
		}
	}
	return msgs
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
