package mqtt

import "github.com/dermotduffy/rosterd/internal/entity"

// Home Assistant MQTT discovery payloads.
// https://www.home-assistant.io/integrations/mqtt/#mqtt-discovery

// Device groups the discovered entities of one config entry under a
// single device registry entry on the consumer side.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// lightDiscovery configures an MQTT light in JSON schema: state and
// commands are JSON documents on the state/command topics.
type lightDiscovery struct {
	Schema              string   `json:"schema"`
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	Effect              bool     `json:"effect"`
	EffectList          []string `json:"effect_list,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes"`
	Icon                string   `json:"icon,omitempty"`
	QOS                 int      `json:"qos"`
	Device              Device   `json:"device"`
}

// cameraDiscovery configures an MQTT camera: Topic receives raw snapshot
// frames, metadata rides on the attributes topic.
type cameraDiscovery struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	Topic               string `json:"topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	JSONAttributesTopic string `json:"json_attributes_topic"`
	QOS                 int    `json:"qos"`
	Device              Device `json:"device"`
}

// lightStatePayload is the JSON-schema state document. Color mode is
// always rgb; the effect field carries the active effect, an external
// source name, or the solid sentinel.
type lightStatePayload struct {
	State      string       `json:"state"`
	Brightness int          `json:"brightness"`
	ColorMode  string       `json:"color_mode"`
	Color      entity.Color `json:"color"`
	Effect     string       `json:"effect,omitempty"`
}

// lightCommandPayload is the JSON-schema command document. Absent fields
// keep the last-known value, mirroring the cache merge semantics.
type lightCommandPayload struct {
	State      string        `json:"state"`
	Brightness *int          `json:"brightness"`
	Color      *entity.Color `json:"color"`
	Effect     *string       `json:"effect"`
}

// cameraAttributesPayload is the camera metadata document on the
// attributes topic.
type cameraAttributesPayload struct {
	Name                string `json:"name"`
	MotionDetection     bool   `json:"motion_detection"`
	VideoStreaming      bool   `json:"video_streaming"`
	StreamingFramerate  int    `json:"streaming_framerate,omitempty"`
	StreamingResolution int    `json:"streaming_resolution,omitempty"`
	StreamURL           string `json:"stream_url,omitempty"`
	SnapshotURL         string `json:"snapshot_url,omitempty"`
}
