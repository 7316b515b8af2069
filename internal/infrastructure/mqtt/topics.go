package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots. Every lab topic starts with a leading slash, so the first
// level of the hierarchy is the empty string.
const (
	// TopicPrefixDevice is the base for all device topics.
	TopicPrefixDevice = "/lab/device"

	// TopicPrefixOrchestrator is the base for orchestrator topics.
	TopicPrefixOrchestrator = "/lab/orchestrator"
)

// Topic suffixes.
const (
	SuffixCommand = "cmd"
	SuffixEvent   = "evt"
	SuffixMeta    = "meta"
)

// Topics provides builders for lab MQTT topics.
// Using these helpers keeps topic naming consistent across both binaries.
//
//	topics := mqtt.Topics{}
//	cmd := topics.DeviceCommand("ndi-01", "ndi")
//	// Returns: "/lab/device/ndi-01/ndi/cmd"
type Topics struct{}

// DeviceCommand returns the topic a device agent receives module commands on.
//
// Example: /lab/device/ndi-01/ndi/cmd
func (Topics) DeviceCommand(deviceID, module string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevice, deviceID, module, SuffixCommand)
}

// DeviceEvent returns the topic a device agent publishes responses on.
//
// Example: /lab/device/ndi-01/ndi/evt
func (Topics) DeviceEvent(deviceID, module string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevice, deviceID, module, SuffixEvent)
}

// DeviceMeta returns the heartbeat/presence topic of a device.
//
// Example: /lab/device/ndi-01/meta
func (Topics) DeviceMeta(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, deviceID, SuffixMeta)
}

// OrchestratorCommand returns the control topic of an orchestrator plugin.
//
// Example: /lab/orchestrator/projector/cmd
func (Topics) OrchestratorCommand(module string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixOrchestrator, module, SuffixCommand)
}

// OrchestratorEvent returns the topic a plugin publishes control acks on.
//
// Example: /lab/orchestrator/projector/evt
func (Topics) OrchestratorEvent(module string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixOrchestrator, module, SuffixEvent)
}

// OrchestratorStatus returns the orchestrator presence topic (online/LWT).
//
// Example: /lab/orchestrator/status
func (Topics) OrchestratorStatus() string {
	return TopicPrefixOrchestrator + "/status"
}

// AllDeviceCommands matches every module command for one device.
//
// Pattern: /lab/device/{device_id}/+/cmd
func (Topics) AllDeviceCommands(deviceID string) string {
	return fmt.Sprintf("%s/%s/+/%s", TopicPrefixDevice, deviceID, SuffixCommand)
}

// AllDeviceEvents matches every module response from every device.
//
// Pattern: /lab/device/+/+/evt
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixDevice, SuffixEvent)
}

// AllDeviceMeta matches every device heartbeat.
//
// Pattern: /lab/device/+/meta
func (Topics) AllDeviceMeta() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevice, SuffixMeta)
}

// DeviceTopic is a parsed /lab/device topic.
type DeviceTopic struct {
	DeviceID string
	// Module is empty for meta topics.
	Module string
	Kind   string
}

// ParseDeviceTopic splits a concrete device topic into its parts.
// It returns false for anything that is not a well-formed device topic.
func ParseDeviceTopic(topic string) (DeviceTopic, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok {
		return DeviceTopic{}, false
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return DeviceTopic{}, false
		}
	}

	switch {
	case len(parts) == 2 && parts[1] == SuffixMeta:
		return DeviceTopic{DeviceID: parts[0], Kind: SuffixMeta}, true
	case len(parts) == 3 && (parts[2] == SuffixCommand || parts[2] == SuffixEvent):
		return DeviceTopic{DeviceID: parts[0], Module: parts[1], Kind: parts[2]}, true
	default:
		return DeviceTopic{}, false
	}
}

// ParseOrchestratorTopic returns the module and kind of an orchestrator
// plugin topic such as /lab/orchestrator/ndi/cmd.
func ParseOrchestratorTopic(topic string) (module, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixOrchestrator+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	if parts[1] != SuffixCommand && parts[1] != SuffixEvent {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MatchTopic reports whether a concrete topic matches a subscription filter
// using MQTT wildcard rules (+ for one level, # for the remainder).
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
