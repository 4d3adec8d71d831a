package mqtt

import (
	"fmt"
	"strconv"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "wemobridge"

// Topics builds the bridge's MQTT topic tree under a single prefix.
//
// Device topics are keyed by endpoint handle, the stable identifier the
// registry assigned to the device's UDN:
//
//	topics := mqtt.Topics{Prefix: "wemobridge"}
//	topics.Command(3) // "wemobridge/command/3"
//	topics.State(3)   // "wemobridge/state/3"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Command returns the topic attribute writes arrive on.
//
// Example: wemobridge/command/3
func (t Topics) Command(handle uint16) string {
	return fmt.Sprintf("%s/command/%d", t.prefix(), handle)
}

// Ack returns the topic a write's result is published on.
//
// Example: wemobridge/ack/3
func (t Topics) Ack(handle uint16) string {
	return fmt.Sprintf("%s/ack/%d", t.prefix(), handle)
}

// State returns the retained attribute state topic.
//
// Example: wemobridge/state/3
func (t Topics) State(handle uint16) string {
	return fmt.Sprintf("%s/state/%d", t.prefix(), handle)
}

// AllCommands returns a pattern matching writes to every device.
//
// Pattern: wemobridge/command/+
func (t Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+", t.prefix())
}

// AllStates returns a pattern matching every device state topic.
//
// Pattern: wemobridge/state/+
func (t Topics) AllStates() string {
	return fmt.Sprintf("%s/state/+", t.prefix())
}

// SystemStatus returns the connection status topic carrying the LWT.
//
// Example: wemobridge/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// SystemHealth returns the periodic health report topic.
//
// Example: wemobridge/system/health
func (t Topics) SystemHealth() string {
	return fmt.Sprintf("%s/system/health", t.prefix())
}

// SystemDevices returns the retained published-device list topic.
//
// Example: wemobridge/system/devices
func (t Topics) SystemDevices() string {
	return fmt.Sprintf("%s/system/devices", t.prefix())
}

// HandleFromTopic extracts the trailing handle segment of a device topic.
func HandleFromTopic(topic string) (uint16, error) {
	i := len(topic) - 1
	for i >= 0 && topic[i] != '/' {
		i--
	}
	seg := topic[i+1:]
	n, err := strconv.ParseUint(seg, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: no handle in %q", ErrInvalidTopic, topic)
	}
	return uint16(n), nil
}
