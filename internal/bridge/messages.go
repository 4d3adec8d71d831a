package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MQTT payloads exchanged with the upstream controller.

// CommandMessage is an attribute write from the controller.
// Topic: {prefix}/command/{handle}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Handle must match the topic when set.
	Handle uint16 `json:"handle,omitempty"`

	Attribute Attribute `json:"attribute"`

	// Value is a number, or a boolean for on_off.
	Value json.RawMessage `json:"value"`

	Source string `json:"source,omitempty"`
}

// NewCommandMessage builds a command with a fresh id.
func NewCommandMessage(handle uint16, attr Attribute, value int, source string) CommandMessage {
	return CommandMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Handle:    handle,
		Attribute: attr,
		Value:     json.RawMessage(fmt.Sprintf("%d", value)),
		Source:    source,
	}
}

// IntValue decodes Value. An on_off command may also carry a boolean,
// which maps to 0 or 1; other attributes take integers only.
func (m CommandMessage) IntValue() (int, error) {
	if len(m.Value) == 0 || string(m.Value) == "null" {
		return 0, fmt.Errorf("%w: missing value", ErrOutOfRange)
	}

	var b bool
	if err := json.Unmarshal(m.Value, &b); err == nil {
		if m.Attribute != AttrOnOff {
			return 0, fmt.Errorf("%w: boolean value for %s", ErrOutOfRange, m.Attribute)
		}
		return boolToInt(b), nil
	}

	var n int
	if err := json.Unmarshal(m.Value, &n); err != nil {
		return 0, fmt.Errorf("%w: value %s is not an integer", ErrOutOfRange, m.Value)
	}
	return n, nil
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: {prefix}/ack/{handle}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Handle    uint16    `json:"handle"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes why a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// NewAckMessage acknowledges cmd as accepted. Commands that arrived
// without an id get one so the ack can still be correlated in logs.
func NewAckMessage(cmd CommandMessage, handle uint16) AckMessage {
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	return AckMessage{
		CommandID: id,
		Timestamp: time.Now().UTC(),
		Handle:    handle,
		Status:    AckAccepted,
	}
}

// NewAckError reports cmd as failed with code.
func NewAckError(cmd CommandMessage, handle uint16, code, message string) AckMessage {
	ack := NewAckMessage(cmd, handle)
	ack.Status = AckFailed
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// StateMessage carries one attribute change.
// Topic: {prefix}/state/{handle}, QoS 1, retained.
type StateMessage struct {
	Handle    uint16    `json:"handle"`
	UDN       string    `json:"udn"`
	Attribute Attribute `json:"attribute"`
	Value     int       `json:"value"`
	Reachable bool      `json:"reachable"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStateMessage converts a Change to its wire form.
func NewStateMessage(c Change) StateMessage {
	return StateMessage{
		Handle:    c.Handle,
		UDN:       c.UDN,
		Attribute: c.Attribute,
		Value:     c.Value,
		Reachable: c.Reachable,
		Timestamp: c.Time.UTC(),
	}
}

// DeviceListMessage lists every bridged device.
// Topic: {prefix}/system/devices, QoS 1, retained.
type DeviceListMessage struct {
	Bridge    string        `json:"bridge"`
	Timestamp time.Time     `json:"timestamp"`
	Devices   []DeviceState `json:"devices"`
}

// HealthStatus is the bridge's operational status.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge health.
// Topic: {prefix}/system/health, QoS 1, retained.
type HealthMessage struct {
	Bridge          string       `json:"bridge"`
	Timestamp       time.Time    `json:"timestamp"`
	Status          HealthStatus `json:"status"`
	Version         string       `json:"version"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	Devices         int          `json:"devices"`
	EngineConnected bool         `json:"engine_connected"`
	Reason          string       `json:"reason,omitempty"`
}
