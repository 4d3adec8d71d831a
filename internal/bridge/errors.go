package bridge

import "errors"

// Write rejections. HandleWrite wraps these; check with errors.Is.
var (
	ErrUnknownDevice        = errors.New("bridge: unknown device")
	ErrUnsupportedAttribute = errors.New("bridge: unsupported attribute")
	ErrOutOfRange           = errors.New("bridge: value out of range")
	ErrUnreachable          = errors.New("bridge: device unreachable")
)

var (
	// ErrCapacityExceeded marks a device skipped because the directory is full.
	ErrCapacityExceeded = errors.New("bridge: device capacity exceeded")

	// ErrDuplicateDevice marks a second snapshot entry for a UDN already published.
	ErrDuplicateDevice = errors.New("bridge: duplicate device")

	// ErrQueueFull is returned when a bounded queue rejects work.
	ErrQueueFull = errors.New("bridge: queue full")

	// ErrStopped is returned once the reconciler or dispatcher has shut down.
	ErrStopped = errors.New("bridge: stopped")
)
