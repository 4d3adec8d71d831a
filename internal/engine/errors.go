package engine

import "errors"

var (
	// ErrNotConnected is returned when a request is made while the engine
	// socket is down.
	ErrNotConnected = errors.New("engine: not connected")

	// ErrClosed is returned for requests after Close.
	ErrClosed = errors.New("engine: client closed")

	// ErrTimeout is returned when the engine does not answer in time.
	ErrTimeout = errors.New("engine: request timed out")

	// ErrRequestRejected is returned when the engine answers ok=false.
	ErrRequestRejected = errors.New("engine: request rejected")

	// ErrProtocolDesync is returned when a frame exceeds maxFrameSize.
	// The connection is dropped and re-established.
	ErrProtocolDesync = errors.New("engine: protocol desync")

	// ErrUnknownUDN is returned when a UDN cannot be resolved even after
	// a discovery refresh.
	ErrUnknownUDN = errors.New("engine: unknown udn")
)
