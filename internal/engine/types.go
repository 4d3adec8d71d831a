package engine

import "encoding/json"

// Device is one entry of the engine's device snapshot.
type Device struct {
	// EngineID is the engine's row id. It may change across engine restarts.
	EngineID int

	// UDN is the durable device name and the cross-system key.
	UDN string

	FriendlyName  string
	SupportsLevel bool
	IsOnline      bool
	OnOff         bool

	// LevelPercent is 0..100. Meaningful only when SupportsLevel is set.
	LevelPercent int
}

// NoLevel marks an Event or command that carries no brightness.
const NoLevel = -1

// Event is an asynchronous state change reported by the engine.
type Event struct {
	EngineID int
	IsOnline bool
	OnOff    bool

	// Level is 0..100, or NoLevel when the event carries no brightness.
	Level int
}

// Engine device types and state capability ids, as stored in the engine's
// databases.
const (
	deviceTypeDimmer = 4

	capBinary = 1
	capLevel  = 2
)

// request is one IPC call, encoded as a single JSON line.
type request struct {
	ID   uint64 `json:"id"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

// frame is one line received from the engine: either the response to a
// request (ID set) or an unsolicited event.
type frame struct {
	ID     uint64          `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  *wireEvent      `json:"event,omitempty"`
}

type wireEvent struct {
	WemoID   int  `json:"wemo_id"`
	IsOnline bool `json:"is_online"`
	State    int  `json:"state"`
	Level    *int `json:"level,omitempty"`
}

func (w wireEvent) toEvent() Event {
	ev := Event{
		EngineID: w.WemoID,
		IsOnline: w.IsOnline,
		OnOff:    w.State != 0,
		Level:    NoLevel,
	}
	if w.Level != nil && *w.Level >= 0 {
		ev.Level = min(*w.Level, 100)
	}
	return ev
}

// setActionArgs is the (state, level) tuple the engine applies atomically.
type setActionArgs struct {
	WemoID    int `json:"wemo_id"`
	State     int `json:"state"`
	Level     int `json:"level"`
	TimeoutMS int `json:"timeout_ms,omitempty"`
}
