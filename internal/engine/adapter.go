package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Adapter is the bridge's view of the device engine.
//
// Discover and Refresh are best effort. SetOnOff and SetLevelPercent report
// whether the engine accepted the command, not whether the device confirmed
// it. Subscribe registers the single event sink; calling it again replaces
// the previous sink.
type Adapter interface {
	Discover(ctx context.Context) []Device
	SetOnOff(ctx context.Context, udn string, on bool) bool
	SetLevelPercent(ctx context.Context, udn string, percent int) bool
	Subscribe(callback func(Event))
	Refresh(ctx context.Context)
}

const defaultConfirmTimeout = 2500 * time.Millisecond

// AdapterOptions configures a WemoAdapter.
type AdapterOptions struct {
	Client    Requester
	Snapshots SnapshotSource

	// ConfirmTimeout is passed to the engine's confirmed set. If the engine
	// cannot confirm in time the adapter falls back to an unconfirmed set.
	ConfirmTimeout time.Duration

	Logger Logger
}

// WemoAdapter implements Adapter over the engine IPC socket and its SQLite
// snapshot files. It owns the UDN to engine id cache.
type WemoAdapter struct {
	client         Requester
	snapshots      SnapshotSource
	confirmTimeout time.Duration
	logger         Logger

	cacheMu sync.Mutex
	byUDN   map[string]int

	// discovery collapses concurrent cache-miss refreshes into one probe.
	discovery singleflight.Group
}

var _ Adapter = (*WemoAdapter)(nil)

// NewWemoAdapter creates an adapter.
func NewWemoAdapter(opts AdapterOptions) (*WemoAdapter, error) {
	if opts.Client == nil {
		return nil, errors.New("engine: adapter requires a client")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("engine: adapter requires a snapshot source")
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}

	return &WemoAdapter{
		client:         opts.Client,
		snapshots:      opts.Snapshots,
		confirmTimeout: opts.ConfirmTimeout,
		logger:         opts.Logger,
		byUDN:          make(map[string]int),
	}, nil
}

// Discover probes for devices, reads the snapshot and rebuilds the UDN
// cache. It returns an empty slice when nothing can be read.
func (a *WemoAdapter) Discover(ctx context.Context) []Device {
	v, _, _ := a.discovery.Do("discover", func() (any, error) {
		return a.discover(ctx), nil
	})
	devices, _ := v.([]Device)
	return devices
}

func (a *WemoAdapter) discover(ctx context.Context) []Device {
	a.probe(ctx)

	devices, err := a.snapshots.Snapshot(ctx)
	if err != nil {
		a.logWarn("engine snapshot incomplete", "error", err, "devices", len(devices))
	}
	if devices == nil {
		return []Device{}
	}

	cache := make(map[string]int, len(devices))
	for _, d := range devices {
		cache[d.UDN] = d.EngineID
	}
	a.cacheMu.Lock()
	a.byUDN = cache
	a.cacheMu.Unlock()

	return devices
}

// probe asks the engine to run a discovery pass. Failure is logged only.
func (a *WemoAdapter) probe(ctx context.Context) {
	if err := a.client.Call(ctx, "discover", nil, nil); err != nil {
		a.logWarn("engine discovery probe failed", "error", err)
	}
}

// Refresh triggers a discovery pass without reading a snapshot. Devices that
// were silent at startup then report their state as events.
func (a *WemoAdapter) Refresh(ctx context.Context) {
	a.probe(ctx)
}

// Subscribe sets the event sink, replacing any previous one.
func (a *WemoAdapter) Subscribe(callback func(Event)) {
	a.client.SetOnEvent(callback)
}

// SetOnOff switches the device. The level is left untouched.
func (a *WemoAdapter) SetOnOff(ctx context.Context, udn string, on bool) bool {
	id, err := a.resolve(ctx, udn)
	if err != nil {
		a.logWarn("on/off command dropped", "udn", udn, "error", err)
		return false
	}
	return a.sendState(ctx, id, boolToState(on), NoLevel)
}

// SetLevelPercent sets brightness. The percent is clamped to 0..100 and the
// power state is derived from it, sent together as one command.
func (a *WemoAdapter) SetLevelPercent(ctx context.Context, udn string, percent int) bool {
	id, err := a.resolve(ctx, udn)
	if err != nil {
		a.logWarn("level command dropped", "udn", udn, "error", err)
		return false
	}
	percent = min(max(percent, 0), 100)
	return a.sendState(ctx, id, boolToState(percent > 0), percent)
}

// resolve maps udn to an engine id, running one discovery on a cache miss.
func (a *WemoAdapter) resolve(ctx context.Context, udn string) (int, error) {
	if id, ok := a.lookup(udn); ok {
		return id, nil
	}

	a.Discover(ctx)

	if id, ok := a.lookup(udn); ok {
		return id, nil
	}
	return 0, ErrUnknownUDN
}

func (a *WemoAdapter) lookup(udn string) (int, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	id, ok := a.byUDN[udn]
	return id, ok
}

// sendState tries a confirmed set first and falls back to a plain set when
// the engine cannot confirm.
func (a *WemoAdapter) sendState(ctx context.Context, id, state, level int) bool {
	args := setActionArgs{
		WemoID:    id,
		State:     state,
		Level:     level,
		TimeoutMS: int(a.confirmTimeout / time.Millisecond),
	}

	confirmCtx, cancel := context.WithTimeout(ctx, a.confirmTimeout+time.Second)
	err := a.client.Call(confirmCtx, "set_action_confirmed", args, nil)
	cancel()
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
		a.logWarn("engine unavailable, command not sent", "engine_id", id, "error", err)
		return false
	}
	a.logDebug("confirmed set failed, falling back", "engine_id", id, "error", err)

	args.TimeoutMS = 0
	if err := a.client.Call(ctx, "set_action", args, nil); err != nil {
		a.logWarn("engine rejected command", "engine_id", id, "state", state, "level", level, "error", err)
		return false
	}
	return true
}

func boolToState(on bool) int {
	if on {
		return 1
	}
	return 0
}

func (a *WemoAdapter) logDebug(msg string, kv ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, kv...)
	}
}

func (a *WemoAdapter) logWarn(msg string, kv ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, kv...)
	}
}
