package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
)

// Reconciler defaults.
const (
	DefaultSettleWindow   = 2 * time.Second
	DefaultEventQueueSize = 256
)

// Attribute names a device attribute on the upstream side.
type Attribute string

// Attributes exposed per device. Reachable is reported but not writable.
const (
	AttrOnOff     Attribute = "on_off"
	AttrLevel     Attribute = "level"
	AttrReachable Attribute = "reachable"
)

// Write is an attribute write from the upstream controller.
type Write struct {
	Handle    uint16
	Attribute Attribute
	Value     int
}

// Change is an attribute value the bridge now holds and should publish.
type Change struct {
	Handle    uint16
	UDN       string
	Attribute Attribute
	Value     int
	Reachable bool
	Time      time.Time
}

// Commander sends commands to the engine. engine.Adapter implements it.
type Commander interface {
	SetOnOff(ctx context.Context, udn string, on bool) bool
	SetLevelPercent(ctx context.Context, udn string, percent int) bool
}

// Publisher receives attribute changes from the reconciler worker. It must
// not block.
type Publisher interface {
	AttributeChanged(Change)
}

// MetricsSink records per-device outcomes. influxdb.Client implements it.
type MetricsSink interface {
	WriteDispatch(udn string, handle uint16, attribute string, ok bool, latency time.Duration)
	WriteReachability(udn string, handle uint16, online bool)
}

// Logger is the logging interface used by the bridge package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Reconciler.
type Options struct {
	Directory  *Directory
	Commander  Commander
	Dispatcher *Dispatcher

	// Publisher and Metrics are optional.
	Publisher Publisher
	Metrics   MetricsSink

	// Clock defaults to SystemClock.
	Clock Clock

	SettleWindow   time.Duration
	EventQueueSize int

	Logger Logger
}

// Reconciler keeps the bridge's view of each device consistent with both
// upstream writes and engine events.
//
// All Device state is owned by a single worker goroutine (Run). Writes wait
// for the worker's decision; events are queued and dropped when the queue
// is full. Commands to the engine go through the Dispatcher and are
// acknowledged optimistically.
//
// A write arms a pending value for the settle window. Engine events that
// disagree with an unexpired pending value are treated as stale echoes of
// the state before the write and discarded.
type Reconciler struct {
	dir        *Directory
	commander  Commander
	dispatcher *Dispatcher
	metrics    MetricsSink
	clock      Clock
	settle     time.Duration

	events chan engine.Event
	ops    chan func()
	done   chan struct{}

	running  atomic.Bool
	doneOnce sync.Once

	publisher   Publisher
	publisherMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	stats counters
}

type counters struct {
	eventsReceived   atomic.Uint64
	eventsDropped    atomic.Uint64
	eventsUnknown    atomic.Uint64
	eventsApplied    atomic.Uint64
	eventsSuppressed atomic.Uint64

	writesAccepted  atomic.Uint64
	writesRejected  atomic.Uint64
	writesDiscarded atomic.Uint64

	dispatchSucceeded atomic.Uint64
	dispatchFailed    atomic.Uint64
}

// NewReconciler validates opts and creates a Reconciler. Call Run to start
// the worker.
func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Directory == nil {
		return nil, errors.New("bridge: reconciler requires a directory")
	}
	if opts.Commander == nil {
		return nil, errors.New("bridge: reconciler requires a commander")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("bridge: reconciler requires a dispatcher")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = DefaultSettleWindow
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}

	return &Reconciler{
		dir:        opts.Directory,
		commander:  opts.Commander,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		settle:     opts.SettleWindow,
		events:     make(chan engine.Event, opts.EventQueueSize),
		ops:        make(chan func()),
		done:       make(chan struct{}),
		publisher:  opts.Publisher,
		logger:     opts.Logger,
	}, nil
}

// SetPublisher replaces the change publisher.
func (r *Reconciler) SetPublisher(p Publisher) {
	r.publisherMu.Lock()
	r.publisher = p
	r.publisherMu.Unlock()
}

// SetLogger sets the logger.
func (r *Reconciler) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Run is the worker loop. It blocks until ctx is cancelled and may only be
// called once.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("bridge: reconciler already running")
	}
	defer r.doneOnce.Do(func() { close(r.done) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.applyEvent(ev)
		case op := <-r.ops:
			op()
		}
	}
}

// HandleEvent queues an engine event for the worker. It never blocks; when
// the queue is full the event is dropped.
func (r *Reconciler) HandleEvent(ev engine.Event) {
	r.stats.eventsReceived.Add(1)
	select {
	case r.events <- ev:
	default:
		r.stats.eventsDropped.Add(1)
		r.logWarn("event queue full, dropping engine event", "engine_id", ev.EngineID)
	}
}

// HandleWrite applies an upstream attribute write. Validation failures are
// returned as errors wrapping the package sentinels. A nil return means the
// write was accepted; it may still have been discarded by the write filters
// and is dispatched to the engine asynchronously.
func (r *Reconciler) HandleWrite(ctx context.Context, w Write) error {
	dev, err := r.validate(w)
	if err != nil {
		r.stats.writesRejected.Add(1)
		return err
	}

	var result error
	if err := r.do(ctx, func() { result = r.applyWrite(dev, w) }); err != nil {
		return err
	}
	if result != nil {
		r.stats.writesRejected.Add(1)
	}
	return result
}

func (r *Reconciler) validate(w Write) (*Device, error) {
	dev, ok := r.dir.ByHandle(w.Handle)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownDevice, w.Handle)
	}

	switch w.Attribute {
	case AttrOnOff:
		if w.Value != 0 && w.Value != 1 {
			return nil, fmt.Errorf("%w: on_off %d", ErrOutOfRange, w.Value)
		}
	case AttrLevel:
		if !dev.Dimmable {
			return nil, fmt.Errorf("%w: handle %d is not dimmable", ErrUnsupportedAttribute, w.Handle)
		}
		if w.Value < 0 || w.Value > MaxLevel {
			return nil, fmt.Errorf("%w: level %d", ErrOutOfRange, w.Value)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAttribute, w.Attribute)
	}
	return dev, nil
}

// do runs fn on the worker and waits for it to finish.
func (r *Reconciler) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}

	// Once queued the op always runs, so wait for it regardless of ctx.
	<-finished
	return nil
}

func (r *Reconciler) applyWrite(dev *Device, w Write) error {
	if !dev.Reachable {
		return fmt.Errorf("%w: handle %d", ErrUnreachable, dev.Handle)
	}

	now := r.clock.Now()

	switch w.Attribute {
	case AttrOnOff:
		on := w.Value == 1
		dev.pendingOnOff.arm(w.Value, now, r.settle)
		if dev.OnOff != on {
			dev.OnOff = on
			r.emit(dev, AttrOnOff, w.Value, now)
		}
		r.stats.writesAccepted.Add(1)
		r.dispatch(dev, AttrOnOff, func(ctx context.Context, udn string) bool {
			return r.commander.SetOnOff(ctx, udn, on)
		})

	case AttrLevel:
		// A controller toggling on/off also writes a level; while the toggle
		// is in flight that write is not a brightness request.
		if dev.pendingOnOff.active(now) {
			r.stats.writesDiscarded.Add(1)
			r.logDebug("level write discarded during on/off change", "handle", dev.Handle, "level", w.Value)
			return nil
		}
		if w.Value <= MinLevelArtifact {
			r.stats.writesDiscarded.Add(1)
			r.logDebug("minimum level write discarded", "handle", dev.Handle, "level", w.Value)
			return nil
		}

		dev.pendingLevel.arm(w.Value, now, r.settle)
		if dev.Level != w.Value {
			dev.Level = w.Value
			r.emit(dev, AttrLevel, w.Value, now)
		}
		r.stats.writesAccepted.Add(1)
		percent := LevelToPercent(w.Value)
		r.dispatch(dev, AttrLevel, func(ctx context.Context, udn string) bool {
			return r.commander.SetLevelPercent(ctx, udn, percent)
		})
	}
	return nil
}

// dispatch submits a command for dev to the pool. Outcomes are logged and
// counted only; a failed command is not retried and its pending value is
// left to expire.
func (r *Reconciler) dispatch(dev *Device, attr Attribute, send func(ctx context.Context, udn string) bool) {
	udn, handle := dev.UDN, dev.Handle

	err := r.dispatcher.Submit(udn, func(ctx context.Context) {
		start := time.Now()
		ok := false
		// Deferred so a panicking send still counts as a failed dispatch.
		defer func() { r.recordDispatch(udn, handle, attr, ok, time.Since(start)) }()
		ok = send(ctx, udn)
	})
	if err != nil {
		r.recordDispatch(udn, handle, attr, false, 0)
		r.logWarn("dispatch rejected", "handle", handle, "attribute", attr, "error", err)
	}
}

func (r *Reconciler) recordDispatch(udn string, handle uint16, attr Attribute, ok bool, latency time.Duration) {
	if ok {
		r.stats.dispatchSucceeded.Add(1)
	} else {
		r.stats.dispatchFailed.Add(1)
		r.logWarn("engine command failed", "handle", handle, "udn", udn, "attribute", attr)
	}
	if r.metrics != nil {
		r.metrics.WriteDispatch(udn, handle, string(attr), ok, latency)
	}
}

func (r *Reconciler) applyEvent(ev engine.Event) {
	dev, ok := r.dir.ByEngineID(ev.EngineID)
	if !ok {
		r.stats.eventsUnknown.Add(1)
		r.logDebug("event for unknown engine id", "engine_id", ev.EngineID)
		return
	}

	now := r.clock.Now()

	if dev.Reachable != ev.IsOnline {
		dev.Reachable = ev.IsOnline
		r.emit(dev, AttrReachable, boolToInt(ev.IsOnline), now)
		if r.metrics != nil {
			r.metrics.WriteReachability(dev.UDN, dev.Handle, ev.IsOnline)
		}
	}
	if !ev.IsOnline {
		return
	}

	onOff := boolToInt(ev.OnOff)
	if dev.pendingOnOff.active(now) && dev.pendingOnOff.value != onOff {
		r.suppress(dev, AttrOnOff, onOff)
	} else {
		dev.pendingOnOff.clear()
		r.stats.eventsApplied.Add(1)
		if dev.OnOff != ev.OnOff {
			dev.OnOff = ev.OnOff
			r.emit(dev, AttrOnOff, onOff, now)
		}
	}

	if !dev.Dimmable || ev.Level < 0 {
		return
	}
	// An on/off change still in flight also masks the level it carries.
	if dev.pendingOnOff.active(now) {
		r.suppress(dev, AttrLevel, ev.Level)
		return
	}
	if dev.pendingLevel.active(now) && LevelToPercent(dev.pendingLevel.value) != ev.Level {
		r.suppress(dev, AttrLevel, ev.Level)
		return
	}

	dev.pendingLevel.clear()
	r.stats.eventsApplied.Add(1)
	// Keep the local level when it already rounds to the reported percent.
	if LevelToPercent(dev.Level) != ev.Level {
		dev.Level = PercentToLevel(ev.Level)
		r.emit(dev, AttrLevel, dev.Level, now)
	}
}

func (r *Reconciler) suppress(dev *Device, attr Attribute, value int) {
	r.stats.eventsSuppressed.Add(1)
	r.logDebug("suppressed stale engine echo", "handle", dev.Handle, "attribute", attr, "value", value)
}

func (r *Reconciler) emit(dev *Device, attr Attribute, value int, now time.Time) {
	r.publisherMu.RLock()
	p := r.publisher
	r.publisherMu.RUnlock()

	if p == nil {
		return
	}
	p.AttributeChanged(Change{
		Handle:    dev.Handle,
		UDN:       dev.UDN,
		Attribute: attr,
		Value:     value,
		Reachable: dev.Reachable,
		Time:      now,
	})
}

// Snapshot returns a copy of every device's state, ordered by handle.
func (r *Reconciler) Snapshot(ctx context.Context) ([]DeviceState, error) {
	var states []DeviceState
	err := r.do(ctx, func() {
		for _, dev := range r.dir.Devices() {
			states = append(states, dev.State())
		}
	})
	return states, err
}

// Rebind refreshes engine ids from a new snapshot on the worker. It returns
// the UDNs that are not bridged.
func (r *Reconciler) Rebind(ctx context.Context, devices []engine.Device) ([]string, error) {
	var unknown []string
	err := r.do(ctx, func() { unknown = r.dir.Rebind(devices) })
	return unknown, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *Reconciler) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *Reconciler) logDebug(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (r *Reconciler) logWarn(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
