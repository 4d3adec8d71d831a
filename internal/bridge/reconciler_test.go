package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type command struct {
	udn       string
	attribute Attribute
	value     int
}

type fakeCommander struct {
	mu     sync.Mutex
	calls  []command
	result bool
	panics bool
	sent   chan command
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{result: true, sent: make(chan command, 16)}
}

func (c *fakeCommander) record(cmd command) bool {
	c.mu.Lock()
	c.calls = append(c.calls, cmd)
	result, panics := c.result, c.panics
	c.mu.Unlock()
	if panics {
		panic("engine client bug")
	}
	c.sent <- cmd
	return result
}

func (c *fakeCommander) SetOnOff(_ context.Context, udn string, on bool) bool {
	return c.record(command{udn: udn, attribute: AttrOnOff, value: boolToInt(on)})
}

func (c *fakeCommander) SetLevelPercent(_ context.Context, udn string, percent int) bool {
	return c.record(command{udn: udn, attribute: AttrLevel, value: percent})
}

func (c *fakeCommander) waitSent(t *testing.T) command {
	t.Helper()
	select {
	case cmd := <-c.sent:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent to engine")
		return command{}
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
}

func (p *recordingPublisher) AttributeChanged(c Change) {
	p.mu.Lock()
	p.changes = append(p.changes, c)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Change(nil), p.changes...)
}

type dispatchPoint struct {
	udn       string
	attribute string
	ok        bool
}

type fakeSink struct {
	mu           sync.Mutex
	dispatches   []dispatchPoint
	reachability []bool
}

func (s *fakeSink) WriteDispatch(udn string, _ uint16, attribute string, ok bool, _ time.Duration) {
	s.mu.Lock()
	s.dispatches = append(s.dispatches, dispatchPoint{udn: udn, attribute: attribute, ok: ok})
	s.mu.Unlock()
}

func (s *fakeSink) WriteReachability(_ string, _ uint16, online bool) {
	s.mu.Lock()
	s.reachability = append(s.reachability, online)
	s.mu.Unlock()
}

func (s *fakeSink) dispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatches)
}

// Handles assigned by testDevices.
const (
	socketHandle  uint16 = 2
	dimmerHandle  uint16 = 3
	offlineHandle uint16 = 4

	socketEngineID  = 11
	dimmerEngineID  = 12
	offlineEngineID = 13
)

func testDevices() []engine.Device {
	return []engine.Device{
		{EngineID: socketEngineID, UDN: "uuid:Socket-1_0-S", FriendlyName: "Socket", IsOnline: true},
		{EngineID: dimmerEngineID, UDN: "uuid:Dimmer-1_0-D", FriendlyName: "Dimmer", SupportsLevel: true, IsOnline: true, OnOff: true, LevelPercent: 50},
		{EngineID: offlineEngineID, UDN: "uuid:Socket-1_0-O", FriendlyName: "Garage", IsOnline: false},
	}
}

type harness struct {
	r          *Reconciler
	clock      *fakeClock
	commander  *fakeCommander
	publisher  *recordingPublisher
	sink       *fakeSink
	dispatcher *Dispatcher
}

type harnessOptions struct {
	dispatchQueue  int
	eventQueue     int
	runDispatcher  bool
	skipReconciler bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	dir := NewDirectory(16, "")
	dir.Populate(context.Background(), testDevices(), newFakeAssigner())

	h := &harness{
		clock:      newFakeClock(),
		commander:  newFakeCommander(),
		publisher:  &recordingPublisher{},
		sink:       &fakeSink{},
		dispatcher: NewDispatcher(2, opts.dispatchQueue),
	}

	r, err := NewReconciler(Options{
		Directory:      dir,
		Commander:      h.commander,
		Dispatcher:     h.dispatcher,
		Publisher:      h.publisher,
		Metrics:        h.sink,
		Clock:          h.clock,
		SettleWindow:   2 * time.Second,
		EventQueueSize: opts.eventQueue,
	})
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	h.r = r

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	if !opts.skipReconciler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx) //nolint:errcheck // Returns nil on cancel
		}()
	}
	if opts.runDispatcher {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.dispatcher.Run(ctx) //nolint:errcheck // Returns nil on cancel
		}()
	}
	return h
}

func (h *harness) write(t *testing.T, handle uint16, attr Attribute, value int) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.r.HandleWrite(ctx, Write{Handle: handle, Attribute: attr, Value: value})
}

// event delivers ev and waits until the worker has applied it.
func (h *harness) event(t *testing.T, ev engine.Event) {
	t.Helper()
	h.r.HandleEvent(ev)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.r.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("event queue not drained")
		}
		time.Sleep(time.Millisecond)
	}
	// The worker may still be applying the last dequeued event; a no-op
	// round trip waits for it.
	if err := h.r.do(context.Background(), func() {}); err != nil {
		t.Fatalf("worker round trip: %v", err)
	}
}

func (h *harness) state(t *testing.T, handle uint16) DeviceState {
	t.Helper()
	states, err := h.r.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, s := range states {
		if s.Handle == handle {
			return s
		}
	}
	t.Fatalf("handle %d not in snapshot", handle)
	return DeviceState{}
}

func TestNewReconciler_RequiresDependencies(t *testing.T) {
	dir := NewDirectory(1, "")
	cmd := newFakeCommander()
	disp := NewDispatcher(1, 1)

	tests := []struct {
		name string
		opts Options
	}{
		{"no directory", Options{Commander: cmd, Dispatcher: disp}},
		{"no commander", Options{Directory: dir, Dispatcher: disp}},
		{"no dispatcher", Options{Directory: dir, Commander: cmd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewReconciler(tt.opts); err == nil {
				t.Error("NewReconciler() error = nil")
			}
		})
	}

	r, err := NewReconciler(Options{Directory: dir, Commander: cmd, Dispatcher: disp})
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	if r.settle != DefaultSettleWindow || cap(r.events) != DefaultEventQueueSize {
		t.Errorf("defaults: settle %v, queue %d", r.settle, cap(r.events))
	}
	if _, ok := r.clock.(SystemClock); !ok {
		t.Errorf("clock = %T, want SystemClock", r.clock)
	}
}

func TestHandleWrite_Rejections(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name    string
		handle  uint16
		attr    Attribute
		value   int
		wantErr error
	}{
		{"unknown handle", 99, AttrOnOff, 1, ErrUnknownDevice},
		{"unsupported attribute", socketHandle, "color", 1, ErrUnsupportedAttribute},
		{"reachable is read only", socketHandle, AttrReachable, 1, ErrUnsupportedAttribute},
		{"on_off out of range", socketHandle, AttrOnOff, 2, ErrOutOfRange},
		{"level above max", dimmerHandle, AttrLevel, 255, ErrOutOfRange},
		{"negative level", dimmerHandle, AttrLevel, -1, ErrOutOfRange},
		{"level on non-dimmable", socketHandle, AttrLevel, 100, ErrUnsupportedAttribute},
		{"unreachable device", offlineHandle, AttrOnOff, 1, ErrUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.write(t, tt.handle, tt.attr, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleWrite() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	m := h.r.Metrics()
	if m.WritesRejected != uint64(len(tests)) {
		t.Errorf("WritesRejected = %d, want %d", m.WritesRejected, len(tests))
	}
	if m.WritesAccepted != 0 || h.dispatcher.Stats().Submitted != 0 {
		t.Error("rejected writes were dispatched")
	}
}

func TestHandleWrite_OnOff(t *testing.T) {
	h := newHarness(t, harnessOptions{runDispatcher: true})

	if err := h.write(t, socketHandle, AttrOnOff, 1); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}

	cmd := h.commander.waitSent(t)
	if cmd.udn != "uuid:Socket-1_0-S" || cmd.attribute != AttrOnOff || cmd.value != 1 {
		t.Errorf("command = %+v", cmd)
	}
	if !h.state(t, socketHandle).OnOff {
		t.Error("local OnOff not updated")
	}

	changes := h.publisher.all()
	if len(changes) != 1 || changes[0].Attribute != AttrOnOff || changes[0].Value != 1 || changes[0].Handle != socketHandle {
		t.Errorf("changes = %+v", changes)
	}
}

func TestHandleWrite_LevelDispatchesPercent(t *testing.T) {
	h := newHarness(t, harnessOptions{runDispatcher: true})

	if err := h.write(t, dimmerHandle, AttrLevel, 200); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}

	cmd := h.commander.waitSent(t)
	if cmd.attribute != AttrLevel || cmd.value != 79 {
		t.Errorf("command = %+v, want level 79%%", cmd)
	}
	if got := h.state(t, dimmerHandle).Level; got != 200 {
		t.Errorf("Level = %d, want 200", got)
	}
}

func TestEchoSuppression(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if err := h.write(t, socketHandle, AttrOnOff, 1); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}

	// The engine still reports the old state half a second later.
	h.clock.Advance(500 * time.Millisecond)
	h.event(t, engine.Event{EngineID: socketEngineID, IsOnline: true, OnOff: false, Level: engine.NoLevel})

	if !h.state(t, socketHandle).OnOff {
		t.Fatal("stale echo overwrote the pending write")
	}
	if got := h.r.Metrics().EventsSuppressed; got != 1 {
		t.Errorf("EventsSuppressed = %d, want 1", got)
	}

	// Past the settle window the engine's report is authoritative.
	h.clock.Advance(2 * time.Second)
	h.event(t, engine.Event{EngineID: socketEngineID, IsOnline: true, OnOff: false, Level: engine.NoLevel})

	if h.state(t, socketHandle).OnOff {
		t.Error("event after settle window not applied")
	}
	changes := h.publisher.all()
	if last := changes[len(changes)-1]; last.Attribute != AttrOnOff || last.Value != 0 {
		t.Errorf("last change = %+v, want on_off 0", last)
	}
}

func TestAgreeingEventClearsPending(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if err := h.write(t, socketHandle, AttrOnOff, 1); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}
	before := len(h.publisher.all())

	h.clock.Advance(200 * time.Millisecond)
	h.event(t, engine.Event{EngineID: socketEngineID, IsOnline: true, OnOff: true, Level: engine.NoLevel})

	if got := len(h.publisher.all()); got != before {
		t.Errorf("confirming event emitted %d changes", got-before)
	}

	// Inside the old window, but nothing is pending any more.
	h.clock.Advance(200 * time.Millisecond)
	h.event(t, engine.Event{EngineID: socketEngineID, IsOnline: true, OnOff: false, Level: engine.NoLevel})

	if h.state(t, socketHandle).OnOff {
		t.Error("physical toggle after confirmation was suppressed")
	}
}

func TestMinLevelArtifact(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if err := h.write(t, dimmerHandle, AttrLevel, 1); err != nil {
		t.Fatalf("HandleWrite(level 1) error = %v", err)
	}
	if got := h.state(t, dimmerHandle).Level; got != 127 {
		t.Errorf("Level after artifact = %d, want 127", got)
	}
	if h.dispatcher.Stats().Submitted != 0 {
		t.Error("minimum level write was dispatched")
	}
	if got := h.r.Metrics().WritesDiscarded; got != 1 {
		t.Errorf("WritesDiscarded = %d, want 1", got)
	}

	if err := h.write(t, dimmerHandle, AttrLevel, 50); err != nil {
		t.Fatalf("HandleWrite(level 50) error = %v", err)
	}
	if got := h.state(t, dimmerHandle).Level; got != 50 {
		t.Errorf("Level = %d, want 50", got)
	}
	if h.dispatcher.Stats().Submitted != 1 {
		t.Errorf("Submitted = %d, want 1", h.dispatcher.Stats().Submitted)
	}
}

func TestMinLevelDiscardedWhileLevelPending(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	// Dim, then switch off inside the settle window: the controller's
	// trailing level 1 must not wipe the brightness just set.
	if err := h.write(t, dimmerHandle, AttrLevel, 200); err != nil {
		t.Fatalf("HandleWrite(level 200) error = %v", err)
	}
	h.clock.Advance(500 * time.Millisecond)
	if err := h.write(t, dimmerHandle, AttrLevel, 1); err != nil {
		t.Fatalf("HandleWrite(level 1) error = %v", err)
	}

	if got := h.state(t, dimmerHandle).Level; got != 200 {
		t.Errorf("Level = %d, want 200", got)
	}
	if got := h.dispatcher.Stats().Submitted; got != 1 {
		t.Errorf("Submitted = %d, want 1", got)
	}
	if got := h.r.Metrics().WritesDiscarded; got != 1 {
		t.Errorf("WritesDiscarded = %d, want 1", got)
	}
}

func TestOnOffMasksLevelWrite(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if err := h.write(t, dimmerHandle, AttrOnOff, 0); err != nil {
		t.Fatalf("HandleWrite(on_off) error = %v", err)
	}
	if err := h.write(t, dimmerHandle, AttrLevel, 80); err != nil {
		t.Fatalf("HandleWrite(level) error = %v", err)
	}
	if got := h.state(t, dimmerHandle).Level; got != 127 {
		t.Errorf("Level = %d, want 127 (write masked)", got)
	}

	h.clock.Advance(2500 * time.Millisecond)
	if err := h.write(t, dimmerHandle, AttrLevel, 80); err != nil {
		t.Fatalf("HandleWrite(level) error = %v", err)
	}
	if got := h.state(t, dimmerHandle).Level; got != 80 {
		t.Errorf("Level = %d, want 80 after window", got)
	}
	if h.dispatcher.Stats().Submitted != 2 {
		t.Errorf("Submitted = %d, want 2", h.dispatcher.Stats().Submitted)
	}
}

func TestOnOffMasksLevelEvent(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if err := h.write(t, dimmerHandle, AttrOnOff, 0); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}

	h.clock.Advance(500 * time.Millisecond)
	h.event(t, engine.Event{EngineID: dimmerEngineID, IsOnline: true, OnOff: true, Level: 30})

	st := h.state(t, dimmerHandle)
	if st.OnOff || st.Level != 127 {
		t.Errorf("state = on %v level %d, want off 127", st.OnOff, st.Level)
	}
	if got := h.r.Metrics().EventsSuppressed; got != 2 {
		t.Errorf("EventsSuppressed = %d, want 2", got)
	}
}

func TestLevelEcho(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	if err := h.write(t, dimmerHandle, AttrLevel, 200); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}
	before := len(h.publisher.all())

	h.clock.Advance(300 * time.Millisecond)
	h.event(t, engine.Event{EngineID: dimmerEngineID, IsOnline: true, OnOff: true, Level: 50})
	if got := h.state(t, dimmerHandle).Level; got != 200 {
		t.Fatalf("Level = %d, stale level echo applied", got)
	}

	// 79% is what 200 was sent as; the local level is kept.
	h.clock.Advance(300 * time.Millisecond)
	h.event(t, engine.Event{EngineID: dimmerEngineID, IsOnline: true, OnOff: true, Level: 79})
	if got := h.state(t, dimmerHandle).Level; got != 200 {
		t.Errorf("Level = %d, want 200", got)
	}
	if got := len(h.publisher.all()); got != before {
		t.Errorf("confirming event emitted %d changes", got-before)
	}

	// A later physical change applies immediately.
	h.clock.Advance(100 * time.Millisecond)
	h.event(t, engine.Event{EngineID: dimmerEngineID, IsOnline: true, OnOff: true, Level: 10})
	if got := h.state(t, dimmerHandle).Level; got != PercentToLevel(10) {
		t.Errorf("Level = %d, want %d", got, PercentToLevel(10))
	}
}

func TestEvent_Reachability(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.event(t, engine.Event{EngineID: socketEngineID, IsOnline: false, OnOff: true, Level: engine.NoLevel})

	st := h.state(t, socketHandle)
	if st.Reachable {
		t.Error("Reachable = true after offline event")
	}
	if st.OnOff {
		t.Error("on/off applied from an offline event")
	}

	changes := h.publisher.all()
	if len(changes) != 1 || changes[0].Attribute != AttrReachable || changes[0].Value != 0 || changes[0].Reachable {
		t.Errorf("changes = %+v", changes)
	}

	h.event(t, engine.Event{EngineID: offlineEngineID, IsOnline: true, OnOff: true, Level: engine.NoLevel})
	st = h.state(t, offlineHandle)
	if !st.Reachable || !st.OnOff {
		t.Errorf("garage = %+v, want reachable and on", st)
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.reachability) != 2 || h.sink.reachability[0] || !h.sink.reachability[1] {
		t.Errorf("reachability points = %v, want [false true]", h.sink.reachability)
	}
}

func TestEvent_LevelIgnoredForSockets(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.event(t, engine.Event{EngineID: socketEngineID, IsOnline: true, OnOff: false, Level: 60})

	if got := h.state(t, socketHandle).Level; got != 0 {
		t.Errorf("Level = %d, want 0", got)
	}
}

func TestEvent_UnknownEngineID(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.event(t, engine.Event{EngineID: 404, IsOnline: true})

	m := h.r.Metrics()
	if m.EventsUnknown != 1 || m.EventsReceived != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if len(h.publisher.all()) != 0 {
		t.Error("change emitted for unknown device")
	}
}

func TestHandleEvent_QueueFull(t *testing.T) {
	h := newHarness(t, harnessOptions{eventQueue: 1, skipReconciler: true})

	h.r.HandleEvent(engine.Event{EngineID: socketEngineID, IsOnline: true})
	h.r.HandleEvent(engine.Event{EngineID: socketEngineID, IsOnline: true})

	m := h.r.Metrics()
	if m.EventsReceived != 2 || m.EventsDropped != 1 {
		t.Errorf("received %d dropped %d, want 2 and 1", m.EventsReceived, m.EventsDropped)
	}
}

func TestDispatch_QueueFull(t *testing.T) {
	h := newHarness(t, harnessOptions{dispatchQueue: 1})

	if err := h.write(t, socketHandle, AttrOnOff, 1); err != nil {
		t.Fatalf("first write error = %v", err)
	}
	// The dispatcher is not running, so its single slot stays taken.
	if err := h.write(t, socketHandle, AttrOnOff, 0); err != nil {
		t.Fatalf("second write error = %v, want optimistic nil", err)
	}

	m := h.r.Metrics()
	if m.DispatchFailed != 1 || m.WritesAccepted != 2 || m.DispatchQueued != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if h.sink.dispatchCount() != 1 {
		t.Errorf("dispatch points = %d, want 1", h.sink.dispatchCount())
	}
}

func TestDispatch_FailureIsNotRetried(t *testing.T) {
	h := newHarness(t, harnessOptions{runDispatcher: true})
	h.commander.result = false

	if err := h.write(t, socketHandle, AttrOnOff, 1); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}
	h.commander.waitSent(t)

	deadline := time.Now().Add(2 * time.Second)
	for h.r.Metrics().DispatchFailed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatch failure not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case cmd := <-h.commander.sent:
		t.Errorf("command retried: %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.dispatches) != 1 || h.sink.dispatches[0].ok {
		t.Errorf("dispatch points = %+v", h.sink.dispatches)
	}
}

func TestDispatch_PanicCountsAsFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{runDispatcher: true})
	h.commander.panics = true

	if err := h.write(t, socketHandle, AttrOnOff, 1); err != nil {
		t.Fatalf("HandleWrite() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.dispatcher.Stats().Panicked == 0 {
		if time.Now().After(deadline) {
			t.Fatal("panic not recorded by dispatcher")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := h.r.Metrics().DispatchFailed; got != 1 {
		t.Errorf("DispatchFailed = %d, want 1", got)
	}
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.dispatches) != 1 || h.sink.dispatches[0].ok {
		t.Errorf("dispatch points = %+v", h.sink.dispatches)
	}
}

func TestHandleWrite_AfterStop(t *testing.T) {
	h := newHarness(t, harnessOptions{skipReconciler: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if err := h.write(t, socketHandle, AttrOnOff, 1); !errors.Is(err, ErrStopped) {
		t.Errorf("HandleWrite() error = %v, want ErrStopped", err)
	}
	if err := h.r.Run(context.Background()); err == nil {
		t.Error("second Run() error = nil")
	}
}

func TestHandleWrite_ContextCancelled(t *testing.T) {
	h := newHarness(t, harnessOptions{skipReconciler: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.r.HandleWrite(ctx, Write{Handle: socketHandle, Attribute: AttrOnOff, Value: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HandleWrite() error = %v, want context.Canceled", err)
	}
}

func TestReconcilerRebind(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	unknown, err := h.r.Rebind(context.Background(), []engine.Device{
		{EngineID: 42, UDN: "uuid:Socket-1_0-S"},
		{EngineID: 43, UDN: "uuid:New-1_0-N"},
	})
	if err != nil {
		t.Fatalf("Rebind() error = %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "uuid:New-1_0-N" {
		t.Errorf("unknown = %v", unknown)
	}

	h.event(t, engine.Event{EngineID: 42, IsOnline: true, OnOff: true, Level: engine.NoLevel})
	if !h.state(t, socketHandle).OnOff {
		t.Error("event for rebound engine id not applied")
	}
}

type fakeMetricsWriter struct {
	mu     sync.Mutex
	writes []map[string]uint64
}

func (w *fakeMetricsWriter) WriteBridgeMetrics(_ string, counters map[string]uint64) {
	w.mu.Lock()
	w.writes = append(w.writes, counters)
	w.mu.Unlock()
}

func TestReportMetrics(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.event(t, engine.Event{EngineID: 404, IsOnline: true})

	w := &fakeMetricsWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.r.ReportMetrics(ctx, "wemobridge", time.Hour, w); err != nil {
		t.Fatalf("ReportMetrics() error = %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) != 1 {
		t.Fatalf("writes = %d, want final snapshot only", len(w.writes))
	}
	if w.writes[0]["events_unknown"] != 1 || w.writes[0]["devices"] != 3 {
		t.Errorf("counters = %v", w.writes[0])
	}
}
