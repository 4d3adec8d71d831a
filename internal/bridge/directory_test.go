package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
)

// fakeAssigner hands out sequential handles starting at 2.
type fakeAssigner struct {
	mu      sync.Mutex
	handles map[string]uint16
	next    uint16
	fail    map[string]error
}

func newFakeAssigner() *fakeAssigner {
	return &fakeAssigner{handles: make(map[string]uint16), next: 2, fail: make(map[string]error)}
}

func (a *fakeAssigner) GetOrAssign(_ context.Context, udn string) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail[udn]; err != nil {
		return 0, err
	}
	if h, ok := a.handles[udn]; ok {
		return h, nil
	}
	h := a.next
	a.handles[udn] = h
	a.next++
	return h, nil
}

func snapshotDevices(n int) []engine.Device {
	devices := make([]engine.Device, n)
	for i := range devices {
		devices[i] = engine.Device{
			EngineID:     i + 1,
			UDN:          fmt.Sprintf("uuid:Socket-1_0-%02d", i+1),
			FriendlyName: fmt.Sprintf("Socket %d", i+1),
			IsOnline:     true,
		}
	}
	return devices
}

func TestNewDirectory_Defaults(t *testing.T) {
	dir := NewDirectory(0, "")
	if dir.Capacity() != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", dir.Capacity(), DefaultCapacity)
	}
	if dir.defaultName != DefaultFriendlyName {
		t.Errorf("defaultName = %q, want %q", dir.defaultName, DefaultFriendlyName)
	}
}

func TestPopulate(t *testing.T) {
	dir := NewDirectory(16, "")
	devices := []engine.Device{
		{EngineID: 7, UDN: "uuid:Dimmer-1_0-A", FriendlyName: "Hall", SupportsLevel: true, IsOnline: true, OnOff: true, LevelPercent: 50},
		{EngineID: 9, UDN: "uuid:Socket-1_0-B", IsOnline: false},
	}

	result := dir.Populate(context.Background(), devices, newFakeAssigner())

	if len(result.Published) != 2 || len(result.Skipped) != 0 {
		t.Fatalf("Published = %d, Skipped = %v", len(result.Published), result.Skipped)
	}

	dimmer, ok := dir.ByEngineID(7)
	if !ok {
		t.Fatal("ByEngineID(7) not found")
	}
	if dimmer.Handle != 2 || dimmer.Name != "Hall" || !dimmer.Dimmable {
		t.Errorf("dimmer = %+v", dimmer)
	}
	if !dimmer.Reachable || !dimmer.OnOff || dimmer.Level != 127 {
		t.Errorf("dimmer state = reachable %v on %v level %d, want true true 127", dimmer.Reachable, dimmer.OnOff, dimmer.Level)
	}
	if dimmer.UniqueID != "Dimmer-1_0-A" {
		t.Errorf("UniqueID = %q", dimmer.UniqueID)
	}

	socket, ok := dir.ByHandle(3)
	if !ok {
		t.Fatal("ByHandle(3) not found")
	}
	if socket.Name != DefaultFriendlyName {
		t.Errorf("Name = %q, want default", socket.Name)
	}
	if socket.Reachable || socket.Dimmable || socket.Level != 0 {
		t.Errorf("socket = %+v", socket)
	}
}

func TestPopulate_CapacityOverflow(t *testing.T) {
	const capacity = 4
	dir := NewDirectory(capacity, "")

	result := dir.Populate(context.Background(), snapshotDevices(capacity+3), newFakeAssigner())

	if len(result.Published) != capacity {
		t.Errorf("Published = %d, want %d", len(result.Published), capacity)
	}
	if len(result.Skipped) != 3 {
		t.Fatalf("Skipped = %d, want 3", len(result.Skipped))
	}
	for _, s := range result.Skipped {
		if !errors.Is(s.Err, ErrCapacityExceeded) {
			t.Errorf("Skipped %s err = %v, want ErrCapacityExceeded", s.UDN, s.Err)
		}
	}
	if dir.Len() != capacity {
		t.Errorf("Len() = %d, want %d", dir.Len(), capacity)
	}
}

func TestPopulate_OverflowDoesNotConsumeHandles(t *testing.T) {
	assigner := newFakeAssigner()
	dir := NewDirectory(1, "")

	dir.Populate(context.Background(), snapshotDevices(3), assigner)

	if len(assigner.handles) != 1 {
		t.Errorf("assigned %d handles, want 1", len(assigner.handles))
	}
}

func TestPopulate_AssignFailureFailsClosed(t *testing.T) {
	storeErr := errors.New("disk I/O error")
	assigner := newFakeAssigner()
	devices := snapshotDevices(3)
	assigner.fail[devices[1].UDN] = storeErr

	dir := NewDirectory(16, "")
	result := dir.Populate(context.Background(), devices, assigner)

	if len(result.Published) != 2 {
		t.Errorf("Published = %d, want 2", len(result.Published))
	}
	if len(result.Skipped) != 1 || !errors.Is(result.Skipped[0].Err, storeErr) {
		t.Fatalf("Skipped = %v, want wrapped store error", result.Skipped)
	}
	if _, ok := dir.ByEngineID(devices[1].EngineID); ok {
		t.Error("device with failed assignment was published")
	}
}

func TestPopulate_DuplicateUDN(t *testing.T) {
	devices := snapshotDevices(2)
	devices[1].UDN = devices[0].UDN

	dir := NewDirectory(16, "")
	result := dir.Populate(context.Background(), devices, newFakeAssigner())

	if len(result.Published) != 1 {
		t.Errorf("Published = %d, want 1", len(result.Published))
	}
	if len(result.Skipped) != 1 || !errors.Is(result.Skipped[0].Err, ErrDuplicateDevice) {
		t.Errorf("Skipped = %v, want ErrDuplicateDevice", result.Skipped)
	}
}

func TestPopulate_ReplacesIndexes(t *testing.T) {
	assigner := newFakeAssigner()
	dir := NewDirectory(16, "")
	dir.Populate(context.Background(), snapshotDevices(3), assigner)

	dir.Populate(context.Background(), snapshotDevices(1), assigner)

	if dir.Len() != 1 {
		t.Errorf("Len() = %d, want 1", dir.Len())
	}
	if _, ok := dir.ByEngineID(3); ok {
		t.Error("stale engine id still indexed")
	}
}

func TestDevices_SortedByHandle(t *testing.T) {
	assigner := newFakeAssigner()
	devices := snapshotDevices(5)
	// Pre-assign in reverse so snapshot order differs from handle order.
	for i := len(devices) - 1; i >= 0; i-- {
		assigner.GetOrAssign(context.Background(), devices[i].UDN) //nolint:errcheck // Test setup
	}

	dir := NewDirectory(16, "")
	dir.Populate(context.Background(), devices, assigner)

	list := dir.Devices()
	if len(list) != 5 {
		t.Fatalf("Devices() = %d entries, want 5", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Handle >= list[i].Handle {
			t.Errorf("Devices() not sorted: %d before %d", list[i-1].Handle, list[i].Handle)
		}
	}
}

func TestRebind(t *testing.T) {
	dir := NewDirectory(16, "")
	dir.Populate(context.Background(), snapshotDevices(2), newFakeAssigner())

	// The engine restarted and renumbered device 2; a new device appeared.
	next := []engine.Device{
		{EngineID: 20, UDN: "uuid:Socket-1_0-02"},
		{EngineID: 21, UDN: "uuid:Socket-1_0-99"},
	}
	unknown := dir.Rebind(next)

	if len(unknown) != 1 || unknown[0] != "uuid:Socket-1_0-99" {
		t.Errorf("unknown = %v", unknown)
	}
	dev, ok := dir.ByEngineID(20)
	if !ok || dev.UDN != "uuid:Socket-1_0-02" || dev.EngineID != 20 {
		t.Errorf("ByEngineID(20) = %+v, %v", dev, ok)
	}
	if _, ok := dir.ByEngineID(2); ok {
		t.Error("old engine id still indexed")
	}
	// Device 1 was absent from the snapshot and keeps its id.
	if _, ok := dir.ByEngineID(1); !ok {
		t.Error("device missing from snapshot lost its engine id")
	}
	if dir.Len() != 2 {
		t.Errorf("Len() = %d, want 2", dir.Len())
	}
}

func TestPendingExpiry(t *testing.T) {
	clock := newFakeClock()
	var p pending

	if p.active(clock.Now()) {
		t.Fatal("zero pending is active")
	}

	p.arm(1, clock.Now(), DefaultSettleWindow)
	if !p.expiry.After(clock.Now()) {
		t.Error("expiry not in the future")
	}

	clock.Advance(DefaultSettleWindow)
	if !p.active(clock.Now()) {
		t.Error("pending inactive at exactly its expiry")
	}

	clock.Advance(1)
	if p.active(clock.Now()) {
		t.Error("pending active after expiry")
	}
	if p.set {
		t.Error("expired pending not cleared on access")
	}
}
