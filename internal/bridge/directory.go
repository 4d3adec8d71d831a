package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
)

// DefaultFriendlyName is used for devices the engine reports without a name.
const DefaultFriendlyName = "WeMo Device"

// DefaultCapacity matches the number of dynamic endpoints the bridge exposes.
const DefaultCapacity = 16

// pending is one in-flight local write awaiting confirmation from the engine.
type pending struct {
	value  int
	expiry time.Time
	set    bool
}

// arm records value as in flight until now+window.
func (p *pending) arm(value int, now time.Time, window time.Duration) {
	p.value = value
	p.expiry = now.Add(window)
	p.set = true
}

func (p *pending) clear() { *p = pending{} }

// active reports whether the pending value is still inside its window.
// An expired value is cleared here, on access.
func (p *pending) active(now time.Time) bool {
	if !p.set {
		return false
	}
	if now.After(p.expiry) {
		p.clear()
		return false
	}
	return true
}

// Device is one bridged device. Identity fields are fixed at Populate time;
// the state fields belong to the reconciler worker.
type Device struct {
	EngineID int
	UDN      string
	Handle   uint16
	Name     string
	UniqueID string
	Dimmable bool

	Reachable bool
	OnOff     bool
	Level     int // 0..254

	pendingOnOff pending
	pendingLevel pending
}

// State returns a copy of the device's published view.
func (d *Device) State() DeviceState {
	return DeviceState{
		Handle:    d.Handle,
		UDN:       d.UDN,
		UniqueID:  d.UniqueID,
		Name:      d.Name,
		Dimmable:  d.Dimmable,
		Reachable: d.Reachable,
		OnOff:     d.OnOff,
		Level:     d.Level,
	}
}

// DeviceState is a point-in-time copy of a Device, safe to hand to other
// goroutines.
type DeviceState struct {
	Handle    uint16 `json:"handle"`
	UDN       string `json:"udn"`
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Dimmable  bool   `json:"dimmable"`
	Reachable bool   `json:"reachable"`
	OnOff     bool   `json:"on_off"`
	Level     int    `json:"level"`
}

// HandleAssigner maps a UDN to its durable handle. endpoint.Registry
// implements it.
type HandleAssigner interface {
	GetOrAssign(ctx context.Context, udn string) (uint16, error)
}

// SkippedDevice is a snapshot entry Populate did not publish.
type SkippedDevice struct {
	UDN string
	Err error
}

// PopulateResult reports what Populate did with each snapshot entry.
type PopulateResult struct {
	Published []*Device
	Skipped   []SkippedDevice
}

// Directory holds the bridged devices, indexed by engine id and by handle.
type Directory struct {
	capacity    int
	defaultName string

	mu         sync.RWMutex
	byEngineID map[int]*Device
	byHandle   map[uint16]*Device
}

// NewDirectory creates an empty directory. Non-positive capacity and an
// empty default name fall back to DefaultCapacity and DefaultFriendlyName.
func NewDirectory(capacity int, defaultName string) *Directory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if defaultName == "" {
		defaultName = DefaultFriendlyName
	}
	return &Directory{
		capacity:    capacity,
		defaultName: defaultName,
		byEngineID:  make(map[int]*Device),
		byHandle:    make(map[uint16]*Device),
	}
}

// Capacity returns the maximum number of devices the directory holds.
func (d *Directory) Capacity() int { return d.capacity }

// Populate replaces the directory contents with devices, in order, until
// capacity is reached. Each device gets its handle from assigner; a device
// whose handle cannot be assigned is skipped rather than published
// without a stable identity.
func (d *Directory) Populate(ctx context.Context, devices []engine.Device, assigner HandleAssigner) PopulateResult {
	var result PopulateResult

	byEngineID := make(map[int]*Device, len(devices))
	byHandle := make(map[uint16]*Device, len(devices))
	seen := make(map[string]bool, len(devices))

	for _, src := range devices {
		if seen[src.UDN] {
			result.Skipped = append(result.Skipped, SkippedDevice{UDN: src.UDN, Err: ErrDuplicateDevice})
			continue
		}
		if len(byHandle) >= d.capacity {
			result.Skipped = append(result.Skipped, SkippedDevice{UDN: src.UDN, Err: ErrCapacityExceeded})
			continue
		}

		handle, err := assigner.GetOrAssign(ctx, src.UDN)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedDevice{
				UDN: src.UDN,
				Err: fmt.Errorf("assigning handle: %w", err),
			})
			continue
		}
		seen[src.UDN] = true

		dev := d.newDevice(src, handle)
		byEngineID[dev.EngineID] = dev
		byHandle[dev.Handle] = dev
		result.Published = append(result.Published, dev)
	}

	d.mu.Lock()
	d.byEngineID = byEngineID
	d.byHandle = byHandle
	d.mu.Unlock()

	return result
}

func (d *Directory) newDevice(src engine.Device, handle uint16) *Device {
	name := src.FriendlyName
	if name == "" {
		name = d.defaultName
	}

	dev := &Device{
		EngineID:  src.EngineID,
		UDN:       src.UDN,
		Handle:    handle,
		Name:      name,
		UniqueID:  UniqueID(src.UDN),
		Dimmable:  src.SupportsLevel,
		Reachable: src.IsOnline,
		OnOff:     src.OnOff,
	}
	if dev.Dimmable {
		dev.Level = PercentToLevel(src.LevelPercent)
	}
	return dev
}

// Rebind points the engine id index at the current engine ids of known
// UDNs. It returns the UDNs in devices that are not in the directory.
//
// It changes Device.EngineID and must run on the reconciler worker once
// the reconciler is running.
func (d *Directory) Rebind(devices []engine.Device) (unknown []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byUDN := make(map[string]*Device, len(d.byHandle))
	for _, dev := range d.byHandle {
		byUDN[dev.UDN] = dev
	}

	byEngineID := make(map[int]*Device, len(d.byHandle))
	for _, src := range devices {
		dev, ok := byUDN[src.UDN]
		if !ok {
			unknown = append(unknown, src.UDN)
			continue
		}
		dev.EngineID = src.EngineID
		byEngineID[src.EngineID] = dev
		delete(byUDN, src.UDN)
	}
	// Devices missing from this snapshot keep their last engine id.
	for _, dev := range byUDN {
		if _, taken := byEngineID[dev.EngineID]; !taken {
			byEngineID[dev.EngineID] = dev
		}
	}

	d.byEngineID = byEngineID
	return unknown
}

// ByEngineID returns the device the engine knows by id.
func (d *Directory) ByEngineID(id int) (*Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.byEngineID[id]
	return dev, ok
}

// ByHandle returns the device published under handle.
func (d *Directory) ByHandle(handle uint16) (*Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.byHandle[handle]
	return dev, ok
}

// Len returns the number of published devices.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHandle)
}

// Devices returns the published devices ordered by handle.
func (d *Directory) Devices() []*Device {
	d.mu.RLock()
	devices := make([]*Device, 0, len(d.byHandle))
	for _, dev := range d.byHandle {
		devices = append(devices, dev)
	}
	d.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Handle < devices[j].Handle })
	return devices
}
