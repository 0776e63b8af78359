package hv

import (
	"fmt"
	"slices"
	"sync"
)

type mmioMapping struct {
	region MMIORegion
	dev    MemoryMappedIODevice
}

// AddressSpace routes MMIO accesses to the device that claims the address.
type AddressSpace struct {
	mu       sync.RWMutex
	devices  []Device
	mappings []mmioMapping // sorted by region address
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// AddDevice claims the device's MMIO regions, if any, and initializes it.
func (a *AddressSpace) AddDevice(dev Device) error {
	a.mu.Lock()
	if mmio, ok := dev.(MemoryMappedIODevice); ok {
		for _, r := range mmio.MMIORegions() {
			if r.Size == 0 {
				a.mu.Unlock()
				return fmt.Errorf("address_space: zero-size region at 0x%x", r.Address)
			}
			for _, m := range a.mappings {
				if m.region.Overlaps(r) {
					a.mu.Unlock()
					return fmt.Errorf("address_space: region [0x%x-0x%x): %w",
						r.Address, r.Address+r.Size, ErrRegionOverlap)
				}
			}
			a.mappings = append(a.mappings, mmioMapping{region: r, dev: mmio})
		}
		slices.SortFunc(a.mappings, func(x, y mmioMapping) int {
			switch {
			case x.region.Address < y.region.Address:
				return -1
			case x.region.Address > y.region.Address:
				return 1
			}
			return 0
		})
	}
	a.devices = append(a.devices, dev)
	a.mu.Unlock()

	// Init may issue MMIO of its own, so it runs unlocked.
	return dev.Init(a)
}

func (a *AddressSpace) lookup(addr uint64) (MemoryMappedIODevice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, _ := slices.BinarySearchFunc(a.mappings, addr, func(m mmioMapping, addr uint64) int {
		switch {
		case m.region.Address+m.region.Size <= addr:
			return -1
		case m.region.Address > addr:
			return 1
		}
		return 0
	})
	if i < len(a.mappings) && a.mappings[i].region.Contains(addr) {
		return a.mappings[i].dev, true
	}
	return nil, false
}

func (a *AddressSpace) ReadMMIO(addr uint64, data []byte) error {
	dev, ok := a.lookup(addr)
	if !ok {
		return fmt.Errorf("address_space: read 0x%x: %w", addr, ErrNoDevice)
	}
	return dev.ReadMMIO(addr, data)
}

func (a *AddressSpace) WriteMMIO(addr uint64, data []byte) error {
	dev, ok := a.lookup(addr)
	if !ok {
		return fmt.Errorf("address_space: write 0x%x: %w", addr, ErrNoDevice)
	}
	return dev.WriteMMIO(addr, data)
}

// Regions returns the claimed MMIO regions in address order.
func (a *AddressSpace) Regions() []MMIORegion {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]MMIORegion, len(a.mappings))
	for i, m := range a.mappings {
		out[i] = m.region
	}
	return out
}

// CaptureSnapshots collects the state of every device that supports it.
func (a *AddressSpace) CaptureSnapshots() (map[string]DeviceSnapshot, error) {
	a.mu.RLock()
	devices := slices.Clone(a.devices)
	a.mu.RUnlock()

	out := make(map[string]DeviceSnapshot)
	for _, dev := range devices {
		if snapshotter, ok := dev.(DeviceSnapshotter); ok {
			id := snapshotter.DeviceId()
			snap, err := snapshotter.CaptureSnapshot()
			if err != nil {
				return nil, fmt.Errorf("capture device %s snapshot: %w", id, err)
			}
			out[id] = snap
		}
	}
	return out, nil
}

// RestoreSnapshots hands each device its state. Devices without an entry
// keep their current state.
func (a *AddressSpace) RestoreSnapshots(snaps map[string]DeviceSnapshot) error {
	a.mu.RLock()
	devices := slices.Clone(a.devices)
	a.mu.RUnlock()

	for _, dev := range devices {
		snapshotter, ok := dev.(DeviceSnapshotter)
		if !ok {
			continue
		}
		id := snapshotter.DeviceId()
		snap, ok := snaps[id]
		if !ok {
			continue
		}
		if err := snapshotter.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("restore device %s snapshot: %w", id, err)
		}
	}
	return nil
}

var _ VirtualMachine = (*AddressSpace)(nil)
