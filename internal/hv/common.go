package hv

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice      = errors.New("no device at address")
	ErrRegionOverlap = errors.New("mmio region overlaps an existing region")
)

// VirtualMachine is the machine as devices see it: a place to attach
// devices and a bus to issue MMIO on.
type VirtualMachine interface {
	AddDevice(dev Device) error

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr-r.Address < r.Size
}

func (r MMIORegion) Overlaps(o MMIORegion) bool {
	return r.Address < o.Address+o.Size && o.Address < r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

// DeviceSnapshot is device state in a form encoding/gob can carry. Concrete
// types must be registered with gob.Register.
type DeviceSnapshot = any

// DeviceSnapshotter is implemented by devices whose state survives a
// snapshot and restore of the machine.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)
