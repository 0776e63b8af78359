package pci

import (
	"encoding/binary"
	"log/slog"
)

// Capability is the static image of a capability structure. Bytes includes
// the id and next-pointer bytes; both are overwritten when the capability is
// linked into the list.
type Capability interface {
	Bytes() []byte
	ID() CapabilityID
	WritableBits() []uint32
}

// CapWriteResult is whatever a CapConfig wants to hand back to the device
// after a guest write, such as a request to reprogram MSI routing.
type CapWriteResult any

// CapConfig backs a capability whose registers change at runtime. Bits set
// in ReadMask come from ReadReg; the rest come from configuration space.
type CapConfig interface {
	// ReadReg reads register idx of the capability.
	ReadReg(idx int) uint32
	ReadMask() []uint32
	// WriteReg sees the guest write to register idx of the capability;
	// offset is the byte within that register.
	WriteReg(idx int, offset uint64, data []byte) CapWriteResult
	// SetCapMapping hands over the mirror window for the capability. Runtime
	// changes must go through it to become visible in the mirror.
	SetCapMapping(m *CapMapping)
}

// mergeReadMask takes the bits in mask from dynamic and the rest from static.
func mergeReadMask(static, dynamic, mask uint32) uint32 {
	return static&^mask | dynamic&mask
}

// CapMapping is a capability's window into a Mirror.
type CapMapping struct {
	mirror  *Mirror
	offset  int
	numRegs int
}

// SetReg sets the bits of register idx selected by mask to data.
func (c *CapMapping) SetReg(idx int, data, mask uint32) {
	if idx < 0 || idx >= c.numRegs {
		slog.Error("pci: out of bounds capability register write", "regs", c.numRegs, "idx", idx)
		return
	}
	m := c.mirror
	off := c.offset + idx*4

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(off, 4); err != nil {
		slog.Error("pci: capability register write", "idx", idx, "err", err)
		return
	}
	cur := binary.LittleEndian.Uint32(m.mem[off:])
	if err := m.put32Locked(off, mergeReadMask(cur, data, mask)); err != nil {
		slog.Error("pci: capability register write", "idx", idx, "err", err)
		return
	}
	if err := m.flushLocked(off, 4); err != nil {
		slog.Error("pci: failed to flush capability register", "idx", idx, "err", err)
	}
}

// RawCapability is a capability with fixed contents, such as a vendor
// specific structure read from configuration.
type RawCapability struct {
	CapID    CapabilityID
	Data     []byte
	Writable []uint32
}

func (c RawCapability) Bytes() []byte          { return c.Data }
func (c RawCapability) ID() CapabilityID       { return c.CapID }
func (c RawCapability) WritableBits() []uint32 { return c.Writable }

// VendorCapability builds a vendor specific capability around body. The
// length byte covers the two header bytes, the length itself and body.
func VendorCapability(body []byte) RawCapability {
	data := make([]byte, 3+len(body))
	data[0] = byte(CapVendorSpecific)
	data[2] = byte(len(data))
	copy(data[3:], body)
	return RawCapability{CapID: CapVendorSpecific, Data: data}
}

var _ Capability = RawCapability{}
