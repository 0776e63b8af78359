package pci

import (
	"log/slog"
	"math"
	"math/bits"
	"slices"
)

const numRegisters = 64

const (
	commandReg            = 1
	commandIOSpaceMask    = 0x0000_0001
	commandMemorySpaceMsk = 0x0000_0002

	statusReg                    = 1
	statusCapabilitiesUsedMask   = 0x0010_0000
	headerTypeReg                = 3
	headerTypeRegOffset          = 2
	capabilityListHeadOffset     = 0x34
	firstCapabilityOffset        = 0x40
	capabilityMaxOffset          = 255
	interruptLinePinReg          = 15
	subsystemReg                 = 11
	bridgeSecondaryStatusReg     = 7
	bridgeMemoryBaseReg          = 8
	bridgePrefetchableMemBaseReg = 9
)

// Header is the identity written into a new configuration space.
type Header struct {
	VendorID          uint16
	DeviceID          uint16
	Class             ClassCode
	Subclass          Subclass
	ProgIf            uint8
	HeaderType        HeaderType
	SubsystemVendorID uint16
	SubsystemID       uint16
	Revision          uint8
}

// CapabilityLocation is the byte offset and length of a linked capability.
type CapabilityLocation struct {
	Offset int `cbor:"offset"`
	Len    int `cbor:"len"`
}

// Configuration is the 256-byte configuration space of one PCI function.
//
// Configuration is not safe for concurrent use; the owning device serializes
// access. Every register change goes through doWrite so an attached Mirror
// never diverges from the register file.
type Configuration struct {
	registers    [numRegisters]uint32
	writableBits [numRegisters]uint32
	barUsed      [NumBarRegs]bool
	barConfigs   [NumBarRegs]*BarConfiguration
	lastCap      *CapabilityLocation

	// capConfigs is keyed by the first register of the capability.
	capConfigs map[int]CapConfig
	capRegs    []int

	mirror     *Mirror
	mirrorBase int
}

// NewConfiguration builds a configuration space for hdr.
func NewConfiguration(hdr Header) *Configuration {
	c := &Configuration{capConfigs: make(map[int]CapConfig)}

	c.registers[0] = uint32(hdr.DeviceID)<<16 | uint32(hdr.VendorID)
	// Command is writable; status is read only.
	c.writableBits[1] = 0x0000_ffff
	c.registers[2] = uint32(hdr.Class)<<24 | uint32(hdr.Subclass)<<16 | uint32(hdr.ProgIf)<<8 | uint32(hdr.Revision)
	// Cache line size is writable.
	c.writableBits[3] = 0x0000_00ff

	switch hdr.HeaderType {
	case HeaderDevice:
		c.writableBits[interruptLinePinReg] = 0x0000_00ff
		c.registers[subsystemReg] = uint32(hdr.SubsystemID)<<16 | uint32(hdr.SubsystemVendorID)
	case HeaderBridge:
		c.registers[3] = 0x0001_0000
		// Primary, secondary and subordinate bus numbers.
		c.writableBits[6] = 0x00ff_ffff
		// I/O base and limit, plus the sticky secondary status bits.
		c.registers[bridgeSecondaryStatusReg] = 0x0000_00f0
		c.writableBits[bridgeSecondaryStatusReg] = 0xf900_0000
		// Memory base and limit.
		c.registers[bridgeMemoryBaseReg] = 0x0000_fff0
		c.writableBits[bridgeMemoryBaseReg] = 0xfff0_fff0
		// Prefetchable base and limit, 64-bit decode.
		c.registers[bridgePrefetchableMemBaseReg] = 0x0001_fff1
		c.writableBits[bridgePrefetchableMemBaseReg] = 0xfff0_fff0
		// Prefetchable upper base and limit.
		c.writableBits[10] = 0xffff_ffff
		c.writableBits[11] = 0xffff_ffff
		// Interrupt line and bridge control.
		c.writableBits[interruptLinePinReg] = 0xffff_00ff
	}
	return c
}

// capConfigAt returns the capability config covering register idx.
func (c *Configuration) capConfigAt(idx int) (int, CapConfig, bool) {
	i, found := slices.BinarySearch(c.capRegs, idx)
	if !found {
		if i == 0 {
			return 0, nil, false
		}
		i--
	}
	start := c.capRegs[i]
	cfg := c.capConfigs[start]
	if idx-start >= len(cfg.ReadMask()) {
		return 0, nil, false
	}
	return start, cfg, true
}

// ReadReg returns register idx as the guest sees it. Registers outside the
// configuration space read as all ones.
func (c *Configuration) ReadReg(idx int) uint32 {
	if idx < 0 || idx >= numRegisters {
		return 0xffff_ffff
	}
	data := c.registers[idx]
	if start, cfg, ok := c.capConfigAt(idx); ok {
		capIdx := idx - start
		data = mergeReadMask(data, cfg.ReadReg(capIdx), cfg.ReadMask()[capIdx])
	}
	return data
}

// WriteReg applies a guest write of 1, 2 or 4 bytes at byte offset of
// register idx, honoring the writable mask. Writes landing in a capability
// with a CapConfig are forwarded to it and its result is returned.
func (c *Configuration) WriteReg(idx int, offset uint64, data []byte) CapWriteResult {
	if idx < 0 || idx >= numRegisters || offset > 3 {
		slog.Warn("pci: write outside configuration space", "reg", idx, "offset", offset, "len", len(data))
		return nil
	}
	regOffset := idx*4 + int(offset)
	switch len(data) {
	case 1:
		c.writeByte(regOffset, data[0])
	case 2:
		c.writeWord(regOffset, uint16(data[0])|uint16(data[1])<<8)
	case 4:
		c.writeDword(regOffset, uint32(data[0])|uint32(data[1])<<8|uint32(data[2])<<16|uint32(data[3])<<24)
	default:
		return nil
	}

	start, cfg, ok := c.capConfigAt(idx)
	if !ok {
		return nil
	}
	capIdx := idx - start
	ret := cfg.WriteReg(capIdx, offset, data)
	c.SetReg(idx, cfg.ReadReg(capIdx), cfg.ReadMask()[capIdx])
	return ret
}

func (c *Configuration) writeDword(offset int, value uint32) {
	if offset%4 != 0 {
		slog.Warn("pci: bad dword write alignment", "offset", offset)
		return
	}
	idx := offset / 4
	if idx >= numRegisters {
		slog.Warn("pci: bad dword write", "offset", offset)
		return
	}
	c.doWrite(idx, c.registers[idx]&^c.writableBits[idx]|value&c.writableBits[idx])
}

func (c *Configuration) writeWord(offset int, value uint16) {
	shift := 0
	switch offset % 4 {
	case 0:
	case 2:
		shift = 16
	default:
		slog.Warn("pci: bad word write alignment", "offset", offset)
		return
	}
	idx := offset / 4
	if idx >= numRegisters {
		slog.Warn("pci: bad word write", "offset", offset)
		return
	}
	writable := c.writableBits[idx]
	mask := uint32(0xffff) << shift & writable
	c.doWrite(idx, c.registers[idx]&^mask|uint32(value)<<shift&writable)
}

func (c *Configuration) writeByte(offset int, value uint8) {
	c.writeByteInternal(offset, value, true)
}

// writeByteInternal writes one byte; applyWritable false lets the device
// itself set read-only bytes.
func (c *Configuration) writeByteInternal(offset int, value uint8, applyWritable bool) {
	shift := (offset % 4) * 8
	idx := offset / 4
	if idx >= numRegisters {
		slog.Warn("pci: bad byte write", "offset", offset)
		return
	}
	writable := uint32(math.MaxUint32)
	if applyWritable {
		writable = c.writableBits[idx]
	}
	mask := uint32(0xff) << shift & writable
	c.doWrite(idx, c.registers[idx]&^mask|uint32(value)<<shift&writable)
}

// SetReg sets the bits of register idx selected by mask to data, ignoring
// the writable mask.
func (c *Configuration) SetReg(idx int, data, mask uint32) {
	if idx < 0 || idx >= numRegisters {
		return
	}
	c.doWrite(idx, mergeReadMask(c.registers[idx], data, mask))
}

// AddPciBar claims the registers for bar and programs its address. It
// returns the BAR index.
func (c *Configuration) AddPciBar(bar BarConfiguration) (int, error) {
	idx := bar.Index
	if idx < 0 || idx >= NumBarRegs {
		return 0, &Error{Kind: KindBarInvalid, Bar: idx}
	}
	if c.barUsed[idx] {
		return 0, &Error{Kind: KindBarInUse, Bar: idx}
	}
	if bits.OnesCount64(bar.Size) != 1 {
		return 0, &Error{Kind: KindBarSizeInvalid, Size: bar.Size}
	}
	if bar.IsExpansionROM() && bar.RegionType != Memory32Bit {
		return 0, &Error{Kind: KindBarInvalidRomType, Bar: idx}
	}

	minSize := uint64(barMemMinSize)
	switch {
	case bar.IsExpansionROM():
		minSize = romMinSize
	case bar.RegionType == IORegion:
		minSize = barIOMinSize
	}
	if bar.Size < minSize {
		return 0, &Error{Kind: KindBarSizeInvalid, Size: bar.Size}
	}
	if bar.Addr%bar.Size != 0 {
		return 0, &Error{Kind: KindBarAlignmentInvalid, Addr: bar.Addr, Size: bar.Size}
	}

	reg := bar.RegIndex()
	end, ok := bar.End()
	if !ok {
		return 0, &Error{Kind: KindBarAddressInvalid, Addr: bar.Addr, Size: bar.Size}
	}
	switch bar.RegionType {
	case Memory32Bit, IORegion:
		if end > math.MaxUint32 {
			return 0, &Error{Kind: KindBarAddressInvalid, Addr: bar.Addr, Size: bar.Size}
		}
	case Memory64Bit:
		// The upper half lives in the next register, so the last regular
		// BAR cannot be 64-bit.
		if idx+1 >= RomBarIdx {
			return 0, &Error{Kind: KindBarInvalid64, Bar: idx}
		}
		if c.barUsed[idx+1] {
			return 0, &Error{Kind: KindBarInUse64, Bar: idx}
		}
		c.doWrite(reg+1, uint32(bar.Addr>>32))
		c.writableBits[reg+1] = ^uint32((bar.Size - 1) >> 32)
		c.barUsed[idx+1] = true
	}

	var mask, lower uint32
	if bar.RegionType == IORegion {
		c.doWrite(commandReg, c.registers[commandReg]|commandIOSpaceMask)
		mask, lower = barIOMask, uint32(IORegion)
	} else {
		c.doWrite(commandReg, c.registers[commandReg]|commandMemorySpaceMsk)
		mask, lower = barMemMask, uint32(bar.Prefetchable)|uint32(bar.RegionType)
	}

	c.doWrite(reg, uint32(bar.Addr)&mask|lower)
	c.writableBits[reg] = ^uint32(bar.Size - 1)
	if bar.IsExpansionROM() {
		c.writableBits[reg] |= 1 // enable bit
	}
	c.barUsed[idx] = true
	stored := bar
	c.barConfigs[idx] = &stored
	return idx, nil
}

// GetBars returns the BARs that currently decode.
func (c *Configuration) GetBars() []BarConfiguration {
	var out []BarConfiguration
	for i := range NumBarRegs {
		if b, ok := c.GetBarConfiguration(i); ok {
			out = append(out, b)
		}
	}
	return out
}

// GetBarConfiguration returns BAR idx with its current guest-programmed
// address. It reports false when the BAR is unused or its address space is
// disabled in the command register.
func (c *Configuration) GetBarConfiguration(idx int) (BarConfiguration, bool) {
	if idx < 0 || idx >= NumBarRegs || c.barConfigs[idx] == nil {
		return BarConfiguration{}, false
	}
	bar := *c.barConfigs[idx]
	command := c.ReadReg(commandReg)
	if bar.IsMemory() && command&commandMemorySpaceMsk == 0 ||
		bar.RegionType == IORegion && command&commandIOSpaceMask == 0 {
		return BarConfiguration{}, false
	}
	bar.Addr = c.GetBarAddr(idx)
	return bar, true
}

// GetBarType reports the region type of BAR idx, if it is in use.
func (c *Configuration) GetBarType(idx int) (RegionType, bool) {
	if idx < 0 || idx >= NumBarRegs || c.barConfigs[idx] == nil {
		return 0, false
	}
	return c.barConfigs[idx].RegionType, true
}

// GetBarAddr returns the address the guest programmed into BAR idx, or 0
// when the BAR is unused.
func (c *Configuration) GetBarAddr(idx int) uint64 {
	rt, ok := c.GetBarType(idx)
	if !ok {
		return 0
	}
	reg := c.barConfigs[idx].RegIndex()
	switch rt {
	case IORegion:
		return uint64(c.registers[reg] & barIOMask)
	case Memory32Bit:
		return uint64(c.registers[reg] & barMemMask)
	case Memory64Bit:
		return uint64(c.registers[reg]&barMemMask) | uint64(c.registers[reg+1])<<32
	default:
		return 0
	}
}

// SetIrq programs the interrupt line and pin, leaving the upper half of the
// register alone.
func (c *Configuration) SetIrq(line uint8, pin InterruptPin) {
	pinIdx := uint32(pin) + 1
	c.doWrite(interruptLinePinReg,
		c.registers[interruptLinePinReg]&0xffff_0000|pinIdx<<8|uint32(line))
}

// HeaderType returns the header type byte, multifunction bit included.
func (c *Configuration) HeaderType() uint8 {
	return uint8(c.registers[headerTypeReg] >> (headerTypeRegOffset * 8))
}

// SetMultiFunction sets or clears the multifunction bit of the header type.
func (c *Configuration) SetMultiFunction(on bool) {
	bit := uint32(headerTypeMultifunction) << (headerTypeRegOffset * 8)
	v := uint32(0)
	if on {
		v = bit
	}
	c.SetReg(headerTypeReg, v, bit)
}

// AddCapability links data at the end of the capability list. cfg, when not
// nil, backs the capability's registers at runtime.
func (c *Configuration) AddCapability(data Capability, cfg CapConfig) error {
	body := data.Bytes()
	total := len(body)
	if total == 0 {
		return ErrCapabilityEmpty
	}

	capOffset, tailOffset := firstCapabilityOffset, capabilityListHeadOffset
	if c.lastCap != nil {
		capOffset = nextDword(c.lastCap.Offset, c.lastCap.Len)
		tailOffset = c.lastCap.Offset + 1
	}
	if capOffset+total > capabilityMaxOffset {
		return &Error{Kind: KindCapabilitySpaceFull, Len: total}
	}
	regIdx := capOffset / 4
	writable := data.WritableBits()
	if regIdx+len(writable) > numRegisters {
		return &Error{Kind: KindCapabilityLengthInvalid, Len: len(writable)}
	}

	c.doWrite(statusReg, c.registers[statusReg]|statusCapabilitiesUsedMask)
	c.writeByteInternal(tailOffset, uint8(capOffset), false)
	c.writeByteInternal(capOffset, uint8(data.ID()), false)
	c.writeByteInternal(capOffset+1, 0, false)
	for i := 2; i < total; i++ {
		c.writeByteInternal(capOffset+i, body[i], false)
	}
	for i, w := range writable {
		c.writableBits[regIdx+i] = w
	}
	c.lastCap = &CapabilityLocation{Offset: capOffset, Len: total}

	if cfg != nil {
		if c.mirror != nil {
			cfg.SetCapMapping(&CapMapping{
				mirror:  c.mirror,
				offset:  c.mirrorBase + regIdx*4,
				numRegs: total / 4,
			})
		}
		if _, exists := c.capConfigs[regIdx]; !exists {
			c.capRegs = append(c.capRegs, regIdx)
			slices.Sort(c.capRegs)
		}
		c.capConfigs[regIdx] = cfg
	}
	return nil
}

// CapabilityInfo is one entry of the capability list as the guest walks it.
type CapabilityInfo struct {
	Offset int
	ID     CapabilityID
}

// Capabilities walks the capability list from the head pointer.
func (c *Configuration) Capabilities() []CapabilityInfo {
	if c.ReadReg(statusReg)&statusCapabilitiesUsedMask == 0 {
		return nil
	}
	var out []CapabilityInfo
	next := int(c.readByte(capabilityListHeadOffset))
	// A well formed list cannot have more entries than dwords after 0x40.
	for range (numRegisters*4 - firstCapabilityOffset) / 4 {
		if next == 0 {
			break
		}
		out = append(out, CapabilityInfo{Offset: next, ID: CapabilityID(c.readByte(next))})
		next = int(c.readByte(next + 1))
	}
	return out
}

func (c *Configuration) readByte(offset int) uint8 {
	return uint8(c.ReadReg(offset/4) >> ((offset % 4) * 8))
}

func nextDword(offset, length int) int {
	return (offset + length + 3) &^ 3
}

// doWrite stores value into register idx and, when a mirror is attached,
// into the mirror. The header type byte is owned by whoever set up the
// mirror and is never copied to it.
func (c *Configuration) doWrite(idx int, value uint32) {
	c.registers[idx] = value
	m := c.mirror
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	off := c.mirrorBase + idx*4
	var err error
	if idx == headerTypeReg {
		if err = m.put16Locked(off, uint16(value)); err == nil {
			err = m.put8Locked(off+3, uint8(value>>24))
		}
	} else {
		err = m.put32Locked(off, value)
	}
	if err != nil {
		slog.Error("pci: mirror write failed", "reg", idx, "err", err)
		return
	}
	if err := m.flushLocked(off, 4); err != nil {
		slog.Error("pci: failed to flush mirror register", "reg", idx, "err", err)
	}
}

// SetupMapping attaches m, copying length bytes of configuration space to
// m at base. Bytes past the register file are filled with ones. Capability
// configs receive their windows and have their dynamic bits published.
func (c *Configuration) SetupMapping(m *Mirror, base, length int) error {
	if c.mirror != nil {
		return ErrMappingExists
	}

	m.mu.Lock()
	for i := range length / 4 {
		v := uint32(0xffff_ffff)
		if i < numRegisters {
			v = c.registers[i]
		}
		if err := m.put32Locked(base+i*4, v); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	err := m.flushLocked(base, length)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, start := range c.capRegs {
		cfg := c.capConfigs[start]
		mask := cfg.ReadMask()
		mapping := &CapMapping{mirror: m, offset: base + start*4, numRegs: len(mask)}
		for i := range mask {
			mapping.SetReg(i, cfg.ReadReg(i), mask[i])
		}
		cfg.SetCapMapping(mapping)
	}
	c.mirror = m
	c.mirrorBase = base
	return nil
}
