package pci

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tinyrange/vdev/internal/hv"
)

const (
	// ecamFunctionSize is the configuration window of one function,
	// extended space included.
	ecamFunctionSize = 4096
	headerTypeByte   = headerTypeReg*4 + headerTypeRegOffset
)

// BARAllocator reserves guest address space for BAR windows.
type BARAllocator interface {
	Allocate(rt RegionType, size, align uint64) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) allocate(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	base := (a.next + align - 1) &^ (align - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, fmt.Errorf("PCI window [%#x+%#x] exhausted", a.base, a.size)
	}
	a.next = base + size
	return base, nil
}

// windowAllocator hands out memory BARs from the MMIO window and I/O BARs
// from the port window.
type windowAllocator struct {
	mu  sync.Mutex
	mem *linearAllocator
	io  *linearAllocator
}

func (w *windowAllocator) Allocate(rt RegionType, size, align uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rt == IORegion {
		return w.io.allocate(size, align)
	}
	return w.mem.allocate(size, align)
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

func (k deviceKey) ecamOffset() int {
	return int(k.bus)<<20 | int(k.dev)<<15 | int(k.fn)<<12
}

// Function is one PCI function behind the host bridge. Its configuration
// is only touched with the function's lock held.
type Function struct {
	host *HostBridge
	key  deviceKey

	mu       sync.Mutex
	cfg      *Configuration
	onBAR    func(BarConfiguration)
	barAddrs [NumBarRegs]uint64
}

// Address returns the bus:device.function name of f.
func (f *Function) Address() string { return f.key.String() }

// Do runs fn with exclusive access to the configuration space.
func (f *Function) Do(fn func(c *Configuration)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.cfg)
}

// OnBARReprogram registers fn to run after the guest moves a BAR. fn runs
// without the function lock held.
func (f *Function) OnBARReprogram(fn func(BarConfiguration)) {
	f.mu.Lock()
	f.onBAR = fn
	f.mu.Unlock()
}

// AllocateBar reserves guest address space for BAR index and programs it.
func (f *Function) AllocateBar(index int, size uint64, rt RegionType, pf Prefetchable) (BarConfiguration, error) {
	if index < 0 || index >= RomBarIdx {
		return BarConfiguration{}, &Error{Kind: KindBarInvalid, Bar: index}
	}
	base, err := f.host.barAllocator.Allocate(rt, size, size)
	if err != nil {
		return BarConfiguration{}, fmt.Errorf("pci %s: allocate bar %d: %w", f.key, index, err)
	}
	bar := NewBarConfiguration(index, size, rt, pf).WithAddress(base)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.cfg.AddPciBar(bar); err != nil {
		return BarConfiguration{}, fmt.Errorf("pci %s: %w", f.key, err)
	}
	f.barAddrs[index] = base
	return bar, nil
}

// AddCapability links a capability into the function's list.
func (f *Function) AddCapability(capability Capability, cfg CapConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.AddCapability(capability, cfg)
}

// SetIrq routes the function's legacy interrupt.
func (f *Function) SetIrq(line uint8, pin InterruptPin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.SetIrq(line, pin)
}

func (f *Function) read(reg uint16, size uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maskValue(f.cfg.ReadReg(int(reg/4))>>(8*(reg%4)), size)
}

func (f *Function) write(reg uint16, size uint8, value uint32) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}

	f.mu.Lock()
	f.cfg.WriteReg(int(reg/4), uint64(reg%4), data)
	moved := f.movedBarsLocked(reg, size, value)
	notify := f.onBAR
	f.mu.Unlock()

	if notify == nil {
		return
	}
	for _, bar := range moved {
		notify(bar)
	}
}

// movedBarsLocked returns the BARs whose decoded address changed because of
// a write at reg. Sizing probes that write all ones are not reported.
func (f *Function) movedBarsLocked(reg uint16, size uint8, value uint32) []BarConfiguration {
	idx := int(reg / 4)
	touchesBar := idx == commandReg || idx >= bar0Reg && idx < bar0Reg+RomBarIdx || idx == romBarReg
	if !touchesBar || size == 4 && value == 0xffff_ffff {
		return nil
	}
	var moved []BarConfiguration
	for i := range NumBarRegs {
		bar, ok := f.cfg.GetBarConfiguration(i)
		if !ok || bar.Addr == f.barAddrs[i] {
			continue
		}
		f.barAddrs[i] = bar.Addr
		moved = append(moved, bar)
	}
	return moved
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	IOBase       uint64
	IOSize       uint64
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8
	BARAllocator BARAllocator
	// Mirror, when set, receives a copy of every function's configuration
	// space at its ECAM offset.
	Mirror *Mirror
}

// HostBridge implements an ECAM-capable PCI root complex. Function 00:00.0
// is the bridge itself.
type HostBridge struct {
	configBase uint64
	configSize uint64
	maxBus     uint8

	barAllocator BARAllocator
	mirror       *Mirror

	mu      sync.Mutex
	root    *Function
	devices map[deviceKey]*Function
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) (*HostBridge, error) {
	const (
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x20000000
		defaultMMIOSize   = 0x10000000
		defaultIOBase     = 0xc000
		defaultIOSize     = 0x4000
	)

	h := &HostBridge{
		configBase: cfg.ConfigBase,
		configSize: cfg.ConfigSize,
		maxBus:     cfg.MaxBus,
		mirror:     cfg.Mirror,
		devices:    make(map[deviceKey]*Function),
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	if cfg.MMIOBase == 0 {
		cfg.MMIOBase = defaultMMIOBase
	}
	if cfg.MMIOSize == 0 {
		cfg.MMIOSize = defaultMMIOSize
	}
	if cfg.IOBase == 0 {
		cfg.IOBase = defaultIOBase
	}
	if cfg.IOSize == 0 {
		cfg.IOSize = defaultIOSize
	}
	if cfg.RootVendorID == 0 {
		cfg.RootVendorID = 0x1af4
	}
	if cfg.RootDeviceID == 0 {
		cfg.RootDeviceID = 0x0001
	}
	if cfg.BARAllocator != nil {
		h.barAllocator = cfg.BARAllocator
	} else {
		h.barAllocator = &windowAllocator{
			mem: newLinearAllocator(cfg.MMIOBase, cfg.MMIOSize),
			io:  newLinearAllocator(cfg.IOBase, cfg.IOSize),
		}
	}

	root, err := h.register(deviceKey{}, NewConfiguration(Header{
		VendorID:   cfg.RootVendorID,
		DeviceID:   cfg.RootDeviceID,
		Class:      ClassBridgeDevice,
		Subclass:   BridgeHost,
		HeaderType: HeaderDevice,
	}))
	if err != nil {
		return nil, err
	}
	h.root = root
	return h, nil
}

// Init implements hv.Device.
func (*HostBridge) Init(hv.VirtualMachine) error {
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{
		Address: h.configBase,
		Size:    h.configSize,
	}}
}

// ReadMMIO implements hv.MemoryMappedIODevice. Absent functions read as
// all ones.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	cursor := 0
	for cursor < len(data) {
		key, reg, ok := h.decodeConfigAddress(offset + uint64(cursor))
		if !ok {
			data[cursor] = 0xff
			cursor++
			continue
		}
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		value := h.readConfig(key, reg, chunk)
		for i := range int(chunk) {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if addr < h.configBase || offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	cursor := 0
	for cursor < len(data) {
		key, reg, ok := h.decodeConfigAddress(offset + uint64(cursor))
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		value := uint32(0)
		for i := range int(chunk) {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if offset >= 256<<20 || bus > h.maxBus {
		return deviceKey{}, 0, false
	}
	reg := uint16(offset & 0xfff)
	return deviceKey{bus: bus, dev: device, fn: function}, reg, true
}

func (h *HostBridge) function(key deviceKey) *Function {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[key]
}

func (h *HostBridge) readConfig(key deviceKey, reg uint16, size uint8) uint32 {
	f := h.function(key)
	if f == nil || reg >= numRegisters*4 {
		// Extended configuration space is not implemented.
		return maskValue(0xffff_ffff, size)
	}
	return f.read(reg, size)
}

func (h *HostBridge) writeConfig(key deviceKey, reg uint16, size uint8, value uint32) {
	f := h.function(key)
	if f == nil || reg >= numRegisters*4 {
		return
	}
	f.write(reg, size, value)
}

// RegisterFunction places a configuration space at bus:device.function.
func (h *HostBridge) RegisterFunction(bus, device, function uint8, cfg *Configuration) (*Function, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pci configuration cannot be nil")
	}
	if bus > h.maxBus {
		return nil, fmt.Errorf("bus %d above max bus %d", bus, h.maxBus)
	}
	if device > 0x1f || function > 7 {
		return nil, fmt.Errorf("invalid device %d function %d", device, function)
	}
	return h.register(deviceKey{bus: bus, dev: device, fn: function}, cfg)
}

func (h *HostBridge) register(key deviceKey, cfg *Configuration) (*Function, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	if h.mirror != nil {
		if err := cfg.SetupMapping(h.mirror, key.ecamOffset(), ecamFunctionSize); err != nil {
			return nil, fmt.Errorf("pci %s: %w", key, err)
		}
	}
	f := &Function{host: h, key: key, cfg: cfg}
	h.devices[key] = f
	h.updateMultiFunctionLocked(key)
	slog.Debug("pci: function registered", "addr", key.String(), "header", cfg.HeaderType())
	return f, nil
}

// updateMultiFunctionLocked sets the multifunction bit on function 0 of a
// device once it has siblings. The header type byte is not copied by
// doWrite, so the bridge publishes it to the mirror itself.
func (h *HostBridge) updateMultiFunctionLocked(key deviceKey) {
	fn0 := h.devices[deviceKey{bus: key.bus, dev: key.dev}]
	if fn0 == nil {
		return
	}
	multi := false
	for k := range h.devices {
		if k.bus == key.bus && k.dev == key.dev && k.fn != 0 {
			multi = true
			break
		}
	}

	fn0.mu.Lock()
	fn0.cfg.SetMultiFunction(multi)
	header := fn0.cfg.HeaderType()
	fn0.mu.Unlock()

	if h.mirror != nil {
		off := deviceKey{bus: key.bus, dev: key.dev}.ecamOffset() + headerTypeByte
		if err := h.mirror.SetByte(off, header); err != nil {
			slog.Error("pci: publish header type", "addr", key.String(), "err", err)
		}
	}
}

// Root returns the bridge's own function, 00:00.0.
func (h *HostBridge) Root() *Function { return h.root }

// FunctionInfo summarizes a registered function.
type FunctionInfo struct {
	Address      string
	VendorID     uint16
	DeviceID     uint16
	Class        ClassCode
	HeaderType   uint8
	Bars         []BarConfiguration
	Capabilities []CapabilityInfo
}

// Layout describes every registered function in bus order.
func (h *HostBridge) Layout() []FunctionInfo {
	h.mu.Lock()
	keys := make([]deviceKey, 0, len(h.devices))
	for k := range h.devices {
		keys = append(keys, k)
	}
	h.mu.Unlock()
	slices.SortFunc(keys, func(a, b deviceKey) int { return a.ecamOffset() - b.ecamOffset() })

	out := make([]FunctionInfo, 0, len(keys))
	for _, k := range keys {
		f := h.function(k)
		f.Do(func(c *Configuration) {
			id := c.ReadReg(0)
			out = append(out, FunctionInfo{
				Address:      k.String(),
				VendorID:     uint16(id),
				DeviceID:     uint16(id >> 16),
				Class:        ClassCode(c.ReadReg(2) >> 24),
				HeaderType:   c.HeaderType(),
				Bars:         c.GetBars(),
				Capabilities: c.Capabilities(),
			})
		})
	}
	return out
}

type hostBridgeSnapshot struct {
	Functions map[string][]byte
}

// DeviceId implements hv.DeviceSnapshotter.
func (h *HostBridge) DeviceId() string { return "pci-host" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (h *HostBridge) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	h.mu.Lock()
	funcs := make(map[deviceKey]*Function, len(h.devices))
	for k, f := range h.devices {
		funcs[k] = f
	}
	h.mu.Unlock()

	snap := &hostBridgeSnapshot{Functions: make(map[string][]byte, len(funcs))}
	for k, f := range funcs {
		f.mu.Lock()
		data, err := f.cfg.Snapshot()
		f.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("pci %s: %w", k, err)
		}
		snap.Functions[k.String()] = data
	}
	return snap, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter. Every function in the
// snapshot must already be registered.
func (h *HostBridge) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*hostBridgeSnapshot)
	if !ok {
		return fmt.Errorf("invalid snapshot type")
	}

	h.mu.Lock()
	byAddr := make(map[string]*Function, len(h.devices))
	for k, f := range h.devices {
		byAddr[k.String()] = f
	}
	h.mu.Unlock()

	for addr, state := range data.Functions {
		f := byAddr[addr]
		if f == nil {
			return fmt.Errorf("pci %s: not registered", addr)
		}
		f.mu.Lock()
		err := f.cfg.Restore(state)
		if err == nil {
			for i := range NumBarRegs {
				f.barAddrs[i] = f.cfg.GetBarAddr(i)
			}
		}
		f.mu.Unlock()
		if err != nil {
			return fmt.Errorf("pci %s: %w", addr, err)
		}
	}
	return nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
	_ hv.DeviceSnapshotter    = (*HostBridge)(nil)
	_ BARAllocator            = (*windowAllocator)(nil)
)
