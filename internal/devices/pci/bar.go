package pci

import (
	"fmt"
	"strings"
)

const (
	// NumBarRegs counts the six standard BARs plus the expansion ROM.
	NumBarRegs = 7
	// RomBarIdx is the BAR index of the expansion ROM.
	RomBarIdx = 6
)

const (
	bar0Reg    = 4
	romBarReg  = 12
	barIOMask  = 0xffff_fffc
	barMemMask = 0xffff_fff0

	barIOMinSize  = 4
	barMemMinSize = 16
	romMinSize    = 2048
)

// RegionType is the address space a BAR decodes. The values are the BAR
// register's low type bits.
type RegionType uint8

const (
	Memory32Bit RegionType = 0
	IORegion    RegionType = 1
	Memory64Bit RegionType = 4
)

func (t RegionType) String() string {
	switch t {
	case Memory32Bit:
		return "mem32"
	case IORegion:
		return "io"
	case Memory64Bit:
		return "mem64"
	default:
		return fmt.Sprintf("RegionType(%d)", uint8(t))
	}
}

// ParseRegionType accepts the names produced by RegionType.String.
func ParseRegionType(s string) (RegionType, error) {
	switch strings.ToLower(s) {
	case "mem32", "":
		return Memory32Bit, nil
	case "io":
		return IORegion, nil
	case "mem64":
		return Memory64Bit, nil
	default:
		return 0, fmt.Errorf("pci: unknown region type %q", s)
	}
}

// Prefetchable is the BAR prefetch bit.
type Prefetchable uint8

const (
	NotPrefetchable Prefetchable = 0
	IsPrefetchable  Prefetchable = 0x08
)

// BarConfiguration describes one BAR: where it decodes, how large it is and
// which register it occupies.
type BarConfiguration struct {
	Addr         uint64       `cbor:"addr"`
	Size         uint64       `cbor:"size"`
	Index        int          `cbor:"index"`
	RegionType   RegionType   `cbor:"region_type"`
	Prefetchable Prefetchable `cbor:"prefetchable"`
}

// NewBarConfiguration returns an unplaced BAR. Use WithAddress to place it.
func NewBarConfiguration(index int, size uint64, rt RegionType, pf Prefetchable) BarConfiguration {
	return BarConfiguration{
		Index:        index,
		Size:         size,
		RegionType:   rt,
		Prefetchable: pf,
	}
}

func (b BarConfiguration) WithAddress(addr uint64) BarConfiguration {
	b.Addr = addr
	return b
}

// RegIndex is the configuration register holding the BAR, or the low half
// of a 64-bit BAR.
func (b BarConfiguration) RegIndex() int {
	if b.Index == RomBarIdx {
		return romBarReg
	}
	return bar0Reg + b.Index
}

func (b BarConfiguration) IsExpansionROM() bool { return b.Index == RomBarIdx }

func (b BarConfiguration) IsMemory() bool {
	return b.RegionType == Memory32Bit || b.RegionType == Memory64Bit
}

func (b BarConfiguration) Is64BitMemory() bool { return b.RegionType == Memory64Bit }

func (b BarConfiguration) IsPrefetchable() bool { return b.Prefetchable == IsPrefetchable }

// End returns the address one past the BAR and false when that overflows.
func (b BarConfiguration) End() (uint64, bool) {
	end := b.Addr + b.Size
	return end, end >= b.Addr
}

func (b BarConfiguration) String() string {
	return fmt.Sprintf("bar%d %s [%#x+%#x]", b.Index, b.RegionType, b.Addr, b.Size)
}
