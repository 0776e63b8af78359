// Package config loads the vdevd configuration file.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vdev/internal/devices/pci"
	"github.com/tinyrange/vdev/internal/fuse"
	"github.com/tinyrange/vdev/internal/vfs"
)

const (
	CurrentVersion = 1

	DefaultSocket  = "/run/vdev/fuse.sock"
	defaultTimeout = time.Second
)

// Config is the top-level configuration file.
type Config struct {
	Version int        `yaml:"version"`
	Fuse    FuseConfig `yaml:"fuse"`
	PCI     PCIConfig  `yaml:"pci"`
}

type FuseConfig struct {
	Socket        string `yaml:"socket"`
	MaxBufferSize uint32 `yaml:"maxBufferSize,omitempty"`
	// Root is the host directory to pass through. Empty serves an
	// in-memory filesystem.
	Root           string        `yaml:"root,omitempty"`
	ReadOnly       bool          `yaml:"readOnly,omitempty"`
	EntryTimeout   time.Duration `yaml:"entryTimeout"`
	AttrTimeout    time.Duration `yaml:"attrTimeout"`
	WritebackCache bool          `yaml:"writebackCache"`
	// Capacity bounds the in-memory filesystem, in bytes.
	Capacity uint64 `yaml:"capacity,omitempty"`
}

type PCIConfig struct {
	ConfigBase uint64 `yaml:"configBase,omitempty"`
	MMIOBase   uint64 `yaml:"mmioBase,omitempty"`
	MMIOSize   uint64 `yaml:"mmioSize,omitempty"`
	// Mirror publishes every configuration space to a shared memory
	// region another process can map.
	Mirror  bool           `yaml:"mirror,omitempty"`
	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

type DeviceConfig struct {
	Slot     uint8       `yaml:"slot"`
	Function uint8       `yaml:"function,omitempty"`
	Vendor   uint16      `yaml:"vendor"`
	Device   uint16      `yaml:"device"`
	Class    uint8       `yaml:"class"`
	Subclass uint8       `yaml:"subclass"`
	ProgIf   uint8       `yaml:"progIf,omitempty"`
	Revision uint8       `yaml:"revision,omitempty"`
	Bars     []BarConfig `yaml:"bars,omitempty"`
}

type BarConfig struct {
	Index        int    `yaml:"index"`
	Size         uint64 `yaml:"size"`
	Type         string `yaml:"type"`
	Prefetchable bool   `yaml:"prefetchable,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.Fuse.Socket == "" {
		c.Fuse.Socket = DefaultSocket
	}
	if c.Fuse.MaxBufferSize == 0 {
		c.Fuse.MaxBufferSize = fuse.DefaultMaxBufferSize
	}
	if c.Fuse.EntryTimeout == 0 {
		c.Fuse.EntryTimeout = defaultTimeout
	}
	if c.Fuse.AttrTimeout == 0 {
		c.Fuse.AttrTimeout = defaultTimeout
	}
	for i := range c.PCI.Devices {
		for j := range c.PCI.Devices[i].Bars {
			if c.PCI.Devices[i].Bars[j].Type == "" {
				c.PCI.Devices[i].Bars[j].Type = pci.Memory32Bit.String()
			}
		}
	}
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("unsupported version %d", c.Version))
	}
	if c.Fuse.MaxBufferSize < 4096 {
		errs = append(errs, fmt.Errorf("fuse.maxBufferSize %d is below one page", c.Fuse.MaxBufferSize))
	}
	if c.Fuse.EntryTimeout < 0 || c.Fuse.AttrTimeout < 0 {
		errs = append(errs, errors.New("fuse timeouts must not be negative"))
	}

	seen := make(map[[2]uint8]bool)
	for i, d := range c.PCI.Devices {
		name := fmt.Sprintf("pci.devices[%d]", i)
		switch {
		case d.Slot == 0 || d.Slot > 0x1f:
			errs = append(errs, fmt.Errorf("%s: slot %d outside 1..31", name, d.Slot))
		case d.Function > 7:
			errs = append(errs, fmt.Errorf("%s: function %d outside 0..7", name, d.Function))
		case seen[[2]uint8{d.Slot, d.Function}]:
			errs = append(errs, fmt.Errorf("%s: slot %d function %d used twice", name, d.Slot, d.Function))
		}
		seen[[2]uint8{d.Slot, d.Function}] = true
		if d.Vendor == 0 || d.Vendor == 0xffff {
			errs = append(errs, fmt.Errorf("%s: invalid vendor id %#x", name, d.Vendor))
		}
		if _, err := pci.ParseClassCode(d.Class); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}

		used := make(map[int]bool)
		for j, b := range d.Bars {
			bname := fmt.Sprintf("%s.bars[%d]", name, j)
			rt, err := pci.ParseRegionType(b.Type)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", bname, err))
				continue
			}
			if b.Index < 0 || b.Index >= pci.RomBarIdx {
				errs = append(errs, fmt.Errorf("%s: index %d outside 0..5", bname, b.Index))
				continue
			}
			if b.Size == 0 || bits.OnesCount64(b.Size) != 1 {
				errs = append(errs, fmt.Errorf("%s: size %#x is not a power of two", bname, b.Size))
			}
			if used[b.Index] {
				errs = append(errs, fmt.Errorf("%s: bar %d overlaps another bar", bname, b.Index))
			}
			used[b.Index] = true
			if rt == pci.Memory64Bit {
				if b.Index == pci.RomBarIdx-1 {
					errs = append(errs, fmt.Errorf("%s: 64-bit bar cannot start at index 5", bname))
				}
				used[b.Index+1] = true
			}
		}
	}
	return errors.Join(errs...)
}

// VFSOptions converts the fuse section to backend options.
func (c *Config) VFSOptions() vfs.Options {
	return vfs.Options{
		EntryTimeout:   c.Fuse.EntryTimeout,
		AttrTimeout:    c.Fuse.AttrTimeout,
		WritebackCache: c.Fuse.WritebackCache,
		MaxBufferSize:  c.Fuse.MaxBufferSize,
		ReadOnly:       c.Fuse.ReadOnly,
		Capacity:       c.Fuse.Capacity,
	}
}

// HostBridgeConfig converts the pci section, leaving the mirror for the
// caller to create.
func (c *Config) HostBridgeConfig() pci.HostBridgeConfig {
	return pci.HostBridgeConfig{
		ConfigBase: c.PCI.ConfigBase,
		MMIOBase:   c.PCI.MMIOBase,
		MMIOSize:   c.PCI.MMIOSize,
	}
}

// Header returns the identity to program into the device's config space.
func (d DeviceConfig) Header() pci.Header {
	return pci.Header{
		VendorID:   d.Vendor,
		DeviceID:   d.Device,
		Class:      pci.ClassCode(d.Class),
		Subclass:   pci.Subclass(d.Subclass),
		ProgIf:     d.ProgIf,
		Revision:   d.Revision,
		HeaderType: pci.HeaderDevice,
	}
}

// Region returns the BAR's decoded type and prefetch bit. b must have
// passed Validate.
func (b BarConfig) Region() (pci.RegionType, pci.Prefetchable) {
	rt, _ := pci.ParseRegionType(b.Type)
	pf := pci.NotPrefetchable
	if b.Prefetchable {
		pf = pci.IsPrefetchable
	}
	return rt, pf
}

// Load reads, normalizes and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg at path, creating parent directories as needed.
func Write(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
