package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vdev/internal/devices/pci"
	"github.com/tinyrange/vdev/internal/fuse"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vdev.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sample = `
version: 1
fuse:
  socket: /tmp/vdev.sock
  maxBufferSize: 131072
  root: /srv/share
  entryTimeout: 2s
  attrTimeout: 500ms
  writebackCache: true
pci:
  mirror: true
  devices:
    - slot: 1
      vendor: 0x1af4
      device: 0x105a
      class: 0x01
      subclass: 0x80
      bars:
        - index: 0
          size: 0x4000
          type: mem64
        - index: 2
          size: 0x100
          type: io
        - index: 3
          size: 0x1000
          prefetchable: true
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/vdev.sock", cfg.Fuse.Socket)
	assert.Equal(t, uint32(131072), cfg.Fuse.MaxBufferSize)
	assert.Equal(t, "/srv/share", cfg.Fuse.Root)
	assert.Equal(t, 2*time.Second, cfg.Fuse.EntryTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Fuse.AttrTimeout)
	assert.True(t, cfg.Fuse.WritebackCache)
	assert.True(t, cfg.PCI.Mirror)

	require.Len(t, cfg.PCI.Devices, 1)
	dev := cfg.PCI.Devices[0]
	hdr := dev.Header()
	assert.Equal(t, uint16(0x1af4), hdr.VendorID)
	assert.Equal(t, uint16(0x105a), hdr.DeviceID)
	assert.Equal(t, pci.ClassMassStorage, hdr.Class)
	assert.Equal(t, pci.HeaderDevice, hdr.HeaderType)

	require.Len(t, dev.Bars, 3)
	rt, pf := dev.Bars[0].Region()
	assert.Equal(t, pci.Memory64Bit, rt)
	assert.Equal(t, pci.NotPrefetchable, pf)
	rt, _ = dev.Bars[1].Region()
	assert.Equal(t, pci.IORegion, rt)
	// An omitted type is a 32-bit memory BAR.
	assert.Equal(t, "mem32", dev.Bars[2].Type)
	rt, pf = dev.Bars[2].Region()
	assert.Equal(t, pci.Memory32Bit, rt)
	assert.Equal(t, pci.IsPrefetchable, pf)

	opts := cfg.VFSOptions()
	assert.Equal(t, uint32(131072), opts.MaxBufferSize)
	assert.True(t, opts.WritebackCache)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "fuse: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, DefaultSocket, cfg.Fuse.Socket)
	assert.Equal(t, uint32(fuse.DefaultMaxBufferSize), cfg.Fuse.MaxBufferSize)
	assert.Equal(t, time.Second, cfg.Fuse.EntryTimeout)
	assert.Equal(t, time.Second, cfg.Fuse.AttrTimeout)
	assert.Empty(t, cfg.Fuse.Root)
	assert.Empty(t, cfg.PCI.Devices)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "fuse: [\n"))
	require.ErrorContains(t, err, "parse")
}

func TestValidate(t *testing.T) {
	device := func(mod func(*DeviceConfig)) Config {
		cfg := Default()
		d := DeviceConfig{Slot: 2, Vendor: 0x1af4, Device: 0x1000, Class: 0x02}
		mod(&d)
		cfg.PCI.Devices = []DeviceConfig{d}
		cfg.normalize()
		return cfg
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"version", func() Config { c := Default(); c.Version = 2; return c }(), "unsupported version 2"},
		{"buffer", func() Config { c := Default(); c.Fuse.MaxBufferSize = 512; return c }(), "below one page"},
		{"host bridge slot", device(func(d *DeviceConfig) { d.Slot = 0 }), "slot 0 outside"},
		{"function", device(func(d *DeviceConfig) { d.Function = 8 }), "function 8 outside"},
		{"vendor", device(func(d *DeviceConfig) { d.Vendor = 0xffff }), "invalid vendor id"},
		{"class", device(func(d *DeviceConfig) { d.Class = 0x42 }), "unknown class code"},
		{"bar type", device(func(d *DeviceConfig) {
			d.Bars = []BarConfig{{Index: 0, Size: 0x1000, Type: "mem16"}}
		}), "unknown region type"},
		{"bar size", device(func(d *DeviceConfig) {
			d.Bars = []BarConfig{{Index: 0, Size: 0x1800}}
		}), "not a power of two"},
		{"rom index", device(func(d *DeviceConfig) {
			d.Bars = []BarConfig{{Index: pci.RomBarIdx, Size: 0x1000}}
		}), "index 6 outside"},
		{"64-bit overlap", device(func(d *DeviceConfig) {
			d.Bars = []BarConfig{{Index: 0, Size: 0x1000, Type: "mem64"}, {Index: 1, Size: 0x1000}}
		}), "overlaps"},
		{"64-bit last", device(func(d *DeviceConfig) {
			d.Bars = []BarConfig{{Index: 5, Size: 0x1000, Type: "mem64"}}
		}), "cannot start at index 5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.cfg.Validate(), tt.want)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		cfg := Default()
		d := DeviceConfig{Slot: 3, Vendor: 0x8086, Device: 0x100e, Class: 0x02}
		cfg.PCI.Devices = []DeviceConfig{d, d}
		assert.ErrorContains(t, cfg.Validate(), "used twice")
	})

	t.Run("valid", func(t *testing.T) {
		cfg := device(func(d *DeviceConfig) {
			d.Bars = []BarConfig{{Index: 0, Size: 0x1000, Type: "mem64"}, {Index: 2, Size: 0x20, Type: "io"}}
		})
		assert.NoError(t, cfg.Validate())
	})
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vdev.yaml")
	cfg := Default()
	cfg.Fuse.Root = "/srv"
	cfg.PCI.Devices = []DeviceConfig{{
		Slot: 4, Vendor: 0x1b36, Device: 0x0010, Class: 0x01, Subclass: 0x08,
		Bars: []BarConfig{{Index: 0, Size: 0x4000, Type: "mem64"}},
	}}
	require.NoError(t, Write(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
