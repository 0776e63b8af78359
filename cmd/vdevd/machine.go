package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/vdev/internal/config"
	"github.com/tinyrange/vdev/internal/devices/pci"
	"github.com/tinyrange/vdev/internal/hv"
)

// mirrorSize covers the ECAM window of bus 0.
const mirrorSize = 1 << 20

type machine struct {
	as     *hv.AddressSpace
	bridge *pci.HostBridge
	mirror *pci.Mirror
}

func newMachine(cfg config.Config) (*machine, error) {
	m := &machine{as: hv.NewAddressSpace()}

	hbc := cfg.HostBridgeConfig()
	if cfg.PCI.Mirror {
		mirror, err := pci.NewMirror("vdev-pci-config", mirrorSize)
		if err != nil {
			return nil, err
		}
		m.mirror = mirror
		hbc.Mirror = mirror
		slog.Info("vdevd: config space mirror", "fd", mirror.Fd(), "size", mirror.Len())
	}

	bridge, err := pci.NewHostBridge(hbc)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("create host bridge: %w", err)
	}
	m.bridge = bridge
	if err := m.as.AddDevice(bridge); err != nil {
		m.Close()
		return nil, fmt.Errorf("attach host bridge: %w", err)
	}

	for _, d := range cfg.PCI.Devices {
		if err := m.addDevice(d); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *machine) addDevice(d config.DeviceConfig) error {
	fn, err := m.bridge.RegisterFunction(0, d.Slot, d.Function, pci.NewConfiguration(d.Header()))
	if err != nil {
		return fmt.Errorf("register %04x:%04x: %w", d.Vendor, d.Device, err)
	}
	for _, b := range d.Bars {
		rt, pf := b.Region()
		if _, err := fn.AllocateBar(b.Index, b.Size, rt, pf); err != nil {
			return err
		}
	}
	addr := fn.Address()
	fn.OnBARReprogram(func(bar pci.BarConfiguration) {
		slog.Info("pci: bar moved", "addr", addr, "bar", bar.String())
	})
	return nil
}

func (m *machine) logLayout() {
	for _, f := range m.bridge.Layout() {
		slog.Info("pci: function",
			"addr", f.Address,
			"id", fmt.Sprintf("%04x:%04x", f.VendorID, f.DeviceID),
			"class", fmt.Sprintf("%#02x", uint8(f.Class)),
			"header", fmt.Sprintf("%#02x", f.HeaderType),
		)
		for _, b := range f.Bars {
			slog.Info("pci: bar", "addr", f.Address, "bar", b.String())
		}
		for _, c := range f.Capabilities {
			slog.Info("pci: capability", "addr", f.Address, "id", fmt.Sprintf("%#02x", uint8(c.ID)), "offset", c.Offset)
		}
	}
}

// restore loads a snapshot written by an earlier run. A missing file is
// not an error: the first run creates it on exit.
func (m *machine) restore(path string) error {
	err := hv.LoadSnapshot(path, m.as)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("vdevd: no snapshot yet", "path", path)
		return nil
	case err != nil:
		return fmt.Errorf("restore %s: %w", path, err)
	}
	slog.Info("vdevd: snapshot restored", "path", path)
	return nil
}

func (m *machine) save(path string) error {
	if err := hv.SaveSnapshot(path, m.as); err != nil {
		return err
	}
	slog.Info("vdevd: snapshot saved", "path", path)
	return nil
}

func (m *machine) Close() error {
	if m.mirror == nil {
		return nil
	}
	return m.mirror.Close()
}
