package pci

import (
	"crypto/subtle"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const snapshotVersion = 1

// snapshotKey is the BLAKE3 key for configuration snapshot digests, the
// ASCII domain name zero-padded to 32 bytes.
var snapshotKey = [32]byte{
	'v', 'd', 'e', 'v', '.', 'p', 'c', 'i', '.', 'c', 'o', 'n', 'f', 'i', 'g', '.',
	's', 'n', 'a', 'p', 's', 'h', 'o', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding so equal state gives equal bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pci: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("pci: CBOR decoder initialization failed: " + err.Error())
	}
}

// configurationState is the serialized register file. Capability configs
// and the mirror are runtime wiring and belong to the owning device.
type configurationState struct {
	Registers      [numRegisters]uint32          `cbor:"registers"`
	WritableBits   [numRegisters]uint32          `cbor:"writable_bits"`
	BarUsed        [NumBarRegs]bool              `cbor:"bar_used"`
	BarConfigs     [NumBarRegs]*BarConfiguration `cbor:"bar_configs"`
	LastCapability *CapabilityLocation           `cbor:"last_capability"`
}

type sealedSnapshot struct {
	Version int             `cbor:"version"`
	State   cbor.RawMessage `cbor:"state"`
	Digest  []byte          `cbor:"digest"`
}

func snapshotDigest(state []byte) []byte {
	h, err := blake3.NewKeyed(snapshotKey[:])
	if err != nil {
		panic("pci: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(state)
	return h.Sum(nil)
}

// Snapshot serializes the register file, writable masks and BAR
// bookkeeping. Equal configurations produce equal bytes.
func (c *Configuration) Snapshot() ([]byte, error) {
	st := configurationState{
		Registers:      c.registers,
		WritableBits:   c.writableBits,
		BarUsed:        c.barUsed,
		BarConfigs:     c.barConfigs,
		LastCapability: c.lastCap,
	}
	state, err := encMode.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("pci: encode configuration state: %w", err)
	}
	out, err := encMode.Marshal(&sealedSnapshot{
		Version: snapshotVersion,
		State:   state,
		Digest:  snapshotDigest(state),
	})
	if err != nil {
		return nil, fmt.Errorf("pci: encode snapshot: %w", err)
	}
	return out, nil
}

// Restore loads a snapshot taken by Snapshot and republishes every register
// to the attached mirror, if any. Capability configs are left untouched.
func (c *Configuration) Restore(data []byte) error {
	var sealed sealedSnapshot
	if err := decMode.Unmarshal(data, &sealed); err != nil {
		return fmt.Errorf("pci: decode snapshot: %w", err)
	}
	if sealed.Version != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, sealed.Version)
	}
	if subtle.ConstantTimeCompare(sealed.Digest, snapshotDigest(sealed.State)) != 1 {
		return ErrSnapshotDigest
	}
	var st configurationState
	if err := decMode.Unmarshal(sealed.State, &st); err != nil {
		return fmt.Errorf("pci: decode configuration state: %w", err)
	}

	c.registers = st.Registers
	c.writableBits = st.WritableBits
	c.barUsed = st.BarUsed
	c.barConfigs = st.BarConfigs
	c.lastCap = st.LastCapability
	for i, v := range c.registers {
		c.doWrite(i, v)
	}
	return nil
}
