package hv

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/blake3"
)

// ConfigHash identifies a device layout. A snapshot only restores onto a
// machine with the same hash.
type ConfigHash [32]byte

// ComputeConfigHash hashes the claimed MMIO regions and the ids of the
// snapshot-capable devices.
func (a *AddressSpace) ComputeConfigHash() ConfigHash {
	a.mu.RLock()
	var ids []string
	for _, dev := range a.devices {
		if s, ok := dev.(DeviceSnapshotter); ok {
			ids = append(ids, s.DeviceId())
		}
	}
	regions := make([]MMIORegion, len(a.mappings))
	for i, m := range a.mappings {
		regions[i] = m.region
	}
	a.mu.RUnlock()
	slices.Sort(ids)

	h := blake3.New()
	var buf [8]byte
	for _, r := range regions {
		binary.LittleEndian.PutUint64(buf[:], r.Address)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], r.Size)
		h.Write(buf[:])
	}
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0}) // null terminator
	}

	var out ConfigHash
	copy(out[:], h.Sum(nil))
	return out
}
