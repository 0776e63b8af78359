package hv

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x56444556 // "VDEV"
	SnapshotVersion uint32 = 1
)

var ErrSnapshotMismatch = errors.New("snapshot was taken with a different device layout")

// SaveSnapshot captures every device in a and writes it to path.
func SaveSnapshot(path string, a *AddressSpace) error {
	snaps, err := a.CaptureSnapshots()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := writeSnapshot(f, a.ComputeConfigHash(), snaps); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return f.Sync()
}

// LoadSnapshot reads path and restores the devices in a.
func LoadSnapshot(path string, a *AddressSpace) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	hash, snaps, err := readSnapshot(f)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if hash != a.ComputeConfigHash() {
		return ErrSnapshotMismatch
	}
	return a.RestoreSnapshots(snaps)
}

func writeSnapshot(w io.Writer, hash ConfigHash, devices map[string]DeviceSnapshot) error {
	for _, v := range []uint32{SnapshotMagic, SnapshotVersion} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if _, err := w.Write(hash[:]); err != nil {
		return fmt.Errorf("write config hash: %w", err)
	}
	return writeDeviceSnapshots(w, devices)
}

func readSnapshot(r io.Reader) (ConfigHash, map[string]DeviceSnapshot, error) {
	var hash ConfigHash
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return hash, nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != SnapshotMagic {
		return hash, nil, fmt.Errorf("invalid magic 0x%08x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return hash, nil, fmt.Errorf("read version: %w", err)
	}
	if version != SnapshotVersion {
		return hash, nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return hash, nil, fmt.Errorf("read config hash: %w", err)
	}
	devices, err := readDeviceSnapshots(r)
	return hash, devices, err
}

func writeDeviceSnapshots(w io.Writer, devices map[string]DeviceSnapshot) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(devices))); err != nil {
		return fmt.Errorf("write device count: %w", err)
	}

	// Write in sorted order for determinism
	deviceIDs := make([]string, 0, len(devices))
	for id := range devices {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Strings(deviceIDs)

	for _, id := range deviceIDs {
		idBytes := []byte(id)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(idBytes))); err != nil {
			return fmt.Errorf("write device id length: %w", err)
		}
		if _, err := w.Write(idBytes); err != nil {
			return fmt.Errorf("write device id: %w", err)
		}

		var buf bytes.Buffer
		snap := devices[id]
		if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
			return fmt.Errorf("gob encode device %s: %w", id, err)
		}

		if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
			return fmt.Errorf("write device data length: %w", err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write device data: %w", err)
		}
	}
	return nil
}

func readDeviceSnapshots(r io.Reader) (map[string]DeviceSnapshot, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read device count: %w", err)
	}

	devices := make(map[string]DeviceSnapshot, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, fmt.Errorf("read device id length: %w", err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, fmt.Errorf("read device id: %w", err)
		}
		id := string(idBytes)

		var dataLen uint32
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return nil, fmt.Errorf("read device data length: %w", err)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read device data: %w", err)
		}

		var snap DeviceSnapshot
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
			return nil, fmt.Errorf("gob decode device %s: %w", id, err)
		}
		devices[id] = snap
	}
	return devices, nil
}
