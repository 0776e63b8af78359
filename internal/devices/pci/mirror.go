package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Mirror is a shared-memory copy of one or more configuration spaces. A
// consumer in another process maps the file descriptor and reads config
// registers without a round trip to the device model.
type Mirror struct {
	mu  sync.Mutex
	fd  int
	mem []byte
}

// NewMirror creates an anonymous memfd of size bytes and maps it shared.
func NewMirror(name string, size int) (*Mirror, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pci: mirror size %d must be positive", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pci: memfd create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pci: size mirror: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pci: map mirror: %w", err)
	}
	return &Mirror{fd: fd, mem: mem}, nil
}

// Fd is the memfd backing the mirror, for passing to another process.
func (m *Mirror) Fd() int { return m.fd }

func (m *Mirror) Len() int { return len(m.mem) }

// Close unmaps and closes the mirror. Configurations still attached to it
// must not be written afterwards.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.mem != nil {
		err = unix.Munmap(m.mem)
		m.mem = nil
	}
	if m.fd >= 0 {
		if cerr := unix.Close(m.fd); err == nil {
			err = cerr
		}
		m.fd = -1
	}
	return err
}

// ReadUint32 returns the little-endian dword at off.
func (m *Mirror) ReadUint32(off int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.mem[off:]), nil
}

// ByteAt returns the byte at off.
func (m *Mirror) ByteAt(off int) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(off, 1); err != nil {
		return 0, err
	}
	return m.mem[off], nil
}

// SetByte stores v at off and flushes it. Bytes that configuration writes
// never copy, such as the header type, are published this way.
func (m *Mirror) SetByte(off int, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.put8Locked(off, v); err != nil {
		return err
	}
	return m.flushLocked(off, 1)
}

func (m *Mirror) checkLocked(off, n int) error {
	if off < 0 || n < 0 || off+n > len(m.mem) {
		return fmt.Errorf("pci: mirror access [%#x+%d] outside %d bytes", off, n, len(m.mem))
	}
	return nil
}

func (m *Mirror) put32Locked(off int, v uint32) error {
	if err := m.checkLocked(off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.mem[off:], v)
	return nil
}

func (m *Mirror) put16Locked(off int, v uint16) error {
	if err := m.checkLocked(off, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.mem[off:], v)
	return nil
}

func (m *Mirror) put8Locked(off int, v uint8) error {
	if err := m.checkLocked(off, 1); err != nil {
		return err
	}
	m.mem[off] = v
	return nil
}

// flushLocked syncs the pages covering [off, off+n).
func (m *Mirror) flushLocked(off, n int) error {
	page := os.Getpagesize()
	start := off &^ (page - 1)
	end := min(off+n, len(m.mem))
	if start >= end {
		return nil
	}
	if err := unix.Msync(m.mem[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("pci: flush mirror: %w", err)
	}
	return nil
}
