// Package vfs provides the filesystems served by the FUSE server: an
// in-memory tree and a passthrough view of a host directory.
package vfs

import (
	"time"

	"github.com/tinyrange/vdev/internal/fuse"
	"golang.org/x/sys/unix"
)

const (
	blockSize  = 4096
	maxNameLen = 255

	defaultCapacity  = 1 << 30
	defaultMaxInodes = 1 << 20
)

// Options configures either backend.
type Options struct {
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// WritebackCache lets the kernel buffer writes. It is only requested
	// when the kernel offers it.
	WritebackCache bool

	// MaxBufferSize bounds read, write and readdir payloads. Zero selects
	// fuse.DefaultMaxBufferSize.
	MaxBufferSize uint32

	// ReadOnly rejects every mutating request with EROFS.
	ReadOnly bool

	// Capacity and MaxInodes bound the in-memory filesystem.
	Capacity  uint64
	MaxInodes uint64
}

func (o Options) normalize() Options {
	if o.MaxBufferSize == 0 {
		o.MaxBufferSize = fuse.DefaultMaxBufferSize
	}
	if o.Capacity == 0 {
		o.Capacity = defaultCapacity
	}
	if o.MaxInodes == 0 {
		o.MaxInodes = defaultMaxInodes
	}
	return o
}

// want is the feature set requested at init time.
func (o Options) want(capable, extra fuse.FsOptions) fuse.FsOptions {
	want := fuse.AsyncRead | fuse.BigWrites | fuse.AtomicOTrunc | fuse.DoReaddirplus |
		fuse.ReaddirplusAuto | fuse.ParallelDirops | fuse.MaxPages | extra
	if o.WritebackCache {
		want |= fuse.WritebackCache
	}
	return capable & want
}

func (o Options) entry(attr fuse.Attr) fuse.Entry {
	return fuse.Entry{
		Inode:        attr.Ino,
		Generation:   1,
		Attr:         attr,
		AttrTimeout:  o.AttrTimeout,
		EntryTimeout: o.EntryTimeout,
	}
}

// checkName rejects names the kernel should never send for a directory
// entry.
func checkName(name []byte) error {
	switch {
	case len(name) == 0:
		return unix.EINVAL
	case len(name) > maxNameLen:
		return unix.ENAMETOOLONG
	case string(name) == "." || string(name) == "..":
		return unix.EINVAL
	}
	for _, c := range name {
		if c == '/' || c == 0 {
			return unix.EINVAL
		}
	}
	return nil
}

// direntType converts a mode to the d_type stored in a dirent.
func direntType(mode uint32) uint32 {
	return (mode & unix.S_IFMT) >> 12
}

func timespec(t time.Time) (uint64, uint32) {
	return uint64(t.Unix()), uint32(t.Nanosecond())
}

// setattrTime resolves the atime or mtime requested by a setattr.
func setattrTime(now bool, sec uint64, nsec uint32) time.Time {
	if now {
		return time.Now()
	}
	return time.Unix(int64(sec), int64(nsec))
}
