package vfs

import (
	"time"

	"github.com/tinyrange/vdev/internal/fuse"
	"golang.org/x/sys/unix"
)

const (
	modePermMask = 0o7777
	modeSetuid   = 0o4000
	modeSetgid   = 0o2000
)

type memNode struct {
	ino   uint64
	mode  uint32 // file type and permission bits
	rdev  uint32
	uid   uint32
	gid   uint32
	nlink uint32

	// lookups is the kernel's reference count; opens counts live handles.
	// An unlinked node is dropped once both reach zero.
	lookups uint64
	opens   int

	data     []byte
	target   []byte
	children map[string]uint64
	parent   uint64

	xattr map[string][]byte

	atime time.Time
	mtime time.Time
	ctime time.Time
}

func newMemNode(ino uint64, mode uint32, uid, gid uint32) *memNode {
	now := time.Now()
	n := &memNode{
		ino:   ino,
		mode:  mode,
		uid:   uid,
		gid:   gid,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}
	if n.isDir() {
		n.children = make(map[string]uint64)
		n.nlink = 2
	}
	return n
}

func (n *memNode) isDir() bool     { return n.mode&unix.S_IFMT == unix.S_IFDIR }
func (n *memNode) isSymlink() bool { return n.mode&unix.S_IFMT == unix.S_IFLNK }
func (n *memNode) isRegular() bool { return n.mode&unix.S_IFMT == unix.S_IFREG }

func (n *memNode) attr() fuse.Attr {
	size := uint64(len(n.data))
	switch {
	case n.isSymlink():
		size = uint64(len(n.target))
	case n.isDir():
		size = blockSize
	}
	a := fuse.Attr{
		Ino:     n.ino,
		Size:    size,
		Blocks:  (uint64(len(n.data)) + 511) / 512,
		Mode:    n.mode,
		Nlink:   n.nlink,
		UID:     n.uid,
		GID:     n.gid,
		Rdev:    n.rdev,
		Blksize: blockSize,
	}
	a.Atime, a.AtimeNsec = timespec(n.atime)
	a.Mtime, a.MtimeNsec = timespec(n.mtime)
	a.Ctime, a.CtimeNsec = timespec(n.ctime)
	return a
}

// bumpTime returns next, or one nanosecond past prev when the clock has
// not advanced, so consecutive changes stay observable.
func bumpTime(prev, next time.Time) time.Time {
	if prev.IsZero() {
		return next
	}
	if next.UnixNano() <= prev.UnixNano() {
		return time.Unix(0, prev.UnixNano()+1)
	}
	return next
}

func (n *memNode) touchModified() {
	now := time.Now()
	n.mtime = bumpTime(n.mtime, now)
	n.ctime = bumpTime(n.ctime, now)
}

func (n *memNode) touchChanged() {
	n.ctime = bumpTime(n.ctime, time.Now())
}

// dropPrivileges clears setuid, and setgid when the group can execute,
// the way Linux does after a write or truncate.
func (n *memNode) dropPrivileges() {
	n.mode &^= modeSetuid
	if n.mode&0o010 != 0 {
		n.mode &^= modeSetgid
	}
}

func (n *memNode) readAt(off uint64, size uint32) []byte {
	if off >= uint64(len(n.data)) {
		return nil
	}
	end := min(off+uint64(size), uint64(len(n.data)))
	return n.data[off:end]
}

// resize grows or shrinks the file to size and returns the change in
// stored bytes.
func (n *memNode) resize(size uint64) int64 {
	old := len(n.data)
	switch {
	case size <= uint64(cap(n.data)):
		grown := n.data[:size]
		if size > uint64(old) {
			clear(grown[old:])
		}
		n.data = grown
	default:
		grown := make([]byte, size, size+size/4)
		copy(grown, n.data)
		n.data = grown
	}
	return int64(len(n.data)) - int64(old)
}

func (n *memNode) writeAt(off uint64, p []byte) {
	copy(n.data[off:], p)
}

func (n *memNode) canAccess(ctx fuse.Context, mask uint32) bool {
	return permits(ctx, n.mode, n.uid, n.gid, mask)
}

// permits applies the owner/group/other permission classes of mode to
// mask (a combination of R_OK, W_OK and X_OK).
func permits(ctx fuse.Context, mode, uid, gid, mask uint32) bool {
	if mask == 0 {
		return true
	}
	perm := mode & 0o777
	if ctx.UID == 0 {
		// Root may execute only if someone can.
		return mask&unix.X_OK == 0 || perm&0o111 != 0 || mode&unix.S_IFMT == unix.S_IFDIR
	}
	var bits uint32
	switch {
	case ctx.UID == uid:
		bits = perm >> 6
	case ctx.GID == gid:
		bits = perm >> 3
	default:
		bits = perm
	}
	return bits&7&mask == mask
}
