package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vdev/internal/fuse"
)

// hostErr converts an error from a host syscall to the errno sent to the
// guest.
func hostErr(err error) error {
	if err == nil {
		return nil
	}
	return unix.Errno(gofuse.ToStatus(err))
}

type inodeKey struct {
	dev uint64
	ino uint64
}

type ptInode struct {
	id      uint64
	key     inodeKey
	fd      int // O_PATH
	mode    uint32
	lookups uint64
}

// procPath names the inode through procfs so calls that do not accept an
// O_PATH descriptor can still reach it without a host path.
func (i *ptInode) procPath() string {
	return fmt.Sprintf("/proc/self/fd/%d", i.fd)
}

type ptHandle struct {
	ino  uint64
	file *os.File
	dir  []fuse.DirEntry
}

// Passthrough exposes a host directory. Inodes are held open with O_PATH
// descriptors, so renames on the host do not break guest references.
type Passthrough struct {
	fuse.Unimplemented

	opts Options
	root string

	// fds is held for reading while a request uses inode descriptors and
	// for writing while forgotten descriptors are closed.
	fds sync.RWMutex

	mu      sync.Mutex
	inodes  map[uint64]*ptInode
	byKey   map[inodeKey]uint64
	handles map[uint64]*ptHandle
	nextIno uint64
	nextFH  uint64
}

// NewPassthrough serves the directory at root.
func NewPassthrough(root string, opts Options) (*Passthrough, error) {
	fd, err := unix.Open(root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vfs: open root %s: %w", root, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vfs: stat root %s: %w", root, err)
	}
	p := &Passthrough{
		opts:    opts.normalize(),
		root:    root,
		inodes:  make(map[uint64]*ptInode),
		byKey:   make(map[inodeKey]uint64),
		handles: make(map[uint64]*ptHandle),
		nextIno: fuse.RootID + 1,
		nextFH:  1,
	}
	rootInode := &ptInode{id: fuse.RootID, key: keyOf(&st), fd: fd, mode: st.Mode, lookups: 1}
	p.inodes[fuse.RootID] = rootInode
	p.byKey[rootInode.key] = fuse.RootID
	return p, nil
}

func keyOf(st *unix.Stat_t) inodeKey {
	return inodeKey{dev: uint64(st.Dev), ino: st.Ino}
}

func attrFromStat(id uint64, st *unix.Stat_t) fuse.Attr {
	return fuse.Attr{
		Ino:       id,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     uint64(st.Atim.Sec),
		Mtime:     uint64(st.Mtim.Sec),
		Ctime:     uint64(st.Ctim.Sec),
		AtimeNsec: uint32(st.Atim.Nsec),
		MtimeNsec: uint32(st.Mtim.Nsec),
		CtimeNsec: uint32(st.Ctim.Nsec),
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Rdev:      uint32(st.Rdev),
		Blksize:   uint32(st.Blksize),
	}
}

// Close releases every descriptor. The filesystem must not be used
// afterwards.
func (p *Passthrough) Close() error {
	p.fds.Lock()
	defer p.fds.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for fh, h := range p.handles {
		if h.file != nil {
			errs = append(errs, h.file.Close())
		}
		delete(p.handles, fh)
	}
	for id, i := range p.inodes {
		errs = append(errs, unix.Close(i.fd))
		delete(p.inodes, id)
	}
	clear(p.byKey)
	return errors.Join(errs...)
}

func (p *Passthrough) MaxBufferSize() uint32 { return p.opts.MaxBufferSize }

func (p *Passthrough) Init(capable fuse.FsOptions) (fuse.FsOptions, error) {
	return p.opts.want(capable, 0), nil
}

// Destroy closes every open handle and drops all kernel references except
// the root's.
func (p *Passthrough) Destroy() {
	p.fds.Lock()
	defer p.fds.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	for fh, h := range p.handles {
		if h.file != nil {
			h.file.Close()
		}
		delete(p.handles, fh)
	}
	for id, i := range p.inodes {
		if id == fuse.RootID {
			continue
		}
		unix.Close(i.fd)
		delete(p.byKey, i.key)
		delete(p.inodes, id)
	}
}

func (p *Passthrough) inode(id uint64) (*ptInode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.inodes[id]
	if !ok {
		return nil, unix.EBADF
	}
	return i, nil
}

func (p *Passthrough) handle(ino, fh uint64) (*ptHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[fh]
	if !ok || h.ino != ino {
		return nil, unix.EBADF
	}
	return h, nil
}

func (p *Passthrough) addHandle(h *ptHandle) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	fh := p.nextFH
	p.nextFH++
	p.handles[fh] = h
	return fh
}

// lookupAt resolves name under dir and takes a kernel reference on the
// result.
func (p *Passthrough) lookupAt(dir *ptInode, name string) (fuse.Entry, error) {
	fd, err := unix.Openat(dir.fd, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return fuse.Entry{}, hostErr(err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return fuse.Entry{}, hostErr(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := keyOf(&st)
	if id, ok := p.byKey[key]; ok {
		unix.Close(fd)
		i := p.inodes[id]
		i.lookups++
		return p.opts.entry(attrFromStat(id, &st)), nil
	}
	i := &ptInode{id: p.nextIno, key: key, fd: fd, mode: st.Mode, lookups: 1}
	p.nextIno++
	p.inodes[i.id] = i
	p.byKey[key] = i.id
	return p.opts.entry(attrFromStat(i.id, &st)), nil
}

func (p *Passthrough) Lookup(_ fuse.Context, parent uint64, name []byte) (fuse.Entry, error) {
	if err := checkName(name); err != nil {
		return fuse.Entry{}, err
	}
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.inode(parent)
	if err != nil {
		return fuse.Entry{}, err
	}
	return p.lookupAt(dir, string(name))
}

func (p *Passthrough) Forget(_ fuse.Context, inode uint64, count uint64) {
	p.forget([]fuse.ForgetOne{{NodeID: inode, Nlookup: count}})
}

func (p *Passthrough) BatchForget(_ fuse.Context, requests []fuse.ForgetOne) {
	p.forget(requests)
}

func (p *Passthrough) forget(requests []fuse.ForgetOne) {
	p.fds.Lock()
	defer p.fds.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range requests {
		i, ok := p.inodes[r.NodeID]
		if !ok || r.NodeID == fuse.RootID {
			continue
		}
		i.lookups -= min(r.Nlookup, i.lookups)
		if i.lookups > 0 {
			continue
		}
		unix.Close(i.fd)
		delete(p.byKey, i.key)
		delete(p.inodes, i.id)
	}
}

func (p *Passthrough) stat(i *ptInode) (fuse.Attr, error) {
	var st unix.Stat_t
	if err := unix.Fstat(i.fd, &st); err != nil {
		return fuse.Attr{}, hostErr(err)
	}
	return attrFromStat(i.id, &st), nil
}

func (p *Passthrough) GetAttr(_ fuse.Context, inode uint64, _ *uint64) (fuse.Attr, time.Duration, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return fuse.Attr{}, 0, err
	}
	attr, err := p.stat(i)
	return attr, p.opts.AttrTimeout, err
}

func utimeSpec(set, now bool, sec uint64, nsec uint32) unix.Timespec {
	switch {
	case !set:
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	case now:
		return unix.Timespec{Nsec: unix.UTIME_NOW}
	}
	return unix.Timespec{Sec: int64(sec), Nsec: int64(nsec)}
}

func (p *Passthrough) SetAttr(_ fuse.Context, inode uint64, attr fuse.Attr, handle *uint64, valid fuse.SetattrValid) (fuse.Attr, time.Duration, error) {
	if p.opts.ReadOnly {
		return fuse.Attr{}, 0, unix.EROFS
	}
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return fuse.Attr{}, 0, err
	}

	if valid&fuse.SetattrMode != 0 {
		if err := unix.Fchmodat(unix.AT_FDCWD, i.procPath(), attr.Mode&modePermMask, 0); err != nil {
			return fuse.Attr{}, 0, hostErr(err)
		}
	}
	if valid&(fuse.SetattrUID|fuse.SetattrGID) != 0 {
		uid, gid := -1, -1
		if valid&fuse.SetattrUID != 0 {
			uid = int(attr.UID)
		}
		if valid&fuse.SetattrGID != 0 {
			gid = int(attr.GID)
		}
		if err := unix.Fchownat(i.fd, "", uid, gid, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fuse.Attr{}, 0, hostErr(err)
		}
	}
	if valid&fuse.SetattrSize != 0 {
		var f *os.File
		if handle != nil {
			f, _ = p.fileHandle(inode, *handle)
		}
		var err error
		if f != nil {
			err = unix.Ftruncate(int(f.Fd()), int64(attr.Size))
		} else {
			err = unix.Truncate(i.procPath(), int64(attr.Size))
		}
		if err != nil {
			return fuse.Attr{}, 0, hostErr(err)
		}
	}
	if valid&(fuse.SetattrAtime|fuse.SetattrMtime) != 0 {
		ts := []unix.Timespec{
			utimeSpec(valid&fuse.SetattrAtime != 0, valid&fuse.SetattrAtimeNow != 0, attr.Atime, attr.AtimeNsec),
			utimeSpec(valid&fuse.SetattrMtime != 0, valid&fuse.SetattrMtimeNow != 0, attr.Mtime, attr.MtimeNsec),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, i.procPath(), ts, 0); err != nil {
			return fuse.Attr{}, 0, hostErr(err)
		}
	}
	out, err := p.stat(i)
	return out, p.opts.AttrTimeout, err
}

func (p *Passthrough) Readlink(_ fuse.Context, inode uint64) ([]byte, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(i.fd, "", buf)
	if err != nil {
		return nil, hostErr(err)
	}
	return buf[:n], nil
}

// created finishes a create-style request: it hands ownership of the new
// entry to the caller when running as root and looks it up.
func (p *Passthrough) created(ctx fuse.Context, dir *ptInode, name string) (fuse.Entry, error) {
	if os.Geteuid() == 0 {
		if err := unix.Fchownat(dir.fd, name, int(ctx.UID), int(ctx.GID), unix.AT_SYMLINK_NOFOLLOW); err != nil {
			slog.Warn("vfs: chown new entry", "name", name, "err", err)
		}
	}
	return p.lookupAt(dir, name)
}

// mutableDir validates a request that adds or removes name in parent.
func (p *Passthrough) mutableDir(parent uint64, name []byte) (*ptInode, error) {
	if p.opts.ReadOnly {
		return nil, unix.EROFS
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	return p.inode(parent)
}

func (p *Passthrough) Symlink(ctx fuse.Context, linkname []byte, parent uint64, name []byte, _ []byte) (fuse.Entry, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(parent, name)
	if err != nil {
		return fuse.Entry{}, err
	}
	if err := unix.Symlinkat(string(linkname), dir.fd, string(name)); err != nil {
		return fuse.Entry{}, hostErr(err)
	}
	return p.created(ctx, dir, string(name))
}

func (p *Passthrough) Mknod(ctx fuse.Context, parent uint64, name []byte, mode, rdev, umask uint32, _ []byte) (fuse.Entry, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(parent, name)
	if err != nil {
		return fuse.Entry{}, err
	}
	if err := unix.Mknodat(dir.fd, string(name), mode&^(umask&0o777), int(rdev)); err != nil {
		return fuse.Entry{}, hostErr(err)
	}
	return p.created(ctx, dir, string(name))
}

func (p *Passthrough) Mkdir(ctx fuse.Context, parent uint64, name []byte, mode, umask uint32, _ []byte) (fuse.Entry, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(parent, name)
	if err != nil {
		return fuse.Entry{}, err
	}
	if err := unix.Mkdirat(dir.fd, string(name), mode&^(umask&0o777)); err != nil {
		return fuse.Entry{}, hostErr(err)
	}
	return p.created(ctx, dir, string(name))
}

func (p *Passthrough) Unlink(_ fuse.Context, parent uint64, name []byte) error {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(parent, name)
	if err != nil {
		return err
	}
	return hostErr(unix.Unlinkat(dir.fd, string(name), 0))
}

func (p *Passthrough) Rmdir(_ fuse.Context, parent uint64, name []byte) error {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(parent, name)
	if err != nil {
		return err
	}
	return hostErr(unix.Unlinkat(dir.fd, string(name), unix.AT_REMOVEDIR))
}

func (p *Passthrough) Rename(_ fuse.Context, olddir uint64, oldname []byte, newdir uint64, newname []byte, flags uint32) error {
	p.fds.RLock()
	defer p.fds.RUnlock()

	src, err := p.mutableDir(olddir, oldname)
	if err != nil {
		return err
	}
	dst, err := p.mutableDir(newdir, newname)
	if err != nil {
		return err
	}
	return hostErr(unix.Renameat2(src.fd, string(oldname), dst.fd, string(newname), uint(flags)))
}

func (p *Passthrough) Link(_ fuse.Context, inode uint64, newparent uint64, newname []byte) (fuse.Entry, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(newparent, newname)
	if err != nil {
		return fuse.Entry{}, err
	}
	i, err := p.inode(inode)
	if err != nil {
		return fuse.Entry{}, err
	}
	if err := unix.Linkat(unix.AT_FDCWD, i.procPath(), dir.fd, string(newname), unix.AT_SYMLINK_FOLLOW); err != nil {
		return fuse.Entry{}, hostErr(err)
	}
	return p.lookupAt(dir, string(newname))
}

// openFlags adjusts guest open flags for the host. With a writeback cache
// the kernel may read through a write-only handle and handles O_APPEND
// itself.
func (p *Passthrough) openFlags(flags uint32) int {
	f := int(flags) | unix.O_CLOEXEC | unix.O_NOFOLLOW
	if p.opts.WritebackCache {
		if f&unix.O_ACCMODE == unix.O_WRONLY {
			f = f&^unix.O_ACCMODE | unix.O_RDWR
		}
		f &^= unix.O_APPEND
	}
	return f
}

func (p *Passthrough) Open(_ fuse.Context, inode uint64, flags uint32) (uint64, fuse.OpenOptions, error) {
	if p.opts.ReadOnly && (flags&unix.O_ACCMODE != unix.O_RDONLY || flags&unix.O_TRUNC != 0) {
		return 0, 0, unix.EROFS
	}
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return 0, 0, err
	}
	if i.mode&unix.S_IFMT == unix.S_IFDIR {
		return 0, 0, unix.EISDIR
	}
	// O_NOFOLLOW would refuse the procfs link itself.
	fd, err := unix.Open(i.procPath(), p.openFlags(flags)&^unix.O_NOFOLLOW, 0)
	if err != nil {
		return 0, 0, hostErr(err)
	}
	fh := p.addHandle(&ptHandle{ino: inode, file: os.NewFile(uintptr(fd), i.procPath())})
	return fh, 0, nil
}

func (p *Passthrough) Create(ctx fuse.Context, parent uint64, name []byte, mode, flags, umask uint32, _ []byte) (fuse.Entry, uint64, fuse.OpenOptions, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	dir, err := p.mutableDir(parent, name)
	if err != nil {
		return fuse.Entry{}, 0, 0, err
	}
	fd, err := unix.Openat(dir.fd, string(name), p.openFlags(flags)|unix.O_CREAT, mode&^(umask&0o777))
	if err != nil {
		return fuse.Entry{}, 0, 0, hostErr(err)
	}
	file := os.NewFile(uintptr(fd), string(name))
	entry, err := p.created(ctx, dir, string(name))
	if err != nil {
		file.Close()
		return fuse.Entry{}, 0, 0, err
	}
	fh := p.addHandle(&ptHandle{ino: entry.Inode, file: file})
	return entry, fh, 0, nil
}

func (p *Passthrough) AtomicOpen(ctx fuse.Context, parent uint64, name []byte, mode, flags, umask uint32, secctx []byte) (fuse.Entry, uint64, fuse.OpenOptions, error) {
	return p.Create(ctx, parent, name, mode, flags, umask, secctx)
}

func (p *Passthrough) fileHandle(inode, handle uint64) (*os.File, error) {
	h, err := p.handle(inode, handle)
	if err != nil {
		return nil, err
	}
	if h.file == nil {
		return nil, unix.EISDIR
	}
	return h.file, nil
}

func (p *Passthrough) Read(_ fuse.Context, inode, handle uint64, w io.Writer, size uint32, offset uint64, _ *uint64, _ uint32) (int, error) {
	f, err := p.fileHandle(inode, handle)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	n, err := unix.Pread(int(f.Fd()), buf, int64(offset))
	if err != nil {
		return 0, hostErr(err)
	}
	return w.Write(buf[:n])
}

func (p *Passthrough) Write(_ fuse.Context, inode, handle uint64, r io.Reader, size uint32, offset uint64, _ *uint64, _ bool, _ uint32) (int, error) {
	f, err := p.fileHandle(inode, handle)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	got, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}
	n, err := unix.Pwrite(int(f.Fd()), buf[:got], int64(offset))
	if err != nil {
		return 0, hostErr(err)
	}
	return n, nil
}

func (p *Passthrough) Flush(_ fuse.Context, inode, handle, _ uint64) error {
	_, err := p.fileHandle(inode, handle)
	return err
}

func (p *Passthrough) Fsync(_ fuse.Context, inode uint64, datasync bool, handle uint64) error {
	f, err := p.fileHandle(inode, handle)
	if err != nil {
		return err
	}
	if datasync {
		return hostErr(unix.Fdatasync(int(f.Fd())))
	}
	return hostErr(unix.Fsync(int(f.Fd())))
}

func (p *Passthrough) Fallocate(_ fuse.Context, inode, handle uint64, mode uint32, offset, length uint64) error {
	f, err := p.fileHandle(inode, handle)
	if err != nil {
		return err
	}
	return hostErr(unix.Fallocate(int(f.Fd()), mode, int64(offset), int64(length)))
}

func (p *Passthrough) release(inode, handle uint64) error {
	p.mu.Lock()
	h, ok := p.handles[handle]
	if ok && h.ino == inode {
		delete(p.handles, handle)
	}
	p.mu.Unlock()

	if !ok || h.ino != inode {
		return unix.EBADF
	}
	if h.file != nil {
		return hostErr(h.file.Close())
	}
	return nil
}

func (p *Passthrough) Release(_ fuse.Context, inode uint64, _ uint32, handle uint64, _, _ bool, _ *uint64) error {
	return p.release(inode, handle)
}

func (p *Passthrough) StatFS(_ fuse.Context, inode uint64) (fuse.Kstatfs, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return fuse.Kstatfs{}, err
	}
	var st unix.Statfs_t
	if err := unix.Fstatfs(i.fd, &st); err != nil {
		return fuse.Kstatfs{}, hostErr(err)
	}
	return fuse.Kstatfs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		Namelen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}, nil
}

func (p *Passthrough) SetXattr(_ fuse.Context, inode uint64, name, value []byte, flags uint32) error {
	if p.opts.ReadOnly {
		return unix.EROFS
	}
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return err
	}
	return hostErr(unix.Setxattr(i.procPath(), string(name), value, int(flags)))
}

// xattrCall runs a get or list call sized by the request: a zero size
// only asks how large the value is.
func xattrCall(size uint32, call func(dest []byte) (int, error)) (fuse.XattrReply, error) {
	if size == 0 {
		n, err := call(nil)
		if err != nil {
			return fuse.XattrReply{}, hostErr(err)
		}
		return fuse.XattrReply{Size: uint32(n), SizeOnly: true}, nil
	}
	buf := make([]byte, size)
	n, err := call(buf)
	if err != nil {
		return fuse.XattrReply{}, hostErr(err)
	}
	return fuse.XattrReply{Value: buf[:n], Size: uint32(n)}, nil
}

func (p *Passthrough) GetXattr(_ fuse.Context, inode uint64, name []byte, size uint32) (fuse.XattrReply, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return fuse.XattrReply{}, err
	}
	return xattrCall(size, func(dest []byte) (int, error) {
		return unix.Getxattr(i.procPath(), string(name), dest)
	})
}

func (p *Passthrough) ListXattr(_ fuse.Context, inode uint64, size uint32) (fuse.XattrReply, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return fuse.XattrReply{}, err
	}
	return xattrCall(size, func(dest []byte) (int, error) {
		return unix.Listxattr(i.procPath(), dest)
	})
}

func (p *Passthrough) RemoveXattr(_ fuse.Context, inode uint64, name []byte) error {
	if p.opts.ReadOnly {
		return unix.EROFS
	}
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return err
	}
	return hostErr(unix.Removexattr(i.procPath(), string(name)))
}

func fileModeType(m fs.FileMode) uint32 {
	switch {
	case m.IsDir():
		return unix.DT_DIR
	case m&fs.ModeSymlink != 0:
		return unix.DT_LNK
	case m&fs.ModeNamedPipe != 0:
		return unix.DT_FIFO
	case m&fs.ModeSocket != 0:
		return unix.DT_SOCK
	case m&fs.ModeCharDevice != 0:
		return unix.DT_CHR
	case m&fs.ModeDevice != 0:
		return unix.DT_BLK
	}
	return unix.DT_REG
}

// OpenDir reads the whole listing up front; entries that vanish before
// they can be examined are skipped.
func (p *Passthrough) OpenDir(_ fuse.Context, inode uint64, _ uint32) (uint64, fuse.OpenOptions, error) {
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return 0, 0, err
	}
	f, err := os.Open(i.procPath())
	if err != nil {
		return 0, 0, hostErr(err)
	}
	defer f.Close()
	list, err := f.ReadDir(-1)
	if err != nil {
		return 0, 0, hostErr(err)
	}
	slices.SortFunc(list, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })

	ents := make([]fuse.DirEntry, 0, len(list)+2)
	add := func(name string, ino uint64, typ uint32) {
		ents = append(ents, fuse.DirEntry{
			Ino:    ino,
			Offset: uint64(len(ents) + 1),
			Type:   typ,
			Name:   []byte(name),
		})
	}
	add(".", i.key.ino, unix.DT_DIR)
	add("..", i.key.ino, unix.DT_DIR)
	for _, e := range list {
		info, err := e.Info()
		if err != nil {
			continue
		}
		var ino uint64
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			ino = st.Ino
		}
		add(e.Name(), ino, fileModeType(e.Type()))
	}
	fh := p.addHandle(&ptHandle{ino: inode, dir: ents})
	return fh, 0, nil
}

func (p *Passthrough) ReadDir(_ fuse.Context, inode, handle uint64, _ uint32, offset uint64) (fuse.DirectoryIterator, error) {
	h, err := p.handle(inode, handle)
	if err != nil {
		return nil, err
	}
	if h.file != nil {
		return nil, unix.ENOTDIR
	}
	var ents fuse.DirEntries
	if offset < uint64(len(h.dir)) {
		ents = slices.Clone(h.dir[offset:])
	}
	return &ents, nil
}

func (p *Passthrough) FsyncDir(_ fuse.Context, inode uint64, _ bool, handle uint64) error {
	_, err := p.handle(inode, handle)
	return err
}

func (p *Passthrough) ReleaseDir(_ fuse.Context, inode uint64, _ uint32, handle uint64) error {
	return p.release(inode, handle)
}

// Access checks mask against the caller's credentials rather than the
// daemon's.
func (p *Passthrough) Access(ctx fuse.Context, inode uint64, mask uint32) error {
	if mask&unix.W_OK != 0 && p.opts.ReadOnly {
		return unix.EROFS
	}
	p.fds.RLock()
	defer p.fds.RUnlock()

	i, err := p.inode(inode)
	if err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Fstat(i.fd, &st); err != nil {
		return hostErr(err)
	}
	if !permits(ctx, st.Mode, st.Uid, st.Gid, mask) {
		return unix.EACCES
	}
	return nil
}

func (p *Passthrough) CopyFileRange(_ fuse.Context, inodeSrc, handleSrc, offsetSrc, inodeDst, handleDst, offsetDst, length, flags uint64) (int, error) {
	src, err := p.fileHandle(inodeSrc, handleSrc)
	if err != nil {
		return 0, err
	}
	dst, err := p.fileHandle(inodeDst, handleDst)
	if err != nil {
		return 0, err
	}
	roff, woff := int64(offsetSrc), int64(offsetDst)
	n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(dst.Fd()), &woff, int(length), int(flags))
	if err != nil {
		return 0, hostErr(err)
	}
	return n, nil
}

// SetUpMapping maps part of an open file into the DAX window.
func (p *Passthrough) SetUpMapping(_ fuse.Context, inode, handle, fileOffset, memOffset uint64, size int, prot uint32, mapper fuse.Mapper) error {
	if mapper == nil {
		return unix.ENOSYS
	}
	f, err := p.fileHandle(inode, handle)
	if err != nil {
		return err
	}
	return mapper.Map(memOffset, size, int(f.Fd()), fileOffset, int(prot))
}

func (p *Passthrough) RemoveMapping(msgs []fuse.RemoveMappingOne, mapper fuse.Mapper) error {
	if mapper == nil {
		return unix.ENOSYS
	}
	for _, m := range msgs {
		if err := mapper.Unmap(m.Moffset, m.Len); err != nil {
			return err
		}
	}
	return nil
}

var _ fuse.FileSystem = (*Passthrough)(nil)
