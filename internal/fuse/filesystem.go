package fuse

import (
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultMaxBufferSize is the read/write/readdir payload ceiling used by
// backends that embed Unimplemented.
const DefaultMaxBufferSize = 1 << 20

// RootID is the node id the kernel uses for the mount root.
const RootID = 1

// Context carries the credentials of the process that issued a request.
type Context struct {
	UID uint32
	GID uint32
	PID uint32
}

func contextFromHeader(h *InHeader) Context {
	return Context{UID: h.UID, GID: h.GID, PID: h.PID}
}

// Entry is the result of resolving a name. Inode 0 is a negative entry:
// the name is known not to exist and no lookup count is taken.
type Entry struct {
	Inode        uint64
	Generation   uint64
	Attr         Attr
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// DirEntry is one record produced by a directory iterator.
type DirEntry struct {
	Ino    uint64
	Offset uint64
	Type   uint32
	Name   []byte
}

// DirectoryIterator yields the entries for a single readdir call.
type DirectoryIterator interface {
	Next() (DirEntry, bool)
}

// DirEntries is a DirectoryIterator over a slice.
type DirEntries []DirEntry

func (d *DirEntries) Next() (DirEntry, bool) {
	if len(*d) == 0 {
		return DirEntry{}, false
	}
	e := (*d)[0]
	*d = (*d)[1:]
	return e, true
}

// XattrReply answers getxattr and listxattr. When the request size was
// zero the backend only reports how large the value is.
type XattrReply struct {
	Value    []byte
	Size     uint32
	SizeOnly bool
}

// IoctlReply is either a request to retry with the given iovecs or the
// final result of the ioctl.
type IoctlReply struct {
	Retry  bool
	In     []IoctlIovec
	Out    []IoctlIovec
	Data   []byte
	Result error
}

// Mapper installs file mappings into the DAX window shared with the guest.
type Mapper interface {
	Map(memOffset uint64, size int, fd int, fileOffset uint64, prot int) error
	Unmap(offset, size uint64) error
}

// FileSystem is the backend the server dispatches to. Errors should carry
// an errno (unix.Errno); anything else is reported to the peer as EIO.
type FileSystem interface {
	// MaxBufferSize bounds read, write, readdir and xattr payloads.
	MaxBufferSize() uint32

	// Init receives the features the kernel supports and returns the
	// features the backend wants enabled.
	Init(capable FsOptions) (FsOptions, error)
	Destroy()

	Lookup(ctx Context, parent uint64, name []byte) (Entry, error)
	Forget(ctx Context, inode uint64, count uint64)
	BatchForget(ctx Context, requests []ForgetOne)

	GetAttr(ctx Context, inode uint64, handle *uint64) (Attr, time.Duration, error)
	SetAttr(ctx Context, inode uint64, attr Attr, handle *uint64, valid SetattrValid) (Attr, time.Duration, error)
	Readlink(ctx Context, inode uint64) ([]byte, error)

	Symlink(ctx Context, linkname []byte, parent uint64, name []byte, secctx []byte) (Entry, error)
	Mknod(ctx Context, parent uint64, name []byte, mode, rdev, umask uint32, secctx []byte) (Entry, error)
	Mkdir(ctx Context, parent uint64, name []byte, mode, umask uint32, secctx []byte) (Entry, error)
	ChromeOsTmpfile(ctx Context, parent uint64, mode, umask uint32, secctx []byte) (Entry, error)
	Unlink(ctx Context, parent uint64, name []byte) error
	Rmdir(ctx Context, parent uint64, name []byte) error
	Rename(ctx Context, olddir uint64, oldname []byte, newdir uint64, newname []byte, flags uint32) error
	Link(ctx Context, inode uint64, newparent uint64, newname []byte) (Entry, error)

	Open(ctx Context, inode uint64, flags uint32) (uint64, OpenOptions, error)
	Create(ctx Context, parent uint64, name []byte, mode, flags, umask uint32, secctx []byte) (Entry, uint64, OpenOptions, error)
	AtomicOpen(ctx Context, parent uint64, name []byte, mode, flags, umask uint32, secctx []byte) (Entry, uint64, OpenOptions, error)
	Read(ctx Context, inode, handle uint64, w io.Writer, size uint32, offset uint64, lockOwner *uint64, flags uint32) (int, error)
	Write(ctx Context, inode, handle uint64, r io.Reader, size uint32, offset uint64, lockOwner *uint64, delayedWrite bool, flags uint32) (int, error)
	Flush(ctx Context, inode, handle, lockOwner uint64) error
	Fsync(ctx Context, inode uint64, datasync bool, handle uint64) error
	Fallocate(ctx Context, inode, handle uint64, mode uint32, offset, length uint64) error
	Release(ctx Context, inode uint64, flags uint32, handle uint64, flush, flockRelease bool, lockOwner *uint64) error
	StatFS(ctx Context, inode uint64) (Kstatfs, error)

	SetXattr(ctx Context, inode uint64, name, value []byte, flags uint32) error
	GetXattr(ctx Context, inode uint64, name []byte, size uint32) (XattrReply, error)
	ListXattr(ctx Context, inode uint64, size uint32) (XattrReply, error)
	RemoveXattr(ctx Context, inode uint64, name []byte) error

	OpenDir(ctx Context, inode uint64, flags uint32) (uint64, OpenOptions, error)
	ReadDir(ctx Context, inode, handle uint64, size uint32, offset uint64) (DirectoryIterator, error)
	FsyncDir(ctx Context, inode uint64, datasync bool, handle uint64) error
	ReleaseDir(ctx Context, inode uint64, flags uint32, handle uint64) error
	Access(ctx Context, inode uint64, mask uint32) error

	Ioctl(ctx Context, inode, handle uint64, flags IoctlFlags, cmd uint32, arg uint64, inSize, outSize uint32, r io.Reader) (IoctlReply, error)
	GetLk() error
	SetLk() error
	SetLkw() error
	Bmap() error
	Poll() error
	NotifyReply() error
	Lseek() error
	CopyFileRange(ctx Context, inodeSrc, handleSrc, offsetSrc, inodeDst, handleDst, offsetDst, length, flags uint64) (int, error)

	SetUpMapping(ctx Context, inode, handle, fileOffset, memOffset uint64, size int, prot uint32, mapper Mapper) error
	RemoveMapping(msgs []RemoveMappingOne, mapper Mapper) error
}

// Unimplemented answers every operation with ENOSYS. Backends embed it and
// override what they support.
type Unimplemented struct{}

func (Unimplemented) MaxBufferSize() uint32             { return DefaultMaxBufferSize }
func (Unimplemented) Init(FsOptions) (FsOptions, error) { return 0, nil }
func (Unimplemented) Destroy()                          {}
func (Unimplemented) Lookup(Context, uint64, []byte) (Entry, error) {
	return Entry{}, unix.ENOSYS
}
func (Unimplemented) Forget(Context, uint64, uint64)   {}
func (Unimplemented) BatchForget(Context, []ForgetOne) {}
func (Unimplemented) GetAttr(Context, uint64, *uint64) (Attr, time.Duration, error) {
	return Attr{}, 0, unix.ENOSYS
}
func (Unimplemented) SetAttr(Context, uint64, Attr, *uint64, SetattrValid) (Attr, time.Duration, error) {
	return Attr{}, 0, unix.ENOSYS
}
func (Unimplemented) Readlink(Context, uint64) ([]byte, error) { return nil, unix.ENOSYS }
func (Unimplemented) Symlink(Context, []byte, uint64, []byte, []byte) (Entry, error) {
	return Entry{}, unix.ENOSYS
}
func (Unimplemented) Mknod(Context, uint64, []byte, uint32, uint32, uint32, []byte) (Entry, error) {
	return Entry{}, unix.ENOSYS
}
func (Unimplemented) Mkdir(Context, uint64, []byte, uint32, uint32, []byte) (Entry, error) {
	return Entry{}, unix.ENOSYS
}
func (Unimplemented) ChromeOsTmpfile(Context, uint64, uint32, uint32, []byte) (Entry, error) {
	return Entry{}, unix.ENOSYS
}
func (Unimplemented) Unlink(Context, uint64, []byte) error { return unix.ENOSYS }
func (Unimplemented) Rmdir(Context, uint64, []byte) error  { return unix.ENOSYS }
func (Unimplemented) Rename(Context, uint64, []byte, uint64, []byte, uint32) error {
	return unix.ENOSYS
}
func (Unimplemented) Link(Context, uint64, uint64, []byte) (Entry, error) {
	return Entry{}, unix.ENOSYS
}
func (Unimplemented) Open(Context, uint64, uint32) (uint64, OpenOptions, error) {
	return 0, 0, unix.ENOSYS
}
func (Unimplemented) Create(Context, uint64, []byte, uint32, uint32, uint32, []byte) (Entry, uint64, OpenOptions, error) {
	return Entry{}, 0, 0, unix.ENOSYS
}
func (Unimplemented) AtomicOpen(Context, uint64, []byte, uint32, uint32, uint32, []byte) (Entry, uint64, OpenOptions, error) {
	return Entry{}, 0, 0, unix.ENOSYS
}
func (Unimplemented) Read(Context, uint64, uint64, io.Writer, uint32, uint64, *uint64, uint32) (int, error) {
	return 0, unix.ENOSYS
}
func (Unimplemented) Write(Context, uint64, uint64, io.Reader, uint32, uint64, *uint64, bool, uint32) (int, error) {
	return 0, unix.ENOSYS
}
func (Unimplemented) Flush(Context, uint64, uint64, uint64) error { return unix.ENOSYS }
func (Unimplemented) Fsync(Context, uint64, bool, uint64) error   { return unix.ENOSYS }
func (Unimplemented) Fallocate(Context, uint64, uint64, uint32, uint64, uint64) error {
	return unix.ENOSYS
}
func (Unimplemented) Release(Context, uint64, uint32, uint64, bool, bool, *uint64) error {
	return unix.ENOSYS
}
func (Unimplemented) StatFS(Context, uint64) (Kstatfs, error) { return Kstatfs{}, unix.ENOSYS }
func (Unimplemented) SetXattr(Context, uint64, []byte, []byte, uint32) error {
	return unix.ENOSYS
}
func (Unimplemented) GetXattr(Context, uint64, []byte, uint32) (XattrReply, error) {
	return XattrReply{}, unix.ENOSYS
}
func (Unimplemented) ListXattr(Context, uint64, uint32) (XattrReply, error) {
	return XattrReply{}, unix.ENOSYS
}
func (Unimplemented) RemoveXattr(Context, uint64, []byte) error { return unix.ENOSYS }
func (Unimplemented) OpenDir(Context, uint64, uint32) (uint64, OpenOptions, error) {
	return 0, 0, unix.ENOSYS
}
func (Unimplemented) ReadDir(Context, uint64, uint64, uint32, uint64) (DirectoryIterator, error) {
	return nil, unix.ENOSYS
}
func (Unimplemented) FsyncDir(Context, uint64, bool, uint64) error     { return unix.ENOSYS }
func (Unimplemented) ReleaseDir(Context, uint64, uint32, uint64) error { return unix.ENOSYS }
func (Unimplemented) Access(Context, uint64, uint32) error             { return unix.ENOSYS }
func (Unimplemented) Ioctl(Context, uint64, uint64, IoctlFlags, uint32, uint64, uint32, uint32, io.Reader) (IoctlReply, error) {
	return IoctlReply{}, unix.ENOTTY
}
func (Unimplemented) GetLk() error       { return unix.ENOSYS }
func (Unimplemented) SetLk() error       { return unix.ENOSYS }
func (Unimplemented) SetLkw() error      { return unix.ENOSYS }
func (Unimplemented) Bmap() error        { return unix.ENOSYS }
func (Unimplemented) Poll() error        { return unix.ENOSYS }
func (Unimplemented) NotifyReply() error { return unix.ENOSYS }
func (Unimplemented) Lseek() error       { return unix.ENOSYS }
func (Unimplemented) CopyFileRange(Context, uint64, uint64, uint64, uint64, uint64, uint64, uint64, uint64) (int, error) {
	return 0, unix.ENOSYS
}
func (Unimplemented) SetUpMapping(Context, uint64, uint64, uint64, uint64, int, uint32, Mapper) error {
	return unix.ENOSYS
}
func (Unimplemented) RemoveMapping([]RemoveMappingOne, Mapper) error { return unix.ENOSYS }

var _ FileSystem = Unimplemented{}
