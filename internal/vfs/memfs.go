package vfs

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/tinyrange/vdev/internal/fuse"
	"golang.org/x/sys/unix"
)

const (
	selinuxXattr = "security.selinux"
	maxXattrSize = 64 << 10
)

type memHandle struct {
	ino   uint64
	flags uint32
	dir   []fuse.DirEntry // stable listing for the lifetime of the handle
}

func (h *memHandle) readable() bool { return h.flags&unix.O_ACCMODE != unix.O_WRONLY }
func (h *memHandle) writable() bool { return h.flags&unix.O_ACCMODE != unix.O_RDONLY }

// MemFS is a filesystem held entirely in memory.
type MemFS struct {
	fuse.Unimplemented

	opts Options

	mu      sync.Mutex
	nodes   map[uint64]*memNode
	handles map[uint64]*memHandle
	nextIno uint64
	nextFH  uint64
	used    uint64
}

// NewMemFS returns an empty filesystem whose root is owned by uid 0.
func NewMemFS(opts Options) *MemFS {
	m := &MemFS{
		opts:    opts.normalize(),
		nodes:   make(map[uint64]*memNode),
		handles: make(map[uint64]*memHandle),
		nextIno: fuse.RootID + 1,
		nextFH:  1,
	}
	root := newMemNode(fuse.RootID, unix.S_IFDIR|0o755, 0, 0)
	root.parent = fuse.RootID
	m.nodes[root.ino] = root
	return m
}

func (m *MemFS) MaxBufferSize() uint32 { return m.opts.MaxBufferSize }

func (m *MemFS) Init(capable fuse.FsOptions) (fuse.FsOptions, error) {
	return m.opts.want(capable, fuse.SecurityContext), nil
}

// Destroy drops every handle and kernel reference, as after an unmount.
func (m *MemFS) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.handles)
	for _, n := range m.nodes {
		n.lookups = 0
		n.opens = 0
		m.maybeDropLocked(n)
	}
}

func (m *MemFS) nodeLocked(ino uint64) (*memNode, error) {
	n, ok := m.nodes[ino]
	if !ok {
		return nil, unix.ENOENT
	}
	return n, nil
}

func (m *MemFS) dirLocked(ino uint64) (*memNode, error) {
	n, err := m.nodeLocked(ino)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, unix.ENOTDIR
	}
	return n, nil
}

// liveDirLocked is dirLocked for a directory that may gain entries. A
// removed directory that is still referenced cannot.
func (m *MemFS) liveDirLocked(ino uint64) (*memNode, error) {
	n, err := m.dirLocked(ino)
	if err != nil {
		return nil, err
	}
	if n.nlink == 0 {
		return nil, unix.ENOENT
	}
	return n, nil
}

func (m *MemFS) handleLocked(ino, fh uint64) (*memHandle, *memNode, error) {
	h, ok := m.handles[fh]
	if !ok || h.ino != ino {
		return nil, nil, unix.EBADF
	}
	n, err := m.nodeLocked(ino)
	if err != nil {
		return nil, nil, err
	}
	return h, n, nil
}

// entryLocked takes a kernel reference on n.
func (m *MemFS) entryLocked(n *memNode) fuse.Entry {
	n.lookups++
	return m.opts.entry(n.attr())
}

func (m *MemFS) maybeDropLocked(n *memNode) {
	if n.ino == fuse.RootID || n.nlink > 0 || n.lookups > 0 || n.opens > 0 {
		return
	}
	m.used -= uint64(len(n.data))
	delete(m.nodes, n.ino)
}

// reserveLocked accounts for delta bytes of file data.
func (m *MemFS) reserveLocked(delta int64) error {
	if delta > 0 && m.used+uint64(delta) > m.opts.Capacity {
		return unix.ENOSPC
	}
	m.used = uint64(int64(m.used) + delta)
	return nil
}

func (m *MemFS) newNodeLocked(ctx fuse.Context, parent *memNode, mode, umask uint32, secctx []byte) (*memNode, error) {
	if uint64(len(m.nodes)) >= m.opts.MaxInodes {
		return nil, unix.ENOSPC
	}
	perm := mode & modePermMask &^ (umask & 0o777)
	n := newMemNode(m.nextIno, mode&unix.S_IFMT|perm, ctx.UID, ctx.GID)
	m.nextIno++
	if parent.mode&modeSetgid != 0 {
		n.gid = parent.gid
		if n.isDir() {
			n.mode |= modeSetgid
		}
	}
	if len(secctx) > 0 {
		n.xattr = map[string][]byte{selinuxXattr: bytes.Clone(secctx)}
	}
	n.parent = parent.ino
	m.nodes[n.ino] = n
	return n, nil
}

// createLocked makes a new node called name inside parentIno.
func (m *MemFS) createLocked(ctx fuse.Context, parentIno uint64, name []byte, mode, umask uint32, secctx []byte) (*memNode, error) {
	if m.opts.ReadOnly {
		return nil, unix.EROFS
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	parent, err := m.liveDirLocked(parentIno)
	if err != nil {
		return nil, err
	}
	if _, exists := parent.children[string(name)]; exists {
		return nil, unix.EEXIST
	}
	n, err := m.newNodeLocked(ctx, parent, mode, umask, secctx)
	if err != nil {
		return nil, err
	}
	parent.children[string(name)] = n.ino
	if n.isDir() {
		parent.nlink++
	}
	parent.touchModified()
	return n, nil
}

func (m *MemFS) Lookup(_ fuse.Context, parent uint64, name []byte) (fuse.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkName(name); err != nil {
		return fuse.Entry{}, err
	}
	dir, err := m.dirLocked(parent)
	if err != nil {
		return fuse.Entry{}, err
	}
	ino, ok := dir.children[string(name)]
	if !ok {
		return fuse.Entry{}, unix.ENOENT
	}
	return m.entryLocked(m.nodes[ino]), nil
}

func (m *MemFS) Forget(_ fuse.Context, inode uint64, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(inode, count)
}

func (m *MemFS) BatchForget(_ fuse.Context, requests []fuse.ForgetOne) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range requests {
		m.forgetLocked(r.NodeID, r.Nlookup)
	}
}

func (m *MemFS) forgetLocked(inode, count uint64) {
	n, ok := m.nodes[inode]
	if !ok {
		return
	}
	n.lookups -= min(count, n.lookups)
	m.maybeDropLocked(n)
}

func (m *MemFS) GetAttr(_ fuse.Context, inode uint64, _ *uint64) (fuse.Attr, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeLocked(inode)
	if err != nil {
		return fuse.Attr{}, 0, err
	}
	return n.attr(), m.opts.AttrTimeout, nil
}

func (m *MemFS) SetAttr(_ fuse.Context, inode uint64, attr fuse.Attr, _ *uint64, valid fuse.SetattrValid) (fuse.Attr, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.ReadOnly {
		return fuse.Attr{}, 0, unix.EROFS
	}
	n, err := m.nodeLocked(inode)
	if err != nil {
		return fuse.Attr{}, 0, err
	}

	if valid&fuse.SetattrSize != 0 {
		switch {
		case n.isDir():
			return fuse.Attr{}, 0, unix.EISDIR
		case !n.isRegular():
			return fuse.Attr{}, 0, unix.EINVAL
		case attr.Size > m.opts.Capacity:
			return fuse.Attr{}, 0, unix.EFBIG
		}
		if err := m.reserveLocked(int64(attr.Size) - int64(len(n.data))); err != nil {
			return fuse.Attr{}, 0, err
		}
		n.resize(attr.Size)
		n.dropPrivileges()
		n.touchModified()
	}
	if valid&(fuse.SetattrUID|fuse.SetattrGID) != 0 {
		if valid&fuse.SetattrUID != 0 {
			n.uid = attr.UID
		}
		if valid&fuse.SetattrGID != 0 {
			n.gid = attr.GID
		}
		if !n.isDir() && valid&fuse.SetattrMode == 0 {
			n.mode &^= modeSetuid | modeSetgid
		}
	}
	if valid&fuse.SetattrMode != 0 {
		n.mode = n.mode&unix.S_IFMT | attr.Mode&modePermMask
	}
	if valid&fuse.SetattrAtime != 0 {
		n.atime = setattrTime(valid&fuse.SetattrAtimeNow != 0, attr.Atime, attr.AtimeNsec)
	}
	if valid&fuse.SetattrMtime != 0 {
		n.mtime = setattrTime(valid&fuse.SetattrMtimeNow != 0, attr.Mtime, attr.MtimeNsec)
	}
	if valid&fuse.SetattrCtime != 0 {
		n.ctime = time.Unix(int64(attr.Ctime), int64(attr.CtimeNsec))
	} else {
		n.touchChanged()
	}
	return n.attr(), m.opts.AttrTimeout, nil
}

func (m *MemFS) Readlink(_ fuse.Context, inode uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeLocked(inode)
	if err != nil {
		return nil, err
	}
	if !n.isSymlink() {
		return nil, unix.EINVAL
	}
	return bytes.Clone(n.target), nil
}

func (m *MemFS) Symlink(ctx fuse.Context, linkname []byte, parent uint64, name []byte, secctx []byte) (fuse.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(linkname) == 0 || len(linkname) >= unix.PathMax {
		return fuse.Entry{}, unix.ENAMETOOLONG
	}
	n, err := m.createLocked(ctx, parent, name, unix.S_IFLNK|0o777, 0, secctx)
	if err != nil {
		return fuse.Entry{}, err
	}
	n.target = bytes.Clone(linkname)
	return m.entryLocked(n), nil
}

func (m *MemFS) Mknod(ctx fuse.Context, parent uint64, name []byte, mode, rdev, umask uint32, secctx []byte) (fuse.Entry, error) {
	switch mode & unix.S_IFMT {
	case 0:
		mode |= unix.S_IFREG
	case unix.S_IFREG, unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
	default:
		return fuse.Entry{}, unix.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.createLocked(ctx, parent, name, mode, umask, secctx)
	if err != nil {
		return fuse.Entry{}, err
	}
	n.rdev = rdev
	return m.entryLocked(n), nil
}

func (m *MemFS) Mkdir(ctx fuse.Context, parent uint64, name []byte, mode, umask uint32, secctx []byte) (fuse.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.createLocked(ctx, parent, name, unix.S_IFDIR|mode&modePermMask, umask, secctx)
	if err != nil {
		return fuse.Entry{}, err
	}
	return m.entryLocked(n), nil
}

// ChromeOsTmpfile creates an anonymous regular file, like O_TMPFILE. It
// lives until the kernel forgets it.
func (m *MemFS) ChromeOsTmpfile(ctx fuse.Context, parent uint64, mode, umask uint32, secctx []byte) (fuse.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.ReadOnly {
		return fuse.Entry{}, unix.EROFS
	}
	dir, err := m.dirLocked(parent)
	if err != nil {
		return fuse.Entry{}, err
	}
	n, err := m.newNodeLocked(ctx, dir, unix.S_IFREG|mode&modePermMask, umask, secctx)
	if err != nil {
		return fuse.Entry{}, err
	}
	n.nlink = 0
	return m.entryLocked(n), nil
}

func (m *MemFS) removeLocked(parentIno uint64, name []byte, dir bool) error {
	if m.opts.ReadOnly {
		return unix.EROFS
	}
	if err := checkName(name); err != nil {
		return err
	}
	parent, err := m.dirLocked(parentIno)
	if err != nil {
		return err
	}
	ino, ok := parent.children[string(name)]
	if !ok {
		return unix.ENOENT
	}
	n := m.nodes[ino]
	switch {
	case dir && !n.isDir():
		return unix.ENOTDIR
	case !dir && n.isDir():
		return unix.EISDIR
	case dir && len(n.children) > 0:
		return unix.ENOTEMPTY
	}

	delete(parent.children, string(name))
	m.unlinkNodeLocked(parent, n)
	parent.touchModified()
	m.maybeDropLocked(n)
	return nil
}

// unlinkNodeLocked drops one name of n held by parent.
func (m *MemFS) unlinkNodeLocked(parent, n *memNode) {
	if n.isDir() {
		n.nlink = 0
		parent.nlink--
	} else {
		n.nlink--
	}
	n.touchChanged()
}

func (m *MemFS) Unlink(_ fuse.Context, parent uint64, name []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(parent, name, false)
}

func (m *MemFS) Rmdir(_ fuse.Context, parent uint64, name []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(parent, name, true)
}

// isAncestorLocked reports whether dir anc is ino or one of its parents.
func (m *MemFS) isAncestorLocked(anc, ino uint64) bool {
	for cur := ino; ; {
		if cur == anc {
			return true
		}
		n, ok := m.nodes[cur]
		if !ok || cur == fuse.RootID {
			return false
		}
		cur = n.parent
	}
}

// moveLocked records that directory entry n moved from one parent to
// another.
func moveLocked(n, from, to *memNode) {
	n.parent = to.ino
	if n.isDir() && from != to {
		from.nlink--
		to.nlink++
	}
	n.touchChanged()
}

func (m *MemFS) Rename(_ fuse.Context, olddir uint64, oldname []byte, newdir uint64, newname []byte, flags uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	const supported = unix.RENAME_NOREPLACE | unix.RENAME_EXCHANGE
	if flags&^supported != 0 || flags == supported {
		return unix.EINVAL
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}
	if err := checkName(oldname); err != nil {
		return err
	}
	if err := checkName(newname); err != nil {
		return err
	}
	src, err := m.dirLocked(olddir)
	if err != nil {
		return err
	}
	dst, err := m.liveDirLocked(newdir)
	if err != nil {
		return err
	}
	srcIno, ok := src.children[string(oldname)]
	if !ok {
		return unix.ENOENT
	}
	node := m.nodes[srcIno]
	dstIno, exists := dst.children[string(newname)]

	switch {
	case flags&unix.RENAME_EXCHANGE != 0 && !exists:
		return unix.ENOENT
	case flags&unix.RENAME_NOREPLACE != 0 && exists:
		return unix.EEXIST
	case exists && dstIno == srcIno:
		return nil
	case node.isDir() && m.isAncestorLocked(srcIno, dst.ino):
		return unix.EINVAL
	}

	if flags&unix.RENAME_EXCHANGE != 0 {
		target := m.nodes[dstIno]
		if target.isDir() && m.isAncestorLocked(dstIno, src.ino) {
			return unix.EINVAL
		}
		src.children[string(oldname)] = dstIno
		dst.children[string(newname)] = srcIno
		moveLocked(node, src, dst)
		moveLocked(target, dst, src)
		src.touchModified()
		dst.touchModified()
		return nil
	}

	var target *memNode
	if exists {
		target = m.nodes[dstIno]
		switch {
		case node.isDir() && !target.isDir():
			return unix.ENOTDIR
		case !node.isDir() && target.isDir():
			return unix.EISDIR
		case target.isDir() && len(target.children) > 0:
			return unix.ENOTEMPTY
		}
		m.unlinkNodeLocked(dst, target)
	}
	delete(src.children, string(oldname))
	dst.children[string(newname)] = srcIno
	moveLocked(node, src, dst)
	src.touchModified()
	dst.touchModified()
	if target != nil {
		m.maybeDropLocked(target)
	}
	return nil
}

func (m *MemFS) Link(_ fuse.Context, inode uint64, newparent uint64, newname []byte) (fuse.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.ReadOnly {
		return fuse.Entry{}, unix.EROFS
	}
	if err := checkName(newname); err != nil {
		return fuse.Entry{}, err
	}
	n, err := m.nodeLocked(inode)
	if err != nil {
		return fuse.Entry{}, err
	}
	if n.isDir() {
		return fuse.Entry{}, unix.EPERM
	}
	parent, err := m.liveDirLocked(newparent)
	if err != nil {
		return fuse.Entry{}, err
	}
	if _, exists := parent.children[string(newname)]; exists {
		return fuse.Entry{}, unix.EEXIST
	}
	parent.children[string(newname)] = n.ino
	n.nlink++
	n.touchChanged()
	parent.touchModified()
	return m.entryLocked(n), nil
}

func (m *MemFS) openLocked(n *memNode, flags uint32) (uint64, error) {
	if n.isDir() {
		return 0, unix.EISDIR
	}
	h := &memHandle{ino: n.ino, flags: flags}
	if h.writable() {
		if m.opts.ReadOnly {
			return 0, unix.EROFS
		}
		if flags&unix.O_TRUNC != 0 && n.isRegular() {
			m.used -= uint64(len(n.data))
			n.resize(0)
			n.dropPrivileges()
			n.touchModified()
		}
	}
	fh := m.nextFH
	m.nextFH++
	m.handles[fh] = h
	n.opens++
	return fh, nil
}

func (m *MemFS) Open(_ fuse.Context, inode uint64, flags uint32) (uint64, fuse.OpenOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeLocked(inode)
	if err != nil {
		return 0, 0, err
	}
	fh, err := m.openLocked(n, flags)
	return fh, 0, err
}

// Create opens name, creating it first unless it exists. O_EXCL turns an
// existing name into EEXIST.
func (m *MemFS) Create(ctx fuse.Context, parent uint64, name []byte, mode, flags, umask uint32, secctx []byte) (fuse.Entry, uint64, fuse.OpenOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkName(name); err != nil {
		return fuse.Entry{}, 0, 0, err
	}
	dir, err := m.dirLocked(parent)
	if err != nil {
		return fuse.Entry{}, 0, 0, err
	}
	var n *memNode
	if ino, exists := dir.children[string(name)]; exists {
		if flags&unix.O_EXCL != 0 {
			return fuse.Entry{}, 0, 0, unix.EEXIST
		}
		n = m.nodes[ino]
	} else {
		n, err = m.createLocked(ctx, parent, name, unix.S_IFREG|mode&modePermMask, umask, secctx)
		if err != nil {
			return fuse.Entry{}, 0, 0, err
		}
	}
	fh, err := m.openLocked(n, flags)
	if err != nil {
		m.maybeDropLocked(n)
		return fuse.Entry{}, 0, 0, err
	}
	return m.entryLocked(n), fh, 0, nil
}

func (m *MemFS) AtomicOpen(ctx fuse.Context, parent uint64, name []byte, mode, flags, umask uint32, secctx []byte) (fuse.Entry, uint64, fuse.OpenOptions, error) {
	return m.Create(ctx, parent, name, mode, flags, umask, secctx)
}

func (m *MemFS) Read(_ fuse.Context, inode, handle uint64, w io.Writer, size uint32, offset uint64, _ *uint64, _ uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, n, err := m.handleLocked(inode, handle)
	if err != nil {
		return 0, err
	}
	if !h.readable() {
		return 0, unix.EBADF
	}
	n.atime = time.Now()
	return w.Write(n.readAt(offset, size))
}

func (m *MemFS) Write(ctx fuse.Context, inode, handle uint64, r io.Reader, size uint32, offset uint64, _ *uint64, _ bool, _ uint32) (int, error) {
	buf := make([]byte, size)
	got, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, n, err := m.handleLocked(inode, handle)
	if err != nil {
		return 0, err
	}
	if !h.writable() {
		return 0, unix.EBADF
	}
	if h.flags&unix.O_APPEND != 0 {
		offset = uint64(len(n.data))
	}
	if err := m.writeLocked(ctx, n, offset, buf[:got]); err != nil {
		return 0, err
	}
	return got, nil
}

func (m *MemFS) writeLocked(ctx fuse.Context, n *memNode, offset uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	end := offset + uint64(len(p))
	if end < offset || end > m.opts.Capacity {
		return unix.EFBIG
	}
	if end > uint64(len(n.data)) {
		if err := m.reserveLocked(int64(end) - int64(len(n.data))); err != nil {
			return err
		}
		n.resize(end)
	}
	n.writeAt(offset, p)
	if ctx.UID != 0 {
		n.dropPrivileges()
	}
	n.touchModified()
	return nil
}

func (m *MemFS) Flush(_ fuse.Context, inode, handle, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.handleLocked(inode, handle)
	return err
}

func (m *MemFS) Fsync(_ fuse.Context, inode uint64, _ bool, handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.handleLocked(inode, handle)
	return err
}

func (m *MemFS) Fallocate(ctx fuse.Context, inode, handle uint64, mode uint32, offset, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, n, err := m.handleLocked(inode, handle)
	if err != nil {
		return err
	}
	if !h.writable() {
		return unix.EBADF
	}
	if !n.isRegular() {
		return unix.ENODEV
	}
	end := offset + length
	if length == 0 || end < offset {
		return unix.EINVAL
	}

	switch mode {
	case 0:
		if end <= uint64(len(n.data)) {
			return nil
		}
		if end > m.opts.Capacity {
			return unix.EFBIG
		}
		if err := m.reserveLocked(int64(end) - int64(len(n.data))); err != nil {
			return err
		}
		n.resize(end)
		n.touchModified()
	case unix.FALLOC_FL_KEEP_SIZE:
	case unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE:
		if offset < uint64(len(n.data)) {
			clear(n.data[offset:min(end, uint64(len(n.data)))])
			n.touchModified()
		}
	default:
		return unix.EOPNOTSUPP
	}
	return nil
}

func (m *MemFS) Release(_ fuse.Context, inode uint64, _ uint32, handle uint64, _, _ bool, _ *uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(inode, handle)
}

func (m *MemFS) releaseLocked(inode, handle uint64) error {
	_, n, err := m.handleLocked(inode, handle)
	if err != nil {
		return err
	}
	delete(m.handles, handle)
	n.opens--
	m.maybeDropLocked(n)
	return nil
}

func (m *MemFS) StatFS(fuse.Context, uint64) (fuse.Kstatfs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := (m.opts.Capacity - m.used) / blockSize
	return fuse.Kstatfs{
		Blocks:  m.opts.Capacity / blockSize,
		Bfree:   free,
		Bavail:  free,
		Files:   m.opts.MaxInodes,
		Ffree:   m.opts.MaxInodes - uint64(len(m.nodes)),
		Bsize:   blockSize,
		Namelen: maxNameLen,
		Frsize:  blockSize,
	}, nil
}

func (m *MemFS) SetXattr(_ fuse.Context, inode uint64, name, value []byte, flags uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.ReadOnly {
		return unix.EROFS
	}
	switch {
	case len(name) == 0:
		return unix.EINVAL
	case len(name) > maxNameLen:
		return unix.ERANGE
	case len(value) > maxXattrSize:
		return unix.E2BIG
	}
	n, err := m.nodeLocked(inode)
	if err != nil {
		return err
	}
	_, exists := n.xattr[string(name)]
	switch {
	case flags&unix.XATTR_CREATE != 0 && exists:
		return unix.EEXIST
	case flags&unix.XATTR_REPLACE != 0 && !exists:
		return unix.ENODATA
	}
	if n.xattr == nil {
		n.xattr = make(map[string][]byte)
	}
	n.xattr[string(name)] = bytes.Clone(value)
	n.touchChanged()
	return nil
}

// xattrReply answers a get/list request for value given the caller's
// buffer size.
func xattrReply(value []byte, size uint32) (fuse.XattrReply, error) {
	switch {
	case size == 0:
		return fuse.XattrReply{Size: uint32(len(value)), SizeOnly: true}, nil
	case uint32(len(value)) > size:
		return fuse.XattrReply{}, unix.ERANGE
	}
	return fuse.XattrReply{Value: value, Size: uint32(len(value))}, nil
}

func (m *MemFS) GetXattr(_ fuse.Context, inode uint64, name []byte, size uint32) (fuse.XattrReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeLocked(inode)
	if err != nil {
		return fuse.XattrReply{}, err
	}
	v, ok := n.xattr[string(name)]
	if !ok {
		return fuse.XattrReply{}, unix.ENODATA
	}
	return xattrReply(bytes.Clone(v), size)
}

func (m *MemFS) ListXattr(_ fuse.Context, inode uint64, size uint32) (fuse.XattrReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeLocked(inode)
	if err != nil {
		return fuse.XattrReply{}, err
	}
	names := make([]string, 0, len(n.xattr))
	for k := range n.xattr {
		names = append(names, k)
	}
	slices.Sort(names)
	var list []byte
	for _, k := range names {
		list = append(list, k...)
		list = append(list, 0)
	}
	return xattrReply(list, size)
}

func (m *MemFS) RemoveXattr(_ fuse.Context, inode uint64, name []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.ReadOnly {
		return unix.EROFS
	}
	n, err := m.nodeLocked(inode)
	if err != nil {
		return err
	}
	if _, ok := n.xattr[string(name)]; !ok {
		return unix.ENODATA
	}
	delete(n.xattr, string(name))
	n.touchChanged()
	return nil
}

// OpenDir captures the directory listing. Later changes to the directory
// are not visible through the handle.
func (m *MemFS) OpenDir(_ fuse.Context, inode uint64, flags uint32) (uint64, fuse.OpenOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, err := m.dirLocked(inode)
	if err != nil {
		return 0, 0, err
	}
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	slices.Sort(names)

	ents := make([]fuse.DirEntry, 0, len(names)+2)
	add := func(name string, n *memNode) {
		ents = append(ents, fuse.DirEntry{
			Ino:    n.ino,
			Offset: uint64(len(ents) + 1),
			Type:   direntType(n.mode),
			Name:   []byte(name),
		})
	}
	add(".", dir)
	add("..", m.nodes[dir.parent])
	for _, name := range names {
		add(name, m.nodes[dir.children[name]])
	}

	fh := m.nextFH
	m.nextFH++
	m.handles[fh] = &memHandle{ino: inode, flags: flags, dir: ents}
	dir.opens++
	return fh, 0, nil
}

func (m *MemFS) ReadDir(_ fuse.Context, inode, handle uint64, _ uint32, offset uint64) (fuse.DirectoryIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, _, err := m.handleLocked(inode, handle)
	if err != nil {
		return nil, err
	}
	if h.dir == nil {
		return nil, unix.ENOTDIR
	}
	var ents fuse.DirEntries
	if offset < uint64(len(h.dir)) {
		ents = slices.Clone(h.dir[offset:])
	}
	return &ents, nil
}

func (m *MemFS) FsyncDir(_ fuse.Context, inode uint64, _ bool, handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.handleLocked(inode, handle)
	return err
}

func (m *MemFS) ReleaseDir(_ fuse.Context, inode uint64, _ uint32, handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(inode, handle)
}

func (m *MemFS) Access(ctx fuse.Context, inode uint64, mask uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeLocked(inode)
	if err != nil {
		return err
	}
	if mask&unix.W_OK != 0 && m.opts.ReadOnly {
		return unix.EROFS
	}
	if !n.canAccess(ctx, mask) {
		return unix.EACCES
	}
	return nil
}

func (m *MemFS) CopyFileRange(ctx fuse.Context, inodeSrc, handleSrc, offsetSrc, inodeDst, handleDst, offsetDst, length, flags uint64) (int, error) {
	if flags != 0 {
		return 0, unix.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hs, src, err := m.handleLocked(inodeSrc, handleSrc)
	if err != nil {
		return 0, err
	}
	hd, dst, err := m.handleLocked(inodeDst, handleDst)
	if err != nil {
		return 0, err
	}
	if !hs.readable() || !hd.writable() {
		return 0, unix.EBADF
	}
	if !src.isRegular() || !dst.isRegular() {
		return 0, unix.EINVAL
	}
	n := uint32(min(length, uint64(m.opts.MaxBufferSize)))
	p := bytes.Clone(src.readAt(offsetSrc, n))
	if err := m.writeLocked(ctx, dst, offsetDst, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

var _ fuse.FileSystem = (*MemFS)(nil)
