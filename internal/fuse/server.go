package fuse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Features this server supports regardless of what the backend asks for.
const serverSupported = AsyncRead | ParallelDirops | BigWrites | AutoInvalData |
	HandleKillpriv | AsyncDio | HasIoctlDir | DoReaddirplus | ReaddirplusAuto |
	AtomicOTrunc | MaxPages | MapAlignment | InitExt

// Server decodes FUSE requests and dispatches them to a FileSystem.
// HandleMessage may be called concurrently from several connections.
type Server struct {
	fs       FileSystem
	pageSize int
	buffers  sync.Pool

	enabled  atomic.Uint64
	requests atomic.Uint64
	failures atomic.Uint64
}

// Stats is a snapshot of server counters.
type Stats struct {
	Requests uint64
	Errors   uint64
	Options  FsOptions
}

// NewServer returns a server dispatching to fs.
func NewServer(fs FileSystem) *Server {
	return &Server{fs: fs, pageSize: unix.Getpagesize()}
}

// Stats returns request counters and the negotiated options.
func (s *Server) Stats() Stats {
	return Stats{
		Requests: s.requests.Load(),
		Errors:   s.failures.Load(),
		Options:  FsOptions(s.enabled.Load()),
	}
}

// HandleMessage consumes one request from r and writes its reply to w.
// Malformed requests are answered with an error reply; the returned error
// is non-nil only when the request header cannot be read or the reply
// cannot be written.
func (s *Server) HandleMessage(r io.Reader, w Writer, mapper Mapper) (int, error) {
	var hdr InHeader
	if err := readStruct(r, &hdr); err != nil {
		return 0, err
	}
	s.requests.Add(1)
	op := Opcode(hdr.Opcode)
	slog.Debug("fuse: request", "opcode", op, "unique", hdr.Unique, "nodeid", hdr.NodeID, "len", hdr.Len)

	if uint64(hdr.Len) > InHeaderSize+writeInSize+uint64(s.fs.MaxBufferSize()) {
		return s.replyError(unix.ENOMEM, hdr.Unique, w)
	}

	n, err := s.dispatch(&hdr, r, w, mapper)
	if err == nil {
		return n, nil
	}
	var rerr *ReplyError
	if errors.As(err, &rerr) {
		return n, err
	}
	slog.Debug("fuse: malformed request", "opcode", op, "unique", hdr.Unique, "err", err)
	if noReply(op) {
		s.failures.Add(1)
		return 0, nil
	}
	return s.replyError(decodeErrno(err), hdr.Unique, w)
}

func noReply(op Opcode) bool {
	switch op {
	case OpForget, OpBatchForget, OpInterrupt, OpDestroy:
		return true
	}
	return false
}

func (s *Server) dispatch(h *InHeader, r io.Reader, w Writer, mapper Mapper) (int, error) {
	switch Opcode(h.Opcode) {
	case OpLookup:
		return s.lookup(h, r, w)
	case OpForget:
		return s.forget(h, r)
	case OpGetattr:
		return s.getattr(h, r, w)
	case OpSetattr:
		return s.setattr(h, r, w)
	case OpReadlink:
		return s.readlink(h, w)
	case OpSymlink:
		return s.symlink(h, r, w)
	case OpMknod:
		return s.mknod(h, r, w)
	case OpMkdir:
		return s.mkdir(h, r, w)
	case OpUnlink:
		return s.unlink(h, r, w)
	case OpRmdir:
		return s.rmdir(h, r, w)
	case OpRename:
		return s.rename(h, r, w)
	case OpLink:
		return s.link(h, r, w)
	case OpOpen:
		return s.open(h, r, w)
	case OpRead:
		return s.read(h, r, w)
	case OpWrite:
		return s.write(h, r, w)
	case OpStatfs:
		return s.statfs(h, w)
	case OpRelease:
		return s.release(h, r, w)
	case OpFsync:
		return s.fsync(h, r, w)
	case OpSetxattr:
		return s.setxattr(h, r, w)
	case OpGetxattr:
		return s.getxattr(h, r, w)
	case OpListxattr:
		return s.listxattr(h, r, w)
	case OpRemovexattr:
		return s.removexattr(h, r, w)
	case OpFlush:
		return s.flush(h, r, w)
	case OpInit:
		return s.init(h, r, w)
	case OpOpendir:
		return s.opendir(h, r, w)
	case OpReaddir:
		return s.readdir(h, r, w, false)
	case OpReaddirplus:
		return s.readdir(h, r, w, true)
	case OpReleasedir:
		return s.releasedir(h, r, w)
	case OpFsyncdir:
		return s.fsyncdir(h, r, w)
	case OpGetlk:
		return s.replyOnlyOnError(h, w, s.fs.GetLk())
	case OpSetlk:
		return s.replyOnlyOnError(h, w, s.fs.SetLk())
	case OpSetlkw:
		return s.replyOnlyOnError(h, w, s.fs.SetLkw())
	case OpAccess:
		return s.access(h, r, w)
	case OpCreate:
		return s.create(h, r, w, false)
	case OpOpenAtomic:
		return s.create(h, r, w, true)
	case OpInterrupt:
		return 0, nil
	case OpBmap:
		return s.replyOnlyOnError(h, w, s.fs.Bmap())
	case OpDestroy:
		s.fs.Destroy()
		return 0, nil
	case OpIoctl:
		return s.ioctl(h, r, w)
	case OpPoll:
		return s.replyOnlyOnError(h, w, s.fs.Poll())
	case OpNotifyReply:
		return s.replyOnlyOnError(h, w, s.fs.NotifyReply())
	case OpBatchForget:
		return s.batchForget(h, r, w)
	case OpFallocate:
		return s.fallocate(h, r, w)
	case OpRename2:
		return s.rename2(h, r, w)
	case OpLseek:
		return s.replyOnlyOnError(h, w, s.fs.Lseek())
	case OpCopyFileRange:
		return s.copyFileRange(h, r, w)
	case OpChromeOsTmpfile:
		return s.chromeOsTmpfile(h, r, w)
	case OpSetUpMapping:
		return s.setUpMapping(h, r, w, mapper)
	case OpRemoveMapping:
		return s.removeMapping(h, r, w, mapper)
	default:
		return s.replyError(unix.ENOSYS, h.Unique, w)
	}
}

func (s *Server) lookup(h *InHeader, r io.Reader, w Writer) (int, error) {
	name, err := readName(h, r)
	if err != nil {
		return 0, err
	}
	entry, err := s.fs.Lookup(contextFromHeader(h), h.NodeID, name)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry))
}

func (s *Server) forget(h *InHeader, r io.Reader) (int, error) {
	var in ForgetIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	s.fs.Forget(contextFromHeader(h), h.NodeID, in.Nlookup)
	return 0, nil
}

func (s *Server) getattr(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in GetattrIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	var handle *uint64
	if in.Flags&getattrFh != 0 {
		handle = &in.Fh
	}
	attr, timeout, err := s.fs.GetAttr(contextFromHeader(h), h.NodeID, handle)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, newAttrOut(attr, timeout))
}

func (s *Server) setattr(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in SetattrIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	var handle *uint64
	if SetattrValid(in.Valid)&setattrFh != 0 {
		handle = &in.Fh
	}
	attr := Attr{
		Size:      in.Size,
		Atime:     in.Atime,
		Mtime:     in.Mtime,
		Ctime:     in.Ctime,
		AtimeNsec: in.AtimeNsec,
		MtimeNsec: in.MtimeNsec,
		CtimeNsec: in.CtimeNsec,
		Mode:      in.Mode,
		UID:       in.UID,
		GID:       in.GID,
	}
	valid := SetattrValid(in.Valid) &^ setattrFh
	out, timeout, err := s.fs.SetAttr(contextFromHeader(h), h.NodeID, attr, handle, valid)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, newAttrOut(out, timeout))
}

func (s *Server) readlink(h *InHeader, w Writer) (int, error) {
	target, err := s.fs.Readlink(contextFromHeader(h), h.NodeID)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, nil, target)
}

func (s *Server) symlink(h *InHeader, r io.Reader, w Writer) (int, error) {
	buf, err := readTrailing(h, r)
	if err != nil {
		return 0, err
	}
	// name and link target follow each other, each NUL terminated.
	parts, used, err := splitCStrings(buf, 2)
	if err != nil {
		return 0, err
	}
	secctx, err := parseSelinuxXattr(buf[used:])
	if err != nil {
		return 0, err
	}
	entry, err := s.fs.Symlink(contextFromHeader(h), parts[1], h.NodeID, parts[0], secctx)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry))
}

func (s *Server) mknod(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in MknodIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	name, secctx, err := readNameAndSecctx(h, r, structSize(&in))
	if err != nil {
		return 0, err
	}
	entry, err := s.fs.Mknod(contextFromHeader(h), h.NodeID, name, in.Mode, in.Rdev, in.Umask, secctx)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry))
}

func (s *Server) mkdir(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in MkdirIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	name, secctx, err := readNameAndSecctx(h, r, structSize(&in))
	if err != nil {
		return 0, err
	}
	entry, err := s.fs.Mkdir(contextFromHeader(h), h.NodeID, name, in.Mode, in.Umask, secctx)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry))
}

func (s *Server) chromeOsTmpfile(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in ChromeOsTmpfileIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	buf, err := readTrailing(h, r, structSize(&in))
	if err != nil {
		return 0, err
	}
	secctx, err := parseSelinuxXattr(buf)
	if err != nil {
		return 0, err
	}
	entry, err := s.fs.ChromeOsTmpfile(contextFromHeader(h), h.NodeID, in.Mode, in.Umask, secctx)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry))
}

func (s *Server) unlink(h *InHeader, r io.Reader, w Writer) (int, error) {
	name, err := readName(h, r)
	if err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.Unlink(contextFromHeader(h), h.NodeID, name))
}

func (s *Server) rmdir(h *InHeader, r io.Reader, w Writer) (int, error) {
	name, err := readName(h, r)
	if err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.Rmdir(contextFromHeader(h), h.NodeID, name))
}

func (s *Server) rename(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in RenameIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	return s.doRename(h, r, w, structSize(&in), in.Newdir, 0)
}

func (s *Server) rename2(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in Rename2In
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	flags := in.Flags & (renameExchange | renameNoReplace)
	return s.doRename(h, r, w, structSize(&in), in.Newdir, flags)
}

func (s *Server) doRename(h *InHeader, r io.Reader, w Writer, fixed int, newdir uint64, flags uint32) (int, error) {
	buf, err := readTrailing(h, r, fixed)
	if err != nil {
		return 0, err
	}
	split := bytes.IndexByte(buf, 0)
	if split < 0 {
		return 0, ErrMissingParameter
	}
	oldname, err := cString(buf[:split+1])
	if err != nil {
		return 0, err
	}
	newname, err := cString(buf[split+1:])
	if err != nil {
		return 0, err
	}
	err = s.fs.Rename(contextFromHeader(h), h.NodeID, oldname, newdir, newname, flags)
	return s.replyStatus(h, w, err)
}

func (s *Server) link(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in LinkIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	buf, err := readTrailing(h, r, structSize(&in))
	if err != nil {
		return 0, err
	}
	name, err := cString(buf)
	if err != nil {
		return 0, err
	}
	entry, err := s.fs.Link(contextFromHeader(h), in.OldNodeID, h.NodeID, name)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry))
}

func (s *Server) open(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in OpenIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	handle, opts, err := s.fs.Open(contextFromHeader(h), h.NodeID, in.Flags)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, OpenOut{Fh: handle, OpenFlags: uint32(opts)})
}

func (s *Server) read(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in ReadIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	if in.Size > s.fs.MaxBufferSize() {
		return s.replyError(unix.ENOMEM, h.Unique, w)
	}
	var owner *uint64
	if in.ReadFlags&readLockOwner != 0 {
		owner = &in.LockOwner
	}

	count, err := w.WriteAt(OutHeaderSize, func(sub Writer) (int, error) {
		return s.fs.Read(contextFromHeader(h), h.NodeID, in.Fh, sub, in.Size, in.Offset, owner, in.Flags)
	})
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyWithLength(w, h.Unique, count)
}

func (s *Server) write(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in WriteIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	if in.Size > s.fs.MaxBufferSize() {
		return s.replyError(unix.ENOMEM, h.Unique, w)
	}
	var owner *uint64
	if in.WriteFlags&writeLockOwner != 0 {
		owner = &in.LockOwner
	}
	delayed := in.WriteFlags&writeCache != 0

	data := io.LimitReader(r, int64(in.Size))
	count, err := s.fs.Write(contextFromHeader(h), h.NodeID, in.Fh, data, in.Size, in.Offset, owner, delayed, in.Flags)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, WriteOut{Size: uint32(count)})
}

func (s *Server) statfs(h *InHeader, w Writer) (int, error) {
	st, err := s.fs.StatFS(contextFromHeader(h), h.NodeID)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, st)
}

func (s *Server) release(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in ReleaseIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	flush := in.ReleaseFlags&releaseFlush != 0
	flockRelease := in.ReleaseFlags&releaseFlockUnlck != 0
	var owner *uint64
	if flush || flockRelease {
		owner = &in.LockOwner
	}
	err := s.fs.Release(contextFromHeader(h), h.NodeID, in.Flags, in.Fh, flush, flockRelease, owner)
	return s.replyStatus(h, w, err)
}

func (s *Server) fsync(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in FsyncIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	datasync := in.FsyncFlags&fsyncDataSync != 0
	return s.replyStatus(h, w, s.fs.Fsync(contextFromHeader(h), h.NodeID, datasync, in.Fh))
}

func (s *Server) setxattr(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in SetxattrIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	fixed := structSize(&in)
	if FsOptions(s.enabled.Load()).Contains(SetxattrExt) {
		// The extended request carries setxattr_flags and padding.
		var ext [2]uint32
		if err := readStruct(r, &ext); err != nil {
			return 0, err
		}
		fixed += structSize(&ext)
	}
	buf, err := readTrailing(h, r, fixed)
	if err != nil {
		return 0, err
	}
	split := bytes.IndexByte(buf, 0)
	if split < 0 {
		return 0, ErrMissingParameter
	}
	rawName, value := buf[:split+1], buf[split+1:]
	if uint64(in.Size) != uint64(len(value)) {
		return 0, invalidXattrSize(in.Size, len(value))
	}
	name, err := cString(rawName)
	if err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.SetXattr(contextFromHeader(h), h.NodeID, name, value, in.Flags))
}

func (s *Server) getxattr(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in GetxattrIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	buf, err := readTrailing(h, r, structSize(&in))
	if err != nil {
		return 0, err
	}
	if in.Size > s.fs.MaxBufferSize() {
		return s.replyError(unix.ENOMEM, h.Unique, w)
	}
	name, err := cString(buf)
	if err != nil {
		return 0, err
	}
	reply, err := s.fs.GetXattr(contextFromHeader(h), h.NodeID, name, in.Size)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyXattr(w, h.Unique, reply)
}

func (s *Server) listxattr(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in GetxattrIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	if in.Size > s.fs.MaxBufferSize() {
		return s.replyError(unix.ENOMEM, h.Unique, w)
	}
	reply, err := s.fs.ListXattr(contextFromHeader(h), h.NodeID, in.Size)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyXattr(w, h.Unique, reply)
}

func replyXattr(w Writer, unique uint64, reply XattrReply) (int, error) {
	if reply.SizeOnly {
		return replyOK(w, unique, GetxattrOut{Size: reply.Size})
	}
	return replyOK(w, unique, nil, reply.Value)
}

func (s *Server) removexattr(h *InHeader, r io.Reader, w Writer) (int, error) {
	name, err := readName(h, r)
	if err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.RemoveXattr(contextFromHeader(h), h.NodeID, name))
}

func (s *Server) flush(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in FlushIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.Flush(contextFromHeader(h), h.NodeID, in.Fh, in.LockOwner))
}

func (s *Server) init(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in InitIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}

	if in.Major < KernelVersion {
		slog.Error("fuse: unsupported protocol version", "major", in.Major, "minor", in.Minor)
		return s.replyError(unix.EPROTO, h.Unique, w)
	}
	if in.Major > KernelVersion {
		// The kernel retries with a 7.x INIT after seeing our version.
		return replyOK(w, h.Unique, InitOut{Major: KernelVersion, Minor: KernelMinorVersion})
	}
	if in.Minor < OldestSupportedKernelMinorVersion {
		slog.Error("fuse: unsupported protocol minor version", "major", in.Major, "minor", in.Minor)
		return s.replyError(unix.EPROTO, h.Unique, w)
	}

	var ext InitInExt
	if FsOptions(in.Flags).Contains(InitExt) {
		if err := readStruct(r, &ext); err != nil {
			return 0, err
		}
	}
	capable := FsOptions(in.Flags) | FsOptions(ext.Flags2)<<32

	want, err := s.fs.Init(capable)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	enabled := capable & (want | serverSupported)
	if enabled.Contains(WritebackCache) {
		enabled &^= HandleKillpriv
	}
	if enabled.Contains(ZeroMessageOpen) {
		enabled &^= AtomicOTrunc
	}
	s.enabled.Store(uint64(enabled))

	maxWrite := s.fs.MaxBufferSize()
	out := InitOut{
		Major:               KernelVersion,
		Minor:               KernelMinorVersion,
		MaxReadahead:        in.MaxReadahead,
		Flags:               uint32(enabled),
		MaxBackground:       math.MaxUint16,
		CongestionThreshold: (math.MaxUint16 / 4) * 3,
		MaxWrite:            maxWrite,
		TimeGran:            1,
		MaxPages:            maxPagesFor(in.MaxReadahead, maxWrite, s.pageSize),
		MapAlignment:        uint16(bits.TrailingZeros(uint(s.pageSize))),
		Flags2:              uint32(enabled >> 32),
	}
	slog.Debug("fuse: init", "capable", fmt.Sprintf("%#x", uint64(capable)), "enabled", fmt.Sprintf("%#x", uint64(enabled)))
	return replyOK(w, h.Unique, out)
}

func maxPagesFor(maxReadahead, maxWrite uint32, pageSize int) uint16 {
	pages := max(maxReadahead, maxWrite) / uint32(pageSize)
	return uint16(min(pages, math.MaxUint16))
}

func (s *Server) opendir(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in OpenIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	handle, opts, err := s.fs.OpenDir(contextFromHeader(h), h.NodeID, in.Flags)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, OpenOut{Fh: handle, OpenFlags: uint32(opts)})
}

func (s *Server) readdir(h *InHeader, r io.Reader, w Writer, plus bool) (int, error) {
	var in ReadIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	if in.Size > s.fs.MaxBufferSize() || !w.HasSufficientBuffer(in.Size) {
		return s.replyError(unix.ENOMEM, h.Unique, w)
	}

	ctx := contextFromHeader(h)
	total, err := w.WriteAt(OutHeaderSize, func(cursor Writer) (int, error) {
		entries, err := s.fs.ReadDir(ctx, h.NodeID, in.Fh, in.Size, in.Offset)
		if err != nil {
			return 0, err
		}
		if plus {
			return s.packDirentsPlus(ctx, h.NodeID, cursor, int(in.Size), entries)
		}
		return packDirents(cursor, int(in.Size), entries)
	})
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyWithLength(w, h.Unique, total)
}

func packDirents(w Writer, size int, entries DirectoryIterator) (int, error) {
	written := 0
	for {
		d, ok := entries.Next()
		if !ok {
			return written, nil
		}
		n, err := addDirent(w, max(size-written, 0), &d, nil)
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, nil
		}
		written += n
	}
}

// packDirentsPlus packs entries with their attributes. Every inode looked
// up for an entry that does not make it into the reply is forgotten again
// so the backend's lookup counts stay balanced.
func (s *Server) packDirentsPlus(ctx Context, parent uint64, w Writer, size int, entries DirectoryIterator) (int, error) {
	written := 0
	for {
		d, ok := entries.Next()
		if !ok {
			return written, nil
		}
		entry, err := s.direntEntry(ctx, parent, &d)
		n := 0
		if err == nil {
			n, err = addDirent(w, max(size-written, 0), &d, &entry)
		}
		switch {
		case err != nil:
			s.forgetEntry(ctx, entry)
			if written == 0 {
				return 0, err
			}
			return written, nil
		case n == 0:
			s.forgetEntry(ctx, entry)
			return written, nil
		}
		written += n
	}
}

func (s *Server) direntEntry(ctx Context, parent uint64, d *DirEntry) (Entry, error) {
	if bytes.Equal(d.Name, []byte(".")) || bytes.Equal(d.Name, []byte("..")) {
		return Entry{Attr: Attr{Ino: d.Ino, Mode: d.Type}}, nil
	}
	return s.fs.Lookup(ctx, parent, d.Name)
}

func (s *Server) forgetEntry(ctx Context, e Entry) {
	if e.Inode != 0 {
		s.fs.Forget(ctx, e.Inode, 1)
	}
}

func (s *Server) releasedir(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in ReleaseIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.ReleaseDir(contextFromHeader(h), h.NodeID, in.Flags, in.Fh))
}

func (s *Server) fsyncdir(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in FsyncIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	datasync := in.FsyncFlags&fsyncDataSync != 0
	return s.replyStatus(h, w, s.fs.FsyncDir(contextFromHeader(h), h.NodeID, datasync, in.Fh))
}

func (s *Server) access(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in AccessIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	return s.replyStatus(h, w, s.fs.Access(contextFromHeader(h), h.NodeID, in.Mask))
}

func (s *Server) create(h *InHeader, r io.Reader, w Writer, openAtomic bool) (int, error) {
	var in CreateIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	name, secctx, err := readNameAndSecctx(h, r, structSize(&in))
	if err != nil {
		return 0, err
	}
	create := s.fs.Create
	if openAtomic {
		create = s.fs.AtomicOpen
	}
	entry, handle, opts, err := create(contextFromHeader(h), h.NodeID, name, in.Mode, in.Flags, in.Umask, secctx)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	var open bytes.Buffer
	if err := writeStruct(&open, OpenOut{Fh: handle, OpenFlags: uint32(opts)}); err != nil {
		return 0, encodeErr(err)
	}
	return replyOK(w, h.Unique, NewEntryOut(entry), open.Bytes())
}

func (s *Server) ioctl(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in IoctlIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	reply, err := s.fs.Ioctl(contextFromHeader(h), h.NodeID, in.Fh, IoctlFlags(in.Flags), in.Cmd, in.Arg, in.InSize, in.OutSize, r)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	if reply.Retry {
		return retryIoctl(w, h.Unique, reply.In, reply.Out)
	}
	return finishIoctl(w, h.Unique, reply)
}

func retryIoctl(w Writer, unique uint64, in, out []IoctlIovec) (int, error) {
	if len(in)+len(out) > IoctlMaxIov {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyIovecs, len(in)+len(out), IoctlMaxIov)
	}
	var iovs bytes.Buffer
	for _, iov := range append(append([]IoctlIovec(nil), in...), out...) {
		if err := writeStruct(&iovs, iov); err != nil {
			return 0, encodeErr(err)
		}
	}
	res := IoctlOut{
		Flags:   uint32(IoctlRetry),
		InIovs:  uint32(len(in)),
		OutIovs: uint32(len(out)),
	}
	return replyOK(w, unique, res, iovs.Bytes())
}

func finishIoctl(w Writer, unique uint64, reply IoctlReply) (int, error) {
	if reply.Result != nil {
		return replyOK(w, unique, IoctlOut{Result: -int32(errnoOf(reply.Result))})
	}
	return replyOK(w, unique, IoctlOut{}, reply.Data)
}

func (s *Server) batchForget(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in BatchForgetIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	size := uint64(in.Count) * forgetOneSize
	if size > math.MaxInt {
		return s.replyError(unix.EOVERFLOW, h.Unique, w)
	}
	if size > uint64(s.fs.MaxBufferSize()) {
		return s.replyError(unix.ENOMEM, h.Unique, w)
	}

	requests := make([]ForgetOne, in.Count)
	for i := range requests {
		if err := readStruct(r, &requests[i]); err != nil {
			return 0, err
		}
	}
	s.fs.BatchForget(contextFromHeader(h), requests)
	return 0, nil
}

func (s *Server) fallocate(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in FallocateIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	err := s.fs.Fallocate(contextFromHeader(h), h.NodeID, in.Fh, in.Mode, in.Offset, in.Length)
	return s.replyStatus(h, w, err)
}

func (s *Server) copyFileRange(h *InHeader, r io.Reader, w Writer) (int, error) {
	var in CopyFileRangeIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	count, err := s.fs.CopyFileRange(contextFromHeader(h), h.NodeID, in.FhSrc, in.OffSrc,
		in.NodeIDDst, in.FhDst, in.OffDst, in.Len, in.Flags)
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, WriteOut{Size: uint32(count)})
}

func (s *Server) setUpMapping(h *InHeader, r io.Reader, w Writer, mapper Mapper) (int, error) {
	var in SetUpMappingIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	var prot uint32
	if in.Flags&setUpMappingRead != 0 {
		prot |= unix.PROT_READ
	}
	if in.Flags&setUpMappingWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if in.Len > math.MaxInt {
		return s.replyError(unix.EOVERFLOW, h.Unique, w)
	}
	err := s.fs.SetUpMapping(contextFromHeader(h), h.NodeID, in.Fh, in.Foffset, in.Moffset, int(in.Len), prot, mapper)
	if err != nil {
		slog.Error("fuse: set up mapping failed", "nodeid", h.NodeID, "err", err)
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, nil)
}

func (s *Server) removeMapping(h *InHeader, r io.Reader, w Writer, mapper Mapper) (int, error) {
	var in RemoveMappingIn
	if err := readStruct(r, &in); err != nil {
		return 0, err
	}
	maxEntries := uint32(s.pageSize / removeMapOneSize)
	if in.Count > maxEntries {
		return s.replyError(unix.EINVAL, h.Unique, w)
	}
	msgs := make([]RemoveMappingOne, in.Count)
	for i := range msgs {
		if err := readStruct(r, &msgs[i]); err != nil {
			return 0, err
		}
	}
	return s.replyStatus(h, w, s.fs.RemoveMapping(msgs, mapper))
}

// Request body helpers.

func readTrailing(h *InHeader, r io.Reader, fixed ...int) ([]byte, error) {
	n, err := trailingLen(h, fixed...)
	if err != nil {
		return nil, err
	}
	return readBytes(r, n)
}

func readName(h *InHeader, r io.Reader) ([]byte, error) {
	buf, err := readTrailing(h, r)
	if err != nil {
		return nil, err
	}
	return cString(buf)
}

func readNameAndSecctx(h *InHeader, r io.Reader, fixed int) ([]byte, []byte, error) {
	buf, err := readTrailing(h, r, fixed)
	if err != nil {
		return nil, nil, err
	}
	parts, used, err := splitCStrings(buf, 1)
	if err != nil {
		return nil, nil, err
	}
	secctx, err := parseSelinuxXattr(buf[used:])
	if err != nil {
		return nil, nil, err
	}
	return parts[0], secctx, nil
}

// Reply helpers.

func (s *Server) replyStatus(h *InHeader, w Writer, err error) (int, error) {
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return replyOK(w, h.Unique, nil)
}

func (s *Server) replyOnlyOnError(h *InHeader, w Writer, err error) (int, error) {
	if err != nil {
		return s.replyFsError(err, h.Unique, w)
	}
	return 0, nil
}

func (s *Server) replyFsError(err error, unique uint64, w Writer) (int, error) {
	return s.replyError(errnoOf(err), unique, w)
}

func (s *Server) replyError(errno unix.Errno, unique uint64, w Writer) (int, error) {
	s.failures.Add(1)
	hdr := OutHeader{Len: OutHeaderSize, Error: -int32(errno), Unique: unique}
	if err := writeStruct(w, hdr); err != nil {
		return 0, encodeErr(err)
	}
	if err := w.Flush(); err != nil {
		return 0, flushErr(err)
	}
	return OutHeaderSize, nil
}

// replyOK writes a success header followed by out (when non-nil) and data.
func replyOK(w Writer, unique uint64, out any, data ...[]byte) (int, error) {
	length := OutHeaderSize + structSize(out)
	for _, d := range data {
		length += len(d)
	}
	if err := writeStruct(w, OutHeader{Len: uint32(length), Unique: unique}); err != nil {
		return 0, encodeErr(err)
	}
	written := OutHeaderSize
	if out != nil {
		if err := writeStruct(w, out); err != nil {
			return 0, encodeErr(err)
		}
		written += structSize(out)
	}
	for _, d := range data {
		n, err := w.Write(d)
		written += n
		if err != nil {
			return 0, encodeErr(err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, flushErr(err)
	}
	assertReplyLength(length, written)
	return length, nil
}

// replyWithLength backfills the header for a payload already placed after
// it through WriteAt.
func replyWithLength(w Writer, unique uint64, payload int) (int, error) {
	hdr := OutHeader{Len: uint32(OutHeaderSize + payload), Unique: unique}
	if err := writeStruct(w, hdr); err != nil {
		return 0, encodeErr(err)
	}
	if err := w.Flush(); err != nil {
		return 0, flushErr(err)
	}
	return int(hdr.Len), nil
}

func assertReplyLength(declared, written int) {
	if declared != written {
		panic(fmt.Sprintf("fuse: reply length %d does not match %d bytes written", declared, written))
	}
}
