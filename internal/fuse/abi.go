package fuse

import (
	"math"
	"time"
)

// Protocol version spoken by the server.
const (
	KernelVersion                     = 7
	KernelMinorVersion                = 31
	OldestSupportedKernelMinorVersion = 27

	// MaxNrSecctx bounds the entry count of a security context block.
	// Larger counts belong to the generic request extension that shares
	// the header shape.
	MaxNrSecctx = 31

	// IoctlMaxIov is the maximum number of iovecs in an ioctl retry.
	IoctlMaxIov = 256
)

const selinuxXattrName = "security.selinux"

// Opcode identifies a FUSE request type.
type Opcode uint32

const (
	OpLookup          Opcode = 1
	OpForget          Opcode = 2
	OpGetattr         Opcode = 3
	OpSetattr         Opcode = 4
	OpReadlink        Opcode = 5
	OpSymlink         Opcode = 6
	OpMknod           Opcode = 8
	OpMkdir           Opcode = 9
	OpUnlink          Opcode = 10
	OpRmdir           Opcode = 11
	OpRename          Opcode = 12
	OpLink            Opcode = 13
	OpOpen            Opcode = 14
	OpRead            Opcode = 15
	OpWrite           Opcode = 16
	OpStatfs          Opcode = 17
	OpRelease         Opcode = 18
	OpFsync           Opcode = 20
	OpSetxattr        Opcode = 21
	OpGetxattr        Opcode = 22
	OpListxattr       Opcode = 23
	OpRemovexattr     Opcode = 24
	OpFlush           Opcode = 25
	OpInit            Opcode = 26
	OpOpendir         Opcode = 27
	OpReaddir         Opcode = 28
	OpReleasedir      Opcode = 29
	OpFsyncdir        Opcode = 30
	OpGetlk           Opcode = 31
	OpSetlk           Opcode = 32
	OpSetlkw          Opcode = 33
	OpAccess          Opcode = 34
	OpCreate          Opcode = 35
	OpInterrupt       Opcode = 36
	OpBmap            Opcode = 37
	OpDestroy         Opcode = 38
	OpIoctl           Opcode = 39
	OpPoll            Opcode = 40
	OpNotifyReply     Opcode = 41
	OpBatchForget     Opcode = 42
	OpFallocate       Opcode = 43
	OpReaddirplus     Opcode = 44
	OpRename2         Opcode = 45
	OpLseek           Opcode = 46
	OpCopyFileRange   Opcode = 47
	OpSetUpMapping    Opcode = 48
	OpRemoveMapping   Opcode = 49
	OpOpenAtomic      Opcode = math.MaxUint32 - 1
	OpChromeOsTmpfile Opcode = math.MaxUint32
)

var opcodeNames = map[Opcode]string{
	OpLookup:          "LOOKUP",
	OpForget:          "FORGET",
	OpGetattr:         "GETATTR",
	OpSetattr:         "SETATTR",
	OpReadlink:        "READLINK",
	OpSymlink:         "SYMLINK",
	OpMknod:           "MKNOD",
	OpMkdir:           "MKDIR",
	OpUnlink:          "UNLINK",
	OpRmdir:           "RMDIR",
	OpRename:          "RENAME",
	OpLink:            "LINK",
	OpOpen:            "OPEN",
	OpRead:            "READ",
	OpWrite:           "WRITE",
	OpStatfs:          "STATFS",
	OpRelease:         "RELEASE",
	OpFsync:           "FSYNC",
	OpSetxattr:        "SETXATTR",
	OpGetxattr:        "GETXATTR",
	OpListxattr:       "LISTXATTR",
	OpRemovexattr:     "REMOVEXATTR",
	OpFlush:           "FLUSH",
	OpInit:            "INIT",
	OpOpendir:         "OPENDIR",
	OpReaddir:         "READDIR",
	OpReleasedir:      "RELEASEDIR",
	OpFsyncdir:        "FSYNCDIR",
	OpGetlk:           "GETLK",
	OpSetlk:           "SETLK",
	OpSetlkw:          "SETLKW",
	OpAccess:          "ACCESS",
	OpCreate:          "CREATE",
	OpInterrupt:       "INTERRUPT",
	OpBmap:            "BMAP",
	OpDestroy:         "DESTROY",
	OpIoctl:           "IOCTL",
	OpPoll:            "POLL",
	OpNotifyReply:     "NOTIFY_REPLY",
	OpBatchForget:     "BATCH_FORGET",
	OpFallocate:       "FALLOCATE",
	OpReaddirplus:     "READDIRPLUS",
	OpRename2:         "RENAME2",
	OpLseek:           "LSEEK",
	OpCopyFileRange:   "COPY_FILE_RANGE",
	OpSetUpMapping:    "SETUPMAPPING",
	OpRemoveMapping:   "REMOVEMAPPING",
	OpOpenAtomic:      "OPEN_ATOMIC",
	OpChromeOsTmpfile: "CHROMEOS_TMPFILE",
}

// Known reports whether op is part of the supported opcode set.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// FsOptions are the feature flags exchanged during INIT. The low 32 bits
// travel in InitIn.Flags, the high 32 bits in InitInExt.Flags2.
type FsOptions uint64

const (
	AsyncRead          FsOptions = 1 << 0
	PosixLocks         FsOptions = 1 << 1
	FileOps            FsOptions = 1 << 2
	AtomicOTrunc       FsOptions = 1 << 3
	ExportSupport      FsOptions = 1 << 4
	BigWrites          FsOptions = 1 << 5
	DontMask           FsOptions = 1 << 6
	SpliceWrite        FsOptions = 1 << 7
	SpliceMove         FsOptions = 1 << 8
	SpliceRead         FsOptions = 1 << 9
	FlockLocks         FsOptions = 1 << 10
	HasIoctlDir        FsOptions = 1 << 11
	AutoInvalData      FsOptions = 1 << 12
	DoReaddirplus      FsOptions = 1 << 13
	ReaddirplusAuto    FsOptions = 1 << 14
	AsyncDio           FsOptions = 1 << 15
	WritebackCache     FsOptions = 1 << 16
	ZeroMessageOpen    FsOptions = 1 << 17
	ParallelDirops     FsOptions = 1 << 18
	HandleKillpriv     FsOptions = 1 << 19
	PosixACL           FsOptions = 1 << 20
	AbortError         FsOptions = 1 << 21
	MaxPages           FsOptions = 1 << 22
	CacheSymlinks      FsOptions = 1 << 23
	ZeroMessageOpendir FsOptions = 1 << 24
	ExplicitInvalData  FsOptions = 1 << 25
	MapAlignment       FsOptions = 1 << 26
	Submounts          FsOptions = 1 << 27
	HandleKillprivV2   FsOptions = 1 << 28
	SetxattrExt        FsOptions = 1 << 29
	InitExt            FsOptions = 1 << 30
	SecurityContext    FsOptions = 1 << 32
)

// Contains reports whether every bit of o2 is set in o.
func (o FsOptions) Contains(o2 FsOptions) bool { return o&o2 == o2 }

// Open reply flags.
type OpenOptions uint32

const (
	OpenDirectIO    OpenOptions = 1 << 0
	OpenKeepCache   OpenOptions = 1 << 1
	OpenNonseekable OpenOptions = 1 << 2
	OpenCacheDir    OpenOptions = 1 << 3
	OpenStream      OpenOptions = 1 << 4
)

// SetattrValid selects which fields of a SETATTR request apply.
type SetattrValid uint32

const (
	SetattrMode     SetattrValid = 1 << 0
	SetattrUID      SetattrValid = 1 << 1
	SetattrGID      SetattrValid = 1 << 2
	SetattrSize     SetattrValid = 1 << 3
	SetattrAtime    SetattrValid = 1 << 4
	SetattrMtime    SetattrValid = 1 << 5
	setattrFh       SetattrValid = 1 << 6
	SetattrAtimeNow SetattrValid = 1 << 7
	SetattrMtimeNow SetattrValid = 1 << 8
	SetattrCtime    SetattrValid = 1 << 10
	SetattrKillSuid SetattrValid = 1 << 11
)

// IoctlFlags are carried by IoctlIn.Flags and IoctlOut.Flags.
type IoctlFlags uint32

const (
	IoctlCompat       IoctlFlags = 1 << 0
	IoctlUnrestricted IoctlFlags = 1 << 1
	IoctlRetry        IoctlFlags = 1 << 2
	Ioctl32Bit        IoctlFlags = 1 << 3
	IoctlDir          IoctlFlags = 1 << 4
	IoctlCompatX32    IoctlFlags = 1 << 5
)

// Request flag bits.
const (
	getattrFh         = 1 << 0
	readLockOwner     = 1 << 1
	writeCache        = 1 << 0
	writeLockOwner    = 1 << 1
	writeKillPriv     = 1 << 2
	releaseFlush      = 1 << 0
	releaseFlockUnlck = 1 << 1
	fsyncDataSync     = 1 << 0

	setUpMappingRead  = 1 << 0
	setUpMappingWrite = 1 << 1

	renameNoReplace = 1 << 0
	renameExchange  = 1 << 1
)

// Wire structures. Field order and widths follow the kernel ABI; all
// values are little endian.

type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const (
	InHeaderSize  = 40
	OutHeaderSize = 16
)

// Attr is the kernel's fuse_attr.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Flags     uint32
}

type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type InitInExt struct {
	Flags2 uint32
	Unused [11]uint32
}

type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	MapAlignment        uint16
	Flags2              uint32
	Unused              [7]uint32
}

type ForgetIn struct {
	Nlookup uint64
}

type ForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

type BatchForgetIn struct {
	Count uint32
	Dummy uint32
}

type GetattrIn struct {
	Flags uint32
	Dummy uint32
	Fh    uint64
}

type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

type MknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
}

type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

type ChromeOsTmpfileIn struct {
	Mode  uint32
	Umask uint32
}

type RenameIn struct {
	Newdir uint64
}

type Rename2In struct {
	Newdir  uint64
	Flags   uint32
	Padding uint32
}

type LinkIn struct {
	OldNodeID uint64
}

type OpenIn struct {
	Flags     uint32
	OpenFlags uint32
}

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type CreateIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
}

type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

type WriteOut struct {
	Size    uint32
	Padding uint32
}

type Kstatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

type SetxattrIn struct {
	Size  uint32
	Flags uint32
}

type GetxattrIn struct {
	Size    uint32
	Padding uint32
}

type GetxattrOut struct {
	Size    uint32
	Padding uint32
}

type AccessIn struct {
	Mask    uint32
	Padding uint32
}

type FallocateIn struct {
	Fh      uint64
	Offset  uint64
	Length  uint64
	Mode    uint32
	Padding uint32
}

type CopyFileRangeIn struct {
	FhSrc     uint64
	OffSrc    uint64
	NodeIDDst uint64
	FhDst     uint64
	OffDst    uint64
	Len       uint64
	Flags     uint64
}

type SetUpMappingIn struct {
	Fh      uint64
	Foffset uint64
	Len     uint64
	Flags   uint64
	Moffset uint64
}

type RemoveMappingIn struct {
	Count uint32
}

type RemoveMappingOne struct {
	Moffset uint64
	Len     uint64
}

type IoctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
}

type IoctlIovec struct {
	Base uint64
	Len  uint64
}

type IoctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
}

type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

type SecctxHeader struct {
	Size     uint32
	NrSecctx uint32
}

type Secctx struct {
	Size    uint32
	Padding uint32
}

// Fixed wire sizes used in length arithmetic.
const (
	direntSize       = 24
	entryOutSize     = 128
	writeInSize      = 40
	forgetOneSize    = 16
	secctxHeaderSize = 8
	secctxSize       = 8
	removeMapOneSize = 16
	ioctlIovecSize   = 16
)

// NewEntryOut converts a backend Entry into its wire form.
func NewEntryOut(e Entry) EntryOut {
	return EntryOut{
		NodeID:         e.Inode,
		Generation:     e.Generation,
		EntryValid:     uint64(e.EntryTimeout / time.Second),
		AttrValid:      uint64(e.AttrTimeout / time.Second),
		EntryValidNsec: uint32(e.EntryTimeout % time.Second),
		AttrValidNsec:  uint32(e.AttrTimeout % time.Second),
		Attr:           e.Attr,
	}
}

func newAttrOut(attr Attr, timeout time.Duration) AttrOut {
	return AttrOut{
		AttrValid:     uint64(timeout / time.Second),
		AttrValidNsec: uint32(timeout % time.Second),
		Attr:          attr,
	}
}
