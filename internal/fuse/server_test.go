package fuse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// recordingFS answers from canned data and records the arguments it saw.
type recordingFS struct {
	Unimplemented

	maxBuf uint32
	want   FsOptions

	entries   map[string]Entry
	lookedUp  []string
	forgotten []uint64
	batch     []ForgetOne
	destroyed bool

	oldName, newName string
	newDir           uint64
	renameFlags      uint32
	linkname         string
	secctx           []byte

	xattrName  string
	xattrValue []byte
	xattr      XattrReply

	readData  []byte
	written   []byte
	delayed   bool
	lockOwner *uint64

	dir   []DirEntry
	ioctl IoctlReply
}

func (f *recordingFS) MaxBufferSize() uint32 {
	if f.maxBuf != 0 {
		return f.maxBuf
	}
	return DefaultMaxBufferSize
}

func (f *recordingFS) Init(FsOptions) (FsOptions, error) { return f.want, nil }
func (f *recordingFS) Destroy()                          { f.destroyed = true }

func (f *recordingFS) Lookup(_ Context, _ uint64, name []byte) (Entry, error) {
	f.lookedUp = append(f.lookedUp, string(name))
	e, ok := f.entries[string(name)]
	if !ok {
		return Entry{}, unix.ENOENT
	}
	return e, nil
}

func (f *recordingFS) Forget(_ Context, inode, _ uint64) { f.forgotten = append(f.forgotten, inode) }
func (f *recordingFS) BatchForget(_ Context, reqs []ForgetOne) {
	f.batch = append(f.batch, reqs...)
}

func (f *recordingFS) Rename(_ Context, _ uint64, oldname []byte, newdir uint64, newname []byte, flags uint32) error {
	f.oldName, f.newName, f.newDir, f.renameFlags = string(oldname), string(newname), newdir, flags
	return nil
}

func (f *recordingFS) Symlink(_ Context, linkname []byte, _ uint64, name []byte, secctx []byte) (Entry, error) {
	f.linkname, f.newName, f.secctx = string(linkname), string(name), secctx
	return Entry{Inode: 10}, nil
}

func (f *recordingFS) Create(_ Context, _ uint64, name []byte, _, _, _ uint32, secctx []byte) (Entry, uint64, OpenOptions, error) {
	f.newName, f.secctx = string(name), secctx
	return Entry{Inode: 11, EntryTimeout: 1500 * time.Millisecond}, 99, OpenKeepCache, nil
}

func (f *recordingFS) SetXattr(_ Context, _ uint64, name, value []byte, _ uint32) error {
	f.xattrName, f.xattrValue = string(name), value
	return nil
}

func (f *recordingFS) GetXattr(_ Context, _ uint64, name []byte, _ uint32) (XattrReply, error) {
	f.xattrName = string(name)
	return f.xattr, nil
}

func (f *recordingFS) Read(_ Context, _, _ uint64, w io.Writer, _ uint32, _ uint64, owner *uint64, _ uint32) (int, error) {
	f.lockOwner = owner
	return w.Write(f.readData)
}

func (f *recordingFS) Write(_ Context, _, _ uint64, r io.Reader, _ uint32, _ uint64, owner *uint64, delayed bool, _ uint32) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.written, f.delayed, f.lockOwner = data, delayed, owner
	return len(data), nil
}

func (f *recordingFS) ReadDir(Context, uint64, uint64, uint32, uint64) (DirectoryIterator, error) {
	entries := DirEntries(append([]DirEntry(nil), f.dir...))
	return &entries, nil
}

func (f *recordingFS) Ioctl(Context, uint64, uint64, IoctlFlags, uint32, uint64, uint32, uint32, io.Reader) (IoctlReply, error) {
	return f.ioctl, nil
}

func (f *recordingFS) GetLk() error { return nil }

const testUnique = 42

func makeRequest(op Opcode, nodeID uint64, body ...any) []byte {
	var payload bytes.Buffer
	for _, b := range body {
		switch v := b.(type) {
		case []byte:
			payload.Write(v)
		case string:
			payload.WriteString(v)
		default:
			if err := binary.Write(&payload, binary.LittleEndian, v); err != nil {
				panic(err)
			}
		}
	}
	hdr := InHeader{
		Len:    uint32(InHeaderSize + payload.Len()),
		Opcode: uint32(op),
		Unique: testUnique,
		NodeID: nodeID,
		UID:    1000,
		GID:    1000,
		PID:    7,
	}
	var req bytes.Buffer
	binary.Write(&req, binary.LittleEndian, hdr)
	req.Write(payload.Bytes())
	return req.Bytes()
}

func cstr(s string) []byte { return append([]byte(s), 0) }

// roundTrip runs one request and returns the reply header and payload.
func roundTrip(t *testing.T, s *Server, req []byte) (OutHeader, []byte) {
	t.Helper()
	w := NewBufferWriter(make([]byte, 64<<10))
	n, err := s.HandleMessage(bytes.NewReader(req), w, nil)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if n != w.Len() {
		t.Fatalf("HandleMessage returned %d, reply has %d bytes", n, w.Len())
	}
	if n == 0 {
		return OutHeader{}, nil
	}
	var out OutHeader
	if _, err := binary.Decode(w.Bytes(), binary.LittleEndian, &out); err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if int(out.Len) != n {
		t.Fatalf("reply header len=%d, reply has %d bytes", out.Len, n)
	}
	if out.Unique != testUnique {
		t.Fatalf("reply unique=%d want %d", out.Unique, testUnique)
	}
	return out, w.Bytes()[OutHeaderSize:]
}

func expectErrno(t *testing.T, out OutHeader, errno unix.Errno) {
	t.Helper()
	if out.Error != -int32(errno) {
		t.Fatalf("reply error=%d want %d (%v)", out.Error, -int32(errno), errno)
	}
	if out.Len != OutHeaderSize {
		t.Fatalf("error reply len=%d want %d", out.Len, OutHeaderSize)
	}
}

func decodeBody[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if _, err := binary.Decode(payload, binary.LittleEndian, &v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func TestUnknownOpcodeReturnsENOSYS(t *testing.T) {
	s := NewServer(&recordingFS{})
	out, _ := roundTrip(t, s, makeRequest(Opcode(1000), 1))
	expectErrno(t, out, unix.ENOSYS)
}

func TestUnimplementedOperationReturnsENOSYS(t *testing.T) {
	s := NewServer(&recordingFS{})
	out, _ := roundTrip(t, s, makeRequest(OpLseek, 1, make([]byte, 24)))
	expectErrno(t, out, unix.ENOSYS)
}

func TestOversizedMessageReturnsENOMEM(t *testing.T) {
	s := NewServer(&recordingFS{maxBuf: 4096})
	req := makeRequest(OpWrite, 1)
	binary.LittleEndian.PutUint32(req[0:4], InHeaderSize+writeInSize+4096+1)

	out, _ := roundTrip(t, s, req)
	expectErrno(t, out, unix.ENOMEM)
}

func TestHeaderShorterThanItself(t *testing.T) {
	fs := &recordingFS{}
	s := NewServer(fs)
	req := makeRequest(OpLookup, 1, cstr("name"))
	binary.LittleEndian.PutUint32(req[0:4], InHeaderSize-10)

	out, _ := roundTrip(t, s, req)
	expectErrno(t, out, unix.EINVAL)
	if len(fs.lookedUp) != 0 {
		t.Fatalf("backend called for malformed request: %v", fs.lookedUp)
	}
}

func TestLookupRejectsInvalidNames(t *testing.T) {
	for name, body := range map[string][]byte{
		"interior NUL":       []byte("a\x00b\x00"),
		"missing terminator": []byte("abc"),
		"empty":              nil,
	} {
		t.Run(name, func(t *testing.T) {
			fs := &recordingFS{}
			out, _ := roundTrip(t, NewServer(fs), makeRequest(OpLookup, 1, body))
			expectErrno(t, out, unix.EINVAL)
			if len(fs.lookedUp) != 0 {
				t.Fatalf("backend Lookup called with %q", fs.lookedUp)
			}
		})
	}
}

func TestLookupReplyEntry(t *testing.T) {
	fs := &recordingFS{entries: map[string]Entry{
		"file": {Inode: 5, Generation: 2, Attr: Attr{Ino: 5, Size: 100}, EntryTimeout: 2500 * time.Millisecond},
	}}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpLookup, 1, cstr("file")))
	if out.Error != 0 || out.Len != OutHeaderSize+entryOutSize {
		t.Fatalf("reply=%+v", out)
	}
	e := decodeBody[EntryOut](t, payload)
	if e.NodeID != 5 || e.Generation != 2 || e.Attr.Size != 100 {
		t.Fatalf("entry=%+v", e)
	}
	if e.EntryValid != 2 || e.EntryValidNsec != uint32(500*time.Millisecond) {
		t.Fatalf("entry timeout=%d.%09d want 2.5s", e.EntryValid, e.EntryValidNsec)
	}
}

func TestLookupBackendErrorIsReflected(t *testing.T) {
	out, _ := roundTrip(t, NewServer(&recordingFS{}), makeRequest(OpLookup, 1, cstr("nope")))
	expectErrno(t, out, unix.ENOENT)
}

func TestRenameSplitsNames(t *testing.T) {
	fs := &recordingFS{}
	out, _ := roundTrip(t, NewServer(fs), makeRequest(OpRename, 111, RenameIn{Newdir: 222}, cstr("from"), cstr("to")))
	if out.Error != 0 || out.Len != OutHeaderSize {
		t.Fatalf("reply=%+v", out)
	}
	if fs.oldName != "from" || fs.newName != "to" || fs.newDir != 222 || fs.renameFlags != 0 {
		t.Fatalf("rename args old=%q new=%q newdir=%d flags=%#x", fs.oldName, fs.newName, fs.newDir, fs.renameFlags)
	}
}

func TestRename2MasksFlags(t *testing.T) {
	fs := &recordingFS{}
	req := makeRequest(OpRename2, 1, Rename2In{Newdir: 2, Flags: 0xff}, cstr("a"), cstr("b"))
	out, _ := roundTrip(t, NewServer(fs), req)
	if out.Error != 0 {
		t.Fatalf("reply error=%d", out.Error)
	}
	if fs.renameFlags != renameExchange|renameNoReplace {
		t.Fatalf("flags=%#x want %#x", fs.renameFlags, renameExchange|renameNoReplace)
	}
}

func TestRenameWithoutSeparator(t *testing.T) {
	fs := &recordingFS{}
	out, _ := roundTrip(t, NewServer(fs), makeRequest(OpRename, 1, RenameIn{Newdir: 2}, "fromto"))
	expectErrno(t, out, unix.EINVAL)
	if fs.oldName != "" {
		t.Fatalf("backend Rename called")
	}
}

func TestSymlinkArgumentOrder(t *testing.T) {
	fs := &recordingFS{}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpSymlink, 1, cstr("link"), cstr("/target")))
	if out.Error != 0 {
		t.Fatalf("reply error=%d", out.Error)
	}
	if fs.newName != "link" || fs.linkname != "/target" || fs.secctx != nil {
		t.Fatalf("symlink name=%q target=%q secctx=%q", fs.newName, fs.linkname, fs.secctx)
	}
	if e := decodeBody[EntryOut](t, payload); e.NodeID != 10 {
		t.Fatalf("nodeid=%d want 10", e.NodeID)
	}
}

func TestCreateWithSecurityContext(t *testing.T) {
	fs := &recordingFS{}
	block := makeSecctx([]xattrPair{{selinuxXattrName, testSelinuxValue}}, 0)
	req := makeRequest(OpCreate, 1, CreateIn{Flags: unix.O_RDWR, Mode: 0o644, Umask: 0o22}, cstr("file"), block)

	out, payload := roundTrip(t, NewServer(fs), req)
	if out.Error != 0 || out.Len != OutHeaderSize+entryOutSize+16 {
		t.Fatalf("reply=%+v", out)
	}
	if fs.newName != "file" || string(fs.secctx) != testSelinuxValue {
		t.Fatalf("create name=%q secctx=%q", fs.newName, fs.secctx)
	}
	open := decodeBody[OpenOut](t, payload[entryOutSize:])
	if open.Fh != 99 || OpenOptions(open.OpenFlags) != OpenKeepCache {
		t.Fatalf("open=%+v", open)
	}
}

func TestCreateMalformedSecurityContext(t *testing.T) {
	fs := &recordingFS{}
	block := makeSecctx([]xattrPair{{selinuxXattrName, testSelinuxValue}}, 8)
	req := makeRequest(OpCreate, 1, CreateIn{Mode: 0o644}, cstr("file"), block)

	out, _ := roundTrip(t, NewServer(fs), req)
	expectErrno(t, out, unix.EINVAL)
	if fs.newName != "" {
		t.Fatalf("backend Create called")
	}
}

func TestSetxattrValueSize(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		fs := &recordingFS{}
		out, _ := roundTrip(t, NewServer(fs), makeRequest(OpSetxattr, 1, SetxattrIn{Size: 5}, cstr("user.x"), "hello"))
		if out.Error != 0 {
			t.Fatalf("reply error=%d", out.Error)
		}
		if fs.xattrName != "user.x" || string(fs.xattrValue) != "hello" {
			t.Fatalf("setxattr name=%q value=%q", fs.xattrName, fs.xattrValue)
		}
	})
	t.Run("mismatch", func(t *testing.T) {
		fs := &recordingFS{}
		out, _ := roundTrip(t, NewServer(fs), makeRequest(OpSetxattr, 1, SetxattrIn{Size: 4}, cstr("user.x"), "hello"))
		expectErrno(t, out, unix.EINVAL)
		if fs.xattrName != "" {
			t.Fatalf("backend SetXattr called")
		}
	})
	t.Run("no name terminator", func(t *testing.T) {
		fs := &recordingFS{}
		out, _ := roundTrip(t, NewServer(fs), makeRequest(OpSetxattr, 1, SetxattrIn{Size: 5}, "user.x"))
		expectErrno(t, out, unix.EINVAL)
	})
}

func TestGetxattrSizeOnly(t *testing.T) {
	fs := &recordingFS{xattr: XattrReply{Size: 12, SizeOnly: true}}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpGetxattr, 1, GetxattrIn{}, cstr("user.a")))
	if out.Error != 0 || out.Len != OutHeaderSize+8 {
		t.Fatalf("reply=%+v", out)
	}
	if got := decodeBody[GetxattrOut](t, payload); got.Size != 12 {
		t.Fatalf("size=%d want 12", got.Size)
	}
	if fs.xattrName != "user.a" {
		t.Fatalf("name=%q", fs.xattrName)
	}
}

func TestReadBackfillsHeader(t *testing.T) {
	fs := &recordingFS{readData: []byte("hello")}
	in := ReadIn{Fh: 1, Size: 5, ReadFlags: readLockOwner, LockOwner: 77}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpRead, 3, in))
	if out.Error != 0 || out.Len != OutHeaderSize+5 {
		t.Fatalf("reply=%+v", out)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload=%q", payload)
	}
	if fs.lockOwner == nil || *fs.lockOwner != 77 {
		t.Fatalf("lock owner=%v want 77", fs.lockOwner)
	}
}

func TestReadTooLarge(t *testing.T) {
	s := NewServer(&recordingFS{maxBuf: 4096})
	out, _ := roundTrip(t, s, makeRequest(OpRead, 3, ReadIn{Size: 4097}))
	expectErrno(t, out, unix.ENOMEM)
}

func TestWriteReportsCount(t *testing.T) {
	fs := &recordingFS{}
	in := WriteIn{Fh: 1, Size: 3, WriteFlags: writeCache}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpWrite, 3, in, "abc"))
	if out.Error != 0 {
		t.Fatalf("reply error=%d", out.Error)
	}
	if got := decodeBody[WriteOut](t, payload); got.Size != 3 {
		t.Fatalf("size=%d want 3", got.Size)
	}
	if string(fs.written) != "abc" || !fs.delayed || fs.lockOwner != nil {
		t.Fatalf("write data=%q delayed=%v owner=%v", fs.written, fs.delayed, fs.lockOwner)
	}
}

func TestReaddirPacksEntries(t *testing.T) {
	fs := &recordingFS{dir: []DirEntry{
		{Ino: 2, Offset: 1, Type: unix.DT_REG, Name: []byte("a")},
		{Ino: 3, Offset: 2, Type: unix.DT_DIR, Name: []byte("bcdefghij")},
	}}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpReaddir, 1, ReadIn{Fh: 1, Size: 4096}))
	if out.Error != 0 || out.Len != OutHeaderSize+32+40 {
		t.Fatalf("reply=%+v", out)
	}
	second := decodeBody[Dirent](t, payload[32:])
	if second.Ino != 3 || second.Off != 2 || second.Namelen != 9 || second.Type != unix.DT_DIR {
		t.Fatalf("second dirent=%+v", second)
	}
}

func TestReaddirStopsWhenFull(t *testing.T) {
	fs := &recordingFS{dir: []DirEntry{
		{Ino: 2, Name: []byte("a")},
		{Ino: 3, Name: []byte("b")},
	}}
	out, _ := roundTrip(t, NewServer(fs), makeRequest(OpReaddir, 1, ReadIn{Size: 40}))
	if out.Error != 0 || out.Len != OutHeaderSize+32 {
		t.Fatalf("reply=%+v", out)
	}
}

func TestReaddirInsufficientBuffer(t *testing.T) {
	s := NewServer(&recordingFS{})
	w := NewBufferWriter(make([]byte, 100))
	req := makeRequest(OpReaddir, 1, ReadIn{Size: 200})
	if _, err := s.HandleMessage(bytes.NewReader(req), w, nil); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	out := decodeBody[OutHeader](t, w.Bytes())
	if out.Error != -int32(unix.ENOMEM) {
		t.Fatalf("error=%d want ENOMEM", out.Error)
	}
}

func TestReaddirplusForgetsEntriesThatDoNotFit(t *testing.T) {
	fs := &recordingFS{
		entries: map[string]Entry{
			"a": {Inode: 2, Attr: Attr{Ino: 2}},
			"b": {Inode: 3, Attr: Attr{Ino: 3}},
		},
		dir: []DirEntry{
			{Ino: 1, Offset: 1, Type: unix.DT_DIR, Name: []byte(".")},
			{Ino: 2, Offset: 2, Type: unix.DT_REG, Name: []byte("a")},
			{Ino: 3, Offset: 3, Type: unix.DT_REG, Name: []byte("b")},
		},
	}
	// Each record is 128 bytes of entry plus a 32 byte dirent.
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpReaddirplus, 1, ReadIn{Size: 400}))
	if out.Error != 0 || out.Len != OutHeaderSize+2*160 {
		t.Fatalf("reply=%+v", out)
	}
	if len(fs.lookedUp) != 2 || fs.lookedUp[0] != "a" || fs.lookedUp[1] != "b" {
		t.Fatalf("lookups=%q, dot entries must not be looked up", fs.lookedUp)
	}
	if len(fs.forgotten) != 1 || fs.forgotten[0] != 3 {
		t.Fatalf("forgotten=%v want [3]", fs.forgotten)
	}

	dot := decodeBody[EntryOut](t, payload)
	if dot.NodeID != 0 || dot.Attr.Ino != 1 || dot.Attr.Mode != unix.DT_DIR {
		t.Fatalf("dot entry=%+v", dot)
	}
}

func TestReaddirplusRecordsDecode(t *testing.T) {
	long := "ccccccccccccccccccccccc"
	fs := &recordingFS{
		entries: map[string]Entry{
			"a":         {Inode: 2, Generation: 7, Attr: Attr{Ino: 2, Mode: unix.S_IFREG | 0o644}},
			"bbbbbbbbb": {Inode: 3, Generation: 9, Attr: Attr{Ino: 3, Mode: unix.S_IFDIR | 0o755}},
			long:        {Inode: 4, Generation: 1 << 40, Attr: Attr{Ino: 4, Mode: unix.S_IFLNK | 0o777}},
		},
		dir: []DirEntry{
			{Ino: 1, Offset: 1, Type: unix.DT_DIR, Name: []byte(".")},
			{Ino: 2, Offset: 2, Type: unix.DT_REG, Name: []byte("a")},
			{Ino: 3, Offset: 3, Type: unix.DT_DIR, Name: []byte("bbbbbbbbb")},
			{Ino: 4, Offset: 4, Type: unix.DT_LNK, Name: []byte(long)},
		},
	}
	out, payload := roundTrip(t, NewServer(fs), makeRequest(OpReaddirplus, 1, ReadIn{Size: 4096}))
	if out.Error != 0 || out.Len != OutHeaderSize+160+160+168+176 {
		t.Fatalf("reply=%+v", out)
	}

	type record struct {
		nodeID, generation uint64
		ino                uint64
		typ                uint32
		name               string
	}
	var got []record
	for off := 0; off < len(payload); {
		e := decodeBody[EntryOut](t, payload[off:])
		d := decodeBody[Dirent](t, payload[off+entryOutSize:])
		nameAt := off + entryOutSize + direntSize
		got = append(got, record{
			nodeID:     e.NodeID,
			generation: e.Generation,
			ino:        d.Ino,
			typ:        d.Type,
			name:       string(payload[nameAt : nameAt+int(d.Namelen)]),
		})
		if e.NodeID != 0 && e.Attr.Ino != e.NodeID {
			t.Fatalf("%q: attr ino=%d nodeid=%d", got[len(got)-1].name, e.Attr.Ino, e.NodeID)
		}
		off += entryOutSize + (direntSize+int(d.Namelen)+7)&^7
	}

	want := []record{
		{0, 0, 1, unix.DT_DIR, "."},
		{2, 7, 2, unix.DT_REG, "a"},
		{3, 9, 3, unix.DT_DIR, "bbbbbbbbb"},
		{4, 1 << 40, 4, unix.DT_LNK, long},
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d records, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if len(fs.forgotten) != 0 {
		t.Fatalf("forgotten=%v, every entry fit", fs.forgotten)
	}
}

func TestReaddirplusLookupFailure(t *testing.T) {
	t.Run("first entry", func(t *testing.T) {
		fs := &recordingFS{dir: []DirEntry{{Ino: 5, Name: []byte("gone")}}}
		out, _ := roundTrip(t, NewServer(fs), makeRequest(OpReaddirplus, 1, ReadIn{Size: 4096}))
		expectErrno(t, out, unix.ENOENT)
	})
	t.Run("after entries", func(t *testing.T) {
		fs := &recordingFS{
			entries: map[string]Entry{"a": {Inode: 2}},
			dir: []DirEntry{
				{Ino: 2, Name: []byte("a")},
				{Ino: 5, Name: []byte("gone")},
			},
		}
		out, _ := roundTrip(t, NewServer(fs), makeRequest(OpReaddirplus, 1, ReadIn{Size: 4096}))
		if out.Error != 0 || out.Len != OutHeaderSize+160 {
			t.Fatalf("reply=%+v", out)
		}
		if len(fs.forgotten) != 0 {
			t.Fatalf("forgotten=%v, negative lookups take no reference", fs.forgotten)
		}
	})
}

func initRequest(major, minor uint32, flags FsOptions) []byte {
	in := InitIn{Major: major, Minor: minor, MaxReadahead: 128 << 10, Flags: uint32(flags)}
	if flags.Contains(InitExt) {
		return makeRequest(OpInit, 0, in, InitInExt{Flags2: uint32(flags >> 32)})
	}
	return makeRequest(OpInit, 0, in)
}

func TestInitNegotiatesFeatures(t *testing.T) {
	fs := &recordingFS{want: WritebackCache | SecurityContext}
	s := NewServer(fs)
	capable := AsyncRead | BigWrites | WritebackCache | HandleKillpriv | PosixLocks | InitExt | SecurityContext

	out, payload := roundTrip(t, s, initRequest(KernelVersion, KernelMinorVersion, capable))
	if out.Error != 0 {
		t.Fatalf("reply error=%d", out.Error)
	}
	got := decodeBody[InitOut](t, payload)

	want := AsyncRead | BigWrites | WritebackCache | InitExt | SecurityContext
	enabled := FsOptions(got.Flags) | FsOptions(got.Flags2)<<32
	if enabled != want {
		t.Fatalf("enabled=%#x want %#x", uint64(enabled), uint64(want))
	}
	if got.Major != KernelVersion || got.Minor != KernelMinorVersion {
		t.Fatalf("version=%d.%d", got.Major, got.Minor)
	}
	page := unix.Getpagesize()
	if got.MaxWrite != DefaultMaxBufferSize || got.MaxPages != uint16(DefaultMaxBufferSize/page) {
		t.Fatalf("max write=%d pages=%d", got.MaxWrite, got.MaxPages)
	}
	if got.MapAlignment != uint16(bits.TrailingZeros(uint(page))) {
		t.Fatalf("map alignment=%d", got.MapAlignment)
	}
	if got.MaxBackground != 0xffff || got.CongestionThreshold != 0xbffd || got.TimeGran != 1 {
		t.Fatalf("background=%d congestion=%d gran=%d", got.MaxBackground, got.CongestionThreshold, got.TimeGran)
	}
	if st := s.Stats(); st.Options != want || st.Requests != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestInitZeroMessageOpenDropsAtomicTrunc(t *testing.T) {
	fs := &recordingFS{want: ZeroMessageOpen}
	_, payload := roundTrip(t, NewServer(fs), initRequest(KernelVersion, KernelMinorVersion, AtomicOTrunc|ZeroMessageOpen))
	got := FsOptions(decodeBody[InitOut](t, payload).Flags)
	if got != ZeroMessageOpen {
		t.Fatalf("enabled=%#x want %#x", uint64(got), uint64(ZeroMessageOpen))
	}
}

func TestInitVersionMismatch(t *testing.T) {
	t.Run("newer major", func(t *testing.T) {
		out, payload := roundTrip(t, NewServer(&recordingFS{}), initRequest(KernelVersion+1, 0, 0))
		if out.Error != 0 {
			t.Fatalf("reply error=%d", out.Error)
		}
		got := decodeBody[InitOut](t, payload)
		if got.Major != KernelVersion || got.Minor != KernelMinorVersion || got.Flags != 0 {
			t.Fatalf("init=%+v", got)
		}
	})
	t.Run("older major", func(t *testing.T) {
		out, _ := roundTrip(t, NewServer(&recordingFS{}), initRequest(KernelVersion-1, 31, 0))
		expectErrno(t, out, unix.EPROTO)
	})
	t.Run("old minor", func(t *testing.T) {
		out, _ := roundTrip(t, NewServer(&recordingFS{}), initRequest(KernelVersion, OldestSupportedKernelMinorVersion-1, 0))
		expectErrno(t, out, unix.EPROTO)
	})
}

func TestOperationsWithoutReply(t *testing.T) {
	fs := &recordingFS{}
	s := NewServer(fs)

	reqs := map[string][]byte{
		"forget":       makeRequest(OpForget, 8, ForgetIn{Nlookup: 2}),
		"batch forget": makeRequest(OpBatchForget, 0, BatchForgetIn{Count: 2}, ForgetOne{NodeID: 4, Nlookup: 1}, ForgetOne{NodeID: 5, Nlookup: 3}),
		"interrupt":    makeRequest(OpInterrupt, 0, uint64(41)),
		"destroy":      makeRequest(OpDestroy, 0),
		"getlk ok":     makeRequest(OpGetlk, 1, make([]byte, 48)),
		"short forget": makeRequest(OpForget, 8, []byte{1, 2}),
	}
	for name, req := range reqs {
		t.Run(name, func(t *testing.T) {
			out, payload := roundTrip(t, s, req)
			if out.Len != 0 || payload != nil {
				t.Fatalf("unexpected reply %+v", out)
			}
		})
	}

	if len(fs.forgotten) != 1 || fs.forgotten[0] != 8 {
		t.Fatalf("forgotten=%v want [8]", fs.forgotten)
	}
	if len(fs.batch) != 2 || fs.batch[1].NodeID != 5 || fs.batch[1].Nlookup != 3 {
		t.Fatalf("batch=%+v", fs.batch)
	}
	if !fs.destroyed {
		t.Fatalf("Destroy not called")
	}
}

func TestBatchForgetTooLarge(t *testing.T) {
	fs := &recordingFS{maxBuf: 16}
	req := makeRequest(OpBatchForget, 0, BatchForgetIn{Count: 2}, ForgetOne{NodeID: 4}, ForgetOne{NodeID: 5})
	out, _ := roundTrip(t, NewServer(fs), req)
	expectErrno(t, out, unix.ENOMEM)
	if len(fs.batch) != 0 {
		t.Fatalf("backend BatchForget called")
	}
}

func TestIoctlReplies(t *testing.T) {
	t.Run("retry", func(t *testing.T) {
		fs := &recordingFS{ioctl: IoctlReply{
			Retry: true,
			In:    []IoctlIovec{{Base: 0x1000, Len: 8}},
			Out:   []IoctlIovec{{Base: 0x2000, Len: 16}},
		}}
		out, payload := roundTrip(t, NewServer(fs), makeRequest(OpIoctl, 1, IoctlIn{Cmd: 1}))
		if out.Error != 0 || out.Len != OutHeaderSize+16+2*ioctlIovecSize {
			t.Fatalf("reply=%+v", out)
		}
		got := decodeBody[IoctlOut](t, payload)
		if IoctlFlags(got.Flags) != IoctlRetry || got.InIovs != 1 || got.OutIovs != 1 {
			t.Fatalf("ioctl out=%+v", got)
		}
		if iov := decodeBody[IoctlIovec](t, payload[16+ioctlIovecSize:]); iov.Base != 0x2000 || iov.Len != 16 {
			t.Fatalf("out iovec=%+v", iov)
		}
	})
	t.Run("too many iovecs", func(t *testing.T) {
		fs := &recordingFS{ioctl: IoctlReply{Retry: true, In: make([]IoctlIovec, IoctlMaxIov+1)}}
		out, _ := roundTrip(t, NewServer(fs), makeRequest(OpIoctl, 1, IoctlIn{}))
		expectErrno(t, out, unix.EINVAL)
	})
	t.Run("data", func(t *testing.T) {
		fs := &recordingFS{ioctl: IoctlReply{Data: []byte("xyz")}}
		out, payload := roundTrip(t, NewServer(fs), makeRequest(OpIoctl, 1, IoctlIn{}))
		if out.Error != 0 || out.Len != OutHeaderSize+16+3 || string(payload[16:]) != "xyz" {
			t.Fatalf("reply=%+v payload=%q", out, payload)
		}
	})
	t.Run("result", func(t *testing.T) {
		fs := &recordingFS{ioctl: IoctlReply{Result: unix.EPERM}}
		out, payload := roundTrip(t, NewServer(fs), makeRequest(OpIoctl, 1, IoctlIn{}))
		if out.Error != 0 {
			t.Fatalf("reply error=%d", out.Error)
		}
		if got := decodeBody[IoctlOut](t, payload); got.Result != -int32(unix.EPERM) {
			t.Fatalf("result=%d", got.Result)
		}
	})
}

func TestRemoveMappingTooManyEntries(t *testing.T) {
	count := uint32(unix.Getpagesize()/removeMapOneSize) + 1
	out, _ := roundTrip(t, NewServer(&recordingFS{}), makeRequest(OpRemoveMapping, 1, RemoveMappingIn{Count: count}))
	expectErrno(t, out, unix.EINVAL)
}

type failingFlushWriter struct {
	*BufferWriter
}

func (failingFlushWriter) Flush() error { return io.ErrClosedPipe }

func TestReplyWriteFailurePropagates(t *testing.T) {
	s := NewServer(&recordingFS{})
	w := failingFlushWriter{NewBufferWriter(make([]byte, 256))}
	_, err := s.HandleMessage(bytes.NewReader(makeRequest(Opcode(1000), 1)), w, nil)

	var rerr *ReplyError
	if !errors.As(err, &rerr) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("err=%v want ReplyError wrapping ErrClosedPipe", err)
	}
}

func TestTruncatedHeader(t *testing.T) {
	s := NewServer(&recordingFS{})
	w := NewBufferWriter(make([]byte, 256))
	_, err := s.HandleMessage(bytes.NewReader(make([]byte, 10)), w, nil)
	if !errors.Is(err, ErrDecodeMessage) {
		t.Fatalf("err=%v want ErrDecodeMessage", err)
	}
	if w.Len() != 0 {
		t.Fatalf("wrote %d bytes without a request", w.Len())
	}
}
