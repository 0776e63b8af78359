package vfs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/vdev/internal/fuse"
	"golang.org/x/sys/unix"
)

func newTestPassthrough(t *testing.T, opts Options) (*Passthrough, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPassthrough(dir, opts)
	if err != nil {
		t.Fatalf("NewPassthrough: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p, dir
}

// hostCtx is the caller as the test process itself, so created entries
// keep their owner.
func hostCtx() fuse.Context {
	return fuse.Context{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), PID: uint32(os.Getpid())}
}

func TestPassthroughMissingRoot(t *testing.T) {
	_, err := NewPassthrough(filepath.Join(t.TempDir(), "missing"), Options{})
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("got %v, want ENOENT", err)
	}
}

func TestPassthroughCreateReadWrite(t *testing.T) {
	p, dir := newTestPassthrough(t, Options{})
	ctx := hostCtx()

	e, fh, _, err := p.Create(ctx, fuse.RootID, []byte("file"), 0o644, unix.O_RDWR, 0o022, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Attr.Mode != unix.S_IFREG|0o644 {
		t.Fatalf("mode=%o", e.Attr.Mode)
	}
	n, err := p.Write(ctx, e.Inode, fh, strings.NewReader("passthrough"), 11, 0, nil, false, 0)
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	host, err := os.ReadFile(filepath.Join(dir, "file"))
	if err != nil || string(host) != "passthrough" {
		t.Fatalf("host sees %q, %v", host, err)
	}

	var buf bytes.Buffer
	if _, err := p.Read(ctx, e.Inode, fh, &buf, 4, 7, nil, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf.String() != "ough" {
		t.Fatalf("read %q", buf.String())
	}

	attr, _, err := p.SetAttr(ctx, e.Inode, fuse.Attr{Size: 4}, &fh, fuse.SetattrSize)
	if err != nil || attr.Size != 4 {
		t.Fatalf("truncate: size=%d err=%v", attr.Size, err)
	}
	attr, _, err = p.SetAttr(ctx, e.Inode, fuse.Attr{Size: 2}, nil, fuse.SetattrSize)
	if err != nil || attr.Size != 2 {
		t.Fatalf("truncate by path: size=%d err=%v", attr.Size, err)
	}

	if err := p.Release(ctx, e.Inode, 0, fh, false, false, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_, err = p.Read(ctx, e.Inode, fh, &buf, 1, 0, nil, 0)
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("read after release: %v", err)
	}
}

func TestPassthroughLookupSharesInodes(t *testing.T) {
	p, dir := newTestPassthrough(t, Options{})
	ctx := hostCtx()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(dir, "a"), filepath.Join(dir, "b")); err != nil {
		t.Fatal(err)
	}

	a, err := p.Lookup(ctx, fuse.RootID, []byte("a"))
	if err != nil {
		t.Fatalf("Lookup a: %v", err)
	}
	b, err := p.Lookup(ctx, fuse.RootID, []byte("b"))
	if err != nil {
		t.Fatalf("Lookup b: %v", err)
	}
	if a.Inode != b.Inode {
		t.Fatalf("hard links got inodes %d and %d", a.Inode, b.Inode)
	}
	if a.Attr.Nlink != 2 {
		t.Fatalf("nlink=%d", a.Attr.Nlink)
	}

	_, err = p.Lookup(ctx, fuse.RootID, []byte("missing"))
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("missing lookup: %v", err)
	}

	p.Forget(ctx, a.Inode, 1)
	if _, _, err := p.GetAttr(ctx, a.Inode, nil); err != nil {
		t.Fatalf("GetAttr with one reference left: %v", err)
	}
	p.BatchForget(ctx, []fuse.ForgetOne{{NodeID: a.Inode, Nlookup: 1}})
	_, _, err = p.GetAttr(ctx, a.Inode, nil)
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("GetAttr after forget: %v", err)
	}
	p.mu.Lock()
	left := len(p.inodes)
	p.mu.Unlock()
	if left != 1 {
		t.Fatalf("%d inodes held, want only the root", left)
	}

	// Renames on the host do not break a held reference.
	c, err := p.Lookup(ctx, fuse.RootID, []byte("a"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := os.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "moved")); err != nil {
		t.Fatal(err)
	}
	attr, _, err := p.GetAttr(ctx, c.Inode, nil)
	if err != nil || attr.Size != 1 {
		t.Fatalf("GetAttr after host rename: %+v, %v", attr, err)
	}
}

func TestPassthroughDirectories(t *testing.T) {
	p, dir := newTestPassthrough(t, Options{})
	ctx := hostCtx()

	d, err := p.Mkdir(ctx, fuse.RootID, []byte("sub"), 0o755, 0o022, nil)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	for _, name := range []string{"z", "y"} {
		e, fh, _, err := p.Create(ctx, d.Inode, []byte(name), 0o600, unix.O_WRONLY, 0, nil)
		if err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		p.Release(ctx, e.Inode, 0, fh, false, false, nil)
	}
	if _, err := p.Symlink(ctx, []byte("z"), d.Inode, []byte("link"), nil); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	fh, _, err := p.OpenDir(ctx, d.Inode, 0)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	it, err := p.ReadDir(ctx, d.Inode, fh, 4096, 0)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	types := map[string]uint32{}
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		names = append(names, string(e.Name))
		types[string(e.Name)] = e.Type
	}
	if !slices.Equal(names, []string{".", "..", "link", "y", "z"}) {
		t.Fatalf("listing %v", names)
	}
	if types["link"] != unix.DT_LNK || types["y"] != unix.DT_REG || types["."] != unix.DT_DIR {
		t.Fatalf("types %v", types)
	}
	if err := p.ReleaseDir(ctx, d.Inode, 0, fh); err != nil {
		t.Fatalf("ReleaseDir: %v", err)
	}

	l, err := p.Lookup(ctx, d.Inode, []byte("link"))
	if err != nil {
		t.Fatalf("Lookup link: %v", err)
	}
	target, err := p.Readlink(ctx, l.Inode)
	if err != nil || string(target) != "z" {
		t.Fatalf("Readlink = %q, %v", target, err)
	}

	if err := p.Rename(ctx, d.Inode, []byte("y"), fuse.RootID, []byte("y2"), 0); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "y2")); err != nil {
		t.Fatalf("renamed file missing on host: %v", err)
	}
	err = p.Rename(ctx, d.Inode, []byte("z"), d.Inode, []byte("link"), unix.RENAME_NOREPLACE)
	if !errors.Is(err, unix.EEXIST) {
		t.Fatalf("rename noreplace: %v", err)
	}

	if err := p.Rmdir(ctx, fuse.RootID, []byte("sub")); !errors.Is(err, unix.ENOTEMPTY) {
		t.Fatalf("Rmdir non-empty: %v", err)
	}
	for _, name := range []string{"z", "link"} {
		if err := p.Unlink(ctx, d.Inode, []byte(name)); err != nil {
			t.Fatalf("Unlink %s: %v", name, err)
		}
	}
	if err := p.Rmdir(ctx, fuse.RootID, []byte("sub")); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if _, err := p.Mkdir(ctx, fuse.RootID, []byte("../escape"), 0o755, 0, nil); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("Mkdir with slash: %v", err)
	}
}

func TestPassthroughReadOnly(t *testing.T) {
	p, dir := newTestPassthrough(t, Options{ReadOnly: true})
	ctx := hostCtx()
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("ro"), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := p.Lookup(ctx, fuse.RootID, []byte("f"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if _, _, err := p.Open(ctx, e.Inode, unix.O_RDWR); !errors.Is(err, unix.EROFS) {
		t.Fatalf("Open O_RDWR: %v", err)
	}
	if _, err := p.Mkdir(ctx, fuse.RootID, []byte("d"), 0o755, 0, nil); !errors.Is(err, unix.EROFS) {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := p.Unlink(ctx, fuse.RootID, []byte("f")); !errors.Is(err, unix.EROFS) {
		t.Fatalf("Unlink: %v", err)
	}
	if err := p.Access(ctx, e.Inode, unix.W_OK); !errors.Is(err, unix.EROFS) {
		t.Fatalf("Access W_OK: %v", err)
	}

	fh, _, err := p.Open(ctx, e.Inode, unix.O_RDONLY)
	if err != nil {
		t.Fatalf("Open O_RDONLY: %v", err)
	}
	var buf bytes.Buffer
	if _, err := p.Read(ctx, e.Inode, fh, &buf, 16, 0, nil, 0); err != nil || buf.String() != "ro" {
		t.Fatalf("Read = %q, %v", buf.String(), err)
	}
	p.Release(ctx, e.Inode, 0, fh, false, false, nil)
}

func TestPassthroughXattrSize(t *testing.T) {
	p, dir := newTestPassthrough(t, Options{})
	ctx := hostCtx()
	if err := os.WriteFile(filepath.Join(dir, "f"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := p.Lookup(ctx, fuse.RootID, []byte("f"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	err = p.SetXattr(ctx, e.Inode, []byte("user.test"), []byte("value"), 0)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPERM) {
		t.Skipf("host filesystem does not support user xattrs: %v", err)
	}
	if err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	r, err := p.GetXattr(ctx, e.Inode, []byte("user.test"), 0)
	if err != nil || !r.SizeOnly || r.Size != 5 {
		t.Fatalf("size query = %+v, %v", r, err)
	}
	r, err = p.GetXattr(ctx, e.Inode, []byte("user.test"), 64)
	if err != nil || string(r.Value) != "value" {
		t.Fatalf("GetXattr = %+v, %v", r, err)
	}
	if err := p.RemoveXattr(ctx, e.Inode, []byte("user.test")); err != nil {
		t.Fatalf("RemoveXattr: %v", err)
	}
	_, err = p.GetXattr(ctx, e.Inode, []byte("user.test"), 64)
	if !errors.Is(err, unix.ENODATA) {
		t.Fatalf("GetXattr after remove: %v", err)
	}
}

type recordingMapper struct {
	maps   []uint64
	unmaps []uint64
}

func (m *recordingMapper) Map(memOffset uint64, size int, fd int, fileOffset uint64, prot int) error {
	m.maps = append(m.maps, memOffset)
	return nil
}

func (m *recordingMapper) Unmap(offset, size uint64) error {
	m.unmaps = append(m.unmaps, offset)
	return nil
}

func TestPassthroughMapping(t *testing.T) {
	p, _ := newTestPassthrough(t, Options{})
	ctx := hostCtx()
	e, fh, _, err := p.Create(ctx, fuse.RootID, []byte("f"), 0o644, unix.O_RDWR, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Release(ctx, e.Inode, 0, fh, false, false, nil)

	if err := p.SetUpMapping(ctx, e.Inode, fh, 0, 0x2000, 4096, unix.PROT_READ, nil); !errors.Is(err, unix.ENOSYS) {
		t.Fatalf("mapping without a window: %v", err)
	}
	var m recordingMapper
	if err := p.SetUpMapping(ctx, e.Inode, fh, 0, 0x2000, 4096, unix.PROT_READ, &m); err != nil {
		t.Fatalf("SetUpMapping: %v", err)
	}
	if err := p.RemoveMapping([]fuse.RemoveMappingOne{{Moffset: 0x2000, Len: 4096}}, &m); err != nil {
		t.Fatalf("RemoveMapping: %v", err)
	}
	if !slices.Equal(m.maps, []uint64{0x2000}) || !slices.Equal(m.unmaps, []uint64{0x2000}) {
		t.Fatalf("maps=%v unmaps=%v", m.maps, m.unmaps)
	}
}
