// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package squashfs

import (
	"bytes"
	"context"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"testing/fstest"
	"time"

	"github.com/apptainer/squashfs-mount/internal/pkg/test"
	"github.com/apptainer/squashfs-mount/internal/pkg/test/tool/require"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

var mtime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// testFS adds symbolic links and extended attributes to a MapFS.
type testFS struct {
	fstest.MapFS
	links  map[string]string
	xattrs map[string]map[string][]byte
}

func (t testFS) ReadLink(name string) (string, error) {
	target, ok := t.links[name]
	if !ok {
		return "", &iofs.PathError{Op: "readlink", Path: name, Err: iofs.ErrInvalid}
	}
	return target, nil
}

func (t testFS) Xattrs(name string) (map[string][]byte, error) {
	return t.xattrs[name], nil
}

func newTestFS() testFS {
	return testFS{
		MapFS: fstest.MapFS{
			"bin/env":          {Data: []byte("#!/bin/sh\nenv\n"), Mode: 0o755, ModTime: mtime},
			"share/doc/README": {Data: []byte("hello world"), Mode: 0o644, ModTime: mtime},
			"lib":              {Mode: iofs.ModeDir | 0o755, ModTime: mtime},
			"lib64":            {Data: []byte("lib"), Mode: iofs.ModeSymlink | 0o777, ModTime: mtime},
		},
		links: map[string]string{"lib64": "lib"},
		xattrs: map[string]map[string][]byte{
			"bin/env": {"user.b": []byte("2"), "user.a": []byte("1")},
		},
	}
}

func newTestNode(t *testing.T, fsys iofs.FS, name string) *node {
	t.Helper()

	r, err := NewRoot(fsys, Config{UID: 1000, GID: 100, Stats: Stats{Size: 10000, Inodes: 6, BlockSize: 4096}})
	assert.NilError(t, err)
	n := r.(*node)
	if name == "." {
		return n
	}
	fi, err := iofs.Stat(fsys, name)
	if lfs, ok := fsys.(testFS); ok {
		if _, isLink := lfs.links[name]; isLink {
			fi, err = fakeLstat(lfs, name)
		}
	}
	assert.NilError(t, err)
	return &node{root: n.root, path: name, info: fi}
}

// fakeLstat returns the FileInfo of a link from its parent listing.
func fakeLstat(fsys iofs.FS, name string) (iofs.FileInfo, error) {
	entries, err := iofs.ReadDir(fsys, filepath.Dir(name))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name() == filepath.Base(name) {
			return e.Info()
		}
	}
	return nil, iofs.ErrNotExist
}

func TestUnixMode(t *testing.T) {
	tests := []struct {
		mode iofs.FileMode
		want uint32
	}{
		{0o644, syscall.S_IFREG | 0o644},
		{iofs.ModeDir | 0o755, syscall.S_IFDIR | 0o755},
		{iofs.ModeSymlink | 0o777, syscall.S_IFLNK | 0o777},
		{iofs.ModeNamedPipe | 0o600, syscall.S_IFIFO | 0o600},
		{iofs.ModeSocket | 0o600, syscall.S_IFSOCK | 0o600},
		{iofs.ModeDevice | 0o600, syscall.S_IFBLK | 0o600},
		{iofs.ModeDevice | iofs.ModeCharDevice | 0o666, syscall.S_IFCHR | 0o666},
		{iofs.ModeSetuid | 0o755, syscall.S_IFREG | syscall.S_ISUID | 0o755},
		{iofs.ModeDir | iofs.ModeSticky | 0o777, syscall.S_IFDIR | syscall.S_ISVTX | 0o777},
	}
	for _, tt := range tests {
		assert.Equal(t, unixMode(tt.mode), uint32(tt.want), "mode %s", tt.mode)
	}
	assert.Equal(t, fileType(iofs.ModeDir|0o755), uint32(syscall.S_IFDIR))
}

func TestNewRoot(t *testing.T) {
	_, err := NewRoot(fstest.MapFS{"file": {Data: []byte("x")}}, Config{})
	assert.NilError(t, err)

	_, err = NewRoot(os.DirFS(filepath.Join(t.TempDir(), "missing")), Config{})
	assert.Assert(t, err != nil)
}

func TestGetattr(t *testing.T) {
	n := newTestNode(t, newTestFS(), "share/doc/README")

	var out fuse.AttrOut
	assert.Equal(t, n.Getattr(context.Background(), nil, &out), fs.OK)
	assert.Equal(t, out.Mode, uint32(syscall.S_IFREG|0o644))
	assert.Equal(t, out.Size, uint64(len("hello world")))
	assert.Equal(t, out.Uid, uint32(1000))
	assert.Equal(t, out.Gid, uint32(100))
	assert.Equal(t, out.Nlink, uint32(1))
	assert.Equal(t, out.Blocks, uint64(1))
	assert.Equal(t, out.Mtime, uint64(mtime.Unix()))

	n = newTestNode(t, newTestFS(), "lib")
	assert.Equal(t, n.Getattr(context.Background(), nil, &out), fs.OK)
	assert.Equal(t, out.Mode, uint32(syscall.S_IFDIR|0o755))
	assert.Equal(t, out.Nlink, uint32(2))
}

func TestReaddir(t *testing.T) {
	n := newTestNode(t, newTestFS(), ".")
	assert.Equal(t, n.Opendir(context.Background()), fs.OK)

	ds, errno := n.Readdir(context.Background())
	assert.Equal(t, errno, fs.OK)

	var names []string
	modes := map[string]uint32{}
	for ds.HasNext() {
		e, errno := ds.Next()
		assert.Equal(t, errno, fs.OK)
		names = append(names, e.Name)
		modes[e.Name] = e.Mode
	}
	assert.DeepEqual(t, names, []string{"bin", "lib", "lib64", "share"})
	assert.Equal(t, modes["lib64"], uint32(syscall.S_IFLNK))
	assert.Equal(t, modes["bin"], uint32(syscall.S_IFDIR))

	_, ok := n.children["share"]
	assert.Assert(t, ok)
	n.OnForget()
	assert.Assert(t, n.children == nil)

	f := newTestNode(t, newTestFS(), "bin/env")
	assert.Equal(t, f.Opendir(context.Background()), syscall.ENOTDIR)
}

func TestOpenRead(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, newTestFS(), "share/doc/README")

	_, _, errno := n.Open(ctx, syscall.O_RDWR)
	assert.Equal(t, errno, syscall.EROFS)
	_, _, errno = n.Open(ctx, syscall.O_WRONLY|syscall.O_TRUNC)
	assert.Equal(t, errno, syscall.EROFS)

	fh, flags, errno := n.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, flags, uint32(fuse.FOPEN_KEEP_CACHE))

	h := fh.(*handle)
	buf := make([]byte, 5)
	res, errno := h.Read(ctx, buf, 6)
	assert.Equal(t, errno, fs.OK)
	b, status := res.Bytes(make([]byte, 5))
	assert.Equal(t, status, fuse.OK)
	assert.Equal(t, string(b), "world")

	// at the end
	res, errno = h.Read(ctx, make([]byte, 10), int64(len("hello world")))
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, res.Size(), 0)

	assert.Equal(t, h.Release(ctx), fs.OK)

	d := newTestNode(t, newTestFS(), "lib")
	_, _, errno = d.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, errno, syscall.EISDIR)

	_, _, _, errno = d.Create(ctx, "new", syscall.O_CREAT|syscall.O_WRONLY, 0o644, &fuse.EntryOut{})
	assert.Equal(t, errno, syscall.EROFS)
}

// streamFile only implements fs.File.
type streamFile struct {
	io.Reader
}

func (streamFile) Stat() (iofs.FileInfo, error) { return nil, iofs.ErrInvalid }
func (streamFile) Close() error                 { return nil }

func TestReadStream(t *testing.T) {
	h := &handle{file: streamFile{bytes.NewReader([]byte("0123456789"))}}

	buf := make([]byte, 3)
	n, err := h.readAt(buf, 2)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "234")

	n, err = h.readAt(buf, 8)
	assert.Equal(t, err, io.EOF)
	assert.Equal(t, string(buf[:n]), "89")

	_, err = h.readAt(buf, 0)
	assert.Equal(t, err, syscall.ESPIPE)
}

func TestReadlink(t *testing.T) {
	ctx := context.Background()

	n := newTestNode(t, newTestFS(), "lib64")
	target, errno := n.Readlink(ctx)
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, string(target), "lib")

	n = newTestNode(t, newTestFS(), "bin/env")
	_, errno = n.Readlink(ctx)
	assert.Equal(t, errno, syscall.EINVAL)
}

func TestXattr(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, newTestFS(), "bin/env")

	size, errno := n.Listxattr(ctx, nil)
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, size, uint32(len("user.a\x00user.b\x00")))

	dest := make([]byte, size)
	_, errno = n.Listxattr(ctx, dest)
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, string(dest), "user.a\x00user.b\x00")

	_, errno = n.Getxattr(ctx, "user.a", make([]byte, 0))
	assert.Equal(t, errno, fs.OK)
	dest = make([]byte, 4)
	size, errno = n.Getxattr(ctx, "user.b", dest)
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, string(dest[:size]), "2")

	_, errno = n.Getxattr(ctx, "user.c", dest)
	assert.Equal(t, errno, syscall.ENODATA)

	_, errno = copyXattr(make([]byte, 1), []byte("long"))
	assert.Equal(t, errno, syscall.ERANGE)

	// no extended attributes on a plain fs.FS
	plain := newTestNode(t, fstest.MapFS{"f": {Data: []byte("x")}}, "f")
	size, errno = plain.Listxattr(ctx, nil)
	assert.Equal(t, errno, fs.OK)
	assert.Equal(t, size, uint32(0))
}

func TestStatfs(t *testing.T) {
	n := newTestNode(t, newTestFS(), ".")

	var out fuse.StatfsOut
	assert.Equal(t, n.Statfs(context.Background(), &out), fs.OK)
	assert.Equal(t, out.Bsize, uint32(4096))
	assert.Equal(t, out.Blocks, uint64(3))
	assert.Equal(t, out.Files, uint64(6))
	assert.Equal(t, out.Bfree, uint64(0))
	assert.Equal(t, out.NameLen, uint32(256))

	fillStatfs(Stats{Size: 1}, &out)
	assert.Equal(t, out.Bsize, uint32(4096))
	assert.Equal(t, out.Blocks, uint64(1))
}

func TestToErrno(t *testing.T) {
	assert.Equal(t, toErrno(nil), fs.OK)
	assert.Equal(t, toErrno(iofs.ErrNotExist), syscall.ENOENT)
	assert.Equal(t, toErrno(&iofs.PathError{Op: "open", Path: "x", Err: iofs.ErrPermission}), syscall.EACCES)
	assert.Equal(t, toErrno(syscall.ELOOP), syscall.ELOOP)
	assert.Equal(t, toErrno(io.ErrUnexpectedEOF), syscall.EIO)
}

func TestIdleTimer(t *testing.T) {
	assert.Assert(t, NewIdleTimer(0, func() {}) == nil)
	// nil timer is usable
	var nilTimer *IdleTimer
	nilTimer.Touch()
	nilTimer.Stop()

	fired := make(chan struct{})
	it := NewIdleTimer(50*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("idle timer didn't fire")
	}
	// already fired, must not panic or fire twice
	it.Touch()
	it.Stop()

	stopped := NewIdleTimer(20*time.Millisecond, func() { t.Error("stopped timer fired") })
	stopped.Stop()
	time.Sleep(50 * time.Millisecond)
}

func TestMountImage(t *testing.T) {
	test.EnsurePrivilege(t)
	require.Fuse(t)
	require.Command(t, "mksquashfs")

	src := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(src, "share"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(src, "share", "README"), []byte("hello world"), 0o644))
	assert.NilError(t, os.Symlink("share", filepath.Join(src, "doc")))
	path := test.Mksquashfs(t, src, t.TempDir(), "test.sqfs")

	img, err := OpenImage(path, 0)
	assert.NilError(t, err)
	defer img.Close()
	assert.Assert(t, img.Stats().Inodes > 0)

	mnt := t.TempDir()
	server, err := Mount(mnt, path, img.FS(), Config{Stats: img.Stats()})
	assert.NilError(t, err)
	defer server.Unmount()

	b, err := os.ReadFile(filepath.Join(mnt, "share", "README"))
	assert.NilError(t, err)
	assert.Equal(t, string(b), "hello world")

	target, err := os.Readlink(filepath.Join(mnt, "doc"))
	assert.NilError(t, err)
	assert.Equal(t, target, "share")

	err = os.WriteFile(filepath.Join(mnt, "new"), []byte("x"), 0o644)
	assert.Check(t, cmp.ErrorContains(err, "read-only file system"))
}

func TestOpenImageErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenImage(filepath.Join(dir, "missing"), 0)
	assert.Assert(t, os.IsNotExist(err))

	text := filepath.Join(dir, "text")
	assert.NilError(t, os.WriteFile(text, bytes.Repeat([]byte("x"), 128), 0o644))
	_, err = OpenImage(text, 0)
	assert.ErrorContains(t, err, "not a valid squashfs image")

	_, err = OpenImage(text, 4096)
	assert.ErrorContains(t, err, "beyond the end")
}
