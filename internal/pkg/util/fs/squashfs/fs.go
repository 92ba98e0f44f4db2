// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package squashfs serves a read-only filesystem, typically a squashfs
// image opened with a user-space reader, over FUSE.
package squashfs

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"path"
	"sort"
	"strings"
	"syscall"

	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// ReadLinkFS is implemented by filesystems able to return the target
// of a symbolic link without following it.
type ReadLinkFS interface {
	ReadLink(name string) (string, error)
}

// XattrFS is implemented by filesystems exposing extended attributes.
type XattrFS interface {
	Xattrs(name string) (map[string][]byte, error)
}

// symlinkFile is implemented by files of readers exposing the link
// target on the opened file.
type symlinkFile interface {
	SymlinkPath() string
}

// Stats are reported by statfs.
type Stats struct {
	Size      uint64
	Inodes    uint64
	BlockSize uint32
}

// Config configures the served tree.
type Config struct {
	UID   uint32
	GID   uint32
	Stats Stats
	// Idle is notified of every filesystem request.
	Idle *IdleTimer
}

// root holds the state shared by all nodes.
type root struct {
	fsys iofs.FS
	cfg  Config
}

type node struct {
	fs.Inode

	root *root
	path string
	info iofs.FileInfo

	// children is filled lazily from the directory listing and
	// dropped when the kernel forgets the node
	children map[string]iofs.DirEntry
	names    []string
}

var (
	_ = (fs.NodeGetattrer)((*node)(nil))
	_ = (fs.NodeLookuper)((*node)(nil))
	_ = (fs.NodeOpendirer)((*node)(nil))
	_ = (fs.NodeReaddirer)((*node)(nil))
	_ = (fs.NodeOpener)((*node)(nil))
	_ = (fs.NodeCreater)((*node)(nil))
	_ = (fs.NodeReadlinker)((*node)(nil))
	_ = (fs.NodeGetxattrer)((*node)(nil))
	_ = (fs.NodeListxattrer)((*node)(nil))
	_ = (fs.NodeStatfser)((*node)(nil))
	_ = (fs.NodeOnForgetter)((*node)(nil))
)

// NewRoot returns the root node serving fsys.
func NewRoot(fsys iofs.FS, cfg Config) (fs.InodeEmbedder, error) {
	fi, err := iofs.Stat(fsys, ".")
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("filesystem root is not a directory")
	}
	return &node{
		root: &root{fsys: fsys, cfg: cfg},
		path: ".",
		info: fi,
	}, nil
}

// toErrno converts errors returned by an io/fs implementation.
func toErrno(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return fs.OK
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, iofs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, iofs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, iofs.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}

func (n *node) touch() {
	n.root.cfg.Idle.Touch()
}

func (n *node) loadChildren() syscall.Errno {
	if n.children != nil {
		return fs.OK
	}
	entries, err := iofs.ReadDir(n.root.fsys, n.path)
	if err != nil {
		return toErrno(err)
	}
	n.children = make(map[string]iofs.DirEntry, len(entries))
	n.names = make([]string, 0, len(entries))
	for _, e := range entries {
		n.children[e.Name()] = e
		n.names = append(n.names, e.Name())
	}
	sort.Strings(n.names)
	return fs.OK
}

func (n *node) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.touch()
	fillAttr(n.info, n.root.cfg.UID, n.root.cfg.GID, n.root.cfg.Stats.BlockSize, &out.Attr)
	return fs.OK
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.touch()
	if !n.info.IsDir() {
		return nil, syscall.ENOTDIR
	}
	if errno := n.loadChildren(); errno != fs.OK {
		return nil, errno
	}
	e, ok := n.children[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	fi, err := e.Info()
	if err != nil {
		return nil, toErrno(err)
	}

	child := &node{
		root: n.root,
		path: path.Join(n.path, name),
		info: fi,
	}
	fillAttr(fi, n.root.cfg.UID, n.root.cfg.GID, n.root.cfg.Stats.BlockSize, &out.Attr)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fileType(fi.Mode())}), fs.OK
}

func (n *node) Opendir(_ context.Context) syscall.Errno {
	n.touch()
	if !n.info.IsDir() {
		return syscall.ENOTDIR
	}
	return fs.OK
}

func (n *node) Readdir(_ context.Context) (fs.DirStream, syscall.Errno) {
	n.touch()
	if errno := n.loadChildren(); errno != fs.OK {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, 0, len(n.names))
	for _, name := range n.names {
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: fileType(n.children[name].Type()),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

// writeFlags are the open flags refused on a read-only filesystem.
const writeFlags = syscall.O_WRONLY | syscall.O_RDWR | syscall.O_TRUNC | syscall.O_APPEND | syscall.O_CREAT

func (n *node) Open(_ context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.touch()
	if flags&writeFlags != 0 {
		return nil, 0, syscall.EROFS
	}
	if n.info.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	f, err := n.root.fsys.Open(n.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	// content never changes, let the kernel cache it
	return &handle{file: f, idle: n.root.cfg.Idle}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *node) Create(_ context.Context, _ string, _ uint32, _ uint32, _ *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	n.touch()
	return nil, nil, 0, syscall.EROFS
}

func (n *node) Readlink(_ context.Context) ([]byte, syscall.Errno) {
	n.touch()
	if n.info.Mode()&iofs.ModeSymlink == 0 {
		return nil, syscall.EINVAL
	}
	target, err := readLink(n.root.fsys, n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}

// readLink returns the target of the symbolic link name.
func readLink(fsys iofs.FS, name string) (string, error) {
	if rl, ok := fsys.(ReadLinkFS); ok {
		return rl.ReadLink(name)
	}
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if sf, ok := f.(symlinkFile); ok {
		return sf.SymlinkPath(), nil
	}
	return "", &iofs.PathError{Op: "readlink", Path: name, Err: iofs.ErrInvalid}
}

func (n *node) xattrs() (map[string][]byte, error) {
	xfs, ok := n.root.fsys.(XattrFS)
	if !ok {
		return nil, nil
	}
	return xfs.Xattrs(n.path)
}

func (n *node) Getxattr(_ context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	n.touch()
	xattrs, err := n.xattrs()
	if err != nil {
		return 0, toErrno(err)
	}
	value, ok := xattrs[attr]
	if !ok {
		return 0, syscall.ENODATA
	}
	return copyXattr(dest, value)
}

func (n *node) Listxattr(_ context.Context, dest []byte) (uint32, syscall.Errno) {
	n.touch()
	xattrs, err := n.xattrs()
	if err != nil {
		return 0, toErrno(err)
	}
	names := make([]string, 0, len(xattrs))
	for name := range xattrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var list []byte
	if len(names) > 0 {
		list = []byte(strings.Join(names, "\x00") + "\x00")
	}
	return copyXattr(dest, list)
}

// copyXattr follows the getxattr(2) size probing convention.
func copyXattr(dest, value []byte) (uint32, syscall.Errno) {
	size := uint32(len(value))
	if len(dest) == 0 {
		return size, fs.OK
	}
	if len(dest) < len(value) {
		return size, syscall.ERANGE
	}
	copy(dest, value)
	return size, fs.OK
}

func (n *node) Statfs(_ context.Context, out *fuse.StatfsOut) syscall.Errno {
	n.touch()
	fillStatfs(n.root.cfg.Stats, out)
	return fs.OK
}

func fillStatfs(st Stats, out *fuse.StatfsOut) {
	bsize := st.BlockSize
	if bsize == 0 {
		bsize = 4096
	}
	out.Bsize = bsize
	out.Frsize = bsize
	out.Blocks = (st.Size + uint64(bsize) - 1) / uint64(bsize)
	out.Bfree = 0
	out.Bavail = 0
	out.Files = st.Inodes
	out.Ffree = 0
	out.NameLen = 256
}

func (n *node) OnForget() {
	n.children = nil
	n.names = nil
}

// handle is an open regular file.
type handle struct {
	file iofs.File
	idle *IdleTimer
	// read position of files without random access
	pos int64
}

var (
	_ = (fs.FileReader)((*handle)(nil))
	_ = (fs.FileReleaser)((*handle)(nil))
)

func (h *handle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.idle.Touch()
	n, err := h.readAt(dest, off)
	if err != nil && err != io.EOF {
		sylog.Debugf("read error at offset %d: %v", off, err)
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// readAt reads with ReadAt when available, else seeks or reads
// forward from the current position. A short read at the end of the
// file returns io.EOF.
func (h *handle) readAt(dest []byte, off int64) (int, error) {
	var n int
	var err error

	if ra, ok := h.file.(io.ReaderAt); ok {
		n, err = ra.ReadAt(dest, off)
	} else if s, ok := h.file.(io.Seeker); ok {
		if _, err := s.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
		n, err = io.ReadFull(h.file, dest)
	} else {
		if h.pos < 0 || off < h.pos {
			return 0, syscall.ESPIPE
		}
		if _, err := io.CopyN(io.Discard, h.file, off-h.pos); err != nil {
			h.pos = -1
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, err
		}
		n, err = io.ReadFull(h.file, dest)
		h.pos = off + int64(n)
	}

	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (h *handle) Release(_ context.Context) syscall.Errno {
	return toErrno(h.file.Close())
}
