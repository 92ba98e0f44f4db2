// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package squashfs

import (
	iofs "io/fs"
	"syscall"

	"github.com/ccoveille/go-safecast"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// unixMode converts a FileMode to the st_mode representation.
func unixMode(m iofs.FileMode) uint32 {
	mode := uint32(m.Perm())

	switch {
	case m.IsDir():
		mode |= syscall.S_IFDIR
	case m&iofs.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	case m&iofs.ModeNamedPipe != 0:
		mode |= syscall.S_IFIFO
	case m&iofs.ModeSocket != 0:
		mode |= syscall.S_IFSOCK
	case m&iofs.ModeCharDevice != 0:
		mode |= syscall.S_IFCHR
	case m&iofs.ModeDevice != 0:
		mode |= syscall.S_IFBLK
	default:
		mode |= syscall.S_IFREG
	}

	if m&iofs.ModeSetuid != 0 {
		mode |= syscall.S_ISUID
	}
	if m&iofs.ModeSetgid != 0 {
		mode |= syscall.S_ISGID
	}
	if m&iofs.ModeSticky != 0 {
		mode |= syscall.S_ISVTX
	}
	return mode
}

// fileType keeps only the S_IFMT bits of a FileMode.
func fileType(m iofs.FileMode) uint32 {
	return unixMode(m) & syscall.S_IFMT
}

// fillAttr fills out from fi. Ownership is the one of the serving
// process since images are mounted for a single user.
func fillAttr(fi iofs.FileInfo, uid, gid uint32, blockSize uint32, out *fuse.Attr) {
	out.Mode = unixMode(fi.Mode())
	out.Nlink = 1
	if fi.IsDir() {
		out.Nlink = 2
	}
	out.Owner = fuse.Owner{Uid: uid, Gid: gid}

	size, err := safecast.ToUint64(fi.Size())
	if err != nil {
		size = 0
	}
	out.Size = size
	out.Blksize = blockSize
	// st_blocks is in 512 bytes units
	out.Blocks = (size + 511) / 512

	mtime := fi.ModTime()
	out.SetTimes(&mtime, &mtime, &mtime)
}
