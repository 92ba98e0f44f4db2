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
	"time"

	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FsName is the filesystem name shown in the mount table.
const FsName = "squashfuse"

// MountOptions returns the FUSE options of a read-only image mount
// named after source.
func MountOptions(source string) *fs.Options {
	timeout := time.Hour
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: source,
			Name:   FsName,
			// mount(2) directly, we are root in our user namespace
			DirectMount:      true,
			DirectMountFlags: image.SquashfsFlags,
			// requests are served one at a time
			SingleThreaded: true,
			MaxReadAhead:   128 * 1024,
			Logger:         sylog.DebugLogger(),
		},
		// read-only content, cache as long as possible
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
	}
}

// Mount serves fsys on dir. The returned server is serving when Mount
// returns, call Wait to block until it is unmounted.
func Mount(dir, source string, fsys iofs.FS, cfg Config) (*fuse.Server, error) {
	root, err := NewRoot(fsys, cfg)
	if err != nil {
		return nil, err
	}
	return fs.Mount(dir, root, MountOptions(source))
}
