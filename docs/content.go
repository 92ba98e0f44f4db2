// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2017-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package docs

// Global content for help and man pages
const (
	// ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~
	// squashfs-mount command
	// ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~
	SquashfsMountUse   string = `squashfs-mount [options...] <image>:<mountpoint>... -- <command> [args...]`
	SquashfsMountShort string = `Mount squashfs images and run a command seeing them`
	SquashfsMountLong  string = `
  squashfs-mount mounts each squashfs image read-only on its mountpoint in a
  private mount namespace, then executes the command as the calling user with
  the no new privileges flag set. The mounts are only visible to the command
  and its children and disappear when they exit.

  Images are mounted through loop devices and mountpoints in lexical order, so
  a mountpoint nested in another one is mounted after it. Images carrying a
  launch script before the squashfs filesystem are supported.

  The executed command finds the list of mounted images in UENV_MOUNT_LIST.
  Any SQFSMNT_FWD_<NAME>=<value> variable is passed as <NAME>=<value>,
  replacing an existing <NAME> variable.`
	SquashfsMountExample string = `
  $ squashfs-mount /opt/tools.sqfs:/user-tools -- bash
  $ squashfs-mount a.sqfs:/mnt b.sqfs:/mnt/b -- ls /mnt/b
  $ SQFSMNT_FWD_PATH=/user-tools/bin:$PATH squashfs-mount /opt/tools.sqfs:/user-tools -- env`

	// ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~
	// squashfs-mount-rootless command
	// ~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~
	SquashfsMountRootlessUse   string = `squashfs-mount-rootless [options...] <image>:<mountpoint>... -- <command> [args...]`
	SquashfsMountRootlessShort string = `Mount squashfs images with FUSE and run a command seeing them`
	SquashfsMountRootlessLong  string = `
  squashfs-mount-rootless needs no privileges: it creates a user namespace
  where the calling user is root, serves every image with a FUSE filesystem
  and executes the command back as the calling user in a nested user
  namespace. One serving process runs per image until the command exits.

  Mountpoint ordering and environment variables are handled as with
  squashfs-mount. Unprivileged user namespaces and /dev/fuse are required.`
	SquashfsMountRootlessExample string = `
  $ squashfs-mount-rootless $HOME/tools.sqfs:$HOME/tools -- bash`
)
