// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcfg holds compile-time parameters. Values are set with
// -ldflags "-X github.com/apptainer/squashfs-mount/internal/pkg/buildcfg.NAME=value".
package buildcfg

//nolint:revive,stylecheck
var (
	PACKAGE_NAME    = "squashfs-mount"
	PACKAGE_VERSION = "0.7.0-dev"

	SQFSMOUNT_CONF_FILE = "/etc/squashfs-mount/squashfs-mount.toml"
)
