// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

/*
Package image provides the types shared by the squashfs image mount
backends: the Driver interface every backend satisfies, the parameters
handed to a mount, the mount failure error, and squashfs superblock
detection used to find where the filesystem starts inside an image file.

	type Driver interface {
	    Name() string                  - backend name used for registration
	    Mount(*MountParams) error      - mount one image read-only
	}
*/
package image
