// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog implements a basic leveled logger writing to standard error.
// Every stage of squashfs-mount (the setuid front end, the user namespace
// mount stage and the FUSE serve stage) logs through it, and the level is
// handed down to re-executed stages with GetEnvVar.
package sylog
