// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2021-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package loop

import (
	"github.com/apptainer/squashfs-mount/pkg/util/sqfsmountconf"
	"github.com/ccoveille/go-safecast"
)

// GetMaxLoopDevices returns the maximum number of loop devices allowed
// by the current configuration, or the default one when none is set.
func GetMaxLoopDevices() (int, error) {
	cfg := sqfsmountconf.GetCurrentConfig()
	if cfg == nil {
		cfg = sqfsmountconf.Default()
	}
	return safecast.ToInt(cfg.MaxLoopDevices)
}

// SharedLoopDevices reports whether loop devices bound to the same
// image may be reused.
func SharedLoopDevices() bool {
	cfg := sqfsmountconf.GetCurrentConfig()
	if cfg == nil {
		return false
	}
	return cfg.SharedLoopDevices
}
