// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package loopmount mounts squashfs images with the kernel driver
// through a loop device. It requires real root.
package loopmount

import (
	"strconv"
	"strings"

	"github.com/apptainer/squashfs-mount/internal/pkg/util/fs/mount"
	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
)

const driverName = "loop"

type loopDriver struct {
	newContext func() *mount.Context
}

// New returns the loop mount driver.
func New() image.Driver {
	return &loopDriver{newContext: mount.NewContext}
}

// NewWithContext returns a loop mount driver configuring the contexts
// returned by newContext, which lets callers replace the mount and
// loop setup functions.
func NewWithContext(newContext func() *mount.Context) image.Driver {
	return &loopDriver{newContext: newContext}
}

// Init registers the driver.
func Init() error {
	sylog.Debugf("Registering Driver %v", driverName)
	return image.RegisterDriver(driverName, New())
}

func (d *loopDriver) Name() string {
	return driverName
}

func (d *loopDriver) Mount(params *image.MountParams) error {
	ctx := d.newContext()
	ctx.SetFSType("squashfs")
	ctx.AppendOptions("loop")
	ctx.AppendOptions(strings.Join(mount.FlagOptions(params.Flags|image.SquashfsFlags), ","))
	if params.Offset > 0 {
		ctx.AppendOptions("offset=" + strconv.FormatUint(params.Offset, 10))
	}
	ctx.SetSource(params.Source)
	ctx.SetTarget(params.Target)

	sylog.Verbosef("Mounting %s on %s (%s)", params.Source, params.Target, ctx.Options())
	if err := ctx.Mount(); err != nil {
		if msg := ctx.Message(); msg != "" {
			return &image.MountError{Target: params.Target, Reason: msg}
		}
		return &image.MountError{Target: params.Target}
	}
	return nil
}
