// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mount executes single filesystem mounts described by a
// filesystem type, an option string, a source and a target, including
// the loop device setup requested by the loop option.
package mount

import (
	"fmt"
	"strings"

	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/apptainer/squashfs-mount/pkg/util/loop"
	"golang.org/x/sys/unix"
)

// LoopAttacher binds an image to a loop device. The returned device
// stays bound until closed.
type LoopAttacher func(path string, info *unix.LoopInfo64) (*loop.Device, error)

// AttachLoop is the default LoopAttacher, it honors the loop settings
// of the current configuration.
func AttachLoop(path string, info *unix.LoopInfo64) (*loop.Device, error) {
	maxDevices, err := loop.GetMaxLoopDevices()
	if err != nil {
		return nil, err
	}
	dev := &loop.Device{
		MaxLoopDevices: maxDevices,
		Shared:         loop.SharedLoopDevices(),
		Info:           info,
	}
	if err := dev.AttachPath(path); err != nil {
		return nil, err
	}
	return dev, nil
}

// Context describes one mount. It must be configured with SetFSType,
// SetSource and SetTarget before calling Mount.
type Context struct {
	fstype  string
	source  string
	target  string
	options []string

	mountFunc  image.MountFunc
	attachLoop LoopAttacher

	// last error message, kept for diagnostics
	message string
}

// NewContext returns a Context performing mounts with unix.Mount.
func NewContext() *Context {
	return &Context{
		mountFunc:  unix.Mount,
		attachLoop: AttachLoop,
	}
}

// SetMountFunc replaces the mount system call.
func (c *Context) SetMountFunc(fn image.MountFunc) {
	c.mountFunc = fn
}

// SetLoopAttacher replaces the loop device setup.
func (c *Context) SetLoopAttacher(fn LoopAttacher) {
	c.attachLoop = fn
}

func (c *Context) SetFSType(fstype string) {
	c.fstype = fstype
}

func (c *Context) SetSource(source string) {
	c.source = source
}

func (c *Context) SetTarget(target string) {
	c.target = target
}

// AppendOptions appends a comma separated option string.
func (c *Context) AppendOptions(opts string) {
	c.options = append(c.options, SplitOptions(opts)...)
}

// Options returns the options appended so far.
func (c *Context) Options() string {
	return strings.Join(c.options, ",")
}

// Message returns the diagnostic of the last failed Mount.
func (c *Context) Message() string {
	return c.message
}

func (c *Context) failf(format string, args ...interface{}) error {
	c.message = fmt.Sprintf(format, args...)
	return fmt.Errorf("%s", c.message)
}

// Mount performs the mount.
func (c *Context) Mount() error {
	c.message = ""

	if c.source == "" || c.target == "" {
		return c.failf("source and target are required")
	}
	if c.fstype == "" {
		return c.failf("filesystem type is required")
	}

	opts, err := ParseOptions(c.options)
	if err != nil {
		return c.failf("%s", err)
	}

	source := c.source
	if opts.Loop {
		info := &unix.LoopInfo64{
			Offset: opts.Offset,
			Flags:  unix.LO_FLAGS_AUTOCLEAR,
		}
		if opts.Flags&unix.MS_RDONLY != 0 {
			info.Flags |= unix.LO_FLAGS_READ_ONLY
		}
		dev, err := c.attachLoop(c.source, info)
		if err != nil {
			return c.failf("failed to set up loop device for %s: %s", c.source, err)
		}
		// autoclear releases the device on unmount, or now
		// if the mount fails
		defer dev.Close()
		source = dev.Path()
		sylog.Debugf("Attached %s to %s", c.source, source)
	}

	data := strings.Join(opts.Data, ",")
	sylog.Debugf("Mounting %s on %s (type %s, flags %#x, data %q)", source, c.target, c.fstype, opts.Flags, data)
	if err := c.mountFunc(source, c.target, c.fstype, opts.Flags, data); err != nil {
		return c.failf("mount %s on %s failed: %s", c.source, c.target, err)
	}
	return nil
}
