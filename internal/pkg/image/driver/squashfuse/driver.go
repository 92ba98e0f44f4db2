// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package squashfuse mounts squashfs images without kernel mount
// privilege. Every mount is served by a child process running the
// serve stage, which signals through a pipe once the image is mounted.
package squashfuse

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/apptainer/squashfs-mount/internal/pkg/util/fs/squashfs"
	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/apptainer/squashfs-mount/pkg/util/sqfsmountconf"
	"github.com/docker/docker/pkg/reexec"
	"github.com/moby/sys/mountinfo"
)

const driverName = "squashfuse"

// ServeStage is the re-exec name of the serving process.
const ServeStage = "squashfs-mount-serve"

const (
	// readyFd is the pipe write end in the serving process.
	readyFd = 3
	// fillerSize bytes of 'x' tell the parent the mount is ready.
	fillerSize = 32
)

type squashfuseDriver struct {
	// command returns the serving process for params.
	command func(params *image.MountParams) *exec.Cmd
	// verify checks the mount is visible, nil skips the check.
	verify func(target string) error

	idleTimeout uint
	servers     []*exec.Cmd
}

// New returns the squashfuse driver configured by cfg.
func New(cfg *sqfsmountconf.File) image.Driver {
	d := &squashfuseDriver{
		idleTimeout: cfg.IdleTimeout,
	}
	d.command = d.serveCommand
	if cfg.VerifyMounts {
		d.verify = verifyMount
	}
	return d
}

// Init registers the driver.
func Init(cfg *sqfsmountconf.File) error {
	sylog.Debugf("Registering Driver %v", driverName)
	return image.RegisterDriver(driverName, New(cfg))
}

func (d *squashfuseDriver) Name() string {
	return driverName
}

// serveCommand re-executes the running binary as the serve stage.
func (d *squashfuseDriver) serveCommand(params *image.MountParams) *exec.Cmd {
	cmd := reexec.Command(
		ServeStage,
		params.Source,
		params.Target,
		strconv.FormatUint(params.Offset, 10),
		strconv.FormatUint(uint64(d.idleTimeout), 10),
	)
	cmd.Env = append(os.Environ(), sylog.GetEnvVar())
	return cmd
}

// Mount starts the serving process and blocks until it reports the
// image mounted or exits. The serving process is not waited for, it
// lives until unmounted or until the calling thread exits.
func (d *squashfuseDriver) Mount(params *image.MountParams) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("while creating synchronization pipe: %w", err)
	}
	defer r.Close()

	cmd := d.command(params)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stderr = os.Stderr
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// the parent death signal is tied to the thread creating the child
	cmd.SysProcAttr.Pdeathsig = syscall.SIGHUP

	sylog.Debugf("Executing %v", cmd.String())
	if err := cmd.Start(); err != nil {
		w.Close()
		return &image.MountError{Target: params.Target, Reason: fmt.Sprintf("failed to start %s: %s", ServeStage, err)}
	}
	// only the child holds the write end now
	w.Close()

	buf := make([]byte, fillerSize)
	n, err := r.Read(buf)
	if n == 0 || (err != nil && !errors.Is(err, io.EOF)) {
		if err != nil && !errors.Is(err, io.EOF) {
			sylog.Debugf("Reading from %s failed: %v", ServeStage, err)
		}
		if werr := cmd.Wait(); werr != nil {
			sylog.Debugf("%s: %v", ServeStage, werr)
		}
		return &image.MountError{Target: params.Target, Reason: "daemon exited early"}
	}
	if d.verify != nil {
		if err := d.verify(params.Target); err != nil {
			cmd.Process.Signal(syscall.SIGHUP)
			if werr := cmd.Wait(); werr != nil {
				sylog.Debugf("%s: %v", ServeStage, werr)
			}
			return &image.MountError{Target: params.Target, Reason: err.Error()}
		}
	}
	d.servers = append(d.servers, cmd)
	sylog.Debugf("%s mounted on %s by process %d", params.Source, params.Target, cmd.Process.Pid)
	return nil
}

// verifyMount checks that a FUSE filesystem is mounted on target.
func verifyMount(target string) error {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(target))
	if err != nil {
		return fmt.Errorf("while reading mount table: %w", err)
	}
	for _, m := range mounts {
		if m.FSType == "fuse."+squashfs.FsName {
			return nil
		}
	}
	return fmt.Errorf("%s is not in the mount table", target)
}
