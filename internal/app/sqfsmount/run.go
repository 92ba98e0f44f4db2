// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sqfsmount

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/apptainer/squashfs-mount/internal/pkg/buildcfg"
	"github.com/apptainer/squashfs-mount/internal/pkg/image/driver/loopmount"
	"github.com/apptainer/squashfs-mount/internal/pkg/image/driver/squashfuse"
	"github.com/apptainer/squashfs-mount/internal/pkg/mountentry"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/env"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/exec"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/priv"
	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/apptainer/squashfs-mount/pkg/util/sqfsmountconf"
)

// Backend names.
const (
	LoopBackend = "loop"
	FuseBackend = "squashfuse"
)

// Options are the parsed command line.
type Options struct {
	// Mounts are the image:mountpoint tokens.
	Mounts []string
	// Command is the command to execute and its arguments.
	Command []string
}

var initDriversOnce sync.Once

// LoadConfig returns the current configuration, parsing the
// configuration file on first use.
func LoadConfig() (*sqfsmountconf.File, error) {
	if cfg := sqfsmountconf.GetCurrentConfig(); cfg != nil {
		return cfg, nil
	}
	cfg, err := sqfsmountconf.Parse(buildcfg.SQFSMOUNT_CONF_FILE)
	if err != nil {
		return nil, err
	}
	sqfsmountconf.SetCurrentConfig(cfg)
	return cfg, nil
}

// backend registers the image drivers and returns the named one.
func backend(name string, cfg *sqfsmountconf.File) (image.Driver, error) {
	var err error

	initDriversOnce.Do(func() {
		err = errors.Join(loopmount.Init(), squashfuse.Init(cfg))
	})
	if err != nil {
		return nil, fmt.Errorf("while registering image drivers: %w", err)
	}
	d := image.GetDriver(name)
	if d == nil {
		return nil, fmt.Errorf("no %s image driver, available drivers: %v", name, image.Drivers())
	}
	return d, nil
}

func parseMounts(tokens []string) ([]mountentry.Entry, error) {
	entries, err := mountentry.Parse(tokens)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		sylog.Warningf("No image to mount, executing the command only")
	}
	return entries, nil
}

// Run mounts the images with the loop backend in a private mount
// namespace and executes the command as the caller. It must be called
// from the main goroutine and only returns on failure.
func Run(opts Options) error {
	if len(opts.Command) == 0 {
		return errors.New("no command to execute")
	}
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	entries, err := parseMounts(opts.Mounts)
	if err != nil {
		return err
	}
	driver, err := backend(LoopBackend, cfg)
	if err != nil {
		return err
	}

	m := priv.NewManager(priv.HostSystem{}, priv.Identity{UID: os.Getuid(), GID: os.Getgid()})
	res, err := mountPrivileged(m, driver, entries)
	if err != nil {
		return err
	}

	environ, err := env.Build(os.Environ(), res.Entries, cfg.MountListFormat)
	if err != nil {
		return err
	}
	if err := m.RequireUnprivileged(); err != nil {
		return err
	}
	return exec.Exec(opts.Command, environ)
}

// mountPrivileged mounts entries as root in a private mount namespace
// and returns to the caller identity whatever the mount outcome.
func mountPrivileged(m *priv.Manager, driver image.Driver, entries []mountentry.Entry) (*Result, error) {
	if err := m.BecomeRootViaMountNamespace(); err != nil {
		return nil, err
	}

	o := &Orchestrator{Backend: driver, Guard: m}
	res, mountErr := o.MountAll(entries)

	if err := m.ReturnToCallerAndLock(); err != nil {
		return nil, err
	}
	return res, mountErr
}
