// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sqfsmountconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/pelletier/go-toml/v2"
)

// Mount list formats accepted by mount_list_format.
const (
	MountListPlain   = "plain"
	MountListFileURI = "file"
)

// currentConfig corresponds to the current configuration, may
// be useful for packages requiring to share the same configuration.
var currentConfig *File

// SetCurrentConfig sets the provided configuration as the current
// configuration.
func SetCurrentConfig(config *File) {
	currentConfig = config
}

// GetCurrentConfig returns the current configuration if any.
func GetCurrentConfig() *File {
	return currentConfig
}

// File describes the squashfs-mount.toml file options.
type File struct {
	// MaxLoopDevices is the highest /dev/loopN probed by the loop backend.
	MaxLoopDevices uint `toml:"max_loop_devices"`
	// SharedLoopDevices reuses a loop device already bound to the same image.
	SharedLoopDevices bool `toml:"shared_loop_devices"`
	// MountListFormat is either "plain" (image:mountpoint) or "file"
	// (file://image:mountpoint) for UENV_MOUNT_LIST.
	MountListFormat string `toml:"mount_list_format"`
	// IdleTimeout unmounts a FUSE mount after that many seconds
	// without filesystem requests, 0 disables it.
	IdleTimeout uint `toml:"idle_timeout"`
	// VerifyMounts checks /proc/self/mountinfo after each FUSE mount.
	VerifyMounts bool `toml:"verify_mounts"`
}

// Default returns the configuration used when no file is present.
func Default() *File {
	return &File{
		MaxLoopDevices:    256,
		SharedLoopDevices: false,
		MountListFormat:   MountListPlain,
		IdleTimeout:       0,
		VerifyMounts:      true,
	}
}

// Parse parses the configuration file at path. A missing file is
// not an error, the defaults are returned instead.
func Parse(path string) (*File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		sylog.Debugf("No configuration file %s, using defaults", path)
		return Default(), nil
	} else if err != nil {
		return nil, fmt.Errorf("while opening configuration file %s: %w", path, err)
	}
	defer f.Close()

	c, err := ParseReader(f)
	if err != nil {
		return nil, fmt.Errorf("while parsing configuration file %s: %w", path, err)
	}
	return c, nil
}

// ParseReader decodes a configuration over the defaults and
// validates it. Unknown keys are rejected.
func ParseReader(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	c := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return nil, fmt.Errorf("unknown configuration keys:\n%s", sme.String())
		}
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *File) validate() error {
	switch c.MountListFormat {
	case MountListPlain, MountListFileURI:
	default:
		return fmt.Errorf("mount_list_format: %q is not one of %q or %q", c.MountListFormat, MountListPlain, MountListFileURI)
	}
	if c.MaxLoopDevices == 0 {
		return fmt.Errorf("max_loop_devices must be greater than zero")
	}
	return nil
}
