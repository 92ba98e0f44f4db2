// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2020, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package image

import (
	"fmt"
	"sort"
	"syscall"
)

// SquashfsFlags are the mount flags applied to every image mount.
const SquashfsFlags = syscall.MS_RDONLY | syscall.MS_NOSUID | syscall.MS_NODEV

// MountFunc defines mount function prototype
type MountFunc func(source string, target string, filesystem string, flags uintptr, data string) error

// MountParams defines parameters passed to driver interface
// while mounting images.
type MountParams struct {
	Source string  // image source
	Target string  // image target mount point
	Flags  uintptr // mount flags added to SquashfsFlags
	Offset uint64  // offset where start filesystem
}

// Driver defines the image driver interface to register. A driver
// must only be called while the process holds the privileges it needs:
// real root for kernel mounts, a root-mapped user namespace for FUSE.
type Driver interface {
	// Name returns the name the driver is registered with.
	Name() string
	// Mount mounts Source on Target. On return without error the
	// filesystem is visible at Target.
	Mount(*MountParams) error
}

// MountError is returned by drivers when a mount did not happen and
// no more specific diagnostic is available.
type MountError struct {
	Target string
	Reason string
}

func (e *MountError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("failed to mount %s", e.Target)
	}
	return fmt.Sprintf("failed to mount %s: %s", e.Target, e.Reason)
}

// drivers holds all registered image drivers
var drivers = make(map[string]Driver)

// RegisterDriver registers an image driver by name.
func RegisterDriver(name string, driver Driver) error {
	if name == "" {
		return fmt.Errorf("empty name")
	} else if _, ok := drivers[name]; ok {
		return fmt.Errorf("%s is already registered", name)
	} else if driver == nil {
		return fmt.Errorf("nil driver")
	}
	drivers[name] = driver
	return nil
}

// GetDriver returns the named image driver interface.
func GetDriver(name string) Driver {
	return drivers[name]
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
