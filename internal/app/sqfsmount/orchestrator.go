// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sqfsmount mounts squashfs images and executes a command
// seeing them.
package sqfsmount

import (
	"fmt"

	"github.com/apptainer/squashfs-mount/internal/pkg/mountentry"
	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
)

// Guard reports whether mounts are allowed.
type Guard interface {
	RequirePrivileged() error
}

// DuplicateMountpointError is returned when two entries share a
// mountpoint. No mount is attempted in that case.
type DuplicateMountpointError struct {
	Mountpoint string
}

func (e *DuplicateMountpointError) Error() string {
	return fmt.Sprintf("duplicate mountpoint %s", e.Mountpoint)
}

// Result describes the entries mounted by MountAll.
type Result struct {
	// Entries are the mounted entries, sorted by mountpoint.
	Entries []mountentry.Entry
	// Warnings are the non fatal issues found in the entries.
	Warnings []string
}

// Orchestrator mounts a set of entries with one backend.
type Orchestrator struct {
	Backend image.Driver
	Guard   Guard
}

// MountAll sorts and checks entries, then mounts them one after the
// other. It stops at the first failure, mounts done before it are left
// in place.
func (o *Orchestrator) MountAll(entries []mountentry.Entry) (*Result, error) {
	sorted := make([]mountentry.Entry, len(entries))
	copy(sorted, entries)
	mountentry.Sort(sorted)

	if mp, ok := mountentry.DuplicateMountpoint(sorted); ok {
		return nil, &DuplicateMountpointError{Mountpoint: mp}
	}

	res := &Result{Entries: make([]mountentry.Entry, 0, len(sorted))}
	for _, img := range mountentry.DuplicateImages(sorted) {
		w := fmt.Sprintf("image %s is mounted more than once", img)
		sylog.Warningf("%s", w)
		res.Warnings = append(res.Warnings, w)
	}

	if len(sorted) == 0 {
		return res, nil
	}
	if err := o.Guard.RequirePrivileged(); err != nil {
		return res, err
	}

	for _, e := range sorted {
		e, err := e.Validate()
		if err != nil {
			return res, err
		}
		params := &image.MountParams{
			Source: e.Image,
			Target: e.Mountpoint,
			Flags:  image.SquashfsFlags,
			Offset: e.Offset,
		}
		sylog.Verbosef("Mounting %s on %s with %s driver", e.Image, e.Mountpoint, o.Backend.Name())
		if err := o.Backend.Mount(params); err != nil {
			return res, err
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}
