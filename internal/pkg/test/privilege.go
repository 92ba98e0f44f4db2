// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package test holds helpers shared by the unit tests.
package test

import (
	"os"
	"runtime"
	"strconv"
	"syscall"
	"testing"

	"github.com/pkg/errors"
)

var (
	origUID = os.Getuid()
	origGID = os.Getgid()

	unprivUID int
	unprivGID int
)

func init() {
	unprivUID, unprivGID = origUID, origGID

	// when running as root through sudo, the unprivileged
	// identity is the one of the user who invoked sudo
	if origUID == 0 {
		if uid, err := strconv.Atoi(os.Getenv("SUDO_UID")); err == nil {
			unprivUID = uid
		}
		if gid, err := strconv.Atoi(os.Getenv("SUDO_GID")); err == nil {
			unprivGID = gid
		}
	}
}

// threadSetresuid sets uids for the current thread only.
func threadSetresuid(ruid, euid, suid int) error {
	if _, _, e1 := syscall.Syscall(syscall.SYS_SETRESUID, uintptr(ruid), uintptr(euid), uintptr(suid)); e1 != 0 {
		return syscall.Errno(e1)
	}
	return nil
}

// threadSetresgid sets gids for the current thread only.
func threadSetresgid(rgid, egid, sgid int) error {
	if _, _, e1 := syscall.Syscall(syscall.SYS_SETRESGID, uintptr(rgid), uintptr(egid), uintptr(sgid)); e1 != 0 {
		return syscall.Errno(e1)
	}
	return nil
}

// EnsurePrivilege skips the current test if it isn't running as root.
func EnsurePrivilege(t *testing.T) {
	t.Helper()

	if origUID != 0 {
		t.Skip("test requires root privileges")
	}
}

// DropPrivilege locks the current goroutine to its thread and, when
// running as root, switches the thread to the unprivileged identity.
// ResetPrivilege must be called at the end of the test.
func DropPrivilege(t *testing.T) {
	t.Helper()

	runtime.LockOSThread()

	if os.Geteuid() != 0 {
		return
	}
	if err := threadSetresgid(unprivGID, unprivGID, 0); err != nil {
		t.Fatalf("failed to drop privileges: %+v", errors.Wrapf(err, "changing group ID to %d", unprivGID))
	}
	if err := threadSetresuid(unprivUID, unprivUID, 0); err != nil {
		t.Fatalf("failed to drop privileges: %+v", errors.Wrapf(err, "changing user ID to %d", unprivUID))
	}
}

// ResetPrivilege restores the identity changed by DropPrivilege and
// unlocks the goroutine from its thread.
func ResetPrivilege(t *testing.T) {
	t.Helper()

	defer runtime.UnlockOSThread()

	if origUID != 0 || os.Geteuid() == 0 {
		return
	}
	if err := threadSetresuid(0, 0, unprivUID); err != nil {
		t.Fatalf("failed to reset privileges: %+v", errors.Wrap(err, "changing user ID to 0"))
	}
	if err := threadSetresgid(0, 0, unprivGID); err != nil {
		t.Fatalf("failed to reset privileges: %+v", errors.Wrap(err, "changing group ID to 0"))
	}
}
