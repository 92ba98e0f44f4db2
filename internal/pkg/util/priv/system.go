// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package priv

import (
	"os"
	"runtime"
	"syscall"

	"github.com/apptainer/squashfs-mount/pkg/util/namespaces"
	"golang.org/x/sys/unix"
)

// System is the operating system surface used by a Manager.
type System interface {
	LockOSThread()
	Unshare(flags int) error
	Mount(source, target, fstype string, flags uintptr, data string) error
	Setresuid(ruid, euid, suid int) error
	Setresgid(rgid, egid, sgid int) error
	Getuid() int
	SetNoNewPrivs() error
	NoNewPrivs() (bool, error)
	InUserNamespace() bool
}

// HostSystem is the System of the running process.
type HostSystem struct{}

func (HostSystem) LockOSThread() {
	runtime.LockOSThread()
}

func (HostSystem) Unshare(flags int) error {
	return unix.Unshare(flags)
}

func (HostSystem) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

// Setresuid applies to all threads of the process.
func (HostSystem) Setresuid(ruid, euid, suid int) error {
	return syscall.Setresuid(ruid, euid, suid)
}

// Setresgid applies to all threads of the process.
func (HostSystem) Setresgid(rgid, egid, sgid int) error {
	return syscall.Setresgid(rgid, egid, sgid)
}

func (HostSystem) Getuid() int {
	return os.Getuid()
}

// SetNoNewPrivs applies to the calling thread and is inherited across
// execve.
func (HostSystem) SetNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

func (HostSystem) NoNewPrivs() (bool, error) {
	v, err := unix.PrctlRetInt(unix.PR_GET_NO_NEW_PRIVS, 0, 0, 0, 0)
	return v == 1, err
}

func (HostSystem) InUserNamespace() bool {
	inside, _ := namespaces.IsInsideUserNamespace(os.Getpid())
	return inside
}
