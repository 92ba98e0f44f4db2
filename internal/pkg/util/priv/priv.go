// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package priv drives the identity and namespace transitions around
// the mount loop.
//
// A Manager moves through Unprivileged, Transitioning, Privileged and
// Returned. Mount backends may only be called while Privileged and the
// target command may only be executed once the Manager has left the
// Privileged state.
package priv

import (
	"fmt"
	"syscall"

	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"golang.org/x/sys/unix"
)

// State is the position of a Manager in the transition sequence.
type State int

const (
	Unprivileged State = iota
	Transitioning
	Privileged
	Returned
	Failed
)

func (s State) String() string {
	switch s {
	case Unprivileged:
		return "unprivileged"
	case Transitioning:
		return "transitioning"
	case Privileged:
		return "privileged"
	case Returned:
		return "returned"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode tells how the Privileged state was reached.
type Mode int

const (
	NoMode Mode = iota
	// MountNamespace is real root in a private mount namespace.
	MountNamespace
	// UserNamespace is root mapped to the caller in a user namespace.
	UserNamespace
)

func (m Mode) String() string {
	switch m {
	case MountNamespace:
		return "mount namespace"
	case UserNamespace:
		return "user namespace"
	}
	return "none"
}

// Identity is the caller identity captured before any transition.
type Identity struct {
	UID int
	GID int
}

// TransitionError reports a failed identity or namespace change. It is
// always fatal for the caller.
type TransitionError struct {
	Op  string
	Err error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("privilege transition failed while %s: %v", e.Op, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Manager performs the transitions for one process. It is not safe
// for concurrent use, all calls must come from the goroutine which
// will later execute the target command.
type Manager struct {
	sys   System
	id    Identity
	state State
	mode  Mode
}

// NewManager returns a Manager in the Unprivileged state.
func NewManager(sys System, id Identity) *Manager {
	return &Manager{
		sys:   sys,
		id:    id,
		state: Unprivileged,
	}
}

// Identity returns the caller identity the Manager returns to.
func (m *Manager) Identity() Identity {
	return m.id
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Mode returns how the Privileged state was reached.
func (m *Manager) Mode() Mode {
	return m.mode
}

func (m *Manager) fail(op string, err error) error {
	m.state = Failed
	return &TransitionError{Op: op, Err: err}
}

func (m *Manager) begin(op string) error {
	if m.state != Unprivileged {
		return m.fail(op, fmt.Errorf("unexpected state %s", m.state))
	}
	m.state = Transitioning
	return nil
}

// remountPrivate stops mount propagation from the new namespace to
// the namespace of the caller.
func (m *Manager) remountPrivate() error {
	if err := m.sys.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return m.fail("remounting / as private", err)
	}
	return nil
}

// BecomeRootViaMountNamespace unshares the mount namespace, makes / private
// and sets real, effective and saved ids to 0. It requires the process
// to hold CAP_SYS_ADMIN and CAP_SETUID, typically as a setuid binary.
// The calling goroutine stays locked to its thread.
func (m *Manager) BecomeRootViaMountNamespace() error {
	const op = "becoming root in a mount namespace"

	if err := m.begin(op); err != nil {
		return err
	}

	// the mount namespace belongs to the thread
	m.sys.LockOSThread()

	if err := m.sys.Unshare(unix.CLONE_NEWNS); err != nil {
		return m.fail("creating mount namespace", err)
	}
	if err := m.remountPrivate(); err != nil {
		return err
	}
	if err := m.sys.Setresgid(0, 0, 0); err != nil {
		return m.fail("changing group ID to 0", err)
	}
	if err := m.sys.Setresuid(0, 0, 0); err != nil {
		return m.fail("changing user ID to 0", err)
	}

	m.state = Privileged
	m.mode = MountNamespace
	sylog.Debugf("Running as root in a private mount namespace")
	return nil
}

// BecomeRootViaUserNamespace completes the user namespace transition
// inside a process started with UserNamespaceAttr: it checks that the
// process runs as root in a user namespace and makes / private.
func (m *Manager) BecomeRootViaUserNamespace() error {
	const op = "becoming root in a user namespace"

	if err := m.begin(op); err != nil {
		return err
	}

	m.sys.LockOSThread()

	if !m.sys.InUserNamespace() {
		return m.fail(op, fmt.Errorf("not running in a user namespace"))
	}
	if uid := m.sys.Getuid(); uid != 0 {
		return m.fail(op, fmt.Errorf("user ID is %d instead of 0", uid))
	}
	if err := m.remountPrivate(); err != nil {
		return err
	}

	m.state = Privileged
	m.mode = UserNamespace
	sylog.Debugf("Running as root in a user namespace")
	return nil
}

// ReturnToCallerAndLock restores the caller identity and sets the no new
// privileges flag. It is only valid after BecomeRootViaMountNamespace,
// a second call is a no-op.
func (m *Manager) ReturnToCallerAndLock() error {
	if m.state == Returned {
		return nil
	}
	if m.state != Privileged || m.mode != MountNamespace {
		return m.fail("returning to caller", fmt.Errorf("unexpected state %s (%s)", m.state, m.mode))
	}

	m.state = Transitioning

	if err := m.sys.Setresgid(m.id.GID, m.id.GID, m.id.GID); err != nil {
		return m.fail(fmt.Sprintf("changing group ID to %d", m.id.GID), err)
	}
	if err := m.sys.Setresuid(m.id.UID, m.id.UID, m.id.UID); err != nil {
		return m.fail(fmt.Sprintf("changing user ID to %d", m.id.UID), err)
	}
	if uid := m.sys.Getuid(); uid != m.id.UID {
		return m.fail("returning to caller", fmt.Errorf("user ID is %d instead of %d", uid, m.id.UID))
	}
	if err := m.sys.SetNoNewPrivs(); err != nil {
		return m.fail("setting no new privileges", err)
	}
	if set, err := m.sys.NoNewPrivs(); err != nil {
		return m.fail("checking no new privileges", err)
	} else if !set {
		return m.fail("checking no new privileges", fmt.Errorf("flag not set"))
	}

	m.state = Returned
	sylog.Debugf("Returned to user %d, group %d", m.id.UID, m.id.GID)
	return nil
}

// RequirePrivileged returns an error unless the Manager is Privileged.
func (m *Manager) RequirePrivileged() error {
	if m.state != Privileged {
		return fmt.Errorf("operation requires privileges, current state is %s", m.state)
	}
	return nil
}

// RequireUnprivileged returns an error while privileges are held or
// after a failed transition.
func (m *Manager) RequireUnprivileged() error {
	switch m.state {
	case Unprivileged, Returned:
		return nil
	}
	return fmt.Errorf("operation requires dropped privileges, current state is %s", m.state)
}

// UserNamespaceAttr returns the process attributes creating a user and
// mount namespace where root maps to id.
func UserNamespaceAttr(id Identity) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: id.UID, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: id.GID, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
}

// ReturnAttr returns the process attributes creating a nested user
// namespace where root of the current namespace maps back to id. The
// child shares the mount namespace of its parent.
func ReturnAttr(id Identity) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: id.UID, HostID: 0, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: id.GID, HostID: 0, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
}
