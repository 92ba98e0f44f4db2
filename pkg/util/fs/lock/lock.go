// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package lock serializes loop device allocation between concurrent
// squashfs-mount processes.
package lock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Lock is a flock(2) lock held on a path.
type Lock struct {
	path string
	fd   int
}

func open(path string) (*Lock, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("while opening %s for locking: %w", path, err)
	}
	return &Lock{path: path, fd: fd}, nil
}

// Exclusive blocks until an exclusive lock is held on path.
func Exclusive(path string) (*Lock, error) {
	l, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(l.fd, unix.LOCK_EX); err != nil {
		unix.Close(l.fd)
		return nil, fmt.Errorf("while locking %s: %w", path, err)
	}
	return l, nil
}

// TryExclusive takes an exclusive lock on path without blocking. It
// returns false when another open file description holds a lock.
func TryExclusive(path string) (*Lock, bool, error) {
	l, err := open(path)
	if err != nil {
		return nil, false, err
	}
	err = unix.Flock(l.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return l, true, nil
	}
	unix.Close(l.fd)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("while locking %s: %w", path, err)
}

// Path returns the locked path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock.
func (l *Lock) Release() error {
	defer unix.Close(l.fd)
	return unix.Flock(l.fd, unix.LOCK_UN)
}
