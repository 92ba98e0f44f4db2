// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package exec replaces the running process with a command.
package exec

import (
	"errors"
	"fmt"
	"os"
	osexec "os/exec"

	"github.com/apptainer/squashfs-mount/internal/pkg/util/env"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"golang.org/x/sys/unix"
)

// Exit codes reported by shells for commands which can't be run.
const (
	ExitNotFound      = 127
	ExitNotExecutable = 126
)

var execve = unix.Exec

// ExecError is returned when the command could not be executed.
//
//nolint:revive
type ExecError struct {
	Path string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("failed to execute %s: %s", e.Path, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status a shell would report.
func (e *ExecError) ExitCode() int {
	if errors.Is(e.Err, osexec.ErrNotFound) || errors.Is(e.Err, os.ErrNotExist) {
		return ExitNotFound
	}
	return ExitNotExecutable
}

// Exec sets environ as the process environment, resolves argv[0]
// through PATH when it contains no slash, and executes it. It only
// returns on failure.
func Exec(argv []string, environ []string) error {
	if len(argv) == 0 {
		return &ExecError{Err: errors.New("no command")}
	}

	os.Clearenv()
	if err := env.SetFromList(environ); err != nil {
		return &ExecError{Path: argv[0], Err: err}
	}
	if _, ok := os.LookupEnv("PATH"); !ok {
		os.Setenv("PATH", env.DefaultPath)
	}

	path, err := osexec.LookPath(argv[0])
	if errors.Is(err, osexec.ErrDot) {
		err = nil
	}
	if err != nil {
		return &ExecError{Path: argv[0], Err: err}
	}

	sylog.Debugf("Executing %s %q", path, argv[1:])
	if err := execve(path, argv, environ); err != nil {
		return &ExecError{Path: path, Err: err}
	}
	return nil
}
