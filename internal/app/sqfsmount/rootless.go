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
	osexec "os/exec"
	"os/signal"
	"syscall"

	"github.com/apptainer/squashfs-mount/internal/pkg/mountentry"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/env"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/exec"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/priv"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/apptainer/squashfs-mount/pkg/util/namespaces"
	"github.com/docker/docker/pkg/reexec"
)

// Re-exec names of the rootless stages.
const (
	MountStage = "squashfs-mount-rootless-mount"
	ExecStage  = "squashfs-mount-rootless-exec"
)

// stageSeparator splits mounts from the command in the arguments of
// the mount stage.
const stageSeparator = "--"

// exitFailure is the exit status of a stage failing before its child
// could run.
const exitFailure = 255

// forwardedSignals are relayed by waiting stages to their child.
var forwardedSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
}

func init() {
	reexec.Register(MountStage, func() {
		os.Exit(stageExit(RunMountStage(os.Args[1:])))
	})
	reexec.Register(ExecStage, func() {
		os.Exit(stageExit(0, RunExecStage(os.Args[1:])))
	})
}

// stageExit reports err and returns the exit status of a stage.
func stageExit(code int, err error) int {
	if err == nil {
		return code
	}
	sylog.Errorf("%s", err)
	var ee *exec.ExecError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return exitFailure
}

// mountStageArgs encodes the mounts and the command for the mount stage.
func mountStageArgs(entries []mountentry.Entry, command []string) []string {
	args := make([]string, 0, len(entries)+len(command)+1)
	args = append(args, mountentry.Tokens(entries)...)
	args = append(args, stageSeparator)
	return append(args, command...)
}

// splitStageArgs reverses mountStageArgs.
func splitStageArgs(args []string) (mounts, command []string, err error) {
	for i, a := range args {
		if a == stageSeparator {
			return args[:i], args[i+1:], nil
		}
	}
	return nil, nil, fmt.Errorf("missing %s in stage arguments", stageSeparator)
}

// RunRootless runs the mount stage in a new user and mount namespace
// where the caller is root, and returns the exit status of the command.
func RunRootless(opts Options) (int, error) {
	if len(opts.Command) == 0 {
		return 0, errors.New("no command to execute")
	}
	entries, err := parseMounts(opts.Mounts)
	if err != nil {
		return 0, err
	}

	id := priv.Identity{UID: os.Getuid(), GID: os.Getgid()}

	cmd := reexec.Command(append([]string{MountStage}, mountStageArgs(entries, opts.Command)...)...)
	cmd.SysProcAttr = priv.UserNamespaceAttr(id)
	cmd.Env = append(os.Environ(), sylog.GetEnvVar())
	return runChild(cmd)
}

// RunMountStage mounts the images with the FUSE backend and runs the
// exec stage, returning its exit status. The process is expected to
// run as root in the user namespace created by RunRootless.
func RunMountStage(args []string) (int, error) {
	tokens, command, err := splitStageArgs(args)
	if err != nil {
		return 0, err
	}
	if len(command) == 0 {
		return 0, errors.New("no command to execute")
	}
	entries, err := mountentry.Parse(tokens)
	if err != nil {
		return 0, err
	}
	cfg, err := LoadConfig()
	if err != nil {
		return 0, err
	}
	driver, err := backend(FuseBackend, cfg)
	if err != nil {
		return 0, err
	}

	uid, err := namespaces.HostUID()
	if err != nil {
		return 0, err
	}
	gid, err := namespaces.HostGID()
	if err != nil {
		return 0, err
	}
	id := priv.Identity{UID: int(uid), GID: int(gid)}

	m := priv.NewManager(priv.HostSystem{}, id)
	if err := m.BecomeRootViaUserNamespace(); err != nil {
		return 0, err
	}

	o := &Orchestrator{Backend: driver, Guard: m}
	res, err := o.MountAll(entries)
	if err != nil {
		return 0, err
	}
	environ, err := env.Build(os.Environ(), res.Entries, cfg.MountListFormat)
	if err != nil {
		return 0, err
	}

	cmd := reexec.Command(append([]string{ExecStage}, command...)...)
	cmd.SysProcAttr = priv.ReturnAttr(id)
	cmd.Env = append(environ, sylog.GetEnvVar())
	return runChild(cmd)
}

// RunExecStage executes the command as the caller. It only returns
// on failure.
func RunExecStage(args []string) error {
	if len(args) == 0 {
		return errors.New("no command to execute")
	}
	environ := env.Unset(os.Environ(), sylog.MessageLevelEnv)
	return exec.Exec(args, environ)
}

// runChild starts cmd with the standard streams of the process,
// relays signals to it and returns its exit status.
func runChild(cmd *osexec.Cmd) (int, error) {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, forwardedSignals...)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("while starting %s: %w", cmd.Args[0], err)
	}
	sylog.Debugf("Started %s with PID %d", cmd.Args[0], cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	for {
		select {
		case sig := <-sigCh:
			sylog.Debugf("Forwarding %s to PID %d", sig, cmd.Process.Pid)
			if err := cmd.Process.Signal(sig); err != nil {
				sylog.Debugf("While forwarding %s: %s", sig, err)
			}
		case err := <-done:
			return exitStatus(cmd.ProcessState, err)
		}
	}
}

// exitStatus converts the state of a terminated child into an exit
// status, 128+N when killed by signal N.
func exitStatus(state *os.ProcessState, err error) (int, error) {
	var exitErr *osexec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 0, err
	}
	if state == nil {
		return 0, errors.New("no process state")
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return state.ExitCode(), nil
}
