// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/apptainer/squashfs-mount/docs"
	"github.com/apptainer/squashfs-mount/internal/app/sqfsmount"
	"github.com/apptainer/squashfs-mount/internal/pkg/buildcfg"
	"github.com/apptainer/squashfs-mount/internal/pkg/util/exec"
	"github.com/apptainer/squashfs-mount/pkg/cmdline"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// command flags
var (
	debug   bool
	nocolor bool
	quiet   bool
)

// -d|--debug
var debugFlag = cmdline.Flag{
	ID:           "debugFlag",
	Value:        &debug,
	DefaultValue: false,
	Name:         "debug",
	ShortHand:    "d",
	Usage:        "print debugging information (highest verbosity)",
	EnvKeys:      []string{"DEBUG"},
}

// --nocolor
var noColorFlag = cmdline.Flag{
	ID:           "noColorFlag",
	Value:        &nocolor,
	DefaultValue: false,
	Name:         "nocolor",
	Usage:        "print without color output (default False)",
	EnvKeys:      []string{"NOCOLOR"},
}

// -q|--quiet
var quietFlag = cmdline.Flag{
	ID:           "quietFlag",
	Value:        &quiet,
	DefaultValue: false,
	Name:         "quiet",
	ShortHand:    "q",
	Usage:        "suppress normal output",
	EnvKeys:      []string{"QUIET"},
}

// commandSeparator separates the mounts from the command.
const commandSeparator = "--"

func setSylogMessageLevel() {
	color := !nocolor && term.IsTerminal(2)

	switch {
	case debug:
		sylog.SetLevel(5, color)
	case quiet:
		sylog.SetLevel(-1, color)
	case !color:
		sylog.DisableColor()
	}
}

// splitArgs separates the mounts from the command in the positional
// arguments left by cobra.
func splitArgs(cmd *cobra.Command, args []string) (sqfsmount.Options, error) {
	var opts sqfsmount.Options

	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		for i, a := range args {
			if a == commandSeparator {
				dash = i
				args = append(args[:i:i], args[i+1:]...)
				break
			}
		}
	}
	if dash < 0 {
		return opts, cmdline.CommandError(fmt.Sprintf("missing %s before the command to execute", commandSeparator))
	}

	opts.Mounts = args[:dash]
	opts.Command = args[dash:]
	if len(opts.Command) == 0 {
		return opts, cmdline.CommandError("no command to execute")
	}
	return opts, nil
}

// newCommand returns a command mounting images with run.
func newCommand(use, short, long, example string, run func(*cobra.Command, sqfsmount.Options) error) (*cobra.Command, *cmdline.CommandManager) {
	cmd := &cobra.Command{
		Use:                   use,
		Short:                 short,
		Long:                  long,
		Example:               example,
		Version:               buildcfg.PACKAGE_VERSION,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := splitArgs(cmd, args)
			if err != nil {
				return err
			}
			return run(cmd, opts)
		},
	}
	cmd.Flags().SetInterspersed(false)

	vt := fmt.Sprintf("%s version {{printf \"%%s\" .Version}}\n", cmd.Name())
	cmd.SetVersionTemplate(vt)

	cmdManager := cmdline.NewCommandManager(cmd)
	cmdManager.RegisterFlagForCmd(&debugFlag, cmd)
	cmdManager.RegisterFlagForCmd(&noColorFlag, cmd)
	cmdManager.RegisterFlagForCmd(&quietFlag, cmd)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		foundKeys := make(map[string]string)
		for precedence := range cmdline.EnvPrefixes {
			if err := cmdManager.UpdateCmdFlagFromEnv(cmd, precedence, foundKeys); err != nil {
				return cmdline.FlagError(fmt.Sprintf("while parsing environment variables: %s", err))
			}
		}
		setSylogMessageLevel()
		return nil
	}
	return cmd, cmdManager
}

// fatal reports err and exits, with the status a shell would use when
// the command could not be executed.
func fatal(err error) {
	var ee *exec.ExecError
	if errors.As(err, &ee) {
		sylog.Errorf("%s", err)
		os.Exit(ee.ExitCode())
	}
	sylog.Fatalf("%s", err)
}

// SquashfsMountCmd returns the command of the privileged binary.
func SquashfsMountCmd() *cobra.Command {
	cmd, _ := newCommand(
		docs.SquashfsMountUse,
		docs.SquashfsMountShort,
		docs.SquashfsMountLong,
		docs.SquashfsMountExample,
		func(_ *cobra.Command, opts sqfsmount.Options) error {
			// only returns on failure
			fatal(sqfsmount.Run(opts))
			return nil
		},
	)
	return cmd
}

// SquashfsMountRootlessCmd returns the command of the unprivileged binary.
func SquashfsMountRootlessCmd() *cobra.Command {
	cmd, _ := newCommand(
		docs.SquashfsMountRootlessUse,
		docs.SquashfsMountRootlessShort,
		docs.SquashfsMountRootlessLong,
		docs.SquashfsMountRootlessExample,
		func(_ *cobra.Command, opts sqfsmount.Options) error {
			code, err := sqfsmount.RunRootless(opts)
			if err != nil {
				fatal(err)
			}
			os.Exit(code)
			return nil
		},
	)
	return cmd
}

// Execute runs cmd with the process arguments and exits on usage
// errors.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrf("Error: %s\n\n", err)
		if _, ok := err.(cmdline.FlagError); ok {
			cmd.PrintErrf("Options:\n\n%s\n", cmd.Flags().FlagUsages())
		} else {
			cmd.PrintErrln(cmd.UsageString())
		}
		cmd.PrintErrf("Run '%s --help' for more detailed usage information.\n", cmd.CommandPath())
		os.Exit(1)
	}
}
