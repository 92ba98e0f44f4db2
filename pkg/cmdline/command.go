// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cmdline registers cobra command flags which can also be set
// from environment variables.
package cmdline

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// EnvPrefixes are the prefixes of the environment variables setting
// flags, by precedence.
var EnvPrefixes = []string{"SQFSMNT_"}

var lookupEnv = os.LookupEnv

// FlagError represents a flag error.
type FlagError string

func (f FlagError) Error() string {
	return string(f)
}

// CommandError represents a command error.
type CommandError string

func (c CommandError) Error() string {
	return string(c)
}

// CommandManager holds root command and all its flags.
type CommandManager struct {
	rootCmd *cobra.Command
	fm      *flagManager
	errPool []error
}

// NewCommandManager instantiates a CommandManager.
func NewCommandManager(rootCmd *cobra.Command) *CommandManager {
	cm, err := newCommandManager(rootCmd)
	if err != nil {
		panic(err)
	}
	return cm
}

func newCommandManager(rootCmd *cobra.Command) (*CommandManager, error) {
	if rootCmd == nil {
		return nil, errors.New("nil root command passed")
	}
	return &CommandManager{
		rootCmd: rootCmd,
		fm:      newFlagManager(),
		errPool: make([]error, 0),
	}, nil
}

func (m *CommandManager) pushError(format string, a ...interface{}) {
	m.errPool = append(m.errPool, fmt.Errorf(format, a...))
}

// GetError returns the errors reported while registering flags.
func (m *CommandManager) GetError() []error {
	return m.errPool
}

// GetRootCmd returns the root command.
func (m *CommandManager) GetRootCmd() *cobra.Command {
	return m.rootCmd
}

// RegisterFlagForCmd registers a flag for one or more commands.
func (m *CommandManager) RegisterFlagForCmd(flag *Flag, cmds ...*cobra.Command) {
	if flag == nil {
		m.pushError("nil flag provided")
		return
	}
	if len(cmds) == 0 {
		m.pushError("no command provided for flag %s", flag.Name)
		return
	}
	for _, c := range cmds {
		if c == nil {
			m.pushError("nil command provided for flag %s", flag.Name)
			return
		}
	}
	if err := m.fm.registerFlagForCmd(flag, cmds...); err != nil {
		m.pushError("while registering flag %s: %s", flag.Name, err)
	}
}

// UpdateCmdFlagFromEnv sets the flags of cmd from the environment
// variables using the prefix of the given precedence in EnvPrefixes,
// a negative precedence looks up keys without prefix. foundKeys
// records the keys already found with a higher precedence.
func (m *CommandManager) UpdateCmdFlagFromEnv(cmd *cobra.Command, precedence int, foundKeys map[string]string) error {
	prefix := ""
	if precedence >= 0 {
		if precedence >= len(EnvPrefixes) {
			return fmt.Errorf("no environment prefix with precedence %d", precedence)
		}
		prefix = EnvPrefixes[precedence]
	}
	return m.fm.updateCmdFlagFromEnv(cmd, prefix, foundKeys)
}
