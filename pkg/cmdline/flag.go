// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cmdline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Flag holds information about a command flag
type Flag struct {
	ID           string
	Value        interface{}
	DefaultValue interface{}
	Name         string
	ShortHand    string
	Usage        string
	Tag          string
	Deprecated   string
	Hidden       bool
	Required     bool
	EnvKeys      []string
	EnvHandler   EnvHandler
}

// EnvHandler is a function applying an environment value to a flag.
type EnvHandler func(*pflag.Flag, string) error

// flagManager manages cobra command flags and store them
// in a hash map
type flagManager struct {
	flags map[string]*Flag
}

// newFlagManager instantiates a flag manager and returns it
func newFlagManager() *flagManager {
	return &flagManager{
		flags: make(map[string]*Flag),
	}
}

func (m *flagManager) setFlagOptions(flag *Flag, cmd *cobra.Command) {
	cmd.Flags().SetAnnotation(flag.Name, "envkey", flag.EnvKeys)
	cmd.Flags().SetAnnotation(flag.Name, "ID", []string{flag.ID})

	if len(flag.Tag) > 0 {
		cmd.Flags().SetAnnotation(flag.Name, "argtag", []string{flag.Tag})
	}
	if len(flag.Deprecated) > 0 {
		cmd.Flags().MarkDeprecated(flag.Name, flag.Deprecated)
	}
	if flag.Hidden {
		cmd.Flags().MarkHidden(flag.Name)
	}
	if flag.Required {
		cmd.MarkFlagRequired(flag.Name)
	}
}

func (m *flagManager) registerFlagForCmd(flag *Flag, cmds ...*cobra.Command) error {
	switch t := flag.DefaultValue.(type) {
	case string:
		m.registerStringVar(flag, cmds)
	case []string:
		m.registerStringSliceVar(flag, cmds)
	case bool:
		m.registerBoolVar(flag, cmds)
	case int:
		m.registerIntVar(flag, cmds)
	case uint32:
		m.registerUint32Var(flag, cmds)
	default:
		return fmt.Errorf("flag of type %T is not supported", t)
	}
	m.flags[flag.ID] = flag
	return nil
}

func (m *flagManager) registerStringVar(flag *Flag, cmds []*cobra.Command) {
	for _, c := range cmds {
		if flag.ShortHand != "" {
			c.Flags().StringVarP(flag.Value.(*string), flag.Name, flag.ShortHand, flag.DefaultValue.(string), flag.Usage)
		} else {
			c.Flags().StringVar(flag.Value.(*string), flag.Name, flag.DefaultValue.(string), flag.Usage)
		}
		m.setFlagOptions(flag, c)
	}
}

func (m *flagManager) registerStringSliceVar(flag *Flag, cmds []*cobra.Command) {
	for _, c := range cmds {
		if flag.ShortHand != "" {
			c.Flags().StringSliceVarP(flag.Value.(*[]string), flag.Name, flag.ShortHand, flag.DefaultValue.([]string), flag.Usage)
		} else {
			c.Flags().StringSliceVar(flag.Value.(*[]string), flag.Name, flag.DefaultValue.([]string), flag.Usage)
		}
		m.setFlagOptions(flag, c)
	}
}

func (m *flagManager) registerBoolVar(flag *Flag, cmds []*cobra.Command) {
	for _, c := range cmds {
		if flag.ShortHand != "" {
			c.Flags().BoolVarP(flag.Value.(*bool), flag.Name, flag.ShortHand, flag.DefaultValue.(bool), flag.Usage)
		} else {
			c.Flags().BoolVar(flag.Value.(*bool), flag.Name, flag.DefaultValue.(bool), flag.Usage)
		}
		m.setFlagOptions(flag, c)
	}
}

func (m *flagManager) registerIntVar(flag *Flag, cmds []*cobra.Command) {
	for _, c := range cmds {
		if flag.ShortHand != "" {
			c.Flags().IntVarP(flag.Value.(*int), flag.Name, flag.ShortHand, flag.DefaultValue.(int), flag.Usage)
		} else {
			c.Flags().IntVar(flag.Value.(*int), flag.Name, flag.DefaultValue.(int), flag.Usage)
		}
		m.setFlagOptions(flag, c)
	}
}

func (m *flagManager) registerUint32Var(flag *Flag, cmds []*cobra.Command) {
	for _, c := range cmds {
		if flag.ShortHand != "" {
			c.Flags().Uint32VarP(flag.Value.(*uint32), flag.Name, flag.ShortHand, flag.DefaultValue.(uint32), flag.Usage)
		} else {
			c.Flags().Uint32Var(flag.Value.(*uint32), flag.Name, flag.DefaultValue.(uint32), flag.Usage)
		}
		m.setFlagOptions(flag, c)
	}
}

func (m *flagManager) updateCmdFlagFromEnv(cmd *cobra.Command, prefix string, foundKeys map[string]string) error {
	var errs []error

	fn := func(flag *pflag.Flag) {
		envKeys, ok := flag.Annotations["envkey"]
		if !ok {
			return
		}
		id, ok := flag.Annotations["ID"]
		if !ok {
			return
		}
		mflag, ok := m.flags[id[0]]
		if !ok {
			return
		}
		for _, key := range envKeys {
			envKey := prefix + key
			val, set := lookupEnv(envKey)
			if !set {
				continue
			}
			// a flag set from an environment variable of higher
			// precedence is left untouched
			if prev, ok := foundKeys[key]; ok {
				if prev != val {
					errs = append(errs, fmt.Errorf("conflicting values for %s: %q and %q", key, prev, val))
				}
				return
			}
			foundKeys[key] = val
			if flag.Changed {
				return
			}
			handler := mflag.EnvHandler
			if handler == nil {
				handler = defaultEnvHandler
			}
			if err := handler(flag, val); err != nil {
				errs = append(errs, fmt.Errorf("while setting flag %s from %s: %w", flag.Name, envKey, err))
			}
			return
		}
	}
	cmd.Flags().VisitAll(fn)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// defaultEnvHandler sets the flag value from the environment, boolean
// flags accept any strconv.ParseBool value.
func defaultEnvHandler(flag *pflag.Flag, val string) error {
	if flag.Value.Type() == "bool" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		val = strconv.FormatBool(b)
	}
	return flag.Value.Set(val)
}
