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
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
)

// flagFor returns a flag of the same type as def bound to a fresh
// variable, with SQFSMNT_TEST_VALUE as environment key.
func flagFor(def interface{}) *Flag {
	f := &Flag{
		ID:           "testValue",
		DefaultValue: def,
		Name:         "value",
		ShortHand:    "x",
		Usage:        "a test flag",
		EnvKeys:      []string{"TEST_VALUE"},
	}
	switch def.(type) {
	case string:
		f.Value = new(string)
	case []string:
		f.Value = new([]string)
	case bool:
		f.Value = new(bool)
	case int:
		f.Value = new(int)
	case uint32:
		f.Value = new(uint32)
	default:
		f.Value = new(string)
	}
	return f
}

func TestRegisterFlagTypes(t *testing.T) {
	tests := []struct {
		name    string
		def     interface{}
		env     string
		want    string
		wantErr bool
	}{
		{name: "string", def: "", env: "an image", want: "an image"},
		{name: "string slice", def: []string{}, env: "a.sqfs:/a,b.sqfs:/b", want: "[a.sqfs:/a,b.sqfs:/b]"},
		{name: "bool", def: false, env: "1", want: "true"},
		{name: "bool false", def: true, env: "false", want: "false"},
		{name: "int", def: 0, env: "-3", want: "-3"},
		{name: "uint32", def: uint32(0), env: "30", want: "30"},
		{name: "unsupported type", def: 1.5, wantErr: true},
		{name: "unsupported pointer", def: &cobra.Command{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "squashfs-mount"}
			cm := NewCommandManager(cmd)

			cm.RegisterFlagForCmd(flagFor(tt.def), cmd)
			if tt.wantErr {
				assert.Equal(t, len(cm.GetError()), 1)
				assert.ErrorContains(t, cm.GetError()[0], "is not supported")
				assert.Assert(t, cmd.Flags().Lookup("value") == nil)
				return
			}
			assert.Equal(t, len(cm.GetError()), 0)
			assert.Assert(t, cmd.Flags().ShorthandLookup("x") != nil)

			t.Setenv("SQFSMNT_TEST_VALUE", tt.env)
			assert.NilError(t, cm.UpdateCmdFlagFromEnv(cmd, 0, make(map[string]string)))
			assert.Equal(t, cmd.Flags().Lookup("value").Value.String(), tt.want)
		})
	}
}

func TestRegisterFlagErrors(t *testing.T) {
	cmd := &cobra.Command{Use: "squashfs-mount"}
	cm := NewCommandManager(cmd)

	cm.RegisterFlagForCmd(nil, cmd)
	assert.ErrorContains(t, cm.GetError()[0], "nil flag")

	cm.RegisterFlagForCmd(flagFor(""), nil)
	assert.ErrorContains(t, cm.GetError()[1], "nil command")
}

func TestFlagOptions(t *testing.T) {
	var old, hidden, image string

	cmd := &cobra.Command{Use: "squashfs-mount"}
	cm := NewCommandManager(cmd)
	cm.RegisterFlagForCmd(&Flag{
		ID:           "oldFlag",
		Value:        &old,
		DefaultValue: "",
		Name:         "old",
		Usage:        "an old flag",
		Deprecated:   "use --new instead",
	}, cmd)
	cm.RegisterFlagForCmd(&Flag{
		ID:           "hiddenFlag",
		Value:        &hidden,
		DefaultValue: "",
		Name:         "hidden",
		Usage:        "a hidden flag",
		Hidden:       true,
	}, cmd)
	cm.RegisterFlagForCmd(&Flag{
		ID:           "imageFlag",
		Value:        &image,
		DefaultValue: "",
		Name:         "image",
		Usage:        "an image",
		Tag:          "<path>",
		Required:     true,
	}, cmd)
	assert.Equal(t, len(cm.GetError()), 0)

	assert.Equal(t, cmd.Flags().Lookup("old").Deprecated, "use --new instead")
	assert.Assert(t, cmd.Flags().Lookup("hidden").Hidden)

	f := cmd.Flags().Lookup("image")
	assert.DeepEqual(t, f.Annotations["argtag"], []string{"<path>"})
	assert.DeepEqual(t, f.Annotations[cobra.BashCompOneRequiredFlag], []string{"true"})
	assert.DeepEqual(t, f.Annotations["ID"], []string{"imageFlag"})
}

func TestUpdateCmdFlagFromEnvFoundKeys(t *testing.T) {
	var level string

	cmd := &cobra.Command{Use: "squashfs-mount"}
	cm := NewCommandManager(cmd)
	cm.RegisterFlagForCmd(&Flag{
		ID:           "levelFlag",
		Value:        &level,
		DefaultValue: "",
		Name:         "level",
		EnvKeys:      []string{"LEVEL"},
	}, cmd)
	assert.Equal(t, len(cm.GetError()), 0)

	t.Setenv("SQFSMNT_LEVEL", "debug")

	// a key found with a higher precedence and the same value is skipped
	assert.NilError(t, cm.UpdateCmdFlagFromEnv(cmd, 0, map[string]string{"LEVEL": "debug"}))
	assert.Equal(t, level, "")

	err := cm.UpdateCmdFlagFromEnv(cmd, 0, map[string]string{"LEVEL": "quiet"})
	assert.ErrorContains(t, err, "conflicting values for LEVEL")

	found := make(map[string]string)
	assert.NilError(t, cm.UpdateCmdFlagFromEnv(cmd, 0, found))
	assert.Equal(t, level, "debug")
	assert.DeepEqual(t, found, map[string]string{"LEVEL": "debug"})
}

func TestEnvHandler(t *testing.T) {
	var mounts []string

	cmd := &cobra.Command{Use: "squashfs-mount"}
	cm := NewCommandManager(cmd)
	cm.RegisterFlagForCmd(&Flag{
		ID:           "mountsFlag",
		Value:        &mounts,
		DefaultValue: []string{},
		Name:         "mounts",
		EnvKeys:      []string{"MOUNTS"},
		EnvHandler: func(f *pflag.Flag, v string) error {
			for _, m := range strings.Fields(v) {
				if err := f.Value.Set(m); err != nil {
					return err
				}
			}
			return nil
		},
	}, cmd)
	assert.Equal(t, len(cm.GetError()), 0)

	t.Setenv("SQFSMNT_MOUNTS", "a.sqfs:/a  b.sqfs:/b")
	assert.NilError(t, cm.UpdateCmdFlagFromEnv(cmd, 0, make(map[string]string)))
	assert.DeepEqual(t, mounts, []string{"a.sqfs:/a", "b.sqfs:/b"})
}
