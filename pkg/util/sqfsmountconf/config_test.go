// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sqfsmountconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseReader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *File
		wantErr string
	}{
		{
			name:    "empty",
			content: "",
			want:    Default(),
		},
		{
			name: "all keys",
			content: `max_loop_devices = 64
shared_loop_devices = true
mount_list_format = "file"
idle_timeout = 30
verify_mounts = false
`,
			want: &File{
				MaxLoopDevices:    64,
				SharedLoopDevices: true,
				MountListFormat:   MountListFileURI,
				IdleTimeout:       30,
				VerifyMounts:      false,
			},
		},
		{
			name:    "unknown key",
			content: "mount_slave = true\n",
			wantErr: "mount_slave",
		},
		{
			name:    "bad format",
			content: `mount_list_format = "json"`,
			wantErr: "mount_list_format",
		},
		{
			name:    "zero loop devices",
			content: "max_loop_devices = 0",
			wantErr: "max_loop_devices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseReader(strings.NewReader(tt.content))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NilError(t, err)
			assert.DeepEqual(t, c, tt.want)
		})
	}
}

func TestParse(t *testing.T) {
	c, err := Parse(filepath.Join(t.TempDir(), "missing.toml"))
	assert.NilError(t, err)
	assert.DeepEqual(t, c, Default())

	path := filepath.Join(t.TempDir(), "squashfs-mount.toml")
	assert.NilError(t, os.WriteFile(path, []byte("idle_timeout = 5\n"), 0o644))
	c, err = Parse(path)
	assert.NilError(t, err)
	assert.Equal(t, c.IdleTimeout, uint(5))
	assert.Equal(t, c.MaxLoopDevices, uint(256))
}

func TestCurrentConfig(t *testing.T) {
	defer SetCurrentConfig(nil)

	assert.Assert(t, GetCurrentConfig() == nil)
	c := Default()
	SetCurrentConfig(c)
	assert.Equal(t, GetCurrentConfig(), c)
}

func TestGenerate(t *testing.T) {
	c := Default()
	c.IdleTimeout = 60
	c.MountListFormat = MountListFileURI

	var buf strings.Builder
	assert.NilError(t, Generate(&buf, c))
	assert.Assert(t, strings.HasPrefix(buf.String(), "# squashfs-mount configuration file"))
	assert.Assert(t, strings.Contains(buf.String(), "idle_timeout = 60"), buf.String())

	parsed, err := ParseReader(strings.NewReader(buf.String()))
	assert.NilError(t, err)
	assert.DeepEqual(t, parsed, c)

	c.MountListFormat = "json"
	assert.ErrorContains(t, Generate(&buf, c), "mount_list_format")
}
