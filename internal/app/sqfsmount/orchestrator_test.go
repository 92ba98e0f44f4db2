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
	"os"
	"path/filepath"
	"testing"

	"github.com/apptainer/squashfs-mount/internal/pkg/mountentry"
	"github.com/apptainer/squashfs-mount/internal/pkg/test"
	"github.com/apptainer/squashfs-mount/pkg/image"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// mockBackend records mount calls and fails on the mount number failAt.
type mockBackend struct {
	calls  []image.MountParams
	failAt int
}

func (b *mockBackend) Name() string {
	return "mock"
}

func (b *mockBackend) Mount(params *image.MountParams) error {
	b.calls = append(b.calls, *params)
	if len(b.calls) == b.failAt {
		return &image.MountError{Target: params.Target}
	}
	return nil
}

type guard struct {
	err error
}

func (g guard) RequirePrivileged() error {
	return g.err
}

// fixture creates images and mountpoint directories in a temporary
// directory and returns it.
func fixture(t *testing.T, images []string, mountpoints []string) string {
	t.Helper()

	dir := t.TempDir()
	for _, img := range images {
		test.FakeSquashfs(t, filepath.Join(dir, img), "")
	}
	for _, mp := range mountpoints {
		assert.NilError(t, os.MkdirAll(filepath.Join(dir, mp), 0o755))
	}
	return dir
}

func TestMountAllOrder(t *testing.T) {
	dir := fixture(t, []string{"a.sqfs", "b.sqfs"}, []string{"mnt/b", "mnt", "mnt/a"})
	entries := []mountentry.Entry{
		{Image: filepath.Join(dir, "b.sqfs"), Mountpoint: filepath.Join(dir, "mnt/b")},
		{Image: filepath.Join(dir, "a.sqfs"), Mountpoint: filepath.Join(dir, "mnt/a")},
		{Image: filepath.Join(dir, "a.sqfs"), Mountpoint: filepath.Join(dir, "mnt")},
	}

	b := &mockBackend{}
	o := &Orchestrator{Backend: b, Guard: guard{}}
	res, err := o.MountAll(entries)
	assert.NilError(t, err)

	var targets []string
	for _, c := range b.calls {
		targets = append(targets, c.Target)
	}
	assert.DeepEqual(t, targets, []string{
		filepath.Join(dir, "mnt"),
		filepath.Join(dir, "mnt/a"),
		filepath.Join(dir, "mnt/b"),
	})
	assert.Assert(t, is.Len(res.Entries, 3))
	assert.DeepEqual(t, res.Warnings, []string{"image " + filepath.Join(dir, "a.sqfs") + " is mounted more than once"})
	// input is not reordered
	assert.Equal(t, entries[0].Image, filepath.Join(dir, "b.sqfs"))
}

func TestMountAllDuplicateImage(t *testing.T) {
	dir := fixture(t, []string{"img1"}, []string{"mnt/a", "mnt/b"})
	img := filepath.Join(dir, "img1")
	entries := []mountentry.Entry{
		{Image: img, Mountpoint: filepath.Join(dir, "mnt/b")},
		{Image: img, Mountpoint: filepath.Join(dir, "mnt/a")},
	}

	b := &mockBackend{}
	res, err := (&Orchestrator{Backend: b, Guard: guard{}}).MountAll(entries)
	assert.NilError(t, err)
	assert.DeepEqual(t, res.Entries, []mountentry.Entry{
		{Image: img, Mountpoint: filepath.Join(dir, "mnt/a")},
		{Image: img, Mountpoint: filepath.Join(dir, "mnt/b")},
	})
	assert.Assert(t, is.Len(res.Warnings, 1))
	assert.Assert(t, is.Len(b.calls, 2))
}

func TestMountAllDuplicateMountpoint(t *testing.T) {
	entries := []mountentry.Entry{
		{Image: "/img1", Mountpoint: "/mnt/a"},
		{Image: "/img2", Mountpoint: "/mnt/b"},
		{Image: "/img3", Mountpoint: "/mnt/a"},
	}

	b := &mockBackend{}
	_, err := (&Orchestrator{Backend: b, Guard: guard{}}).MountAll(entries)

	var de *DuplicateMountpointError
	assert.Assert(t, errors.As(err, &de))
	assert.Equal(t, de.Mountpoint, "/mnt/a")
	assert.Assert(t, is.Len(b.calls, 0))
}

func TestMountAllStopsOnFailure(t *testing.T) {
	dir := fixture(t, []string{"a", "b", "c"}, []string{"1", "2", "3"})
	var entries []mountentry.Entry
	for i, img := range []string{"a", "b", "c"} {
		entries = append(entries, mountentry.Entry{
			Image:      filepath.Join(dir, img),
			Mountpoint: filepath.Join(dir, []string{"1", "2", "3"}[i]),
		})
	}

	b := &mockBackend{failAt: 2}
	res, err := (&Orchestrator{Backend: b, Guard: guard{}}).MountAll(entries)

	var me *image.MountError
	assert.Assert(t, errors.As(err, &me))
	assert.Equal(t, me.Target, filepath.Join(dir, "2"))
	// the first mount is kept, the last one never attempted
	assert.Assert(t, is.Len(b.calls, 2))
	assert.Assert(t, is.Len(res.Entries, 1))
}

func TestMountAllValidation(t *testing.T) {
	dir := fixture(t, []string{"img"}, []string{"mnt"})
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "notsquashfs"), []byte("data"), 0o644))

	tests := []struct {
		name  string
		entry mountentry.Entry
		path  string
	}{
		{"missing image", mountentry.Entry{Image: filepath.Join(dir, "missing"), Mountpoint: filepath.Join(dir, "mnt")}, filepath.Join(dir, "missing")},
		{"image is a directory", mountentry.Entry{Image: filepath.Join(dir, "mnt"), Mountpoint: filepath.Join(dir, "mnt")}, filepath.Join(dir, "mnt")},
		{"mountpoint is a file", mountentry.Entry{Image: filepath.Join(dir, "img"), Mountpoint: filepath.Join(dir, "img")}, filepath.Join(dir, "img")},
		{"not squashfs", mountentry.Entry{Image: filepath.Join(dir, "notsquashfs"), Mountpoint: filepath.Join(dir, "mnt")}, filepath.Join(dir, "notsquashfs")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{}
			_, err := (&Orchestrator{Backend: b, Guard: guard{}}).MountAll([]mountentry.Entry{tt.entry})

			var ve *mountentry.ValidationError
			assert.Assert(t, errors.As(err, &ve))
			assert.Equal(t, ve.Path, tt.path)
			assert.Assert(t, is.Len(b.calls, 0))
		})
	}
}

func TestMountAllOffset(t *testing.T) {
	dir := t.TempDir()
	prefix := "#!/bin/sh\nexec run-singularity\n"
	test.FakeSquashfs(t, filepath.Join(dir, "img"), prefix)
	assert.NilError(t, os.Mkdir(filepath.Join(dir, "mnt"), 0o755))

	b := &mockBackend{}
	_, err := (&Orchestrator{Backend: b, Guard: guard{}}).MountAll([]mountentry.Entry{
		{Image: filepath.Join(dir, "img"), Mountpoint: filepath.Join(dir, "mnt")},
	})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(b.calls, 1))
	assert.Equal(t, b.calls[0].Offset, uint64(len(prefix)))
	assert.Equal(t, b.calls[0].Flags, uintptr(image.SquashfsFlags))
}

func TestMountAllRequiresPrivileges(t *testing.T) {
	dir := fixture(t, []string{"img"}, []string{"mnt"})

	b := &mockBackend{}
	o := &Orchestrator{Backend: b, Guard: guard{err: errors.New("not privileged")}}
	_, err := o.MountAll([]mountentry.Entry{{Image: filepath.Join(dir, "img"), Mountpoint: filepath.Join(dir, "mnt")}})
	assert.ErrorContains(t, err, "not privileged")
	assert.Assert(t, is.Len(b.calls, 0))

	// nothing to mount needs no privileges
	res, err := o.MountAll(nil)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(res.Entries, 0))
}
