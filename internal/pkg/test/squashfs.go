// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package test

import (
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// FakeSquashfs writes a file at path that only carries a valid v4
// squashfs superblock, preceded by prefix. It passes header checks but
// can't be mounted.
func FakeSquashfs(t *testing.T, path string, prefix string) {
	t.Helper()

	b := make([]byte, len(prefix)+4096)
	copy(b, prefix)
	sb := b[len(prefix):]
	copy(sb[0:4], "hsqs")
	// compression zlib
	binary.LittleEndian.PutUint16(sb[20:22], 1)
	// major version
	binary.LittleEndian.PutUint16(sb[28:30], 4)

	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("could not write %s: %s", path, err)
	}
}

// Mksquashfs builds a squashfs image from the directory src into
// dir/name and returns its path. The test is skipped when mksquashfs
// isn't installed.
func Mksquashfs(t *testing.T, src, dir, name string) string {
	t.Helper()

	bin, err := exec.LookPath("mksquashfs")
	if err != nil {
		t.Skipf("mksquashfs is not available, skipping the test...")
	}
	path := filepath.Join(dir, name)
	out, err := exec.Command(bin, src, path, "-noappend", "-all-root").CombinedOutput()
	if err != nil {
		t.Fatalf("cannot create squashfs image %s: %s: %s", path, err, out)
	}
	return path
}
