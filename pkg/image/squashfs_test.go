// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package image

import (
	"bytes"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

// createSquashfs creates a small but valid squashfs file that can be used
// with an image.
func createSquashfs(t *testing.T) string {
	sqshFilePath := filepath.Join(t.TempDir(), "test.sqfs")

	cmdBin, lookErr := exec.LookPath("mksquashfs")
	if lookErr != nil {
		t.Skipf("mksquashfs is not available, skipping the test...")
	}

	cmd := exec.Command(cmdBin, t.TempDir(), sqshFilePath, "-noappend")
	cmdErr := cmd.Run()
	if cmdErr != nil {
		t.Fatalf("cannot create squashfs volume: %s\n", cmdErr)
	}

	return sqshFilePath
}

// fakeSuperblock returns a buffer holding a synthetic v4 superblock
// preceded by prefix.
func fakeSuperblock(t *testing.T, prefix string, major uint16, compression Compression) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString(prefix)
	sb := Superblock{
		Major:       major,
		Compression: compression,
	}
	copy(sb.Magic[:], squashfsMagic)
	assert.NilError(t, binary.Write(&buf, binary.LittleEndian, &sb))
	buf.Write(make([]byte, bufferSize-buf.Len()))
	return buf.Bytes()
}

func TestCheckSquashfsHeader(t *testing.T) {
	sqshFilePath := createSquashfs(t)

	img, imgErr := os.Open(sqshFilePath)
	if imgErr != nil {
		t.Fatalf("cannot open file: %s\n", imgErr)
	}
	defer img.Close()

	b := make([]byte, bufferSize)
	n, readErr := img.Read(b)
	if readErr != nil || n != bufferSize {
		t.Fatalf("cannot read the first %d bytes of the image file\n", bufferSize)
	}

	offset, err := CheckSquashfsHeader(b)
	if err != nil {
		t.Fatalf("cannot check squashfs header of a valid image")
	}
	assert.Equal(t, offset, uint64(0))
}

func TestCheckSquashfsHeaderSynthetic(t *testing.T) {
	launch := "#!/bin/sh\nexec " + launchString + "\n"

	tests := []struct {
		name    string
		buf     []byte
		offset  uint64
		wantErr string
	}{
		{
			name:   "plain zlib",
			buf:    fakeSuperblock(t, "", 4, CompressionGzip),
			offset: 0,
		},
		{
			name:   "zstd",
			buf:    fakeSuperblock(t, "", 4, CompressionZstd),
			offset: 0,
		},
		{
			name:   "launch script",
			buf:    fakeSuperblock(t, launch, 4, CompressionXz),
			offset: uint64(len(launch)),
		},
		{
			name:    "version 3",
			buf:     fakeSuperblock(t, "", 3, CompressionGzip),
			wantErr: "unsupported squashfs version",
		},
		{
			name:    "unknown compression",
			buf:     fakeSuperblock(t, "", 4, 42),
			wantErr: "unknown compression",
		},
		{
			name:    "not squashfs",
			buf:     make([]byte, bufferSize),
			wantErr: "not a valid squashfs image",
		},
		{
			name:    "too short",
			buf:     []byte("hsqs"),
			wantErr: "can't find squashfs information header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, err := CheckSquashfsHeader(tt.buf)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, offset, tt.offset)
		})
	}
}

func TestSquashfsOffset(t *testing.T) {
	dir := t.TempDir()

	launch := "#!/bin/sh\nexec " + launchString + "\n"
	img := filepath.Join(dir, "launch.sqfs")
	assert.NilError(t, os.WriteFile(img, fakeSuperblock(t, launch, 4, CompressionGzip), 0o644))

	offset, err := SquashfsOffset(img)
	assert.NilError(t, err)
	assert.Equal(t, offset, uint64(len(launch)))

	text := filepath.Join(dir, "text")
	assert.NilError(t, os.WriteFile(text, []byte("hello"), 0o644))
	_, err = SquashfsOffset(text)
	assert.ErrorContains(t, err, text)

	_, err = SquashfsOffset(filepath.Join(dir, "missing"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestMountError(t *testing.T) {
	err := &MountError{Target: "/mnt"}
	assert.Error(t, err, "failed to mount /mnt")

	err = &MountError{Target: "/mnt", Reason: "daemon exited early"}
	assert.Error(t, err, "failed to mount /mnt: daemon exited early")
}

func TestReadSuperblock(t *testing.T) {
	b := fakeSuperblock(t, "", 4, CompressionGzip)
	binary.LittleEndian.PutUint32(b[4:8], 12)
	binary.LittleEndian.PutUint32(b[12:16], 131072)

	sb, err := ReadSuperblock(bytes.NewReader(b))
	assert.NilError(t, err)
	assert.Equal(t, sb.Inodes, uint32(12))
	assert.Equal(t, sb.BlockSize, uint32(131072))

	_, err = ReadSuperblock(bytes.NewReader(make([]byte, 64)))
	assert.ErrorContains(t, err, "not a valid squashfs image")

	_, err = ReadSuperblock(bytes.NewReader([]byte("hsqs")))
	assert.ErrorContains(t, err, "can't read squashfs super block")
}

func TestCompressionString(t *testing.T) {
	assert.Equal(t, CompressionGzip.String(), "gzip")
	assert.Equal(t, CompressionZstd.String(), "zstd")
	assert.Equal(t, Compression(42).String(), "compression(42)")
}
