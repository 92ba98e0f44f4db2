// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/ccoveille/go-safecast"
)

const squashfsMagic = "hsqs"

// launchString marks images carrying a shell launch script in front
// of the squashfs superblock.
const launchString = "run-singularity"

// bufferSize is how much of the image head is inspected.
const bufferSize = 2048

// Compression is the compressor identifier of a squashfs image.
type Compression uint16

const (
	CompressionGzip Compression = iota + 1
	CompressionLzma
	CompressionLzo
	CompressionXz
	CompressionLz4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionLzma:
		return "lzma"
	case CompressionLzo:
		return "lzo"
	case CompressionXz:
		return "xz"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint16(c))
}

// Superblock is the on-disk superblock of a squashfs image. Versions
// before 4 store the major and minor numbers at the same place, which
// is enough to reject them.
type Superblock struct {
	Magic       [4]byte
	Inodes      uint32
	MkfsTime    uint32
	BlockSize   uint32
	Fragments   uint32
	Compression Compression
	BlockLog    uint16
	Flags       uint16
	NoIDs       uint16
	Major       uint16
	Minor       uint16
}

var errNotSquashfs = errors.New("not a valid squashfs image")

// ReadSuperblock decodes the superblock found at the start of r
// without checking its version.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {
	sb := &Superblock{}
	sr := io.NewSectionReader(r, 0, int64(binary.Size(sb)))
	if err := binary.Read(sr, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("can't read squashfs super block: %v", err)
	}
	if string(sb.Magic[:]) != squashfsMagic {
		return nil, errNotSquashfs
	}
	return sb, nil
}

// superblockOffset returns where the superblock starts in b, after
// the launch script if any.
func superblockOffset(b []byte) (uint64, error) {
	i := bytes.Index(b, []byte(launchString))
	if i <= 0 {
		return 0, nil
	}
	// the launch string ends the script line
	return safecast.ToUint64(i + len(launchString) + 1)
}

// CheckSquashfsHeader checks that b, the head of an image, holds a
// supported squashfs superblock and returns its offset.
func CheckSquashfsHeader(b []byte) (uint64, error) {
	offset, err := superblockOffset(b)
	if err != nil {
		return 0, err
	}
	size, err := safecast.ToUint64(binary.Size(Superblock{}))
	if err != nil {
		return 0, err
	}
	if offset+size >= uint64(len(b)) {
		return offset, fmt.Errorf("while parsing squashfs super block: can't find squashfs information header")
	}

	sb, err := ReadSuperblock(bytes.NewReader(b[offset:]))
	if err != nil {
		return offset, fmt.Errorf("while parsing squashfs super block: %w", err)
	}
	if sb.Major != 4 {
		return offset, fmt.Errorf("unsupported squashfs version %d.%d", sb.Major, sb.Minor)
	}
	if sb.Compression < CompressionGzip || sb.Compression > CompressionZstd {
		return offset, fmt.Errorf("corrupted image: unknown compression algorithm value %d", uint16(sb.Compression))
	}
	sylog.Debugf("squashfs image compression type %s", sb.Compression)
	return offset, nil
}

// SquashfsOffset opens the image at path and returns the offset of its
// squashfs superblock.
func SquashfsOffset(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	b := make([]byte, bufferSize)
	n, err := io.ReadFull(f, b)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("can't read first %d bytes of %s: %v", bufferSize, path, err)
	}
	offset, err := CheckSquashfsHeader(b[:n])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return offset, nil
}
