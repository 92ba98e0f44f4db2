// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package squashfs

import (
	"fmt"
	"io"
	iofs "io/fs"
	"os"

	"github.com/CalebQ42/squashfs"
	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/ccoveille/go-safecast"
	"github.com/docker/go-units"
)

// Image is a squashfs image opened with the user-space reader.
type Image struct {
	file  *os.File
	fsys  iofs.FS
	stats Stats
}

// OpenImage opens the squashfs filesystem starting at offset in path.
func OpenImage(path string, offset uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	off, err := safecast.ToInt64(offset)
	if err != nil {
		f.Close()
		return nil, err
	}
	if off >= fi.Size() {
		f.Close()
		return nil, fmt.Errorf("offset %d is beyond the end of %s", offset, path)
	}
	section := io.NewSectionReader(f, off, fi.Size()-off)

	sb, err := image.ReadSuperblock(section)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("while reading %s: %w", path, err)
	}
	rdr, err := squashfs.NewReader(section)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("while opening squashfs image %s: %w", path, err)
	}

	size, err := safecast.ToUint64(section.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	sylog.Debugf("Opened squashfs image %s (%s, %d inodes, %s blocks)",
		path, units.HumanSize(float64(size)), sb.Inodes, units.BytesSize(float64(sb.BlockSize)))

	return &Image{
		file: f,
		fsys: rdr,
		stats: Stats{
			Size:      size,
			Inodes:    uint64(sb.Inodes),
			BlockSize: sb.BlockSize,
		},
	}, nil
}

// FS returns the filesystem of the image.
func (i *Image) FS() iofs.FS {
	return i.fsys
}

// Stats returns the statistics reported by statfs.
func (i *Image) Stats() Stats {
	return i.stats
}

// Close closes the image file.
func (i *Image) Close() error {
	return i.file.Close()
}
