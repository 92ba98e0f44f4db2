// Copyright (c) 2021 Apptainer a Series of LF Projects LLC
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// Copyright (c) 2021, Genomics plc.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package loop binds image files to /dev/loopN block devices.
package loop

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/apptainer/squashfs-mount/pkg/util/fs/lock"
	"github.com/ccoveille/go-safecast"
	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-units"
	"golang.org/x/sys/unix"
)

// loopMajor is the block device major number of loop devices.
const loopMajor = 7

// lockDir is locked while loop devices are looked up and bound.
const lockDir = "/dev"

// Attach retries on transient errors.
const (
	maxRetries    = 5
	retryInterval = 250 * time.Millisecond
)

// ErrNoDevice is returned when every loop device up to
// MaxLoopDevices is busy.
var ErrNoDevice = errors.New("no loop devices available")

// errTransient marks binding failures expected to clear on retry.
var errTransient = errors.New("transient loop device error")

// Device is a loop device bound to an image. Close releases the
// reference held on the device, with LO_FLAGS_AUTOCLEAR the kernel
// unbinds it once nothing else uses it.
type Device struct {
	// MaxLoopDevices is the number of /dev/loopN probed.
	MaxLoopDevices int
	// Shared reuses a device already bound to the same image with
	// the same Info.
	Shared bool
	// Info is applied to the device, a nil Info binds read-only
	// with autoclear.
	Info *unix.LoopInfo64
	// Number is N in /dev/loopN once bound.
	Number int

	fd    int
	bound bool
}

// Path returns the device node of loop device number.
func Path(number int) string {
	return fmt.Sprintf("/dev/loop%d", number)
}

// Path returns the device node of the bound device.
func (d *Device) Path() string {
	return Path(d.Number)
}

func (d *Device) info() *unix.LoopInfo64 {
	if d.Info == nil {
		d.Info = &unix.LoopInfo64{Flags: unix.LO_FLAGS_AUTOCLEAR | unix.LO_FLAGS_READ_ONLY}
	}
	return d.Info
}

// openMode returns the open flags matching the read-only flag of Info.
func (d *Device) openMode() int {
	if d.info().Flags&unix.LO_FLAGS_READ_ONLY != 0 {
		return unix.O_RDONLY
	}
	return unix.O_RDWR
}

// lockDev takes the loop device lock, waiting for other
// squashfs-mount processes holding it.
func lockDev() (*lock.Lock, error) {
	l, ok, err := lock.TryExclusive(lockDir)
	if err != nil {
		return nil, err
	}
	if ok {
		return l, nil
	}
	sylog.Debugf("Waiting for the lock on %s held by another process", lockDir)
	return lock.Exclusive(lockDir)
}

// AttachPath opens the image at path and binds it to a loop device.
func (d *Device) AttachPath(path string) error {
	f, err := os.OpenFile(path, d.openMode(), 0)
	if err != nil {
		return err
	}
	// the loop device holds its own reference on the image
	defer f.Close()
	return d.Attach(f)
}

// Attach binds image to the first free loop device, or to a device
// already bound to it when Shared is set. Transient EAGAIN and EBUSY
// failures are retried.
func (d *Device) Attach(image *os.File) error {
	if image == nil {
		return errors.New("nil image file")
	}
	if d.bound {
		return fmt.Errorf("already bound to %s", d.Path())
	}
	fi, err := image.Stat()
	if err != nil {
		return err
	}
	sylog.Debugf("Binding %s (%s) to a loop device", image.Name(), units.HumanSize(float64(fi.Size())))

	if d.Shared {
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("no device and inode for %s", image.Name())
		}
		// st.Dev is uint32 on MIPS
		found, err := d.share(uint64(st.Dev), st.Ino)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}

	op := func() error {
		err := d.bind(image)
		if err != nil && !errors.Is(err, errTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		sylog.Debugf("%v, retrying in %s", err, next)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("failed to attach loop device: %w", err)
	}
	return nil
}

func (d *Device) hold(number, fd int) {
	d.Number = number
	d.fd = fd
	d.bound = true
}

// share looks for a device bound to the image identified by dev and
// ino with the same settings.
func (d *Device) share(dev, ino uint64) (bool, error) {
	l, err := lockDev()
	if err != nil {
		return false, err
	}
	defer l.Release()

	info := d.info()
	for n := 0; n < d.MaxLoopDevices; n++ {
		fd, err := openDevice(n, d.openMode(), false)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				sylog.Debugf("Skipping %s: %v", Path(n), err)
			}
			continue
		}
		st, err := unix.IoctlLoopGetStatus64(fd)
		if err != nil || st.Device != dev || st.Inode != ino ||
			st.Offset != info.Offset || st.Sizelimit != info.Sizelimit ||
			st.Flags&unix.LO_FLAGS_READ_ONLY != info.Flags&unix.LO_FLAGS_READ_ONLY {
			unix.Close(fd)
			continue
		}
		// the open descriptor keeps the device bound until mounted
		sylog.Debugf("Sharing %s", Path(n))
		d.hold(n, fd)
		return true, nil
	}
	return false, nil
}

// bind binds image to the first device accepting it. It returns an
// errTransient error when only transient failures were met.
func (d *Device) bind(image *os.File) error {
	imageFd := int(image.Fd())

	l, err := lockDev()
	if err != nil {
		return err
	}
	defer l.Release()

	var transient error
	for n := 0; n < d.MaxLoopDevices; n++ {
		fd, err := openDevice(n, d.openMode(), true)
		if err != nil {
			sylog.Debugf("Skipping %s: %v", Path(n), err)
			continue
		}
		// busy devices refuse LOOP_SET_FD
		if err := unix.IoctlSetInt(fd, unix.LOOP_SET_FD, imageFd); err != nil {
			unix.Close(fd)
			continue
		}
		if err := unix.IoctlLoopSetStatus64(fd, d.info()); err != nil {
			unix.IoctlSetInt(fd, unix.LOOP_CLR_FD, 0)
			unix.Close(fd)
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) {
				sylog.Debugf("Transient error on %s: %v", Path(n), err)
				transient = err
				continue
			}
			return fmt.Errorf("failed to set status of %s: %w", Path(n), err)
		}
		d.hold(n, fd)
		return nil
	}
	if transient != nil {
		return fmt.Errorf("%w: %v", errTransient, transient)
	}
	return ErrNoDevice
}

// openDevice opens /dev/loopN, creating the node when create is set
// and it doesn't exist.
func openDevice(number, mode int, create bool) (int, error) {
	path := Path(number)

	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && create:
		dev, err := safecast.ToInt(unix.Mkdev(loopMajor, uint32(number)))
		if err != nil {
			return -1, err
		}
		if err := unix.Mknod(path, unix.S_IFBLK|0o660, dev); err != nil && !errors.Is(err, unix.EEXIST) {
			return -1, fmt.Errorf("could not create %s: %w", path, err)
		}
	case err != nil:
		return -1, err
	case fi.Mode()&os.ModeDevice == 0:
		return -1, fmt.Errorf("%s is not a block device", path)
	}

	// loop fd must not leak into the exec'd command
	fd, err := unix.Open(path, mode|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("could not open %s: %w", path, err)
	}
	return fd, nil
}

// Close drops the reference held on the device.
func (d *Device) Close() error {
	if !d.bound {
		return nil
	}
	d.bound = false
	return unix.Close(d.fd)
}

// Status returns the status of loop device path.
func Status(path string) (*unix.LoopInfo64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := unix.IoctlLoopGetStatus64(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", path, err)
	}
	return info, nil
}
