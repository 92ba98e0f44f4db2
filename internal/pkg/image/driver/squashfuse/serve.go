// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package squashfuse

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apptainer/squashfs-mount/internal/pkg/util/fs/squashfs"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/docker/docker/pkg/reexec"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

type serveState int

const (
	serveStarting serveState = iota
	serveImageOpen
	serveSessionBound
	serveDaemonized
	serveServing
	serveTeardown
	serveExited
)

func (s serveState) String() string {
	switch s {
	case serveStarting:
		return "starting"
	case serveImageOpen:
		return "image open"
	case serveSessionBound:
		return "session bound"
	case serveDaemonized:
		return "daemonized"
	case serveServing:
		return "serving"
	case serveTeardown:
		return "teardown"
	case serveExited:
		return "exited"
	}
	return fmt.Sprintf("serveState(%d)", int(s))
}

func init() {
	reexec.Register(ServeStage, func() {
		os.Exit(Serve(os.Args[1:]))
	})
}

// server is the serving process of a single image.
type server struct {
	image      string
	mountpoint string
	offset     uint64
	idle       time.Duration

	state  serveState
	ready  *os.File
	img    *squashfs.Image
	fuse   *fuse.Server
	idleCh chan struct{}
}

func (s *server) setState(state serveState) {
	sylog.Debugf("%s on %s: %s -> %s", s.image, s.mountpoint, s.state, state)
	s.state = state
}

// parseServeArgs parses the image, mountpoint, offset and idle timeout
// in seconds.
func parseServeArgs(args []string) (*server, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("usage: %s <image> <mountpoint> <offset> <idle-timeout>", ServeStage)
	}
	offset, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid offset %q: %w", args[2], err)
	}
	idle, err := strconv.ParseUint(args[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid idle timeout %q: %w", args[3], err)
	}
	return &server{
		image:      args[0],
		mountpoint: args[1],
		offset:     offset,
		idle:       time.Duration(idle) * time.Second,
		idleCh:     make(chan struct{}, 1),
	}, nil
}

// Serve mounts an image and serves it until unmounted. The write end
// of the readiness pipe is expected on file descriptor 3, it is closed
// without any write on failure.
func Serve(args []string) int {
	signal.Ignore(syscall.SIGINT)

	if err := ensureStdFds(); err != nil {
		sylog.Errorf("%s", err)
		return 1
	}
	s, err := parseServeArgs(args)
	if err != nil {
		sylog.Errorf("%s", err)
		return 1
	}
	if _, err := unix.FcntlInt(readyFd, unix.F_GETFD, 0); err != nil {
		sylog.Errorf("no readiness pipe on file descriptor %d: %s", readyFd, err)
		return 1
	}
	s.ready = os.NewFile(readyFd, "ready")
	defer s.ready.Close()

	if err := s.run(); err != nil {
		sylog.Errorf("%s: %s", s.image, err)
		return 1
	}
	return 0
}

func (s *server) run() error {
	var err error

	s.img, err = squashfs.OpenImage(s.image, s.offset)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer s.img.Close()
	s.setState(serveImageOpen)

	idle := squashfs.NewIdleTimer(s.idle, func() {
		s.idleCh <- struct{}{}
	})
	defer idle.Stop()

	cfg := squashfs.Config{
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Stats: s.img.Stats(),
		Idle:  idle,
	}
	// a parent death while mounting is handled once serving
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.fuse, err = squashfs.Mount(s.mountpoint, s.image, s.img.FS(), cfg)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", s.mountpoint, err)
	}
	s.setState(serveSessionBound)

	if err := daemonize(); err != nil {
		s.fuse.Unmount()
		return err
	}
	s.setState(serveDaemonized)

	if _, err := s.ready.Write(bytes.Repeat([]byte{'x'}, fillerSize)); err != nil {
		s.fuse.Unmount()
		return fmt.Errorf("while notifying readiness: %w", err)
	}
	s.ready.Close()
	s.setState(serveServing)

	go func() {
		select {
		case sig := <-sigCh:
			sylog.Debugf("Received %s, unmounting %s", sig, s.mountpoint)
		case <-s.idleCh:
			sylog.Debugf("Idle timeout reached, unmounting %s", s.mountpoint)
		}
		if err := s.fuse.Unmount(); err != nil {
			sylog.Warningf("Failed to unmount %s: %s", s.mountpoint, err)
		}
	}()

	s.fuse.Wait()
	s.setState(serveTeardown)
	defer s.setState(serveExited)
	return nil
}

// ensureStdFds opens /dev/null on closed standard file descriptors so
// that files opened later never land on them.
func ensureStdFds() error {
	for fd := 0; fd <= 2; fd++ {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
			continue
		}
		nullFd, err := unix.Open(os.DevNull, unix.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("while opening %s: %w", os.DevNull, err)
		}
		if nullFd != fd {
			err := unix.Dup3(nullFd, fd, 0)
			unix.Close(nullFd)
			if err != nil {
				return fmt.Errorf("while duplicating %s: %w", os.DevNull, err)
			}
		}
	}
	return nil
}

// daemonize moves to / and points the standard streams to /dev/null
// while staying in the process group of the parent. Standard error is
// kept when debugging.
func daemonize() error {
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("while changing directory to /: %w", err)
	}
	nullFd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("while opening %s: %w", os.DevNull, err)
	}
	defer unix.Close(nullFd)

	last := 2
	if sylog.GetLevel() >= int(sylog.DebugLevel) {
		last = 1
	}
	for fd := 0; fd <= last; fd++ {
		if err := unix.Dup3(nullFd, fd, 0); err != nil {
			return fmt.Errorf("while redirecting file descriptor %d: %w", fd, err)
		}
	}
	return nil
}
