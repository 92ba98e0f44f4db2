// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mount

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// flagOptions maps mount(8) options to mount flags. A clear
// option removes the flag set by its counterpart.
var flagOptions = map[string]struct {
	clear bool
	flag  uintptr
}{
	"ro":         {false, unix.MS_RDONLY},
	"rw":         {true, unix.MS_RDONLY},
	"nosuid":     {false, unix.MS_NOSUID},
	"suid":       {true, unix.MS_NOSUID},
	"nodev":      {false, unix.MS_NODEV},
	"dev":        {true, unix.MS_NODEV},
	"noexec":     {false, unix.MS_NOEXEC},
	"exec":       {true, unix.MS_NOEXEC},
	"noatime":    {false, unix.MS_NOATIME},
	"atime":      {true, unix.MS_NOATIME},
	"nodiratime": {false, unix.MS_NODIRATIME},
	"relatime":   {false, unix.MS_RELATIME},
	"sync":       {false, unix.MS_SYNCHRONOUS},
	"async":      {true, unix.MS_SYNCHRONOUS},
}

// flagOrder is the order in which FlagOptions renders flags.
var flagOrder = []string{"nosuid", "nodev", "noexec", "noatime", "nodiratime", "relatime", "sync", "ro"}

// FlagOptions returns the mount(8) options setting flags. Flags
// without an option are ignored.
func FlagOptions(flags uintptr) []string {
	var opts []string
	for _, name := range flagOrder {
		if flags&flagOptions[name].flag != 0 {
			opts = append(opts, name)
		}
	}
	return opts
}

// Options is the result of parsing a mount option string.
type Options struct {
	Flags uintptr
	// Loop requests the source to be attached to a loop device.
	Loop bool
	// Offset is passed to the loop device.
	Offset uint64
	// Data holds the filesystem specific options.
	Data []string
}

// ParseOptions parses a comma separated option list the way mount(8)
// does for the options supported here.
func ParseOptions(opts []string) (*Options, error) {
	o := &Options{}

	for _, opt := range opts {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if f, ok := flagOptions[opt]; ok {
			if f.clear {
				o.Flags &^= f.flag
			} else {
				o.Flags |= f.flag
			}
			continue
		}
		key, value, hasValue := strings.Cut(opt, "=")
		switch key {
		case "loop":
			if hasValue {
				return nil, fmt.Errorf("loop option doesn't take a device: %s", opt)
			}
			o.Loop = true
		case "offset":
			off, err := strconv.ParseUint(value, 10, 64)
			if err != nil || !hasValue {
				return nil, fmt.Errorf("bad offset option %q", opt)
			}
			o.Offset = off
		default:
			o.Data = append(o.Data, opt)
		}
	}

	if o.Offset > 0 && !o.Loop {
		return nil, fmt.Errorf("offset option requires the loop option")
	}
	return o, nil
}

// SplitOptions splits a comma separated option string.
func SplitOptions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
