// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package namespaces

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ccoveille/go-safecast"
)

// procRoot is where /proc is looked up, overridden by tests.
var procRoot = "/proc"

// IDMap is one line of a /proc/<pid>/{uid,gid}_map file.
type IDMap struct {
	ContainerID uint32
	HostID      uint32
	Size        uint32
}

// ParseIDMap parses the content of a uid_map or gid_map file.
func ParseIDMap(r io.Reader) ([]IDMap, error) {
	var maps []IDMap

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed id map line %q", scanner.Text())
		}
		var ids [3]uint32
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("failed to convert id map field %s: %s", f, err)
			}
			ids[i] = uint32(v)
		}
		maps = append(maps, IDMap{ContainerID: ids[0], HostID: ids[1], Size: ids[2]})
	}
	return maps, scanner.Err()
}

func readIDMap(pid, typ string) ([]IDMap, error) {
	f, err := os.Open(filepath.Join(procRoot, pid, typ+"_map"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseIDMap(f)
}

// IsInsideUserNamespace checks if a process is already running in a
// user namespace and also returns if the process has permissions to use
// setgroups in this user namespace.
func IsInsideUserNamespace(pid int) (bool, bool) {
	maps, err := readIDMap(strconv.Itoa(pid), "uid")
	// can fail if the kernel doesn't support user namespace
	if err != nil || len(maps) == 0 {
		return false, false
	}
	// a size of 4294967295 means the process is running
	// in the host user namespace
	if maps[0].Size == ^uint32(0) {
		return false, false
	}

	d, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "setgroups"))
	if err != nil {
		return true, false
	}
	return true, string(d) == "allow\n"
}

// HostUID attempts to find the original host UID if the current
// process is root running inside a user namespace, and if not it
// simply returns the current UID
func HostUID() (uint32, error) {
	safeUID, err := safecast.ToUint32(os.Getuid())
	if err != nil {
		return 0, fmt.Errorf("failed to convert uid to uint32: %s", err)
	}
	return getHostID("uid", safeUID)
}

// HostGID is the HostUID counterpart for groups.
func HostGID() (uint32, error) {
	safeGID, err := safecast.ToUint32(os.Getgid())
	if err != nil {
		return 0, fmt.Errorf("failed to convert gid to uint32: %s", err)
	}
	return getHostID("gid", safeGID)
}

func getHostID(typ string, currentID uint32) (uint32, error) {
	if currentID != 0 {
		return currentID, nil
	}

	maps, err := readIDMap("self", typ)
	if os.IsNotExist(err) {
		// user namespace not supported
		return currentID, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read %s map: %s", typ, err)
	}

	for _, m := range maps {
		// not in a user namespace, use current ID
		if m.Size == ^uint32(0) {
			break
		}
		// only a 1:1 mapping of the current ID tells us who we were
		if m.Size == 1 && m.ContainerID == currentID {
			return m.HostID, nil
		}
	}
	return currentID, nil
}
