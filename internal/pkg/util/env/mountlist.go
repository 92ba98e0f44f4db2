// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package env

import (
	"fmt"
	"strings"

	"github.com/apptainer/squashfs-mount/internal/pkg/mountentry"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/apptainer/squashfs-mount/pkg/util/sqfsmountconf"
)

const fileURIScheme = "file://"

// MountList returns the comma separated list of entries in the given
// format, in the order of entries.
func MountList(entries []mountentry.Entry, format string) (string, error) {
	var scheme string

	switch format {
	case sqfsmountconf.MountListPlain, "":
	case sqfsmountconf.MountListFileURI:
		scheme = fileURIScheme
	default:
		return "", fmt.Errorf("unknown mount list format %q", format)
	}

	list := make([]string, 0, len(entries))
	for _, e := range entries {
		list = append(list, scheme+e.Image+mountentry.Separator+e.Mountpoint)
	}
	return strings.Join(list, ","), nil
}

// ApplyForwards sets every variable of environ named with prefix under
// its name stripped of prefix. An existing binding is overwritten in
// place so that exactly one binding remains.
func ApplyForwards(environ []string, prefix string) []string {
	result := environ

	for _, binding := range environ {
		key, value, ok := split(binding)
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		if name == "" {
			sylog.Warningf("Ignoring environment variable %s: empty variable name", key)
			continue
		}
		if old, ok := Lookup(result, name); ok && old != value {
			sylog.Debugf("Overriding environment variable %s with %s", name, key)
		} else {
			sylog.Verbosef("Forwarding %s as %s environment variable", key, name)
		}
		result = Set(result, name, value)
	}
	return result
}

// Build returns the environment of the executed command: internal
// variables are removed, the mount list is set, then forwarded
// variables are applied.
func Build(environ []string, entries []mountentry.Entry, format string) ([]string, error) {
	list, err := MountList(entries, format)
	if err != nil {
		return nil, err
	}

	result := environ
	for _, key := range internalKeys {
		result = Unset(result, key)
	}
	result = Set(result, MountListKey, list)
	sylog.Debugf("%s=%s", MountListKey, list)

	return ApplyForwards(result, ForwardPrefix), nil
}
