// Copyright (c) 2021 Apptainer a Series of LF Projects LLC
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package env

import (
	"fmt"
	"os"
	"strings"

	"github.com/apptainer/squashfs-mount/pkg/sylog"
)

const (
	// DefaultPath defines default value for PATH environment variable.
	DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	// Prefix is the prefix of the variables looked at by squashfs-mount.
	Prefix = "SQFSMNT_"
	// ForwardPrefix marks variables set without the prefix in the
	// environment of the executed command.
	ForwardPrefix = Prefix + "FWD_"
	// MountListKey holds the list of mounted images.
	MountListKey = "UENV_MOUNT_LIST"
)

// internalKeys are never passed to the executed command.
var internalKeys = []string{
	sylog.MessageLevelEnv,
}

// SetFromList sets environment variables from environ argument list.
// Entries without a name are skipped, execve accepts them but they
// can't be set in the process environment.
func SetFromList(environ []string) error {
	for _, env := range environ {
		key, value, ok := split(env)
		if !ok || key == "" {
			sylog.Debugf("Ignoring environment entry %q without a name", env)
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("can't process environment variable %s: %w", key, err)
		}
	}
	return nil
}

// split returns the key and value of a KEY=VALUE binding, ok is false
// for malformed bindings.
func split(binding string) (key, value string, ok bool) {
	return strings.Cut(binding, "=")
}

// Lookup returns the value of the first binding of key in environ.
func Lookup(environ []string, key string) (string, bool) {
	for _, binding := range environ {
		if k, v, ok := split(binding); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Set binds key to value in environ. The first existing binding is
// replaced in place and any further one is dropped, the binding is
// appended otherwise.
func Set(environ []string, key, value string) []string {
	binding := key + "=" + value
	result := make([]string, 0, len(environ)+1)
	found := false

	for _, b := range environ {
		if k, _, ok := split(b); ok && k == key {
			if !found {
				result = append(result, binding)
				found = true
			}
			continue
		}
		result = append(result, b)
	}
	if !found {
		result = append(result, binding)
	}
	return result
}

// Unset removes every binding of key from environ.
func Unset(environ []string, key string) []string {
	result := make([]string, 0, len(environ))
	for _, b := range environ {
		if k, _, ok := split(b); ok && k == key {
			continue
		}
		result = append(result, b)
	}
	return result
}
